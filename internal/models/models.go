package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        *string   `json:"email,omitempty"`
	PasswordHash *string   `json:"-"` // Never serialize
	DisplayName  string    `json:"display_name"`
	AvatarURL    *string   `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Chat represents a direct or group chat. The chat document is the sole
// owner of the membership timestamp maps: JoinedAt records when each
// current member entered, RemovedAt records when a former member was
// removed. Re-adding a member sets a fresh JoinedAt and clears the
// RemovedAt entry. Membership changes never touch stored messages.
type Chat struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	IsGroupChat bool       `json:"is_group_chat"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Members is the ordered, deduplicated current member list
	// (joined_at order, user id as tiebreak).
	Members []uuid.UUID `json:"members,omitempty"`

	JoinedAt  map[uuid.UUID]time.Time `json:"joined_at,omitempty"`
	RemovedAt map[uuid.UUID]time.Time `json:"removed_at,omitempty"`
}

// Member pairs a chat member with their published encryption key, in
// roster order. This is what senders encrypt against. KeyVersion and
// Attestation carry the directory's binding signature so clients can
// check the key against the server's attestation key before use.
type Member struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	PublicKey   []byte    `json:"public_key"` // DER (PKIX) encoded RSA public key
	KeyVersion  int       `json:"key_version,omitempty"`
	Attestation []byte    `json:"attestation,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Message represents one stored message. Content is the serialized
// envelope, opaque to the server. RecipientIDs freezes the ordered
// recipient list used at encryption time so receivers can derive their
// wrapped-key index even after membership changes.
type Message struct {
	ID           uuid.UUID     `json:"id"`
	ChatID       uuid.UUID     `json:"chat_id"`
	SenderID     uuid.UUID     `json:"sender_id"`
	Content      []byte        `json:"content"`
	RecipientIDs []uuid.UUID   `json:"recipient_ids"`
	Attachments  []*Attachment `json:"attachments,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DirectoryEntry is a published identity key as served by the key
// directory, together with the server's attestation signature.
type DirectoryEntry struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	PublicKey      []byte    `json:"public_key"`
	KeyFingerprint string    `json:"key_fingerprint"`
	KeyVersion     int       `json:"key_version"`
	Status         string    `json:"status"`
	Attestation    []byte    `json:"attestation,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// WSEvent is the frame pushed over the real-time channel.
type WSEvent struct {
	Type    string   `json:"type"` // "message", "membership"
	ChatID  string   `json:"chat_id"`
	Message *Message `json:"message,omitempty"`
}

// Attachment is a stored file reference. The blob itself is encrypted
// client-side before upload; the server only sees the storage key and
// size.
type Attachment struct {
	ID         uuid.UUID `json:"id"`
	MessageID  uuid.UUID `json:"message_id"`
	StorageKey string    `json:"storage_key"`
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Upload request/response for attachment storage
type UploadRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
	ChatID   string `json:"chat_id"`
}

type UploadResponse struct {
	UploadURL  string    `json:"upload_url"`
	StorageKey string    `json:"storage_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type DownloadRequest struct {
	StorageKey string `json:"storage_key"`
}

type DownloadResponse struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}
