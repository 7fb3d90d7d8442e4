// Package client is the client-resident side of the system: identity
// management, envelope encryption for a chat's roster, and decryption
// of fetched or pushed messages. The server never sees anything this
// package produces except opaque envelope blobs and public keys.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/sohbet/services/backend/internal/crypto"
	"gitlab.com/sohbet/services/backend/internal/directory"
	"gitlab.com/sohbet/services/backend/internal/keystore"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// ErrKeyAttestation is returned when a roster member's published key
// fails verification against the server's attestation key. Encrypting
// against such a key could hand the plaintext to a substituted
// recipient, so sending aborts.
var ErrKeyAttestation = errors.New("directory key failed attestation")

// Session is one authenticated client session. It holds no global
// state: the HTTP client, the keystore and any push channel are
// explicit per-session objects.
type Session struct {
	baseURL string
	token   string
	userID  uuid.UUID
	keys    *keystore.Store
	httpc   *http.Client

	// attestKey caches the server's attestation verification key for
	// the session's lifetime.
	attestKey []byte
}

func NewSession(baseURL, token string, userID uuid.UUID, keys *keystore.Store) *Session {
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		keys:    keys,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// UserID returns the session's identity.
func (s *Session) UserID() uuid.UUID {
	return s.userID
}

// PublishKey ensures the local identity exists and publishes its public
// half to the server's key directory. Safe to call on every startup:
// EnsureIdentity never rotates, and re-publishing the same key is a
// no-op server-side.
func (s *Session) PublishKey(ctx context.Context) error {
	if _, err := s.keys.EnsureIdentity(); err != nil {
		return err
	}
	pubDER, err := s.keys.PublicKeyDER()
	if err != nil {
		return err
	}

	body := map[string][]byte{"public_key": pubDER}
	var entry models.DirectoryEntry
	if err := s.post(ctx, "/api/directory/keys", body, &entry); err != nil {
		return fmt.Errorf("failed to publish key: %w", err)
	}
	return nil
}

// Chats lists the chats the session's user currently belongs to.
func (s *Session) Chats(ctx context.Context) ([]*models.Chat, error) {
	var resp struct {
		Chats []*models.Chat `json:"chats"`
	}
	if err := s.get(ctx, "/api/chats", &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch chats: %w", err)
	}
	return resp.Chats, nil
}

// Roster fetches the chat's ordered current member list with their
// published public keys.
func (s *Session) Roster(ctx context.Context, chatID uuid.UUID) ([]models.Member, error) {
	var resp struct {
		Members []models.Member `json:"members"`
	}
	if err := s.get(ctx, "/api/chats/"+chatID.String()+"/roster", &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}
	return resp.Members, nil
}

// attestationKey fetches and caches the server's attestation
// verification key.
func (s *Session) attestationKey(ctx context.Context) ([]byte, error) {
	if s.attestKey != nil {
		return s.attestKey, nil
	}
	var resp struct {
		AttestationKey []byte `json:"attestation_key"`
	}
	if err := s.get(ctx, "/api/directory/attestation-key", &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch attestation key: %w", err)
	}
	s.attestKey = resp.AttestationKey
	return s.attestKey, nil
}

// SendText encrypts plaintext for the chat's current roster and sends
// the envelope. Every roster key must carry a valid attestation over
// (user id, key, version) under the server's attestation key before it
// is used; a failed check aborts the send. The roster order at this
// instant is the recipient order; it is frozen on the stored message so
// every recipient can reproduce their index later. Send failures are
// surfaced, never retried here.
func (s *Session) SendText(ctx context.Context, chatID uuid.UUID, text string) (*models.Message, error) {
	roster, err := s.Roster(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, crypto.ErrEmptyRecipientList
	}

	attestKey, err := s.attestationKey(ctx)
	if err != nil {
		return nil, err
	}

	recipientIDs := make([]uuid.UUID, len(roster))
	recipientKeys := make([][]byte, len(roster))
	for i, m := range roster {
		if len(m.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: member %s has no published key", crypto.ErrInvalidRecipientKey, m.UserID)
		}
		ok, err := directory.VerifyAttestation(attestKey, m.UserID, m.PublicKey, m.KeyVersion, m.Attestation)
		if err != nil {
			return nil, fmt.Errorf("%w: member %s: %v", ErrKeyAttestation, m.UserID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: member %s", ErrKeyAttestation, m.UserID)
		}
		recipientIDs[i] = m.UserID
		recipientKeys[i] = m.PublicKey
		// Keep the peer cache warm for offline fingerprint checks.
		_ = s.keys.CachePeerKey(m.UserID.String(), m.PublicKey)
	}

	env, err := crypto.Encrypt(text, recipientKeys)
	if err != nil {
		return nil, err
	}
	blob, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	req := struct {
		Content      []byte      `json:"content"`
		RecipientIDs []uuid.UUID `json:"recipient_ids"`
	}{Content: blob, RecipientIDs: recipientIDs}

	var msg models.Message
	if err := s.post(ctx, "/api/chats/"+chatID.String()+"/messages", req, &msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &msg, nil
}

// FetchMessages retrieves the requester-visible page of a chat's
// messages and decrypts it. Decryption fans out concurrently and the
// results are re-joined in the server's chronological order; messages
// that cannot be opened come back as placeholders.
func (s *Session) FetchMessages(ctx context.Context, chatID uuid.UUID, isGroup bool) ([]DecryptedMessage, error) {
	var resp struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := s.get(ctx, "/api/chats/"+chatID.String()+"/messages", &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	kp, err := s.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	var roster []uuid.UUID
	if isGroup {
		members, err := s.Roster(ctx, chatID)
		if err != nil {
			return nil, err
		}
		roster = make([]uuid.UUID, len(members))
		for i, m := range members {
			roster[i] = m.UserID
		}
	}

	return DecryptBatch(resp.Messages, s.userID, roster, isGroup, kp.Private), nil
}

// RecordAttachment links an uploaded blob to a message the session's
// user sent. Call it after the presigned PUT succeeds.
func (s *Session) RecordAttachment(ctx context.Context, chatID, messageID uuid.UUID, storageKey, fileName string, fileSize int64, mimeType string) (*models.Attachment, error) {
	req := map[string]interface{}{
		"storage_key": storageKey,
		"file_name":   fileName,
		"file_size":   fileSize,
		"mime_type":   mimeType,
	}
	var att models.Attachment
	path := "/api/chats/" + chatID.String() + "/messages/" + messageID.String() + "/attachments"
	if err := s.post(ctx, path, req, &att); err != nil {
		return nil, fmt.Errorf("failed to record attachment: %w", err)
	}
	return &att, nil
}

// Dial opens the real-time push channel for one chat. The returned
// connection belongs to the caller; there is no shared or cached
// socket.
func (s *Session) Dial(ctx context.Context, chatID uuid.UUID) (*websocket.Conn, error) {
	wsURL, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad base URL: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/api/ws"
	wsURL.RawQuery = "chat_id=" + chatID.String()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial push channel: %w", err)
	}
	return conn, nil
}

// Listen reads pushed events from an explicitly supplied connection and
// invokes handler for each decrypted message. A message that fails to
// decrypt is delivered as a placeholder; the loop only stops on a
// channel error or context cancellation.
func (s *Session) Listen(ctx context.Context, conn *websocket.Conn, isGroup bool, handler func(DecryptedMessage)) error {
	kp, err := s.keys.EnsureIdentity()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var event models.WSEvent
		if err := conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("push channel closed: %w", err)
		}
		if event.Type != "message" || event.Message == nil {
			continue
		}
		handler(decryptOne(event.Message, s.userID, nil, isGroup, kp.Private))
	}
}

// HTTP plumbing

func (s *Session) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *Session) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Session) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
