package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sohbet/services/backend/internal/directory"
	"gitlab.com/sohbet/services/backend/internal/keystore"
	"gitlab.com/sohbet/services/backend/internal/models"
)

func newTestKeystore(t *testing.T) *keystore.Store {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func newTestSigner(t *testing.T) *directory.Signer {
	t.Helper()
	signer, err := directory.NewSigner(filepath.Join(t.TempDir(), "attest.key"))
	require.NoError(t, err)
	return signer
}

// rosterServer serves the minimal endpoints SendText touches: the
// attestation key, one chat roster, and the message POST. It records
// whether a message was ever posted.
type rosterServer struct {
	signer   *directory.Signer
	chatID   uuid.UUID
	members  []models.Member
	posted   bool
	lastBody struct {
		Content      []byte      `json:"content"`
		RecipientIDs []uuid.UUID `json:"recipient_ids"`
	}
}

func (rs *rosterServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/directory/attestation-key":
			json.NewEncoder(w).Encode(map[string]interface{}{"attestation_key": rs.signer.PublicKey()})
		case strings.HasSuffix(r.URL.Path, "/roster"):
			json.NewEncoder(w).Encode(map[string]interface{}{"members": rs.members})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			rs.posted = true
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&rs.lastBody))
			json.NewEncoder(w).Encode(models.Message{
				ID:           uuid.New(),
				ChatID:       rs.chatID,
				Content:      rs.lastBody.Content,
				RecipientIDs: rs.lastBody.RecipientIDs,
				CreatedAt:    time.Now(),
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func TestSendTextAcceptsAttestedRoster(t *testing.T) {
	self := newTestIdentity(t)
	peer := newTestIdentity(t)
	signer := newTestSigner(t)
	chatID := uuid.New()

	rs := &rosterServer{
		signer: signer,
		chatID: chatID,
		members: []models.Member{
			{UserID: self.id, PublicKey: self.der, KeyVersion: 1, Attestation: signer.Attest(self.id, self.der, 1)},
			{UserID: peer.id, PublicKey: peer.der, KeyVersion: 1, Attestation: signer.Attest(peer.id, peer.der, 1)},
		},
	}
	ts := httptest.NewServer(rs.handler(t))
	defer ts.Close()

	sess := NewSession(ts.URL, "token", self.id, newTestKeystore(t))
	msg, err := sess.SendText(context.Background(), chatID, "merhaba")
	require.NoError(t, err)
	require.True(t, rs.posted)
	assert.Equal(t, []uuid.UUID{self.id, peer.id}, msg.RecipientIDs)
}

func TestSendTextRejectsSubstitutedKey(t *testing.T) {
	self := newTestIdentity(t)
	peer := newTestIdentity(t)
	attacker := newTestIdentity(t)
	signer := newTestSigner(t)
	chatID := uuid.New()

	// The directory serves the attacker's key under the peer's entry,
	// but the attestation still covers the peer's real key.
	rs := &rosterServer{
		signer: signer,
		chatID: chatID,
		members: []models.Member{
			{UserID: self.id, PublicKey: self.der, KeyVersion: 1, Attestation: signer.Attest(self.id, self.der, 1)},
			{UserID: peer.id, PublicKey: attacker.der, KeyVersion: 1, Attestation: signer.Attest(peer.id, peer.der, 1)},
		},
	}
	ts := httptest.NewServer(rs.handler(t))
	defer ts.Close()

	sess := NewSession(ts.URL, "token", self.id, newTestKeystore(t))
	_, err := sess.SendText(context.Background(), chatID, "merhaba")
	require.ErrorIs(t, err, ErrKeyAttestation)
	assert.False(t, rs.posted, "no envelope may leave the client after a failed attestation check")
}

func TestSendTextRejectsMissingAttestation(t *testing.T) {
	self := newTestIdentity(t)
	peer := newTestIdentity(t)
	signer := newTestSigner(t)
	chatID := uuid.New()

	rs := &rosterServer{
		signer: signer,
		chatID: chatID,
		members: []models.Member{
			{UserID: self.id, PublicKey: self.der, KeyVersion: 1, Attestation: signer.Attest(self.id, self.der, 1)},
			{UserID: peer.id, PublicKey: peer.der, KeyVersion: 1},
		},
	}
	ts := httptest.NewServer(rs.handler(t))
	defer ts.Close()

	sess := NewSession(ts.URL, "token", self.id, newTestKeystore(t))
	_, err := sess.SendText(context.Background(), chatID, "merhaba")
	require.ErrorIs(t, err, ErrKeyAttestation)
	assert.False(t, rs.posted)
}

func TestRecordAttachment(t *testing.T) {
	self := newTestIdentity(t)
	chatID := uuid.New()
	messageID := uuid.New()

	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(models.Attachment{
			ID:         uuid.New(),
			MessageID:  messageID,
			StorageKey: "chat/blob.bin",
			FileName:   "photo.jpg",
			FileSize:   2048,
			MimeType:   "image/jpeg",
			CreatedAt:  time.Now(),
		})
	}))
	defer ts.Close()

	sess := NewSession(ts.URL, "token", self.id, newTestKeystore(t))
	att, err := sess.RecordAttachment(context.Background(), chatID, messageID, "chat/blob.bin", "photo.jpg", 2048, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, "/api/chats/"+chatID.String()+"/messages/"+messageID.String()+"/attachments", gotPath)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "chat/blob.bin", gotBody["storage_key"])
	assert.Equal(t, "photo.jpg", gotBody["file_name"])
	assert.Equal(t, float64(2048), gotBody["file_size"])
	assert.Equal(t, "image/jpeg", gotBody["mime_type"])
	assert.Equal(t, messageID, att.MessageID)
	assert.Equal(t, "photo.jpg", att.FileName)
}

func TestFetchMessagesCarriesAttachments(t *testing.T) {
	ks := newTestKeystore(t)
	kp, err := ks.EnsureIdentity()
	require.NoError(t, err)
	der, err := ks.PublicKeyDER()
	require.NoError(t, err)

	selfID := uuid.New()
	chatID := uuid.New()
	self := testIdentity{id: selfID, kp: kp, der: der}
	msg := encryptFor(t, self, chatID, "dosya ektedir", self)
	msg.Attachments = []*models.Attachment{{
		ID:         uuid.New(),
		MessageID:  msg.ID,
		StorageKey: "chat/blob.bin",
		FileName:   "notes.pdf",
		FileSize:   4096,
		MimeType:   "application/pdf",
	}}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []*models.Message{msg}})
	}))
	defer ts.Close()

	sess := NewSession(ts.URL, "token", selfID, ks)
	out, err := sess.FetchMessages(context.Background(), chatID, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Decrypted)
	assert.Equal(t, "dosya ektedir", out[0].Text)
	require.Len(t, out[0].Message.Attachments, 1)
	assert.Equal(t, "notes.pdf", out[0].Message.Attachments[0].FileName)
}
