package client

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sohbet/services/backend/internal/crypto"
	"gitlab.com/sohbet/services/backend/internal/models"
)

type testIdentity struct {
	id  uuid.UUID
	kp  *crypto.IdentityKeyPair
	der []byte
}

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	kp, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(kp.Public)
	require.NoError(t, err)
	return testIdentity{id: uuid.New(), kp: kp, der: der}
}

func encryptFor(t *testing.T, sender testIdentity, chatID uuid.UUID, text string, recipients ...testIdentity) *models.Message {
	t.Helper()
	ids := make([]uuid.UUID, len(recipients))
	keys := make([][]byte, len(recipients))
	for i, r := range recipients {
		ids[i] = r.id
		keys[i] = r.der
	}
	env, err := crypto.Encrypt(text, keys)
	require.NoError(t, err)
	blob, err := env.Marshal()
	require.NoError(t, err)
	return &models.Message{
		ID:           uuid.New(),
		ChatID:       chatID,
		SenderID:     sender.id,
		Content:      blob,
		RecipientIDs: ids,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestDecryptBatchPreservesChronologicalOrder(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	chatID := uuid.New()

	texts := []string{"first", "second", "third", "fourth", "fifth"}
	msgs := make([]*models.Message, len(texts))
	for i, text := range texts {
		msgs[i] = encryptFor(t, alice, chatID, text, alice, bob)
	}

	got := DecryptBatch(msgs, bob.id, nil, true, bob.kp.Private)
	require.Len(t, got, len(texts))
	for i, dm := range got {
		assert.True(t, dm.Decrypted)
		assert.Equal(t, texts[i], dm.Text, "results must follow input order, not completion order")
		assert.Same(t, msgs[i], dm.Message)
	}
}

func TestDecryptBatchPlaceholderDoesNotAbortBatch(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	chatID := uuid.New()

	good1 := encryptFor(t, alice, chatID, "ok one", alice, bob)
	bad := encryptFor(t, alice, chatID, "not for bob", alice) // bob holds no wrapped key
	garbled := &models.Message{
		ID:           uuid.New(),
		ChatID:       chatID,
		SenderID:     alice.id,
		Content:      []byte("not an envelope"),
		RecipientIDs: []uuid.UUID{alice.id, bob.id},
		CreatedAt:    time.Now().UTC(),
	}
	good2 := encryptFor(t, alice, chatID, "ok two", alice, bob)

	got := DecryptBatch([]*models.Message{good1, bad, garbled, good2}, bob.id, nil, true, bob.kp.Private)
	require.Len(t, got, 4)

	assert.True(t, got[0].Decrypted)
	assert.Equal(t, "ok one", got[0].Text)

	assert.False(t, got[1].Decrypted)
	assert.Equal(t, UndecryptablePlaceholder, got[1].Text)
	assert.ErrorIs(t, got[1].Err, ErrNotRecipient)

	assert.False(t, got[2].Decrypted)
	assert.Equal(t, UndecryptablePlaceholder, got[2].Text)
	assert.ErrorIs(t, got[2].Err, crypto.ErrMalformedEnvelope)

	assert.True(t, got[3].Decrypted)
	assert.Equal(t, "ok two", got[3].Text)
}

func TestDecryptBatchWrongKeyYieldsPlaceholder(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	eve := newTestIdentity(t)
	chatID := uuid.New()

	msg := encryptFor(t, alice, chatID, "secret", alice, bob)
	// Eve claims bob's position in the frozen list.
	msg.RecipientIDs[1] = eve.id

	got := DecryptBatch([]*models.Message{msg}, eve.id, nil, true, eve.kp.Private)
	require.Len(t, got, 1)
	assert.False(t, got[0].Decrypted)
	assert.Equal(t, UndecryptablePlaceholder, got[0].Text)
	assert.ErrorIs(t, got[0].Err, crypto.ErrKeyMismatch)
}

// Full removal scenario: A and B chat, B is removed, A sends to the
// reduced roster. B can still open the pre-removal message but holds no
// wrapped key for the later one.
func TestRemovedMemberScenario(t *testing.T) {
	a := newTestIdentity(t)
	b := newTestIdentity(t)
	chatID := uuid.New()

	hi := encryptFor(t, a, chatID, "hi", a, b)   // sent while B was a member
	bye := encryptFor(t, a, chatID, "bye", a)    // sent after B's removal

	// B decrypts "hi" at index 1.
	idx, err := RecipientIndex(hi, b.id, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	text, err := crypto.DecryptBlob(hi.Content, idx, b.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	// Even with the raw envelope for "bye", B has no wrapped key.
	got := DecryptBatch([]*models.Message{bye}, b.id, nil, true, b.kp.Private)
	require.Len(t, got, 1)
	assert.False(t, got[0].Decrypted)
	assert.ErrorIs(t, got[0].Err, ErrNotRecipient)

	// A still reads both at index 0.
	for _, msg := range []*models.Message{hi, bye} {
		text, err := crypto.DecryptBlob(msg.Content, 0, a.kp.Private)
		require.NoError(t, err)
		assert.NotEmpty(t, text)
	}
}
