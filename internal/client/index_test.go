package client

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/sohbet/services/backend/internal/models"
)

func TestRecipientIndexFrozenList(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	msg := &models.Message{
		SenderID:     a,
		RecipientIDs: []uuid.UUID{a, b, c},
	}

	for i, id := range []uuid.UUID{a, b, c} {
		idx, err := RecipientIndex(msg, id, nil, true)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}

	_, err := RecipientIndex(msg, uuid.New(), nil, true)
	require.ErrorIs(t, err, ErrNotRecipient)
}

func TestRecipientIndexFrozenListBeatsRoster(t *testing.T) {
	a, b, newcomer := uuid.New(), uuid.New(), uuid.New()
	msg := &models.Message{
		SenderID:     a,
		RecipientIDs: []uuid.UUID{a, b},
	}

	// The newcomer joined after the message was sent and sits first in
	// the current roster; the frozen list must still win.
	roster := []uuid.UUID{newcomer, a, b}
	idx, err := RecipientIndex(msg, b, roster, true)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	_, err = RecipientIndex(msg, newcomer, roster, true)
	require.ErrorIs(t, err, ErrNotRecipient)
}

func TestRecipientIndexDirectChatRule(t *testing.T) {
	sender, other := uuid.New(), uuid.New()
	msg := &models.Message{SenderID: sender}

	idx, err := RecipientIndex(msg, sender, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, idx, "sender occupies index 0")

	idx, err = RecipientIndex(msg, other, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "counterpart occupies index 1")
}

func TestRecipientIndexLegacyGroupFallsBackToRoster(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	msg := &models.Message{SenderID: a}
	roster := []uuid.UUID{a, b, c}

	idx, err := RecipientIndex(msg, c, roster, true)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = RecipientIndex(msg, uuid.New(), roster, true)
	require.ErrorIs(t, err, ErrNotRecipient)
}
