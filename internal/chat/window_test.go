package chat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/sohbet/services/backend/internal/models"
)

func testChat(created time.Time) *models.Chat {
	return &models.Chat{
		ID:          uuid.New(),
		IsGroupChat: true,
		CreatedAt:   created,
		JoinedAt:    make(map[uuid.UUID]time.Time),
		RemovedAt:   make(map[uuid.UUID]time.Time),
	}
}

func TestWindowOriginalMemberSeesEverything(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := testChat(t0)
	alice := uuid.New()
	c.JoinedAt[alice] = t0

	w, err := WindowFor(c, alice)
	require.NoError(t, err)
	assert.Equal(t, t0, w.From)
	assert.True(t, w.Open())
	assert.True(t, w.Contains(t0))
	assert.True(t, w.Contains(t0.Add(time.Hour)))
	assert.False(t, w.Contains(t0.Add(-time.Second)))
}

func TestWindowLateJoinerCannotSeeHistory(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t0.Add(2 * time.Hour)
	c := testChat(t0)
	bob := uuid.New()
	c.JoinedAt[bob] = t2

	w, err := WindowFor(c, bob)
	require.NoError(t, err)
	assert.False(t, w.Contains(t0.Add(time.Hour)), "message before join must be hidden")
	assert.True(t, w.Contains(t2))
	assert.True(t, w.Contains(t2.Add(time.Minute)))
}

func TestWindowRemovedMember(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := t0.Add(3 * time.Hour)
	c := testChat(t0)
	bob := uuid.New()
	c.JoinedAt[bob] = t0
	c.RemovedAt[bob] = t3

	w, err := WindowFor(c, bob)
	require.NoError(t, err)
	assert.True(t, w.Contains(t3.Add(-time.Second)), "pre-removal messages stay visible")
	assert.False(t, w.Contains(t3), "upper bound is exclusive")
	assert.False(t, w.Contains(t3.Add(time.Hour)))
}

func TestWindowReAddOpensFreshForwardWindow(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := t0.Add(3 * time.Hour) // removed
	t4 := t0.Add(5 * time.Hour) // re-added

	c := testChat(t0)
	bob := uuid.New()
	// Re-adding sets a new joined-at and clears the prior removed-at.
	c.JoinedAt[bob] = t4

	w, err := WindowFor(c, bob)
	require.NoError(t, err)
	assert.False(t, w.Contains(t3.Add(time.Minute)), "gap messages stay hidden after re-add")
	assert.False(t, w.Contains(t0.Add(time.Hour)), "pre-removal history stays hidden after re-add")
	assert.True(t, w.Contains(t4))
	assert.True(t, w.Open())
}

func TestWindowNonMember(t *testing.T) {
	c := testChat(time.Now())
	_, err := WindowFor(c, uuid.New())
	require.ErrorIs(t, err, ErrNotMember)
}

func TestDirectChatMembershipIsImmutable(t *testing.T) {
	c := testChat(time.Now())
	c.IsGroupChat = false

	// Both adding and removing go through the same gate: a direct
	// chat's membership is fixed at creation.
	require.ErrorIs(t, memberMutationAllowed(c), ErrNotGroupChat)

	c.IsGroupChat = true
	require.NoError(t, memberMutationAllowed(c))
}

func TestWindowMissingJoinFallsBackToChatCreation(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := t0.Add(time.Hour)
	c := testChat(t0)
	bob := uuid.New()
	// Legacy document: only a removal record. Original members see from
	// chat creation.
	c.RemovedAt[bob] = t3

	w, err := WindowFor(c, bob)
	require.NoError(t, err)
	assert.Equal(t, t0, w.From)
	assert.Equal(t, t3, w.To)
}
