package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// ErrNotMember is returned when the requester has never been a member
// of the chat.
var ErrNotMember = errors.New("not a chat member")

// Window is the half-open interval [From, To) of message creation
// timestamps a member may fetch. A zero To means the window is
// open-ended ("now").
type Window struct {
	From time.Time
	To   time.Time
}

// Open reports whether the window has no upper bound.
func (w Window) Open() bool {
	return w.To.IsZero()
}

// Contains reports whether a message created at t falls inside the
// window. The lower bound is inclusive, the upper bound exclusive: a
// message created exactly at the removal instant is already hidden.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// WindowFor computes the visibility window for one member from the chat
// document. The lower bound is the member's joined-at timestamp,
// falling back to the chat's creation time for original members; the
// upper bound is the removed-at timestamp if the member was removed,
// else open. A user present in neither map has never been part of the
// chat.
//
// Membership changes only move these bounds; stored envelopes are never
// re-encrypted, deleted, or mutated.
func WindowFor(c *models.Chat, userID uuid.UUID) (Window, error) {
	joined, hasJoined := c.JoinedAt[userID]
	removed, hasRemoved := c.RemovedAt[userID]

	if !hasJoined && !hasRemoved {
		return Window{}, ErrNotMember
	}

	w := Window{From: c.CreatedAt}
	if hasJoined {
		w.From = joined
	}
	if hasRemoved {
		w.To = removed
	}
	return w, nil
}
