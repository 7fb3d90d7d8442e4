package client

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// ErrNotRecipient is returned when the caller holds no wrapped-key
// entry in a message's envelope.
var ErrNotRecipient = errors.New("not a recipient of this message")

// RecipientIndex derives the caller's position in the ordered recipient
// list an envelope was encrypted against. The index is not carried
// inside the envelope; decryption silently targets the wrong wrapped
// key if this derivation disagrees with the order used at encryption
// time, so the rules here are a protocol contract:
//
//  1. If the message carries its frozen recipient list (every message
//     stored by this server does), the index is the caller's position
//     in that list. Membership changes after send cannot shift it.
//  2. Otherwise, in a direct two-party chat the sender is index 0 and
//     the counterpart index 1.
//  3. Otherwise (legacy group message without a frozen list), the index
//     is the caller's position in the supplied roster.
func RecipientIndex(msg *models.Message, selfID uuid.UUID, roster []uuid.UUID, isGroup bool) (int, error) {
	if len(msg.RecipientIDs) > 0 {
		for i, id := range msg.RecipientIDs {
			if id == selfID {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrNotRecipient, selfID)
	}

	if !isGroup {
		if selfID == msg.SenderID {
			return 0, nil
		}
		return 1, nil
	}

	for i, id := range roster {
		if id == selfID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotRecipient, selfID)
}
