package client

import (
	"crypto/rsa"
	"sync"

	"github.com/google/uuid"
	"gitlab.com/sohbet/services/backend/internal/crypto"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// UndecryptablePlaceholder is shown in place of a message whose
// envelope could not be opened. A single bad message never aborts the
// surrounding batch.
const UndecryptablePlaceholder = "[bu mesaj çözülemedi]"

// DecryptedMessage pairs a stored message with its plaintext, or with
// the placeholder when decryption failed.
type DecryptedMessage struct {
	Message   *models.Message
	Text      string
	Decrypted bool
	Err       error
}

// DecryptBatch decrypts a fetched message page. Each message's
// decryption is independent and side-effect-free, so the work fans out
// across goroutines and is re-joined positionally: the returned slice
// follows the input (server-chronological) order, never completion
// order.
func DecryptBatch(msgs []*models.Message, selfID uuid.UUID, roster []uuid.UUID, isGroup bool, priv *rsa.PrivateKey) []DecryptedMessage {
	out := make([]DecryptedMessage, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg *models.Message) {
			defer wg.Done()
			out[i] = decryptOne(msg, selfID, roster, isGroup, priv)
		}(i, msg)
	}
	wg.Wait()
	return out
}

func decryptOne(msg *models.Message, selfID uuid.UUID, roster []uuid.UUID, isGroup bool, priv *rsa.PrivateKey) DecryptedMessage {
	dm := DecryptedMessage{Message: msg, Text: UndecryptablePlaceholder}

	idx, err := RecipientIndex(msg, selfID, roster, isGroup)
	if err != nil {
		dm.Err = err
		return dm
	}
	text, err := crypto.DecryptBlob(msg.Content, idx, priv)
	if err != nil {
		dm.Err = err
		return dm
	}
	dm.Text = text
	dm.Decrypted = true
	return dm
}
