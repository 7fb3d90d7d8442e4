/*
Package crypto implements the hybrid multi-recipient message envelope.

SCHEME:
Each message body is encrypted once under a fresh 256-bit content key
with AES-256-GCM (confidentiality and integrity in one step). The
content key is then wrapped with RSA-OAEP/SHA-256 once per recipient,
in the exact order the caller supplies. Wrapped-key entry i belongs to
recipient i; the index is not carried inside the envelope and must be
derived by each recipient from the same ordered recipient list the
sender used.

WIRE FORMAT (stable across messages of the current scheme version):

	{
	  "encryptedAesKeys": [ base64, ... ],  // one per recipient, index-aligned
	  "iv":               base64,           // AES-GCM nonce
	  "encryptedMessage": base64            // AEAD ciphertext
	}

Content keys and IVs are single-use: no two envelopes ever share either.
The envelope is self-describing: it carries everything needed to
decrypt except a private key.

Removal of a chat member is visibility filtering only, not cryptographic
revocation: a removed member who cached an envelope they were a
recipient of can still decrypt it offline. True revocation would require
re-encryption on membership change, which this scheme deliberately does
not do.
*/
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
)

// ContentKeySize is the size of the single-use symmetric content key
// (256 bits).
const ContentKeySize = 32

// GCMNonceSize is the AES-GCM nonce ("iv") size.
const GCMNonceSize = 12

// Envelope is one message's encrypted form. Immutable once created.
// The []byte fields marshal to base64 strings under encoding/json,
// which is exactly the wire format.
type Envelope struct {
	EncryptedAESKeys [][]byte `json:"encryptedAesKeys"`
	IV               []byte   `json:"iv"`
	EncryptedMessage []byte   `json:"encryptedMessage"`
}

// Recipients returns the number of wrapped-key entries.
func (e *Envelope) Recipients() int {
	return len(e.EncryptedAESKeys)
}

// Marshal serializes the envelope as a single opaque blob.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes an envelope blob and validates its shape.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(env.EncryptedAESKeys) == 0 {
		return nil, fmt.Errorf("%w: no wrapped keys", ErrMalformedEnvelope)
	}
	if len(env.IV) != GCMNonceSize {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrMalformedEnvelope, len(env.IV))
	}
	if len(env.EncryptedMessage) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Encrypt turns plaintext and an ordered list of DER-encoded recipient
// public keys into a self-contained envelope. The output wrapped-key
// entry at index i corresponds to recipientKeys[i]; the ordering is the
// caller's contract and must be reproducible by every recipient.
//
// Each call draws a fresh content key and IV. Failures are never
// retried here; retry is the caller's decision.
func Encrypt(plaintext string, recipientKeys [][]byte) (*Envelope, error) {
	if len(recipientKeys) == 0 {
		return nil, ErrEmptyRecipientList
	}
	if plaintext == "" {
		return nil, ErrEmptyPlaintext
	}

	// Parse every key before any ciphertext is produced so a bad
	// roster entry fails the whole send.
	pubs := make([]*rsa.PublicKey, len(recipientKeys))
	for i, der := range recipientKeys {
		pub, err := ParsePublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		pubs[i] = pub
	}

	contentKey := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("%w: content key: %v", ErrEncryptionFailure, err)
	}
	iv := make([]byte, GCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrEncryptionFailure, err)
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	wrapped := make([][]byte, len(pubs))
	for i, pub := range pubs {
		w, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: wrap for recipient %d: %v", ErrEncryptionFailure, i, err)
		}
		wrapped[i] = w
	}

	return &Envelope{
		EncryptedAESKeys: wrapped,
		IV:               iv,
		EncryptedMessage: ciphertext,
	}, nil
}

// Decrypt unwraps the content key at recipientIndex with the private
// key and opens the message body, verifying integrity. It returns
// plaintext only if both steps succeed; any unwrap or authentication
// failure is reported as ErrKeyMismatch and never yields partial
// output.
func Decrypt(env *Envelope, recipientIndex int, priv *rsa.PrivateKey) (string, error) {
	if recipientIndex < 0 || recipientIndex >= len(env.EncryptedAESKeys) {
		return "", fmt.Errorf("%w: index %d, %d wrapped keys",
			ErrRecipientIndexOutOfRange, recipientIndex, len(env.EncryptedAESKeys))
	}
	if len(env.IV) != GCMNonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d",
			ErrMalformedEnvelope, GCMNonceSize, len(env.IV))
	}

	contentKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.EncryptedAESKeys[recipientIndex], nil)
	if err != nil {
		return "", fmt.Errorf("%w: unwrap failed: %v", ErrKeyMismatch, err)
	}
	if len(contentKey) != ContentKeySize {
		return "", fmt.Errorf("%w: unwrapped key has length %d", ErrKeyMismatch, len(contentKey))
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	plaintext, err := gcm.Open(nil, env.IV, env.EncryptedMessage, nil)
	if err != nil {
		return "", fmt.Errorf("%w: integrity check failed: %v", ErrKeyMismatch, err)
	}
	return string(plaintext), nil
}

// DecryptBlob parses a serialized envelope and decrypts it in one step.
func DecryptBlob(data []byte, recipientIndex int, priv *rsa.PrivateKey) (string, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return "", err
	}
	return Decrypt(env, recipientIndex, priv)
}
