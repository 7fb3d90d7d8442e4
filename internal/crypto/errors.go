package crypto

import "errors"

var (
	// ErrKeyGeneration is returned when the platform's cryptographic
	// provider cannot produce a keypair. Fatal to send/receive for the
	// identity until resolved.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrInvalidRecipientKey is returned when a recipient public key
	// fails to parse or is not an RSA key of sufficient strength.
	ErrInvalidRecipientKey = errors.New("invalid recipient key")

	// ErrEmptyRecipientList is returned when encryption is attempted
	// with no recipients.
	ErrEmptyRecipientList = errors.New("empty recipient list")

	// ErrEmptyPlaintext is returned when encryption is attempted with
	// an empty message body.
	ErrEmptyPlaintext = errors.New("empty plaintext")

	// ErrEncryptionFailure wraps underlying provider errors during
	// envelope construction.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrMalformedEnvelope is returned when an envelope blob cannot be
	// parsed into the expected wire format.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrRecipientIndexOutOfRange is returned when the recipient index
	// does not select a wrapped-key entry.
	ErrRecipientIndexOutOfRange = errors.New("recipient index out of range")

	// ErrKeyMismatch is returned when unwrap or integrity verification
	// fails: wrong private key, tampered ciphertext, or an envelope
	// produced for a different key.
	ErrKeyMismatch = errors.New("key mismatch")
)
