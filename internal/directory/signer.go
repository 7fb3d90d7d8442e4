package directory

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/google/uuid"
)

// Dilithium3 sizes for the directory attestation keys
const (
	AttestationPublicKeySize  = mode3.PublicKeySize
	AttestationPrivateKeySize = mode3.PrivateKeySize
	AttestationSignatureSize  = mode3.SignatureSize
)

// Signer attests directory entries with a server-held Dilithium3 key,
// so clients can detect a key-substitution attack against the
// directory. The signing key is loaded from disk and generated on
// first boot.
type Signer struct {
	priv *mode3.PrivateKey
	pub  *mode3.PublicKey
}

// NewSigner loads the attestation keypair from keyPath, generating and
// persisting a fresh one if the file does not exist.
func NewSigner(keyPath string) (*Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != AttestationPrivateKeySize {
			return nil, fmt.Errorf("attestation key file has wrong size %d", len(data))
		}
		var privArr [mode3.PrivateKeySize]byte
		copy(privArr[:], data)
		var priv mode3.PrivateKey
		priv.Unpack(&privArr)
		pub := priv.Public().(*mode3.PublicKey)
		return &Signer{priv: &priv, pub: pub}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read attestation key: %w", err)
	}

	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist attestation key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// PublicKey returns the attestation verification key for publication.
func (s *Signer) PublicKey() []byte {
	return s.pub.Bytes()
}

// Attest signs the binding (user id, public key, key version).
func (s *Signer) Attest(userID uuid.UUID, publicKeyDER []byte, version int) []byte {
	sig := make([]byte, AttestationSignatureSize)
	mode3.SignTo(s.priv, attestationMessage(userID, publicKeyDER, version), sig)
	return sig
}

// VerifyAttestation checks an entry's attestation against a
// verification key.
func VerifyAttestation(verifyKey []byte, userID uuid.UUID, publicKeyDER []byte, version int, sig []byte) (bool, error) {
	if len(verifyKey) != AttestationPublicKeySize {
		return false, fmt.Errorf("invalid verification key size: %d", len(verifyKey))
	}
	if len(sig) != AttestationSignatureSize {
		return false, fmt.Errorf("invalid attestation size: %d", len(sig))
	}

	var pubArr [mode3.PublicKeySize]byte
	copy(pubArr[:], verifyKey)
	var pub mode3.PublicKey
	pub.Unpack(&pubArr)

	return mode3.Verify(&pub, attestationMessage(userID, publicKeyDER, version), sig), nil
}

func attestationMessage(userID uuid.UUID, publicKeyDER []byte, version int) []byte {
	msg := make([]byte, 0, 16+8+len(publicKeyDER))
	msg = append(msg, userID[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(version))
	msg = append(msg, publicKeyDER...)
	return msg
}
