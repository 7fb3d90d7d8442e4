package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// MinModulusBits is the minimum accepted RSA modulus size for identity
// keys. Smaller keys are rejected both at generation and at import.
const MinModulusBits = 2048

// IdentityKeyPair holds a user's long-lived encryption keypair. The
// private half never leaves the owning device.
type IdentityKeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateIdentityKeyPair generates a fresh RSA-2048 keypair suited to
// OAEP encryption.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, MinModulusBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &IdentityKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPublicKey encodes a public key as DER (PKIX). This is the
// published form attached to a user's directory entry.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey decodes a DER (PKIX) public key and validates that it
// is an RSA key of at least MinModulusBits.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipientKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidRecipientKey)
	}
	if pub.N.BitLen() < MinModulusBits {
		return nil, fmt.Errorf("%w: modulus too small (%d bits)", ErrInvalidRecipientKey, pub.N.BitLen())
	}
	return pub, nil
}

// MarshalPrivateKeyPEM encodes a private key as a PKCS#8 PEM block for
// the local keystore.
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM private key from the local
// keystore.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return priv, nil
}

// KeyFingerprint computes a hex-encoded SHA-256 fingerprint of a
// DER-encoded public key for display and audit logging.
func KeyFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
