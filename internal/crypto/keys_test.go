package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityKeyPair(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, kp.Public.N.BitLen(), MinModulusBits)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	der, err := MarshalPublicKey(kp.Public)
	require.NoError(t, err)

	pub, err := ParsePublicKey(der)
	require.NoError(t, err)
	assert.Zero(t, pub.N.Cmp(kp.Public.N))
	assert.Equal(t, kp.Public.E, pub.E)
}

func TestParsePublicKeyRejectsWeakKey(t *testing.T) {
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := MarshalPublicKey(&weak.PublicKey)
	require.NoError(t, err)

	_, err = ParsePublicKey(der)
	require.ErrorIs(t, err, ErrInvalidRecipientKey)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("definitely not DER"))
	require.ErrorIs(t, err, ErrInvalidRecipientKey)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	pemBytes, err := MarshalPrivateKeyPEM(kp.Private)
	require.NoError(t, err)

	priv, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Zero(t, priv.D.Cmp(kp.Private.D))
}

func TestKeyFingerprintStable(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	der, err := MarshalPublicKey(kp.Public)
	require.NoError(t, err)

	fp1 := KeyFingerprint(der)
	fp2 := KeyFingerprint(der)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}
