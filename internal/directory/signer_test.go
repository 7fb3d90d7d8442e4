package directory

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerAttestRoundTrip(t *testing.T) {
	signer, err := NewSigner(filepath.Join(t.TempDir(), "attest.key"))
	require.NoError(t, err)

	userID := uuid.New()
	key := []byte("der-encoded-public-key")

	sig := signer.Attest(userID, key, 1)
	require.Len(t, sig, AttestationSignatureSize)

	ok, err := VerifyAttestation(signer.PublicKey(), userID, key, 1, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignerRejectsSubstitutedKey(t *testing.T) {
	signer, err := NewSigner(filepath.Join(t.TempDir(), "attest.key"))
	require.NoError(t, err)

	userID := uuid.New()
	sig := signer.Attest(userID, []byte("real key"), 1)

	ok, err := VerifyAttestation(signer.PublicKey(), userID, []byte("attacker key"), 1, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyAttestation(signer.PublicKey(), uuid.New(), []byte("real key"), 1, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyAttestation(signer.PublicKey(), userID, []byte("real key"), 2, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignerPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attest.key")

	first, err := NewSigner(path)
	require.NoError(t, err)
	second, err := NewSigner(path)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey(), second.PublicKey())

	// A signature from the first instance verifies under the reloaded
	// key.
	userID := uuid.New()
	sig := first.Attest(userID, []byte("key"), 3)
	ok, err := VerifyAttestation(second.PublicKey(), userID, []byte("key"), 3, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}
