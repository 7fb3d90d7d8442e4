package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPairs(t *testing.T, n int) ([]*IdentityKeyPair, [][]byte) {
	t.Helper()
	pairs := make([]*IdentityKeyPair, n)
	ders := make([][]byte, n)
	for i := 0; i < n; i++ {
		kp, err := GenerateIdentityKeyPair()
		require.NoError(t, err)
		der, err := MarshalPublicKey(kp.Public)
		require.NoError(t, err)
		pairs[i] = kp
		ders[i] = der
	}
	return pairs, ders
}

func TestRoundTripAllIndices(t *testing.T) {
	pairs, ders := testKeyPairs(t, 3)
	const plaintext = "merhaba group"

	env, err := Encrypt(plaintext, ders)
	require.NoError(t, err)
	require.Equal(t, 3, env.Recipients())

	blob, err := env.Marshal()
	require.NoError(t, err)

	for i, kp := range pairs {
		got, err := DecryptBlob(blob, i, kp.Private)
		require.NoError(t, err, "recipient %d", i)
		assert.Equal(t, plaintext, got)
	}
}

func TestIndexSensitivity(t *testing.T) {
	pairs, ders := testKeyPairs(t, 2)

	env, err := Encrypt("hi", ders)
	require.NoError(t, err)

	// Recipient 1's key against recipient 0's wrapped entry must fail
	// closed, never return plaintext.
	_, err = Decrypt(env, 0, pairs[1].Private)
	require.ErrorIs(t, err, ErrKeyMismatch)

	_, err = Decrypt(env, 1, pairs[0].Private)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestFreshKeyAndIVPerEnvelope(t *testing.T) {
	pairs, ders := testKeyPairs(t, 2)
	const plaintext = "same words twice"

	a, err := Encrypt(plaintext, ders)
	require.NoError(t, err)
	b, err := Encrypt(plaintext, ders)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.EncryptedMessage, b.EncryptedMessage)
	assert.NotEqual(t, a.EncryptedAESKeys[0], b.EncryptedAESKeys[0])

	// Both still decrypt correctly at their respective indices.
	for i, kp := range pairs {
		got, err := Decrypt(a, i, kp.Private)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
		got, err = Decrypt(b, i, kp.Private)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestRecipientIndexBounds(t *testing.T) {
	pairs, ders := testKeyPairs(t, 1)

	env, err := Encrypt("bounds", ders)
	require.NoError(t, err)

	for _, idx := range []int{-1, 1, 42} {
		_, err := Decrypt(env, idx, pairs[0].Private)
		require.ErrorIs(t, err, ErrRecipientIndexOutOfRange, "index %d", idx)
	}
}

func TestEncryptPreconditions(t *testing.T) {
	_, ders := testKeyPairs(t, 1)

	_, err := Encrypt("hello", nil)
	require.ErrorIs(t, err, ErrEmptyRecipientList)

	_, err = Encrypt("", ders)
	require.ErrorIs(t, err, ErrEmptyPlaintext)

	_, err = Encrypt("hello", [][]byte{[]byte("not a key")})
	require.ErrorIs(t, err, ErrInvalidRecipientKey)
}

func TestParseEnvelopeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("garbage"),
		"no keys":      []byte(`{"encryptedAesKeys":[],"iv":"AAAAAAAAAAAAAAAA","encryptedMessage":"AAAA"}`),
		"bad iv":       []byte(`{"encryptedAesKeys":["AAAA"],"iv":"AAAA","encryptedMessage":"AAAA"}`),
		"empty body":   []byte(`{"encryptedAesKeys":["AAAA"],"iv":"AAAAAAAAAAAAAAAA","encryptedMessage":""}`),
		"missing keys": []byte(`{"iv":"AAAAAAAAAAAAAAAA","encryptedMessage":"AAAA"}`),
	}
	for name, blob := range cases {
		_, err := ParseEnvelope(blob)
		require.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	pairs, ders := testKeyPairs(t, 1)

	env, err := Encrypt("integrity matters", ders)
	require.NoError(t, err)

	env.EncryptedMessage[0] ^= 0xff
	_, err = Decrypt(env, 0, pairs[0].Private)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestDecryptBadNonceLength(t *testing.T) {
	pairs, ders := testKeyPairs(t, 1)

	env, err := Encrypt("nonce discipline", ders)
	require.NoError(t, err)

	// A hand-built envelope skips ParseEnvelope; Decrypt must still
	// reject a wrong-size nonce instead of panicking inside GCM.
	for _, iv := range [][]byte{nil, {0x01}, make([]byte, GCMNonceSize-1), make([]byte, GCMNonceSize+4)} {
		bad := &Envelope{
			EncryptedAESKeys: env.EncryptedAESKeys,
			IV:               iv,
			EncryptedMessage: env.EncryptedMessage,
		}
		_, err := Decrypt(bad, 0, pairs[0].Private)
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	}
}

func TestWireFormatFieldNames(t *testing.T) {
	_, ders := testKeyPairs(t, 2)

	env, err := Encrypt("wire", ders)
	require.NoError(t, err)
	blob, err := env.Marshal()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.Contains(t, raw, "encryptedAesKeys")
	assert.Contains(t, raw, "iv")
	assert.Contains(t, raw, "encryptedMessage")

	var keys []string
	require.NoError(t, json.Unmarshal(raw["encryptedAesKeys"], &keys))
	assert.Len(t, keys, 2)
}
