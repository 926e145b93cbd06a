package secrets

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)

	_, err = New(bytes.Repeat([]byte{1}, 64))
	assert.Error(t, err)

	box, err := New(testKey())
	require.NoError(t, err)
	assert.NotNil(t, box)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	secrets := []string{
		"",
		"g",
		"super-secret-refresh-token",
		strings.Repeat("long plaintext ", 100),
	}

	for _, plaintext := range secrets {
		envelope, err := box.Encrypt(plaintext, "user-1")
		require.NoError(t, err)
		assert.NotContains(t, envelope, plaintext)

		decrypted, err := box.Decrypt(envelope, "user-1")
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	a, err := box.Encrypt("secret", "ctx")
	require.NoError(t, err)
	b, err := box.Encrypt("secret", "ctx")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	envelope, err := box.Encrypt("totp-shared-secret", "user-9")
	require.NoError(t, err)

	parts := strings.SplitN(envelope, "|", 2)
	require.Len(t, parts, 2)
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	// Flip every byte in turn; every variant must fail, never return
	// altered plaintext.
	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		_, err := box.Decrypt(parts[0]+"|"+base64.StdEncoding.EncodeToString(tampered), "user-9")
		assert.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
	}
}

func TestDecryptRejectsWrongContext(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	envelope, err := box.Encrypt("secret", "user-1")
	require.NoError(t, err)

	_, err = box.Decrypt(envelope, "user-2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	for _, envelope := range []string{
		"",
		"no-separator",
		"a|b|c",
		"!!!|AAAA",
		base64.StdEncoding.EncodeToString([]byte("shortnonce")) + "|AAAA",
	} {
		_, err := box.Decrypt(envelope, "ctx")
		assert.ErrorIs(t, err, ErrDecryptionFailed, "envelope %q", envelope)
	}
}

func TestDifferentKeysCannotDecrypt(t *testing.T) {
	boxA, err := New(testKey())
	require.NoError(t, err)
	boxB, err := New(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	envelope, err := boxA.Encrypt("secret", "ctx")
	require.NoError(t, err)

	_, err = boxB.Decrypt(envelope, "ctx")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(EnvMasterKey, "")
		_, err := FromEnv()
		assert.ErrorIs(t, err, ErrNoMasterKey)
	})

	t.Run("not base64", func(t *testing.T) {
		t.Setenv(EnvMasterKey, "not-base64!!!")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(EnvMasterKey, base64.StdEncoding.EncodeToString([]byte("short")))
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv(EnvMasterKey, base64.StdEncoding.EncodeToString(testKey()))
		box, err := FromEnv()
		require.NoError(t, err)

		envelope, err := box.Encrypt("s", "c")
		require.NoError(t, err)
		plaintext, err := box.Decrypt(envelope, "c")
		require.NoError(t, err)
		assert.Equal(t, "s", plaintext)
	})
}
