package common

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewayapi/causeway/common/config"
)

func TestEncryptDecryptSecretRoundtrip(t *testing.T) {
	config.SecretKey = "unit-test-secret-key"

	for _, plaintext := range []string{
		"sk-upstream-credential-1234567890",
		"x",
		"contains spaces and ünïcode ✓",
	} {
		encrypted, err := EncryptSecret(plaintext)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, encrypted)

		decrypted, err := DecryptSecret(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptSecretEmptyPassesThrough(t *testing.T) {
	config.SecretKey = "unit-test-secret-key"

	encrypted, err := EncryptSecret("")
	require.NoError(t, err)
	assert.Empty(t, encrypted)

	decrypted, err := DecryptSecret("")
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptSecretIsNonDeterministic(t *testing.T) {
	config.SecretKey = "unit-test-secret-key"

	a, err := EncryptSecret("same value")
	require.NoError(t, err)
	b, err := EncryptSecret("same value")
	require.NoError(t, err)

	// Fresh nonce per call, so ciphertexts must differ.
	assert.NotEqual(t, a, b)
}

func TestDecryptSecretRejectsTamperedPayload(t *testing.T) {
	config.SecretKey = "unit-test-secret-key"

	encrypted, err := EncryptSecret("sensitive")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = DecryptSecret(tampered)
	require.Error(t, err)
}

func TestDecryptSecretRejectsWrongKey(t *testing.T) {
	config.SecretKey = "key-one"
	encrypted, err := EncryptSecret("sensitive")
	require.NoError(t, err)

	config.SecretKey = "key-two"
	_, err = DecryptSecret(encrypted)
	require.Error(t, err)
}

func TestDecryptSecretRejectsGarbage(t *testing.T) {
	config.SecretKey = "unit-test-secret-key"

	_, err := DecryptSecret("not base64!!!")
	require.Error(t, err)

	_, err = DecryptSecret(base64.StdEncoding.EncodeToString([]byte("tiny")))
	require.Error(t, err)
}
