package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/Laisky/errors/v2"

	"github.com/causewayapi/causeway/common/config"
)

// EncryptSecret encrypts a sensitive value (upstream credential, stored key
// material) with AES-256-GCM under a key derived from SECRET_KEY. The nonce
// is prepended to the ciphertext and the whole payload is base64-encoded.
func EncryptSecret(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	gcm, err := secretCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}

	sealed := gcm.Seal(nil, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// DecryptSecret reverses EncryptSecret. An empty input decrypts to "".
func DecryptSecret(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	payload, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", errors.Wrap(err, "decode secret")
	}

	gcm, err := secretCipher()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", errors.New("secret payload too short")
	}

	plaintext, err := gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt secret")
	}
	return string(plaintext), nil
}

func secretCipher() (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(config.SecretKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return gcm, nil
}
