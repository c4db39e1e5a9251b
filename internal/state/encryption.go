package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// EncryptionKeyEnvVar holds the key used to seal state at rest. When it is
// unset, state is stored as plain JSON.
const EncryptionKeyEnvVar = "LAKESTACK_STATE_ENCRYPTION_KEY"

// Sealed state is the header line followed by base64(nonce || ciphertext).
var encryptedHeader = []byte("# LAKESTACK_ENCRYPTED_STATE\n")

// EncryptState seals content with AES-256-GCM. Content is returned unchanged
// when no key is configured.
func EncryptState(content []byte) ([]byte, error) {
	aead, err := stateCipher()
	if err != nil || aead == nil {
		return content, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, content, nil)

	var buf bytes.Buffer
	buf.Grow(len(encryptedHeader) + base64.StdEncoding.EncodedLen(len(sealed)) + 1)
	buf.Write(encryptedHeader)
	buf.WriteString(base64.StdEncoding.EncodeToString(sealed))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecryptState opens sealed content. Plain content passes through.
func DecryptState(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	aead, err := stateCipher()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	body := bytes.TrimSpace(content[len(encryptedHeader):])
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(sealed, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	sealed = sealed[:n]

	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("encrypted state is truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plain, nil
}

// IsEncrypted reports whether content carries the sealed-state header.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, encryptedHeader)
}

// stateCipher builds the AEAD from the configured key, or returns nil when
// none is set. A 32-byte key is used as is; anything else goes through
// SHA-256.
func stateCipher() (cipher.AEAD, error) {
	raw := os.Getenv(EncryptionKeyEnvVar)
	if raw == "" {
		return nil, nil
	}
	key := []byte(raw)
	if len(key) != 32 {
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
