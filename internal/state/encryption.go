package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// EncryptionKeyEnvVar is the environment variable for the state encryption key.
	EncryptionKeyEnvVar = "TIERCTL_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# TIERCTL_ENCRYPTED_STATE\n"
)

// Encrypter seals state documents with AES-256-GCM.
// A nil *Encrypter passes content through unchanged.
type Encrypter struct {
	aead cipher.AEAD
}

// NewEncrypter builds an encrypter from a key. A 64 character hex string is
// used as the raw 32 byte key; anything else is hashed with SHA-256.
func NewEncrypter(key string) (*Encrypter, error) {
	if key == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encrypter{aead: gcm}, nil
}

// EncrypterFromEnv reads the key from TIERCTL_STATE_ENCRYPTION_KEY.
func EncrypterFromEnv() (*Encrypter, error) {
	return NewEncrypter(os.Getenv(EncryptionKeyEnvVar))
}

// Seal encrypts content and prefixes it with the encrypted-state header.
func (e *Encrypter) Seal(content []byte) ([]byte, error) {
	if e == nil {
		return content, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.aead.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// Open decrypts content sealed by Seal. Plain content is returned as is.
func (e *Encrypter) Open(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	if e == nil {
		return nil, fmt.Errorf("state is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := bytes.TrimSpace(bytes.TrimPrefix(content, []byte(encryptedHeader)))
	ciphertext, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted checks if state content is encrypted.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}
