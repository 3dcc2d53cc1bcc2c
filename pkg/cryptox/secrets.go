package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	masterKeyOnce sync.Once
	masterKey     []byte
	masterKeyErr  error
	masterKeyPath string
)

// SetMasterKeyPath configures where the symmetric master key is loaded from.
// Must be called before the first encryption/decryption operation.
func SetMasterKeyPath(path string) {
	masterKeyPath = path
}

// loadMasterKey derives a 32-byte AES-256 key from, in order of preference:
// the configured key file, the SCA_MASTER_KEY environment variable, or a
// freshly generated ephemeral key (development only - encrypted values won't
// survive a restart).
func loadMasterKey() ([]byte, error) {
	var keyMaterial []byte

	switch {
	case masterKeyPath != "":
		data, err := os.ReadFile(masterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		keyMaterial = data
	case os.Getenv("SCA_MASTER_KEY") != "":
		keyMaterial = []byte(os.Getenv("SCA_MASTER_KEY"))
	default:
		keyMaterial = make([]byte, 32)
		if _, err := rand.Read(keyMaterial); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
		}
	}

	hash := sha256.Sum256(keyMaterial)
	return hash[:], nil
}

func getMasterKey() ([]byte, error) {
	masterKeyOnce.Do(func() {
		masterKey, masterKeyErr = loadMasterKey()
	})
	return masterKey, masterKeyErr
}

// EncryptSecret encrypts an already-hashed credential secret with AES-256-GCM
// and returns it base64url encoded. Layout: [nonce][ciphertext+tag].
func EncryptSecret(plaintext string) (string, error) {
	key, err := getMasterKey()
	if err != nil {
		return "", fmt.Errorf("failed to get master key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(encoded string) (string, error) {
	key, err := getMasterKey()
	if err != nil {
		return "", fmt.Errorf("failed to get master key: %w", err)
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
