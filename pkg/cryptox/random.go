package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// GenerateToken creates a cryptographically secure random token of the given
// byte length, base64url encoded without padding.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomDigits returns n uniformly random decimal digits.
func RandomDigits(n int) (string, error) {
	return RandomString("0123456789", n)
}

// RandomString draws n characters uniformly from charset using crypto/rand.
func RandomString(charset string, n int) (string, error) {
	if n <= 0 || charset == "" {
		return "", fmt.Errorf("invalid random string request: n=%d charset=%d chars", n, len(charset))
	}

	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random index: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

// RandomInt returns a uniform random integer in [0, max).
func RandomInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("max must be positive, got %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// Fingerprint returns a deterministic SHA-256 fingerprint of a value,
// base64url encoded. Used where a stable digest of a canonical string is
// needed without storing the string itself.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
