package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// ErrHashMismatch reports that a secret does not match its stored hash.
var ErrHashMismatch = errors.New("cryptox: secret does not match")

// Argon2Params are the Argon2id parameters applied when hashing a secret.
// They come from the credential policy rather than package constants so two
// policies can hash with different cost profiles.
type Argon2Params struct {
	Iterations   uint32
	MemoryKiB    uint32
	Parallelism  uint8
	OutputLength uint32
}

// DefaultArgon2Params is a sane interactive-login profile.
var DefaultArgon2Params = Argon2Params{
	Iterations:   3,
	MemoryKiB:    64 * 1024,
	Parallelism:  4,
	OutputLength: 32,
}

func (p Argon2Params) withDefaults() Argon2Params {
	d := DefaultArgon2Params
	if p.Iterations > 0 {
		d.Iterations = p.Iterations
	}
	if p.MemoryKiB > 0 {
		d.MemoryKiB = p.MemoryKiB
	}
	if p.Parallelism > 0 {
		d.Parallelism = p.Parallelism
	}
	if p.OutputLength > 0 {
		d.OutputLength = p.OutputLength
	}
	return d
}

// HashSecret generates a PHC-format Argon2id hash string including salt and
// parameters, so verification never depends on current policy configuration.
func HashSecret(secret string, params Argon2Params) (string, error) {
	p := params.withDefaults()

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.OutputLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.MemoryKiB,
		p.Iterations,
		p.Parallelism,
		b64Salt,
		b64Hash,
	), nil
}

// VerifySecret compares a plaintext secret against a PHC-style Argon2id hash.
// Returns ErrHashMismatch when the secret is wrong and a descriptive error
// when the stored hash is malformed.
func VerifySecret(secret, encodedHash string) error {
	// Parse PHC format: $argon2id$v=19$m=X,t=Y,p=Z$salt$hash
	parts := make([]string, 0, 6)
	start := 0
	for i := range len(encodedHash) {
		if encodedHash[i] == '$' {
			parts = append(parts, encodedHash[start:i])
			start = i + 1
		}
	}
	parts = append(parts, encodedHash[start:])

	if len(parts) != 6 {
		return errors.New("invalid hash format: expected 6 parts")
	}
	if parts[1] != "argon2id" {
		return errors.New("invalid hash format: not argon2id")
	}
	if parts[2] != "v=19" {
		return errors.New("invalid hash format: wrong version")
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return fmt.Errorf("invalid hash format: failed to parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("invalid hash format: failed to decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("invalid hash format: failed to decode hash: %w", err)
	}

	computed := argon2.IDKey(
		[]byte(secret),
		salt,
		iters,
		mem,
		par,
		uint32(len(expected)), // #nosec G115 - hash lengths are tiny
	)

	if subtle.ConstantTimeCompare(computed, expected) == 1 {
		return nil
	}
	return ErrHashMismatch
}
