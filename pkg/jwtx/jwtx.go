// Package jwtx signs and verifies the operation result token: a short-lived
// EdDSA JWT minted when an operation completes successfully, attesting the
// operation, the authenticated user and a digest of the canonical data.
package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultResultTokenTTL is the default lifetime of a result token. The token
// only needs to survive the hand-off to the consuming service layer.
const DefaultResultTokenTTL = 5 * time.Minute

var (
	ErrInvalidToken = errors.New("jwtx: invalid token")
	ErrIssuer       = errors.New("jwtx: unexpected issuer")
)

// ResultClaims are the claims carried by an operation result token.
type ResultClaims struct {
	jwt.RegisteredClaims

	// OperationName is the symbolic operation type, e.g. "authorize_payment".
	OperationName string `json:"operation_name"`

	// DataDigest is the SHA-256 fingerprint of the canonical operation data
	// string the user authorized.
	DataDigest string `json:"data_digest"`

	// AMR lists the authentication methods completed during the operation.
	AMR []string `json:"amr,omitempty"`
}

// Signer mints result tokens with an Ed25519 key.
type Signer struct {
	kid    string
	issuer string
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// NewSigner wraps an existing Ed25519 private key.
func NewSigner(kid, issuer string, key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("jwtx: invalid Ed25519 private key size")
	}
	return &Signer{
		kid:    kid,
		issuer: issuer,
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeralSigner generates a fresh Ed25519 keypair. Tokens signed with it
// are only verifiable within the same process lifetime.
func NewEphemeralSigner(kid, issuer string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate keypair: %w", err)
	}
	return NewSigner(kid, issuer, priv)
}

// Sign mints a result token for a completed operation.
func (s *Signer) Sign(operationID, operationName, userID, dataDigest string, amr []string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = DefaultResultTokenTTL
	}
	claims := ResultClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        operationID,
		},
		OperationName: operationName,
		DataDigest:    dataDigest,
		AMR:           amr,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verify parses a result token and validates signature, expiry and issuer.
func (s *Signer) Verify(raw string) (*ResultClaims, error) {
	claims := &ResultClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
			return nil, fmt.Errorf("%w: unexpected alg %q", ErrInvalidToken, t.Method.Alg())
		}
		return s.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrIssuer
	}
	return claims, nil
}

// NewJTI returns a URL-safe random identifier suitable for a "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
