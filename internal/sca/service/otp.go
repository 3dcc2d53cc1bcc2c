package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
	"github.com/arcobank/scaflow/pkg/cryptox"
	"github.com/arcobank/scaflow/pkg/idx"
)

var (
	ErrUnknownOtpPolicy = errors.New("unknown otp policy")
	ErrOtpNotFound      = errors.New("otp not found")
)

const otpSaltLength = 16

// OtpVerifyResult is the typed outcome of one verification call. A wrong,
// expired or exhausted code is a result, not an error; Reason is a stable
// message key for the caller's UI layer.
type OtpVerifyResult struct {
	OK                bool
	Reason            string
	RemainingAttempts int
}

// OtpService generates and verifies one-time codes under the configured
// policies. All state changes go through the store's atomic operations.
type OtpService struct {
	Otps      store.Otps
	Snapshots *store.SnapshotProvider

	Now func() time.Time
}

func (s *OtpService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *OtpService) policy(name string) (domain.OtpPolicy, error) {
	p, ok := s.Snapshots.Current().OtpPolicy(name)
	if !ok {
		return domain.OtpPolicy{}, fmt.Errorf("%w: %q", ErrUnknownOtpPolicy, name)
	}
	return p, nil
}

// Create issues a fresh code for an operation. For OTP_DATA_DIGEST the code
// is derived from a salted digest over the operation's ordered attributes, so
// identical attributes still yield a different code on every call.
func (s *OtpService) Create(ctx context.Context, operationID, operationName, policyName string, attributes []string) (domain.Otp, error) {
	policy, err := s.policy(policyName)
	if err != nil {
		return domain.Otp{}, err
	}

	otp := domain.Otp{
		ID:            idx.New().String(),
		OperationID:   operationID,
		OperationName: operationName,
		PolicyName:    policyName,
		CreatedAt:     s.now(),
	}
	otp.ExpiresAt = otp.CreatedAt.Add(policy.TTL)

	switch policy.Algorithm {
	case domain.OtpDataDigest:
		salt := make([]byte, otpSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return domain.Otp{}, fmt.Errorf("generate otp salt: %w", err)
		}
		otp.Salt = salt
		otp.Code = DeriveDataDigestCode(attributes, salt, policy.Length)
	case domain.OtpRandomDigitGroups:
		code, err := randomDigitGroups(policy.GroupCount, policy.GroupSize())
		if err != nil {
			return domain.Otp{}, err
		}
		otp.Code = code
	default:
		return domain.Otp{}, fmt.Errorf("%w: unsupported algorithm %q", ErrUnknownOtpPolicy, policy.Algorithm)
	}

	if err := s.Otps.Create(ctx, otp); err != nil {
		return domain.Otp{}, fmt.Errorf("store otp: %w", err)
	}
	return otp, nil
}

// Verify checks a submitted code against the code instance and the operation
// it was issued for. The attempt counter is incremented atomically before any
// other check, so every call counts against the attempt budget, and all
// further checks run against the post-increment state. Evaluation order:
// operation binding, empty code, expiry, already verified, attempt limit,
// code comparison.
func (s *OtpService) Verify(ctx context.Context, operationID, otpID, submittedCode string) (OtpVerifyResult, error) {
	otp, err := s.Otps.IncrementAttempts(ctx, otpID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OtpVerifyResult{}, ErrOtpNotFound
		}
		return OtpVerifyResult{}, fmt.Errorf("increment otp attempts: %w", err)
	}
	policy, err := s.policy(otp.PolicyName)
	if err != nil {
		return OtpVerifyResult{}, err
	}

	remaining := policy.AttemptLimit - otp.AttemptCount
	if remaining < 0 {
		remaining = 0
	}

	switch {
	// A code authorizes exactly the operation it was issued for; one issued
	// for another operation never reaches the comparison.
	case otp.OperationID != operationID:
		return OtpVerifyResult{Reason: "otp.operationMismatch"}, nil
	case strings.TrimSpace(submittedCode) == "":
		return OtpVerifyResult{Reason: "otp.missing", RemainingAttempts: remaining}, nil
	case otp.Expired(s.now()):
		return OtpVerifyResult{Reason: "otp.expired"}, nil
	case otp.Verified:
		return OtpVerifyResult{Reason: "otp.alreadyVerified"}, nil
	case policy.AttemptLimit > 0 && otp.AttemptCount > policy.AttemptLimit:
		return OtpVerifyResult{Reason: "otp.attemptsExceeded"}, nil
	case subtle.ConstantTimeCompare([]byte(submittedCode), []byte(otp.Code)) != 1:
		return OtpVerifyResult{Reason: "otp.invalid", RemainingAttempts: remaining}, nil
	}

	if err := s.Otps.MarkVerified(ctx, otp.ID, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent verification won the race.
			return OtpVerifyResult{Reason: "otp.alreadyVerified"}, nil
		}
		return OtpVerifyResult{}, fmt.Errorf("mark otp verified: %w", err)
	}
	return OtpVerifyResult{OK: true, RemainingAttempts: remaining}, nil
}

// ActiveForOperation returns the newest live code bound to an operation.
func (s *OtpService) ActiveForOperation(ctx context.Context, operationID string) (domain.Otp, error) {
	otp, err := s.Otps.GetActiveByOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Otp{}, ErrOtpNotFound
		}
		return domain.Otp{}, fmt.Errorf("load active otp: %w", err)
	}
	return otp, nil
}

// DeriveDataDigestCode computes the OTP_DATA_DIGEST code: a SHA-256 digest
// over the salt and the ordered attribute list, reduced to a fixed-length
// decimal code. Re-deriving with the stored salt and the same attributes
// reproduces the stored code exactly.
func DeriveDataDigestCode(attributes []string, salt []byte, length int) string {
	if length <= 0 {
		length = 8
	}

	h := sha256.New()
	h.Write(salt)
	for _, attr := range attributes {
		h.Write([]byte(attr))
		h.Write([]byte{0}) // field separator so attribute boundaries matter
	}
	digest := h.Sum(nil)

	mod := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	code := new(big.Int).Mod(new(big.Int).SetBytes(digest), mod)
	return fmt.Sprintf("%0*d", length, code)
}

// randomDigitGroups draws groupCount digit groups of groupSize digits with
// guaranteed uniqueness of the groups within one code.
func randomDigitGroups(groupCount, groupSize int) (string, error) {
	if groupCount <= 0 {
		groupCount = 1
	}
	if groupSize <= 0 {
		return "", fmt.Errorf("otp: group size must be positive")
	}

	seen := make(map[string]struct{}, groupCount)
	groups := make([]string, 0, groupCount)
	for len(groups) < groupCount {
		g, err := cryptox.RandomDigits(groupSize)
		if err != nil {
			return "", fmt.Errorf("generate digit group: %w", err)
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	return strings.Join(groups, ""), nil
}
