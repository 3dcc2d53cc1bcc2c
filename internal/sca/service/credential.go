package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
	"github.com/arcobank/scaflow/pkg/cryptox"
	"github.com/arcobank/scaflow/pkg/idx"
)

const (
	genLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	genDigits  = "0123456789"
)

var (
	ErrUnknownCredentialPolicy      = errors.New("unknown credential policy")
	ErrCredentialNotFound           = errors.New("credential not found")
	ErrUsernameGenerationExhausted  = errors.New("username generation exhausted")
	ErrCredentialValidationFailed   = errors.New("credential validation failed")
	ErrCounterResetNotEligible      = errors.New("counter reset not eligible for current status")
	ErrCredentialHistoryViolation   = errors.New("credential matches a recently used secret")
	errCredentialConflictsExhausted = errors.New("credential update kept conflicting")
)

// ValidationFailure is one structured reason a candidate secret was rejected.
// Key is a stable message key for the caller's UI layer.
type ValidationFailure struct {
	Key    string
	Detail string
}

// CredentialVerifyResult is the typed outcome of a secret verification.
// Wrong secrets and blocked credentials are results, not errors.
type CredentialVerifyResult struct {
	OK                bool
	Reason            string // message key, empty on success
	RemainingAttempts int    // attempts left before the soft limit, 0 when blocked
	Status            domain.CredentialStatus
	UserID            string
}

// CredentialService enforces credential policies: validation, generation,
// hashing, attempt counting and lockout. It computes but never persists
// secrets itself beyond the injected store.
type CredentialService struct {
	Credentials store.Credentials
	Snapshots   *store.SnapshotProvider

	Now func() time.Time
}

func (s *CredentialService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *CredentialService) policy(name string) (domain.CredentialPolicy, error) {
	p, ok := s.Snapshots.Current().CredentialPolicy(name)
	if !ok {
		return domain.CredentialPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCredentialPolicy, name)
	}
	return p, nil
}

// ValidateCredential checks a candidate secret against the policy's length
// bounds and allowed-character pattern. An empty slice means the candidate
// passed.
func (s *CredentialService) ValidateCredential(candidate string, policy domain.CredentialPolicy) []ValidationFailure {
	var failures []ValidationFailure

	if policy.MinLength > 0 && len(candidate) < policy.MinLength {
		failures = append(failures, ValidationFailure{
			Key:    "credential.tooShort",
			Detail: fmt.Sprintf("minimum length is %d", policy.MinLength),
		})
	}
	if policy.MaxLength > 0 && len(candidate) > policy.MaxLength {
		failures = append(failures, ValidationFailure{
			Key:    "credential.tooLong",
			Detail: fmt.Sprintf("maximum length is %d", policy.MaxLength),
		})
	}
	if policy.AllowedPattern != "" {
		re, err := regexp.Compile(policy.AllowedPattern)
		if err != nil {
			failures = append(failures, ValidationFailure{
				Key:    "credential.policyInvalid",
				Detail: "allowed-character pattern does not compile",
			})
		} else if !re.MatchString(candidate) {
			failures = append(failures, ValidationFailure{
				Key:    "credential.invalidCharacters",
				Detail: "candidate contains characters outside the allowed set",
			})
		}
	}
	return failures
}

// GenerateCredential produces a random secret honoring the policy's minimum
// letter and digit counts, then shuffles so class positions are unpredictable.
func (s *CredentialService) GenerateCredential(policy domain.CredentialPolicy) (string, error) {
	letters := policy.GenLetterCount
	digits := policy.GenDigitCount
	if letters+digits == 0 {
		letters = 8
		digits = 4
	}

	raw := make([]byte, 0, letters+digits)
	part, err := cryptox.RandomString(genLetters, letters)
	if err != nil {
		return "", fmt.Errorf("generate letters: %w", err)
	}
	raw = append(raw, part...)
	part, err = cryptox.RandomString(genDigits, digits)
	if err != nil {
		return "", fmt.Errorf("generate digits: %w", err)
	}
	raw = append(raw, part...)

	// Fisher-Yates with crypto randomness.
	for i := len(raw) - 1; i > 0; i-- {
		j, err := cryptox.RandomInt(i + 1)
		if err != nil {
			return "", err
		}
		raw[i], raw[j] = raw[j], raw[i]
	}
	return string(raw), nil
}

// GenerateUsername draws random digit usernames of the policy's length until
// one is unused, failing after the policy's maximum attempts.
func (s *CredentialService) GenerateUsername(ctx context.Context, policy domain.CredentialPolicy) (string, error) {
	length := policy.UsernameLength
	if length <= 0 {
		length = 8
	}
	attempts := policy.UsernameGenMaxAttempts
	if attempts <= 0 {
		attempts = 100
	}

	for i := 0; i < attempts; i++ {
		candidate, err := cryptox.RandomDigits(length)
		if err != nil {
			return "", fmt.Errorf("generate username: %w", err)
		}
		taken, err := s.Credentials.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check username collision: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrUsernameGenerationExhausted, attempts)
}

// CreateCredential validates, hashes and stores a new secret for a user.
func (s *CredentialService) CreateCredential(ctx context.Context, userID, username, policyName, secret string) (domain.Credential, error) {
	policy, err := s.policy(policyName)
	if err != nil {
		return domain.Credential{}, err
	}
	if failures := s.ValidateCredential(secret, policy); len(failures) > 0 {
		return domain.Credential{}, fmt.Errorf("%w: %s", ErrCredentialValidationFailed, failures[0].Key)
	}

	hash, err := s.protectSecret(secret, policy)
	if err != nil {
		return domain.Credential{}, err
	}

	now := s.now()
	cred := domain.Credential{
		ID:         idx.New().String(),
		UserID:     userID,
		Username:   username,
		PolicyName: policyName,
		Status:     domain.CredentialActive,
		SecretHash: hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Credentials.Create(ctx, cred); err != nil {
		return domain.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// ChangeCredential replaces the secret after validating it against the policy
// and the credential's recent-hash history.
func (s *CredentialService) ChangeCredential(ctx context.Context, credentialID, newSecret string) error {
	cred, err := s.load(ctx, credentialID)
	if err != nil {
		return err
	}
	policy, err := s.policy(cred.PolicyName)
	if err != nil {
		return err
	}
	if failures := s.ValidateCredential(newSecret, policy); len(failures) > 0 {
		return fmt.Errorf("%w: %s", ErrCredentialValidationFailed, failures[0].Key)
	}

	// History check: the new secret must not match the current hash or any
	// retained previous one.
	for _, old := range append([]string{cred.SecretHash}, cred.RecentHashes...) {
		if s.matchesHash(newSecret, old, policy) {
			return ErrCredentialHistoryViolation
		}
	}

	hash, err := s.protectSecret(newSecret, policy)
	if err != nil {
		return err
	}

	cred.RecentHashes = append([]string{cred.SecretHash}, cred.RecentHashes...)
	if policy.HistoryDepth > 0 && len(cred.RecentHashes) > policy.HistoryDepth {
		cred.RecentHashes = cred.RecentHashes[:policy.HistoryDepth]
	}
	cred.SecretHash = hash
	cred.UpdatedAt = s.now()

	if err := s.Credentials.Update(ctx, cred); err != nil {
		return fmt.Errorf("store new secret: %w", err)
	}
	return nil
}

// VerifySecret checks a submitted secret for the user under the policy and
// advances the attempt counter on mismatch. Blocked or removed credentials
// fail before the secret is compared.
func (s *CredentialService) VerifySecret(ctx context.Context, userID, policyName, secret string) (CredentialVerifyResult, error) {
	cred, err := s.Credentials.GetByUser(ctx, userID, policyName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CredentialVerifyResult{}, ErrCredentialNotFound
		}
		return CredentialVerifyResult{}, fmt.Errorf("load credential: %w", err)
	}
	policy, err := s.policy(cred.PolicyName)
	if err != nil {
		return CredentialVerifyResult{}, err
	}

	switch cred.Status {
	case domain.CredentialBlockedTemporary:
		return CredentialVerifyResult{Reason: "credential.blockedTemporary", Status: cred.Status}, nil
	case domain.CredentialBlockedPermanent:
		return CredentialVerifyResult{Reason: "credential.blockedPermanent", Status: cred.Status}, nil
	case domain.CredentialRemoved:
		return CredentialVerifyResult{Reason: "credential.removed", Status: cred.Status}, nil
	}

	if secret != "" && s.matchesHash(secret, cred.SecretHash, policy) {
		return CredentialVerifyResult{OK: true, Status: cred.Status, UserID: cred.UserID}, nil
	}

	updated, err := s.RecordFailedAttempt(ctx, cred.ID)
	if err != nil {
		return CredentialVerifyResult{}, err
	}

	remaining := policy.SoftLimit - updated.FailCount
	if remaining < 0 || updated.Status != domain.CredentialActive {
		remaining = 0
	}
	return CredentialVerifyResult{
		Reason:            "credential.invalid",
		RemainingAttempts: remaining,
		Status:            updated.Status,
	}, nil
}

// RecordFailedAttempt atomically increments the soft-fail counter and applies
// the lockout transitions: soft limit blocks temporarily, hard limit blocks
// permanently. Returns the fresh credential state.
func (s *CredentialService) RecordFailedAttempt(ctx context.Context, credentialID string) (domain.Credential, error) {
	cred, err := s.Credentials.IncrementFailCount(ctx, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Credential{}, ErrCredentialNotFound
		}
		return domain.Credential{}, fmt.Errorf("increment fail counter: %w", err)
	}
	policy, err := s.policy(cred.PolicyName)
	if err != nil {
		return domain.Credential{}, err
	}

	for attempt := 0; attempt < resolveRetries; attempt++ {
		next := cred.Status
		switch {
		case policy.HardLimit > 0 && cred.FailCount >= policy.HardLimit:
			next = domain.CredentialBlockedPermanent
		case policy.SoftLimit > 0 && cred.FailCount >= policy.SoftLimit && cred.Status == domain.CredentialActive:
			next = domain.CredentialBlockedTemporary
		}
		if next == cred.Status {
			return cred, nil
		}

		cred.Status = next
		cred.UpdatedAt = s.now()
		err := s.Credentials.Update(ctx, cred)
		if err == nil {
			cred.Version++
			return cred, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.Credential{}, fmt.Errorf("persist status transition: %w", err)
		}
		if cred, err = s.load(ctx, credentialID); err != nil {
			return domain.Credential{}, err
		}
		// A permanent block that landed concurrently is never softened.
		if cred.Status == domain.CredentialBlockedPermanent {
			return cred, nil
		}
	}
	return domain.Credential{}, errCredentialConflictsExhausted
}

// ResetCounter zeroes the soft-fail counter when the mode permits reviving
// the credential's current status.
func (s *CredentialService) ResetCounter(ctx context.Context, credentialID string, mode domain.CounterResetMode) (domain.Credential, error) {
	cred, err := s.load(ctx, credentialID)
	if err != nil {
		return domain.Credential{}, err
	}

	eligible := false
	switch mode {
	case domain.ResetBlockedTemporary:
		eligible = cred.Status == domain.CredentialBlockedTemporary
	case domain.ResetActiveAndBlockedTemporary:
		eligible = cred.Status == domain.CredentialActive ||
			cred.Status == domain.CredentialBlockedTemporary
	}
	if !eligible {
		return domain.Credential{}, fmt.Errorf("%w: %s under %s", ErrCounterResetNotEligible, cred.Status, mode)
	}

	cred.FailCount = 0
	cred.Status = domain.CredentialActive
	cred.UpdatedAt = s.now()
	if err := s.Credentials.Update(ctx, cred); err != nil {
		return domain.Credential{}, fmt.Errorf("persist counter reset: %w", err)
	}
	cred.Version++
	return cred, nil
}

func (s *CredentialService) load(ctx context.Context, credentialID string) (domain.Credential, error) {
	cred, err := s.Credentials.GetByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Credential{}, ErrCredentialNotFound
		}
		return domain.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

// protectSecret hashes the secret with the policy's Argon2id parameters and
// optionally wraps the hash with AES-GCM.
func (s *CredentialService) protectSecret(secret string, policy domain.CredentialPolicy) (string, error) {
	hash, err := cryptox.HashSecret(secret, cryptox.Argon2Params{
		Iterations:   policy.Hashing.Iterations,
		MemoryKiB:    policy.Hashing.MemoryKiB,
		Parallelism:  policy.Hashing.Parallelism,
		OutputLength: policy.Hashing.OutputLength,
	})
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	if policy.Encryption == domain.EncryptionAESGCM {
		if hash, err = cryptox.EncryptSecret(hash); err != nil {
			return "", fmt.Errorf("encrypt secret hash: %w", err)
		}
	}
	return hash, nil
}

func (s *CredentialService) matchesHash(secret, stored string, policy domain.CredentialPolicy) bool {
	if policy.Encryption == domain.EncryptionAESGCM {
		decrypted, err := cryptox.DecryptSecret(stored)
		if err != nil {
			return false
		}
		stored = decrypted
	}
	return cryptox.VerifySecret(secret, stored) == nil
}
