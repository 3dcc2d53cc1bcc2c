// Package store defines the narrow persistence interfaces the engine is
// wired with. Each engine component receives only the interfaces it needs;
// concrete drivers (sqlite, redis) implement them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports an optimistic-concurrency failure: the entity was
	// modified since it was read. Callers retry against freshly loaded state.
	ErrConflict      = errors.New("store: version conflict")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Operations persists operation state. Update is version-checked so that a
// terminal transition observed by one caller can never be overwritten by a
// concurrent stale write.
type Operations interface {
	// Create inserts a new operation (id is provided by the engine via ULID).
	Create(ctx context.Context, op domain.Operation) error

	// GetByID returns an operation with its full step history.
	GetByID(ctx context.Context, id string) (domain.Operation, error)

	// Update writes result, failure reason and user binding against
	// op.Version and appends newEntries to the history. Returns ErrConflict
	// when the stored version has moved on.
	Update(ctx context.Context, op domain.Operation, newEntries []domain.StepHistoryEntry) error

	// DeleteExpired removes operations whose TTL elapsed before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Credentials persists per-user secrets and their lockout counters.
type Credentials interface {
	Create(ctx context.Context, c domain.Credential) error

	GetByID(ctx context.Context, id string) (domain.Credential, error)

	// GetByUser returns the user's credential under the given policy.
	GetByUser(ctx context.Context, userID, policyName string) (domain.Credential, error)

	// UsernameExists supports collision-checked username generation.
	UsernameExists(ctx context.Context, username string) (bool, error)

	// IncrementFailCount atomically bumps the soft-fail counter and returns
	// the fresh post-increment state. The increment must never be lost under
	// concurrent callers.
	IncrementFailCount(ctx context.Context, id string) (domain.Credential, error)

	// Update writes status, counter, hash and hash history against c.Version.
	// Returns ErrConflict when the stored version has moved on.
	Update(ctx context.Context, c domain.Credential) error
}

// Otps persists one-time codes. The increment-then-check verification order
// relies on IncrementAttempts and MarkVerified being atomic per instance.
type Otps interface {
	Create(ctx context.Context, o domain.Otp) error

	GetByID(ctx context.Context, id string) (domain.Otp, error)

	// GetActiveByOperation returns the newest unexpired, unverified code for
	// an operation.
	GetActiveByOperation(ctx context.Context, operationID string) (domain.Otp, error)

	// IncrementAttempts atomically bumps the verify-attempt counter and
	// returns the fresh post-increment state.
	IncrementAttempts(ctx context.Context, id string) (domain.Otp, error)

	// MarkVerified flips verified false->true and records the timestamp.
	// Returns ErrConflict if the instance was already verified, so exactly
	// one of two concurrent correct-code verifications succeeds.
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// DeleteExpired removes codes whose TTL elapsed before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TotpSecrets stores per-user TOTP enrollment secrets.
type TotpSecrets interface {
	Get(ctx context.Context, userID string) (string, error)
	Set(ctx context.Context, userID, secret string) error
}

// Config is the read-only source of step definitions and policies. It is
// consulted only when building a Snapshot; the engine never reads it on the
// hot path.
type Config interface {
	ListStepDefinitions(ctx context.Context) ([]domain.StepDefinition, error)
	ListCredentialPolicies(ctx context.Context) ([]domain.CredentialPolicy, error)
	ListOtpPolicies(ctx context.Context) ([]domain.OtpPolicy, error)
}
