package domain

import "time"

// CredentialStatus tracks the lockout state of a credential.
type CredentialStatus string

const (
	CredentialActive           CredentialStatus = "ACTIVE"
	CredentialBlockedTemporary CredentialStatus = "BLOCKED_TEMPORARY"
	CredentialBlockedPermanent CredentialStatus = "BLOCKED_PERMANENT"
	CredentialRemoved          CredentialStatus = "REMOVED"
)

// CounterResetMode governs which locked statuses a failed-attempt counter
// reset may revive.
type CounterResetMode string

const (
	// ResetBlockedTemporary revives only temporarily blocked credentials.
	ResetBlockedTemporary CounterResetMode = "RESET_BLOCKED_TEMPORARY"
	// ResetActiveAndBlockedTemporary additionally zeroes the counter of
	// credentials that are still active.
	ResetActiveAndBlockedTemporary CounterResetMode = "RESET_ACTIVE_AND_BLOCKED_TEMPORARY"
)

// CredentialGenAlgorithm selects how new secrets are generated.
type CredentialGenAlgorithm string

const (
	GenRandomPassword CredentialGenAlgorithm = "RANDOM_PASSWORD"
	GenRandomDigits   CredentialGenAlgorithm = "RANDOM_DIGITS"
)

// EncryptionAlgorithm selects the optional at-rest encryption applied to a
// hashed secret before it is handed to the store.
type EncryptionAlgorithm string

const (
	EncryptionNone   EncryptionAlgorithm = "NONE"
	EncryptionAESGCM EncryptionAlgorithm = "AES_GCM"
)

// Argon2Params are the Argon2id hashing parameters carried by a policy.
type Argon2Params struct {
	Version      int
	Iterations   uint32
	MemoryKiB    uint32
	Parallelism  uint8
	OutputLength uint32
}

// CredentialPolicy bounds how secrets are generated, validated and
// rate-limited. Policies are configuration: loaded once, never mutated.
type CredentialPolicy struct {
	Name string

	MinLength      int
	MaxLength      int
	AllowedPattern string // regex over the whole candidate, empty = no restriction

	GenAlgorithm   CredentialGenAlgorithm
	GenLetterCount int
	GenDigitCount  int

	UsernameLength         int
	UsernameGenMaxAttempts int

	SoftLimit    int
	HardLimit    int
	HistoryDepth int

	Hashing    Argon2Params
	Encryption EncryptionAlgorithm
}

// Credential is one user's secret under a policy. FailCount and Status evolve
// through the engine's atomic store operations only.
type Credential struct {
	ID         string // ULID
	UserID     string
	Username   string
	PolicyName string

	Status    CredentialStatus
	FailCount int

	SecretHash   string   // PHC-format Argon2id hash, possibly AES-GCM wrapped
	RecentHashes []string // newest first, bounded by policy HistoryDepth

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
