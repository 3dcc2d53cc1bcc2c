package domain

import "time"

// OtpAlgorithm selects how one-time codes are derived.
type OtpAlgorithm string

const (
	// OtpDataDigest derives the code from a salted digest over the
	// operation's canonical attributes.
	OtpDataDigest OtpAlgorithm = "OTP_DATA_DIGEST"
	// OtpRandomDigitGroups produces N digit groups, unique within the code.
	OtpRandomDigitGroups OtpAlgorithm = "OTP_RANDOM_DIGIT_GROUPS"
)

// OtpPolicy bounds OTP generation and verification.
type OtpPolicy struct {
	Name         string
	Algorithm    OtpAlgorithm
	Length       int // total code length in digits
	GroupCount   int // digit groups for OTP_RANDOM_DIGIT_GROUPS
	AttemptLimit int
	TTL          time.Duration
}

// GroupSize returns the digits per group for OTP_RANDOM_DIGIT_GROUPS.
func (p OtpPolicy) GroupSize() int {
	if p.GroupCount <= 0 {
		return p.Length
	}
	return p.Length / p.GroupCount
}

// Otp is one issued one-time code bound to an operation. AttemptCount only
// moves through the store's atomic increment; Verified flips false to true
// exactly once.
type Otp struct {
	ID            string // ULID
	OperationID   string
	OperationName string
	PolicyName    string

	Code string
	Salt []byte // random salt used by OTP_DATA_DIGEST, nil otherwise

	AttemptCount int
	Verified     bool
	VerifiedAt   *time.Time

	Version   int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code's TTL has elapsed at the given time.
func (o Otp) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
