package domain

import "time"

// AuthResult is the outcome of the whole operation after a step.
type AuthResult string

const (
	AuthResultContinue AuthResult = "CONTINUE"
	AuthResultDone     AuthResult = "DONE"
	AuthResultFailed   AuthResult = "FAILED"
)

// AuthMethod is a symbolic authentication technique configured in the step
// table. The engine only interprets the instrument kinds it can verify itself
// (password, SMS code, TOTP); anything else is opaque routing data.
type AuthMethod string

const (
	AuthMethodInit     AuthMethod = "INIT"
	AuthMethodPassword AuthMethod = "USERNAME_PASSWORD_AUTH"
	AuthMethodSMSKey   AuthMethod = "SMS_KEY"
	AuthMethodTOTPKey  AuthMethod = "TOTP_KEY"
	AuthMethodConsent  AuthMethod = "CONSENT"
)

// AuthStepResult is the outcome of one authentication step as reported by the
// method that executed it.
type AuthStepResult string

const (
	StepResultConfirmed  AuthStepResult = "CONFIRMED"
	StepResultCanceled   AuthStepResult = "CANCELED"
	StepResultAuthFailed AuthStepResult = "AUTH_FAILED"
)

// OperationRequestType distinguishes the first resolution of a freshly
// created operation from resolutions driven by completed steps.
type OperationRequestType string

const (
	RequestTypeCreate OperationRequestType = "CREATE"
	RequestTypeUpdate OperationRequestType = "UPDATE"
)

// StepHistoryEntry records one completed authentication step.
type StepHistoryEntry struct {
	Method     AuthMethod
	StepResult AuthStepResult
	RecordedAt time.Time
}

// Operation is one login or transaction-authorization attempt. It is loaded,
// transformed and written back through the store; Version backs the store's
// optimistic concurrency check.
type Operation struct {
	ID     string // ULID
	Name   string // symbolic type, e.g. "login", "authorize_payment"
	Data   string // canonical operation data string (see opdata)
	UserID string // empty until an instrument verification binds a user

	Result        AuthResult
	FailureReason string // message key, set when Result is FAILED

	History []StepHistoryEntry

	Version   int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Finished reports whether the operation is terminal. Terminal operations
// accept no further steps.
func (o Operation) Finished() bool {
	return o.Result == AuthResultDone || o.Result == AuthResultFailed
}

// Expired reports whether the operation's TTL has elapsed at the given time.
func (o Operation) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
