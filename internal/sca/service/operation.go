package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/opdata"
	"github.com/arcobank/scaflow/internal/sca/store"
	"github.com/arcobank/scaflow/pkg/cryptox"
	"github.com/arcobank/scaflow/pkg/idx"
	"github.com/arcobank/scaflow/pkg/jwtx"
	"github.com/pquerna/otp/totp"
)

var (
	ErrUserMismatch  = errors.New("step submitted for a different user than the operation is bound to")
	ErrTotpNotSetUp  = errors.New("no totp secret enrolled for user")
	ErrMissingUserID = errors.New("user id is required for this auth method")
)

// DefaultOperationTTL bounds how long an operation may stay in CONTINUE.
const DefaultOperationTTL = 5 * time.Minute

// OperationService drives the operation lifecycle: creation, step submission
// with instrument verification, detail reads and cancellation.
type OperationService struct {
	Operations  store.Operations
	TotpSecrets store.TotpSecrets

	Resolver    *StepResolver
	Credentials *CredentialService
	Otps        *OtpService
	Signer      *jwtx.Signer

	// CredentialPolicyName and OtpPolicyName select which configured policies
	// back the PASSWORD and SMS_KEY instruments.
	CredentialPolicyName string
	OtpPolicyName        string

	TTL            time.Duration
	ResultTokenTTL time.Duration

	Now func() time.Time
}

func (s *OperationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateRequest describes a new login or authorization operation.
type CreateRequest struct {
	Name string // e.g. "login", "authorize_payment"
	Data opdata.OperationData
}

// CreateResult is the initial routing decision for a fresh operation.
type CreateResult struct {
	Operation      domain.Operation
	NextAuthMethod *domain.AuthMethod
	Result         domain.AuthResult
}

// Create renders the canonical data string, persists the operation and
// resolves its CREATE step.
func (s *OperationService) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	data, err := opdata.Build(req.Data)
	if err != nil {
		return CreateResult{}, err
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultOperationTTL
	}
	now := s.now()
	op := domain.Operation{
		ID:        idx.New().String(),
		Name:      req.Name,
		Data:      data,
		Result:    domain.AuthResultContinue,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.Operations.Create(ctx, op); err != nil {
		return CreateResult{}, fmt.Errorf("store operation: %w", err)
	}

	updated, resolved, err := s.Resolver.ResolveNext(ctx, op.ID, domain.RequestTypeCreate, nil, nil)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{
		Operation:      updated,
		NextAuthMethod: resolved.NextAuthMethod,
		Result:         resolved.Result,
	}, nil
}

// SubmitStepRequest carries one completed authentication step and the
// instrument payload the engine verifies itself.
type SubmitStepRequest struct {
	OperationID string
	AuthMethod  domain.AuthMethod
	StepResult  domain.AuthStepResult

	UserID string

	// Instrument payloads, interpreted per AuthMethod.
	Password string
	OtpID    string
	OtpCode  string
	TotpCode string
}

// SubmitStepResult is the step submission outcome. When verification of the
// instrument failed, Reason carries the message key and the step was recorded
// as AUTH_FAILED; the resolver still decides whether the operation continues.
type SubmitStepResult struct {
	Operation      domain.Operation
	NextAuthMethod *domain.AuthMethod
	Result         domain.AuthResult

	Reason            string
	RemainingAttempts int

	// ResultToken is the signed attestation minted when Result is DONE.
	ResultToken string
}

// SubmitStep verifies the step's authentication instrument, then routes the
// operation through the step table and persists the transition.
func (s *OperationService) SubmitStep(ctx context.Context, req SubmitStepRequest) (SubmitStepResult, error) {
	op, err := s.Operations.GetByID(ctx, req.OperationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmitStepResult{}, ErrOperationNotFound
		}
		return SubmitStepResult{}, fmt.Errorf("load operation: %w", err)
	}
	if op.Finished() {
		return SubmitStepResult{}, ErrOperationFinished
	}
	if op.Expired(s.now()) {
		return SubmitStepResult{}, ErrOperationExpired
	}
	if op.UserID != "" && req.UserID != "" && op.UserID != req.UserID {
		return SubmitStepResult{}, ErrUserMismatch
	}

	stepResult := req.StepResult
	var reason string
	var remaining int

	// Only confirmed steps carry an instrument worth verifying; a canceled
	// step is routed as reported.
	if stepResult == domain.StepResultConfirmed {
		outcome, err := s.verifyInstrument(ctx, op, req)
		if err != nil {
			return SubmitStepResult{}, err
		}
		if !outcome.ok {
			stepResult = domain.StepResultAuthFailed
			reason = outcome.reason
			remaining = outcome.remaining
		}
	}

	method := req.AuthMethod
	var opts []ResolveOption
	if stepResult == domain.StepResultConfirmed && req.UserID != "" {
		opts = append(opts, WithUserBinding(req.UserID))
	}

	updated, resolved, err := s.Resolver.ResolveNext(
		ctx, op.ID, domain.RequestTypeUpdate, &method, &stepResult, opts...)
	if err != nil {
		return SubmitStepResult{}, err
	}

	result := SubmitStepResult{
		Operation:         updated,
		NextAuthMethod:    resolved.NextAuthMethod,
		Result:            resolved.Result,
		Reason:            reason,
		RemainingAttempts: remaining,
	}

	if resolved.Result == domain.AuthResultDone && s.Signer != nil {
		token, err := s.mintResultToken(updated)
		if err != nil {
			return SubmitStepResult{}, fmt.Errorf("mint result token: %w", err)
		}
		result.ResultToken = token
	}
	return result, nil
}

type instrumentOutcome struct {
	ok        bool
	reason    string
	remaining int
}

func (s *OperationService) verifyInstrument(ctx context.Context, op domain.Operation, req SubmitStepRequest) (instrumentOutcome, error) {
	switch req.AuthMethod {
	case domain.AuthMethodPassword:
		if req.UserID == "" {
			return instrumentOutcome{}, ErrMissingUserID
		}
		res, err := s.Credentials.VerifySecret(ctx, req.UserID, s.CredentialPolicyName, req.Password)
		if err != nil {
			return instrumentOutcome{}, err
		}
		return instrumentOutcome{ok: res.OK, reason: res.Reason, remaining: res.RemainingAttempts}, nil

	case domain.AuthMethodSMSKey:
		otpID := req.OtpID
		if otpID == "" {
			active, err := s.Otps.ActiveForOperation(ctx, op.ID)
			if err != nil {
				return instrumentOutcome{}, err
			}
			otpID = active.ID
		}
		res, err := s.Otps.Verify(ctx, op.ID, otpID, req.OtpCode)
		if err != nil {
			return instrumentOutcome{}, err
		}
		return instrumentOutcome{ok: res.OK, reason: res.Reason, remaining: res.RemainingAttempts}, nil

	case domain.AuthMethodTOTPKey:
		if req.UserID == "" {
			return instrumentOutcome{}, ErrMissingUserID
		}
		secret, err := s.TotpSecrets.Get(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return instrumentOutcome{}, ErrTotpNotSetUp
			}
			return instrumentOutcome{}, fmt.Errorf("load totp secret: %w", err)
		}
		if !totp.Validate(req.TotpCode, secret) {
			return instrumentOutcome{reason: "totp.invalid"}, nil
		}
		return instrumentOutcome{ok: true}, nil

	default:
		// INIT, CONSENT and externally verified methods carry no instrument
		// the engine can check; the reported result stands.
		return instrumentOutcome{ok: true}, nil
	}
}

// IssueOtp creates a fresh one-time code for the operation under the
// configured policy. The code is derived from the operation's canonical
// attributes when the policy uses the digest algorithm.
func (s *OperationService) IssueOtp(ctx context.Context, operationID string) (domain.Otp, error) {
	op, err := s.Operations.GetByID(ctx, operationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Otp{}, ErrOperationNotFound
		}
		return domain.Otp{}, fmt.Errorf("load operation: %w", err)
	}
	if op.Finished() {
		return domain.Otp{}, ErrOperationFinished
	}
	if op.Expired(s.now()) {
		return domain.Otp{}, ErrOperationExpired
	}

	attributes, err := opdata.AttributeTokens(op.Data)
	if err != nil {
		return domain.Otp{}, fmt.Errorf("decode operation data: %w", err)
	}
	return s.Otps.Create(ctx, op.ID, op.Name, s.OtpPolicyName, attributes)
}

// GetDetail returns the operation with its history. Read-only: an expired
// operation is reported as such without being mutated.
func (s *OperationService) GetDetail(ctx context.Context, operationID string) (domain.Operation, error) {
	op, err := s.Operations.GetByID(ctx, operationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Operation{}, ErrOperationNotFound
		}
		return domain.Operation{}, fmt.Errorf("load operation: %w", err)
	}
	return op, nil
}

// Cancel terminally fails the operation with a caller-supplied reason. A
// canceled state is permanent: concurrent writers lose on version and observe
// the terminal result on their re-read.
func (s *OperationService) Cancel(ctx context.Context, operationID, reason string) (domain.Operation, error) {
	for attempt := 0; attempt < resolveRetries; attempt++ {
		op, err := s.Operations.GetByID(ctx, operationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Operation{}, ErrOperationNotFound
			}
			return domain.Operation{}, fmt.Errorf("load operation: %w", err)
		}
		if op.Finished() {
			return op, ErrOperationFinished
		}
		if op.Expired(s.now()) {
			return op, ErrOperationExpired
		}

		updated := op
		updated.Result = domain.AuthResultFailed
		updated.FailureReason = cancelReasonKey(reason)

		entry := domain.StepHistoryEntry{
			Method:     domain.AuthMethodInit,
			StepResult: domain.StepResultCanceled,
			RecordedAt: s.now(),
		}
		if n := len(op.History); n > 0 {
			entry.Method = op.History[n-1].Method
		}

		err = s.Operations.Update(ctx, updated, []domain.StepHistoryEntry{entry})
		if err == nil {
			updated.Version++
			updated.History = append(updated.History, entry)
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.Operation{}, fmt.Errorf("persist cancellation: %w", err)
		}
	}
	return domain.Operation{}, fmt.Errorf("cancellation kept conflicting: %w", store.ErrConflict)
}

func cancelReasonKey(reason string) string {
	if reason == "" {
		return "operation.canceled"
	}
	return "operation.canceled." + reason
}

func (s *OperationService) mintResultToken(op domain.Operation) (string, error) {
	amr := make([]string, 0, len(op.History))
	seen := make(map[domain.AuthMethod]struct{}, len(op.History))
	for _, h := range op.History {
		if h.StepResult != domain.StepResultConfirmed {
			continue
		}
		if _, dup := seen[h.Method]; dup {
			continue
		}
		seen[h.Method] = struct{}{}
		amr = append(amr, string(h.Method))
	}

	return s.Signer.Sign(
		op.ID,
		op.Name,
		op.UserID,
		cryptox.Fingerprint(op.Data),
		amr,
		s.ResultTokenTTL,
		s.now(),
	)
}
