package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
)

var (
	// ErrNoStepDefinition means the loaded step table has no row for the
	// lookup key. This is a configuration gap, not a caller mistake.
	ErrNoStepDefinition = errors.New("no applicable step definition")
	// ErrAmbiguousStepDefinition means two rows share the lowest priority for
	// one key. Never resolved silently.
	ErrAmbiguousStepDefinition = errors.New("ambiguous step definitions")

	ErrOperationFinished = errors.New("operation already finished")
	ErrOperationExpired  = errors.New("operation expired")
	ErrOperationNotFound = errors.New("operation not found")
)

// resolveRetries bounds how often a resolution is retried after losing an
// optimistic-concurrency race.
const resolveRetries = 3

// ResolveOption adjusts the operation state written alongside a transition,
// e.g. binding the authenticated user. Options run against the freshly loaded
// operation on every retry.
type ResolveOption func(*domain.Operation)

// WithUserBinding records the authenticated user on the operation if no user
// is bound yet.
func WithUserBinding(userID string) ResolveOption {
	return func(op *domain.Operation) {
		if op.UserID == "" {
			op.UserID = userID
		}
	}
}

// ResolvedStep is the routing outcome of one step submission.
type ResolvedStep struct {
	// NextAuthMethod is the method the caller should run next. Nil when the
	// operation is terminal.
	NextAuthMethod *domain.AuthMethod
	Result         domain.AuthResult
}

// StepResolver routes an operation through the configured step table.
type StepResolver struct {
	Operations store.Operations
	Snapshots  *store.SnapshotProvider

	// Now is the clock, overridable in tests. Nil means time.Now.
	Now func() time.Time
}

func (r *StepResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// ResolveNext looks up the next step for the operation and persists the
// transition: the history entry for the reported step and, for DONE/FAILED
// responses, the terminal result.
//
// The operation is re-loaded on every attempt so a terminal state written by
// a concurrent caller is always observed before any further processing; a
// version conflict on write triggers a bounded retry against fresh state.
func (r *StepResolver) ResolveNext(
	ctx context.Context,
	operationID string,
	requestType domain.OperationRequestType,
	method *domain.AuthMethod,
	stepResult *domain.AuthStepResult,
	opts ...ResolveOption,
) (domain.Operation, ResolvedStep, error) {
	var lastErr error

	for attempt := 0; attempt < resolveRetries; attempt++ {
		op, err := r.Operations.GetByID(ctx, operationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Operation{}, ResolvedStep{}, ErrOperationNotFound
			}
			return domain.Operation{}, ResolvedStep{}, fmt.Errorf("load operation: %w", err)
		}

		if op.Finished() {
			return op, ResolvedStep{}, ErrOperationFinished
		}
		if op.Expired(r.now()) {
			return op, ResolvedStep{}, ErrOperationExpired
		}

		def, err := selectStep(r.Snapshots.Current().StepDefinitions(), op.Name, requestType, method, stepResult)
		if err != nil {
			return op, ResolvedStep{}, err
		}

		resolved := ResolvedStep{
			NextAuthMethod: def.ResponseAuthMethod,
			Result:         def.ResponseResult,
		}

		var newEntries []domain.StepHistoryEntry
		if method != nil && stepResult != nil {
			newEntries = append(newEntries, domain.StepHistoryEntry{
				Method:     *method,
				StepResult: *stepResult,
				RecordedAt: r.now(),
			})
		}

		updated := op
		for _, opt := range opts {
			opt(&updated)
		}
		updated.Result = resolved.Result
		if resolved.Result == domain.AuthResultFailed && updated.FailureReason == "" {
			updated.FailureReason = failureReasonFor(stepResult)
		}

		if err := r.Operations.Update(ctx, updated, newEntries); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastErr = err
				continue
			}
			return op, ResolvedStep{}, fmt.Errorf("persist step transition: %w", err)
		}

		updated.Version++
		updated.History = append(updated.History, newEntries...)
		return updated, resolved, nil
	}

	return domain.Operation{}, ResolvedStep{}, fmt.Errorf("step transition kept conflicting: %w", lastErr)
}

// selectStep filters the table for the lookup key and picks the row with the
// lowest response priority. A tie at the lowest priority is a configuration
// error and fails fast.
func selectStep(
	defs []domain.StepDefinition,
	operationName string,
	requestType domain.OperationRequestType,
	method *domain.AuthMethod,
	stepResult *domain.AuthStepResult,
) (domain.StepDefinition, error) {
	var (
		best      domain.StepDefinition
		found     bool
		ambiguous bool
	)

	for _, d := range defs {
		if !d.Matches(operationName, requestType, method, stepResult) {
			continue
		}
		switch {
		case !found || d.ResponsePriority < best.ResponsePriority:
			best = d
			found = true
			ambiguous = false
		case d.ResponsePriority == best.ResponsePriority:
			ambiguous = true
		}
	}

	if !found {
		return domain.StepDefinition{}, fmt.Errorf(
			"%w: operation %q, request %s", ErrNoStepDefinition, operationName, requestType)
	}
	if ambiguous {
		return domain.StepDefinition{}, fmt.Errorf(
			"%w: operation %q, request %s, priority %d",
			ErrAmbiguousStepDefinition, operationName, requestType, best.ResponsePriority)
	}
	return best, nil
}

// failureReasonFor maps the step outcome that forced the failure to a stable
// message key for the caller's UI layer.
func failureReasonFor(stepResult *domain.AuthStepResult) string {
	if stepResult == nil {
		return "operation.failed"
	}
	switch *stepResult {
	case domain.StepResultCanceled:
		return "operation.canceled"
	case domain.StepResultAuthFailed:
		return "operation.authFailed"
	default:
		return "operation.failed"
	}
}
