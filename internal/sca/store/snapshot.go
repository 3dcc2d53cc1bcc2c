package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/arcobank/scaflow/internal/sca/domain"
)

// ErrInvalidConfiguration reports a step/policy table that must not be served:
// ambiguous priorities, dangling responses, duplicate policy names. These are
// fatal at load time, never retried.
var ErrInvalidConfiguration = errors.New("store: invalid configuration")

// Snapshot is an immutable view of the step definitions and policies. It is
// built once from a Config source, validated, and published as a whole; a
// reload produces a new Snapshot and swaps it atomically.
type Snapshot struct {
	steps              []domain.StepDefinition
	credentialPolicies map[string]domain.CredentialPolicy
	otpPolicies        map[string]domain.OtpPolicy
}

// LoadSnapshot reads the full configuration and validates it.
func LoadSnapshot(ctx context.Context, cfg Config) (*Snapshot, error) {
	steps, err := cfg.ListStepDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load step definitions: %w", err)
	}
	credPolicies, err := cfg.ListCredentialPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential policies: %w", err)
	}
	otpPolicies, err := cfg.ListOtpPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load otp policies: %w", err)
	}

	s := &Snapshot{
		steps:              steps,
		credentialPolicies: make(map[string]domain.CredentialPolicy, len(credPolicies)),
		otpPolicies:        make(map[string]domain.OtpPolicy, len(otpPolicies)),
	}
	for _, p := range credPolicies {
		if _, dup := s.credentialPolicies[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate credential policy %q", ErrInvalidConfiguration, p.Name)
		}
		s.credentialPolicies[p.Name] = p
	}
	for _, p := range otpPolicies {
		if _, dup := s.otpPolicies[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate otp policy %q", ErrInvalidConfiguration, p.Name)
		}
		s.otpPolicies[p.Name] = p
	}

	if err := s.validateSteps(); err != nil {
		return nil, err
	}
	if err := s.validateOtpPolicies(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSnapshot builds a snapshot directly from in-memory tables. Used by tests
// and by callers that manage configuration themselves.
func NewSnapshot(
	steps []domain.StepDefinition,
	credPolicies []domain.CredentialPolicy,
	otpPolicies []domain.OtpPolicy,
) (*Snapshot, error) {
	s := &Snapshot{
		steps:              steps,
		credentialPolicies: make(map[string]domain.CredentialPolicy, len(credPolicies)),
		otpPolicies:        make(map[string]domain.OtpPolicy, len(otpPolicies)),
	}
	for _, p := range credPolicies {
		s.credentialPolicies[p.Name] = p
	}
	for _, p := range otpPolicies {
		s.otpPolicies[p.Name] = p
	}
	if err := s.validateSteps(); err != nil {
		return nil, err
	}
	if err := s.validateOtpPolicies(); err != nil {
		return nil, err
	}
	return s, nil
}

// validateSteps rejects tables where a single lookup key carries the same
// priority twice, and rows that neither continue nor terminate.
func (s *Snapshot) validateSteps() error {
	type key struct {
		name       string
		reqType    domain.OperationRequestType
		method     domain.AuthMethod
		stepResult domain.AuthStepResult
		priority   int
	}
	seen := make(map[key]struct{}, len(s.steps))

	for _, d := range s.steps {
		k := key{name: d.OperationName, reqType: d.RequestType, priority: d.ResponsePriority}
		if d.RequestAuthMethod != nil {
			k.method = *d.RequestAuthMethod
		}
		if d.RequestStepResult != nil {
			k.stepResult = *d.RequestStepResult
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf(
				"%w: duplicate priority %d for step key (%s, %s, %s, %s)",
				ErrInvalidConfiguration, d.ResponsePriority,
				d.OperationName, d.RequestType, k.method, k.stepResult,
			)
		}
		seen[k] = struct{}{}

		if d.ResponseResult == domain.AuthResultContinue && d.ResponseAuthMethod == nil {
			return fmt.Errorf(
				"%w: step for (%s, %s) continues without a next auth method",
				ErrInvalidConfiguration, d.OperationName, d.RequestType,
			)
		}
	}
	return nil
}

// validateOtpPolicies rejects code shapes the generator cannot produce: a
// length that does not divide into the configured groups, or more distinct
// groups than the digit space holds (the draw loop would never terminate).
func (s *Snapshot) validateOtpPolicies() error {
	for _, p := range s.otpPolicies {
		if p.Length <= 0 {
			return fmt.Errorf("%w: otp policy %q has no code length", ErrInvalidConfiguration, p.Name)
		}
		if p.Algorithm != domain.OtpRandomDigitGroups || p.GroupCount <= 1 {
			continue
		}
		if p.Length%p.GroupCount != 0 {
			return fmt.Errorf(
				"%w: otp policy %q: length %d does not divide into %d groups",
				ErrInvalidConfiguration, p.Name, p.Length, p.GroupCount,
			)
		}
		groupSize := p.Length / p.GroupCount
		space := 1
		for i := 0; i < groupSize && space <= p.GroupCount; i++ {
			space *= 10
		}
		if p.GroupCount > space {
			return fmt.Errorf(
				"%w: otp policy %q: %d distinct groups of %d digits do not exist",
				ErrInvalidConfiguration, p.Name, p.GroupCount, groupSize,
			)
		}
	}
	return nil
}

// StepDefinitions returns the step table. Callers must not mutate it.
func (s *Snapshot) StepDefinitions() []domain.StepDefinition {
	return s.steps
}

func (s *Snapshot) CredentialPolicy(name string) (domain.CredentialPolicy, bool) {
	p, ok := s.credentialPolicies[name]
	return p, ok
}

func (s *Snapshot) OtpPolicy(name string) (domain.OtpPolicy, bool) {
	p, ok := s.otpPolicies[name]
	return p, ok
}

// SnapshotProvider publishes the current configuration snapshot. Swap is a
// full atomic replacement; partial mutation is impossible by construction.
type SnapshotProvider struct {
	current atomic.Pointer[Snapshot]
}

func NewSnapshotProvider(s *Snapshot) *SnapshotProvider {
	p := &SnapshotProvider{}
	p.current.Store(s)
	return p
}

// Current returns the active snapshot.
func (p *SnapshotProvider) Current() *Snapshot {
	return p.current.Load()
}

// Swap publishes a new snapshot for all subsequent lookups.
func (p *SnapshotProvider) Swap(s *Snapshot) {
	p.current.Store(s)
}

// Reload builds a fresh snapshot from cfg and publishes it only if the whole
// load succeeded.
func (p *SnapshotProvider) Reload(ctx context.Context, cfg Config) error {
	s, err := LoadSnapshot(ctx, cfg)
	if err != nil {
		return err
	}
	p.Swap(s)
	return nil
}
