package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
	"github.com/arcobank/scaflow/internal/sca/store/drivers/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.NewStore("file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func method(m domain.AuthMethod) *domain.AuthMethod { return &m }

func stepResult(r domain.AuthStepResult) *domain.AuthStepResult { return &r }

// loginSteps is the routing table used across the resolver and operation
// tests: an SMS-code login with retry on failure and cancel everywhere.
func loginSteps() []domain.StepDefinition {
	return []domain.StepDefinition{
		{
			OperationName: "auth_otp", RequestType: domain.RequestTypeCreate,
			ResponsePriority: 10, ResponseAuthMethod: method(domain.AuthMethodSMSKey),
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "auth_otp", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultConfirmed),
			ResponsePriority:  10, ResponseResult: domain.AuthResultDone,
		},
		{
			OperationName: "auth_otp", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultAuthFailed),
			ResponsePriority:  10, ResponseAuthMethod: method(domain.AuthMethodSMSKey),
			ResponseResult:    domain.AuthResultContinue,
		},
		{
			OperationName: "auth_otp", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultCanceled),
			ResponsePriority:  10, ResponseResult: domain.AuthResultFailed,
		},
		{
			OperationName: "auth_otp", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodInit),
			RequestStepResult: stepResult(domain.StepResultCanceled),
			ResponsePriority:  10, ResponseResult: domain.AuthResultFailed,
		},
	}
}

func defaultCredentialPolicy() domain.CredentialPolicy {
	return domain.CredentialPolicy{
		Name:         "default",
		MinLength:    6,
		MaxLength:    64,
		SoftLimit:    3,
		HardLimit:    5,
		HistoryDepth: 3,
		GenAlgorithm: domain.GenRandomPassword,
		Hashing: domain.Argon2Params{
			Version: 19, Iterations: 1, MemoryKiB: 8192, Parallelism: 1, OutputLength: 32,
		},
		Encryption: domain.EncryptionNone,
	}
}

func defaultOtpPolicies() []domain.OtpPolicy {
	return []domain.OtpPolicy{
		{
			Name:      "sms-digest",
			Algorithm: domain.OtpDataDigest,
			Length:    8, AttemptLimit: 3, TTL: 5 * time.Minute,
		},
		{
			Name:      "sms-groups",
			Algorithm: domain.OtpRandomDigitGroups,
			Length:    8, GroupCount: 2, AttemptLimit: 3, TTL: 5 * time.Minute,
		},
	}
}

func newSnapshots(t *testing.T, steps []domain.StepDefinition) *store.SnapshotProvider {
	t.Helper()

	snap, err := store.NewSnapshot(
		steps,
		[]domain.CredentialPolicy{defaultCredentialPolicy()},
		defaultOtpPolicies(),
	)
	require.NoError(t, err)
	return store.NewSnapshotProvider(snap)
}

func createOperation(t *testing.T, ops store.Operations, name string) domain.Operation {
	t.Helper()

	now := time.Now().UTC()
	op := domain.Operation{
		ID:        "op-" + name + "-" + now.Format("150405.000000000"),
		Name:      name,
		Data:      "A1*A100CZK*Q238400856/0300",
		Result:    domain.AuthResultContinue,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, ops.Create(context.Background(), op))
	return op
}
