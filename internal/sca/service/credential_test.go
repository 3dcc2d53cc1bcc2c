package service_test

import (
	"context"
	"strings"
	"testing"
	"unicode"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/service"

	"github.com/stretchr/testify/require"
)

func newCredentialService(t *testing.T) *service.CredentialService {
	t.Helper()
	db := newTestStore(t)
	return &service.CredentialService{
		Credentials: db.Credentials(),
		Snapshots:   newSnapshots(t, loginSteps()),
	}
}

func TestValidateCredentialBounds(t *testing.T) {
	svc := newCredentialService(t)
	policy := defaultCredentialPolicy()
	policy.AllowedPattern = `^[a-zA-Z0-9]+$`

	require.Empty(t, svc.ValidateCredential("abc123", policy))

	failures := svc.ValidateCredential("ab", policy)
	require.Len(t, failures, 1)
	require.Equal(t, "credential.tooShort", failures[0].Key)

	failures = svc.ValidateCredential(strings.Repeat("x", 65), policy)
	require.Len(t, failures, 1)
	require.Equal(t, "credential.tooLong", failures[0].Key)

	failures = svc.ValidateCredential("abc 123", policy)
	require.Len(t, failures, 1)
	require.Equal(t, "credential.invalidCharacters", failures[0].Key)
}

func TestGenerateCredentialHonorsClassCounts(t *testing.T) {
	svc := newCredentialService(t)
	policy := defaultCredentialPolicy()
	policy.GenLetterCount = 6
	policy.GenDigitCount = 3

	for i := 0; i < 10; i++ {
		secret, err := svc.GenerateCredential(policy)
		require.NoError(t, err)
		require.Len(t, secret, 9)

		letters, digits := 0, 0
		for _, r := range secret {
			switch {
			case unicode.IsLetter(r):
				letters++
			case unicode.IsDigit(r):
				digits++
			}
		}
		require.Equal(t, 6, letters)
		require.Equal(t, 3, digits)
	}
}

func TestGenerateUsernameAvoidsCollisions(t *testing.T) {
	db := newTestStore(t)
	svc := &service.CredentialService{
		Credentials: db.Credentials(),
		Snapshots:   newSnapshots(t, loginSteps()),
	}
	policy := defaultCredentialPolicy()
	policy.UsernameLength = 6

	username, err := svc.GenerateUsername(context.Background(), policy)
	require.NoError(t, err)
	require.Len(t, username, 6)
	for _, r := range username {
		require.True(t, unicode.IsDigit(r))
	}
}

func TestCreateAndVerifyCredential(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "hunter22")
	require.NoError(t, err)
	require.Equal(t, domain.CredentialActive, cred.Status)
	require.NotContains(t, cred.SecretHash, "hunter22")

	res, err := svc.VerifySecret(ctx, "user-1", "default", "hunter22")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "user-1", res.UserID)

	res, err = svc.VerifySecret(ctx, "user-1", "default", "wrong")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "credential.invalid", res.Reason)
	require.Equal(t, 2, res.RemainingAttempts)
}

func TestSoftLimitBlocksTemporarily(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	_, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "hunter22")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := svc.VerifySecret(ctx, "user-1", "default", "wrong")
		require.NoError(t, err)
		require.False(t, res.OK)
	}

	res, err := svc.VerifySecret(ctx, "user-1", "default", "hunter22")
	require.NoError(t, err)
	require.False(t, res.OK, "temporarily blocked credentials refuse even the right secret")
	require.Equal(t, "credential.blockedTemporary", res.Reason)
}

func TestCounterResetRevivesTemporaryBlock(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "hunter22")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailedAttempt(ctx, cred.ID)
		require.NoError(t, err)
	}

	revived, err := svc.ResetCounter(ctx, cred.ID, domain.ResetBlockedTemporary)
	require.NoError(t, err)
	require.Equal(t, domain.CredentialActive, revived.Status)
	require.Zero(t, revived.FailCount)

	res, err := svc.VerifySecret(ctx, "user-1", "default", "hunter22")
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestHardLimitBlocksPermanently(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "hunter22")
	require.NoError(t, err)

	var last domain.Credential
	for i := 0; i < 5; i++ {
		last, err = svc.RecordFailedAttempt(ctx, cred.ID)
		require.NoError(t, err)
	}
	require.Equal(t, domain.CredentialBlockedPermanent, last.Status)

	// No reset mode revives a permanent block.
	_, err = svc.ResetCounter(ctx, cred.ID, domain.ResetBlockedTemporary)
	require.ErrorIs(t, err, service.ErrCounterResetNotEligible)
	_, err = svc.ResetCounter(ctx, cred.ID, domain.ResetActiveAndBlockedTemporary)
	require.ErrorIs(t, err, service.ErrCounterResetNotEligible)

	res, err := svc.VerifySecret(ctx, "user-1", "default", "hunter22")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "credential.blockedPermanent", res.Reason)
}

func TestResetModeEligibility(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "hunter22")
	require.NoError(t, err)

	// An active credential is only resettable under the wider mode.
	_, err = svc.ResetCounter(ctx, cred.ID, domain.ResetBlockedTemporary)
	require.ErrorIs(t, err, service.ErrCounterResetNotEligible)

	_, err = svc.RecordFailedAttempt(ctx, cred.ID)
	require.NoError(t, err)

	revived, err := svc.ResetCounter(ctx, cred.ID, domain.ResetActiveAndBlockedTemporary)
	require.NoError(t, err)
	require.Zero(t, revived.FailCount)
	require.Equal(t, domain.CredentialActive, revived.Status)
}

func TestChangeCredentialEnforcesHistory(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "firstpw1")
	require.NoError(t, err)

	require.NoError(t, svc.ChangeCredential(ctx, cred.ID, "secondpw2"))

	// Neither the current nor the previous secret may come back.
	require.ErrorIs(t, svc.ChangeCredential(ctx, cred.ID, "secondpw2"), service.ErrCredentialHistoryViolation)
	require.ErrorIs(t, svc.ChangeCredential(ctx, cred.ID, "firstpw1"), service.ErrCredentialHistoryViolation)

	require.NoError(t, svc.ChangeCredential(ctx, cred.ID, "thirdpw33"))

	res, err := svc.VerifySecret(ctx, "user-1", "default", "thirdpw33")
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestChangeCredentialValidatesNewSecret(t *testing.T) {
	svc := newCredentialService(t)
	ctx := context.Background()

	cred, err := svc.CreateCredential(ctx, "user-1", "12345678", "default", "firstpw1")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ChangeCredential(ctx, cred.ID, "tiny"), service.ErrCredentialValidationFailed)
}

func TestVerifyUnknownUser(t *testing.T) {
	svc := newCredentialService(t)

	_, err := svc.VerifySecret(context.Background(), "nobody", "default", "whatever")
	require.ErrorIs(t, err, service.ErrCredentialNotFound)
}

func TestCreateCredentialRejectsUnknownPolicy(t *testing.T) {
	svc := newCredentialService(t)

	_, err := svc.CreateCredential(context.Background(), "user-1", "12345678", "nope", "hunter22")
	require.ErrorIs(t, err, service.ErrUnknownCredentialPolicy)
}
