package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/opdata"
	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/internal/sca/store/drivers/sqlite"
	"github.com/arcobank/scaflow/pkg/jwtx"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

// paymentSteps routes a payment through password then SMS code.
func paymentSteps() []domain.StepDefinition {
	return []domain.StepDefinition{
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeCreate,
			ResponsePriority: 10, ResponseAuthMethod: method(domain.AuthMethodPassword),
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodPassword),
			RequestStepResult: stepResult(domain.StepResultConfirmed),
			ResponsePriority:  10, ResponseAuthMethod: method(domain.AuthMethodSMSKey),
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodPassword),
			RequestStepResult: stepResult(domain.StepResultAuthFailed),
			ResponsePriority:  10, ResponseAuthMethod: method(domain.AuthMethodPassword),
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultConfirmed),
			ResponsePriority:  10, ResponseResult: domain.AuthResultDone,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultAuthFailed),
			ResponsePriority:  10, ResponseAuthMethod: method(domain.AuthMethodSMSKey),
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodTOTPKey),
			RequestStepResult: stepResult(domain.StepResultConfirmed),
			ResponsePriority:  20, ResponseResult: domain.AuthResultDone,
		},
		{
			OperationName: "authorize_payment", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: method(domain.AuthMethodSMSKey),
			RequestStepResult: stepResult(domain.StepResultCanceled),
			ResponsePriority:  10, ResponseResult: domain.AuthResultFailed,
		},
	}
}

type testEnv struct {
	db     *sqlite.Store
	svc    *service.OperationService
	signer *jwtx.Signer
}

func newOperationEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestStore(t)
	snapshots := newSnapshots(t, paymentSteps())

	signer, err := jwtx.NewEphemeralSigner("test-key", "scaflow-test")
	require.NoError(t, err)

	resolver := &service.StepResolver{Operations: db.Operations(), Snapshots: snapshots}
	credentials := &service.CredentialService{Credentials: db.Credentials(), Snapshots: snapshots}
	otps := &service.OtpService{Otps: db.Otps(), Snapshots: snapshots}

	return &testEnv{
		db:     db,
		signer: signer,
		svc: &service.OperationService{
			Operations:           db.Operations(),
			TotpSecrets:          db.TotpSecrets(),
			Resolver:             resolver,
			Credentials:          credentials,
			Otps:                 otps,
			Signer:               signer,
			CredentialPolicyName: "default",
			OtpPolicyName:        "sms-digest",
		},
	}
}

func paymentData() opdata.OperationData {
	d := opdata.OperationData{TemplateVersion: "A", TemplateID: 1}
	d.Slots[0] = opdata.Amount{Amount: "100.00", Currency: "CZK"}
	d.Slots[1] = opdata.AccountGeneric{Account: "238400856/0300"}
	return d
}

func (e *testEnv) createPayment(t *testing.T) service.CreateResult {
	t.Helper()
	res, err := e.svc.Create(context.Background(), service.CreateRequest{
		Name: "authorize_payment",
		Data: paymentData(),
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) enrollUser(t *testing.T, userID, password string) {
	t.Helper()
	_, err := e.svc.Credentials.CreateCredential(context.Background(), userID, "user-"+userID, "default", password)
	require.NoError(t, err)
}

func TestCreateResolvesFirstStep(t *testing.T) {
	env := newOperationEnv(t)

	res := env.createPayment(t)
	require.Equal(t, domain.AuthResultContinue, res.Result)
	require.NotNil(t, res.NextAuthMethod)
	require.Equal(t, domain.AuthMethodPassword, *res.NextAuthMethod)
	require.Equal(t, "A1*A100.00CZK*Q238400856/0300", res.Operation.Data)
}

func TestFullPaymentFlow(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	// Step 1: password.
	step, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "hunter22",
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultContinue, step.Result)
	require.Equal(t, domain.AuthMethodSMSKey, *step.NextAuthMethod)
	require.Equal(t, "user-1", step.Operation.UserID, "confirmed step binds the user")

	// Step 2: SMS code.
	issued, err := env.svc.IssueOtp(ctx, created.Operation.ID)
	require.NoError(t, err)

	final, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		OtpID:       issued.ID,
		OtpCode:     issued.Code,
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultDone, final.Result)
	require.Nil(t, final.NextAuthMethod)
	require.NotEmpty(t, final.ResultToken)

	claims, err := env.signer.Verify(final.ResultToken)
	require.NoError(t, err)
	require.Equal(t, created.Operation.ID, claims.ID)
	require.Equal(t, "authorize_payment", claims.OperationName)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, []string{"USERNAME_PASSWORD_AUTH", "SMS_KEY"}, claims.AMR)

	detail, err := env.svc.GetDetail(ctx, created.Operation.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultDone, detail.Result)
	require.Len(t, detail.History, 2)
}

func TestWrongPasswordRecordsAuthFailedStep(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	step, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "wrong",
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultContinue, step.Result)
	require.Equal(t, domain.AuthMethodPassword, *step.NextAuthMethod, "failed step routes back to retry")
	require.Equal(t, "credential.invalid", step.Reason)
	require.Equal(t, 2, step.RemainingAttempts)
	require.Empty(t, step.Operation.UserID, "a failed step never binds the user")

	detail, err := env.svc.GetDetail(ctx, created.Operation.ID)
	require.NoError(t, err)
	require.Len(t, detail.History, 1)
	require.Equal(t, domain.StepResultAuthFailed, detail.History[0].StepResult)
}

func TestWrongOtpKeepsOperationAlive(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "hunter22",
	})
	require.NoError(t, err)

	issued, err := env.svc.IssueOtp(ctx, created.Operation.ID)
	require.NoError(t, err)

	wrong := "00000000"
	if wrong == issued.Code {
		wrong = "00000001"
	}

	// The active code for the operation is found without an explicit id.
	step, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		OtpCode:     wrong,
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultContinue, step.Result)
	require.Equal(t, "otp.invalid", step.Reason)
	require.Equal(t, 2, step.RemainingAttempts)
}

func TestTotpStep(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "hunter22",
	})
	require.NoError(t, err)

	// Without enrollment the step cannot be verified at all.
	_, err = env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodTOTPKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		TotpCode:    "123456",
	})
	require.ErrorIs(t, err, service.ErrTotpNotSetUp)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "scaflow-test", AccountName: "user-1"})
	require.NoError(t, err)
	require.NoError(t, env.db.TotpSecrets().Set(ctx, "user-1", key.Secret()))

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	final, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodTOTPKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		TotpCode:    code,
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultDone, final.Result)
}

func TestCodeFromAnotherOperationCannotConfirmStep(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	victim := env.createPayment(t)
	attacker := env.createPayment(t)

	for _, op := range []service.CreateResult{victim, attacker} {
		_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
			OperationID: op.Operation.ID,
			AuthMethod:  domain.AuthMethodPassword,
			StepResult:  domain.StepResultConfirmed,
			UserID:      "user-1",
			Password:    "hunter22",
		})
		require.NoError(t, err)
	}

	// A code issued for the attacker's own operation, with its correct value,
	// submitted against the victim operation's SMS step.
	issued, err := env.svc.IssueOtp(ctx, attacker.Operation.ID)
	require.NoError(t, err)

	step, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: victim.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		OtpID:       issued.ID,
		OtpCode:     issued.Code,
	})
	require.NoError(t, err)
	require.NotEqual(t, domain.AuthResultDone, step.Result)
	require.Equal(t, domain.AuthResultContinue, step.Result)
	require.Equal(t, "otp.operationMismatch", step.Reason)

	detail, err := env.svc.GetDetail(ctx, victim.Operation.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultContinue, detail.Result)
}

func TestUserBindingRejectsOtherUsers(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "hunter22",
	})
	require.NoError(t, err)

	_, err = env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-2",
		OtpCode:     "whatever",
	})
	require.ErrorIs(t, err, service.ErrUserMismatch)
}

func TestCancelTerminatesOperation(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	created := env.createPayment(t)

	canceled, err := env.svc.Cancel(ctx, created.Operation.ID, "user_abort")
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultFailed, canceled.Result)
	require.Equal(t, "operation.canceled.user_abort", canceled.FailureReason)

	// Terminal means terminal.
	_, err = env.svc.Cancel(ctx, created.Operation.ID, "again")
	require.ErrorIs(t, err, service.ErrOperationFinished)

	_, err = env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultConfirmed,
	})
	require.ErrorIs(t, err, service.ErrOperationFinished)
}

func TestExpiredOperationRejectsSteps(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	created := env.createPayment(t)

	late := func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	env.svc.Now = late
	env.svc.Resolver.Now = late

	_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
	})
	require.ErrorIs(t, err, service.ErrOperationExpired)

	_, err = env.svc.IssueOtp(ctx, created.Operation.ID)
	require.ErrorIs(t, err, service.ErrOperationExpired)

	// An expired operation cannot be rewritten as a user cancellation either.
	_, err = env.svc.Cancel(ctx, created.Operation.ID, "user_abort")
	require.ErrorIs(t, err, service.ErrOperationExpired)

	detail, err := env.svc.GetDetail(ctx, created.Operation.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultContinue, detail.Result)
	require.Empty(t, detail.FailureReason)
}

func TestCanceledStepSkipsInstrumentVerification(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	env.enrollUser(t, "user-1", "hunter22")
	created := env.createPayment(t)

	_, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodPassword,
		StepResult:  domain.StepResultConfirmed,
		UserID:      "user-1",
		Password:    "hunter22",
	})
	require.NoError(t, err)

	// No code anywhere, yet the cancel routes cleanly to FAILED.
	step, err := env.svc.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: created.Operation.ID,
		AuthMethod:  domain.AuthMethodSMSKey,
		StepResult:  domain.StepResultCanceled,
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuthResultFailed, step.Result)
	require.Equal(t, "operation.canceled", step.Operation.FailureReason)
}

func TestUnknownOperation(t *testing.T) {
	env := newOperationEnv(t)
	ctx := context.Background()

	_, err := env.svc.GetDetail(ctx, "missing")
	require.ErrorIs(t, err, service.ErrOperationNotFound)

	_, err = env.svc.Cancel(ctx, "missing", "")
	require.ErrorIs(t, err, service.ErrOperationNotFound)

	_, err = env.svc.IssueOtp(ctx, "missing")
	require.ErrorIs(t, err, service.ErrOperationNotFound)
}
