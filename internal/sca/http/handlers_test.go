package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/internal/sca/store"
	"github.com/arcobank/scaflow/internal/sca/store/drivers/sqlite"
	"github.com/arcobank/scaflow/pkg/jwtx"

	"github.com/stretchr/testify/require"
)

func smsLoginSteps() []domain.StepDefinition {
	sms := domain.AuthMethodSMSKey
	confirmed := domain.StepResultConfirmed
	failed := domain.StepResultAuthFailed
	canceled := domain.StepResultCanceled

	return []domain.StepDefinition{
		{
			OperationName: "login", RequestType: domain.RequestTypeCreate,
			ResponsePriority: 10, ResponseAuthMethod: &sms,
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "login", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: &sms, RequestStepResult: &confirmed,
			ResponsePriority: 10, ResponseResult: domain.AuthResultDone,
		},
		{
			OperationName: "login", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: &sms, RequestStepResult: &failed,
			ResponsePriority: 10, ResponseAuthMethod: &sms,
			ResponseResult: domain.AuthResultContinue,
		},
		{
			OperationName: "login", RequestType: domain.RequestTypeUpdate,
			RequestAuthMethod: &sms, RequestStepResult: &canceled,
			ResponsePriority: 10, ResponseResult: domain.AuthResultFailed,
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	db, err := sqlite.NewStore("file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.ApplyMigrations())

	snap, err := store.NewSnapshot(
		smsLoginSteps(),
		[]domain.CredentialPolicy{{
			Name: "default", MinLength: 6, MaxLength: 64,
			SoftLimit: 3, HardLimit: 5, HistoryDepth: 3,
			Hashing: domain.Argon2Params{
				Version: 19, Iterations: 1, MemoryKiB: 8192, Parallelism: 1, OutputLength: 32,
			},
			Encryption: domain.EncryptionNone,
		}},
		[]domain.OtpPolicy{{
			Name: "sms-digest", Algorithm: domain.OtpDataDigest,
			Length: 8, AttemptLimit: 3, TTL: service.DefaultOperationTTL,
		}},
	)
	require.NoError(t, err)
	snapshots := store.NewSnapshotProvider(snap)

	signer, err := jwtx.NewEphemeralSigner("test-key", "scaflow-test")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter("test", db, logger)
	router.OperationService = &service.OperationService{
		Operations:  db.Operations(),
		TotpSecrets: db.TotpSecrets(),
		Resolver: &service.StepResolver{
			Operations: db.Operations(), Snapshots: snapshots,
		},
		Credentials: &service.CredentialService{
			Credentials: db.Credentials(), Snapshots: snapshots,
		},
		Otps: &service.OtpService{
			Otps: db.Otps(), Snapshots: snapshots,
		},
		Signer:               signer,
		CredentialPolicyName: "default",
		OtpPolicyName:        "sms-digest",
	}
	router.ApplyRoutes()
	return router
}

func doJSON(t *testing.T, router *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func createLogin(t *testing.T, router *Router) operationResponse {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/v1/operation", createOperationRequest{
		Name:            "login",
		TemplateVersion: "A",
		TemplateID:      1,
		Attributes: []AttributeRequest{
			{Type: "AMOUNT", Amount: "100", Currency: "CZK"},
			{Type: "ACCOUNT", Account: "238400856/0300"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res operationResponse
	decodeBody(t, rec, &res)
	return res
}

func TestCreateOperationEndpoint(t *testing.T) {
	router := newTestRouter(t)

	res := createLogin(t, router)
	require.NotEmpty(t, res.OperationID)
	require.Equal(t, "A1*A100CZK*Q238400856/0300", res.Data)
	require.Equal(t, "CONTINUE", res.Result)
	require.Equal(t, "SMS_KEY", res.NextAuthMethod)
}

func TestCreateOperationRejectsBadPayloads(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/operation", createOperationRequest{
		TemplateVersion: "A", TemplateID: 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/operation", createOperationRequest{
		Name: "login", TemplateVersion: "a", TemplateID: 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, "invalid_operation_data", body.Error)

	req := httptest.NewRequest(http.MethodPost, "/v1/operation", strings.NewReader("{broken"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOtpFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	created := createLogin(t, router)

	rec := doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/otp", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued issueOtpResponse
	decodeBody(t, rec, &issued)
	require.Len(t, issued.Code, 8)

	rec = doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/step", submitStepRequest{
		AuthMethod: "SMS_KEY",
		StepResult: "CONFIRMED",
		UserID:     "user-1",
		OtpID:      issued.OtpID,
		OtpCode:    issued.Code,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var step submitStepResponse
	decodeBody(t, rec, &step)
	require.Equal(t, "DONE", step.Result)
	require.NotEmpty(t, step.ResultToken)

	rec = doJSON(t, router, http.MethodGet, "/v1/operation/"+created.OperationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail operationDetailResponse
	decodeBody(t, rec, &detail)
	require.Equal(t, "DONE", detail.Result)
	require.Equal(t, "user-1", detail.UserID)
	require.Len(t, detail.History, 1)
}

func TestWrongOtpReportedAsStepOutcome(t *testing.T) {
	router := newTestRouter(t)
	created := createLogin(t, router)

	rec := doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/otp", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued issueOtpResponse
	decodeBody(t, rec, &issued)

	wrong := "00000000"
	if wrong == issued.Code {
		wrong = "00000001"
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/step", submitStepRequest{
		AuthMethod: "SMS_KEY",
		StepResult: "CONFIRMED",
		OtpID:      issued.OtpID,
		OtpCode:    wrong,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var step submitStepResponse
	decodeBody(t, rec, &step)
	require.Equal(t, "CONTINUE", step.Result)
	require.Equal(t, "otp.invalid", step.Reason)
	require.Equal(t, 2, step.RemainingAttempts)
}

func TestSubmitStepRejectsUnknownStepResult(t *testing.T) {
	router := newTestRouter(t)
	created := createLogin(t, router)

	rec := doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/step", submitStepRequest{
		AuthMethod: "SMS_KEY",
		StepResult: "MAYBE",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	router := newTestRouter(t)
	created := createLogin(t, router)

	rec := doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/cancel", cancelRequest{Reason: "user_abort"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res operationResponse
	decodeBody(t, rec, &res)
	require.Equal(t, "FAILED", res.Result)
	require.Equal(t, "operation.canceled.user_abort", res.FailureReason)

	// Cancel is terminal; a repeat reports the conflict.
	rec = doJSON(t, router, http.MethodPost, "/v1/operation/"+created.OperationID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownOperationIs404(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/operation/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/operation/nope/otp", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	decodeBody(t, rec, &health)
	require.Equal(t, "ok", health.Checks["database"])
}
