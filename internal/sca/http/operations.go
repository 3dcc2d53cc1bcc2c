package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/opdata"
	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/pkg/httpx"
	"github.com/arcobank/scaflow/pkg/slogx"
)

// OperationHandler handles the operation lifecycle endpoints.
type OperationHandler struct {
	Operations *service.OperationService
}

// AttributeRequest is the wire form of one positional attribute.
type AttributeRequest struct {
	Type string `json:"type"`

	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	IBAN     string `json:"iban,omitempty"`
	BIC      string `json:"bic,omitempty"`
	Account  string `json:"account,omitempty"`
	Date     string `json:"date,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (a AttributeRequest) toAttribute() (opdata.Attribute, error) {
	switch a.Type {
	case "AMOUNT":
		return opdata.Amount{Amount: a.Amount, Currency: a.Currency}, nil
	case "ACCOUNT_IBAN":
		return opdata.AccountIBAN{IBAN: a.IBAN, BIC: a.BIC}, nil
	case "ACCOUNT":
		return opdata.AccountGeneric{Account: a.Account}, nil
	case "DATE":
		return opdata.Date{Date: a.Date}, nil
	case "NOTE":
		return opdata.Note{Text: a.Text}, nil
	case "REFERENCE":
		return opdata.Reference{Text: a.Text}, nil
	case "TEXT":
		return opdata.Text{Text: a.Text}, nil
	default:
		return nil, errors.New("unknown attribute type " + a.Type)
	}
}

type createOperationRequest struct {
	Name            string             `json:"name"`
	TemplateVersion string             `json:"template_version"`
	TemplateID      int                `json:"template_id"`
	Attributes      []AttributeRequest `json:"attributes"`
}

type operationResponse struct {
	OperationID    string `json:"operation_id"`
	Name           string `json:"name"`
	Data           string `json:"data"`
	Result         string `json:"result"`
	FailureReason  string `json:"failure_reason,omitempty"`
	NextAuthMethod string `json:"next_auth_method,omitempty"`
}

// HandleCreate handles POST /v1/operation.
func (h *OperationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if len(req.Attributes) > opdata.SlotCount {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "too many attributes")
		return
	}

	data := opdata.OperationData{
		TemplateVersion: req.TemplateVersion,
		TemplateID:      req.TemplateID,
	}
	for i, wireAttr := range req.Attributes {
		attr, err := wireAttr.toAttribute()
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		data.Slots[i] = attr
	}

	res, err := h.Operations.Create(ctx, service.CreateRequest{Name: req.Name, Data: data})
	if err != nil {
		if errors.Is(err, opdata.ErrInvalidOperationData) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_operation_data", err.Error())
			return
		}
		writeServiceError(w, log, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, operationResponse{
		OperationID:    res.Operation.ID,
		Name:           res.Operation.Name,
		Data:           res.Operation.Data,
		Result:         string(res.Result),
		NextAuthMethod: methodString(res.NextAuthMethod),
	})
}

type submitStepRequest struct {
	AuthMethod string `json:"auth_method"`
	StepResult string `json:"step_result"`
	UserID     string `json:"user_id,omitempty"`

	Password string `json:"password,omitempty"`
	OtpID    string `json:"otp_id,omitempty"`
	OtpCode  string `json:"otp_code,omitempty"`
	TotpCode string `json:"totp_code,omitempty"`
}

type submitStepResponse struct {
	Result            string `json:"result"`
	NextAuthMethod    string `json:"next_auth_method,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RemainingAttempts int    `json:"remaining_attempts,omitempty"`
	ResultToken       string `json:"result_token,omitempty"`
}

// HandleSubmitStep handles POST /v1/operation/{id}/step.
func (h *OperationHandler) HandleSubmitStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req submitStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	stepResult := domain.AuthStepResult(req.StepResult)
	switch stepResult {
	case domain.StepResultConfirmed, domain.StepResultCanceled, domain.StepResultAuthFailed:
	default:
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "unknown step result")
		return
	}

	res, err := h.Operations.SubmitStep(ctx, service.SubmitStepRequest{
		OperationID: r.PathValue("id"),
		AuthMethod:  domain.AuthMethod(req.AuthMethod),
		StepResult:  stepResult,
		UserID:      req.UserID,
		Password:    req.Password,
		OtpID:       req.OtpID,
		OtpCode:     req.OtpCode,
		TotpCode:    req.TotpCode,
	})
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, submitStepResponse{
		Result:            string(res.Result),
		NextAuthMethod:    methodString(res.NextAuthMethod),
		Reason:            res.Reason,
		RemainingAttempts: res.RemainingAttempts,
		ResultToken:       res.ResultToken,
	})
}

type issueOtpResponse struct {
	OtpID     string    `json:"otp_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleIssueOtp handles POST /v1/operation/{id}/otp. The code is returned to
// the caller, which is the delivery gateway, never the end user directly.
func (h *OperationHandler) HandleIssueOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	otp, err := h.Operations.IssueOtp(ctx, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, issueOtpResponse{
		OtpID:     otp.ID,
		Code:      otp.Code,
		ExpiresAt: otp.ExpiresAt,
	})
}

type historyEntryResponse struct {
	AuthMethod string    `json:"auth_method"`
	StepResult string    `json:"step_result"`
	RecordedAt time.Time `json:"recorded_at"`
}

type operationDetailResponse struct {
	operationResponse
	UserID    string                 `json:"user_id,omitempty"`
	History   []historyEntryResponse `json:"history"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// HandleDetail handles GET /v1/operation/{id}.
func (h *OperationHandler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	op, err := h.Operations.GetDetail(ctx, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	history := make([]historyEntryResponse, 0, len(op.History))
	for _, entry := range op.History {
		history = append(history, historyEntryResponse{
			AuthMethod: string(entry.Method),
			StepResult: string(entry.StepResult),
			RecordedAt: entry.RecordedAt,
		})
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, operationDetailResponse{
		operationResponse: operationResponse{
			OperationID:   op.ID,
			Name:          op.Name,
			Data:          op.Data,
			Result:        string(op.Result),
			FailureReason: op.FailureReason,
		},
		UserID:    op.UserID,
		History:   history,
		CreatedAt: op.CreatedAt,
		ExpiresAt: op.ExpiresAt,
	})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleCancel handles POST /v1/operation/{id}/cancel.
func (h *OperationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req cancelRequest
	if r.Body != nil {
		// An empty body means no reason; anything else must be valid JSON.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
	}

	op, err := h.Operations.Cancel(ctx, r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, operationResponse{
		OperationID:   op.ID,
		Name:          op.Name,
		Data:          op.Data,
		Result:        string(op.Result),
		FailureReason: op.FailureReason,
	})
}

func methodString(m *domain.AuthMethod) string {
	if m == nil {
		return ""
	}
	return string(*m)
}
