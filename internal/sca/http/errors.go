package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/pkg/httpx"
)

// writeServiceError maps a service sentinel to a stable error key and status.
// Anything unrecognized is a 500 with the detail kept server-side.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrOperationNotFound),
		errors.Is(err, service.ErrOtpNotFound),
		errors.Is(err, service.ErrCredentialNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, service.ErrOperationFinished):
		httpx.WriteError(w, http.StatusConflict, "operation_finished",
			"the operation already reached a terminal result")

	case errors.Is(err, service.ErrOperationExpired):
		httpx.WriteError(w, http.StatusGone, "operation_expired",
			"the operation's validity window has elapsed")

	case errors.Is(err, service.ErrUserMismatch):
		httpx.WriteError(w, http.StatusForbidden, "user_mismatch",
			"the operation is bound to a different user")

	case errors.Is(err, service.ErrMissingUserID):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "user_id is required for this step")

	case errors.Is(err, service.ErrTotpNotSetUp):
		httpx.WriteError(w, http.StatusBadRequest, "totp_not_set_up",
			"the user has no enrolled authenticator")

	case errors.Is(err, service.ErrNoStepDefinition),
		errors.Is(err, service.ErrAmbiguousStepDefinition):
		log.Error("step table cannot route operation", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "misconfigured step table")

	default:
		log.Error("unhandled service error", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
