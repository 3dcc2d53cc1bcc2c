package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/pkg/httpx"
	"github.com/arcobank/scaflow/pkg/slogx"
)

// Pinger is the readiness view of the primary store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	db Pinger

	OperationService *service.OperationService
}

func NewRouter(buildVersion string, db Pinger, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		db:           db,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerOperations()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerOperations() {
	handler := &OperationHandler{
		Operations: r.OperationService,
	}

	// Creation and reads are lenient; step submission and OTP issuance carry
	// credentials or trigger out-of-band delivery, so they get the strict
	// per-IP budget.
	r.Mux.Handle("POST /v1/operation",
		httpx.Chain(http.HandlerFunc(handler.HandleCreate),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))
	r.Mux.Handle("GET /v1/operation/{id}",
		httpx.Chain(http.HandlerFunc(handler.HandleDetail),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))
	r.Mux.Handle("POST /v1/operation/{id}/step",
		httpx.Chain(http.HandlerFunc(handler.HandleSubmitStep),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))
	r.Mux.Handle("POST /v1/operation/{id}/otp",
		httpx.Chain(http.HandlerFunc(handler.HandleIssueOtp),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))
	r.Mux.Handle("POST /v1/operation/{id}/cancel",
		httpx.Chain(http.HandlerFunc(handler.HandleCancel),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /healthz", HealthzHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.db))
}
