package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/observability"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
	"github.com/odyssey-erp/condo-ledger/internal/periods"
	"github.com/odyssey-erp/condo-ledger/internal/statements"
	"github.com/odyssey-erp/condo-ledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	AllocationHandler *allocation.Handler
	PeriodsHandler    *periods.Handler
	PaymentsHandler   *payments.Handler
	StatementsHandler *statements.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with ledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.AllocationHandler != nil {
		params.AllocationHandler.MountRoutes(r)
	}
	if params.PeriodsHandler != nil {
		params.PeriodsHandler.MountRoutes(r)
	}
	if params.PaymentsHandler != nil {
		params.PaymentsHandler.MountRoutes(r)
	}
	if params.StatementsHandler != nil {
		params.StatementsHandler.MountRoutes(r)
	}

	return r
}
