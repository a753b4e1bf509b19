package payments

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/platform/httpx"
)

type paymentService interface {
	Apply(ctx context.Context, authz billing.AuthorizationContext, in ApplyInput) (Result, error)
	Confirm(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error)
	Reapply(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error)
	Cancel(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error)
	ReapplyForPeriod(ctx context.Context, authz billing.AuthorizationContext, periodID int64) (PeriodResult, error)
}

// PeriodEnqueuer hands a period reapply to the background worker. The
// worker enforces the community scope when the task runs.
type PeriodEnqueuer interface {
	EnqueueReapplyPeriod(ctx context.Context, communityID, periodID int64) (string, error)
}

// Handler exposes payment operations over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   paymentService
	enqueuer  PeriodEnqueuer
	validator *validator.Validate
}

// NewHandler constructs a Handler. With a non-nil enqueuer period reapply
// requests carrying async=1 are queued instead of run inline.
func NewHandler(logger *slog.Logger, service paymentService, enqueuer PeriodEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, validator: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments/{id}", func(r chi.Router) {
		r.Post("/apply", h.apply)
		r.Post("/confirm", h.byID("confirm", h.service.Confirm))
		r.Post("/reapply", h.byID("reapply", h.service.Reapply))
		r.Post("/cancel", h.byID("cancel", h.service.Cancel))
	})
	r.Post("/periods/id/{id}/reapply-payments", h.reapplyPeriod)
}

type hintRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Bucket          string          `json:"bucket,omitempty"`
	UnitID          *int64          `json:"unit_id,omitempty" validate:"omitempty,gt=0"`
	BillingEntityID *int64          `json:"billing_entity_id,omitempty" validate:"omitempty,gt=0"`
}

type applyRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	BillingEntityID int64           `json:"billing_entity_id" validate:"required,gt=0"`
	Spec            []hintRequest   `json:"spec,omitempty" validate:"omitempty,dive"`
}

type applicationResponse struct {
	EntryID  int64           `json:"charge_entry_id"`
	DetailID int64           `json:"charge_detail_id"`
	UnitID   *int64          `json:"unit_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

type paymentResponse struct {
	PaymentID    int64                 `json:"payment_id"`
	Status       string                `json:"status"`
	Applied      decimal.Decimal       `json:"applied"`
	Unallocated  decimal.Decimal       `json:"unallocated"`
	Applications []applicationResponse `json:"applications"`
}

func newPaymentResponse(res Result) paymentResponse {
	out := paymentResponse{
		PaymentID:    res.PaymentID,
		Status:       string(res.Status),
		Applied:      decimal.Zero,
		Unallocated:  res.Unallocated,
		Applications: make([]applicationResponse, 0, len(res.Applications)),
	}
	for _, a := range res.Applications {
		out.Applied = out.Applied.Add(a.Amount)
		out.Applications = append(out.Applications, applicationResponse{
			EntryID:  a.EntryID,
			DetailID: a.DetailID,
			UnitID:   a.UnitID,
			Amount:   a.Amount,
		})
	}
	return out
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	authz, err := httpx.Authorization(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	paymentID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, billing.Invalid("body", "%v", err))
		return
	}
	in := ApplyInput{PaymentID: paymentID, Amount: req.Amount, BillingEntityID: req.BillingEntityID}
	for _, hint := range req.Spec {
		in.Spec = append(in.Spec, billing.AllocationHint{
			Amount:          hint.Amount,
			Bucket:          hint.Bucket,
			UnitID:          hint.UnitID,
			BillingEntityID: hint.BillingEntityID,
		})
	}
	res, err := h.service.Apply(r.Context(), authz, in)
	if err != nil {
		h.logger.Warn("apply payment", slog.Int64("payment_id", paymentID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPaymentResponse(res))
}

func (h *Handler) byID(op string, fn func(context.Context, billing.AuthorizationContext, int64) (Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz, err := httpx.Authorization(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		paymentID, err := httpx.IDParam(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		res, err := fn(r.Context(), authz, paymentID)
		if err != nil {
			h.logger.Warn(op+" payment", slog.Int64("payment_id", paymentID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, newPaymentResponse(res))
	}
}

type periodReapplyResponse struct {
	PeriodID int64   `json:"period_id"`
	Entities []int64 `json:"billing_entities,omitempty"`
	Payments int     `json:"payments"`
	TaskID   string  `json:"task_id,omitempty"`
}

func (h *Handler) reapplyPeriod(w http.ResponseWriter, r *http.Request) {
	authz, err := httpx.Authorization(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	periodID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.enqueuer != nil && r.URL.Query().Get("async") == "1" {
		if !authz.Can(billing.PermPaymentReapply) {
			httpx.RespondError(w, fmt.Errorf("%w: missing %s", billing.ErrForbidden, billing.PermPaymentReapply))
			return
		}
		taskID, err := h.enqueuer.EnqueueReapplyPeriod(r.Context(), authz.CommunityID, periodID)
		if err != nil {
			h.logger.Error("enqueue period reapply", slog.Int64("period_id", periodID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, periodReapplyResponse{PeriodID: periodID, TaskID: taskID})
		return
	}
	res, err := h.service.ReapplyForPeriod(r.Context(), authz, periodID)
	if err != nil {
		h.logger.Warn("reapply period payments", slog.Int64("period_id", periodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodReapplyResponse{PeriodID: res.PeriodID, Entities: res.Entities, Payments: res.Payments})
}
