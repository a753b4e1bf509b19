package statements

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/platform/httpx"
)

type statementService interface {
	ImportOpeningBalance(ctx context.Context, authz billing.AuthorizationContext, in ImportInput) (billing.OpeningBalance, error)
	Statements(ctx context.Context, authz billing.AuthorizationContext, periodID int64) ([]billing.Statement, error)
}

// Handler exposes statements and opening balance imports over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   statementService
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service statementService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers statement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/periods/id/{id}/statements", h.list)
	r.Post("/periods/id/{id}/opening-balances", h.importOpening)
}

type statementResponse struct {
	BillingEntityID int64           `json:"billing_entity_id"`
	DueStart        decimal.Decimal `json:"due_start"`
	Charges         decimal.Decimal `json:"charges"`
	Payments        decimal.Decimal `json:"payments"`
	Adjustments     decimal.Decimal `json:"adjustments"`
	DueEnd          decimal.Decimal `json:"due_end"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
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
	list, err := h.service.Statements(r.Context(), authz, periodID)
	if err != nil {
		h.logger.Warn("list statements", slog.Int64("period_id", periodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]statementResponse, 0, len(list))
	for _, st := range list {
		out = append(out, statementResponse{
			BillingEntityID: st.BillingEntityID,
			DueStart:        st.DueStart,
			Charges:         st.Charges,
			Payments:        st.Payments,
			Adjustments:     st.Adjustments,
			DueEnd:          st.DueEnd,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type importRequest struct {
	BillingEntityID int64           `json:"billing_entity_id" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
}

func (h *Handler) importOpening(w http.ResponseWriter, r *http.Request) {
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
	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := ImportInput{PeriodID: periodID, BillingEntityID: req.BillingEntityID, Amount: req.Amount}
	if err := h.validator.Struct(in); err != nil {
		httpx.RespondError(w, billing.Invalid("body", "%v", err))
		return
	}
	ob, err := h.service.ImportOpeningBalance(r.Context(), authz, in)
	if err != nil {
		h.logger.Warn("import opening balance", slog.Int64("period_id", periodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"period_id":         ob.PeriodID,
		"billing_entity_id": ob.BillingEntityID,
		"amount":            ob.Amount,
		"source":            ob.Source,
	})
}
