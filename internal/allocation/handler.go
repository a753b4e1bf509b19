package allocation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/platform/httpx"
)

type recomputeService interface {
	RecomputeExpense(ctx context.Context, authz billing.AuthorizationContext, expenseID int64) (Result, error)
}

// Handler exposes allocation over HTTP.
type Handler struct {
	logger  *slog.Logger
	service recomputeService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service recomputeService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/expenses/{id}/recompute", h.recompute)
}

type lineResponse struct {
	UnitID  int64           `json:"unit_id"`
	SplitID *int64          `json:"split_id,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Weight  float64         `json:"weight"`
	Basis   string          `json:"basis"`
	Method  string          `json:"method"`
}

type recomputeResponse struct {
	ExpenseID        int64           `json:"expense_id"`
	Total            decimal.Decimal `json:"total"`
	Vectors          int             `json:"weight_vectors"`
	NormalizedLevels []int64         `json:"normalized_levels,omitempty"`
	Lines            []lineResponse  `json:"lines"`
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	authz, err := httpx.Authorization(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	expenseID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.RecomputeExpense(r.Context(), authz, expenseID)
	if err != nil {
		h.logger.Warn("recompute expense", slog.Int64("expense_id", expenseID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := recomputeResponse{
		ExpenseID:        res.ExpenseID,
		Total:            res.Total,
		Vectors:          res.Vectors,
		NormalizedLevels: res.NormalizedLevels,
		Lines:            make([]lineResponse, 0, len(res.Lines)),
	}
	for _, l := range res.Lines {
		out.Lines = append(out.Lines, lineResponse{
			UnitID:  l.UnitID,
			SplitID: l.SplitID,
			Amount:  l.Amount,
			Weight:  l.Weight,
			Basis:   string(l.Basis),
			Method:  string(l.Method),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}
