package periods

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/platform/httpx"
)

type lifecycleService interface {
	Transition(ctx context.Context, authz billing.AuthorizationContext, in TransitionInput) (TransitionResult, error)
	OpenPeriod(ctx context.Context, authz billing.AuthorizationContext, in OpenInput) (billing.Period, error)
}

// Handler exposes the period lifecycle over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   lifecycleService
	validator *validator.Validate
	inflight  singleflight.Group
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service lifecycleService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers period routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/periods", h.open)
	r.Post("/periods/{code}/{action}", h.transition)
}

type periodResponse struct {
	ID          int64      `json:"id"`
	CommunityID int64      `json:"community_id"`
	Code        string     `json:"code"`
	Seq         int        `json:"seq"`
	Status      string     `json:"status"`
	PreparedAt  *time.Time `json:"prepared_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func newPeriodResponse(p billing.Period) periodResponse {
	return periodResponse{
		ID:          p.ID,
		CommunityID: p.CommunityID,
		Code:        p.Code,
		Seq:         p.Seq,
		Status:      string(p.Status),
		PreparedAt:  p.PreparedAt,
		ClosedAt:    p.ClosedAt,
	}
}

type transitionResponse struct {
	RunID         string         `json:"run_id"`
	Action        string         `json:"action"`
	Period        periodResponse `json:"period"`
	Recomputed    int            `json:"recomputed"`
	Charges       int            `json:"charges"`
	Statements    int            `json:"statements"`
	Payments      int            `json:"payments"`
	RolledForward bool           `json:"rolled_forward"`
	Shared        bool           `json:"shared,omitempty"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	authz, err := httpx.Authorization(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in OpenInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(in); err != nil {
		httpx.RespondError(w, billing.Invalid("body", "%v", err))
		return
	}
	period, err := h.service.OpenPeriod(r.Context(), authz, in)
	if err != nil {
		h.logger.Warn("open period", slog.Int64("community_id", in.CommunityID), slog.String("code", in.Code), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPeriodResponse(period))
}

type transitionRequest struct {
	CommunityID int64 `json:"community_id"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	authz, err := httpx.Authorization(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body transitionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if raw := r.URL.Query().Get("community_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, billing.Invalid("community_id", "not a number"))
			return
		}
		body.CommunityID = id
	}
	if body.CommunityID == 0 {
		body.CommunityID = authz.CommunityID
	}
	in := TransitionInput{
		CommunityID: body.CommunityID,
		PeriodCode:  chi.URLParam(r, "code"),
		Action:      Action(chi.URLParam(r, "action")),
	}
	if err := h.validator.Struct(in); err != nil {
		httpx.RespondError(w, billing.Invalid("request", "%v", err))
		return
	}
	action, err := ParseAction(string(in.Action))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.Action = action

	// identical concurrent transitions share one run
	key := fmt.Sprintf("%d:%d:%s:%s", authz.ActorID, in.CommunityID, in.PeriodCode, in.Action)
	ch := h.inflight.DoChan(key, func() (any, error) {
		return h.service.Transition(context.WithoutCancel(r.Context()), authz, in)
	})
	var res singleflight.Result
	select {
	case <-r.Context().Done():
		httpx.RespondError(w, r.Context().Err())
		return
	case res = <-ch:
	}
	if res.Err != nil {
		h.logger.Warn("period transition",
			slog.Int64("community_id", in.CommunityID),
			slog.String("period", in.PeriodCode),
			slog.String("action", string(in.Action)),
			slog.Any("error", res.Err))
		httpx.RespondError(w, res.Err)
		return
	}
	tr := res.Val.(TransitionResult)
	httpx.JSON(w, http.StatusOK, transitionResponse{
		RunID:         tr.RunID,
		Action:        string(tr.Action),
		Period:        newPeriodResponse(tr.Period),
		Recomputed:    tr.Recomputed,
		Charges:       tr.Charges,
		Statements:    tr.Statements,
		Payments:      tr.Payments,
		RolledForward: tr.RolledForward,
		Shared:        res.Shared,
	})
}
