// Package periods drives the OPEN, PREPARED, CLOSED lifecycle of billing
// periods and orchestrates the engines at each transition.
package periods

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/buckets"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/statements"
)

// Action is a lifecycle transition.
type Action string

const (
	ActionPrepare Action = "prepare"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReopen  Action = "reopen"
)

// ParseAction validates a transition name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionPrepare, ActionApprove, ActionReject, ActionReopen:
		return a, nil
	}
	return "", billing.Invalid("action", "unknown period action %q", s)
}

// TransitionInput names the period and the transition to run.
type TransitionInput struct {
	CommunityID int64  `json:"community_id" validate:"required,gt=0"`
	PeriodCode  string `json:"period_code" validate:"required"`
	Action      Action `json:"action" validate:"required"`
}

// TransitionResult summarises a completed transition.
type TransitionResult struct {
	RunID         string
	Action        Action
	Period        billing.Period
	Recomputed    int
	Charges       int
	Statements    int
	Payments      int
	RolledForward bool
}

// OpenInput creates the next period of a community.
type OpenInput struct {
	CommunityID int64  `json:"community_id" validate:"required,gt=0"`
	Code        string `json:"code" validate:"required,max=32"`
}

// Service orchestrates period transitions.
type Service struct {
	store      billing.Store
	gate       TemplateGate
	allocation *allocation.Engine
	poster     *buckets.Poster
	statements *statements.Computer
	payments   *payments.Engine
	audit      shared.AuditRecorder
	logger     *slog.Logger
	now        func() time.Time
}

// Deps bundles the engines a Service drives.
type Deps struct {
	Store      billing.Store
	Gate       TemplateGate
	Allocation *allocation.Engine
	Poster     *buckets.Poster
	Statements *statements.Computer
	Payments   *payments.Engine
	Audit      shared.AuditRecorder
	Logger     *slog.Logger
}

// NewService constructs a Service. A nil gate treats templates as closed.
func NewService(d Deps) *Service {
	if d.Gate == nil {
		d.Gate = AlwaysClosed
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Allocation == nil {
		d.Allocation = allocation.NewEngine(nil, d.Audit, d.Logger)
	}
	if d.Poster == nil {
		d.Poster = buckets.NewPoster(nil, d.Logger)
	}
	if d.Statements == nil {
		d.Statements = statements.NewComputer(d.Logger)
	}
	if d.Payments == nil {
		d.Payments = payments.NewEngine(d.Audit, d.Logger)
	}
	return &Service{
		store:      d.Store,
		gate:       d.Gate,
		allocation: d.Allocation,
		poster:     d.Poster,
		statements: d.Statements,
		payments:   d.Payments,
		audit:      d.Audit,
		logger:     d.Logger,
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Transition runs one lifecycle transition atomically.
func (s *Service) Transition(ctx context.Context, authz billing.AuthorizationContext, in TransitionInput) (TransitionResult, error) {
	action, err := ParseAction(string(in.Action))
	if err != nil {
		return TransitionResult{}, err
	}
	if err := authz.Require(billing.PermPeriodTransition, in.CommunityID); err != nil {
		return TransitionResult{}, err
	}
	res := TransitionResult{RunID: uuid.NewString(), Action: action}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		period, err := tx.GetPeriodByCode(ctx, in.CommunityID, in.PeriodCode)
		if err != nil {
			return err
		}
		switch action {
		case ActionPrepare:
			err = s.prepare(ctx, tx, &period, &res)
		case ActionApprove:
			err = s.approve(ctx, tx, &period, &res)
		case ActionReject:
			err = s.reject(ctx, tx, &period, &res)
		case ActionReopen:
			err = s.reopen(ctx, tx, &period, &res)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdatePeriod(ctx, period); err != nil {
			return err
		}
		res.Period = period
		return nil
	})
	if err != nil {
		s.logger.Warn("period transition failed",
			slog.String("run_id", res.RunID),
			slog.String("action", string(action)),
			slog.Int64("community_id", in.CommunityID),
			slog.String("period", in.PeriodCode),
			slog.Any("error", err))
		return TransitionResult{}, fmt.Errorf("periods: %s %s: %w", action, in.PeriodCode, err)
	}
	s.logger.Info("period transitioned",
		slog.String("run_id", res.RunID),
		slog.String("action", string(action)),
		slog.Int64("period_id", res.Period.ID),
		slog.String("status", string(res.Period.Status)))
	s.record(ctx, authz, res)
	return res, nil
}

func requireStatus(period billing.Period, action Action, allowed ...billing.PeriodStatus) error {
	if slices.Contains(allowed, period.Status) {
		return nil
	}
	return billing.Inconsistent(string(action), "period %s is %s", period.Code, period.Status)
}

func (s *Service) prepare(ctx context.Context, tx billing.Tx, period *billing.Period, res *TransitionResult) error {
	if err := requireStatus(*period, ActionPrepare, billing.PeriodOpen); err != nil {
		return err
	}
	closed, err := s.gate.TemplatesClosed(ctx, period.CommunityID, period.Code)
	if err != nil {
		return err
	}
	if !closed {
		return billing.Inconsistent(string(ActionPrepare), "entry templates of %s are still open", period.Code)
	}
	recomputed, err := s.allocation.RecomputePeriod(ctx, tx, period.ID)
	if err != nil {
		return err
	}
	res.Recomputed = len(recomputed)
	posted, err := s.poster.Post(ctx, tx, *period, billing.StageClosePrep)
	if err != nil {
		return err
	}
	res.Charges = len(posted.Entries)
	sts, err := s.statements.Compute(ctx, tx, *period)
	if err != nil {
		return err
	}
	res.Statements = len(sts)
	replay, err := s.payments.ReapplyForPeriod(ctx, tx, period.ID)
	if err != nil {
		return err
	}
	res.Payments = replay.Payments
	now := s.now()
	period.Status = billing.PeriodPrepared
	period.PreparedAt = &now
	return nil
}

func (s *Service) approve(ctx context.Context, tx billing.Tx, period *billing.Period, res *TransitionResult) error {
	if err := requireStatus(*period, ActionApprove, billing.PeriodPrepared); err != nil {
		return err
	}
	if err := tx.PromoteStage(ctx, period.ID, billing.StageClosePrep, billing.StageCloseFinal); err != nil {
		return err
	}
	sts, err := s.statements.Compute(ctx, tx, *period)
	if err != nil {
		return err
	}
	res.Statements = len(sts)
	rolled, err := s.statements.RollForward(ctx, tx, *period)
	if err != nil {
		return err
	}
	res.RolledForward = rolled
	now := s.now()
	period.Status = billing.PeriodClosed
	period.ClosedAt = &now
	return nil
}

func (s *Service) reject(ctx context.Context, tx billing.Tx, period *billing.Period, res *TransitionResult) error {
	if err := requireStatus(*period, ActionReject, billing.PeriodPrepared); err != nil {
		return err
	}
	if err := s.dropStage(ctx, tx, *period, billing.StageClosePrep, res); err != nil {
		return err
	}
	period.Status = billing.PeriodOpen
	period.PreparedAt = nil
	return nil
}

func (s *Service) reopen(ctx context.Context, tx billing.Tx, period *billing.Period, res *TransitionResult) error {
	if err := requireStatus(*period, ActionReopen, billing.PeriodPrepared, billing.PeriodClosed); err != nil {
		return err
	}
	later, err := tx.HasLaterClosedPeriod(ctx, period.CommunityID, period.Seq)
	if err != nil {
		return err
	}
	if later {
		return billing.Inconsistent(string(ActionReopen), "a later period of community %d is closed", period.CommunityID)
	}
	stage := billing.StageClosePrep
	if period.Status == billing.PeriodClosed {
		stage = billing.StageCloseFinal
	}
	if err := s.dropStage(ctx, tx, *period, stage, res); err != nil {
		return err
	}
	period.Status = billing.PeriodOpen
	period.PreparedAt = nil
	period.ClosedAt = nil
	return nil
}

// dropStage deletes the stage's charges in dependency order (applications,
// details, entries), the period's statements, then replays the payments of
// the billing entities that were charged.
func (s *Service) dropStage(ctx context.Context, tx billing.Tx, period billing.Period, stage string, res *TransitionResult) error {
	charges, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: period.ID, Kind: billing.KindCharge, RefType: stage})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(charges))
	var entities []int64
	for _, c := range charges {
		ids = append(ids, c.ID)
		if !slices.Contains(entities, c.BillingEntityID) {
			entities = append(entities, c.BillingEntityID)
		}
	}
	slices.Sort(entities)
	if len(ids) > 0 {
		if err := tx.DeleteApplicationsForEntries(ctx, ids); err != nil {
			return err
		}
		if err := tx.DeleteLedgerEntries(ctx, ids); err != nil {
			return err
		}
	}
	if err := tx.DeleteStatements(ctx, period.ID); err != nil {
		return err
	}
	res.Charges = len(ids)
	n, err := s.payments.ReplayEntities(ctx, tx, entities)
	if err != nil {
		return err
	}
	res.Payments = n
	return nil
}

// OpenPeriod creates the community's next period and seeds its opening
// balances from the latest closed period.
func (s *Service) OpenPeriod(ctx context.Context, authz billing.AuthorizationContext, in OpenInput) (billing.Period, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return billing.Period{}, billing.Invalid("code", "period code is required")
	}
	if err := authz.Require(billing.PermPeriodOpen, in.CommunityID); err != nil {
		return billing.Period{}, err
	}
	var created billing.Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		latest, ok, err := tx.LatestPeriod(ctx, in.CommunityID)
		if err != nil {
			return err
		}
		seq := 1
		if ok {
			seq = latest.Seq + 1
		}
		created, err = tx.InsertPeriod(ctx, billing.Period{
			CommunityID: in.CommunityID,
			Code:        code,
			Seq:         seq,
			Status:      billing.PeriodOpen,
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		closed, found, err := latestClosed(ctx, tx, latest)
		if err != nil || !found {
			return err
		}
		sts, err := tx.ListStatements(ctx, closed.ID)
		if err != nil {
			return err
		}
		for _, st := range sts {
			if err := tx.UpsertOpeningBalance(ctx, billing.OpeningBalance{
				CommunityID:     in.CommunityID,
				PeriodID:        created.ID,
				BillingEntityID: st.BillingEntityID,
				Amount:          st.DueEnd,
				Source:          billing.OpeningFromStatement,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return billing.Period{}, fmt.Errorf("periods: open %s: %w", code, err)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  authz.ActorID,
			Action:   "period.open",
			Entity:   "period",
			EntityID: created.Code,
			Meta:     map[string]any{"community_id": created.CommunityID, "seq": created.Seq},
			At:       s.now(),
		})
	}
	return created, nil
}

func latestClosed(ctx context.Context, tx billing.Tx, from billing.Period) (billing.Period, bool, error) {
	p := from
	for {
		if p.Status == billing.PeriodClosed {
			return p, true, nil
		}
		prior, ok, err := tx.PriorPeriod(ctx, p.CommunityID, p.Seq)
		if err != nil || !ok {
			return billing.Period{}, false, err
		}
		p = prior
	}
}

func (s *Service) record(ctx context.Context, authz billing.AuthorizationContext, res TransitionResult) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  authz.ActorID,
		Action:   "period." + string(res.Action),
		Entity:   "period",
		EntityID: res.Period.Code,
		Meta: map[string]any{
			"run_id":         res.RunID,
			"community_id":   res.Period.CommunityID,
			"status":         string(res.Period.Status),
			"recomputed":     res.Recomputed,
			"charges":        res.Charges,
			"statements":     res.Statements,
			"payments":       res.Payments,
			"rolled_forward": res.RolledForward,
		},
		At: s.now(),
	})
}
