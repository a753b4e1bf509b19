package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/billing"
	jobmetrics "github.com/odyssey-erp/condo-ledger/internal/jobs"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
)

// PeriodRecomputer recomputes the expenses of a period.
type PeriodRecomputer interface {
	RecomputePeriodExpenses(ctx context.Context, authz billing.AuthorizationContext, periodID int64) (allocation.BatchResult, error)
}

// PeriodReapplier replays payment application for a period.
type PeriodReapplier interface {
	ReapplyForPeriod(ctx context.Context, authz billing.AuthorizationContext, periodID int64) (payments.PeriodResult, error)
}

// periodResolver fills in the latest period when a payload names none.
type periodResolver struct {
	store billing.Store
}

func (r periodResolver) resolve(ctx context.Context, payload PeriodPayload) (int64, error) {
	if payload.PeriodID > 0 {
		return payload.PeriodID, nil
	}
	if r.store == nil {
		return 0, errors.New("jobs: no store to resolve latest period")
	}
	var id int64
	err := r.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		p, ok, err := tx.LatestPeriod(ctx, payload.CommunityID)
		if err != nil {
			return err
		}
		if !ok {
			return billing.NotFound("latest period of community", payload.CommunityID)
		}
		id = p.ID
		return nil
	})
	return id, err
}

// RecomputePeriodJob runs TaskRecomputePeriod.
type RecomputePeriodJob struct {
	Service  PeriodRecomputer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	resolver periodResolver
}

// NewRecomputePeriodJob constructs the job handler. The store resolves
// payloads that leave the period out.
func NewRecomputePeriodJob(service PeriodRecomputer, store billing.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecomputePeriodJob {
	return &RecomputePeriodJob{Service: service, Logger: logger, Metrics: metrics, resolver: periodResolver{store: store}}
}

// Handle executes the recompute. Expenses that fail are logged and counted;
// the task itself only fails when the batch could not run.
func (j *RecomputePeriodJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("recompute period: dependencies not configured")
	}
	payload, err := decodePeriodPayload(task)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskRecomputePeriod)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	periodID, err := j.resolver.resolve(ctx, payload)
	if err != nil {
		j.log().Error("resolve period", slog.Int64("community_id", payload.CommunityID), slog.Any("error", err))
		return permanent(err)
	}
	res, err := j.Service.RecomputePeriodExpenses(ctx, payload.Authorization(), periodID)
	if err != nil {
		j.log().Error("recompute period", slog.Int64("period_id", periodID), slog.Any("error", err))
		return permanent(err)
	}
	kinds := map[string]int{}
	for _, ferr := range res.Failed {
		kinds[allocation.ErrorKind(ferr)]++
	}
	for kind, n := range kinds {
		j.Metrics.AddRecomputeFailures(kind, n)
	}
	j.log().Info("recomputed period",
		slog.Int64("community_id", payload.CommunityID),
		slog.Int64("period_id", periodID),
		slog.Int("recomputed", res.Recomputed),
		slog.Int("failed", len(res.Failed)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *RecomputePeriodJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// ReapplyPeriodJob runs TaskReapplyPeriod.
type ReapplyPeriodJob struct {
	Service  PeriodReapplier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	resolver periodResolver
}

// NewReapplyPeriodJob constructs the job handler.
func NewReapplyPeriodJob(service PeriodReapplier, store billing.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReapplyPeriodJob {
	return &ReapplyPeriodJob{Service: service, Logger: logger, Metrics: metrics, resolver: periodResolver{store: store}}
}

// Handle executes the reapply.
func (j *ReapplyPeriodJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("reapply period: dependencies not configured")
	}
	payload, err := decodePeriodPayload(task)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskReapplyPeriod)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	periodID, err := j.resolver.resolve(ctx, payload)
	if err != nil {
		j.log().Error("resolve period", slog.Int64("community_id", payload.CommunityID), slog.Any("error", err))
		return permanent(err)
	}
	res, err := j.Service.ReapplyForPeriod(ctx, payload.Authorization(), periodID)
	if err != nil {
		j.log().Error("reapply period payments", slog.Int64("period_id", periodID), slog.Any("error", err))
		return permanent(err)
	}
	j.log().Info("reapplied period payments",
		slog.Int64("period_id", periodID),
		slog.Int("billing_entities", len(res.Entities)),
		slog.Int("payments", res.Payments))
	return nil
}

func (j *ReapplyPeriodJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
