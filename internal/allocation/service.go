package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Service exposes allocation operations as transactional units.
type Service struct {
	store  billing.Store
	engine *Engine
	logger *slog.Logger
}

// NewService constructs the allocation service.
func NewService(store billing.Store, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, engine: engine, logger: logger}
}

// RecomputeExpense rebuilds one expense's allocation atomically.
func (s *Service) RecomputeExpense(ctx context.Context, authz billing.AuthorizationContext, expenseID int64) (Result, error) {
	var result Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		expense, err := tx.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if err := authz.Require(billing.PermAllocationRecompute, expense.CommunityID); err != nil {
			return err
		}
		period, err := tx.GetPeriod(ctx, expense.PeriodID)
		if err != nil {
			return err
		}
		if period.Status != billing.PeriodOpen {
			return billing.Inconsistent("recompute", "period %s is %s", period.Code, period.Status)
		}
		result, err = s.engine.Recompute(ctx, tx, expenseID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("allocation: recompute expense %d: %w", expenseID, err)
	}
	return result, nil
}

// BatchResult summarises a best-effort period recompute.
type BatchResult struct {
	PeriodID   int64
	Recomputed int
	Failed     map[int64]error
}

// RecomputePeriodExpenses recomputes each expense of the period in its own
// transaction. Per-expense failures are logged and collected; the batch
// continues with the next expense.
func (s *Service) RecomputePeriodExpenses(ctx context.Context, authz billing.AuthorizationContext, periodID int64) (BatchResult, error) {
	var expenses []billing.Expense
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		period, err := tx.GetPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		if err := authz.Require(billing.PermAllocationRecompute, period.CommunityID); err != nil {
			return err
		}
		if period.Status != billing.PeriodOpen {
			return billing.Inconsistent("recompute", "period %s is %s", period.Code, period.Status)
		}
		expenses, err = tx.ListPeriodExpenses(ctx, periodID)
		return err
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("allocation: recompute period %d: %w", periodID, err)
	}

	out := BatchResult{PeriodID: periodID, Failed: map[int64]error{}}
	for _, exp := range expenses {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
			_, err := s.engine.Recompute(ctx, tx, exp.ID)
			return err
		})
		if err != nil {
			out.Failed[exp.ID] = err
			s.logger.Warn("expense recompute failed",
				slog.Int64("period_id", periodID),
				slog.Int64("expense_id", exp.ID),
				slog.String("kind", ErrorKind(err)),
				slog.Any("error", err))
			continue
		}
		out.Recomputed++
	}
	return out, nil
}

// ErrorKind names the error class of a failed recompute for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return "validation"
	case errors.Is(err, billing.ErrNotFound):
		return "not_found"
	case errors.Is(err, billing.ErrZeroWeight):
		return "zero_weight"
	case errors.Is(err, billing.ErrConsistency):
		return "consistency"
	default:
		return "internal"
	}
}
