package payments

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Service runs payment operations in store transactions.
type Service struct {
	store  billing.Store
	engine *Engine
}

// NewService constructs the payment service.
func NewService(store billing.Store, engine *Engine) *Service {
	return &Service{store: store, engine: engine}
}

// Engine exposes the engine for orchestration inside other transactions.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) withPayment(ctx context.Context, authz billing.AuthorizationContext, perm string, paymentID int64, fn func(context.Context, billing.Tx) (Result, error)) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := authz.Require(perm, p.CommunityID); err != nil {
			return err
		}
		res, err = fn(ctx, tx)
		return err
	})
	return res, err
}

// Apply sets the payment terms and allocates it.
func (s *Service) Apply(ctx context.Context, authz billing.AuthorizationContext, in ApplyInput) (Result, error) {
	res, err := s.withPayment(ctx, authz, billing.PermPaymentApply, in.PaymentID, func(ctx context.Context, tx billing.Tx) (Result, error) {
		return s.engine.Apply(ctx, tx, in)
	})
	if err != nil {
		return Result{}, fmt.Errorf("payments: apply %d: %w", in.PaymentID, err)
	}
	return res, nil
}

// Confirm posts a pending payment.
func (s *Service) Confirm(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error) {
	res, err := s.withPayment(ctx, authz, billing.PermPaymentApply, paymentID, func(ctx context.Context, tx billing.Tx) (Result, error) {
		return s.engine.Confirm(ctx, tx, paymentID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("payments: confirm %d: %w", paymentID, err)
	}
	return res, nil
}

// Reapply rebuilds a posted payment's applications.
func (s *Service) Reapply(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error) {
	res, err := s.withPayment(ctx, authz, billing.PermPaymentReapply, paymentID, func(ctx context.Context, tx billing.Tx) (Result, error) {
		return s.engine.Reapply(ctx, tx, paymentID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("payments: reapply %d: %w", paymentID, err)
	}
	return res, nil
}

// Cancel cancels a payment.
func (s *Service) Cancel(ctx context.Context, authz billing.AuthorizationContext, paymentID int64) (Result, error) {
	res, err := s.withPayment(ctx, authz, billing.PermPaymentApply, paymentID, func(ctx context.Context, tx billing.Tx) (Result, error) {
		return s.engine.Cancel(ctx, tx, paymentID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("payments: cancel %d: %w", paymentID, err)
	}
	return res, nil
}

// ReapplyForPeriod replays the payments touching a period's charges.
func (s *Service) ReapplyForPeriod(ctx context.Context, authz billing.AuthorizationContext, periodID int64) (PeriodResult, error) {
	var res PeriodResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		period, err := tx.GetPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		if err := authz.Require(billing.PermPaymentReapply, period.CommunityID); err != nil {
			return err
		}
		res, err = s.engine.ReapplyForPeriod(ctx, tx, period.ID)
		return err
	})
	if err != nil {
		return PeriodResult{}, fmt.Errorf("payments: reapply period %d: %w", periodID, err)
	}
	return res, nil
}
