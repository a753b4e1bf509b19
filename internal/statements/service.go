package statements

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// ImportInput is an explicitly imported opening balance.
type ImportInput struct {
	PeriodID        int64           `json:"period_id" validate:"required,gt=0"`
	BillingEntityID int64           `json:"billing_entity_id" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
}

// Service exposes statement operations outside the period lifecycle.
type Service struct {
	store    billing.Store
	computer *Computer
}

// NewService constructs a Service.
func NewService(store billing.Store, computer *Computer) *Service {
	if computer == nil {
		computer = NewComputer(nil)
	}
	return &Service{store: store, computer: computer}
}

// ImportOpeningBalance records an opening balance with source IMPORT. The
// period must not be closed.
func (s *Service) ImportOpeningBalance(ctx context.Context, authz billing.AuthorizationContext, in ImportInput) (billing.OpeningBalance, error) {
	var ob billing.OpeningBalance
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		period, err := tx.GetPeriod(ctx, in.PeriodID)
		if err != nil {
			return err
		}
		if err := authz.Require(billing.PermOpeningImport, period.CommunityID); err != nil {
			return err
		}
		if period.Status == billing.PeriodClosed {
			return billing.Inconsistent("import opening balance", "period %s is closed", period.Code)
		}
		entities, err := tx.ListBillingEntities(ctx, period.CommunityID)
		if err != nil {
			return err
		}
		if !containsEntity(entities, in.BillingEntityID) {
			return billing.NotFound("billing entity", in.BillingEntityID)
		}
		ob = billing.OpeningBalance{
			CommunityID:     period.CommunityID,
			PeriodID:        period.ID,
			BillingEntityID: in.BillingEntityID,
			Amount:          in.Amount,
			Source:          billing.OpeningFromImport,
		}
		return tx.UpsertOpeningBalance(ctx, ob)
	})
	if err != nil {
		return billing.OpeningBalance{}, fmt.Errorf("statements: import opening balance: %w", err)
	}
	return ob, nil
}

// Statements returns the stored statements of a period.
func (s *Service) Statements(ctx context.Context, authz billing.AuthorizationContext, periodID int64) ([]billing.Statement, error) {
	var out []billing.Statement
	err := s.store.WithTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		period, err := tx.GetPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		if err := authz.Require(billing.PermStatementRead, period.CommunityID); err != nil {
			return err
		}
		out, err = tx.ListStatements(ctx, period.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("statements: list period %d: %w", periodID, err)
	}
	return out, nil
}

func containsEntity(entities []billing.BillingEntity, id int64) bool {
	for _, be := range entities {
		if be.ID == id {
			return true
		}
	}
	return false
}
