package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const statementColumns = `community_id, period_id, billing_entity_id, due_start, charges, payments, adjustments, due_end`

func scanStatement(row pgx.Row) (billing.Statement, error) {
	var st billing.Statement
	err := row.Scan(&st.CommunityID, &st.PeriodID, &st.BillingEntityID, &st.DueStart, &st.Charges, &st.Payments, &st.Adjustments, &st.DueEnd)
	return st, err
}

func (s *txStore) UpsertStatement(ctx context.Context, st billing.Statement) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO ledger_statements (`+statementColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (community_id, period_id, billing_entity_id)
DO UPDATE SET due_start = EXCLUDED.due_start, charges = EXCLUDED.charges, payments = EXCLUDED.payments,
 adjustments = EXCLUDED.adjustments, due_end = EXCLUDED.due_end`,
		st.CommunityID, st.PeriodID, st.BillingEntityID, st.DueStart, st.Charges, st.Payments, st.Adjustments, st.DueEnd)
	return err
}

func (s *txStore) GetStatement(ctx context.Context, periodID, billingEntityID int64) (billing.Statement, bool, error) {
	st, err := scanStatement(s.tx.QueryRow(ctx, `SELECT `+statementColumns+` FROM ledger_statements
WHERE period_id = $1 AND billing_entity_id = $2`, periodID, billingEntityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Statement{}, false, nil
	}
	if err != nil {
		return billing.Statement{}, false, err
	}
	return st, true, nil
}

func (s *txStore) ListStatements(ctx context.Context, periodID int64) ([]billing.Statement, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+statementColumns+` FROM ledger_statements WHERE period_id = $1 ORDER BY billing_entity_id`, periodID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStatement)
}

func (s *txStore) DeleteStatements(ctx context.Context, periodID int64) error {
	_, err := s.tx.Exec(ctx, `DELETE FROM ledger_statements WHERE period_id = $1`, periodID)
	return err
}

func (s *txStore) GetOpeningBalance(ctx context.Context, periodID, billingEntityID int64) (billing.OpeningBalance, bool, error) {
	var ob billing.OpeningBalance
	err := s.tx.QueryRow(ctx, `SELECT community_id, period_id, billing_entity_id, amount, source FROM ledger_opening_balances
WHERE period_id = $1 AND billing_entity_id = $2`, periodID, billingEntityID).
		Scan(&ob.CommunityID, &ob.PeriodID, &ob.BillingEntityID, &ob.Amount, &ob.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.OpeningBalance{}, false, nil
	}
	if err != nil {
		return billing.OpeningBalance{}, false, err
	}
	return ob, true, nil
}

func (s *txStore) UpsertOpeningBalance(ctx context.Context, ob billing.OpeningBalance) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO ledger_opening_balances (community_id, period_id, billing_entity_id, amount, source)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (period_id, billing_entity_id) DO UPDATE SET amount = EXCLUDED.amount, source = EXCLUDED.source`,
		ob.CommunityID, ob.PeriodID, ob.BillingEntityID, ob.Amount, ob.Source)
	return err
}
