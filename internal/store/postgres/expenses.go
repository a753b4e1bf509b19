package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const expenseColumns = `id, community_id, period_id, expense_type_id, amount, currency, description, method, params, created_at`

func scanExpense(row pgx.Row) (billing.Expense, error) {
	var (
		e      billing.Expense
		params []byte
	)
	if err := row.Scan(&e.ID, &e.CommunityID, &e.PeriodID, &e.ExpenseTypeID, &e.Amount, &e.Currency, &e.Description, &e.Method, &params, &e.CreatedAt); err != nil {
		return billing.Expense{}, err
	}
	return e, unmarshalJSON(params, &e.Params)
}

const splitColumns = `id, expense_id, parent_id, position, label, share_mode, share, part_meter_id, total_meter_id,
resolved_share, normalized, basis, basis_code, method, params`

func scanSplit(row pgx.Row) (billing.ExpenseSplit, error) {
	var (
		sp     billing.ExpenseSplit
		params []byte
	)
	if err := row.Scan(&sp.ID, &sp.ExpenseID, &sp.ParentID, &sp.Position, &sp.Label, &sp.ShareMode, &sp.Share,
		&sp.PartMeterID, &sp.TotalMeterID, &sp.ResolvedShare, &sp.Normalized, &sp.Basis, &sp.BasisCode, &sp.Method, &params); err != nil {
		return billing.ExpenseSplit{}, err
	}
	return sp, unmarshalJSON(params, &sp.Params)
}

func (s *txStore) GetExpense(ctx context.Context, id int64) (billing.Expense, error) {
	e, err := scanExpense(s.tx.QueryRow(ctx, `SELECT `+expenseColumns+` FROM ledger_expenses WHERE id = $1`, id))
	if err != nil {
		return billing.Expense{}, notFound(err, "expense", id)
	}
	return e, nil
}

func (s *txStore) ListPeriodExpenses(ctx context.Context, periodID int64) ([]billing.Expense, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+expenseColumns+` FROM ledger_expenses WHERE period_id = $1 ORDER BY id`, periodID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExpense)
}

func (s *txStore) GetExpenseType(ctx context.Context, id int64) (billing.ExpenseType, error) {
	var et billing.ExpenseType
	err := s.tx.QueryRow(ctx, `SELECT id, community_id, code, name, rule_id FROM ledger_expense_types WHERE id = $1`, id).
		Scan(&et.ID, &et.CommunityID, &et.Code, &et.Name, &et.RuleID)
	if err != nil {
		return billing.ExpenseType{}, notFound(err, "expense type", id)
	}
	return et, nil
}

func (s *txStore) GetAllocationRule(ctx context.Context, id int64) (billing.AllocationRule, error) {
	var (
		r                billing.AllocationRule
		params, template []byte
	)
	err := s.tx.QueryRow(ctx, `SELECT id, community_id, code, method, params, split_template FROM ledger_allocation_rules WHERE id = $1`, id).
		Scan(&r.ID, &r.CommunityID, &r.Code, &r.Method, &params, &template)
	if err != nil {
		return billing.AllocationRule{}, notFound(err, "allocation rule", id)
	}
	if err := unmarshalJSON(params, &r.Params); err != nil {
		return billing.AllocationRule{}, err
	}
	if err := unmarshalJSON(template, &r.SplitTemplate); err != nil {
		return billing.AllocationRule{}, err
	}
	return r, nil
}

func (s *txStore) ListExpenseSplits(ctx context.Context, expenseID int64) ([]billing.ExpenseSplit, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+splitColumns+` FROM ledger_expense_splits WHERE expense_id = $1 ORDER BY position, id`, expenseID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSplit)
}

func (s *txStore) InsertExpenseSplit(ctx context.Context, sp billing.ExpenseSplit) (billing.ExpenseSplit, error) {
	params, err := marshalJSON(sp.Params)
	if err != nil {
		return billing.ExpenseSplit{}, err
	}
	return scanSplit(s.tx.QueryRow(ctx, `INSERT INTO ledger_expense_splits
(expense_id, parent_id, position, label, share_mode, share, part_meter_id, total_meter_id, basis, basis_code, method, params)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING `+splitColumns,
		sp.ExpenseID, sp.ParentID, sp.Position, sp.Label, sp.ShareMode, sp.Share, sp.PartMeterID, sp.TotalMeterID,
		sp.Basis, sp.BasisCode, sp.Method, params))
}

func (s *txStore) UpdateSplitResolution(ctx context.Context, splitID int64, share float64, normalized bool) error {
	tag, err := s.tx.Exec(ctx, `UPDATE ledger_expense_splits SET resolved_share = $2, normalized = $3 WHERE id = $1`, splitID, share, normalized)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.NotFound("expense split", splitID)
	}
	return nil
}

func (s *txStore) ListPeriodMeasures(ctx context.Context, periodID int64, measureType string) (map[int64]float64, error) {
	rows, err := s.tx.Query(ctx, `SELECT unit_id, value FROM ledger_period_measures WHERE period_id = $1 AND measure_type = $2`, periodID, measureType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]float64{}
	for rows.Next() {
		var (
			unitID int64
			value  float64
		)
		if err := rows.Scan(&unitID, &value); err != nil {
			return nil, err
		}
		out[unitID] = value
	}
	return out, rows.Err()
}
