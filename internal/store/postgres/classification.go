package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func (s *txStore) ListBucketRules(ctx context.Context, communityID int64) ([]billing.BucketRule, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, community_id, priority, bucket, expense_type_codes, split_node_ids, split_group_codes
FROM ledger_bucket_rules WHERE community_id = $1 ORDER BY priority, id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.BucketRule, error) {
		var r billing.BucketRule
		err := row.Scan(&r.ID, &r.CommunityID, &r.Priority, &r.Bucket, &r.ExpenseTypeCodes, &r.SplitNodeIDs, &r.SplitGroupCodes)
		return r, err
	})
}

func (s *txStore) ListSplitGroupMembers(ctx context.Context, communityID int64) ([]billing.SplitGroupMember, error) {
	rows, err := s.tx.Query(ctx, `SELECT g.group_code, g.split_id
FROM ledger_split_group_members g
JOIN ledger_expense_splits sp ON sp.id = g.split_id
JOIN ledger_expenses e ON e.id = sp.expense_id
WHERE e.community_id = $1 ORDER BY g.group_code, g.split_id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.SplitGroupMember, error) {
		var m billing.SplitGroupMember
		err := row.Scan(&m.GroupCode, &m.SplitID)
		return m, err
	})
}

func (s *txStore) ListPrograms(ctx context.Context, communityID int64) ([]billing.Program, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, community_id, code, bucket, start_period_seq, schedule, period_count,
per_period_amount, method, measure_type, weights, basis, basis_code
FROM ledger_programs WHERE community_id = $1 ORDER BY id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.Program, error) {
		var (
			p                 billing.Program
			schedule, weights []byte
		)
		if err := row.Scan(&p.ID, &p.CommunityID, &p.Code, &p.Bucket, &p.StartPeriodSeq, &schedule, &p.PeriodCount,
			&p.PerPeriodAmount, &p.Method, &p.MeasureType, &weights, &p.Basis, &p.BasisCode); err != nil {
			return billing.Program{}, err
		}
		if err := unmarshalJSON(schedule, &p.Schedule); err != nil {
			return billing.Program{}, err
		}
		return p, unmarshalJSON(weights, &p.Weights)
	})
}

func (s *txStore) ReplaceProgramInvoices(ctx context.Context, periodID int64, invoices []billing.ProgramInvoice) error {
	if _, err := s.tx.Exec(ctx, `DELETE FROM ledger_program_invoices WHERE period_id = $1`, periodID); err != nil {
		return err
	}
	if len(invoices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inv := range invoices {
		batch.Queue(`INSERT INTO ledger_program_invoices (program_id, period_id, billing_entity_id, amount) VALUES ($1, $2, $3, $4)`,
			inv.ProgramID, periodID, inv.BillingEntityID, inv.Amount)
	}
	return s.tx.SendBatch(ctx, batch).Close()
}
