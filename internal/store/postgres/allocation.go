package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func (s *txStore) DeleteAllocation(ctx context.Context, expenseID int64) error {
	if _, err := s.tx.Exec(ctx, `DELETE FROM ledger_allocation_lines WHERE expense_id = $1`, expenseID); err != nil {
		return err
	}
	// items follow their vectors through ON DELETE CASCADE
	_, err := s.tx.Exec(ctx, `DELETE FROM ledger_weight_vectors WHERE expense_id = $1`, expenseID)
	return err
}

func (s *txStore) AddAllocationLine(ctx context.Context, line billing.AllocationLine) error {
	meta, err := marshalJSON(line.Meta)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `INSERT INTO ledger_allocation_lines (expense_id, unit_id, split_id, amount, weight, basis, method, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (expense_id, unit_id, COALESCE(split_id, 0))
DO UPDATE SET amount = ledger_allocation_lines.amount + EXCLUDED.amount`,
		line.ExpenseID, line.UnitID, line.SplitID, line.Amount, line.Weight, line.Basis, line.Method, meta)
	return err
}

func (s *txStore) InsertWeightVector(ctx context.Context, wv billing.WeightVector) error {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO ledger_weight_vectors (expense_id, split_id, method, basis, measure_type, total, created_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW())) RETURNING id`,
		wv.ExpenseID, wv.SplitID, wv.Method, wv.Basis, wv.MeasureType, wv.Total, nullTime(wv.CreatedAt)).Scan(&id)
	if err != nil {
		return err
	}
	if len(wv.Items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range wv.Items {
		batch.Queue(`INSERT INTO ledger_weight_items (vector_id, unit_id, raw, weight) VALUES ($1, $2, $3, $4)`,
			id, item.UnitID, item.Raw, item.Weight)
	}
	return s.tx.SendBatch(ctx, batch).Close()
}

func (s *txStore) ListAllocationLines(ctx context.Context, expenseID int64) ([]billing.AllocationLine, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, expense_id, unit_id, split_id, amount, weight, basis, method, meta
FROM ledger_allocation_lines WHERE expense_id = $1 ORDER BY id`, expenseID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.AllocationLine, error) {
		var (
			l    billing.AllocationLine
			meta []byte
		)
		if err := row.Scan(&l.ID, &l.ExpenseID, &l.UnitID, &l.SplitID, &l.Amount, &l.Weight, &l.Basis, &l.Method, &meta); err != nil {
			return billing.AllocationLine{}, err
		}
		return l, unmarshalJSON(meta, &l.Meta)
	})
}

func (s *txStore) ListWeightVectors(ctx context.Context, expenseID int64) ([]billing.WeightVector, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, expense_id, split_id, method, basis, measure_type, total, created_at
FROM ledger_weight_vectors WHERE expense_id = $1 ORDER BY id`, expenseID)
	if err != nil {
		return nil, err
	}
	vectors, err := collect(rows, func(row pgx.Row) (billing.WeightVector, error) {
		var wv billing.WeightVector
		err := row.Scan(&wv.ID, &wv.ExpenseID, &wv.SplitID, &wv.Method, &wv.Basis, &wv.MeasureType, &wv.Total, &wv.CreatedAt)
		return wv, err
	})
	if err != nil || len(vectors) == 0 {
		return vectors, err
	}
	ids := make([]int64, len(vectors))
	index := make(map[int64]int, len(vectors))
	for i, wv := range vectors {
		ids[i] = wv.ID
		index[wv.ID] = i
	}
	itemRows, err := s.tx.Query(ctx, `SELECT vector_id, unit_id, raw, weight FROM ledger_weight_items
WHERE vector_id = ANY($1) ORDER BY vector_id, unit_id`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var (
			vectorID int64
			item     billing.WeightItem
		)
		if err := itemRows.Scan(&vectorID, &item.UnitID, &item.Raw, &item.Weight); err != nil {
			return nil, err
		}
		i := index[vectorID]
		vectors[i].Items = append(vectors[i].Items, item)
	}
	return vectors, itemRows.Err()
}
