package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const entryColumns = `id, community_id, period_id, billing_entity_id, kind, bucket, ref_type, ref_id, amount, running_due, created_at`

func scanEntry(row pgx.Row) (billing.LedgerEntry, error) {
	var e billing.LedgerEntry
	err := row.Scan(&e.ID, &e.CommunityID, &e.PeriodID, &e.BillingEntityID, &e.Kind, &e.Bucket, &e.RefType, &e.RefID,
		&e.Amount, &e.RunningDue, &e.CreatedAt)
	return e, err
}

const detailColumns = `id, entry_id, unit_id, amount, source_expense_id, program_id, charge_detail_id, unallocated`

func scanDetail(row pgx.Row) (billing.LedgerEntryDetail, error) {
	var d billing.LedgerEntryDetail
	err := row.Scan(&d.ID, &d.EntryID, &d.UnitID, &d.Amount, &d.SourceExpenseID, &d.ProgramID, &d.ChargeDetailID, &d.Unallocated)
	return d, err
}

func (s *txStore) UpsertLedgerEntry(ctx context.Context, e billing.LedgerEntry) (billing.LedgerEntry, error) {
	return scanEntry(s.tx.QueryRow(ctx, `INSERT INTO ledger_entries
(community_id, period_id, billing_entity_id, kind, bucket, ref_type, ref_id, amount, running_due, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
ON CONFLICT (community_id, period_id, billing_entity_id, ref_type, ref_id, bucket)
DO UPDATE SET kind = EXCLUDED.kind, amount = EXCLUDED.amount
RETURNING `+entryColumns,
		e.CommunityID, e.PeriodID, e.BillingEntityID, e.Kind, e.Bucket, e.RefType, e.RefID, e.Amount, e.RunningDue, nullTime(e.CreatedAt)))
}

// checkNoApplications fails when any of the entries still backs a payment application.
func (s *txStore) checkNoApplications(ctx context.Context, entryIDs []int64) error {
	var entryID int64
	err := s.tx.QueryRow(ctx, `SELECT charge_entry_id FROM ledger_payment_applications WHERE charge_entry_id = ANY($1) LIMIT 1`, entryIDs).Scan(&entryID)
	switch {
	case err == nil:
		return billing.Inconsistent("delete ledger details", "entry %d still has payment applications", entryID)
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	default:
		return err
	}
}

func (s *txStore) ReplaceEntryDetails(ctx context.Context, entryID int64, details []billing.LedgerEntryDetail) ([]billing.LedgerEntryDetail, error) {
	var exists bool
	if err := s.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE id = $1)`, entryID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, billing.NotFound("ledger entry", entryID)
	}
	if err := s.checkNoApplications(ctx, []int64{entryID}); err != nil {
		return nil, err
	}
	if _, err := s.tx.Exec(ctx, `DELETE FROM ledger_entry_details WHERE entry_id = $1`, entryID); err != nil {
		return nil, err
	}
	out := make([]billing.LedgerEntryDetail, 0, len(details))
	for _, d := range details {
		saved, err := scanDetail(s.tx.QueryRow(ctx, `INSERT INTO ledger_entry_details
(entry_id, unit_id, amount, source_expense_id, program_id, charge_detail_id, unallocated)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+detailColumns,
			entryID, d.UnitID, d.Amount, d.SourceExpenseID, d.ProgramID, d.ChargeDetailID, d.Unallocated))
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (s *txStore) ListLedgerEntries(ctx context.Context, f billing.LedgerFilter) ([]billing.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.PeriodID != 0 {
		add("period_id", f.PeriodID)
	}
	if f.BillingEntityID != 0 {
		add("billing_entity_id", f.BillingEntityID)
	}
	if f.Kind != "" {
		add("kind", f.Kind)
	}
	if f.RefType != "" {
		add("ref_type", f.RefType)
	}
	if f.RefID != "" {
		add("ref_id", f.RefID)
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	entries, err := collect(rows, scanEntry)
	if err != nil || len(entries) == 0 {
		return entries, err
	}
	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}
	detailRows, err := s.tx.Query(ctx, `SELECT `+detailColumns+` FROM ledger_entry_details WHERE entry_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	details, err := collect(detailRows, scanDetail)
	if err != nil {
		return nil, err
	}
	for _, d := range details {
		i := index[d.EntryID]
		entries[i].Details = append(entries[i].Details, d)
	}
	return entries, nil
}

func (s *txStore) DeleteLedgerEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.checkNoApplications(ctx, ids); err != nil {
		return err
	}
	if _, err := s.tx.Exec(ctx, `DELETE FROM ledger_entry_details WHERE entry_id = ANY($1)`, ids); err != nil {
		return err
	}
	_, err := s.tx.Exec(ctx, `DELETE FROM ledger_entries WHERE id = ANY($1)`, ids)
	return err
}

func (s *txStore) PromoteStage(ctx context.Context, periodID int64, from, to string) error {
	var refID, bucket string
	err := s.tx.QueryRow(ctx, `SELECT a.ref_id, a.bucket FROM ledger_entries a
JOIN ledger_entries b ON b.community_id = a.community_id AND b.period_id = a.period_id
 AND b.billing_entity_id = a.billing_entity_id AND b.ref_id = a.ref_id AND b.bucket = a.bucket AND b.ref_type = $3
WHERE a.period_id = $1 AND a.ref_type = $2 LIMIT 1`, periodID, from, to).Scan(&refID, &bucket)
	switch {
	case err == nil:
		return billing.Inconsistent("promote stage", "entry %s/%s already exists for bucket %s", to, refID, bucket)
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}
	_, err = s.tx.Exec(ctx, `UPDATE ledger_entries SET ref_type = $3 WHERE period_id = $1 AND ref_type = $2`, periodID, from, to)
	return err
}

func (s *txStore) UpdateRunningDue(ctx context.Context, entryID int64, due decimal.Decimal) error {
	tag, err := s.tx.Exec(ctx, `UPDATE ledger_entries SET running_due = $2 WHERE id = $1`, entryID, due)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.NotFound("ledger entry", entryID)
	}
	return nil
}
