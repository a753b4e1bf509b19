package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const periodColumns = `id, community_id, code, seq, status, prepared_at, closed_at, created_at`

func scanPeriod(row pgx.Row) (billing.Period, error) {
	var p billing.Period
	err := row.Scan(&p.ID, &p.CommunityID, &p.Code, &p.Seq, &p.Status, &p.PreparedAt, &p.ClosedAt, &p.CreatedAt)
	return p, err
}

func (s *txStore) GetPeriod(ctx context.Context, id int64) (billing.Period, error) {
	p, err := scanPeriod(s.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM ledger_periods WHERE id = $1`, id))
	if err != nil {
		return billing.Period{}, notFound(err, "period", id)
	}
	return p, nil
}

func (s *txStore) GetPeriodByCode(ctx context.Context, communityID int64, code string) (billing.Period, error) {
	p, err := scanPeriod(s.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM ledger_periods
WHERE community_id = $1 AND code = $2 FOR UPDATE`, communityID, code))
	if err != nil {
		return billing.Period{}, notFound(err, "period", code)
	}
	return p, nil
}

func (s *txStore) optionalPeriod(ctx context.Context, sql string, args ...any) (billing.Period, bool, error) {
	p, err := scanPeriod(s.tx.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Period{}, false, nil
	}
	if err != nil {
		return billing.Period{}, false, err
	}
	return p, true, nil
}

func (s *txStore) LatestPeriod(ctx context.Context, communityID int64) (billing.Period, bool, error) {
	return s.optionalPeriod(ctx, `SELECT `+periodColumns+` FROM ledger_periods
WHERE community_id = $1 ORDER BY seq DESC LIMIT 1`, communityID)
}

func (s *txStore) PriorPeriod(ctx context.Context, communityID int64, seq int) (billing.Period, bool, error) {
	return s.optionalPeriod(ctx, `SELECT `+periodColumns+` FROM ledger_periods
WHERE community_id = $1 AND seq < $2 ORDER BY seq DESC LIMIT 1`, communityID, seq)
}

func (s *txStore) NextPeriod(ctx context.Context, communityID int64, seq int) (billing.Period, bool, error) {
	return s.optionalPeriod(ctx, `SELECT `+periodColumns+` FROM ledger_periods
WHERE community_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT 1`, communityID, seq)
}

func (s *txStore) HasLaterClosedPeriod(ctx context.Context, communityID int64, seq int) (bool, error) {
	var exists bool
	err := s.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_periods
WHERE community_id = $1 AND seq > $2 AND status = 'CLOSED')`, communityID, seq).Scan(&exists)
	return exists, err
}

func (s *txStore) InsertPeriod(ctx context.Context, p billing.Period) (billing.Period, error) {
	var maxSeq *int
	if err := s.tx.QueryRow(ctx, `SELECT MAX(seq) FROM ledger_periods WHERE community_id = $1`, p.CommunityID).Scan(&maxSeq); err != nil {
		return billing.Period{}, err
	}
	if maxSeq != nil && p.Seq <= *maxSeq {
		return billing.Period{}, billing.Inconsistent("insert period", "seq %d is not after %d", p.Seq, *maxSeq)
	}
	var taken bool
	if err := s.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_periods WHERE community_id = $1 AND code = $2)`, p.CommunityID, p.Code).Scan(&taken); err != nil {
		return billing.Period{}, err
	}
	if taken {
		return billing.Period{}, billing.Inconsistent("insert period", "code %s already exists", p.Code)
	}
	return scanPeriod(s.tx.QueryRow(ctx, `INSERT INTO ledger_periods (community_id, code, seq, status, created_at)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW())) RETURNING `+periodColumns,
		p.CommunityID, p.Code, p.Seq, p.Status, nullTime(p.CreatedAt)))
}

func (s *txStore) UpdatePeriod(ctx context.Context, p billing.Period) error {
	tag, err := s.tx.Exec(ctx, `UPDATE ledger_periods SET status = $2, prepared_at = $3, closed_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.PreparedAt, p.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.NotFound("period", p.ID)
	}
	return nil
}
