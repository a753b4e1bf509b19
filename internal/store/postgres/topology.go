package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func scanUnit(row pgx.Row) (billing.Unit, error) {
	var u billing.Unit
	err := row.Scan(&u.ID, &u.CommunityID, &u.Code, &u.Name)
	return u, err
}

func scanMembership(row pgx.Row) (billing.Membership, error) {
	var m billing.Membership
	err := row.Scan(&m.ID, &m.UnitID, &m.ParentID, &m.StartSeq, &m.EndSeq)
	return m, err
}

func (s *txStore) ListUnits(ctx context.Context, communityID int64) ([]billing.Unit, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, community_id, code, name FROM ledger_units WHERE community_id = $1 ORDER BY id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUnit)
}

func (s *txStore) GetUnitByCode(ctx context.Context, communityID int64, code string) (billing.Unit, error) {
	u, err := scanUnit(s.tx.QueryRow(ctx, `SELECT id, community_id, code, name FROM ledger_units WHERE community_id = $1 AND code = $2`, communityID, code))
	if err != nil {
		return billing.Unit{}, notFound(err, "unit", code)
	}
	return u, nil
}

func (s *txStore) GetUnitGroupByCode(ctx context.Context, communityID int64, code string) (billing.UnitGroup, error) {
	var g billing.UnitGroup
	err := s.tx.QueryRow(ctx, `SELECT id, community_id, code, name FROM ledger_unit_groups WHERE community_id = $1 AND code = $2`, communityID, code).
		Scan(&g.ID, &g.CommunityID, &g.Code, &g.Name)
	if err != nil {
		return billing.UnitGroup{}, notFound(err, "unit group", code)
	}
	return g, nil
}

func (s *txStore) ListGroupMemberships(ctx context.Context, groupID int64) ([]billing.Membership, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, unit_id, group_id, start_seq, end_seq FROM ledger_unit_group_members WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMembership)
}

func (s *txStore) ListBillingEntities(ctx context.Context, communityID int64) ([]billing.BillingEntity, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, community_id, code, name FROM ledger_billing_entities WHERE community_id = $1 ORDER BY id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.BillingEntity, error) {
		var be billing.BillingEntity
		err := row.Scan(&be.ID, &be.CommunityID, &be.Code, &be.Name)
		return be, err
	})
}

func (s *txStore) ListBillingMemberships(ctx context.Context, communityID int64) ([]billing.Membership, error) {
	rows, err := s.tx.Query(ctx, `SELECT m.id, m.unit_id, m.billing_entity_id, m.start_seq, m.end_seq
FROM ledger_billing_entity_members m
JOIN ledger_billing_entities be ON be.id = m.billing_entity_id
WHERE be.community_id = $1 ORDER BY m.id`, communityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMembership)
}
