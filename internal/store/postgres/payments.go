package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const paymentColumns = `id, community_id, COALESCE(billing_entity_id, 0), period_id, amount, status, spec, received_at, posted_at, canceled_at`

func scanPayment(row pgx.Row) (billing.Payment, error) {
	var (
		p    billing.Payment
		spec []byte
	)
	if err := row.Scan(&p.ID, &p.CommunityID, &p.BillingEntityID, &p.PeriodID, &p.Amount, &p.Status, &spec,
		&p.ReceivedAt, &p.PostedAt, &p.CanceledAt); err != nil {
		return billing.Payment{}, err
	}
	return p, unmarshalJSON(spec, &p.Spec)
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (s *txStore) GetPayment(ctx context.Context, id int64) (billing.Payment, error) {
	p, err := scanPayment(s.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return billing.Payment{}, notFound(err, "payment", id)
	}
	return p, nil
}

func (s *txStore) UpdatePayment(ctx context.Context, p billing.Payment) error {
	spec := p.Spec
	if spec == nil {
		spec = []billing.AllocationHint{}
	}
	raw, err := marshalJSON(spec)
	if err != nil {
		return err
	}
	tag, err := s.tx.Exec(ctx, `UPDATE ledger_payments
SET billing_entity_id = $2, amount = $3, status = $4, spec = $5, posted_at = $6, canceled_at = $7
WHERE id = $1`, p.ID, nullID(p.BillingEntityID), p.Amount, p.Status, raw, p.PostedAt, p.CanceledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.NotFound("payment", p.ID)
	}
	return nil
}

func (s *txStore) ListPostedPayments(ctx context.Context, billingEntityID int64) ([]billing.Payment, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+paymentColumns+` FROM ledger_payments
WHERE billing_entity_id = $1 AND status = 'POSTED' ORDER BY received_at, id`, billingEntityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPayment)
}

func (s *txStore) ListChargeDetails(ctx context.Context, billingEntityID int64) ([]billing.ChargeDetail, error) {
	rows, err := s.tx.Query(ctx, `SELECT e.id, d.id, e.period_id, e.billing_entity_id, e.bucket, d.unit_id, d.amount,
 COALESCE((SELECT SUM(a.amount) FROM ledger_payment_applications a WHERE a.charge_detail_id = d.id), 0),
 e.created_at
FROM ledger_entry_details d
JOIN ledger_entries e ON e.id = d.entry_id
WHERE e.kind = 'CHARGE' AND e.billing_entity_id = $1
ORDER BY e.created_at, d.id`, billingEntityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (billing.ChargeDetail, error) {
		var c billing.ChargeDetail
		err := row.Scan(&c.EntryID, &c.DetailID, &c.PeriodID, &c.BillingEntityID, &c.Bucket, &c.UnitID, &c.Amount, &c.Applied, &c.CreatedAt)
		return c, err
	})
}

func (s *txStore) InsertPaymentApplication(ctx context.Context, a billing.PaymentApplication) error {
	var entryID int64
	err := s.tx.QueryRow(ctx, `SELECT entry_id FROM ledger_entry_details WHERE id = $1`, a.ChargeDetailID).Scan(&entryID)
	if err != nil {
		return notFound(err, "charge detail", a.ChargeDetailID)
	}
	if entryID != a.ChargeEntryID {
		return billing.Invalid("application", "detail %d does not belong to entry %d", a.ChargeDetailID, a.ChargeEntryID)
	}
	_, err = s.tx.Exec(ctx, `INSERT INTO ledger_payment_applications (payment_id, charge_entry_id, charge_detail_id, amount)
VALUES ($1, $2, $3, $4)
ON CONFLICT (payment_id, charge_detail_id) DO UPDATE SET charge_entry_id = EXCLUDED.charge_entry_id, amount = EXCLUDED.amount`,
		a.PaymentID, a.ChargeEntryID, a.ChargeDetailID, a.Amount)
	return err
}

func (s *txStore) DeletePaymentApplications(ctx context.Context, paymentID int64) error {
	_, err := s.tx.Exec(ctx, `DELETE FROM ledger_payment_applications WHERE payment_id = $1`, paymentID)
	return err
}

const applicationColumns = `id, payment_id, charge_entry_id, charge_detail_id, amount`

func scanApplication(row pgx.Row) (billing.PaymentApplication, error) {
	var a billing.PaymentApplication
	err := row.Scan(&a.ID, &a.PaymentID, &a.ChargeEntryID, &a.ChargeDetailID, &a.Amount)
	return a, err
}

func (s *txStore) ListPaymentApplications(ctx context.Context, paymentID int64) ([]billing.PaymentApplication, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+applicationColumns+` FROM ledger_payment_applications
WHERE payment_id = $1 ORDER BY charge_detail_id`, paymentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanApplication)
}

func (s *txStore) ApplicationsForEntries(ctx context.Context, entryIDs []int64) ([]billing.PaymentApplication, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	rows, err := s.tx.Query(ctx, `SELECT `+applicationColumns+` FROM ledger_payment_applications
WHERE charge_entry_id = ANY($1) ORDER BY id`, entryIDs)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanApplication)
}

func (s *txStore) DeleteApplicationsForEntries(ctx context.Context, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := s.tx.Exec(ctx, `DELETE FROM ledger_payment_applications WHERE charge_entry_id = ANY($1)`, entryIDs)
	return err
}
