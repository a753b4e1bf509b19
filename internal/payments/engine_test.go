package payments

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/store/memory"
)

var received = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	svc    *Service
	audit  *shared.MemoryAudit
	period billing.Period
	be     billing.BillingEntity
	u1, u2 billing.Unit
	older  billing.LedgerEntry
	newer  billing.LedgerEntry
}

var clerk = billing.AuthorizationContext{ActorID: 3, CommunityID: 1, Permissions: []string{billing.PermPaymentApply, billing.PermPaymentReapply}}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New()
	store.WithNow(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	f := &fixture{store: store, audit: &shared.MemoryAudit{}}
	engine := NewEngine(f.audit, nil)
	engine.WithNow(func() time.Time { return received })
	f.svc = NewService(store, engine)

	f.period = store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-04", Seq: 4})
	f.be = store.AddBillingEntity(billing.BillingEntity{CommunityID: 1, Code: "OWNER"})
	f.u1 = store.AddUnit(billing.Unit{CommunityID: 1, Code: "A101"})
	f.u2 = store.AddUnit(billing.Unit{CommunityID: 1, Code: "A102"})
	f.older = f.charge(t, "UTILITIES", f.u1.ID, "60")
	f.newer = f.charge(t, "ROOF", f.u2.ID, "70")
	return f
}

func (f *fixture) charge(t *testing.T, bucket string, unitID int64, amount string) billing.LedgerEntry {
	t.Helper()
	var entry billing.LedgerEntry
	f.tx(t, func(ctx context.Context, tx billing.Tx) error {
		var err error
		entry, err = tx.UpsertLedgerEntry(ctx, billing.LedgerEntry{
			CommunityID: 1, PeriodID: f.period.ID, BillingEntityID: f.be.ID, Kind: billing.KindCharge,
			Bucket: bucket, RefType: billing.StageClosePrep, RefID: f.period.Code, Amount: dec(amount),
		})
		require.NoError(t, err)
		entry.Details, err = tx.ReplaceEntryDetails(ctx, entry.ID, []billing.LedgerEntryDetail{{UnitID: &unitID, Amount: dec(amount)}})
		return err
	})
	return entry
}

func (f *fixture) payment(at time.Time) billing.Payment {
	return f.store.AddPayment(billing.Payment{CommunityID: 1, PeriodID: f.period.ID, ReceivedAt: at})
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx billing.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), fn))
}

func (f *fixture) chargeDetails(t *testing.T) []billing.ChargeDetail {
	t.Helper()
	var out []billing.ChargeDetail
	f.tx(t, func(ctx context.Context, tx billing.Tx) error {
		var err error
		out, err = tx.ListChargeDetails(ctx, f.be.ID)
		return err
	})
	for _, d := range out {
		require.False(t, d.Applied.GreaterThan(d.Amount), "detail %d over-applied", d.DetailID)
	}
	return out
}

func (f *fixture) paymentEntries(t *testing.T, paymentID int64) []billing.LedgerEntry {
	t.Helper()
	var out []billing.LedgerEntry
	f.tx(t, func(ctx context.Context, tx billing.Tx) error {
		var err error
		out, err = tx.ListLedgerEntries(ctx, billing.LedgerFilter{Kind: billing.KindPayment, RefID: strconv.FormatInt(paymentID, 10)})
		return err
	})
	return out
}

func (f *fixture) apply(t *testing.T, p billing.Payment, amount string, spec ...billing.AllocationHint) Result {
	t.Helper()
	res, err := f.svc.Apply(context.Background(), clerk, ApplyInput{PaymentID: p.ID, Amount: dec(amount), BillingEntityID: f.be.ID, Spec: spec})
	require.NoError(t, err)
	return res
}

func TestApplyPaymentOldestChargeFirst(t *testing.T) {
	f := newFixture(t)
	p := f.payment(received)
	res := f.apply(t, p, "100")

	require.Equal(t, billing.PaymentPosted, res.Status)
	require.Len(t, res.Applications, 2)
	require.Equal(t, f.older.ID, res.Applications[0].EntryID)
	require.True(t, dec("60").Equal(res.Applications[0].Amount))
	require.True(t, dec("40").Equal(res.Applications[1].Amount))
	require.True(t, res.Unallocated.IsZero())

	details := f.chargeDetails(t)
	require.True(t, details[0].Remaining().IsZero())
	require.True(t, dec("30").Equal(details[1].Remaining()))

	entries := f.paymentEntries(t, p.ID)
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, billing.BucketPayment, entry.Bucket)
	require.Equal(t, billing.RefTypePayment, entry.RefType)
	require.True(t, dec("100").Equal(entry.Amount))
	require.Len(t, entry.Details, 2)
	for _, d := range entry.Details {
		require.NotNil(t, d.ChargeDetailID)
		require.False(t, d.Unallocated)
	}
	require.Len(t, f.audit.Logs(), 1)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.payment(received)
	first := f.apply(t, p, "100")
	again := f.apply(t, p, "100")
	require.Equal(t, first.Applications, again.Applications)

	reapplied, err := f.svc.Reapply(context.Background(), clerk, p.ID)
	require.NoError(t, err)
	require.Equal(t, first.Applications, reapplied.Applications)

	require.True(t, dec("30").Equal(f.chargeDetails(t)[1].Remaining()))
	require.Len(t, f.paymentEntries(t, p.ID), 1)
}

func TestOverpaymentLandsUnallocated(t *testing.T) {
	f := newFixture(t)
	f.apply(t, f.payment(received), "100")
	p := f.payment(received.Add(time.Hour))
	res := f.apply(t, p, "50")

	require.Len(t, res.Applications, 1)
	require.True(t, dec("30").Equal(res.Applications[0].Amount))
	require.True(t, dec("20").Equal(res.Unallocated))

	entry := f.paymentEntries(t, p.ID)[0]
	require.Len(t, entry.Details, 2)
	last := entry.Details[1]
	require.True(t, last.Unallocated)
	require.Nil(t, last.ChargeDetailID)
	require.True(t, dec("20").Equal(last.Amount))
}

func TestApplyWithSpec(t *testing.T) {
	f := newFixture(t)
	p := f.payment(received)
	res := f.apply(t, p, "80", billing.AllocationHint{Amount: dec("50"), Bucket: "ROOF"})
	require.Len(t, res.Applications, 1)
	require.Equal(t, f.newer.ID, res.Applications[0].EntryID)
	require.True(t, dec("30").Equal(res.Unallocated))

	_, err := f.svc.Apply(context.Background(), clerk, ApplyInput{
		PaymentID: p.ID, Amount: dec("10"), BillingEntityID: f.be.ID,
		Spec: []billing.AllocationHint{{Amount: dec("11")}},
	})
	require.ErrorIs(t, err, billing.ErrValidation)
	require.True(t, dec("20").Equal(f.chargeDetails(t)[1].Remaining()), "failed apply leaves prior applications")
}

func TestPaymentStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.store.AddPayment(billing.Payment{CommunityID: 1, PeriodID: f.period.ID, BillingEntityID: f.be.ID, Amount: dec("25"), ReceivedAt: received})

	_, err := f.svc.Reapply(ctx, clerk, p.ID)
	require.ErrorIs(t, err, billing.ErrConsistency, "pending payments cannot be reapplied")

	res, err := f.svc.Confirm(ctx, clerk, p.ID)
	require.NoError(t, err)
	require.Equal(t, billing.PaymentPosted, res.Status)
	require.True(t, dec("25").Equal(res.Applications[0].Amount))

	again, err := f.svc.Confirm(ctx, clerk, p.ID)
	require.NoError(t, err)
	require.Equal(t, res.Applications[0].DetailID, again.Applications[0].DetailID)
	require.True(t, again.Unallocated.IsZero())

	_, err = f.svc.Cancel(ctx, clerk, p.ID)
	require.NoError(t, err)
	require.Empty(t, f.paymentEntries(t, p.ID))
	require.True(t, f.chargeDetails(t)[0].Applied.IsZero())

	for name, op := range map[string]func() error{
		"apply":   func() error { _, err := f.svc.Apply(ctx, clerk, ApplyInput{PaymentID: p.ID, Amount: dec("1"), BillingEntityID: f.be.ID}); return err },
		"confirm": func() error { _, err := f.svc.Confirm(ctx, clerk, p.ID); return err },
		"reapply": func() error { _, err := f.svc.Reapply(ctx, clerk, p.ID); return err },
		"cancel":  func() error { _, err := f.svc.Cancel(ctx, clerk, p.ID); return err },
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, op(), billing.ErrConsistency)
		})
	}
}

func TestConfirmRequiresTerms(t *testing.T) {
	f := newFixture(t)
	p := f.payment(received)
	_, err := f.svc.Confirm(context.Background(), clerk, p.ID)
	require.ErrorIs(t, err, billing.ErrValidation)
}

func TestApplyChecksAuthorization(t *testing.T) {
	f := newFixture(t)
	p := f.payment(received)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, billing.AuthorizationContext{CommunityID: 1}, ApplyInput{PaymentID: p.ID, Amount: dec("1"), BillingEntityID: f.be.ID})
	require.ErrorIs(t, err, billing.ErrForbidden)

	_, err = f.svc.Apply(ctx, billing.AuthorizationContext{CommunityID: 2, Permissions: []string{billing.PermAll}}, ApplyInput{PaymentID: p.ID, Amount: dec("1"), BillingEntityID: f.be.ID})
	require.ErrorIs(t, err, billing.ErrForbidden)

	_, err = f.svc.Apply(ctx, clerk, ApplyInput{PaymentID: 999, Amount: dec("1"), BillingEntityID: f.be.ID})
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestApplyKeepsPaymentInsideCommunity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	neighbour := billing.AuthorizationContext{ActorID: 8, CommunityID: 2, Permissions: []string{billing.PermPaymentApply}}
	period := f.store.AddPeriod(billing.Period{CommunityID: 2, Code: "2026-04", Seq: 4})
	foreign := f.store.AddPayment(billing.Payment{CommunityID: 2, PeriodID: period.ID, ReceivedAt: received})

	_, err := f.svc.Apply(ctx, neighbour, ApplyInput{PaymentID: foreign.ID, Amount: dec("100"), BillingEntityID: f.be.ID})
	require.ErrorIs(t, err, billing.ErrNotFound)

	_, err = f.svc.Apply(ctx, clerk, ApplyInput{PaymentID: f.payment(received).ID, Amount: dec("100"), BillingEntityID: 999})
	require.ErrorIs(t, err, billing.ErrNotFound)

	pending := f.store.AddPayment(billing.Payment{CommunityID: 2, PeriodID: period.ID, BillingEntityID: f.be.ID, Amount: dec("25"), ReceivedAt: received})
	_, err = f.svc.Confirm(ctx, neighbour, pending.ID)
	require.ErrorIs(t, err, billing.ErrNotFound)

	for _, d := range f.chargeDetails(t) {
		require.True(t, d.Applied.IsZero(), "detail %d consumed by another community", d.DetailID)
	}
	require.Empty(t, f.paymentEntries(t, foreign.ID))
	require.Empty(t, f.paymentEntries(t, pending.ID))
	require.Empty(t, f.audit.Logs())
}

func TestApplyHintMustNameThePayersEntity(t *testing.T) {
	f := newFixture(t)
	other := f.store.AddBillingEntity(billing.BillingEntity{CommunityID: 1, Code: "TENANT"})
	p := f.payment(received)

	_, err := f.svc.Apply(context.Background(), clerk, ApplyInput{
		PaymentID: p.ID, Amount: dec("10"), BillingEntityID: f.be.ID,
		Spec: []billing.AllocationHint{{Amount: dec("10"), BillingEntityID: &other.ID}},
	})
	require.ErrorIs(t, err, billing.ErrValidation)
	require.Empty(t, f.paymentEntries(t, p.ID))

	res := f.apply(t, p, "10", billing.AllocationHint{Amount: dec("10"), BillingEntityID: &f.be.ID, Bucket: "ROOF"})
	require.Len(t, res.Applications, 1)
	require.Equal(t, f.newer.ID, res.Applications[0].EntryID)
}

func TestReapplyForPeriodReplaysInReceiptOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late := f.payment(received.Add(2 * time.Hour))
	early := f.payment(received)

	f.apply(t, late, "100")
	f.apply(t, early, "50")

	res, err := f.svc.ReapplyForPeriod(ctx, clerk, f.period.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{f.be.ID}, res.Entities)
	require.Equal(t, 2, res.Payments)

	f.tx(t, func(ctx context.Context, tx billing.Tx) error {
		apps, err := tx.ListPaymentApplications(ctx, early.ID)
		require.NoError(t, err)
		require.Len(t, apps, 1)
		require.True(t, dec("50").Equal(apps[0].Amount))

		apps, err = tx.ListPaymentApplications(ctx, late.ID)
		require.NoError(t, err)
		total := decimal.Zero
		for _, a := range apps {
			total = total.Add(a.Amount)
		}
		require.True(t, dec("80").Equal(total), "late payment covers what is left")
		return nil
	})

	entry := f.paymentEntries(t, late.ID)[0]
	last := entry.Details[len(entry.Details)-1]
	require.True(t, last.Unallocated)
	require.True(t, dec("20").Equal(last.Amount))
}

func TestApplyMovesEntryWhenBillingEntityChanges(t *testing.T) {
	f := newFixture(t)
	other := f.store.AddBillingEntity(billing.BillingEntity{CommunityID: 1, Code: "TENANT"})
	p := f.payment(received)
	f.apply(t, p, "10")

	res, err := f.svc.Apply(context.Background(), clerk, ApplyInput{PaymentID: p.ID, Amount: dec("10"), BillingEntityID: other.ID})
	require.NoError(t, err)
	require.Empty(t, res.Applications)

	entries := f.paymentEntries(t, p.ID)
	require.Len(t, entries, 1)
	require.Equal(t, other.ID, entries[0].BillingEntityID)
	require.True(t, f.chargeDetails(t)[0].Applied.IsZero())
}
