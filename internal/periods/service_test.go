package periods

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/store/memory"
)

var fixedNow = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

var manager = billing.AuthorizationContext{
	ActorID:     42,
	CommunityID: 1,
	Permissions: []string{billing.PermPeriodTransition, billing.PermPeriodOpen, billing.PermPaymentApply},
}

type fixture struct {
	store    *memory.Store
	svc      *Service
	payments *payments.Service
	audit    *shared.MemoryAudit
	period   billing.Period
	be       billing.BillingEntity
	gate     *stubGate
}

type stubGate struct {
	closed bool
	err    error
}

func (g *stubGate) TemplatesClosed(context.Context, int64, string) (bool, error) {
	return g.closed, g.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := fixedNow
	store := memory.New()
	store.WithNow(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	f := &fixture{store: store, audit: &shared.MemoryAudit{}, gate: &stubGate{closed: true}}

	f.period = store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})
	f.be = store.AddBillingEntity(billing.BillingEntity{CommunityID: 1, Code: "OWNER"})
	for _, code := range []string{"A101", "A102"} {
		u := store.AddUnit(billing.Unit{CommunityID: 1, Code: code})
		store.AddBillingMember(billing.Membership{UnitID: u.ID, ParentID: f.be.ID, StartSeq: 1})
	}
	store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(100)})

	engine := payments.NewEngine(f.audit, nil)
	f.payments = payments.NewService(store, engine)
	f.svc = NewService(Deps{Store: store, Gate: f.gate, Payments: engine, Audit: f.audit})
	f.svc.WithNow(func() time.Time { return fixedNow })
	return f
}

func (f *fixture) transition(code string, action Action) (TransitionResult, error) {
	return f.svc.Transition(context.Background(), manager, TransitionInput{CommunityID: 1, PeriodCode: code, Action: action})
}

func (f *fixture) mustTransition(t *testing.T, action Action) TransitionResult {
	t.Helper()
	res, err := f.transition(f.period.Code, action)
	require.NoError(t, err)
	return res
}

func (f *fixture) applyPayment(t *testing.T, amount int64) billing.Payment {
	t.Helper()
	p := f.store.AddPayment(billing.Payment{CommunityID: 1, PeriodID: f.period.ID, ReceivedAt: fixedNow})
	_, err := f.payments.Apply(context.Background(), manager, payments.ApplyInput{
		PaymentID: p.ID, Amount: decimal.NewFromInt(amount), BillingEntityID: f.be.ID,
	})
	require.NoError(t, err)
	return p
}

type snapshot struct {
	period       billing.Period
	charges      []billing.LedgerEntry
	statements   []billing.Statement
	applications []billing.PaymentApplication
}

func (f *fixture) snapshot(t *testing.T, paymentID int64) snapshot {
	t.Helper()
	var s snapshot
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		var err error
		if s.period, err = tx.GetPeriod(ctx, f.period.ID); err != nil {
			return err
		}
		if s.charges, err = tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: f.period.ID, Kind: billing.KindCharge}); err != nil {
			return err
		}
		if s.statements, err = tx.ListStatements(ctx, f.period.ID); err != nil {
			return err
		}
		if paymentID != 0 {
			s.applications, err = tx.ListPaymentApplications(ctx, paymentID)
		}
		return err
	}))
	return s
}

func TestPrepareAndApprove(t *testing.T) {
	f := newFixture(t)
	p := f.applyPayment(t, 30)
	require.Empty(t, f.snapshot(t, p.ID).applications, "nothing to pay before prepare")

	res := f.mustTransition(t, ActionPrepare)
	require.Equal(t, billing.PeriodPrepared, res.Period.Status)
	require.NotNil(t, res.Period.PreparedAt)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, 1, res.Recomputed)
	require.Equal(t, 1, res.Charges)
	require.Equal(t, 1, res.Statements)
	require.Equal(t, 1, res.Payments)

	snap := f.snapshot(t, p.ID)
	require.Len(t, snap.charges, 1)
	require.Equal(t, billing.StageClosePrep, snap.charges[0].RefType)
	require.Equal(t, billing.BucketAllocatedExpense, snap.charges[0].Bucket)
	require.Len(t, snap.applications, 1, "payment replayed against new charges")
	require.True(t, decimal.NewFromInt(70).Equal(snap.statements[0].DueEnd))

	res = f.mustTransition(t, ActionApprove)
	require.Equal(t, billing.PeriodClosed, res.Period.Status)
	require.NotNil(t, res.Period.ClosedAt)
	require.False(t, res.RolledForward, "no next period yet")
	snap = f.snapshot(t, p.ID)
	require.Equal(t, billing.StageCloseFinal, snap.charges[0].RefType)
	require.Len(t, snap.applications, 1, "applications survive promotion")

	next, err := f.svc.OpenPeriod(context.Background(), manager, OpenInput{CommunityID: 1, Code: "2026-02"})
	require.NoError(t, err)
	require.Equal(t, 2, next.Seq)
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		ob, ok, err := tx.GetOpeningBalance(ctx, next.ID, f.be.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, decimal.NewFromInt(70).Equal(ob.Amount))
		require.Equal(t, billing.OpeningFromStatement, ob.Source)
		return nil
	}))

	var actions []string
	for _, l := range f.audit.Logs() {
		actions = append(actions, l.Action)
	}
	require.Contains(t, actions, "period.prepare")
	require.Contains(t, actions, "period.approve")
	require.Contains(t, actions, "period.open")
}

func TestApproveRollsForwardIntoExistingNextPeriod(t *testing.T) {
	f := newFixture(t)
	next := f.store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-02", Seq: 2})
	f.mustTransition(t, ActionPrepare)
	res := f.mustTransition(t, ActionApprove)
	require.True(t, res.RolledForward)

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		ob, ok, err := tx.GetOpeningBalance(ctx, next.ID, f.be.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, decimal.NewFromInt(100).Equal(ob.Amount))
		return nil
	}))
}

func TestRejectRemovesStagedCharges(t *testing.T) {
	f := newFixture(t)
	p := f.applyPayment(t, 30)
	f.mustTransition(t, ActionPrepare)

	res := f.mustTransition(t, ActionReject)
	require.Equal(t, billing.PeriodOpen, res.Period.Status)
	require.Nil(t, res.Period.PreparedAt)
	require.Equal(t, 1, res.Charges)
	require.Equal(t, 1, res.Payments)

	snap := f.snapshot(t, p.ID)
	require.Empty(t, snap.charges)
	require.Empty(t, snap.statements)
	require.Empty(t, snap.applications)

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		entries, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{Kind: billing.KindPayment})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Len(t, entries[0].Details, 1)
		require.True(t, entries[0].Details[0].Unallocated)
		return nil
	}))

	f.mustTransition(t, ActionPrepare)
	require.Len(t, f.snapshot(t, p.ID).applications, 1, "prepare after reject starts clean")
}

func TestReopen(t *testing.T) {
	t.Run("prepared period without later close", func(t *testing.T) {
		f := newFixture(t)
		f.mustTransition(t, ActionPrepare)
		res := f.mustTransition(t, ActionReopen)
		require.Equal(t, billing.PeriodOpen, res.Period.Status)
		require.Nil(t, res.Period.PreparedAt)
		require.Empty(t, f.snapshot(t, 0).charges)
	})

	t.Run("later closed period blocks reopen", func(t *testing.T) {
		f := newFixture(t)
		p := f.applyPayment(t, 30)
		f.mustTransition(t, ActionPrepare)
		f.store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-02", Seq: 2, Status: billing.PeriodClosed})
		before := f.snapshot(t, p.ID)

		_, err := f.transition(f.period.Code, ActionReopen)
		require.ErrorIs(t, err, billing.ErrConsistency)
		require.Equal(t, before, f.snapshot(t, p.ID), "failed reopen changes nothing")
	})

	t.Run("closed period drops final charges", func(t *testing.T) {
		f := newFixture(t)
		p := f.applyPayment(t, 30)
		f.mustTransition(t, ActionPrepare)
		f.mustTransition(t, ActionApprove)

		res := f.mustTransition(t, ActionReopen)
		require.Equal(t, billing.PeriodOpen, res.Period.Status)
		require.Nil(t, res.Period.ClosedAt)
		require.Nil(t, res.Period.PreparedAt)
		snap := f.snapshot(t, p.ID)
		require.Empty(t, snap.charges)
		require.Empty(t, snap.applications)
	})
}

func TestPrepareGate(t *testing.T) {
	f := newFixture(t)
	f.gate.closed = false
	_, err := f.transition(f.period.Code, ActionPrepare)
	require.ErrorIs(t, err, billing.ErrConsistency)

	boom := errors.New("templates unavailable")
	f.gate.err = boom
	_, err = f.transition(f.period.Code, ActionPrepare)
	require.ErrorIs(t, err, boom)
	require.Equal(t, billing.PeriodOpen, f.snapshot(t, 0).period.Status)
}

func TestPrepareRollsBackOnEngineFailure(t *testing.T) {
	f := newFixture(t)
	method := billing.MethodEqual
	f.store.AddExpense(billing.Expense{
		CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(5),
		Method: &method, Params: billing.AllocationParams{Basis: billing.BasisGroup, BasisCode: "MISSING"},
	})

	_, err := f.transition(f.period.Code, ActionPrepare)
	require.ErrorIs(t, err, billing.ErrNotFound)

	snap := f.snapshot(t, 0)
	require.Equal(t, billing.PeriodOpen, snap.period.Status)
	require.Nil(t, snap.period.PreparedAt)
	require.Empty(t, snap.charges)
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		expenses, err := tx.ListPeriodExpenses(ctx, f.period.ID)
		require.NoError(t, err)
		lines, err := tx.ListAllocationLines(ctx, expenses[0].ID)
		require.NoError(t, err)
		require.Empty(t, lines, "recompute of earlier expenses rolled back")
		return nil
	}))
}

func TestTransitionErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		authz  billing.AuthorizationContext
		code   string
		action Action
		want   error
	}{
		{"approve open period", manager, "2026-01", ActionApprove, billing.ErrConsistency},
		{"reject open period", manager, "2026-01", ActionReject, billing.ErrConsistency},
		{"reopen open period", manager, "2026-01", ActionReopen, billing.ErrConsistency},
		{"unknown action", manager, "2026-01", Action("archive"), billing.ErrValidation},
		{"unknown period", manager, "1999-12", ActionPrepare, billing.ErrNotFound},
		{"no permission", billing.AuthorizationContext{CommunityID: 1}, "2026-01", ActionPrepare, billing.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Transition(context.Background(), tc.authz, TransitionInput{CommunityID: 1, PeriodCode: tc.code, Action: tc.action})
			require.ErrorIs(t, err, tc.want)
		})
	}
	f.mustTransition(t, ActionPrepare)
	_, err := f.transition(f.period.Code, ActionPrepare)
	require.ErrorIs(t, err, billing.ErrConsistency)
}

func TestOpenPeriod(t *testing.T) {
	store := memory.New()
	svc := NewService(Deps{Store: store})
	ctx := context.Background()

	first, err := svc.OpenPeriod(ctx, manager, OpenInput{CommunityID: 1, Code: "2026-01"})
	require.NoError(t, err)
	require.Equal(t, 1, first.Seq)
	require.Equal(t, billing.PeriodOpen, first.Status)

	_, err = svc.OpenPeriod(ctx, manager, OpenInput{CommunityID: 1, Code: "2026-01"})
	require.ErrorIs(t, err, billing.ErrConsistency)

	_, err = svc.OpenPeriod(ctx, manager, OpenInput{CommunityID: 1, Code: " "})
	require.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.OpenPeriod(ctx, billing.AuthorizationContext{CommunityID: 1}, OpenInput{CommunityID: 1, Code: "2026-02"})
	require.ErrorIs(t, err, billing.ErrForbidden)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Approve ")
	require.NoError(t, err)
	require.Equal(t, ActionApprove, a)
	_, err = ParseAction("close")
	require.ErrorIs(t, err, billing.ErrValidation)
}
