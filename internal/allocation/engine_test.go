package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/store/memory"
)

type fixture struct {
	store  *memory.Store
	period billing.Period
	units  []billing.Unit
	audit  *shared.MemoryAudit
	engine *Engine
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return fixed })
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-03", Seq: 3})
	var units []billing.Unit
	for _, code := range []string{"A101", "A102", "B201"} {
		units = append(units, store.AddUnit(billing.Unit{CommunityID: 1, Code: code}))
	}
	group := store.AddGroup(billing.UnitGroup{CommunityID: 1, Code: "TOWER-A"})
	store.AddGroupMember(billing.Membership{UnitID: units[0].ID, ParentID: group.ID, StartSeq: 1})
	store.AddGroupMember(billing.Membership{UnitID: units[1].ID, ParentID: group.ID, StartSeq: 1})
	ended := 2
	store.AddGroupMember(billing.Membership{UnitID: units[2].ID, ParentID: group.ID, StartSeq: 1, EndSeq: &ended})

	audit := &shared.MemoryAudit{}
	engine := NewEngine(store, audit, nil)
	engine.WithNow(func() time.Time { return fixed })
	return &fixture{
		store:  store,
		period: period,
		units:  units,
		audit:  audit,
		engine: engine,
		svc:    NewService(store, engine, nil),
	}
}

func (f *fixture) recompute(t *testing.T, expenseID int64) (Result, error) {
	t.Helper()
	return f.svc.RecomputeExpense(context.Background(), billing.SystemContext(), expenseID)
}

func (f *fixture) lines(t *testing.T, expenseID int64) []billing.AllocationLine {
	t.Helper()
	var lines []billing.AllocationLine
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		var err error
		lines, err = tx.ListAllocationLines(ctx, expenseID)
		return err
	}))
	return lines
}

func amountsByUnit(lines []billing.AllocationLine) map[int64]decimal.Decimal {
	out := map[int64]decimal.Decimal{}
	for _, l := range lines {
		out[l.UnitID] = out[l.UnitID].Add(l.Amount)
	}
	return out
}

func total(lines []billing.AllocationLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Amount)
	}
	return sum
}

func requireAmount(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	v, _ := got.Float64()
	require.InDelta(t, want, v, 0.005)
}

func TestRecomputeGroupBySqm(t *testing.T) {
	f := newFixture(t)
	f.store.SetMeasure(billing.PeriodMeasure{PeriodID: f.period.ID, UnitID: f.units[0].ID, MeasureType: billing.MeasureAreaSqm, Value: 72})
	f.store.SetMeasure(billing.PeriodMeasure{PeriodID: f.period.ID, UnitID: f.units[1].ID, MeasureType: billing.MeasureAreaSqm, Value: 12})
	method := billing.MethodBySqm
	exp := f.store.AddExpense(billing.Expense{
		CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(600),
		Method: &method, Params: billing.AllocationParams{Basis: billing.BasisGroup, BasisCode: "TOWER-A"},
	})

	res, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Vectors)
	require.True(t, billing.AmountsEqual(decimal.NewFromInt(600), res.Total))

	byUnit := amountsByUnit(f.lines(t, exp.ID))
	require.Len(t, byUnit, 2, "unit whose membership ended is excluded")
	requireAmount(t, 514.29, byUnit[f.units[0].ID])
	requireAmount(t, 85.71, byUnit[f.units[1].ID])
}

func TestRecomputeSplitTree(t *testing.T) {
	f := newFixture(t)
	f.store.SetMeterReading(501, f.period.ID, 5)
	f.store.SetMeterReading(502, f.period.ID, 20)
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(1000)})
	equal := f.store.AddSplit(billing.ExpenseSplit{
		ExpenseID: exp.ID, Position: 1, ShareMode: billing.ShareExplicit, Share: f64(0.6),
		Method: billing.MethodEqual, Basis: billing.BasisGroup, BasisCode: "TOWER-A",
	})
	derived := f.store.AddSplit(billing.ExpenseSplit{
		ExpenseID: exp.ID, Position: 2, ShareMode: billing.ShareDerived, PartMeterID: i64(501), TotalMeterID: i64(502),
		Method: billing.MethodEqual, Basis: billing.BasisUnit, BasisCode: "B201",
	})
	rest := f.store.AddSplit(billing.ExpenseSplit{
		ExpenseID: exp.ID, Position: 3, ShareMode: billing.ShareRemainder,
		Method: billing.MethodEqual, Basis: billing.BasisUnit, BasisCode: "A101",
	})

	res, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	require.Equal(t, 3, res.Vectors)

	bySplit := map[int64]decimal.Decimal{}
	for _, l := range f.lines(t, exp.ID) {
		require.NotNil(t, l.SplitID)
		bySplit[*l.SplitID] = bySplit[*l.SplitID].Add(l.Amount)
		if *l.SplitID == equal.ID {
			requireAmount(t, 300, l.Amount)
		}
	}
	requireAmount(t, 600, bySplit[equal.ID])
	requireAmount(t, 250, bySplit[derived.ID])
	requireAmount(t, 150, bySplit[rest.ID])
	require.True(t, billing.AmountsEqual(decimal.NewFromInt(1000), total(f.lines(t, exp.ID))))

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		splits, err := tx.ListExpenseSplits(ctx, exp.ID)
		require.NoError(t, err)
		sum := 0.0
		for _, s := range splits {
			sum += s.ResolvedShare
		}
		require.InDelta(t, 1, sum, billing.Epsilon)
		return nil
	}))
}

func TestRecomputeBranchesAddToSameUnit(t *testing.T) {
	f := newFixture(t)
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(90)})
	branch := f.store.AddSplit(billing.ExpenseSplit{ExpenseID: exp.ID, ShareMode: billing.ShareExplicit, Share: f64(2)})
	f.store.AddSplit(billing.ExpenseSplit{ExpenseID: exp.ID, ParentID: &branch.ID, Position: 1, ShareMode: billing.ShareExplicit, Share: f64(0.5), Method: billing.MethodEqual})
	f.store.AddSplit(billing.ExpenseSplit{ExpenseID: exp.ID, ParentID: &branch.ID, Position: 2, ShareMode: billing.ShareRemainder, Method: billing.MethodEqual})

	res, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{0}, res.NormalizedLevels)

	byUnit := amountsByUnit(f.lines(t, exp.ID))
	require.Len(t, byUnit, 3)
	for _, u := range f.units {
		requireAmount(t, 30, byUnit[u.ID])
	}

	var normalized bool
	for _, l := range f.audit.Logs() {
		if l.Action == "allocation.normalize" {
			normalized = true
		}
	}
	require.True(t, normalized)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	weights := billing.AllocationParams{Basis: billing.BasisCommunity, Weights: map[string]float64{"A101": 1, "A102": 1, "B201": 1}}
	method := billing.MethodExplicit
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(100), Method: &method, Params: weights})

	_, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	first := f.lines(t, exp.ID)
	_, err = f.recompute(t, exp.ID)
	require.NoError(t, err)
	second := f.lines(t, exp.ID)

	require.Len(t, second, len(first))
	for i := range first {
		require.Equal(t, first[i].UnitID, second[i].UnitID)
		require.True(t, first[i].Amount.Equal(second[i].Amount))
		require.Equal(t, first[i].Weight, second[i].Weight)
	}
	require.True(t, total(second).Equal(decimal.NewFromInt(100)), "thirds reconcile exactly")
}

func TestRecomputeFailures(t *testing.T) {
	cases := []struct {
		name    string
		method  billing.AllocationMethod
		params  billing.AllocationParams
		measure float64
		wantErr error
	}{
		{name: "missing measure", method: billing.MethodByResidents, params: billing.AllocationParams{Basis: billing.BasisGroup, BasisCode: "TOWER-A"}, wantErr: billing.ErrNotFound},
		{name: "zero measure total", method: billing.MethodByConsumption, params: billing.AllocationParams{Basis: billing.BasisUnit, BasisCode: "A101"}, measure: -1, wantErr: billing.ErrZeroWeight},
		{name: "zero explicit weights", method: billing.MethodExplicit, params: billing.AllocationParams{Weights: map[string]float64{"A101": 0}}, wantErr: billing.ErrZeroWeight},
		{name: "unknown group", method: billing.MethodEqual, params: billing.AllocationParams{Basis: billing.BasisGroup, BasisCode: "NOPE"}, wantErr: billing.ErrNotFound},
		{name: "weight outside basis", method: billing.MethodExplicit, params: billing.AllocationParams{Basis: billing.BasisUnit, BasisCode: "A101", Weights: map[string]float64{"B201": 1}}, wantErr: billing.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.measure < 0 {
				f.store.SetMeasure(billing.PeriodMeasure{PeriodID: f.period.ID, UnitID: f.units[0].ID, MeasureType: billing.MeasureConsumption, Value: 0})
			}
			prior := billing.MethodEqual
			exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(10), Method: &prior})
			_, err := f.recompute(t, exp.ID)
			require.NoError(t, err)

			method := tc.method
			exp.Method = &method
			exp.Params = tc.params
			f.store.AddExpense(exp)

			_, err = f.recompute(t, exp.ID)
			require.ErrorIs(t, err, tc.wantErr)
			require.Len(t, f.lines(t, exp.ID), 3, "failed recompute leaves previous allocation intact")
		})
	}
}

func TestRecomputeMaterializesRuleTemplate(t *testing.T) {
	f := newFixture(t)
	rule := f.store.AddRule(billing.AllocationRule{CommunityID: 1, Code: "HALF-HALF", SplitTemplate: []billing.ExpenseSplit{
		{ID: 1, ShareMode: billing.ShareExplicit, Share: f64(1)},
		{ID: 2, ParentID: i64(1), Position: 1, ShareMode: billing.ShareExplicit, Share: f64(0.5), Method: billing.MethodEqual, Basis: billing.BasisUnit, BasisCode: "A101"},
		{ID: 3, ParentID: i64(1), Position: 2, ShareMode: billing.ShareRemainder, Method: billing.MethodEqual, Basis: billing.BasisUnit, BasisCode: "B201"},
	}})
	et := f.store.AddExpenseType(billing.ExpenseType{CommunityID: 1, Code: "LIFT", RuleID: &rule.ID})
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, ExpenseTypeID: &et.ID, Amount: decimal.NewFromInt(80)})

	_, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	byUnit := amountsByUnit(f.lines(t, exp.ID))
	requireAmount(t, 40, byUnit[f.units[0].ID])
	requireAmount(t, 40, byUnit[f.units[2].ID])

	_, err = f.recompute(t, exp.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		splits, err := tx.ListExpenseSplits(ctx, exp.ID)
		require.Len(t, splits, 3, "template is materialized once")
		return err
	}))
}

func TestRecomputeDefaultsToEqualCommunity(t *testing.T) {
	f := newFixture(t)
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(30)})
	_, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
	for _, amount := range amountsByUnit(f.lines(t, exp.ID)) {
		requireAmount(t, 10, amount)
	}
}

func TestRecomputeRequiresOpenPeriodAndPermission(t *testing.T) {
	f := newFixture(t)
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(30)})

	_, err := f.svc.RecomputeExpense(context.Background(), billing.AuthorizationContext{ActorID: 9, CommunityID: 1}, exp.ID)
	require.ErrorIs(t, err, billing.ErrForbidden)

	closed := f.period
	closed.Status = billing.PeriodClosed
	f.store.AddPeriod(closed)
	_, err = f.recompute(t, exp.ID)
	require.ErrorIs(t, err, billing.ErrConsistency)
}

func TestRecomputePeriodExpensesContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	good := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(30)})
	method := billing.MethodByResidents
	bad := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(30), Method: &method})

	res, err := f.svc.RecomputePeriodExpenses(context.Background(), billing.SystemContext(), f.period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Recomputed)
	require.Contains(t, res.Failed, bad.ID)
	require.ErrorIs(t, res.Failed[bad.ID], billing.ErrNotFound)
	require.Len(t, f.lines(t, good.ID), 3)
}

func TestAuditFailureDoesNotAbortRecompute(t *testing.T) {
	f := newFixture(t)
	f.audit.Fail = true
	exp := f.store.AddExpense(billing.Expense{CommunityID: 1, PeriodID: f.period.ID, Amount: decimal.NewFromInt(30)})
	_, err := f.recompute(t, exp.ID)
	require.NoError(t, err)
}
