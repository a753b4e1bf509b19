package payments

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func i64(v int64) *int64 { return &v }

func openDetails() []billing.ChargeDetail {
	return []billing.ChargeDetail{
		{EntryID: 1, DetailID: 11, BillingEntityID: 5, Bucket: "UTILITIES", UnitID: i64(100), Amount: dec("60"), Applied: decimal.Zero},
		{EntryID: 2, DetailID: 21, BillingEntityID: 5, Bucket: "ROOF", UnitID: i64(100), Amount: dec("70"), Applied: decimal.Zero},
		{EntryID: 2, DetailID: 22, BillingEntityID: 5, Bucket: "ROOF", UnitID: i64(200), Amount: dec("40"), Applied: dec("15")},
	}
}

func amounts(p Plan) map[int64]string {
	out := map[int64]string{}
	for _, a := range p.Applications {
		out[a.DetailID] = a.Amount.String()
	}
	return out
}

func TestMatch(t *testing.T) {
	cases := []struct {
		name        string
		amount      string
		open        []billing.ChargeDetail
		want        map[int64]string
		unallocated string
	}{
		{"oldest first", "100", openDetails()[:2], map[int64]string{11: "60", 21: "40"}, "0"},
		{"exact cover", "155", openDetails(), map[int64]string{11: "60", 21: "70", 22: "25"}, "0"},
		{"overpayment", "200", openDetails(), map[int64]string{11: "60", 21: "70", 22: "25"}, "45"},
		{"nothing open", "10", nil, map[int64]string{}, "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := Match(dec(tc.amount), tc.open)
			require.Equal(t, tc.want, amounts(plan))
			require.True(t, dec(tc.unallocated).Equal(plan.Unallocated))
			require.True(t, plan.Applied().Add(plan.Unallocated).Equal(dec(tc.amount)))
		})
	}
}

func TestMatchSpec(t *testing.T) {
	cases := []struct {
		name        string
		amount      string
		spec        []billing.AllocationHint
		want        map[int64]string
		unallocated string
	}{
		{
			name:        "bucket hint with unhinted rest",
			amount:      "80",
			spec:        []billing.AllocationHint{{Amount: dec("50"), Bucket: "ROOF"}},
			want:        map[int64]string{21: "50"},
			unallocated: "30",
		},
		{
			name:   "lines merge onto the same detail",
			amount: "30",
			spec: []billing.AllocationHint{
				{Amount: dec("10"), Bucket: "ROOF"},
				{Amount: dec("20"), Bucket: "ROOF"},
			},
			want:        map[int64]string{21: "30"},
			unallocated: "0",
		},
		{
			name:   "covered detail is skipped by later lines",
			amount: "100",
			spec: []billing.AllocationHint{
				{Amount: dec("70"), UnitID: i64(100), Bucket: "ROOF"},
				{Amount: dec("30"), UnitID: i64(100)},
			},
			want:        map[int64]string{21: "70", 11: "30"},
			unallocated: "0",
		},
		{
			name:        "unit hint remainder stays unallocated",
			amount:      "40",
			spec:        []billing.AllocationHint{{Amount: dec("40"), UnitID: i64(200)}},
			want:        map[int64]string{22: "25"},
			unallocated: "15",
		},
		{
			name:        "other billing entity matches nothing",
			amount:      "10",
			spec:        []billing.AllocationHint{{Amount: dec("10"), BillingEntityID: i64(6)}},
			want:        map[int64]string{},
			unallocated: "10",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := MatchSpec(dec(tc.amount), openDetails(), tc.spec)
			require.NoError(t, err)
			require.Equal(t, tc.want, amounts(plan))
			require.True(t, dec(tc.unallocated).Equal(plan.Unallocated), "unallocated %s", plan.Unallocated)
		})
	}
}

func TestMatchSpecRejectsInvalidHints(t *testing.T) {
	_, err := MatchSpec(dec("10"), openDetails(), []billing.AllocationHint{{Amount: dec("6")}, {Amount: dec("5")}})
	require.ErrorIs(t, err, billing.ErrValidation)

	_, err = MatchSpec(dec("10"), openDetails(), []billing.AllocationHint{{Amount: dec("-1")}})
	require.ErrorIs(t, err, billing.ErrValidation)
}
