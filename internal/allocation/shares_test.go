package allocation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

type stubMeters map[int64]float64

func (m stubMeters) MeterReading(_ context.Context, meterID, _ int64) (float64, error) {
	v, ok := m[meterID]
	if !ok {
		return 0, billing.NotFound("meter reading", meterID)
	}
	return v, nil
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func leaf(id int64, mode billing.ShareMode, share *float64) Node {
	return &Leaf{ExpenseSplit: billing.ExpenseSplit{ID: id, ShareMode: mode, Share: share, Method: billing.MethodEqual}}
}

func derivedLeaf(id, part, total int64) Node {
	return &Leaf{ExpenseSplit: billing.ExpenseSplit{ID: id, ShareMode: billing.ShareDerived, PartMeterID: i64(part), TotalMeterID: i64(total), Method: billing.MethodEqual}}
}

func TestResolveShares(t *testing.T) {
	meters := stubMeters{1: 5, 2: 20, 3: 0}
	cases := []struct {
		name       string
		level      []Node
		want       []float64
		normalized bool
		wantErr    error
	}{
		{
			name:  "explicit derived remainder",
			level: []Node{leaf(1, billing.ShareExplicit, f64(0.6)), derivedLeaf(2, 1, 2), leaf(3, billing.ShareRemainder, nil)},
			want:  []float64{0.6, 0.25, 0.15},
		},
		{
			name:       "over one is scaled down",
			level:      []Node{leaf(1, billing.ShareExplicit, f64(0.8)), leaf(2, billing.ShareExplicit, f64(0.8))},
			want:       []float64{0.5, 0.5},
			normalized: true,
		},
		{
			name:       "normalized level leaves remainder empty",
			level:      []Node{leaf(1, billing.ShareExplicit, f64(1.5)), leaf(2, billing.ShareExplicit, f64(0.5)), leaf(3, billing.ShareRemainder, nil)},
			want:       []float64{0.75, 0.25, 0},
			normalized: true,
		},
		{
			name:    "second remainder rejected",
			level:   []Node{leaf(1, billing.ShareRemainder, nil), leaf(2, billing.ShareRemainder, nil)},
			wantErr: billing.ErrValidation,
		},
		{
			name:    "missing meter reading",
			level:   []Node{derivedLeaf(1, 9, 2), leaf(2, billing.ShareRemainder, nil)},
			wantErr: billing.ErrNotFound,
		},
		{
			name:    "non positive meter total",
			level:   []Node{derivedLeaf(1, 1, 3), leaf(2, billing.ShareRemainder, nil)},
			wantErr: billing.ErrValidation,
		},
		{
			name:    "under one without remainder",
			level:   []Node{leaf(1, billing.ShareExplicit, f64(0.3)), leaf(2, billing.ShareExplicit, f64(0.3))},
			wantErr: billing.ErrValidation,
		},
		{
			name:    "explicit share missing",
			level:   []Node{leaf(1, billing.ShareExplicit, nil)},
			wantErr: billing.ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ResolveShares(context.Background(), tc.level, meters, 1)
			if tc.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.normalized, res.Normalized)
			require.InDelta(t, 1, res.Sum(), billing.Epsilon)
			require.Len(t, res.Shares, len(tc.want))
			for i := range tc.want {
				require.InDelta(t, tc.want[i], res.Shares[i], billing.Epsilon)
			}
		})
	}
}

func TestResolveSharesWithoutMeterSupport(t *testing.T) {
	_, err := ResolveShares(context.Background(), []Node{derivedLeaf(1, 1, 2), leaf(2, billing.ShareRemainder, nil)}, nil, 1)
	require.ErrorIs(t, err, billing.ErrValidation)
}

func TestBuildTree(t *testing.T) {
	t.Run("branches and leaves", func(t *testing.T) {
		tree, err := BuildTree(7, []billing.ExpenseSplit{
			{ID: 1, ShareMode: billing.ShareExplicit, Share: f64(1)},
			{ID: 2, ParentID: i64(1), Position: 2, ShareMode: billing.ShareRemainder, Method: billing.MethodEqual},
			{ID: 3, ParentID: i64(1), Position: 1, ShareMode: billing.ShareExplicit, Share: f64(0.5), Method: billing.MethodBySqm},
		})
		require.NoError(t, err)
		require.Len(t, tree.Roots, 1)
		branch, ok := tree.Roots[0].(*Branch)
		require.True(t, ok)
		require.Len(t, branch.Children, 2)
		require.Equal(t, int64(3), branch.Children[0].Split().ID)
		require.Equal(t, billing.BasisCommunity, tree.Leaves()[0].Basis)
		require.Len(t, tree.Flatten(), 3)
	})

	invalid := map[string][]billing.ExpenseSplit{
		"unknown parent": {{ID: 1, ParentID: i64(9), Method: billing.MethodEqual}},
		"cycle": {
			{ID: 1, Share: f64(1), Method: billing.MethodEqual},
			{ID: 2, ParentID: i64(3)},
			{ID: 3, ParentID: i64(2)},
		},
		"leaf without method": {{ID: 1, Share: f64(1)}},
		"branch with basis": {
			{ID: 1, Share: f64(1), Basis: billing.BasisUnit, Method: billing.MethodEqual},
			{ID: 2, ParentID: i64(1), Share: f64(1), Method: billing.MethodEqual},
		},
	}
	for name, splits := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := BuildTree(1, splits)
			require.ErrorIs(t, err, billing.ErrValidation)
		})
	}
}
