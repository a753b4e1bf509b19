package allocation

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Topology is the read surface needed to resolve a unit basis.
type Topology interface {
	ListUnits(ctx context.Context, communityID int64) ([]billing.Unit, error)
	GetUnitByCode(ctx context.Context, communityID int64, code string) (billing.Unit, error)
	GetUnitGroupByCode(ctx context.Context, communityID int64, code string) (billing.UnitGroup, error)
	ListGroupMemberships(ctx context.Context, groupID int64) ([]billing.Membership, error)
}

// MeasureSource supplies measured values per unit.
type MeasureSource interface {
	ListPeriodMeasures(ctx context.Context, periodID int64, measureType string) (map[int64]float64, error)
}

// ResolveBasis returns the units eligible at the given seq, ordered by id.
func ResolveBasis(ctx context.Context, topo Topology, communityID int64, seq int, basis billing.BasisType, code string) ([]billing.Unit, error) {
	var units []billing.Unit
	switch basis {
	case billing.BasisCommunity, "":
		all, err := topo.ListUnits(ctx, communityID)
		if err != nil {
			return nil, err
		}
		units = all
	case billing.BasisGroup:
		group, err := topo.GetUnitGroupByCode(ctx, communityID, code)
		if err != nil {
			return nil, err
		}
		members, err := topo.ListGroupMemberships(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		active := make(map[int64]bool, len(members))
		for _, m := range members {
			if m.ActiveAt(seq) {
				active[m.UnitID] = true
			}
		}
		all, err := topo.ListUnits(ctx, communityID)
		if err != nil {
			return nil, err
		}
		for _, u := range all {
			if active[u.ID] {
				units = append(units, u)
			}
		}
	case billing.BasisUnit:
		unit, err := topo.GetUnitByCode(ctx, communityID, code)
		if err != nil {
			return nil, err
		}
		units = []billing.Unit{unit}
	default:
		return nil, billing.Invalid("basis", "unknown basis %q", basis)
	}
	if len(units) == 0 {
		return nil, billing.Invalid("basis", "%s %s has no active units at seq %d", basis, code, seq)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// WeightRequest describes one weighting pass over a basis.
type WeightRequest struct {
	ExpenseID int64
	SplitID   *int64
	PeriodID  int64
	Units     []billing.Unit
	Method    billing.AllocationMethod
	Weights   map[string]float64
	// MeasureType overrides the measure implied by Method.
	MeasureType string
}

// Weigh computes normalised weights for the basis units. A zero
// denominator is always a ZeroWeightError.
func Weigh(ctx context.Context, measures MeasureSource, req WeightRequest) (billing.WeightVector, error) {
	wv := billing.WeightVector{
		ExpenseID: req.ExpenseID,
		SplitID:   req.SplitID,
		Method:    req.Method,
	}
	raw := make([]float64, len(req.Units))
	switch req.Method {
	case billing.MethodEqual:
		for i := range raw {
			raw[i] = 1
		}
	case billing.MethodExplicit:
		known := make(map[string]bool, len(req.Units))
		for i, u := range req.Units {
			known[u.Code] = true
			w := req.Weights[u.Code]
			if w < 0 {
				return wv, billing.Invalid("weights", "unit %s has negative weight %.6f", u.Code, w)
			}
			raw[i] = w
		}
		for code := range req.Weights {
			if !known[code] {
				return wv, billing.Invalid("weights", "unit %s is not in the basis", code)
			}
		}
	default:
		measure := req.MeasureType
		if measure == "" {
			var ok bool
			measure, ok = req.Method.MeasureType()
			if !ok {
				return wv, billing.Invalid("method", "unknown allocation method %q", req.Method)
			}
		}
		wv.MeasureType = measure
		values, err := measures.ListPeriodMeasures(ctx, req.PeriodID, measure)
		if err != nil {
			return wv, err
		}
		for i, u := range req.Units {
			v, ok := values[u.ID]
			if !ok {
				return wv, billing.NotFound("measure", fmt.Sprintf("%s for unit %s", measure, u.Code))
			}
			if v < 0 {
				return wv, billing.Invalid("measure", "%s for unit %s is negative", measure, u.Code)
			}
			raw[i] = v
		}
	}

	total := 0.0
	for _, r := range raw {
		total += r
	}
	if total <= 0 {
		return wv, &billing.ZeroWeightError{ExpenseID: req.ExpenseID, SplitID: req.SplitID, Method: req.Method}
	}
	wv.Total = total
	wv.Items = make([]billing.WeightItem, len(req.Units))
	for i, u := range req.Units {
		wv.Items[i] = billing.WeightItem{UnitID: u.ID, Raw: raw[i], Weight: raw[i] / total}
	}
	return wv, nil
}

// Distribute splits amount in proportion to the item weights using the
// largest remainder method. Each weighted part is floored to MoneyPlaces,
// then the leftover units go to the largest remainders, later items first
// on ties. Parts sum exactly to amount and never take the opposite sign.
func Distribute(amount decimal.Decimal, items []billing.WeightItem) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(items))
	for i := range parts {
		parts[i] = decimal.Zero
	}
	if amount.IsNegative() {
		for i, p := range Distribute(amount.Neg(), items) {
			parts[i] = p.Neg()
		}
		return parts
	}
	sum := 0.0
	for _, it := range items {
		if it.Weight > 0 {
			sum += it.Weight
		}
	}
	if sum <= 0 {
		return parts
	}

	type remainder struct {
		idx int
		rem decimal.Decimal
	}
	var rems []remainder
	allocated := decimal.Zero
	for i, it := range items {
		if it.Weight <= 0 {
			continue
		}
		raw := amount.Mul(decimal.NewFromFloat(it.Weight / sum))
		parts[i] = raw.Truncate(billing.MoneyPlaces)
		allocated = allocated.Add(parts[i])
		rems = append(rems, remainder{idx: i, rem: raw.Sub(parts[i])})
	}
	slices.SortStableFunc(rems, func(a, b remainder) int {
		if c := b.rem.Cmp(a.rem); c != 0 {
			return c
		}
		return cmp.Compare(b.idx, a.idx)
	})

	unit := decimal.New(1, -billing.MoneyPlaces)
	left := amount.Sub(allocated)
	for i := 0; left.GreaterThanOrEqual(unit); i = (i + 1) % len(rems) {
		j := rems[i].idx
		parts[j] = parts[j].Add(unit)
		left = left.Sub(unit)
	}
	// float weights may overshoot; take units back from the smallest remainders
	for i := len(rems) - 1; left.LessThanOrEqual(unit.Neg()); i = (i + len(rems) - 1) % len(rems) {
		if j := rems[i].idx; parts[j].GreaterThanOrEqual(unit) {
			parts[j] = parts[j].Sub(unit)
			left = left.Add(unit)
		}
	}
	if !left.IsZero() {
		// sub-unit residue of an amount finer than MoneyPlaces
		largest := rems[0].idx
		for _, r := range rems {
			if parts[r.idx].GreaterThan(parts[largest]) {
				largest = r.idx
			}
		}
		parts[largest] = parts[largest].Add(left)
	}
	return parts
}

// DistributeShares splits amount across sibling shares the way
// Distribute splits it across units.
func DistributeShares(amount decimal.Decimal, shares []float64) []decimal.Decimal {
	items := make([]billing.WeightItem, len(shares))
	for i, s := range shares {
		items[i] = billing.WeightItem{Weight: s}
	}
	return Distribute(amount, items)
}
