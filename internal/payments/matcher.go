// Package payments applies payments to open charges and keeps the
// applications consistent whenever charges change.
package payments

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Application is a planned payment application.
type Application struct {
	EntryID  int64
	DetailID int64
	UnitID   *int64
	Amount   decimal.Decimal
}

// Plan is the outcome of matching one payment.
type Plan struct {
	Applications []Application
	Unallocated  decimal.Decimal
}

// Applied is the total of the planned applications.
func (p Plan) Applied() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Applications {
		total = total.Add(a.Amount)
	}
	return total
}

type ledgerCursor struct {
	open      []billing.ChargeDetail
	remaining map[int64]decimal.Decimal
	order     []int64
	applied   map[int64]*Application
}

func newCursor(open []billing.ChargeDetail) *ledgerCursor {
	c := &ledgerCursor{
		open:      open,
		remaining: make(map[int64]decimal.Decimal, len(open)),
		applied:   map[int64]*Application{},
	}
	for _, d := range open {
		c.remaining[d.DetailID] = d.Remaining()
	}
	return c
}

// consume walks the open details in order, taking from those accepted by
// keep, and returns what could not be placed.
func (c *ledgerCursor) consume(amount decimal.Decimal, keep func(billing.ChargeDetail) bool) decimal.Decimal {
	left := amount
	for _, d := range c.open {
		if !left.IsPositive() {
			break
		}
		rem := c.remaining[d.DetailID]
		if !rem.IsPositive() || (keep != nil && !keep(d)) {
			continue
		}
		take := decimal.Min(rem, left)
		c.remaining[d.DetailID] = rem.Sub(take)
		left = left.Sub(take)
		if a, ok := c.applied[d.DetailID]; ok {
			a.Amount = a.Amount.Add(take)
			continue
		}
		c.applied[d.DetailID] = &Application{EntryID: d.EntryID, DetailID: d.DetailID, UnitID: d.UnitID, Amount: take}
		c.order = append(c.order, d.DetailID)
	}
	return left
}

func (c *ledgerCursor) plan(unallocated decimal.Decimal) Plan {
	out := Plan{Unallocated: unallocated, Applications: make([]Application, 0, len(c.order))}
	for _, id := range c.order {
		out.Applications = append(out.Applications, *c.applied[id])
	}
	return out
}

// Match consumes open charge details greedily in the order given.
func Match(amount decimal.Decimal, open []billing.ChargeDetail) Plan {
	c := newCursor(open)
	return c.plan(c.consume(amount, nil))
}

// MatchSpec applies each hint in order to the details it selects. Hint
// remainders and the un-hinted part of the payment stay unallocated.
// Applications to the same detail from several hints are merged.
func MatchSpec(amount decimal.Decimal, open []billing.ChargeDetail, spec []billing.AllocationHint) (Plan, error) {
	hinted := decimal.Zero
	for i, h := range spec {
		if h.Amount.IsNegative() {
			return Plan{}, billing.Invalid("spec", "line %d amount is negative", i)
		}
		hinted = hinted.Add(h.Amount)
	}
	if hinted.GreaterThan(amount) {
		return Plan{}, billing.Invalid("spec", "hints total %s exceeds payment amount %s", hinted, amount)
	}
	c := newCursor(open)
	unallocated := amount.Sub(hinted)
	for _, h := range spec {
		unallocated = unallocated.Add(c.consume(h.Amount, selects(h)))
	}
	return c.plan(unallocated), nil
}

func selects(h billing.AllocationHint) func(billing.ChargeDetail) bool {
	return func(d billing.ChargeDetail) bool {
		if h.Bucket != "" && d.Bucket != h.Bucket {
			return false
		}
		if h.UnitID != nil && (d.UnitID == nil || *d.UnitID != *h.UnitID) {
			return false
		}
		if h.BillingEntityID != nil && d.BillingEntityID != *h.BillingEntityID {
			return false
		}
		return true
	}
}
