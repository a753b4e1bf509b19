// Package memory provides a transactional in-memory ledger store used by
// tests and local tooling.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Store keeps the ledger in memory. WithTx runs against a private copy of
// the state that replaces the committed state only when fn succeeds.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	meterMu sync.RWMutex
	meters  map[meterKey]float64
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: time.Now, meters: map[meterKey]float64{}}
}

// WithNow overrides the clock used for creation timestamps.
func (s *Store) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithTx executes fn within an isolated unit of work.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// MeterReading implements billing.MeterReader.
func (s *Store) MeterReading(_ context.Context, meterID, periodID int64) (float64, error) {
	s.meterMu.RLock()
	defer s.meterMu.RUnlock()
	v, ok := s.meters[meterKey{meterID, periodID}]
	if !ok {
		return 0, billing.NotFound("meter reading", meterKeyString(meterID, periodID))
	}
	return v, nil
}

// SetMeterReading records a meter value for a period.
func (s *Store) SetMeterReading(meterID, periodID int64, value float64) {
	s.meterMu.Lock()
	defer s.meterMu.Unlock()
	s.meters[meterKey{meterID, periodID}] = value
}

func (s *Store) seed(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// AddPeriod stores a period, assigning an id when zero.
func (s *Store) AddPeriod(p billing.Period) billing.Period {
	s.seed(func(st *state) {
		if p.ID == 0 {
			p.ID = st.id()
		}
		if p.Status == "" {
			p.Status = billing.PeriodOpen
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now()
		}
		st.periods[p.ID] = p
	})
	return p
}

// AddUnit stores a unit.
func (s *Store) AddUnit(u billing.Unit) billing.Unit {
	s.seed(func(st *state) {
		if u.ID == 0 {
			u.ID = st.id()
		}
		st.units[u.ID] = u
	})
	return u
}

// AddGroup stores a unit group.
func (s *Store) AddGroup(g billing.UnitGroup) billing.UnitGroup {
	s.seed(func(st *state) {
		if g.ID == 0 {
			g.ID = st.id()
		}
		st.groups[g.ID] = g
	})
	return g
}

// AddGroupMember stores a group membership.
func (s *Store) AddGroupMember(m billing.Membership) billing.Membership {
	s.seed(func(st *state) {
		if m.ID == 0 {
			m.ID = st.id()
		}
		st.groupMembers[m.ID] = m
	})
	return m
}

// AddBillingEntity stores a billing entity.
func (s *Store) AddBillingEntity(be billing.BillingEntity) billing.BillingEntity {
	s.seed(func(st *state) {
		if be.ID == 0 {
			be.ID = st.id()
		}
		st.entities[be.ID] = be
	})
	return be
}

// AddBillingMember stores a billing entity membership.
func (s *Store) AddBillingMember(m billing.Membership) billing.Membership {
	s.seed(func(st *state) {
		if m.ID == 0 {
			m.ID = st.id()
		}
		st.entityMembers[m.ID] = m
	})
	return m
}

// AddExpenseType stores an expense type.
func (s *Store) AddExpenseType(et billing.ExpenseType) billing.ExpenseType {
	s.seed(func(st *state) {
		if et.ID == 0 {
			et.ID = st.id()
		}
		st.expenseTypes[et.ID] = et
	})
	return et
}

// AddRule stores an allocation rule.
func (s *Store) AddRule(r billing.AllocationRule) billing.AllocationRule {
	s.seed(func(st *state) {
		if r.ID == 0 {
			r.ID = st.id()
		}
		st.rules[r.ID] = r
	})
	return r
}

// AddExpense stores an expense.
func (s *Store) AddExpense(e billing.Expense) billing.Expense {
	s.seed(func(st *state) {
		if e.ID == 0 {
			e.ID = st.id()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		st.expenses[e.ID] = e
	})
	return e
}

// AddSplit stores an expense split node.
func (s *Store) AddSplit(sp billing.ExpenseSplit) billing.ExpenseSplit {
	s.seed(func(st *state) {
		if sp.ID == 0 {
			sp.ID = st.id()
		}
		st.splits[sp.ID] = sp
	})
	return sp
}

// SetMeasure records a measured value for a unit.
func (s *Store) SetMeasure(m billing.PeriodMeasure) {
	s.seed(func(st *state) {
		st.measures[measureKey{m.PeriodID, m.MeasureType, m.UnitID}] = m.Value
	})
}

// AddBucketRule stores a bucket rule.
func (s *Store) AddBucketRule(r billing.BucketRule) billing.BucketRule {
	s.seed(func(st *state) {
		if r.ID == 0 {
			r.ID = st.id()
		}
		st.bucketRules[r.ID] = r
	})
	return r
}

// AddSplitGroupMember places a split node in a split group.
func (s *Store) AddSplitGroupMember(m billing.SplitGroupMember) {
	s.seed(func(st *state) {
		st.splitGroups = append(st.splitGroups, m)
	})
}

// AddProgram stores a funding program.
func (s *Store) AddProgram(p billing.Program) billing.Program {
	s.seed(func(st *state) {
		if p.ID == 0 {
			p.ID = st.id()
		}
		st.programs[p.ID] = p
	})
	return p
}

// AddPayment stores a payment.
func (s *Store) AddPayment(p billing.Payment) billing.Payment {
	s.seed(func(st *state) {
		if p.ID == 0 {
			p.ID = st.id()
		}
		if p.Status == "" {
			p.Status = billing.PaymentPending
		}
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = s.now()
		}
		st.payments[p.ID] = p
	})
	return p
}

// AddOpeningBalance stores an opening balance.
func (s *Store) AddOpeningBalance(ob billing.OpeningBalance) {
	s.seed(func(st *state) {
		st.openings[periodEntityKey{ob.PeriodID, ob.BillingEntityID}] = ob
	})
}
