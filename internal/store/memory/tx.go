package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

type tx struct {
	st  *state
	now func() time.Time
}

var _ billing.Tx = (*tx)(nil)

func meterKeyString(meterID, periodID int64) string {
	return fmt.Sprintf("meter %d period %d", meterID, periodID)
}

// periods

func (t *tx) GetPeriod(_ context.Context, id int64) (billing.Period, error) {
	p, ok := t.st.periods[id]
	if !ok {
		return billing.Period{}, billing.NotFound("period", id)
	}
	return p, nil
}

func (t *tx) GetPeriodByCode(_ context.Context, communityID int64, code string) (billing.Period, error) {
	for _, p := range t.st.periods {
		if p.CommunityID == communityID && p.Code == code {
			return p, nil
		}
	}
	return billing.Period{}, billing.NotFound("period", code)
}

func (t *tx) communityPeriods(communityID int64) []billing.Period {
	return sortedValues(t.st.periods,
		func(p billing.Period) bool { return p.CommunityID == communityID },
		func(a, b billing.Period) int { return a.Seq - b.Seq })
}

func (t *tx) LatestPeriod(_ context.Context, communityID int64) (billing.Period, bool, error) {
	ps := t.communityPeriods(communityID)
	if len(ps) == 0 {
		return billing.Period{}, false, nil
	}
	return ps[len(ps)-1], true, nil
}

func (t *tx) PriorPeriod(_ context.Context, communityID int64, seq int) (billing.Period, bool, error) {
	ps := t.communityPeriods(communityID)
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Seq < seq {
			return ps[i], true, nil
		}
	}
	return billing.Period{}, false, nil
}

func (t *tx) NextPeriod(_ context.Context, communityID int64, seq int) (billing.Period, bool, error) {
	for _, p := range t.communityPeriods(communityID) {
		if p.Seq > seq {
			return p, true, nil
		}
	}
	return billing.Period{}, false, nil
}

func (t *tx) HasLaterClosedPeriod(_ context.Context, communityID int64, seq int) (bool, error) {
	for _, p := range t.communityPeriods(communityID) {
		if p.Seq > seq && p.Status == billing.PeriodClosed {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertPeriod(_ context.Context, p billing.Period) (billing.Period, error) {
	for _, existing := range t.st.periods {
		if existing.CommunityID != p.CommunityID {
			continue
		}
		if existing.Code == p.Code {
			return billing.Period{}, billing.Inconsistent("insert period", "code %s already exists", p.Code)
		}
		if existing.Seq >= p.Seq {
			return billing.Period{}, billing.Inconsistent("insert period", "seq %d is not after %d", p.Seq, existing.Seq)
		}
	}
	p.ID = t.st.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.now()
	}
	t.st.periods[p.ID] = p
	return p, nil
}

func (t *tx) UpdatePeriod(_ context.Context, p billing.Period) error {
	existing, ok := t.st.periods[p.ID]
	if !ok {
		return billing.NotFound("period", p.ID)
	}
	existing.Status = p.Status
	existing.PreparedAt = p.PreparedAt
	existing.ClosedAt = p.ClosedAt
	t.st.periods[p.ID] = existing
	return nil
}

// topology

func (t *tx) ListUnits(_ context.Context, communityID int64) ([]billing.Unit, error) {
	return sortedValues(t.st.units,
		func(u billing.Unit) bool { return u.CommunityID == communityID },
		func(a, b billing.Unit) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) GetUnitByCode(_ context.Context, communityID int64, code string) (billing.Unit, error) {
	for _, u := range t.st.units {
		if u.CommunityID == communityID && u.Code == code {
			return u, nil
		}
	}
	return billing.Unit{}, billing.NotFound("unit", code)
}

func (t *tx) GetUnitGroupByCode(_ context.Context, communityID int64, code string) (billing.UnitGroup, error) {
	for _, g := range t.st.groups {
		if g.CommunityID == communityID && g.Code == code {
			return g, nil
		}
	}
	return billing.UnitGroup{}, billing.NotFound("unit group", code)
}

func (t *tx) ListGroupMemberships(_ context.Context, groupID int64) ([]billing.Membership, error) {
	return sortedValues(t.st.groupMembers,
		func(m billing.Membership) bool { return m.ParentID == groupID },
		func(a, b billing.Membership) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) ListBillingEntities(_ context.Context, communityID int64) ([]billing.BillingEntity, error) {
	return sortedValues(t.st.entities,
		func(be billing.BillingEntity) bool { return be.CommunityID == communityID },
		func(a, b billing.BillingEntity) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) ListBillingMemberships(_ context.Context, communityID int64) ([]billing.Membership, error) {
	return sortedValues(t.st.entityMembers,
		func(m billing.Membership) bool { return t.st.entities[m.ParentID].CommunityID == communityID },
		func(a, b billing.Membership) int { return cmpInt64(a.ID, b.ID) }), nil
}

// expenses

func (t *tx) GetExpense(_ context.Context, id int64) (billing.Expense, error) {
	e, ok := t.st.expenses[id]
	if !ok {
		return billing.Expense{}, billing.NotFound("expense", id)
	}
	return e, nil
}

func (t *tx) ListPeriodExpenses(_ context.Context, periodID int64) ([]billing.Expense, error) {
	return sortedValues(t.st.expenses,
		func(e billing.Expense) bool { return e.PeriodID == periodID },
		func(a, b billing.Expense) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) GetExpenseType(_ context.Context, id int64) (billing.ExpenseType, error) {
	et, ok := t.st.expenseTypes[id]
	if !ok {
		return billing.ExpenseType{}, billing.NotFound("expense type", id)
	}
	return et, nil
}

func (t *tx) GetAllocationRule(_ context.Context, id int64) (billing.AllocationRule, error) {
	r, ok := t.st.rules[id]
	if !ok {
		return billing.AllocationRule{}, billing.NotFound("allocation rule", id)
	}
	return r, nil
}

func (t *tx) ListExpenseSplits(_ context.Context, expenseID int64) ([]billing.ExpenseSplit, error) {
	return sortedValues(t.st.splits,
		func(s billing.ExpenseSplit) bool { return s.ExpenseID == expenseID },
		func(a, b billing.ExpenseSplit) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) InsertExpenseSplit(_ context.Context, split billing.ExpenseSplit) (billing.ExpenseSplit, error) {
	if _, ok := t.st.expenses[split.ExpenseID]; !ok {
		return billing.ExpenseSplit{}, billing.NotFound("expense", split.ExpenseID)
	}
	split.ID = t.st.id()
	t.st.splits[split.ID] = split
	return split, nil
}

func (t *tx) UpdateSplitResolution(_ context.Context, splitID int64, share float64, normalized bool) error {
	s, ok := t.st.splits[splitID]
	if !ok {
		return billing.NotFound("split", splitID)
	}
	s.ResolvedShare = share
	s.Normalized = normalized
	t.st.splits[splitID] = s
	return nil
}

func (t *tx) ListPeriodMeasures(_ context.Context, periodID int64, measureType string) (map[int64]float64, error) {
	out := map[int64]float64{}
	for k, v := range t.st.measures {
		if k.periodID == periodID && k.measureType == measureType {
			out[k.unitID] = v
		}
	}
	return out, nil
}

// allocation output

func (t *tx) DeleteAllocation(_ context.Context, expenseID int64) error {
	for k := range t.st.lines {
		if k.expenseID == expenseID {
			delete(t.st.lines, k)
		}
	}
	for id, wv := range t.st.vectors {
		if wv.ExpenseID == expenseID {
			delete(t.st.vectors, id)
		}
	}
	return nil
}

func (t *tx) AddAllocationLine(_ context.Context, line billing.AllocationLine) error {
	k := lineKey{line.ExpenseID, line.UnitID, splitKey(line.SplitID)}
	if existing, ok := t.st.lines[k]; ok {
		existing.Amount = existing.Amount.Add(line.Amount)
		t.st.lines[k] = existing
		return nil
	}
	line.ID = t.st.id()
	t.st.lines[k] = line
	return nil
}

func (t *tx) InsertWeightVector(_ context.Context, wv billing.WeightVector) error {
	wv.ID = t.st.id()
	wv.Items = slices.Clone(wv.Items)
	t.st.vectors[wv.ID] = wv
	return nil
}

func (t *tx) ListAllocationLines(_ context.Context, expenseID int64) ([]billing.AllocationLine, error) {
	return sortedValues(t.st.lines,
		func(l billing.AllocationLine) bool { return l.ExpenseID == expenseID },
		func(a, b billing.AllocationLine) int {
			if c := cmpInt64(splitKey(a.SplitID), splitKey(b.SplitID)); c != 0 {
				return c
			}
			return cmpInt64(a.UnitID, b.UnitID)
		}), nil
}

func (t *tx) ListWeightVectors(_ context.Context, expenseID int64) ([]billing.WeightVector, error) {
	return sortedValues(t.st.vectors,
		func(wv billing.WeightVector) bool { return wv.ExpenseID == expenseID },
		func(a, b billing.WeightVector) int { return cmpInt64(a.ID, b.ID) }), nil
}

// classification

func (t *tx) ListBucketRules(_ context.Context, communityID int64) ([]billing.BucketRule, error) {
	return sortedValues(t.st.bucketRules,
		func(r billing.BucketRule) bool { return r.CommunityID == communityID },
		func(a, b billing.BucketRule) int {
			if a.Priority != b.Priority {
				return a.Priority - b.Priority
			}
			return cmpInt64(a.ID, b.ID)
		}), nil
}

func (t *tx) ListSplitGroupMembers(_ context.Context, communityID int64) ([]billing.SplitGroupMember, error) {
	var out []billing.SplitGroupMember
	for _, m := range t.st.splitGroups {
		split, ok := t.st.splits[m.SplitID]
		if !ok {
			continue
		}
		if t.st.expenses[split.ExpenseID].CommunityID == communityID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) ListPrograms(_ context.Context, communityID int64) ([]billing.Program, error) {
	return sortedValues(t.st.programs,
		func(p billing.Program) bool { return p.CommunityID == communityID },
		func(a, b billing.Program) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) ReplaceProgramInvoices(_ context.Context, periodID int64, invoices []billing.ProgramInvoice) error {
	if len(invoices) == 0 {
		delete(t.st.programInvoices, periodID)
		return nil
	}
	t.st.programInvoices[periodID] = slices.Clone(invoices)
	return nil
}

// ledger

func (t *tx) UpsertLedgerEntry(_ context.Context, e billing.LedgerEntry) (billing.LedgerEntry, error) {
	e.Details = nil
	if id, ok := t.st.entryKeys[keyOf(e)]; ok {
		existing := t.st.entries[id]
		existing.Kind = e.Kind
		existing.Amount = e.Amount
		t.st.entries[id] = existing
		return existing, nil
	}
	e.ID = t.st.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	t.st.entries[e.ID] = e
	t.st.entryKeys[keyOf(e)] = e.ID
	return e, nil
}

func (t *tx) ReplaceEntryDetails(_ context.Context, entryID int64, details []billing.LedgerEntryDetail) ([]billing.LedgerEntryDetail, error) {
	if _, ok := t.st.entries[entryID]; !ok {
		return nil, billing.NotFound("ledger entry", entryID)
	}
	if err := t.dropDetails(entryID); err != nil {
		return nil, err
	}
	out := make([]billing.LedgerEntryDetail, 0, len(details))
	for _, d := range details {
		d.ID = t.st.id()
		d.EntryID = entryID
		t.st.details[d.ID] = d
		out = append(out, d)
	}
	return out, nil
}

// dropDetails removes an entry's details. Applications must already be gone;
// references from payment details are cleared.
func (t *tx) dropDetails(entryID int64) error {
	for k := range t.st.applications {
		if t.st.applications[k].ChargeEntryID == entryID {
			return billing.Inconsistent("delete ledger details", "entry %d still has payment applications", entryID)
		}
	}
	removed := map[int64]bool{}
	for id, d := range t.st.details {
		if d.EntryID == entryID {
			removed[id] = true
			delete(t.st.details, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for id, d := range t.st.details {
		if d.ChargeDetailID != nil && removed[*d.ChargeDetailID] {
			d.ChargeDetailID = nil
			t.st.details[id] = d
		}
	}
	return nil
}

func (t *tx) entryDetails(entryID int64) []billing.LedgerEntryDetail {
	return sortedValues(t.st.details,
		func(d billing.LedgerEntryDetail) bool { return d.EntryID == entryID },
		func(a, b billing.LedgerEntryDetail) int { return cmpInt64(a.ID, b.ID) })
}

func compareEntries(a, b billing.LedgerEntry) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmpInt64(a.ID, b.ID)
}

func (t *tx) ListLedgerEntries(_ context.Context, f billing.LedgerFilter) ([]billing.LedgerEntry, error) {
	entries := sortedValues(t.st.entries, f.Matches, compareEntries)
	for i := range entries {
		entries[i].Details = t.entryDetails(entries[i].ID)
	}
	return entries, nil
}

func (t *tx) DeleteLedgerEntries(_ context.Context, ids []int64) error {
	for _, id := range ids {
		e, ok := t.st.entries[id]
		if !ok {
			continue
		}
		if err := t.dropDetails(id); err != nil {
			return err
		}
		delete(t.st.entryKeys, keyOf(e))
		delete(t.st.entries, id)
	}
	return nil
}

func (t *tx) PromoteStage(_ context.Context, periodID int64, from, to string) error {
	var promote []billing.LedgerEntry
	for _, e := range t.st.entries {
		if e.PeriodID == periodID && e.RefType == from {
			promote = append(promote, e)
		}
	}
	for _, e := range promote {
		next := e
		next.RefType = to
		if _, clash := t.st.entryKeys[keyOf(next)]; clash {
			return billing.Inconsistent("promote stage", "entry %s/%s already exists for bucket %s", to, e.RefID, e.Bucket)
		}
		delete(t.st.entryKeys, keyOf(e))
		t.st.entries[e.ID] = next
		t.st.entryKeys[keyOf(next)] = e.ID
	}
	return nil
}

func (t *tx) UpdateRunningDue(_ context.Context, entryID int64, due decimal.Decimal) error {
	e, ok := t.st.entries[entryID]
	if !ok {
		return billing.NotFound("ledger entry", entryID)
	}
	e.RunningDue = due
	t.st.entries[entryID] = e
	return nil
}

// statements

func (t *tx) UpsertStatement(_ context.Context, s billing.Statement) error {
	t.st.statements[periodEntityKey{s.PeriodID, s.BillingEntityID}] = s
	return nil
}

func (t *tx) GetStatement(_ context.Context, periodID, billingEntityID int64) (billing.Statement, bool, error) {
	s, ok := t.st.statements[periodEntityKey{periodID, billingEntityID}]
	return s, ok, nil
}

func (t *tx) ListStatements(_ context.Context, periodID int64) ([]billing.Statement, error) {
	return sortedValues(t.st.statements,
		func(s billing.Statement) bool { return s.PeriodID == periodID },
		func(a, b billing.Statement) int { return cmpInt64(a.BillingEntityID, b.BillingEntityID) }), nil
}

func (t *tx) DeleteStatements(_ context.Context, periodID int64) error {
	for k := range t.st.statements {
		if k.periodID == periodID {
			delete(t.st.statements, k)
		}
	}
	return nil
}

func (t *tx) GetOpeningBalance(_ context.Context, periodID, billingEntityID int64) (billing.OpeningBalance, bool, error) {
	ob, ok := t.st.openings[periodEntityKey{periodID, billingEntityID}]
	return ob, ok, nil
}

func (t *tx) UpsertOpeningBalance(_ context.Context, ob billing.OpeningBalance) error {
	t.st.openings[periodEntityKey{ob.PeriodID, ob.BillingEntityID}] = ob
	return nil
}

// payments

func (t *tx) GetPayment(_ context.Context, id int64) (billing.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return billing.Payment{}, billing.NotFound("payment", id)
	}
	return p, nil
}

func (t *tx) UpdatePayment(_ context.Context, p billing.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return billing.NotFound("payment", p.ID)
	}
	p.Spec = slices.Clone(p.Spec)
	t.st.payments[p.ID] = p
	return nil
}

func (t *tx) ListPostedPayments(_ context.Context, billingEntityID int64) ([]billing.Payment, error) {
	return sortedValues(t.st.payments,
		func(p billing.Payment) bool {
			return p.BillingEntityID == billingEntityID && p.Status == billing.PaymentPosted
		},
		func(a, b billing.Payment) int {
			if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
				return c
			}
			return cmpInt64(a.ID, b.ID)
		}), nil
}

func (t *tx) ListChargeDetails(_ context.Context, billingEntityID int64) ([]billing.ChargeDetail, error) {
	applied := map[int64]decimal.Decimal{}
	for _, a := range t.st.applications {
		applied[a.ChargeDetailID] = applied[a.ChargeDetailID].Add(a.Amount)
	}
	var out []billing.ChargeDetail
	for _, d := range t.st.details {
		e := t.st.entries[d.EntryID]
		if e.Kind != billing.KindCharge || e.BillingEntityID != billingEntityID {
			continue
		}
		out = append(out, billing.ChargeDetail{
			EntryID:         e.ID,
			DetailID:        d.ID,
			PeriodID:        e.PeriodID,
			BillingEntityID: e.BillingEntityID,
			Bucket:          e.Bucket,
			UnitID:          d.UnitID,
			Amount:          d.Amount,
			Applied:         applied[d.ID],
			CreatedAt:       e.CreatedAt,
		})
	}
	slices.SortFunc(out, func(a, b billing.ChargeDetail) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpInt64(a.DetailID, b.DetailID)
	})
	return out, nil
}

func (t *tx) InsertPaymentApplication(_ context.Context, a billing.PaymentApplication) error {
	d, ok := t.st.details[a.ChargeDetailID]
	if !ok {
		return billing.NotFound("charge detail", a.ChargeDetailID)
	}
	if d.EntryID != a.ChargeEntryID {
		return billing.Invalid("application", "detail %d does not belong to entry %d", a.ChargeDetailID, a.ChargeEntryID)
	}
	k := applicationKey{a.PaymentID, a.ChargeDetailID}
	if existing, ok := t.st.applications[k]; ok {
		a.ID = existing.ID
	} else {
		a.ID = t.st.id()
	}
	t.st.applications[k] = a
	return nil
}

func (t *tx) DeletePaymentApplications(_ context.Context, paymentID int64) error {
	for k := range t.st.applications {
		if k.paymentID == paymentID {
			delete(t.st.applications, k)
		}
	}
	return nil
}

func (t *tx) ListPaymentApplications(_ context.Context, paymentID int64) ([]billing.PaymentApplication, error) {
	return sortedValues(t.st.applications,
		func(a billing.PaymentApplication) bool { return a.PaymentID == paymentID },
		func(a, b billing.PaymentApplication) int { return cmpInt64(a.ChargeDetailID, b.ChargeDetailID) }), nil
}

func (t *tx) ApplicationsForEntries(_ context.Context, entryIDs []int64) ([]billing.PaymentApplication, error) {
	return sortedValues(t.st.applications,
		func(a billing.PaymentApplication) bool { return slices.Contains(entryIDs, a.ChargeEntryID) },
		func(a, b billing.PaymentApplication) int { return cmpInt64(a.ID, b.ID) }), nil
}

func (t *tx) DeleteApplicationsForEntries(_ context.Context, entryIDs []int64) error {
	for k, a := range t.st.applications {
		if slices.Contains(entryIDs, a.ChargeEntryID) {
			delete(t.st.applications, k)
		}
	}
	return nil
}
