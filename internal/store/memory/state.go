package memory

import (
	"cmp"
	"maps"
	"slices"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

type lineKey struct {
	expenseID int64
	unitID    int64
	splitID   int64
}

type periodEntityKey struct {
	periodID int64
	entityID int64
}

type measureKey struct {
	periodID    int64
	measureType string
	unitID      int64
}

type meterKey struct {
	meterID  int64
	periodID int64
}

type entryKey struct {
	communityID int64
	periodID    int64
	entityID    int64
	refType     string
	refID       string
	bucket      string
}

func keyOf(e billing.LedgerEntry) entryKey {
	return entryKey{e.CommunityID, e.PeriodID, e.BillingEntityID, e.RefType, e.RefID, e.Bucket}
}

type applicationKey struct {
	paymentID int64
	detailID  int64
}

// state is one consistent version of the data. Values are stored by copy
// and nested slices are always replaced, never mutated, so a shallow clone
// of every map isolates a transaction.
type state struct {
	nextID int64

	periods       map[int64]billing.Period
	units         map[int64]billing.Unit
	groups        map[int64]billing.UnitGroup
	groupMembers  map[int64]billing.Membership
	entities      map[int64]billing.BillingEntity
	entityMembers map[int64]billing.Membership

	expenseTypes map[int64]billing.ExpenseType
	rules        map[int64]billing.AllocationRule
	expenses     map[int64]billing.Expense
	splits       map[int64]billing.ExpenseSplit
	measures     map[measureKey]float64

	lines   map[lineKey]billing.AllocationLine
	vectors map[int64]billing.WeightVector

	bucketRules     map[int64]billing.BucketRule
	splitGroups     []billing.SplitGroupMember
	programs        map[int64]billing.Program
	programInvoices map[int64][]billing.ProgramInvoice

	entries      map[int64]billing.LedgerEntry
	entryKeys    map[entryKey]int64
	details      map[int64]billing.LedgerEntryDetail
	statements   map[periodEntityKey]billing.Statement
	openings     map[periodEntityKey]billing.OpeningBalance
	payments     map[int64]billing.Payment
	applications map[applicationKey]billing.PaymentApplication
}

func newState() *state {
	return &state{
		periods:         map[int64]billing.Period{},
		units:           map[int64]billing.Unit{},
		groups:          map[int64]billing.UnitGroup{},
		groupMembers:    map[int64]billing.Membership{},
		entities:        map[int64]billing.BillingEntity{},
		entityMembers:   map[int64]billing.Membership{},
		expenseTypes:    map[int64]billing.ExpenseType{},
		rules:           map[int64]billing.AllocationRule{},
		expenses:        map[int64]billing.Expense{},
		splits:          map[int64]billing.ExpenseSplit{},
		measures:        map[measureKey]float64{},
		lines:           map[lineKey]billing.AllocationLine{},
		vectors:         map[int64]billing.WeightVector{},
		bucketRules:     map[int64]billing.BucketRule{},
		programs:        map[int64]billing.Program{},
		programInvoices: map[int64][]billing.ProgramInvoice{},
		entries:         map[int64]billing.LedgerEntry{},
		entryKeys:       map[entryKey]int64{},
		details:         map[int64]billing.LedgerEntryDetail{},
		statements:      map[periodEntityKey]billing.Statement{},
		openings:        map[periodEntityKey]billing.OpeningBalance{},
		payments:        map[int64]billing.Payment{},
		applications:    map[applicationKey]billing.PaymentApplication{},
	}
}

func (s *state) clone() *state {
	return &state{
		nextID:          s.nextID,
		periods:         maps.Clone(s.periods),
		units:           maps.Clone(s.units),
		groups:          maps.Clone(s.groups),
		groupMembers:    maps.Clone(s.groupMembers),
		entities:        maps.Clone(s.entities),
		entityMembers:   maps.Clone(s.entityMembers),
		expenseTypes:    maps.Clone(s.expenseTypes),
		rules:           maps.Clone(s.rules),
		expenses:        maps.Clone(s.expenses),
		splits:          maps.Clone(s.splits),
		measures:        maps.Clone(s.measures),
		lines:           maps.Clone(s.lines),
		vectors:         maps.Clone(s.vectors),
		bucketRules:     maps.Clone(s.bucketRules),
		splitGroups:     slices.Clone(s.splitGroups),
		programs:        maps.Clone(s.programs),
		programInvoices: maps.Clone(s.programInvoices),
		entries:         maps.Clone(s.entries),
		entryKeys:       maps.Clone(s.entryKeys),
		details:         maps.Clone(s.details),
		statements:      maps.Clone(s.statements),
		openings:        maps.Clone(s.openings),
		payments:        maps.Clone(s.payments),
		applications:    maps.Clone(s.applications),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func splitKey(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func sortedValues[K comparable, V any](m map[K]V, keep func(V) bool, less func(a, b V) int) []V {
	out := make([]V, 0)
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, less)
	return out
}

func cmpInt64(a, b int64) int {
	return cmp.Compare(a, b)
}
