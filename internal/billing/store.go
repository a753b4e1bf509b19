package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store opens all-or-nothing units of work over the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// LedgerFilter narrows ListLedgerEntries. Zero values match anything.
type LedgerFilter struct {
	PeriodID        int64
	BillingEntityID int64
	Kind            EntryKind
	RefType         string
	RefID           string
}

// Matches reports whether the entry satisfies the filter.
func (f LedgerFilter) Matches(e LedgerEntry) bool {
	if f.PeriodID != 0 && e.PeriodID != f.PeriodID {
		return false
	}
	if f.BillingEntityID != 0 && e.BillingEntityID != f.BillingEntityID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.RefType != "" && e.RefType != f.RefType {
		return false
	}
	if f.RefID != "" && e.RefID != f.RefID {
		return false
	}
	return true
}

// PeriodTx covers period rows.
type PeriodTx interface {
	GetPeriod(ctx context.Context, id int64) (Period, error)
	// GetPeriodByCode loads and locks the period for the rest of the transaction.
	GetPeriodByCode(ctx context.Context, communityID int64, code string) (Period, error)
	LatestPeriod(ctx context.Context, communityID int64) (Period, bool, error)
	PriorPeriod(ctx context.Context, communityID int64, seq int) (Period, bool, error)
	NextPeriod(ctx context.Context, communityID int64, seq int) (Period, bool, error)
	HasLaterClosedPeriod(ctx context.Context, communityID int64, seq int) (bool, error)
	InsertPeriod(ctx context.Context, p Period) (Period, error)
	UpdatePeriod(ctx context.Context, p Period) error
}

// TopologyTx covers units, groups, billing entities and memberships.
type TopologyTx interface {
	ListUnits(ctx context.Context, communityID int64) ([]Unit, error)
	GetUnitByCode(ctx context.Context, communityID int64, code string) (Unit, error)
	GetUnitGroupByCode(ctx context.Context, communityID int64, code string) (UnitGroup, error)
	ListGroupMemberships(ctx context.Context, groupID int64) ([]Membership, error)
	ListBillingEntities(ctx context.Context, communityID int64) ([]BillingEntity, error)
	ListBillingMemberships(ctx context.Context, communityID int64) ([]Membership, error)
}

// ExpenseTx covers expenses, split trees and measured inputs.
type ExpenseTx interface {
	GetExpense(ctx context.Context, id int64) (Expense, error)
	ListPeriodExpenses(ctx context.Context, periodID int64) ([]Expense, error)
	GetExpenseType(ctx context.Context, id int64) (ExpenseType, error)
	GetAllocationRule(ctx context.Context, id int64) (AllocationRule, error)
	ListExpenseSplits(ctx context.Context, expenseID int64) ([]ExpenseSplit, error)
	InsertExpenseSplit(ctx context.Context, split ExpenseSplit) (ExpenseSplit, error)
	UpdateSplitResolution(ctx context.Context, splitID int64, share float64, normalized bool) error
	// ListPeriodMeasures returns unit id to value for one measure type.
	ListPeriodMeasures(ctx context.Context, periodID int64, measureType string) (map[int64]float64, error)
}

// AllocationTx covers allocation output rows.
type AllocationTx interface {
	DeleteAllocation(ctx context.Context, expenseID int64) error
	// AddAllocationLine adds the amount onto any existing line with the same
	// (expense, unit, split) key.
	AddAllocationLine(ctx context.Context, line AllocationLine) error
	InsertWeightVector(ctx context.Context, wv WeightVector) error
	ListAllocationLines(ctx context.Context, expenseID int64) ([]AllocationLine, error)
	ListWeightVectors(ctx context.Context, expenseID int64) ([]WeightVector, error)
}

// ClassificationTx covers bucket rules and programs.
type ClassificationTx interface {
	ListBucketRules(ctx context.Context, communityID int64) ([]BucketRule, error)
	ListSplitGroupMembers(ctx context.Context, communityID int64) ([]SplitGroupMember, error)
	ListPrograms(ctx context.Context, communityID int64) ([]Program, error)
	ReplaceProgramInvoices(ctx context.Context, periodID int64, invoices []ProgramInvoice) error
}

// LedgerTx covers ledger entries and their details.
type LedgerTx interface {
	// UpsertLedgerEntry inserts or updates by the unique key, keeping id and
	// creation time of an existing row.
	UpsertLedgerEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	ReplaceEntryDetails(ctx context.Context, entryID int64, details []LedgerEntryDetail) ([]LedgerEntryDetail, error)
	// ListLedgerEntries returns entries with details in creation order.
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error)
	// DeleteLedgerEntries removes entries with their details in that order.
	DeleteLedgerEntries(ctx context.Context, ids []int64) error
	PromoteStage(ctx context.Context, periodID int64, from, to string) error
	UpdateRunningDue(ctx context.Context, entryID int64, due decimal.Decimal) error
}

// StatementTx covers statements and opening balances.
type StatementTx interface {
	UpsertStatement(ctx context.Context, s Statement) error
	GetStatement(ctx context.Context, periodID, billingEntityID int64) (Statement, bool, error)
	ListStatements(ctx context.Context, periodID int64) ([]Statement, error)
	DeleteStatements(ctx context.Context, periodID int64) error
	GetOpeningBalance(ctx context.Context, periodID, billingEntityID int64) (OpeningBalance, bool, error)
	UpsertOpeningBalance(ctx context.Context, ob OpeningBalance) error
}

// PaymentTx covers payments and their applications.
type PaymentTx interface {
	GetPayment(ctx context.Context, id int64) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	// ListPostedPayments returns POSTED payments of a billing entity ordered by receipt time then id.
	ListPostedPayments(ctx context.Context, billingEntityID int64) ([]Payment, error)
	// ListChargeDetails returns CHARGE details of a billing entity ordered by
	// entry creation time then detail id, with applied totals.
	ListChargeDetails(ctx context.Context, billingEntityID int64) ([]ChargeDetail, error)
	InsertPaymentApplication(ctx context.Context, a PaymentApplication) error
	DeletePaymentApplications(ctx context.Context, paymentID int64) error
	ListPaymentApplications(ctx context.Context, paymentID int64) ([]PaymentApplication, error)
	ApplicationsForEntries(ctx context.Context, entryIDs []int64) ([]PaymentApplication, error)
	DeleteApplicationsForEntries(ctx context.Context, entryIDs []int64) error
}

// Tx is the full transactional surface a store provides.
type Tx interface {
	PeriodTx
	TopologyTx
	ExpenseTx
	AllocationTx
	ClassificationTx
	LedgerTx
	StatementTx
	PaymentTx
}

// MeterReader is the optional meter capability used by derived split shares.
type MeterReader interface {
	MeterReading(ctx context.Context, meterID, periodID int64) (float64, error)
}
