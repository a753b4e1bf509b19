package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PeriodStatus enumerates the lifecycle states of a billing period.
type PeriodStatus string

const (
	// PeriodOpen accepts expenses and payments.
	PeriodOpen PeriodStatus = "OPEN"
	// PeriodPrepared has staged CLOSE_PREP charges awaiting approval.
	PeriodPrepared PeriodStatus = "PREPARED"
	// PeriodClosed has final charges and rolled balances.
	PeriodClosed PeriodStatus = "CLOSED"
)

// Period is a community-scoped billing period.
type Period struct {
	ID          int64
	CommunityID int64
	Code        string
	Seq         int
	Status      PeriodStatus
	PreparedAt  *time.Time
	ClosedAt    *time.Time
	CreatedAt   time.Time
}

// Unit is a billable dwelling or space.
type Unit struct {
	ID          int64
	CommunityID int64
	Code        string
	Name        string
}

// UnitGroup is a named collection of units (tower, block, wing).
type UnitGroup struct {
	ID          int64
	CommunityID int64
	Code        string
	Name        string
}

// BillingEntity is the party that receives statements.
type BillingEntity struct {
	ID          int64
	CommunityID int64
	Code        string
	Name        string
}

// Membership links a unit to a group or billing entity over a seq range.
// EndSeq nil means open-ended.
type Membership struct {
	ID       int64
	UnitID   int64
	ParentID int64
	StartSeq int
	EndSeq   *int
}

// ActiveAt reports whether the membership covers the given period seq.
func (m Membership) ActiveAt(seq int) bool {
	if seq < m.StartSeq {
		return false
	}
	return m.EndSeq == nil || seq <= *m.EndSeq
}

// BasisType selects the set of units a leaf distributes money across.
type BasisType string

const (
	BasisCommunity BasisType = "COMMUNITY"
	BasisGroup     BasisType = "GROUP"
	BasisUnit      BasisType = "UNIT"
)

// AllocationMethod selects how weights are derived over a basis.
type AllocationMethod string

const (
	MethodExplicit      AllocationMethod = "EXPLICIT"
	MethodEqual         AllocationMethod = "EQUAL"
	MethodByResidents   AllocationMethod = "BY_RESIDENTS"
	MethodBySqm         AllocationMethod = "BY_SQM"
	MethodByConsumption AllocationMethod = "BY_CONSUMPTION"
)

// Measure types recorded in PeriodMeasure.
const (
	MeasureOccupants   = "OCCUPANTS"
	MeasureAreaSqm     = "AREA_SQM"
	MeasureConsumption = "CONSUMPTION"
)

// MeasureType returns the measure backing a measure-based method.
func (m AllocationMethod) MeasureType() (string, bool) {
	switch m {
	case MethodByResidents:
		return MeasureOccupants, true
	case MethodBySqm:
		return MeasureAreaSqm, true
	case MethodByConsumption:
		return MeasureConsumption, true
	}
	return "", false
}

// Valid reports whether the method is known.
func (m AllocationMethod) Valid() bool {
	switch m {
	case MethodExplicit, MethodEqual, MethodByResidents, MethodBySqm, MethodByConsumption:
		return true
	}
	return false
}

// AllocationParams parameterise a leaf or legacy allocation.
type AllocationParams struct {
	Basis     BasisType          `json:"basis,omitempty" yaml:"basis,omitempty"`
	BasisCode string             `json:"basis_code,omitempty" yaml:"basis_code,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// AllocationRule is a reusable allocation template.
type AllocationRule struct {
	ID            int64
	CommunityID   int64
	Code          string
	Method        AllocationMethod
	Params        AllocationParams
	SplitTemplate []ExpenseSplit
}

// ExpenseType classifies expenses and may reference a default rule.
type ExpenseType struct {
	ID          int64
	CommunityID int64
	Code        string
	Name        string
	RuleID      *int64
}

// Expense is a community cost to be allocated across units.
type Expense struct {
	ID            int64
	CommunityID   int64
	PeriodID      int64
	ExpenseTypeID *int64
	Amount        decimal.Decimal
	Currency      string
	Description   string
	Method        *AllocationMethod
	Params        AllocationParams
	CreatedAt     time.Time
}

// ShareMode describes how a split node's share is determined.
type ShareMode string

const (
	ShareExplicit  ShareMode = "EXPLICIT"
	ShareDerived   ShareMode = "DERIVED"
	ShareRemainder ShareMode = "REMAINDER"
)

// ExpenseSplit is the persisted form of a split tree node.
type ExpenseSplit struct {
	ID            int64
	ExpenseID     int64
	ParentID      *int64
	Position      int
	Label         string
	ShareMode     ShareMode
	Share         *float64
	PartMeterID   *int64
	TotalMeterID  *int64
	ResolvedShare float64
	Normalized    bool
	Basis         BasisType
	BasisCode     string
	Method        AllocationMethod
	Params        AllocationParams
}

// AllocationLine is the amount one unit receives from one split leaf.
type AllocationLine struct {
	ID        int64
	ExpenseID int64
	UnitID    int64
	SplitID   *int64
	Amount    decimal.Decimal
	Weight    float64
	Basis     BasisType
	Method    AllocationMethod
	Meta      map[string]any
}

// WeightVector records the weight basis used by one allocation pass.
type WeightVector struct {
	ID          int64
	ExpenseID   int64
	SplitID     *int64
	Method      AllocationMethod
	Basis       BasisType
	MeasureType string
	Total       float64
	Items       []WeightItem
	CreatedAt   time.Time
}

// WeightItem is one unit's raw and normalised weight.
type WeightItem struct {
	UnitID int64
	Raw    float64
	Weight float64
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindCharge       EntryKind = "CHARGE"
	KindPayment      EntryKind = "PAYMENT"
	KindAdjustment   EntryKind = "ADJUSTMENT"
	KindProgramSpend EntryKind = "PROGRAM_SPEND"
)

// Stage ref types tag lifecycle-produced charges.
const (
	StageClosePrep  = "CLOSE_PREP"
	StageCloseFinal = "CLOSE_FINAL"
	RefTypePayment  = "PAYMENT"
)

// Bucket codes with fixed meaning.
const (
	BucketAllocatedExpense = "ALLOCATED_EXPENSE"
	BucketPayment          = "PAYMENT"
)

// LedgerEntry is one row of a billing entity's running ledger.
type LedgerEntry struct {
	ID              int64
	CommunityID     int64
	PeriodID        int64
	BillingEntityID int64
	Kind            EntryKind
	Bucket          string
	RefType         string
	RefID           string
	Amount          decimal.Decimal
	RunningDue      decimal.Decimal
	CreatedAt       time.Time
	Details         []LedgerEntryDetail
}

// LedgerEntryDetail is the per-unit breakdown of an entry.
type LedgerEntryDetail struct {
	ID              int64
	EntryID         int64
	UnitID          *int64
	Amount          decimal.Decimal
	SourceExpenseID *int64
	ProgramID       *int64
	ChargeDetailID  *int64
	Unallocated     bool
}

// Statement summarises a billing entity for a period.
type Statement struct {
	CommunityID     int64
	PeriodID        int64
	BillingEntityID int64
	DueStart        decimal.Decimal
	Charges         decimal.Decimal
	Payments        decimal.Decimal
	Adjustments     decimal.Decimal
	DueEnd          decimal.Decimal
}

// OpeningBalanceSource tells where an opening balance came from.
type OpeningBalanceSource string

const (
	OpeningFromStatement OpeningBalanceSource = "STATEMENT"
	OpeningFromImport    OpeningBalanceSource = "IMPORT"
)

// OpeningBalance is the carried-forward due for a billing entity entering a period.
type OpeningBalance struct {
	CommunityID     int64
	PeriodID        int64
	BillingEntityID int64
	Amount          decimal.Decimal
	Source          OpeningBalanceSource
}

// PaymentStatus enumerates the payment state machine.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPosted   PaymentStatus = "POSTED"
	PaymentCanceled PaymentStatus = "CANCELED"
)

// AllocationHint steers part of a payment to matching charges. Candidates
// are always the payer's own charges, so BillingEntityID can only restate
// the payment's billing entity.
type AllocationHint struct {
	Amount          decimal.Decimal `json:"amount"`
	Bucket          string          `json:"bucket,omitempty"`
	UnitID          *int64          `json:"unit_id,omitempty"`
	BillingEntityID *int64          `json:"billing_entity_id,omitempty"`
}

// Payment is money received from a billing entity.
type Payment struct {
	ID              int64
	CommunityID     int64
	BillingEntityID int64
	PeriodID        int64
	Amount          decimal.Decimal
	Status          PaymentStatus
	Spec            []AllocationHint
	ReceivedAt      time.Time
	PostedAt        *time.Time
	CanceledAt      *time.Time
}

// PaymentApplication links part of a payment to a charge detail.
type PaymentApplication struct {
	ID             int64
	PaymentID      int64
	ChargeEntryID  int64
	ChargeDetailID int64
	Amount         decimal.Decimal
}

// ChargeDetail is a charge detail row joined with its entry and applied total.
type ChargeDetail struct {
	EntryID         int64
	DetailID        int64
	PeriodID        int64
	BillingEntityID int64
	Bucket          string
	UnitID          *int64
	Amount          decimal.Decimal
	Applied         decimal.Decimal
	CreatedAt       time.Time
}

// Remaining is the unpaid part of the detail, never negative nor above the amount.
func (c ChargeDetail) Remaining() decimal.Decimal {
	rem := c.Amount.Sub(c.Applied)
	if rem.IsNegative() {
		return decimal.Zero
	}
	if rem.GreaterThan(c.Amount) {
		return c.Amount
	}
	return rem
}

// ProgramMethod selects how a program's contribution is spread.
type ProgramMethod string

const (
	ProgramExplicit ProgramMethod = "EXPLICIT"
	ProgramEqual    ProgramMethod = "EQUAL"
	ProgramMeasure  ProgramMethod = "MEASURE"
)

// ProgramScheduleItem is the target amount for one period offset.
type ProgramScheduleItem struct {
	Offset int             `json:"offset" yaml:"offset"`
	Amount decimal.Decimal `json:"amount" yaml:"amount"`
}

// Program is a funding programme billed alongside expenses.
type Program struct {
	ID              int64
	CommunityID     int64
	Code            string
	Bucket          string
	StartPeriodSeq  int
	Schedule        []ProgramScheduleItem
	PeriodCount     int
	PerPeriodAmount decimal.Decimal
	Method          ProgramMethod
	MeasureType     string
	Weights         map[string]float64
	Basis           BasisType
	BasisCode       string
}

// ProgramInvoice records what a program billed a billing entity in a period.
type ProgramInvoice struct {
	ProgramID       int64
	PeriodID        int64
	BillingEntityID int64
	Amount          decimal.Decimal
}

// BucketRule classifies allocation lines into buckets.
type BucketRule struct {
	ID               int64    `yaml:"id"`
	CommunityID      int64    `yaml:"community_id"`
	Priority         int      `yaml:"priority"`
	Bucket           string   `yaml:"bucket"`
	ExpenseTypeCodes []string `yaml:"expense_type_codes"`
	SplitNodeIDs     []int64  `yaml:"split_node_ids"`
	SplitGroupCodes  []string `yaml:"split_group_codes"`
}

// SplitGroupMember places a split node into a named split group.
type SplitGroupMember struct {
	GroupCode string
	SplitID   int64
}

// PeriodMeasure is an externally measured value for a unit in a period.
type PeriodMeasure struct {
	CommunityID int64
	PeriodID    int64
	UnitID      int64
	MeasureType string
	Value       float64
}
