package buckets

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Tx is the transactional surface the poster needs.
type Tx interface {
	billing.TopologyTx
	ListPeriodExpenses(ctx context.Context, periodID int64) ([]billing.Expense, error)
	GetExpenseType(ctx context.Context, id int64) (billing.ExpenseType, error)
	ListPeriodMeasures(ctx context.Context, periodID int64, measureType string) (map[int64]float64, error)
	ListAllocationLines(ctx context.Context, expenseID int64) ([]billing.AllocationLine, error)
	billing.ClassificationTx
	billing.LedgerTx
	DeleteApplicationsForEntries(ctx context.Context, entryIDs []int64) error
}

// Poster turns a period's allocations and program contributions into
// bucketed CHARGE entries tagged with a lifecycle stage.
type Poster struct {
	config ConfigSource
	logger *slog.Logger
}

// NewPoster constructs a Poster. A nil config reads from the store.
func NewPoster(config ConfigSource, logger *slog.Logger) *Poster {
	if config == nil {
		config = StoreConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{config: config, logger: logger}
}

// PostResult describes what a posting produced.
type PostResult struct {
	Entries []billing.LedgerEntry
	// Unbilled holds amounts of units without an active billing entity.
	Unbilled map[int64]decimal.Decimal
	Removed  int
}

type bucketKey struct {
	entityID int64
	bucket   string
}

type detailKey struct {
	unitID    int64
	expenseID int64
	programID int64
}

type charge struct {
	total   decimal.Decimal
	details map[detailKey]decimal.Decimal
}

// Post replaces the stage's charges for the period.
func (p *Poster) Post(ctx context.Context, tx Tx, period billing.Period, stage string) (PostResult, error) {
	rules, err := p.config.Rules(ctx, tx, period.CommunityID)
	if err != nil {
		return PostResult{}, err
	}
	members, err := tx.ListSplitGroupMembers(ctx, period.CommunityID)
	if err != nil {
		return PostResult{}, err
	}
	classifier := NewClassifier(rules, members)

	unitEntity, err := p.unitEntities(ctx, tx, period)
	if err != nil {
		return PostResult{}, err
	}

	result := PostResult{Unbilled: map[int64]decimal.Decimal{}}
	charges := map[bucketKey]*charge{}
	add := func(unitID int64, bucket string, amount decimal.Decimal, key detailKey) {
		if amount.IsZero() {
			return
		}
		entityID, ok := unitEntity[unitID]
		if !ok {
			result.Unbilled[unitID] = result.Unbilled[unitID].Add(amount)
			return
		}
		k := bucketKey{entityID, bucket}
		c := charges[k]
		if c == nil {
			c = &charge{total: decimal.Zero, details: map[detailKey]decimal.Decimal{}}
			charges[k] = c
		}
		c.total = c.total.Add(amount)
		c.details[key] = c.details[key].Add(amount)
	}

	expenses, err := tx.ListPeriodExpenses(ctx, period.ID)
	if err != nil {
		return PostResult{}, err
	}
	typeCodes := map[int64]string{}
	for _, exp := range expenses {
		code := ""
		if exp.ExpenseTypeID != nil {
			if cached, ok := typeCodes[*exp.ExpenseTypeID]; ok {
				code = cached
			} else {
				et, err := tx.GetExpenseType(ctx, *exp.ExpenseTypeID)
				if err != nil {
					return PostResult{}, err
				}
				typeCodes[et.ID] = et.Code
				code = et.Code
			}
		}
		lines, err := tx.ListAllocationLines(ctx, exp.ID)
		if err != nil {
			return PostResult{}, err
		}
		for _, line := range lines {
			bucket := classifier.Classify(LineRef{ExpenseTypeCode: code, SplitID: line.SplitID})
			add(line.UnitID, bucket, line.Amount, detailKey{unitID: line.UnitID, expenseID: exp.ID})
		}
	}

	programs, err := p.config.Programs(ctx, tx, period.CommunityID)
	if err != nil {
		return PostResult{}, err
	}
	invoiced := map[[2]int64]decimal.Decimal{}
	for _, prog := range programs {
		amount := Contribution(prog, period.Seq)
		if amount.IsZero() {
			continue
		}
		parts, err := DistributeContribution(ctx, tx, prog, period, amount)
		if err != nil {
			return PostResult{}, err
		}
		bucket := ProgramBucket(prog)
		for _, part := range parts {
			add(part.UnitID, bucket, part.Amount, detailKey{unitID: part.UnitID, programID: prog.ID})
			if entityID, ok := unitEntity[part.UnitID]; ok {
				k := [2]int64{prog.ID, entityID}
				invoiced[k] = invoiced[k].Add(part.Amount)
			}
		}
	}

	for unitID, amount := range result.Unbilled {
		p.logger.Warn("unit has no billing entity",
			slog.Int64("period_id", period.ID),
			slog.Int64("unit_id", unitID),
			slog.String("amount", amount.String()))
	}

	existing, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: period.ID, Kind: billing.KindCharge, RefType: stage})
	if err != nil {
		return PostResult{}, err
	}
	var stale []int64
	for _, e := range existing {
		if _, keep := charges[bucketKey{e.BillingEntityID, e.Bucket}]; !keep {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) > 0 {
		if err := tx.DeleteApplicationsForEntries(ctx, stale); err != nil {
			return PostResult{}, err
		}
		if err := tx.DeleteLedgerEntries(ctx, stale); err != nil {
			return PostResult{}, err
		}
		result.Removed = len(stale)
	}

	keys := make([]bucketKey, 0, len(charges))
	for k := range charges {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b bucketKey) int {
		if c := cmp.Compare(a.entityID, b.entityID); c != 0 {
			return c
		}
		return strings.Compare(a.bucket, b.bucket)
	})
	for _, k := range keys {
		c := charges[k]
		entry, err := tx.UpsertLedgerEntry(ctx, billing.LedgerEntry{
			CommunityID:     period.CommunityID,
			PeriodID:        period.ID,
			BillingEntityID: k.entityID,
			Kind:            billing.KindCharge,
			Bucket:          k.bucket,
			RefType:         stage,
			RefID:           period.Code,
			Amount:          c.total,
		})
		if err != nil {
			return PostResult{}, fmt.Errorf("buckets: upsert charge %s: %w", k.bucket, err)
		}
		if err := tx.DeleteApplicationsForEntries(ctx, []int64{entry.ID}); err != nil {
			return PostResult{}, err
		}
		details, err := tx.ReplaceEntryDetails(ctx, entry.ID, sortedDetails(c.details))
		if err != nil {
			return PostResult{}, err
		}
		entry.Details = details
		result.Entries = append(result.Entries, entry)
	}

	invoices := make([]billing.ProgramInvoice, 0, len(invoiced))
	for k, amount := range invoiced {
		invoices = append(invoices, billing.ProgramInvoice{ProgramID: k[0], PeriodID: period.ID, BillingEntityID: k[1], Amount: amount})
	}
	slices.SortFunc(invoices, func(a, b billing.ProgramInvoice) int {
		if c := cmp.Compare(a.ProgramID, b.ProgramID); c != 0 {
			return c
		}
		return cmp.Compare(a.BillingEntityID, b.BillingEntityID)
	})
	if err := tx.ReplaceProgramInvoices(ctx, period.ID, invoices); err != nil {
		return PostResult{}, err
	}
	return result, nil
}

func (p *Poster) unitEntities(ctx context.Context, tx Tx, period billing.Period) (map[int64]int64, error) {
	memberships, err := tx.ListBillingMemberships(ctx, period.CommunityID)
	if err != nil {
		return nil, err
	}
	out := map[int64]int64{}
	for _, m := range memberships {
		if !m.ActiveAt(period.Seq) {
			continue
		}
		if prev, dup := out[m.UnitID]; dup && prev != m.ParentID {
			p.logger.Warn("unit has overlapping billing memberships",
				slog.Int64("unit_id", m.UnitID),
				slog.Int64("kept_entity_id", prev),
				slog.Int64("ignored_entity_id", m.ParentID))
			continue
		}
		out[m.UnitID] = m.ParentID
	}
	return out, nil
}

func sortedDetails(m map[detailKey]decimal.Decimal) []billing.LedgerEntryDetail {
	keys := make([]detailKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b detailKey) int {
		if c := cmp.Compare(a.unitID, b.unitID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.expenseID, b.expenseID); c != 0 {
			return c
		}
		return cmp.Compare(a.programID, b.programID)
	})
	out := make([]billing.LedgerEntryDetail, 0, len(keys))
	for _, k := range keys {
		unitID := k.unitID
		d := billing.LedgerEntryDetail{UnitID: &unitID, Amount: m[k]}
		if k.expenseID != 0 {
			id := k.expenseID
			d.SourceExpenseID = &id
		}
		if k.programID != 0 {
			id := k.programID
			d.ProgramID = &id
		}
		out = append(out, d)
	}
	return out
}
