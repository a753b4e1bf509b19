// Package statements derives per billing entity statements, running dues
// and carried-forward opening balances from the ledger.
package statements

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Tx is the transactional surface the computer needs.
type Tx interface {
	PriorPeriod(ctx context.Context, communityID int64, seq int) (billing.Period, bool, error)
	NextPeriod(ctx context.Context, communityID int64, seq int) (billing.Period, bool, error)
	ListBillingEntities(ctx context.Context, communityID int64) ([]billing.BillingEntity, error)
	ListLedgerEntries(ctx context.Context, f billing.LedgerFilter) ([]billing.LedgerEntry, error)
	UpdateRunningDue(ctx context.Context, entryID int64, due decimal.Decimal) error
	billing.StatementTx
}

// Computer builds statements for a period.
type Computer struct {
	logger *slog.Logger
}

// NewComputer constructs a Computer.
func NewComputer(logger *slog.Logger) *Computer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Computer{logger: logger}
}

// Compute upserts one statement per billing entity of the community and
// writes running dues onto the period's entries.
func (c *Computer) Compute(ctx context.Context, tx Tx, period billing.Period) ([]billing.Statement, error) {
	entities, err := tx.ListBillingEntities(ctx, period.CommunityID)
	if err != nil {
		return nil, err
	}
	prior, hasPrior, err := tx.PriorPeriod(ctx, period.CommunityID, period.Seq)
	if err != nil {
		return nil, err
	}
	entries, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: period.ID})
	if err != nil {
		return nil, err
	}
	byEntity := map[int64][]billing.LedgerEntry{}
	for _, e := range entries {
		byEntity[e.BillingEntityID] = append(byEntity[e.BillingEntityID], e)
	}

	out := make([]billing.Statement, 0, len(entities))
	for _, be := range entities {
		dueStart, err := c.dueStart(ctx, tx, period, prior, hasPrior, be.ID)
		if err != nil {
			return nil, err
		}
		st := Summarize(period, be.ID, dueStart, byEntity[be.ID])
		if err := tx.UpsertStatement(ctx, st); err != nil {
			return nil, fmt.Errorf("statements: upsert %d: %w", be.ID, err)
		}
		if err := writeRunningDue(ctx, tx, dueStart, byEntity[be.ID]); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	c.logger.Debug("statements computed",
		slog.Int64("period_id", period.ID),
		slog.Int("statements", len(out)))
	return out, nil
}

func (c *Computer) dueStart(ctx context.Context, tx Tx, period, prior billing.Period, hasPrior bool, entityID int64) (decimal.Decimal, error) {
	if hasPrior {
		st, ok, err := tx.GetStatement(ctx, prior.ID, entityID)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			return st.DueEnd, nil
		}
	}
	ob, ok, err := tx.GetOpeningBalance(ctx, period.ID, entityID)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return ob.Amount, nil
	}
	return decimal.Zero, nil
}

// Summarize totals the entries of one billing entity. PROGRAM_SPEND entries
// count towards no total.
func Summarize(period billing.Period, entityID int64, dueStart decimal.Decimal, entries []billing.LedgerEntry) billing.Statement {
	st := billing.Statement{
		CommunityID:     period.CommunityID,
		PeriodID:        period.ID,
		BillingEntityID: entityID,
		DueStart:        dueStart,
		Charges:         decimal.Zero,
		Payments:        decimal.Zero,
		Adjustments:     decimal.Zero,
	}
	for _, e := range entries {
		switch e.Kind {
		case billing.KindCharge:
			st.Charges = st.Charges.Add(e.Amount)
		case billing.KindPayment:
			st.Payments = st.Payments.Add(e.Amount)
		case billing.KindAdjustment:
			st.Adjustments = st.Adjustments.Add(e.Amount)
		}
	}
	st.DueEnd = st.DueStart.Add(st.Charges).Sub(st.Payments).Add(st.Adjustments)
	return st
}

// RunningDue returns the due after each entry, in the order given.
func RunningDue(dueStart decimal.Decimal, entries []billing.LedgerEntry) []decimal.Decimal {
	out := make([]decimal.Decimal, len(entries))
	due := dueStart
	for i, e := range entries {
		if e.Kind == billing.KindPayment {
			due = due.Sub(e.Amount)
		} else {
			due = due.Add(e.Amount)
		}
		out[i] = due
	}
	return out
}

func writeRunningDue(ctx context.Context, tx Tx, dueStart decimal.Decimal, entries []billing.LedgerEntry) error {
	for i, due := range RunningDue(dueStart, entries) {
		if entries[i].RunningDue.Equal(due) {
			continue
		}
		if err := tx.UpdateRunningDue(ctx, entries[i].ID, due); err != nil {
			return err
		}
	}
	return nil
}

// RollForward carries every statement's due end into the next period's
// opening balance. It reports false when no next period exists yet.
func (c *Computer) RollForward(ctx context.Context, tx Tx, period billing.Period) (bool, error) {
	next, ok, err := tx.NextPeriod(ctx, period.CommunityID, period.Seq)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Info("rollforward skipped, no next period",
			slog.Int64("period_id", period.ID))
		return false, nil
	}
	statements, err := tx.ListStatements(ctx, period.ID)
	if err != nil {
		return false, err
	}
	for _, st := range statements {
		if err := tx.UpsertOpeningBalance(ctx, billing.OpeningBalance{
			CommunityID:     period.CommunityID,
			PeriodID:        next.ID,
			BillingEntityID: st.BillingEntityID,
			Amount:          st.DueEnd,
			Source:          billing.OpeningFromStatement,
		}); err != nil {
			return false, fmt.Errorf("statements: roll forward %d: %w", st.BillingEntityID, err)
		}
	}
	return true, nil
}
