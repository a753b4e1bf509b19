package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
)

// Tx is the transactional surface the engine reads and writes.
type Tx interface {
	GetPeriod(ctx context.Context, id int64) (billing.Period, error)
	billing.TopologyTx
	billing.ExpenseTx
	billing.AllocationTx
}

// Engine resolves expenses into allocation lines.
type Engine struct {
	meters billing.MeterReader
	audit  shared.AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an Engine. meters may be nil when the deployment
// has no meter support; derived shares then fail validation.
func NewEngine(meters billing.MeterReader, audit shared.AuditRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{meters: meters, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Result summarises one expense recompute.
type Result struct {
	ExpenseID int64
	Lines     []billing.AllocationLine
	Vectors   int
	// NormalizedLevels lists the parent split ids of levels that were scaled
	// down; 0 stands for the root level.
	NormalizedLevels []int64
	Total            decimal.Decimal
}

type run struct {
	tx      Tx
	expense billing.Expense
	period  billing.Period
	result  *Result
}

// Recompute rebuilds the allocation of one expense from scratch.
func (e *Engine) Recompute(ctx context.Context, tx Tx, expenseID int64) (Result, error) {
	expense, err := tx.GetExpense(ctx, expenseID)
	if err != nil {
		return Result{}, err
	}
	if expense.Amount.IsNegative() {
		return Result{}, billing.Invalid("amount", "expense %d amount is negative", expense.ID)
	}
	period, err := tx.GetPeriod(ctx, expense.PeriodID)
	if err != nil {
		return Result{}, err
	}
	rule, err := e.expenseRule(ctx, tx, expense)
	if err != nil {
		return Result{}, err
	}
	splits, err := tx.ListExpenseSplits(ctx, expense.ID)
	if err != nil {
		return Result{}, err
	}
	if len(splits) == 0 && rule != nil && len(rule.SplitTemplate) > 0 {
		splits, err = e.materializeTemplate(ctx, tx, expense.ID, rule.SplitTemplate)
		if err != nil {
			return Result{}, err
		}
	}

	if err := tx.DeleteAllocation(ctx, expense.ID); err != nil {
		return Result{}, err
	}

	result := Result{ExpenseID: expense.ID}
	r := &run{tx: tx, expense: expense, period: period, result: &result}
	if len(splits) > 0 {
		tree, err := BuildTree(expense.ID, splits)
		if err != nil {
			return Result{}, err
		}
		if err := e.allocateLevel(ctx, r, 0, tree.Roots, expense.Amount); err != nil {
			return Result{}, err
		}
		for _, s := range tree.Flatten() {
			if err := tx.UpdateSplitResolution(ctx, s.ID, s.ResolvedShare, s.Normalized); err != nil {
				return Result{}, err
			}
		}
	} else {
		method, params := legacyMethod(expense, rule)
		if err := e.allocateLeaf(ctx, r, nil, method, params.Basis, params.BasisCode, params.Weights, expense.Amount); err != nil {
			return Result{}, err
		}
	}

	lines, err := tx.ListAllocationLines(ctx, expense.ID)
	if err != nil {
		return Result{}, err
	}
	result.Lines = lines
	result.Total = decimal.Zero
	for _, l := range lines {
		result.Total = result.Total.Add(l.Amount)
	}
	if !billing.AmountsEqual(result.Total, expense.Amount) {
		return Result{}, billing.Inconsistent("allocation", "expense %d allocated %s of %s", expense.ID, result.Total, expense.Amount)
	}

	e.record(ctx, "allocation.recompute", expense.ID, map[string]any{
		"lines":             len(lines),
		"total":             result.Total.String(),
		"normalized_levels": result.NormalizedLevels,
	})
	return result, nil
}

// RecomputePeriod recomputes every expense of the period, stopping at the first failure.
func (e *Engine) RecomputePeriod(ctx context.Context, tx Tx, periodID int64) ([]Result, error) {
	expenses, err := tx.ListPeriodExpenses(ctx, periodID)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(expenses))
	for _, exp := range expenses {
		res, err := e.Recompute(ctx, tx, exp.ID)
		if err != nil {
			return nil, fmt.Errorf("allocation: expense %d: %w", exp.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) allocateLevel(ctx context.Context, r *run, parentID int64, level []Node, amount decimal.Decimal) error {
	res, err := ResolveShares(ctx, level, e.meters, r.period.ID)
	if err != nil {
		return err
	}
	if res.Normalized {
		r.result.NormalizedLevels = append(r.result.NormalizedLevels, parentID)
		e.logger.Info("split level normalized",
			slog.Int64("expense_id", r.expense.ID),
			slog.Int64("parent_split_id", parentID),
			slog.Float64("scale", res.Scale))
		e.record(ctx, "allocation.normalize", r.expense.ID, map[string]any{
			"parent_split_id": parentID,
			"scale":           res.Scale,
		})
	}
	amounts := DistributeShares(amount, res.Shares)
	for i, node := range level {
		split := node.Split()
		split.ResolvedShare = res.Shares[i]
		split.Normalized = res.Normalized
		switch n := node.(type) {
		case *Leaf:
			id := n.ID
			if err := e.allocateLeaf(ctx, r, &id, n.Method, n.Basis, n.BasisCode, n.Params.Weights, amounts[i]); err != nil {
				return err
			}
		case *Branch:
			if err := e.allocateLevel(ctx, r, n.ID, n.Children, amounts[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) allocateLeaf(ctx context.Context, r *run, splitID *int64, method billing.AllocationMethod, basis billing.BasisType, code string, weights map[string]float64, amount decimal.Decimal) error {
	if basis == "" {
		basis = billing.BasisCommunity
	}
	units, err := ResolveBasis(ctx, r.tx, r.expense.CommunityID, r.period.Seq, basis, code)
	if err != nil {
		return err
	}
	wv, err := Weigh(ctx, r.tx, WeightRequest{
		ExpenseID: r.expense.ID,
		SplitID:   splitID,
		PeriodID:  r.period.ID,
		Units:     units,
		Method:    method,
		Weights:   weights,
	})
	if err != nil {
		return err
	}
	wv.Basis = basis
	wv.CreatedAt = e.now()
	if err := r.tx.InsertWeightVector(ctx, wv); err != nil {
		return err
	}
	r.result.Vectors++

	source := "legacy"
	if splitID != nil {
		source = "split"
	}
	parts := Distribute(amount, wv.Items)
	for i, item := range wv.Items {
		if item.Weight <= 0 {
			continue
		}
		meta := map[string]any{"source": source}
		if wv.MeasureType != "" {
			meta["measure_type"] = wv.MeasureType
		}
		if code != "" {
			meta["basis_code"] = code
		}
		line := billing.AllocationLine{
			ExpenseID: r.expense.ID,
			UnitID:    item.UnitID,
			SplitID:   splitID,
			Amount:    parts[i],
			Weight:    item.Weight,
			Basis:     basis,
			Method:    method,
			Meta:      meta,
		}
		if err := r.tx.AddAllocationLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) expenseRule(ctx context.Context, tx Tx, expense billing.Expense) (*billing.AllocationRule, error) {
	if expense.ExpenseTypeID == nil {
		return nil, nil
	}
	et, err := tx.GetExpenseType(ctx, *expense.ExpenseTypeID)
	if err != nil {
		return nil, err
	}
	if et.RuleID == nil {
		return nil, nil
	}
	rule, err := tx.GetAllocationRule(ctx, *et.RuleID)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// materializeTemplate copies a rule's split template onto the expense,
// parents first, remapping template ids to the new rows.
func (e *Engine) materializeTemplate(ctx context.Context, tx Tx, expenseID int64, template []billing.ExpenseSplit) ([]billing.ExpenseSplit, error) {
	if _, err := BuildTree(0, template); err != nil {
		return nil, err
	}
	ids := make(map[int64]int64, len(template))
	pending := append([]billing.ExpenseSplit(nil), template...)
	var out []billing.ExpenseSplit
	for len(pending) > 0 {
		var next []billing.ExpenseSplit
		for _, s := range pending {
			if s.ParentID != nil {
				if _, ok := ids[*s.ParentID]; !ok {
					next = append(next, s)
					continue
				}
			}
			templateID := s.ID
			s.ID = 0
			s.ExpenseID = expenseID
			if s.ParentID != nil {
				parent := ids[*s.ParentID]
				s.ParentID = &parent
			}
			stored, err := tx.InsertExpenseSplit(ctx, s)
			if err != nil {
				return nil, err
			}
			ids[templateID] = stored.ID
			out = append(out, stored)
		}
		pending = next
	}
	return out, nil
}

func legacyMethod(expense billing.Expense, rule *billing.AllocationRule) (billing.AllocationMethod, billing.AllocationParams) {
	if expense.Method != nil {
		return *expense.Method, expense.Params
	}
	if rule != nil && rule.Method != "" {
		return rule.Method, rule.Params
	}
	return billing.MethodEqual, billing.AllocationParams{Basis: billing.BasisCommunity}
}

func (e *Engine) record(ctx context.Context, action string, expenseID int64, meta map[string]any) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "expense",
		EntityID: strconv.FormatInt(expenseID, 10),
		Meta:     meta,
		At:       e.now(),
	})
}
