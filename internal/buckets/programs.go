package buckets

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Contribution is the amount a program bills for the period with the given seq.
func Contribution(p billing.Program, periodSeq int) decimal.Decimal {
	offset := periodSeq - p.StartPeriodSeq
	if offset < 0 {
		return decimal.Zero
	}
	if len(p.Schedule) > 0 {
		for _, item := range p.Schedule {
			if item.Offset == offset {
				return item.Amount
			}
		}
		return decimal.Zero
	}
	if offset < p.PeriodCount {
		return p.PerPeriodAmount
	}
	return decimal.Zero
}

// UnitAmount is one unit's share of a program contribution.
type UnitAmount struct {
	UnitID int64
	Amount decimal.Decimal
}

// ProgramInputs is the read surface for distributing contributions.
type ProgramInputs interface {
	allocation.Topology
	allocation.MeasureSource
}

// DistributeContribution spreads amount across the program's eligible units.
func DistributeContribution(ctx context.Context, in ProgramInputs, p billing.Program, period billing.Period, amount decimal.Decimal) ([]UnitAmount, error) {
	units, err := allocation.ResolveBasis(ctx, in, p.CommunityID, period.Seq, p.Basis, p.BasisCode)
	if err != nil {
		return nil, fmt.Errorf("buckets: program %s: %w", p.Code, err)
	}
	req := allocation.WeightRequest{PeriodID: period.ID, Units: units}
	switch p.Method {
	case billing.ProgramExplicit:
		req.Method = billing.MethodExplicit
		req.Weights = p.Weights
	case billing.ProgramMeasure:
		if p.MeasureType == "" {
			return nil, billing.Invalid("program", "program %s has no measure type", p.Code)
		}
		req.Method = billing.AllocationMethod(billing.ProgramMeasure)
		req.MeasureType = p.MeasureType
	case billing.ProgramEqual, "":
		req.Method = billing.MethodEqual
	default:
		return nil, billing.Invalid("program", "program %s has unknown method %q", p.Code, p.Method)
	}
	wv, err := allocation.Weigh(ctx, in, req)
	if err != nil {
		return nil, fmt.Errorf("buckets: program %s: %w", p.Code, err)
	}
	parts := allocation.Distribute(amount, wv.Items)
	out := make([]UnitAmount, 0, len(parts))
	for i, item := range wv.Items {
		if item.Weight <= 0 {
			continue
		}
		out = append(out, UnitAmount{UnitID: item.UnitID, Amount: parts[i]})
	}
	return out, nil
}
