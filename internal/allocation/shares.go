package allocation

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// ShareResolution holds the resolved shares of one tree level, in node order.
type ShareResolution struct {
	Shares     []float64
	Normalized bool
	// Scale is the factor applied to explicit and derived shares when the
	// level was normalized, otherwise 1.
	Scale float64
}

// Sum totals the resolved shares.
func (r ShareResolution) Sum() float64 {
	total := 0.0
	for _, s := range r.Shares {
		total += s
	}
	return total
}

// ResolveShares resolves the shares of sibling nodes. Derived shares read
// meter values for the period; meters may be nil when unsupported.
func ResolveShares(ctx context.Context, level []Node, meters billing.MeterReader, periodID int64) (ShareResolution, error) {
	res := ShareResolution{Shares: make([]float64, len(level)), Scale: 1}
	remainder := -1
	sum := 0.0
	for i, node := range level {
		s := node.Split()
		switch s.ShareMode {
		case billing.ShareExplicit, "":
			if s.Share == nil {
				return ShareResolution{}, billing.Invalid(splitField(s), "explicit share is required")
			}
			if *s.Share < 0 {
				return ShareResolution{}, billing.Invalid(splitField(s), "share %.6f is negative", *s.Share)
			}
			res.Shares[i] = *s.Share
		case billing.ShareDerived:
			share, err := derivedShare(ctx, s, meters, periodID)
			if err != nil {
				return ShareResolution{}, err
			}
			res.Shares[i] = share
		case billing.ShareRemainder:
			if remainder >= 0 {
				return ShareResolution{}, billing.Invalid(splitField(s), "only one remainder share is allowed per level")
			}
			remainder = i
			continue
		default:
			return ShareResolution{}, billing.Invalid(splitField(s), "unknown share mode %q", s.ShareMode)
		}
		sum += res.Shares[i]
	}

	if sum > 1+billing.Epsilon {
		res.Normalized = true
		res.Scale = 1 / sum
		for i := range res.Shares {
			res.Shares[i] *= res.Scale
		}
		sum = 1
	}

	if remainder >= 0 {
		rest := 1 - sum
		if rest < -billing.Epsilon {
			return ShareResolution{}, billing.Invalid(splitField(level[remainder].Split()), "remainder share %.6f is negative", rest)
		}
		if rest < 0 {
			rest = 0
		}
		res.Shares[remainder] = rest
		sum += rest
	}

	if !billing.NearlyEqual(sum, 1) {
		return ShareResolution{}, billing.Invalid("splits", "level shares sum to %.6f, want 1", sum)
	}
	return res, nil
}

func derivedShare(ctx context.Context, s *billing.ExpenseSplit, meters billing.MeterReader, periodID int64) (float64, error) {
	if s.PartMeterID == nil || s.TotalMeterID == nil {
		return 0, billing.Invalid(splitField(s), "derived share needs part and total meters")
	}
	if meters == nil {
		return 0, billing.Invalid(splitField(s), "meter readings are not available in this deployment")
	}
	part, err := meters.MeterReading(ctx, *s.PartMeterID, periodID)
	if err != nil {
		return 0, err
	}
	total, err := meters.MeterReading(ctx, *s.TotalMeterID, periodID)
	if err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, billing.Invalid(splitField(s), "meter %d total %.6f must be positive", *s.TotalMeterID, total)
	}
	if part < 0 {
		return 0, billing.Invalid(splitField(s), "meter %d reading %.6f is negative", *s.PartMeterID, part)
	}
	return part / total, nil
}

func splitField(s *billing.ExpenseSplit) string {
	return fmt.Sprintf("split[%d]", s.ID)
}
