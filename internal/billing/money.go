package billing

import (
	"math"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance for share sums and amount reconciliation.
const Epsilon = 1e-6

// MoneyPlaces is the number of decimal places amounts are rounded to when distributed.
const MoneyPlaces = 6

var epsilonDecimal = decimal.NewFromFloat(Epsilon)

// NearlyEqual compares two floats within Epsilon.
func NearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// AmountsEqual compares two amounts within Epsilon.
func AmountsEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(epsilonDecimal)
}

// IsZeroAmount reports whether an amount is within Epsilon of zero.
func IsZeroAmount(a decimal.Decimal) bool {
	return a.Abs().LessThanOrEqual(epsilonDecimal)
}

// Scale multiplies an amount by a float factor and rounds to MoneyPlaces.
func Scale(amount decimal.Decimal, factor float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(factor)).Round(MoneyPlaces)
}

// Sum totals amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
