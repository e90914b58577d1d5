package indicator

import (
	"github.com/shopspring/decimal"
)

// StdDev returns the population standard deviation of the last period
// values.
func StdDev(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	window, ok := Tail(values, period)
	if !ok {
		return decimal.Zero, false
	}
	return stddev(window, mean(window)), true
}

func stddev(window []decimal.Decimal, m decimal.Decimal) decimal.Decimal {
	// variance: sum((x - mean)^2) / n
	var sumSquares decimal.Decimal
	for _, v := range window {
		diff := v.Sub(m)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(window))))
	return sqrt(variance)
}

// sqrt calculates the square root of a decimal using Newton's method.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}

	guess := d.Div(decimal.NewFromInt(2))
	if guess.IsZero() {
		guess = decimal.NewFromInt(1)
	}

	two := decimal.NewFromInt(2)
	epsilon := decimal.RequireFromString("0.00000001")

	for i := 0; i < 100; i++ {
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(epsilon) {
			return next.Round(8)
		}
		guess = next
	}
	return guess.Round(8)
}
