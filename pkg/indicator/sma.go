// Package indicator computes trend statistics over daily close series.
package indicator

import (
	"github.com/shopspring/decimal"
)

// Tail returns the last period values, or false when the series is shorter.
func Tail(values []decimal.Decimal, period int) ([]decimal.Decimal, bool) {
	if period < 1 || len(values) < period {
		return nil, false
	}
	return values[len(values)-period:], true
}

// SMA returns the simple moving average of the last period values.
func SMA(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	window, ok := Tail(values, period)
	if !ok {
		return decimal.Zero, false
	}
	return mean(window), true
}

func mean(window []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}
