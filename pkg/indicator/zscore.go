package indicator

import (
	"github.com/shopspring/decimal"
)

// ZScore measures how far price sits from the mean of the last period
// closes, in standard deviations. A flat series yields false.
func ZScore(closes []decimal.Decimal, period int, price decimal.Decimal) (decimal.Decimal, bool) {
	window, ok := Tail(closes, period)
	if !ok {
		return decimal.Zero, false
	}
	m := mean(window)
	sd := stddev(window, m)
	if sd.IsZero() {
		return decimal.Zero, false
	}
	return price.Sub(m).Div(sd).Round(4), true
}
