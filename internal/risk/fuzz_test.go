package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// FuzzFitToNotional checks that sizing never upsizes and never breaches
// the limit.
func FuzzFitToNotional(f *testing.F) {
	f.Add("2", "3000", "4500")
	f.Add("0.00000001", "65000", "1")
	f.Add("1000000", "0.0001", "7")
	f.Add("3", "33.33", "100")
	f.Add("1", "1", "0")

	f.Fuzz(func(t *testing.T, qtyStr, priceStr, limitStr string) {
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil || !qty.IsPositive() || qty.GreaterThan(decimal.NewFromInt(1e9)) {
			return
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil || !price.IsPositive() || price.GreaterThan(decimal.NewFromInt(1e9)) {
			return
		}
		limit, err := decimal.NewFromString(limitStr)
		if err != nil || limit.IsNegative() {
			return
		}

		a := types.ProposedAction{Symbol: "BTC", Side: types.OrderSideBuy, Quantity: types.RoundQuantity(qty), Price: price}
		if !a.Quantity.IsPositive() {
			return
		}

		got, ok := FitToNotional(a, limit)
		if !ok {
			return
		}

		// Invariants
		// 1. Never upsized
		if got.Quantity.GreaterThan(a.Quantity) {
			t.Errorf("upsized: %s > %s", got.Quantity, a.Quantity)
		}
		// 2. Never above the limit
		if got.Notional().GreaterThan(limit) {
			t.Errorf("notional %s exceeds limit %s", got.Notional(), limit)
		}
		// 3. Quantity stays positive and on the precision grid
		if !got.Quantity.IsPositive() || !got.Quantity.Equal(types.RoundQuantity(got.Quantity)) {
			t.Errorf("bad quantity %s", got.Quantity)
		}
	})
}

// FuzzDrawdownCalculation tests drawdown calculation with random equity values.
func FuzzDrawdownCalculation(f *testing.F) {
	f.Add("10000.00", "10000.00")
	f.Add("12000.00", "10000.00")
	f.Add("8000.00", "10000.00")
	f.Add("0.01", "10000.00")
	f.Add("10000.00", "0.01")

	f.Fuzz(func(t *testing.T, equityStr string, peakStr string) {
		equity, err := decimal.NewFromString(equityStr)
		if err != nil || equity.IsNegative() {
			return
		}
		peak, err := decimal.NewFromString(peakStr)
		if err != nil || !peak.IsPositive() {
			return
		}

		tracker := NewHighWaterMarkTracker(peak)
		tracker.Update(equity)
		current, hwm, drawdown := tracker.Snapshot()

		if drawdown.IsNegative() {
			t.Errorf("negative drawdown: %s", drawdown)
		}
		if drawdown.GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("drawdown > 100%%: %s", drawdown)
		}
		if hwm.LessThan(current) {
			t.Error("HWM below current equity")
		}
	})
}
