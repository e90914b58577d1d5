package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewPortfolioSummary(t *testing.T) {
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	startEquity := decimal.NewFromInt(10000)
	endEquity := decimal.NewFromInt(10500)
	highWater := decimal.NewFromInt(11000)

	summary := NewPortfolioSummary(date, startEquity, endEquity, highWater)

	if !summary.StartingEquity.Equal(startEquity) {
		t.Errorf("StartingEquity = %s, want %s", summary.StartingEquity, startEquity)
	}
	if !summary.EndingEquity.Equal(endEquity) {
		t.Errorf("EndingEquity = %s, want %s", summary.EndingEquity, endEquity)
	}

	expectedPL := decimal.NewFromInt(500)
	if !summary.TotalPL.Equal(expectedPL) {
		t.Errorf("TotalPL = %s, want %s", summary.TotalPL, expectedPL)
	}

	expectedReturn := decimal.NewFromInt(5)
	if !summary.ReturnPct.Equal(expectedReturn) {
		t.Errorf("ReturnPct = %s, want %s", summary.ReturnPct, expectedReturn)
	}

	// (11000 - 10500) / 11000 * 100 = 4.545...
	expectedDrawdown := decimal.NewFromFloat(4.545454545454545)
	if summary.Drawdown.Sub(expectedDrawdown).Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Errorf("Drawdown = %s, want ~%s", summary.Drawdown, expectedDrawdown)
	}
}

func TestNewPortfolioSummary_ZeroEquity(t *testing.T) {
	summary := NewPortfolioSummary(time.Now(), decimal.Zero, decimal.Zero, decimal.Zero)

	if !summary.ReturnPct.IsZero() {
		t.Errorf("ReturnPct = %s, want 0", summary.ReturnPct)
	}
	if !summary.Drawdown.IsZero() {
		t.Errorf("Drawdown = %s, want 0", summary.Drawdown)
	}
}

func TestNewPortfolioSummary_NewHighHasNoDrawdown(t *testing.T) {
	summary := NewPortfolioSummary(time.Now(),
		decimal.NewFromInt(10000), decimal.NewFromInt(12000), decimal.NewFromInt(11000))

	if !summary.Drawdown.IsZero() {
		t.Errorf("Drawdown = %s, want 0", summary.Drawdown)
	}
}

func TestPortfolioSummary_Text(t *testing.T) {
	summary := NewPortfolioSummary(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		decimal.NewFromInt(10000), decimal.NewFromInt(9500), decimal.NewFromInt(10000))
	summary.OrdersFilled = 4
	summary.OrdersRejected = 1
	summary.BreakerTripped = true
	summary.Engines = []EngineSummary{
		{Name: "trend", Capital: decimal.NewFromInt(2000), Positions: 1, BreakerTripped: true},
		{Name: "core_hodl", Capital: decimal.NewFromInt(6000), Positions: 2},
	}

	text := summary.Text()
	for _, want := range []string{
		"2026-03-01",
		"-500.00",
		"orders filled 4, rejected 1",
		"Breaker: TRIPPED",
		"trend: capital 2000.00, positions 1 [breaker]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "core_hodl") > strings.Index(text, "trend:") {
		t.Error("engines should be listed by name")
	}
}
