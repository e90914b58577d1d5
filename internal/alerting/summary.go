package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EngineSummary is one engine's line in the daily summary.
type EngineSummary struct {
	Name           string
	Capital        decimal.Decimal
	Positions      int
	BreakerTripped bool
}

// PortfolioSummary contains daily portfolio statistics for the summary report.
type PortfolioSummary struct {
	Date           time.Time
	StartingEquity decimal.Decimal
	EndingEquity   decimal.Decimal
	HighWaterMark  decimal.Decimal
	TotalPL        decimal.Decimal
	ReturnPct      decimal.Decimal
	Drawdown       decimal.Decimal
	Cycles         int
	OrdersFilled   int
	OrdersRejected int
	Vetoes         int
	BreakerTripped bool
	Halted         bool
	Engines        []EngineSummary
}

// NewPortfolioSummary creates a summary from the day's equity marks.
// Counters and engine lines are filled in by the caller.
func NewPortfolioSummary(date time.Time, startEquity, endEquity, highWater decimal.Decimal) PortfolioSummary {
	totalPL := endEquity.Sub(startEquity)

	var returnPct decimal.Decimal
	if !startEquity.IsZero() {
		returnPct = totalPL.Div(startEquity).Mul(decimal.NewFromInt(100))
	}

	var drawdown decimal.Decimal
	if !highWater.IsZero() {
		drawdown = highWater.Sub(endEquity).Div(highWater).Mul(decimal.NewFromInt(100))
		if drawdown.IsNegative() {
			drawdown = decimal.Zero
		}
	}

	return PortfolioSummary{
		Date:           date,
		StartingEquity: startEquity,
		EndingEquity:   endEquity,
		HighWaterMark:  highWater,
		TotalPL:        totalPL,
		ReturnPct:      returnPct,
		Drawdown:       drawdown,
	}
}

// SortedEngines returns the engine lines ordered by name.
func (s PortfolioSummary) SortedEngines() []EngineSummary {
	out := make([]EngineSummary, len(s.Engines))
	copy(out, s.Engines)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Text renders the summary as plain text.
func (s PortfolioSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio summary %s\n", s.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "Equity: %s -> %s (%s, %s%%)\n",
		s.StartingEquity.StringFixed(2), s.EndingEquity.StringFixed(2),
		s.TotalPL.StringFixed(2), s.ReturnPct.StringFixed(2))
	fmt.Fprintf(&b, "High water mark: %s, drawdown %s%%\n", s.HighWaterMark.StringFixed(2), s.Drawdown.StringFixed(2))
	fmt.Fprintf(&b, "Cycles: %d, orders filled %d, rejected %d, vetoes %d\n",
		s.Cycles, s.OrdersFilled, s.OrdersRejected, s.Vetoes)
	fmt.Fprintf(&b, "Breaker: %s, pipeline: %s", latchStatus(s.BreakerTripped), haltStatus(s.Halted))
	for _, e := range s.SortedEngines() {
		fmt.Fprintf(&b, "\n%s: capital %s, positions %d", e.Name, e.Capital.StringFixed(2), e.Positions)
		if e.BreakerTripped {
			b.WriteString(" [breaker]")
		}
	}
	return b.String()
}

func latchStatus(tripped bool) string {
	if tripped {
		return "TRIPPED"
	}
	return "armed"
}

func haltStatus(halted bool) string {
	if halted {
		return "HALTED"
	}
	return "running"
}
