package allocation

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
	"github.com/tathienbao/allocator/pkg/indicator"
)

// TREND action purposes.
const (
	PurposeEntry = "entry"
	PurposeExit  = "exit"
	PurposeStop  = "stop"
)

// TrendConfig holds configuration for the trend-following engine.
type TrendConfig struct {
	Symbols     []string
	Lookback    int             // daily closes in the z-score window
	EntryZ      decimal.Decimal // open long at or above
	ExitZ       decimal.Decimal // close at or below
	StopLossPct decimal.Decimal // close when price falls this far below entry
	Cooldown    time.Duration   // minimum time between entries on a symbol
}

// DefaultTrendConfig returns sensible defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		Symbols:     []string{"BTC", "ETH"},
		Lookback:    50,
		EntryZ:      decimal.RequireFromString("1.0"),
		ExitZ:       decimal.Zero,
		StopLossPct: decimal.RequireFromString("0.08"),
		Cooldown:    24 * time.Hour,
	}
}

// Trend holds long positions while price stays stretched above its mean.
// Strength is the z-score of the mark against the lookback SMA.
type Trend struct {
	cfg TrendConfig
}

// NewTrend creates the TREND engine.
func NewTrend(cfg TrendConfig) *Trend {
	syms := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		syms[i] = types.NormalizeSymbol(s)
	}
	cfg.Symbols = syms
	return &Trend{cfg: cfg}
}

// Name returns the engine name.
func (t *Trend) Name() types.EngineName {
	return types.EngineTrend
}

// Strength returns the current z-score for symbol.
func (t *Trend) Strength(in Input, symbol string) (decimal.Decimal, bool) {
	price, ok := in.Market.Price(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return indicator.ZScore(in.Market.ClosesFor(symbol), t.cfg.Lookback, price)
}

// Evaluate proposes entries, exits and stop-loss closes.
func (t *Trend) Evaluate(in Input) Decision {
	var actions []types.ProposedAction
	cash := in.Cash()

	perSymbol := in.Budget
	if n := len(t.cfg.Symbols); n > 0 {
		perSymbol = in.Budget.Div(decimal.NewFromInt(int64(n)))
	}

	for _, sym := range t.cfg.Symbols {
		price, ok := in.Market.Price(sym)
		if !ok {
			continue
		}
		held := in.Held(sym)

		if held.IsPositive() {
			if a, ok := t.exit(in, sym, held, price); ok {
				actions = append(actions, a)
			}
			continue
		}

		z, ok := t.Strength(in, sym)
		if !ok || z.LessThan(t.cfg.EntryZ) {
			continue
		}
		if !in.State.CooldownElapsed(sym, in.Now, t.cfg.Cooldown) {
			continue
		}

		notional := decimal.Min(in.capNotional(perSymbol), cash)
		if notional.LessThan(in.DustThreshold) {
			continue
		}
		qty := quantityFor(notional, price)
		if qty.IsZero() {
			continue
		}
		cash = cash.Sub(qty.Mul(price))

		actions = append(actions, NewActionBuilder(t.Name(), in.SubAccount, in.Now).
			Buy(sym, qty, price).
			WithPurpose(PurposeEntry).
			WithReason("z-score %s >= %s", z.String(), t.cfg.EntryZ.String()).
			Build())
	}

	return Decision{Actions: actions, State: in.State.Clone()}
}

// exit closes a held position on stop-loss or signal decay. Exits ignore
// the cooldown.
func (t *Trend) exit(in Input, sym string, held, price decimal.Decimal) (types.ProposedAction, bool) {
	b := NewActionBuilder(t.Name(), in.SubAccount, in.Now).Sell(sym, held, price).FullClose()

	if e, ok := in.View.Entry(in.SubAccount, sym); ok && e.EntryPrice.IsPositive() && t.cfg.StopLossPct.IsPositive() {
		stop := e.EntryPrice.Mul(decimal.NewFromInt(1).Sub(t.cfg.StopLossPct))
		if price.LessThanOrEqual(stop) {
			return b.WithPurpose(PurposeStop).
				WithReason("price %s at or below stop %s", price.String(), stop.StringFixed(2)).
				Build(), true
		}
	}

	z, ok := t.Strength(in, sym)
	if !ok || z.GreaterThan(t.cfg.ExitZ) {
		return types.ProposedAction{}, false
	}
	return b.WithPurpose(PurposeExit).
		WithReason("z-score %s <= %s", z.String(), t.cfg.ExitZ.String()).
		Build(), true
}

// Apply records executed entries and exits.
func (t *Trend) Apply(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState {
	return markExecuted(state, executions, now)
}
