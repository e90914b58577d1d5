package allocation

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// FUNDING-ARB action purposes.
const (
	PurposeOpenHedge  = "open_hedge"
	PurposeCloseHedge = "close_hedge"
	PurposeResidual   = "residual"
)

// FundingArbConfig holds configuration for the delta-neutral funding engine.
type FundingArbConfig struct {
	Symbols        []string        // base assets with a listed perp
	OpenAPY        decimal.Decimal // annualized funding needed to open
	CloseAPY       decimal.Decimal // close once annualized funding drops below
	MinPeriods     int             // funding sign must persist this many periods
	MarginFraction decimal.Decimal // cash kept per unit of notional as perp margin
	Cooldown       time.Duration
}

// DefaultFundingArbConfig returns sensible defaults.
func DefaultFundingArbConfig() FundingArbConfig {
	return FundingArbConfig{
		Symbols:        []string{"BTC", "ETH"},
		OpenAPY:        decimal.RequireFromString("0.15"),
		CloseAPY:       decimal.RequireFromString("0.05"),
		MinPeriods:     3,
		MarginFraction: decimal.RequireFromString("0.25"),
		Cooldown:       8 * time.Hour,
	}
}

// FundingArb collects positive perp funding with a spot-long plus
// perp-short pair of equal size. Negative funding is not traded because the
// reverse pair needs borrowed spot.
type FundingArb struct {
	cfg FundingArbConfig
}

// NewFundingArb creates the FUNDING-ARB engine.
func NewFundingArb(cfg FundingArbConfig) *FundingArb {
	syms := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		syms[i] = types.BaseAsset(types.NormalizeSymbol(s))
	}
	cfg.Symbols = syms
	return &FundingArb{cfg: cfg}
}

// Name returns the engine name.
func (f *FundingArb) Name() types.EngineName {
	return types.EngineFundingArb
}

// Evaluate proposes hedge opens, hedge closes and residual corrections.
func (f *FundingArb) Evaluate(in Input) Decision {
	var actions []types.ProposedAction
	cash := in.Cash()

	perSymbol := in.Budget
	if n := len(f.cfg.Symbols); n > 0 {
		perSymbol = in.Budget.Div(decimal.NewFromInt(int64(n)))
	}

	for _, base := range f.cfg.Symbols {
		price, ok := in.Market.Price(base)
		if !ok {
			continue
		}
		spot := in.Held(base)
		short := in.Held(types.PerpSymbol(base)).Neg()
		hedged := decimal.Max(decimal.Min(spot, short), decimal.Zero)

		if a, ok := f.residual(in, base, spot, short, price); ok {
			actions = append(actions, a)
			continue
		}

		if hedged.IsPositive() {
			if reason, ok := f.shouldClose(in, base); ok {
				actions = append(actions, NewActionBuilder(f.Name(), in.SubAccount, in.Now).
					CloseHedge(base, hedged, price).
					WithPurpose(PurposeCloseHedge).
					WithReason("%s", reason).
					Build())
			}
			continue
		}

		if !f.shouldOpen(in, base) {
			continue
		}

		// Spot leg consumes notional; the perp short needs margin on top.
		affordable := cash.Div(decimal.NewFromInt(1).Add(f.cfg.MarginFraction))
		notional := decimal.Min(in.capNotional(perSymbol), affordable)
		if notional.LessThan(in.DustThreshold) {
			continue
		}
		qty := quantityFor(notional, price)
		if qty.IsZero() {
			continue
		}
		cash = cash.Sub(qty.Mul(price).Mul(decimal.NewFromInt(1).Add(f.cfg.MarginFraction)))

		fi, _ := in.Market.FundingFor(base)
		actions = append(actions, NewActionBuilder(f.Name(), in.SubAccount, in.Now).
			OpenHedge(base, qty, price).
			WithPurpose(PurposeOpenHedge).
			WithReason("funding %s annualized over %d periods", fi.AnnualizedYield().StringFixed(4), fi.PersistedPeriods()).
			Build())
	}

	return Decision{Actions: actions, State: in.State.Clone()}
}

func (f *FundingArb) shouldOpen(in Input, base string) bool {
	fi, ok := in.Market.FundingFor(base)
	if !ok || !fi.Rate.IsPositive() {
		return false
	}
	if fi.AnnualizedYield().LessThan(f.cfg.OpenAPY) || fi.PersistedPeriods() < f.cfg.MinPeriods {
		return false
	}
	return in.State.CooldownElapsed(base, in.Now, f.cfg.Cooldown)
}

func (f *FundingArb) shouldClose(in Input, base string) (string, bool) {
	fi, ok := in.Market.FundingFor(base)
	switch {
	case !ok:
		return "", false
	case !fi.Rate.IsPositive():
		return "funding turned non-positive", true
	case fi.AnnualizedYield().LessThan(f.cfg.CloseAPY):
		return "annualized funding " + fi.AnnualizedYield().StringFixed(4) + " below close threshold", true
	case fi.PersistedPeriods() < f.cfg.MinPeriods:
		return "funding persistence broken", true
	}
	return "", false
}

// residual proposes a single liquidating leg when the pair is out of
// balance by more than dust.
func (f *FundingArb) residual(in Input, base string, spot, short, price decimal.Decimal) (types.ProposedAction, bool) {
	spot = decimal.Max(spot, decimal.Zero)
	short = decimal.Max(short, decimal.Zero)
	imbalance := spot.Sub(short)
	if imbalance.Abs().Mul(price).LessThan(in.DustThreshold) {
		return types.ProposedAction{}, false
	}

	b := NewActionBuilder(f.Name(), in.SubAccount, in.Now).WithPurpose(PurposeResidual)
	if imbalance.IsPositive() {
		b = b.Sell(base, imbalance, price).
			WithReason("spot leg exceeds perp short by %s", imbalance.String())
	} else {
		b = b.Buy(types.PerpSymbol(base), imbalance.Abs(), price).
			WithReason("perp short exceeds spot leg by %s", imbalance.Abs().String())
	}
	if short.IsZero() || spot.IsZero() {
		b = b.FullClose()
	} else {
		b = b.Liquidating()
	}
	return b.Build(), true
}

// Apply records executed hedges.
func (f *FundingArb) Apply(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState {
	return markExecuted(state, executions, now)
}
