package allocation

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// CORE-HODL phases.
const (
	PhaseDeploy     = "deploy"
	PhaseAccumulate = "accumulate"
)

// CORE-HODL action purposes.
const (
	PurposeDeploy    = "deploy"
	PurposeDCA       = "dca"
	PurposeRebalance = "rebalance"
)

// CoreHodlConfig holds configuration for the long-horizon accumulation engine.
type CoreHodlConfig struct {
	Basket            []string
	Weights           map[string]decimal.Decimal // explicit weights; the rest split the residual
	InitialDeployPct  decimal.Decimal            // share of the budget deployed up front
	DeployInterval    time.Duration              // minimum spacing of deployment tranches per symbol
	DCAAmount         decimal.Decimal            // quote spent per DCA round, split by weight
	DCACooldown       time.Duration
	RebalanceInterval time.Duration
	RebalanceBandPct  decimal.Decimal // absolute weight drift that triggers a rebalance
}

// DefaultCoreHodlConfig returns sensible defaults.
func DefaultCoreHodlConfig() CoreHodlConfig {
	return CoreHodlConfig{
		Basket: []string{"BTC", "ETH", "SOL", "LINK"},
		Weights: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("0.5"),
			"ETH": decimal.RequireFromString("0.3"),
		},
		InitialDeployPct:  decimal.RequireFromString("0.5"),
		DeployInterval:    24 * time.Hour,
		DCAAmount:         decimal.NewFromInt(100),
		DCACooldown:       168 * time.Hour,
		RebalanceInterval: 90 * 24 * time.Hour,
		RebalanceBandPct:  decimal.RequireFromString("0.05"),
	}
}

// CoreHodl deploys a weighted basket, then dollar-cost-averages weekly and
// rebalances quarterly.
type CoreHodl struct {
	cfg     CoreHodlConfig
	weights map[string]decimal.Decimal
}

// NewCoreHodl creates the CORE-HODL engine.
func NewCoreHodl(cfg CoreHodlConfig) *CoreHodl {
	basket := make([]string, len(cfg.Basket))
	for i, s := range cfg.Basket {
		basket[i] = types.NormalizeSymbol(s)
	}
	cfg.Basket = basket
	explicit := make(map[string]decimal.Decimal, len(cfg.Weights))
	for s, w := range cfg.Weights {
		explicit[types.NormalizeSymbol(s)] = w
	}
	return &CoreHodl{cfg: cfg, weights: normalizeWeights(basket, explicit)}
}

// Name returns the engine name.
func (c *CoreHodl) Name() types.EngineName {
	return types.EngineCoreHodl
}

// Weights returns the resolved target weights.
func (c *CoreHodl) Weights() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out
}

// Evaluate proposes deployment tranches, DCA buys or a rebalance.
func (c *CoreHodl) Evaluate(in Input) Decision {
	state := in.State.Clone()
	if state.Phase == "" {
		state.Phase = PhaseDeploy
	}

	if state.Phase == PhaseDeploy {
		actions := c.deploy(in)
		if len(actions) > 0 {
			return Decision{Actions: actions, State: state}
		}
		if c.deployed(in) {
			state.Phase = PhaseAccumulate
			state.LastRebalance = in.Now
		}
		return Decision{State: state}
	}

	if !state.LastRebalance.IsZero() && in.Now.Sub(state.LastRebalance) >= c.cfg.RebalanceInterval {
		// A proposed rebalance restarts the interval only once it fills.
		if actions := c.rebalance(in); len(actions) > 0 {
			return Decision{Actions: actions, State: state}
		}
		state.LastRebalance = in.Now
	}

	return Decision{Actions: c.dca(in), State: state}
}

// deployTarget is the value symbol should reach during initial deployment.
func (c *CoreHodl) deployTarget(in Input, symbol string) decimal.Decimal {
	return in.Budget.Mul(c.cfg.InitialDeployPct).Mul(c.weights[symbol])
}

func (c *CoreHodl) deployed(in Input) bool {
	for _, sym := range c.cfg.Basket {
		price, ok := in.Market.Price(sym)
		if !ok {
			return false
		}
		gap := c.deployTarget(in, sym).Sub(in.Held(sym).Mul(price))
		if gap.GreaterThanOrEqual(in.DustThreshold) && gap.IsPositive() {
			return false
		}
	}
	return true
}

func (c *CoreHodl) deploy(in Input) []types.ProposedAction {
	var actions []types.ProposedAction
	cash := in.Cash()

	for _, sym := range c.cfg.Basket {
		price, ok := in.Market.Price(sym)
		if !ok {
			continue
		}
		if !in.State.CooldownElapsed(sym, in.Now, c.cfg.DeployInterval) {
			continue
		}

		gap := c.deployTarget(in, sym).Sub(in.Held(sym).Mul(price))
		notional := decimal.Min(in.capNotional(gap), cash)
		if notional.LessThan(in.DustThreshold) {
			continue
		}
		qty := quantityFor(notional, price)
		if qty.IsZero() {
			continue
		}
		cash = cash.Sub(qty.Mul(price))

		actions = append(actions, NewActionBuilder(c.Name(), in.SubAccount, in.Now).
			Buy(sym, qty, price).
			WithPurpose(PurposeDeploy).
			WithReason("initial deployment tranche %s of target %s", notional.StringFixed(2), c.deployTarget(in, sym).StringFixed(2)).
			Build())
	}
	return actions
}

func (c *CoreHodl) dca(in Input) []types.ProposedAction {
	var actions []types.ProposedAction
	cash := in.Cash()

	for _, sym := range c.cfg.Basket {
		if !in.State.CooldownElapsed(sym, in.Now, c.cfg.DCACooldown) {
			continue
		}
		price, ok := in.Market.Price(sym)
		if !ok {
			continue
		}

		notional := decimal.Min(in.capNotional(c.cfg.DCAAmount.Mul(c.weights[sym])), cash)
		if notional.LessThan(in.DustThreshold) {
			continue
		}
		qty := quantityFor(notional, price)
		if qty.IsZero() {
			continue
		}
		cash = cash.Sub(qty.Mul(price))

		actions = append(actions, NewActionBuilder(c.Name(), in.SubAccount, in.Now).
			Buy(sym, qty, price).
			WithPurpose(PurposeDCA).
			WithReason("weekly DCA %s", notional.StringFixed(2)).
			Build())
	}
	return actions
}

// rebalance sells overweight symbols first, then buys underweight ones.
func (c *CoreHodl) rebalance(in Input) []types.ProposedAction {
	values := make(map[string]decimal.Decimal, len(c.cfg.Basket))
	prices := make(map[string]decimal.Decimal, len(c.cfg.Basket))
	total := decimal.Zero
	for _, sym := range c.cfg.Basket {
		price, ok := in.Market.Price(sym)
		if !ok {
			// Weights cannot be judged without every price.
			return nil
		}
		prices[sym] = price
		values[sym] = in.Held(sym).Mul(price)
		total = total.Add(values[sym])
	}
	if !total.IsPositive() {
		return nil
	}

	weightSum := decimal.Zero
	for _, w := range c.weights {
		weightSum = weightSum.Add(w)
	}
	if !weightSum.IsPositive() {
		return nil
	}

	var sells, buys []types.ProposedAction
	for _, sym := range c.cfg.Basket {
		target := c.weights[sym].Div(weightSum)
		current := values[sym].Div(total)
		if current.Sub(target).Abs().LessThanOrEqual(c.cfg.RebalanceBandPct) {
			continue
		}

		diff := target.Mul(total).Sub(values[sym])
		qty := quantityFor(in.capNotional(diff.Abs()), prices[sym])
		if qty.IsZero() || diff.Abs().LessThan(in.DustThreshold) {
			continue
		}

		b := NewActionBuilder(c.Name(), in.SubAccount, in.Now).
			WithPurpose(PurposeRebalance).
			WithReason("weight %s vs target %s", current.StringFixed(4), target.StringFixed(4))
		if diff.IsNegative() {
			qty = decimal.Min(qty, in.Held(sym))
			sells = append(sells, b.Sell(sym, qty, prices[sym]).Liquidating().Build())
		} else {
			buys = append(buys, b.Buy(sym, qty, prices[sym]).Build())
		}
	}
	return append(sells, buys...)
}

// Apply records executed deployments, DCA rounds and rebalances.
func (c *CoreHodl) Apply(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState {
	next := markExecuted(state, executions, now)
	for _, exec := range executions {
		if exec.Action.Purpose == PurposeRebalance && anyFill(exec) {
			next.LastRebalance = now
			break
		}
	}
	return next
}

func anyFill(exec types.Execution) bool {
	for _, o := range exec.Orders {
		if o.FilledQty.IsPositive() {
			return true
		}
	}
	return false
}
