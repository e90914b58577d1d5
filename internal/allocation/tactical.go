package allocation

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// TACTICAL-CASH phases.
const (
	PhaseArmed    = "armed"
	PhaseDeployed = "deployed"
)

// PurposeDeployReserve tags reserve deployment buys.
const PurposeDeployReserve = "deploy_reserve"

// TacticalCashConfig holds configuration for the drawdown reserve engine.
type TacticalCashConfig struct {
	Targets           map[string]decimal.Decimal // symbol weights for deployment
	DeployDrawdownPct decimal.Decimal            // portfolio drawdown that triggers deployment
	RearmDrawdownPct  decimal.Decimal            // drawdown below which the reserve re-arms
	DeployFraction    decimal.Decimal            // share of reserve cash deployed per trigger
}

// DefaultTacticalCashConfig returns sensible defaults.
func DefaultTacticalCashConfig() TacticalCashConfig {
	return TacticalCashConfig{
		Targets: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("0.6"),
			"ETH": decimal.RequireFromString("0.4"),
		},
		DeployDrawdownPct: decimal.RequireFromString("0.20"),
		RearmDrawdownPct:  decimal.RequireFromString("0.05"),
		DeployFraction:    decimal.RequireFromString("0.5"),
	}
}

// TacticalCash keeps its sub-account in cash and buys into deep portfolio
// drawdowns, once per drawdown episode.
type TacticalCash struct {
	cfg     TacticalCashConfig
	symbols []string
	weights map[string]decimal.Decimal
}

// NewTacticalCash creates the TACTICAL-CASH engine.
func NewTacticalCash(cfg TacticalCashConfig) *TacticalCash {
	explicit := make(map[string]decimal.Decimal, len(cfg.Targets))
	for s, w := range cfg.Targets {
		explicit[types.NormalizeSymbol(s)] = w
	}
	symbols := sortedSymbols(explicit)
	return &TacticalCash{cfg: cfg, symbols: symbols, weights: normalizeWeights(symbols, explicit)}
}

// Name returns the engine name.
func (t *TacticalCash) Name() types.EngineName {
	return types.EngineTacticalCash
}

// Evaluate arms, deploys or re-arms the reserve.
func (t *TacticalCash) Evaluate(in Input) Decision {
	state := in.State.Clone()
	if state.Phase == "" {
		state.Phase = PhaseArmed
	}

	switch state.Phase {
	case PhaseDeployed:
		if in.PortfolioDrawdown.LessThan(t.cfg.RearmDrawdownPct) {
			state.Phase = PhaseArmed
		}
		return Decision{State: state}
	case PhaseArmed:
		if in.PortfolioDrawdown.LessThan(t.cfg.DeployDrawdownPct) {
			return Decision{State: state}
		}
		return Decision{Actions: t.deploy(in), State: state}
	default:
		return Decision{State: state}
	}
}

func (t *TacticalCash) deploy(in Input) []types.ProposedAction {
	var actions []types.ProposedAction
	cash := in.Cash()
	reserve := cash.Mul(t.cfg.DeployFraction)

	for _, sym := range t.symbols {
		price, ok := in.Market.Price(sym)
		if !ok {
			continue
		}
		notional := decimal.Min(in.capNotional(reserve.Mul(t.weights[sym])), cash)
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
			WithPurpose(PurposeDeployReserve).
			WithReason("portfolio drawdown %s >= %s", in.PortfolioDrawdown.StringFixed(4), t.cfg.DeployDrawdownPct.String()).
			Build())
	}
	return actions
}

// Apply records fills and moves to deployed once reserve buys fill.
func (t *TacticalCash) Apply(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState {
	next := markExecuted(state, executions, now)
	for _, exec := range executions {
		if exec.Action.Purpose != PurposeDeployReserve {
			continue
		}
		for _, o := range exec.Orders {
			if o.FilledQty.IsPositive() {
				next.Phase = PhaseDeployed
			}
		}
	}
	return next
}
