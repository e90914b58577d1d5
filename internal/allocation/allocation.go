// Package allocation implements the four allocation engines. Each engine is
// a pure function of its input view, market data and own state.
package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/market"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/types"
)

// Engine decides what one strategy wants to trade.
type Engine interface {
	// Name returns the engine identifier.
	Name() types.EngineName

	// Evaluate proposes actions and the next state. It must not depend on
	// anything outside in.
	Evaluate(in Input) Decision

	// Apply folds executed actions into state.
	Apply(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState
}

// Input is everything an engine may read in one cycle.
type Input struct {
	View              *reconcile.PortfolioView
	Market            market.Snapshot
	State             types.EngineState
	SubAccount        string
	Now               time.Time
	Equity            decimal.Decimal // portfolio equity
	Budget            decimal.Decimal // allocation_pct × equity
	MaxOrderNotional  decimal.Decimal // zero means uncapped
	DustThreshold     decimal.Decimal
	PortfolioDrawdown decimal.Decimal // fraction below the high-water mark
}

// Cash returns the quote cash of the engine's sub-account.
func (in Input) Cash() decimal.Decimal {
	if in.View == nil {
		return decimal.Zero
	}
	return in.View.Cash[in.SubAccount]
}

// Held returns the reconciled quantity of symbol in the engine's sub-account.
func (in Input) Held(symbol string) decimal.Decimal {
	return in.View.Quantity(in.SubAccount, symbol)
}

// capNotional applies the per-order notional cap.
func (in Input) capNotional(n decimal.Decimal) decimal.Decimal {
	if in.MaxOrderNotional.IsPositive() && n.GreaterThan(in.MaxOrderNotional) {
		return in.MaxOrderNotional
	}
	return n
}

// Decision is an engine's output for one cycle.
type Decision struct {
	Actions []types.ProposedAction
	State   types.EngineState
}

// CycleState is an engine's position in the per-tick state machine.
type CycleState int

const (
	CycleIdle CycleState = iota
	CycleEvaluating
	CycleProposing
	CycleApproved
	CycleVetoed
)

func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "IDLE"
	case CycleEvaluating:
		return "EVALUATING"
	case CycleProposing:
		return "PROPOSING"
	case CycleApproved:
		return "APPROVED"
	case CycleVetoed:
		return "VETOED"
	default:
		return "UNKNOWN"
	}
}

var cycleTransitions = map[CycleState][]CycleState{
	CycleIdle:       {CycleEvaluating},
	CycleEvaluating: {CycleProposing, CycleIdle},
	CycleProposing:  {CycleApproved, CycleVetoed},
	CycleApproved:   {CycleIdle},
	CycleVetoed:     {CycleIdle},
}

// Cycle tracks one engine through Idle → Evaluating → Proposing →
// (Approved | Vetoed) → Idle.
type Cycle struct {
	engine types.EngineName
	state  CycleState
}

// NewCycle returns an idle cycle.
func NewCycle(engine types.EngineName) *Cycle {
	return &Cycle{engine: engine}
}

// State returns the current cycle state.
func (c *Cycle) State() CycleState {
	return c.state
}

// Transition moves to next or fails with types.ErrIllegalCycle.
func (c *Cycle) Transition(next CycleState) error {
	for _, allowed := range cycleTransitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%s %s -> %s: %w", c.engine, c.state, next, types.ErrIllegalCycle)
}

// Reset forces the cycle back to idle after an aborted pipeline run.
func (c *Cycle) Reset() {
	c.state = CycleIdle
}

// ActionBuilder constructs proposed actions with consistent defaults.
type ActionBuilder struct {
	action types.ProposedAction
}

// NewActionBuilder starts an action for engine in subAccount.
func NewActionBuilder(engine types.EngineName, subAccount string, now time.Time) *ActionBuilder {
	return &ActionBuilder{
		action: types.ProposedAction{
			ID:         uuid.New().String(),
			Engine:     engine,
			SubAccount: subAccount,
			CreatedAt:  now,
		},
	}
}

// Buy makes a spot or perp buy.
func (b *ActionBuilder) Buy(symbol string, qty, price decimal.Decimal) *ActionBuilder {
	b.action.Kind = types.ActionBuy
	b.action.Side = types.OrderSideBuy
	b.action.Symbol = symbol
	b.action.Quantity = types.RoundQuantity(qty)
	b.action.Price = price
	return b
}

// Sell makes a spot or perp sell.
func (b *ActionBuilder) Sell(symbol string, qty, price decimal.Decimal) *ActionBuilder {
	b.action.Kind = types.ActionSell
	b.action.Side = types.OrderSideSell
	b.action.Symbol = symbol
	b.action.Quantity = types.RoundQuantity(qty)
	b.action.Price = price
	return b
}

// OpenHedge makes a spot-long plus perp-short pair of equal quantity.
func (b *ActionBuilder) OpenHedge(base string, qty, price decimal.Decimal) *ActionBuilder {
	q := types.RoundQuantity(qty)
	b.action.Kind = types.ActionOpenHedge
	b.action.Symbol = base
	b.action.Side = types.OrderSideBuy
	b.action.Quantity = q
	b.action.Price = price
	b.action.Legs = []types.Leg{
		{Symbol: base, Side: types.OrderSideBuy, Quantity: q, Price: price},
		{Symbol: types.PerpSymbol(base), Side: types.OrderSideSell, Quantity: q, Price: price},
	}
	return b
}

// CloseHedge covers the perp short, then sells the spot leg.
func (b *ActionBuilder) CloseHedge(base string, qty, price decimal.Decimal) *ActionBuilder {
	q := types.RoundQuantity(qty)
	b.action.Kind = types.ActionCloseHedge
	b.action.Symbol = base
	b.action.Side = types.OrderSideSell
	b.action.Quantity = q
	b.action.Price = price
	b.action.Legs = []types.Leg{
		{Symbol: types.PerpSymbol(base), Side: types.OrderSideBuy, Quantity: q, Price: price},
		{Symbol: base, Side: types.OrderSideSell, Quantity: q, Price: price},
	}
	b.action.Liquidating = true
	return b
}

// Liquidating marks the action as reducing exposure.
func (b *ActionBuilder) Liquidating() *ActionBuilder {
	b.action.Liquidating = true
	return b
}

// FullClose marks the action as closing the whole position.
func (b *ActionBuilder) FullClose() *ActionBuilder {
	b.action.FullClose = true
	b.action.Liquidating = true
	return b
}

// WithPurpose tags the engine-specific intent.
func (b *ActionBuilder) WithPurpose(purpose string) *ActionBuilder {
	b.action.Purpose = purpose
	return b
}

// WithReason sets a human readable reason.
func (b *ActionBuilder) WithReason(format string, args ...any) *ActionBuilder {
	b.action.Reason = fmt.Sprintf(format, args...)
	return b
}

// Build returns the constructed action.
func (b *ActionBuilder) Build() types.ProposedAction {
	return b.action
}

// quantityFor converts a quote notional into a truncated quantity.
func quantityFor(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !notional.IsPositive() {
		return decimal.Zero
	}
	return types.RoundQuantity(notional.Div(price))
}

// markExecuted records fills in state: every symbol with a fill gets its
// action clock reset and allocated capital follows filled notional.
func markExecuted(state types.EngineState, executions []types.Execution, now time.Time) types.EngineState {
	next := state.Clone()
	for _, exec := range executions {
		touched := false
		for _, o := range exec.Orders {
			if !o.FilledQty.IsPositive() {
				continue
			}
			touched = true
			next.MarkAction(o.Symbol, now)
			if types.IsPerp(o.Symbol) {
				next.MarkAction(types.BaseAsset(o.Symbol), now)
			}
		}
		if !touched {
			continue
		}

		if exec.Action.IsHedge() {
			// The spot leg carries the capital of a pair.
			base := exec.Action.Symbol
			next.AllocatedCapital = next.AllocatedCapital.
				Add(notionalOf(exec, base, types.OrderSideBuy)).
				Sub(notionalOf(exec, base, types.OrderSideSell))
		} else {
			next.AllocatedCapital = next.AllocatedCapital.
				Add(exec.FilledNotional(types.OrderSideBuy)).
				Sub(exec.FilledNotional(types.OrderSideSell))
		}
		if next.AllocatedCapital.IsNegative() {
			next.AllocatedCapital = decimal.Zero
		}
	}
	next.UpdatedAt = now
	return next
}

func notionalOf(exec types.Execution, symbol string, side types.OrderSide) decimal.Decimal {
	total := decimal.Zero
	for _, o := range exec.Orders {
		if o.Symbol == symbol && o.Side == side {
			total = total.Add(o.FilledNotional())
		}
	}
	return total
}

// normalizeWeights resolves explicit weights over a basket. Symbols without
// an explicit weight split the residual equally.
func normalizeWeights(basket []string, explicit map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(basket))
	used := decimal.Zero
	var rest []string
	for _, sym := range basket {
		if w, ok := explicit[sym]; ok {
			out[sym] = w
			used = used.Add(w)
		} else {
			rest = append(rest, sym)
		}
	}
	residual := decimal.NewFromInt(1).Sub(used)
	if len(rest) > 0 && residual.IsPositive() {
		share := residual.Div(decimal.NewFromInt(int64(len(rest))))
		for _, sym := range rest {
			out[sym] = share
		}
	}
	return out
}

// sortedSymbols returns map keys in a stable order.
func sortedSymbols[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
