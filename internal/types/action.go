package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind classifies a proposed action.
type ActionKind int

const (
	ActionBuy ActionKind = iota
	ActionSell
	ActionOpenHedge
	ActionCloseHedge
)

func (k ActionKind) String() string {
	switch k {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	case ActionOpenHedge:
		return "OPEN_HEDGE"
	case ActionCloseHedge:
		return "CLOSE_HEDGE"
	default:
		return "UNKNOWN"
	}
}

// Leg is one order of a multi-leg action. Legs execute in order.
type Leg struct {
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal // reference mark
}

// Notional returns quantity times reference price.
func (l Leg) Notional() decimal.Decimal {
	return l.Quantity.Mul(l.Price)
}

// ProposedAction is an engine's trade proposal, not yet reviewed.
type ProposedAction struct {
	ID          string
	Engine      EngineName
	SubAccount  string
	Kind        ActionKind
	Symbol      string
	Side        OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal // reference mark
	Legs        []Leg           // hedge actions only
	Liquidating bool            // reduces or closes exposure
	FullClose   bool
	Purpose     string // engine-specific intent, e.g. "dca" or "stop"
	Reason      string
	CreatedAt   time.Time
}

// IsHedge reports whether the action is a paired multi-leg action.
func (a ProposedAction) IsHedge() bool {
	return len(a.Legs) > 0
}

// Notional returns the per-leg notional value of the action.
func (a ProposedAction) Notional() decimal.Decimal {
	if a.IsHedge() {
		return a.Legs[0].Notional()
	}
	return a.Quantity.Mul(a.Price)
}

// Scale returns a copy with every quantity multiplied by factor and
// truncated to QuantityPrecision. Legs stay equal-sized.
func (a ProposedAction) Scale(factor decimal.Decimal) ProposedAction {
	out := a
	out.Quantity = RoundQuantity(a.Quantity.Mul(factor))
	if a.IsHedge() {
		out.Legs = make([]Leg, len(a.Legs))
		for i, leg := range a.Legs {
			leg.Quantity = RoundQuantity(leg.Quantity.Mul(factor))
			out.Legs[i] = leg
		}
		out.Quantity = out.Legs[0].Quantity
	}
	return out
}

// ApprovedAction is an action that passed risk review, possibly modified.
type ApprovedAction struct {
	ProposedAction
	Downsized        bool
	ConvertedToClose bool
	OriginalQuantity decimal.Decimal
}

// Execution is the outcome of executing one approved action.
type Execution struct {
	Action  ApprovedAction
	Orders  []Order
	Filled  bool // every leg filled
	Unwound bool // a partially executed hedge was closed back out
	At      time.Time
}

// FilledQuantity returns the total filled quantity on symbol for side.
func (e Execution) FilledQuantity(symbol string, side OrderSide) decimal.Decimal {
	total := decimal.Zero
	for _, o := range e.Orders {
		if o.Symbol == symbol && o.Side == side {
			total = total.Add(o.FilledQty)
		}
	}
	return total
}

// FilledNotional returns the sum of filled notional across orders of side.
func (e Execution) FilledNotional(side OrderSide) decimal.Decimal {
	total := decimal.Zero
	for _, o := range e.Orders {
		if o.Side == side {
			total = total.Add(o.FilledNotional())
		}
	}
	return total
}

// Transfer moves an asset between two sub-accounts of one account.
type Transfer struct {
	ID        string
	Kind      string // "top_up" into the reserve or "draw_down" out of it
	From      string
	To        string
	Asset     string
	Amount    decimal.Decimal
	Reason    string
	CreatedAt time.Time
}
