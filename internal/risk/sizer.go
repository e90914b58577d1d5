package risk

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// quantityStep is the smallest representable order quantity.
var quantityStep = decimal.New(1, -types.QuantityPrecision)

// PositionCap returns the largest notional a single non-liquidating action
// may carry.
//
// Formula:
//
//	cap = equity * capPct
func PositionCap(equity, capPct decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() || !capPct.IsPositive() {
		return decimal.Zero
	}
	return equity.Mul(capPct)
}

// Headroom returns the capital an engine may still deploy this cycle.
//
// Formula:
//
//	headroom = equity * allocationPct - allocated - approved
//
// Never negative.
func Headroom(equity, allocationPct, allocated, approved decimal.Decimal) decimal.Decimal {
	h := equity.Mul(allocationPct).Sub(allocated).Sub(approved)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// FitToNotional shrinks a so that its per-leg notional does not exceed
// limit. It never grows an action. ok is false when nothing tradable is
// left.
func FitToNotional(a types.ProposedAction, limit decimal.Decimal) (types.ApprovedAction, bool) {
	approved := types.ApprovedAction{ProposedAction: a, OriginalQuantity: a.Quantity}
	if a.Notional().LessThanOrEqual(limit) {
		return approved, a.Quantity.IsPositive()
	}
	if !limit.IsPositive() || !a.Price.IsPositive() {
		return approved, false
	}

	qty := types.RoundQuantity(limit.Div(a.Price))
	for qty.IsPositive() && qty.Mul(a.Price).GreaterThan(limit) {
		qty = qty.Sub(quantityStep)
	}
	qty = decimal.Min(qty, a.Quantity)
	if !qty.IsPositive() {
		return approved, false
	}

	approved.ProposedAction = withQuantity(a, qty)
	approved.Downsized = true
	return approved, true
}

// withQuantity returns a copy of a with every leg set to qty.
func withQuantity(a types.ProposedAction, qty decimal.Decimal) types.ProposedAction {
	out := a
	out.Quantity = qty
	if a.IsHedge() {
		out.Legs = make([]types.Leg, len(a.Legs))
		for i, leg := range a.Legs {
			leg.Quantity = qty
			out.Legs[i] = leg
		}
	}
	return out
}
