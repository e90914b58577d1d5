package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// MutatePosition returns the position that results from filling qty of
// order at price. current is the open position in the order's slot, or nil.
// Spot positions never go negative; overselling closes the position.
func MutatePosition(current *types.Position, order types.Order, qty, price decimal.Decimal, at time.Time) types.Position {
	delta := qty
	if order.Side == types.OrderSideSell {
		delta = qty.Neg()
	}

	if current == nil || !current.Open {
		pos := types.Position{
			ID:            uuid.New().String(),
			SubAccount:    order.SubAccount,
			Symbol:        order.Symbol,
			Side:          sideFor(order.Symbol, delta),
			Quantity:      delta.Abs(),
			AvgEntryPrice: price,
			Engine:        order.Engine,
			OpenedAt:      at,
			Open:          true,
		}
		if pos.Side == types.PositionSideSpot && delta.IsNegative() {
			pos.Quantity = decimal.Zero
			pos.Open = false
			pos.ClosedAt = at
		}
		return pos
	}

	pos := *current
	prev := current.SignedQuantity()
	next := prev.Add(delta)

	switch {
	case pos.Side == types.PositionSideSpot && !next.IsPositive():
		pos.Quantity = decimal.Zero
	case next.IsZero():
		pos.Quantity = decimal.Zero
	case prev.Sign() != next.Sign():
		// Perpetual flipped through zero: the remainder opens at the fill price.
		pos.Side = sideFor(pos.Symbol, next)
		pos.Quantity = next.Abs()
		pos.AvgEntryPrice = price
	case next.Abs().GreaterThan(prev.Abs()):
		cost := prev.Abs().Mul(pos.AvgEntryPrice).Add(qty.Mul(price))
		pos.Quantity = next.Abs()
		pos.AvgEntryPrice = cost.Div(pos.Quantity)
	default:
		pos.Quantity = next.Abs()
	}

	if pos.Quantity.IsZero() {
		pos.Open = false
		pos.ClosedAt = at
	}
	return pos
}

func sideFor(symbol string, signed decimal.Decimal) types.PositionSide {
	if !types.IsPerp(symbol) {
		return types.PositionSideSpot
	}
	if signed.IsNegative() {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}
