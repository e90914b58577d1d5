// Package ledger provides durable storage for positions, orders, engine
// state and the drawdown breaker.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// Ledger is the persistent record of the allocator.
//
// Position and engine state writes are version-checked: a write carrying a
// version that no longer matches the stored one fails with
// types.ErrStaleWrite. Order status transitions are append-only and a
// terminal status is never overwritten.
type Ledger interface {
	// Position operations
	LoadPositions(ctx context.Context) ([]types.Position, error)
	GetPosition(ctx context.Context, key types.PositionKey) (*types.Position, error)
	UpsertPosition(ctx context.Context, position types.Position) (types.Position, error)
	ClosePosition(ctx context.Context, key types.PositionKey, at time.Time) error

	// Order operations
	AppendOrder(ctx context.Context, order types.Order) error
	TransitionOrder(ctx context.Context, update OrderUpdate) error
	GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error)
	PendingOrders(ctx context.Context) ([]types.Order, error)
	OrderEvents(ctx context.Context, clientOrderID string) ([]types.OrderEvent, error)

	// ApplyFill records a fill and folds the newly filled quantity into the
	// order's position in one atomic step. Re-applying the same fill is a
	// no-op, so every filled order mutates its position exactly once.
	ApplyFill(ctx context.Context, update OrderUpdate) (*types.Position, error)

	// Engine state operations
	GetEngineState(ctx context.Context, engine types.EngineName) (types.EngineState, error)
	SaveEngineState(ctx context.Context, state types.EngineState) (types.EngineState, error)

	// Breaker operations
	GetBreakerState(ctx context.Context, scope string) (*types.BreakerState, error)
	SaveBreakerState(ctx context.Context, state types.BreakerState) error

	// Equity operations
	SaveEquitySnapshot(ctx context.Context, snapshot types.EquitySnapshot) error
	LatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// OrderUpdate is an exchange-reported change to a recorded order.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          types.OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	At              time.Time
}

// fillPlan is what a backend must write to apply one OrderUpdate.
type fillPlan struct {
	order    types.Order
	event    *types.OrderEvent
	position *types.Position
	noop     bool
}

// planTransition computes the order row and event for a status-only update.
func planTransition(stored types.Order, update OrderUpdate) (fillPlan, error) {
	plan := fillPlan{order: stored}
	if update.Status == stored.Status {
		plan.noop = update.FilledQty.LessThanOrEqual(stored.FilledQty) && update.ExchangeOrderID == ""
	} else if !stored.Status.CanTransition(update.Status) {
		return fillPlan{}, types.ErrTerminalOrder
	}

	if update.Status != stored.Status || update.FilledQty.GreaterThan(stored.FilledQty) {
		plan.event = &types.OrderEvent{
			ClientOrderID: stored.ClientOrderID,
			From:          stored.Status,
			To:            update.Status,
			FilledQty:     decimal.Max(update.FilledQty, stored.FilledQty),
			At:            update.At,
		}
	}

	plan.order.Status = update.Status
	if update.FilledQty.GreaterThan(stored.FilledQty) {
		plan.order.FilledQty = update.FilledQty
	}
	if update.AvgFillPrice.IsPositive() {
		plan.order.AvgFillPrice = update.AvgFillPrice
	}
	if update.ExchangeOrderID != "" {
		plan.order.ExchangeOrderID = update.ExchangeOrderID
	}
	plan.order.UpdatedAt = update.At
	return plan, nil
}

// planFill computes every write needed to apply update to stored and its
// current open position (nil when flat).
func planFill(stored types.Order, current *types.Position, update OrderUpdate) (fillPlan, error) {
	if stored.Status.IsFinal() {
		if update.Status != stored.Status && update.Status != types.OrderStatusPartialFill {
			return fillPlan{}, types.ErrTerminalOrder
		}
		update.Status = stored.Status
	}

	plan, err := planTransition(stored, update)
	if err != nil {
		return fillPlan{}, err
	}

	delta := plan.order.FilledQty.Sub(stored.AppliedQty)
	if !delta.IsPositive() {
		return plan, nil
	}
	plan.noop = false

	price := plan.order.AvgFillPrice
	if !price.IsPositive() {
		price = stored.Price
	}
	pos := MutatePosition(current, plan.order, delta, price, update.At)
	plan.position = &pos
	plan.order.AppliedQty = plan.order.FilledQty
	return plan, nil
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*SQLiteLedger)(nil)
	_ Ledger = (*PostgresLedger)(nil)
)
