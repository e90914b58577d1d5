// Package execution turns approved actions into exchange orders, recording
// every order in the ledger before it is sent.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/exchange"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/types"
)

// Config holds executor configuration.
type Config struct {
	OrderTimeout time.Duration // bound on one PlaceOrder call
	LegWindow    time.Duration // second hedge leg must be placed within this of the first fill
	PollInterval time.Duration // re-query cadence for acknowledged but unfilled orders
}

// DefaultConfig returns default executor config.
func DefaultConfig() Config {
	return Config{
		OrderTimeout: 10 * time.Second,
		LegWindow:    5 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// OrderLedger is the part of the ledger the executor writes to.
type OrderLedger interface {
	AppendOrder(ctx context.Context, order types.Order) error
	TransitionOrder(ctx context.Context, update ledger.OrderUpdate) error
	ApplyFill(ctx context.Context, update ledger.OrderUpdate) (*types.Position, error)
}

// OrderHandler is called after each order reaches a known outcome.
type OrderHandler func(order types.Order)

// Executor places the orders of approved actions.
type Executor struct {
	cfg     Config
	gateway exchange.Gateway
	ledger  OrderLedger
	logger  *slog.Logger
	now     func() time.Time
	onOrder OrderHandler
}

// New creates an Executor.
func New(cfg Config, gw exchange.Gateway, l OrderLedger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.LegWindow <= 0 {
		cfg.LegWindow = def.LegWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Executor{
		cfg:     cfg,
		gateway: gw,
		ledger:  l,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the executor clock.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SetOrderHandler registers a callback for settled orders.
func (e *Executor) SetOrderHandler(fn OrderHandler) {
	e.onOrder = fn
}

// Execute runs one approved action. Errors wrapping
// types.ErrOrderStatusUnknown or types.ErrUnhedgedResidual mean the
// exchange may hold exposure the ledger cannot yet account for.
func (e *Executor) Execute(ctx context.Context, a types.ApprovedAction) (types.Execution, error) {
	if a.IsHedge() {
		return e.executeHedge(ctx, a)
	}

	exec := types.Execution{Action: a}
	leg := types.Leg{Symbol: a.Symbol, Side: a.Side, Quantity: a.Quantity, Price: a.Price}
	order, err := e.placeLeg(ctx, a, leg, "", e.cfg.OrderTimeout)
	if order != nil {
		exec.Orders = append(exec.Orders, *order)
	}
	exec.At = e.now()
	if err != nil {
		return exec, fmt.Errorf("execute %s %s %s: %w", a.Engine, a.Side, a.Symbol, err)
	}
	exec.Filled = order.FilledQty.GreaterThanOrEqual(a.Quantity)
	return exec, nil
}

// Transfer moves t.Asset between sub-accounts, never more than the sender
// holds when it is submitted. The returned transfer carries the amount
// actually moved.
func (e *Executor) Transfer(ctx context.Context, t types.Transfer) (types.Transfer, error) {
	tr, ok := e.gateway.(exchange.Transferer)
	if !ok {
		return t, fmt.Errorf("transfer %s: %w", t.ID, types.ErrTransferUnsupported)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	balances, err := e.gateway.GetBalances(ctx, t.From)
	if err != nil {
		return t, fmt.Errorf("transfer %s: balances of %s: %w", t.ID, t.From, err)
	}
	if held := types.RoundQuantity(balances[t.Asset]); held.LessThan(t.Amount) {
		t.Amount = held
	}
	if !t.Amount.IsPositive() {
		return t, fmt.Errorf("transfer %s: %s holds no %s: %w", t.ID, t.From, t.Asset, types.ErrInsufficientFunds)
	}

	if err := tr.Transfer(ctx, t); err != nil {
		return t, fmt.Errorf("transfer %s %s %s to %s: %w", t.Amount, t.Asset, t.From, t.To, err)
	}
	e.logger.Info("transfer completed",
		"id", t.ID,
		"kind", t.Kind,
		"from", t.From,
		"to", t.To,
		"asset", t.Asset,
		"amount", t.Amount,
	)
	return t, nil
}

// executeHedge places leg 1, sizes leg 2 to what leg 1 actually filled and
// places it inside the leg window. A leg 2 shortfall is unwound by closing
// the unmatched part of leg 1.
func (e *Executor) executeHedge(ctx context.Context, a types.ApprovedAction) (types.Execution, error) {
	exec := types.Execution{Action: a}
	group := uuid.New().String()
	first, second := a.Legs[0], a.Legs[1]

	log := e.logger.With("engine", a.Engine, "subaccount", a.SubAccount, "group_id", group)

	o1, err := e.placeLeg(ctx, a, first, group, e.cfg.OrderTimeout)
	if o1 != nil {
		exec.Orders = append(exec.Orders, *o1)
	}
	if err != nil && (o1 == nil || !o1.FilledQty.IsPositive()) {
		exec.At = e.now()
		return exec, fmt.Errorf("hedge leg %s: %w", first.Symbol, err)
	}
	if err != nil {
		// Leg 1 partly filled before failing; hedge what filled.
		log.Warn("hedge leg partly filled", "symbol", first.Symbol, "filled_qty", o1.FilledQty, "err", err)
	}

	filled1 := o1.FilledQty
	second.Quantity = types.RoundQuantity(filled1)

	window := e.cfg.LegWindow
	if window > e.cfg.OrderTimeout {
		window = e.cfg.OrderTimeout
	}
	o2, err2 := e.placeLeg(ctx, a, second, group, window)
	if o2 != nil {
		exec.Orders = append(exec.Orders, *o2)
	}
	if errors.Is(err2, types.ErrOrderStatusUnknown) {
		exec.At = e.now()
		return exec, fmt.Errorf("hedge leg %s: %w", second.Symbol, err2)
	}

	filled2 := decimal.Zero
	if o2 != nil {
		filled2 = o2.FilledQty
	}
	residual := filled1.Sub(filled2)
	if !residual.IsPositive() {
		exec.Filled = filled1.GreaterThanOrEqual(first.Quantity)
		exec.At = e.now()
		return exec, nil
	}

	log.Warn("hedge leg failed, unwinding",
		"failed_symbol", second.Symbol,
		"residual", residual,
		"err", err2,
	)

	unwind := types.Leg{
		Symbol:   first.Symbol,
		Side:     first.Side.Opposite(),
		Quantity: residual,
		Price:    first.Price,
	}
	ou, errU := e.placeLeg(ctx, a, unwind, group, e.cfg.OrderTimeout)
	if ou != nil {
		exec.Orders = append(exec.Orders, *ou)
	}
	exec.At = e.now()

	if errU != nil || ou == nil || ou.FilledQty.LessThan(residual) {
		left := residual
		if ou != nil {
			left = residual.Sub(ou.FilledQty)
		}
		log.Error("UNWIND FAILED, UNHEDGED EXPOSURE",
			"symbol", first.Symbol,
			"residual", left,
			"err", errU,
		)
		return exec, fmt.Errorf("hedge %s: %s %s residual: %w", group, left, first.Symbol, types.ErrUnhedgedResidual)
	}

	exec.Unwound = true
	log.Info("hedge unwound", "symbol", first.Symbol, "quantity", residual)
	return exec, nil
}

// placeLeg records a pending order, submits it once and settles the
// outcome into the ledger. The order is returned whenever it was recorded.
func (e *Executor) placeLeg(ctx context.Context, a types.ApprovedAction, leg types.Leg, group string, timeout time.Duration) (*types.Order, error) {
	now := e.now()
	order := types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: uuid.New().String(),
		SubAccount:    a.SubAccount,
		Symbol:        leg.Symbol,
		Side:          leg.Side,
		Type:          types.OrderTypeMarket,
		Quantity:      types.RoundQuantity(leg.Quantity),
		Price:         leg.Price,
		Status:        types.OrderStatusPending,
		Engine:        a.Engine,
		GroupID:       group,
		ActionID:      a.ID,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if !order.Quantity.IsPositive() {
		return nil, fmt.Errorf("%s quantity %s: %w", leg.Symbol, leg.Quantity, types.ErrInvalidOrderSize)
	}

	if err := e.ledger.AppendOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("record order: %w", err)
	}

	log := e.logger.With(
		"engine", a.Engine,
		"subaccount", a.SubAccount,
		"symbol", leg.Symbol,
		"side", leg.Side,
		"client_order_id", order.ClientOrderID,
	)

	req := exchange.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
	}

	placeCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := e.gateway.PlaceOrder(placeCtx, a.SubAccount, req)
	cancel()

	switch {
	case err == nil:
		order.ExchangeOrderID = result.OrderID
		if !result.Status.IsFinal() {
			remote, qerr := e.awaitFinal(ctx, a.SubAccount, order.ClientOrderID, result.OrderID)
			if qerr != nil {
				log.Error("order status unknown", "err", qerr)
				return &order, fmt.Errorf("%s: %w: %w", order.ClientOrderID, types.ErrOrderStatusUnknown, qerr)
			}
			return e.settle(ctx, log, order, remote.OrderID, remote.Status, remote.FilledQty, remote.AvgFillPrice)
		}
		return e.settle(ctx, log, order, result.OrderID, result.Status, result.FilledQty, result.AvgFillPrice)

	case errors.Is(err, types.ErrOrderRejected), errors.Is(err, types.ErrInvalidOrderSize):
		log.Warn("order rejected", "err", err)
		if _, serr := e.settle(ctx, log, order, "", types.OrderStatusRejected, decimal.Zero, decimal.Zero); serr != nil {
			return &order, serr
		}
		order.Status = types.OrderStatusRejected
		return &order, err

	case errors.Is(err, types.ErrRateLimitExceeded):
		log.Warn("order refused before acceptance", "err", err)
		if _, serr := e.settle(ctx, log, order, "", types.OrderStatusCancelled, decimal.Zero, decimal.Zero); serr != nil {
			return &order, serr
		}
		order.Status = types.OrderStatusCancelled
		return &order, fmt.Errorf("%w: %w", types.ErrGatewayUnavailable, err)
	}

	// The order may or may not have reached the exchange. Never resubmit:
	// ask for it by client order id instead.
	log.Warn("order outcome unknown, re-querying", "err", err)
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	remote, qerr := e.gateway.GetOrder(queryCtx, a.SubAccount, order.ClientOrderID)
	cancel()
	if qerr != nil {
		log.Error("order status unknown", "place_err", err, "query_err", qerr)
		return &order, fmt.Errorf("%s: %w: %w", order.ClientOrderID, types.ErrOrderStatusUnknown, err)
	}
	if !remote.Status.IsFinal() {
		remote, qerr = e.awaitFinal(ctx, a.SubAccount, order.ClientOrderID, remote.OrderID)
		if qerr != nil {
			return &order, fmt.Errorf("%s: %w: %w", order.ClientOrderID, types.ErrOrderStatusUnknown, qerr)
		}
	}
	log.Info("order found after timeout", "status", remote.Status, "filled_qty", remote.FilledQty)
	out, serr := e.settle(ctx, log, order, remote.OrderID, remote.Status, remote.FilledQty, remote.AvgFillPrice)
	if serr != nil {
		return out, serr
	}
	if out.Status == types.OrderStatusRejected {
		return out, fmt.Errorf("%s: %w", order.ClientOrderID, types.ErrOrderRejected)
	}
	return out, nil
}

// awaitFinal polls an acknowledged order until it is terminal. A resting
// remainder is cancelled once the order timeout passes.
func (e *Executor) awaitFinal(ctx context.Context, sub, clientOrderID, exchangeOrderID string) (*exchange.Order, error) {
	deadline := time.NewTimer(e.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if err := e.gateway.CancelOrder(ctx, sub, exchangeOrderID); err != nil {
				return nil, fmt.Errorf("cancel resting order: %w", err)
			}
			return e.gateway.GetOrder(ctx, sub, clientOrderID)
		case <-ticker.C:
			remote, err := e.gateway.GetOrder(ctx, sub, clientOrderID)
			if err != nil {
				return nil, err
			}
			if remote.Status.IsFinal() {
				return remote, nil
			}
		}
	}
}

// settle writes the exchange-reported outcome. Fills go through ApplyFill
// so the position changes in the same step as the order row.
func (e *Executor) settle(ctx context.Context, log *slog.Logger, order types.Order, exchangeID string, status types.OrderStatus, filled, avg decimal.Decimal) (*types.Order, error) {
	update := ledger.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: exchangeID,
		Status:          status,
		FilledQty:       filled,
		AvgFillPrice:    avg,
		At:              e.now(),
	}

	if filled.IsPositive() {
		if _, err := e.ledger.ApplyFill(ctx, update); err != nil {
			return &order, fmt.Errorf("apply fill %s: %w", order.ClientOrderID, err)
		}
	} else if err := e.ledger.TransitionOrder(ctx, update); err != nil {
		return &order, fmt.Errorf("transition order %s: %w", order.ClientOrderID, err)
	}

	order.Status = status
	order.FilledQty = filled
	order.AvgFillPrice = avg
	order.AppliedQty = filled
	if exchangeID != "" {
		order.ExchangeOrderID = exchangeID
	}
	order.UpdatedAt = update.At

	if filled.IsPositive() {
		log.Info("order filled",
			"order_id", order.ExchangeOrderID,
			"status", status,
			"filled_qty", filled,
			"avg_price", avg,
		)
	}
	if e.onOrder != nil {
		e.onOrder(order)
	}
	return &order, nil
}
