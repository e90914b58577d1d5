// Package paper provides a simulated multi-sub-account exchange for paper
// trading and tests.
package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/exchange"
	"github.com/tathienbao/allocator/internal/types"
)

// Config holds paper exchange configuration.
type Config struct {
	QuoteAsset string
	FeeRate    decimal.Decimal // charged in quote asset on every fill
}

// DefaultConfig returns default paper exchange config.
func DefaultConfig() Config {
	return Config{
		QuoteAsset: "USDT",
		FeeRate:    decimal.RequireFromString("0.001"),
	}
}

type account struct {
	balances map[string]decimal.Decimal
	perps    map[string]*exchange.Position
	orders   []*exchange.Order
}

// Exchange implements exchange.Gateway in memory. Market orders fill
// immediately at the current price of the base asset.
type Exchange struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
	prices   map[string]decimal.Decimal
	nextID   int64

	// Fault injection
	rejectSymbols map[string]string
	failNext      map[string][]error
	fillThenHang  bool
	calls         map[string]int
}

// New creates an empty paper exchange.
func New(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = DefaultConfig().QuoteAsset
	}
	return &Exchange{
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		accounts:      make(map[string]*account),
		prices:        make(map[string]decimal.Decimal),
		rejectSymbols: make(map[string]string),
		failNext:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// SetClock overrides the exchange clock.
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Exchange) acct(sub string) *account {
	a, ok := e.accounts[sub]
	if !ok {
		a = &account{
			balances: make(map[string]decimal.Decimal),
			perps:    make(map[string]*exchange.Position),
		}
		e.accounts[sub] = a
	}
	return a
}

// Deposit credits an asset to a sub-account.
func (e *Exchange) Deposit(sub, asset string, qty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.acct(sub)
	a.balances[asset] = a.balances[asset].Add(qty)
}

// Withdraw debits an asset, simulating a manual transfer out.
func (e *Exchange) Withdraw(sub, asset string, qty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.acct(sub)
	left := a.balances[asset].Sub(qty)
	if !left.IsPositive() {
		delete(a.balances, asset)
		return
	}
	a.balances[asset] = left
}

// SetPerpPosition replaces a derivatives position.
func (e *Exchange) SetPerpPosition(sub string, pos exchange.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.acct(sub)
	if pos.Quantity.IsZero() {
		delete(a.perps, pos.Symbol)
		return
	}
	p := pos
	a.perps[pos.Symbol] = &p
}

// SetPrice sets the mark price of a base asset (perps share it).
func (e *Exchange) SetPrice(asset string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[types.BaseAsset(asset)] = price
}

// Prices returns a copy of the current marks.
func (e *Exchange) Prices() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out
}

// RejectSymbol makes every order on symbol fail with reason.
func (e *Exchange) RejectSymbol(symbol, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectSymbols[symbol] = reason
}

// ClearRejections removes every symbol rejection.
func (e *Exchange) ClearRejections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectSymbols = make(map[string]string)
}

// FailNext queues errors returned by the next calls of op
// ("get_balances", "get_open_positions", "get_order_history",
// "place_order", "cancel_order", "get_order", "transfer").
func (e *Exchange) FailNext(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = append(e.failNext[op], errs...)
}

// FillThenHang makes PlaceOrder execute the order and then block until the
// caller's context expires, as a lost acknowledgement would.
func (e *Exchange) FillThenHang(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillThenHang = v
}

// Calls returns how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if q := e.failNext[op]; len(q) > 0 {
		err := q[0]
		e.failNext[op] = q[1:]
		return err
	}
	return nil
}

// GetBalances returns non-zero spot balances.
func (e *Exchange) GetBalances(ctx context.Context, sub string) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("get_balances"); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal)
	for asset, qty := range e.acct(sub).balances {
		if !qty.IsZero() {
			out[asset] = qty
		}
	}
	return out, nil
}

// GetOpenPositions returns derivatives positions marked to the current price.
func (e *Exchange) GetOpenPositions(ctx context.Context, sub string) ([]exchange.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("get_open_positions"); err != nil {
		return nil, err
	}

	var out []exchange.Position
	for _, p := range e.acct(sub).perps {
		pos := *p
		if mark, ok := e.prices[types.BaseAsset(pos.Symbol)]; ok {
			pos.MarkPrice = mark
			pos.UnrealizedPnL = mark.Sub(pos.EntryPrice).Mul(pos.SignedQuantity())
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOrderHistory returns orders created at or after since.
func (e *Exchange) GetOrderHistory(ctx context.Context, sub string, since time.Time) ([]exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("get_order_history"); err != nil {
		return nil, err
	}

	var out []exchange.Order
	for _, o := range e.acct(sub).orders {
		if !o.CreatedAt.Before(since) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrder finds an order by client order id.
func (e *Exchange) GetOrder(ctx context.Context, sub, clientOrderID string) (*exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("get_order"); err != nil {
		return nil, err
	}

	for _, o := range e.acct(sub).orders {
		if o.ClientOrderID == clientOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get order %s: %w", clientOrderID, types.ErrOrderNotFound)
}

// CancelOrder is a no-op for already filled paper orders.
func (e *Exchange) CancelOrder(ctx context.Context, sub, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("cancel_order"); err != nil {
		return err
	}

	for _, o := range e.acct(sub).orders {
		if o.OrderID == orderID && !o.Status.IsFinal() {
			o.Status = types.OrderStatusCancelled
			o.UpdatedAt = e.now()
		}
	}
	return nil
}

// Transfer moves an asset between two sub-accounts.
func (e *Exchange) Transfer(ctx context.Context, t types.Transfer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("transfer"); err != nil {
		return err
	}
	if !t.Amount.IsPositive() || t.From == t.To || t.Asset == "" {
		return fmt.Errorf("transfer %s: %w", t.ID, types.ErrInvalidOrderSize)
	}

	from := e.acct(t.From)
	if from.balances[t.Asset].LessThan(t.Amount) {
		return fmt.Errorf("transfer %s %s from %s: %w", t.Amount, t.Asset, t.From, types.ErrInsufficientFunds)
	}
	left := from.balances[t.Asset].Sub(t.Amount)
	if left.IsZero() {
		delete(from.balances, t.Asset)
	} else {
		from.balances[t.Asset] = left
	}
	to := e.acct(t.To)
	to.balances[t.Asset] = to.balances[t.Asset].Add(t.Amount)

	e.logger.Info("paper transfer",
		"from", t.From,
		"to", t.To,
		"asset", t.Asset,
		"amount", t.Amount,
	)
	return nil
}

// PlaceOrder fills a market order immediately.
func (e *Exchange) PlaceOrder(ctx context.Context, sub string, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	result, hang, err := e.place(sub, req)
	if err != nil {
		return nil, err
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return result, nil
}

func (e *Exchange) place(sub string, req exchange.OrderRequest) (*exchange.OrderResult, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter("place_order"); err != nil {
		return nil, false, err
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	a := e.acct(sub)
	for _, o := range a.orders {
		if o.ClientOrderID == req.ClientOrderID {
			return nil, false, fmt.Errorf("duplicate client order id %s: %w", req.ClientOrderID, types.ErrOrderRejected)
		}
	}

	now := e.now()
	e.nextID++
	order := &exchange.Order{
		OrderID:       fmt.Sprintf("PAPER-%d", e.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.LimitPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	reject := func(reason string) (*exchange.OrderResult, bool, error) {
		order.Status = types.OrderStatusRejected
		a.orders = append(a.orders, order)
		e.logger.Info("paper order rejected",
			"subaccount", sub,
			"symbol", req.Symbol,
			"reason", reason,
		)
		return nil, false, fmt.Errorf("%s %s: %s: %w", req.Side, req.Symbol, reason, types.ErrOrderRejected)
	}

	if reason, ok := e.rejectSymbols[req.Symbol]; ok {
		return reject(reason)
	}
	price, ok := e.prices[types.BaseAsset(req.Symbol)]
	if !ok || !price.IsPositive() {
		return reject("no market price")
	}

	notional := req.Quantity.Mul(price)
	fee := notional.Mul(e.cfg.FeeRate)
	quote := e.cfg.QuoteAsset

	if types.IsPerp(req.Symbol) {
		if a.balances[quote].LessThan(fee) {
			return reject("insufficient margin")
		}
		e.fillPerp(a, req, price)
		a.balances[quote] = a.balances[quote].Sub(fee)
	} else {
		base := req.Symbol
		switch req.Side {
		case types.OrderSideBuy:
			cost := notional.Add(fee)
			if a.balances[quote].LessThan(cost) {
				return reject("insufficient balance")
			}
			a.balances[quote] = a.balances[quote].Sub(cost)
			a.balances[base] = a.balances[base].Add(req.Quantity)
		case types.OrderSideSell:
			if a.balances[base].LessThan(req.Quantity) {
				return reject("insufficient asset")
			}
			a.balances[base] = a.balances[base].Sub(req.Quantity)
			a.balances[quote] = a.balances[quote].Add(notional.Sub(fee))
		}
	}

	order.Status = types.OrderStatusFilled
	order.FilledQty = req.Quantity
	order.AvgFillPrice = price
	a.orders = append(a.orders, order)

	e.logger.Info("paper order filled",
		"subaccount", sub,
		"order_id", order.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"price", price,
	)

	return &exchange.OrderResult{
		OrderID:       order.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        types.OrderStatusFilled,
		FilledQty:     req.Quantity,
		AvgFillPrice:  price,
		SubmittedAt:   now,
	}, e.fillThenHang, nil
}

// fillPerp applies a perpetual fill, realizing P&L into the quote balance.
func (e *Exchange) fillPerp(a *account, req exchange.OrderRequest, price decimal.Decimal) {
	delta := req.Quantity
	if req.Side == types.OrderSideSell {
		delta = delta.Neg()
	}

	pos, ok := a.perps[req.Symbol]
	if !ok {
		side := types.PositionSideLong
		if delta.IsNegative() {
			side = types.PositionSideShort
		}
		a.perps[req.Symbol] = &exchange.Position{Symbol: req.Symbol, Side: side, Quantity: delta.Abs(), EntryPrice: price}
		return
	}

	prev := pos.SignedQuantity()
	next := prev.Add(delta)
	quote := e.cfg.QuoteAsset

	if prev.Sign() == delta.Sign() {
		cost := prev.Abs().Mul(pos.EntryPrice).Add(delta.Abs().Mul(price))
		pos.Quantity = next.Abs()
		pos.EntryPrice = cost.Div(pos.Quantity)
		return
	}

	closed := decimal.Min(prev.Abs(), delta.Abs())
	pnl := price.Sub(pos.EntryPrice).Mul(closed)
	if pos.Side == types.PositionSideShort {
		pnl = pnl.Neg()
	}
	a.balances[quote] = a.balances[quote].Add(pnl)

	switch {
	case next.IsZero():
		delete(a.perps, req.Symbol)
	case next.Sign() != prev.Sign():
		pos.Side = types.PositionSideLong
		if next.IsNegative() {
			pos.Side = types.PositionSideShort
		}
		pos.Quantity = next.Abs()
		pos.EntryPrice = price
	default:
		pos.Quantity = next.Abs()
	}
}

var (
	_ exchange.Gateway    = (*Exchange)(nil)
	_ exchange.Transferer = (*Exchange)(nil)
)

type seedFile struct {
	Prices      map[string]any `json:"prices"`
	SubAccounts map[string]struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   any    `json:"free"`
			Locked any    `json:"locked"`
		} `json:"balances"`
		Positions []struct {
			Symbol      string `json:"symbol"`
			PositionAmt any    `json:"positionAmt"`
			EntryPrice  any    `json:"entryPrice"`
		} `json:"positions"`
	} `json:"subaccounts"`
}

// LoadSeed loads balances, perp positions and prices from a JSON document
// shaped like exchange account payloads. Amounts may be strings or numbers.
func (e *Exchange) LoadSeed(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var seed seedFile
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	for asset, raw := range seed.Prices {
		price, err := types.ParseDecimal("prices."+asset, raw)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		e.SetPrice(types.NormalizeSymbol(asset), price)
	}

	for sub, acct := range seed.SubAccounts {
		raw := make([]exchange.RawBalance, 0, len(acct.Balances))
		for _, b := range acct.Balances {
			raw = append(raw, exchange.RawBalance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
		}
		balances, err := exchange.NormalizeBalances(raw)
		if err != nil {
			return fmt.Errorf("load seed %s: %w", sub, err)
		}
		for asset, qty := range balances {
			e.Deposit(sub, asset, qty)
		}

		for _, p := range acct.Positions {
			pos, err := exchange.RawPosition{
				Symbol:      p.Symbol,
				PositionAmt: p.PositionAmt,
				EntryPrice:  p.EntryPrice,
			}.Normalize(e.cfg.QuoteAsset)
			if err != nil {
				return fmt.Errorf("load seed %s: %w", sub, err)
			}
			e.SetPerpPosition(sub, pos)
		}
	}

	e.logger.Info("paper seed loaded",
		"subaccounts", len(seed.SubAccounts),
		"prices", len(seed.Prices),
	)
	return nil
}

type seedBalance struct {
	Asset string `json:"asset"`
	Free  string `json:"free"`
}

type seedPosition struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

type seedAccount struct {
	Balances  []seedBalance  `json:"balances,omitempty"`
	Positions []seedPosition `json:"positions,omitempty"`
}

// WriteSeed writes balances, perp positions and prices in the document
// format LoadSeed reads, so a paper account survives restarts.
func (e *Exchange) WriteSeed(w io.Writer) error {
	e.mu.Lock()
	out := struct {
		Prices      map[string]string      `json:"prices"`
		SubAccounts map[string]seedAccount `json:"subaccounts"`
	}{
		Prices:      make(map[string]string, len(e.prices)),
		SubAccounts: make(map[string]seedAccount, len(e.accounts)),
	}
	for asset, p := range e.prices {
		out.Prices[asset] = p.String()
	}
	for sub, a := range e.accounts {
		var sa seedAccount
		for asset, qty := range a.balances {
			if qty.IsZero() {
				continue
			}
			sa.Balances = append(sa.Balances, seedBalance{Asset: asset, Free: qty.String()})
		}
		for sym, pos := range a.perps {
			if pos.Quantity.IsZero() {
				continue
			}
			sa.Positions = append(sa.Positions, seedPosition{
				Symbol:      sym,
				PositionAmt: pos.SignedQuantity().String(),
				EntryPrice:  pos.EntryPrice.String(),
			})
		}
		sort.Slice(sa.Balances, func(i, j int) bool { return sa.Balances[i].Asset < sa.Balances[j].Asset })
		sort.Slice(sa.Positions, func(i, j int) bool { return sa.Positions[i].Symbol < sa.Positions[j].Symbol })
		out.SubAccounts[sub] = sa
	}
	e.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode seed: %w", err)
	}
	return nil
}
