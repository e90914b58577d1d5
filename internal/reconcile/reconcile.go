package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/exchange"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/types"
)

// SubAccount binds an exchange sub-account to the engine that owns it.
type SubAccount struct {
	Name   string
	Engine types.EngineName // empty means the default engine
	Basket []string         // symbols the engine trades here
}

// Config holds reconciliation configuration.
type Config struct {
	QuoteAsset      string
	CashAssets      []string // stable assets counted as cash besides the quote asset
	SubAccounts     []SubAccount
	DustThreshold   decimal.Decimal
	QuantityEpsilon decimal.Decimal
	DefaultEngine   types.EngineName
	OrphanAfter     time.Duration // pending orders the exchange never saw are cancelled after this
}

// DefaultConfig returns default reconciliation config.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:      "USDT",
		DustThreshold:   decimal.NewFromInt(1),
		QuantityEpsilon: decimal.RequireFromString("0.00000001"),
		DefaultEngine:   types.EngineCoreHodl,
		OrphanAfter:     10 * time.Minute,
	}
}

// Prices resolves marks for symbols. market.Snapshot satisfies it.
type Prices interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Reconciler produces PortfolioViews.
type Reconciler struct {
	cfg     Config
	ledger  ledger.Ledger
	gateway exchange.Gateway
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *PortfolioView
}

// New creates a Reconciler.
func New(cfg Config, l ledger.Ledger, gw exchange.Gateway, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = DefaultConfig().QuoteAsset
	}
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = DefaultConfig().DefaultEngine
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = DefaultConfig().OrphanAfter
	}
	return &Reconciler{
		cfg:     cfg,
		ledger:  l,
		gateway: gw,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the reconciler clock.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Last returns the most recent successful view, or nil.
func (r *Reconciler) Last() *PortfolioView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// owner returns the engine owning a sub-account.
func (r *Reconciler) owner(sub string) types.EngineName {
	for _, sa := range r.cfg.SubAccounts {
		if sa.Name == sub && sa.Engine != "" {
			return sa.Engine
		}
	}
	return r.cfg.DefaultEngine
}

func (r *Reconciler) isCash(asset string) bool {
	if asset == r.cfg.QuoteAsset {
		return true
	}
	for _, c := range r.cfg.CashAssets {
		if c == asset {
			return true
		}
	}
	return false
}

type accountState struct {
	balances map[string]decimal.Decimal
	perps    map[string]exchange.Position
}

// Reconcile merges ledger and exchange state. Pending orders are resolved
// first so fills land in the ledger exactly once. Any gateway failure
// aborts the run: the prior view is retained and the error wraps
// types.ErrGatewayUnavailable. ModeInspect reads both sides and writes
// nothing.
func (r *Reconciler) Reconcile(ctx context.Context, mode Mode, prices Prices) (*PortfolioView, error) {
	now := r.now()

	if mode.Writes() {
		if err := r.resolvePending(ctx, now); err != nil {
			return nil, r.abort(err)
		}
	}

	accounts := make(map[string]accountState, len(r.cfg.SubAccounts))
	for _, sa := range r.cfg.SubAccounts {
		balances, err := r.gateway.GetBalances(ctx, sa.Name)
		if err != nil {
			return nil, r.abort(fmt.Errorf("balances %s: %w", sa.Name, err))
		}
		positions, err := r.gateway.GetOpenPositions(ctx, sa.Name)
		if err != nil {
			return nil, r.abort(fmt.Errorf("positions %s: %w", sa.Name, err))
		}
		acct := accountState{balances: balances, perps: make(map[string]exchange.Position, len(positions))}
		for _, p := range positions {
			acct.perps[p.Symbol] = p
		}
		accounts[sa.Name] = acct
	}

	stored, err := r.ledger.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load positions: %w", err)
	}
	ledgerPos := make(map[types.PositionKey]types.Position, len(stored))
	for _, p := range stored {
		if _, known := accounts[p.SubAccount]; !known {
			r.logger.Warn("ledger position in unconfigured sub-account left untouched",
				"subaccount", p.SubAccount,
				"symbol", p.Symbol,
			)
			continue
		}
		ledgerPos[p.Key()] = p
	}

	view := newView(now, mode, r.cfg.QuoteAsset)
	states := newStateSet(r.ledger)

	for _, sa := range r.cfg.SubAccounts {
		acct := accounts[sa.Name]
		owner := r.owner(sa.Name)
		view.Owners[sa.Name] = owner

		cash := decimal.Zero
		for asset, qty := range acct.balances {
			if r.isCash(asset) {
				cash = cash.Add(qty)
			}
		}
		view.Cash[sa.Name] = cash
		view.Quote[sa.Name] = acct.balances[r.cfg.QuoteAsset]
		subEquity := cash

		for _, symbol := range r.universe(sa, acct, ledgerPos) {
			key := types.PositionKey{SubAccount: sa.Name, Symbol: symbol}
			var lp *types.Position
			if p, ok := ledgerPos[key]; ok {
				lp = &p
			}
			entry, err := r.classify(ctx, mode, now, sa, owner, symbol, lp, acct, prices, states)
			if err != nil {
				return nil, fmt.Errorf("reconcile %s: %w", key, err)
			}
			if entry == nil {
				continue
			}
			view.Entries[key] = *entry

			if types.IsPerp(symbol) {
				if p, ok := acct.perps[symbol]; ok {
					subEquity = subEquity.Add(unrealized(p, entry.Price))
				}
			} else {
				subEquity = subEquity.Add(entry.ExchangeQty.Abs().Mul(entry.Price))
			}
		}

		view.SubEquity[sa.Name] = subEquity
		view.Equity = view.Equity.Add(subEquity)
	}

	if err := r.refreshAllocated(ctx, view, states); err != nil {
		return nil, err
	}
	if mode.Writes() {
		if err := states.save(ctx); err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}

	counts := view.Counts()
	attrs := []any{"mode", mode, "entries", len(view.Entries), "equity", view.Equity.StringFixed(2)}
	for _, c := range AllClasses() {
		if n := counts[c]; n > 0 {
			attrs = append(attrs, string(c), n)
		}
	}
	r.logger.Info("reconciliation complete", attrs...)

	r.mu.Lock()
	r.last = view
	r.mu.Unlock()
	return view, nil
}

func (r *Reconciler) abort(err error) error {
	r.logger.Error("reconciliation aborted, keeping prior view", "err", err)
	if errors.Is(err, types.ErrGatewayUnavailable) {
		return fmt.Errorf("reconcile: %w", err)
	}
	return fmt.Errorf("reconcile: %w: %w", types.ErrGatewayUnavailable, err)
}

// universe lists every symbol worth classifying in a sub-account.
func (r *Reconciler) universe(sa SubAccount, acct accountState, ledgerPos map[types.PositionKey]types.Position) []string {
	set := make(map[string]struct{})
	for _, s := range sa.Basket {
		set[types.NormalizeSymbol(s)] = struct{}{}
	}
	for asset, qty := range acct.balances {
		if !r.isCash(asset) && !qty.IsZero() {
			set[asset] = struct{}{}
		}
	}
	for sym := range acct.perps {
		set[sym] = struct{}{}
	}
	for key := range ledgerPos {
		if key.SubAccount == sa.Name {
			set[key.Symbol] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func inBasket(sa SubAccount, symbol string) bool {
	for _, s := range sa.Basket {
		if types.NormalizeSymbol(s) == symbol {
			return true
		}
	}
	return false
}

// classify computes and applies the reconciliation policy for one symbol.
func (r *Reconciler) classify(
	ctx context.Context,
	mode Mode,
	now time.Time,
	sa SubAccount,
	owner types.EngineName,
	symbol string,
	lp *types.Position,
	acct accountState,
	prices Prices,
	states *stateSet,
) (*Entry, error) {
	entry := &Entry{SubAccount: sa.Name, Symbol: symbol, Engine: owner}
	if lp != nil {
		entry.Engine = lp.Engine
		entry.LedgerQty = lp.SignedQuantity()
		entry.EntryPrice = lp.AvgEntryPrice
	}

	exEntryPrice := decimal.Zero
	if types.IsPerp(symbol) {
		if p, ok := acct.perps[symbol]; ok {
			entry.ExchangeQty = p.SignedQuantity()
			exEntryPrice = p.EntryPrice
			if p.MarkPrice.IsPositive() {
				entry.Price = p.MarkPrice
			}
		}
	} else {
		entry.ExchangeQty = acct.balances[symbol]
	}

	if entry.Price.IsZero() && prices != nil {
		if p, ok := prices.Price(symbol); ok {
			entry.Price = p
		}
	}
	priced := entry.Price.IsPositive()

	ledgerZero := entry.LedgerQty.IsZero()
	exchangeGone := entry.ExchangeQty.IsZero() || (priced && r.isDust(entry.ExchangeQty, entry.Price))
	log := r.logger.With("subaccount", sa.Name, "symbol", symbol, "engine", entry.Engine)

	switch {
	case ledgerZero && entry.ExchangeQty.IsZero():
		if !inBasket(sa, symbol) {
			return nil, nil
		}
		entry.Class = ClassFreshStart
		if !mode.Writes() {
			return entry, nil
		}
		state, err := states.get(ctx, entry.Engine)
		if err != nil {
			return nil, err
		}
		if mode == ModeStartup || state.LastAction[symbol].IsZero() {
			if !state.Eligible[symbol] {
				state.MarkEligible(symbol)
				states.touch(entry.Engine)
			}
		}
		return entry, nil

	case priced && r.isDust(entry.LedgerQty, entry.Price) && r.isDust(entry.ExchangeQty, entry.Price):
		entry.Class = ClassDust
		entry.ReconciledQty = decimal.Zero
		log.Debug("dust position ignored",
			"ledger_qty", entry.LedgerQty,
			"exchange_qty", entry.ExchangeQty,
			"price", entry.Price,
		)
		return entry, nil

	case ledgerZero:
		entry.Class = ClassExchangeOnly
		entry.ReconciledQty = entry.ExchangeQty
		entry.EntryPrice = exEntryPrice
		if entry.EntryPrice.IsZero() {
			entry.EntryPrice = entry.Price
		}
		if !mode.Writes() {
			break
		}
		pos := types.Position{
			ID:            uuid.NewString(),
			SubAccount:    sa.Name,
			Symbol:        symbol,
			Side:          sideOf(symbol, entry.ExchangeQty),
			Quantity:      entry.ExchangeQty.Abs(),
			AvgEntryPrice: entry.EntryPrice,
			Engine:        entry.Engine,
			OpenedAt:      now,
			Open:          true,
		}
		if _, err := r.ledger.UpsertPosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("adopt exchange position: %w", err)
		}
		log.Warn("exchange-only position adopted into ledger",
			"class", entry.Class,
			"quantity", entry.ExchangeQty,
		)
		if err := r.seed(ctx, states, entry, now); err != nil {
			return nil, err
		}

	case exchangeGone:
		entry.Class = ClassLedgerOnly
		entry.ReconciledQty = decimal.Zero
		if !mode.Writes() {
			break
		}
		if err := r.ledger.ClosePosition(ctx, entry.Key(), now); err != nil {
			return nil, fmt.Errorf("close ledger-only position: %w", err)
		}
		log.Warn("ledger-only position closed, assuming external liquidation",
			"class", entry.Class,
			"quantity", entry.LedgerQty,
		)

	case r.agrees(entry.LedgerQty, entry.ExchangeQty, entry.Price):
		entry.Class = ClassMatch
		entry.ReconciledQty = entry.ExchangeQty
		if mode == ModeStartup {
			if err := r.seed(ctx, states, entry, now); err != nil {
				return nil, err
			}
		}

	default:
		entry.Class = ClassMismatch
		entry.ReconciledQty = entry.ExchangeQty
		pos := *lp
		pos.Quantity = entry.ExchangeQty.Abs()
		pos.Side = sideOf(symbol, entry.ExchangeQty)
		if !lp.SignedQuantity().IsZero() && lp.SignedQuantity().Sign() != entry.ExchangeQty.Sign() && exEntryPrice.IsPositive() {
			pos.AvgEntryPrice = exEntryPrice
			entry.EntryPrice = exEntryPrice
		}
		if !mode.Writes() {
			break
		}
		if _, err := r.ledger.UpsertPosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("correct mismatched position: %w", err)
		}
		log.Warn("quantity mismatch, exchange taken as authoritative",
			"class", entry.Class,
			"ledger_qty", entry.LedgerQty,
			"exchange_qty", entry.ExchangeQty,
		)
		if mode == ModeStartup {
			if err := r.seed(ctx, states, entry, now); err != nil {
				return nil, err
			}
		}
	}

	entry.Value = entry.ReconciledQty.Abs().Mul(entry.Price)
	return entry, nil
}

// seed starts the owning engine's cooldown for an exposed symbol so a
// restart or an external addition never causes an immediate trade.
func (r *Reconciler) seed(ctx context.Context, states *stateSet, entry *Entry, now time.Time) error {
	state, err := states.get(ctx, entry.Engine)
	if err != nil {
		return err
	}
	for _, sym := range cooldownSymbols(entry.Symbol) {
		state.SeedCooldown(sym, now)
	}
	states.touch(entry.Engine)
	entry.CooldownSeeded = true
	return nil
}

// cooldownSymbols returns the symbols an engine keys cooldowns by. Hedge
// legs share the base asset's clock.
func cooldownSymbols(symbol string) []string {
	if types.IsPerp(symbol) {
		return []string{symbol, types.BaseAsset(symbol)}
	}
	return []string{symbol}
}

func (r *Reconciler) isDust(qty, price decimal.Decimal) bool {
	return qty.Abs().Mul(price).LessThan(r.cfg.DustThreshold)
}

// agrees reports whether two quantities match within epsilon, or differ by
// less than the dust threshold in value.
func (r *Reconciler) agrees(a, b, price decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if diff.LessThanOrEqual(r.cfg.QuantityEpsilon) {
		return true
	}
	return price.IsPositive() && diff.Mul(price).LessThan(r.cfg.DustThreshold)
}

func sideOf(symbol string, signed decimal.Decimal) types.PositionSide {
	if !types.IsPerp(symbol) {
		return types.PositionSideSpot
	}
	if signed.IsNegative() {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}

func unrealized(p exchange.Position, mark decimal.Decimal) decimal.Decimal {
	if !p.UnrealizedPnL.IsZero() || !mark.IsPositive() {
		return p.UnrealizedPnL
	}
	return mark.Sub(p.EntryPrice).Mul(p.SignedQuantity())
}

// refreshAllocated recomputes each owning engine's allocated capital from
// the reconciled holdings: spot cost basis plus unhedged perp notional.
func (r *Reconciler) refreshAllocated(ctx context.Context, view *PortfolioView, states *stateSet) error {
	capital := make(map[types.EngineName]decimal.Decimal)
	for _, e := range view.Entries {
		if !e.Exposed() {
			continue
		}
		cost := e.EntryPrice
		if cost.IsZero() {
			cost = e.Price
		}
		if types.IsPerp(e.Symbol) {
			spot := view.Quantity(e.SubAccount, types.BaseAsset(e.Symbol))
			unhedged := e.ReconciledQty.Abs().Sub(spot.Abs())
			if !unhedged.IsPositive() {
				continue
			}
			capital[e.Engine] = capital[e.Engine].Add(unhedged.Mul(cost))
			continue
		}
		capital[e.Engine] = capital[e.Engine].Add(e.ReconciledQty.Abs().Mul(cost))
	}

	engines := make(map[types.EngineName]struct{}, len(view.Owners))
	for _, engine := range view.Owners {
		engines[engine] = struct{}{}
	}
	for engine := range capital {
		engines[engine] = struct{}{}
	}

	for engine := range engines {
		state, err := states.get(ctx, engine)
		if err != nil {
			return err
		}
		want := capital[engine].Round(8)
		if !state.AllocatedCapital.Equal(want) {
			state.AllocatedCapital = want
			states.touch(engine)
		}
	}
	return nil
}

// resolvePending settles orders the ledger still considers open against
// the exchange's record of them.
func (r *Reconciler) resolvePending(ctx context.Context, now time.Time) error {
	pending, err := r.ledger.PendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	bySub := make(map[string][]types.Order)
	for _, o := range pending {
		bySub[o.SubAccount] = append(bySub[o.SubAccount], o)
	}

	subs := make([]string, 0, len(bySub))
	for sub := range bySub {
		subs = append(subs, sub)
	}
	sort.Strings(subs)

	for _, sub := range subs {
		orders := bySub[sub]
		since := orders[0].SubmittedAt
		for _, o := range orders {
			if o.SubmittedAt.Before(since) {
				since = o.SubmittedAt
			}
		}

		history, err := r.gateway.GetOrderHistory(ctx, sub, since)
		if err != nil {
			return fmt.Errorf("order history %s: %w", sub, err)
		}
		seen := make(map[string]exchange.Order, len(history))
		for _, h := range history {
			if h.ClientOrderID != "" {
				seen[h.ClientOrderID] = h
			}
		}

		for _, o := range orders {
			remote, ok := seen[o.ClientOrderID]
			if !ok && !o.Status.IsFinal() {
				found, err := r.gateway.GetOrder(ctx, sub, o.ClientOrderID)
				switch {
				case errors.Is(err, types.ErrOrderNotFound):
					if err := r.expireOrphan(ctx, o, now); err != nil {
						return err
					}
					continue
				case err != nil:
					return fmt.Errorf("get order %s: %w", o.ClientOrderID, err)
				}
				remote, ok = *found, true
			}

			if err := r.settle(ctx, o, remote, ok, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// settle applies the exchange's view of one pending order.
func (r *Reconciler) settle(ctx context.Context, o types.Order, remote exchange.Order, found bool, now time.Time) error {
	update := ledger.OrderUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		At:            now,
	}
	if found {
		update.ExchangeOrderID = remote.OrderID
		update.Status = remote.Status
		update.FilledQty = decimal.Max(remote.FilledQty, o.FilledQty)
		if remote.AvgFillPrice.IsPositive() {
			update.AvgFillPrice = remote.AvgFillPrice
		}
	}

	log := r.logger.With("client_order_id", o.ClientOrderID, "symbol", o.Symbol, "subaccount", o.SubAccount)

	if update.FilledQty.GreaterThan(o.AppliedQty) {
		if _, err := r.ledger.ApplyFill(ctx, update); err != nil {
			if errors.Is(err, types.ErrTerminalOrder) {
				log.Warn("exchange reported change to terminal order ignored", "status", update.Status)
				return nil
			}
			return fmt.Errorf("apply fill %s: %w", o.ClientOrderID, err)
		}
		log.Info("pending order fill applied",
			"status", update.Status,
			"filled_qty", update.FilledQty,
		)
		return nil
	}

	if update.Status == o.Status {
		return nil
	}
	if err := r.ledger.TransitionOrder(ctx, update); err != nil {
		if errors.Is(err, types.ErrTerminalOrder) {
			log.Warn("exchange reported change to terminal order ignored", "status", update.Status)
			return nil
		}
		return fmt.Errorf("transition order %s: %w", o.ClientOrderID, err)
	}
	log.Info("pending order resolved", "status", update.Status)
	return nil
}

// expireOrphan cancels a write-ahead order the exchange never received.
func (r *Reconciler) expireOrphan(ctx context.Context, o types.Order, now time.Time) error {
	if now.Sub(o.SubmittedAt) < r.cfg.OrphanAfter {
		return nil
	}
	err := r.ledger.TransitionOrder(ctx, ledger.OrderUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        types.OrderStatusCancelled,
		FilledQty:     o.FilledQty,
		At:            now,
	})
	if err != nil && !errors.Is(err, types.ErrTerminalOrder) {
		return fmt.Errorf("expire order %s: %w", o.ClientOrderID, err)
	}
	r.logger.Warn("order never reached exchange, cancelled",
		"client_order_id", o.ClientOrderID,
		"symbol", o.Symbol,
		"subaccount", o.SubAccount,
	)
	return nil
}

// stateSet caches engine states touched during one reconciliation.
type stateSet struct {
	ledger ledger.Ledger
	states map[types.EngineName]*types.EngineState
	dirty  map[types.EngineName]bool
}

func newStateSet(l ledger.Ledger) *stateSet {
	return &stateSet{
		ledger: l,
		states: make(map[types.EngineName]*types.EngineState),
		dirty:  make(map[types.EngineName]bool),
	}
}

func (s *stateSet) get(ctx context.Context, engine types.EngineName) (*types.EngineState, error) {
	if st, ok := s.states[engine]; ok {
		return st, nil
	}
	st, err := s.ledger.GetEngineState(ctx, engine)
	if err != nil {
		return nil, fmt.Errorf("load engine state %s: %w", engine, err)
	}
	s.states[engine] = &st
	return &st, nil
}

func (s *stateSet) touch(engine types.EngineName) {
	s.dirty[engine] = true
}

func (s *stateSet) save(ctx context.Context) error {
	engines := make([]types.EngineName, 0, len(s.dirty))
	for e := range s.dirty {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })

	for _, e := range engines {
		st := s.states[e]
		if _, err := s.ledger.SaveEngineState(ctx, *st); err != nil {
			return fmt.Errorf("save engine state %s: %w", e, err)
		}
	}
	return nil
}
