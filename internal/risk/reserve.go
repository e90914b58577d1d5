package risk

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/types"
)

// Reserve transfer kinds.
const (
	ReserveTopUp    = "top_up"
	ReserveDrawDown = "draw_down"
)

// ReserveConfig makes one engine's sub-account the portfolio's cash
// release valve.
type ReserveConfig struct {
	Engine        types.EngineName // empty disables reserve transfers
	SweepPct      decimal.Decimal  // share of a blocked engine's idle quote cash moved in per cycle
	ReturnBandPct decimal.Decimal  // surplus over target, relative to target, kept before cash is returned
}

// DefaultReserveConfig uses TACTICAL-CASH as the reserve.
func DefaultReserveConfig() ReserveConfig {
	return ReserveConfig{
		Engine:        types.EngineTacticalCash,
		SweepPct:      decimal.NewFromInt(1),
		ReturnBandPct: decimal.RequireFromString("0.10"),
	}
}

// PlanReserve returns the quote transfers that top up or draw down the
// reserve sub-account.
//
// While the portfolio breaker is tripped, SweepPct of the idle quote cash
// of every engine it blocks moves into the reserve. Once it is clear,
// reserve equity above its allocation plus the band flows back to engines
// holding less than their allocation, pro rata to the shortfall. Engines
// blocked by their own breaker receive nothing. Sub-accounts with perp
// exposure are never drawn from because their quote balance is margin.
func (g *Governor) PlanReserve(view *reconcile.PortfolioView) []types.Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()

	rc := g.cfg.Reserve
	if rc.Engine == "" || view == nil || view.QuoteAsset == "" || !view.Equity.IsPositive() {
		return nil
	}
	reserve, ok := view.SubAccountOf(rc.Engine)
	if !ok {
		return nil
	}
	if g.portfolio.Tripped() {
		return g.topUpLocked(view, reserve)
	}
	return g.drawDownLocked(view, reserve)
}

func (g *Governor) topUpLocked(view *reconcile.PortfolioView, reserve string) []types.Transfer {
	var out []types.Transfer
	for _, sub := range view.SubAccounts() {
		owner := view.Owners[sub]
		if sub == reserve || g.tripFor(owner) == "" || view.HoldsPerps(sub) {
			continue
		}
		amount := types.RoundQuantity(view.Quote[sub].Mul(g.cfg.Reserve.SweepPct))
		if !g.transferable(amount) {
			continue
		}
		out = append(out, g.newTransfer(ReserveTopUp, sub, reserve, view.QuoteAsset, amount,
			"portfolio breaker tripped, idle cash moved to reserve"))
	}
	return out
}

func (g *Governor) drawDownLocked(view *reconcile.PortfolioView, reserve string) []types.Transfer {
	rc := g.cfg.Reserve
	target := view.Equity.Mul(g.cfg.Allocations[rc.Engine])
	surplus := view.SubEquity[reserve].Sub(target)
	if !surplus.IsPositive() || surplus.LessThanOrEqual(target.Mul(rc.ReturnBandPct)) {
		return nil
	}
	available := decimal.Min(surplus, view.Quote[reserve])
	if !available.IsPositive() {
		return nil
	}

	var (
		subs      []string
		shortfall = make(map[string]decimal.Decimal)
		total     decimal.Decimal
	)
	for _, sub := range view.SubAccounts() {
		owner := view.Owners[sub]
		if sub == reserve || owner == rc.Engine || g.tripFor(owner) != "" {
			continue
		}
		short := view.Equity.Mul(g.cfg.Allocations[owner]).Sub(view.SubEquity[sub])
		if !short.IsPositive() {
			continue
		}
		subs = append(subs, sub)
		shortfall[sub] = short
		total = total.Add(short)
	}
	if !total.IsPositive() {
		return nil
	}

	pool := decimal.Min(available, total)
	var out []types.Transfer
	for _, sub := range subs {
		amount := types.RoundQuantity(pool.Mul(shortfall[sub]).Div(total))
		if !g.transferable(amount) {
			continue
		}
		out = append(out, g.newTransfer(ReserveDrawDown, reserve, sub, view.QuoteAsset, amount,
			"reserve above target, cash returned to an under-allocated engine"))
	}
	return out
}

// RecordTransfer adjusts the engine breakers on both ends of a completed
// transfer so moved capital never reads as profit or loss.
func (g *Governor) RecordTransfer(ctx context.Context, view *reconcile.PortfolioView, t types.Transfer) error {
	if view == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	ends := []struct {
		sub   string
		delta decimal.Decimal
	}{
		{t.From, t.Amount.Neg()},
		{t.To, t.Amount},
	}
	for _, end := range ends {
		b, ok := g.engines[view.Owners[end.sub]]
		if !ok {
			continue
		}
		b.Shift(end.delta)
		if err := g.saveLocked(ctx, b, now); err != nil {
			return err
		}
	}
	return nil
}

// reserveEquityLocked returns the reserve sub-account's equity when engine
// is the reserve engine, otherwise zero.
func (g *Governor) reserveEquityLocked(engine types.EngineName, view *reconcile.PortfolioView) decimal.Decimal {
	if engine == "" || engine != g.cfg.Reserve.Engine || view == nil {
		return decimal.Zero
	}
	sub, ok := view.SubAccountOf(engine)
	if !ok {
		return decimal.Zero
	}
	return view.SubEquity[sub]
}

func (g *Governor) transferable(amount decimal.Decimal) bool {
	return amount.IsPositive() && !amount.LessThan(g.cfg.DustThreshold)
}

func (g *Governor) newTransfer(kind, from, to, asset string, amount decimal.Decimal, reason string) types.Transfer {
	return types.Transfer{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      from,
		To:        to,
		Asset:     asset,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: g.now(),
	}
}
