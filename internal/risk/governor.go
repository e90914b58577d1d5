package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/types"
)

// Config holds the risk governor configuration.
type Config struct {
	PositionCapPct     decimal.Decimal // e.g., 0.05 for 5% of equity per action
	DrawdownBreakerPct decimal.Decimal // portfolio breaker, e.g., 0.20
	BreakerCooldown    time.Duration   // zero means manual clear only
	DustThreshold      decimal.Decimal // quote value below which positions are dust
	Allocations        map[types.EngineName]decimal.Decimal
	EngineBreakers     map[types.EngineName]decimal.Decimal // per-engine drawdown thresholds
	ExemptEngines      []types.EngineName                   // not halted by the portfolio breaker
	Reserve            ReserveConfig
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		PositionCapPct:     decimal.RequireFromString("0.05"),
		DrawdownBreakerPct: decimal.RequireFromString("0.20"),
		DustThreshold:      decimal.NewFromInt(1),
		Allocations: map[types.EngineName]decimal.Decimal{
			types.EngineCoreHodl:     decimal.RequireFromString("0.50"),
			types.EngineTrend:        decimal.RequireFromString("0.20"),
			types.EngineFundingArb:   decimal.RequireFromString("0.20"),
			types.EngineTacticalCash: decimal.RequireFromString("0.10"),
		},
		EngineBreakers: map[types.EngineName]decimal.Decimal{
			types.EngineTrend: decimal.RequireFromString("0.35"),
		},
		ExemptEngines: []types.EngineName{types.EngineTacticalCash},
		Reserve:       DefaultReserveConfig(),
	}
}

// Review rules, in the order they are applied.
const (
	RulePositionCap = "position_cap"
	RuleHeadroom    = "allocation_headroom"
	RuleBreaker     = "breaker"
	RuleDust        = "dust"
	RuleConflict    = "conflict"
)

// Veto is a rejected action and why.
type Veto struct {
	Action types.ProposedAction
	Rule   string
	Reason string
}

// Review is the full outcome of reviewing one batch.
type Review struct {
	Approved []types.ApprovedAction
	Vetoes   []Veto
}

// BreakerStore persists breaker latches. The ledger implements it.
type BreakerStore interface {
	GetBreakerState(ctx context.Context, scope string) (*types.BreakerState, error)
	SaveBreakerState(ctx context.Context, state types.BreakerState) error
}

// Status is the operator view of the governor.
type Status struct {
	Portfolio BreakerStatus
	Engines   []BreakerStatus
}

// Governor reviews proposed actions before anything reaches the exchange.
// Thread-safe for concurrent access.
type Governor struct {
	mu sync.Mutex

	cfg       Config
	store     BreakerStore
	portfolio *Breaker
	engines   map[types.EngineName]*Breaker
	exempt    map[types.EngineName]bool

	now    func() time.Time
	logger *slog.Logger
}

// NewGovernor creates a governor. store may be nil, in which case breaker
// state lives only in memory.
func NewGovernor(cfg Config, store BreakerStore, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Governor{
		cfg:       cfg,
		store:     store,
		portfolio: NewBreaker(PortfolioScope, cfg.DrawdownBreakerPct, cfg.BreakerCooldown),
		engines:   make(map[types.EngineName]*Breaker),
		exempt:    make(map[types.EngineName]bool),
		now:       time.Now,
		logger:    logger,
	}
	for engine, threshold := range cfg.EngineBreakers {
		g.engines[engine] = NewBreaker(string(engine), threshold, cfg.BreakerCooldown)
	}
	for _, engine := range cfg.ExemptEngines {
		g.exempt[engine] = true
	}
	return g
}

// SetClock overrides the time source.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Load restores persisted breakers. A breaker that was tripped before a
// restart is still tripped afterwards.
func (g *Governor) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range g.breakersLocked() {
		st, err := g.store.GetBreakerState(ctx, b.scope)
		if err != nil {
			return fmt.Errorf("load breaker %s: %w", b.scope, err)
		}
		if st == nil {
			continue
		}
		b.Restore(*st)
		if st.Tripped {
			g.logger.Warn("breaker restored tripped",
				"scope", b.scope,
				"tripped_at", st.TrippedAt,
				"reason", st.Reason,
			)
		}
	}
	return nil
}

// UpdateEquity feeds reconciled equity into every breaker and returns the
// breakers that tripped.
func (g *Governor) UpdateEquity(ctx context.Context, view *reconcile.PortfolioView) ([]BreakerEvent, error) {
	if view == nil {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var events []BreakerEvent

	observe := func(b *Breaker, equity decimal.Decimal) error {
		changed, ev := b.Observe(equity, now)
		if ev != nil {
			events = append(events, *ev)
			g.logger.Error("DRAWDOWN BREAKER TRIPPED",
				"scope", ev.Scope,
				"equity", ev.Equity,
				"peak", ev.Peak,
				"drawdown", ev.Drawdown,
			)
		}
		if changed {
			return g.saveLocked(ctx, b, now)
		}
		return nil
	}

	if err := observe(g.portfolio, view.Equity); err != nil {
		return events, err
	}
	for _, engine := range sortedEngines(g.engines) {
		sub, ok := view.SubAccountOf(engine)
		if !ok {
			continue
		}
		if err := observe(g.engines[engine], view.SubEquity[sub]); err != nil {
			return events, err
		}
	}
	return events, nil
}

// TryAutoClear clears every breaker whose cooldown has elapsed.
func (g *Governor) TryAutoClear(ctx context.Context) ([]BreakerEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var events []BreakerEvent
	for _, b := range g.breakersLocked() {
		if !b.AutoClearDue(now) {
			continue
		}
		ev := b.Clear("cooldown elapsed", now)
		events = append(events, *ev)
		g.logger.Warn("breaker cleared after cooldown", "scope", b.scope)
		if err := g.saveLocked(ctx, b, now); err != nil {
			return events, err
		}
	}
	return events, nil
}

// Clear manually releases the breaker for scope ("portfolio" or an engine
// name). Clearing an untripped breaker returns nil, nil.
func (g *Governor) Clear(ctx context.Context, scope, reason string) (*BreakerEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b *Breaker
	if scope == "" || scope == PortfolioScope {
		b = g.portfolio
	} else {
		b = g.engines[types.EngineName(scope)]
	}
	if b == nil {
		return nil, fmt.Errorf("clear breaker: unknown scope %q", scope)
	}

	now := g.now()
	ev := b.Clear(reason, now)
	if ev == nil {
		return nil, nil
	}
	g.logger.Warn("breaker cleared manually", "scope", b.scope, "reason", reason)
	if err := g.saveLocked(ctx, b, now); err != nil {
		return ev, err
	}
	return ev, nil
}

// Drawdown returns the current portfolio drawdown ratio.
func (g *Governor) Drawdown() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.portfolio.hwm.Drawdown()
}

// BreakerTripped reports whether the portfolio breaker is latched.
func (g *Governor) BreakerTripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.portfolio.Tripped()
}

// Status returns every breaker's status.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{Portfolio: g.portfolio.Status()}
	for _, engine := range sortedEngines(g.engines) {
		st.Engines = append(st.Engines, g.engines[engine].Status())
	}
	return st
}

// Review returns the approved, possibly downsized, actions.
func (g *Governor) Review(actions []types.ProposedAction, view *reconcile.PortfolioView, states map[types.EngineName]types.EngineState) []types.ApprovedAction {
	return g.ReviewDetailed(actions, view, states).Approved
}

// ReviewDetailed applies the rules in order: position cap, allocation
// headroom, breakers, dust, cross-engine conflicts. Input order is kept.
func (g *Governor) ReviewDetailed(actions []types.ProposedAction, view *reconcile.PortfolioView, states map[types.EngineName]types.EngineState) Review {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		out      Review
		equity   decimal.Decimal
		deployed = make(map[types.EngineName]decimal.Decimal)
		claimed  = make(map[string]claim)
	)
	if view != nil {
		equity = view.Equity
	}
	posCap := PositionCap(equity, g.cfg.PositionCapPct)

	veto := func(a types.ProposedAction, rule, format string, args ...any) {
		reason := fmt.Sprintf(format, args...)
		out.Vetoes = append(out.Vetoes, Veto{Action: a, Rule: rule, Reason: reason})
		g.logger.Info("action vetoed",
			"engine", a.Engine,
			"symbol", a.Symbol,
			"side", a.Side,
			"quantity", a.Quantity,
			"rule", rule,
			"reason", reason,
		)
	}

	for _, a := range actions {
		notional := a.Notional()

		if !a.Liquidating && notional.GreaterThan(posCap) {
			veto(a, RulePositionCap, "notional %s exceeds cap %s", notional.StringFixed(2), posCap.StringFixed(2))
			continue
		}

		approved := types.ApprovedAction{ProposedAction: a, OriginalQuantity: a.Quantity}
		if !a.Liquidating {
			headroom := Headroom(equity, g.cfg.Allocations[a.Engine], states[a.Engine].AllocatedCapital, deployed[a.Engine])
			if held := g.reserveEquityLocked(a.Engine, view); held.IsPositive() {
				// The reserve may deploy what it holds, including top-ups.
				headroom = decimal.Max(headroom, Headroom(held, decimal.NewFromInt(1), states[a.Engine].AllocatedCapital, deployed[a.Engine]))
			}
			fitted, ok := FitToNotional(a, headroom)
			if !ok {
				veto(a, RuleHeadroom, "no allocation headroom left (%s)", headroom.StringFixed(2))
				continue
			}
			approved = fitted
		}

		if !a.Liquidating {
			if b := g.tripFor(a.Engine); b != "" {
				veto(a, RuleBreaker, "%s breaker tripped", b)
				continue
			}
		}

		approved, reason := g.applyDust(approved, view)
		if reason != "" {
			veto(a, RuleDust, "%s", reason)
			continue
		}

		if !approved.IsHedge() && !approved.Liquidating {
			if c, ok := claimed[approved.Symbol]; ok && c.engine != approved.Engine && c.side != approved.Side {
				veto(a, RuleConflict, "%s already %s %s this cycle", c.engine, c.side, approved.Symbol)
				continue
			}
		}
		if !approved.IsHedge() {
			if _, ok := claimed[approved.Symbol]; !ok {
				claimed[approved.Symbol] = claim{engine: approved.Engine, side: approved.Side}
			}
		}

		if !approved.Liquidating {
			deployed[a.Engine] = deployed[a.Engine].Add(approved.Notional())
		}
		if approved.Downsized {
			g.logger.Info("action downsized",
				"engine", a.Engine,
				"symbol", a.Symbol,
				"from", approved.OriginalQuantity,
				"to", approved.Quantity,
			)
		}
		out.Approved = append(out.Approved, approved)
	}

	return out
}

type claim struct {
	engine types.EngineName
	side   types.OrderSide
}

// tripFor returns the scope of a breaker that blocks new risk for engine,
// or "" when none does.
func (g *Governor) tripFor(engine types.EngineName) string {
	if g.portfolio.Tripped() && !g.exempt[engine] {
		return PortfolioScope
	}
	if b, ok := g.engines[engine]; ok && b.Tripped() {
		return string(engine)
	}
	return ""
}

// applyDust drops buys too small to matter and turns sells that would
// leave dust behind into full closes. Spot sells never exceed holdings.
func (g *Governor) applyDust(a types.ApprovedAction, view *reconcile.PortfolioView) (types.ApprovedAction, string) {
	if a.IsHedge() {
		if a.Notional().LessThan(g.cfg.DustThreshold) && !a.Liquidating {
			return a, fmt.Sprintf("notional %s below dust", a.Notional().StringFixed(2))
		}
		return a, ""
	}

	held := view.Quantity(a.SubAccount, a.Symbol)
	reduces := (a.Side == types.OrderSideSell && held.IsPositive()) ||
		(a.Side == types.OrderSideBuy && held.IsNegative())

	if !reduces {
		if a.Side == types.OrderSideSell && !types.IsPerp(a.Symbol) {
			return a, "spot sell without holdings"
		}
		if a.Notional().LessThan(g.cfg.DustThreshold) {
			return a, fmt.Sprintf("notional %s below dust", a.Notional().StringFixed(2))
		}
		return a, ""
	}

	size := held.Abs()
	remaining := size.Sub(a.Quantity)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if remaining.Mul(a.Price).LessThan(g.cfg.DustThreshold) && !a.Quantity.Equal(size) {
		a.ProposedAction = withQuantity(a.ProposedAction, size)
		a.FullClose = true
		a.Liquidating = true
		a.ConvertedToClose = true
	}
	return a, ""
}

func (g *Governor) saveLocked(ctx context.Context, b *Breaker, now time.Time) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.SaveBreakerState(ctx, b.State(now)); err != nil {
		return fmt.Errorf("save breaker %s: %w", b.scope, err)
	}
	return nil
}

func (g *Governor) breakersLocked() []*Breaker {
	out := []*Breaker{g.portfolio}
	for _, engine := range sortedEngines(g.engines) {
		out = append(out, g.engines[engine])
	}
	return out
}

func sortedEngines(m map[types.EngineName]*Breaker) []types.EngineName {
	out := make([]types.EngineName, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
