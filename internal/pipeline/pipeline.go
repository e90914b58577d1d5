// Package pipeline runs allocation cycles for one exchange account:
// reconcile, evaluate engines, review, execute and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/alerting"
	"github.com/tathienbao/allocator/internal/allocation"
	"github.com/tathienbao/allocator/internal/execution"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/market"
	"github.com/tathienbao/allocator/internal/metrics"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/risk"
	"github.com/tathienbao/allocator/internal/types"
)

// Config holds pipeline configuration.
type Config struct {
	Account          string // label used in logs, alerts and status
	SubAccounts      map[types.EngineName]string
	Allocations      map[types.EngineName]decimal.Decimal
	MaxOrderNotional decimal.Decimal // zero means uncapped
	DustThreshold    decimal.Decimal
}

// Deps are the collaborators a pipeline drives.
type Deps struct {
	Ledger     ledger.Ledger
	Reconciler *reconcile.Reconciler
	Market     market.Provider
	Governor   *risk.Governor
	Executor   *execution.Executor
	Engines    []allocation.Engine // evaluated in this order
	Alerter    alerting.Alerter    // may be nil
}

// CycleReport summarizes one completed or aborted cycle.
type CycleReport struct {
	Started    time.Time
	Mode       reconcile.Mode
	Evaluated  []types.EngineName
	Proposed   int
	Approved   int
	Vetoes     []risk.Veto
	Executions []types.Execution
	Breakers   []risk.BreakerEvent
	Transfers  []types.Transfer
}

// Pipeline serializes cycles for one account. Different pipelines may run
// concurrently.
type Pipeline struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time

	// cycleMu serializes RunCycle.
	cycleMu sync.Mutex

	mu         sync.RWMutex
	started    bool
	halted     bool
	haltReason string
	lastCycle  time.Time
	lastErr    string
	view       *reconcile.PortfolioView
	states     map[types.EngineName]types.EngineState
	cycles     map[types.EngineName]*allocation.Cycle
	day        dayStats
}

// New creates a pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Account == "" {
		cfg.Account = "default"
	}

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("account", cfg.Account),
		recorder: metrics.NewRecorder(),
		now:      time.Now,
		states:   make(map[types.EngineName]types.EngineState),
		cycles:   make(map[types.EngineName]*allocation.Cycle),
	}
	for _, eng := range deps.Engines {
		p.cycles[eng.Name()] = allocation.NewCycle(eng.Name())
	}
	if deps.Executor != nil {
		deps.Executor.SetOrderHandler(p.onOrder)
	}
	return p
}

// SetClock overrides the pipeline clock.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Account returns the account label.
func (p *Pipeline) Account() string {
	return p.cfg.Account
}

// Engines returns the engine names in evaluation order.
func (p *Pipeline) Engines() []types.EngineName {
	out := make([]types.EngineName, len(p.deps.Engines))
	for i, eng := range p.deps.Engines {
		out[i] = eng.Name()
	}
	return out
}

// Halted reports whether the pipeline refuses to trade.
func (p *Pipeline) Halted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.halted
}

// Inspect refreshes the status view from a read-only reconciliation.
// Positions, pending orders, cooldowns and equity marks in the ledger are
// left as stored, and the pipeline's next cycle still uses startup policy.
func (p *Pipeline) Inspect(ctx context.Context) (*reconcile.PortfolioView, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	snap, err := p.deps.Market.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	view, err := p.deps.Reconciler.Reconcile(ctx, reconcile.ModeInspect, snap)
	if err != nil {
		p.recorder.RecordReconcile(string(reconcile.ModeInspect), "aborted", nil)
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	p.recorder.RecordReconcile(string(reconcile.ModeInspect), "ok", nil)

	p.mu.Lock()
	p.view = view
	p.mu.Unlock()
	return view, p.loadStates(ctx)
}

// RunCycle runs one allocation cycle for the due engines. Actions execute
// sequentially in engine order. A gateway failure or an order whose status
// stays unknown aborts the rest of the cycle with types.ErrCycleAborted;
// whatever already executed is still folded into engine state. An
// unhedged residual halts the pipeline.
func (p *Pipeline) RunCycle(ctx context.Context, due []types.EngineName) (*CycleReport, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if p.Halted() {
		return nil, types.ErrPipelineHalted
	}

	timer := metrics.NewTimer()
	report := &CycleReport{Started: p.now()}

	err := p.runCycle(ctx, due, report)

	outcome := "completed"
	switch {
	case errors.Is(err, types.ErrUnhedgedResidual):
		outcome = "halted"
	case err != nil:
		outcome = "aborted"
	}
	p.recorder.RecordCycle(outcome, timer.Elapsed())
	p.recorder.RecordHalted(p.Halted())

	p.mu.Lock()
	p.lastCycle = report.Started
	p.lastErr = ""
	if err != nil {
		p.lastErr = err.Error()
	}
	p.day.cycles++
	p.mu.Unlock()

	p.mu.Lock()
	for _, c := range p.cycles {
		c.Reset()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("cycle ended early", "outcome", outcome, "err", err)
		if outcome == "aborted" {
			p.alert(ctx, alerting.EventCycleAborted, "Allocation cycle aborted", "err", err.Error())
		}
		return report, err
	}

	p.recorder.RecordHeartbeat()
	p.logger.Info("cycle completed",
		"mode", report.Mode,
		"evaluated", len(report.Evaluated),
		"proposed", report.Proposed,
		"approved", report.Approved,
		"vetoed", len(report.Vetoes),
		"transfers", len(report.Transfers),
		"duration", timer.Elapsed(),
	)
	return report, nil
}

func (p *Pipeline) runCycle(ctx context.Context, due []types.EngineName, report *CycleReport) error {
	snap, err := p.deps.Market.Snapshot(ctx)
	if err != nil {
		p.recorder.RecordError("market_data")
		return fmt.Errorf("market snapshot: %w: %w", types.ErrCycleAborted, err)
	}

	view, err := p.reconcile(ctx, snap)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
	}
	report.Mode = view.Mode

	events, err := p.observeEquity(ctx, view)
	report.Breakers = events
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
	}

	if err := p.loadStates(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
	}

	decided, actions, err := p.evaluate(ctx, due, view, snap, report)
	if err != nil {
		return err
	}
	if len(decided) > 0 {
		review := p.deps.Governor.ReviewDetailed(actions, view, p.snapshotStates())
		p.recordReview(review, decided, report)

		executions, execErr := p.execute(ctx, review.Approved, report)

		if err := p.persist(ctx, decided, executions); err != nil {
			if execErr != nil {
				return errors.Join(execErr, err)
			}
			return fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
		}
		if execErr != nil {
			return execErr
		}
	}

	p.moveReserve(ctx, view, report)
	return nil
}

// moveReserve tops up or draws down the reserve sub-account. Transfer
// failures are alerted but never fail the cycle; the next cycle plans
// again from fresh balances.
func (p *Pipeline) moveReserve(ctx context.Context, view *reconcile.PortfolioView, report *CycleReport) {
	gov := p.deps.Governor
	for _, planned := range gov.PlanReserve(view) {
		if ctx.Err() != nil {
			return
		}

		t, err := p.deps.Executor.Transfer(ctx, planned)
		if err != nil {
			p.recorder.RecordReserveTransfer(planned.Kind, false)
			if errors.Is(err, types.ErrTransferUnsupported) {
				p.logger.Warn("gateway cannot transfer, reserve left as is", "err", err)
				return
			}
			p.recorder.RecordError("transfer")
			p.logger.Warn("reserve transfer failed",
				"kind", planned.Kind,
				"from", planned.From,
				"to", planned.To,
				"amount", planned.Amount,
				"err", err,
			)
			continue
		}
		p.recorder.RecordReserveTransfer(t.Kind, true)
		report.Transfers = append(report.Transfers, t)

		if err := gov.RecordTransfer(ctx, view, t); err != nil {
			p.logger.Warn("failed to record transfer on breakers", "id", t.ID, "err", err)
		}
		p.alert(ctx, alerting.EventReserveTransfer, "Reserve "+strings.ReplaceAll(t.Kind, "_", " "),
			"from", t.From,
			"to", t.To,
			"amount", t.Amount.StringFixed(2)+" "+t.Asset,
			"reason", t.Reason,
		)
	}
}

// reconcile produces the cycle's view and records its outcome.
func (p *Pipeline) reconcile(ctx context.Context, snap market.Snapshot) (*reconcile.PortfolioView, error) {
	p.mu.RLock()
	mode := reconcile.ModePeriodic
	if !p.started {
		mode = reconcile.ModeStartup
	}
	p.mu.RUnlock()

	view, err := p.deps.Reconciler.Reconcile(ctx, mode, snap)
	if err != nil {
		p.recorder.RecordReconcile(string(mode), "aborted", nil)
		p.recorder.RecordError("reconcile")
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	counts := view.Counts()
	byClass := make(map[string]int, len(counts))
	for class, n := range counts {
		byClass[string(class)] = n
	}
	p.recorder.RecordReconcile(string(mode), "ok", byClass)

	if n := counts[reconcile.ClassMismatch] + counts[reconcile.ClassExchangeOnly] + counts[reconcile.ClassLedgerOnly]; n > 0 && mode == reconcile.ModePeriodic {
		p.alert(ctx, alerting.EventReconcileDiscrepancy, "Ledger and exchange disagreed",
			"mismatch", counts[reconcile.ClassMismatch],
			"exchange_only", counts[reconcile.ClassExchangeOnly],
			"ledger_only", counts[reconcile.ClassLedgerOnly],
		)
	}

	p.mu.Lock()
	p.started = true
	p.view = view
	p.mu.Unlock()

	for sub, eq := range view.SubEquity {
		p.recorder.RecordSubAccountEquity(sub, eq)
	}
	return view, nil
}

// observeEquity feeds the governor, persists an equity snapshot and
// alerts on breaker transitions.
func (p *Pipeline) observeEquity(ctx context.Context, view *reconcile.PortfolioView) ([]risk.BreakerEvent, error) {
	gov := p.deps.Governor
	tripped, err := gov.UpdateEquity(ctx, view)
	if err != nil {
		return tripped, fmt.Errorf("update equity: %w", err)
	}
	cleared, err := gov.TryAutoClear(ctx)
	if err != nil {
		return append(tripped, cleared...), fmt.Errorf("auto clear breakers: %w", err)
	}
	events := append(tripped, cleared...)

	for _, ev := range events {
		if ev.Tripped {
			p.alert(ctx, alerting.EventBreakerTripped, "Drawdown breaker tripped",
				"scope", ev.Scope,
				"equity", ev.Equity.StringFixed(2),
				"peak", ev.Peak.StringFixed(2),
				"drawdown", ev.Drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2)+"%",
			)
			continue
		}
		p.alert(ctx, alerting.EventBreakerCleared, "Drawdown breaker cleared",
			"scope", ev.Scope,
			"reason", ev.Reason,
		)
	}

	st := gov.Status()
	p.recorder.RecordEquity(view.Equity, st.Portfolio.Peak, st.Portfolio.Drawdown)
	p.recorder.RecordBreaker(st.Portfolio.Scope, st.Portfolio.Tripped)
	for _, b := range st.Engines {
		p.recorder.RecordBreaker(b.Scope, b.Tripped)
	}

	exposed := 0
	for _, e := range view.Entries {
		if e.Exposed() {
			exposed++
		}
	}
	if err := p.deps.Ledger.SaveEquitySnapshot(ctx, types.EquitySnapshot{
		Timestamp:     view.AsOf,
		Equity:        view.Equity,
		HighWaterMark: st.Portfolio.Peak,
		Drawdown:      st.Portfolio.Drawdown,
		OpenPositions: exposed,
	}); err != nil {
		p.logger.Warn("failed to save equity snapshot", "err", err)
	}

	p.mu.Lock()
	p.day.observe(view.AsOf, view.Equity)
	p.mu.Unlock()
	return events, nil
}

// loadStates refreshes every engine's state from the ledger. Reconciliation
// may have seeded cooldowns or corrected allocated capital.
func (p *Pipeline) loadStates(ctx context.Context) error {
	fresh := make(map[types.EngineName]types.EngineState, len(p.deps.Engines))
	for _, eng := range p.deps.Engines {
		st, err := p.deps.Ledger.GetEngineState(ctx, eng.Name())
		if err != nil {
			return fmt.Errorf("load engine state %s: %w", eng.Name(), err)
		}
		fresh[eng.Name()] = st
	}
	p.mu.Lock()
	p.states = fresh
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) snapshotStates() map[types.EngineName]types.EngineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.EngineName]types.EngineState, len(p.states))
	for k, v := range p.states {
		out[k] = v.Clone()
	}
	return out
}

// transition advances an engine's cycle state.
func (p *Pipeline) transition(engine types.EngineName, next allocation.CycleState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles[engine].Transition(next)
}

// decision is one engine's evaluated output awaiting execution.
type decision struct {
	engine  allocation.Engine
	state   types.EngineState
	actions []types.ProposedAction
}

// evaluate runs the due engines in pipeline order. Engines read only their
// own sub-account, the market snapshot and their own state.
func (p *Pipeline) evaluate(ctx context.Context, due []types.EngineName, view *reconcile.PortfolioView, snap market.Snapshot, report *CycleReport) ([]decision, []types.ProposedAction, error) {
	isDue := make(map[types.EngineName]bool, len(due))
	for _, name := range due {
		isDue[name] = true
	}

	states := p.snapshotStates()
	drawdown := p.deps.Governor.Drawdown()
	now := p.now()

	var (
		decided []decision
		actions []types.ProposedAction
	)
	for _, eng := range p.deps.Engines {
		name := eng.Name()
		if !isDue[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
		}

		sub, ok := p.cfg.SubAccounts[name]
		if !ok {
			sub, ok = view.SubAccountOf(name)
		}
		if !ok {
			p.logger.Warn("engine has no sub-account, skipping", "engine", name)
			continue
		}

		if err := p.transition(name, allocation.CycleEvaluating); err != nil {
			return nil, nil, err
		}

		dec := eng.Evaluate(allocation.Input{
			View:              view,
			Market:            snap,
			State:             states[name],
			SubAccount:        sub,
			Now:               now,
			Equity:            view.Equity,
			Budget:            p.cfg.Allocations[name].Mul(view.Equity),
			MaxOrderNotional:  p.cfg.MaxOrderNotional,
			DustThreshold:     p.cfg.DustThreshold,
			PortfolioDrawdown: drawdown,
		})
		report.Evaluated = append(report.Evaluated, name)

		next := allocation.CycleProposing
		if len(dec.Actions) == 0 {
			next = allocation.CycleIdle
		}
		if err := p.transition(name, next); err != nil {
			return nil, nil, err
		}

		for _, a := range dec.Actions {
			p.recorder.RecordProposed(name.Label(), a.Kind.String())
		}
		report.Proposed += len(dec.Actions)
		actions = append(actions, dec.Actions...)
		decided = append(decided, decision{engine: eng, state: dec.State, actions: dec.Actions})
	}
	return decided, actions, nil
}

// recordReview advances cycle states and records the review outcome.
func (p *Pipeline) recordReview(review risk.Review, decided []decision, report *CycleReport) {
	approvedBy := make(map[types.EngineName]int)
	for _, a := range review.Approved {
		approvedBy[a.Engine]++
		p.recorder.RecordApproved(a.Engine.Label(), a.Downsized, a.ConvertedToClose)
	}
	for _, v := range review.Vetoes {
		p.recorder.RecordVetoed(v.Action.Engine.Label(), v.Rule)
	}

	for _, d := range decided {
		if len(d.actions) == 0 {
			continue
		}
		next := allocation.CycleVetoed
		if approvedBy[d.engine.Name()] > 0 {
			next = allocation.CycleApproved
		}
		if err := p.transition(d.engine.Name(), next); err != nil {
			p.logger.Error("cycle transition", "engine", d.engine.Name(), "err", err)
		}
	}

	report.Approved = len(review.Approved)
	report.Vetoes = review.Vetoes

	p.mu.Lock()
	p.day.vetoes += len(review.Vetoes)
	p.mu.Unlock()
}

// execute submits approved actions one at a time.
func (p *Pipeline) execute(ctx context.Context, approved []types.ApprovedAction, report *CycleReport) ([]types.Execution, error) {
	var executions []types.Execution
	for _, a := range approved {
		if err := ctx.Err(); err != nil {
			return executions, fmt.Errorf("%w: %w", types.ErrCycleAborted, err)
		}

		exec, err := p.deps.Executor.Execute(ctx, a)
		if len(exec.Orders) > 0 {
			executions = append(executions, exec)
			report.Executions = append(report.Executions, exec)
		}

		if exec.Unwound {
			p.recorder.RecordUnwind(true)
			p.alert(ctx, alerting.EventHedgeUnwound, "Hedge leg failed, first leg unwound",
				"engine", a.Engine.Label(),
				"symbol", a.Symbol,
				"quantity", a.Quantity.String(),
			)
		}

		switch {
		case err == nil:
		case errors.Is(err, types.ErrUnhedgedResidual):
			p.recorder.RecordUnwind(false)
			p.halt(ctx, a, err)
			return executions, err
		case errors.Is(err, types.ErrOrderRejected), errors.Is(err, types.ErrInvalidOrderSize):
			p.recorder.RecordError("order_rejected")
			p.alert(ctx, alerting.EventOrderRejected, "Order rejected",
				"engine", a.Engine.Label(),
				"symbol", a.Symbol,
				"side", a.Side.String(),
				"err", err.Error(),
			)
		default:
			p.recorder.RecordError("execution")
			return executions, fmt.Errorf("execute %s %s: %w: %w", a.Engine, a.Symbol, types.ErrCycleAborted, err)
		}
	}
	return executions, nil
}

// halt stops all further trading on this pipeline.
func (p *Pipeline) halt(ctx context.Context, a types.ApprovedAction, cause error) {
	p.mu.Lock()
	p.halted = true
	p.haltReason = cause.Error()
	p.mu.Unlock()

	p.recorder.RecordHalted(true)
	p.logger.Error("PIPELINE HALTED", "engine", a.Engine, "symbol", a.Symbol, "err", cause)
	p.alert(ctx, alerting.EventUnhedgedResidual, "Unhedged residual after failed unwind",
		"engine", a.Engine.Label(),
		"symbol", a.Symbol,
		"subaccount", a.SubAccount,
		"err", cause.Error(),
	)
	p.alert(ctx, alerting.EventPipelineHalted, "Pipeline halted until manual intervention")
}

// persist folds executions into each evaluated engine's state and saves
// it. A stale write is retried once against the reloaded state.
func (p *Pipeline) persist(ctx context.Context, decided []decision, executions []types.Execution) error {
	now := p.now()
	byEngine := make(map[types.EngineName][]types.Execution)
	for _, e := range executions {
		byEngine[e.Action.Engine] = append(byEngine[e.Action.Engine], e)
	}

	var errs []error
	for _, d := range decided {
		name := d.engine.Name()
		next := d.engine.Apply(d.state, byEngine[name], now)

		saved, err := p.deps.Ledger.SaveEngineState(ctx, next)
		if errors.Is(err, types.ErrStaleWrite) {
			p.logger.Warn("engine state changed underneath, retrying", "engine", name)
			var fresh types.EngineState
			fresh, err = p.deps.Ledger.GetEngineState(ctx, name)
			if err == nil {
				saved, err = p.deps.Ledger.SaveEngineState(ctx, d.engine.Apply(rebase(fresh, d.state), byEngine[name], now))
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("save engine state %s: %w", name, err))
			continue
		}

		p.mu.Lock()
		p.states[name] = saved
		p.mu.Unlock()
		p.recorder.RecordEngineCapital(name.Label(), saved.AllocatedCapital)
	}
	return errors.Join(errs...)
}

// rebase carries an engine's own decisions onto a reloaded state.
func rebase(fresh, decided types.EngineState) types.EngineState {
	out := fresh.Clone()
	out.Phase = decided.Phase
	if decided.LastRebalance.After(out.LastRebalance) {
		out.LastRebalance = decided.LastRebalance
	}
	for sym, at := range decided.LastAction {
		if at.After(out.LastAction[sym]) {
			out.LastAction[sym] = at
		}
	}
	return out
}

// onOrder records every order the executor settles.
func (p *Pipeline) onOrder(o types.Order) {
	p.recorder.RecordOrder(o.Engine.Label(), o.Side.String(), o.Status.String())

	p.mu.Lock()
	defer p.mu.Unlock()
	switch o.Status {
	case types.OrderStatusFilled, types.OrderStatusPartialFill:
		p.day.filled++
	case types.OrderStatusRejected:
		p.day.rejected++
	}
}

func (p *Pipeline) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if p.deps.Alerter == nil {
		return
	}
	fields = append([]any{"event", string(event), "account", p.cfg.Account}, fields...)
	if err := p.deps.Alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		p.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}
