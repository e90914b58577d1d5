package pipeline

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/alerting"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/risk"
	"github.com/tathienbao/allocator/internal/types"
)

// EngineStatus is the operator view of one engine.
type EngineStatus struct {
	Engine           types.EngineName     `json:"engine"`
	SubAccount       string               `json:"subaccount"`
	Cycle            string               `json:"cycle"`
	Phase            string               `json:"phase,omitempty"`
	AllocatedCapital decimal.Decimal      `json:"allocated_capital"`
	Budget           decimal.Decimal      `json:"budget"`
	Version          int64                `json:"version"`
	LastAction       map[string]time.Time `json:"last_action,omitempty"`
	Positions        int                  `json:"positions"`
}

// Status is the operator view of a pipeline.
type Status struct {
	Account    string                     `json:"account"`
	Halted     bool                       `json:"halted"`
	HaltReason string                     `json:"halt_reason,omitempty"`
	LastCycle  time.Time                  `json:"last_cycle"`
	LastError  string                     `json:"last_error,omitempty"`
	AsOf       time.Time                  `json:"as_of"`
	Equity     decimal.Decimal            `json:"equity"`
	Cash       map[string]decimal.Decimal `json:"cash,omitempty"`
	Positions  []reconcile.Entry          `json:"positions"`
	Classes    map[reconcile.Class]int    `json:"classes,omitempty"`
	Engines    []EngineStatus             `json:"engines"`
	Breakers   risk.Status                `json:"breakers"`
}

// Status returns a consistent snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		Account:    p.cfg.Account,
		Halted:     p.halted,
		HaltReason: p.haltReason,
		LastCycle:  p.lastCycle,
		LastError:  p.lastErr,
	}
	if p.deps.Governor != nil {
		st.Breakers = p.deps.Governor.Status()
	}

	view := p.view
	if view != nil {
		st.AsOf = view.AsOf
		st.Equity = view.Equity
		st.Cash = view.Cash
		st.Positions = view.Sorted()
		st.Classes = view.Counts()
	}

	for _, eng := range p.deps.Engines {
		name := eng.Name()
		state := p.states[name]
		es := EngineStatus{
			Engine:           name,
			SubAccount:       p.cfg.SubAccounts[name],
			Cycle:            p.cycles[name].State().String(),
			Phase:            state.Phase,
			AllocatedCapital: state.AllocatedCapital,
			Version:          state.Version,
			LastAction:       state.LastAction,
		}
		if view != nil {
			es.Budget = p.cfg.Allocations[name].Mul(view.Equity)
			if es.SubAccount == "" {
				es.SubAccount, _ = view.SubAccountOf(name)
			}
			for _, e := range view.EntriesFor(es.SubAccount) {
				if e.Exposed() {
					es.Positions++
				}
			}
		}
		st.Engines = append(st.Engines, es)
	}
	return st
}

// dayStats accumulates activity for the daily summary.
type dayStats struct {
	day         time.Time
	startEquity decimal.Decimal
	lastEquity  decimal.Decimal
	cycles      int
	filled      int
	rejected    int
	vetoes      int
}

// observe records an equity mark. The first mark of a UTC day becomes its
// starting equity.
func (d *dayStats) observe(at time.Time, equity decimal.Decimal) {
	day := at.UTC().Truncate(24 * time.Hour)
	if d.day.IsZero() {
		d.day = day
		d.startEquity = equity
	}
	d.lastEquity = equity
}

// TakeSummary returns the activity since the previous summary and starts a
// new period at the latest equity mark.
func (p *Pipeline) TakeSummary() alerting.PortfolioSummary {
	status := p.Status()

	p.mu.Lock()
	d := p.day
	p.day = dayStats{}
	if !d.lastEquity.IsZero() {
		p.day.observe(p.now(), d.lastEquity)
	}
	p.mu.Unlock()

	date := d.day
	if date.IsZero() {
		date = p.now().UTC()
	}
	s := alerting.NewPortfolioSummary(date, d.startEquity, d.lastEquity, status.Breakers.Portfolio.Peak)
	s.Cycles = d.cycles
	s.OrdersFilled = d.filled
	s.OrdersRejected = d.rejected
	s.Vetoes = d.vetoes
	s.BreakerTripped = status.Breakers.Portfolio.Tripped
	s.Halted = status.Halted

	tripped := make(map[string]bool)
	for _, b := range status.Breakers.Engines {
		tripped[b.Scope] = b.Tripped
	}
	for _, e := range status.Engines {
		s.Engines = append(s.Engines, alerting.EngineSummary{
			Name:           e.Engine.Label(),
			Capital:        e.AllocatedCapital,
			Positions:      e.Positions,
			BreakerTripped: tripped[string(e.Engine)],
		})
	}
	sort.Slice(s.Engines, func(i, j int) bool { return s.Engines[i].Name < s.Engines[j].Name })
	return s
}
