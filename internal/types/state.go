package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineState is the durable per-engine memory read by the engine itself
// and by the risk governor.
type EngineState struct {
	Engine           EngineName
	Phase            string
	LastAction       map[string]time.Time // per symbol
	Eligible         map[string]bool      // symbols cleared for an immediate first action
	AllocatedCapital decimal.Decimal      // cost basis of capital currently deployed
	LastRebalance    time.Time
	Version          int64
	UpdatedAt        time.Time
}

// NewEngineState returns an empty state for engine e.
func NewEngineState(e EngineName) EngineState {
	return EngineState{
		Engine:     e,
		LastAction: make(map[string]time.Time),
		Eligible:   make(map[string]bool),
	}
}

// Clone returns a deep copy.
func (s EngineState) Clone() EngineState {
	out := s
	out.LastAction = make(map[string]time.Time, len(s.LastAction))
	for k, v := range s.LastAction {
		out.LastAction[k] = v
	}
	out.Eligible = make(map[string]bool, len(s.Eligible))
	for k, v := range s.Eligible {
		out.Eligible[k] = v
	}
	return out
}

// CooldownElapsed reports whether symbol may be acted on at now.
func (s EngineState) CooldownElapsed(symbol string, now time.Time, cooldown time.Duration) bool {
	if s.Eligible[symbol] {
		return true
	}
	last, ok := s.LastAction[symbol]
	if !ok || last.IsZero() {
		return true
	}
	return now.Sub(last) >= cooldown
}

// MarkAction records an executed action on symbol.
func (s *EngineState) MarkAction(symbol string, at time.Time) {
	s.ensureMaps()
	s.LastAction[symbol] = at
	delete(s.Eligible, symbol)
}

// MarkEligible clears symbol for an immediate first action.
func (s *EngineState) MarkEligible(symbol string) {
	s.ensureMaps()
	s.Eligible[symbol] = true
}

// SeedCooldown starts the cooldown clock for symbol at the given time
// without any trade having been made.
func (s *EngineState) SeedCooldown(symbol string, at time.Time) {
	s.ensureMaps()
	s.LastAction[symbol] = at
	delete(s.Eligible, symbol)
}

func (s *EngineState) ensureMaps() {
	if s.LastAction == nil {
		s.LastAction = make(map[string]time.Time)
	}
	if s.Eligible == nil {
		s.Eligible = make(map[string]bool)
	}
}
