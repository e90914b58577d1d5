// Package risk implements the risk governor: position caps, allocation
// headroom, the drawdown breakers and cross-engine conflict checks.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// HighWaterMarkTracker tracks peak equity for one breaker scope.
// Thread-safe for concurrent access.
type HighWaterMarkTracker struct {
	mu      sync.RWMutex
	peak    decimal.Decimal
	current decimal.Decimal
}

// NewHighWaterMarkTracker creates a tracker starting at equity. A zero
// start lets the first observation become the peak.
func NewHighWaterMarkTracker(equity decimal.Decimal) *HighWaterMarkTracker {
	return &HighWaterMarkTracker{
		peak:    equity,
		current: equity,
	}
}

// Update records equity and raises the peak if needed.
// Returns true if a new peak was set.
func (h *HighWaterMarkTracker) Update(equity decimal.Decimal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = equity
	if equity.GreaterThan(h.peak) {
		h.peak = equity
		return true
	}
	return false
}

// Current returns the last observed equity.
func (h *HighWaterMarkTracker) Current() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Peak returns the high water mark.
func (h *HighWaterMarkTracker) Peak() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peak
}

// Drawdown returns (peak - current) / peak; 0.15 means 15%.
func (h *HighWaterMarkTracker) Drawdown() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.drawdownLocked()
}

// Rebase moves the peak down to the current equity. Used when a breaker is
// cleared so the old peak cannot re-trip it immediately.
func (h *HighWaterMarkTracker) Rebase() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peak = h.current
}

// Shift adds delta to current equity for capital moved in or out rather
// than earned or lost. The peak is scaled with it so the drawdown ratio is
// unchanged. Neither drops below zero.
func (h *HighWaterMarkTracker) Shift(delta decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := decimal.Max(h.current.Add(delta), decimal.Zero)
	if h.current.IsPositive() {
		h.peak = h.peak.Mul(next).Div(h.current)
	} else {
		h.peak = decimal.Max(h.peak.Add(delta), decimal.Zero)
	}
	h.current = next
}

// Restore sets the peak from persisted state. The peak never drops below
// what has already been observed.
func (h *HighWaterMarkTracker) Restore(peak decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peak.GreaterThan(h.peak) {
		h.peak = peak
	}
}

// Snapshot returns current, peak and drawdown consistently.
func (h *HighWaterMarkTracker) Snapshot() (current, peak, drawdown decimal.Decimal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.peak, h.drawdownLocked()
}

func (h *HighWaterMarkTracker) drawdownLocked() decimal.Decimal {
	if !h.peak.IsPositive() || h.current.GreaterThanOrEqual(h.peak) {
		return decimal.Zero
	}
	return h.peak.Sub(h.current).Div(h.peak)
}
