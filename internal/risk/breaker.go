package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// PortfolioScope is the breaker scope covering the whole account.
const PortfolioScope = "portfolio"

// Breaker is a drawdown latch. Once tripped it stays tripped through any
// recovery until cleared manually or by an elapsed cooldown.
type Breaker struct {
	scope     string
	threshold decimal.Decimal
	cooldown  time.Duration // zero means manual clear only
	hwm       *HighWaterMarkTracker

	tripped   bool
	trippedAt time.Time
	reason    string
}

// NewBreaker creates an untripped breaker for scope.
func NewBreaker(scope string, threshold decimal.Decimal, cooldown time.Duration) *Breaker {
	return &Breaker{
		scope:     scope,
		threshold: threshold,
		cooldown:  cooldown,
		hwm:       NewHighWaterMarkTracker(decimal.Zero),
	}
}

// BreakerEvent reports a breaker changing state.
type BreakerEvent struct {
	Scope    string
	Tripped  bool // false means cleared
	Reason   string
	Equity   decimal.Decimal
	Peak     decimal.Decimal
	Drawdown decimal.Decimal
	At       time.Time
}

// BreakerStatus is a read-only view of a breaker.
type BreakerStatus struct {
	Scope     string
	Tripped   bool
	TrippedAt time.Time
	Reason    string
	Equity    decimal.Decimal
	Peak      decimal.Decimal
	Drawdown  decimal.Decimal
	Threshold decimal.Decimal
}

// Observe records equity. It reports whether persisted state changed and
// returns an event when the breaker trips.
func (b *Breaker) Observe(equity decimal.Decimal, now time.Time) (bool, *BreakerEvent) {
	newPeak := b.hwm.Update(equity)
	if b.tripped || !b.threshold.IsPositive() {
		return newPeak, nil
	}

	current, peak, dd := b.hwm.Snapshot()
	if dd.LessThan(b.threshold) {
		return newPeak, nil
	}

	b.tripped = true
	b.trippedAt = now
	b.reason = fmt.Sprintf("drawdown %s reached %s", dd.StringFixed(4), b.threshold.String())
	return true, &BreakerEvent{
		Scope: b.scope, Tripped: true, Reason: b.reason,
		Equity: current, Peak: peak, Drawdown: dd, At: now,
	}
}

// Tripped reports whether the latch is set.
func (b *Breaker) Tripped() bool {
	return b.tripped
}

// AutoClearDue reports whether the cooldown since the trip has elapsed.
func (b *Breaker) AutoClearDue(now time.Time) bool {
	return b.tripped && b.cooldown > 0 && now.Sub(b.trippedAt) >= b.cooldown
}

// Clear releases the latch and rebases the peak to current equity.
func (b *Breaker) Clear(reason string, now time.Time) *BreakerEvent {
	if !b.tripped {
		return nil
	}
	b.tripped = false
	b.trippedAt = time.Time{}
	b.reason = ""
	b.hwm.Rebase()
	current, peak, dd := b.hwm.Snapshot()
	return &BreakerEvent{
		Scope: b.scope, Tripped: false, Reason: reason,
		Equity: current, Peak: peak, Drawdown: dd, At: now,
	}
}

// Shift adjusts the tracked equity for a transfer in (positive delta) or
// out. The latch is untouched.
func (b *Breaker) Shift(delta decimal.Decimal) {
	b.hwm.Shift(delta)
}

// State returns the persistable form.
func (b *Breaker) State(now time.Time) types.BreakerState {
	return types.BreakerState{
		Scope:         b.scope,
		Tripped:       b.tripped,
		TrippedAt:     b.trippedAt,
		Reason:        b.reason,
		HighWaterMark: b.hwm.Peak(),
		UpdatedAt:     now,
	}
}

// Restore loads persisted state. A tripped breaker stays tripped.
func (b *Breaker) Restore(st types.BreakerState) {
	b.tripped = st.Tripped
	b.trippedAt = st.TrippedAt
	b.reason = st.Reason
	b.hwm.Restore(st.HighWaterMark)
}

// Status returns a read-only snapshot.
func (b *Breaker) Status() BreakerStatus {
	current, peak, dd := b.hwm.Snapshot()
	return BreakerStatus{
		Scope:     b.scope,
		Tripped:   b.tripped,
		TrippedAt: b.trippedAt,
		Reason:    b.reason,
		Equity:    current,
		Peak:      peak,
		Drawdown:  dd,
		Threshold: b.threshold,
	}
}
