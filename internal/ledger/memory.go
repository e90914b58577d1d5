package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tathienbao/allocator/internal/types"
)

// MemoryLedger is an in-process Ledger for paper runs and tests.
type MemoryLedger struct {
	mu        sync.Mutex
	positions map[types.PositionKey]types.Position
	closed    []types.Position
	orders    map[string]types.Order
	events    []types.OrderEvent
	states    map[types.EngineName]types.EngineState
	breakers  map[string]types.BreakerState
	snapshots []types.EquitySnapshot
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		positions: make(map[types.PositionKey]types.Position),
		orders:    make(map[string]types.Order),
		states:    make(map[types.EngineName]types.EngineState),
		breakers:  make(map[string]types.BreakerState),
	}
}

// Migrate is a no-op for the in-memory ledger.
func (m *MemoryLedger) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory ledger.
func (m *MemoryLedger) Close() error { return nil }

// LoadPositions returns every open position ordered by slot.
func (m *MemoryLedger) LoadPositions(ctx context.Context) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// GetPosition returns the open position in a slot, or nil.
func (m *MemoryLedger) GetPosition(ctx context.Context, key types.PositionKey) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// UpsertPosition creates or replaces the open position in the slot.
func (m *MemoryLedger) UpsertPosition(ctx context.Context, position types.Position) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.upsertLocked(position)
}

func (m *MemoryLedger) upsertLocked(position types.Position) (types.Position, error) {
	key := position.Key()
	stored, exists := m.positions[key]
	if exists {
		if stored.Version != position.Version {
			return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
		}
		if stored.Engine != position.Engine {
			return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrEngineTagChanged)
		}
		position.ID = stored.ID
	} else if position.Version != 0 {
		return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
	}

	position.Version++
	if !position.Open {
		delete(m.positions, key)
		m.closed = append(m.closed, position)
		return position, nil
	}
	m.positions[key] = position
	return position, nil
}

// ClosePosition marks the open position in the slot closed.
func (m *MemoryLedger) ClosePosition(ctx context.Context, key types.PositionKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[key]
	if !ok {
		return nil
	}
	p.Open = false
	p.ClosedAt = at
	p.Version++
	delete(m.positions, key)
	m.closed = append(m.closed, p)
	return nil
}

// ClosedPositions returns closed positions in close order.
func (m *MemoryLedger) ClosedPositions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]types.Position(nil), m.closed...)
}

// AppendOrder records a new order.
func (m *MemoryLedger) AppendOrder(ctx context.Context, order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ClientOrderID]; exists {
		return fmt.Errorf("append order %s: duplicate client order id", order.ClientOrderID)
	}
	m.orders[order.ClientOrderID] = order
	m.events = append(m.events, types.OrderEvent{
		ClientOrderID: order.ClientOrderID,
		From:          order.Status,
		To:            order.Status,
		FilledQty:     order.FilledQty,
		At:            order.SubmittedAt,
	})
	return nil
}

// TransitionOrder applies a status change without touching positions.
func (m *MemoryLedger) TransitionOrder(ctx context.Context, update OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[update.ClientOrderID]
	if !ok {
		return fmt.Errorf("transition order %s: %w", update.ClientOrderID, types.ErrOrderNotFound)
	}
	plan, err := planTransition(stored, update)
	if err != nil {
		return fmt.Errorf("transition order %s: %w", update.ClientOrderID, err)
	}
	if plan.noop {
		return nil
	}
	m.orders[update.ClientOrderID] = plan.order
	if plan.event != nil {
		m.events = append(m.events, *plan.event)
	}
	return nil
}

// GetOrder returns an order by client order id, or nil.
func (m *MemoryLedger) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// PendingOrders returns orders that are not terminal or still owe a
// position mutation.
func (m *MemoryLedger) PendingOrders(ctx context.Context) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Order
	for _, o := range m.orders {
		if !o.Status.IsFinal() || o.FilledQty.GreaterThan(o.AppliedQty) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// OrderEvents returns the transition log of an order.
func (m *MemoryLedger) OrderEvents(ctx context.Context, clientOrderID string) ([]types.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.OrderEvent
	for _, e := range m.events {
		if e.ClientOrderID == clientOrderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ApplyFill records a fill and mutates the position atomically.
func (m *MemoryLedger) ApplyFill(ctx context.Context, update OrderUpdate) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[update.ClientOrderID]
	if !ok {
		return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, types.ErrOrderNotFound)
	}

	var current *types.Position
	if p, ok := m.positions[stored.Key()]; ok {
		current = &p
	}

	plan, err := planFill(stored, current, update)
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, err)
	}
	if plan.noop {
		return current, nil
	}

	var result *types.Position
	if plan.position != nil {
		pos, err := m.upsertLocked(*plan.position)
		if err != nil {
			return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, err)
		}
		result = &pos
	} else {
		result = current
	}

	m.orders[update.ClientOrderID] = plan.order
	if plan.event != nil {
		m.events = append(m.events, *plan.event)
	}
	return result, nil
}

// GetEngineState returns the stored state, or a fresh one.
func (m *MemoryLedger) GetEngineState(ctx context.Context, engine types.EngineName) (types.EngineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[engine]
	if !ok {
		return types.NewEngineState(engine), nil
	}
	return s.Clone(), nil
}

// SaveEngineState stores state if its version matches.
func (m *MemoryLedger) SaveEngineState(ctx context.Context, state types.EngineState) (types.EngineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.states[state.Engine]
	if (ok && stored.Version != state.Version) || (!ok && state.Version != 0) {
		return types.EngineState{}, fmt.Errorf("save engine state %s: %w", state.Engine, types.ErrStaleWrite)
	}
	state = state.Clone()
	state.Version++
	m.states[state.Engine] = state
	return state.Clone(), nil
}

// GetBreakerState returns the persisted breaker for scope, or nil.
func (m *MemoryLedger) GetBreakerState(ctx context.Context, scope string) (*types.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[scope]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// SaveBreakerState persists the breaker for its scope.
func (m *MemoryLedger) SaveBreakerState(ctx context.Context, state types.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breakers[state.Scope] = state
	return nil
}

// SaveEquitySnapshot appends an equity snapshot.
func (m *MemoryLedger) SaveEquitySnapshot(ctx context.Context, snapshot types.EquitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = append(m.snapshots, snapshot)
	return nil
}

// LatestEquitySnapshot returns the newest snapshot, or nil.
func (m *MemoryLedger) LatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snapshots) == 0 {
		return nil, nil
	}
	s := m.snapshots[len(m.snapshots)-1]
	return &s, nil
}
