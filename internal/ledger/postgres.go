package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// PostgresLedger implements Ledger on PostgreSQL. Fills lock the order and
// position rows with SELECT ... FOR UPDATE so several pipelines may share
// one database.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects to dsn and migrates the schema.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := &PostgresLedger{pool: pool}
	if err := l.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Migrate runs database migrations.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			equity NUMERIC NOT NULL,
			high_water_mark NUMERIC NOT NULL,
			drawdown NUMERIC NOT NULL,
			open_positions INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_timestamp ON equity_snapshots(timestamp)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			subaccount TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity NUMERIC NOT NULL,
			avg_entry_price NUMERIC NOT NULL,
			engine TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			is_open BOOLEAN NOT NULL DEFAULT true,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_slot ON positions(subaccount, symbol) WHERE is_open`,

		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			subaccount TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			order_type INTEGER NOT NULL,
			quantity NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			status INTEGER NOT NULL,
			filled_qty NUMERIC NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC NOT NULL DEFAULT 0,
			applied_qty NUMERIC NOT NULL DEFAULT 0,
			engine TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			action_id TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			client_order_id TEXT NOT NULL REFERENCES orders(client_order_id),
			from_status INTEGER NOT NULL,
			to_status INTEGER NOT NULL,
			filled_qty NUMERIC NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_client ON order_events(client_order_id)`,

		`CREATE TABLE IF NOT EXISTS engine_state (
			engine TEXT PRIMARY KEY,
			phase TEXT NOT NULL DEFAULT '',
			last_action JSONB NOT NULL DEFAULT '{}',
			eligible JSONB NOT NULL DEFAULT '{}',
			allocated_capital NUMERIC NOT NULL DEFAULT 0,
			last_rebalance TIMESTAMPTZ,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS breaker_state (
			scope TEXT PRIMARY KEY,
			tripped BOOLEAN NOT NULL DEFAULT false,
			tripped_at TIMESTAMPTZ,
			reason TEXT NOT NULL DEFAULT '',
			high_water_mark NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := l.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgPositionColumns = `id, subaccount, symbol, side, quantity::text, avg_entry_price::text, engine, opened_at, closed_at, is_open, version`

func scanPgPosition(row pgx.Row) (types.Position, error) {
	var p types.Position
	var side int
	var qty, avg, engine string
	var closedAt *time.Time

	if err := row.Scan(&p.ID, &p.SubAccount, &p.Symbol, &side, &qty, &avg, &engine, &p.OpenedAt, &closedAt, &p.Open, &p.Version); err != nil {
		return types.Position{}, err
	}

	p.Side = types.PositionSide(side)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgEntryPrice, _ = decimal.NewFromString(avg)
	p.Engine = types.EngineName(engine)
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	return p, nil
}

// LoadPositions returns every open position.
func (l *PostgresLedger) LoadPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+pgPositionColumns+` FROM positions WHERE is_open ORDER BY subaccount, symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns the open position in a slot, or nil.
func (l *PostgresLedger) GetPosition(ctx context.Context, key types.PositionKey) (*types.Position, error) {
	return pgOpenPosition(ctx, l.pool, key, false)
}

func pgOpenPosition(ctx context.Context, q pgQuerier, key types.PositionKey, lock bool) (*types.Position, error) {
	query := `SELECT ` + pgPositionColumns + ` FROM positions WHERE subaccount = $1 AND symbol = $2 AND is_open`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPgPosition(q.QueryRow(ctx, query, key.SubAccount, key.Symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position %s: %w", key, err)
	}
	return &p, nil
}

// UpsertPosition creates or replaces the open position in the slot.
func (l *PostgresLedger) UpsertPosition(ctx context.Context, position types.Position) (types.Position, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return types.Position{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := pgUpsertPosition(ctx, tx, position)
	if err != nil {
		return types.Position{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Position{}, fmt.Errorf("commit position: %w", err)
	}
	return stored, nil
}

func pgUpsertPosition(ctx context.Context, q pgQuerier, position types.Position) (types.Position, error) {
	key := position.Key()
	existing, err := pgOpenPosition(ctx, q, key, true)
	if err != nil {
		return types.Position{}, err
	}

	var closedAt *time.Time
	if !position.Open {
		at := position.ClosedAt
		closedAt = &at
	}

	if existing == nil {
		if position.Version != 0 {
			return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
		}
		position.Version = 1
		_, err := q.Exec(ctx, `INSERT INTO positions
			(id, subaccount, symbol, side, quantity, avg_entry_price, engine, opened_at, closed_at, is_open, version)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)`,
			position.ID,
			position.SubAccount,
			position.Symbol,
			int(position.Side),
			position.Quantity.String(),
			position.AvgEntryPrice.String(),
			string(position.Engine),
			position.OpenedAt,
			closedAt,
			position.Open,
			position.Version,
		)
		if err != nil {
			return types.Position{}, fmt.Errorf("insert position: %w", err)
		}
		return position, nil
	}

	if existing.Engine != position.Engine {
		return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrEngineTagChanged)
	}

	tag, err := q.Exec(ctx, `UPDATE positions
		SET side = $1, quantity = $2::numeric, avg_entry_price = $3::numeric, closed_at = $4, is_open = $5, version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7`,
		int(position.Side),
		position.Quantity.String(),
		position.AvgEntryPrice.String(),
		closedAt,
		position.Open,
		existing.ID,
		position.Version,
	)
	if err != nil {
		return types.Position{}, fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
	}

	position.ID = existing.ID
	position.Version++
	return position, nil
}

// ClosePosition marks the open position in the slot closed.
func (l *PostgresLedger) ClosePosition(ctx context.Context, key types.PositionKey, at time.Time) error {
	_, err := l.pool.Exec(ctx, `UPDATE positions SET is_open = false, closed_at = $1, version = version + 1, updated_at = now()
		WHERE subaccount = $2 AND symbol = $3 AND is_open`, at, key.SubAccount, key.Symbol)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

const pgOrderColumns = `client_order_id, id, exchange_order_id, subaccount, symbol, side, order_type, quantity::text, price::text, status,
	filled_qty::text, avg_fill_price::text, applied_qty::text, engine, group_id, action_id, submitted_at, updated_at`

func scanPgOrder(row pgx.Row) (types.Order, error) {
	var o types.Order
	var side, orderType, status int
	var qty, price, filled, avg, applied, engine string

	err := row.Scan(&o.ClientOrderID, &o.ID, &o.ExchangeOrderID, &o.SubAccount, &o.Symbol, &side, &orderType, &qty, &price, &status,
		&filled, &avg, &applied, &engine, &o.GroupID, &o.ActionID, &o.SubmittedAt, &o.UpdatedAt)
	if err != nil {
		return types.Order{}, err
	}

	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(orderType)
	o.Status = types.OrderStatus(status)
	o.Quantity, _ = decimal.NewFromString(qty)
	o.Price, _ = decimal.NewFromString(price)
	o.FilledQty, _ = decimal.NewFromString(filled)
	o.AvgFillPrice, _ = decimal.NewFromString(avg)
	o.AppliedQty, _ = decimal.NewFromString(applied)
	o.Engine = types.EngineName(engine)
	return o, nil
}

func pgGetOrder(ctx context.Context, q pgQuerier, clientOrderID string, lock bool) (*types.Order, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM orders WHERE client_order_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanPgOrder(q.QueryRow(ctx, query, clientOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func pgInsertEvent(ctx context.Context, q pgQuerier, e types.OrderEvent) error {
	_, err := q.Exec(ctx, `INSERT INTO order_events (client_order_id, from_status, to_status, filled_qty, at)
		VALUES ($1, $2, $3, $4::numeric, $5)`,
		e.ClientOrderID, int(e.From), int(e.To), e.FilledQty.String(), e.At)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

func pgUpdateOrder(ctx context.Context, q pgQuerier, o types.Order) error {
	_, err := q.Exec(ctx, `UPDATE orders SET exchange_order_id = $1, status = $2, filled_qty = $3::numeric, avg_fill_price = $4::numeric,
		applied_qty = $5::numeric, updated_at = $6 WHERE client_order_id = $7`,
		o.ExchangeOrderID, int(o.Status), o.FilledQty.String(), o.AvgFillPrice.String(), o.AppliedQty.String(), o.UpdatedAt, o.ClientOrderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// AppendOrder records a new order.
func (l *PostgresLedger) AppendOrder(ctx context.Context, order types.Order) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders (client_order_id, id, exchange_order_id, subaccount, symbol, side, order_type, quantity, price, status,
		filled_qty, avg_fill_price, applied_qty, engine, group_id, action_id, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11::numeric, $12::numeric, $13::numeric, $14, $15, $16, $17, $17)`,
		order.ClientOrderID,
		order.ID,
		order.ExchangeOrderID,
		order.SubAccount,
		order.Symbol,
		int(order.Side),
		int(order.Type),
		order.Quantity.String(),
		order.Price.String(),
		int(order.Status),
		order.FilledQty.String(),
		order.AvgFillPrice.String(),
		order.AppliedQty.String(),
		string(order.Engine),
		order.GroupID,
		order.ActionID,
		order.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	event := types.OrderEvent{ClientOrderID: order.ClientOrderID, From: order.Status, To: order.Status, FilledQty: order.FilledQty, At: order.SubmittedAt}
	if err := pgInsertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransitionOrder applies a status change without touching positions.
func (l *PostgresLedger) TransitionOrder(ctx context.Context, update OrderUpdate) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := pgGetOrder(ctx, tx, update.ClientOrderID, true)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("transition order %s: %w", update.ClientOrderID, types.ErrOrderNotFound)
	}

	plan, err := planTransition(*stored, update)
	if err != nil {
		return fmt.Errorf("transition order %s: %w", update.ClientOrderID, err)
	}
	if plan.noop {
		return nil
	}
	if err := pgUpdateOrder(ctx, tx, plan.order); err != nil {
		return err
	}
	if plan.event != nil {
		if err := pgInsertEvent(ctx, tx, *plan.event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetOrder returns an order by client order id, or nil.
func (l *PostgresLedger) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	return pgGetOrder(ctx, l.pool, clientOrderID, false)
}

// PendingOrders returns orders that are not terminal or still owe a
// position mutation.
func (l *PostgresLedger) PendingOrders(ctx context.Context) ([]types.Order, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+pgOrderColumns+` FROM orders
		WHERE status NOT IN ($1, $2, $3) OR filled_qty <> applied_qty ORDER BY submitted_at`,
		int(types.OrderStatusFilled), int(types.OrderStatusCancelled), int(types.OrderStatusRejected))
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderEvents returns the transition log of an order.
func (l *PostgresLedger) OrderEvents(ctx context.Context, clientOrderID string) ([]types.OrderEvent, error) {
	rows, err := l.pool.Query(ctx, `SELECT client_order_id, from_status, to_status, filled_qty::text, at FROM order_events
		WHERE client_order_id = $1 ORDER BY id`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var events []types.OrderEvent
	for rows.Next() {
		var e types.OrderEvent
		var from, to int
		var filled string
		if err := rows.Scan(&e.ClientOrderID, &from, &to, &filled, &e.At); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.From = types.OrderStatus(from)
		e.To = types.OrderStatus(to)
		e.FilledQty, _ = decimal.NewFromString(filled)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ApplyFill records a fill and mutates the position under row locks.
func (l *PostgresLedger) ApplyFill(ctx context.Context, update OrderUpdate) (*types.Position, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := pgGetOrder(ctx, tx, update.ClientOrderID, true)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, types.ErrOrderNotFound)
	}

	current, err := pgOpenPosition(ctx, tx, stored.Key(), true)
	if err != nil {
		return nil, err
	}

	plan, err := planFill(*stored, current, update)
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, err)
	}
	if plan.noop {
		return current, nil
	}

	result := current
	if plan.position != nil {
		pos, err := pgUpsertPosition(ctx, tx, *plan.position)
		if err != nil {
			return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, err)
		}
		result = &pos
	}
	if err := pgUpdateOrder(ctx, tx, plan.order); err != nil {
		return nil, err
	}
	if plan.event != nil {
		if err := pgInsertEvent(ctx, tx, *plan.event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fill: %w", err)
	}
	return result, nil
}

// GetEngineState returns the stored state, or a fresh one.
func (l *PostgresLedger) GetEngineState(ctx context.Context, engine types.EngineName) (types.EngineState, error) {
	var s types.EngineState
	var lastAction, eligible, allocated string
	var lastRebalance *time.Time

	err := l.pool.QueryRow(ctx, `SELECT phase, last_action::text, eligible::text, allocated_capital::text, last_rebalance, version, updated_at
		FROM engine_state WHERE engine = $1`, string(engine)).
		Scan(&s.Phase, &lastAction, &eligible, &allocated, &lastRebalance, &s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewEngineState(engine), nil
	}
	if err != nil {
		return types.EngineState{}, fmt.Errorf("query engine state: %w", err)
	}

	s.Engine = engine
	s.AllocatedCapital, _ = decimal.NewFromString(allocated)
	if lastRebalance != nil {
		s.LastRebalance = *lastRebalance
	}
	if err := decodeStateMaps(&s, lastAction, eligible); err != nil {
		return types.EngineState{}, err
	}
	return s, nil
}

// SaveEngineState stores state if its version matches.
func (l *PostgresLedger) SaveEngineState(ctx context.Context, state types.EngineState) (types.EngineState, error) {
	lastAction, eligible, err := encodeStateMaps(state)
	if err != nil {
		return types.EngineState{}, err
	}

	var lastRebalance *time.Time
	if !state.LastRebalance.IsZero() {
		at := state.LastRebalance
		lastRebalance = &at
	}

	var tag pgconn.CommandTag
	if state.Version == 0 {
		tag, err = l.pool.Exec(ctx, `INSERT INTO engine_state
			(engine, phase, last_action, eligible, allocated_capital, last_rebalance, version, updated_at)
			VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::numeric, $6, 1, $7) ON CONFLICT (engine) DO NOTHING`,
			string(state.Engine), state.Phase, lastAction, eligible, state.AllocatedCapital.String(), lastRebalance, state.UpdatedAt)
	} else {
		tag, err = l.pool.Exec(ctx, `UPDATE engine_state
			SET phase = $1, last_action = $2::jsonb, eligible = $3::jsonb, allocated_capital = $4::numeric, last_rebalance = $5,
				version = version + 1, updated_at = $6
			WHERE engine = $7 AND version = $8`,
			state.Phase, lastAction, eligible, state.AllocatedCapital.String(), lastRebalance, state.UpdatedAt,
			string(state.Engine), state.Version)
	}
	if err != nil {
		return types.EngineState{}, fmt.Errorf("save engine state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.EngineState{}, fmt.Errorf("save engine state %s: %w", state.Engine, types.ErrStaleWrite)
	}

	saved := state.Clone()
	saved.Version++
	return saved, nil
}

// GetBreakerState returns the persisted breaker for scope, or nil.
func (l *PostgresLedger) GetBreakerState(ctx context.Context, scope string) (*types.BreakerState, error) {
	var b types.BreakerState
	var trippedAt *time.Time
	var hwm string

	err := l.pool.QueryRow(ctx, `SELECT scope, tripped, tripped_at, reason, high_water_mark::text, updated_at
		FROM breaker_state WHERE scope = $1`, scope).
		Scan(&b.Scope, &b.Tripped, &trippedAt, &b.Reason, &hwm, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query breaker state: %w", err)
	}

	if trippedAt != nil {
		b.TrippedAt = *trippedAt
	}
	b.HighWaterMark, _ = decimal.NewFromString(hwm)
	return &b, nil
}

// SaveBreakerState persists the breaker for its scope.
func (l *PostgresLedger) SaveBreakerState(ctx context.Context, state types.BreakerState) error {
	var trippedAt *time.Time
	if !state.TrippedAt.IsZero() {
		at := state.TrippedAt
		trippedAt = &at
	}

	_, err := l.pool.Exec(ctx, `INSERT INTO breaker_state (scope, tripped, tripped_at, reason, high_water_mark, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
		ON CONFLICT (scope) DO UPDATE SET tripped = EXCLUDED.tripped, tripped_at = EXCLUDED.tripped_at,
			reason = EXCLUDED.reason, high_water_mark = EXCLUDED.high_water_mark, updated_at = EXCLUDED.updated_at`,
		state.Scope, state.Tripped, trippedAt, state.Reason, state.HighWaterMark.String(), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// SaveEquitySnapshot saves an equity snapshot.
func (l *PostgresLedger) SaveEquitySnapshot(ctx context.Context, snapshot types.EquitySnapshot) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO equity_snapshots (timestamp, equity, high_water_mark, drawdown, open_positions)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5)`,
		snapshot.Timestamp,
		snapshot.Equity.String(),
		snapshot.HighWaterMark.String(),
		snapshot.Drawdown.String(),
		snapshot.OpenPositions,
	)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// LatestEquitySnapshot returns the most recent equity snapshot.
func (l *PostgresLedger) LatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error) {
	var snapshot types.EquitySnapshot
	var equity, hwm, dd string

	err := l.pool.QueryRow(ctx, `SELECT timestamp, equity::text, high_water_mark::text, drawdown::text, open_positions
		FROM equity_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1`).
		Scan(&snapshot.Timestamp, &equity, &hwm, &dd, &snapshot.OpenPositions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query equity snapshot: %w", err)
	}

	snapshot.Equity, _ = decimal.NewFromString(equity)
	snapshot.HighWaterMark, _ = decimal.NewFromString(hwm)
	snapshot.Drawdown, _ = decimal.NewFromString(dd)
	return &snapshot, nil
}
