package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (and migrates) a SQLite ledger at path.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := &SQLiteLedger{db: db}

	// Run migrations
	if err := l.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return l, nil
}

// Migrate runs database migrations.
func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			equity TEXT NOT NULL,
			high_water_mark TEXT NOT NULL,
			drawdown TEXT NOT NULL,
			open_positions INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_timestamp ON equity_snapshots(timestamp)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			subaccount TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			engine TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			is_open INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_slot ON positions(subaccount, symbol) WHERE is_open = 1`,

		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			subaccount TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			order_type INTEGER NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			status INTEGER NOT NULL,
			filled_qty TEXT NOT NULL DEFAULT '0',
			avg_fill_price TEXT NOT NULL DEFAULT '0',
			applied_qty TEXT NOT NULL DEFAULT '0',
			engine TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			action_id TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL,
			from_status INTEGER NOT NULL,
			to_status INTEGER NOT NULL,
			filled_qty TEXT NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_client ON order_events(client_order_id)`,

		`CREATE TABLE IF NOT EXISTS engine_state (
			engine TEXT PRIMARY KEY,
			phase TEXT NOT NULL DEFAULT '',
			last_action TEXT NOT NULL DEFAULT '{}',
			eligible TEXT NOT NULL DEFAULT '{}',
			allocated_capital TEXT NOT NULL DEFAULT '0',
			last_rebalance DATETIME,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS breaker_state (
			scope TEXT PRIMARY KEY,
			tripped INTEGER NOT NULL DEFAULT 0,
			tripped_at DATETIME,
			reason TEXT NOT NULL DEFAULT '',
			high_water_mark TEXT NOT NULL DEFAULT '0',
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := l.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const positionColumns = `id, subaccount, symbol, side, quantity, avg_entry_price, engine, opened_at, closed_at, is_open, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var p types.Position
	var side, isOpen int
	var qty, avg, engine string
	var closedAt sql.NullTime

	if err := row.Scan(&p.ID, &p.SubAccount, &p.Symbol, &side, &qty, &avg, &engine, &p.OpenedAt, &closedAt, &isOpen, &p.Version); err != nil {
		return types.Position{}, err
	}

	p.Side = types.PositionSide(side)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgEntryPrice, _ = decimal.NewFromString(avg)
	p.Engine = types.EngineName(engine)
	p.Open = isOpen == 1
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

// LoadPositions returns every open position.
func (l *SQLiteLedger) LoadPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE is_open = 1 ORDER BY subaccount, symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetPosition returns the open position in a slot, or nil.
func (l *SQLiteLedger) GetPosition(ctx context.Context, key types.PositionKey) (*types.Position, error) {
	return getOpenPosition(ctx, l.db, key)
}

func getOpenPosition(ctx context.Context, q queryer, key types.PositionKey) (*types.Position, error) {
	row := q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE subaccount = ? AND symbol = ? AND is_open = 1`,
		key.SubAccount, key.Symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position %s: %w", key, err)
	}
	return &p, nil
}

// UpsertPosition creates or replaces the open position in the slot.
func (l *SQLiteLedger) UpsertPosition(ctx context.Context, position types.Position) (types.Position, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Position{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := upsertPositionTx(ctx, tx, position)
	if err != nil {
		return types.Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Position{}, fmt.Errorf("commit position: %w", err)
	}
	return stored, nil
}

func upsertPositionTx(ctx context.Context, q queryer, position types.Position) (types.Position, error) {
	key := position.Key()
	existing, err := getOpenPosition(ctx, q, key)
	if err != nil {
		return types.Position{}, err
	}

	var closedAt any
	if !position.Open {
		closedAt = position.ClosedAt
	}

	if existing == nil {
		if position.Version != 0 {
			return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
		}
		position.Version = 1
		_, err := q.ExecContext(ctx, `INSERT INTO positions
			(id, subaccount, symbol, side, quantity, avg_entry_price, engine, opened_at, closed_at, is_open, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			position.ID,
			position.SubAccount,
			position.Symbol,
			int(position.Side),
			position.Quantity.String(),
			position.AvgEntryPrice.String(),
			string(position.Engine),
			position.OpenedAt,
			closedAt,
			boolToInt(position.Open),
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

	res, err := q.ExecContext(ctx, `UPDATE positions
		SET side = ?, quantity = ?, avg_entry_price = ?, closed_at = ?, is_open = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		int(position.Side),
		position.Quantity.String(),
		position.AvgEntryPrice.String(),
		closedAt,
		boolToInt(position.Open),
		existing.ID,
		position.Version,
	)
	if err != nil {
		return types.Position{}, fmt.Errorf("update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Position{}, fmt.Errorf("upsert position %s: %w", key, types.ErrStaleWrite)
	}

	position.ID = existing.ID
	position.Version++
	return position, nil
}

// ClosePosition marks the open position in the slot closed.
func (l *SQLiteLedger) ClosePosition(ctx context.Context, key types.PositionKey, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `UPDATE positions SET is_open = 0, closed_at = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE subaccount = ? AND symbol = ? AND is_open = 1`, at, key.SubAccount, key.Symbol)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

const orderColumns = `client_order_id, id, exchange_order_id, subaccount, symbol, side, order_type, quantity, price, status,
	filled_qty, avg_fill_price, applied_qty, engine, group_id, action_id, submitted_at, updated_at`

func scanOrder(row rowScanner) (types.Order, error) {
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

// AppendOrder records a new order.
func (l *SQLiteLedger) AppendOrder(ctx context.Context, order types.Order) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		order.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	event := types.OrderEvent{ClientOrderID: order.ClientOrderID, From: order.Status, To: order.Status, FilledQty: order.FilledQty, At: order.SubmittedAt}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, q queryer, e types.OrderEvent) error {
	_, err := q.ExecContext(ctx, `INSERT INTO order_events (client_order_id, from_status, to_status, filled_qty, at) VALUES (?, ?, ?, ?, ?)`,
		e.ClientOrderID, int(e.From), int(e.To), e.FilledQty.String(), e.At)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

func getOrder(ctx context.Context, q queryer, clientOrderID string) (*types.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func updateOrderRow(ctx context.Context, q queryer, o types.Order) error {
	_, err := q.ExecContext(ctx, `UPDATE orders SET exchange_order_id = ?, status = ?, filled_qty = ?, avg_fill_price = ?, applied_qty = ?, updated_at = ?
		WHERE client_order_id = ?`,
		o.ExchangeOrderID, int(o.Status), o.FilledQty.String(), o.AvgFillPrice.String(), o.AppliedQty.String(), o.UpdatedAt, o.ClientOrderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// TransitionOrder applies a status change without touching positions.
func (l *SQLiteLedger) TransitionOrder(ctx context.Context, update OrderUpdate) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := getOrder(ctx, tx, update.ClientOrderID)
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
	if err := updateOrderRow(ctx, tx, plan.order); err != nil {
		return err
	}
	if plan.event != nil {
		if err := insertEvent(ctx, tx, *plan.event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetOrder returns an order by client order id, or nil.
func (l *SQLiteLedger) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	return getOrder(ctx, l.db, clientOrderID)
}

// PendingOrders returns orders that are not terminal or still owe a
// position mutation.
func (l *SQLiteLedger) PendingOrders(ctx context.Context) ([]types.Order, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN (?, ?, ?) OR filled_qty != applied_qty ORDER BY submitted_at`,
		int(types.OrderStatusFilled), int(types.OrderStatusCancelled), int(types.OrderStatusRejected))
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if o.Status.IsFinal() && o.FilledQty.Equal(o.AppliedQty) {
			continue // textual mismatch such as "1" vs "1.0"
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// OrderEvents returns the transition log of an order.
func (l *SQLiteLedger) OrderEvents(ctx context.Context, clientOrderID string) ([]types.OrderEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT client_order_id, from_status, to_status, filled_qty, at FROM order_events
		WHERE client_order_id = ? ORDER BY id`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// ApplyFill records a fill and mutates the position in one transaction.
func (l *SQLiteLedger) ApplyFill(ctx context.Context, update OrderUpdate) (*types.Position, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := getOrder(ctx, tx, update.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, types.ErrOrderNotFound)
	}

	current, err := getOpenPosition(ctx, tx, stored.Key())
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
		pos, err := upsertPositionTx(ctx, tx, *plan.position)
		if err != nil {
			return nil, fmt.Errorf("apply fill %s: %w", update.ClientOrderID, err)
		}
		result = &pos
	}
	if err := updateOrderRow(ctx, tx, plan.order); err != nil {
		return nil, err
	}
	if plan.event != nil {
		if err := insertEvent(ctx, tx, *plan.event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fill: %w", err)
	}
	return result, nil
}

// GetEngineState returns the stored state, or a fresh one.
func (l *SQLiteLedger) GetEngineState(ctx context.Context, engine types.EngineName) (types.EngineState, error) {
	var s types.EngineState
	var lastAction, eligible, allocated string
	var lastRebalance sql.NullTime

	err := l.db.QueryRowContext(ctx, `SELECT phase, last_action, eligible, allocated_capital, last_rebalance, version, updated_at
		FROM engine_state WHERE engine = ?`, string(engine)).
		Scan(&s.Phase, &lastAction, &eligible, &allocated, &lastRebalance, &s.Version, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewEngineState(engine), nil
	}
	if err != nil {
		return types.EngineState{}, fmt.Errorf("query engine state: %w", err)
	}

	s.Engine = engine
	s.AllocatedCapital, _ = decimal.NewFromString(allocated)
	if lastRebalance.Valid {
		s.LastRebalance = lastRebalance.Time
	}
	if err := decodeStateMaps(&s, lastAction, eligible); err != nil {
		return types.EngineState{}, err
	}
	return s, nil
}

// SaveEngineState stores state if its version matches.
func (l *SQLiteLedger) SaveEngineState(ctx context.Context, state types.EngineState) (types.EngineState, error) {
	lastAction, eligible, err := encodeStateMaps(state)
	if err != nil {
		return types.EngineState{}, err
	}

	var lastRebalance any
	if !state.LastRebalance.IsZero() {
		lastRebalance = state.LastRebalance
	}

	var res sql.Result
	if state.Version == 0 {
		res, err = l.db.ExecContext(ctx, `INSERT INTO engine_state
			(engine, phase, last_action, eligible, allocated_capital, last_rebalance, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?) ON CONFLICT(engine) DO NOTHING`,
			string(state.Engine), state.Phase, lastAction, eligible, state.AllocatedCapital.String(), lastRebalance, state.UpdatedAt)
	} else {
		res, err = l.db.ExecContext(ctx, `UPDATE engine_state
			SET phase = ?, last_action = ?, eligible = ?, allocated_capital = ?, last_rebalance = ?, version = version + 1, updated_at = ?
			WHERE engine = ? AND version = ?`,
			state.Phase, lastAction, eligible, state.AllocatedCapital.String(), lastRebalance, state.UpdatedAt,
			string(state.Engine), state.Version)
	}
	if err != nil {
		return types.EngineState{}, fmt.Errorf("save engine state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.EngineState{}, fmt.Errorf("save engine state %s: %w", state.Engine, types.ErrStaleWrite)
	}

	saved := state.Clone()
	saved.Version++
	return saved, nil
}

// GetBreakerState returns the persisted breaker for scope, or nil.
func (l *SQLiteLedger) GetBreakerState(ctx context.Context, scope string) (*types.BreakerState, error) {
	var b types.BreakerState
	var tripped int
	var trippedAt sql.NullTime
	var hwm string

	err := l.db.QueryRowContext(ctx, `SELECT scope, tripped, tripped_at, reason, high_water_mark, updated_at
		FROM breaker_state WHERE scope = ?`, scope).
		Scan(&b.Scope, &tripped, &trippedAt, &b.Reason, &hwm, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query breaker state: %w", err)
	}

	b.Tripped = tripped == 1
	if trippedAt.Valid {
		b.TrippedAt = trippedAt.Time
	}
	b.HighWaterMark, _ = decimal.NewFromString(hwm)
	return &b, nil
}

// SaveBreakerState persists the breaker for its scope.
func (l *SQLiteLedger) SaveBreakerState(ctx context.Context, state types.BreakerState) error {
	var trippedAt any
	if !state.TrippedAt.IsZero() {
		trippedAt = state.TrippedAt
	}

	_, err := l.db.ExecContext(ctx, `INSERT OR REPLACE INTO breaker_state
		(scope, tripped, tripped_at, reason, high_water_mark, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.Scope, boolToInt(state.Tripped), trippedAt, state.Reason, state.HighWaterMark.String(), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// SaveEquitySnapshot saves an equity snapshot.
func (l *SQLiteLedger) SaveEquitySnapshot(ctx context.Context, snapshot types.EquitySnapshot) error {
	query := `INSERT INTO equity_snapshots (timestamp, equity, high_water_mark, drawdown, open_positions)
		VALUES (?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query,
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
func (l *SQLiteLedger) LatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error) {
	query := `SELECT timestamp, equity, high_water_mark, drawdown, open_positions
		FROM equity_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1`

	var snapshot types.EquitySnapshot
	var equity, hwm, dd string

	err := l.db.QueryRowContext(ctx, query).Scan(
		&snapshot.Timestamp,
		&equity,
		&hwm,
		&dd,
		&snapshot.OpenPositions,
	)
	if errors.Is(err, sql.ErrNoRows) {
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
