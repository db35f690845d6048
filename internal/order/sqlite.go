package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_events (
		correlation_id TEXT PRIMARY KEY,
		processed_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id             TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL UNIQUE REFERENCES processed_events (correlation_id),
		owner_id       TEXT NOT NULL,
		total          TEXT NOT NULL,
		status         TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id   TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
		line       INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity   INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		PRIMARY KEY (order_id, line)
	)`,
	`CREATE INDEX IF NOT EXISTS orders_owner_created_idx ON orders (owner_id, created_at)`,
}

// OpenSQLite opens an embedded database file. A single connection keeps
// writers serialized; WAL and a busy timeout let readers proceed.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLStore keeps orders in a database/sql database using sqlite dialect.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, correlationID string, o Order) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (correlation_id, processed_at) VALUES (?, ?) ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, s.now().UTC().Format(sortableTime))
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", correlationID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, correlation_id, owner_id, total, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, correlationID, o.OwnerID, o.Total.String(), o.Status, o.CreatedAt.UTC().Format(sortableTime))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	for i, it := range o.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, line, product_id, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`,
			o.ID, i, it.ProductID, it.Quantity, it.UnitPrice.String())
		if err != nil {
			return false, fmt.Errorf("failed to insert item %d of order %s: %w", i, o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit order %s: %w", o.ID, err)
	}
	return true, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

const selectOrdersSQL = `SELECT o.id, o.correlation_id, o.owner_id, o.total, o.status, o.created_at,
	i.product_id, i.quantity, i.unit_price
FROM orders o JOIN order_items i ON i.order_id = o.id`

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, selectOrdersSQL+` WHERE o.owner_id = ? ORDER BY o.created_at, o.id, i.line`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", ownerID, err)
	}
	defer rows.Close()
	return collectOrders(rows, textTime)
}

func (s *SQLStore) GetByCorrelationID(ctx context.Context, correlationID string) (Order, error) {
	rows, err := s.db.QueryContext(ctx, selectOrdersSQL+` WHERE o.correlation_id = ? ORDER BY i.line`, correlationID)
	if err != nil {
		return Order{}, fmt.Errorf("failed to get order %s: %w", correlationID, err)
	}
	defer rows.Close()
	orders, err := collectOrders(rows, textTime)
	if err != nil {
		return Order{}, err
	}
	if len(orders) == 0 {
		return Order{}, ErrNotFound
	}
	return orders[0], nil
}

func textTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
	}
	return time.Parse(time.RFC3339Nano, s)
}
