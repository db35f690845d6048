package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists orders together with the processed-event record that
// deduplicates checkout notifications.
type Store interface {
	// InsertIfAbsent claims correlationID and stores o in one atomic step.
	// It reports false, with no error, when the id was already claimed.
	InsertIfAbsent(ctx context.Context, correlationID string, o Order) (bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Order, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (Order, error)
}

const uniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_events (
		correlation_id UUID PRIMARY KEY,
		processed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id             UUID PRIMARY KEY,
		correlation_id UUID NOT NULL UNIQUE REFERENCES processed_events (correlation_id),
		owner_id       TEXT NOT NULL,
		total          NUMERIC NOT NULL,
		status         TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id   UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
		line       INT NOT NULL,
		product_id TEXT NOT NULL,
		quantity   INT NOT NULL,
		unit_price NUMERIC NOT NULL,
		PRIMARY KEY (order_id, line)
	)`,
	`CREATE INDEX IF NOT EXISTS orders_owner_created_idx ON orders (owner_id, created_at)`,
}

// pgxDB is satisfied by *pgxpool.Pool and by pgxmock.
type pgxDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPostgresPool connects with query tracing enabled and verifies the
// connection.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

type PostgresStore struct {
	db  pgxDB
	now func() time.Time
}

func NewPostgresStore(db pgxDB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the schema. Every statement is idempotent.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresStore) InsertIfAbsent(ctx context.Context, correlationID string, o Order) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (correlation_id, processed_at) VALUES ($1, $2) ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, r.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim event %s: %w", correlationID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, correlation_id, owner_id, total, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, correlationID, o.OwnerID, o.Total.String(), o.Status, o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	for i, it := range o.Items {
		_, err := tx.Exec(ctx,
			`INSERT INTO order_items (order_id, line, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)`,
			o.ID, i, it.ProductID, it.Quantity, it.UnitPrice.String())
		if err != nil {
			return false, fmt.Errorf("failed to insert item %d of order %s: %w", i, o.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to commit order %s: %w", o.ID, err)
	}
	return true, nil
}

const selectOrders = `SELECT o.id::text, o.correlation_id::text, o.owner_id, o.total::text, o.status, o.created_at,
	i.product_id, i.quantity, i.unit_price::text
FROM orders o JOIN order_items i ON i.order_id = o.id`

func (r *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]Order, error) {
	rows, err := r.db.Query(ctx, selectOrders+` WHERE o.owner_id = $1 ORDER BY o.created_at, o.id, i.line`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", ownerID, err)
	}
	defer rows.Close()
	return collectOrders(rows, pgTime)
}

func (r *PostgresStore) GetByCorrelationID(ctx context.Context, correlationID string) (Order, error) {
	rows, err := r.db.Query(ctx, selectOrders+` WHERE o.correlation_id = $1 ORDER BY i.line`, correlationID)
	if err != nil {
		return Order{}, fmt.Errorf("failed to get order %s: %w", correlationID, err)
	}
	defer rows.Close()
	orders, err := collectOrders(rows, pgTime)
	if err != nil {
		return Order{}, err
	}
	if len(orders) == 0 {
		return Order{}, ErrNotFound
	}
	return orders[0], nil
}

func pgTime(v any) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
