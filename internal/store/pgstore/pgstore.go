// Package pgstore persists the pipeline state in PostgreSQL.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spigell/matchflow/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

var _ store.Store = (*DB)(nil)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
	// queryTimeout bounds every call when positive.
	queryTimeout time.Duration
}

// Connect establishes a connection pool to the database and pings it.
func Connect(ctx context.Context, databaseURL string, queryTimeout time.Duration) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool, queryTimeout: queryTimeout}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *DB) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// inTx runs fn in a transaction committed only when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// requireLiveUser locks the user row for the rest of the transaction.
func requireLiveUser(ctx context.Context, tx pgx.Tx, userID string) error {
	var live bool
	err := tx.QueryRow(ctx,
		`SELECT deleted_at IS NULL FROM users WHERE id = $1 FOR SHARE`,
		userID,
	).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check user %s: %w", userID, err)
	}
	if !live {
		return fmt.Errorf("user %s: %w", userID, store.ErrUserDeleted)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func unmarshalColumn(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
