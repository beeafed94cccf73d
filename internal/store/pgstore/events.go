package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/store"
)

const eventColumns = `id, type, partition_key, idempotency_key, payload, occurred_at,
	status, attempts, last_error, next_attempt_at, updated_at`

func scanEvent(row pgx.Row) (*events.Record, error) {
	var (
		rec     events.Record
		typ     string
		status  string
		payload []byte
		next    *time.Time
	)
	if err := row.Scan(&rec.Envelope.ID, &typ, &rec.Envelope.PartitionKey, &rec.Envelope.IdempotencyKey,
		&payload, &rec.Envelope.OccurredAt, &status, &rec.Attempts, &rec.LastError, &next, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Envelope.Type = events.Type(typ)
	rec.Envelope.Payload = payload
	rec.Status = events.Status(status)
	if next != nil {
		rec.NextAttemptAt = *next
	}
	return &rec, nil
}

func (db *DB) BeginEvent(ctx context.Context, env events.Envelope) (*events.Record, bool, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rec, err := scanEvent(db.pool.QueryRow(ctx,
		`INSERT INTO event_log (id, type, partition_key, idempotency_key, payload, occurred_at, status)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+eventColumns,
		env.ID, string(env.Type), env.PartitionKey, env.IdempotencyKey, string(env.Payload), env.OccurredAt,
		string(events.StatusPending),
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}

	existing, err := db.GetEvent(ctx, env.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (db *DB) UpdateEvent(ctx context.Context, rec events.Record) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	var next *time.Time
	if !rec.NextAttemptAt.IsZero() {
		next = &rec.NextAttemptAt
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE event_log SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = NOW()
		 WHERE idempotency_key = $1`,
		rec.Envelope.IdempotencyKey, string(rec.Status), rec.Attempts, rec.LastError, next,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", rec.Envelope.IdempotencyKey, store.ErrNotFound)
	}
	return nil
}

func (db *DB) ResetEvent(ctx context.Context, key string, from ...events.Status) (*events.Record, bool, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rec, err := scanEvent(db.pool.QueryRow(ctx,
		`UPDATE event_log
		 SET status = $2, attempts = 0, last_error = '', next_attempt_at = NULL, updated_at = NOW()
		 WHERE idempotency_key = $1 AND status = ANY($3::text[])
		 RETURNING `+eventColumns,
		key, string(events.StatusPending), statusNames(from),
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reset event: %w", err)
	}

	current, err := db.GetEvent(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (db *DB) GetEvent(ctx context.Context, key string) (*events.Record, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rec, err := scanEvent(db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return rec, nil
}

func (db *DB) ListEvents(ctx context.Context, statuses []events.Status, limit int) ([]events.Record, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	// LIMIT NULL is no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM event_log
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		 ORDER BY created_at, idempotency_key
		 LIMIT $2`,
		statusNames(statuses), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func statusNames(statuses []events.Status) []string {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	return names
}
