package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spigell/matchflow/internal/store"
)

// LockUser takes a session-level advisory lock on a dedicated connection.
// The connection returns to the pool when the lock is released.
func (db *DB) LockUser(ctx context.Context, userID string) (func(), error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext('matchflow:' || $1::text))`, userID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to lock user %s: %w", userID, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext('matchflow:' || $1::text))`, userID); err != nil {
			// a connection that may still hold the lock must not be reused
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

func (db *DB) ReplaceMatchScores(ctx context.Context, userID string, jobIDs []string, scores []store.MatchScore) error {
	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, userID); err != nil {
			return err
		}

		if len(jobIDs) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM match_scores WHERE user_id = $1 AND job_id = ANY($2)`,
				userID, jobIDs,
			); err != nil {
				return fmt.Errorf("failed to delete match scores: %w", err)
			}
		}

		if len(scores) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, s := range scores {
			batch.Queue(
				`INSERT INTO match_scores (user_id, job_id, score, computed_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (user_id, job_id) DO UPDATE SET score = $3, computed_at = $4`,
				userID, s.JobID, s.Score, s.ComputedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert match scores: %w", err)
		}
		return nil
	})
}

func (db *DB) PruneMatchScores(ctx context.Context, userID string, before time.Time) (int, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM match_scores WHERE user_id = $1 AND computed_at < $2`,
		userID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune match scores: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) ListMatchScores(ctx context.Context, userID string) ([]store.MatchScore, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT user_id, job_id, score, computed_at FROM match_scores
		 WHERE user_id = $1
		 ORDER BY score DESC, job_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list match scores: %w", err)
	}
	return collectScores(rows)
}

func collectScores(rows pgx.Rows) ([]store.MatchScore, error) {
	defer rows.Close()

	var out []store.MatchScore
	for rows.Next() {
		var s store.MatchScore
		if err := rows.Scan(&s.UserID, &s.JobID, &s.Score, &s.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
