package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spigell/matchflow/internal/store"
)

func (db *DB) GetDigestMarker(ctx context.Context, userID, date string) (*store.DigestMarker, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	m := store.DigestMarker{UserID: userID}
	var jobIDs []byte
	err := db.pool.QueryRow(ctx,
		`SELECT digest_date::text, job_ids, completed_at FROM digest_markers
		 WHERE user_id = $1 AND digest_date = $2::date`,
		userID, date,
	).Scan(&m.Date, &jobIDs, &m.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("digest marker %s/%s: %w", userID, date, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get digest marker: %w", err)
	}
	if err := unmarshalColumn(jobIDs, &m.JobIDs); err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *DB) TopUnseenScores(ctx context.Context, userID string, minScore float64, limit int) ([]store.MatchScore, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT s.user_id, s.job_id, s.score, s.computed_at
		 FROM match_scores s
		 WHERE s.user_id = $1
		   AND s.score >= $2
		   AND NOT EXISTS (
		       SELECT 1 FROM digest_seen d WHERE d.user_id = s.user_id AND d.job_id = s.job_id
		   )
		 ORDER BY s.score DESC, s.job_id
		 LIMIT $3`,
		userID, minScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select unseen scores: %w", err)
	}
	return collectScores(rows)
}

func (db *DB) CompleteDigest(ctx context.Context, m store.DigestMarker) error {
	jobIDs, err := jsonText(stringsOrEmpty(m.JobIDs))
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, m.UserID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO digest_markers (user_id, digest_date, job_ids)
			 VALUES ($1, $2::date, $3::jsonb)
			 ON CONFLICT (user_id, digest_date) DO NOTHING`,
			m.UserID, m.Date, jobIDs,
		)
		if err != nil {
			return fmt.Errorf("failed to insert digest marker: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		for _, jobID := range m.JobIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO digest_seen (user_id, job_id, digest_date)
				 VALUES ($1, $2, $3::date)
				 ON CONFLICT (user_id, job_id) DO NOTHING`,
				m.UserID, jobID, m.Date,
			); err != nil {
				return fmt.Errorf("failed to mark job seen: %w", err)
			}
		}
		return nil
	})
}
