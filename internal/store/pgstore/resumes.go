package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/store"
)

const resumeColumns = `id, user_id, artifact_ref, content_type, size_bytes, text, summary,
	is_default, status, failure_reason, created_at, updated_at`

func scanResume(row pgx.Row) (*store.Resume, error) {
	var (
		r       store.Resume
		summary []byte
		status  string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ArtifactRef, &r.ContentType, &r.SizeBytes, &r.Text, &summary,
		&r.IsDefault, &status, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = store.ResumeStatus(status)
	if len(summary) > 0 {
		r.Summary = &ai.Summary{}
		if err := unmarshalColumn(summary, r.Summary); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func summaryParam(s *ai.Summary) (*string, error) {
	if s == nil {
		return nil, nil
	}
	text, err := jsonText(s)
	if err != nil {
		return nil, err
	}
	return &text, nil
}

func (db *DB) GetResume(ctx context.Context, id uuid.UUID) (*store.Resume, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	r, err := scanResume(db.pool.QueryRow(ctx, `SELECT `+resumeColumns+` FROM resumes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resume %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resume: %w", err)
	}
	return r, nil
}

func (db *DB) CreateResume(ctx context.Context, r *store.Resume) (bool, error) {
	summary, err := summaryParam(r.Summary)
	if err != nil {
		return false, err
	}

	created := false
	err = db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, r.UserID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO resumes (id, user_id, artifact_ref, content_type, size_bytes, text, summary, status, failure_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
			 ON CONFLICT (id) DO NOTHING
			 RETURNING created_at, updated_at`,
			r.ID, r.UserID, r.ArtifactRef, r.ContentType, r.SizeBytes, r.Text, summary, string(r.Status), r.FailureReason,
		).Scan(&r.CreatedAt, &r.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create resume: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (db *DB) UpdateResume(ctx context.Context, r *store.Resume) error {
	summary, err := summaryParam(r.Summary)
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, r.UserID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE resumes SET
			     content_type = $2, size_bytes = $3, text = $4, summary = $5::jsonb,
			     status = $6, failure_reason = $7, updated_at = NOW()
			 WHERE id = $1`,
			r.ID, r.ContentType, r.SizeBytes, r.Text, summary, string(r.Status), r.FailureReason,
		)
		if err != nil {
			return fmt.Errorf("failed to update resume: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resume %s: %w", r.ID, store.ErrNotFound)
		}
		return nil
	})
}

func (db *DB) SetDefaultResume(ctx context.Context, userID string, id uuid.UUID) error {
	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, userID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE resumes SET is_default = FALSE WHERE user_id = $1 AND id <> $2 AND is_default`,
			userID, id,
		); err != nil {
			return fmt.Errorf("failed to clear default resume: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE resumes SET is_default = TRUE, updated_at = NOW() WHERE user_id = $1 AND id = $2`,
			userID, id,
		)
		if err != nil {
			return fmt.Errorf("failed to set default resume: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resume %s: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (db *DB) ListResumes(ctx context.Context, userID string) ([]store.Resume, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT `+resumeColumns+` FROM resumes WHERE user_id = $1 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumes: %w", err)
	}
	defer rows.Close()

	var out []store.Resume
	for rows.Next() {
		r, err := scanResume(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resume: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
