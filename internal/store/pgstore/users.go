package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/spigell/matchflow/internal/store"
)

const userColumns = `id, email, profile, skills, preferences, sequence, field_sequences, created_at, updated_at, deleted_at`

func scanUser(row pgx.Row) (*store.User, error) {
	var (
		u                                       store.User
		profile, skills, preferences, fieldSeqs []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &profile, &skills, &preferences,
		&u.Sequence, &fieldSeqs, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(fieldSeqs, &u.FieldSequences); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(profile, &u.Profile); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(skills, &u.Skills); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(preferences, &u.Preferences); err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*store.User, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (db *DB) UpsertUser(ctx context.Context, u *store.User) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	profile := u.Profile
	if profile == nil {
		profile = map[string]any{}
	}
	profileJSON, err := jsonText(profile)
	if err != nil {
		return err
	}
	skillsJSON, err := jsonText(stringsOrEmpty(u.Skills))
	if err != nil {
		return err
	}
	prefsJSON, err := jsonText(stringsOrEmpty(u.Preferences))
	if err != nil {
		return err
	}
	fieldSeqs := u.FieldSequences
	if fieldSeqs == nil {
		fieldSeqs = map[string]int64{}
	}
	fieldSeqsJSON, err := jsonText(fieldSeqs)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, profile, skills, preferences, sequence, field_sequences)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		     email = $2,
		     profile = $3::jsonb,
		     skills = $4::jsonb,
		     preferences = $5::jsonb,
		     sequence = $6,
		     field_sequences = $7::jsonb,
		     updated_at = NOW()
		 WHERE users.deleted_at IS NULL
		 RETURNING created_at, updated_at`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), profileJSON, skillsJSON, prefsJSON, u.Sequence, fieldSeqsJSON,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("user %s: %w", u.ID, store.ErrUserDeleted)
	case isUniqueViolation(err):
		return fmt.Errorf("email %s: %w", u.Email, store.ErrDuplicate)
	case err != nil:
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (db *DB) DeleteUser(ctx context.Context, id string, sequence int64) error {
	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, sequence, deleted_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (id) DO UPDATE SET
			     deleted_at = COALESCE(users.deleted_at, NOW()),
			     sequence = GREATEST(users.sequence, $2),
			     updated_at = NOW()`,
			id, sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to tombstone user: %w", err)
		}

		for _, table := range []string{"match_scores", "notification_settings", "digest_seen", "digest_markers"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, id); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (db *DB) SetPreferences(ctx context.Context, id string, prefs []string) error {
	prefsJSON, err := jsonText(stringsOrEmpty(prefs))
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE users SET preferences = $2::jsonb, updated_at = NOW() WHERE id = $1`,
			id, prefsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to set preferences: %w", err)
		}
		return nil
	})
}

func (db *DB) GetNotificationSettings(ctx context.Context, userID string) (store.NotificationSettings, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	settings := store.NotificationSettings{UserID: userID}
	err := db.pool.QueryRow(ctx,
		`SELECT daily_digest, digest_size FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&settings.DailyDigest, &settings.DigestSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DefaultNotificationSettings(userID), nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to get notification settings: %w", err)
	}
	return settings, nil
}

func (db *DB) UpsertNotificationSettings(ctx context.Context, s store.NotificationSettings) error {
	return db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := requireLiveUser(ctx, tx, s.UserID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO notification_settings (user_id, daily_digest, digest_size)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO UPDATE SET daily_digest = $2, digest_size = $3, updated_at = NOW()`,
			s.UserID, s.DailyDigest, s.DigestSize,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert notification settings: %w", err)
		}
		return nil
	})
}

func (db *DB) ListDigestUsers(ctx context.Context, after store.UserCursor, limit int) ([]store.User, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT u.id, u.email, u.profile, u.skills, u.preferences, u.sequence, u.field_sequences, u.created_at, u.updated_at, u.deleted_at
		 FROM users u
		 LEFT JOIN notification_settings n ON n.user_id = u.id
		 WHERE u.deleted_at IS NULL
		   AND COALESCE(n.daily_digest, TRUE)
		   AND (u.created_at, u.id) > ($1, $2)
		 ORDER BY u.created_at, u.id
		 LIMIT $3`,
		after.CreatedAt, after.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest users: %w", err)
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
