package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/spigell/matchflow/internal/store"
)

func (db *DB) UpsertJobPosting(ctx context.Context, j *store.JobPosting) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	skills, err := jsonText(stringsOrEmpty(j.Skills))
	if err != nil {
		return err
	}

	var published *time.Time
	if !j.PublishedAt.IsZero() {
		published = &j.PublishedAt
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO job_postings (id, source, title, company, location, employment_type, remote,
		                           salary_floor, skills, description, url, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		     source = $2, title = $3, company = $4, location = $5, employment_type = $6, remote = $7,
		     salary_floor = $8, skills = $9::jsonb, description = $10, url = $11, published_at = $12,
		     updated_at = NOW()`,
		j.ID, j.Source, j.Title, j.Company, j.Location, j.EmploymentType, j.Remote,
		j.SalaryFloor, skills, j.Description, j.URL, published,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job posting: %w", err)
	}
	return nil
}

func (db *DB) DeleteJobPosting(ctx context.Context, id string) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	if _, err := db.pool.Exec(ctx, `DELETE FROM job_postings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job posting: %w", err)
	}
	return nil
}

func (db *DB) ListJobPostings(ctx context.Context, afterID string, limit int) ([]store.JobPosting, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT id, source, title, company, location, employment_type, remote, salary_floor,
		        skills, description, url, published_at, updated_at
		 FROM job_postings
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job postings: %w", err)
	}
	defer rows.Close()

	var out []store.JobPosting
	for rows.Next() {
		var (
			j         store.JobPosting
			skills    []byte
			published *time.Time
		)
		if err := rows.Scan(&j.ID, &j.Source, &j.Title, &j.Company, &j.Location, &j.EmploymentType,
			&j.Remote, &j.SalaryFloor, &skills, &j.Description, &j.URL, &published, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job posting: %w", err)
		}
		if err := unmarshalColumn(skills, &j.Skills); err != nil {
			return nil, err
		}
		if published != nil {
			j.PublishedAt = *published
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
