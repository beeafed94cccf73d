package headhunter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/store"
)

type Store interface {
	UpsertJobPosting(ctx context.Context, j *store.JobPosting) error
	DeleteJobPosting(ctx context.Context, id string) error
}

type SyncReport struct {
	Fetched  int
	Upserted int
	Removed  int
	Skipped  int
}

// Sync searches the API and upserts the result into the corpus. Archived
// vacancies are removed from the corpus and id-less ones are skipped. Scores
// are not recomputed here; the next recompute prunes scores of removed jobs.
func (c *Client) Sync(ctx context.Context, s Store, params SearchParams) (SyncReport, error) {
	var report SyncReport

	vacancies, err := c.Search(ctx, params)
	if err != nil {
		return report, err
	}
	report.Fetched = len(vacancies)

	for _, v := range vacancies {
		if v == nil || v.ID == "" {
			report.Skipped++
			continue
		}
		if v.Archived {
			if err := s.DeleteJobPosting(ctx, v.PostingID()); err != nil {
				return report, fmt.Errorf("remove archived vacancy %s: %w", v.ID, err)
			}
			report.Removed++
			continue
		}
		if err := s.UpsertJobPosting(ctx, v.JobPosting()); err != nil {
			return report, fmt.Errorf("upsert vacancy %s: %w", v.ID, err)
		}
		report.Upserted++
	}

	c.logger.Info("corpus synced",
		zap.String("search", params.Text),
		zap.Int("fetched", report.Fetched),
		zap.Int("upserted", report.Upserted),
		zap.Int("removed", report.Removed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}
