// Package digest selects each user's best unseen matches once a day and
// requests a notification for them.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

// DateLayout is the format of digest dates.
const DateLayout = "2006-01-02"

const (
	defaultMinScore    = 0.5
	defaultTopN        = 10
	defaultPageSize    = 100
	defaultConcurrency = 8
	defaultHour        = 8
	defaultTimeZone    = "UTC"
)

type Config struct {
	// MinScore is the lowest score worth sending; nil means the default and
	// zero sends any score.
	MinScore    *float64      `mapstructure:"min-score"`
	TopN        int           `mapstructure:"top-n"`
	PageSize    int           `mapstructure:"page-size"`
	Concurrency int           `mapstructure:"concurrency"`
	PageDelay   time.Duration `mapstructure:"page-delay"`
	Hour        int           `mapstructure:"hour"`
	TimeZone    string        `mapstructure:"time-zone"`
}

func (c Config) withDefaults() Config {
	if c.MinScore == nil {
		score := defaultMinScore
		c.MinScore = &score
	}
	if c.TopN <= 0 {
		c.TopN = defaultTopN
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Hour < 0 || c.Hour > 23 {
		c.Hour = defaultHour
	}
	if c.TimeZone == "" {
		c.TimeZone = defaultTimeZone
	}
	return c
}

type Store interface {
	ListDigestUsers(ctx context.Context, after store.UserCursor, limit int) ([]store.User, error)
	GetNotificationSettings(ctx context.Context, userID string) (store.NotificationSettings, error)
	GetDigestMarker(ctx context.Context, userID, date string) (*store.DigestMarker, error)
	TopUnseenScores(ctx context.Context, userID string, minScore float64, limit int) ([]store.MatchScore, error)
	CompleteDigest(ctx context.Context, m store.DigestMarker) error
}

// Outcome is what processing one user for one day did.
type Outcome string

const (
	OutcomeNotified Outcome = "notified"
	OutcomeEmpty    Outcome = "empty"
	OutcomeSkipped  Outcome = "skipped"
)

// RunReport counts the outcomes of a run. Deferred users failed inline and
// were handed to the dispatcher as digest.user events.
type RunReport struct {
	Date     string
	Users    int
	Notified int
	Empty    int
	Skipped  int
	Deferred int
}

type Runner struct {
	cfg       Config
	store     Store
	publisher dispatcher.Publisher
	logger    *zap.Logger
	wait      func(context.Context, time.Duration) error
}

func New(cfg Config, s Store, pub dispatcher.Publisher, l *zap.Logger) *Runner {
	return &Runner{
		cfg:       cfg.withDefaults(),
		store:     s,
		publisher: pub,
		logger:    logger.WithFields(l, zap.String("component", "digest")),
		wait:      utils.WaitFor,
	}
}

func (r *Runner) Register(reg interface {
	Register(t events.Type, h dispatcher.Handler)
}) {
	reg.Register(events.DigestTick, dispatcher.HandlerFunc(r.HandleTick))
	reg.Register(events.DigestPage, dispatcher.HandlerFunc(r.HandlePage))
	reg.Register(events.DigestUser, dispatcher.HandlerFunc(r.HandleUser))
}

// HandleTick processes the first page of the day and hands the rest of the
// walk to digest.page events, so each page is its own attempt and a retry
// resumes at the page that failed.
func (r *Runner) HandleTick(ctx context.Context, env events.Envelope) error {
	var p events.DigestTickPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	return r.handlePage(ctx, p.Date, store.UserCursor{}, 1)
}

// HandlePage continues the walk after the cursor carried by the event.
func (r *Runner) HandlePage(ctx context.Context, env events.Envelope) error {
	var p events.DigestPagePayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	if r.cfg.PageDelay > 0 {
		if err := r.wait(ctx, r.cfg.PageDelay); err != nil {
			return err
		}
	}
	return r.handlePage(ctx, p.Date, store.UserCursor{CreatedAt: p.AfterCreatedAt, ID: p.AfterID}, p.Page)
}

func (r *Runner) HandleUser(ctx context.Context, env events.Envelope) error {
	var p events.DigestUserPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	_, err := r.ProcessUser(ctx, p.UserID, p.Date)
	return err
}

func (r *Runner) handlePage(ctx context.Context, date string, cursor store.UserCursor, page int) error {
	log := r.logger.With(zap.String("date", date), zap.Int("page", page))

	report := RunReport{Date: date}
	next, deferErrs, err := r.runPage(ctx, date, cursor, page, &report)
	if err != nil {
		return err
	}
	if deferErrs != nil {
		return fmt.Errorf("deferring failed users: %w", deferErrs)
	}

	if next == nil {
		log.Info("digest walk finished")
		return nil
	}

	env, err := events.New(events.DigestPage, events.DigestPartition, fmt.Sprintf("%s/%d", date, page+1), events.DigestPagePayload{
		Date:           date,
		Page:           page + 1,
		AfterCreatedAt: next.CreatedAt,
		AfterID:        next.ID,
	})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing %s: %w", events.DigestPage, err)
	}
	return nil
}

// Run walks every user with the digest enabled, page by page in (created_at, id)
// order, in the calling goroutine. The users of a page are processed
// concurrently. A user that fails is deferred to its own digest.user event so
// one failure never stops the run. Running twice for the same date notifies
// nobody twice.
func (r *Runner) Run(ctx context.Context, date string) (RunReport, error) {
	report := RunReport{Date: date}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return report, events.Reject(fmt.Errorf("digest date %q: %w", date, err))
	}

	var (
		errs   error
		cursor store.UserCursor
	)
	for page := 1; ; page++ {
		if page > 1 && r.cfg.PageDelay > 0 {
			if err := r.wait(ctx, r.cfg.PageDelay); err != nil {
				return report, err
			}
		}

		next, deferErrs, err := r.runPage(ctx, date, cursor, page, &report)
		errs = multierr.Append(errs, deferErrs)
		if err != nil {
			return report, err
		}
		if next == nil {
			break
		}
		cursor = *next

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	r.logger.Info("digest run finished",
		zap.String("date", date),
		zap.Int("users", report.Users),
		zap.Int("notified", report.Notified),
		zap.Int("empty", report.Empty),
		zap.Int("skipped", report.Skipped),
		zap.Int("deferred", report.Deferred),
	)

	if errs != nil {
		return report, fmt.Errorf("deferring failed users: %w", errs)
	}
	return report, nil
}

// runPage processes the users after cursor concurrently and adds their
// outcomes to report. next is nil once the walk is complete. deferErrs
// collects users that failed and could not be handed to the dispatcher.
func (r *Runner) runPage(ctx context.Context, date string, cursor store.UserCursor, page int, report *RunReport) (next *store.UserCursor, deferErrs error, err error) {
	users, err := r.store.ListDigestUsers(ctx, cursor, r.cfg.PageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("listing digest users: %w", err)
	}
	if len(users) == 0 {
		return nil, nil, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)
	for _, u := range users {
		userID := u.ID
		g.Go(func() error {
			outcome, err := r.ProcessUser(ctx, userID, date)
			if err != nil {
				deferErr := r.deferUser(ctx, userID, date, err)

				mu.Lock()
				defer mu.Unlock()
				report.Deferred++
				deferErrs = multierr.Append(deferErrs, deferErr)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			report.count(outcome)
			return nil
		})
	}
	_ = g.Wait()

	report.Users += len(users)
	r.logger.Debug("digest page done",
		zap.String("date", date),
		zap.Int("page", page),
		zap.Int("users", len(users)),
	)

	if len(users) < r.cfg.PageSize {
		return nil, deferErrs, nil
	}
	last := users[len(users)-1]
	return &store.UserCursor{CreatedAt: last.CreatedAt, ID: last.ID}, deferErrs, nil
}

// ProcessUser handles one user's digest for date. It is a no-op once the
// day's marker exists.
func (r *Runner) ProcessUser(ctx context.Context, userID, date string) (Outcome, error) {
	log := logger.ForUser(r.logger, userID).With(zap.String("date", date))

	_, err := r.store.GetDigestMarker(ctx, userID, date)
	switch {
	case err == nil:
		log.Debug("digest already handled")
		return OutcomeSkipped, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("loading digest marker: %w", err)
	}

	settings, err := r.store.GetNotificationSettings(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("loading notification settings: %w", err)
	}
	if !settings.DailyDigest {
		log.Debug("daily digest disabled")
		return OutcomeSkipped, nil
	}

	limit := r.cfg.TopN
	if settings.DigestSize > 0 {
		limit = settings.DigestSize
	}

	scores, err := r.store.TopUnseenScores(ctx, userID, *r.cfg.MinScore, limit)
	if err != nil {
		return "", fmt.Errorf("selecting scores: %w", err)
	}

	marker := store.DigestMarker{UserID: userID, Date: date}
	outcome := OutcomeEmpty

	if len(scores) > 0 {
		for _, s := range scores {
			marker.JobIDs = append(marker.JobIDs, s.JobID)
		}

		env, err := events.New(events.NotificationRequested, userID, date, events.NotificationRequestedPayload{
			UserID: userID,
			Date:   date,
			JobIDs: marker.JobIDs,
		})
		if err != nil {
			return "", err
		}
		// Published before the marker: a crash in between replays the same
		// key, which the dispatcher drops.
		if err := r.publisher.Publish(ctx, env); err != nil {
			return "", fmt.Errorf("publishing %s: %w", events.NotificationRequested, err)
		}
		outcome = OutcomeNotified
	}

	err = r.store.CompleteDigest(ctx, marker)
	if errors.Is(err, store.ErrUserDeleted) {
		log.Info("account deleted during digest")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("completing digest: %w", err)
	}

	log.Debug("digest handled", zap.String("outcome", string(outcome)), zap.Int("jobs", len(marker.JobIDs)))
	return outcome, nil
}

func (r *Runner) deferUser(ctx context.Context, userID, date string, cause error) error {
	logger.ForUser(r.logger, userID).Warn("digest failed, deferring user",
		zap.String("date", date),
		zap.Error(cause),
	)

	env, err := events.New(events.DigestUser, userID, date, events.DigestUserPayload{UserID: userID, Date: date})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	return nil
}

func (rep *RunReport) count(o Outcome) {
	switch o {
	case OutcomeNotified:
		rep.Notified++
	case OutcomeEmpty:
		rep.Empty++
	default:
		rep.Skipped++
	}
}
