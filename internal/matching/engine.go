// Package matching keeps each user's job match scores current.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

// ErrUnknownUser is returned when a recompute is requested before the user exists.
var ErrUnknownUser = errors.New("recompute for unknown user")

const defaultChunkSize = 500

type Config struct {
	// ChunkSize is how many postings are scored and committed together.
	ChunkSize int `mapstructure:"chunk-size"`
	// MinScore drops scores below it instead of storing them.
	MinScore float64 `mapstructure:"min-score"`
}

type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	SetPreferences(ctx context.Context, id string, prefs []string) error
	ListResumes(ctx context.Context, userID string) ([]store.Resume, error)
	ListJobPostings(ctx context.Context, afterID string, limit int) ([]store.JobPosting, error)
	LockUser(ctx context.Context, userID string) (func(), error)
	ReplaceMatchScores(ctx context.Context, userID string, jobIDs []string, scores []store.MatchScore) error
	PruneMatchScores(ctx context.Context, userID string, before time.Time) (int, error)
}

// Result summarizes one recompute.
type Result struct {
	Scanned    int
	Scored     int
	Pruned     int
	ComputedAt time.Time
	// Aborted is set when the user was deleted before or during the run.
	Aborted bool
}

type Engine struct {
	cfg       Config
	store     Store
	publisher dispatcher.Publisher
	filters   []Filter
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config, s Store, pub dispatcher.Publisher, l *zap.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Engine{
		cfg:       cfg,
		store:     s,
		publisher: pub,
		filters:   DefaultFilters(),
		logger:    logger.WithFields(l, zap.String("component", "matching")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Register(reg interface {
	Register(t events.Type, h dispatcher.Handler)
}) {
	reg.Register(events.ResumeChanged, dispatcher.HandlerFunc(e.HandleResumeChanged))
	reg.Register(events.PreferencesUpdated, dispatcher.HandlerFunc(e.HandlePreferencesUpdated))
	reg.Register(events.MatchScoresUpdated, dispatcher.HandlerFunc(e.HandleScoresUpdated))
}

func (e *Engine) HandleResumeChanged(ctx context.Context, env events.Envelope) error {
	var p events.ResumeChangedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	if _, err := uuid.Parse(p.ResumeID); err != nil {
		return events.Reject(fmt.Errorf("resume id %q: %w", p.ResumeID, err))
	}

	_, err := e.Recompute(ctx, p.UserID)
	return err
}

// HandlePreferencesUpdated stores the new preference list, then recomputes.
func (e *Engine) HandlePreferencesUpdated(ctx context.Context, env events.Envelope) error {
	var p events.PreferencesUpdatedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	log := logger.ForUser(e.logger, p.UserID)

	prefs := utils.UniqueStrings(p.Preferences)
	err := e.store.SetPreferences(ctx, p.UserID, prefs)
	switch {
	case errors.Is(err, store.ErrUserDeleted):
		log.Info("preferences for deleted account ignored")
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", p.UserID, ErrUnknownUser)
	case err != nil:
		return fmt.Errorf("saving preferences: %w", err)
	}
	log.Info("preferences updated", zap.Strings("preferences", prefs))

	_, err = e.Recompute(ctx, p.UserID)
	return err
}

// HandleScoresUpdated is the terminal consumer of score announcements.
func (e *Engine) HandleScoresUpdated(_ context.Context, env events.Envelope) error {
	var p events.MatchScoresUpdatedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	logger.ForUser(e.logger, p.UserID).Debug("match scores available", zap.Int("count", p.Count))
	return nil
}

// Recompute replaces the user's scores against the whole corpus. Runs for one
// user are serialized; each chunk of postings is committed atomically and
// scores of postings that left the corpus are pruned at the end.
func (e *Engine) Recompute(ctx context.Context, userID string) (Result, error) {
	log := logger.ForUser(e.logger, userID)

	unlock, err := e.store.LockUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("locking user: %w", err)
	}
	defer unlock()

	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%s: %w", userID, ErrUnknownUser)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading user: %w", err)
	}
	if !user.Live() {
		log.Info("recompute for deleted account skipped")
		return Result{Aborted: true}, nil
	}

	profile, err := e.profile(ctx, user)
	if err != nil {
		return Result{}, err
	}

	res := Result{ComputedAt: e.now()}
	after := ""
	for {
		jobs, err := e.store.ListJobPostings(ctx, after, e.cfg.ChunkSize)
		if err != nil {
			return res, fmt.Errorf("listing job postings: %w", err)
		}
		if len(jobs) == 0 {
			break
		}
		after = jobs[len(jobs)-1].ID
		res.Scanned += len(jobs)

		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}

		passing := RunFilters(log, e.filters, jobs, profile.Criteria)
		scores := make([]store.MatchScore, 0, len(passing))
		for _, j := range passing {
			score := Score(profile, j)
			if score < e.cfg.MinScore {
				continue
			}
			scores = append(scores, store.MatchScore{
				UserID:     userID,
				JobID:      j.ID,
				Score:      score,
				ComputedAt: res.ComputedAt,
			})
		}

		err = e.store.ReplaceMatchScores(ctx, userID, ids, scores)
		if errors.Is(err, store.ErrUserDeleted) {
			log.Info("account deleted during recompute, aborting")
			return Result{Aborted: true}, nil
		}
		if err != nil {
			return res, fmt.Errorf("replacing match scores: %w", err)
		}
		res.Scored += len(scores)

		if len(jobs) < e.cfg.ChunkSize {
			break
		}
	}

	res.Pruned, err = e.store.PruneMatchScores(ctx, userID, res.ComputedAt)
	if err != nil {
		return res, fmt.Errorf("pruning match scores: %w", err)
	}

	log.Info("match scores recomputed",
		zap.Int("scanned", res.Scanned),
		zap.Int("scored", res.Scored),
		zap.Int("pruned", res.Pruned),
	)

	env, err := events.New(events.MatchScoresUpdated, userID, strconv.FormatInt(res.ComputedAt.UnixNano(), 10),
		events.MatchScoresUpdatedPayload{UserID: userID, Count: res.Scored, ComputedAt: res.ComputedAt})
	if err != nil {
		return res, err
	}
	if err := e.publisher.Publish(ctx, env); err != nil {
		return res, fmt.Errorf("publishing %s: %w", events.MatchScoresUpdated, err)
	}

	return res, nil
}

// profile snapshots what the user is matched with: account skills, the
// summary of the default resume (else the newest summarized one) and the
// parsed preferences.
func (e *Engine) profile(ctx context.Context, user *store.User) (Profile, error) {
	resumes, err := e.store.ListResumes(ctx, user.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("listing resumes: %w", err)
	}

	var chosen *store.Resume
	for i := range resumes {
		r := &resumes[i]
		if r.Status != store.ResumeSummarized || r.Summary == nil {
			continue
		}
		if r.IsDefault {
			chosen = r
			break
		}
		chosen = r
	}

	p := Profile{
		Skills:   append([]string{}, user.Skills...),
		Criteria: ParseCriteria(user.Preferences),
	}
	if chosen != nil {
		p.Skills = append(p.Skills, chosen.Summary.Skills...)
		p.Titles = append(p.Titles, chosen.Summary.Titles...)
	}
	p.Skills = utils.UniqueStrings(p.Skills)
	p.Titles = utils.UniqueStrings(p.Titles)
	return p, nil
}
