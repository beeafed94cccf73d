// Package resumes turns uploaded resume artifacts into summarized resume
// records and announces them to matching.
package resumes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/artifacts"
	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

// ErrUnknownUser is returned for uploads of users not created yet. The
// dispatcher retries them.
var ErrUnknownUser = errors.New("upload for unknown user")

const (
	defaultSummaryTimeout  = 30 * time.Second
	defaultSummaryAttempts = 3
	defaultSummaryBackoff  = 2 * time.Second
	maxSummaryBackoff      = 20 * time.Second
)

type Config struct {
	SummaryTimeout  time.Duration `mapstructure:"summary-timeout"`
	SummaryAttempts int           `mapstructure:"summary-attempts"`
	SummaryBackoff  time.Duration `mapstructure:"summary-backoff"`
}

func (c Config) withDefaults() Config {
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = defaultSummaryTimeout
	}
	if c.SummaryAttempts <= 0 {
		c.SummaryAttempts = defaultSummaryAttempts
	}
	if c.SummaryBackoff <= 0 {
		c.SummaryBackoff = defaultSummaryBackoff
	}
	return c
}

type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetResume(ctx context.Context, id uuid.UUID) (*store.Resume, error)
	CreateResume(ctx context.Context, r *store.Resume) (bool, error)
	UpdateResume(ctx context.Context, r *store.Resume) error
	SetDefaultResume(ctx context.Context, userID string, id uuid.UUID) error
	ListResumes(ctx context.Context, userID string) ([]store.Resume, error)
}

type Ingestor struct {
	cfg        Config
	store      Store
	artifacts  artifacts.Store
	summarizer ai.Summarizer
	publisher  dispatcher.Publisher
	logger     *zap.Logger
	wait       func(context.Context, time.Duration) error
}

func New(cfg Config, s Store, a artifacts.Store, summarizer ai.Summarizer, pub dispatcher.Publisher, l *zap.Logger) *Ingestor {
	return &Ingestor{
		cfg:        cfg.withDefaults(),
		store:      s,
		artifacts:  a,
		summarizer: summarizer,
		publisher:  pub,
		logger:     logger.WithFields(l, zap.String("component", "resumes")),
		wait:       utils.WaitFor,
	}
}

func (in *Ingestor) Register(reg interface {
	Register(t events.Type, h dispatcher.Handler)
}) {
	reg.Register(events.ResumeUploaded, dispatcher.HandlerFunc(in.HandleUploaded))
}

// HandleUploaded ingests one uploaded artifact. Invalid artifacts fail the
// resume and reject the event; summarizer failures fail the resume only after
// the bounded retries.
func (in *Ingestor) HandleUploaded(ctx context.Context, env events.Envelope) error {
	var p events.ResumeUploadedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	log := logger.ForUser(in.logger, p.UserID).With(zap.String("artifact_ref", p.ArtifactRef))

	user, err := in.store.GetUser(ctx, p.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", p.UserID, ErrUnknownUser)
	case err != nil:
		return fmt.Errorf("loading user: %w", err)
	case !user.Live():
		log.Info("upload for deleted account ignored")
		return nil
	}

	resume, err := in.resumeFor(ctx, p.UserID, p.ArtifactRef)
	if errors.Is(err, store.ErrUserDeleted) {
		log.Info("account deleted before ingestion")
		return nil
	}
	if err != nil {
		return err
	}
	log = log.With(zap.String("resume_id", resume.ID.String()))

	switch resume.Status {
	case store.ResumeFailed:
		log.Info("resume already failed, skipping", zap.String("reason", resume.FailureReason))
		return nil
	case store.ResumeSummarized:
		// A crash between persisting and publishing leaves the announcement
		// undone; its key makes a second publish harmless.
		log.Info("resume already summarized")
		return in.finish(ctx, log, resume, p.MakeDefault)
	}

	a, err := in.artifacts.Open(ctx, p.ArtifactRef)
	if err != nil {
		if artifacts.Invalid(err) {
			return in.reject(ctx, log, resume, err)
		}
		return fmt.Errorf("opening artifact: %w", err)
	}

	text, err := artifacts.Text(a)
	if err != nil {
		return in.reject(ctx, log, resume, err)
	}
	if text == "" {
		return in.reject(ctx, log, resume, fmt.Errorf("artifact has no text: %w", ai.ErrEmptyInput))
	}

	resume.ContentType = a.ContentType
	resume.SizeBytes = a.Size
	resume.Text = text

	summary, err := in.summarize(ctx, log, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("summarizing resume: %w", ctxErr)
		}
		return in.fail(ctx, log, resume, fmt.Sprintf("summarization failed: %v", err))
	}

	resume.Summary = summary
	resume.Status = store.ResumeSummarized
	resume.FailureReason = ""

	err = in.store.UpdateResume(ctx, resume)
	if errors.Is(err, store.ErrUserDeleted) {
		log.Info("account deleted during ingestion, summary discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving summary: %w", err)
	}

	log.Info("resume summarized",
		zap.Int("skills", len(summary.Skills)),
		zap.Float64("years_experience", summary.YearsExperience),
	)

	return in.finish(ctx, log, resume, p.MakeDefault)
}

// resumeFor returns the resume row for the artifact, creating it PENDING when
// the CRUD layer has not.
func (in *Ingestor) resumeFor(ctx context.Context, userID, ref string) (*store.Resume, error) {
	existing, err := in.store.ListResumes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing resumes: %w", err)
	}
	for i := range existing {
		if existing[i].ArtifactRef == ref {
			return &existing[i], nil
		}
	}

	resume := &store.Resume{
		ID:          store.ResumeID(userID, ref),
		UserID:      userID,
		ArtifactRef: ref,
		Status:      store.ResumePending,
	}
	created, err := in.store.CreateResume(ctx, resume)
	if err != nil {
		return nil, fmt.Errorf("creating resume: %w", err)
	}
	if created {
		return resume, nil
	}

	stored, err := in.store.GetResume(ctx, resume.ID)
	if err != nil {
		return nil, fmt.Errorf("loading resume: %w", err)
	}
	return stored, nil
}

func (in *Ingestor) summarize(ctx context.Context, log *zap.Logger, text string) (*ai.Summary, error) {
	var lastErr error
	for attempt := 1; attempt <= in.cfg.SummaryAttempts; attempt++ {
		summary, err := in.summarizer.Summarize(ctx, text, in.cfg.SummaryTimeout)
		if err == nil {
			return summary, nil
		}
		lastErr = err

		if !ai.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == in.cfg.SummaryAttempts {
			break
		}

		delay := utils.Backoff(attempt, in.cfg.SummaryBackoff, maxSummaryBackoff)
		log.Warn("summarizer failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := in.wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", in.cfg.SummaryAttempts, lastErr)
}

// finish applies the default flag and announces the resume.
func (in *Ingestor) finish(ctx context.Context, log *zap.Logger, resume *store.Resume, makeDefault bool) error {
	if makeDefault || !resume.IsDefault {
		setDefault, err := in.shouldBeDefault(ctx, resume, makeDefault)
		if err != nil {
			return err
		}
		if setDefault {
			err := in.store.SetDefaultResume(ctx, resume.UserID, resume.ID)
			if errors.Is(err, store.ErrUserDeleted) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("setting default resume: %w", err)
			}
			log.Info("resume set as default")
		}
	}

	env, err := events.New(events.ResumeChanged, resume.UserID, resume.ID.String(), events.ResumeChangedPayload{
		UserID:   resume.UserID,
		ResumeID: resume.ID.String(),
	})
	if err != nil {
		return err
	}
	if err := in.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing %s: %w", events.ResumeChanged, err)
	}
	return nil
}

// shouldBeDefault makes the first resume of a user its default; later ones only on request.
func (in *Ingestor) shouldBeDefault(ctx context.Context, resume *store.Resume, makeDefault bool) (bool, error) {
	if makeDefault {
		return !resume.IsDefault, nil
	}

	all, err := in.store.ListResumes(ctx, resume.UserID)
	if err != nil {
		return false, fmt.Errorf("listing resumes: %w", err)
	}
	for _, r := range all {
		if r.IsDefault {
			return false, nil
		}
	}
	return true, nil
}

func (in *Ingestor) reject(ctx context.Context, log *zap.Logger, resume *store.Resume, cause error) error {
	if err := in.fail(ctx, log, resume, cause.Error()); err != nil {
		return err
	}
	return events.Reject(fmt.Errorf("resume %s: %w", resume.ID, cause))
}

func (in *Ingestor) fail(ctx context.Context, log *zap.Logger, resume *store.Resume, reason string) error {
	resume.Status = store.ResumeFailed
	resume.FailureReason = reason

	err := in.store.UpdateResume(ctx, resume)
	if errors.Is(err, store.ErrUserDeleted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking resume failed: %w", err)
	}

	log.Warn("resume failed", zap.String("reason", reason))
	return nil
}
