// Package pipeline assembles the dispatcher and every event consumer into one
// running unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/accounts"
	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/artifacts"
	"github.com/spigell/matchflow/internal/digest"
	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/matching"
	"github.com/spigell/matchflow/internal/notify"
	"github.com/spigell/matchflow/internal/resumes"
	"github.com/spigell/matchflow/internal/store"
)

type Config struct {
	Dispatcher dispatcher.Config `mapstructure:"dispatcher"`
	Resumes    resumes.Config    `mapstructure:"resumes"`
	Matching   matching.Config   `mapstructure:"matching"`
	Digest     digest.Config     `mapstructure:"digest"`
	// Schedule starts the daily digest timer with the pipeline.
	Schedule bool `mapstructure:"schedule"`
}

type Deps struct {
	Store      store.Store
	Artifacts  artifacts.Store
	Summarizer ai.Summarizer
	// Sink defaults to a notify.LogSink.
	Sink   notify.Sink
	Logger *zap.Logger
}

type Pipeline struct {
	Dispatcher *dispatcher.Dispatcher
	Accounts   *accounts.Reconciler
	Resumes    *resumes.Ingestor
	Matching   *matching.Engine
	Digest     *digest.Runner
	Scheduler  *digest.Scheduler

	schedule bool
	logger   *zap.Logger
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if deps.Summarizer == nil {
		return nil, errors.New("summarizer is required")
	}

	l := logger.WithFields(deps.Logger)
	sink := deps.Sink
	if sink == nil {
		sink = notify.NewLogSink(l)
	}

	d := dispatcher.New(cfg.Dispatcher, deps.Store, l)

	scheduler, err := digest.NewScheduler(cfg.Digest, d, l)
	if err != nil {
		return nil, fmt.Errorf("building digest scheduler: %w", err)
	}

	p := &Pipeline{
		Dispatcher: d,
		Accounts:   accounts.New(deps.Store, l),
		Resumes:    resumes.New(cfg.Resumes, deps.Store, deps.Artifacts, deps.Summarizer, d, l),
		Matching:   matching.New(cfg.Matching, deps.Store, d, l),
		Digest:     digest.New(cfg.Digest, deps.Store, d, l),
		Scheduler:  scheduler,
		schedule:   cfg.Schedule,
		logger:     logger.WithFields(l, zap.String("component", "pipeline")),
	}

	p.Accounts.Register(d)
	p.Resumes.Register(d)
	p.Matching.Register(d)
	p.Digest.Register(d)
	notify.NewHandler(sink).Register(d)

	return p, nil
}

// Start requeues events left unfinished by a previous process and, when
// configured, starts the digest timer.
func (p *Pipeline) Start(ctx context.Context) error {
	n, err := p.Dispatcher.Recover(ctx)
	if err != nil {
		return err
	}

	if p.schedule {
		p.Scheduler.Start()
	}

	p.logger.Info("pipeline started", zap.Int("recovered", n), zap.Bool("schedule", p.schedule))
	return nil
}

// Stop halts the timer, then drains the dispatcher until ctx ends.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.Scheduler.Stop()

	if err := p.Dispatcher.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining dispatcher: %w", err)
	}

	p.logger.Info("pipeline stopped")
	return nil
}
