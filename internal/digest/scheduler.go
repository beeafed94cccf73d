package digest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
)

const dispatchTimeout = 30 * time.Second

type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) error
}

// Scheduler emits one digest.tick per day at the configured hour. It emits the
// current day's tick on start when that hour has already passed; the tick's
// idempotency key keeps restarts from running a day twice.
type Scheduler struct {
	dispatcher Dispatcher
	hour       int
	location   *time.Location
	logger     *zap.Logger
	now        func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewScheduler(cfg Config, d Dispatcher, l *zap.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("digest time zone %q: %w", cfg.TimeZone, err)
	}

	return &Scheduler{
		dispatcher: d,
		hour:       cfg.Hour,
		location:   loc,
		logger:     logger.WithFields(l, zap.String("component", "digest_scheduler")),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Info("digest scheduler started", zap.Int("hour", s.hour), zap.String("time_zone", s.location.String()))
}

// Stop waits for an in-flight tick dispatch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("digest scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	now := s.now().In(s.location)
	if !now.Before(s.fireTime(now)) {
		s.tick(now)
	}

	for {
		now := s.now().In(s.location)
		next := s.nextFire(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.tick(next)
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) tick(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := s.RunOnce(ctx, at); err != nil {
		s.logger.Error("dispatching digest tick", zap.Error(err))
	}
}

// RunOnce dispatches the tick for the local day of at.
func (s *Scheduler) RunOnce(ctx context.Context, at time.Time) error {
	date := at.In(s.location).Format(DateLayout)

	env, err := events.New(events.DigestTick, events.DigestPartition, date, events.DigestTickPayload{Date: date})
	if err != nil {
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, env); err != nil {
		return fmt.Errorf("dispatching tick for %s: %w", date, err)
	}

	s.logger.Info("digest tick dispatched", zap.String("date", date))
	return nil
}

func (s *Scheduler) fireTime(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, s.location)
}

// nextFire returns the first fire time strictly after now.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	next := s.fireTime(now)
	if !next.After(now) {
		next = s.fireTime(now.AddDate(0, 0, 1))
	}
	return next
}
