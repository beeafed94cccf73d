// Package dispatcher routes event envelopes to their handlers. Events that
// share a partition key run one at a time in arrival order; failures are
// retried with exponential backoff until they succeed, are rejected as invalid
// input, or exhaust their attempts and are parked as DEAD.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrClosed          = errors.New("dispatcher is closed")
	ErrNotReplayable   = errors.New("event is not dead or rejected")
)

const (
	defaultMaxAttempts    = 5
	defaultBaseBackoff    = time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultHandlerTimeout = 2 * time.Minute
	defaultWorkers        = 8
)

// Handler applies one event. Errors wrapped with events.Reject are terminal;
// any other error is retried.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error {
	return f(ctx, env)
}

// Publisher accepts envelopes for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

type Config struct {
	MaxAttempts    int           `mapstructure:"max-attempts"`
	BaseBackoff    time.Duration `mapstructure:"base-backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff"`
	HandlerTimeout time.Duration `mapstructure:"handler-timeout"`
	// Workers bounds how many handlers run at once across all lanes.
	Workers int `mapstructure:"workers"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

type Dispatcher struct {
	cfg    Config
	log    store.EventLog
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup
	wait   func(context.Context, time.Duration) error
	now    func() time.Time

	mu       sync.Mutex
	handlers map[events.Type]Handler
	lanes    map[string]*lane
	closed   bool
}

type lane struct {
	key   string
	queue []events.Record
}

func New(cfg Config, log store.EventLog, l *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		logger:   logger.WithFields(l, zap.String("component", "dispatcher")),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(chan struct{}, cfg.Workers),
		wait:     utils.WaitFor,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[events.Type]Handler),
		lanes:    make(map[string]*lane),
	}
}

// Register routes events of type t to h, replacing any previous handler.
func (d *Dispatcher) Register(t events.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

func (d *Dispatcher) handler(t events.Type) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[t]
}

// Dispatch records env and queues it on its partition lane. An envelope whose
// idempotency key was seen before is dropped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) error {
	return d.dispatch(ctx, env, true)
}

// Publish queues follow-up events from handlers. Unlike Dispatch it keeps
// working while Shutdown drains the queues.
func (d *Dispatcher) Publish(ctx context.Context, env events.Envelope) error {
	return d.dispatch(ctx, env, false)
}

func (d *Dispatcher) dispatch(ctx context.Context, env events.Envelope, external bool) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if d.handler(env.Type) == nil {
		return fmt.Errorf("%w: no handler for %s", ErrInvalidEnvelope, env.Type)
	}
	if external && d.isClosed() {
		return ErrClosed
	}

	rec, created, err := d.log.BeginEvent(ctx, env)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}

	fields := logger.EventFields(string(env.Type), env.IdempotencyKey, env.PartitionKey)
	if !created {
		d.logger.Debug("duplicate event ignored", append(fields, zap.String("status", string(rec.Status)))...)
		return nil
	}

	d.logger.Debug("event accepted", fields...)
	return d.enqueue(*rec, external)
}

// Replay gives a DEAD or REJECTED event a fresh attempt budget. The reset is
// a compare-and-set on the stored status, so concurrent replays of one key
// queue it once.
func (d *Dispatcher) Replay(ctx context.Context, idempotencyKey string) error {
	if d.isClosed() {
		return ErrClosed
	}

	rec, reset, err := d.log.ResetEvent(ctx, idempotencyKey, events.StatusDead, events.StatusRejected)
	if err != nil {
		return err
	}
	if !reset {
		return fmt.Errorf("%s is %s: %w", idempotencyKey, rec.Status, ErrNotReplayable)
	}

	d.logger.Info("replaying event", logger.EventFields(string(rec.Envelope.Type), idempotencyKey, rec.Envelope.PartitionKey)...)
	return d.enqueue(*rec, true)
}

// Recover queues events a previous process accepted but never finished.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	recs, err := d.log.ListEvents(ctx, []events.Status{events.StatusPending, events.StatusRetrying}, 0)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished events: %w", err)
	}

	for _, rec := range recs {
		if err := d.enqueue(rec, true); err != nil {
			return 0, err
		}
	}

	if len(recs) > 0 {
		d.logger.Info("recovered unfinished events", zap.Int("count", len(recs)))
	}
	return len(recs), nil
}

// Wait blocks until every queued event has reached a terminal state or the
// dispatcher was shut down.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting events and waits for queued work. When ctx ends
// first, in-flight retries are abandoned; they stay recoverable in the log.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// enqueue appends rec to its lane. Records refused here stay in the event
// log as PENDING and are picked up by Recover.
func (d *Dispatcher) enqueue(rec events.Record, external bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil || (external && d.closed) {
		return ErrClosed
	}

	d.wg.Add(1)
	key := rec.Envelope.PartitionKey
	l, ok := d.lanes[key]
	if ok {
		l.queue = append(l.queue, rec)
		return nil
	}

	l = &lane{key: key, queue: []events.Record{rec}}
	d.lanes[key] = l
	go d.runLane(l)
	return nil
}

func (d *Dispatcher) runLane(l *lane) {
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, l.key)
			d.mu.Unlock()
			return
		}
		rec := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.process(rec)
		d.wg.Done()
	}
}
