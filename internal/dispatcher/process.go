package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/utils"
)

// process drives one record through PENDING -> RETRYING -> DONE | DEAD | REJECTED.
func (d *Dispatcher) process(rec events.Record) {
	env := rec.Envelope
	log := logger.WithFields(d.logger, logger.EventFields(string(env.Type), env.IdempotencyKey, env.PartitionKey)...)

	h := d.handler(env.Type)
	if h == nil {
		rec.Attempts++
		d.finish(log, &rec, events.StatusRejected, fmt.Errorf("no handler for %s", env.Type))
		return
	}

	for {
		if d.ctx.Err() != nil {
			log.Warn("dispatcher stopped before event finished", zap.String("status", string(rec.Status)))
			return
		}

		rec.Attempts++
		err := d.attempt(h, env)
		if err != nil && d.ctx.Err() != nil {
			log.Warn("dispatcher stopped during attempt", zap.Int("attempt", rec.Attempts), zap.Error(err))
			return
		}

		switch {
		case err == nil:
			d.finish(log, &rec, events.StatusDone, nil)
			return
		case events.IsRejected(err):
			d.finish(log, &rec, events.StatusRejected, err)
			return
		case rec.Attempts >= d.cfg.MaxAttempts:
			d.finish(log, &rec, events.StatusDead, err)
			return
		}

		delay := utils.Backoff(rec.Attempts, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
		rec.Status = events.StatusRetrying
		rec.LastError = err.Error()
		rec.NextAttemptAt = d.now().Add(delay)
		d.save(log, rec)

		log.Warn("event failed, retrying",
			zap.Int("attempt", rec.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if err := d.wait(d.ctx, delay); err != nil {
			return
		}
	}
}

// attempt runs the handler once inside a worker slot with the handler timeout.
func (d *Dispatcher) attempt(h Handler, env events.Envelope) (err error) {
	select {
	case d.slots <- struct{}{}:
	case <-d.ctx.Done():
		return d.ctx.Err()
	}
	defer func() { <-d.slots }()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.Handle(ctx, env)
}

func (d *Dispatcher) finish(log *zap.Logger, rec *events.Record, status events.Status, err error) {
	rec.Status = status
	rec.NextAttemptAt = time.Time{}
	rec.LastError = ""
	if err != nil {
		rec.LastError = err.Error()
	}
	d.save(log, *rec)

	fields := []zap.Field{zap.Int("attempts", rec.Attempts)}
	switch status {
	case events.StatusDone:
		log.Info("event handled", fields...)
	case events.StatusRejected:
		log.Warn("event rejected", append(fields, zap.Error(err))...)
	case events.StatusDead:
		log.Error("event moved to dead letters", append(fields, zap.Error(err))...)
	}
}

func (d *Dispatcher) save(log *zap.Logger, rec events.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HandlerTimeout)
	defer cancel()

	if err := d.log.UpdateEvent(ctx, rec); err != nil {
		log.Error("failed to record event status",
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}
