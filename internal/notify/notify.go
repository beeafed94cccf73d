// Package notify hands digest notification requests to the delivery system.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
)

// Request is one user's digest for one day.
type Request struct {
	UserID         string
	Date           string
	JobIDs         []string
	IdempotencyKey string
}

// Sink delivers requests. Deliveries carry the event's idempotency key so a
// sink can drop repeats.
type Sink interface {
	Deliver(ctx context.Context, req Request) error
}

// LogSink writes requests to the log. It stands in for a real delivery system.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{logger: logger.WithFields(l, zap.String("component", "notify"))}
}

func (s *LogSink) Deliver(_ context.Context, req Request) error {
	logger.ForUser(s.logger, req.UserID).Info("notification requested",
		zap.String("date", req.Date),
		zap.Strings("job_ids", req.JobIDs),
		zap.String(logger.FieldIdempotencyKey, req.IdempotencyKey),
	)
	return nil
}

type Handler struct {
	sink Sink
}

func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) Register(reg interface {
	Register(t events.Type, h dispatcher.Handler)
}) {
	reg.Register(events.NotificationRequested, dispatcher.HandlerFunc(h.Handle))
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	var p events.NotificationRequestedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}

	err := h.sink.Deliver(ctx, Request{
		UserID:         p.UserID,
		Date:           p.Date,
		JobIDs:         p.JobIDs,
		IdempotencyKey: env.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	return nil
}
