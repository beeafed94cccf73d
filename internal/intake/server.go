// Package intake is the HTTP front door: producers submit events and
// operators inspect and replay failed ones.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
)

const (
	defaultAddr      = ":8080"
	defaultBodyLimit = 1 << 20
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Config struct {
	Addr      string `mapstructure:"addr"`
	BodyLimit int    `mapstructure:"body-limit"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) error
	Replay(ctx context.Context, idempotencyKey string) error
}

type EventLog interface {
	ListEvents(ctx context.Context, statuses []events.Status, limit int) ([]events.Record, error)
}

type Server struct {
	cfg        Config
	app        *fiber.App
	dispatcher Dispatcher
	log        EventLog
	logger     *zap.Logger
}

func New(cfg Config, d Dispatcher, log EventLog, l *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		log:        log,
		logger:     logger.WithFields(l, zap.String("component", "intake")),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "matchflow",
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	s.app.Get("/healthz", s.health)
	s.app.Post("/v1/events", s.submit)
	s.app.Get("/v1/events", s.list)
	s.app.Post("/v1/events/replay", s.replay)

	return s
}

// App exposes the router, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	s.logger.Info("http intake listening", zap.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type submitReq struct {
	Type           events.Type     `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	PartitionKey   string          `json:"partitionKey,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt,omitempty"`
}

type replayReq struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) submit(c *fiber.Ctx) error {
	var req submitReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if !events.IsInbound(req.Type) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported event type"})
	}

	env := events.Envelope{
		Type:           req.Type,
		PartitionKey:   req.PartitionKey,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Payload:        req.Payload,
		OccurredAt:     req.OccurredAt,
	}.Normalize()

	err := s.dispatcher.Dispatch(c.UserContext(), env)
	switch {
	case errors.Is(err, dispatcher.ErrInvalidEnvelope):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, dispatcher.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shutting down"})
	case err != nil:
		s.logger.Error("dispatching event", append(logger.EventFields(string(env.Type), env.IdempotencyKey, env.PartitionKey), zap.Error(err))...)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "dispatch failed"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":             env.ID.String(),
		"idempotencyKey": env.IdempotencyKey,
		"status":         "accepted",
	})
}

func (s *Server) list(c *fiber.Ctx) error {
	var statuses []events.Status
	for _, raw := range strings.Split(c.Query("status"), ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		st, err := events.ParseStatus(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		statuses = append(statuses, st)
	}

	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	recs, err := s.log.ListEvents(c.UserContext(), statuses, limit)
	if err != nil {
		s.logger.Error("listing events", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "listing failed"})
	}
	if recs == nil {
		recs = []events.Record{}
	}

	return c.JSON(fiber.Map{"events": recs})
}

func (s *Server) replay(c *fiber.Ctx) error {
	var req replayReq
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.IdempotencyKey) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "idempotencyKey is required"})
	}

	err := s.dispatcher.Replay(c.UserContext(), req.IdempotencyKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event not found"})
	case errors.Is(err, dispatcher.ErrNotReplayable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, dispatcher.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shutting down"})
	case err != nil:
		s.logger.Error("replaying event", zap.String(logger.FieldIdempotencyKey, req.IdempotencyKey), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay failed"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"idempotencyKey": req.IdempotencyKey, "status": "replaying"})
}
