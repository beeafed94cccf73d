package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/ai/gemini"
	"github.com/spigell/matchflow/internal/ai/local"
	"github.com/spigell/matchflow/internal/artifacts"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/pipeline"
	"github.com/spigell/matchflow/internal/secrets"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/store/memstore"
	"github.com/spigell/matchflow/internal/store/pgstore"
)

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
)

// setup loads the config and builds the logger every command starts with.
func setup() (*Config, *zap.Logger, error) {
	l, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating a logger: %w", err)
	}

	config, err := getConfig()
	if err != nil {
		return nil, l, fmt.Errorf("getting a config: %w", err)
	}
	if config == nil {
		return nil, l, fmt.Errorf("config is required")
	}

	return config, l, nil
}

func openStore(ctx context.Context, cfg DatabaseConfig, l *zap.Logger) (store.Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", driverMemory:
		l.Warn("using the in-memory store, state is lost on exit")
		return memstore.New(), nil
	case driverPostgres:
		db, err := connectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func connectPostgres(ctx context.Context, cfg DatabaseConfig) (*pgstore.DB, error) {
	url, err := secrets.Load(secrets.Source{
		Name:  "database url",
		Value: cfg.URL,
		File:  cfg.URLFile,
		Env:   "DATABASE_URL",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set database.url-file or DATABASE_URL)", err)
	}

	return pgstore.Connect(ctx, url, cfg.QueryTimeout)
}

func newSummarizer(ctx context.Context, cfg AIConfig, l *zap.Logger) (ai.Summarizer, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	switch provider {
	case "", "local":
		return local.New(), nil
	case "gemini":
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	if cfg.Gemini == nil {
		return nil, fmt.Errorf("gemini configuration is required when ai.provider is gemini")
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.Gemini.APIKey,
		File:  cfg.Gemini.APIKeyFile,
		Env:   "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY)", err)
	}

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, l)
	if err != nil {
		return nil, err
	}

	return gemini.NewSummarizer(generator, logger.WithCommonFields(l, "gemini", generator.Model()), cfg.Gemini.MaxLogLength)
}

// buildPipeline opens the store and wires every consumer. The caller owns
// both and must stop the pipeline before closing the store.
func buildPipeline(ctx context.Context, config *Config, l *zap.Logger) (*pipeline.Pipeline, store.Store, error) {
	s, err := openStore(ctx, config.Database, l)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	summarizer, err := newSummarizer(ctx, config.AI, l)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("building summarizer: %w", err)
	}

	p, err := pipeline.New(config.Config, pipeline.Deps{
		Store:      s,
		Artifacts:  artifacts.NewFS(config.Artifacts.Root, config.Artifacts.MaxBytes),
		Summarizer: summarizer,
		Logger:     l,
	})
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	return p, s, nil
}

func eventFields(env events.Envelope) []zap.Field {
	return logger.EventFields(string(env.Type), env.IdempotencyKey, env.PartitionKey)
}
