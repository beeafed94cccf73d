package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/intake"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept events over HTTP and run the pipeline until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting matchflow", zap.String("version", version), zap.String("store", config.Database.Driver))

	p, s, err := buildPipeline(ctx, config, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	server := intake.New(config.HTTP, p.Dispatcher, s, logger)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- server.Listen()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "signal received"))
	case err = <-listenErr:
		logger.Error("http intake stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("stopping http intake", zap.Error(serr))
	}
	if perr := p.Stop(shutdownCtx); perr != nil {
		logger.Warn("stopping pipeline", zap.Error(perr))
	}

	return err
}
