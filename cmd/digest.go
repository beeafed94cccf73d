package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/digest"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Daily digest operations",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the digest for one day and wait for the notifications it requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		date, _ := cmd.Flags().GetString("date")
		return runDigest(cmd.Context(), date)
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.AddCommand(digestRunCmd)

	digestRunCmd.Flags().String("date", "", "digest day as YYYY-MM-DD (default is today in digest.time-zone)")
}

func runDigest(ctx context.Context, date string) error {
	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	config.Schedule = false

	if date == "" {
		loc, err := time.LoadLocation(config.Digest.TimeZone)
		if err != nil {
			return fmt.Errorf("loading digest time zone: %w", err)
		}
		date = time.Now().In(loc).Format(digest.DateLayout)
	}

	p, s, err := buildPipeline(ctx, config, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	report, runErr := p.Digest.Run(ctx, date)
	p.Dispatcher.Wait()

	logger.Info("digest finished",
		zap.String("date", report.Date),
		zap.Int("users", report.Users),
		zap.Int("notified", report.Notified),
		zap.Int("empty", report.Empty),
		zap.Int("skipped", report.Skipped),
		zap.Int("deferred", report.Deferred),
	)

	if err := p.Stop(ctx); err != nil {
		return err
	}
	return runErr
}
