package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/corpus/headhunter"
	"github.com/spigell/matchflow/internal/secrets"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Job corpus operations",
}

var corpusSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import vacancies from hh.ru into the job corpus",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return syncCorpus(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(corpusCmd)
	corpusCmd.AddCommand(corpusSyncCmd)
}

func syncCorpus(ctx context.Context) error {
	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	token, err := secrets.LoadOptional(secrets.Source{
		Name:  "hh token",
		Value: config.Corpus.Token,
		File:  config.Corpus.TokenFile,
		Env:   "HH_TOKEN",
	})
	if err != nil {
		return err
	}

	s, err := openStore(ctx, config.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	hh := headhunter.New(logger, token)
	if config.Corpus.UserAgent != "" {
		hh.UserAgent = config.Corpus.UserAgent
	}

	logger.Info("starting the search", zap.String("search", config.Corpus.Search.Text))

	report, err := hh.Sync(ctx, s, config.Corpus.Search)
	if err != nil {
		return fmt.Errorf("syncing corpus: %w", err)
	}

	fmt.Printf("fetched %d, upserted %d, removed %d, skipped %d\n", report.Fetched, report.Upserted, report.Removed, report.Skipped)
	return nil
}
