package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/spigell/matchflow/internal/store"
)

var scoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Inspect match scores",
}

var scoresListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's match scores, best first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		config, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		s, err := openStore(cmd.Context(), config.Database, logger)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer s.Close()

		return printScores(cmd.Context(), s, cmd.OutOrStdout(), args[0], limit)
	},
}

func init() {
	rootCmd.AddCommand(scoresCmd)
	scoresCmd.AddCommand(scoresListCmd)

	scoresListCmd.Flags().Int("limit", 20, "maximum number of scores to show, 0 for no limit")
}

type scoreLister interface {
	ListMatchScores(ctx context.Context, userID string) ([]store.MatchScore, error)
}

func printScores(ctx context.Context, s scoreLister, out io.Writer, userID string, limit int) error {
	scores, err := s.ListMatchScores(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing scores: %w", err)
	}
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(scores)
}
