package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/spigell/matchflow/internal/events"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var errAborted = errors.New("aborted")

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and replay events in the event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events, optionally filtered by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return listEvents(cmd.Context(), cmd.OutOrStdout(), statuses, limit)
	},
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <idempotency-key>",
	Short: "Give a DEAD or REJECTED event a fresh set of attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return replayEvent(cmd.Context(), args[0], yes)
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsReplayCmd)

	eventsListCmd.Flags().StringSlice("status", nil, "statuses to show, e.g. DEAD,REJECTED (default is all)")
	eventsListCmd.Flags().Int("limit", 100, "maximum number of events to show, 0 for no limit")
	eventsReplayCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
}

func parseStatuses(raw []string) ([]events.Status, error) {
	var out []events.Status
	for _, r := range raw {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		s, err := events.ParseStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func listEvents(ctx context.Context, out io.Writer, rawStatuses []string, limit int) error {
	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	statuses, err := parseStatuses(rawStatuses)
	if err != nil {
		return err
	}

	s, err := openStore(ctx, config.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	recs, err := s.ListEvents(ctx, statuses, limit)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

func replayEvent(ctx context.Context, key string, yes bool) error {
	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	config.Schedule = false

	p, s, err := buildPipeline(ctx, config, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.GetEvent(ctx, key)
	if err != nil {
		return fmt.Errorf("loading event: %w", err)
	}

	if !yes {
		pretty, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Fprintln(os.Stderr, string(pretty))

		prompt := promptui.Select{
			Label: fmt.Sprintf("Replay %s?", key),
			Items: []string{PromptYes, PromptNo},
		}
		_, action, err := prompt.Run()
		if err != nil {
			return err
		}
		if action != PromptYes {
			return errAborted
		}
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	if err := p.Dispatcher.Replay(ctx, key); err != nil {
		_ = p.Stop(ctx)
		return fmt.Errorf("replaying %s: %w", key, err)
	}

	p.Dispatcher.Wait()
	if err := p.Stop(ctx); err != nil {
		return err
	}

	rec, err = s.GetEvent(ctx, key)
	if err != nil {
		return fmt.Errorf("loading event: %w", err)
	}
	fmt.Printf("%s is %s\n", key, rec.Status)
	return nil
}
