package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/events"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <file|->",
	Short: "Dispatch one envelope or a JSON array of envelopes and wait until they settle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd.Context(), cmd.InOrStdin(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func dispatch(ctx context.Context, stdin io.Reader, source string) error {
	config, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	config.Schedule = false

	data, err := readSource(stdin, source)
	if err != nil {
		return err
	}

	envs, err := decodeEnvelopes(data)
	if err != nil {
		return err
	}

	p, s, err := buildPipeline(ctx, config, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	for _, env := range envs {
		if !events.IsInbound(env.Type) {
			logger.Warn("skipping internal event type", zap.String("type", string(env.Type)))
			continue
		}
		if err := p.Dispatcher.Dispatch(ctx, env); err != nil {
			logger.Error("dispatching event", append(eventFields(env), zap.Error(err))...)
			continue
		}
		logger.Info("event dispatched", eventFields(env)...)
	}

	p.Dispatcher.Wait()
	return p.Stop(ctx)
}

func readSource(stdin io.Reader, source string) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	return data, nil
}

// decodeEnvelopes accepts a single envelope object or an array of them.
func decodeEnvelopes(data []byte) ([]events.Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no envelopes given")
	}

	var envs []events.Envelope
	if data[0] == '[' {
		if err := json.Unmarshal(data, &envs); err != nil {
			return nil, fmt.Errorf("decoding envelopes: %w", err)
		}
	} else {
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
		envs = append(envs, env)
	}

	for i := range envs {
		envs[i] = envs[i].Normalize()
	}
	return envs, nil
}
