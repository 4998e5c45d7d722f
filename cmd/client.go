package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/client"
)

const cancelTimeout = 10 * time.Second

// addServerFlag registers --server on a client command.
func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "profilegen API base URL (overrides client.server)")
}

func newAPIClient(cmd *cobra.Command, config *Config, logger *zap.Logger) *client.Client {
	server := config.Client.Server
	if flag := cmd.Flags().Lookup("server"); flag != nil && flag.Changed {
		server = flag.Value.String()
	}
	return client.New(server, logger)
}

func newPoller[T any](config *Config, logger *zap.Logger) client.Poller[T] {
	return client.Poller[T]{
		Interval:    config.Client.PollInterval,
		MaxInterval: config.Client.PollMaxInterval,
		Logger:      logger,
	}
}

// interruptible returns a context cancelled on SIGINT/SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(pretty))
	return err
}

func clientSetup(cmd *cobra.Command) (*Config, *zap.Logger, *client.Client, error) {
	logger := newLogger()

	config, err := getConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("getting a config: %w", err)
	}

	c := newAPIClient(cmd, config, logger)
	logger.Debug("using server", zap.String("server", c.APIURL))

	return config, logger, c, nil
}
