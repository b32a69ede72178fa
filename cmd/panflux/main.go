package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/panflux/sdk-go/internal/config"
	"github.com/panflux/sdk-go/internal/logging"
	"github.com/panflux/sdk-go/internal/session"
	"github.com/panflux/sdk-go/panflux"
)

var Version = "dev"

// Exit codes for CLI commands.
const (
	ExitCodeError        = 1
	ExitCodeAuthRequired = 2
	ExitCodeAuthFailed   = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to a code scripts can branch on.
func exitCode(err error) int {
	var (
		expired  *panflux.TokenExpiredError
		cfgErr   *panflux.ConfigError
		callback *panflux.OAuthCallbackError
		mismatch *panflux.StateMismatchError
		server   *panflux.AuthServerError
	)

	switch {
	case errors.As(err, &expired), errors.As(err, &cfgErr):
		return ExitCodeAuthRequired
	case errors.As(err, &callback), errors.As(err, &mismatch), errors.As(err, &server):
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "panflux",
		Short: "Talk to the Panflux GraphQL API from the terminal",
		Long: `panflux logs in to Panflux, keeps the issued token in ~/.panflux and runs
GraphQL queries and subscriptions with it.

Public clients log in through the system browser with PKCE. Setting
PANFLUX_CLIENT_SECRET switches to the client credentials grant.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if configFile != "" {
				return os.Setenv("PANFLUX_CONFIG_FILE", configFile)
			}

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides PANFLUX_CONFIG_FILE)")

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newTokenCmd(),
		newQueryCmd(),
		newSubscribeCmd(),
	)

	return root
}

// withSession loads the config and runs fn against an open session.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("panflux starting",
		slog.String("version", Version),
		slog.String("client_id", cfg.ClientID),
		slog.Bool("confidential", cfg.Confidential()),
	)

	s, err := session.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(cmd.Context(), s)
}
