package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tasktree/tasktree-sync/internal/auth"
	"github.com/tasktree/tasktree-sync/internal/config"
	"github.com/tasktree/tasktree-sync/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tasktree-sync",
		Short:         "Keep a local view of tasktree projects in sync with the backend",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (built-in defaults when empty)")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// loadConfig reads --config, or returns validated defaults.
func loadConfig(cmd *cobra.Command) (*config.SyncConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadCredentials returns the configured token. Without one the
// credentials are empty: requests go out unauthenticated and streams
// stay disconnected.
func loadCredentials(cfg config.APIConfig, logger *slog.Logger) (*auth.Credentials, error) {
	creds, err := auth.LoadCredentials(cfg.Token, cfg.TokenPath)
	if errors.Is(err, auth.ErrNoCredential) {
		logger.Warn("no api token configured, event streams will not connect")
		return &auth.Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}
