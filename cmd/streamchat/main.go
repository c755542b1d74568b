// Package main provides the streamchat command line client.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/streamchat/internal/cache"
	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/logger"
)

// app holds what every subcommand shares. It is filled in by the root command's PersistentPreRunE.
type app struct {
	cfg    clientConfig
	logger *slog.Logger
	client *client.Client

	cache *cache.Cache
}

// modelCache opens the local cache on first use, so commands that never touch it do not take the file lock.
func (a *app) modelCache() (*cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.CachePath), 0o755); err != nil {
		return nil, fmt.Errorf("error creating cache directory: %w", err)
	}
	c, err := cache.Open(a.cfg.CachePath, a.cfg.ModelCacheTTL)
	if err != nil {
		return nil, err
	}
	a.cache = c
	return c, nil
}

func (a *app) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close cache", slog.String(errLoggerKey, err.Error()))
		}
	}
}

const errLoggerKey = "error"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	a := &app{}

	var (
		cfgPath   string
		server    string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "streamchat",
		Short: "Streaming chat client",
		Long: `streamchat talks to a streamchat server and renders replies as they stream.

Examples:
  streamchat send "What is 2+2?"          # Start a new chat
  streamchat send --chat <id> "And 3+3?"  # Continue a chat
  streamchat chats                        # List chats
  streamchat show <id>                    # Print a transcript
  streamchat export <id> -f html -o c.html
  streamchat tui                          # Interactive client`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfgDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("error getting user config directory: %w", err)
			}
			cfgDir = filepath.Join(cfgDir, "streamchat")
			if cfgPath == "" {
				cfgPath = os.Getenv("STREAMCHAT_CONFIG")
			}
			if cfgPath == "" {
				cfgPath = filepath.Join(cfgDir, "client.yaml")
			}

			cfg, err := loadClientConfig(cfgPath, cfgDir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Server = server
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if cfg.Log.Level == "" {
				// Keep the terminal quiet unless asked.
				cfg.Log.Level = "warn"
			}

			l, err := logger.New(os.Stderr, cfg.Log)
			if err != nil {
				return err
			}

			a.cfg = cfg
			a.logger = l
			a.client = client.New(cfg.Server, nil, l)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default $STREAMCHAT_CONFIG or <config dir>/streamchat/client.yaml)")
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Server base URL")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddGroup(
		&cobra.Group{ID: "chat", Title: "Chat:"},
		&cobra.Group{ID: "history", Title: "History:"},
	)

	for _, c := range []*cobra.Command{sendCmd(a), tuiCmd(a), modelsCmd(a)} {
		c.GroupID = "chat"
		cmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{chatsCmd(a), showCmd(a), exportCmd(a)} {
		c.GroupID = "history"
		cmd.AddCommand(c)
	}

	return cmd
}
