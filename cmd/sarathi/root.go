package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/sarathi/internal/config"
)

type globalFlags struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "sarathi",
		Short:         "Streaming voice assistant client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(g.envFile)
		},
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override SARATHI_LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		newChatCmd(&g),
		newVoiceCmd(&g),
		newDevServerCmd(&g),
		newPerfCmd(&g),
	)
	return root
}

// loadConfig reads the environment and installs the process logger.
func loadConfig(g *globalFlags) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	if lvl := strings.ToLower(strings.TrimSpace(g.logLevel)); lvl != "" {
		cfg.LogLevel = lvl
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// Logs go to stderr so stdout stays free for transcripts and raw PCM.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
