// Package cmd holds the replydesk command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "replydesk",
		Short:         "Chat front end that answers customers from a knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(resolveLogFormat(), verbose)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $REPLYDESK_CONFIG or "+config.DefaultConfigPath+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(gatewayCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(kbCmd())
	root.AddCommand(silenceCmd())
	root.AddCommand(cronCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("replydesk", Version)
		},
	})
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the flag, then $REPLYDESK_CONFIG, then the default.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("REPLYDESK_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfigPath
}

// loadConfig loads the resolved config file.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveLogFormat peeks at the config for log_format without failing the
// command when the file is broken; the command itself reports that.
func resolveLogFormat() string {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "text"
	}
	return cfg.LogFormat
}

func setupLogging(format string, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
