// Package main is the entry point for zylosctl, the queue CLI (spec.md §6).
// Each invocation opens the store, performs one operation, and exits —
// mirroring the teacher's ephemeral seed binary rather than its long-lived
// agent/server processes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/logging"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cliConfig holds the persistent flags shared by every subcommand.
type cliConfig struct {
	installRoot string
	dbDriver    string
	dbDSN       string
	logLevel    string
	jsonOutput  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "zylosctl",
		Short: "zylosctl — queue CLI for the zylos supervisor",
		Long: `zylosctl is the stable wire contract for talking to the zylos supervisor's
queue store: enqueue conversations, enqueue and acknowledge control items,
manage checkpoints, and fetch conversation history.`,
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.installRoot, "install-root", envOrDefault("ZYLOS_INSTALL_ROOT", config.Default().InstallRoot), "zylos install root directory")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ZYLOS_DB_DRIVER", "sqlite"), "Queue store database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ZYLOS_DB_DSN", ""), "Queue store DSN (defaults to <install-root>/conversations.db for sqlite)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ZYLOS_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.jsonOutput, "json", false, "Emit {ok,...} / {ok:false,error:{code,message}} JSON envelopes")

	root.AddCommand(newReceiveCmd(cfg))
	root.AddCommand(newSendCmd(cfg))
	root.AddCommand(newControlCmd(cfg))
	root.AddCommand(newCheckpointCmd(cfg))
	root.AddCommand(newFetchCmd(cfg))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zylosctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// openStore builds a logger and opens the queue store for one CLI
// invocation. The caller must Close() the returned store.
func openStore(cfg *cliConfig) (*store.Store, *zap.Logger, error) {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	dsn := cfg.dbDSN
	if dsn == "" && cfg.dbDriver == "sqlite" {
		dsn = filepath.Join(cfg.installRoot, "conversations.db")
	}

	st, err := store.Open(store.Config{
		Driver: cfg.dbDriver,
		DSN:    dsn,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, logger, nil
}

func activityMonitorDir(cfg *cliConfig) string {
	return filepath.Join(cfg.installRoot, "activity-monitor")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
