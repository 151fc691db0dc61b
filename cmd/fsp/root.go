package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/config"
	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config    string
	db        string
	logLevel  string
	logFormat string
}

// cfg is the effective configuration of the running command: defaults,
// then the config file, then explicitly set flags.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "fsp",
	Short: "Fault-space pruning for fault-injection campaigns",
	Long: `fsp partitions the fault space of a traced program run into equivalence
classes and selects weighted pilot injections that stand for them.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.config, "config", "", "Config file (YAML or JSON)")
	f.StringVar(&rootFlags.db, "db", store.DefaultDBPath, "Store DB path")
	f.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(variantsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.Version = version
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(rootFlags.logLevel)
	if err != nil {
		return err
	}
	logging.Init(level, rootFlags.logFormat, cmd.ErrOrStderr())

	cfg = config.Default()
	if rootFlags.config != "" {
		if cfg, err = config.LoadFromPath(rootFlags.config); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.Path = rootFlags.db
	}
	return nil
}

func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Path, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
