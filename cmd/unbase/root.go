package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/unbase/internal/config"
)

func newRootCommand() *cobra.Command {
	var dbFile, configPath string

	rc := &cobra.Command{
		Use:   "unbase",
		Short: "Interactive shell for an embedded unbase store",
		Long: `unbase is a small embeddable document store with live,
incrementally-maintained queries. This shell opens a store at --db and
drops into a REPL for creating indexes, writing records, running
queries, and watching live subscriptions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbFile != "" {
				cfg.DBFile = dbFile
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return runREPL(cfg, logger)
		},
	}
	rc.PersistentFlags().StringVar(&dbFile, "db", "", "bbolt file path (overrides config)")
	rc.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	return rc
}
