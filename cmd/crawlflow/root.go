package main

import (
	"os"

	"github.com/spf13/cobra"

	"crawlflow/internal/app"
	"crawlflow/internal/config"
	"crawlflow/internal/logging"
	"crawlflow/internal/queue"
	"crawlflow/internal/sqlitedb"
	"crawlflow/internal/store"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "crawlflow",
		Short:         "Crawl job scheduler with recurring re-crawls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(&cfgFile), newMigrateCmd(&cfgFile))
	return cmd
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty, os.Stdout)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.ListenAndRun(cmd.Context())
		},
	}
}

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job and target tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			db, err := sqlitedb.Open(cfg.DB.Path, cfg.DB.BusyTimeout)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := queue.EnsureSchema(db); err != nil {
				return err
			}
			if err := store.EnsureSchema(db); err != nil {
				return err
			}
			cmd.Printf("schema ready in %s\n", cfg.DB.Path)
			return nil
		},
	}
}
