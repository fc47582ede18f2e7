package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-bot/internal/config"
	"github.com/tbourn/go-event-bot/internal/repo"
	"github.com/tbourn/go-event-bot/internal/sysutil"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		lg := sysutil.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
		if err := migrate(cfg); err != nil {
			return err
		}
		lg.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
		return nil
	},
}

func migrate(cfg config.Config) error {
	db, err := repo.Open(repo.Options{Driver: cfg.DB.Driver, Path: cfg.DB.Path, DSN: cfg.DB.DSN})
	if err != nil {
		return err
	}
	defer repo.Close(db)
	return repo.AutoMigrate(db)
}
