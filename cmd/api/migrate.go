package main

import (
	"context"
	"fmt"

	"github.com/signalix/keyserver/internal/config"
	"github.com/signalix/keyserver/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return runMigrations(cmd.Context(), cfg.DatabaseURL, reset, log)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "roll back every migration before applying them again")
	return cmd
}

// runMigrations applies the embedded goose migrations over a lib/pq connection.
// With reset set the schema is dropped first.
func runMigrations(ctx context.Context, databaseURL string, reset bool, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	database, err := db.Open(ctx, databaseURL, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if reset {
		if err := db.Reset(ctx, database); err != nil {
			return err
		}
		log.Warn("migrations reset")
	}
	if err := db.Migrate(ctx, database); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}
