// Package tests holds the DATABASE_URL-gated integration suite that runs the
// full HTTP stack against a real PostgreSQL.
package tests

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/signalix/keyserver/internal/db"
)

// RunMigrations applies the embedded migrations to the test database.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if err := db.Migrate(ctx, database); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// TruncateTables empties every table for a clean test state.
func TruncateTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx,
		"TRUNCATE TABLE messages, one_time_prekeys, devices, verification_codes, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
