package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creatorevolve/pkg/logger"

	_ "github.com/lib/pq"
)

const (
	pingAttempts = 5
	pingInterval = 2 * time.Second
)

// Connect opens the Postgres pool and pings it, retrying a few times to ride
// out DNS or network blips during startup.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db, nil
		}
		logger.Sugar.Infof("Database connection failed, retrying in %s... (%v)", pingInterval, err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(pingInterval):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", pingAttempts, err)
}

// Migrate creates the tables the service owns. auth.users is provided by the
// identity provider.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS researches (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			document TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS collaborators (
			research_id TEXT NOT NULL REFERENCES researches(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (research_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_researches_owner ON researches(owner_id)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, s)
		}
	}
	return nil
}
