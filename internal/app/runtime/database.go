// Package runtime holds process-level plumbing: database bootstrap and the
// HTTP listener lifecycle.
package runtime

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/threadline/platform/internal/app/storage/postgres"
	"github.com/threadline/platform/internal/config"
)

// OpenDatabase connects to postgres, applies pool settings and runs pending
// migrations when configured.
func OpenDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	if cfg.Migrate {
		if err := postgres.Migrate(db.DB); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return db, nil
}
