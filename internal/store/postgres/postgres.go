// Package postgres opens a PostgreSQL-backed node store, for deployments
// that keep the mirror in a shared database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fruitsalade/drivesync/internal/store/sqlstore"
)

// Open connects to databaseURL and prepares the node store schema.
func Open(ctx context.Context, databaseURL string, opts sqlstore.Options) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := sqlstore.New(ctx, db, sqlstore.Postgres, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
