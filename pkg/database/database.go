package database

import (
	"context"
	"database/sql"
	"fmt"

	"proxy-pool/pkg/models"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type DB struct {
	*bun.DB
}

// NewDB opens the pool database at the configured path.
func NewDB() (*DB, error) {
	return Open(viper.GetString("database.path"))
}

// Open opens (or creates) the SQLite database at path. The returned
// handle holds a single underlying connection so that concurrent
// writers from a validation batch are serialized at the driver level.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, fmt.Sprintf("file:%s?cache=shared", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %v", pragma, err)
		}
	}

	return &DB{db}, nil
}

// InitSchema creates the necessary tables and indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range []interface{}{
		(*models.Proxy)(nil),
		(*models.ListVersion)(nil),
	} {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)

		if err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS proxies_working_idx ON proxies (working)",
		"CREATE INDEX IF NOT EXISTS proxies_best_latency_idx ON proxies (best_latency) WHERE working = 1",
		"CREATE INDEX IF NOT EXISTS proxies_failed_count_idx ON proxies (failed_count)",
	} {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}
