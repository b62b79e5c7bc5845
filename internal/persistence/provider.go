// Package persistence wires the configured database into a read/write pool.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/config"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
)

// Provide opens the database selected by the configuration and returns the
// connection pool used by the store, plus a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		conn := sqlx.NewDb(raw, dialect.PGX)
		pool := db.NewPool(conn, conn)
		if log != nil {
			log.Info("Database initialized", zap.String("db_driver", "postgres"))
		}
		return pool, pool.Close, nil

	case "sqlite", "":
		dbPath := cfg.SQLitePath()

		writer, err := db.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(dbPath)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite read pool: %w", err)
		}

		pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		if log != nil {
			log.Info("Database initialized", zap.String("db_path", dbPath), zap.String("db_driver", "sqlite"))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats and is safe to call on every close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
