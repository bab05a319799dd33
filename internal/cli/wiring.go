package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mtiwari1/pixelledger/internal/config"
	"github.com/mtiwari1/pixelledger/internal/registry"
	"github.com/mtiwari1/pixelledger/internal/repository"
)

// openRegistry builds the configured registry client. The returned close
// function is never nil.
func openRegistry(ctx context.Context, cfg *config.Config) (registry.Client, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Registry.Backend {
	case config.BackendMemory:
		return registry.NewMemory(), noop, nil

	case config.BackendSQLite:
		if err := ensureParent(cfg.Registry.Path); err != nil {
			return nil, noop, err
		}
		lg, err := registry.OpenSQLite(cfg.Registry.Path)
		if err != nil {
			return nil, noop, err
		}
		return lg, lg.Close, nil

	case config.BackendGRPC:
		remote, err := registry.DialRemote(ctx, cfg.Registry.Addr, cfg.Registry.CallTimeout)
		if err != nil {
			return nil, noop, err
		}
		return remote, remote.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
}

// openMetadata opens, tunes, pings and migrates the metadata database.
func openMetadata(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Metadata.Driver == repository.DriverSQLite {
		if err := ensureParent(cfg.Metadata.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Metadata.Driver, cfg.Metadata.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Connection pool tuning.
	db.SetConnMaxLifetime(5 * time.Minute)
	if cfg.Metadata.Driver == repository.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db, cfg.Metadata.Driver); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}
