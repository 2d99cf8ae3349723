// Package store opens the configured queue store and brings its schema up to date.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/saturn/internal/app/migrate"
	"github.com/splax/saturn/internal/repository"
	"github.com/splax/saturn/internal/repository/postgres"
	"github.com/splax/saturn/internal/repository/sqlite"
)

// DSN normalizes a database URL for driver. Bare SQLite paths get the store's pragmas.
func DSN(driver, url string) string {
	if driver == migrate.DriverSQLite && !strings.HasPrefix(url, "file:") {
		return sqlite.DSN(url)
	}
	return url
}

// Open migrates the database and returns a store for driver.
func Open(ctx context.Context, driver, url string, log *slog.Logger) (repository.Store, error) {
	dsn := DSN(driver, url)
	runner, err := migrate.New(driver, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	switch driver {
	case migrate.DriverPostgres:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	case migrate.DriverSQLite:
		repo, err := sqlite.Open(dsn)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
