package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var migrations embed.FS

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner wraps database migration capabilities.
type Runner struct {
	db       *sql.DB
	driver   string
	provider *goose.Provider
	log      *slog.Logger
}

// New returns a migration runner backed by goose for the given driver.
func New(driver, dsn string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}

	var (
		sqlDriver string
		dialect   goose.Dialect
		dir       string
	)
	switch driver {
	case DriverPostgres:
		sqlDriver, dialect, dir = "pgx", goose.DialectPostgres, "sql/postgres"
	case DriverSQLite:
		sqlDriver, dialect, dir = "sqlite", goose.DialectSQLite3, "sql/sqlite"
	default:
		return Runner{}, fmt.Errorf("unsupported database driver %q", driver)
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return Runner{}, fmt.Errorf("open sql connection: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		db.Close()
		return Runner{}, fmt.Errorf("configure goose: %w", err)
	}

	return Runner{db: db, driver: driver, provider: provider, log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "driver", r.driver)
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, status := range statuses {
		r.log.Info("migration status",
			"version", status.Source.Version,
			"path", status.Source.Path,
			"state", string(status.State),
			"applied_at", status.AppliedAt,
		)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(runCtx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}

	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r Runner) Close() {
	r.db.Close()
}
