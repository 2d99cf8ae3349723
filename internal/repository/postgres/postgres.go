package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/saturn/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.QueueRepository    = (*Repository)(nil)
	_ repository.ResourceRepository = (*Repository)(nil)
	_ repository.TokenRepository    = (*Repository)(nil)
	_ repository.WebhookRepository  = (*Repository)(nil)
	_ repository.Store              = (*Repository)(nil)
)

// Ping checks the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
