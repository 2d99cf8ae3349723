package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// CreateToken persists an api token row.
func (r *Repository) CreateToken(ctx context.Context, token *domain.APIToken) error {
	if token == nil || token.ID == "" || token.TeamID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO api_tokens (id, team_id, name, abilities, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, token.ID, token.TeamID, token.Name, token.Abilities, token.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetToken fetches a token row by id.
func (r *Repository) GetToken(ctx context.Context, tokenID string) (*domain.APIToken, error) {
	const query = `SELECT id, team_id, name, abilities, created_at, revoked_at FROM api_tokens WHERE id = $1`
	var token domain.APIToken
	err := r.pool.QueryRow(ctx, query, tokenID).Scan(&token.ID, &token.TeamID, &token.Name, &token.Abilities, &token.CreatedAt, &token.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// RevokeToken stamps revoked_at on a team's token.
func (r *Repository) RevokeToken(ctx context.Context, teamID, tokenID string, at time.Time) error {
	const query = `UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, $3) WHERE id = $1 AND team_id = $2`
	tag, err := r.pool.Exec(ctx, query, tokenID, teamID, timePtrToNil(&at))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
