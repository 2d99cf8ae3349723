package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// CreateToken persists an api token row.
func (r *Repository) CreateToken(ctx context.Context, token *domain.APIToken) error {
	if token == nil || token.ID == "" || token.TeamID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO api_tokens (id, team_id, name, abilities, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, token.ID, token.TeamID, token.Name, strings.Join(token.Abilities, ","), formatTime(token.CreatedAt))
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetToken fetches a token row by id.
func (r *Repository) GetToken(ctx context.Context, tokenID string) (*domain.APIToken, error) {
	const query = `SELECT id, team_id, name, abilities, created_at, revoked_at FROM api_tokens WHERE id = ?`
	var (
		token              domain.APIToken
		abilities, created string
		revoked            sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(&token.ID, &token.TeamID, &token.Name, &abilities, &created, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if abilities != "" {
		token.Abilities = strings.Split(abilities, ",")
	}
	if token.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if token.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, err
	}
	return &token, nil
}

// RevokeToken stamps revoked_at on a team's token.
func (r *Repository) RevokeToken(ctx context.Context, teamID, tokenID string, at time.Time) error {
	const query = `UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND team_id = ?`
	ok, err := r.execOne(ctx, query, nullTime(&at), tokenID, teamID)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}
