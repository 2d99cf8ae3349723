package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// UpsertWebhookSecret stores the encrypted secret of a resource.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, hook *domain.ResourceWebhook) error {
	if hook == nil || hook.ResourceID == "" || len(hook.Secret) == 0 {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO resource_webhooks (resource_id, secret, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, hook.ResourceID, hook.Secret, hook.UpdatedAt.UTC())
	return err
}

// GetWebhookSecret returns the encrypted secret of a resource.
func (r *Repository) GetWebhookSecret(ctx context.Context, resourceID string) (*domain.ResourceWebhook, error) {
	const query = `SELECT resource_id, secret, updated_at FROM resource_webhooks WHERE resource_id = $1`
	var hook domain.ResourceWebhook
	if err := r.pool.QueryRow(ctx, query, resourceID).Scan(&hook.ResourceID, &hook.Secret, &hook.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &hook, nil
}
