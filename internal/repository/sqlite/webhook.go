package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// UpsertWebhookSecret stores the encrypted secret of a resource.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, hook *domain.ResourceWebhook) error {
	if hook == nil || hook.ResourceID == "" || len(hook.Secret) == 0 {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO resource_webhooks (resource_id, secret, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query, hook.ResourceID, hook.Secret, formatTime(hook.UpdatedAt))
	return err
}

// GetWebhookSecret returns the encrypted secret of a resource.
func (r *Repository) GetWebhookSecret(ctx context.Context, resourceID string) (*domain.ResourceWebhook, error) {
	const query = `SELECT resource_id, secret, updated_at FROM resource_webhooks WHERE resource_id = ?`
	var (
		hook    domain.ResourceWebhook
		updated string
	)
	if err := r.db.QueryRowContext(ctx, query, resourceID).Scan(&hook.ResourceID, &hook.Secret, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	hook.UpdatedAt = updatedAt
	return &hook, nil
}
