package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

const resourceColumns = `id, uuid, team_id, kind, name, COALESCE(server_id, ''), created_at`

// CreateResource registers a deployable resource.
func (r *Repository) CreateResource(ctx context.Context, resource *domain.Resource) error {
	if resource == nil || resource.ID == "" || resource.UUID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO resources (id, uuid, team_id, kind, name, server_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		resource.ID,
		resource.UUID,
		resource.TeamID,
		string(resource.Kind),
		resource.Name,
		emptyToNil(resource.ServerID),
		resource.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetResourceByUUID fetches a resource owned by the team.
func (r *Repository) GetResourceByUUID(ctx context.Context, teamID, resourceUUID string) (*domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE uuid = $1 AND team_id = $2`
	return r.getResource(ctx, query, resourceUUID, teamID)
}

// FindResourceByUUID fetches a resource regardless of team.
func (r *Repository) FindResourceByUUID(ctx context.Context, resourceUUID string) (*domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE uuid = $1`
	return r.getResource(ctx, query, resourceUUID)
}

func (r *Repository) getResource(ctx context.Context, query string, args ...any) (*domain.Resource, error) {
	resource, err := scanResource(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return resource, nil
}

// ListResourcesByTag returns resources of a team carrying the tag.
func (r *Repository) ListResourcesByTag(ctx context.Context, teamID, tag string) ([]domain.Resource, error) {
	var tagID string
	err := r.pool.QueryRow(ctx, `SELECT id FROM tags WHERE team_id = $1 AND name = $2`, teamID, tag).Scan(&tagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE team_id = $1 AND id IN (SELECT resource_id FROM resource_tags WHERE tag_id = $2)
		ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, teamID, tagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resources := make([]domain.Resource, 0)
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *resource)
	}
	return resources, rows.Err()
}

// AttachTag creates the tag when missing and links it to the resource.
func (r *Repository) AttachTag(ctx context.Context, tag *domain.Tag, resourceID string) error {
	if tag == nil || tag.ID == "" || tag.Name == "" {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const upsertTag = `INSERT INTO tags (id, team_id, name, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	if err := tx.QueryRow(ctx, upsertTag, tag.ID, tag.TeamID, tag.Name, time.Now().UTC()).Scan(&tag.ID); err != nil {
		return err
	}
	const link = `INSERT INTO resource_tags (tag_id, resource_id)
		SELECT $1, id FROM resources WHERE id = $2 AND team_id = $3
		ON CONFLICT DO NOTHING`
	cmd, err := tx.Exec(ctx, link, tag.ID, resourceID, tag.TeamID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM resources WHERE id = $1 AND team_id = $2)`, resourceID, tag.TeamID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
	}
	return tx.Commit(ctx)
}

func scanResource(row pgx.Row) (*domain.Resource, error) {
	var (
		resource domain.Resource
		kind     string
	)
	if err := row.Scan(&resource.ID, &resource.UUID, &resource.TeamID, &kind, &resource.Name, &resource.ServerID, &resource.CreatedAt); err != nil {
		return nil, err
	}
	resource.Kind = domain.ResourceKind(kind)
	return &resource, nil
}
