package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		resource.ID,
		resource.UUID,
		resource.TeamID,
		string(resource.Kind),
		resource.Name,
		emptyToNil(resource.ServerID),
		formatTime(resource.CreatedAt),
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetResourceByUUID fetches a resource owned by the team.
func (r *Repository) GetResourceByUUID(ctx context.Context, teamID, resourceUUID string) (*domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE uuid = ? AND team_id = ?`
	return r.getResource(ctx, query, resourceUUID, teamID)
}

// FindResourceByUUID fetches a resource regardless of team.
func (r *Repository) FindResourceByUUID(ctx context.Context, resourceUUID string) (*domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE uuid = ?`
	return r.getResource(ctx, query, resourceUUID)
}

func (r *Repository) getResource(ctx context.Context, query string, args ...any) (*domain.Resource, error) {
	resource, err := scanResource(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return resource, nil
}

// ListResourcesByTag returns resources of a team carrying the tag.
func (r *Repository) ListResourcesByTag(ctx context.Context, teamID, tag string) ([]domain.Resource, error) {
	var tagID string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE team_id = ? AND name = ?`, teamID, tag).Scan(&tagID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE team_id = ? AND id IN (SELECT resource_id FROM resource_tags WHERE tag_id = ?)
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, teamID, tagID)
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM resources WHERE id = ? AND team_id = ?)`, resourceID, tag.TeamID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}

	const upsertTag = `INSERT INTO tags (id, team_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (team_id, name) DO UPDATE SET name = excluded.name
		RETURNING id`
	if err := tx.QueryRowContext(ctx, upsertTag, tag.ID, tag.TeamID, tag.Name, formatTime(time.Now())).Scan(&tag.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO resource_tags (tag_id, resource_id) VALUES (?, ?)`, tag.ID, resourceID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanResource(row rowScanner) (*domain.Resource, error) {
	var (
		resource      domain.Resource
		kind, created string
	)
	if err := row.Scan(&resource.ID, &resource.UUID, &resource.TeamID, &kind, &resource.Name, &resource.ServerID, &created); err != nil {
		return nil, err
	}
	resource.Kind = domain.ResourceKind(kind)
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	resource.CreatedAt = createdAt
	return &resource, nil
}
