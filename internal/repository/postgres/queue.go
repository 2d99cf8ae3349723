package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

const entryColumns = `id, deployment_uuid, resource_id, resource_uuid, resource_kind, server_id, team_id,
	status, force_rebuild, pull_request_id, commit_sha, logs, dispatch_token, dispatched_at,
	stop_requested, stop_signalled_at, created_at, updated_at, started_at, finished_at`

const claimQuery = `WITH candidate AS (
		SELECT q.id
		FROM deployment_queue q
		WHERE q.resource_id = $1
			AND q.pull_request_id = $2
			AND q.status = 'queued'
			AND NOT EXISTS (
				SELECT 1 FROM deployment_queue r
				WHERE r.resource_id = $1 AND r.pull_request_id = $2 AND r.status = 'in_progress'
			)
			AND ($5::int = 0 OR (
				SELECT COUNT(1) FROM deployment_queue s
				WHERE s.server_id = q.server_id AND s.status = 'in_progress'
			) < $5::int)
		ORDER BY q.created_at, q.id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE deployment_queue d
	SET status = 'in_progress', dispatch_token = $3, dispatched_at = NULL, started_at = $4, updated_at = $4
	FROM candidate
	WHERE d.id = candidate.id AND d.status = 'queued'
	RETURNING ` + `d.id, d.deployment_uuid, d.resource_id, d.resource_uuid, d.resource_kind, d.server_id, d.team_id,
	d.status, d.force_rebuild, d.pull_request_id, d.commit_sha, d.logs, d.dispatch_token, d.dispatched_at,
	d.stop_requested, d.stop_signalled_at, d.created_at, d.updated_at, d.started_at, d.finished_at`

// CreateEntry inserts a queued entry.
func (r *Repository) CreateEntry(ctx context.Context, entry *domain.QueueEntry) error {
	if entry == nil || entry.DeploymentUUID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO deployment_queue (
		deployment_uuid, resource_id, resource_uuid, resource_kind, server_id, team_id,
		status, force_rebuild, pull_request_id, commit_sha, logs, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, $9, $10, $11, $11)
	RETURNING id`
	entry.Status = domain.StatusQueued
	entry.UpdatedAt = entry.CreatedAt
	err := r.pool.QueryRow(ctx, query,
		entry.DeploymentUUID,
		entry.ResourceID,
		entry.ResourceUUID,
		string(entry.ResourceKind),
		entry.ServerID,
		entry.TeamID,
		entry.ForceRebuild,
		entry.PullRequestID,
		entry.CommitSHA,
		entry.Logs,
		entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetEntryByUUID fetches an entry by deployment uuid.
func (r *Repository) GetEntryByUUID(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue WHERE deployment_uuid = $1`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, deploymentUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// ListActiveEntries returns queued and in-progress entries of a team.
func (r *Repository) ListActiveEntries(ctx context.Context, teamID string) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE team_id = $1 AND status IN ('queued', 'in_progress')
		ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListEntriesByResource pages through a resource's history, newest first.
func (r *Repository) ListEntriesByResource(ctx context.Context, resourceID string, skip, take int) ([]domain.QueueEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM deployment_queue WHERE resource_id = $1`, resourceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE resource_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, resourceID, take, skip)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// HasInProgress reports whether the lane has a running entry.
func (r *Repository) HasInProgress(ctx context.Context, lane domain.Lane) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM deployment_queue
		WHERE resource_id = $1 AND pull_request_id = $2 AND status = 'in_progress'
	)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, lane.ResourceID, lane.PullRequestID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ClaimNext admits the oldest queued entry of an idle lane in one statement.
// With a server limit the claim runs under a per-server advisory lock so the
// slot count cannot be read stale by a concurrent claimer.
func (r *Repository) ClaimNext(ctx context.Context, req repository.ClaimRequest) (*domain.QueueEntry, error) {
	if req.Token == "" {
		return nil, repository.ErrInvalidArgument
	}
	args := []any{req.Lane.ResourceID, req.Lane.PullRequestID, req.Token, req.At.UTC(), req.ServerLimit}

	if req.ServerLimit <= 0 {
		entry, err := scanEntry(r.pool.QueryRow(ctx, claimQuery, args...))
		return claimResult(entry, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.Lane.ServerID); err != nil {
		return nil, fmt.Errorf("lock server slots: %w", err)
	}
	entry, err := scanEntry(tx.QueryRow(ctx, claimQuery, args...))
	entry, err = claimResult(entry, err)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func claimResult(entry *domain.QueueEntry, err error) (*domain.QueueEntry, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// MarkDispatched records the hand-off once per claim.
func (r *Repository) MarkDispatched(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error) {
	const query = `UPDATE deployment_queue
		SET dispatched_at = $3, updated_at = $3
		WHERE deployment_uuid = $1 AND dispatch_token = $2 AND status = 'in_progress' AND dispatched_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, deploymentUUID, token, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim returns a claimed entry to the queue.
func (r *Repository) ReleaseClaim(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error) {
	const query = `UPDATE deployment_queue
		SET status = 'queued', dispatch_token = NULL, dispatched_at = NULL, started_at = NULL, updated_at = $3
		WHERE deployment_uuid = $1 AND dispatch_token = $2 AND status = 'in_progress'`
	tag, err := r.pool.Exec(ctx, query, deploymentUUID, token, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwapStatus moves an entry from the observed status to a new one.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, change repository.StatusChange) (bool, error) {
	const query = `UPDATE deployment_queue
		SET status = $3,
			updated_at = $4,
			finished_at = COALESCE($5, finished_at),
			stop_requested = stop_requested OR $6
		WHERE deployment_uuid = $1 AND status = $2`
	var finishedAt *time.Time
	if change.To.Terminal() {
		at := change.At.UTC()
		finishedAt = &at
	}
	tag, err := r.pool.Exec(ctx, query,
		change.DeploymentUUID,
		string(change.From),
		string(change.To),
		change.At.UTC(),
		finishedAt,
		change.StopRequested,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendLogs appends text to the entry log.
func (r *Repository) AppendLogs(ctx context.Context, deploymentUUID, text string, at time.Time) error {
	const query = `UPDATE deployment_queue SET logs = logs || $2, updated_at = $3 WHERE deployment_uuid = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentUUID, text, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkStopSignalled records a delivered stop signal.
func (r *Repository) MarkStopSignalled(ctx context.Context, deploymentUUID string, at time.Time) error {
	const query = `UPDATE deployment_queue SET stop_signalled_at = $2 WHERE deployment_uuid = $1 AND stop_requested`
	_, err := r.pool.Exec(ctx, query, deploymentUUID, at.UTC())
	return err
}

// ListPendingStops returns entries whose stop signal has not been delivered.
func (r *Repository) ListPendingStops(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE stop_requested AND stop_signalled_at IS NULL
		ORDER BY updated_at, id
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListWaitingLanes returns lanes holding queued entries with nothing in progress.
func (r *Repository) ListWaitingLanes(ctx context.Context, serverID string, limit int) ([]domain.Lane, error) {
	const query = `SELECT q.resource_id, q.pull_request_id, q.server_id
		FROM deployment_queue q
		WHERE q.status = 'queued'
			AND ($1 = '' OR q.server_id = $1)
			AND NOT EXISTS (
				SELECT 1 FROM deployment_queue r
				WHERE r.resource_id = q.resource_id AND r.pull_request_id = q.pull_request_id AND r.status = 'in_progress'
			)
		GROUP BY q.resource_id, q.pull_request_id, q.server_id
		ORDER BY MIN(q.created_at)
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lanes := make([]domain.Lane, 0)
	for rows.Next() {
		var lane domain.Lane
		if err := rows.Scan(&lane.ResourceID, &lane.PullRequestID, &lane.ServerID); err != nil {
			return nil, err
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

// ListStaleInProgress returns running entries started before the cutoff.
func (r *Repository) ListStaleInProgress(ctx context.Context, startedBefore time.Time, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE status = 'in_progress' AND started_at < $1
		ORDER BY started_at, id
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, startedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		entry         domain.QueueEntry
		kind, status  string
		dispatchToken *string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.DeploymentUUID,
		&entry.ResourceID,
		&entry.ResourceUUID,
		&kind,
		&entry.ServerID,
		&entry.TeamID,
		&status,
		&entry.ForceRebuild,
		&entry.PullRequestID,
		&entry.CommitSHA,
		&entry.Logs,
		&dispatchToken,
		&entry.DispatchedAt,
		&entry.StopRequested,
		&entry.StopSignalledAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.StartedAt,
		&entry.FinishedAt,
	); err != nil {
		return nil, err
	}
	entry.ResourceKind = domain.ResourceKind(kind)
	entry.Status = domain.DeploymentStatus(status)
	if dispatchToken != nil {
		entry.DispatchToken = *dispatchToken
	}
	return &entry, nil
}

func collectEntries(rows pgx.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()
	entries := make([]domain.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}
