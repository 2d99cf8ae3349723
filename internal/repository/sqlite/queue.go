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

const entryColumns = `id, deployment_uuid, resource_id, resource_uuid, resource_kind, server_id, team_id,
	status, force_rebuild, pull_request_id, commit_sha, logs, dispatch_token, dispatched_at,
	stop_requested, stop_signalled_at, created_at, updated_at, started_at, finished_at`

const claimQuery = `UPDATE deployment_queue
	SET status = 'in_progress', dispatch_token = ?, dispatched_at = NULL, started_at = ?, updated_at = ?
	WHERE id = (
		SELECT q.id FROM deployment_queue q
		WHERE q.resource_id = ?
			AND q.pull_request_id = ?
			AND q.status = 'queued'
			AND NOT EXISTS (
				SELECT 1 FROM deployment_queue r
				WHERE r.resource_id = q.resource_id AND r.pull_request_id = q.pull_request_id AND r.status = 'in_progress'
			)
			AND (? = 0 OR (
				SELECT COUNT(1) FROM deployment_queue s
				WHERE s.server_id = q.server_id AND s.status = 'in_progress'
			) < ?)
		ORDER BY q.created_at, q.id
		LIMIT 1
	) AND status = 'queued'
	RETURNING ` + entryColumns

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateEntry inserts a queued entry.
func (r *Repository) CreateEntry(ctx context.Context, entry *domain.QueueEntry) error {
	if entry == nil || entry.DeploymentUUID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO deployment_queue (
		deployment_uuid, resource_id, resource_uuid, resource_kind, server_id, team_id,
		status, force_rebuild, pull_request_id, commit_sha, logs, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?)
	RETURNING id`
	entry.Status = domain.StatusQueued
	entry.UpdatedAt = entry.CreatedAt
	created := formatTime(entry.CreatedAt)
	err := r.db.QueryRowContext(ctx, query,
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
		created,
		created,
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
	query := `SELECT ` + entryColumns + ` FROM deployment_queue WHERE deployment_uuid = ?`
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, deploymentUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// ListActiveEntries returns queued and in-progress entries of a team.
func (r *Repository) ListActiveEntries(ctx context.Context, teamID string) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE team_id = ? AND status IN ('queued', 'in_progress')
		ORDER BY created_at, id`
	return r.queryEntries(ctx, query, teamID)
}

// ListEntriesByResource pages through a resource's history, newest first.
func (r *Repository) ListEntriesByResource(ctx context.Context, resourceID string, skip, take int) ([]domain.QueueEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM deployment_queue WHERE resource_id = ?`, resourceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE resource_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	entries, err := r.queryEntries(ctx, query, resourceID, take, skip)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// HasInProgress reports whether the lane has a running entry.
func (r *Repository) HasInProgress(ctx context.Context, lane domain.Lane) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM deployment_queue
		WHERE resource_id = ? AND pull_request_id = ? AND status = 'in_progress'
	)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, lane.ResourceID, lane.PullRequestID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ClaimNext admits the oldest queued entry of an idle lane in one statement.
func (r *Repository) ClaimNext(ctx context.Context, req repository.ClaimRequest) (*domain.QueueEntry, error) {
	if req.Token == "" {
		return nil, repository.ErrInvalidArgument
	}
	at := formatTime(req.At)
	entry, err := scanEntry(r.db.QueryRowContext(ctx, claimQuery,
		req.Token, at, at,
		req.Lane.ResourceID, req.Lane.PullRequestID,
		req.ServerLimit, req.ServerLimit,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("claim next entry: %w", err)
	}
	return entry, nil
}

// MarkDispatched records the hand-off once per claim.
func (r *Repository) MarkDispatched(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error) {
	const query = `UPDATE deployment_queue
		SET dispatched_at = ?, updated_at = ?
		WHERE deployment_uuid = ? AND dispatch_token = ? AND status = 'in_progress' AND dispatched_at IS NULL`
	stamp := formatTime(at)
	return r.execOne(ctx, query, stamp, stamp, deploymentUUID, token)
}

// ReleaseClaim returns a claimed entry to the queue.
func (r *Repository) ReleaseClaim(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error) {
	const query = `UPDATE deployment_queue
		SET status = 'queued', dispatch_token = NULL, dispatched_at = NULL, started_at = NULL, updated_at = ?
		WHERE deployment_uuid = ? AND dispatch_token = ? AND status = 'in_progress'`
	return r.execOne(ctx, query, formatTime(at), deploymentUUID, token)
}

// CompareAndSwapStatus moves an entry from the observed status to a new one.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, change repository.StatusChange) (bool, error) {
	const query = `UPDATE deployment_queue
		SET status = ?,
			updated_at = ?,
			finished_at = COALESCE(?, finished_at),
			stop_requested = (stop_requested OR ?)
		WHERE deployment_uuid = ? AND status = ?`
	var finishedAt any
	if change.To.Terminal() {
		finishedAt = formatTime(change.At)
	}
	return r.execOne(ctx, query,
		string(change.To),
		formatTime(change.At),
		finishedAt,
		change.StopRequested,
		change.DeploymentUUID,
		string(change.From),
	)
}

// AppendLogs appends text to the entry log.
func (r *Repository) AppendLogs(ctx context.Context, deploymentUUID, text string, at time.Time) error {
	const query = `UPDATE deployment_queue SET logs = logs || ?, updated_at = ? WHERE deployment_uuid = ?`
	ok, err := r.execOne(ctx, query, text, formatTime(at), deploymentUUID)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}

// MarkStopSignalled records a delivered stop signal.
func (r *Repository) MarkStopSignalled(ctx context.Context, deploymentUUID string, at time.Time) error {
	const query = `UPDATE deployment_queue SET stop_signalled_at = ? WHERE deployment_uuid = ? AND stop_requested = 1`
	_, err := r.db.ExecContext(ctx, query, formatTime(at), deploymentUUID)
	return err
}

// ListPendingStops returns entries whose stop signal has not been delivered.
func (r *Repository) ListPendingStops(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM deployment_queue
		WHERE stop_requested = 1 AND stop_signalled_at IS NULL
		ORDER BY updated_at, id
		LIMIT ?`
	return r.queryEntries(ctx, query, limit)
}

// ListWaitingLanes returns lanes holding queued entries with nothing in progress.
func (r *Repository) ListWaitingLanes(ctx context.Context, serverID string, limit int) ([]domain.Lane, error) {
	const query = `SELECT q.resource_id, q.pull_request_id, q.server_id
		FROM deployment_queue q
		WHERE q.status = 'queued'
			AND (? = '' OR q.server_id = ?)
			AND NOT EXISTS (
				SELECT 1 FROM deployment_queue r
				WHERE r.resource_id = q.resource_id AND r.pull_request_id = q.pull_request_id AND r.status = 'in_progress'
			)
		GROUP BY q.resource_id, q.pull_request_id, q.server_id
		ORDER BY MIN(q.created_at)
		LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, serverID, serverID, limit)
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
		WHERE status = 'in_progress' AND started_at < ?
		ORDER BY started_at, id
		LIMIT ?`
	return r.queryEntries(ctx, query, formatTime(startedBefore), limit)
}

func (r *Repository) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
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

func scanEntry(row rowScanner) (*domain.QueueEntry, error) {
	var (
		entry         domain.QueueEntry
		kind, status  string
		dispatchToken sql.NullString
	)
	var created, updated string
	var dispatched, signalled, started, finished sql.NullString
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
		&dispatched,
		&entry.StopRequested,
		&signalled,
		&created,
		&updated,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	entry.ResourceKind = domain.ResourceKind(kind)
	entry.Status = domain.DeploymentStatus(status)
	entry.DispatchToken = dispatchToken.String

	var err error
	if entry.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if entry.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if entry.DispatchedAt, err = parseNullTime(dispatched); err != nil {
		return nil, fmt.Errorf("parse dispatched_at: %w", err)
	}
	if entry.StopSignalledAt, err = parseNullTime(signalled); err != nil {
		return nil, fmt.Errorf("parse stop_signalled_at: %w", err)
	}
	if entry.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if entry.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &entry, nil
}
