package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

const waitingLaneBatch = 100

// IsAdmissible reports whether the lane has no in-progress entry.
func (s Service) IsAdmissible(ctx context.Context, lane domain.Lane) (bool, error) {
	busy, err := s.queue.HasInProgress(ctx, lane)
	if err != nil {
		return false, fmt.Errorf("check lane: %w", err)
	}
	return !busy, nil
}

// Admit claims the oldest queued entry of an idle lane and dispatches it.
// It returns nil when the lane is busy or empty. The claim is a single
// conditional update, so concurrent callers admit at most one entry.
func (s Service) Admit(ctx context.Context, lane domain.Lane) (*domain.QueueEntry, error) {
	entry, err := s.queue.ClaimNext(ctx, repository.ClaimRequest{
		Lane:        lane,
		Token:       s.newID(),
		ServerLimit: s.cfg.ServerConcurrentBuilds,
		At:          s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim lane: %w", err)
	}
	s.metrics.admitted()
	s.logger.Info("deployment admitted",
		"deployment_uuid", entry.DeploymentUUID,
		"resource_uuid", entry.ResourceUUID,
		"server_id", entry.ServerID,
		"pull_request_id", entry.PullRequestID,
	)
	if err := s.Dispatch(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AdmitWaiting admits waiting lanes, optionally restricted to one server.
// It returns how many entries were admitted.
func (s Service) AdmitWaiting(ctx context.Context, serverID string) (int, error) {
	lanes, err := s.queue.ListWaitingLanes(ctx, serverID, waitingLaneBatch)
	if err != nil {
		return 0, fmt.Errorf("list waiting lanes: %w", err)
	}
	admitted := 0
	var errs []error
	for _, lane := range lanes {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.Admit(ctx, lane)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if entry != nil {
			admitted++
		}
	}
	return admitted, errors.Join(errs...)
}

// afterLaneFreed admits the lane's next entry and, with a server cap, other lanes on the server.
func (s Service) afterLaneFreed(ctx context.Context, lane domain.Lane) {
	if _, err := s.Admit(ctx, lane); err != nil {
		s.logger.Warn("failed to admit next deployment", "resource_id", lane.ResourceID, "pull_request_id", lane.PullRequestID, "error", err)
	}
	if s.cfg.ServerConcurrentBuilds <= 0 {
		return
	}
	if _, err := s.AdmitWaiting(ctx, lane.ServerID); err != nil {
		s.logger.Warn("failed to admit waiting deployments", "server_id", lane.ServerID, "error", err)
	}
}
