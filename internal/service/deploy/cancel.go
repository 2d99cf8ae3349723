package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// ErrStopSignalPending reports a cancelled deployment whose worker has not been told to stop yet.
var ErrStopSignalPending = errors.New("deploy: stop signal pending")

// Cancel moves a queued or running entry of the caller's team to cancelled-by-user.
// A foreign entry is Forbidden rather than NotFound. When the stop signal for a
// running entry cannot be delivered the entry stays cancelled and the returned
// error wraps ErrStopSignalPending.
func (s Service) Cancel(ctx context.Context, caps authz.Capabilities, deploymentUUID string) (*domain.QueueEntry, error) {
	if err := requireCaps(caps, authz.AbilityDeploy); err != nil {
		return nil, err
	}
	entry, err := s.queue.GetEntryByUUID(ctx, deploymentUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound(MsgDeploymentNotFound)
		}
		return nil, err
	}
	if entry.TeamID != caps.TeamID {
		return nil, apperr.Forbidden(MsgCancelForbidden)
	}

	cancelled := false
	for attempt := 0; attempt < statusRetries && !cancelled; attempt++ {
		if attempt > 0 {
			if entry, err = s.queue.GetEntryByUUID(ctx, deploymentUUID); err != nil {
				return nil, err
			}
		}
		if !domain.CanTransition(entry.Status, domain.StatusCancelledByUser) {
			return nil, apperr.InvalidRequest(fmt.Sprintf("Deployment cannot be cancelled. Current status: %s.", entry.Status))
		}
		cancelled, err = s.queue.CompareAndSwapStatus(ctx, repository.StatusChange{
			DeploymentUUID: deploymentUUID,
			From:           entry.Status,
			To:             domain.StatusCancelledByUser,
			StopRequested:  entry.Status == domain.StatusInProgress,
			At:             s.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("cancel deployment: %w", err)
		}
	}
	if !cancelled {
		return nil, apperr.Conflict("Deployment status changed concurrently, try again.")
	}

	wasRunning := entry.Status == domain.StatusInProgress
	entry.Status = domain.StatusCancelledByUser
	entry.StopRequested = entry.StopRequested || wasRunning
	s.metrics.cancelled(wasRunning)
	s.note(ctx, deploymentUUID, msgCancelledByUser)
	s.endStreams(deploymentUUID, domain.StatusCancelledByUser)
	s.logger.Info("deployment cancelled", "deployment_uuid", deploymentUUID, "team_id", caps.TeamID, "was_running", wasRunning)

	var stopErr error
	if wasRunning {
		stopErr = s.SignalStop(ctx, entry)
	}
	s.afterLaneFreed(ctx, entry.Lane())

	redact(entry, caps)
	if stopErr != nil {
		return entry, apperr.Wrap(apperr.KindUnavailable, MsgStopPending, fmt.Errorf("%w: %v", ErrStopSignalPending, stopErr))
	}
	return entry, nil
}

// SignalStop tells the worker running entry to stop and records delivery.
func (s Service) SignalStop(ctx context.Context, entry *domain.QueueEntry) error {
	if err := s.backend.Stop(ctx, entry.DeploymentUUID); err != nil {
		s.metrics.stopFailed()
		s.logger.Warn("stop signal failed", "deployment_uuid", entry.DeploymentUUID, "error", err)
		return err
	}
	now := s.now().UTC()
	if err := s.queue.MarkStopSignalled(ctx, entry.DeploymentUUID, now); err != nil {
		s.logger.Warn("failed to record stop signal", "deployment_uuid", entry.DeploymentUUID, "error", err)
		return nil
	}
	entry.StopSignalledAt = &now
	return nil
}
