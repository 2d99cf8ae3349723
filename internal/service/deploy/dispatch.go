package deploy

import (
	"context"
	"fmt"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/service/executor"
)

// Dispatch hands a claimed entry to the execution backend exactly once.
// The dispatch marker is written before the hand-off; if the backend refuses
// the job the claim is released and the entry returns to queued.
func (s Service) Dispatch(ctx context.Context, entry *domain.QueueEntry) error {
	if entry.DispatchToken == "" || entry.Status != domain.StatusInProgress {
		return fmt.Errorf("dispatch %s: entry is not claimed", entry.DeploymentUUID)
	}
	now := s.now().UTC()
	marked, err := s.queue.MarkDispatched(ctx, entry.DeploymentUUID, entry.DispatchToken, now)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if !marked {
		s.logger.Debug("deployment already dispatched", "deployment_uuid", entry.DeploymentUUID)
		return nil
	}

	if err := s.backend.Enqueue(ctx, executor.JobFor(*entry)); err != nil {
		s.metrics.dispatchFailed()
		released, releaseErr := s.queue.ReleaseClaim(ctx, entry.DeploymentUUID, entry.DispatchToken, s.now().UTC())
		if releaseErr != nil {
			s.logger.Error("failed to release claim", "deployment_uuid", entry.DeploymentUUID, "error", releaseErr)
		}
		s.logger.Error("dispatch failed", "deployment_uuid", entry.DeploymentUUID, "released", released, "error", err)
		if released {
			entry.Status = domain.StatusQueued
			entry.DispatchToken = ""
			entry.StartedAt = nil
			entry.DispatchedAt = nil
		}
		return apperr.Wrap(apperr.KindUnavailable, "Execution backend unavailable.", err)
	}

	entry.DispatchedAt = &now
	s.note(ctx, entry.DeploymentUUID, "Deployment started.")
	s.logger.Info("deployment dispatched", "deployment_uuid", entry.DeploymentUUID, "force_rebuild", entry.ForceRebuild)
	return nil
}
