package deploy

import (
	"context"
	"fmt"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

const msgTimedOut = "Deployment timed out without a completion report."

// Expire fails an in-progress entry that never reported completion, asks the
// worker to stop and admits the lane's next entry. It reports false when the
// entry moved on before it could be expired.
func (s Service) Expire(ctx context.Context, entry domain.QueueEntry) (bool, error) {
	if entry.Status != domain.StatusInProgress {
		return false, nil
	}
	ok, err := s.queue.CompareAndSwapStatus(ctx, repository.StatusChange{
		DeploymentUUID: entry.DeploymentUUID,
		From:           domain.StatusInProgress,
		To:             domain.StatusFailed,
		StopRequested:  true,
		At:             s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("expire deployment: %w", err)
	}
	if !ok {
		return false, nil
	}
	entry.Status = domain.StatusFailed
	entry.StopRequested = true
	s.metrics.completed(domain.StatusFailed)
	s.note(ctx, entry.DeploymentUUID, msgTimedOut)
	s.endStreams(entry.DeploymentUUID, domain.StatusFailed)
	s.logger.Warn("deployment expired", "deployment_uuid", entry.DeploymentUUID, "started_at", entry.StartedAt)

	// Delivery failures stay pending and are retried by the reconciler.
	_ = s.SignalStop(ctx, &entry)
	s.afterLaneFreed(ctx, entry.Lane())
	return true, nil
}
