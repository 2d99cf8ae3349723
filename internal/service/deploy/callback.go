package deploy

import (
	"context"
	"errors"
	"strings"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// CallbackPayload is what an execution worker reports about a deployment.
type CallbackPayload struct {
	DeploymentUUID string `json:"deployment_uuid"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Logs           string `json:"logs"`
}

// HandleCallback records worker output and completion. Completion of an entry
// that is already terminal, such as one the user cancelled, only keeps the logs.
// A completion frees the lane, so the next queued entry is admitted.
func (s Service) HandleCallback(ctx context.Context, payload CallbackPayload) error {
	deploymentUUID := strings.TrimSpace(payload.DeploymentUUID)
	if deploymentUUID == "" {
		return apperr.Validation("The deployment_uuid field is required.")
	}
	target, known := mapWorkerStatus(payload.Status)
	if !known {
		return apperr.Validation("Unknown deployment status: " + payload.Status + ".")
	}

	entry, err := s.queue.GetEntryByUUID(ctx, deploymentUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound(MsgDeploymentNotFound)
		}
		return err
	}

	if payload.Logs != "" && s.logs != nil {
		if err := s.logs.Append(ctx, deploymentUUID, payload.Logs); err != nil {
			return err
		}
	}
	if target == "" {
		return nil
	}

	if payload.Message != "" {
		s.note(ctx, deploymentUUID, payload.Message)
	}
	updated, err := s.Transition(ctx, deploymentUUID, target)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Info("ignoring completion for settled deployment",
				"deployment_uuid", deploymentUUID,
				"status", entry.Status,
				"reported", target,
			)
			return nil
		}
		return err
	}
	s.metrics.completed(target)
	s.afterLaneFreed(ctx, updated.Lane())
	return nil
}

// mapWorkerStatus returns the terminal status a report implies, "" for progress reports.
func mapWorkerStatus(raw string) (domain.DeploymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "running", "in_progress", "building":
		return "", true
	case "finished", "success", "succeeded":
		return domain.StatusFinished, true
	case "failed", "error":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}
