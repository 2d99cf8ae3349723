package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
	"github.com/splax/saturn/internal/ws"
)

// Service appends deployment logs and streams them to subscribers.
type Service struct {
	repo   repository.QueueRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log service.
func New(repo repository.QueueRepository, hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Append stores raw output on the entry and broadcasts it.
func (s Service) Append(ctx context.Context, deploymentUUID, text string) error {
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	now := s.now().UTC()
	if err := s.repo.AppendLogs(ctx, deploymentUUID, text, now); err != nil {
		return err
	}
	s.broadcast(deploymentUUID, text, now)
	return nil
}

// Note appends a timestamped system message.
func (s Service) Note(ctx context.Context, deploymentUUID, message string) error {
	stamp := s.now().UTC().Format(time.RFC3339)
	return s.Append(ctx, deploymentUUID, "["+stamp+"] "+message)
}

func (s Service) broadcast(deploymentUUID, text string, at time.Time) {
	if s.hub == nil {
		return
	}
	data, err := MarshalChunk(deploymentUUID, text, at)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(deploymentUUID, data)
}

// Finish sends the final status to every stream of the deployment and closes them.
func (s Service) Finish(deploymentUUID string, status domain.DeploymentStatus) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEnd(deploymentUUID, status)
	if err != nil {
		s.logger.Warn("failed to marshal stream end", "error", err)
		return
	}
	s.hub.Finish(deploymentUUID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalChunk formats a log chunk for streaming payloads.
func MarshalChunk(deploymentUUID, text string, at time.Time) ([]byte, error) {
	payload := map[string]any{
		"deployment_uuid": deploymentUUID,
		"output":          text,
		"created_at":      at.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

// MarshalEnd formats the closing message of a deployment stream.
func MarshalEnd(deploymentUUID string, status domain.DeploymentStatus) ([]byte, error) {
	return json.Marshal(map[string]any{
		"deployment_uuid": deploymentUUID,
		"event":           "end",
		"status":          status,
	})
}
