// Package deploy owns the deployment queue: creation, admission, dispatch,
// cancellation, completion and read access.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
	"github.com/splax/saturn/internal/service/executor"
	"github.com/splax/saturn/internal/service/resolve"
)

// Caller-facing messages.
const (
	MsgDeploymentNotFound  = "Deployment not found."
	MsgApplicationNotFound = "Application not found."
	MsgCancelForbidden     = "You do not have permission to cancel this deployment."
	MsgCancelled           = "Deployment cancelled successfully."
	MsgStopPending         = "Deployment cancelled. Stopping the running deployment failed and will be retried."
	msgQueued              = "Deployment request queued."
	msgCancelledByUser     = "Deployment cancelled by user."
)

const statusRetries = 3

// Resolver turns deploy criteria into targets.
type Resolver interface {
	Resolve(ctx context.Context, criteria resolve.Criteria, teamID string) (resolve.Result, error)
}

// LogWriter appends lines to a deployment log.
type LogWriter interface {
	Append(ctx context.Context, deploymentUUID, text string) error
	Note(ctx context.Context, deploymentUUID, message string) error
	// Finish ends live log streams of a deployment that reached status.
	Finish(deploymentUUID string, status domain.DeploymentStatus)
}

// Config tunes queue behavior.
type Config struct {
	// ServerConcurrentBuilds caps in-progress deployments per server. Zero means unlimited.
	ServerConcurrentBuilds int
	DefaultPageSize        int
	MaxPageSize            int
}

// Service orchestrates the deployment queue.
type Service struct {
	queue     repository.QueueRepository
	resources repository.ResourceRepository
	resolver  Resolver
	backend   executor.Backend
	logs      LogWriter
	metrics   *Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string
}

// New returns a deployment service.
func New(queue repository.QueueRepository, resources repository.ResourceRepository, resolver Resolver, backend executor.Backend, logs LogWriter, metrics *Metrics, logger *slog.Logger, cfg Config) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 10
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return Service{
		queue:     queue,
		resources: resources,
		resolver:  resolver,
		backend:   backend,
		logs:      logs,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Queued describes one created queue entry in a deploy response.
type Queued struct {
	Message        string `json:"message"`
	ResourceUUID   string `json:"resource_uuid"`
	DeploymentUUID string `json:"deployment_uuid"`
}

// DeployResult lists created entries and targets that could not be queued.
type DeployResult struct {
	Deployments []Queued
	Skipped     []string
}

// Page is one page of a resource's deployment history.
type Page struct {
	Count       int
	Deployments []domain.QueueEntry
}

// Deploy resolves criteria for the caller's team and queues every target.
// Targets that fail are skipped; if none succeed the call fails with NotFound.
func (s Service) Deploy(ctx context.Context, caps authz.Capabilities, criteria resolve.Criteria) (DeployResult, error) {
	if err := requireCaps(caps, authz.AbilityDeploy); err != nil {
		return DeployResult{}, err
	}
	resolved, err := s.resolver.Resolve(ctx, criteria, caps.TeamID)
	if err != nil {
		return DeployResult{}, err
	}

	result := DeployResult{Skipped: resolved.Skipped}
	for _, target := range resolved.Targets {
		entry, err := s.Queue(ctx, target)
		if err != nil {
			s.logger.Error("failed to queue deployment", "resource_uuid", target.Resource.UUID, "team_id", caps.TeamID, "error", err)
			result.Skipped = append(result.Skipped, target.Resource.UUID)
			continue
		}
		result.Deployments = append(result.Deployments, Queued{
			Message:        msgQueued,
			ResourceUUID:   entry.ResourceUUID,
			DeploymentUUID: entry.DeploymentUUID,
		})
	}
	if len(result.Deployments) == 0 {
		return DeployResult{}, apperr.NotFound(resolve.MsgNoResources)
	}
	return result, nil
}

// Queue records a queued entry for target and runs admission for its lane.
// The entry is durable even when admission or dispatch fails.
func (s Service) Queue(ctx context.Context, target domain.DeployTarget) (*domain.QueueEntry, error) {
	if !target.Resource.Deployable() {
		return nil, apperr.NotFound(resolve.MsgNoResources)
	}
	entry := &domain.QueueEntry{
		DeploymentUUID: s.newID(),
		ResourceID:     target.Resource.ID,
		ResourceUUID:   target.Resource.UUID,
		ResourceKind:   target.Resource.Kind,
		ServerID:       target.Resource.ServerID,
		TeamID:         target.Resource.TeamID,
		ForceRebuild:   target.ForceRebuild,
		PullRequestID:  target.PullRequestID,
		CommitSHA:      target.CommitSHA,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.queue.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create queue entry: %w", err)
	}
	s.metrics.created(entry.ResourceKind)
	s.logger.Info("deployment queued",
		"deployment_uuid", entry.DeploymentUUID,
		"resource_uuid", entry.ResourceUUID,
		"team_id", entry.TeamID,
		"pull_request_id", entry.PullRequestID,
		"force_rebuild", entry.ForceRebuild,
	)

	if _, err := s.Admit(ctx, entry.Lane()); err != nil {
		s.logger.Warn("admission deferred", "deployment_uuid", entry.DeploymentUUID, "error", err)
	}

	current, err := s.queue.GetEntryByUUID(ctx, entry.DeploymentUUID)
	if err != nil {
		return entry, nil
	}
	return current, nil
}

// ListActive returns the team's queued and in-progress entries.
func (s Service) ListActive(ctx context.Context, caps authz.Capabilities) ([]domain.QueueEntry, error) {
	if err := requireCaps(caps, authz.AbilityRead); err != nil {
		return nil, err
	}
	entries, err := s.queue.ListActiveEntries(ctx, caps.TeamID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		redact(&entries[i], caps)
	}
	return entries, nil
}

// Get returns one entry of the caller's team. Foreign entries are reported as missing.
func (s Service) Get(ctx context.Context, caps authz.Capabilities, deploymentUUID string) (*domain.QueueEntry, error) {
	if err := requireCaps(caps, authz.AbilityRead); err != nil {
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
		return nil, apperr.NotFound(MsgDeploymentNotFound)
	}
	redact(entry, caps)
	return entry, nil
}

// ListByApplication pages through a resource's deployments, newest first.
func (s Service) ListByApplication(ctx context.Context, caps authz.Capabilities, resourceUUID string, skip, take int) (Page, error) {
	if err := requireCaps(caps, authz.AbilityRead); err != nil {
		return Page{}, err
	}
	resource, err := s.resources.GetResourceByUUID(ctx, caps.TeamID, resourceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Page{}, apperr.NotFound(MsgApplicationNotFound)
		}
		return Page{}, err
	}
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = s.cfg.DefaultPageSize
	}
	if take > s.cfg.MaxPageSize {
		take = s.cfg.MaxPageSize
	}
	entries, total, err := s.queue.ListEntriesByResource(ctx, resource.ID, skip, take)
	if err != nil {
		return Page{}, err
	}
	for i := range entries {
		redact(&entries[i], caps)
	}
	return Page{Count: total, Deployments: entries}, nil
}

// Transition applies an allowed status edge with compare-and-swap, retrying
// when a concurrent writer changed the status first.
func (s Service) Transition(ctx context.Context, deploymentUUID string, to domain.DeploymentStatus) (*domain.QueueEntry, error) {
	for attempt := 0; attempt < statusRetries; attempt++ {
		entry, err := s.queue.GetEntryByUUID(ctx, deploymentUUID)
		if err != nil {
			return nil, err
		}
		if err := domain.ValidateTransition(entry.Status, to); err != nil {
			return entry, err
		}
		ok, err := s.queue.CompareAndSwapStatus(ctx, repository.StatusChange{
			DeploymentUUID: deploymentUUID,
			From:           entry.Status,
			To:             to,
			At:             s.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if ok {
			from := entry.Status
			entry.Status = to
			s.logger.Info("deployment status changed", "deployment_uuid", deploymentUUID, "from", from, "to", to)
			if to.Terminal() {
				s.endStreams(deploymentUUID, to)
			}
			return entry, nil
		}
	}
	return nil, apperr.Conflict("Deployment status changed concurrently, try again.")
}

func (s Service) endStreams(deploymentUUID string, status domain.DeploymentStatus) {
	if s.logs == nil {
		return
	}
	s.logs.Finish(deploymentUUID, status)
}

func (s Service) note(ctx context.Context, deploymentUUID, message string) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Note(ctx, deploymentUUID, message); err != nil {
		s.logger.Warn("failed to append deployment log", "deployment_uuid", deploymentUUID, "error", err)
	}
}

func requireCaps(caps authz.Capabilities, ability string) error {
	if caps.TeamID == "" {
		return apperr.Unauthorized("Unauthenticated.")
	}
	if !caps.Allows(ability) {
		return apperr.Forbidden("Missing required ability: " + ability + ".")
	}
	return nil
}

func redact(entry *domain.QueueEntry, caps authz.Capabilities) {
	if !caps.CanReadSensitive {
		entry.Logs = ""
	}
}
