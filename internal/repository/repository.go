package repository

import (
	"context"
	"time"

	"github.com/splax/saturn/internal/domain"
)

// StatusChange describes a compare-and-swap on a queue entry status.
type StatusChange struct {
	DeploymentUUID string
	From           domain.DeploymentStatus
	To             domain.DeploymentStatus
	// StopRequested marks the entry as needing a stop signal for its worker.
	StopRequested bool
	At            time.Time
}

// ClaimRequest asks the store to admit the oldest queued entry of a lane.
type ClaimRequest struct {
	Lane  domain.Lane
	Token string
	// ServerLimit caps in_progress entries per server. Zero disables the cap.
	ServerLimit int
	At          time.Time
}

// QueueRepository persists deployment queue entries.
type QueueRepository interface {
	CreateEntry(ctx context.Context, entry *domain.QueueEntry) error
	GetEntryByUUID(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error)
	ListActiveEntries(ctx context.Context, teamID string) ([]domain.QueueEntry, error)
	ListEntriesByResource(ctx context.Context, resourceID string, skip, take int) ([]domain.QueueEntry, int, error)
	HasInProgress(ctx context.Context, lane domain.Lane) (bool, error)
	// ClaimNext atomically moves the oldest queued entry of the lane to
	// in_progress when the lane is idle. It returns ErrNotFound when nothing was admitted.
	ClaimNext(ctx context.Context, req ClaimRequest) (*domain.QueueEntry, error)
	MarkDispatched(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, deploymentUUID, token string, at time.Time) (bool, error)
	CompareAndSwapStatus(ctx context.Context, change StatusChange) (bool, error)
	AppendLogs(ctx context.Context, deploymentUUID, text string, at time.Time) error
	MarkStopSignalled(ctx context.Context, deploymentUUID string, at time.Time) error
	ListPendingStops(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	ListWaitingLanes(ctx context.Context, serverID string, limit int) ([]domain.Lane, error)
	ListStaleInProgress(ctx context.Context, startedBefore time.Time, limit int) ([]domain.QueueEntry, error)
}

// ResourceRepository looks up deployable resources and their tags.
type ResourceRepository interface {
	CreateResource(ctx context.Context, resource *domain.Resource) error
	// GetResourceByUUID applies the team filter in the lookup itself.
	GetResourceByUUID(ctx context.Context, teamID, resourceUUID string) (*domain.Resource, error)
	FindResourceByUUID(ctx context.Context, resourceUUID string) (*domain.Resource, error)
	// ListResourcesByTag returns ErrNotFound when the team has no such tag.
	ListResourcesByTag(ctx context.Context, teamID, tag string) ([]domain.Resource, error)
	AttachTag(ctx context.Context, tag *domain.Tag, resourceID string) error
}

// TokenRepository persists api token rows referenced by bearer credentials.
type TokenRepository interface {
	CreateToken(ctx context.Context, token *domain.APIToken) error
	GetToken(ctx context.Context, tokenID string) (*domain.APIToken, error)
	RevokeToken(ctx context.Context, teamID, tokenID string, at time.Time) error
}

// WebhookRepository stores git webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, hook *domain.ResourceWebhook) error
	GetWebhookSecret(ctx context.Context, resourceID string) (*domain.ResourceWebhook, error)
}

// Store is the full persistence surface used by the API process.
type Store interface {
	QueueRepository
	ResourceRepository
	TokenRepository
	WebhookRepository
	Ping(ctx context.Context) error
	Close()
}
