// Package webhook authenticates git push notifications and queues the matching deployment.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
	"github.com/splax/saturn/pkg/crypto"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

var (
	// ErrMissingSignature is returned when no signature accompanies a payload.
	ErrMissingSignature = errors.New("webhook: missing signature")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Queuer records a deployment for a resolved target.
type Queuer interface {
	Queue(ctx context.Context, target domain.DeployTarget) (*domain.QueueEntry, error)
}

// Resources is the lookup surface the webhook flow needs.
type Resources interface {
	GetResourceByUUID(ctx context.Context, teamID, resourceUUID string) (*domain.Resource, error)
	FindResourceByUUID(ctx context.Context, resourceUUID string) (*domain.Resource, error)
}

// Payload is the subset of a git push notification the queue uses.
type Payload struct {
	PullRequest int    `json:"pull_request"`
	After       string `json:"after"`
	Ref         string `json:"ref"`
}

// Service handles webhook storage and validation.
type Service struct {
	repo      repository.WebhookRepository
	resources Resources
	queue     Queuer
	logger    *slog.Logger
	key       string
	now       func() time.Time
}

// New constructs a webhook service. key encrypts stored secrets.
func New(repo repository.WebhookRepository, resources Resources, queue Queuer, logger *slog.Logger, key string) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, resources: resources, queue: queue, logger: logger, key: key, now: time.Now}
}

// SetSecret stores an encrypted secret for a resource of the caller's team.
func (s Service) SetSecret(ctx context.Context, caps authz.Capabilities, resourceUUID, secret string) error {
	if !caps.Allows(authz.AbilityWrite) {
		return apperr.Forbidden("Missing required ability: write.")
	}
	value := strings.TrimSpace(secret)
	if value == "" {
		return apperr.Validation("The secret field is required.")
	}
	resource, err := s.resources.GetResourceByUUID(ctx, caps.TeamID, resourceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("Resource not found.")
		}
		return err
	}
	sealed, err := crypto.Seal(s.key, value)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhookSecret(ctx, &domain.ResourceWebhook{
		ResourceID: resource.ID,
		Secret:     sealed,
		UpdatedAt:  s.now().UTC(),
	})
}

// ValidateSignature checks HMAC signature for payload.
func ValidateSignature(payload []byte, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrMissingSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle verifies a push notification for resourceUUID and queues a deployment
// in the resource's own team.
func (s Service) Handle(ctx context.Context, resourceUUID string, body []byte, signature string) (*domain.QueueEntry, error) {
	resource, err := s.resources.FindResourceByUUID(ctx, resourceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("Resource not found.")
		}
		return nil, err
	}
	hook, err := s.repo.GetWebhookSecret(ctx, resource.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("Webhook is not configured for this resource.")
		}
		return nil, err
	}
	raw, err := crypto.Open(s.key, hook.Secret)
	if err != nil {
		return nil, err
	}
	if err := ValidateSignature(body, []byte(raw), signature); err != nil {
		s.logger.Warn("webhook signature rejected", "resource_uuid", resourceUUID, "error", err)
		return nil, apperr.Wrap(apperr.KindUnauthorized, "Invalid webhook signature.", err)
	}

	var payload Payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidRequest, "Invalid webhook payload.", err)
		}
	}
	if payload.PullRequest < 0 {
		return nil, apperr.Validation("The pull_request field must be a non-negative integer.")
	}
	if !resource.Deployable() {
		return nil, apperr.NotFound("Resource has no server to deploy to.")
	}
	entry, err := s.queue.Queue(ctx, domain.DeployTarget{
		Resource:      *resource,
		PullRequestID: payload.PullRequest,
		CommitSHA:     strings.TrimSpace(payload.After),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook queued deployment",
		"resource_uuid", resourceUUID,
		"deployment_uuid", entry.DeploymentUUID,
		"pull_request_id", payload.PullRequest,
		"ref", payload.Ref,
	)
	return entry, nil
}
