// Package resolve turns deploy request criteria into team-scoped targets.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

// Caller-facing messages.
const (
	MsgUUIDAndTag     = "You can only use uuid or tag, not both."
	MsgMissingTarget  = "You must provide uuid or tag."
	MsgTagAndPR       = "You can only use tag or pr, not both."
	MsgNoResources    = "No resources found."
	MsgNoTagResources = "No resources found with this tag."
)

// Criteria is a parsed deploy request.
type Criteria struct {
	// UUIDs is the raw comma separated list from the request.
	UUIDs         string
	Tag           string
	PullRequestID int
	ForceRebuild  bool
	CommitSHA     string
}

// Result lists resolved targets and the uuids that could not be resolved.
type Result struct {
	Targets []domain.DeployTarget
	Skipped []string
}

// Service resolves deploy targets.
type Service struct {
	resources repository.ResourceRepository
	logger    *slog.Logger
}

// New constructs a resolution service.
func New(resources repository.ResourceRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{resources: resources, logger: logger}
}

// Resolve finds the targets of criteria owned by teamID. It never writes.
func (s Service) Resolve(ctx context.Context, criteria Criteria, teamID string) (Result, error) {
	uuids := SplitUUIDs(criteria.UUIDs)
	tag := strings.TrimSpace(criteria.Tag)

	switch {
	case len(uuids) > 0 && tag != "":
		return Result{}, apperr.InvalidRequest(MsgUUIDAndTag)
	case len(uuids) == 0 && tag == "":
		return Result{}, apperr.InvalidRequest(MsgMissingTarget)
	case tag != "" && criteria.PullRequestID > 0:
		return Result{}, apperr.InvalidRequest(MsgTagAndPR)
	case criteria.PullRequestID < 0:
		return Result{}, apperr.Validation("The pr field must be a non-negative integer.")
	}

	if tag != "" {
		return s.byTag(ctx, criteria, tag, teamID)
	}
	return s.byUUIDs(ctx, criteria, uuids, teamID)
}

func (s Service) byUUIDs(ctx context.Context, criteria Criteria, uuids []string, teamID string) (Result, error) {
	var result Result
	for _, id := range uuids {
		resource, err := s.resources.GetResourceByUUID(ctx, teamID, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return Result{}, fmt.Errorf("lookup resource %s: %w", id, err)
		}
		if !resource.Deployable() {
			s.logger.Debug("resource has no server", "resource_uuid", id, "team_id", teamID)
			result.Skipped = append(result.Skipped, id)
			continue
		}
		result.Targets = append(result.Targets, target(*resource, criteria, criteria.PullRequestID))
	}
	if len(result.Targets) == 0 {
		return Result{}, apperr.NotFound(MsgNoResources)
	}
	return result, nil
}

func (s Service) byTag(ctx context.Context, criteria Criteria, tag, teamID string) (Result, error) {
	resources, err := s.resources.ListResourcesByTag(ctx, teamID, tag)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{}, apperr.NotFound(MsgNoTagResources)
		}
		return Result{}, fmt.Errorf("lookup tag %s: %w", tag, err)
	}
	var result Result
	for _, resource := range resources {
		if !resource.Deployable() {
			result.Skipped = append(result.Skipped, resource.UUID)
			continue
		}
		result.Targets = append(result.Targets, target(resource, criteria, 0))
	}
	if len(result.Targets) == 0 {
		return Result{}, apperr.NotFound(MsgNoTagResources)
	}
	return result, nil
}

func target(resource domain.Resource, criteria Criteria, pr int) domain.DeployTarget {
	return domain.DeployTarget{
		Resource:      resource,
		PullRequestID: pr,
		ForceRebuild:  criteria.ForceRebuild,
		CommitSHA:     criteria.CommitSHA,
	}
}

// SplitUUIDs splits a comma separated list, trimming and de-duplicating in order.
func SplitUUIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
