// Package executor hands admitted deployments to an out-of-process execution backend.
package executor

import (
	"context"

	"github.com/splax/saturn/internal/domain"
)

// Job is the message an execution worker receives.
type Job struct {
	DeploymentUUID string `json:"deployment_uuid"`
	ResourceUUID   string `json:"resource_uuid"`
	ResourceKind   string `json:"resource_kind"`
	ServerID       string `json:"server_id"`
	TeamID         string `json:"team_id"`
	PullRequestID  int    `json:"pull_request_id"`
	ForceRebuild   bool   `json:"force_rebuild"`
	CommitSHA      string `json:"commit_sha,omitempty"`
}

// JobFor builds the job of a claimed entry. Flags pass through unchanged.
func JobFor(entry domain.QueueEntry) Job {
	return Job{
		DeploymentUUID: entry.DeploymentUUID,
		ResourceUUID:   entry.ResourceUUID,
		ResourceKind:   string(entry.ResourceKind),
		ServerID:       entry.ServerID,
		TeamID:         entry.TeamID,
		PullRequestID:  entry.PullRequestID,
		ForceRebuild:   entry.ForceRebuild,
		CommitSHA:      entry.CommitSHA,
	}
}

// Backend accepts jobs and stop signals. Both calls are fire-and-forget.
type Backend interface {
	Enqueue(ctx context.Context, job Job) error
	Stop(ctx context.Context, deploymentUUID string) error
}
