package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const stopMarkerTTL = 24 * time.Hour

// RedisBackend appends jobs to per-worker Redis streams.
type RedisBackend struct {
	client      redis.UniversalClient
	ring        *Ring
	stopChannel string
}

// NewRedisBackend constructs a Redis stream backend.
func NewRedisBackend(client redis.UniversalClient, streams []string, stopChannel string) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("executor: nil redis client")
	}
	if len(streams) == 0 {
		return nil, errors.New("executor: no worker streams configured")
	}
	return &RedisBackend{client: client, ring: NewRing(streams), stopChannel: stopChannel}, nil
}

// StreamFor returns the worker stream jobs of serverID go to.
func (b *RedisBackend) StreamFor(serverID string) string {
	return b.ring.Locate(serverID)
}

// Enqueue appends job to the stream owning its server.
func (b *RedisBackend) Enqueue(ctx context.Context, job Job) error {
	stream := b.StreamFor(job.ServerID)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"deployment_uuid": job.DeploymentUUID,
			"resource_uuid":   job.ResourceUUID,
			"resource_kind":   job.ResourceKind,
			"server_id":       job.ServerID,
			"team_id":         job.TeamID,
			"pull_request_id": strconv.Itoa(job.PullRequestID),
			"force_rebuild":   strconv.FormatBool(job.ForceRebuild),
			"commit_sha":      job.CommitSHA,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Stop leaves a marker workers poll for and publishes the uuid for subscribed workers.
func (b *RedisBackend) Stop(ctx context.Context, deploymentUUID string) error {
	if err := b.client.Set(ctx, StopMarkerKey(deploymentUUID), "1", stopMarkerTTL).Err(); err != nil {
		return fmt.Errorf("set stop marker: %w", err)
	}
	if b.stopChannel == "" {
		return nil
	}
	if err := b.client.Publish(ctx, b.stopChannel, deploymentUUID).Err(); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	return nil
}

// StopMarkerKey is the key a worker checks before and during a deployment.
func StopMarkerKey(deploymentUUID string) string {
	return "saturn:stop:" + deploymentUUID
}
