package executor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisBackendEnqueueUsesServerStream(t *testing.T) {
	_, client := newTestRedis(t)
	backend, err := NewRedisBackend(client, []string{"workers:a", "workers:b", "workers:c"}, "saturn:stop")
	require.NoError(t, err)

	ctx := context.Background()
	job := Job{DeploymentUUID: "dep-1", ResourceUUID: "app-1", ServerID: "srv-1", PullRequestID: 3, ForceRebuild: true}
	require.NoError(t, backend.Enqueue(ctx, job))

	stream := backend.StreamFor("srv-1")
	require.NotEmpty(t, stream)
	messages, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "dep-1", messages[0].Values["deployment_uuid"])
	require.Equal(t, "3", messages[0].Values["pull_request_id"])
	require.Equal(t, "true", messages[0].Values["force_rebuild"])
}

func TestRedisBackendStopSetsMarkerAndPublishes(t *testing.T) {
	mr, client := newTestRedis(t)
	backend, err := NewRedisBackend(client, []string{"workers:a"}, "saturn:stop")
	require.NoError(t, err)

	ctx := context.Background()
	sub := client.Subscribe(ctx, "saturn:stop")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, backend.Stop(ctx, "dep-9"))

	value, err := mr.Get(StopMarkerKey("dep-9"))
	require.NoError(t, err)
	require.Equal(t, "1", value)
	require.Positive(t, mr.TTL(StopMarkerKey("dep-9")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "dep-9", msg.Payload)
}

func TestRedisBackendStopFailsWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	backend, err := NewRedisBackend(client, []string{"workers:a"}, "")
	require.NoError(t, err)
	mr.Close()

	require.Error(t, backend.Stop(context.Background(), "dep-1"))
}

func TestNewRedisBackendRequiresStreams(t *testing.T) {
	_, client := newTestRedis(t)
	_, err := NewRedisBackend(client, nil, "")
	require.Error(t, err)
}
