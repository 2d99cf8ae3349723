package logs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository/sqlite/sqlitetest"
	"github.com/splax/saturn/internal/ws"
)

type captureSubscriber struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, payload)
	c.mu.Unlock()
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestAppendStoresAndBroadcasts(t *testing.T) {
	repo := sqlitetest.Open(t)
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	entry := sqlitetest.Entry(t, repo, res, 0, time.Now())

	hub := ws.NewHub()
	defer hub.Close()
	sub := &captureSubscriber{}
	hub.Register(entry.DeploymentUUID, sub)

	svc := New(repo, hub, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, svc.Append(ctx, entry.DeploymentUUID, "building"))
	require.NoError(t, svc.Note(ctx, entry.DeploymentUUID, "Deployment cancelled by user."))

	stored, err := repo.GetEntryByUUID(ctx, entry.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, "building\n[2026-01-02T03:04:05Z] Deployment cancelled by user.\n", stored.Logs)

	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)
	var chunk map[string]string
	sub.mu.Lock()
	require.NoError(t, json.Unmarshal(sub.msgs[0], &chunk))
	sub.mu.Unlock()
	require.Equal(t, entry.DeploymentUUID, chunk["deployment_uuid"])
	require.True(t, strings.HasPrefix(chunk["output"], "building"))
}

func TestAppendIgnoresEmptyText(t *testing.T) {
	svc := New(sqlitetest.Open(t), nil, nil)
	require.NoError(t, svc.Append(context.Background(), "missing", ""))
	require.Error(t, svc.Append(context.Background(), "missing", "x"))
}

func TestFinishSendsStatusAndDropsSubscribers(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	sub := &captureSubscriber{}
	hub.Register("dep-1", sub)

	svc := New(sqlitetest.Open(t), hub, nil)
	svc.Finish("dep-1", domain.StatusFailed)

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, hub.Subscribers("dep-1"))
	var end map[string]string
	sub.mu.Lock()
	require.NoError(t, json.Unmarshal(sub.msgs[0], &end))
	sub.mu.Unlock()
	require.Equal(t, map[string]string{"deployment_uuid": "dep-1", "event": "end", "status": "failed"}, end)

	New(sqlitetest.Open(t), nil, nil).Finish("dep-1", domain.StatusFailed)
}
