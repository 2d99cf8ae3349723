package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository/sqlite"
	"github.com/splax/saturn/internal/repository/sqlite/sqlitetest"
	"github.com/splax/saturn/internal/service/executor/executortest"
	"github.com/splax/saturn/internal/service/logs"
	"github.com/splax/saturn/internal/service/resolve"
	"github.com/splax/saturn/internal/ws"
)

type testEnv struct {
	svc     Service
	repo    *sqlite.Repository
	backend *executortest.Recorder
}

type serviceOption func(*Service)

func newTestService(t *testing.T, opts ...serviceOption) testEnv {
	t.Helper()
	repo := sqlitetest.Open(t)
	backend := &executortest.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := New(repo, repo, resolve.New(repo, logger), backend, logs.New(repo, nil, logger), NewMetrics(nil), logger, Config{})
	for _, opt := range opts {
		opt(&svc)
	}
	return testEnv{svc: svc, repo: repo, backend: backend}
}

func deployer(team string) authz.Capabilities {
	return authz.FromAbilities(team, "tok", []string{authz.AbilityRead, authz.AbilityDeploy})
}

func requireKind(t *testing.T, err error, kind apperr.Kind, message string) {
	t.Helper()
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, kind, appErr.Kind)
	if message != "" {
		require.Equal(t, message, appErr.Message)
	}
}

// inProgress creates an entry for res and admits it.
func inProgress(t *testing.T, env testEnv, res domain.Resource, pr int) domain.QueueEntry {
	t.Helper()
	entry := sqlitetest.Entry(t, env.repo, res, pr, time.Now().Add(-time.Minute))
	claimed, err := env.svc.Admit(context.Background(), entry.Lane())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, entry.DeploymentUUID, claimed.DeploymentUUID)
	return *claimed
}

func TestDeployQueuesAndDispatchesOnce(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	result, err := env.svc.Deploy(context.Background(), deployer("team-a"), resolve.Criteria{UUIDs: res.UUID, ForceRebuild: true})
	require.NoError(t, err)
	require.Len(t, result.Deployments, 1)
	require.Equal(t, res.UUID, result.Deployments[0].ResourceUUID)

	stored, err := env.repo.GetEntryByUUID(context.Background(), result.Deployments[0].DeploymentUUID)
	require.NoError(t, err)
	require.True(t, stored.ForceRebuild)
	require.Equal(t, domain.StatusInProgress, stored.Status)
	require.NotNil(t, stored.DispatchedAt)

	job := env.backend.AssertEnqueued(t, stored.DeploymentUUID)
	require.True(t, job.ForceRebuild)
	require.Equal(t, res.UUID, job.ResourceUUID)
}

func TestDeployWhileLaneBusyStaysQueued(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)

	result, err := env.svc.Deploy(context.Background(), deployer("team-a"), resolve.Criteria{UUIDs: res.UUID})
	require.NoError(t, err)
	queuedUUID := result.Deployments[0].DeploymentUUID

	stored, err := env.repo.GetEntryByUUID(context.Background(), queuedUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, stored.Status)
	env.backend.AssertNotEnqueued(t, queuedUUID)
	require.Equal(t, 1, env.backend.EnqueuedCount(running.DeploymentUUID))
}

func TestDeployPullRequestLaneIsIndependent(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	inProgress(t, env, res, 0)

	result, err := env.svc.Deploy(context.Background(), deployer("team-a"), resolve.Criteria{UUIDs: res.UUID, PullRequestID: 12})
	require.NoError(t, err)
	job := env.backend.AssertEnqueued(t, result.Deployments[0].DeploymentUUID)
	require.Equal(t, 12, job.PullRequestID)
}

func TestDeployForeignResourceIsNotFound(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	_, err := env.svc.Deploy(context.Background(), deployer("team-b"), resolve.Criteria{UUIDs: res.UUID})
	requireKind(t, err, apperr.KindNotFound, resolve.MsgNoResources)

	page, _, err := env.repo.ListEntriesByResource(context.Background(), res.ID, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)
	require.Empty(t, env.backend.Jobs())
}

func TestDeployRequiresDeployAbility(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	_, err := env.svc.Deploy(context.Background(), authz.FromAbilities("team-a", "tok", []string{"read"}), resolve.Criteria{UUIDs: res.UUID})
	requireKind(t, err, apperr.KindForbidden, "")
}

func TestDispatchFailureReleasesClaim(t *testing.T) {
	env := newTestService(t)
	env.backend.SetEnqueueErr(errors.New("builder down"))
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	result, err := env.svc.Deploy(context.Background(), deployer("team-a"), resolve.Criteria{UUIDs: res.UUID})
	require.NoError(t, err, "the request is recorded even when dispatch fails")

	stored, err := env.repo.GetEntryByUUID(context.Background(), result.Deployments[0].DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, stored.Status)
	require.Empty(t, stored.DispatchToken)
	require.Nil(t, stored.DispatchedAt)

	env.backend.SetEnqueueErr(nil)
	admitted, err := env.svc.AdmitWaiting(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, admitted)
	env.backend.AssertEnqueued(t, stored.DeploymentUUID)
}

func TestDispatchIsIdempotent(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)

	require.NoError(t, env.svc.Dispatch(context.Background(), &running))
	require.Equal(t, 1, env.backend.EnqueuedCount(running.DeploymentUUID))
}

func TestServerConcurrencyLimit(t *testing.T) {
	env := newTestService(t, func(s *Service) { s.cfg.ServerConcurrentBuilds = 1 })
	appA := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	appB := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	ctx := context.Background()

	first, err := env.svc.Deploy(ctx, deployer("team-a"), resolve.Criteria{UUIDs: appA.UUID})
	require.NoError(t, err)
	second, err := env.svc.Deploy(ctx, deployer("team-a"), resolve.Criteria{UUIDs: appB.UUID})
	require.NoError(t, err)
	env.backend.AssertNotEnqueued(t, second.Deployments[0].DeploymentUUID)

	require.NoError(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: first.Deployments[0].DeploymentUUID, Status: "finished"}))
	env.backend.AssertEnqueued(t, second.Deployments[0].DeploymentUUID)
}

func TestCancelQueuedEntry(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	inProgress(t, env, res, 0)
	waiting := sqlitetest.Entry(t, env.repo, res, 0, time.Now())

	entry, err := env.svc.Cancel(context.Background(), deployer("team-a"), waiting.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledByUser, entry.Status)
	require.Empty(t, env.backend.Stopped())

	stored, err := env.repo.GetEntryByUUID(context.Background(), waiting.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledByUser, stored.Status)
	require.False(t, stored.StopRequested)
	require.Contains(t, stored.Logs, "Deployment cancelled by user.")
}

func TestCancelTerminalEntryIsRejected(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)
	_, err := env.svc.Transition(context.Background(), running.DeploymentUUID, domain.StatusFinished)
	require.NoError(t, err)

	_, err = env.svc.Cancel(context.Background(), deployer("team-a"), running.DeploymentUUID)
	requireKind(t, err, apperr.KindInvalidRequest, "Deployment cannot be cancelled. Current status: finished.")

	stored, err := env.repo.GetEntryByUUID(context.Background(), running.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFinished, stored.Status)
}

func TestCancelForeignEntryIsForbidden(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-b", "srv-1")
	entry := sqlitetest.Entry(t, env.repo, res, 0, time.Now())

	_, err := env.svc.Cancel(context.Background(), deployer("team-a"), entry.DeploymentUUID)
	requireKind(t, err, apperr.KindForbidden, MsgCancelForbidden)

	_, err = env.svc.Cancel(context.Background(), deployer("team-a"), "missing")
	requireKind(t, err, apperr.KindNotFound, MsgDeploymentNotFound)

	stored, err := env.repo.GetEntryByUUID(context.Background(), entry.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, stored.Status)
}

func TestCancelRunningSignalsStopAndAdmitsNext(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)
	next := sqlitetest.Entry(t, env.repo, res, 0, time.Now())

	_, err := env.svc.Cancel(context.Background(), deployer("team-a"), running.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, []string{running.DeploymentUUID}, env.backend.Stopped())

	stored, err := env.repo.GetEntryByUUID(context.Background(), running.DeploymentUUID)
	require.NoError(t, err)
	require.True(t, stored.StopRequested)
	require.NotNil(t, stored.StopSignalledAt)

	env.backend.AssertEnqueued(t, next.DeploymentUUID)
}

func TestCancelRunningWithStopFailureIsRetryable(t *testing.T) {
	env := newTestService(t)
	env.backend.SetStopErr(errors.New("worker unreachable"))
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)

	entry, err := env.svc.Cancel(context.Background(), deployer("team-a"), running.DeploymentUUID)
	require.ErrorIs(t, err, ErrStopSignalPending)
	require.True(t, apperr.Retryable(err))
	require.NotNil(t, entry)
	require.Equal(t, domain.StatusCancelledByUser, entry.Status)

	pending, err := env.repo.ListPendingStops(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCallbackCompletesAndAdmitsNext(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)
	next := sqlitetest.Entry(t, env.repo, res, 0, time.Now())
	ctx := context.Background()

	require.NoError(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: running.DeploymentUUID, Status: "running", Logs: "step 1"}))
	env.backend.AssertNotEnqueued(t, next.DeploymentUUID)

	require.NoError(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: running.DeploymentUUID, Status: "failed", Message: "build failed"}))
	stored, err := env.repo.GetEntryByUUID(ctx, running.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.NotNil(t, stored.FinishedAt)
	require.Contains(t, stored.Logs, "step 1\n")
	require.Contains(t, stored.Logs, "build failed")

	env.backend.AssertEnqueued(t, next.DeploymentUUID)
}

func TestCallbackAfterCancelKeepsCancelled(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)
	ctx := context.Background()

	_, err := env.svc.Cancel(ctx, deployer("team-a"), running.DeploymentUUID)
	require.NoError(t, err)
	require.NoError(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: running.DeploymentUUID, Status: "finished", Logs: "done"}))

	stored, err := env.repo.GetEntryByUUID(ctx, running.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledByUser, stored.Status)
	require.Contains(t, stored.Logs, "done")
}

func TestCallbackValidation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	requireKind(t, env.svc.HandleCallback(ctx, CallbackPayload{Status: "finished"}), apperr.KindValidationFailed, "")
	requireKind(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: "x", Status: "exploded"}), apperr.KindValidationFailed, "")
	requireKind(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: "x", Status: "finished"}), apperr.KindNotFound, MsgDeploymentNotFound)
}

func TestTransitionRejectsInvalidEdges(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	entry := sqlitetest.Entry(t, env.repo, res, 0, time.Now())

	_, err := env.svc.Transition(context.Background(), entry.DeploymentUUID, domain.StatusFinished)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := env.repo.GetEntryByUUID(context.Background(), entry.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, stored.Status)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	finished := inProgress(t, env, res, 0)
	_, err := env.svc.Transition(ctx, finished.DeploymentUUID, domain.StatusFinished)
	require.NoError(t, err)
	failed := inProgress(t, env, res, 0)
	_, err = env.svc.Transition(ctx, failed.DeploymentUUID, domain.StatusFailed)
	require.NoError(t, err)
	cancelled := sqlitetest.Entry(t, env.repo, res, 5, time.Now())
	_, err = env.svc.Transition(ctx, cancelled.DeploymentUUID, domain.StatusCancelledByUser)
	require.NoError(t, err)
	running := inProgress(t, env, res, 0)
	waiting := sqlitetest.Entry(t, env.repo, res, 0, time.Now())
	sqlitetest.Entry(t, env.repo, sqlitetest.Resource(t, env.repo, "team-b", "srv-2"), 0, time.Now())

	active, err := env.svc.ListActive(ctx, deployer("team-a"))
	require.NoError(t, err)
	var uuids []string
	for _, entry := range active {
		require.True(t, entry.Status.Active())
		uuids = append(uuids, entry.DeploymentUUID)
	}
	require.ElementsMatch(t, []string{running.DeploymentUUID, waiting.DeploymentUUID}, uuids)
}

func TestGetRedactsLogsAndHidesForeignEntries(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	entry := sqlitetest.Entry(t, env.repo, res, 0, time.Now())
	require.NoError(t, env.repo.AppendLogs(ctx, entry.DeploymentUUID, "secret output\n", time.Now()))

	plain, err := env.svc.Get(ctx, deployer("team-a"), entry.DeploymentUUID)
	require.NoError(t, err)
	require.Empty(t, plain.Logs)

	sensitive := authz.FromAbilities("team-a", "tok", []string{authz.AbilityRead, authz.AbilityReadSensitive})
	full, err := env.svc.Get(ctx, sensitive, entry.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, "secret output\n", full.Logs)

	_, err = env.svc.Get(ctx, deployer("team-b"), entry.DeploymentUUID)
	requireKind(t, err, apperr.KindNotFound, MsgDeploymentNotFound)
}

func TestListByApplicationPages(t *testing.T) {
	env := newTestService(t, func(s *Service) { s.cfg.MaxPageSize = 2 })
	ctx := context.Background()
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	base := time.Now().Add(-time.Hour)
	var created []string
	for i := 0; i < 3; i++ {
		created = append(created, sqlitetest.Entry(t, env.repo, res, 0, base.Add(time.Duration(i)*time.Minute)).DeploymentUUID)
	}

	page, err := env.svc.ListByApplication(ctx, deployer("team-a"), res.UUID, 0, 50)
	require.NoError(t, err)
	require.Equal(t, 3, page.Count)
	require.Len(t, page.Deployments, 2)
	require.Equal(t, created[2], page.Deployments[0].DeploymentUUID)

	page, err = env.svc.ListByApplication(ctx, deployer("team-a"), res.UUID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Deployments, 1)
	require.Equal(t, created[0], page.Deployments[0].DeploymentUUID)

	_, err = env.svc.ListByApplication(ctx, deployer("team-b"), res.UUID, 0, 10)
	requireKind(t, err, apperr.KindNotFound, MsgApplicationNotFound)
}

func TestIsAdmissible(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	lane := domain.Lane{ResourceID: res.ID, ServerID: res.ServerID}

	ok, err := env.svc.IsAdmissible(context.Background(), lane)
	require.NoError(t, err)
	require.True(t, ok)

	inProgress(t, env, res, 0)
	ok, err = env.svc.IsAdmissible(context.Background(), lane)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.svc.IsAdmissible(context.Background(), domain.Lane{ResourceID: res.ID, PullRequestID: 1, ServerID: res.ServerID})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpireFailsStaleEntryAndAdmitsNext(t *testing.T) {
	env := newTestService(t)
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")
	running := inProgress(t, env, res, 0)
	next := sqlitetest.Entry(t, env.repo, res, 0, time.Now())
	ctx := context.Background()

	expired, err := env.svc.Expire(ctx, running)
	require.NoError(t, err)
	require.True(t, expired)

	stored, err := env.repo.GetEntryByUUID(ctx, running.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.True(t, stored.StopRequested)
	require.Contains(t, stored.Logs, "timed out")
	require.Equal(t, []string{running.DeploymentUUID}, env.backend.Stopped())
	env.backend.AssertEnqueued(t, next.DeploymentUUID)

	expired, err = env.svc.Expire(ctx, running)
	require.NoError(t, err)
	require.False(t, expired, "an entry that already moved on is left alone")
}

type streamRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (r *streamRecorder) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *streamRecorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// endStatus waits for the stream to close and returns the status of its last message.
func (r *streamRecorder) endStatus(t *testing.T) string {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.closed
	}, time.Second, 5*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.payloads)
	var last map[string]string
	require.NoError(t, json.Unmarshal(r.payloads[len(r.payloads)-1], &last))
	require.Equal(t, "end", last["event"])
	return last["status"]
}

func TestSettledDeploymentsEndLogStreams(t *testing.T) {
	env := newTestService(t)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc.logs = logs.New(env.repo, hub, logger)
	ctx := context.Background()
	res := sqlitetest.Resource(t, env.repo, "team-a", "srv-1")

	finished := inProgress(t, env, res, 0)
	stream := &streamRecorder{}
	hub.Register(finished.DeploymentUUID, stream)
	require.NoError(t, env.svc.HandleCallback(ctx, CallbackPayload{DeploymentUUID: finished.DeploymentUUID, Status: "finished"}))
	require.Equal(t, string(domain.StatusFinished), stream.endStatus(t))

	cancelled := inProgress(t, env, res, 1)
	stream = &streamRecorder{}
	hub.Register(cancelled.DeploymentUUID, stream)
	_, err := env.svc.Cancel(ctx, deployer("team-a"), cancelled.DeploymentUUID)
	require.NoError(t, err)
	require.Equal(t, string(domain.StatusCancelledByUser), stream.endStatus(t))

	expired := inProgress(t, env, res, 2)
	stream = &streamRecorder{}
	hub.Register(expired.DeploymentUUID, stream)
	ok, err := env.svc.Expire(ctx, expired)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(domain.StatusFailed), stream.endStatus(t))
	require.Zero(t, hub.Subscribers(expired.DeploymentUUID))
}

func TestRequireCapsChecksIdentityThenAbility(t *testing.T) {
	requireKind(t, requireCaps(authz.Capabilities{}, authz.AbilityRead), apperr.KindUnauthorized, "Unauthenticated.")
	reader := authz.FromAbilities("team-a", "tok", []string{authz.AbilityRead})
	require.NoError(t, requireCaps(reader, authz.AbilityRead))
	requireKind(t, requireCaps(reader, authz.AbilityDeploy), apperr.KindForbidden, "Missing required ability: deploy.")
}
