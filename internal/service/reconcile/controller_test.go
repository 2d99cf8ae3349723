package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository/sqlite"
	"github.com/splax/saturn/internal/repository/sqlite/sqlitetest"
	"github.com/splax/saturn/internal/service/deploy"
	"github.com/splax/saturn/internal/service/executor/executortest"
	"github.com/splax/saturn/internal/service/logs"
	"github.com/splax/saturn/internal/service/resolve"
)

func newController(t *testing.T, timeout time.Duration) (*Controller, deploy.Service, *sqlite.Repository, *executortest.Recorder) {
	t.Helper()
	repo := sqlitetest.Open(t)
	backend := &executortest.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := deploy.New(repo, repo, resolve.New(repo, logger), backend, logs.New(repo, nil, logger), nil, logger, deploy.Config{})
	return New(repo, svc, logger, time.Minute, timeout), svc, repo, backend
}

func TestControllerAdmitsWaitingLanes(t *testing.T) {
	ctrl, _, repo, backend := newController(t, 0)
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	entry := sqlitetest.Entry(t, repo, res, 0, time.Now())

	ctrl.runIteration(context.Background())

	backend.AssertEnqueued(t, entry.DeploymentUUID)
	stored, err := repo.GetEntryByUUID(context.Background(), entry.DeploymentUUID)
	if err != nil {
		t.Fatalf("GetEntryByUUID returned error: %v", err)
	}
	if stored.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", stored.Status)
	}
}

func TestControllerResendsPendingStops(t *testing.T) {
	ctrl, svc, repo, backend := newController(t, 0)
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	ctx := context.Background()

	backend.SetStopErr(errors.New("worker unreachable"))
	result, err := svc.Deploy(ctx, authz.FromAbilities("team-a", "tok", []string{"deploy"}), resolve.Criteria{UUIDs: res.UUID})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	deploymentUUID := result.Deployments[0].DeploymentUUID
	if _, err := svc.Cancel(ctx, authz.FromAbilities("team-a", "tok", []string{"deploy"}), deploymentUUID); !errors.Is(err, deploy.ErrStopSignalPending) {
		t.Fatalf("expected ErrStopSignalPending, got %v", err)
	}

	backend.SetStopErr(nil)
	ctrl.runIteration(ctx)

	if got := backend.Stopped(); len(got) != 1 || got[0] != deploymentUUID {
		t.Fatalf("expected one stop for %s, got %v", deploymentUUID, got)
	}
	pending, err := repo.ListPendingStops(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingStops returned error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending stops, got %d", len(pending))
	}
}

func TestControllerTimesOutDeployments(t *testing.T) {
	ctrl, svc, repo, backend := newController(t, 10*time.Minute)
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	ctx := context.Background()

	stuck := sqlitetest.Entry(t, repo, res, 0, time.Now().Add(-time.Hour))
	if _, err := svc.Admit(ctx, stuck.Lane()); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	next := sqlitetest.Entry(t, repo, res, 0, time.Now())

	ctrl.now = func() time.Time { return time.Now().Add(time.Hour) }
	ctrl.runIteration(ctx)

	stored, err := repo.GetEntryByUUID(ctx, stuck.DeploymentUUID)
	if err != nil {
		t.Fatalf("GetEntryByUUID returned error: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	backend.AssertEnqueued(t, next.DeploymentUUID)
}

func TestNewReturnsNilWithoutDependencies(t *testing.T) {
	if ctrl := New(nil, nil, nil, 0, 0); ctrl != nil {
		t.Fatal("expected nil controller")
	}
	var ctrl *Controller
	ctrl.Run(context.Background())
}
