// Package sqlitetest opens migrated throwaway SQLite stores for tests.
package sqlitetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/splax/saturn/internal/app/migrate"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository/sqlite"
)

// Open returns a repository backed by a fresh database in t.TempDir().
func Open(t testing.TB) *sqlite.Repository {
	t.Helper()
	dsn := sqlite.DSN(filepath.Join(t.TempDir(), "saturn.db"))
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	runner, err := migrate.New(migrate.DriverSQLite, dsn, log)
	if err != nil {
		t.Fatalf("configure migrations: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		runner.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	runner.Close()

	repo, err := sqlite.Open(dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

// Resource registers an application for team on server and returns it.
func Resource(t testing.TB, repo *sqlite.Repository, teamID, serverID string) domain.Resource {
	t.Helper()
	resource := domain.Resource{
		ID:        uuid.NewString(),
		UUID:      uuid.NewString(),
		TeamID:    teamID,
		Kind:      domain.KindApplication,
		Name:      "app-" + uuid.NewString()[:8],
		ServerID:  serverID,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateResource(context.Background(), &resource); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return resource
}

// Entry queues an entry for resource with the given pull request id.
func Entry(t testing.TB, repo *sqlite.Repository, resource domain.Resource, pullRequestID int, createdAt time.Time) domain.QueueEntry {
	t.Helper()
	entry := domain.QueueEntry{
		DeploymentUUID: uuid.NewString(),
		ResourceID:     resource.ID,
		ResourceUUID:   resource.UUID,
		ResourceKind:   resource.Kind,
		ServerID:       resource.ServerID,
		TeamID:         resource.TeamID,
		PullRequestID:  pullRequestID,
		CreatedAt:      createdAt.UTC(),
	}
	if err := repo.CreateEntry(context.Background(), &entry); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}
