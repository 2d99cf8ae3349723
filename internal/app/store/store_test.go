package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/splax/saturn/internal/app/migrate"
)

func TestOpenSQLiteMigratesAndPings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := Open(context.Background(), migrate.DriverSQLite, path, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if _, err := st.ListActiveEntries(context.Background(), "team-a"); err != nil {
		t.Fatalf("expected migrated schema, got %v", err)
	}
}

func TestDSN(t *testing.T) {
	if got := DSN(migrate.DriverSQLite, "/tmp/q.db"); !strings.HasPrefix(got, "file:/tmp/q.db?") {
		t.Fatalf("unexpected sqlite dsn %q", got)
	}
	if got := DSN(migrate.DriverSQLite, "file:x.db"); got != "file:x.db" {
		t.Fatalf("expected explicit dsn to pass through, got %q", got)
	}
	pg := "postgres://u:p@db/saturn"
	if got := DSN(migrate.DriverPostgres, pg); got != pg {
		t.Fatalf("expected postgres url unchanged, got %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x", nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
