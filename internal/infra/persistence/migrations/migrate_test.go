package migrations

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/database"

	dbmigrations "github.com/coachpo/orchestrator/db/migrations"
)

// stubDriver satisfies database.Driver without a server so the migrator
// wiring can be checked offline.
type stubDriver struct{}

func (stubDriver) Open(string) (database.Driver, error) { return stubDriver{}, nil }
func (stubDriver) Close() error { return nil }
func (stubDriver) Lock() error { return nil }
func (stubDriver) Unlock() error { return nil }
func (stubDriver) Run(io.Reader) error { return nil }
func (stubDriver) SetVersion(int, bool) error { return nil }
func (stubDriver) Version() (int, bool, error) { return database.NilVersion, false, nil }
func (stubDriver) Drop() error { return nil }

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir temp migrations: %v", err)
	}

	resolved, err := resolveDir(path)
	if err != nil {
		t.Fatalf("resolveDir returned error: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("expected absolute path, got %s", resolved)
	}
	if resolved != filepath.Clean(resolved) {
		t.Fatalf("expected clean path, got %s", resolved)
	}
}

func TestResolveDirMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")
	_, err := resolveDir(path)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveDirFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	_, err := resolveDir(path)
	if err == nil {
		t.Fatal("expected error for file path")
	}
	if !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestFileURLUnixAndWindows(t *testing.T) {
	cases := []string{
		"/tmp/migrations",
		"/Users/example/project/db/migrations",
		"C:/tmp/migrations",
	}
	for _, path := range cases {
		got := fileURL(path)
		if !strings.HasPrefix(got, "file://") {
			t.Fatalf("expected file:// prefix for %s, got %s", path, got)
		}
		if len(got) <= len("file://") {
			t.Fatalf("expected path data in file url for %s, got %s", path, got)
		}
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	err := Apply(ctx, "postgresql://invalid", "does-not-exist", nil)
	if err == nil {
		t.Fatal("expected error for missing path")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestRollbackValidatesPathBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	err := Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil)
	if err == nil {
		t.Fatal("expected error for missing path")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", "", 0, nil)
	if err == nil || !strings.Contains(err.Error(), "steps must be > 0") {
		t.Fatalf("expected steps validation error, got %v", err)
	}
}

func TestEmbeddedSourceListsSessionMigration(t *testing.T) {
	src, err := embeddedSource(dbmigrations.Files)
	if err != nil {
		t.Fatalf("embeddedSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first migration version 1, got %d", first)
	}
}

func TestNewMigratorAcceptsDriverInterface(t *testing.T) {
	var driver database.Driver = stubDriver{}

	m, label, err := newMigrator("", driver)
	if err != nil {
		t.Fatalf("newMigrator embedded: %v", err)
	}
	defer func() { _, _ = m.Close() }()
	if label != embeddedLabel {
		t.Fatalf("expected %q label, got %q", embeddedLabel, label)
	}

	dir, err := resolveDir(filepath.Join("..", "..", "..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("resolve repo migrations: %v", err)
	}
	fromDisk, label, err := newMigrator(dir, driver)
	if err != nil {
		t.Fatalf("newMigrator dir: %v", err)
	}
	defer func() { _, _ = fromDisk.Close() }()
	if label != dir {
		t.Fatalf("expected label %s, got %s", dir, label)
	}
}
