package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
)

func TestListChanges_Pages(t *testing.T) {
	ctx := context.Background()
	d := New(Config{PageSize: 2})
	for _, name := range []string{"a", "b", "c"} {
		if _, err := d.CreateFolder(ctx, DefaultRootID, name); err != nil {
			t.Fatalf("CreateFolder(%s): %v", name, err)
		}
	}

	b1, err := d.ListChanges(ctx, driver.InitialCursor)
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(b1.Changes) != 2 || !b1.HasMore || b1.Cursor != "2" {
		t.Fatalf("first page = %d changes, more=%v, cursor=%q", len(b1.Changes), b1.HasMore, b1.Cursor)
	}
	b2, err := d.ListChanges(ctx, b1.Cursor)
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(b2.Changes) != 1 || b2.HasMore || b2.Cursor != "3" {
		t.Fatalf("second page = %d changes, more=%v, cursor=%q", len(b2.Changes), b2.HasMore, b2.Cursor)
	}
	b3, err := d.ListChanges(ctx, b2.Cursor)
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(b3.Changes) != 0 || b3.HasMore || b3.Cursor != "3" {
		t.Fatalf("head page = %+v", b3)
	}

	if _, err := d.ListChanges(ctx, "99"); err == nil || driver.IsTransient(err) {
		t.Fatalf("expected permanent error for bad cursor, got %v", err)
	}
}

func TestDuplicateNames(t *testing.T) {
	ctx := context.Background()
	d := New(Config{CaseInsensitive: true})
	if _, err := d.CreateFolder(ctx, DefaultRootID, "Docs"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	_, err := d.CreateFolder(ctx, DefaultRootID, "docs")
	if !errors.Is(err, models.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	dup := New(Config{AllowDuplicates: true})
	dup.CreateFolder(ctx, DefaultRootID, "x")
	if _, err := dup.CreateFolder(ctx, DefaultRootID, "x"); err != nil {
		t.Fatalf("duplicates allowed: %v", err)
	}
}

func TestMove_RejectsLineage(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	a, _ := d.CreateFolder(ctx, DefaultRootID, "a")
	b, _ := d.CreateFolder(ctx, a.ID, "b")
	_, err := d.Move(ctx, a.ID, b.ID, "a")
	if !errors.Is(err, models.ErrLineage) {
		t.Fatalf("expected ErrLineage, got %v", err)
	}
}

func TestDownload_OffsetAndInterrupt(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	data := []byte("hello world")
	n, err := d.Upload(ctx, DefaultRootID, "h.txt", int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n.Hash != HashOf(data) {
		t.Errorf("hash = %q, want %q", n.Hash, HashOf(data))
	}

	rc, err := d.Download(ctx, n, 6)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "world" {
		t.Errorf("ranged read = %q", got)
	}

	d.Interrupt(n.ID, 4, 1)
	rc, err = d.Download(ctx, n, 0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err = io.ReadAll(rc)
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if string(got) != "hell" {
		t.Errorf("partial read = %q", got)
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	d.Fail("root_id", 1, driver.Transient("root_id", errors.New("timeout")))
	if _, err := d.RootID(ctx); !driver.IsTransient(err) {
		t.Fatalf("expected injected transient error, got %v", err)
	}
	if id, err := d.RootID(ctx); err != nil || id != DefaultRootID {
		t.Fatalf("RootID = %q, %v", id, err)
	}
	if d.Calls("root_id") != 2 {
		t.Errorf("calls = %d, want 2", d.Calls("root_id"))
	}
}

func TestOpen_FixtureThenState(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.yaml")
	state := filepath.Join(dir, "state.yaml")
	os.WriteFile(fixture, []byte("entries:\n  - path: /docs/x.txt\n    content: hi\n  - path: /music\n"), 0o644)

	d, err := Open(Config{}, state, fixture)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Head() != "3" {
		t.Fatalf("head = %s, want 3 (docs, x.txt, music)", d.Head())
	}
	if _, err := d.CreateFolder(context.Background(), DefaultRootID, "new"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	reopened, err := Open(Config{}, state, fixture)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Head() != "4" {
		t.Errorf("reopened head = %s, want 4", reopened.Head())
	}
}

func TestRegistered(t *testing.T) {
	d, err := driver.Open(context.Background(), "memory", map[string]string{"root_id": "R"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, _ := d.RootID(context.Background())
	if id != "R" {
		t.Errorf("root = %q, want R", id)
	}
}
