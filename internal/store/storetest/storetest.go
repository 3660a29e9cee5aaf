// Package storetest holds the behaviour every store.Store engine must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Opener returns an empty store; it is called once per subtest.
type Opener func(t *testing.T) store.Store

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func folder(id, parent, name string) *models.Node {
	return &models.Node{ID: id, ParentID: parent, Name: name, Kind: models.KindFolder, Modified: epoch}
}

func file(id, parent, name string) *models.Node {
	return &models.Node{
		ID: id, ParentID: parent, Name: name, Kind: models.KindFile,
		Size: 11, Hash: "abc", MimeType: "text/plain",
		Created: epoch, Modified: epoch.Add(time.Second),
	}
}

func commit(t *testing.T, s store.Store, cp models.Checkpoint, muts ...store.Mutation) {
	t.Helper()
	if err := s.Commit(context.Background(), muts, cp); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Run exercises the store contract.
func Run(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("EmptyStore", func(t *testing.T) {
		s := open(t)
		if _, ok, err := s.Checkpoint(ctx); err != nil || ok {
			t.Fatalf("Checkpoint on empty store = ok %v, err %v", ok, err)
		}
		if id, err := s.RootID(ctx); err != nil || id != "" {
			t.Fatalf("RootID = %q, %v", id, err)
		}
		n, err := s.Get(ctx, "missing")
		if err != nil || n != nil {
			t.Fatalf("Get(missing) = %v, %v", n, err)
		}
	})

	t.Run("CommitAndRead", func(t *testing.T) {
		s := open(t)
		x := file("B", "A", "x.txt")
		x.Image = &models.ImageInfo{Width: 640, Height: 480}
		x.Private = map[string]string{"k": "v"}
		commit(t, s, models.Checkpoint{Cursor: "c1", Seq: 3},
			store.Put(folder("R", "", "")),
			store.Put(folder("A", "R", "docs")),
			store.Put(x),
		)

		cp, ok, err := s.Checkpoint(ctx)
		if err != nil || !ok || cp.Cursor != "c1" || cp.Seq != 3 {
			t.Fatalf("Checkpoint = %+v, %v, %v", cp, ok, err)
		}
		if id, _ := s.RootID(ctx); id != "R" {
			t.Errorf("RootID = %q, want R", id)
		}

		got, err := s.Get(ctx, "B")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !models.SameContent(got, x) {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, x)
		}

		children, err := s.Children(ctx, "A")
		if err != nil || len(children) != 1 || children[0].ID != "B" {
			t.Fatalf("Children(A) = %v, %v", children, err)
		}
		if n, _ := s.Count(ctx); n != 3 {
			t.Errorf("Count = %d, want 3", n)
		}
		seen := 0
		s.Walk(ctx, func(*models.Node) error { seen++; return nil })
		if seen != 3 {
			t.Errorf("Walk visited %d, want 3", seen)
		}
	})

	t.Run("UpsertAndRemove", func(t *testing.T) {
		s := open(t)
		commit(t, s, models.Checkpoint{Cursor: "1"},
			store.Put(folder("R", "", "")),
			store.Put(file("B", "R", "x.txt")),
		)
		moved := file("B", "R", "y.txt")
		moved.Trashed = true
		commit(t, s, models.Checkpoint{Cursor: "2"}, store.Put(moved))
		got, _ := s.Get(ctx, "B")
		if got == nil || got.Name != "y.txt" || !got.Trashed {
			t.Fatalf("after upsert = %+v", got)
		}
		trashed, _ := s.Trashed(ctx)
		if len(trashed) != 1 || trashed[0].ID != "B" {
			t.Errorf("Trashed = %v", trashed)
		}

		commit(t, s, models.Checkpoint{Cursor: "3"}, store.Remove("B"))
		if got, _ := s.Get(ctx, "B"); got != nil {
			t.Errorf("B still present: %+v", got)
		}
	})

	t.Run("Diagnostics", func(t *testing.T) {
		s := open(t)
		placeholder := folder("P", "", "")
		placeholder.Provisional = true
		commit(t, s, models.Checkpoint{Cursor: "1"},
			store.Put(folder("R", "", "")),
			store.Put(file("B1", "R", "dup.txt")),
			store.Put(file("B2", "R", "dup.txt")),
			store.Put(file("C", "GONE", "orphan.txt")),
			store.Put(placeholder),
		)

		dups, err := s.Duplicates(ctx, nil)
		if err != nil {
			t.Fatalf("Duplicates: %v", err)
		}
		if len(dups) != 1 || len(dups[0]) != 2 {
			t.Errorf("Duplicates = %v", dups)
		}

		commit(t, s, models.Checkpoint{Cursor: "2"}, store.Put(file("B3", "R", "DUP.txt")))
		if dups, _ := s.Duplicates(ctx, nil); len(dups) != 1 || len(dups[0]) != 2 {
			t.Errorf("exact Duplicates = %v", dups)
		}
		dups, err = s.Duplicates(ctx, tree.NameRules{CaseInsensitive: true})
		if err != nil {
			t.Fatalf("Duplicates(folded): %v", err)
		}
		if len(dups) != 1 || len(dups[0]) != 3 {
			t.Errorf("folded Duplicates = %v", dups)
		}

		orphans, err := s.Orphans(ctx)
		if err != nil {
			t.Fatalf("Orphans: %v", err)
		}
		ids := map[string]bool{}
		for _, n := range orphans {
			ids[n.ID] = true
		}
		if len(orphans) != 2 || !ids["C"] || !ids["P"] {
			t.Errorf("Orphans = %v", ids)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		s := open(t)
		commit(t, s, models.Checkpoint{Cursor: "1"}, store.Put(folder("R", "", "")))
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if n, _ := s.Count(ctx); n != 0 {
			t.Errorf("Count after reset = %d", n)
		}
		if _, ok, _ := s.Checkpoint(ctx); ok {
			t.Error("checkpoint survived reset")
		}
	})
}
