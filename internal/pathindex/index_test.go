package pathindex

import (
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

func mustApply(t *testing.T, ix *Index, deltas ...Delta) {
	t.Helper()
	for _, d := range deltas {
		if err := ix.Apply(d); err != nil {
			t.Fatalf("Apply(%+v): %v", d, err)
		}
	}
}

func sample(t *testing.T) *Index {
	ix := New("R", nil)
	mustApply(t, ix,
		Delta{Op: DeltaAttach, ID: "A", Parent: "R", Name: "docs"},
		Delta{Op: DeltaAttach, ID: "B", Parent: "A", Name: "x.txt"},
		Delta{Op: DeltaAttach, ID: "C", Parent: "R", Name: "music"},
	)
	return ix
}

func TestLookupAndPathOf(t *testing.T) {
	ix := sample(t)
	tests := []struct {
		path string
		id   string
	}{
		{"/", "R"},
		{"/docs", "A"},
		{"/docs/x.txt", "B"},
		{"docs//x.txt/", "B"},
		{"/music", "C"},
	}
	for _, tt := range tests {
		id, ok := ix.Lookup(tt.path)
		if !ok || id != tt.id {
			t.Errorf("Lookup(%q) = %q, %v; want %q", tt.path, id, ok, tt.id)
		}
		if tt.path[0] == '/' && tt.path[len(tt.path)-1] != '/' {
			if p, _ := ix.PathOf(tt.id); p != tt.path {
				t.Errorf("PathOf(%s) = %q, want %q", tt.id, p, tt.path)
			}
		}
	}
	if _, ok := ix.Lookup("/nope"); ok {
		t.Error("Lookup(/nope) succeeded")
	}
}

func TestMove_SubtreeFollows(t *testing.T) {
	ix := sample(t)
	mustApply(t, ix, Delta{Op: DeltaMove, ID: "A", Parent: "C", Name: "papers"})
	if p, _ := ix.PathOf("B"); p != "/music/papers/x.txt" {
		t.Errorf("PathOf(B) = %q", p)
	}
	if _, ok := ix.Lookup("/docs"); ok {
		t.Error("old path still resolves")
	}
	if err := ix.Move("C", "A", "loop"); !errors.Is(err, ErrDiverged) {
		t.Errorf("move under own descendant: %v", err)
	}
	if err := ix.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestDetach_RemovesSubtree(t *testing.T) {
	ix := sample(t)
	mustApply(t, ix, Delta{Op: DeltaDetach, ID: "A"})
	if ix.Contains("A") || ix.Contains("B") {
		t.Error("subtree still indexed")
	}
	if ix.Len() != 2 {
		t.Errorf("Len = %d, want 2", ix.Len())
	}
	if err := ix.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestAttach_RejectsDivergence(t *testing.T) {
	ix := sample(t)
	tests := []struct {
		name string
		d    Delta
	}{
		{"occupied slot", Delta{Op: DeltaAttach, ID: "Z", Parent: "R", Name: "docs"}},
		{"unknown parent", Delta{Op: DeltaAttach, ID: "Z", Parent: "Q", Name: "z"}},
		{"already indexed", Delta{Op: DeltaAttach, ID: "B", Parent: "R", Name: "b"}},
		{"detach unknown", Delta{Op: DeltaDetach, ID: "Q"}},
		{"detach root", Delta{Op: DeltaDetach, ID: "R"}},
	}
	for _, tt := range tests {
		if err := ix.Apply(tt.d); !errors.Is(err, ErrDiverged) {
			t.Errorf("%s: err = %v, want ErrDiverged", tt.name, err)
		}
	}
}

func TestCaseInsensitiveSlots(t *testing.T) {
	ix := New("R", tree.NameRules{CaseInsensitive: true})
	mustApply(t, ix, Delta{Op: DeltaAttach, ID: "A", Parent: "R", Name: "Docs"})
	if id, ok := ix.Lookup("/DOCS"); !ok || id != "A" {
		t.Errorf("Lookup(/DOCS) = %q, %v", id, ok)
	}
	if p, _ := ix.PathOf("A"); p != "/Docs" {
		t.Errorf("PathOf keeps display name, got %q", p)
	}
	if err := ix.Attach("B", "R", "docs"); !errors.Is(err, ErrDiverged) {
		t.Errorf("case-folded collision accepted: %v", err)
	}
}

func TestClone_Independent(t *testing.T) {
	ix := sample(t)
	c := ix.Clone()
	mustApply(t, c, Delta{Op: DeltaDetach, ID: "A"})
	if !ix.Contains("B") {
		t.Error("clone mutation leaked into original")
	}
}

func TestBuild(t *testing.T) {
	nodes := []*models.Node{
		{ID: "R", Kind: models.KindFolder},
		{ID: "A", ParentID: "R", Name: "docs", Kind: models.KindFolder},
		{ID: "B", ParentID: "A", Name: "x.txt"},
		{ID: "T", ParentID: "R", Name: "old", Kind: models.KindFolder, Trashed: true},
		{ID: "U", ParentID: "T", Name: "inside.txt"},
		{ID: "D1", ParentID: "R", Name: "dup", Seq: 4, Created: time.Unix(100, 0)},
		{ID: "D2", ParentID: "R", Name: "dup", Seq: 9, Created: time.Unix(200, 0)},
		{ID: "P", Kind: models.KindFolder, Provisional: true},
		{ID: "Q", ParentID: "P", Name: "waiting.txt"},
	}

	ix := Build("R", nil, nodes, LastApplied)
	if err := ix.Check(); err != nil {
		t.Fatal(err)
	}
	if id, _ := ix.Lookup("/docs/x.txt"); id != "B" {
		t.Errorf("/docs/x.txt = %q", id)
	}
	for _, id := range []string{"T", "U", "P", "Q", "D1"} {
		if ix.Contains(id) {
			t.Errorf("%s should not be indexed", id)
		}
	}
	if id, _ := ix.Lookup("/dup"); id != "D2" {
		t.Errorf("last-applied winner = %q, want D2", id)
	}

	if id, _ := Build("R", nil, nodes, KeepExisting).Lookup("/dup"); id != "D1" {
		t.Errorf("keep-existing winner = %q, want D1", id)
	}
	if id, _ := Build("R", nil, nodes, LowestID).Lookup("/dup"); id != "D1" {
		t.Errorf("lowest-id winner = %q, want D1", id)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{LastApplied, KeepExisting, LowestID} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePolicy("coin-flip"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
