// Package pathindex maintains the derived mapping between normalized
// absolute paths and node identifiers.
//
// The index is tree-shaped: each indexed node records its parent and name,
// and each parent maps normalized child names to identifiers. Moving a
// folder rewires one entry and its descendants follow. An Index is not
// safe for concurrent mutation; the sync engine clones it per batch and
// publishes the clone after the batch commits.
package pathindex

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// ErrDiverged reports a delta that does not fit the index, meaning index
// and store disagree and the index must be rebuilt.
var ErrDiverged = errors.New("path index diverged from store")

type entry struct {
	parent string
	name   string // display name
	key    string // normalized name
}

// Index maps paths to node identifiers and back.
type Index struct {
	norm    tree.Normalizer
	rootID  string
	entries map[string]entry
	slots   map[string]map[string]string // parent -> key -> id
}

// New returns an index holding only the root.
func New(rootID string, norm tree.Normalizer) *Index {
	if norm == nil {
		norm = tree.DefaultNormalizer()
	}
	ix := &Index{
		norm:    norm,
		rootID:  rootID,
		entries: make(map[string]entry),
		slots:   make(map[string]map[string]string),
	}
	if rootID != "" {
		ix.entries[rootID] = entry{}
	}
	return ix
}

// Clone returns an independent copy.
func (ix *Index) Clone() *Index {
	c := &Index{
		norm:    ix.norm,
		rootID:  ix.rootID,
		entries: make(map[string]entry, len(ix.entries)),
		slots:   make(map[string]map[string]string, len(ix.slots)),
	}
	for id, e := range ix.entries {
		c.entries[id] = e
	}
	for parent, kids := range ix.slots {
		m := make(map[string]string, len(kids))
		for k, id := range kids {
			m[k] = id
		}
		c.slots[parent] = m
	}
	return c
}

// RootID returns the root identifier.
func (ix *Index) RootID() string { return ix.rootID }

// Normalizer returns the name normalizer in use.
func (ix *Index) Normalizer() tree.Normalizer { return ix.norm }

// Key normalizes a display name.
func (ix *Index) Key(name string) string { return ix.norm.Normalize(name) }

// Len returns the number of indexed nodes, root included.
func (ix *Index) Len() int { return len(ix.entries) }

// Contains reports whether id is reachable by path.
func (ix *Index) Contains(id string) bool {
	_, ok := ix.entries[id]
	return ok
}

// Location returns the parent and display name under which id is indexed.
func (ix *Index) Location(id string) (parent, name string, ok bool) {
	e, ok := ix.entries[id]
	return e.parent, e.name, ok
}

// Lookup resolves an absolute path.
func (ix *Index) Lookup(path string) (string, bool) {
	if ix.rootID == "" {
		return "", false
	}
	id := ix.rootID
	for _, name := range tree.Split(tree.Clean(path)) {
		next, ok := ix.slots[id][ix.norm.Normalize(name)]
		if !ok {
			return "", false
		}
		id = next
	}
	return id, true
}

// Occupant returns the node indexed under parent with the given name.
func (ix *Index) Occupant(parent, name string) (string, bool) {
	id, ok := ix.slots[parent][ix.norm.Normalize(name)]
	return id, ok
}

// PathOf returns the absolute path of an indexed node.
func (ix *Index) PathOf(id string) (string, bool) {
	if _, ok := ix.entries[id]; !ok {
		return "", false
	}
	var names []string
	for cur := id; cur != ix.rootID; {
		e, ok := ix.entries[cur]
		if !ok || len(names) > len(ix.entries) {
			return "", false
		}
		names = append(names, e.name)
		cur = e.parent
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return tree.Join(names), true
}

// Children returns the indexed children of parent ordered by name.
func (ix *Index) Children(parent string) []string {
	kids := ix.slots[parent]
	ids := make([]string, 0, len(kids))
	for _, id := range kids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ix.entries[ids[i]].name < ix.entries[ids[j]].name
	})
	return ids
}

// Attach indexes id under parent. The parent must be indexed, the slot
// free and id not yet indexed.
func (ix *Index) Attach(id, parent, name string) error {
	if _, ok := ix.entries[id]; ok {
		return fmt.Errorf("%w: attach %s: already indexed", ErrDiverged, id)
	}
	if _, ok := ix.entries[parent]; !ok {
		return fmt.Errorf("%w: attach %s: parent %s not indexed", ErrDiverged, id, parent)
	}
	key := ix.norm.Normalize(name)
	if other, ok := ix.slots[parent][key]; ok {
		return fmt.Errorf("%w: attach %s: slot %q held by %s", ErrDiverged, id, name, other)
	}
	ix.entries[id] = entry{parent: parent, name: name, key: key}
	kids := ix.slots[parent]
	if kids == nil {
		kids = make(map[string]string)
		ix.slots[parent] = kids
	}
	kids[key] = id
	return nil
}

// Move re-homes an indexed node and, implicitly, its subtree.
func (ix *Index) Move(id, parent, name string) error {
	e, ok := ix.entries[id]
	if !ok {
		return fmt.Errorf("%w: move %s: not indexed", ErrDiverged, id)
	}
	if _, ok := ix.entries[parent]; !ok {
		return fmt.Errorf("%w: move %s: parent %s not indexed", ErrDiverged, id, parent)
	}
	for cur := parent; cur != ix.rootID; cur = ix.entries[cur].parent {
		if cur == id {
			return fmt.Errorf("%w: move %s under itself", ErrDiverged, id)
		}
	}
	key := ix.norm.Normalize(name)
	if other, ok := ix.slots[parent][key]; ok && other != id {
		return fmt.Errorf("%w: move %s: slot %q held by %s", ErrDiverged, id, name, other)
	}
	ix.unlink(id, e)
	ix.entries[id] = entry{parent: parent, name: name, key: key}
	kids := ix.slots[parent]
	if kids == nil {
		kids = make(map[string]string)
		ix.slots[parent] = kids
	}
	kids[key] = id
	return nil
}

// Detach removes id and every indexed descendant.
func (ix *Index) Detach(id string) error {
	e, ok := ix.entries[id]
	if !ok {
		return fmt.Errorf("%w: detach %s: not indexed", ErrDiverged, id)
	}
	if id == ix.rootID {
		return fmt.Errorf("%w: detach root", ErrDiverged)
	}
	ix.unlink(id, e)
	ix.drop(id)
	return nil
}

func (ix *Index) unlink(id string, e entry) {
	if kids := ix.slots[e.parent]; kids != nil && kids[e.key] == id {
		delete(kids, e.key)
		if len(kids) == 0 {
			delete(ix.slots, e.parent)
		}
	}
}

func (ix *Index) drop(id string) {
	for _, child := range ix.slots[id] {
		ix.drop(child)
	}
	delete(ix.slots, id)
	delete(ix.entries, id)
}

// DeltaOp is the kind of an index delta.
type DeltaOp int

const (
	DeltaAttach DeltaOp = iota
	DeltaMove
	DeltaDetach
)

func (o DeltaOp) String() string {
	switch o {
	case DeltaAttach:
		return "attach"
	case DeltaMove:
		return "move"
	default:
		return "detach"
	}
}

// Delta is one incremental index update.
type Delta struct {
	Op     DeltaOp
	ID     string
	Parent string
	Name   string
}

// Apply performs a delta.
func (ix *Index) Apply(d Delta) error {
	switch d.Op {
	case DeltaAttach:
		return ix.Attach(d.ID, d.Parent, d.Name)
	case DeltaMove:
		return ix.Move(d.ID, d.Parent, d.Name)
	case DeltaDetach:
		return ix.Detach(d.ID)
	}
	return fmt.Errorf("unknown delta op %d", d.Op)
}

// Eligible reports whether n may be indexed at all, given an indexed
// parent: trashed nodes, provisional placeholders and the root never
// compete for a slot.
func Eligible(n *models.Node) bool {
	return n != nil && !n.Trashed && !n.Provisional && n.ParentID != ""
}

// Build reconstructs the index from every stored node, walking from the
// root, skipping trashed subtrees and resolving same-name siblings with
// policy.
func Build(rootID string, norm tree.Normalizer, nodes []*models.Node, policy Policy) *Index {
	ix := New(rootID, norm)
	if rootID == "" {
		return ix
	}
	children := make(map[string][]*models.Node)
	for _, n := range nodes {
		if Eligible(n) {
			children[n.ParentID] = append(children[n.ParentID], n)
		}
	}
	queue := []string{rootID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		groups := make(map[string][]*models.Node)
		var keys []string
		for _, n := range children[parent] {
			k := ix.norm.Normalize(n.Name)
			if _, seen := groups[k]; !seen {
				keys = append(keys, k)
			}
			groups[k] = append(groups[k], n)
		}
		for _, k := range keys {
			w := policy.Best(groups[k])
			if ix.Contains(w.ID) {
				continue
			}
			ix.entries[w.ID] = entry{parent: parent, name: w.Name, key: k}
			kids := ix.slots[parent]
			if kids == nil {
				kids = make(map[string]string)
				ix.slots[parent] = kids
			}
			kids[k] = w.ID
			queue = append(queue, w.ID)
		}
	}
	return ix
}

// Equal reports whether two indexes expose the same paths.
func Equal(a, b *Index) bool {
	if a.rootID != b.rootID || len(a.entries) != len(b.entries) {
		return false
	}
	for id, e := range a.entries {
		f, ok := b.entries[id]
		if !ok || e.parent != f.parent || e.name != f.name {
			return false
		}
	}
	return true
}

// Check verifies internal consistency: every entry is reachable from the
// root through its slot and slots point back to their entries.
func (ix *Index) Check() error {
	for id := range ix.entries {
		if id == ix.rootID {
			continue
		}
		if _, ok := ix.PathOf(id); !ok {
			return fmt.Errorf("%w: %s unreachable", ErrDiverged, id)
		}
		e := ix.entries[id]
		if ix.slots[e.parent][e.key] != id {
			return fmt.Errorf("%w: slot of %s points elsewhere", ErrDiverged, id)
		}
	}
	for parent, kids := range ix.slots {
		for key, id := range kids {
			e, ok := ix.entries[id]
			if !ok || e.parent != parent || e.key != key {
				return fmt.Errorf("%w: dangling slot %q under %s", ErrDiverged, key, parent)
			}
		}
	}
	return nil
}
