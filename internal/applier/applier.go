// Package applier reconciles one remote change record against the staged
// node store and the working path index.
//
// Apply reads the store through a store.Reader and never writes it; the
// store mutations it decides on are returned for the caller to stage and
// commit. The path index passed in is the caller's working copy for the
// current batch and is updated in place; the deltas applied to it are
// returned alongside the mutations.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Result is the outcome of applying one record.
type Result struct {
	Mutations []store.Mutation
	Deltas    []pathindex.Delta
	// Events holds one event for the record when it changed anything,
	// plus one conflict event per conflict.
	Events    []models.Event
	Conflicts []*models.ConflictError
}

// Mutated reports whether the record changed the store.
func (r *Result) Mutated() bool {
	return len(r.Mutations) > 0
}

// Applier holds the reconciliation policy.
type Applier struct {
	Policy pathindex.Policy
	Now    func() time.Time
}

// New returns an Applier using policy.
func New(policy pathindex.Policy) *Applier {
	return &Applier{Policy: policy, Now: time.Now}
}

// Apply reconciles c, which is assigned sequence number seq if it changes
// anything. Events of a record that changes nothing carry seq-1, the number
// of the last applied record. Errors are storage failures from st or pathindex.ErrDiverged
// when ix disagrees with st; conflicts are reported in the Result.
func (a *Applier) Apply(ctx context.Context, st store.Reader, ix *pathindex.Index, c models.Change, seq int64) (Result, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	r := &run{
		ctx:     ctx,
		ov:      store.NewOverlay(st),
		ix:      ix,
		policy:  a.Policy,
		seq:     seq,
		now:     now(),
		subject: c.ID,
	}

	var err error
	switch {
	case c.ID == "":
		r.conflict("", "change record without node id")
	case c.Kind == models.ChangeTrash:
		err = r.trash(c.ID)
	case c.Kind == models.ChangeDelete:
		err = r.remove(c.ID)
	default:
		err = r.upsert(c)
	}
	if err != nil {
		return Result{}, err
	}

	r.res.Mutations = r.ov.Mutations()
	evSeq := seq
	if !r.res.Mutated() {
		evSeq = seq - 1
	}
	for i := range r.res.Events {
		r.res.Events[i].Seq = evSeq
	}
	return r.res, nil
}

type run struct {
	ctx     context.Context
	ov      *store.Overlay
	ix      *pathindex.Index
	policy  pathindex.Policy
	seq     int64
	now     time.Time
	subject string
	res     Result
}

func (r *run) put(n *models.Node) {
	n.Seq = r.seq
	r.ov.Apply(store.Put(n))
}

func (r *run) delta(d pathindex.Delta) error {
	if err := r.ix.Apply(d); err != nil {
		return err
	}
	r.res.Deltas = append(r.res.Deltas, d)
	return nil
}

func (r *run) event(kind models.EventKind, id, before, after string) {
	r.res.Events = append(r.res.Events, models.Event{
		Kind:       kind,
		NodeID:     id,
		PathBefore: before,
		PathAfter:  after,
		Time:       r.now,
	})
}

func (r *run) conflict(id, reason string) {
	path, _ := r.ix.PathOf(id)
	r.res.Conflicts = append(r.res.Conflicts, &models.ConflictError{NodeID: id, Reason: reason})
	r.res.Events = append(r.res.Events, models.Event{
		Kind:       models.EventConflict,
		NodeID:     id,
		PathBefore: path,
		Reason:     reason,
		Time:       r.now,
	})
}

func (r *run) pathOf(id string) string {
	p, _ := r.ix.PathOf(id)
	return p
}

// upsert handles create, update, move and upsert records.
func (r *run) upsert(c models.Change) error {
	old, err := r.ov.Get(r.ctx, c.ID)
	if err != nil {
		return err
	}

	if c.ID == r.ix.RootID() {
		return r.updateRoot(c, old)
	}

	var target *models.Node
	switch {
	case old == nil && c.Node == nil &&
		(c.ParentID == "" || c.Kind == models.ChangeMove || c.Kind == models.ChangeUpdate):
		r.conflict(c.ID, fmt.Sprintf("%s of unknown node without attributes", c.Kind))
		return nil
	case old != nil && c.Node == nil:
		target = old.Clone()
		if c.ParentID != "" {
			target.ParentID = c.ParentID
		}
		if c.Name != "" {
			target.Name = c.Name
		}
	default:
		target = c.Target()
	}
	if c.Kind == models.ChangeUpdate && old != nil && !old.Provisional {
		target.ParentID = old.ParentID
		target.Name = old.Name
		target.Trashed = old.Trashed
	}
	target.Provisional = false

	if old != nil && models.SameContent(old, target) {
		return nil
	}
	if target.ParentID == "" {
		r.conflict(c.ID, "node without parent is not the root")
		return nil
	}
	if !tree.ValidName(target.Name) {
		r.conflict(c.ID, fmt.Sprintf("invalid name %q", target.Name))
		return nil
	}
	if target.ParentID == c.ID {
		r.conflict(c.ID, "node cannot be its own parent")
		return nil
	}

	parent, err := r.ov.Get(r.ctx, target.ParentID)
	if err != nil {
		return err
	}
	switch {
	case parent == nil:
		r.put(&models.Node{ID: target.ParentID, Kind: models.KindFolder, Provisional: true})
	case !parent.IsFolder():
		r.conflict(c.ID, fmt.Sprintf("parent %s is not a folder", parent.ID))
		return nil
	}

	if old != nil {
		cyclic, err := r.isAncestor(c.ID, target.ParentID)
		if err != nil {
			return err
		}
		if cyclic {
			r.conflict(c.ID, fmt.Sprintf("moving under %s would create a cycle", target.ParentID))
			return nil
		}
	}

	before := r.pathOf(c.ID)
	if old != nil && !old.Provisional && old.ParentID == target.ParentID &&
		old.Name == target.Name && old.Trashed == target.Trashed {
		// Same place: keep the rank among same-named siblings.
		target.Seq = old.Seq
		r.ov.Apply(store.Put(target))
	} else {
		r.put(target)
	}
	if err := r.reindex(c.ID, target); err != nil {
		return err
	}
	r.event(classify(old, target), c.ID, before, r.pathOf(c.ID))
	return nil
}

// updateRoot accepts metadata for the root but never a new position.
func (r *run) updateRoot(c models.Change, old *models.Node) error {
	if old == nil {
		r.conflict(c.ID, "root missing from store")
		return nil
	}
	if c.Kind == models.ChangeMove || (c.Node != nil && c.Node.Trashed) || c.ParentID != "" {
		r.conflict(c.ID, "root cannot be moved or trashed")
		return nil
	}
	if c.Node == nil {
		return nil
	}
	target := c.Node.Clone()
	target.ID = old.ID
	target.ParentID = ""
	target.Name = old.Name
	target.Kind = models.KindFolder
	target.Trashed = false
	target.Provisional = false
	if models.SameContent(old, target) {
		return nil
	}
	r.put(target)
	r.event(models.EventUpdated, c.ID, "/", "/")
	return nil
}

func classify(old, n *models.Node) models.EventKind {
	switch {
	case old == nil || old.Provisional:
		return models.EventCreated
	case old.Trashed && !n.Trashed:
		return models.EventRestored
	case !old.Trashed && n.Trashed:
		return models.EventTrashed
	case old.ParentID != n.ParentID || old.Name != n.Name:
		return models.EventMoved
	default:
		return models.EventUpdated
	}
}

// isAncestor reports whether id is parentID or one of its ancestors.
func (r *run) isAncestor(id, parentID string) (bool, error) {
	seen := make(map[string]bool)
	for cur := parentID; cur != ""; {
		if cur == id {
			return true, nil
		}
		if seen[cur] {
			return false, nil
		}
		seen[cur] = true
		n, err := r.ov.Get(r.ctx, cur)
		if err != nil {
			return false, err
		}
		if n == nil {
			return false, nil
		}
		cur = n.ParentID
	}
	return false, nil
}

func (r *run) trash(id string) error {
	old, err := r.ov.Get(r.ctx, id)
	if err != nil || old == nil || old.Trashed {
		return err
	}
	if id == r.ix.RootID() {
		r.conflict(id, "root cannot be trashed")
		return nil
	}
	target := old.Clone()
	target.Trashed = true
	before := r.pathOf(id)
	r.put(target)
	if err := r.reindex(id, target); err != nil {
		return err
	}
	r.event(models.EventTrashed, id, before, "")
	return nil
}

func (r *run) remove(id string) error {
	old, err := r.ov.Get(r.ctx, id)
	if err != nil || old == nil {
		return err
	}
	if id == r.ix.RootID() {
		r.conflict(id, "root cannot be deleted")
		return nil
	}
	before := r.pathOf(id)

	// Post-order over the stored subtree, trashed descendants included.
	var ids []string
	var visit func(string) error
	visit = func(cur string) error {
		kids, err := r.ov.Children(r.ctx, cur)
		if err != nil {
			return err
		}
		for _, k := range kids {
			if err := visit(k.ID); err != nil {
				return err
			}
		}
		ids = append(ids, cur)
		return nil
	}
	if err := visit(id); err != nil {
		return err
	}
	for _, cur := range ids {
		r.ov.Apply(store.Remove(cur))
	}

	if parent, name, ok := r.ix.Location(id); ok {
		if err := r.delta(pathindex.Delta{Op: pathindex.DeltaDetach, ID: id}); err != nil {
			return err
		}
		if err := r.resolve(parent, name); err != nil {
			return err
		}
	}
	r.event(models.EventDeleted, id, before, "")
	return nil
}

// reindex brings the index in line with the staged state of id.
func (r *run) reindex(id string, n *models.Node) error {
	oldParent, oldName, attached := r.ix.Location(id)
	eligible := pathindex.Eligible(n) && r.ix.Contains(n.ParentID)

	if attached && !eligible {
		if err := r.delta(pathindex.Delta{Op: pathindex.DeltaDetach, ID: id}); err != nil {
			return err
		}
		return r.resolve(oldParent, oldName)
	}
	if !eligible {
		return nil
	}

	if err := r.resolve(n.ParentID, n.Name); err != nil {
		return err
	}
	if !attached {
		return nil
	}
	// id lost the new slot but still sits at its previous one.
	if p, name, ok := r.ix.Location(id); ok && p == oldParent && r.ix.Key(name) == r.ix.Key(oldName) &&
		(p != n.ParentID || r.ix.Key(name) != r.ix.Key(n.Name)) {
		if err := r.delta(pathindex.Delta{Op: pathindex.DeltaDetach, ID: id}); err != nil {
			return err
		}
	}
	if oldParent != n.ParentID || r.ix.Key(oldName) != r.ix.Key(n.Name) {
		return r.resolve(oldParent, oldName)
	}
	return nil
}

// resolve gives the slot (parent, name) to the preferred eligible child.
// The parent must be indexed.
func (r *run) resolve(parent, name string) error {
	if !r.ix.Contains(parent) {
		return nil
	}
	key := r.ix.Key(name)
	kids, err := r.ov.Children(r.ctx, parent)
	if err != nil {
		return err
	}
	var cands []*models.Node
	for _, k := range kids {
		if pathindex.Eligible(k) && r.ix.Key(k.Name) == key {
			cands = append(cands, k)
		}
	}
	w := r.policy.Best(cands)
	occupant, occupied := r.ix.Occupant(parent, name)

	if w == nil {
		if occupied {
			return r.delta(pathindex.Delta{Op: pathindex.DeltaDetach, ID: occupant})
		}
		return nil
	}
	switch {
	case occupied && occupant == w.ID:
		if _, cur, _ := r.ix.Location(w.ID); cur != w.Name {
			if err := r.delta(pathindex.Delta{Op: pathindex.DeltaMove, ID: w.ID, Parent: parent, Name: w.Name}); err != nil {
				return err
			}
		}
	default:
		if occupied {
			if err := r.delta(pathindex.Delta{Op: pathindex.DeltaDetach, ID: occupant}); err != nil {
				return err
			}
		}
		if r.ix.Contains(w.ID) {
			if err := r.delta(pathindex.Delta{Op: pathindex.DeltaMove, ID: w.ID, Parent: parent, Name: w.Name}); err != nil {
				return err
			}
		} else if err := r.attachTree(w, parent); err != nil {
			return err
		}
	}

	if len(cands) > 1 {
		path := r.pathOf(w.ID)
		for _, c := range cands {
			if c.ID != w.ID && (c.ID == r.subject || c.ID == occupant) {
				r.conflict(c.ID, fmt.Sprintf("name collision at %s, shadowed by %s", path, w.ID))
			}
		}
	}
	return nil
}

// attachTree indexes n under parent and then its eligible descendants.
func (r *run) attachTree(n *models.Node, parent string) error {
	type item struct {
		node   *models.Node
		parent string
	}
	stack := []item{{n, parent}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := r.delta(pathindex.Delta{Op: pathindex.DeltaAttach, ID: it.node.ID, Parent: it.parent, Name: it.node.Name}); err != nil {
			return err
		}
		kids, err := r.ov.Children(r.ctx, it.node.ID)
		if err != nil {
			return err
		}
		groups := make(map[string][]*models.Node)
		for _, k := range kids {
			if pathindex.Eligible(k) {
				key := r.ix.Key(k.Name)
				groups[key] = append(groups[key], k)
			}
		}
		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			stack = append(stack, item{r.policy.Best(groups[k]), it.node.ID})
		}
	}
	return nil
}

// IsDiverged reports whether err means the index must be rebuilt.
func IsDiverged(err error) bool {
	return errors.Is(err, pathindex.ErrDiverged)
}
