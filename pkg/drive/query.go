package drive

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/gobwas/glob"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Entry pairs a node with its current path.
type Entry struct {
	Path string       `json:"path"`
	Node *models.Node `json:"node"`
}

// visible reports whether n is a live node of the mirror.
func visible(n *models.Node) bool {
	return n != nil && !n.Trashed && !n.Provisional
}

// Root returns the root folder. It fails with ErrNotFound before the first
// sync.
func (d *Drive) Root(ctx context.Context) (*models.Node, error) {
	var root *models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		if ix.RootID() == "" {
			return models.NotFound("/")
		}
		n, err := st.Get(ctx, ix.RootID())
		if err != nil {
			return err
		}
		if n == nil {
			return models.NotFound("/")
		}
		root = n
		return nil
	})
	return root, err
}

// GetNodeByID returns a node of the mirror, trashed ones included.
// Unresolved placeholders count as absent.
func (d *Drive) GetNodeByID(ctx context.Context, id string) (*models.Node, error) {
	var node *models.Node
	err := d.eng.View(func(st store.Store, _ *pathindex.Index) error {
		n, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		if n == nil || n.Provisional {
			return models.NotFound(id)
		}
		node = n
		return nil
	})
	return node, err
}

// GetNodeByPath resolves an absolute path through the path index.
func (d *Drive) GetNodeByPath(ctx context.Context, path string) (*models.Node, error) {
	var node *models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		n, err := lookupPath(ctx, st, ix, path)
		node = n
		return err
	})
	return node, err
}

func lookupPath(ctx context.Context, st store.Reader, ix *pathindex.Index, path string) (*models.Node, error) {
	id, ok := ix.Lookup(path)
	if !ok {
		return nil, models.NotFound(path)
	}
	n, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, models.NotFound(path)
	}
	return n, nil
}

// Resolve accepts either an absolute path or a node ID. Like GetNodeByID,
// an ID may name a trashed node.
func (d *Drive) Resolve(ctx context.Context, ref string) (*models.Node, error) {
	if tree.IsAbs(ref) {
		return d.GetNodeByPath(ctx, ref)
	}
	return d.GetNodeByID(ctx, ref)
}

// ListChildren returns the live children of a folder ordered by name. A
// trashed folder has none and counts as absent.
func (d *Drive) ListChildren(ctx context.Context, folderID string) ([]*models.Node, error) {
	var kids []*models.Node
	err := d.eng.View(func(st store.Store, _ *pathindex.Index) error {
		parent, err := st.Get(ctx, folderID)
		if err != nil {
			return err
		}
		if !visible(parent) {
			return models.NotFound(folderID)
		}
		if !parent.IsFolder() {
			return &models.LookupError{Ref: folderID, Err: models.ErrNotFolder}
		}
		all, err := st.Children(ctx, folderID)
		if err != nil {
			return err
		}
		for _, n := range all {
			if visible(n) {
				kids = append(kids, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(kids, func(i, j int) bool { return kids[i].Name < kids[j].Name })
	return kids, nil
}

// GetChildByName returns the child indexed under name in folderID.
func (d *Drive) GetChildByName(ctx context.Context, folderID, name string) (*models.Node, error) {
	var node *models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		id, ok := ix.Occupant(folderID, name)
		if !ok {
			return models.NotFound(folderID + "/" + name)
		}
		n, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return models.NotFound(id)
		}
		node = n
		return nil
	})
	return node, err
}

// WhichPath returns the current absolute path of a node.
func (d *Drive) WhichPath(ctx context.Context, id string) (string, error) {
	var path string
	err := d.eng.View(func(_ store.Store, ix *pathindex.Index) error {
		p, ok := ix.PathOf(id)
		if !ok {
			return models.NotFound(id)
		}
		path = p
		return nil
	})
	return path, err
}

// WalkFunc receives one folder with its live subfolders and files.
type WalkFunc func(folder *models.Node, folders, files []*models.Node) error

// Walk visits the subtree under folderID breadth first. The subtree is read
// under one consistent view; fn runs after that view is released, so it may
// call back into the drive.
func (d *Drive) Walk(ctx context.Context, folderID string, fn WalkFunc) error {
	type level struct {
		folder         *models.Node
		folders, files []*models.Node
	}
	var levels []level
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		top, err := st.Get(ctx, folderID)
		if err != nil {
			return err
		}
		if !visible(top) || !ix.Contains(folderID) {
			return models.NotFound(folderID)
		}
		if !top.IsFolder() {
			return &models.LookupError{Ref: folderID, Err: models.ErrNotFolder}
		}
		queue := []*models.Node{top}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			cur := queue[0]
			queue = queue[1:]
			lv := level{folder: cur}
			for _, id := range ix.Children(cur.ID) {
				n, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				if n == nil {
					continue
				}
				if n.IsFolder() {
					lv.folders = append(lv.folders, n)
					queue = append(queue, n)
				} else {
					lv.files = append(lv.files, n)
				}
			}
			levels = append(levels, lv)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, lv := range levels {
		if err := fn(lv.folder, lv.folders, lv.files); err != nil {
			return err
		}
	}
	return nil
}

// FindByRegex returns the live nodes whose name matches pattern, ordered by
// path.
func (d *Drive) FindByRegex(ctx context.Context, pattern string) ([]Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	return d.find(ctx, func(path string, n *models.Node) bool {
		return re.MatchString(n.Name)
	})
}

// FindByGlob returns the live nodes whose absolute path matches pattern.
// "*" stays within one path component, "**" crosses them. A relative
// pattern matches at any depth.
func (d *Drive) FindByGlob(ctx context.Context, pattern string) ([]Entry, error) {
	if !tree.IsAbs(pattern) {
		pattern = "**/" + pattern
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compile glob: %w", err)
	}
	return d.find(ctx, func(path string, _ *models.Node) bool {
		return g.Match(path)
	})
}

func (d *Drive) find(ctx context.Context, match func(path string, n *models.Node) bool) ([]Entry, error) {
	var out []Entry
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		return st.Walk(ctx, func(n *models.Node) error {
			if !visible(n) || n.IsRoot() {
				return nil
			}
			path, ok := ix.PathOf(n.ID)
			if !ok {
				return nil
			}
			if match(path, n) {
				out = append(out, Entry{Path: path, Node: n})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// FindDuplicates returns groups of live siblings whose names collide under
// the driver's comparison rules. Only the policy winner of each group is
// reachable by path.
func (d *Drive) FindDuplicates(ctx context.Context) ([][]*models.Node, error) {
	var groups [][]*models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		var err error
		groups, err = st.Duplicates(ctx, ix.Normalizer())
		return err
	})
	return groups, err
}

// FindOrphans returns placeholders still waiting for their create record
// and nodes whose parent is unknown.
func (d *Drive) FindOrphans(ctx context.Context) ([]*models.Node, error) {
	var nodes []*models.Node
	err := d.eng.View(func(st store.Store, _ *pathindex.Index) error {
		var err error
		nodes, err = st.Orphans(ctx)
		return err
	})
	return nodes, err
}

// Trashed returns the nodes in the remote trash.
func (d *Drive) Trashed(ctx context.Context) ([]*models.Node, error) {
	var nodes []*models.Node
	err := d.eng.View(func(st store.Store, _ *pathindex.Index) error {
		var err error
		nodes, err = st.Trashed(ctx)
		return err
	})
	return nodes, err
}

// Stats summarizes the mirror.
type Stats struct {
	Nodes   int    `json:"nodes"`
	Indexed int    `json:"indexed"`
	Cursor  string `json:"cursor"`
	Seq     int64  `json:"seq"`
	Synced  bool   `json:"synced"`
}

// Stats reports counts and the committed checkpoint.
func (d *Drive) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		n, err := st.Count(ctx)
		if err != nil {
			return err
		}
		cp, ok, err := st.Checkpoint(ctx)
		if err != nil {
			return err
		}
		s = Stats{Nodes: n, Indexed: ix.Len(), Cursor: cp.Cursor, Seq: cp.Seq, Synced: ok}
		return nil
	})
	return s, err
}
