package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Remote mutations go to the driver only. The mirror picks up their effect
// on the next sync.

// CreateFolder creates name under parentID. When the name is taken by a
// folder and existOK is set, that folder is returned instead.
func (d *Drive) CreateFolder(ctx context.Context, parentID, name string, existOK bool) (*models.Node, error) {
	if !tree.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidName, name)
	}
	var existing *models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		if _, err := folderOf(ctx, st, parentID); err != nil {
			return err
		}
		id, ok := ix.Occupant(parentID, name)
		if !ok {
			return nil
		}
		n, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		existing = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existOK && existing.IsFolder() {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", models.ErrExists, name)
	}

	n, err := call(ctx, d, "create_folder", func() (*models.Node, error) {
		return d.drv.CreateFolder(ctx, parentID, name)
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("folder created", zap.String("parent", parentID), zap.String("name", name), zap.String("node", n.ID))
	return n, nil
}

// Trash moves a node to the remote trash.
func (d *Drive) Trash(ctx context.Context, id string) error {
	n, err := d.GetNodeByID(ctx, id)
	if err != nil {
		return err
	}
	if n.IsRoot() {
		return models.ErrRootNode
	}
	if n.Trashed {
		return &models.LookupError{Ref: id, Err: models.ErrTrashed}
	}
	if _, err := call(ctx, d, "trash", func() (struct{}, error) {
		return struct{}{}, d.drv.Trash(ctx, id)
	}); err != nil {
		return err
	}
	d.log.Info("node trashed", zap.String("node", id))
	return nil
}

// Delete removes a node permanently. Trashed nodes can be deleted too.
func (d *Drive) Delete(ctx context.Context, id string) error {
	var n *models.Node
	err := d.eng.View(func(st store.Store, _ *pathindex.Index) error {
		var err error
		n, err = st.Get(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if n == nil || n.Provisional {
		return models.NotFound(id)
	}
	if n.IsRoot() {
		return models.ErrRootNode
	}
	if _, err := call(ctx, d, "delete", func() (struct{}, error) {
		return struct{}{}, d.drv.Delete(ctx, id)
	}); err != nil {
		return err
	}
	d.log.Info("node deleted", zap.String("node", id))
	return nil
}

// Rename moves id under newParentID as newName. An empty newParentID keeps
// the current parent and an empty newName keeps the current name.
func (d *Drive) Rename(ctx context.Context, id, newParentID, newName string) (*models.Node, error) {
	if newParentID == "" && newName == "" {
		return nil, errors.New("rename: need a new parent or a new name")
	}
	if newName != "" && !tree.ValidName(newName) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidName, newName)
	}

	var node *models.Node
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		n, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case n == nil || n.Provisional:
			return models.NotFound(id)
		case n.Trashed:
			return &models.LookupError{Ref: id, Err: models.ErrTrashed}
		case n.IsRoot():
			return models.ErrRootNode
		}
		node = n

		parent := n.ParentID
		if newParentID != "" {
			parent = newParentID
			if err := checkDestination(ctx, st, n.ID, parent); err != nil {
				return err
			}
		}
		name := newName
		if name == "" {
			name = n.Name
		}
		if occ, ok := ix.Occupant(parent, name); ok && occ != id {
			return fmt.Errorf("%w: %s", models.ErrExists, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	parent, name := newParentID, newName
	if parent == "" {
		parent = node.ParentID
	}
	if name == "" {
		name = node.Name
	}
	if parent == node.ParentID && name == node.Name {
		return node, nil
	}
	moved, err := call(ctx, d, "move", func() (*models.Node, error) {
		return d.drv.Move(ctx, id, parent, name)
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("node moved",
		zap.String("node", id),
		zap.String("parent", parent),
		zap.String("name", name))
	return moved, nil
}

// checkDestination validates parentID as the new parent of id: a live
// folder that is not id itself or one of its descendants.
func checkDestination(ctx context.Context, st store.Reader, id, parentID string) error {
	p, err := folderOf(ctx, st, parentID)
	if err != nil {
		return err
	}
	for steps := 0; p != nil; steps++ {
		if p.ID == id {
			return models.ErrLineage
		}
		if p.ParentID == "" || steps > 1<<16 {
			return nil
		}
		if p, err = st.Get(ctx, p.ParentID); err != nil {
			return err
		}
	}
	return nil
}

// folderOf returns the live folder id.
func folderOf(ctx context.Context, st store.Reader, id string) (*models.Node, error) {
	n, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case n == nil || n.Provisional:
		return nil, models.NotFound(id)
	case n.Trashed:
		return nil, &models.LookupError{Ref: id, Err: models.ErrTrashed}
	case !n.IsFolder():
		return nil, &models.LookupError{Ref: id, Err: models.ErrNotFolder}
	}
	return n, nil
}

// RenameByPath renames or moves srcPath to dstPath.
//
// A bare name renames in place and "." leaves the node alone. Other
// relative destinations resolve against the source's folder. An existing
// folder destination receives the node under its current name; an existing
// file destination is a conflict. Otherwise the node moves into the
// destination's parent, which must exist, under the destination's name.
func (d *Drive) RenameByPath(ctx context.Context, srcPath, dstPath string) (*models.Node, error) {
	src := tree.Clean(srcPath)
	node, err := d.GetNodeByPath(ctx, src)
	if err != nil {
		return nil, err
	}

	dst := dstPath
	if !tree.IsAbs(dst) {
		if !strings.Contains(dst, "/") {
			switch dst {
			case ".", "":
				return node, nil
			case "..":
			default:
				return d.Rename(ctx, node.ID, "", dst)
			}
		}
		dst = tree.Resolve(tree.Parent(src), dst)
	} else {
		dst = tree.Clean(dst)
	}

	target, err := d.GetNodeByPath(ctx, dst)
	switch {
	case models.IsNotFound(err):
		parent, perr := d.GetNodeByPath(ctx, tree.Parent(dst))
		if models.IsNotFound(perr) {
			return nil, fmt.Errorf("%w: no folder holds %s", models.ErrLineage, dst)
		}
		if perr != nil {
			return nil, perr
		}
		return d.Rename(ctx, node.ID, parent.ID, tree.Base(dst))
	case err != nil:
		return nil, err
	case target.IsFile():
		return nil, fmt.Errorf("%w: %s", models.ErrExists, dst)
	default:
		return d.Rename(ctx, node.ID, target.ID, "")
	}
}
