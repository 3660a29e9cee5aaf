package drive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/internal/transfer"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Download copies the node named by ref, a path or an ID, into destDir.
// Trashed nodes and anything under them are not found.
// Folders are copied recursively as of the current mirror. Files fail
// independently; the error joins one *models.TransferError per failure.
func (d *Drive) Download(ctx context.Context, ref, destDir string) error {
	items, err := d.plan(ctx, ref, destDir)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := os.MkdirAll(filepath.Dir(it.Dest), 0o755); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
	}
	d.log.Info("download started", zap.String("ref", ref), zap.Int("files", len(items)))
	return d.xfer.Download(ctx, items)
}

// plan lists the files under ref with their destinations.
func (d *Drive) plan(ctx context.Context, ref, destDir string) ([]transfer.Item, error) {
	var items []transfer.Item
	err := d.eng.View(func(st store.Store, ix *pathindex.Index) error {
		var top *models.Node
		var err error
		if tree.IsAbs(ref) {
			top, err = lookupPath(ctx, st, ix, ref)
		} else {
			top, err = st.Get(ctx, ref)
			if err == nil && (!visible(top) || !ix.Contains(ref)) {
				err = models.NotFound(ref)
			}
		}
		if err != nil {
			return err
		}

		name := top.Name
		if top.IsRoot() {
			name = ""
		}
		type pending struct {
			node *models.Node
			key  string
		}
		queue := []pending{{top, name}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.node.IsFile() {
				remote, _ := ix.PathOf(cur.node.ID)
				items = append(items, transfer.Item{
					Node: cur.node,
					Path: remote,
					Dest: filepath.Join(destDir, filepath.FromSlash(cur.key)),
					Key:  cur.key,
				})
				continue
			}
			if err := os.MkdirAll(filepath.Join(destDir, filepath.FromSlash(cur.key)), 0o755); err != nil {
				return fmt.Errorf("create destination: %w", err)
			}
			for _, id := range ix.Children(cur.node.ID) {
				n, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				if n != nil {
					queue = append(queue, pending{n, path.Join(cur.key, n.Name)})
				}
			}
		}
		return nil
	})
	return items, err
}

// Upload sends the local file src into the folder named by parentRef. An
// empty name keeps the local file name.
func (d *Drive) Upload(ctx context.Context, src, parentRef, name string) (*models.Node, error) {
	if name == "" {
		name = filepath.Base(src)
	}
	if !tree.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidName, name)
	}
	parent, err := d.Resolve(ctx, parentRef)
	if err != nil {
		return nil, err
	}
	if !parent.IsFolder() {
		return nil, &models.LookupError{Ref: parentRef, Err: models.ErrNotFolder}
	}
	// Trashed folders and their subtrees are not indexed.
	if _, err := d.WhichPath(ctx, parent.ID); err != nil {
		return nil, err
	}
	if _, err := d.GetChildByName(ctx, parent.ID, name); err == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrExists, name)
	} else if !models.IsNotFound(err) {
		return nil, err
	}
	return d.xfer.Upload(ctx, src, parent.ID, name)
}
