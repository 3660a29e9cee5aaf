package driver

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/drivesync/pkg/models"
)

// ObserveFunc receives the outcome of every driver call.
type ObserveFunc func(op string, elapsed time.Duration, err error)

// Observe returns middleware reporting each call to fn.
func Observe(fn ObserveFunc) Middleware {
	return func(d Driver) Driver {
		return &observed{next: d, fn: fn}
	}
}

type observed struct {
	next Driver
	fn   ObserveFunc
}

func (o *observed) Unwrap() Driver { return o.next }

func (o *observed) done(op string, start time.Time, err error) {
	o.fn(op, time.Since(start), err)
}

func (o *observed) Authenticate(ctx context.Context) error {
	start := time.Now()
	err := o.next.Authenticate(ctx)
	o.done("authenticate", start, err)
	return err
}

func (o *observed) RootID(ctx context.Context) (string, error) {
	start := time.Now()
	id, err := o.next.RootID(ctx)
	o.done("root_id", start, err)
	return id, err
}

func (o *observed) GetNode(ctx context.Context, id string) (*models.Node, error) {
	start := time.Now()
	n, err := o.next.GetNode(ctx, id)
	o.done("get_node", start, err)
	return n, err
}

func (o *observed) ListChanges(ctx context.Context, cursor string) (ChangeBatch, error) {
	start := time.Now()
	b, err := o.next.ListChanges(ctx, cursor)
	o.done("list_changes", start, err)
	return b, err
}

func (o *observed) Download(ctx context.Context, node *models.Node, offset int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := o.next.Download(ctx, node, offset)
	o.done("download", start, err)
	return rc, err
}

func (o *observed) Upload(ctx context.Context, parentID, name string, size int64, r io.Reader) (*models.Node, error) {
	start := time.Now()
	n, err := o.next.Upload(ctx, parentID, name, size, r)
	o.done("upload", start, err)
	return n, err
}

func (o *observed) CreateFolder(ctx context.Context, parentID, name string) (*models.Node, error) {
	start := time.Now()
	n, err := o.next.CreateFolder(ctx, parentID, name)
	o.done("create_folder", start, err)
	return n, err
}

func (o *observed) Trash(ctx context.Context, id string) error {
	start := time.Now()
	err := o.next.Trash(ctx, id)
	o.done("trash", start, err)
	return err
}

func (o *observed) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := o.next.Delete(ctx, id)
	o.done("delete", start, err)
	return err
}

func (o *observed) Move(ctx context.Context, id, newParentID, newName string) (*models.Node, error) {
	start := time.Now()
	n, err := o.next.Move(ctx, id, newParentID, newName)
	o.done("move", start, err)
	return n, err
}
