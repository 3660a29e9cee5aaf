// Package driver defines the capability contract that remote-storage
// plugins implement, and the registry that binds a concrete plugin to a
// drive instance by name.
package driver

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"

	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/retry"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// InitialCursor is the change feed position before anything was applied.
const InitialCursor = ""

// ChangeBatch is one page of the driver's change feed.
type ChangeBatch struct {
	Changes []models.Change
	// Cursor is the position after the last record in Changes.
	Cursor string
	// HasMore reports whether records beyond Cursor are already available.
	HasMore bool
}

// Driver is the interface for remote-storage plugins.
// All methods may be called concurrently. Errors should be classified with
// Transient or Permanent; unclassified errors are treated as permanent.
type Driver interface {
	// Authenticate establishes or refreshes credentials.
	Authenticate(ctx context.Context) error

	// RootID returns the identifier of the remote root folder.
	RootID(ctx context.Context) (string, error)

	// GetNode fetches the current remote state of a node.
	GetNode(ctx context.Context, id string) (*models.Node, error)

	// ListChanges returns the records after cursor.
	ListChanges(ctx context.Context, cursor string) (ChangeBatch, error)

	// Download streams file content starting at offset.
	Download(ctx context.Context, node *models.Node, offset int64) (io.ReadCloser, error)

	// Upload creates a file under parentID from r, which yields size bytes.
	Upload(ctx context.Context, parentID, name string, size int64, r io.Reader) (*models.Node, error)

	// CreateFolder creates a folder under parentID.
	CreateFolder(ctx context.Context, parentID, name string) (*models.Node, error)

	// Trash moves a node to the remote trash.
	Trash(ctx context.Context, id string) error

	// Delete removes a node permanently.
	Delete(ctx context.Context, id string) error

	// Move renames and/or reparents a node.
	Move(ctx context.Context, id, newParentID, newName string) (*models.Node, error)
}

// PathPolicy is implemented by drivers whose names compare under rules
// other than the default (NFC, case-sensitive).
type PathPolicy interface {
	Normalizer() tree.Normalizer
}

// Hasher is implemented by drivers that can verify downloaded content.
// Node.Hash is the hex encoding of NewHash().Sum(nil) over the content.
type Hasher interface {
	NewHash() hash.Hash
}

// Closer is implemented by drivers that hold resources.
type Closer interface {
	Close() error
}

// Wrapper is implemented by middleware so optional capabilities of the
// wrapped driver stay discoverable.
type Wrapper interface {
	Unwrap() Driver
}

// AsPathPolicy finds a PathPolicy along the middleware chain.
func AsPathPolicy(d Driver) (PathPolicy, bool) {
	for d != nil {
		if p, ok := d.(PathPolicy); ok {
			return p, true
		}
		w, ok := d.(Wrapper)
		if !ok {
			break
		}
		d = w.Unwrap()
	}
	return nil, false
}

// AsHasher finds a Hasher along the middleware chain.
func AsHasher(d Driver) (Hasher, bool) {
	for d != nil {
		if h, ok := d.(Hasher); ok {
			return h, true
		}
		w, ok := d.(Wrapper)
		if !ok {
			break
		}
		d = w.Unwrap()
	}
	return nil, false
}

// NormalizerOf returns the driver's name normalizer or the default one.
func NormalizerOf(d Driver) tree.Normalizer {
	if p, ok := AsPathPolicy(d); ok {
		if n := p.Normalizer(); n != nil {
			return n
		}
	}
	return tree.DefaultNormalizer()
}

// Close releases the driver if it implements Closer anywhere in the chain.
func Close(d Driver) error {
	for d != nil {
		if c, ok := d.(Closer); ok {
			return c.Close()
		}
		w, ok := d.(Wrapper)
		if !ok {
			break
		}
		d = w.Unwrap()
	}
	return nil
}

// Error is a classified driver failure.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("driver %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as a retryable driver failure such as a timeout or
// rate limit.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return retry.Retryable(&Error{Op: op, Transient: true, Err: err})
}

// Permanent marks err as a non-retryable driver failure such as an auth
// error, missing node or exhausted quota.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsTransient reports whether err is a transient driver failure.
func IsTransient(err error) bool {
	if retry.IsRetryable(err) {
		return true
	}
	var de *Error
	return errors.As(err, &de) && de.Transient
}

// Retryable normalizes err so that pkg/retry recognizes transient failures
// that were not wrapped with Transient.
func Retryable(err error) error {
	if err == nil || retry.IsRetryable(err) {
		return err
	}
	if IsTransient(err) {
		return retry.Retryable(err)
	}
	return err
}

// Middleware decorates a driver.
type Middleware func(Driver) Driver

// Chain applies middleware so that the first one is the outermost.
func Chain(d Driver, mws ...Middleware) Driver {
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}

// Factory constructs a driver from its options.
type Factory func(ctx context.Context, opts map[string]string) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	registry[name] = f
}

// Open constructs the named driver.
func Open(ctx context.Context, name string, opts map[string]string) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver type: %s", name)
	}
	return f(ctx, opts)
}

// Drivers lists registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
