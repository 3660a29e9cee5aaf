// Package engine drives synchronization: it pulls change batches from the
// driver, reconciles them through the applier, commits each batch together
// with its checkpoint and publishes the matching path index.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/drivesync/internal/applier"
	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/retry"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Options configures an Engine.
type Options struct {
	Policy pathindex.Policy
	// Retry bounds driver calls failing with transient errors. The zero
	// value means retry.DefaultConfig().
	Retry  retry.Config
	Logger *zap.Logger
	// OnEvent receives every event of a committed batch, in order, after
	// the index reflecting it has been published.
	OnEvent func(models.Event)
	Now     func() time.Time
}

// Engine owns the sync sequence of one drive.
type Engine struct {
	drv     driver.Driver
	st      store.Store
	app     *applier.Applier
	norm    tree.Normalizer
	policy  pathindex.Policy
	retry   retry.Config
	log     *zap.Logger
	onEvent func(models.Event)

	// gate orders commits against readers: View holds it shared, a commit
	// holds it exclusively while the store transaction runs and the new
	// index is published.
	gate sync.RWMutex
	ix   atomic.Pointer[pathindex.Index]

	running atomic.Bool
	flight  singleflight.Group
}

// New builds an engine over drv and st and loads the path index from the
// committed store.
func New(ctx context.Context, drv driver.Driver, st store.Store, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 && cfg.InitialWait == 0 {
		cfg = retry.DefaultConfig()
	}
	app := applier.New(opts.Policy)
	if opts.Now != nil {
		app.Now = opts.Now
	}

	e := &Engine{
		drv:     drv,
		st:      st,
		app:     app,
		norm:    driver.NormalizerOf(drv),
		policy:  opts.Policy,
		retry:   cfg,
		log:     log.Named("engine"),
		onEvent: opts.OnEvent,
	}

	if st.Rebuilt() {
		e.log.Warn("node store was rebuilt, next sync starts from the initial cursor")
	}
	ix, err := e.build(ctx, st)
	if err != nil {
		return nil, err
	}
	e.ix.Store(ix)
	metrics.SetIndexSize(ix.Len())
	e.log.Debug("path index loaded", zap.Int("entries", ix.Len()))
	return e, nil
}

// Driver returns the driver the engine syncs from.
func (e *Engine) Driver() driver.Driver { return e.drv }

// Policy returns the collision policy.
func (e *Engine) Policy() pathindex.Policy { return e.policy }

// Index returns the published path index. It is never mutated; use View
// when the store has to be read consistently with it.
func (e *Engine) Index() *pathindex.Index { return e.ix.Load() }

// View runs fn against the committed store and the index published with
// it. Commits wait until fn returns, so fn must not start a sync.
func (e *Engine) View(fn func(st store.Store, ix *pathindex.Index) error) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return fn(e.st, e.ix.Load())
}

// Checkpoint returns the committed checkpoint.
func (e *Engine) Checkpoint(ctx context.Context) (models.Checkpoint, bool, error) {
	return e.st.Checkpoint(ctx)
}

// Reindex discards the published index and rebuilds it from the store.
func (e *Engine) Reindex(ctx context.Context) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	ix, err := e.build(ctx, e.st)
	if err != nil {
		return err
	}
	e.ix.Store(ix)
	metrics.SetIndexSize(ix.Len())
	metrics.RecordIndexRebuild("manual")
	e.log.Info("path index rebuilt", zap.Int("entries", ix.Len()))
	return nil
}

// Reset wipes the mirror so the next pass starts over from the initial
// cursor. It fails with models.ErrSyncInProgress while a pass runs.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return models.ErrSyncInProgress
	}
	defer e.running.Store(false)

	e.gate.Lock()
	defer e.gate.Unlock()
	if err := e.st.Reset(ctx); err != nil {
		return err
	}
	e.ix.Store(pathindex.New("", e.norm))
	metrics.SetIndexSize(0)
	e.log.Warn("mirror reset, next sync starts from the initial cursor")
	return nil
}

type walker interface {
	Walk(ctx context.Context, fn func(*models.Node) error) error
}

// build reconstructs an index from every node src holds.
func (e *Engine) build(ctx context.Context, src walker) (*pathindex.Index, error) {
	rootID, err := e.st.RootID(ctx)
	if err != nil {
		return nil, err
	}
	var nodes []*models.Node
	err = src.Walk(ctx, func(n *models.Node) error {
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pathindex.Build(rootID, e.norm, nodes, e.policy), nil
}

// commit persists a batch and publishes ix under the gate.
func (e *Engine) commit(ctx context.Context, muts []store.Mutation, cp models.Checkpoint, ix *pathindex.Index) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if err := e.st.Commit(ctx, muts, cp); err != nil {
		return err
	}
	e.ix.Store(ix)
	metrics.SetIndexSize(ix.Len())
	return nil
}

// call runs a driver operation with the engine's retry budget.
func call[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	cfg := e.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordDriverRetry(op)
		e.log.Warn("transient driver error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return retry.DoWithResult(ctx, cfg, func() (T, error) {
		v, err := fn()
		return v, driver.Retryable(err)
	})
}

// Start begins a pass from the committed checkpoint. Only one pass runs
// at a time; a second Start fails with models.ErrSyncInProgress until the
// first one finishes or is closed.
func (e *Engine) Start(ctx context.Context) (*Pass, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, models.ErrSyncInProgress
	}
	cp, ok, err := e.st.Checkpoint(ctx)
	if err != nil {
		e.running.Store(false)
		return nil, err
	}
	p := newPass(e, cp, !ok)
	p.log.Debug("sync pass started", zap.String("cursor", cp.Cursor), zap.Bool("first", !ok))
	return p, nil
}

// SyncAll runs a pass to the feed head and reports on it. Callers arriving
// while a SyncAll is in flight share its result.
func (e *Engine) SyncAll(ctx context.Context) (Report, error) {
	v, err, shared := e.flight.Do("sync", func() (any, error) {
		p, err := e.Start(ctx)
		if err != nil {
			return Report{}, err
		}
		defer p.Close()
		for p.Next(ctx) {
		}
		return p.Report(), p.Err()
	})
	if shared {
		e.log.Debug("joined in-flight sync")
	}
	rep, _ := v.(Report)
	if err != nil {
		return rep, fmt.Errorf("sync: %w", err)
	}
	return rep, nil
}
