// Package drive is the public entry point: a Drive binds a driver to a node
// store and exposes queries over the mirror, the sync sequence, transfers
// and remote mutations.
package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/config"
	"github.com/fruitsalade/drivesync/internal/engine"
	"github.com/fruitsalade/drivesync/internal/events"
	"github.com/fruitsalade/drivesync/internal/logging"
	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/internal/store/postgres"
	"github.com/fruitsalade/drivesync/internal/store/sqlite"
	"github.com/fruitsalade/drivesync/internal/store/sqlstore"
	"github.com/fruitsalade/drivesync/internal/transfer"
	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/retry"
)

// Options configures a Drive.
type Options struct {
	Policy pathindex.Policy
	// Retry bounds sync and remote mutation calls. The zero value means
	// retry.DefaultConfig().
	Retry    retry.Config
	Transfer transfer.Options
	Logger   *zap.Logger
	// EventBuffer is the per-subscriber channel capacity.
	EventBuffer int
}

// Drive is a locally mirrored remote drive.
type Drive struct {
	drv   driver.Driver
	st    store.Store
	eng   *engine.Engine
	xfer  *transfer.Orchestrator
	bcast *events.Broadcaster
	retry retry.Config
	log   *zap.Logger

	// ownsStore is set when Open created the store and driver.
	ownsStore bool
}

// New builds a drive over drv and st. The caller keeps ownership of both.
func New(ctx context.Context, drv driver.Driver, st store.Store, opts Options) (*Drive, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 && cfg.InitialWait == 0 {
		cfg = retry.DefaultConfig()
	}

	d := &Drive{
		drv:   drv,
		st:    st,
		bcast: events.NewBroadcasterSize(opts.EventBuffer),
		retry: cfg,
		log:   log.Named("drive"),
	}
	eng, err := engine.New(ctx, drv, st, engine.Options{
		Policy:  opts.Policy,
		Retry:   cfg,
		Logger:  log,
		OnEvent: d.bcast.Publish,
	})
	if err != nil {
		return nil, err
	}
	d.eng = eng

	xopts := opts.Transfer
	if xopts.Logger == nil {
		xopts.Logger = log
	}
	d.xfer = transfer.New(drv, xopts)
	return d, nil
}

// Open builds a drive from configuration: it opens the named driver behind
// the metrics middleware, the configured store and the download sink. A nil
// logger means the one carried by ctx.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Drive, error) {
	if logger == nil {
		logger = logging.WithContext(ctx)
	}
	raw, err := driver.Open(ctx, cfg.Driver, cfg.DriverOptions)
	if err != nil {
		return nil, err
	}
	drv := driver.Chain(raw, metrics.Middleware())
	if err := drv.Authenticate(ctx); err != nil {
		driver.Close(drv)
		return nil, fmt.Errorf("authenticate %s: %w", cfg.Driver, err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		driver.Close(drv)
		return nil, err
	}

	var sink transfer.Sink = transfer.LocalSink{}
	if cfg.Transfer.Sink == "s3" {
		s3cfg := cfg.Transfer.S3
		sink, err = transfer.NewS3Sink(ctx, transfer.S3Config{
			Endpoint:  s3cfg.Endpoint,
			Region:    s3cfg.Region,
			Bucket:    s3cfg.Bucket,
			Prefix:    s3cfg.Prefix,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			PathStyle: s3cfg.PathStyle,
		})
		if err != nil {
			st.Close()
			driver.Close(drv)
			return nil, err
		}
	}

	d, err := New(ctx, drv, st, Options{
		Policy: cfg.Policy(),
		Retry:  cfg.Sync.Retry.Retry(),
		Transfer: transfer.Options{
			Concurrency: cfg.Transfer.Concurrency,
			Retry:       cfg.Transfer.Retry.Retry(),
			Sink:        sink,
			Logger:      logger,
		},
		Logger: logger,
	})
	if err != nil {
		st.Close()
		driver.Close(drv)
		return nil, err
	}
	d.ownsStore = true
	logger.Info("drive opened",
		zap.String("driver", cfg.Driver),
		zap.String("store", cfg.Store.Engine),
		zap.String("policy", cfg.Policy().String()))
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	opts := sqlstore.Options{Logger: logger}
	switch cfg.Store.Engine {
	case "postgres":
		return postgres.Open(ctx, cfg.Store.DatabaseURL, opts)
	default:
		return sqlite.Open(ctx, cfg.Store.Path, opts)
	}
}

// Close stops event delivery and, for drives built by Open, releases the
// store and the driver.
func (d *Drive) Close() error {
	d.bcast.Close()
	if !d.ownsStore {
		return nil
	}
	return errors.Join(d.st.Close(), driver.Close(d.drv))
}

// Driver returns the driver the drive talks to.
func (d *Drive) Driver() driver.Driver { return d.drv }

// Sync starts a pass. The caller drives it with Next and must Close it.
func (d *Drive) Sync(ctx context.Context) (*engine.Pass, error) {
	return d.eng.Start(ctx)
}

// SyncAll runs a pass until the mirror reaches the feed head.
func (d *Drive) SyncAll(ctx context.Context) (engine.Report, error) {
	return d.eng.SyncAll(ctx)
}

// Checkpoint returns the committed feed position.
func (d *Drive) Checkpoint(ctx context.Context) (models.Checkpoint, bool, error) {
	return d.eng.Checkpoint(ctx)
}

// Subscribe returns a channel receiving every committed change event.
// Slow subscribers lose events rather than stall the sync.
func (d *Drive) Subscribe() chan models.Event {
	return d.bcast.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (d *Drive) Unsubscribe(ch chan models.Event) {
	d.bcast.Unsubscribe(ch)
}

// Reindex rebuilds the path index from the store.
func (d *Drive) Reindex(ctx context.Context) error {
	return d.eng.Reindex(ctx)
}

// Reset forgets the mirror; the next sync rebuilds it from scratch.
func (d *Drive) Reset(ctx context.Context) error {
	return d.eng.Reset(ctx)
}

// call runs a remote mutation with the drive's retry budget.
func call[T any](ctx context.Context, d *Drive, op string, fn func() (T, error)) (T, error) {
	cfg := d.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordDriverRetry(op)
		d.log.Warn("transient driver error, retrying",
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
