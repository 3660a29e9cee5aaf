// Package transfer moves file content between the remote drive and local
// storage with bounded concurrency, retries and resumable downloads.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/retry"
)

// TempSuffix marks a partial download next to its destination.
const TempSuffix = ".__tmp__"

// DefaultConcurrency bounds parallel transfers when Options leaves it unset.
const DefaultConcurrency = 4

var (
	// ErrSizeMismatch means the downloaded content is longer than the node.
	ErrSizeMismatch = errors.New("downloaded size does not match node size")
	// ErrHashMismatch means the downloaded content fails verification.
	ErrHashMismatch = errors.New("downloaded content hash mismatch")
)

// Options configures an Orchestrator.
type Options struct {
	Concurrency int
	// Retry bounds per-file attempts. The zero value means
	// retry.DefaultConfig().
	Retry  retry.Config
	Sink   Sink
	Logger *zap.Logger
}

// Item is one file to download.
type Item struct {
	Node *models.Node
	// Path is the node's remote path, used in errors and logs.
	Path string
	// Dest is the local destination file; the partial download is staged
	// at Dest + TempSuffix.
	Dest string
	// Key is Dest relative to the download root, slash separated. Sinks
	// that do not keep the local file publish under it.
	Key string
}

// Orchestrator runs transfers through a driver.
type Orchestrator struct {
	drv    driver.Driver
	sink   Sink
	limit  int
	retry  retry.Config
	log    *zap.Logger
	hasher driver.Hasher
}

// New creates an orchestrator for drv.
func New(drv driver.Driver, opts Options) *Orchestrator {
	o := &Orchestrator{
		drv:   drv,
		sink:  opts.Sink,
		limit: opts.Concurrency,
		retry: opts.Retry,
		log:   opts.Logger,
	}
	if o.sink == nil {
		o.sink = LocalSink{}
	}
	if o.limit <= 0 {
		o.limit = DefaultConcurrency
	}
	if o.retry.MaxAttempts == 0 && o.retry.InitialWait == 0 {
		o.retry = retry.DefaultConfig()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("transfer")
	o.hasher, _ = driver.AsHasher(drv)
	return o
}

// Download fetches every item, at most Concurrency at a time. Items fail
// independently; the returned error joins one *models.TransferError per
// failed item.
func (o *Orchestrator) Download(ctx context.Context, items []Item) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(o.limit)
	for _, it := range items {
		g.Go(func() error {
			if err := o.DownloadFile(ctx, it); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// DownloadFile fetches one file into its temp path, resuming from whatever
// an earlier attempt left there, verifies it and hands it to the sink.
func (o *Orchestrator) DownloadFile(ctx context.Context, it Item) (err error) {
	done := metrics.TransferStarted()
	defer done()

	var written int64
	defer func() {
		metrics.RecordDownload(written, err)
		if err != nil {
			o.log.Warn("download failed", zap.String("path", it.Path), zap.String("node", it.Node.ID), zap.Error(err))
			err = &models.TransferError{NodeID: it.Node.ID, Path: it.Path, Err: err}
		}
	}()

	if !it.Node.IsFile() {
		return models.ErrNotFile
	}
	tmp := it.Dest + TempSuffix
	cfg := o.retryConfig("download", it)
	err = retry.Do(ctx, cfg, func() error {
		n, err := o.fetch(ctx, it.Node, tmp)
		written += n
		return err
	})
	if err != nil {
		return err
	}
	if err := o.verify(it.Node, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := o.sink.Promote(ctx, tmp, it.Dest, it.Key); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	o.log.Debug("downloaded", zap.String("path", it.Path), zap.String("dest", o.sink.Describe(it.Dest, it.Key)))
	return nil
}

// fetch appends the missing tail of node's content to tmp.
func (o *Orchestrator) fetch(ctx context.Context, node *models.Node, tmp string) (int64, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp file: %w", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek temp file: %w", err)
	}
	if offset > node.Size {
		if err := f.Truncate(0); err != nil {
			return 0, fmt.Errorf("truncate temp file: %w", err)
		}
		if offset, err = f.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("seek temp file: %w", err)
		}
	}
	if offset == node.Size {
		return 0, nil
	}
	if offset > 0 {
		o.log.Debug("resuming download", zap.String("node", node.ID), zap.Int64("offset", offset))
	}

	rc, err := o.drv.Download(ctx, node, offset)
	if err != nil {
		return 0, driver.Retryable(err)
	}
	defer rc.Close()

	n, err := io.Copy(f, rc)
	if err != nil {
		return n, driver.Retryable(err)
	}
	if offset+n < node.Size {
		return n, retry.Retryable(fmt.Errorf("short read: %d of %d bytes", offset+n, node.Size))
	}
	return n, f.Sync()
}

func (o *Orchestrator) verify(node *models.Node, tmp string) error {
	fi, err := os.Stat(tmp)
	if err != nil {
		return err
	}
	if fi.Size() != node.Size {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, fi.Size(), node.Size)
	}
	if o.hasher == nil || node.Hash == "" {
		return nil
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	h := o.hasher.NewHash()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash temp file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != node.Hash {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, got, node.Hash)
	}
	return nil
}

// Upload sends the local file src to parentID under name, reopening the
// file for every attempt.
func (o *Orchestrator) Upload(ctx context.Context, src, parentID, name string) (node *models.Node, err error) {
	done := metrics.TransferStarted()
	defer done()

	var size int64
	defer func() {
		metrics.RecordUpload(size, err)
		if err != nil {
			o.log.Warn("upload failed", zap.String("src", src), zap.String("parent", parentID), zap.Error(err))
			err = &models.TransferError{Path: src, Err: err}
		}
	}()

	fi, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", src, models.ErrNotFile)
	}
	cfg := o.retryConfig("upload", Item{Path: src})
	node, err = retry.DoWithResult(ctx, cfg, func() (*models.Node, error) {
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		n, err := o.drv.Upload(ctx, parentID, name, fi.Size(), f)
		return n, driver.Retryable(err)
	})
	if err != nil {
		return nil, err
	}
	size = fi.Size()
	o.log.Debug("uploaded", zap.String("src", src), zap.String("node", node.ID))
	return node, nil
}

func (o *Orchestrator) retryConfig(op string, it Item) retry.Config {
	cfg := o.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordDriverRetry(op)
		o.log.Info("retrying transfer",
			zap.String("op", op),
			zap.String("path", it.Path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return cfg
}
