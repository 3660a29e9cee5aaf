package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/applier"
	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
)

// State is the phase of a sync pass.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateFetching: "fetching",
	StateApplying: "applying",
	StateDone:     "done",
	StateFailed:   "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Report summarizes a finished pass.
type Report struct {
	PassID    string        `json:"pass_id"`
	Batches   int           `json:"batches"`
	Applied   int           `json:"applied"`
	Events    int           `json:"events"`
	Conflicts int           `json:"conflicts"`
	Cursor    string        `json:"cursor"`
	Seq       int64         `json:"seq"`
	Duration  time.Duration `json:"duration"`
}

// Pass is a pull-based iterator over the events of one sync pass. Each
// call to Next that needs more events fetches, applies and commits one
// batch. A pass is not safe for concurrent use.
//
//	p, err := eng.Start(ctx)
//	if err != nil { ... }
//	defer p.Close()
//	for p.Next(ctx) {
//		handle(p.Event())
//	}
//	if err := p.Err(); err != nil { ... }
type Pass struct {
	e       *Engine
	id      string
	log     *zap.Logger
	state   State
	first   bool
	cp      models.Checkpoint
	pending []models.Event
	cur     models.Event
	err     error
	started time.Time
	report  Report
}

func newPass(e *Engine, cp models.Checkpoint, first bool) *Pass {
	id := ulid.Make().String()
	return &Pass{
		e:       e,
		id:      id,
		log:     e.log.With(zap.String("pass", id)),
		first:   first,
		cp:      cp,
		started: time.Now(),
		report:  Report{PassID: id, Cursor: cp.Cursor, Seq: cp.Seq},
	}
}

// ID returns the pass identifier used in logs and reports.
func (p *Pass) ID() string { return p.id }

// State returns the current phase.
func (p *Pass) State() State { return p.state }

// Event returns the event produced by the last successful Next.
func (p *Pass) Event() models.Event { return p.cur }

// Err returns the error that ended the pass, if any.
func (p *Pass) Err() error { return p.err }

// Checkpoint returns the last checkpoint this pass committed or started from.
func (p *Pass) Checkpoint() models.Checkpoint { return p.cp }

// Report returns the pass summary so far.
func (p *Pass) Report() Report {
	r := p.report
	if !p.finished() {
		r.Duration = time.Since(p.started)
	}
	return r
}

// Next advances to the next event, committing further batches as needed.
// It returns false at the feed head or on error; check Err.
func (p *Pass) Next(ctx context.Context) bool {
	for len(p.pending) == 0 {
		if p.finished() {
			return false
		}
		if err := p.step(ctx); err != nil {
			p.finish(err)
			return false
		}
	}
	p.cur, p.pending = p.pending[0], p.pending[1:]
	return true
}

// Close ends the pass early. Committed batches stay committed.
func (p *Pass) Close() error {
	if !p.finished() {
		p.pending = nil
		p.finish(nil)
	}
	return nil
}

func (p *Pass) finished() bool {
	return p.state == StateDone || p.state == StateFailed
}

func (p *Pass) finish(err error) {
	p.err = err
	p.state = StateDone
	if err != nil {
		p.state = StateFailed
	}
	p.report.Duration = time.Since(p.started)
	metrics.RecordSyncPass(p.report.Duration, err)

	fields := []zap.Field{
		zap.Int("batches", p.report.Batches),
		zap.Int("applied", p.report.Applied),
		zap.Int("conflicts", p.report.Conflicts),
		zap.String("cursor", p.cp.Cursor),
		zap.Duration("duration", p.report.Duration),
	}
	switch {
	case err == nil:
		p.log.Info("sync pass finished", fields...)
	case errors.Is(err, context.Canceled):
		p.log.Info("sync pass canceled", fields...)
	default:
		p.log.Error("sync pass failed", append(fields, zap.Error(err))...)
	}
	p.e.running.Store(false)
}

// step fetches, applies and commits one batch.
func (p *Pass) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.first {
		if err := p.initRoot(ctx); err != nil {
			return err
		}
		p.first = false
	}

	p.state = StateFetching
	batch, err := call(ctx, p.e, "list_changes", func() (driver.ChangeBatch, error) {
		return p.e.drv.ListChanges(ctx, p.cp.Cursor)
	})
	if err != nil {
		return err
	}

	p.state = StateApplying
	if err := p.apply(ctx, batch); err != nil {
		return err
	}
	p.report.Batches++

	switch {
	case !batch.HasMore:
		p.finish(nil)
	case len(batch.Changes) == 0 && batch.Cursor == p.cp.Cursor:
		p.log.Warn("driver reports more changes but the cursor did not move", zap.String("cursor", batch.Cursor))
		p.finish(nil)
	default:
		p.state = StateIdle
	}
	return nil
}

// initRoot fetches the remote root and commits it with the initial cursor.
func (p *Pass) initRoot(ctx context.Context) error {
	rootID, err := call(ctx, p.e, "root_id", func() (string, error) {
		return p.e.drv.RootID(ctx)
	})
	if err != nil {
		return err
	}
	root, err := call(ctx, p.e, "get_node", func() (*models.Node, error) {
		return p.e.drv.GetNode(ctx, rootID)
	})
	if err != nil {
		return err
	}
	root = root.Clone()
	root.ID = rootID
	root.ParentID = ""
	root.Kind = models.KindFolder
	root.Trashed = false
	root.Provisional = false
	root.Seq = 0

	cp := models.Checkpoint{Cursor: driver.InitialCursor}
	if err := p.e.commit(ctx, []store.Mutation{store.Put(root)}, cp, pathindex.New(rootID, p.e.norm)); err != nil {
		return err
	}
	p.cp = cp
	p.log.Info("drive root initialized", zap.String("root", rootID))
	return nil
}

// apply reconciles a batch against a staging overlay and a private copy of
// the index, then commits it whole. Nothing is committed if ctx is done
// before the commit starts.
func (p *Pass) apply(ctx context.Context, batch driver.ChangeBatch) error {
	e := p.e
	ov := store.NewOverlay(e.st)
	ix := e.ix.Load().Clone()
	seq := p.cp.Seq

	var (
		events    []models.Event
		applied   int
		conflicts int
	)
	for _, c := range batch.Changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.app.Apply(ctx, ov, ix, c, seq+1)
		if applier.IsDiverged(err) {
			p.log.Warn("path index diverged, rebuilding", zap.String("node", c.ID), zap.Error(err))
			metrics.RecordIndexRebuild("diverged")
			if ix, err = e.build(ctx, ov); err == nil {
				res, err = e.app.Apply(ctx, ov, ix, c, seq+1)
			}
		}
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", c.Kind, c.ID, err)
		}
		for _, m := range res.Mutations {
			ov.Apply(m)
		}
		if res.Mutated() {
			seq++
			applied++
		}
		for _, cf := range res.Conflicts {
			conflicts++
			metrics.RecordConflict()
			p.log.Warn("change conflict",
				zap.String("kind", c.Kind.String()),
				zap.String("node", cf.NodeID),
				zap.String("reason", cf.Reason))
		}
		events = append(events, res.Events...)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	cp := models.Checkpoint{Cursor: batch.Cursor, Seq: seq}
	if ov.Len() > 0 || cp != p.cp {
		if err := e.commit(ctx, ov.Mutations(), cp, ix); err != nil {
			return err
		}
		p.cp = cp
	}

	p.report.Applied += applied
	p.report.Conflicts += conflicts
	p.report.Events += len(events)
	p.report.Cursor = p.cp.Cursor
	p.report.Seq = p.cp.Seq
	for _, ev := range events {
		metrics.RecordChange(string(ev.Kind))
		if e.onEvent != nil {
			e.onEvent(ev)
		}
	}
	p.pending = append(p.pending, events...)
	if len(batch.Changes) > 0 {
		p.log.Debug("batch committed",
			zap.Int("records", len(batch.Changes)),
			zap.Int("mutations", ov.Len()),
			zap.String("cursor", cp.Cursor))
	}
	return nil
}
