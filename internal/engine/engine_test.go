package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/internal/store/sqlite"
	"github.com/fruitsalade/drivesync/internal/store/sqlstore"
	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/driver/memory"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/retry"
)

type env struct {
	drv   *memory.Driver
	st    *sqlstore.Store
	eng   *Engine
	path  string
	crash atomic.Bool
	logs  *observer.ObservedLogs
}

var fastRetry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func newEnv(t *testing.T, cfg memory.Config) *env {
	t.Helper()
	if cfg.RootID == "" {
		cfg.RootID = "R"
	}
	e := &env{
		drv:  memory.New(cfg),
		path: filepath.Join(t.TempDir(), "nodes.db"),
	}
	e.open(t)
	return e
}

// open (re)opens the store and engine on the same database file.
func (e *env) open(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if e.st != nil {
		e.st.Close()
	}
	st, err := sqlite.Open(ctx, e.path, sqlstore.Options{
		AfterMutation: func(i int) error {
			if e.crash.Load() {
				return errors.New("simulated crash")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	core, logs := observer.New(zap.WarnLevel)
	eng, err := New(ctx, e.drv, st, Options{Retry: fastRetry, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.st, e.eng, e.logs = st, eng, logs
}

func (e *env) sync(t *testing.T) Report {
	t.Helper()
	rep, err := e.eng.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	return rep
}

func (e *env) events(t *testing.T) []models.Event {
	t.Helper()
	ctx := context.Background()
	p, err := e.eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()
	var out []models.Event
	for p.Next(ctx) {
		out = append(out, p.Event())
	}
	if err := p.Err(); err != nil {
		t.Fatalf("pass: %v", err)
	}
	return out
}

func (e *env) lookup(path string) string {
	id, _ := e.eng.Index().Lookup(path)
	return id
}

func (e *env) node(t *testing.T, id string) *models.Node {
	t.Helper()
	n, err := e.st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return n
}

func folder(id, parent, name string) models.Change {
	return models.Change{Kind: models.ChangeCreate, ID: id, ParentID: parent, Name: name,
		Node: &models.Node{ID: id, Kind: models.KindFolder}}
}

func file(id, parent, name string) models.Change {
	return models.Change{Kind: models.ChangeCreate, ID: id, ParentID: parent, Name: name,
		Node: &models.Node{ID: id, Kind: models.KindFile, Size: 3}}
}

func kinds(evs []models.Event) []models.EventKind {
	out := make([]models.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestSync_FirstPassInitializesRoot(t *testing.T) {
	e := newEnv(t, memory.Config{})
	if evs := e.events(t); len(evs) != 0 {
		t.Fatalf("empty feed produced %v", kinds(evs))
	}
	if got := e.lookup("/"); got != "R" {
		t.Errorf("root = %q", got)
	}
	cp, ok, err := e.eng.Checkpoint(context.Background())
	if err != nil || !ok || cp.Cursor != "0" {
		t.Errorf("checkpoint = %+v, %v, %v", cp, ok, err)
	}
}

func TestSync_InOrderCreate(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"), file("B", "A", "x.txt"))

	evs := e.events(t)
	if len(evs) != 2 || evs[0].Kind != models.EventCreated || evs[1].Kind != models.EventCreated {
		t.Fatalf("events = %v", kinds(evs))
	}
	if evs[1].PathAfter != "/docs/x.txt" || evs[1].Seq != 2 {
		t.Errorf("second event = %+v", evs[1])
	}
	if got := e.lookup("/docs/x.txt"); got != "B" {
		t.Errorf("/docs/x.txt = %q", got)
	}
	if n := e.node(t, "B"); n == nil || n.ParentID != "A" {
		t.Errorf("stored B = %+v", n)
	}
	cp, _, _ := e.eng.Checkpoint(context.Background())
	if cp.Cursor != "2" || cp.Seq != 2 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestSync_TrashHidesSubtree(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"), file("B", "A", "x.txt"))
	e.sync(t)

	e.drv.Append(models.Change{Kind: models.ChangeTrash, ID: "A"})
	evs := e.events(t)
	if len(evs) != 1 || evs[0].Kind != models.EventTrashed || evs[0].PathBefore != "/docs" {
		t.Fatalf("events = %+v", evs)
	}
	if got := e.lookup("/docs/x.txt"); got != "" {
		t.Errorf("/docs/x.txt still resolves to %q", got)
	}
	if n := e.node(t, "A"); n == nil || !n.Trashed {
		t.Errorf("A = %+v, want trashed", n)
	}
	if n := e.node(t, "B"); n == nil {
		t.Error("B dropped from the store")
	}
}

func TestSync_OutOfOrderCreate(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(file("B", "A", "x.txt"))
	e.sync(t)
	if p := e.node(t, "A"); p == nil || !p.Provisional {
		t.Fatalf("placeholder = %+v", p)
	}
	if got := e.lookup("/docs/x.txt"); got != "" {
		t.Fatalf("child indexed before its parent: %q", got)
	}

	e.drv.Append(folder("A", "R", "docs"))
	e.sync(t)
	if got := e.lookup("/docs/x.txt"); got != "B" {
		t.Errorf("/docs/x.txt = %q", got)
	}
	if a := e.node(t, "A"); a.Provisional || a.ParentID != "R" {
		t.Errorf("A = %+v", a)
	}
}

func TestSync_FixedPoint(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"), file("B", "A", "x.txt"), folder("C", "R", "music"))
	e.sync(t)

	ctx := context.Background()
	cp0, _, _ := e.eng.Checkpoint(ctx)
	n0, _ := e.st.Count(ctx)
	ix0 := e.eng.Index()
	for i := 0; i < 3; i++ {
		rep := e.sync(t)
		if rep.Applied != 0 || rep.Events != 0 {
			t.Errorf("pass %d applied %d records", i, rep.Applied)
		}
	}
	cp, _, _ := e.eng.Checkpoint(ctx)
	n, _ := e.st.Count(ctx)
	if cp != cp0 || n != n0 || !pathindex.Equal(ix0, e.eng.Index()) {
		t.Errorf("state moved: cp %+v -> %+v, count %d -> %d", cp0, cp, n0, n)
	}
}

func TestSync_DuplicateRecordsAreNoops(t *testing.T) {
	e := newEnv(t, memory.Config{})
	records := []models.Change{
		folder("A", "R", "docs"),
		file("B", "A", "x.txt"),
		{Kind: models.ChangeMove, ID: "B", ParentID: "A", Name: "y.txt"},
		{Kind: models.ChangeTrash, ID: "A"},
	}
	for _, c := range records {
		e.drv.Append(c, c)
	}
	rep := e.sync(t)
	if rep.Applied != len(records) || rep.Events != len(records) {
		t.Errorf("applied %d records with %d events, want %d", rep.Applied, rep.Events, len(records))
	}
	if rep.Seq != int64(len(records)) {
		t.Errorf("seq = %d, want %d", rep.Seq, len(records))
	}
	if b := e.node(t, "B"); b == nil || b.Name != "y.txt" {
		t.Errorf("B = %+v", b)
	}
}

func TestSync_CycleIsConflict(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "a"), folder("B", "A", "b"))
	e.sync(t)

	e.drv.Append(models.Change{Kind: models.ChangeMove, ID: "A", ParentID: "B", Name: "a"})
	evs := e.events(t)
	if len(evs) != 1 || evs[0].Kind != models.EventConflict || evs[0].NodeID != "A" {
		t.Fatalf("events = %+v", evs)
	}
	if got := e.lookup("/a/b"); got != "B" {
		t.Errorf("/a/b = %q after rejected move", got)
	}
	if a := e.node(t, "A"); a.ParentID != "R" {
		t.Errorf("A reparented to %q", a.ParentID)
	}
	if e.logs.FilterMessage("change conflict").Len() != 1 {
		t.Errorf("conflict not logged: %v", e.logs.All())
	}
}

func TestSync_PagesUntilHead(t *testing.T) {
	e := newEnv(t, memory.Config{PageSize: 1})
	e.drv.Append(folder("A", "R", "a"), folder("B", "R", "b"), folder("C", "R", "c"))
	rep := e.sync(t)
	if rep.Batches != 3 || rep.Applied != 3 || rep.Cursor != "3" {
		t.Errorf("report = %+v", rep)
	}
	if rep.PassID == "" {
		t.Error("report without pass id")
	}
}

func TestSync_CrashMidCommit(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.sync(t)
	ctx := context.Background()
	cp0, _, _ := e.eng.Checkpoint(ctx)

	e.drv.Append(folder("A", "R", "docs"), file("B", "A", "x.txt"))
	e.crash.Store(true)
	_, err := e.eng.SyncAll(ctx)
	if !models.IsStorage(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if cp, _, _ := e.eng.Checkpoint(ctx); cp != cp0 {
		t.Errorf("checkpoint moved to %+v", cp)
	}
	if e.node(t, "A") != nil || e.lookup("/docs") != "" {
		t.Error("partial batch visible after failed commit")
	}

	e.crash.Store(false)
	e.open(t)
	e.sync(t)
	if got := e.lookup("/docs/x.txt"); got != "B" {
		t.Errorf("/docs/x.txt = %q after resume", got)
	}
}

func TestSync_TransientRetried(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"))
	e.drv.Fail("list_changes", 2, driver.Transient("list_changes", errors.New("503 service unavailable")))

	e.sync(t)
	if got := e.drv.Calls("list_changes"); got != 3 {
		t.Errorf("list_changes calls = %d, want 3", got)
	}
	if got := e.lookup("/docs"); got != "A" {
		t.Errorf("/docs = %q", got)
	}
}

func TestSync_RetryBudgetExhausted(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.sync(t)
	ctx := context.Background()
	cp0, _, _ := e.eng.Checkpoint(ctx)

	e.drv.Append(folder("A", "R", "docs"))
	e.drv.Fail("list_changes", 10, driver.Transient("list_changes", errors.New("timeout")))
	_, err := e.eng.SyncAll(ctx)
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if cp, _, _ := e.eng.Checkpoint(ctx); cp != cp0 {
		t.Errorf("checkpoint moved to %+v", cp)
	}
}

func TestSync_PermanentNotRetried(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.sync(t)
	calls := e.drv.Calls("list_changes")

	e.drv.Fail("list_changes", 1, driver.Permanent("list_changes", errors.New("401 unauthorized")))
	_, err := e.eng.SyncAll(context.Background())
	if err == nil || driver.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := e.drv.Calls("list_changes") - calls; got != 1 {
		t.Errorf("permanent error retried: %d calls", got)
	}
}

func TestStart_RejectsConcurrentPass(t *testing.T) {
	e := newEnv(t, memory.Config{})
	ctx := context.Background()
	p, err := e.eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.eng.Start(ctx); !errors.Is(err, models.ErrSyncInProgress) {
		t.Errorf("second Start: %v", err)
	}
	if _, err := e.eng.SyncAll(ctx); !errors.Is(err, models.ErrSyncInProgress) {
		t.Errorf("SyncAll during pass: %v", err)
	}
	p.Close()
	if p.State() != StateDone {
		t.Errorf("closed pass state = %v", p.State())
	}
	p2, err := e.eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start after Close: %v", err)
	}
	p2.Close()
}

func TestPass_CancelKeepsCommittedPrefix(t *testing.T) {
	e := newEnv(t, memory.Config{PageSize: 1})
	e.sync(t)
	e.drv.Append(folder("A", "R", "a"), folder("B", "R", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	p, err := e.eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Next(ctx) || p.Event().NodeID != "A" {
		t.Fatalf("first event = %+v, err %v", p.Event(), p.Err())
	}
	cancel()
	if p.Next(ctx) {
		t.Fatalf("Next after cancel returned %+v", p.Event())
	}
	if !errors.Is(p.Err(), context.Canceled) || p.State() != StateFailed {
		t.Errorf("err = %v, state = %v", p.Err(), p.State())
	}

	cp, _, _ := e.eng.Checkpoint(context.Background())
	if cp.Cursor != "1" {
		t.Errorf("checkpoint = %+v, want first batch only", cp)
	}
	if e.lookup("/a") != "A" || e.lookup("/b") != "" {
		t.Error("index does not match the committed prefix")
	}

	e.sync(t)
	if e.lookup("/b") != "B" {
		t.Error("resumed pass did not pick up the rest of the feed")
	}
}

func TestNew_ReloadsIndex(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"), file("B", "A", "x.txt"), folder("C", "R", "tmp"),
		models.Change{Kind: models.ChangeTrash, ID: "C"})
	e.sync(t)
	before := e.eng.Index()

	e.open(t)
	if !pathindex.Equal(before, e.eng.Index()) {
		t.Error("index after reopen differs from the one built incrementally")
	}
}

func TestSync_RebuildsDivergedIndex(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(file("B", "A", "x.txt"))
	e.sync(t)

	stale := e.eng.Index().Clone()
	if err := stale.Attach("B", "R", "stray"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	e.eng.ix.Store(stale)

	e.drv.Append(folder("A", "R", "docs"))
	e.sync(t)
	if got := e.lookup("/docs/x.txt"); got != "B" {
		t.Errorf("/docs/x.txt = %q", got)
	}
	if got := e.lookup("/stray"); got != "" {
		t.Errorf("stale entry survived rebuild: %q", got)
	}
	if e.logs.FilterMessage("path index diverged, rebuilding").Len() != 1 {
		t.Error("divergence not logged")
	}
}

func TestReindex(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"))
	e.sync(t)
	want := e.eng.Index()
	e.eng.ix.Store(pathindex.New("R", nil))

	if err := e.eng.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if !pathindex.Equal(want, e.eng.Index()) {
		t.Error("Reindex did not restore the index")
	}
}

func TestOnEvent_SeesPublishedIndex(t *testing.T) {
	ctx := context.Background()
	drv := memory.New(memory.Config{RootID: "R"})
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "nodes.db"), sqlstore.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var eng *Engine
	var seen []string
	eng, err = New(ctx, drv, st, Options{OnEvent: func(ev models.Event) {
		id, _ := eng.Index().Lookup(ev.PathAfter)
		seen = append(seen, id)
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	drv.Append(folder("A", "R", "docs"))
	if _, err := eng.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(seen) != 1 || seen[0] != "A" {
		t.Errorf("OnEvent saw %v", seen)
	}
}

func TestReset_Resyncs(t *testing.T) {
	e := newEnv(t, memory.Config{})
	e.drv.Append(folder("A", "R", "docs"))
	e.sync(t)
	want := e.eng.Index()

	ctx := context.Background()
	if err := e.eng.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := e.eng.Checkpoint(ctx); ok {
		t.Error("checkpoint survived Reset")
	}
	if e.lookup("/") != "" {
		t.Error("index not cleared")
	}

	e.sync(t)
	if !pathindex.Equal(want, e.eng.Index()) {
		t.Error("index after resync differs from the original")
	}
}

func TestSyncAll_ReadersSeeWholeBatches(t *testing.T) {
	e := newEnv(t, memory.Config{PageSize: 3})
	ctx := context.Background()
	e.drv.Append(folder("A", "R", "a"))
	for i := 0; i < 10; i++ {
		e.drv.Append(file(fmt.Sprintf("f%d", i), "R", fmt.Sprintf("f%d", i)))
	}
	e.sync(t)

	// Every child the index places under the root must be stored there.
	check := func() error {
		return e.eng.View(func(st store.Store, ix *pathindex.Index) error {
			for _, id := range ix.Children("R") {
				n, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				if n == nil || n.ParentID != "R" || n.Trashed {
					return fmt.Errorf("indexed under R but stored as %+v", n)
				}
			}
			return ix.Check()
		})
	}

	stop := make(chan struct{})
	var readers errgroup.Group
	for r := 0; r < 4; r++ {
		readers.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				if err := check(); err != nil {
					return err
				}
			}
		})
	}

	for round := 0; round < 20; round++ {
		parent := "A"
		if round%2 == 1 {
			parent = "R"
		}
		for i := 0; i < 10; i++ {
			e.drv.Append(models.Change{Kind: models.ChangeMove, ID: fmt.Sprintf("f%d", i),
				ParentID: parent, Name: fmt.Sprintf("f%d", i)})
		}
		var syncers errgroup.Group
		for s := 0; s < 3; s++ {
			syncers.Go(func() error {
				_, err := e.eng.SyncAll(ctx)
				return err
			})
		}
		if err := syncers.Wait(); err != nil {
			close(stop)
			readers.Wait()
			t.Fatalf("round %d: concurrent SyncAll: %v", round, err)
		}
	}
	close(stop)
	if err := readers.Wait(); err != nil {
		t.Fatalf("reader saw a torn state: %v", err)
	}

	if got := e.lookup("/f7"); got != "f7" {
		t.Errorf("/f7 = %q after the last round", got)
	}
	cp, _, _ := e.eng.Checkpoint(ctx)
	if cp.Cursor != e.drv.Head() {
		t.Errorf("cursor = %s, head = %s", cp.Cursor, e.drv.Head())
	}
}

func TestStart_RejectedDuringSyncAll(t *testing.T) {
	e := newEnv(t, memory.Config{PageSize: 1})
	ctx := context.Background()
	e.drv.Append(folder("A", "R", "a"), folder("B", "R", "b"))

	var (
		eng       *Engine
		startErrs []error
		resetErrs []error
	)
	eng, err := New(ctx, e.drv, e.st, Options{Retry: fastRetry, OnEvent: func(models.Event) {
		if p, err := eng.Start(ctx); err == nil {
			p.Close()
		} else {
			startErrs = append(startErrs, err)
		}
		resetErrs = append(resetErrs, eng.Reset(ctx))
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(startErrs) != 2 || len(resetErrs) != 2 {
		t.Fatalf("hook ran with start errors %v, reset errors %v", startErrs, resetErrs)
	}
	for i := range startErrs {
		if !errors.Is(startErrs[i], models.ErrSyncInProgress) || !errors.Is(resetErrs[i], models.ErrSyncInProgress) {
			t.Errorf("during pass: Start = %v, Reset = %v", startErrs[i], resetErrs[i])
		}
	}

	p, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start after SyncAll: %v", err)
	}
	p.Close()
}
