// Package memory provides an in-memory driver with a real change feed.
// It backs the test suites and the CLI demo; fixtures and state files
// are YAML.
package memory

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/drivesync/pkg/driver"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// DefaultRootID is the root identifier unless WithRootID says otherwise.
const DefaultRootID = "root"

// Config holds configuration for the memory driver.
type Config struct {
	RootID          string
	PageSize        int // records per ListChanges page (0 = all)
	CaseInsensitive bool
	AllowDuplicates bool // permit siblings with the same name
	Clock           func() time.Time
}

type fault struct {
	remaining int
	err       error
}

type interruption struct {
	after     int64
	remaining int
}

// Driver is an in-memory remote drive.
type Driver struct {
	mu      sync.Mutex
	cfg     Config
	rules   tree.NameRules
	nodes   map[string]*models.Node
	content map[string][]byte
	log     []models.Change
	nextID  int

	faults     map[string]*fault
	interrupts map[string]*interruption
	calls      map[string]int

	statePath string
}

// New creates a driver holding only the root folder.
func New(cfg Config) *Driver {
	if cfg.RootID == "" {
		cfg.RootID = DefaultRootID
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	d := &Driver{
		cfg:        cfg,
		rules:      tree.NameRules{CaseInsensitive: cfg.CaseInsensitive},
		nodes:      make(map[string]*models.Node),
		content:    make(map[string][]byte),
		faults:     make(map[string]*fault),
		interrupts: make(map[string]*interruption),
		calls:      make(map[string]int),
	}
	now := cfg.Clock()
	d.nodes[cfg.RootID] = &models.Node{
		ID:       cfg.RootID,
		Kind:     models.KindFolder,
		Created:  now,
		Modified: now,
	}
	return d
}

// Normalizer implements driver.PathPolicy.
func (d *Driver) Normalizer() tree.Normalizer { return d.rules }

// NewHash implements driver.Hasher.
func (d *Driver) NewHash() hash.Hash { return xxhash.New() }

// HashOf returns the content hash the driver reports for data.
func HashOf(data []byte) string {
	h := xxhash.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fail makes the next n calls of op return err. Op names are the snake_case
// method names, e.g. "list_changes" or "download".
func (d *Driver) Fail(op string, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = &fault{remaining: n, err: err}
}

// Interrupt makes the next n downloads of id fail with a transient error
// after after bytes have been streamed.
func (d *Driver) Interrupt(id string, after int64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts[id] = &interruption{after: after, remaining: n}
}

// Calls returns how often op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// enter counts the call and returns an injected fault, if any.
// Callers hold d.mu.
func (d *Driver) enter(op string) error {
	d.calls[op]++
	f, ok := d.faults[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// Authenticate implements driver.Driver.
func (d *Driver) Authenticate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enter("authenticate")
}

// RootID implements driver.Driver.
func (d *Driver) RootID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("root_id"); err != nil {
		return "", err
	}
	return d.cfg.RootID, nil
}

// GetNode implements driver.Driver.
func (d *Driver) GetNode(ctx context.Context, id string) (*models.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("get_node"); err != nil {
		return nil, err
	}
	n, ok := d.nodes[id]
	if !ok {
		return nil, driver.Permanent("get_node", models.NotFound(id))
	}
	return n.Clone(), nil
}

// ListChanges implements driver.Driver. Cursors are decimal offsets into
// the change log.
func (d *Driver) ListChanges(ctx context.Context, cursor string) (driver.ChangeBatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("list_changes"); err != nil {
		return driver.ChangeBatch{}, err
	}
	start := 0
	if cursor != driver.InitialCursor {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(d.log) {
			return driver.ChangeBatch{}, driver.Permanent("list_changes", fmt.Errorf("invalid cursor %q", cursor))
		}
		start = n
	}
	end := len(d.log)
	if d.cfg.PageSize > 0 && start+d.cfg.PageSize < end {
		end = start + d.cfg.PageSize
	}
	changes := make([]models.Change, 0, end-start)
	for _, c := range d.log[start:end] {
		c.Node = c.Node.Clone()
		changes = append(changes, c)
	}
	return driver.ChangeBatch{
		Changes: changes,
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(d.log),
	}, nil
}

// Download implements driver.Driver.
func (d *Driver) Download(ctx context.Context, node *models.Node, offset int64) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("download"); err != nil {
		return nil, err
	}
	data, ok := d.content[node.ID]
	if !ok {
		return nil, driver.Permanent("download", models.NotFound(node.ID))
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, driver.Permanent("download", fmt.Errorf("offset %d out of range", offset))
	}
	rest := data[offset:]
	if in, ok := d.interrupts[node.ID]; ok && in.remaining > 0 {
		in.remaining--
		return io.NopCloser(&brokenReader{r: bytes.NewReader(rest), left: in.after}), nil
	}
	return io.NopCloser(bytes.NewReader(rest)), nil
}

type brokenReader struct {
	r    io.Reader
	left int64
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, driver.Transient("download", io.ErrUnexpectedEOF)
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= int64(n)
	return n, err
}

// Upload implements driver.Driver.
func (d *Driver) Upload(ctx context.Context, parentID, name string, size int64, r io.Reader) (*models.Node, error) {
	d.mu.Lock()
	if err := d.enter("upload"); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, driver.Transient("upload", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, driver.Permanent("upload", fmt.Errorf("size mismatch: got %d, want %d", len(data), size))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkSlot("upload", parentID, name, ""); err != nil {
		return nil, err
	}
	now := d.cfg.Clock()
	n := &models.Node{
		ID:       d.newID(),
		ParentID: parentID,
		Name:     name,
		Kind:     models.KindFile,
		Size:     int64(len(data)),
		Hash:     HashOf(data),
		MimeType: "application/octet-stream",
		Created:  now,
		Modified: now,
	}
	d.nodes[n.ID] = n
	d.content[n.ID] = data
	d.record(models.Change{Kind: models.ChangeCreate, ID: n.ID, ParentID: parentID, Name: name, Node: n.Clone()})
	return n.Clone(), d.save()
}

// CreateFolder implements driver.Driver.
func (d *Driver) CreateFolder(ctx context.Context, parentID, name string) (*models.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("create_folder"); err != nil {
		return nil, err
	}
	n, err := d.createFolder(parentID, name)
	if err != nil {
		return nil, err
	}
	return n.Clone(), d.save()
}

func (d *Driver) createFolder(parentID, name string) (*models.Node, error) {
	if err := d.checkSlot("create_folder", parentID, name, ""); err != nil {
		return nil, err
	}
	now := d.cfg.Clock()
	n := &models.Node{
		ID:       d.newID(),
		ParentID: parentID,
		Name:     name,
		Kind:     models.KindFolder,
		Created:  now,
		Modified: now,
	}
	d.nodes[n.ID] = n
	d.record(models.Change{Kind: models.ChangeCreate, ID: n.ID, ParentID: parentID, Name: name, Node: n.Clone()})
	return n, nil
}

// Trash implements driver.Driver.
func (d *Driver) Trash(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("trash"); err != nil {
		return err
	}
	n, ok := d.nodes[id]
	if !ok {
		return driver.Permanent("trash", models.NotFound(id))
	}
	if id == d.cfg.RootID {
		return driver.Permanent("trash", models.ErrRootNode)
	}
	if n.Trashed {
		return nil
	}
	n.Trashed = true
	n.Modified = d.cfg.Clock()
	d.record(models.Change{Kind: models.ChangeTrash, ID: id})
	return d.save()
}

// Restore takes a node out of the trash, reporting it as an upsert.
func (d *Driver) Restore(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return driver.Permanent("restore", models.NotFound(id))
	}
	if !n.Trashed {
		return nil
	}
	n.Trashed = false
	n.Modified = d.cfg.Clock()
	d.record(models.Change{Kind: models.ChangeUpsert, ID: id, Node: n.Clone()})
	return d.save()
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("delete"); err != nil {
		return err
	}
	if _, ok := d.nodes[id]; !ok {
		return driver.Permanent("delete", models.NotFound(id))
	}
	if id == d.cfg.RootID {
		return driver.Permanent("delete", models.ErrRootNode)
	}
	d.removeTree(id)
	d.record(models.Change{Kind: models.ChangeDelete, ID: id})
	return d.save()
}

// Move implements driver.Driver.
func (d *Driver) Move(ctx context.Context, id, newParentID, newName string) (*models.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("move"); err != nil {
		return nil, err
	}
	n, ok := d.nodes[id]
	if !ok {
		return nil, driver.Permanent("move", models.NotFound(id))
	}
	if id == d.cfg.RootID {
		return nil, driver.Permanent("move", models.ErrRootNode)
	}
	for p := newParentID; p != ""; p = d.nodes[p].ParentID {
		if p == id {
			return nil, driver.Permanent("move", models.ErrLineage)
		}
		if _, ok := d.nodes[p]; !ok {
			break
		}
	}
	if err := d.checkSlot("move", newParentID, newName, id); err != nil {
		return nil, err
	}
	n.ParentID = newParentID
	n.Name = newName
	n.Modified = d.cfg.Clock()
	d.record(models.Change{Kind: models.ChangeMove, ID: id, ParentID: newParentID, Name: newName, Node: n.Clone()})
	return n.Clone(), d.save()
}

// Append adds raw records to the change feed and folds them into the
// driver's own state. Tests use it to script out-of-order or conflicting
// feeds that the regular mutations would never produce.
func (d *Driver) Append(changes ...models.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range changes {
		c.Node = c.Node.Clone()
		d.log = append(d.log, c)
		d.fold(c)
	}
}

// SetContent replaces a file's content without emitting a change.
func (d *Driver) SetContent(id string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content[id] = bytes.Clone(data)
}

// Head returns the cursor of the feed head.
func (d *Driver) Head() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strconv.Itoa(len(d.log))
}

func (d *Driver) fold(c models.Change) {
	switch c.Kind {
	case models.ChangeDelete:
		d.removeTree(c.ID)
	case models.ChangeTrash:
		if n, ok := d.nodes[c.ID]; ok {
			n.Trashed = true
		}
	default:
		existing, ok := d.nodes[c.ID]
		if ok && c.Node == nil {
			if c.ParentID != "" {
				existing.ParentID = c.ParentID
			}
			if c.Name != "" {
				existing.Name = c.Name
			}
			return
		}
		d.nodes[c.ID] = c.Target()
	}
}

func (d *Driver) record(c models.Change) {
	d.log = append(d.log, c)
}

func (d *Driver) newID() string {
	d.nextID++
	return "n" + strconv.Itoa(d.nextID)
}

func (d *Driver) removeTree(id string) {
	for cid, n := range d.nodes {
		if n.ParentID == id {
			d.removeTree(cid)
		}
	}
	delete(d.nodes, id)
	delete(d.content, id)
}

// checkSlot validates a destination. self is the node being moved, if any.
func (d *Driver) checkSlot(op, parentID, name, self string) error {
	if !tree.ValidName(name) {
		return driver.Permanent(op, fmt.Errorf("%w: %q", models.ErrInvalidName, name))
	}
	parent, ok := d.nodes[parentID]
	if !ok {
		return driver.Permanent(op, models.NotFound(parentID))
	}
	if !parent.IsFolder() {
		return driver.Permanent(op, models.ErrNotFolder)
	}
	if d.cfg.AllowDuplicates {
		return nil
	}
	key := d.rules.Normalize(name)
	for _, n := range d.nodes {
		if n.ParentID == parentID && n.ID != self && !n.Trashed && d.rules.Normalize(n.Name) == key {
			return driver.Permanent(op, fmt.Errorf("%w: %s", models.ErrExists, name))
		}
	}
	return nil
}

// snapshot is the YAML shape of a state file.
type snapshot struct {
	RootID  string            `yaml:"root_id"`
	NextID  int               `yaml:"next_id"`
	Nodes   []*models.Node    `yaml:"nodes"`
	Content map[string]string `yaml:"content"`
	Log     []models.Change   `yaml:"log"`
}

// save writes the state file when one is configured. Callers hold d.mu.
func (d *Driver) save() error {
	if d.statePath == "" {
		return nil
	}
	snap := snapshot{
		RootID:  d.cfg.RootID,
		NextID:  d.nextID,
		Content: make(map[string]string, len(d.content)),
		Log:     d.log,
	}
	for _, n := range d.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for id, data := range d.content {
		snap.Content[id] = string(data)
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := d.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, d.statePath)
}

// loadState replaces the driver's state with the file at path.
func (d *Driver) loadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state %s: %w", path, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if snap.RootID != "" {
		d.cfg.RootID = snap.RootID
	}
	d.nextID = snap.NextID
	d.nodes = make(map[string]*models.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		d.nodes[n.ID] = n
	}
	d.content = make(map[string][]byte, len(snap.Content))
	for id, s := range snap.Content {
		d.content[id] = []byte(s)
	}
	d.log = snap.Log
	return nil
}

// Fixture is the YAML seed format: a flat list of paths.
type Fixture struct {
	Entries []FixtureEntry `yaml:"entries"`
}

// FixtureEntry is one seeded node. Entries with content, or with kind
// "file", become files; everything else becomes a folder.
type FixtureEntry struct {
	Path    string `yaml:"path"`
	Kind    string `yaml:"kind"`
	Content string `yaml:"content"`
}

// Seed creates the fixture's nodes, emitting create records for each.
// Missing intermediate folders are created too.
func (d *Driver) Seed(fx Fixture) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range fx.Entries {
		parts := tree.Split(tree.Clean(e.Path))
		if len(parts) == 0 {
			continue
		}
		parent := d.cfg.RootID
		for i, name := range parts {
			last := i == len(parts)-1
			isFile := last && (e.Content != "" || e.Kind == "file")
			if id, ok := d.childByName(parent, name); ok {
				parent = id
				continue
			}
			if !isFile {
				n, err := d.createFolder(parent, name)
				if err != nil {
					return err
				}
				parent = n.ID
				continue
			}
			data := []byte(e.Content)
			now := d.cfg.Clock()
			n := &models.Node{
				ID:       d.newID(),
				ParentID: parent,
				Name:     name,
				Kind:     models.KindFile,
				Size:     int64(len(data)),
				Hash:     HashOf(data),
				Created:  now,
				Modified: now,
			}
			d.nodes[n.ID] = n
			d.content[n.ID] = data
			d.record(models.Change{Kind: models.ChangeCreate, ID: n.ID, ParentID: parent, Name: name, Node: n.Clone()})
		}
	}
	return d.save()
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (Fixture, error) {
	var fx Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return fx, err
	}
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fx, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return fx, nil
}

func (d *Driver) childByName(parentID, name string) (string, bool) {
	key := d.rules.Normalize(name)
	for _, n := range d.nodes {
		if n.ParentID == parentID && !n.Trashed && d.rules.Normalize(n.Name) == key {
			return n.ID, true
		}
	}
	return "", false
}

// Open builds a driver persisted at statePath. An existing state file
// wins over the fixture; otherwise the fixture (if any) seeds a new state.
func Open(cfg Config, statePath, fixturePath string) (*Driver, error) {
	d := New(cfg)
	if statePath != "" {
		err := d.loadState(statePath)
		switch {
		case err == nil:
			d.statePath = statePath
			return d, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	d.statePath = statePath
	if fixturePath != "" {
		fx, err := LoadFixture(fixturePath)
		if err != nil {
			return nil, err
		}
		if err := d.Seed(fx); err != nil {
			return nil, err
		}
	}
	return d, nil
}
