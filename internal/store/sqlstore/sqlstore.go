// Package sqlstore implements store.Store on database/sql. The SQLite and
// PostgreSQL engines share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

// Rebind rewrites "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Options configures a Store.
type Options struct {
	Logger *zap.Logger

	// AfterMutation, if set, runs inside Commit after the i-th mutation has
	// been written. A non-nil error aborts the transaction; tests use it to
	// simulate a crash in the middle of a batch.
	AfterMutation func(i int) error
}

// Store is a SQL node store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
	hook    func(int) error
	rebuilt bool
}

var _ store.Store = (*Store)(nil)

const (
	keySchemaVersion = "schema_version"
	keyRootID        = "root_id"
	keyCursor        = "cursor"
	keySeq           = "seq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id          TEXT PRIMARY KEY,
		parent_id   TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		kind        INTEGER NOT NULL,
		size        BIGINT NOT NULL DEFAULT 0,
		hash        TEXT NOT NULL DEFAULT '',
		mime_type   TEXT NOT NULL DEFAULT '',
		created     BIGINT NOT NULL DEFAULT 0,
		modified    BIGINT NOT NULL DEFAULT 0,
		trashed     INTEGER NOT NULL DEFAULT 0,
		provisional INTEGER NOT NULL DEFAULT 0,
		seq         BIGINT NOT NULL DEFAULT 0,
		extra       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_trashed ON nodes(trashed)`,
}

var dropSchema = []string{
	`DROP TABLE IF EXISTS nodes`,
	`DROP TABLE IF EXISTS metadata`,
}

const nodeColumns = `id, parent_id, name, kind, size, hash, mime_type, created, modified, trashed, provisional, seq, extra`

// New wraps an open database, creating or migrating the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, dialect: dialect, log: log, hook: opts.AfterMutation}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema[0]); err != nil {
		return &models.StorageError{Op: "migrate", Err: err}
	}
	var version string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM metadata WHERE key = ?`), keySchemaVersion).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return &models.StorageError{Op: "migrate", Err: err}
	case version != strconv.Itoa(store.SchemaVersion):
		s.log.Warn("schema version mismatch, rebuilding node store",
			zap.String("found", version),
			zap.Int("want", store.SchemaVersion))
		for _, stmt := range dropSchema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return &models.StorageError{Op: "migrate", Err: err}
			}
		}
		s.rebuilt = true
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &models.StorageError{Op: "migrate", Err: err}
		}
	}
	if err := setMeta(ctx, s.db, s.dialect, keySchemaVersion, strconv.Itoa(store.SchemaVersion)); err != nil {
		return &models.StorageError{Op: "migrate", Err: err}
	}
	return nil
}

// Rebuilt implements store.Store.
func (s *Store) Rebuilt() bool {
	return s.rebuilt
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMeta(ctx context.Context, db execer, d Dialect, key, value string) error {
	_, err := db.ExecContext(ctx, d.Rebind(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`), key, value)
	return err
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM metadata WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Get implements store.Reader.
func (s *Store) Get(ctx context.Context, id string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("get", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return n, nil
}

// Children implements store.Reader.
func (s *Store) Children(ctx context.Context, parentID string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("children", time.Since(start)) }()

	nodes, err := s.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY name, id`, parentID)
	if err != nil {
		return nil, &models.StorageError{Op: "children", Err: err}
	}
	return nodes, nil
}

// Checkpoint implements store.Store.
func (s *Store) Checkpoint(ctx context.Context) (models.Checkpoint, bool, error) {
	var cp models.Checkpoint
	cursor, ok, err := s.getMeta(ctx, keyCursor)
	if err != nil {
		return cp, false, &models.StorageError{Op: "checkpoint", Err: err}
	}
	if !ok {
		return cp, false, nil
	}
	cp.Cursor = cursor
	seq, ok, err := s.getMeta(ctx, keySeq)
	if err != nil {
		return cp, false, &models.StorageError{Op: "checkpoint", Err: err}
	}
	if ok {
		cp.Seq, err = strconv.ParseInt(seq, 10, 64)
		if err != nil {
			return cp, false, &models.StorageError{Op: "checkpoint", Err: fmt.Errorf("parse seq: %w", err)}
		}
	}
	return cp, true, nil
}

// RootID implements store.Store.
func (s *Store) RootID(ctx context.Context) (string, error) {
	id, _, err := s.getMeta(ctx, keyRootID)
	if err != nil {
		return "", &models.StorageError{Op: "root_id", Err: err}
	}
	return id, nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, muts []store.Mutation, cp models.Checkpoint) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("commit", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "commit", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback()

	upsert := s.q(`INSERT INTO nodes (` + nodeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			kind = excluded.kind,
			size = excluded.size,
			hash = excluded.hash,
			mime_type = excluded.mime_type,
			created = excluded.created,
			modified = excluded.modified,
			trashed = excluded.trashed,
			provisional = excluded.provisional,
			seq = excluded.seq,
			extra = excluded.extra`)
	remove := s.q(`DELETE FROM nodes WHERE id = ?`)

	var puts, removes int
	for i, m := range muts {
		switch m.Op {
		case store.OpPut:
			args, err := nodeArgs(m.Node)
			if err != nil {
				return &models.StorageError{Op: "commit", Err: err}
			}
			if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
				return &models.StorageError{Op: "commit", Err: fmt.Errorf("put %s: %w", m.Node.ID, err)}
			}
			if m.Node.IsRoot() {
				if err := setMeta(ctx, tx, s.dialect, keyRootID, m.Node.ID); err != nil {
					return &models.StorageError{Op: "commit", Err: err}
				}
			}
			puts++
		case store.OpRemove:
			if _, err := tx.ExecContext(ctx, remove, m.ID); err != nil {
				return &models.StorageError{Op: "commit", Err: fmt.Errorf("remove %s: %w", m.ID, err)}
			}
			removes++
		}
		if s.hook != nil {
			if err := s.hook(i); err != nil {
				return &models.StorageError{Op: "commit", Err: err}
			}
		}
	}

	if err := setMeta(ctx, tx, s.dialect, keyCursor, cp.Cursor); err != nil {
		return &models.StorageError{Op: "commit", Err: err}
	}
	if err := setMeta(ctx, tx, s.dialect, keySeq, strconv.FormatInt(cp.Seq, 10)); err != nil {
		return &models.StorageError{Op: "commit", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "commit", Err: fmt.Errorf("commit tx: %w", err)}
	}
	metrics.RecordMutations(puts, removes)
	return nil
}

// Walk implements store.Store.
func (s *Store) Walk(ctx context.Context, fn func(*models.Node) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("walk", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes`)
	if err != nil {
		return &models.StorageError{Op: "walk", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return &models.StorageError{Op: "walk", Err: err}
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &models.StorageError{Op: "walk", Err: err}
	}
	return nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, &models.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Trashed implements store.Store.
func (s *Store) Trashed(ctx context.Context) ([]*models.Node, error) {
	nodes, err := s.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE trashed = 1 ORDER BY modified, id`)
	if err != nil {
		return nil, &models.StorageError{Op: "trashed", Err: err}
	}
	return nodes, nil
}

// Duplicates implements store.Store.
func (s *Store) Duplicates(ctx context.Context, norm tree.Normalizer) ([][]*models.Node, error) {
	nodes, err := s.query(ctx, `SELECT `+nodeColumns+` FROM nodes
		WHERE trashed = 0 AND provisional = 0 AND parent_id <> ''
		ORDER BY parent_id, name, id`)
	if err != nil {
		return nil, &models.StorageError{Op: "duplicates", Err: err}
	}
	key := func(name string) string { return name }
	if norm != nil {
		key = norm.Normalize
	}
	var groups [][]*models.Node
	for start := 0; start < len(nodes); {
		end := start + 1
		for end < len(nodes) && nodes[end].ParentID == nodes[start].ParentID {
			end++
		}
		groups = append(groups, collisions(nodes[start:end], key)...)
		start = end
	}
	return groups, nil
}

// collisions groups siblings by key, keeping groups of two or more in
// order of first appearance.
func collisions(siblings []*models.Node, key func(string) string) [][]*models.Node {
	if len(siblings) < 2 {
		return nil
	}
	byKey := make(map[string][]*models.Node, len(siblings))
	var order []string
	for _, n := range siblings {
		k := key(n.Name)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], n)
	}
	var out [][]*models.Node
	for _, k := range order {
		if len(byKey[k]) > 1 {
			out = append(out, byKey[k])
		}
	}
	return out
}

// Orphans implements store.Store.
func (s *Store) Orphans(ctx context.Context) ([]*models.Node, error) {
	nodes, err := s.query(ctx, `SELECT `+nodeColumns+` FROM nodes n
		WHERE n.provisional = 1
		   OR (n.parent_id <> '' AND NOT EXISTS (SELECT 1 FROM nodes p WHERE p.id = n.parent_id))
		ORDER BY n.id`)
	if err != nil {
		return nil, &models.StorageError{Op: "orphans", Err: err}
	}
	return nodes, nil
}

// Reset implements store.Store.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "reset", Err: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return &models.StorageError{Op: "reset", Err: err}
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM metadata WHERE key <> ?`), keySchemaVersion); err != nil {
		return &models.StorageError{Op: "reset", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "reset", Err: err}
	}
	s.log.Info("node store reset")
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// extra holds the attributes without a column of their own.
type extra struct {
	Image   *models.ImageInfo `json:"image,omitempty"`
	Video   *models.VideoInfo `json:"video,omitempty"`
	Private map[string]string `json:"private,omitempty"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*models.Node, error) {
	var (
		n                    models.Node
		kind                 int
		created, modified    int64
		trashed, provisional int64
		extraJSON            string
	)
	if err := row.Scan(&n.ID, &n.ParentID, &n.Name, &kind, &n.Size, &n.Hash, &n.MimeType,
		&created, &modified, &trashed, &provisional, &n.Seq, &extraJSON); err != nil {
		return nil, err
	}
	n.Kind = models.Kind(kind)
	n.Created = fromUnixNano(created)
	n.Modified = fromUnixNano(modified)
	n.Trashed = trashed != 0
	n.Provisional = provisional != 0
	if extraJSON != "" {
		var x extra
		if err := json.Unmarshal([]byte(extraJSON), &x); err != nil {
			return nil, fmt.Errorf("decode extra for %s: %w", n.ID, err)
		}
		n.Image, n.Video, n.Private = x.Image, x.Video, x.Private
	}
	return &n, nil
}

func nodeArgs(n *models.Node) ([]any, error) {
	var extraJSON string
	if n.Image != nil || n.Video != nil || len(n.Private) > 0 {
		data, err := json.Marshal(extra{Image: n.Image, Video: n.Video, Private: n.Private})
		if err != nil {
			return nil, fmt.Errorf("encode extra for %s: %w", n.ID, err)
		}
		extraJSON = string(data)
	}
	return []any{
		n.ID, n.ParentID, n.Name, int(n.Kind), n.Size, n.Hash, n.MimeType,
		toUnixNano(n.Created), toUnixNano(n.Modified),
		boolInt(n.Trashed), boolInt(n.Provisional), n.Seq, extraJSON,
	}, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
