// Package store defines the persisted node store owned by the sync engine.
package store

import (
	"context"

	"github.com/fruitsalade/drivesync/pkg/models"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

// SchemaVersion is bumped whenever the persisted layout changes. A store
// that finds a different version on disk drops its tables and reports
// Rebuilt, so the next sync starts over from the initial cursor.
const SchemaVersion = 1

// Op is the kind of a store mutation.
type Op int

const (
	OpPut Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "put"
}

// Mutation is one node write inside a commit batch.
type Mutation struct {
	Op   Op
	Node *models.Node // OpPut
	ID   string       // OpRemove
}

// Put returns a mutation inserting or replacing n.
func Put(n *models.Node) Mutation {
	return Mutation{Op: OpPut, Node: n, ID: n.ID}
}

// Remove returns a mutation deleting the node with the given id.
func Remove(id string) Mutation {
	return Mutation{Op: OpRemove, ID: id}
}

// Reader is the read side of the store.
type Reader interface {
	// Get returns the node or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*models.Node, error)

	// Children returns all nodes whose parent is parentID, trashed included.
	Children(ctx context.Context, parentID string) ([]*models.Node, error)
}

// Store is the persisted node graph plus its checkpoint.
// Every failure is a *models.StorageError.
type Store interface {
	Reader

	// Checkpoint returns the last committed checkpoint; ok is false on a
	// store that has never completed a commit.
	Checkpoint(ctx context.Context) (cp models.Checkpoint, ok bool, err error)

	// Commit applies the mutations in order and advances the checkpoint in
	// one transaction.
	Commit(ctx context.Context, muts []Mutation, cp models.Checkpoint) error

	// RootID returns the root identifier, or "" before the first pass.
	RootID(ctx context.Context) (string, error)

	// Walk calls fn for every stored node in unspecified order.
	Walk(ctx context.Context, fn func(*models.Node) error) error

	// Count returns the number of stored nodes.
	Count(ctx context.Context) (int, error)

	// Trashed returns the nodes carrying the trashed flag.
	Trashed(ctx context.Context) ([]*models.Node, error)

	// Duplicates returns groups of non-trashed siblings whose names are
	// equal under norm; a nil norm compares names exactly.
	Duplicates(ctx context.Context, norm tree.Normalizer) ([][]*models.Node, error)

	// Orphans returns nodes not connected to the root: those whose parent
	// is missing and provisional placeholders.
	Orphans(ctx context.Context) ([]*models.Node, error)

	// Reset removes every node and the checkpoint.
	Reset(ctx context.Context) error

	// Rebuilt reports whether opening found an incompatible schema and
	// discarded it.
	Rebuilt() bool

	Close() error
}
