package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/fruitsalade/drivesync/pkg/models"
)

// Overlay stages mutations over a Reader without touching it. Reads see
// the staged state; Mutations returns what to commit.
type Overlay struct {
	base     Reader
	nodes    map[string]*models.Node // nil value: removed
	byParent map[string]map[string]struct{}
	muts     []Mutation
}

// NewOverlay returns an empty overlay on base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{
		base:     base,
		nodes:    make(map[string]*models.Node),
		byParent: make(map[string]map[string]struct{}),
	}
}

// Apply stages m.
func (o *Overlay) Apply(m Mutation) {
	if prev, ok := o.nodes[m.ID]; ok && prev != nil {
		delete(o.byParent[prev.ParentID], m.ID)
	}
	o.muts = append(o.muts, m)
	if m.Op == OpRemove {
		o.nodes[m.ID] = nil
		return
	}
	n := m.Node.Clone()
	o.nodes[n.ID] = n
	kids := o.byParent[n.ParentID]
	if kids == nil {
		kids = make(map[string]struct{})
		o.byParent[n.ParentID] = kids
	}
	kids[n.ID] = struct{}{}
}

// Mutations returns the staged mutations in order.
func (o *Overlay) Mutations() []Mutation {
	return o.muts
}

// Len returns the number of staged mutations.
func (o *Overlay) Len() int {
	return len(o.muts)
}

// Get implements Reader.
func (o *Overlay) Get(ctx context.Context, id string) (*models.Node, error) {
	if n, ok := o.nodes[id]; ok {
		return n.Clone(), nil
	}
	return o.base.Get(ctx, id)
}

// Children implements Reader.
func (o *Overlay) Children(ctx context.Context, parentID string) ([]*models.Node, error) {
	base, err := o.base.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Node, 0, len(base))
	for _, n := range base {
		if _, staged := o.nodes[n.ID]; !staged {
			out = append(out, n)
		}
	}
	for id := range o.byParent[parentID] {
		out = append(out, o.nodes[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Walk visits the staged view of every node. The base must support Walk.
func (o *Overlay) Walk(ctx context.Context, fn func(*models.Node) error) error {
	w, ok := o.base.(interface {
		Walk(ctx context.Context, fn func(*models.Node) error) error
	})
	if !ok {
		return fmt.Errorf("overlay base %T cannot walk", o.base)
	}
	err := w.Walk(ctx, func(n *models.Node) error {
		if _, staged := o.nodes[n.ID]; staged {
			return nil
		}
		return fn(n)
	})
	if err != nil {
		return err
	}
	for _, n := range o.nodes {
		if n == nil {
			continue
		}
		if err := fn(n.Clone()); err != nil {
			return err
		}
	}
	return nil
}
