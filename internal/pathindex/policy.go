package pathindex

import (
	"fmt"

	"github.com/fruitsalade/drivesync/pkg/models"
)

// Policy decides which of several same-named siblings owns a path.
type Policy int

const (
	// LastApplied gives the slot to the node touched by the most recent
	// change record.
	LastApplied Policy = iota
	// KeepExisting leaves the slot with the node created first.
	KeepExisting
	// LowestID gives the slot to the smallest identifier.
	LowestID
)

var policyNames = map[Policy]string{
	LastApplied:  "last-applied",
	KeepExisting: "keep-existing",
	LowestID:     "lowest-id",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses a policy name; "" means LastApplied.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return LastApplied, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown collision policy %q", s)
}

// Prefer reports whether a should own a slot rather than b.
func (p Policy) Prefer(a, b *models.Node) bool {
	switch p {
	case KeepExisting:
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
	case LowestID:
	default:
		if a.Seq != b.Seq {
			return a.Seq > b.Seq
		}
	}
	return a.ID < b.ID
}

// Best returns the preferred node among candidates, or nil.
func (p Policy) Best(candidates []*models.Node) *models.Node {
	var best *models.Node
	for _, n := range candidates {
		if best == nil || p.Prefer(n, best) {
			best = n
		}
	}
	return best
}
