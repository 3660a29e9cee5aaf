package models

import (
	"fmt"
	"time"
)

// ChangeKind is the kind of a remote change record.
type ChangeKind int

const (
	// ChangeUpsert carries the node's full current state; the applier
	// decides whether it is a create, update, move, trash or restore.
	ChangeUpsert ChangeKind = iota
	ChangeCreate
	ChangeUpdate
	ChangeMove
	ChangeTrash
	ChangeDelete
)

var changeKindNames = map[ChangeKind]string{
	ChangeUpsert: "upsert",
	ChangeCreate: "create",
	ChangeUpdate: "update",
	ChangeMove:   "move",
	ChangeTrash:  "trash",
	ChangeDelete: "delete",
}

func (k ChangeKind) String() string {
	if s, ok := changeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is one record of the driver's change feed.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id"`

	// ParentID and Name are the node's new position for create and move.
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name,omitempty"`

	// Node holds the full attributes for create, update and upsert.
	Node *Node `json:"node,omitempty"`
}

// Target returns the node state the record describes, merging the explicit
// ParentID/Name over Node when both are present.
func (c Change) Target() *Node {
	var n *Node
	if c.Node != nil {
		n = c.Node.Clone()
	} else {
		n = &Node{ID: c.ID, Kind: KindFolder}
	}
	if n.ID == "" {
		n.ID = c.ID
	}
	if c.ParentID != "" {
		n.ParentID = c.ParentID
	}
	if c.Name != "" {
		n.Name = c.Name
	}
	return n
}

// EventKind is the kind of an emitted change event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventMoved    EventKind = "moved"
	EventTrashed  EventKind = "trashed"
	EventRestored EventKind = "restored"
	EventDeleted  EventKind = "deleted"
	EventConflict EventKind = "conflict"
)

// Event describes one applied change as observed through the mirror.
type Event struct {
	Kind       EventKind `json:"kind"`
	NodeID     string    `json:"node_id"`
	PathBefore string    `json:"path_before,omitempty"`
	PathAfter  string    `json:"path_after,omitempty"`
	Seq        int64     `json:"seq,omitempty"` // record sequence number; conflicts of a no-op record carry the previous one
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}
