// Package models contains the data types shared by the drive core, its
// drivers and its consumers.
package models

import (
	"maps"
	"time"
)

// Kind distinguishes files from folders.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// ImageInfo holds image dimensions reported by the driver.
type ImageInfo struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// VideoInfo holds video dimensions and duration reported by the driver.
type VideoInfo struct {
	Width      int   `json:"width" yaml:"width"`
	Height     int   `json:"height" yaml:"height"`
	DurationMS int64 `json:"ms_duration" yaml:"ms_duration"`
}

// Node represents a file or folder in the remote tree.
//
// ParentID is empty for the root and for provisional placeholders, which
// stand in for a parent whose create record has not been applied yet.
type Node struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	Size        int64             `json:"size,omitempty"`
	Hash        string            `json:"hash,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	Created     time.Time         `json:"created"`
	Modified    time.Time         `json:"modified"`
	Trashed     bool              `json:"trashed"`
	Provisional bool              `json:"provisional,omitempty"`
	Seq         int64             `json:"seq"`
	Image       *ImageInfo        `json:"image,omitempty"`
	Video       *VideoInfo        `json:"video,omitempty"`
	Private     map[string]string `json:"private,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool { return n.Kind == KindFolder }

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool { return n.Kind == KindFile }

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool { return n.ParentID == "" && !n.Provisional }

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Image != nil {
		img := *n.Image
		c.Image = &img
	}
	if n.Video != nil {
		vid := *n.Video
		c.Video = &vid
	}
	if n.Private != nil {
		c.Private = maps.Clone(n.Private)
	}
	return &c
}

// SameContent reports whether a and b carry identical remote attributes.
// Seq is bookkeeping of the local mirror and is ignored.
func SameContent(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.ParentID != b.ParentID || a.Name != b.Name ||
		a.Kind != b.Kind || a.Size != b.Size || a.Hash != b.Hash ||
		a.MimeType != b.MimeType || a.Trashed != b.Trashed ||
		a.Provisional != b.Provisional {
		return false
	}
	if !a.Created.Equal(b.Created) || !a.Modified.Equal(b.Modified) {
		return false
	}
	if (a.Image == nil) != (b.Image == nil) || (a.Image != nil && *a.Image != *b.Image) {
		return false
	}
	if (a.Video == nil) != (b.Video == nil) || (a.Video != nil && *a.Video != *b.Video) {
		return false
	}
	return maps.Equal(a.Private, b.Private)
}

// Checkpoint marks how far the change feed has been applied.
type Checkpoint struct {
	// Cursor is the driver's opaque feed position.
	Cursor string `json:"cursor"`
	// Seq is the last change sequence number handed out by the engine.
	Seq int64 `json:"seq"`
}
