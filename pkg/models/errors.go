package models

import (
	"errors"
	"fmt"
)

// Common drive errors
var (
	ErrNotFound       = errors.New("node not found")
	ErrConflict       = errors.New("tree conflict")
	ErrExists         = errors.New("node already exists")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrRootNode       = errors.New("operation not allowed on root node")
	ErrTrashed        = errors.New("node is in trash")
	ErrNotFolder      = errors.New("not a folder")
	ErrNotFile        = errors.New("not a file")
	ErrLineage        = errors.New("destination is a descendant of the source")
	ErrInvalidName    = errors.New("invalid name")
)

// LookupError records a failed lookup by path or identifier.
type LookupError struct {
	Ref string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Ref, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// NotFound returns a LookupError wrapping ErrNotFound.
func NotFound(ref string) error {
	return &LookupError{Ref: ref, Err: ErrNotFound}
}

// StorageError is a failure of the persistence layer. It is fatal to the
// operation that hit it and is never retried internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConflictError reports a change record whose naive application would break
// a tree invariant.
type ConflictError struct {
	NodeID string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.NodeID, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransferError is the terminal failure of a content transfer after the
// retry budget is spent or a permanent error was hit.
type TransferError struct {
	NodeID string
	Path   string
	Err    error
}

func (e *TransferError) Error() string {
	ref := e.Path
	if ref == "" {
		ref = e.NodeID
	}
	return fmt.Sprintf("transfer %s failed: %v", ref, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the node does not exist in the mirror.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a tree conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsStorage reports whether err originates from the persistence layer.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
