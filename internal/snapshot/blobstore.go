// Package snapshot is the durable, append-only history of entity events.
// Partitions are immutable columnar files addressed by entity type and
// time window, stored in a BlobStore (local disk or S3-compatible).
package snapshot

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("snapshot object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Object is an opened blob supporting range reads.
type Object interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// BlobStore is a key-addressed object store. Keys use "/" separators.
type BlobStore interface {
	// Put writes data under key atomically: readers see the old object or
	// the whole new one.
	Put(ctx context.Context, key string, data []byte) error
	// List visits keys under prefix that sort after startAfter, in
	// ascending order, until fn returns false.
	List(ctx context.Context, prefix, startAfter string, fn func(ObjectInfo) bool) error
	Open(ctx context.Context, key string) (Object, error)
}
