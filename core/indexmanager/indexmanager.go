package indexmanager

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("index manager closed")
	ErrNoBackingFile = errors.New("index has no backing file")
	ErrValueTooLarge = errors.New("value too large")
)

// KeyValuePair is one entry returned by GetRange.
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// SnapshotInfo describes a snapshot written by Snapshot.
type SnapshotInfo struct {
	ID         string
	Path       string
	Bytes      int64
	Checksum   uint64
	RootPageID uint64
}

// IndexManager is a key to value index over an ordered tree.
type IndexManager interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, key []byte) (bool, error)
	// GetRange returns entries with keys in [startKey, endKey] in key order.
	// Nil bounds are open; limit <= 0 means no limit.
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]KeyValuePair, error)
	// Snapshot flushes the index and copies its file to dstPath.
	Snapshot(ctx context.Context, dstPath string) (SnapshotInfo, error)
	Stats(ctx context.Context) (Stats, error)
	// Key converts a string into the fixed-width key this index uses.
	Key(s string) []byte
	Name() string
	Close() error
}
