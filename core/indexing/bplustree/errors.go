package bplustree

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrStorage       = errors.New("page store failure")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidLink   = errors.New("invalid row link")
	ErrInvalidConfig = errors.New("invalid tree configuration")
	ErrCorruptTree   = errors.New("tree structure violated")
	ErrNoKeyResolver = errors.New("row-link leaf needs a key resolver")
)

// errRestart abandons an optimistic pass.
var errRestart = errors.New("restart pessimistically")

// DuplicateKeyError is returned by Insert when a unique tree already holds the key.
type DuplicateKeyError struct {
	Key []byte
}

func (e *DuplicateKeyError) Error() string { return fmt.Sprintf("duplicate key %x", e.Key) }

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

// StorageError wraps a page store or row store failure. The tree was not modified.
type StorageError struct {
	Op     string
	PageID pagemanager.PageID
	Err    error
}

func (e *StorageError) Error() string {
	if e.PageID != pagemanager.InvalidPageID {
		return fmt.Sprintf("bplustree: %s page %d: %v", e.Op, e.PageID, e.Err)
	}
	return fmt.Sprintf("bplustree: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&pageio.InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}
