// Package bplustree implements a B+Tree of (key, row link) items over fixed-size pages.
//
// Pages are interpreted through the pageio registry, so leaves written by older
// format versions stay readable next to current ones. Concurrency uses page latch
// coupling: readers couple shared latches down to a leaf, writers first try an
// optimistic pass with only the leaf latched exclusively and fall back to exclusive
// coupling when the leaf would split or under-fill.
package bplustree

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
	"go.uber.org/zap"
)

// DuplicatePolicy decides whether several items may share a key.
type DuplicatePolicy int

const (
	RejectDuplicates DuplicatePolicy = iota
	AllowDuplicates
)

func (p DuplicatePolicy) String() string {
	if p == AllowDuplicates {
		return "allow"
	}
	return "reject"
}

// KeyResolver returns the index key of the row a link points to.
// Trees with row-link-only leaves use it to compare items.
type KeyResolver interface {
	ResolveKey(ctx context.Context, link rowlink.Link) ([]byte, error)
}

// PageStore supplies pinned pages by id and remembers the root.
type PageStore interface {
	PageSize() int
	// AllocatePage returns a pinned, zeroed page whose type byte is set.
	AllocatePage(pageType pageio.PageType) (*pagemanager.Page, error)
	// FetchPage returns the page pinned.
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	FreePage(pageID pagemanager.PageID) error
	RootPageID() pagemanager.PageID
	SetRootPageID(pageID pagemanager.PageID) error
}

// Config tunes a Tree.
type Config struct {
	// KeySize is the fixed width of every key.
	KeySize int
	// LeafVersion is the leaf format new and rewritten leaves use. Zero picks
	// v2, or v3 when duplicates are allowed.
	LeafVersion uint32
	// InnerVersion is the inner format new and rewritten inner pages use. Zero
	// picks v1, or v2 when duplicates are allowed.
	InnerVersion uint32
	// MaxLeafItems and MaxInnerKeys lower the page capacity when positive.
	MaxLeafItems int
	MaxInnerKeys int
	// Duplicates that are allowed need sequenced formats (leaf v3, inner v2).
	Duplicates   DuplicatePolicy
	// StrictRemove makes Remove of a missing key return ErrKeyNotFound.
	StrictRemove bool
	// FreezeFormats keeps mutated pages in the format they were read in.
	FreezeFormats bool
	// Keys resolves keys of row-link-only leaves.
	Keys     KeyResolver
	Registry *pageio.Registry
	Logger   *zap.Logger
	Metrics  *internaltelemetry.TreeMetrics
}

// DefaultConfig returns an 8-byte-key unique tree with inline-key leaves.
func DefaultConfig() Config {
	return Config{
		KeySize:    8,
		Duplicates: RejectDuplicates,
	}
}

// Tree is a B+Tree stored in a PageStore. It is safe for concurrent use.
type Tree struct {
	store   PageStore
	cfg     Config
	reg     *pageio.Registry
	leafIO  pageio.LeafIO
	innerIO pageio.InnerIO

	leafCap, leafMin   int
	innerCap, innerMin int

	// rootLatch guards the root page id and height.
	rootLatch sync.RWMutex
	height    int

	logger  *zap.Logger
	metrics *internaltelemetry.TreeMetrics
}

// New opens the tree rooted at store.RootPageID(), creating an empty root leaf
// when the store has no root yet.
func New(store PageStore, cfg Config) (*Tree, error) {
	if cfg.KeySize <= 0 || cfg.KeySize > pageio.MaxKeySize {
		return nil, fmt.Errorf("%w: key size %d", ErrInvalidConfig, cfg.KeySize)
	}
	sequenced := cfg.Duplicates == AllowDuplicates
	if cfg.LeafVersion == 0 {
		cfg.LeafVersion = 2
		if sequenced {
			cfg.LeafVersion = 3
		}
	}
	if cfg.InnerVersion == 0 {
		cfg.InnerVersion = 1
		if sequenced {
			cfg.InnerVersion = 2
		}
	}
	if cfg.Registry == nil {
		cfg.Registry = pageio.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = internaltelemetry.NoopTreeMetrics()
	}
	leafIO, err := cfg.Registry.Leaf(cfg.LeafVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	innerIO, err := cfg.Registry.Inner(cfg.InnerVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if leafIO.Sequenced() != sequenced || innerIO.Sequenced() != sequenced {
		return nil, fmt.Errorf("%w: formats leaf v%d and inner v%d do not fit duplicate policy %s",
			ErrInvalidConfig, cfg.LeafVersion, cfg.InnerVersion, cfg.Duplicates)
	}
	if !leafIO.HasInlineKeys() && cfg.Keys == nil {
		return nil, fmt.Errorf("%w: leaf v%d", ErrNoKeyResolver, cfg.LeafVersion)
	}

	t := &Tree{
		store:   store,
		cfg:     cfg,
		reg:     cfg.Registry,
		leafIO:  leafIO,
		innerIO: innerIO,
		logger:  cfg.Logger.Named("bplustree"),
		metrics: cfg.Metrics,
	}
	pageSize := store.PageSize()
	// Every leaf must fit in every registered leaf format so any page can be rewritten.
	t.leafCap = capped(cfg.Registry.MinCapacity(pageio.PageTypeLeaf, sequenced, pageSize, cfg.KeySize), cfg.MaxLeafItems)
	t.innerCap = capped(cfg.Registry.MinCapacity(pageio.PageTypeInner, sequenced, pageSize, cfg.KeySize), cfg.MaxInnerKeys)
	if t.leafCap < 2 || t.innerCap < 2 {
		return nil, fmt.Errorf("%w: page size %d too small for key size %d (leaf capacity %d, inner capacity %d)",
			ErrInvalidConfig, pageSize, cfg.KeySize, t.leafCap, t.innerCap)
	}
	t.leafMin = max(1, t.leafCap/2)
	t.innerMin = max(1, t.innerCap/2)

	if err := t.open(context.Background()); err != nil {
		return nil, err
	}
	t.logger.Debug("Tree opened",
		zap.Int("height", t.height),
		zap.Int("leaf_capacity", t.leafCap),
		zap.Int("inner_capacity", t.innerCap),
		zap.Uint32("leaf_version", cfg.LeafVersion),
		zap.Stringer("duplicates", cfg.Duplicates))
	return t, nil
}

func capped(capacity, limit int) int {
	if limit > 0 && limit < capacity {
		return limit
	}
	return capacity
}

// open creates the root leaf or measures the height of an existing tree.
func (t *Tree) open(ctx context.Context) error {
	rootID := t.store.RootPageID()
	if rootID == pagemanager.InvalidPageID {
		root, err := t.allocate(pageio.PageTypeLeaf)
		if err != nil {
			return err
		}
		t.leafIO.Init(root.buf, t.cfg.KeySize)
		t.bindAs(root, t.leafIO)
		root.dirty = true
		if err := t.store.SetRootPageID(root.id); err != nil {
			t.discard(root)
			return &StorageError{Op: "set root", PageID: root.id, Err: err}
		}
		t.release(root)
		t.height = 1
		return nil
	}

	height := 1
	n, err := t.fetch(ctx, rootID, shared)
	if err != nil {
		return err
	}
	for {
		if ks := n.io.KeySize(n.buf); ks != 0 && ks != t.cfg.KeySize {
			t.release(n)
			return fmt.Errorf("%w: page %d has key size %d, configured %d", ErrInvalidConfig, n.id, ks, t.cfg.KeySize)
		}
		if n.isLeaf() {
			break
		}
		child, err := t.fetch(ctx, n.inner.Child(n.buf, 0), shared)
		t.release(n)
		if err != nil {
			return err
		}
		n = child
		height++
	}
	if !n.leaf.HasInlineKeys() && t.cfg.Keys == nil {
		t.release(n)
		return fmt.Errorf("%w: page %d is leaf v%d", ErrNoKeyResolver, n.id, n.io.Version())
	}
	t.release(n)
	t.height = height
	return nil
}

// Depth is the number of levels; a lone root leaf has depth 1.
func (t *Tree) Depth() int {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.height
}

// RootPageID is the current root page.
func (t *Tree) RootPageID() pagemanager.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.store.RootPageID()
}

// sequenced reports whether items carry an insertion sequence.
func (t *Tree) sequenced() bool { return t.cfg.Duplicates == AllowDuplicates }

// Config returns the effective configuration.
func (t *Tree) Config() Config { return t.cfg }

// LeafCapacity and InnerCapacity are the logical page capacities in use.
func (t *Tree) LeafCapacity() int  { return t.leafCap }
func (t *Tree) InnerCapacity() int { return t.innerCap }

func (t *Tree) checkKey(key []byte) error {
	if len(key) != t.cfg.KeySize {
		return fmt.Errorf("%w: got %d bytes, key size is %d", ErrInvalidKey, len(key), t.cfg.KeySize)
	}
	return nil
}
