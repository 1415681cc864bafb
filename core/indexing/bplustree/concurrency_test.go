package bplustree

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"golang.org/x/sync/errgroup"
)

// TestConcurrent_DisjointInserts runs writers on disjoint ranges next to a reader.
func TestConcurrent_DisjointInserts(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 4
	cfg.MaxInnerKeys = 4
	tree := newTestTree(t, newTestStore(t), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var writersDone atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	var writers errgroup.Group
	for _, base := range []int64{0, 10000} {
		base := base
		writers.Go(func() error {
			for i := base; i < base+500; i++ {
				if err := tree.Insert(gctx, Int64Key(i), linkFor(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer writersDone.Store(true)
		return writers.Wait()
	})
	g.Go(func() error {
		for !writersDone.Load() {
			it := tree.Range(gctx, nil, nil)
			prev := int64(-1)
			for it.Next() {
				k := DecodeInt64Key(it.Key())
				if k <= prev {
					return errors.New("range returned keys out of order")
				}
				prev = k
			}
			if err := it.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	stats := validate(t, tree)
	assert.Equal(t, 1000, stats.Items)
	bg := context.Background()
	assert.Equal(t, seq(0, 499), collect(t, tree.Range(bg, Int64Key(0), Int64Key(499))))
	assert.Equal(t, seq(10000, 10499), collect(t, tree.Range(bg, Int64Key(10000), Int64Key(10499))))
}

// TestConcurrent_InsertRemove mixes writers that grow and shrink the tree.
func TestConcurrent_InsertRemove(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	cfg.MaxInnerKeys = 3
	tree := newTestTree(t, newTestStore(t), cfg)
	insertInts(t, tree, seq(0, 299)...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := int64(0); i < 300; i++ {
			if _, err := tree.Remove(gctx, Int64Key(i)); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := int64(1000); i < 1300; i++ {
			if err := tree.Insert(gctx, Int64Key(i), linkFor(i)); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := int64(0); i < 300; i++ {
			if _, _, err := tree.Search(gctx, Int64Key(i*3)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	validate(t, tree)
	assert.Equal(t, seq(1000, 1299), collect(t, tree.Range(context.Background(), nil, nil)))
}

func TestContext_Cancelled(t *testing.T) {
	tree := newTestTree(t, newTestStore(t), testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, tree.Insert(ctx, Int64Key(1), linkFor(1)), context.Canceled)
	_, _, err := tree.Search(ctx, Int64Key(1))
	require.ErrorIs(t, err, context.Canceled)
	n, err := tree.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Failure injection ---

var errInjected = errors.New("injected store failure")

// failingStore fails page allocation, page reads or root updates on demand.
type failingStore struct {
	*memtable.BufferPoolManager
	failAllocAfter atomic.Int32 // allocations left before failing; negative disables
	failSetRoot    atomic.Bool
	failFetch      atomic.Uint64 // page id whose fetch fails; zero disables
}

func newFailingStore(t *testing.T) *failingStore {
	fs := &failingStore{BufferPoolManager: newTestStore(t)}
	fs.failAllocAfter.Store(-1)
	return fs
}

func (fs *failingStore) AllocatePage(pageType pageio.PageType) (*pagemanager.Page, error) {
	if left := fs.failAllocAfter.Load(); left >= 0 {
		if left == 0 {
			return nil, errInjected
		}
		fs.failAllocAfter.Add(-1)
	}
	return fs.BufferPoolManager.AllocatePage(pageType)
}

func (fs *failingStore) FetchPage(id pagemanager.PageID) (*pagemanager.Page, error) {
	if fail := fs.failFetch.Load(); fail != 0 && pagemanager.PageID(fail) == id {
		return nil, errInjected
	}
	return fs.BufferPoolManager.FetchPage(id)
}

func (fs *failingStore) SetRootPageID(id pagemanager.PageID) error {
	if fs.failSetRoot.Load() {
		return errInjected
	}
	return fs.BufferPoolManager.SetRootPageID(id)
}

func TestFailure_SplitAllocationLeavesTreeUnchanged(t *testing.T) {
	store := newFailingStore(t)
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	cfg.MaxInnerKeys = 2
	tree := newTestTree(t, store, cfg)
	ctx := context.Background()
	// Ascending inserts leave the last leaf full after an odd count.
	insertInts(t, tree, seq(1, 29)...)
	before := validate(t, tree)
	depth := tree.Depth()

	store.failAllocAfter.Store(0)
	err := tree.Insert(ctx, Int64Key(30), linkFor(30))
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, errInjected)
	var se *StorageError
	require.True(t, errors.As(err, &se))

	assert.Equal(t, depth, tree.Depth())
	assert.Equal(t, before, validate(t, tree))
	assert.Equal(t, seq(1, 29), collect(t, tree.Range(ctx, nil, nil)))
	assert.Zero(t, store.Stats().Pinned, "no page left pinned")

	store.failAllocAfter.Store(-1)
	insertInts(t, tree, 30, 31)
	assert.Equal(t, seq(1, 31), collect(t, tree.Range(ctx, nil, nil)))
	validate(t, tree)
}

func TestFailure_RootUpdate(t *testing.T) {
	store := newFailingStore(t)
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	tree := newTestTree(t, store, cfg)
	ctx := context.Background()
	insertInts(t, tree, 1, 2, 3)
	root := tree.RootPageID()

	store.failSetRoot.Store(true)
	require.ErrorIs(t, tree.Insert(ctx, Int64Key(4), linkFor(4)), errInjected)
	assert.Equal(t, 1, tree.Depth())
	assert.Equal(t, root, tree.RootPageID())
	assert.Equal(t, seq(1, 3), collect(t, tree.Range(ctx, nil, nil)))

	store.failSetRoot.Store(false)
	insertInts(t, tree, 4)
	require.Equal(t, 2, tree.Depth())

	// Collapse also publishes the root before touching pages.
	store.failSetRoot.Store(true)
	for _, k := range []int64{4, 3} {
		_, err := tree.Remove(ctx, Int64Key(k))
		require.NoError(t, err)
	}
	_, err := tree.Remove(ctx, Int64Key(2))
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, tree.Depth())
	assert.Equal(t, []int64{1, 2}, collect(t, tree.Range(ctx, nil, nil)))
	validate(t, tree)
}

// rootChildren returns the children of an inner root.
func rootChildren(t *testing.T, tree *Tree) []pagemanager.PageID {
	t.Helper()
	root, err := tree.fetch(context.Background(), tree.RootPageID(), shared)
	require.NoError(t, err)
	defer tree.release(root)
	require.NotNil(t, root.inner)
	ids := make([]pagemanager.PageID, 0, root.count()+1)
	for i := 0; i <= root.count(); i++ {
		ids = append(ids, root.inner.Child(root.buf, i))
	}
	return ids
}

func TestFailure_SiblingFetchDuringRebalance(t *testing.T) {
	store := newFailingStore(t)
	cfg := testConfig(t)
	cfg.MaxLeafItems = 4
	tree := newTestTree(t, store, cfg)
	ctx := context.Background()

	// Leaves [1 2] and [3 4], both at minimum fill.
	insertInts(t, tree, 1, 2, 3, 4, 5)
	removed, err := tree.Remove(ctx, Int64Key(5))
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 2, tree.Depth())
	children := rootChildren(t, tree)
	require.Len(t, children, 2)

	before := validate(t, tree)
	root := tree.RootPageID()
	for _, c := range []struct {
		name    string
		key     int64
		sibling pagemanager.PageID
	}{
		{name: "left sibling", key: 4, sibling: children[0]},
		{name: "right sibling", key: 1, sibling: children[1]},
	} {
		store.failFetch.Store(uint64(c.sibling))
		removed, err := tree.Remove(ctx, Int64Key(c.key))
		store.failFetch.Store(0)

		require.ErrorIs(t, err, ErrStorage, c.name)
		require.ErrorIs(t, err, errInjected, c.name)
		var se *StorageError
		require.True(t, errors.As(err, &se), c.name)
		assert.Equal(t, c.sibling, se.PageID, c.name)
		assert.False(t, removed, c.name)

		assert.Zero(t, store.Stats().Pinned, "%s: no page left pinned", c.name)
		assert.Equal(t, root, tree.RootPageID(), c.name)
		assert.Equal(t, 2, tree.Depth(), c.name)
		assert.Equal(t, before, validate(t, tree), c.name)
		assert.Equal(t, seq(1, 4), collect(t, tree.Range(ctx, nil, nil)), c.name)
	}

	// Healthy again, the same removal merges the leaves into the root.
	removed, err = tree.Remove(ctx, Int64Key(4))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, tree.Depth())
	assert.Equal(t, seq(1, 3), collect(t, tree.Range(ctx, nil, nil)))
	validate(t, tree)
	assert.Zero(t, store.Stats().Pinned)
}
