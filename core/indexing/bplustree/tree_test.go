package bplustree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	flushmanager "github.com/sushant-115/gojoidx/core/write_engine/flush_manager"
	"github.com/sushant-115/gojoidx/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

const testPageSize = 512

func newTestStore(t *testing.T) *memtable.BufferPoolManager {
	t.Helper()
	disk, err := flushmanager.NewMemDisk(testPageSize, flushmanager.NewHeader(testPageSize, 8, [16]byte{}, 0))
	require.NoError(t, err)
	bpm, err := memtable.NewBufferPoolManager(64, disk, zaptest.NewLogger(t))
	require.NoError(t, err)
	return bpm
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newTestTree(t *testing.T, store PageStore, cfg Config) *Tree {
	t.Helper()
	tree, err := New(store, cfg)
	require.NoError(t, err)
	return tree
}

func linkFor(i int64) rowlink.Link {
	return rowlink.New(pagemanager.PageID(i+1000), uint16(i%7))
}

func insertInts(t *testing.T, tree *Tree, keys ...int64) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, tree.Insert(context.Background(), Int64Key(k), linkFor(k)), "insert %d", k)
	}
}

func collect(t *testing.T, it *Iterator) []int64 {
	t.Helper()
	defer it.Close()
	var out []int64
	for it.Next() {
		out = append(out, DecodeInt64Key(it.Key()))
	}
	require.NoError(t, it.Err())
	return out
}

func validate(t *testing.T, tree *Tree) Stats {
	t.Helper()
	stats, err := tree.Validate(context.Background())
	require.NoError(t, err)
	return stats
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// keyTable resolves keys of row-link-only leaves in tests.
type keyTable struct {
	mu   sync.RWMutex
	keys map[rowlink.Link][]byte
}

func newKeyTable() *keyTable { return &keyTable{keys: make(map[rowlink.Link][]byte)} }

func (kt *keyTable) add(key []byte, link rowlink.Link) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.keys[link] = key
}

func (kt *keyTable) ResolveKey(_ context.Context, link rowlink.Link) ([]byte, error) {
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	k, ok := kt.keys[link]
	if !ok {
		return nil, fmt.Errorf("no row at %s", link)
	}
	return k, nil
}

// --- Test Cases ---

func TestNew_InvalidConfig(t *testing.T) {
	store := newTestStore(t)

	cfg := testConfig(t)
	cfg.KeySize = 0
	_, err := New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.LeafVersion = 9
	_, err = New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.LeafVersion = 1
	_, err = New(store, cfg)
	require.ErrorIs(t, err, ErrNoKeyResolver)

	cfg = testConfig(t)
	cfg.KeySize = 300
	_, err = New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig, "leaf capacity below two")

	cfg = testConfig(t)
	cfg.Duplicates = AllowDuplicates
	cfg.LeafVersion = 2
	_, err = New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig, "duplicates need sequenced leaves")

	cfg = testConfig(t)
	cfg.InnerVersion = 2
	_, err = New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig, "unique trees use unsequenced pages")
}

func TestNew_DuplicatePolicyMismatchOnOpen(t *testing.T) {
	store := newTestStore(t)
	tree := newTestTree(t, store, testConfig(t))
	insertInts(t, tree, 1)

	cfg := testConfig(t)
	cfg.Duplicates = AllowDuplicates
	_, err := New(store, cfg)
	require.ErrorIs(t, err, pageio.ErrUnknownFormat)
	assert.Zero(t, store.Stats().Pinned)
}

func TestTree_EmptyTree(t *testing.T) {
	tree := newTestTree(t, newTestStore(t), testConfig(t))
	ctx := context.Background()

	assert.Equal(t, 1, tree.Depth())
	_, found, err := tree.Search(ctx, Int64Key(1))
	require.NoError(t, err)
	assert.False(t, found)
	n, err := tree.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	removed, err := tree.Remove(ctx, Int64Key(1))
	require.NoError(t, err)
	assert.False(t, removed)
	stats := validate(t, tree)
	assert.Equal(t, 1, stats.LeafPages)
}

// TestTree_SplitScenario inserts a fixed sequence into leaves of three items.
func TestTree_SplitScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	tree := newTestTree(t, newTestStore(t), cfg)

	insertInts(t, tree, 5, 3, 8, 1, 4, 7, 9, 2, 6)

	assert.Equal(t, seq(1, 9), collect(t, tree.Range(context.Background(), nil, nil)))
	assert.Equal(t, 2, tree.Depth())
	stats := validate(t, tree)
	assert.Equal(t, 9, stats.Items)
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, 1, stats.InnerPages)

	for _, k := range seq(1, 9) {
		link, found, err := tree.Search(context.Background(), Int64Key(k))
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
		assert.Equal(t, linkFor(k), link)
	}
}

func TestTree_InsertDuplicateRejected(t *testing.T) {
	tree := newTestTree(t, newTestStore(t), testConfig(t))
	ctx := context.Background()
	insertInts(t, tree, 1, 2, 3)

	err := tree.Insert(ctx, Int64Key(2), linkFor(99))
	require.ErrorIs(t, err, ErrDuplicateKey)
	var dup *DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, Int64Key(2), dup.Key)

	link, _, err := tree.Search(ctx, Int64Key(2))
	require.NoError(t, err)
	assert.Equal(t, linkFor(2), link, "original item kept")
}

func TestTree_InvalidArguments(t *testing.T) {
	tree := newTestTree(t, newTestStore(t), testConfig(t))
	ctx := context.Background()

	require.ErrorIs(t, tree.Insert(ctx, []byte{1, 2}, linkFor(1)), ErrInvalidKey)
	require.ErrorIs(t, tree.Insert(ctx, Int64Key(1), rowlink.Zero), ErrInvalidLink)
	_, _, err := tree.Search(ctx, []byte{1})
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = tree.RemoveItem(ctx, Int64Key(1), rowlink.Zero)
	require.ErrorIs(t, err, ErrInvalidLink)

	it := tree.Range(ctx, []byte{1}, nil)
	assert.False(t, it.Next())
	require.ErrorIs(t, it.Err(), ErrInvalidKey)
}

func TestTree_RangeBounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 4
	tree := newTestTree(t, newTestStore(t), cfg)
	ctx := context.Background()
	insertInts(t, tree, seq(0, 99)...)

	assert.Equal(t, seq(10, 20), collect(t, tree.Range(ctx, Int64Key(10), Int64Key(20))))
	assert.Equal(t, seq(95, 99), collect(t, tree.Range(ctx, Int64Key(95), nil)))
	assert.Equal(t, seq(0, 5), collect(t, tree.Range(ctx, nil, Int64Key(5))))
	assert.Equal(t, []int64{42}, collect(t, tree.Range(ctx, Int64Key(42), Int64Key(42))))
	assert.Empty(t, collect(t, tree.Range(ctx, Int64Key(50), Int64Key(40))))
	assert.Empty(t, collect(t, tree.Range(ctx, Int64Key(200), nil)))
	assert.Equal(t, seq(0, 99), collect(t, tree.Range(ctx, Int64Key(-5), Int64Key(500))))

	it := tree.Range(ctx, Int64Key(10), nil)
	require.True(t, it.Next())
	it.Close()
	assert.False(t, it.Next())
}

func TestTree_NegativeKeysOrder(t *testing.T) {
	tree := newTestTree(t, newTestStore(t), testConfig(t))
	insertInts(t, tree, 3, -1, 0, -100, 7)
	assert.Equal(t, []int64{-100, -1, 0, 3, 7}, collect(t, tree.Range(context.Background(), nil, nil)))
}

func TestTree_Dump(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	tree := newTestTree(t, newTestStore(t), cfg)
	insertInts(t, tree, seq(1, 7)...)

	var buf bytes.Buffer
	require.NoError(t, tree.Dump(context.Background(), &buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "inner "), out)
	assert.Equal(t, validate(t, tree).LeafPages, strings.Count(out, "  leaf "))
}

func TestTree_ReopenFromFile(t *testing.T) {
	path := t.TempDir() + "/tree.idx"
	logger := zaptest.NewLogger(t)
	open := func(create bool) (*memtable.BufferPoolManager, *Tree) {
		dm, err := flushmanager.NewDiskManager(path, testPageSize, logger)
		require.NoError(t, err)
		_, err = dm.OpenOrCreateFile(create, flushmanager.NewHeader(testPageSize, 8, [16]byte{}, 0))
		require.NoError(t, err)
		bpm, err := memtable.NewBufferPoolManager(16, dm, logger)
		require.NoError(t, err)
		cfg := testConfig(t)
		cfg.MaxLeafItems = 5
		return bpm, newTestTree(t, bpm, cfg)
	}

	bpm, tree := open(true)
	insertInts(t, tree, seq(0, 199)...)
	for _, k := range seq(50, 59) {
		_, err := tree.Remove(context.Background(), Int64Key(k))
		require.NoError(t, err)
	}
	depth, root := tree.Depth(), tree.RootPageID()
	before := validate(t, tree)
	require.NoError(t, bpm.Close())

	bpm, tree = open(false)
	defer bpm.Close()
	assert.Equal(t, depth, tree.Depth())
	assert.Equal(t, root, tree.RootPageID())
	after := validate(t, tree)
	assert.Equal(t, before, after)
	want := append(seq(0, 49), seq(60, 199)...)
	assert.Equal(t, want, collect(t, tree.Range(context.Background(), nil, nil)))
}

func TestTree_KeySizeMismatchOnOpen(t *testing.T) {
	store := newTestStore(t)
	tree := newTestTree(t, store, testConfig(t))
	insertInts(t, tree, 1)

	cfg := testConfig(t)
	cfg.KeySize = 16
	_, err := New(store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTree_UnknownPageFormat(t *testing.T) {
	store := newTestStore(t)
	tree := newTestTree(t, store, testConfig(t))
	insertInts(t, tree, 1)

	page, err := store.FetchPage(tree.RootPageID())
	require.NoError(t, err)
	page.Lock()
	pageio.WriteCommonHeader(page.Data(), pageio.PageTypeLeaf, 77)
	page.Unlock()
	require.NoError(t, store.UnpinPage(page.ID(), true))

	_, _, err = tree.Search(context.Background(), Int64Key(1))
	require.ErrorIs(t, err, pageio.ErrUnknownFormat)
	var fe *pageio.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint32(77), fe.Version)
}
