package indexmanager

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoidx/core/indexing/bplustree"
	"github.com/sushant-115/gojoidx/core/storage_engine/common"
	"github.com/sushant-115/gojoidx/pkg/telemetry"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

func testIndexConfig(path string) Config {
	cfg := DefaultConfig()
	cfg.Path = path
	cfg.PageSize = 1024
	cfg.PoolSize = 32
	cfg.KeySize = 16
	cfg.MaxLeafItems = 6
	cfg.RowCacheBytes = 1 << 20
	return cfg
}

func newTestManager(t *testing.T, cfg Config) *BTreeIndexManager {
	t.Helper()
	m, err := NewBTreeIndexManager(cfg, zaptest.NewLogger(t), telemetry.Noop())
	require.NoError(t, err)
	return m
}

func keyN(m *BTreeIndexManager, i int) []byte {
	return m.Key(fmt.Sprintf("key-%04d", i))
}

// --- Test Cases ---

func TestBTreeIndexManager_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()

	require.NoError(t, m.Put(ctx, m.Key("apple"), []byte("red")))
	require.NoError(t, m.Put(ctx, m.Key("banana"), []byte("yellow")))

	value, found, err := m.Get(ctx, m.Key("apple"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "red", string(value))

	// Replacing keeps a single entry.
	require.NoError(t, m.Put(ctx, m.Key("apple"), []byte("green")))
	value, found, err = m.Get(ctx, m.Key("apple"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "green", string(value))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tree.Items)

	removed, err := m.Delete(ctx, m.Key("apple"))
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.Delete(ctx, m.Key("apple"))
	require.NoError(t, err)
	assert.False(t, removed)

	_, found, err = m.Get(ctx, m.Key("apple"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTreeIndexManager_InvalidKey(t *testing.T) {
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()

	err := m.Put(context.Background(), []byte("short"), []byte("v"))
	require.ErrorIs(t, err, bplustree.ErrInvalidKey)
}

func TestBTreeIndexManager_ValueTooLarge(t *testing.T) {
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()

	big := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(big)
	err := m.Put(context.Background(), m.Key("big"), big)
	require.ErrorIs(t, err, ErrValueTooLarge)

	_, found, err := m.Get(context.Background(), m.Key("big"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTreeIndexManager_GetRange(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put(ctx, keyN(m, i), []byte(fmt.Sprintf("v%d", i))))
	}

	results, err := m.GetRange(ctx, keyN(m, 10), keyN(m, 19), 0)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, kv := range results {
		assert.Equal(t, keyN(m, 10+i), kv.Key)
		assert.Equal(t, fmt.Sprintf("v%d", 10+i), string(kv.Value))
	}

	results, err = m.GetRange(ctx, nil, nil, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, keyN(m, 0), results[0].Key)
}

func TestBTreeIndexManager_LinkOnlyLeaves(t *testing.T) {
	ctx := context.Background()
	cfg := testIndexConfig("")
	cfg.LeafVersion = 1
	m := newTestManager(t, cfg)
	defer m.Close()

	for i := 99; i >= 0; i-- {
		require.NoError(t, m.Put(ctx, keyN(m, i), []byte{byte(i)}))
	}
	for i := 0; i < 100; i += 2 {
		removed, err := m.Delete(ctx, keyN(m, i))
		require.NoError(t, err)
		require.True(t, removed)
	}

	results, err := m.GetRange(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 50)
	for i, kv := range results {
		assert.Equal(t, keyN(m, 2*i+1), kv.Key)
		assert.Equal(t, []byte{byte(2*i + 1)}, kv.Value)
	}

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Tree.Items)
	assert.NotZero(t, stats.Tree.LeafVersions[1])
}

func TestBTreeIndexManager_ReopenAndSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testIndexConfig(filepath.Join(dir, "index.db"))
	cfg.SnapshotLowPriority = true

	m := newTestManager(t, cfg)
	for i := 0; i < 60; i++ {
		require.NoError(t, m.Put(ctx, keyN(m, i), []byte(fmt.Sprintf("v%d", i))))
	}
	snapPath := filepath.Join(dir, "snap.db")
	info, err := m.Snapshot(ctx, snapPath)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Positive(t, info.Bytes)

	sum, err := common.FileChecksum(snapPath)
	require.NoError(t, err)
	assert.Equal(t, info.Checksum, sum)

	// Writes after the snapshot must not show up in it.
	require.NoError(t, m.Put(ctx, keyN(m, 1000), []byte("late")))
	require.NoError(t, m.Close())

	reopened := newTestManager(t, cfg)
	value, found, err := reopened.Get(ctx, keyN(reopened, 1000))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "late", string(value))
	require.NoError(t, reopened.Close())

	snapCfg := cfg
	snapCfg.Path = snapPath
	snap := newTestManager(t, snapCfg)
	defer snap.Close()
	results, err := snap.GetRange(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 60)
	_, found, err = snap.Get(ctx, keyN(snap, 1000))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTreeIndexManager_SnapshotNeedsFile(t *testing.T) {
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()

	_, err := m.Snapshot(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	require.ErrorIs(t, err, ErrNoBackingFile)
}

// TestBTreeIndexManager_SnapshotOntoIndexFile refuses to copy the index over
// itself, under any spelling of its path, and leaves the index readable.
func TestBTreeIndexManager_SnapshotOntoIndexFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testIndexConfig(filepath.Join(dir, "index.db"))
	m := newTestManager(t, cfg)
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Put(ctx, keyN(m, i), []byte(fmt.Sprintf("v%d", i))))
	}

	for _, dst := range []string{cfg.Path, filepath.Join(dir, ".", "index.db")} {
		_, err := m.Snapshot(ctx, dst)
		require.ErrorIs(t, err, common.ErrSameFile, dst)
	}
	info, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	require.NoError(t, m.Close())

	reopened := newTestManager(t, cfg)
	defer reopened.Close()
	results, err := reopened.GetRange(ctx, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 50)
}

// TestBTreeIndexManager_ConcurrentPutGet overwrites one key while readers look
// it up; the key exists throughout, so every read must find it.
func TestBTreeIndexManager_ConcurrentPutGet(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, testIndexConfig(""))
	defer m.Close()
	key := m.Key("hot")
	require.NoError(t, m.Put(ctx, key, []byte("v-0")))
	// Neighbours so the hot key shares leaves that split and merge.
	for i := 0; i < 40; i++ {
		require.NoError(t, m.Put(ctx, keyN(m, i), []byte("x")))
	}

	var writersDone atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer writersDone.Store(true)
		for i := 1; i <= 3000; i++ {
			if err := m.Put(ctx, key, []byte(fmt.Sprintf("v-%d", i))); err != nil {
				return err
			}
			if i%10 == 0 {
				if _, err := m.Delete(ctx, keyN(m, i%40)); err != nil {
					return err
				}
				if err := m.Put(ctx, keyN(m, i%40), []byte("x")); err != nil {
					return err
				}
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for reads := 0; !writersDone.Load() || reads < 100; reads++ {
				value, found, err := m.Get(ctx, key)
				if err != nil {
					return err
				}
				if !found || !bytes.HasPrefix(value, []byte("v-")) {
					return fmt.Errorf("read %d: found=%v value=%q", reads, found, value)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	value, found, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v-3000", string(value))
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 41, stats.Tree.Items)
}

func TestBTreeIndexManager_KeySizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	cfg := testIndexConfig(path)
	m := newTestManager(t, cfg)
	require.NoError(t, m.Close())

	cfg.KeySize = 24
	_, err := NewBTreeIndexManager(cfg, zaptest.NewLogger(t), nil)
	require.ErrorIs(t, err, bplustree.ErrInvalidConfig)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestBTreeIndexManager_Closed(t *testing.T) {
	m := newTestManager(t, testIndexConfig(""))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.Put(context.Background(), m.Key("a"), nil), ErrClosed)
	_, err := m.Delete(context.Background(), m.Key("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBTreeIndexManager_BadCompression(t *testing.T) {
	cfg := testIndexConfig("")
	cfg.Compression = "zstd"
	_, err := NewBTreeIndexManager(cfg, zaptest.NewLogger(t), nil)
	require.Error(t, err)
}

func TestBTreeIndexManager_EncryptedRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "rows.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"), 0o600))

	cfg := testIndexConfig(filepath.Join(dir, "index.db"))
	cfg.EncryptionKeyFile = keyFile
	cfg.Compression = "none"
	m := newTestManager(t, cfg)
	require.NoError(t, m.Put(ctx, m.Key("secret"), []byte("plaintext-marker")))
	require.NoError(t, m.Close())

	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "plaintext-marker")

	reopened := newTestManager(t, cfg)
	defer reopened.Close()
	value, found, err := reopened.Get(ctx, reopened.Key("secret"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "plaintext-marker", string(value))
}
