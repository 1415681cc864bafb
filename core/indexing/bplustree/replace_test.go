package bplustree

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	"golang.org/x/sync/errgroup"
)

func TestReplace_UniqueTree(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	tree := newTestTree(t, newTestStore(t), cfg)
	ctx := context.Background()
	insertInts(t, tree, seq(1, 20)...)
	before := validate(t, tree)

	old, found, err := tree.Replace(ctx, Int64Key(10), rowlink.New(777, 7))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, linkFor(10), old)

	link, found, err := tree.Search(ctx, Int64Key(10))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rowlink.New(777, 7), link)
	assert.Equal(t, before, validate(t, tree), "structure untouched")

	// A missing key is reported, not inserted.
	_, found, err = tree.Replace(ctx, Int64Key(99), rowlink.New(1, 1))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, seq(1, 20), collect(t, tree.Range(ctx, nil, nil)))

	_, _, err = tree.Replace(ctx, Int64Key(10), rowlink.Zero)
	require.ErrorIs(t, err, ErrInvalidLink)
	_, _, err = tree.Replace(ctx, []byte{1}, rowlink.New(1, 1))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestReplace_DuplicatesKeepOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLeafItems = 3
	cfg.Duplicates = AllowDuplicates
	tree := newTestTree(t, newTestStore(t), cfg)
	ctx := context.Background()

	links := []rowlink.Link{rowlink.New(50, 1), rowlink.New(10, 1), rowlink.New(30, 1), rowlink.New(20, 1)}
	for _, l := range links {
		require.NoError(t, tree.Insert(ctx, Int64Key(7), l))
	}
	old, found, err := tree.Replace(ctx, Int64Key(7), rowlink.New(5, 5))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, links[0], old)
	assert.Equal(t, []rowlink.Link{rowlink.New(5, 5), links[1], links[2], links[3]}, rangeLinks(t, tree, 7))
	validate(t, tree)
}

func TestReplace_RowLinkLeaves(t *testing.T) {
	keys := newKeyTable()
	tree, _ := v1Tree(t, keys, tens(12)...)
	ctx := context.Background()

	keys.add(Int64Key(50), rowlink.New(900, 1))
	old, found, err := tree.Replace(ctx, Int64Key(50), rowlink.New(900, 1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, linkFor(50), old)

	link, found, err := tree.Search(ctx, Int64Key(50))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rowlink.New(900, 1), link)
	assert.Equal(t, tens(12), collect(t, tree.Range(ctx, nil, nil)))
	validate(t, tree)
}

// TestConcurrent_ReplaceSearch replaces one key over and over while
// neighbours split and merge; readers must never miss it.
func TestConcurrent_ReplaceSearch(t *testing.T) {
	for _, policy := range []DuplicatePolicy{RejectDuplicates, AllowDuplicates} {
		t.Run(fmt.Sprint(policy), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.MaxLeafItems = 3
			cfg.MaxInnerKeys = 3
			cfg.Duplicates = policy
			tree := newTestTree(t, newTestStore(t), cfg)
			insertInts(t, tree, seq(0, 99)...)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var done atomic.Bool
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer done.Store(true)
				for i := 1; i <= 2000; i++ {
					if _, found, err := tree.Replace(gctx, Int64Key(50), rowlink.New(5000, uint16(i))); err != nil || !found {
						return fmt.Errorf("replace %d: found=%v err=%w", i, found, err)
					}
				}
				return nil
			})
			g.Go(func() error {
				for i := 0; !done.Load(); i++ {
					k := int64(40 + i%20)
					if k == 50 {
						continue
					}
					if _, err := tree.Remove(gctx, Int64Key(k)); err != nil {
						return err
					}
					if err := tree.Insert(gctx, Int64Key(k), linkFor(k)); err != nil {
						return err
					}
				}
				return nil
			})
			for r := 0; r < 3; r++ {
				g.Go(func() error {
					for !done.Load() {
						_, found, err := tree.Search(gctx, Int64Key(50))
						if err != nil {
							return err
						}
						if !found {
							return fmt.Errorf("key 50 missing during replace")
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			link, found, err := tree.Search(context.Background(), Int64Key(50))
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, rowlink.New(5000, 2000), link)
			assert.Equal(t, seq(0, 99), collect(t, tree.Range(context.Background(), nil, nil)))
			validate(t, tree)
		})
	}
}
