package bplustree

import (
	"bytes"
	"context"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
)

// scanResult is what one descent to a leaf produced.
type scanResult struct {
	items []Entry
	// fence is the smallest separator above the visited leaf: every item of the
	// next leaf is >= fence.
	fence    Entry
	hasFence bool
	// pastHigh is set when an item above the high bound was seen.
	pastHigh bool
	// truncated is set when limit stopped the scan inside the leaf.
	truncated bool
}

// scanLeaf descends with shared latch coupling to the leaf that would hold from and
// copies out its items starting at from (inclusive or exclusive).
func (t *Tree) scanLeaf(ctx context.Context, from Entry, inclusive bool, high []byte, limit int) (scanResult, error) {
	var res scanResult

	t.rootLatch.RLock()
	n, err := t.fetch(ctx, t.store.RootPageID(), shared)
	t.rootLatch.RUnlock()
	if err != nil {
		return res, err
	}
	for !n.isLeaf() {
		i := t.route(n, from.Key, from.Seq)
		if i < n.count() {
			res.fence = separator(n, i)
			res.hasFence = true
		}
		child, err := t.fetch(ctx, n.inner.Child(n.buf, i), shared)
		t.release(n)
		if err != nil {
			return res, err
		}
		n = child
	}
	defer t.release(n)

	var start int
	if inclusive {
		start, err = t.lowerBound(ctx, n, from.Key, from.Seq)
	} else {
		start, err = t.upperBound(ctx, n, from.Key, from.Seq)
	}
	if err != nil {
		return res, err
	}
	for i := start; i < n.count(); i++ {
		if limit > 0 && len(res.items) == limit {
			res.truncated = true
			break
		}
		k, err := t.itemKey(ctx, n, i)
		if err != nil {
			return res, err
		}
		if high != nil && bytes.Compare(k, high) > 0 {
			res.pastHigh = true
			break
		}
		res.items = append(res.items, Entry{Key: cloneKey(k), Link: n.leaf.Link(n.buf, i), Seq: n.leaf.Seq(n.buf, i)})
	}
	return res, nil
}

// Search returns the link of the first item with key. With duplicates that is
// the earliest inserted one still present.
func (t *Tree) Search(ctx context.Context, key []byte) (rowlink.Link, bool, error) {
	if err := t.checkKey(key); err != nil {
		return rowlink.Zero, false, err
	}
	e, found, err := t.first(ctx, key, nil)
	return e.Link, found, err
}

// first returns the first item with key that match accepts; a nil match accepts any.
func (t *Tree) first(ctx context.Context, key []byte, match func(Entry) bool) (Entry, bool, error) {
	it := t.Range(ctx, key, key)
	if match == nil {
		it.limit = 1
	}
	defer it.Close()
	for it.Next() {
		if match == nil || match(it.Entry()) {
			return it.Entry(), true, nil
		}
	}
	return Entry{}, false, it.Err()
}

// Count walks every item.
func (t *Tree) Count(ctx context.Context) (int, error) {
	it := t.Range(ctx, nil, nil)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}
