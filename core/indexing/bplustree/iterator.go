package bplustree

import (
	"bytes"
	"context"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
)

// Iterator walks items in order over [low, high]. It holds no latches between
// calls to Next: each leaf is copied under its shared latch and the next leaf is
// found by descending again, so it sees a weakly consistent view. Items are never
// returned twice or out of order.
type Iterator struct {
	t    *Tree
	ctx  context.Context
	high []byte

	cursor    Entry
	inclusive bool
	// limit caps the items copied per leaf visit; 0 copies the rest of the leaf.
	limit int

	batch []Entry
	pos   int
	cur   Entry
	done  bool
	err   error
}

// Range returns an iterator over keys in [low, high]. A nil bound is open.
func (t *Tree) Range(ctx context.Context, low, high []byte) *Iterator {
	it := &Iterator{t: t, ctx: ctx, inclusive: true}
	if low != nil {
		if err := t.checkKey(low); err != nil {
			it.err = err
			return it
		}
		it.cursor.Key = cloneKey(low)
	} else {
		it.cursor.Key = make([]byte, t.cfg.KeySize)
	}
	if high != nil {
		if err := t.checkKey(high); err != nil {
			it.err = err
			return it
		}
		it.high = cloneKey(high)
		if bytes.Compare(it.cursor.Key, it.high) > 0 {
			it.done = true
		}
	}
	return it
}

// Next advances to the next item.
func (it *Iterator) Next() bool {
	for {
		if it.pos < len(it.batch) {
			it.cur = it.batch[it.pos]
			it.pos++
			return true
		}
		if it.done || it.err != nil {
			return false
		}
		it.fill()
	}
}

func (it *Iterator) fill() {
	res, err := it.t.scanLeaf(it.ctx, it.cursor, it.inclusive, it.high, it.limit)
	if err != nil {
		it.err = err
		return
	}
	it.batch, it.pos = res.items, 0
	switch {
	case res.pastHigh:
		it.done = true
	case res.truncated:
		it.cursor, it.inclusive = res.items[len(res.items)-1], false
	case !res.hasFence:
		it.done = true
	case it.high != nil && bytes.Compare(res.fence.Key, it.high) > 0:
		it.done = true
	default:
		it.cursor, it.inclusive = res.fence, true
	}
}

func (it *Iterator) Key() []byte { return it.cur.Key }

func (it *Iterator) Link() rowlink.Link { return it.cur.Link }

func (it *Iterator) Entry() Entry { return it.cur }

func (it *Iterator) Err() error { return it.err }

// Close ends the iteration. No resources are held between calls.
func (it *Iterator) Close() {
	it.done = true
	it.batch = nil
	it.pos = 0
}
