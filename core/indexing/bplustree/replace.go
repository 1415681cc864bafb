package bplustree

import (
	"context"
	"errors"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
)

// Replace points the first item with key at link and returns the link it had.
// The item keeps its place and sequence, so readers see either the old or the
// new link but never a missing key. found is false when no item has key.
func (t *Tree) Replace(ctx context.Context, key []byte, link rowlink.Link) (old rowlink.Link, found bool, err error) {
	if err := t.checkKey(key); err != nil {
		return rowlink.Zero, false, err
	}
	if link.IsZero() {
		return rowlink.Zero, false, ErrInvalidLink
	}
	for {
		var seq uint64
		var want rowlink.Link
		if t.sequenced() {
			e, found, err := t.first(ctx, key, nil)
			if err != nil || !found {
				return rowlink.Zero, false, err
			}
			seq, want = e.Seq, e.Link
		}
		old, found, err = t.replace(ctx, key, seq, want, link)
		switch {
		case errors.Is(err, errRestart):
			// The tree changed height under the descent; nothing was written.
			internaltelemetry.Inc(ctx, t.metrics.RestartsCounter, "replace")
		case err == nil && !found && t.sequenced():
			// The pinned item went away meanwhile; look for the next first one.
		default:
			return old, found, err
		}
	}
}

// replace swaps the link of item (key, seq) under the leaf's exclusive latch.
// A non-zero want must match the current link.
func (t *Tree) replace(ctx context.Context, key []byte, seq uint64, want, link rowlink.Link) (rowlink.Link, bool, error) {
	leaf, _, _, err := t.descendOptimistic(ctx, key, seq)
	if err != nil {
		return rowlink.Zero, false, err
	}
	defer t.release(leaf)

	idx, found, err := t.locate(ctx, leaf, key, seq, want)
	if err != nil || !found {
		return rowlink.Zero, false, err
	}
	old := leaf.leaf.Link(leaf.buf, idx)
	if t.needsMigration(leaf) {
		if err := t.resolveAll(ctx, leaf); err != nil {
			return rowlink.Zero, false, err
		}
		t.migrate(ctx, leaf)
	}
	leaf.leaf.SetLink(leaf.buf, idx, link)
	if !leaf.leaf.HasInlineKeys() {
		if leaf.keys == nil {
			leaf.keys = make(map[rowlink.Link][]byte)
		}
		leaf.keys[link] = cloneKey(key)
	}
	leaf.dirty = true
	return old, true, nil
}
