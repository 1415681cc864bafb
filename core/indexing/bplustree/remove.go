package bplustree

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
	"go.uber.org/zap"
)

// Remove deletes the first item with key, the earliest inserted one when the
// tree holds duplicates. It reports whether an item was removed; removing a
// missing key is not an error unless StrictRemove is set.
func (t *Tree) Remove(ctx context.Context, key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	removed, err := t.removeFirst(ctx, key, rowlink.Zero)
	return t.strict(removed, err, key)
}

// RemoveItem deletes the first item (key, link) if present.
func (t *Tree) RemoveItem(ctx context.Context, key []byte, link rowlink.Link) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	if link.IsZero() {
		return false, ErrInvalidLink
	}
	removed, err := t.removeFirst(ctx, key, link)
	return t.strict(removed, err, key)
}

// removeFirst removes the first item with key, and with link unless link is zero.
func (t *Tree) removeFirst(ctx context.Context, key []byte, link rowlink.Link) (bool, error) {
	if !t.sequenced() {
		return t.remove(ctx, key, 0, link)
	}
	var match func(Entry) bool
	if !link.IsZero() {
		match = func(e Entry) bool { return e.Link == link }
	}
	// Pin down the exact item first; retry if someone else removes it meanwhile.
	for {
		e, found, err := t.first(ctx, key, match)
		if err != nil || !found {
			return false, err
		}
		removed, err := t.remove(ctx, key, e.Seq, e.Link)
		if err != nil || removed {
			return removed, err
		}
	}
}

func (t *Tree) strict(removed bool, err error, key []byte) (bool, error) {
	if err == nil && !removed && t.cfg.StrictRemove {
		return false, fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	return removed, err
}

// remove deletes item (key, seq), which must also carry link unless link is zero.
func (t *Tree) remove(ctx context.Context, key []byte, seq uint64, link rowlink.Link) (bool, error) {
	removed, err := t.removeOptimistic(ctx, key, seq, link)
	if !errors.Is(err, errRestart) {
		return removed, err
	}
	internaltelemetry.Inc(ctx, t.metrics.RestartsCounter, "remove")
	return t.removePessimistic(ctx, key, seq, link)
}

// locate finds the slot of item (key, seq), requiring link when it is not zero.
func (t *Tree) locate(ctx context.Context, leaf *node, key []byte, seq uint64, link rowlink.Link) (int, bool, error) {
	idx, err := t.lowerBound(ctx, leaf, key, seq)
	if err != nil || idx >= leaf.count() {
		return idx, false, err
	}
	k, err := t.itemKey(ctx, leaf, idx)
	if err != nil {
		return idx, false, err
	}
	if t.compare(k, leaf.leaf.Seq(leaf.buf, idx), key, seq) != 0 {
		return idx, false, nil
	}
	if !link.IsZero() && leaf.leaf.Link(leaf.buf, idx) != link {
		return idx, false, nil
	}
	return idx, true, nil
}

func (t *Tree) removeOptimistic(ctx context.Context, key []byte, seq uint64, link rowlink.Link) (bool, error) {
	leaf, isRoot, _, err := t.descendOptimistic(ctx, key, seq)
	if err != nil {
		return false, err
	}
	defer t.release(leaf)

	idx, found, err := t.locate(ctx, leaf, key, seq, link)
	if err != nil || !found {
		return false, err
	}
	if !isRoot && leaf.count()-1 < t.leafMin {
		return false, errRestart
	}
	return true, t.removeInPlace(ctx, leaf, idx)
}

func (t *Tree) removeInPlace(ctx context.Context, leaf *node, idx int) error {
	if t.needsMigration(leaf) {
		if err := t.resolveAll(ctx, leaf); err != nil {
			return err
		}
		t.migrate(ctx, leaf)
	}
	t.leafRemoveAt(leaf, idx)
	return nil
}

// removeSafe reports whether n can lose one entry without needing its parent.
func (t *Tree) removeSafe(n *node, isRoot bool) bool {
	switch {
	case n.isLeaf() && isRoot:
		return true
	case n.isLeaf():
		return n.count()-1 >= t.leafMin
	case isRoot:
		return n.count()-1 >= 1
	default:
		return n.count()-1 >= t.innerMin
	}
}

func (t *Tree) minFill(n *node) int {
	if n.isLeaf() {
		return t.leafMin
	}
	return t.innerMin
}

// removePath is the state of one pessimistic removal.
type removePath struct {
	path      []*node
	sibs      []*node
	rootHeld  bool
	rootFirst bool // path[0] is the root
}

func (t *Tree) removePessimistic(ctx context.Context, key []byte, seq uint64, link rowlink.Link) (bool, error) {
	t.rootLatch.Lock()
	rp := &removePath{rootHeld: true, rootFirst: true}
	removed, freed, err := t.removeHeld(ctx, rp, key, seq, link)
	t.releaseAll(rp.sibs...)
	t.releaseAll(rp.path...)
	if rp.rootHeld {
		t.rootLatch.Unlock()
	}
	// Freed pages are unreachable now; hand them back only after every latch is gone.
	for _, id := range freed {
		t.freePage(id)
	}
	return removed, err
}

func (rp *removePath) unlockRoot(t *Tree) {
	if rp.rootHeld {
		t.rootLatch.Unlock()
		rp.rootHeld = false
	}
}

func (t *Tree) removeHeld(ctx context.Context, rp *removePath, key []byte, seq uint64, link rowlink.Link) (bool, []pagemanager.PageID, error) {
	root, err := t.fetch(ctx, t.store.RootPageID(), exclusive)
	if err != nil {
		return false, nil, err
	}
	root.childIdx = -1
	rp.path = []*node{root}
	if t.removeSafe(root, true) {
		rp.unlockRoot(t)
	}
	for n := root; !n.isLeaf(); {
		i := t.route(n, key, seq)
		child, err := t.fetch(ctx, n.inner.Child(n.buf, i), exclusive)
		if err != nil {
			return false, nil, err
		}
		child.childIdx = i
		if t.removeSafe(child, false) {
			t.releaseAll(rp.path...)
			rp.path = rp.path[:0]
			rp.rootFirst = false
			rp.unlockRoot(t)
		}
		rp.path = append(rp.path, child)
		n = child
	}

	leaf := rp.path[len(rp.path)-1]
	idx, found, err := t.locate(ctx, leaf, key, seq, link)
	if err != nil || !found {
		return false, nil, err
	}
	leafIsRoot := rp.rootFirst && len(rp.path) == 1
	if t.removeSafe(leaf, leafIsRoot) {
		return true, nil, t.removeInPlace(ctx, leaf, idx)
	}
	freed, err := t.rebalanceRemove(ctx, rp, idx)
	if err != nil {
		return false, nil, err
	}
	return true, freed, nil
}

// fix is one under-fill repair between a page and a sibling.
type fix struct {
	lvl   int
	n     *node
	sib   *node
	left  bool // sib is the left neighbour of n
	merge bool
}

// rebalanceRemove removes slot idx from the leaf and repairs under-fill upwards.
// Siblings are latched, keys resolved and a root change recorded before any edit.
func (t *Tree) rebalanceRemove(ctx context.Context, rp *removePath, idx int) ([]pagemanager.PageID, error) {
	path := rp.path
	var fixes []fix

	// 1. Plan bottom-up.
	lvl := len(path) - 1
	for ; lvl >= 1; lvl-- {
		n, parent := path[lvl], path[lvl-1]
		if n.count()-1 >= t.minFill(n) {
			break
		}
		f := fix{lvl: lvl, n: n, left: n.childIdx > 0}
		var err error
		if f.left {
			f.sib, err = t.latchLeftSibling(ctx, parent, n)
		} else {
			f.sib, err = t.fetch(ctx, parent.inner.Child(parent.buf, n.childIdx+1), exclusive)
		}
		if err != nil {
			return nil, err
		}
		rp.sibs = append(rp.sibs, f.sib)
		if f.sib.isLeaf() != n.isLeaf() {
			return nil, fmt.Errorf("%w: sibling %d of page %d is on another level", ErrCorruptTree, f.sib.id, n.id)
		}
		f.merge = f.sib.count() <= t.minFill(f.sib)
		fixes = append(fixes, f)
		if !f.merge {
			break
		}
	}
	collapse := lvl == 0 && rp.rootFirst && path[0].count() == 1 && len(fixes) > 0 && fixes[len(fixes)-1].merge

	// 2. Resolve keys of the leaves involved.
	leaf := path[len(path)-1]
	if err := t.resolveAll(ctx, leaf); err != nil {
		return nil, err
	}
	if len(fixes) > 0 {
		if err := t.resolveAll(ctx, fixes[0].sib); err != nil {
			return nil, err
		}
		shareKeys(leaf, fixes[0].sib)
	}

	// 3. Publish the new root before touching pages.
	if collapse {
		assertf(rp.rootHeld, "root collapse without the root latch")
		top := fixes[len(fixes)-1]
		survivor := top.n.id
		if top.left {
			survivor = top.sib.id
		}
		if err := t.store.SetRootPageID(survivor); err != nil {
			return nil, &StorageError{Op: "set root", PageID: survivor, Err: err}
		}
	}

	// 4. Apply. Nothing below can fail.
	var freed []pagemanager.PageID
	t.migrate(ctx, leaf)
	t.leafRemoveAt(leaf, idx)
	for _, f := range fixes {
		parent := path[f.lvl-1]
		t.migrate(ctx, parent)
		t.migrate(ctx, f.n)
		t.migrate(ctx, f.sib)
		var victim pagemanager.PageID
		if f.n.isLeaf() {
			victim = t.fixLeaf(ctx, parent, f)
		} else {
			victim = t.fixInner(ctx, parent, f)
		}
		if victim != pagemanager.InvalidPageID {
			freed = append(freed, victim)
		}
	}
	if collapse {
		root := path[0]
		assertf(root.count() == 0, "collapsing root %d still has %d separators", root.id, root.count())
		freed = append(freed, root.id)
		t.height--
		internaltelemetry.Inc(ctx, t.metrics.RootChangesCounter, "collapse")
		t.logger.Debug("Root collapsed",
			zap.Uint64("old_root", uint64(root.id)),
			zap.Uint64("new_root", uint64(root.inner.Child(root.buf, 0))),
			zap.Int("height", t.height))
	}
	return freed, nil
}

// latchLeftSibling latches the left neighbour of n. The latch on n is dropped and
// retaken so pages of one level are always latched left to right; the exclusive
// latch on parent keeps both pages in place meanwhile.
func (t *Tree) latchLeftSibling(ctx context.Context, parent, n *node) (*node, error) {
	leftID := parent.inner.Child(parent.buf, n.childIdx-1)
	n.unlock()
	sib, err := t.fetch(ctx, leftID, exclusive)
	n.lock()
	return sib, err
}

// fixLeaf repairs an under-filled leaf and returns the page to free, if any.
func (t *Tree) fixLeaf(ctx context.Context, parent *node, f fix) pagemanager.PageID {
	n, sib, idx := f.n, f.sib, f.n.childIdx
	parent.dirty, n.dirty, sib.dirty = true, true, true
	switch {
	case !f.merge && f.left:
		last := sib.count() - 1
		sep := t.item(sib, last)
		c := n.count()
		n.leaf.SetCount(n.buf, c+1)
		for j := c; j > 0; j-- {
			n.leaf.StoreFrom(n.buf, j, n.leaf, n.buf, j-1, nil)
		}
		n.leaf.StoreFrom(n.buf, 0, sib.leaf, sib.buf, last, t.copyKey(n, sib, last))
		sib.leaf.SetCount(sib.buf, last)
		parent.inner.SetSeparator(parent.buf, idx-1, sep.Key, sep.Link, sep.Seq)
		internaltelemetry.Inc(ctx, t.metrics.BorrowsCounter, "leaf")
	case !f.merge:
		sep := t.item(sib, 1)
		t.leafAppendFrom(n, sib, 0, 1)
		t.leafRemoveAt(sib, 0)
		parent.inner.SetSeparator(parent.buf, idx, sep.Key, sep.Link, sep.Seq)
		internaltelemetry.Inc(ctx, t.metrics.BorrowsCounter, "leaf")
	case f.left:
		t.leafAppendFrom(sib, n, 0, n.count())
		parent.inner.RemoveAt(parent.buf, idx-1)
		internaltelemetry.Inc(ctx, t.metrics.MergesCounter, "leaf")
		return n.id
	default:
		t.leafAppendFrom(n, sib, 0, sib.count())
		parent.inner.RemoveAt(parent.buf, idx)
		internaltelemetry.Inc(ctx, t.metrics.MergesCounter, "leaf")
		return sib.id
	}
	return pagemanager.InvalidPageID
}

// fixInner repairs an under-filled inner page by rotating through, or merging
// around, the parent separator.
func (t *Tree) fixInner(ctx context.Context, parent *node, f fix) pagemanager.PageID {
	n, sib, idx := f.n, f.sib, f.n.childIdx
	parent.dirty, n.dirty, sib.dirty = true, true, true
	switch {
	case !f.merge && f.left:
		p := separator(parent, idx-1)
		lc := sib.count()
		moved := sib.inner.Child(sib.buf, lc)
		up := separator(sib, lc-1)
		n.inner.InsertAt(n.buf, 0, p.Key, p.Link, p.Seq, n.inner.Child(n.buf, 0))
		n.inner.SetChild(n.buf, 0, moved)
		sib.inner.RemoveAt(sib.buf, lc-1)
		parent.inner.SetSeparator(parent.buf, idx-1, up.Key, up.Link, up.Seq)
		internaltelemetry.Inc(ctx, t.metrics.BorrowsCounter, "inner")
	case !f.merge:
		p := separator(parent, idx)
		moved := sib.inner.Child(sib.buf, 0)
		up := separator(sib, 0)
		n.inner.InsertAt(n.buf, n.count(), p.Key, p.Link, p.Seq, moved)
		sib.inner.SetChild(sib.buf, 0, sib.inner.Child(sib.buf, 1))
		sib.inner.RemoveAt(sib.buf, 0)
		parent.inner.SetSeparator(parent.buf, idx, up.Key, up.Link, up.Seq)
		internaltelemetry.Inc(ctx, t.metrics.BorrowsCounter, "inner")
	case f.left:
		appendInner(sib, separator(parent, idx-1), n)
		parent.inner.RemoveAt(parent.buf, idx-1)
		internaltelemetry.Inc(ctx, t.metrics.MergesCounter, "inner")
		return n.id
	default:
		appendInner(n, separator(parent, idx), sib)
		parent.inner.RemoveAt(parent.buf, idx)
		internaltelemetry.Inc(ctx, t.metrics.MergesCounter, "inner")
		return sib.id
	}
	return pagemanager.InvalidPageID
}

// appendInner moves the parent separator p and every entry of src to the end of dst.
func appendInner(dst *node, p Entry, src *node) {
	dst.inner.InsertAt(dst.buf, dst.count(), p.Key, p.Link, p.Seq, src.inner.Child(src.buf, 0))
	for j := 0; j < src.count(); j++ {
		dst.inner.InsertAt(dst.buf, dst.count(), src.inner.SeparatorKey(src.buf, j), src.inner.SeparatorLink(src.buf, j),
			src.inner.SeparatorSeq(src.buf, j), src.inner.Child(src.buf, j+1))
	}
}
