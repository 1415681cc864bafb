package bplustree

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
	"go.uber.org/zap"
)

// Insert adds (key, link). A unique tree rejects a key it already holds with a
// *DuplicateKeyError. A tree allowing duplicates places the item after every
// item with an equal key, so equal keys come back in insertion order.
func (t *Tree) Insert(ctx context.Context, key []byte, link rowlink.Link) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if link.IsZero() {
		return ErrInvalidLink
	}
	err := t.insertOptimistic(ctx, key, link)
	if !errors.Is(err, errRestart) {
		return err
	}
	internaltelemetry.Inc(ctx, t.metrics.RestartsCounter, "insert")
	return t.insertPessimistic(ctx, key, link)
}

// insertSeq is the seq a new item is routed with: after all its equal keys.
func (t *Tree) insertSeq() uint64 {
	if t.sequenced() {
		return maxSeq
	}
	return 0
}

// descendOptimistic couples shared latches down to the leaf for (key, seq) and
// latches that leaf exclusively. isRoot reports a single-leaf tree; low is the
// leaf's lower fence, tracked for trees with duplicates.
func (t *Tree) descendOptimistic(ctx context.Context, key []byte, seq uint64) (leaf *node, isRoot bool, low bound, err error) {
	t.rootLatch.RLock()
	height := t.height
	mode := shared
	if height == 1 {
		mode = exclusive
	}
	n, err := t.fetch(ctx, t.store.RootPageID(), mode)
	t.rootLatch.RUnlock()
	if err != nil {
		return nil, false, low, err
	}
	// Levels below the starting root keep their distance to the leaves even if
	// the root splits or collapses meanwhile.
	level := 1
	for !n.isLeaf() {
		if level >= height {
			t.release(n)
			return nil, false, low, errRestart
		}
		i := t.route(n, key, seq)
		low = t.lowerFence(n, i, low)
		mode := shared
		if level+1 == height {
			mode = exclusive
		}
		child, err := t.fetch(ctx, n.inner.Child(n.buf, i), mode)
		t.release(n)
		if err != nil {
			return nil, false, low, err
		}
		n = child
		level++
	}
	if n.mode != exclusive {
		t.release(n)
		return nil, false, low, errRestart
	}
	return n, height == 1, low, nil
}

// lowerFence narrows the lower bound of the subtree reached through child i.
func (t *Tree) lowerFence(n *node, i int, low bound) bound {
	if i == 0 || !t.sequenced() {
		return low
	}
	e := separator(n, i-1)
	return bound{key: e.Key, seq: e.Seq, ok: true}
}

// findSlot returns where a new item with key goes in leaf and the sequence it
// takes. exists reports that a unique tree already holds key.
//
// A duplicate follows the last equal item of the leaf. When the leaf has none
// but its lower fence has the same key, earlier equal items all sort below the
// fence, so the fence's sequence is free and larger than theirs.
func (t *Tree) findSlot(ctx context.Context, leaf *node, key []byte, low bound) (idx int, seq uint64, exists bool, err error) {
	if !t.sequenced() {
		idx, err = t.lowerBound(ctx, leaf, key, 0)
		if err != nil || idx >= leaf.count() {
			return idx, 0, false, err
		}
		k, err := t.itemKey(ctx, leaf, idx)
		if err != nil {
			return idx, 0, false, err
		}
		return idx, 0, bytes.Equal(k, key), nil
	}

	idx, err = t.upperBound(ctx, leaf, key, maxSeq)
	if err != nil {
		return idx, 0, false, err
	}
	switch {
	case idx > 0 && bytes.Equal(t.keyAt(leaf, idx-1), key):
		seq = leaf.leaf.Seq(leaf.buf, idx-1) + 1
	case low.ok && bytes.Equal(low.key, key):
		seq = low.seq
	}
	assertf(seq != maxSeq, "sequence of key %x exhausted", key)
	return idx, seq, false, nil
}

func (t *Tree) insertOptimistic(ctx context.Context, key []byte, link rowlink.Link) error {
	leaf, _, low, err := t.descendOptimistic(ctx, key, t.insertSeq())
	if err != nil {
		return err
	}
	defer t.release(leaf)

	idx, seq, exists, err := t.findSlot(ctx, leaf, key, low)
	if err != nil {
		return err
	}
	if exists {
		return &DuplicateKeyError{Key: cloneKey(key)}
	}
	if t.full(leaf) {
		return errRestart
	}
	return t.insertInPlace(ctx, leaf, idx, Entry{Key: key, Link: link, Seq: seq})
}

func (t *Tree) insertInPlace(ctx context.Context, leaf *node, idx int, e Entry) error {
	if t.needsMigration(leaf) {
		if err := t.resolveAll(ctx, leaf); err != nil {
			return err
		}
		t.migrate(ctx, leaf)
	}
	t.leafInsertAt(leaf, idx, e.Key, e.Seq, e.Link)
	return nil
}

func (t *Tree) full(n *node) bool {
	if n.isLeaf() {
		return n.count() >= t.leafCap
	}
	return n.count() >= t.innerCap
}

// insertPessimistic couples exclusive latches from the root, keeping only the
// ancestors that a split could reach.
func (t *Tree) insertPessimistic(ctx context.Context, key []byte, link rowlink.Link) error {
	t.rootLatch.Lock()
	rootHeld := true
	unlockRoot := func() {
		if rootHeld {
			t.rootLatch.Unlock()
			rootHeld = false
		}
	}
	defer unlockRoot()

	root, err := t.fetch(ctx, t.store.RootPageID(), exclusive)
	if err != nil {
		return err
	}
	root.childIdx = -1
	path := []*node{root}
	defer func() { t.releaseAll(path...) }()
	if !t.full(root) {
		unlockRoot()
	}
	var low bound
	for n := root; !n.isLeaf(); {
		i := t.route(n, key, t.insertSeq())
		low = t.lowerFence(n, i, low)
		child, err := t.fetch(ctx, n.inner.Child(n.buf, i), exclusive)
		if err != nil {
			return err
		}
		child.childIdx = i
		if !t.full(child) {
			t.releaseAll(path...)
			path = path[:0]
			unlockRoot()
		}
		path = append(path, child)
		n = child
	}

	leaf := path[len(path)-1]
	idx, seq, exists, err := t.findSlot(ctx, leaf, key, low)
	if err != nil {
		return err
	}
	if exists {
		return &DuplicateKeyError{Key: cloneKey(key)}
	}
	e := Entry{Key: key, Link: link, Seq: seq}
	if !t.full(leaf) {
		return t.insertInPlace(ctx, leaf, idx, e)
	}
	return t.splitInsert(ctx, path, rootHeld, idx, e)
}

// splitInsert inserts into a full leaf and pushes separators up the held path.
// Every fallible step (key resolution, page allocation, root update) happens before
// the first page byte changes.
func (t *Tree) splitInsert(ctx context.Context, path []*node, rootHeld bool, idx int, e Entry) error {
	leaf := path[len(path)-1]
	first := len(path) - 1
	for first > 0 && t.full(path[first-1]) {
		first--
	}
	newRoot := first == 0 && t.full(path[0])
	assertf(!newRoot || rootHeld, "root split without the root latch")

	// 1. Resolve keys that moves and separators will need.
	if err := t.resolveAll(ctx, leaf); err != nil {
		return err
	}

	// 2. Allocate one sibling per splitting level, plus the new root.
	var fresh []*node
	abort := func(err error) error {
		for _, n := range fresh {
			t.discard(n)
		}
		return err
	}
	for k := first; k < len(path); k++ {
		pageType := pageio.PageTypeInner
		if path[k].isLeaf() {
			pageType = pageio.PageTypeLeaf
		}
		n, err := t.allocate(pageType)
		if err != nil {
			return abort(err)
		}
		fresh = append(fresh, n)
	}
	var root *node
	if newRoot {
		n, err := t.allocate(pageio.PageTypeInner)
		if err != nil {
			return abort(err)
		}
		fresh = append(fresh, n)
		root = n
		if err := t.store.SetRootPageID(root.id); err != nil {
			return abort(&StorageError{Op: "set root", PageID: root.id, Err: err})
		}
	}
	defer func() { t.releaseAll(fresh...) }()

	// 3. Apply bottom-up. Nothing below can fail.
	rightLeaf := fresh[len(path)-1-first]
	shareKeys(leaf, rightLeaf)
	up, rightID := t.splitLeaf(ctx, leaf, rightLeaf, idx, e)
	absorbed := false
	for k := len(path) - 2; k >= first-1 && k >= 0; k-- {
		parent := path[k]
		pos := path[k+1].childIdx
		if k < first {
			t.migrate(ctx, parent)
			parent.inner.InsertAt(parent.buf, pos, up.Key, up.Link, up.Seq, rightID)
			parent.dirty = true
			absorbed = true
			break
		}
		up, rightID = t.splitInner(ctx, parent, fresh[k-first], pos, up, rightID)
	}
	if newRoot {
		t.innerIO.Init(root.buf, t.cfg.KeySize)
		t.bindAs(root, t.innerIO)
		root.inner.SetChild(root.buf, 0, path[0].id)
		root.inner.InsertAt(root.buf, 0, up.Key, up.Link, up.Seq, rightID)
		root.dirty = true
		t.height++
		internaltelemetry.Inc(ctx, t.metrics.RootChangesCounter, "split")
		t.logger.Debug("Root split", zap.Uint64("new_root", uint64(root.id)), zap.Int("height", t.height))
	} else {
		assertf(absorbed, "split separator was not absorbed")
	}
	return nil
}

// splitLeaf moves the upper half of leaf into right and inserts the new item on
// its side. It returns the separator (first item of right).
func (t *Tree) splitLeaf(ctx context.Context, leaf, right *node, idx int, e Entry) (Entry, pagemanager.PageID) {
	t.leafIO.Init(right.buf, t.cfg.KeySize)
	t.bindAs(right, t.leafIO)
	right.dirty = true

	c := leaf.count()
	leftCount := (c + 1) / 2
	if idx < leftCount {
		t.leafAppendFrom(right, leaf, leftCount-1, c)
		leaf.leaf.SetCount(leaf.buf, leftCount-1)
		t.migrate(ctx, leaf)
		t.leafInsertAt(leaf, idx, e.Key, e.Seq, e.Link)
	} else {
		t.leafAppendFrom(right, leaf, leftCount, c)
		leaf.leaf.SetCount(leaf.buf, leftCount)
		t.migrate(ctx, leaf)
		t.leafInsertAt(right, idx-leftCount, e.Key, e.Seq, e.Link)
	}
	leaf.dirty = true
	internaltelemetry.Inc(ctx, t.metrics.SplitsCounter, "leaf")
	return t.item(right, 0), right.id
}

// innerEntries is an inner page decoded into slices.
type innerEntries struct {
	seps     []Entry
	children []pagemanager.PageID
}

func readInner(n *node) innerEntries {
	c := n.count()
	e := innerEntries{
		seps:     make([]Entry, 0, c+1),
		children: make([]pagemanager.PageID, 0, c+2),
	}
	e.children = append(e.children, n.inner.Child(n.buf, 0))
	for i := 0; i < c; i++ {
		e.seps = append(e.seps, separator(n, i))
		e.children = append(e.children, n.inner.Child(n.buf, i+1))
	}
	return e
}

// writeInner formats n with io and fills it with seps[lo:hi] and children[lo:hi+1].
func (t *Tree) writeInner(n *node, io pageio.InnerIO, e innerEntries, lo, hi int) {
	io.Init(n.buf, t.cfg.KeySize)
	t.bindAs(n, io)
	io.SetChild(n.buf, 0, e.children[lo])
	for i := lo; i < hi; i++ {
		s := e.seps[i]
		io.InsertAt(n.buf, i-lo, s.Key, s.Link, s.Seq, e.children[i+1])
	}
	n.dirty = true
}

// splitInner inserts separator sep with right child at pos into a full inner
// page, splitting it. The middle separator moves up and is returned.
func (t *Tree) splitInner(ctx context.Context, n, right *node, pos int, sep Entry, child pagemanager.PageID) (Entry, pagemanager.PageID) {
	e := readInner(n)
	e.seps = slices.Insert(e.seps, pos, sep)
	e.children = slices.Insert(e.children, pos+1, child)

	total := len(e.seps)
	leftKeys := total / 2
	leftIO := t.innerIO
	if t.cfg.FreezeFormats {
		leftIO = n.inner
	}
	t.writeInner(n, leftIO, e, 0, leftKeys)
	t.writeInner(right, t.innerIO, e, leftKeys+1, total)
	internaltelemetry.Inc(ctx, t.metrics.SplitsCounter, "inner")
	return e.seps[leftKeys], right.id
}
