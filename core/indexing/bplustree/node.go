package bplustree

import (
	"context"
	"fmt"
	"sort"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
	"go.uber.org/zap"
)

type latchMode int

const (
	shared latchMode = iota
	exclusive
)

// node is a pinned, latched tree page bound to its codec.
type node struct {
	id    pagemanager.PageID
	page  *pagemanager.Page
	buf   []byte
	mode  latchMode
	io    pageio.IO
	leaf  pageio.LeafIO
	inner pageio.InnerIO
	// keys caches resolved keys of row-link-only items. Pages touched by one
	// operation share the map.
	keys  map[rowlink.Link][]byte
	dirty bool
	// childIdx is the position of this page in its parent on the current path.
	childIdx int
}

func (n *node) isLeaf() bool { return n.leaf != nil }
func (n *node) count() int   { return pageio.CountOf(n.buf) }

func (n *node) lock() {
	if n.mode == exclusive {
		n.page.Lock()
	} else {
		n.page.RLock()
	}
}

func (n *node) unlock() {
	if n.mode == exclusive {
		n.page.Unlock()
	} else {
		n.page.RUnlock()
	}
}

// fetch pins and latches a page, then binds it to the codec named by its header.
func (t *Tree) fetch(ctx context.Context, id pagemanager.PageID, mode latchMode) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := t.store.FetchPage(id)
	if err != nil {
		return nil, &StorageError{Op: "fetch", PageID: id, Err: err}
	}
	n := &node{id: id, page: page, buf: page.Data(), mode: mode}
	n.lock()
	if err := t.bind(n); err != nil {
		t.release(n)
		return nil, err
	}
	return n, nil
}

func (t *Tree) bind(n *node) error {
	io, err := t.reg.ResolvePage(n.buf)
	if err != nil {
		return err
	}
	if io.Sequenced() != t.sequenced() {
		return &pageio.FormatError{Type: io.Type(), Version: io.Version(), Err: pageio.ErrUnknownFormat,
			Detail: fmt.Sprintf("page %d does not match duplicate policy %s", n.id, t.cfg.Duplicates)}
	}
	t.bindAs(n, io)
	if n.leaf == nil && n.inner == nil {
		return &pageio.FormatError{Type: io.Type(), Version: io.Version(), Err: pageio.ErrUnknownFormat,
			Detail: fmt.Sprintf("page %d is not a tree page", n.id)}
	}
	return nil
}

func (t *Tree) bindAs(n *node, io pageio.IO) {
	n.io, n.leaf, n.inner = io, nil, nil
	switch c := io.(type) {
	case pageio.LeafIO:
		n.leaf = c
	case pageio.InnerIO:
		n.inner = c
	}
}

// release drops the latch, then the pin.
func (t *Tree) release(n *node) {
	n.unlock()
	if err := t.store.UnpinPage(n.id, n.dirty); err != nil {
		t.logger.Error("Unpin failed", zap.Uint64("page_id", uint64(n.id)), zap.Error(err))
	}
}

func (t *Tree) releaseAll(nodes ...*node) {
	for _, n := range nodes {
		if n != nil {
			t.release(n)
		}
	}
}

// allocate returns a new exclusively latched page. Its body is formatted by the caller.
func (t *Tree) allocate(pageType pageio.PageType) (*node, error) {
	page, err := t.store.AllocatePage(pageType)
	if err != nil {
		return nil, &StorageError{Op: "allocate " + pageType.String(), Err: err}
	}
	n := &node{id: page.ID(), page: page, buf: page.Data(), mode: exclusive}
	n.lock()
	return n, nil
}

// discard releases and frees a page allocated by an operation that is being abandoned.
func (t *Tree) discard(n *node) {
	n.dirty = false
	t.release(n)
	t.freePage(n.id)
}

func (t *Tree) freePage(id pagemanager.PageID) {
	if err := t.store.FreePage(id); err != nil {
		internaltelemetry.Inc(context.Background(), t.metrics.FreePageErrorCounter, "")
		t.logger.Error("Page leaked, free failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
	}
}

// --- keys ---

// itemKey returns the key of leaf item i, resolving it through the row store
// for row-link-only formats. The result may alias the page.
func (t *Tree) itemKey(ctx context.Context, n *node, i int) ([]byte, error) {
	if k, ok := n.leaf.InlineKey(n.buf, i); ok {
		return k, nil
	}
	link := n.leaf.Link(n.buf, i)
	if k, ok := n.keys[link]; ok {
		return k, nil
	}
	if t.cfg.Keys == nil {
		return nil, fmt.Errorf("%w: page %d is leaf v%d", ErrNoKeyResolver, n.id, n.io.Version())
	}
	k, err := t.cfg.Keys.ResolveKey(ctx, link)
	if err != nil {
		return nil, &StorageError{Op: "resolve key of " + link.String(), PageID: n.id, Err: err}
	}
	if len(k) != t.cfg.KeySize {
		return nil, &StorageError{Op: "resolve key of " + link.String(), PageID: n.id,
			Err: fmt.Errorf("%w: resolved %d bytes, key size is %d", ErrInvalidKey, len(k), t.cfg.KeySize)}
	}
	if n.keys == nil {
		n.keys = make(map[rowlink.Link][]byte)
	}
	n.keys[link] = k
	return k, nil
}

// resolveAll makes every key of a row-link-only leaf available to keyAt.
func (t *Tree) resolveAll(ctx context.Context, n *node) error {
	if !n.isLeaf() || n.leaf.HasInlineKeys() {
		return nil
	}
	for i := 0; i < n.count(); i++ {
		if _, err := t.itemKey(ctx, n, i); err != nil {
			return err
		}
	}
	return nil
}

// shareKeys lets the pages of one structural change see each other's resolved keys.
func shareKeys(nodes ...*node) {
	var m map[rowlink.Link][]byte
	for _, n := range nodes {
		if n != nil && n.keys != nil {
			if m == nil {
				m = n.keys
				continue
			}
			for l, k := range n.keys {
				m[l] = k
			}
		}
	}
	if m == nil {
		m = make(map[rowlink.Link][]byte)
	}
	for _, n := range nodes {
		if n != nil {
			n.keys = m
		}
	}
}

// keyAt is itemKey for the mutation phase, where every key is already resolved.
func (t *Tree) keyAt(n *node, i int) []byte {
	if k, ok := n.leaf.InlineKey(n.buf, i); ok {
		return k
	}
	k, ok := n.keys[n.leaf.Link(n.buf, i)]
	assertf(ok, "key of page %d slot %d used before it was resolved", n.id, i)
	return k
}

// lowerBound is the first slot whose item is >= (key, seq).
func (t *Tree) lowerBound(ctx context.Context, n *node, key []byte, seq uint64) (int, error) {
	return t.search(ctx, n, key, seq, 0)
}

// upperBound is the first slot whose item is > (key, seq).
func (t *Tree) upperBound(ctx context.Context, n *node, key []byte, seq uint64) (int, error) {
	return t.search(ctx, n, key, seq, 1)
}

func (t *Tree) search(ctx context.Context, n *node, key []byte, seq uint64, bound int) (int, error) {
	var ferr error
	i := sort.Search(n.count(), func(i int) bool {
		if ferr != nil {
			return true
		}
		k, err := t.itemKey(ctx, n, i)
		if err != nil {
			ferr = err
			return true
		}
		return t.compare(k, n.leaf.Seq(n.buf, i), key, seq) >= bound
	})
	return i, ferr
}

// route picks the child of an inner page to follow for (key, seq).
func (t *Tree) route(n *node, key []byte, seq uint64) int {
	return n.inner.Route(n.buf, func(sk []byte, ss uint64) int {
		return t.compare(key, seq, sk, ss)
	})
}

// separator returns separator i of an inner page as an Entry that outlives the latch.
func separator(n *node, i int) Entry {
	return Entry{
		Key:  cloneKey(n.inner.SeparatorKey(n.buf, i)),
		Link: n.inner.SeparatorLink(n.buf, i),
		Seq:  n.inner.SeparatorSeq(n.buf, i),
	}
}

// item returns leaf item i. Its key must already be resolved.
func (t *Tree) item(n *node, i int) Entry {
	return Entry{Key: cloneKey(t.keyAt(n, i)), Link: n.leaf.Link(n.buf, i), Seq: n.leaf.Seq(n.buf, i)}
}

// --- in-page edits ---

func (t *Tree) leafInsertAt(n *node, idx int, key []byte, seq uint64, link rowlink.Link) {
	c := n.count()
	n.leaf.SetCount(n.buf, c+1)
	for j := c; j > idx; j-- {
		n.leaf.StoreFrom(n.buf, j, n.leaf, n.buf, j-1, nil)
	}
	n.leaf.Store(n.buf, idx, key, seq, link)
	if !n.leaf.HasInlineKeys() {
		if n.keys == nil {
			n.keys = make(map[rowlink.Link][]byte)
		}
		n.keys[link] = cloneKey(key)
	}
	n.dirty = true
}

func (t *Tree) leafRemoveAt(n *node, idx int) {
	c := n.count()
	for j := idx; j < c-1; j++ {
		n.leaf.StoreFrom(n.buf, j, n.leaf, n.buf, j+1, nil)
	}
	n.leaf.SetCount(n.buf, c-1)
	n.dirty = true
}

// leafAppendFrom copies items [from, to) of src to the end of dst.
func (t *Tree) leafAppendFrom(dst, src *node, from, to int) {
	c := dst.count()
	dst.leaf.SetCount(dst.buf, c+to-from)
	for i := from; i < to; i++ {
		dst.leaf.StoreFrom(dst.buf, c+i-from, src.leaf, src.buf, i, t.copyKey(dst, src, i))
	}
	dst.dirty = true
}

// copyKey is the key StoreFrom needs when moving item i of src into dst.
func (t *Tree) copyKey(dst, src *node, i int) []byte {
	if dst.leaf.HasInlineKeys() && !src.leaf.HasInlineKeys() {
		return t.keyAt(src, i)
	}
	return nil
}

// --- format migration ---

func (t *Tree) needsMigration(n *node) bool {
	if t.cfg.FreezeFormats {
		return false
	}
	if n.isLeaf() {
		return n.io.Version() != t.leafIO.Version()
	}
	return n.io.Version() != t.innerIO.Version()
}

// migrate rewrites a page into the current format. Keys of row-link-only leaves
// must already be resolved.
func (t *Tree) migrate(ctx context.Context, n *node) {
	if !t.needsMigration(n) {
		return
	}
	from := n.io.Version()
	scratch := make([]byte, len(n.buf))
	copy(scratch, n.buf)
	old := &node{id: n.id, buf: scratch, io: n.io, leaf: n.leaf, inner: n.inner, keys: n.keys}
	c := old.count()

	if n.isLeaf() {
		t.leafIO.Init(n.buf, t.cfg.KeySize)
		t.bindAs(n, t.leafIO)
		t.leafAppendFrom(n, old, 0, c)
	} else {
		t.innerIO.Init(n.buf, t.cfg.KeySize)
		t.bindAs(n, t.innerIO)
		n.inner.SetChild(n.buf, 0, old.inner.Child(old.buf, 0))
		for i := 0; i < c; i++ {
			n.inner.InsertAt(n.buf, i, old.inner.SeparatorKey(old.buf, i), old.inner.SeparatorLink(old.buf, i),
				old.inner.SeparatorSeq(old.buf, i), old.inner.Child(old.buf, i+1))
		}
	}
	n.dirty = true
	internaltelemetry.Inc(ctx, t.metrics.MigrationsCounter, n.io.Type().String())
	t.logger.Debug("Page migrated",
		zap.Uint64("page_id", uint64(n.id)),
		zap.Stringer("type", n.io.Type()),
		zap.Uint32("from", from),
		zap.Uint32("to", n.io.Version()))
}
