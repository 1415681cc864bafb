package bplustree

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

// Stats describes the shape of a tree.
type Stats struct {
	Depth      int
	Items      int
	LeafPages  int
	InnerPages int
	// LeafVersions and InnerVersions count pages per format version.
	LeafVersions  map[uint32]int
	InnerVersions map[uint32]int
}

// bound is an optional (key, seq) limit.
type bound struct {
	key []byte
	seq uint64
	ok  bool
}

type validator struct {
	t     *Tree
	stats Stats
	depth int
	prev  bound
}

// Validate walks the whole tree under shared latches and checks ordering, separator
// bounds, fill, balance and key size. Violations wrap ErrCorruptTree.
// The result is only meaningful while no writer is active.
func (t *Tree) Validate(ctx context.Context) (Stats, error) {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()

	v := &validator{t: t, stats: Stats{
		LeafVersions:  make(map[uint32]int),
		InnerVersions: make(map[uint32]int),
	}, depth: -1}
	if err := v.walk(ctx, t.store.RootPageID(), 1, true, bound{}, bound{}); err != nil {
		return v.stats, err
	}
	v.stats.Depth = v.depth
	if v.depth != t.height {
		return v.stats, fmt.Errorf("%w: leaves at depth %d, tree height %d", ErrCorruptTree, v.depth, t.height)
	}
	return v.stats, nil
}

func (v *validator) corrupt(id pagemanager.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", ErrCorruptTree, id, fmt.Sprintf(format, args...))
}

// walk checks the subtree at id, whose items must lie in [low, high).
func (v *validator) walk(ctx context.Context, id pagemanager.PageID, level int, isRoot bool, low, high bound) error {
	t := v.t
	n, err := t.fetch(ctx, id, shared)
	if err != nil {
		return err
	}
	defer t.release(n)

	if ks := n.io.KeySize(n.buf); ks != 0 && ks != t.cfg.KeySize {
		return v.corrupt(id, "key size %d, configured %d", ks, t.cfg.KeySize)
	}
	if n.isLeaf() {
		return v.leaf(ctx, n, level, isRoot, low, high)
	}

	v.stats.InnerPages++
	v.stats.InnerVersions[n.io.Version()]++
	c := n.count()
	switch {
	case c > t.innerCap:
		return v.corrupt(id, "%d separators over capacity %d", c, t.innerCap)
	case isRoot && c < 1:
		return v.corrupt(id, "inner root without separators")
	case !isRoot && c < t.innerMin:
		return v.corrupt(id, "%d separators under minimum %d", c, t.innerMin)
	}
	seps := make([]bound, c)
	for i := range seps {
		sep := separator(n, i)
		seps[i] = bound{key: sep.Key, seq: sep.Seq, ok: true}
		if i > 0 && t.compare(seps[i-1].key, seps[i-1].seq, sep.Key, sep.Seq) >= 0 {
			return v.corrupt(id, "separators %d and %d out of order", i-1, i)
		}
		if low.ok && t.compare(sep.Key, sep.Seq, low.key, low.seq) < 0 {
			return v.corrupt(id, "separator %d below the parent bound", i)
		}
		if high.ok && t.compare(sep.Key, sep.Seq, high.key, high.seq) >= 0 {
			return v.corrupt(id, "separator %d above the parent bound", i)
		}
	}
	for i := 0; i <= c; i++ {
		lo, hi := low, high
		if i > 0 {
			lo = seps[i-1]
		}
		if i < c {
			hi = seps[i]
		}
		if err := v.walk(ctx, n.inner.Child(n.buf, i), level+1, false, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) leaf(ctx context.Context, n *node, level int, isRoot bool, low, high bound) error {
	t := v.t
	if v.depth == -1 {
		v.depth = level
	} else if v.depth != level {
		return v.corrupt(n.id, "leaf at depth %d, others at %d", level, v.depth)
	}
	v.stats.LeafPages++
	v.stats.LeafVersions[n.io.Version()]++
	c := n.count()
	switch {
	case c > t.leafCap:
		return v.corrupt(n.id, "%d items over capacity %d", c, t.leafCap)
	case !isRoot && c < t.leafMin:
		return v.corrupt(n.id, "%d items under minimum %d", c, t.leafMin)
	}
	for i := 0; i < c; i++ {
		k, err := t.itemKey(ctx, n, i)
		if err != nil {
			return err
		}
		seq := n.leaf.Seq(n.buf, i)
		if n.leaf.Link(n.buf, i).IsZero() {
			return v.corrupt(n.id, "zero link at slot %d", i)
		}
		if low.ok && t.compare(k, seq, low.key, low.seq) < 0 {
			return v.corrupt(n.id, "slot %d below the separator bound", i)
		}
		if high.ok && t.compare(k, seq, high.key, high.seq) >= 0 {
			return v.corrupt(n.id, "slot %d not below the separator bound", i)
		}
		if v.prev.ok {
			if t.compare(v.prev.key, v.prev.seq, k, seq) >= 0 {
				return v.corrupt(n.id, "slot %d out of order", i)
			}
		}
		v.prev = bound{key: cloneKey(k), seq: seq, ok: true}
		v.stats.Items++
	}
	return nil
}

// Dump writes one line per page, indented by level.
func (t *Tree) Dump(ctx context.Context, w io.Writer) error {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.dump(ctx, w, t.store.RootPageID(), 0)
}

func (t *Tree) dump(ctx context.Context, w io.Writer, id pagemanager.PageID, level int) error {
	n, err := t.fetch(ctx, id, shared)
	if err != nil {
		return err
	}
	defer t.release(n)

	indent := strings.Repeat("  ", level)
	if n.isLeaf() {
		items := make([]string, 0, n.count())
		for i := 0; i < n.count(); i++ {
			k, err := t.itemKey(ctx, n, i)
			if err != nil {
				return err
			}
			items = append(items, t.dumpItem(k, n.leaf.Link(n.buf, i), n.leaf.Seq(n.buf, i)))
		}
		_, err := fmt.Fprintf(w, "%sleaf %d v%d [%s]\n", indent, n.id, n.io.Version(), strings.Join(items, " "))
		return err
	}

	seps := make([]string, 0, n.count())
	for i := 0; i < n.count(); i++ {
		sep := separator(n, i)
		seps = append(seps, t.dumpItem(sep.Key, sep.Link, sep.Seq))
	}
	if _, err := fmt.Fprintf(w, "%sinner %d v%d [%s]\n", indent, n.id, n.io.Version(), strings.Join(seps, " ")); err != nil {
		return err
	}
	// Children are visited under the parent's shared latch.
	for i := 0; i <= n.count(); i++ {
		if err := t.dump(ctx, w, n.inner.Child(n.buf, i), level+1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) dumpItem(key []byte, link rowlink.Link, seq uint64) string {
	if t.sequenced() {
		return fmt.Sprintf("%x#%d@%s", key, seq, link)
	}
	return fmt.Sprintf("%x@%s", key, link)
}
