package pageio

import (
	"encoding/binary"
	"sort"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

// InnerIO is an inner page codec. A page with count separators has count+1 children;
// separator i splits child i from child i+1.
type InnerIO interface {
	IO
	Child(buf []byte, i int) pagemanager.PageID
	SetChild(buf []byte, i int, id pagemanager.PageID)
	// SeparatorKey returns separator i. The slice aliases buf.
	SeparatorKey(buf []byte, i int) []byte
	SeparatorLink(buf []byte, i int) rowlink.Link
	// SeparatorSeq is 0 for unsequenced formats.
	SeparatorSeq(buf []byte, i int) uint64
	SetSeparator(buf []byte, i int, key []byte, link rowlink.Link, seq uint64)
	// InsertAt shifts separators i.. right and stores (key, link, seq) as separator i with right as child i+1.
	InsertAt(buf []byte, i int, key []byte, link rowlink.Link, seq uint64, right pagemanager.PageID)
	// RemoveAt drops separator i together with child i+1.
	RemoveAt(buf []byte, i int)
	// Route returns the child to follow: the smallest i with cmp(separator i) < 0, else count.
	// cmp compares the search target against a separator.
	Route(buf []byte, cmp func(key []byte, seq uint64) int) int
}

const childSize = 8

var (
	// InnerV1 layout: common header, key size (uint16), child 0, then
	// records of [key][link][right child].
	InnerV1 InnerIO = &innerIO{base: base{typ: PageTypeInner, version: 1, header: CommonHeaderSize + 2 + childSize}}
	// InnerV2 is InnerV1 with records of [key][link][seq][right child].
	InnerV2 InnerIO = &innerIO{base: base{typ: PageTypeInner, version: 2, header: CommonHeaderSize + 2 + childSize, sequenced: true}}
)

type innerIO struct {
	base
}

func (n *innerIO) HasInlineKeys() bool { return true }

func (n *innerIO) ItemSize(keySize int) int {
	if n.sequenced {
		return keySize + rowlink.Size + seqSize + childSize
	}
	return keySize + rowlink.Size + childSize
}

func (n *innerIO) Capacity(pageSize, keySize int) int {
	return (pageSize - ChecksumSize - n.header) / n.ItemSize(keySize)
}

func (n *innerIO) Init(buf []byte, keySize int) {
	n.init(buf)
	writeKeySize(buf, keySize)
}

func (n *innerIO) KeySize(buf []byte) int { return readKeySize(buf) }

func (n *innerIO) SetCount(buf []byte, c int) {
	assertf(c <= n.Capacity(len(buf), n.KeySize(buf)), "inner count %d exceeds capacity", c)
	SetCountOf(buf, c)
}

func (n *innerIO) record(buf []byte, i int) (int, int) {
	assertf(i >= 0 && i < CountOf(buf), "separator %d out of range [0,%d)", i, CountOf(buf))
	keySize := n.KeySize(buf)
	return n.header + i*n.ItemSize(keySize), keySize
}

func (n *innerIO) Child(buf []byte, i int) pagemanager.PageID {
	if i == 0 {
		return pagemanager.PageID(binary.LittleEndian.Uint64(buf[n.header-childSize:]))
	}
	off, keySize := n.record(buf, i-1)
	return pagemanager.PageID(binary.LittleEndian.Uint64(buf[off+n.ItemSize(keySize)-childSize:]))
}

func (n *innerIO) SetChild(buf []byte, i int, id pagemanager.PageID) {
	assertf(id != pagemanager.InvalidPageID, "invalid child page id at %d", i)
	if i == 0 {
		binary.LittleEndian.PutUint64(buf[n.header-childSize:], uint64(id))
		return
	}
	off, keySize := n.record(buf, i-1)
	binary.LittleEndian.PutUint64(buf[off+n.ItemSize(keySize)-childSize:], uint64(id))
}

func (n *innerIO) SeparatorKey(buf []byte, i int) []byte {
	off, keySize := n.record(buf, i)
	return buf[off : off+keySize : off+keySize]
}

func (n *innerIO) SeparatorLink(buf []byte, i int) rowlink.Link {
	off, keySize := n.record(buf, i)
	return rowlink.Get(buf[off+keySize:])
}

func (n *innerIO) SeparatorSeq(buf []byte, i int) uint64 {
	if !n.sequenced {
		return 0
	}
	off, keySize := n.record(buf, i)
	return binary.LittleEndian.Uint64(buf[off+keySize+rowlink.Size:])
}

func (n *innerIO) SetSeparator(buf []byte, i int, key []byte, link rowlink.Link, seq uint64) {
	assertf(!link.IsZero(), "zero row link in separator %d", i)
	off, keySize := n.record(buf, i)
	assertf(len(key) == keySize, "separator key of %d bytes in page with key size %d", len(key), keySize)
	copy(buf[off:off+keySize], key)
	rowlink.Put(buf[off+keySize:], link)
	if n.sequenced {
		binary.LittleEndian.PutUint64(buf[off+keySize+rowlink.Size:], seq)
	}
}

func (n *innerIO) InsertAt(buf []byte, i int, key []byte, link rowlink.Link, seq uint64, right pagemanager.PageID) {
	count := CountOf(buf)
	assertf(i >= 0 && i <= count, "insert position %d out of range [0,%d]", i, count)
	n.SetCount(buf, count+1)
	size := n.ItemSize(n.KeySize(buf))
	start := n.header + i*size
	end := n.header + count*size
	copy(buf[start+size:end+size], buf[start:end])
	n.SetSeparator(buf, i, key, link, seq)
	n.SetChild(buf, i+1, right)
}

func (n *innerIO) RemoveAt(buf []byte, i int) {
	count := CountOf(buf)
	assertf(i >= 0 && i < count, "remove position %d out of range [0,%d)", i, count)
	size := n.ItemSize(n.KeySize(buf))
	start := n.header + i*size
	end := n.header + count*size
	copy(buf[start:end-size], buf[start+size:end])
	clear(buf[end-size : end])
	n.SetCount(buf, count-1)
}

func (n *innerIO) Route(buf []byte, cmp func(key []byte, seq uint64) int) int {
	return sort.Search(CountOf(buf), func(i int) bool {
		return cmp(n.SeparatorKey(buf, i), n.SeparatorSeq(buf, i)) < 0
	})
}
