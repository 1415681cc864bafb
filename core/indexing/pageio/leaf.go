package pageio

import (
	"encoding/binary"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
)

// LeafIO is a leaf page codec. Every item carries a row link; formats with
// inline keys also carry the key in front of it, and sequenced formats a
// sequence number that orders items sharing a key.
type LeafIO interface {
	IO
	Link(buf []byte, idx int) rowlink.Link
	SetLink(buf []byte, idx int, link rowlink.Link)
	// InlineKey returns the key stored with item idx. The slice aliases buf.
	InlineKey(buf []byte, idx int) ([]byte, bool)
	// Seq returns the sequence of item idx, 0 for unsequenced formats.
	Seq(buf []byte, idx int) uint64
	// Store writes item idx. key is ignored by formats without inline keys and
	// seq by unsequenced ones.
	Store(buf []byte, idx int, key []byte, seq uint64, link rowlink.Link)
	// StoreFrom copies item srcIdx of src (encoded with srcIO) into slot dstIdx of dst.
	// key is used only when dst stores keys and src does not.
	StoreFrom(dst []byte, dstIdx int, srcIO LeafIO, src []byte, srcIdx int, key []byte)
	// CanProduceRowDirectly reports whether an item locates its full row without another lookup.
	CanProduceRowDirectly() bool
}

const seqSize = 8

var (
	// LeafV1 stores only the row link; keys are read through the row.
	LeafV1 LeafIO = &leafIO{base: base{typ: PageTypeLeaf, version: 1, header: CommonHeaderSize}}
	// LeafV2 stores the key inline in front of the row link.
	LeafV2 LeafIO = &leafIO{base: base{typ: PageTypeLeaf, version: 2, header: CommonHeaderSize + 2}, inline: true}
	// LeafV3 records are [key][seq][link] for trees that keep duplicate keys.
	LeafV3 LeafIO = &leafIO{base: base{typ: PageTypeLeaf, version: 3, header: CommonHeaderSize + 2, sequenced: true}, inline: true}
)

type leafIO struct {
	base
	inline bool
}

func (l *leafIO) HasInlineKeys() bool         { return l.inline }
func (l *leafIO) CanProduceRowDirectly() bool { return true }

func (l *leafIO) ItemSize(keySize int) int {
	size := rowlink.Size
	if l.inline {
		size += keySize
	}
	if l.sequenced {
		size += seqSize
	}
	return size
}

func (l *leafIO) Capacity(pageSize, keySize int) int {
	return (pageSize - ChecksumSize - l.header) / l.ItemSize(keySize)
}

func (l *leafIO) Init(buf []byte, keySize int) {
	l.init(buf)
	if l.inline {
		writeKeySize(buf, keySize)
	}
}

func (l *leafIO) KeySize(buf []byte) int {
	if l.inline {
		return readKeySize(buf)
	}
	return 0
}

func (l *leafIO) SetCount(buf []byte, n int) {
	assertf(n <= l.Capacity(len(buf), l.KeySize(buf)), "leaf count %d exceeds capacity", n)
	SetCountOf(buf, n)
}

// offset returns the start of record idx and of its link.
func (l *leafIO) offset(buf []byte, idx int) (int, int) {
	assertf(idx >= 0 && idx < CountOf(buf), "leaf slot %d out of range [0,%d)", idx, CountOf(buf))
	keySize := l.KeySize(buf)
	off := l.header + idx*l.ItemSize(keySize)
	linkOff := off + keySize
	if l.sequenced {
		linkOff += seqSize
	}
	return off, linkOff
}

func (l *leafIO) Link(buf []byte, idx int) rowlink.Link {
	_, linkOff := l.offset(buf, idx)
	return rowlink.Get(buf[linkOff:])
}

func (l *leafIO) SetLink(buf []byte, idx int, link rowlink.Link) {
	assertf(!link.IsZero(), "zero row link stored in leaf slot %d", idx)
	_, linkOff := l.offset(buf, idx)
	rowlink.Put(buf[linkOff:], link)
}

func (l *leafIO) InlineKey(buf []byte, idx int) ([]byte, bool) {
	if !l.inline {
		return nil, false
	}
	off, _ := l.offset(buf, idx)
	keySize := l.KeySize(buf)
	return buf[off : off+keySize : off+keySize], true
}

func (l *leafIO) Seq(buf []byte, idx int) uint64 {
	if !l.sequenced {
		return 0
	}
	_, linkOff := l.offset(buf, idx)
	return binary.LittleEndian.Uint64(buf[linkOff-seqSize:])
}

func (l *leafIO) Store(buf []byte, idx int, key []byte, seq uint64, link rowlink.Link) {
	assertf(!link.IsZero(), "zero row link stored in leaf slot %d", idx)
	off, linkOff := l.offset(buf, idx)
	if l.inline {
		keySize := l.KeySize(buf)
		assertf(len(key) == keySize, "key of %d bytes stored in leaf with key size %d", len(key), keySize)
		copy(buf[off:off+keySize], key)
	}
	if l.sequenced {
		binary.LittleEndian.PutUint64(buf[linkOff-seqSize:], seq)
	}
	rowlink.Put(buf[linkOff:], link)
}

func (l *leafIO) StoreFrom(dst []byte, dstIdx int, srcIO LeafIO, src []byte, srcIdx int, key []byte) {
	link, seq := srcIO.Link(src, srcIdx), srcIO.Seq(src, srcIdx)
	if !l.inline {
		l.Store(dst, dstIdx, nil, seq, link)
		return
	}
	if k, ok := srcIO.InlineKey(src, srcIdx); ok {
		key = k
	}
	l.Store(dst, dstIdx, key, seq, link)
}
