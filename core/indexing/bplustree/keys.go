package bplustree

import (
	"bytes"
	"cmp"
	"encoding/binary"

	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
)

// Int64Key encodes v so that byte order matches numeric order.
func Int64Key(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v)^(1<<63))
	return k
}

// Uint64Key encodes v big-endian.
func Uint64Key(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

// StringKey pads or truncates s to size bytes. Truncated strings that share a
// prefix of size bytes map to the same key.
func StringKey(s string, size int) []byte {
	k := make([]byte, size)
	copy(k, s)
	return k
}

// DecodeInt64Key reverses Int64Key.
func DecodeInt64Key(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

// Entry is one (key, link) item of the tree.
type Entry struct {
	Key  []byte
	Link rowlink.Link
	// Seq orders items that share a key in insertion order. It is 0 in unique trees.
	Seq uint64
}

// maxSeq sorts after every stored item of a key.
const maxSeq = ^uint64(0)

// compare orders (key, seq) pairs. Unique trees ignore the sequence.
func (t *Tree) compare(aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := bytes.Compare(aKey, bKey); c != 0 || t.cfg.Duplicates == RejectDuplicates {
		return c
	}
	return cmp.Compare(aSeq, bSeq)
}

func cloneKey(k []byte) []byte {
	return append([]byte(nil), k...)
}
