// Package pageio encodes tree nodes into fixed-size pages.
//
// Every page starts with a common header:
//
//	[0]      page type tag (uint8)
//	[1..5)   format version (uint32, little-endian)
//	[5..9)   item count (uint32, little-endian)
//
// Codec-specific header fields follow. The last ChecksumSize bytes of a page
// belong to the page store and are never used by a codec.
package pageio

import (
	"encoding/binary"
	"fmt"
)

// PageType is the tag stored in byte 0 of every page.
type PageType uint8

const (
	PageTypeFree    PageType = 0
	PageTypeRowData PageType = 1
	PageTypeLeaf    PageType = 2
	PageTypeInner   PageType = 3
)

func (t PageType) String() string {
	switch t {
	case PageTypeFree:
		return "free"
	case PageTypeRowData:
		return "rowdata"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeInner:
		return "inner"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	typeOffset    = 0
	versionOffset = 1
	countOffset   = 5
	// CommonHeaderSize is the size of the header shared by all page types.
	CommonHeaderSize = 9
	keySizeOffset    = CommonHeaderSize
	// ChecksumSize is the page-store trailer at the end of every page.
	ChecksumSize = 4
)

func TypeOf(buf []byte) PageType { return PageType(buf[typeOffset]) }

func VersionOf(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[versionOffset:])
}

func CountOf(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[countOffset:]))
}

func SetCountOf(buf []byte, n int) {
	assertf(n >= 0, "negative item count %d", n)
	binary.LittleEndian.PutUint32(buf[countOffset:], uint32(n))
}

// WriteCommonHeader stamps type, version and a zero count.
func WriteCommonHeader(buf []byte, t PageType, version uint32) {
	buf[typeOffset] = byte(t)
	binary.LittleEndian.PutUint32(buf[versionOffset:], version)
	binary.LittleEndian.PutUint32(buf[countOffset:], 0)
}

// UsableSize is the page size minus the checksum trailer.
func UsableSize(buf []byte) int { return len(buf) - ChecksumSize }

func readKeySize(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[keySizeOffset:]))
}

func writeKeySize(buf []byte, keySize int) {
	assertf(keySize > 0 && keySize <= MaxKeySize, "key size %d out of range", keySize)
	binary.LittleEndian.PutUint16(buf[keySizeOffset:], uint16(keySize))
}

// MaxKeySize bounds inline keys.
const MaxKeySize = 1024
