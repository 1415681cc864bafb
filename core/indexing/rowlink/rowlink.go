// Package rowlink packs the location of a row (page id + slot) into one 64-bit word.
// Leaves store these links instead of the row itself.
package rowlink

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

const (
	// Size is the encoded width of a Link.
	Size = 8

	pageBits = 48
	slotBits = 16

	// MaxPageID is the largest page id a link can address.
	MaxPageID = pagemanager.PageID(1)<<pageBits - 1
	// MaxSlot is the largest slot number a link can address.
	MaxSlot = 1<<slotBits - 1
)

// Link locates a row: low 48 bits page id, high 16 bits slot.
// The zero Link is invalid and is never stored in a page.
type Link uint64

// Zero is the invalid link.
const Zero Link = 0

// New packs a page id and slot. It panics when either is out of range.
func New(pageID pagemanager.PageID, slot uint16) Link {
	if pageID > MaxPageID {
		panic(fmt.Sprintf("rowlink: page id %d exceeds %d bits", pageID, pageBits))
	}
	return Link(uint64(slot)<<pageBits | uint64(pageID))
}

func (l Link) PageID() pagemanager.PageID { return pagemanager.PageID(uint64(l) & uint64(MaxPageID)) }

func (l Link) Slot() uint16 { return uint16(uint64(l) >> pageBits) }

func (l Link) IsZero() bool { return l == Zero }

// Compare orders links by page id, then slot.
func (l Link) Compare(o Link) int {
	lp, op := l.PageID(), o.PageID()
	switch {
	case lp < op:
		return -1
	case lp > op:
		return 1
	}
	ls, os := l.Slot(), o.Slot()
	switch {
	case ls < os:
		return -1
	case ls > os:
		return 1
	}
	return 0
}

func (l Link) String() string { return fmt.Sprintf("%d:%d", l.PageID(), l.Slot()) }

// Put encodes l into the first Size bytes of b.
func Put(b []byte, l Link) { binary.LittleEndian.PutUint64(b, uint64(l)) }

// Get decodes a link from the first Size bytes of b.
func Get(b []byte) Link { return Link(binary.LittleEndian.Uint64(b)) }
