package rowstore

import (
	"encoding/binary"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
)

// Row page layout: common header (count = number of slots), free-space end
// (uint16), slot directory of (offset, length) uint16 pairs, and records packed
// downward from the checksum trailer. Offset 0 marks a deleted slot.
const (
	pageVersion    = 1
	freeEndOffset  = pageio.CommonHeaderSize
	pageHeaderSize = freeEndOffset + 2
	slotSize       = 4
)

func initPage(buf []byte) {
	pageio.WriteCommonHeader(buf, pageio.PageTypeRowData, pageVersion)
	binary.LittleEndian.PutUint16(buf[freeEndOffset:], uint16(pageio.UsableSize(buf)))
}

func freeEnd(buf []byte) int { return int(binary.LittleEndian.Uint16(buf[freeEndOffset:])) }

func slotCount(buf []byte) int { return pageio.CountOf(buf) }

// freeSpace is what is left for one more record plus its slot.
func freeSpace(buf []byte) int {
	return freeEnd(buf) - pageHeaderSize - slotCount(buf)*slotSize - slotSize
}

func slot(buf []byte, i int) (offset, length int) {
	at := pageHeaderSize + i*slotSize
	return int(binary.LittleEndian.Uint16(buf[at:])), int(binary.LittleEndian.Uint16(buf[at+2:]))
}

func setSlot(buf []byte, i, offset, length int) {
	at := pageHeaderSize + i*slotSize
	binary.LittleEndian.PutUint16(buf[at:], uint16(offset))
	binary.LittleEndian.PutUint16(buf[at+2:], uint16(length))
}

// appendRecord stores rec in a new slot. The caller checks freeSpace first.
func appendRecord(buf []byte, rec []byte) int {
	end := freeEnd(buf) - len(rec)
	copy(buf[end:], rec)
	i := slotCount(buf)
	setSlot(buf, i, end, len(rec))
	pageio.SetCountOf(buf, i+1)
	binary.LittleEndian.PutUint16(buf[freeEndOffset:], uint16(end))
	return i
}

// maxRecordSize is the largest record an empty page can take.
func maxRecordSize(pageSize int) int {
	return pageSize - pageio.ChecksumSize - pageHeaderSize - slotSize
}
