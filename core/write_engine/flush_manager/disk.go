package flushmanager

import (
	"bytes"
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

const (
	// DBMagic identifies an index file.
	DBMagic uint32 = 0x6010DB01
	// FileFormatVersion is the version of the header layout below.
	FileFormatVersion uint32 = 1
	// DBFileHeaderSize is the number of bytes of page 0 reserved for the header.
	DBFileHeaderSize = 128
	// MinPageSize is the smallest page size the storage layer accepts.
	MinPageSize = 256
	// DefaultPageSize matches the typical OS page.
	DefaultPageSize = 4096
)

// DBFileHeader is persisted at offset 0 of page 0.
// All fields have fixed sizes so binary.Read/Write stay consistent.
type DBFileHeader struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	KeySize      uint32
	RootPageID   pagemanager.PageID
	FreeListHead pagemanager.PageID
	NumPages     uint64
	CreatedAt    int64
	IndexID      [16]byte
	_            [DBFileHeaderSize - (4*4 + 4*8 + 16)]byte
}

// Disk is the raw page device below the buffer pool.
type Disk interface {
	PageSize() int
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	// AllocatePage extends the device by one zeroed page.
	AllocatePage() (pagemanager.PageID, error)
	NumPages() uint64
	ReadHeader() (DBFileHeader, error)
	WriteHeader(header DBFileHeader) error
	Sync() error
	Close() error
}

// NewHeader builds the header of a freshly created file.
func NewHeader(pageSize, keySize int, indexID [16]byte, createdAt int64) DBFileHeader {
	return DBFileHeader{
		Magic:        DBMagic,
		Version:      FileFormatVersion,
		PageSize:     uint32(pageSize),
		KeySize:      uint32(keySize),
		RootPageID:   pagemanager.InvalidPageID,
		FreeListHead: pagemanager.InvalidPageID,
		NumPages:     1,
		CreatedAt:    createdAt,
		IndexID:      indexID,
	}
}

func encodeHeader(header *DBFileHeader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	if buf.Len() != DBFileHeaderSize {
		return nil, fmt.Errorf("%w: header serialization size (%d) != %d", ErrSerialization, buf.Len(), DBFileHeaderSize)
	}
	return buf.Bytes(), nil
}

func decodeHeader(data []byte) (DBFileHeader, error) {
	var header DBFileHeader
	if len(data) < DBFileHeaderSize {
		return header, fmt.Errorf("%w: header too short (%d bytes)", ErrDeserialization, len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:DBFileHeaderSize]), binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	if header.Magic != DBMagic {
		return header, fmt.Errorf("%w: expected 0x%x, got 0x%x", ErrBadMagic, DBMagic, header.Magic)
	}
	return header, nil
}

func checkPageSize(pageSize int) error {
	if pageSize < MinPageSize {
		return fmt.Errorf("%w: page size %d below minimum %d", ErrInvalidPageData, pageSize, MinPageSize)
	}
	return nil
}
