package flushmanager

import (
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

// MemDisk is a Disk held entirely in memory. It backs ephemeral indexes and tests.
type MemDisk struct {
	pageSize int
	pages    [][]byte
	header   []byte
	closed   bool
	mu       sync.Mutex
}

var _ Disk = (*MemDisk)(nil)

// NewMemDisk returns an empty device whose page 0 carries the given header.
func NewMemDisk(pageSize int, header DBFileHeader) (*MemDisk, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	header.PageSize = uint32(pageSize)
	header.NumPages = 1
	data, err := encodeHeader(&header)
	if err != nil {
		return nil, err
	}
	return &MemDisk{
		pageSize: pageSize,
		pages:    [][]byte{nil},
		header:   data,
	}, nil
}

func (md *MemDisk) PageSize() int { return md.pageSize }

func (md *MemDisk) NumPages() uint64 {
	md.mu.Lock()
	defer md.mu.Unlock()
	return uint64(len(md.pages))
}

func (md *MemDisk) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.closed {
		return ErrClosed
	}
	if len(pageData) != md.pageSize {
		return fmt.Errorf("page data buffer size (%d) != page size (%d)", len(pageData), md.pageSize)
	}
	if pageID == pagemanager.HeaderPageID || uint64(pageID) >= uint64(len(md.pages)) {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	copy(pageData, md.pages[pageID])
	return nil
}

func (md *MemDisk) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.closed {
		return ErrClosed
	}
	if len(pageData) != md.pageSize {
		return fmt.Errorf("page data buffer size (%d) != page size (%d)", len(pageData), md.pageSize)
	}
	if pageID == pagemanager.HeaderPageID || uint64(pageID) >= uint64(len(md.pages)) {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	copy(md.pages[pageID], pageData)
	return nil
}

func (md *MemDisk) AllocatePage() (pagemanager.PageID, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.closed {
		return pagemanager.InvalidPageID, ErrClosed
	}
	md.pages = append(md.pages, make([]byte, md.pageSize))
	return pagemanager.PageID(len(md.pages) - 1), nil
}

func (md *MemDisk) ReadHeader() (DBFileHeader, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	return decodeHeader(md.header)
}

func (md *MemDisk) WriteHeader(header DBFileHeader) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.closed {
		return ErrClosed
	}
	header.NumPages = uint64(len(md.pages))
	data, err := encodeHeader(&header)
	if err != nil {
		return err
	}
	md.header = data
	return nil
}

func (md *MemDisk) Sync() error { return nil }

func (md *MemDisk) Close() error {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.closed = true
	return nil
}
