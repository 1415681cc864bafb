package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager stores pages in a single file at offset pageID*pageSize.
// Page 0 holds the DBFileHeader.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64
	logger   *zap.Logger
	mu       sync.Mutex
}

var _ Disk = (*DiskManager)(nil)

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}, nil
}

// OpenOrCreateFile opens an existing index file or creates a new one.
// With create set, a new file is written with the given header and an existing file is an error.
// Without it, a missing file is an error and the stored header is validated against the page size.
func (dm *DiskManager) OpenOrCreateFile(create bool, newHeader DBFileHeader) (DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_, statErr := os.Stat(dm.filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return DBFileHeader{}, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return DBFileHeader{}, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		newHeader.PageSize = uint32(dm.pageSize)
		newHeader.NumPages = 1
		// The header page is a full page so data pages start at pageSize.
		if err := dm.file.Truncate(int64(dm.pageSize)); err != nil {
			_ = dm.closeLocked()
			_ = os.Remove(dm.filePath)
			return DBFileHeader{}, fmt.Errorf("%w: sizing header page: %v", ErrIO, err)
		}
		if err := dm.writeHeaderLocked(&newHeader); err != nil {
			_ = dm.closeLocked()
			_ = os.Remove(dm.filePath)
			return DBFileHeader{}, fmt.Errorf("failed to write initial header: %w", err)
		}
		dm.numPages = 1
		dm.logger.Info("Created index file", zap.String("path", dm.filePath), zap.Int("page_size", dm.pageSize))
		return newHeader, nil

	case statErr == nil:
		if create {
			return DBFileHeader{}, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
		if err != nil {
			return DBFileHeader{}, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		header, err := dm.readHeaderLocked()
		if err != nil {
			_ = dm.closeLocked()
			return DBFileHeader{}, fmt.Errorf("failed to read database header: %w", err)
		}
		if header.PageSize != uint32(dm.pageSize) {
			_ = dm.closeLocked()
			return DBFileHeader{}, fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, header.PageSize, dm.pageSize)
		}
		fi, err := dm.file.Stat()
		if err != nil {
			_ = dm.closeLocked()
			return DBFileHeader{}, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)
		if header.NumPages > dm.numPages {
			// Pages allocated but never written back; extend so reads stay in bounds.
			if err := dm.file.Truncate(int64(header.NumPages) * int64(dm.pageSize)); err != nil {
				_ = dm.closeLocked()
				return DBFileHeader{}, fmt.Errorf("%w: extending file: %v", ErrIO, err)
			}
			dm.numPages = header.NumPages
		}
		dm.logger.Info("Opened index file",
			zap.String("path", dm.filePath),
			zap.Uint64("num_pages", dm.numPages),
			zap.Uint64("root_page_id", uint64(header.RootPageID)))
		return header, nil

	default:
		return DBFileHeader{}, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}
}

func (dm *DiskManager) PageSize() int { return dm.pageSize }

func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) writeHeaderLocked(header *DBFileHeader) error {
	data, err := encodeHeader(header)
	if err != nil {
		return err
	}
	if _, err := dm.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) readHeaderLocked() (DBFileHeader, error) {
	data := make([]byte, DBFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if errors.Is(err, io.EOF) && n < DBFileHeaderSize {
			return DBFileHeader{}, fmt.Errorf("%w: database file is too small (header too short)", ErrDeserialization)
		}
		return DBFileHeader{}, fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	return decodeHeader(data)
}

// ReadHeader reads the header from page 0.
func (dm *DiskManager) ReadHeader() (DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return DBFileHeader{}, ErrClosed
	}
	return dm.readHeaderLocked()
}

// WriteHeader overwrites the header on page 0. The page count is kept in step with the file.
func (dm *DiskManager) WriteHeader(header DBFileHeader) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	header.NumPages = dm.numPages
	return dm.writeHeaderLocked(&header)
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d beyond end of file (%d pages)", ErrPageNotFound, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
// Durability is left to Sync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if pageID == pagemanager.HeaderPageID {
		return fmt.Errorf("%w: page 0 is reserved for the file header", ErrInvalidPageData)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its ID.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrClosed
	}
	newPageID := pagemanager.PageID(dm.numPages)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("Error syncing file on close", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
