package flushmanager

import "errors"

// Sentinel errors for the page file and the buffer pool above it. Callers
// wrap them with page ids and offsets and match with errors.Is.
var (
	ErrPageNotFound     = errors.New("page not found")
	ErrBufferPoolFull   = errors.New("buffer pool is full and no pages can be evicted")
	ErrIO               = errors.New("i/o error")
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")

	ErrDBFileExists     = errors.New("index file already exists")
	ErrDBFileNotFound   = errors.New("index file not found")
	ErrBadMagic         = errors.New("invalid index file magic number")
	ErrPageSizeMismatch = errors.New("index file page size does not match configuration")
	ErrClosed           = errors.New("file is closed")
)
