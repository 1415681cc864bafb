package memtable

import (
	"container/list" // For LRU
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	flushmanager "github.com/sushant-115/gojoidx/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// freeNextOffset is where a free page stores the id of the next free page.
const freeNextOffset = pageio.CommonHeaderSize

// BufferPoolManager manages in-memory pages (frames) on top of a Disk.
// It implements LRU eviction of unpinned frames, CRC32 page trailers, a free list
// chained through freed pages and the root page id kept in the file header.
type BufferPoolManager struct {
	disk       flushmanager.Disk
	logger     *zap.Logger
	poolSize   int
	pageSize   int
	pages      []*pagemanager.Page        // Page frames
	pageTable  map[pagemanager.PageID]int // PageID to frame index
	lruList    *list.List                 // Frame indices, most recently used at the front
	freeFrames []int
	header     flushmanager.DBFileHeader
	// Pages freed while another caller still held a pin; freed on the last unpin.
	pendingFree map[pagemanager.PageID]struct{}
	mu          sync.Mutex

	hits             atomic.Uint64
	misses           atomic.Uint64
	evictions        atomic.Uint64
	checksumFailures atomic.Uint64
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	PoolSize         int
	Resident         int
	Pinned           int
	Dirty            int
	Hits             uint64
	Misses           uint64
	Evictions        uint64
	ChecksumFailures uint64
	NumPages         uint64
	FreeListHead     pagemanager.PageID
}

// NewBufferPoolManager creates a pool of poolSize frames over disk.
func NewBufferPoolManager(poolSize int, disk flushmanager.Disk, logger *zap.Logger) (*BufferPoolManager, error) {
	if disk == nil {
		return nil, fmt.Errorf("NewBufferPoolManager: disk cannot be nil")
	}
	if poolSize < 1 {
		return nil, fmt.Errorf("NewBufferPoolManager: pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	header, err := disk.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("NewBufferPoolManager: reading header: %w", err)
	}
	bpm := &BufferPoolManager{
		disk:        disk,
		logger:      logger.Named("buffer_pool"),
		poolSize:    poolSize,
		pageSize:    disk.PageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		lruList:     list.New(),
		freeFrames:  make([]int, 0, poolSize),
		header:      header,
		pendingFree: make(map[pagemanager.PageID]struct{}),
	}
	for i := poolSize - 1; i >= 0; i-- {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeFrames = append(bpm.freeFrames, i)
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Uint64("root_page_id", uint64(header.RootPageID)))
	return bpm, nil
}

func (bpm *BufferPoolManager) PageSize() int { return bpm.pageSize }

// KeySize is the key size recorded in the file header.
func (bpm *BufferPoolManager) KeySize() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return int(bpm.header.KeySize)
}

// Header returns a copy of the file header as currently known to the pool.
func (bpm *BufferPoolManager) Header() flushmanager.DBFileHeader {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.header
}

func (bpm *BufferPoolManager) RootPageID() pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.header.RootPageID
}

// SetRootPageID records a new root and persists the header immediately.
func (bpm *BufferPoolManager) SetRootPageID(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	old := bpm.header.RootPageID
	bpm.header.RootPageID = pageID
	if err := bpm.disk.WriteHeader(bpm.header); err != nil {
		bpm.header.RootPageID = old
		return fmt.Errorf("persisting root page id %d: %w", pageID, err)
	}
	bpm.logger.Debug("Root page changed", zap.Uint64("old", uint64(old)), zap.Uint64("new", uint64(pageID)))
	return nil
}

// FetchPage pins a page, reading it from disk when it is not resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.fetchLocked(pageID)
}

func (bpm *BufferPoolManager) fetchLocked(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID == pagemanager.HeaderPageID {
		return nil, fmt.Errorf("%w: page 0 is the file header", flushmanager.ErrInvalidPageData)
	}
	if _, ok := bpm.pendingFree[pageID]; ok {
		return nil, fmt.Errorf("%w: page %d is being freed", flushmanager.ErrPageNotFound, pageID)
	}

	// 1. Check if page is already in the buffer pool
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		bpm.lruList.MoveToFront(page.LRU())
		bpm.hits.Add(1)
		return page, nil
	}
	bpm.misses.Add(1)
	if uint64(pageID) >= bpm.disk.NumPages() {
		return nil, fmt.Errorf("%w: page %d", flushmanager.ErrPageNotFound, pageID)
	}

	// 2. Page not in pool, find a victim frame to replace
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameIdx]

	// 3. Load new page data from disk
	if err := bpm.disk.ReadPage(pageID, page.Data()); err != nil {
		bpm.releaseFrame(frameIdx)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	if !verifyChecksum(page.Data()) {
		bpm.releaseFrame(frameIdx)
		bpm.checksumFailures.Add(1)
		bpm.logger.Warn("Page checksum mismatch", zap.Uint64("page_id", uint64(pageID)))
		return nil, fmt.Errorf("%w: page %d", flushmanager.ErrChecksumMismatch, pageID)
	}

	// 4. Track the page
	bpm.install(frameIdx, pageID, false)
	return page, nil
}

// AllocatePage hands out a zeroed, pinned, dirty page tagged with pageType.
// Freed pages are reused before the disk is extended.
func (bpm *BufferPoolManager) AllocatePage(pageType pageio.PageType) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if head := bpm.header.FreeListHead; head != pagemanager.InvalidPageID {
		page, err := bpm.fetchLocked(head)
		if err != nil {
			return nil, fmt.Errorf("reading free list head %d: %w", head, err)
		}
		data := page.Data()
		if pageio.TypeOf(data) != pageio.PageTypeFree {
			page.Unpin()
			return nil, fmt.Errorf("%w: free list head %d has type %s", flushmanager.ErrInvalidPageData, head, pageio.TypeOf(data))
		}
		bpm.header.FreeListHead = pagemanager.PageID(binary.LittleEndian.Uint64(data[freeNextOffset:]))
		clear(data)
		data[0] = byte(pageType)
		page.SetDirty(true)
		bpm.logger.Debug("Reused free page", zap.Uint64("page_id", uint64(head)), zap.Stringer("type", pageType))
		return page, nil
	}

	// 1. Find a frame first so a failed eviction does not orphan a disk page
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, err
	}
	// 2. Allocate a new page on disk
	newPageID, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.releaseFrame(frameIdx)
		return nil, fmt.Errorf("allocating page on disk: %w", err)
	}
	page := bpm.pages[frameIdx]
	page.Data()[0] = byte(pageType)
	bpm.install(frameIdx, newPageID, true)
	return page, nil
}

// UnpinPage drops one pin. A dirty unpin marks the page for write-back.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.PinCount() == 0 {
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	if isDirty {
		page.SetDirty(true)
	}
	if page.Unpin() {
		if _, pending := bpm.pendingFree[pageID]; pending {
			delete(bpm.pendingFree, pageID)
			bpm.pushFreeLocked(page)
		}
	}
	return nil
}

// FreePage returns a page to the free list. The caller must not hold a pin.
// If another caller still holds one, the page is freed on its last unpin.
func (bpm *BufferPoolManager) FreePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if pageID == pagemanager.HeaderPageID || uint64(pageID) >= bpm.disk.NumPages() {
		return fmt.Errorf("%w: cannot free page %d", flushmanager.ErrPageNotFound, pageID)
	}
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		if page.PinCount() > 0 {
			bpm.pendingFree[pageID] = struct{}{}
			return nil
		}
		bpm.pushFreeLocked(page)
		return nil
	}
	// Not resident: take a frame and overwrite the page without reading it.
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return err
	}
	bpm.install(frameIdx, pageID, true)
	page := bpm.pages[frameIdx]
	page.Unpin()
	bpm.pushFreeLocked(page)
	return nil
}

func (bpm *BufferPoolManager) pushFreeLocked(page *pagemanager.Page) {
	data := page.Data()
	clear(data)
	pageio.WriteCommonHeader(data, pageio.PageTypeFree, 0)
	binary.LittleEndian.PutUint64(data[freeNextOffset:], uint64(bpm.header.FreeListHead))
	page.SetDirty(true)
	bpm.header.FreeListHead = page.ID()
	bpm.logger.Debug("Freed page", zap.Uint64("page_id", uint64(page.ID())))
}

// install registers frameIdx as holding pageID with one pin.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) install(frameIdx int, pageID pagemanager.PageID, dirty bool) {
	bpm.pageTable[pageID] = frameIdx
	bpm.pages[frameIdx].Assign(pageID, dirty, bpm.lruList.PushFront(frameIdx))
}

// releaseFrame returns an unused victim frame to the free frames.
func (bpm *BufferPoolManager) releaseFrame(frameIdx int) {
	bpm.pages[frameIdx].Reset()
	bpm.freeFrames = append(bpm.freeFrames, frameIdx)
}

// getVictimFrameInternal returns an empty frame, evicting the least recently used
// unpinned page if needed. A dirty victim is written back first.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	if n := len(bpm.freeFrames); n > 0 {
		frameIdx := bpm.freeFrames[n-1]
		bpm.freeFrames = bpm.freeFrames[:n-1]
		return frameIdx, nil
	}
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		victim := bpm.pages[frameIdx]
		if victim.PinCount() != 0 {
			continue
		}
		if victim.Dirty() {
			// Unpinned pages carry no latch holders, so the frame can be stamped in place.
			stampChecksum(victim.Data())
			if err := bpm.disk.WritePage(victim.ID(), victim.Data()); err != nil {
				return -1, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.ID(), err)
			}
		}
		delete(bpm.pageTable, victim.ID())
		bpm.lruList.Remove(e)
		bpm.evictions.Add(1)
		victim.Reset()
		return frameIdx, nil
	}
	bpm.logger.Warn("Buffer pool is full, all pages are pinned", zap.Int("pool_size", bpm.poolSize))
	return -1, flushmanager.ErrBufferPoolFull
}

type flushTarget struct {
	page *pagemanager.Page
	id   pagemanager.PageID
}

// pinDirtyLocked pins the dirty resident pages (all of them when pageID is invalid)
// and clears their dirty flags. A later modification sets the flag again.
func (bpm *BufferPoolManager) pinDirtyLocked(pageID pagemanager.PageID) []flushTarget {
	var targets []flushTarget
	collect := func(page *pagemanager.Page) {
		if !page.Dirty() {
			return
		}
		page.Pin()
		page.SetDirty(false)
		targets = append(targets, flushTarget{page: page, id: page.ID()})
	}
	if pageID != pagemanager.InvalidPageID {
		if frameIdx, ok := bpm.pageTable[pageID]; ok {
			collect(bpm.pages[frameIdx])
		}
		return targets
	}
	for _, frameIdx := range bpm.pageTable {
		collect(bpm.pages[frameIdx])
	}
	return targets
}

// writeTargets copies each page under its shared latch and writes the copy.
// It runs without bpm.mu so latch holders can keep fetching pages.
func (bpm *BufferPoolManager) writeTargets(targets []flushTarget) error {
	var errs error
	scratch := make([]byte, bpm.pageSize)
	for _, t := range targets {
		t.page.RLock()
		copy(scratch, t.page.Data())
		t.page.RUnlock()
		stampChecksum(scratch)
		err := bpm.disk.WritePage(t.id, scratch)

		bpm.mu.Lock()
		if err != nil {
			t.page.SetDirty(true)
			errs = multierr.Append(errs, fmt.Errorf("flushing page %d: %w", t.id, err))
		}
		if t.page.Unpin() {
			if _, pending := bpm.pendingFree[t.id]; pending {
				delete(bpm.pendingFree, t.id)
				bpm.pushFreeLocked(t.page)
			}
		}
		bpm.mu.Unlock()
	}
	return errs
}

// FlushPage writes one page back if it is dirty.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	if _, ok := bpm.pageTable[pageID]; !ok {
		bpm.mu.Unlock()
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	targets := bpm.pinDirtyLocked(pageID)
	bpm.mu.Unlock()
	return bpm.writeTargets(targets)
}

// FlushAllPages writes every dirty page and the header, then syncs the disk.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	targets := bpm.pinDirtyLocked(pagemanager.InvalidPageID)
	bpm.mu.Unlock()

	errs := bpm.writeTargets(targets)

	bpm.mu.Lock()
	header := bpm.header
	bpm.mu.Unlock()
	errs = multierr.Append(errs, bpm.disk.WriteHeader(header))
	errs = multierr.Append(errs, bpm.disk.Sync())
	if errs != nil {
		bpm.logger.Error("FlushAllPages finished with errors", zap.Error(errs))
	} else {
		bpm.logger.Debug("Flushed dirty pages", zap.Int("count", len(targets)))
	}
	return errs
}

// Stats reports pool counters.
func (bpm *BufferPoolManager) Stats() PoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := PoolStats{
		PoolSize:         bpm.poolSize,
		Resident:         len(bpm.pageTable),
		Hits:             bpm.hits.Load(),
		Misses:           bpm.misses.Load(),
		Evictions:        bpm.evictions.Load(),
		ChecksumFailures: bpm.checksumFailures.Load(),
		NumPages:         bpm.disk.NumPages(),
		FreeListHead:     bpm.header.FreeListHead,
	}
	for _, frameIdx := range bpm.pageTable {
		page := bpm.pages[frameIdx]
		if page.PinCount() > 0 {
			s.Pinned++
		}
		if page.Dirty() {
			s.Dirty++
		}
	}
	return s
}

// Close flushes everything and closes the disk.
func (bpm *BufferPoolManager) Close() error {
	err := bpm.FlushAllPages()
	return multierr.Append(err, bpm.disk.Close())
}

func stampChecksum(data []byte) {
	n := len(data) - pageio.ChecksumSize
	binary.LittleEndian.PutUint32(data[n:], crc32.ChecksumIEEE(data[:n]))
}

// verifyChecksum accepts an all-zero page, which is what a freshly extended disk holds.
func verifyChecksum(data []byte) bool {
	n := len(data) - pageio.ChecksumSize
	stored := binary.LittleEndian.Uint32(data[n:])
	if stored == 0 && isZero(data[:n]) {
		return true
	}
	return stored == crc32.ChecksumIEEE(data[:n])
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
