// Package rowstore keeps the rows an index points at. Rows live in slotted pages
// of the same buffer pool as the tree and are addressed by rowlink.Link.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sushant-115/gojoidx/core/indexing/pageio"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"go.uber.org/zap"
)

var (
	ErrRowNotFound  = errors.New("row not found")
	ErrRowTooLarge  = errors.New("row too large for a page")
	ErrCorruptRow   = errors.New("corrupt row record")
	ErrUnknownCodec = errors.New("unknown row compression")
	ErrNotRowPage   = errors.New("page is not a row page")
	ErrNoSealer     = errors.New("row is encrypted and no key is configured")
)

// PagePool is the subset of the buffer pool the store needs.
type PagePool interface {
	PageSize() int
	AllocatePage(pageType pageio.PageType) (*pagemanager.Page, error)
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
}

// Options configures a Store.
type Options struct {
	Compression Compression
	// CacheBytes bounds the decoded-row cache; 0 disables it.
	CacheBytes int64
	// Sealer, when set, encrypts every new record.
	Sealer Sealer
	Logger *zap.Logger
}

// Store appends rows to pages and reads them back by link. Slots are never reused,
// so a link stays valid, or reports ErrRowNotFound, forever.
type Store struct {
	pool   PagePool
	opts   Options
	cache  *ristretto.Cache[uint64, []byte]
	logger *zap.Logger

	// mu serializes appends to the tail page.
	mu   sync.Mutex
	tail pagemanager.PageID
}

// New creates a store over pool. Appends start on a fresh page.
func New(pool PagePool, opts Options) (*Store, error) {
	if ps := pool.PageSize(); ps > 1<<16 {
		return nil, fmt.Errorf("rowstore: page size %d exceeds 64KiB", ps)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if _, _, err := compress(opts.Compression, nil); err != nil {
		return nil, err
	}
	s := &Store{pool: pool, opts: opts, logger: opts.Logger.Named("rowstore")}
	if opts.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: max(opts.CacheBytes/64, 1000),
			MaxCost:     opts.CacheBytes,
			BufferItems: 64,
			Metrics:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("rowstore: creating cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Insert stores row and returns its link.
func (s *Store) Insert(ctx context.Context, row []byte) (rowlink.Link, error) {
	if err := ctx.Err(); err != nil {
		return rowlink.Zero, err
	}
	rec, err := encodeRecord(s.opts.Compression, s.opts.Sealer, row)
	if err != nil {
		return rowlink.Zero, err
	}
	if limit := maxRecordSize(s.pool.PageSize()); len(rec) > limit {
		return rowlink.Zero, fmt.Errorf("%w: %d bytes encoded, limit %d", ErrRowTooLarge, len(rec), limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.tailPage(len(rec))
	if err != nil {
		return rowlink.Zero, err
	}
	page.Lock()
	i := appendRecord(page.Data(), rec)
	page.Unlock()
	id := page.ID()
	if err := s.pool.UnpinPage(id, true); err != nil {
		return rowlink.Zero, err
	}
	return rowlink.New(id, uint16(i)), nil
}

// tailPage returns the pinned page the next record of size n goes to.
func (s *Store) tailPage(n int) (*pagemanager.Page, error) {
	if s.tail != pagemanager.InvalidPageID {
		page, err := s.pool.FetchPage(s.tail)
		if err != nil {
			return nil, err
		}
		page.RLock()
		buf := page.Data()
		fits := freeSpace(buf) >= n && slotCount(buf) <= rowlink.MaxSlot
		page.RUnlock()
		if fits {
			return page, nil
		}
		if err := s.pool.UnpinPage(s.tail, false); err != nil {
			return nil, err
		}
	}
	page, err := s.pool.AllocatePage(pageio.PageTypeRowData)
	if err != nil {
		return nil, err
	}
	page.Lock()
	initPage(page.Data())
	page.Unlock()
	s.tail = page.ID()
	s.logger.Debug("Row page allocated", zap.Uint64("page_id", uint64(s.tail)))
	return page, nil
}

// Get returns a copy of the row at link.
func (s *Store) Get(ctx context.Context, link rowlink.Link) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if row, ok := s.cache.Get(uint64(link)); ok {
			return append([]byte(nil), row...), nil
		}
	}
	rec, err := s.readRecord(link)
	if err != nil {
		return nil, err
	}
	row, err := decodeRecord(rec, s.opts.Sealer)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", link, err)
	}
	if s.cache != nil {
		s.cache.Set(uint64(link), append([]byte(nil), row...), int64(len(row))+1)
	}
	return row, nil
}

func (s *Store) readRecord(link rowlink.Link) ([]byte, error) {
	if link.IsZero() {
		return nil, fmt.Errorf("%w: zero link", ErrRowNotFound)
	}
	page, err := s.pool.FetchPage(link.PageID())
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", link, err)
	}
	defer s.pool.UnpinPage(page.ID(), false)
	page.RLock()
	defer page.RUnlock()

	buf := page.Data()
	off, length, err := locate(buf, link)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[off:off+length]...), nil
}

// locate checks that link names a live slot of a row page.
func locate(buf []byte, link rowlink.Link) (int, int, error) {
	if pageio.TypeOf(buf) != pageio.PageTypeRowData || pageio.VersionOf(buf) != pageVersion {
		return 0, 0, fmt.Errorf("%w: page %d is %s v%d", ErrNotRowPage, link.PageID(), pageio.TypeOf(buf), pageio.VersionOf(buf))
	}
	i := int(link.Slot())
	if i >= slotCount(buf) {
		return 0, 0, fmt.Errorf("%w: %s", ErrRowNotFound, link)
	}
	off, length := slot(buf, i)
	if off == 0 {
		return 0, 0, fmt.Errorf("%w: %s deleted", ErrRowNotFound, link)
	}
	if off < pageHeaderSize || off+length > pageio.UsableSize(buf) {
		return 0, 0, fmt.Errorf("%w: slot %s points outside the page", ErrCorruptRow, link)
	}
	return off, length, nil
}

// Delete tombstones the row at link. Its space is not reclaimed.
func (s *Store) Delete(ctx context.Context, link rowlink.Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if link.IsZero() {
		return fmt.Errorf("%w: zero link", ErrRowNotFound)
	}
	page, err := s.pool.FetchPage(link.PageID())
	if err != nil {
		return fmt.Errorf("row %s: %w", link, err)
	}
	page.Lock()
	buf := page.Data()
	_, _, err = locate(buf, link)
	if err == nil {
		setSlot(buf, int(link.Slot()), 0, 0)
	}
	page.Unlock()
	if uerr := s.pool.UnpinPage(page.ID(), err == nil); uerr != nil && err == nil {
		err = uerr
	}
	if s.cache != nil {
		s.cache.Del(uint64(link))
	}
	return err
}

// CacheRatio is the hit ratio of the row cache, 0 when it is disabled.
func (s *Store) CacheRatio() float64 {
	if s.cache == nil {
		return 0
	}
	return s.cache.Metrics.Ratio()
}

// Close releases the row cache. Pages belong to the pool.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// KeyResolver resolves row links to index keys by reading the row and
// extracting the key from it.
type KeyResolver struct {
	store   *Store
	extract func(row []byte) ([]byte, error)
}

// KeyResolver returns a resolver for trees whose leaves keep only row links.
func (s *Store) KeyResolver(extract func(row []byte) ([]byte, error)) *KeyResolver {
	return &KeyResolver{store: s, extract: extract}
}

func (r *KeyResolver) ResolveKey(ctx context.Context, link rowlink.Link) ([]byte, error) {
	row, err := r.store.Get(ctx, link)
	if err != nil {
		return nil, err
	}
	return r.extract(row)
}
