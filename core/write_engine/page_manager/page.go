package pagemanager

import (
	"container/list"
	"sync"
)

const (
	// HeaderPageID is the file header page. It is never handed out as a data
	// page, so it doubles as the "no page" marker in links and fences.
	HeaderPageID  PageID = 0
	InvalidPageID PageID = 0
)

// PageID identifies a fixed-size page in an index file.
type PageID uint64

// Page is a buffer pool frame holding one on-disk page.
//
// The pool owns the bookkeeping fields (id, pins, dirty flag, LRU slot) and
// only touches them under its own mutex. Tree and row code read and write
// the bytes returned by Data while holding the page latch.
type Page struct {
	id    PageID
	data  []byte
	pins  uint32
	dirty bool
	lru   *list.Element

	latch sync.RWMutex
}

// NewPage returns an empty frame of the given size.
func NewPage(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// Assign makes the frame host id with a single pin.
func (p *Page) Assign(id PageID, dirty bool, lru *list.Element) {
	p.id = id
	p.pins = 1
	p.dirty = dirty
	p.lru = lru
}

// Reset detaches the frame from its page and zeroes the bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pins = 0
	p.dirty = false
	p.lru = nil
	clear(p.data)
}

func (p *Page) ID() PageID          { return p.id }
func (p *Page) Data() []byte        { return p.data }
func (p *Page) LRU() *list.Element  { return p.lru }
func (p *Page) Dirty() bool         { return p.dirty }
func (p *Page) SetDirty(dirty bool) { p.dirty = dirty }
func (p *Page) PinCount() uint32    { return p.pins }
func (p *Page) Pin()                { p.pins++ }

// Unpin drops one pin and reports whether the page is now unpinned.
func (p *Page) Unpin() bool {
	if p.pins > 0 {
		p.pins--
	}
	return p.pins == 0
}

// RLock takes the shared latch.
func (p *Page) RLock()   { p.latch.RLock() }
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock takes the exclusive latch.
func (p *Page) Lock()   { p.latch.Lock() }
func (p *Page) Unlock() { p.latch.Unlock() }
