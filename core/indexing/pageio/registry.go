package pageio

import (
	"fmt"
	"slices"
	"sync"
)

// IO is the versioned codec of one page type.
type IO interface {
	Type() PageType
	Version() uint32
	// HeaderSize is the offset of the first record.
	HeaderSize() int
	// ItemSize is the width of one record for the given key size.
	ItemSize(keySize int) int
	// Capacity is the number of records a page of pageSize bytes can hold.
	Capacity(pageSize, keySize int) int
	// Init formats buf as an empty page of this codec.
	Init(buf []byte, keySize int)
	// KeySize returns the key size recorded in the page, or 0 when the format stores no keys.
	KeySize(buf []byte) int
	HasInlineKeys() bool
	// Sequenced formats carry a per-item sequence that orders equal keys.
	Sequenced() bool
	Count(buf []byte) int
	SetCount(buf []byte, n int)
}

type formatKey struct {
	t PageType
	v uint32
}

// Registry maps (type, version) to codecs.
type Registry struct {
	mu  sync.RWMutex
	ios map[formatKey]IO
}

// Default holds every codec shipped with the package.
var Default = NewRegistry()

func init() {
	Default.Register(LeafV1)
	Default.Register(LeafV2)
	Default.Register(LeafV3)
	Default.Register(InnerV1)
	Default.Register(InnerV2)
}

func NewRegistry(ios ...IO) *Registry {
	r := &Registry{ios: make(map[formatKey]IO)}
	for _, io := range ios {
		r.Register(io)
	}
	return r
}

// Register adds a codec. Registering the same (type, version) twice panics.
func (r *Registry) Register(io IO) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := formatKey{io.Type(), io.Version()}
	if _, ok := r.ios[k]; ok {
		panic(fmt.Sprintf("pageio: codec %s v%d registered twice", io.Type(), io.Version()))
	}
	r.ios[k] = io
}

func (r *Registry) Resolve(t PageType, version uint32) (IO, error) {
	r.mu.RLock()
	io, ok := r.ios[formatKey{t, version}]
	r.mu.RUnlock()
	if !ok {
		return nil, &FormatError{Type: t, Version: version, Err: ErrUnknownFormat}
	}
	return io, nil
}

// ResolvePage picks the codec named by the page header and sanity checks the header against it.
func (r *Registry) ResolvePage(buf []byte) (IO, error) {
	t, v := TypeOf(buf), VersionOf(buf)
	io, err := r.Resolve(t, v)
	if err != nil {
		return nil, err
	}
	keySize := io.KeySize(buf)
	if io.HasInlineKeys() && (keySize == 0 || keySize > MaxKeySize) {
		return nil, &FormatError{Type: t, Version: v, Err: ErrCorruptHeader,
			Detail: fmt.Sprintf("key size %d", keySize)}
	}
	if count, capacity := io.Count(buf), io.Capacity(len(buf), keySize); count > capacity {
		return nil, &FormatError{Type: t, Version: v, Err: ErrCorruptHeader,
			Detail: fmt.Sprintf("count %d exceeds capacity %d", count, capacity)}
	}
	return io, nil
}

// Leaf resolves a leaf codec by version.
func (r *Registry) Leaf(version uint32) (LeafIO, error) {
	io, err := r.Resolve(PageTypeLeaf, version)
	if err != nil {
		return nil, err
	}
	leaf, ok := io.(LeafIO)
	if !ok {
		return nil, &FormatError{Type: PageTypeLeaf, Version: version, Err: ErrUnknownFormat, Detail: "not a leaf codec"}
	}
	return leaf, nil
}

// Inner resolves an inner codec by version.
func (r *Registry) Inner(version uint32) (InnerIO, error) {
	io, err := r.Resolve(PageTypeInner, version)
	if err != nil {
		return nil, err
	}
	inner, ok := io.(InnerIO)
	if !ok {
		return nil, &FormatError{Type: PageTypeInner, Version: version, Err: ErrUnknownFormat, Detail: "not an inner codec"}
	}
	return inner, nil
}

// Versions lists the registered versions of a page type in ascending order.
func (r *Registry) Versions(t PageType) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint32
	for k := range r.ios {
		if k.t == t {
			out = append(out, k.v)
		}
	}
	slices.Sort(out)
	return out
}

// MinCapacity is the smallest capacity among the registered versions of t
// with the given sequencing, the bound every such page can be rewritten into.
func (r *Registry) MinCapacity(t PageType, sequenced bool, pageSize, keySize int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	minCap := -1
	for k, io := range r.ios {
		if k.t != t || io.Sequenced() != sequenced {
			continue
		}
		if c := io.Capacity(pageSize, keySize); minCap < 0 || c < minCap {
			minCap = c
		}
	}
	return minCap
}

// base holds what every codec shares.
type base struct {
	typ       PageType
	version   uint32
	header    int
	sequenced bool
}

func (b base) Type() PageType             { return b.typ }
func (b base) Version() uint32            { return b.version }
func (b base) HeaderSize() int            { return b.header }
func (b base) Sequenced() bool            { return b.sequenced }
func (b base) Count(buf []byte) int       { return CountOf(buf) }
func (b base) SetCount(buf []byte, n int) { SetCountOf(buf, n) }

func (b base) init(buf []byte) {
	clear(buf[:UsableSize(buf)])
	WriteCommonHeader(buf, b.typ, b.version)
}
