// Package linkmemory implements the shared memory of a NodeLink: a primary
// buffer created with the link, block buffers added on demand by either side,
// and the resolution of fragment descriptors against them.
package linkmemory

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/routing"
)

// NumInitialPortals is the maximum number of portals a connection may open
// initially. Each gets a RouterLinkState reserved in the primary buffer.
const NumInitialPortals = 64

// Primary buffer layout.
const (
	nextSublinkIDOffset = 0
	nextBufferIDOffset  = 8
	headerSize          = 64

	initialLinkStatesOffset = headerSize
	initialLinkStatesSize   = NumInitialPortals * RouterLinkStateSize

	primaryAllocatorsOffset = initialLinkStatesOffset + initialLinkStatesSize
)

var primaryAllocators = []struct {
	blockSize int
	numBlocks int
}{
	{64, 512},
	{256, 128},
	{2048, 64},
}

// PrimaryBufferSize is the size of the buffer every NodeLink is created
// with.
var PrimaryBufferSize = func() int {
	size := primaryAllocatorsOffset
	for _, a := range primaryAllocators {
		size += a.blockSize * a.numBlocks
	}
	return size
}()

const (
	// minBlockBufferSize bounds the size of the buffers added when an
	// allocator of some block size runs out of blocks.
	minBlockBufferSize = 64 * 1024
	minBlocksPerBuffer = 16
)

// Provider lets a NodeLinkMemory grow by allocating new buffers and sharing
// them with the other side of its link.
type Provider interface {
	AllocateSharedMemory(size int, callback func(driver.Memory))
	ShareBlockBuffer(id routing.BufferID, blockSize uint32, memory driver.Memory)
}

// InitializePrimaryBuffer prepares a freshly allocated primary buffer. It is
// called once by the node which allocated the buffer, before sharing it.
func InitializePrimaryBuffer(b []byte) bool {
	if len(b) < PrimaryBufferSize {
		return false
	}
	atomic.StoreUint64(word(b, nextSublinkIDOffset), NumInitialPortals)
	atomic.StoreUint64(word(b, nextBufferIDOffset), uint64(routing.PrimaryBufferID)+1)
	offset := primaryAllocatorsOffset
	for _, a := range primaryAllocators {
		size := a.blockSize * a.numBlocks
		NewBlockAllocator(b[offset:offset+size], a.blockSize).InitializeRegion()
		offset += size
	}
	return true
}

type blockAllocator struct {
	bufferID routing.BufferID
	offset   int
	BlockAllocator
}

type buffer struct {
	mapping    driver.Mapping
	data       []byte
	allocators []*blockAllocator
}

// NodeLinkMemory is the shared memory of one NodeLink.
type NodeLinkMemory struct {
	log     *logging.Logger
	primary []byte

	mu         sync.RWMutex
	provider   Provider
	buffers    map[routing.BufferID]*buffer
	allocators map[int][]*blockAllocator
	sizes      []int
	waiters    map[routing.BufferID][]func()
	expanding  map[int][]func(bool)
	refs       int64
	closing    bool
	closed     bool
}

// New constructs a NodeLinkMemory over a mapped primary buffer which was
// initialized with InitializePrimaryBuffer.
func New(primary driver.Mapping, log *logging.Logger) (*NodeLinkMemory, error) {
	b := primary.Bytes()
	if len(b) < PrimaryBufferSize {
		return nil, ErrBufferTooSmall
	}
	if log == nil {
		log = logging.MustGetLogger("link_memory")
	}
	m := &NodeLinkMemory{
		log:        log,
		primary:    b,
		buffers:    make(map[routing.BufferID]*buffer),
		allocators: make(map[int][]*blockAllocator),
		waiters:    make(map[routing.BufferID][]func()),
		expanding:  make(map[int][]func(bool)),
	}
	buf := &buffer{mapping: primary, data: b}
	offset := primaryAllocatorsOffset
	for _, a := range primaryAllocators {
		size := a.blockSize * a.numBlocks
		buf.allocators = append(buf.allocators, &blockAllocator{
			bufferID:       routing.PrimaryBufferID,
			offset:         offset,
			BlockAllocator: NewBlockAllocator(b[offset:offset+size], a.blockSize),
		})
		offset += size
	}
	m.registerLocked(routing.PrimaryBufferID, buf)
	return m, nil
}

// SetProvider sets the Provider used to grow the memory.
func (m *NodeLinkMemory) SetProvider(p Provider) {
	m.mu.Lock()
	m.provider = p
	m.mu.Unlock()
}

// AllocateSublinkIDs reserves count consecutive sublink ids and returns the
// first. Ids are unique across both sides of the link.
func (m *NodeLinkMemory) AllocateSublinkIDs(count uint64) routing.SublinkID {
	return routing.SublinkID(atomic.AddUint64(word(m.primary, nextSublinkIDOffset), count) - count)
}

// AllocateNewBufferID reserves a buffer id unique across both sides of the
// link.
func (m *NodeLinkMemory) AllocateNewBufferID() routing.BufferID {
	return routing.BufferID(atomic.AddUint64(word(m.primary, nextBufferIDOffset), 1) - 1)
}

// InitialRouterLinkState returns the state reserved for the i-th initial
// portal.
func (m *NodeLinkMemory) InitialRouterLinkState(i int) (*RouterLinkState, bool) {
	if i < 0 || i >= NumInitialPortals {
		return nil, false
	}
	return NewRouterLinkState(m.GetFragment(routing.FragmentDescriptor{
		BufferID: routing.PrimaryBufferID,
		Offset:   uint32(initialLinkStatesOffset + i*RouterLinkStateSize),
		Size:     RouterLinkStateSize,
	}))
}

// AllocateRouterLinkState allocates and initializes a new RouterLinkState,
// requesting more capacity if none is left.
func (m *NodeLinkMemory) AllocateRouterLinkState() (Fragment, bool) {
	f, ok := m.Allocate(RouterLinkStateSize)
	if !ok {
		return Fragment{}, false
	}
	state, _ := NewRouterLinkState(f)
	state.Initialize()
	return f, true
}

// AllocateRouterLinkStateAsync is AllocateRouterLinkState which waits for
// more capacity when none is left. callback is invoked with a null fragment
// if capacity cannot be added.
func (m *NodeLinkMemory) AllocateRouterLinkStateAsync(callback func(Fragment)) {
	if f, ok := m.AllocateRouterLinkState(); ok {
		callback(f)
		return
	}
	m.OnCapacity(RouterLinkStateSize, func(added bool) {
		if !added {
			callback(NullFragment())
			return
		}
		m.AllocateRouterLinkStateAsync(callback)
	})
}

// Allocate allocates a fragment of at least size bytes from the smallest
// block size that fits. On failure it asks for more capacity and returns
// false; later allocations succeed once the capacity arrives.
func (m *NodeLinkMemory) Allocate(size int) (Fragment, bool) {
	if size <= 0 {
		return Fragment{}, false
	}
	m.mu.RLock()
	if m.closing {
		m.mu.RUnlock()
		return Fragment{}, false
	}
	for _, blockSize := range m.sizes {
		if blockSize < size {
			continue
		}
		for _, a := range m.allocators[blockSize] {
			off, ok := a.Alloc()
			if !ok {
				continue
			}
			data := m.buffers[a.bufferID].data
			start := a.offset + off
			m.mu.RUnlock()
			return Fragment{
				desc: routing.FragmentDescriptor{
					BufferID: a.bufferID,
					Offset:   uint32(start),
					Size:     uint32(size),
				},
				data: data[start : start+size],
			}, true
		}
	}
	m.mu.RUnlock()
	m.expand(blockSizeFor(size), nil)
	return Fragment{}, false
}

// Free returns an allocated fragment to its allocator.
func (m *NodeLinkMemory) Free(f Fragment) bool {
	if !f.IsAddressable() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.buffers[f.desc.BufferID]
	if !ok {
		return false
	}
	for _, a := range buf.allocators {
		off := int(f.desc.Offset) - a.offset
		if a.Contains(off) {
			return a.Free(off - off%a.BlockSize())
		}
	}
	return false
}

// GetFragment resolves a descriptor. It never blocks: a descriptor naming a
// buffer which is not mapped yet resolves to a pending fragment, and one
// which is out of bounds resolves to a null fragment.
func (m *NodeLinkMemory) GetFragment(d routing.FragmentDescriptor) Fragment {
	if d.IsNull() {
		return NullFragment()
	}
	m.mu.RLock()
	buf, ok := m.buffers[d.BufferID]
	m.mu.RUnlock()
	if !ok {
		return Fragment{desc: d}
	}
	if d.Size == 0 || d.End() > uint64(len(buf.data)) {
		return NullFragment()
	}
	return Fragment{desc: d, data: buf.data[d.Offset:d.End()]}
}

// AddBlockBuffer registers a buffer used for blocks of blockSize bytes. It
// returns false if the id is taken or the buffer is unusable.
func (m *NodeLinkMemory) AddBlockBuffer(id routing.BufferID, blockSize int, mapping driver.Mapping) bool {
	b := mapping.Bytes()
	if id == routing.InvalidBufferID || blockSize < 8 || blockSize%8 != 0 || len(b) < 2*blockSize {
		return false
	}
	m.mu.Lock()
	if _, ok := m.buffers[id]; ok || m.closing {
		m.mu.Unlock()
		return false
	}
	m.registerLocked(id, &buffer{
		mapping: mapping,
		data:    b,
		allocators: []*blockAllocator{{
			bufferID:       id,
			BlockAllocator: NewBlockAllocator(b, blockSize),
		}},
	})
	waiters := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	m.log.Debugf("Added block buffer %d with block size %d", id, blockSize)
	for _, w := range waiters {
		w()
	}
	return true
}

// WaitForBufferAsync invokes callback once the buffer id is registered, or
// immediately if it already is. Waiters for the same buffer share a single
// registration.
func (m *NodeLinkMemory) WaitForBufferAsync(id routing.BufferID, callback func()) {
	m.mu.Lock()
	if _, ok := m.buffers[id]; ok {
		m.mu.Unlock()
		callback()
		return
	}
	m.waiters[id] = append(m.waiters[id], callback)
	m.mu.Unlock()
}

// OnCapacity invokes callback once an attempt to add capacity for blocks of
// at least size bytes completes, requesting the capacity if needed.
func (m *NodeLinkMemory) OnCapacity(size int, callback func(added bool)) {
	m.expand(blockSizeFor(size), callback)
}

func (m *NodeLinkMemory) expand(blockSize int, callback func(bool)) {
	m.mu.Lock()
	if m.closing || m.provider == nil {
		m.mu.Unlock()
		if callback != nil {
			callback(false)
		}
		return
	}
	callbacks, inProgress := m.expanding[blockSize]
	if callback != nil {
		callbacks = append(callbacks, callback)
	}
	m.expanding[blockSize] = callbacks
	provider := m.provider
	m.mu.Unlock()
	if inProgress {
		return
	}

	size := blockSize * minBlocksPerBuffer
	if size < minBlockBufferSize {
		size = minBlockBufferSize
	}
	m.log.Debugf("Requesting %d bytes for blocks of %d", size, blockSize)
	provider.AllocateSharedMemory(size, func(mem driver.Memory) {
		added := m.addCapacity(provider, blockSize, mem)
		m.mu.Lock()
		callbacks := m.expanding[blockSize]
		delete(m.expanding, blockSize)
		m.mu.Unlock()
		for _, cb := range callbacks {
			cb(added)
		}
	})
}

func (m *NodeLinkMemory) addCapacity(provider Provider, blockSize int, mem driver.Memory) bool {
	if mem == nil || !mem.IsValid() {
		m.log.Warnf("Failed to obtain memory for blocks of %d", blockSize)
		return false
	}
	mapping, err := mem.Map()
	if err != nil {
		m.log.WithError(err).Warn("Failed to map block buffer")
		_ = mem.Close() // nolint
		return false
	}
	NewBlockAllocator(mapping.Bytes(), blockSize).InitializeRegion()
	id := m.AllocateNewBufferID()
	if !m.AddBlockBuffer(id, blockSize, mapping) {
		_ = mapping.Close() // nolint
		_ = mem.Close()     // nolint
		return false
	}
	provider.ShareBlockBuffer(id, uint32(blockSize), mem)
	return true
}

// AcquireRef records a live reference to a fragment, keeping buffers mapped
// past Close until it is released.
func (m *NodeLinkMemory) AcquireRef() {
	atomic.AddInt64(&m.refs, 1)
}

// ReleaseRef releases a reference recorded with AcquireRef.
func (m *NodeLinkMemory) ReleaseRef() {
	if atomic.AddInt64(&m.refs, -1) == 0 {
		m.mu.RLock()
		closing := m.closing
		m.mu.RUnlock()
		if closing {
			m.unmap()
		}
	}
}

// Close stops all allocation. Buffers are unmapped once no fragment
// references remain.
func (m *NodeLinkMemory) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.waiters = make(map[routing.BufferID][]func())
	m.mu.Unlock()
	if atomic.LoadInt64(&m.refs) == 0 {
		m.unmap()
	}
}

// NumBuffers returns the number of registered buffers.
func (m *NodeLinkMemory) NumBuffers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers)
}

func (m *NodeLinkMemory) unmap() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	buffers := m.buffers
	m.mu.Unlock()
	for _, buf := range buffers {
		if err := buf.mapping.Close(); err != nil {
			m.log.WithError(err).Debug("Failed to unmap buffer")
		}
	}
}

func (m *NodeLinkMemory) registerLocked(id routing.BufferID, buf *buffer) {
	m.buffers[id] = buf
	for _, a := range buf.allocators {
		size := a.BlockSize()
		if _, ok := m.allocators[size]; !ok {
			m.sizes = append(m.sizes, size)
			sort.Ints(m.sizes)
		}
		m.allocators[size] = append(m.allocators[size], a)
	}
}

func blockSizeFor(size int) int {
	blockSize := 64
	for blockSize < size {
		blockSize *= 2
	}
	return blockSize
}

func word(b []byte, offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[offset]))
}
