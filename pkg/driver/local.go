package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Local is an in-process Driver. Memory it allocates is shared by every
// handle and mapping derived from it, so two nodes in one process observe
// each other's writes the way two processes sharing a mapped region would.
type Local struct {
	allocated int64
}

// NewLocal constructs a Local driver.
func NewLocal() *Local {
	return &Local{}
}

// AllocateMemory implements Driver.
func (d *Local) AllocateMemory(size int) (Memory, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	atomic.AddInt64(&d.allocated, int64(size))
	r := &region{
		words: make([]uint64, (size+7)/8),
		size:  size,
	}
	r.refs = 1
	return &localMemory{region: r}, nil
}

// Allocated returns the total number of bytes allocated so far.
func (d *Local) Allocated() int64 {
	return atomic.LoadInt64(&d.allocated)
}

type region struct {
	mu    sync.Mutex
	words []uint64
	size  int
	refs  int
}

func (r *region) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), r.size)
}

func (r *region) acquire() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

func (r *region) release() {
	r.mu.Lock()
	r.refs--
	if r.refs == 0 {
		r.words = nil
	}
	r.mu.Unlock()
}

type localMemory struct {
	region *region
	closed int32
}

func (m *localMemory) IsValid() bool {
	return atomic.LoadInt32(&m.closed) == 0
}

func (m *localMemory) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return ErrInvalidObject
	}
	m.region.release()
	return nil
}

func (m *localMemory) Size() int {
	return m.region.size
}

func (m *localMemory) Map() (Mapping, error) {
	if !m.IsValid() {
		return nil, ErrInvalidObject
	}
	m.region.acquire()
	return &localMapping{region: m.region, data: m.region.bytes()}, nil
}

func (m *localMemory) Clone() (Memory, error) {
	if !m.IsValid() {
		return nil, ErrInvalidObject
	}
	m.region.acquire()
	return &localMemory{region: m.region}, nil
}

func (m *localMemory) String() string {
	return fmt.Sprintf("memory(%d)", m.region.size)
}

type localMapping struct {
	region *region
	data   []byte
	closed int32
}

func (m *localMapping) Bytes() []byte {
	return m.data
}

func (m *localMapping) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return ErrInvalidObject
	}
	m.region.release()
	return nil
}

// Handle is an opaque transferable Object with a label, standing in for a
// platform handle.
type Handle struct {
	label  string
	closed int32
}

// NewHandle creates a Handle.
func NewHandle(label string) *Handle {
	return &Handle{label: label}
}

// Label returns the label the handle was created with.
func (h *Handle) Label() string {
	return h.label
}

// IsValid implements Object.
func (h *Handle) IsValid() bool {
	return atomic.LoadInt32(&h.closed) == 0
}

// Close implements Object.
func (h *Handle) Close() error {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		return ErrInvalidObject
	}
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle(%s)", h.label)
}
