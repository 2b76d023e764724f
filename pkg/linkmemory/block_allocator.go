package linkmemory

import (
	"sync/atomic"
	"unsafe"
)

// BlockAllocator manages fixed-size blocks within a region of shared memory.
// All of its state lives in the region itself, so every node mapping the
// region can allocate and free blocks concurrently.
//
// Block 0 holds the free list head: the low 32 bits are the index of the
// first free block (0 if none) and the high 32 bits are a tag bumped on
// every update. The first 4 bytes of each free block hold the index of the
// next free block.
type BlockAllocator struct {
	region    []byte
	blockSize int
	numBlocks int
}

// NewBlockAllocator constructs a BlockAllocator over region. blockSize must
// be a multiple of 8 and region must be 8-byte aligned.
func NewBlockAllocator(region []byte, blockSize int) BlockAllocator {
	return BlockAllocator{
		region:    region,
		blockSize: blockSize,
		numBlocks: len(region) / blockSize,
	}
}

// InitializeRegion builds the free list. Only the node which created the
// region may call it, and only before sharing the region.
func (a BlockAllocator) InitializeRegion() {
	if a.numBlocks < 2 {
		atomic.StoreUint64(a.head(), 0)
		return
	}
	for i := 1; i < a.numBlocks; i++ {
		next := uint32(i + 1)
		if i == a.numBlocks-1 {
			next = 0
		}
		atomic.StoreUint32(a.next(uint32(i)), next)
	}
	atomic.StoreUint64(a.head(), 1)
}

// BlockSize returns the size of each block.
func (a BlockAllocator) BlockSize() int {
	return a.blockSize
}

// Capacity returns the number of allocatable blocks.
func (a BlockAllocator) Capacity() int {
	if a.numBlocks == 0 {
		return 0
	}
	return a.numBlocks - 1
}

// Alloc allocates one block, returning its offset within the region.
func (a BlockAllocator) Alloc() (int, bool) {
	for {
		head := atomic.LoadUint64(a.head())
		index := uint32(head)
		if index == 0 {
			return 0, false
		}
		if int(index) >= a.numBlocks {
			// Corrupted by the peer.
			return 0, false
		}
		next := atomic.LoadUint32(a.next(index))
		if atomic.CompareAndSwapUint64(a.head(), head, nextHead(head, next)) {
			return int(index) * a.blockSize, true
		}
	}
}

// Free returns the block at offset to the free list.
func (a BlockAllocator) Free(offset int) bool {
	if offset%a.blockSize != 0 {
		return false
	}
	index := uint32(offset / a.blockSize)
	if index == 0 || int(index) >= a.numBlocks {
		return false
	}
	for {
		head := atomic.LoadUint64(a.head())
		atomic.StoreUint32(a.next(index), uint32(head))
		if atomic.CompareAndSwapUint64(a.head(), head, nextHead(head, index)) {
			return true
		}
	}
}

// Contains reports whether offset is within the region.
func (a BlockAllocator) Contains(offset int) bool {
	return offset >= 0 && offset < a.numBlocks*a.blockSize
}

func nextHead(head uint64, index uint32) uint64 {
	return ((head>>32)+1)<<32 | uint64(index)
}

func (a BlockAllocator) head() *uint64 {
	return (*uint64)(unsafe.Pointer(&a.region[0]))
}

func (a BlockAllocator) next(index uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.region[int(index)*a.blockSize]))
}
