package linkmemory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
)

func newRegion(t *testing.T, size int) []byte {
	mem, err := driver.NewLocal().AllocateMemory(size)
	require.NoError(t, err)
	mapping, err := mem.Map()
	require.NoError(t, err)
	return mapping.Bytes()
}

func TestBlockAllocator(t *testing.T) {
	a := NewBlockAllocator(newRegion(t, 64*4), 64)
	a.InitializeRegion()
	require.Equal(t, 3, a.Capacity())

	var offsets []int
	for i := 0; i < 3; i++ {
		off, ok := a.Alloc()
		require.True(t, ok)
		offsets = append(offsets, off)
	}
	assert.Equal(t, []int{64, 128, 192}, offsets)

	_, ok := a.Alloc()
	assert.False(t, ok)

	assert.False(t, a.Free(0), "block 0 holds the free list")
	assert.False(t, a.Free(65), "misaligned offset")
	require.True(t, a.Free(128))
	off, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, 128, off)
}

func TestBlockAllocator_Concurrent(t *testing.T) {
	region := newRegion(t, 64*129)
	NewBlockAllocator(region, 64).InitializeRegion()

	// Two views of the same region, as two nodes would have.
	views := []BlockAllocator{NewBlockAllocator(region, 64), NewBlockAllocator(region, 64)}

	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(a BlockAllocator) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				off, ok := a.Alloc()
				if !ok {
					continue
				}
				mu.Lock()
				dup := seen[off]
				seen[off] = true
				mu.Unlock()
				assert.False(t, dup, "block %d allocated twice", off)

				mu.Lock()
				delete(seen, off)
				mu.Unlock()
				a.Free(off)
			}
		}(views[i%2])
	}
	wg.Wait()

	var count int
	for {
		if _, ok := views[0].Alloc(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 128, count)
}
