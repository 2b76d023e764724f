package linkmemory

import (
	"log"
	"os"
	"sync"
	"testing"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/routing"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

// newSharedPair returns two NodeLinkMemory instances over the same primary
// buffer, as the two sides of one link see it.
func newSharedPair(t *testing.T, d driver.Driver) (*NodeLinkMemory, *NodeLinkMemory) {
	mem, err := d.AllocateMemory(PrimaryBufferSize)
	require.NoError(t, err)
	m1, err := mem.Map()
	require.NoError(t, err)
	require.True(t, InitializePrimaryBuffer(m1.Bytes()))
	m2, err := mem.Map()
	require.NoError(t, err)

	a, err := New(m1, nil)
	require.NoError(t, err)
	b, err := New(m2, nil)
	require.NoError(t, err)
	return a, b
}

type testProvider struct {
	mu     sync.Mutex
	d      driver.Driver
	peer   *NodeLinkMemory
	shared []routing.BufferID
	fail   bool
}

func (p *testProvider) AllocateSharedMemory(size int, callback func(driver.Memory)) {
	if p.fail {
		callback(nil)
		return
	}
	mem, err := p.d.AllocateMemory(size)
	if err != nil {
		callback(nil)
		return
	}
	callback(mem)
}

func (p *testProvider) ShareBlockBuffer(id routing.BufferID, blockSize uint32, memory driver.Memory) {
	p.mu.Lock()
	p.shared = append(p.shared, id)
	p.mu.Unlock()
	if p.peer == nil {
		return
	}
	mapping, err := memory.Map()
	if err != nil {
		panic(err)
	}
	p.peer.AddBlockBuffer(id, int(blockSize), mapping)
}

func TestNew_BufferTooSmall(t *testing.T) {
	mem, err := driver.NewLocal().AllocateMemory(128)
	require.NoError(t, err)
	mapping, err := mem.Map()
	require.NoError(t, err)
	assert.False(t, InitializePrimaryBuffer(mapping.Bytes()))
	_, err = New(mapping, nil)
	assert.Equal(t, ErrBufferTooSmall, err)
}

func TestNodeLinkMemory_IDsAreShared(t *testing.T) {
	a, b := newSharedPair(t, driver.NewLocal())

	assert.Equal(t, routing.SublinkID(NumInitialPortals), a.AllocateSublinkIDs(2))
	assert.Equal(t, routing.SublinkID(NumInitialPortals+2), b.AllocateSublinkIDs(1))
	assert.Equal(t, routing.SublinkID(NumInitialPortals+3), a.AllocateSublinkIDs(1))

	assert.Equal(t, routing.BufferID(1), b.AllocateNewBufferID())
	assert.Equal(t, routing.BufferID(2), a.AllocateNewBufferID())
}

func TestNodeLinkMemory_AllocateVisibleToPeer(t *testing.T) {
	a, b := newSharedPair(t, driver.NewLocal())

	f, ok := a.Allocate(100)
	require.True(t, ok)
	assert.Equal(t, routing.PrimaryBufferID, f.Descriptor().BufferID)
	require.True(t, WriteData(f, []byte("shared data")))

	g := b.GetFragment(f.Descriptor())
	require.True(t, g.IsAddressable())
	data, ok := ReadData(g)
	require.True(t, ok)
	assert.Equal(t, "shared data", string(data))

	// The fragment is freed by the side which did not allocate it and is
	// reused by the next allocation of the same size class.
	require.True(t, b.Free(g))
	h, ok := a.Allocate(100)
	require.True(t, ok)
	assert.Equal(t, f.Descriptor(), h.Descriptor())
}

func TestNodeLinkMemory_GetFragment(t *testing.T) {
	a, _ := newSharedPair(t, driver.NewLocal())

	assert.True(t, a.GetFragment(routing.NullFragment).IsNull())

	pending := a.GetFragment(routing.FragmentDescriptor{BufferID: 9, Offset: 0, Size: 64})
	assert.True(t, pending.IsPending())
	assert.False(t, pending.IsAddressable())

	outOfBounds := a.GetFragment(routing.FragmentDescriptor{BufferID: routing.PrimaryBufferID, Offset: uint32(PrimaryBufferSize), Size: 1})
	assert.True(t, outOfBounds.IsNull())
}

func TestNodeLinkMemory_WaitForBufferAsync(t *testing.T) {
	d := driver.NewLocal()
	a, _ := newSharedPair(t, d)

	var calls []int
	a.WaitForBufferAsync(3, func() { calls = append(calls, 1) })
	a.WaitForBufferAsync(3, func() { calls = append(calls, 2) })
	assert.Empty(t, calls)

	mem, err := d.AllocateMemory(4096)
	require.NoError(t, err)
	mapping, err := mem.Map()
	require.NoError(t, err)
	NewBlockAllocator(mapping.Bytes(), 512).InitializeRegion()

	require.True(t, a.AddBlockBuffer(3, 512, mapping))
	assert.Equal(t, []int{1, 2}, calls)

	// Duplicates are refused and waiters are not invoked again.
	assert.False(t, a.AddBlockBuffer(3, 512, mapping))
	assert.Equal(t, []int{1, 2}, calls)

	// Waiting on a registered buffer completes immediately.
	a.WaitForBufferAsync(3, func() { calls = append(calls, 3) })
	assert.Equal(t, []int{1, 2, 3}, calls)

	f, ok := a.Allocate(300)
	require.True(t, ok)
	assert.Equal(t, routing.BufferID(3), f.Descriptor().BufferID)
	assert.True(t, a.GetFragment(f.Descriptor()).IsAddressable())
}

func TestNodeLinkMemory_Expansion(t *testing.T) {
	d := driver.NewLocal()
	a, b := newSharedPair(t, d)
	p := &testProvider{d: d, peer: b}
	a.SetProvider(p)

	// Nothing in the primary buffer fits; the first allocation requests
	// capacity and the next one uses it.
	_, ok := a.Allocate(3000)
	require.False(t, ok)
	require.Len(t, p.shared, 1)

	f, ok := a.Allocate(3000)
	require.True(t, ok)
	assert.Equal(t, p.shared[0], f.Descriptor().BufferID)
	assert.True(t, b.GetFragment(f.Descriptor()).IsAddressable())
	assert.Equal(t, 2, b.NumBuffers())
}

func TestNodeLinkMemory_OnCapacityFailure(t *testing.T) {
	d := driver.NewLocal()
	a, _ := newSharedPair(t, d)
	a.SetProvider(&testProvider{d: d, fail: true})

	var results []bool
	a.OnCapacity(5000, func(added bool) { results = append(results, added) })
	assert.Equal(t, []bool{false}, results)
}

func TestNodeLinkMemory_RouterLinkStates(t *testing.T) {
	a, b := newSharedPair(t, driver.NewLocal())

	sa, ok := a.InitialRouterLinkState(7)
	require.True(t, ok)
	sb, ok := b.InitialRouterLinkState(7)
	require.True(t, ok)

	sa.SetSideStable(routing.SideA)
	assert.False(t, sb.IsStable())
	sb.SetSideStable(routing.SideB)
	assert.True(t, sa.IsStable())

	_, ok = a.InitialRouterLinkState(NumInitialPortals)
	assert.False(t, ok)

	f, ok := a.AllocateRouterLinkState()
	require.True(t, ok)
	state, ok := NewRouterLinkState(b.GetFragment(f.Descriptor()))
	require.True(t, ok)
	assert.False(t, state.IsSideStable(routing.SideA))

	var async Fragment
	a.AllocateRouterLinkStateAsync(func(f Fragment) { async = f })
	assert.True(t, async.IsAddressable())
}

func TestNodeLinkMemory_Close(t *testing.T) {
	a, _ := newSharedPair(t, driver.NewLocal())
	a.AcquireRef()
	a.Close()

	_, ok := a.Allocate(10)
	assert.False(t, ok)

	// The primary buffer stays mapped while a reference is held.
	assert.True(t, a.GetFragment(routing.FragmentDescriptor{BufferID: 0, Offset: 64, Size: 8}).IsAddressable())
	a.ReleaseRef()
}
