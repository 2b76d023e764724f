package parcel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linkmemory"
)

func newMemory(t *testing.T) *linkmemory.NodeLinkMemory {
	mem, err := driver.NewLocal().AllocateMemory(linkmemory.PrimaryBufferSize)
	require.NoError(t, err)
	mapping, err := mem.Map()
	require.NoError(t, err)
	require.True(t, linkmemory.InitializePrimaryBuffer(mapping.Bytes()))
	m, err := linkmemory.New(mapping, nil)
	require.NoError(t, err)
	return m
}

func TestParcel_DataFragment(t *testing.T) {
	m := newMemory(t)
	data := []byte("data living in shared memory")

	f, ok := m.Allocate(linkmemory.DataHeaderSize + len(data))
	require.True(t, ok)
	require.True(t, linkmemory.WriteData(f, data))

	p := New(1)
	require.True(t, p.AdoptDataFragment(m, m.GetFragment(f.Descriptor())))
	assert.True(t, p.HasDataFragment())
	assert.Equal(t, data, p.Data())

	p.Release()
	assert.False(t, p.HasDataFragment())
	assert.Nil(t, p.Data())
	p.Release()

	// The block went back to the allocator.
	g, ok := m.Allocate(linkmemory.DataHeaderSize + len(data))
	require.True(t, ok)
	assert.Equal(t, f.Descriptor(), g.Descriptor())
}

func TestParcel_AdoptMalformedFragment(t *testing.T) {
	m := newMemory(t)
	f, ok := m.Allocate(16)
	require.True(t, ok)
	// Claims more data than the fragment holds.
	copy(f.Bytes(), []byte{0xff, 0xff, 0, 0})

	p := New(0)
	assert.False(t, p.AdoptDataFragment(m, f))
	assert.False(t, p.HasDataFragment())
}

func TestParcel_Objects(t *testing.T) {
	h := driver.NewHandle("h")
	p := New(0)
	p.SetObjects([]Object{NewBox(h)})
	require.Equal(t, 1, p.NumObjects())
	assert.Equal(t, h, p.Objects()[0].(*Box).Object())

	require.NoError(t, p.Close())
	assert.False(t, h.IsValid())
	assert.Zero(t, p.NumObjects())
}

func TestParcel_CloseWithEmptySlots(t *testing.T) {
	h := driver.NewHandle("h")
	p := New(0)
	p.SetObjects([]Object{nil, NewBox(h), nil})

	require.NoError(t, p.Close())
	assert.False(t, h.IsValid())
	assert.Zero(t, p.NumObjects())
}
