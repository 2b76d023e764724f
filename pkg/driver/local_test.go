package driver

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMemory(t *testing.T) {
	d := NewLocal()

	_, err := d.AllocateMemory(0)
	require.Equal(t, ErrInvalidSize, err)

	mem, err := d.AllocateMemory(100)
	require.NoError(t, err)
	assert.Equal(t, 100, mem.Size())
	assert.Equal(t, int64(100), d.Allocated())

	m1, err := mem.Map()
	require.NoError(t, err)
	require.Len(t, m1.Bytes(), 100)
	assert.Zero(t, uintptr(unsafe.Pointer(&m1.Bytes()[0]))%8)

	clone, err := mem.Clone()
	require.NoError(t, err)
	require.NoError(t, mem.Close())
	assert.False(t, mem.IsValid())
	assert.Equal(t, ErrInvalidObject, mem.Close())

	_, err = mem.Map()
	assert.Equal(t, ErrInvalidObject, err)

	m2, err := clone.Map()
	require.NoError(t, err)

	copy(m1.Bytes(), "shared")
	assert.Equal(t, "shared", string(m2.Bytes()[:6]))

	require.NoError(t, m1.Close())
	require.NoError(t, m2.Close())
	require.NoError(t, clone.Close())
}

func TestHandle(t *testing.T) {
	h := NewHandle("h")
	assert.Equal(t, "h", h.Label())
	assert.True(t, h.IsValid())
	require.NoError(t, h.Close())
	assert.False(t, h.IsValid())
	assert.Equal(t, ErrInvalidObject, h.Close())
}
