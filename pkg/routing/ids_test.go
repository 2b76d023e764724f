package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeName(t *testing.T) {
	name := NewNodeName()
	require.True(t, name.IsValid())
	assert.False(t, NodeName{}.IsValid())

	parsed, err := ParseNodeName(name.String())
	require.NoError(t, err)
	assert.Equal(t, name, parsed)

	text, err := name.MarshalText()
	require.NoError(t, err)
	var decoded NodeName
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, name, decoded)

	_, err = ParseNodeName("not-a-name")
	assert.Error(t, err)
}

func TestLinkType(t *testing.T) {
	cases := []struct {
		t       LinkType
		central bool
		outward bool
	}{
		{LinkCentral, true, true},
		{LinkPeripheralInward, false, false},
		{LinkPeripheralOutward, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.t.String(), func(t *testing.T) {
			assert.Equal(t, tc.central, tc.t.IsCentral())
			assert.Equal(t, tc.outward, tc.t.IsOutward())
		})
	}
}

func TestLinkSide(t *testing.T) {
	assert.Equal(t, SideB, SideA.Opposite())
	assert.Equal(t, SideA, SideB.Opposite())
}

func TestFragmentDescriptor(t *testing.T) {
	assert.True(t, NullFragment.IsNull())
	d := FragmentDescriptor{BufferID: 2, Offset: 64, Size: 128}
	assert.False(t, d.IsNull())
	assert.Equal(t, uint64(192), d.End())
	assert.Equal(t, "2:64+128", d.String())
}
