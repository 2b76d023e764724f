package linkmemory

import (
	"encoding/binary"
	"errors"

	"github.com/skycoin/nodelink/pkg/routing"
)

var (
	// ErrBufferTooSmall is returned for a primary buffer smaller than
	// PrimaryBufferSize.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Fragment is a FragmentDescriptor resolved against local mappings. It is
// null, pending (its buffer is not mapped yet) or addressable.
type Fragment struct {
	desc routing.FragmentDescriptor
	data []byte
}

// NullFragment returns the null fragment.
func NullFragment() Fragment {
	return Fragment{desc: routing.NullFragment}
}

// Descriptor returns the descriptor of the fragment.
func (f Fragment) Descriptor() routing.FragmentDescriptor {
	if f.data == nil && f.desc == (routing.FragmentDescriptor{}) {
		return routing.NullFragment
	}
	return f.desc
}

// IsNull reports whether the fragment names nothing.
func (f Fragment) IsNull() bool {
	return f.Descriptor().IsNull()
}

// IsPending reports whether the fragment's buffer is not mapped yet.
func (f Fragment) IsPending() bool {
	return !f.IsNull() && f.data == nil
}

// IsAddressable reports whether the fragment can be accessed.
func (f Fragment) IsAddressable() bool {
	return f.data != nil
}

// Bytes returns the contents of an addressable fragment.
func (f Fragment) Bytes() []byte {
	return f.data
}

// DataHeaderSize is the size of the header preceding data stored in a
// fragment.
const DataHeaderSize = 8

// WriteData stores data in an addressable fragment of at least
// DataHeaderSize+len(data) bytes.
func WriteData(f Fragment, data []byte) bool {
	b := f.Bytes()
	if len(b) < DataHeaderSize+len(data) {
		return false
	}
	binary.LittleEndian.PutUint32(b, uint32(len(data)))
	copy(b[DataHeaderSize:], data)
	return true
}

// ReadData returns the data stored in a fragment with WriteData, validating
// its header.
func ReadData(f Fragment) ([]byte, bool) {
	b := f.Bytes()
	if len(b) < DataHeaderSize {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(b))
	if size > len(b)-DataHeaderSize {
		return nil, false
	}
	return b[DataHeaderSize : DataHeaderSize+size], true
}
