// Package driver defines the platform capabilities a node consumes: opaque
// transferable objects and shared memory regions.
package driver

import (
	"errors"
)

var (
	// ErrInvalidObject is returned when operating on a closed or otherwise
	// unusable object.
	ErrInvalidObject = errors.New("invalid driver object")

	// ErrInvalidSize is returned when a memory region of non-positive size is
	// requested.
	ErrInvalidSize = errors.New("invalid memory size")
)

// Object is an opaque platform resource with single ownership. Objects move
// between nodes attached to messages.
type Object interface {
	IsValid() bool
	Close() error
}

// Memory is a shareable memory region.
type Memory interface {
	Object

	// Size returns the size of the region in bytes.
	Size() int

	// Map maps the region into the local address space.
	Map() (Mapping, error)

	// Clone returns a new handle to the same region.
	Clone() (Memory, error)
}

// Mapping is a mapped Memory region.
type Mapping interface {
	// Bytes returns the mapped region. The slice is 8-byte aligned and may
	// be accessed concurrently by every holder of a mapping of the same
	// region.
	Bytes() []byte
	Close() error
}

// Driver produces Memory regions.
type Driver interface {
	AllocateMemory(size int) (Memory, error)
}
