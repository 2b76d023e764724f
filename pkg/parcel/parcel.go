// Package parcel defines the unit of data routed between portals and the
// queue which orders parcels by sequence number.
package parcel

import (
	"fmt"
	"sync/atomic"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/routing"
)

// Object is anything which may be attached to a parcel: a portal, or a Box
// holding a driver object.
type Object interface {
	Close() error
}

// Box carries one driver object inside a parcel.
type Box struct {
	object driver.Object
}

// NewBox boxes a driver object.
func NewBox(o driver.Object) *Box {
	return &Box{object: o}
}

// Object returns the boxed driver object.
func (b *Box) Object() driver.Object {
	return b.object
}

// Close closes the boxed object.
func (b *Box) Close() error {
	return b.object.Close()
}

// Parcel is one message routed between two portals: its data, inline or in
// shared memory, and the objects attached to it.
type Parcel struct {
	seq      routing.SequenceNumber
	data     []byte
	fragment linkmemory.Fragment
	memory   *linkmemory.NodeLinkMemory
	objects  []Object
	released int32
}

// New constructs an empty parcel with the given sequence number.
func New(seq routing.SequenceNumber) *Parcel {
	return &Parcel{seq: seq}
}

// SequenceNumber returns the position of the parcel on its route.
func (p *Parcel) SequenceNumber() routing.SequenceNumber {
	return p.seq
}

// SetSequenceNumber sets the position of the parcel on its route.
func (p *Parcel) SetSequenceNumber(seq routing.SequenceNumber) {
	p.seq = seq
}

// SetInlinedData makes data the contents of the parcel.
func (p *Parcel) SetInlinedData(data []byte) {
	p.data = data
}

// AdoptDataFragment makes the data stored in f the contents of the parcel.
// f must be addressable and hold a valid data header. The parcel frees the
// fragment when released.
func (p *Parcel) AdoptDataFragment(memory *linkmemory.NodeLinkMemory, f linkmemory.Fragment) bool {
	data, ok := linkmemory.ReadData(f)
	if !ok {
		return false
	}
	memory.AcquireRef()
	p.data = data
	p.fragment = f
	p.memory = memory
	return true
}

// Data returns the contents of the parcel.
func (p *Parcel) Data() []byte {
	return p.data
}

// DataSize returns the size of the contents.
func (p *Parcel) DataSize() int {
	return len(p.data)
}

// HasDataFragment reports whether the contents live in shared memory.
func (p *Parcel) HasDataFragment() bool {
	return p.memory != nil
}

// SetObjects attaches objects to the parcel.
func (p *Parcel) SetObjects(objects []Object) {
	p.objects = objects
}

// Objects returns the attached objects.
func (p *Parcel) Objects() []Object {
	return p.objects
}

// NumObjects returns the number of attached objects.
func (p *Parcel) NumObjects() int {
	return len(p.objects)
}

// TakeObjects detaches and returns the attached objects.
func (p *Parcel) TakeObjects() []Object {
	objects := p.objects
	p.objects = nil
	return objects
}

// Release frees the shared memory holding the parcel's data, if any. The
// data must not be used afterwards.
func (p *Parcel) Release() {
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return
	}
	if p.memory != nil {
		p.memory.Free(p.fragment)
		p.memory.ReleaseRef()
		p.memory = nil
		p.data = nil
	}
}

// Close closes every attached object and releases the parcel. Slots not
// filled yet are skipped.
func (p *Parcel) Close() error {
	var err error
	for _, o := range p.TakeObjects() {
		if o == nil {
			continue
		}
		if cErr := o.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	p.Release()
	return err
}

func (p *Parcel) String() string {
	where := "inline"
	if p.HasDataFragment() {
		where = p.fragment.Descriptor().String()
	}
	return fmt.Sprintf("parcel(%d, %d bytes %s, %d objects)", p.seq, len(p.data), where, len(p.objects))
}
