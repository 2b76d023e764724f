// Package msg implements the wire format of the messages exchanged between
// nodes.
//
// A message is laid out as follows:
//   - Header (16 bytes): header size (2), version (1), kind (1),
//     params size (4), sequence number (8).
//   - Params: the fixed parameter struct of the message kind.
//   - Arrays: variable length data referenced from params by
//     (offset, length) pairs relative to the start of this region.
//
// Driver objects travel beside the data and are referenced from params by
// index or by (first, count) range.
package msg

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/routing"
)

const (
	// HeaderSize is the size of an encoded Header.
	HeaderSize = 16

	// ProtocolVersion is the version written by this implementation.
	ProtocolVersion = 0

	noObject = ^uint32(0)
)

var (
	// ErrMalformed is returned when a message cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownKind is returned when decoding a message of an unknown kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

var order = binary.LittleEndian

// Header precedes every message.
type Header struct {
	Version        uint8
	Kind           Kind
	SequenceNumber routing.SequenceNumber
}

// Params is the parameter struct of one message kind.
type Params interface {
	Kind() Kind
	encode(e *encoder)
	decode(d *decoder)
}

// Message is a header and the params of its kind.
type Message struct {
	Header Header
	Params Params
}

// New wraps params in a Message.
func New(p Params) *Message {
	return &Message{
		Header: Header{Version: ProtocolVersion, Kind: p.Kind()},
		Params: p,
	}
}

// Kind returns the kind of the message.
func (m *Message) Kind() Kind {
	return m.Params.Kind()
}

// Serialize encodes the message, returning the encoded data and the driver
// objects it references.
func (m *Message) Serialize() ([]byte, []driver.Object) {
	var e encoder
	m.Params.encode(&e)

	data := make([]byte, HeaderSize, HeaderSize+len(e.params)+len(e.arrays))
	order.PutUint16(data[0:], HeaderSize)
	data[2] = m.Header.Version
	data[3] = byte(m.Params.Kind())
	order.PutUint32(data[4:], uint32(len(e.params)))
	order.PutUint64(data[8:], uint64(m.Header.SequenceNumber))
	data = append(data, e.params...)
	data = append(data, e.arrays...)
	return data, e.objects
}

// SetSequenceNumber overwrites the sequence number of encoded message data.
func SetSequenceNumber(data []byte, seq routing.SequenceNumber) {
	order.PutUint64(data[8:], uint64(seq))
}

// PeekKind returns the kind of encoded message data.
func PeekKind(data []byte) (Kind, bool) {
	if len(data) < HeaderSize {
		return 0, false
	}
	return Kind(data[3]), true
}

// PeekHeader returns the header of encoded message data.
func PeekHeader(data []byte) (Header, bool) {
	if len(data) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Version:        data[2],
		Kind:           Kind(data[3]),
		SequenceNumber: routing.SequenceNumber(order.Uint64(data[8:])),
	}, true
}

// Decode decodes data and objects received from a transport. Every array and
// object reference is validated.
func Decode(data []byte, objects []driver.Object) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrap(ErrMalformed, "short header")
	}
	headerSize := int(order.Uint16(data[0:]))
	paramsSize := int(order.Uint32(data[4:]))
	if headerSize < HeaderSize || headerSize > len(data) || paramsSize > len(data)-headerSize {
		return nil, errors.Wrap(ErrMalformed, "bad sizes")
	}
	h := Header{
		Version:        data[2],
		Kind:           Kind(data[3]),
		SequenceNumber: routing.SequenceNumber(order.Uint64(data[8:])),
	}
	p := newParams(h.Kind)
	if p == nil {
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", h.Kind)
	}
	d := decoder{
		params:  data[headerSize : headerSize+paramsSize],
		arrays:  data[headerSize+paramsSize:],
		objects: objects,
	}
	p.decode(&d)
	d.checkClaimed()
	if d.err != nil {
		return nil, errors.Wrapf(d.err, "decode %s", h.Kind)
	}
	return &Message{Header: h, Params: p}, nil
}

type encoder struct {
	params  []byte
	arrays  []byte
	objects []driver.Object
}

func (e *encoder) u8(v uint8) {
	e.params = append(e.params, v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	order.PutUint32(b[:], v)
	e.params = append(e.params, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	order.PutUint64(b[:], v)
	e.params = append(e.params, b[:]...)
}

func (e *encoder) name(n routing.NodeName) {
	e.params = append(e.params, n[:]...)
}

func (e *encoder) fragment(f routing.FragmentDescriptor) {
	e.u64(uint64(f.BufferID))
	e.u32(f.Offset)
	e.u32(f.Size)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(e.arrays)))
	e.u32(uint32(len(b)))
	e.arrays = append(e.arrays, b...)
}

func (e *encoder) object(o driver.Object) {
	if o == nil {
		e.u32(noObject)
		return
	}
	e.u32(uint32(len(e.objects)))
	e.objects = append(e.objects, o)
}

func (e *encoder) objectRange(objects []driver.Object) {
	e.u32(uint32(len(e.objects)))
	e.u32(uint32(len(objects)))
	e.objects = append(e.objects, objects...)
}

type decoder struct {
	params  []byte
	arrays  []byte
	objects []driver.Object
	claimed []bool
	err     error
}

// claim marks objects[first:first+count] as referenced by the message. Each
// object may be referenced once.
func (d *decoder) claim(first, count uint64) {
	if d.claimed == nil {
		d.claimed = make([]bool, len(d.objects))
	}
	for i := first; i < first+count; i++ {
		if d.claimed[i] {
			d.fail("driver object referenced twice")
			return
		}
		d.claimed[i] = true
	}
}

// checkClaimed fails decoding if an object is not referenced by the message.
func (d *decoder) checkClaimed() {
	if d.err != nil {
		return
	}
	for i := range d.objects {
		if d.claimed == nil || !d.claimed[i] {
			d.fail("unclaimed driver object")
			return
		}
	}
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = errors.Wrap(ErrMalformed, reason)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.params) < n {
		d.fail("short params")
		return nil
	}
	b := d.params[:n]
	d.params = d.params[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) boolean() bool {
	return d.u8() != 0
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return order.Uint64(b)
}

func (d *decoder) name() routing.NodeName {
	var n routing.NodeName
	copy(n[:], d.take(len(n)))
	return n
}

func (d *decoder) fragment() routing.FragmentDescriptor {
	return routing.FragmentDescriptor{
		BufferID: routing.BufferID(d.u64()),
		Offset:   d.u32(),
		Size:     d.u32(),
	}
}

func (d *decoder) bytes() []byte {
	offset, length := uint64(d.u32()), uint64(d.u32())
	if d.err != nil {
		return nil
	}
	if offset+length > uint64(len(d.arrays)) {
		d.fail("array out of range")
		return nil
	}
	if length == 0 {
		return nil
	}
	return append([]byte(nil), d.arrays[offset:offset+length]...)
}

func (d *decoder) object() driver.Object {
	index := d.u32()
	if d.err != nil || index == noObject {
		return nil
	}
	if uint64(index) >= uint64(len(d.objects)) {
		d.fail("driver object out of range")
		return nil
	}
	d.claim(uint64(index), 1)
	return d.objects[index]
}

func (d *decoder) objectRange() []driver.Object {
	first, count := uint64(d.u32()), uint64(d.u32())
	if d.err != nil {
		return nil
	}
	if first+count > uint64(len(d.objects)) {
		d.fail("driver object range out of range")
		return nil
	}
	if count == 0 {
		return nil
	}
	d.claim(first, count)
	return append([]driver.Object(nil), d.objects[first:first+count]...)
}
