// Package transport defines the transport capability a NodeLink sends its
// messages over, and an in-process implementation.
package transport

import (
	"errors"

	"github.com/skycoin/nodelink/pkg/driver"
)

var (
	// ErrClosed is returned when transmitting over a deactivated transport.
	ErrClosed = errors.New("transport closed")

	// ErrObjectsUnsupported is returned when transmitting driver objects
	// over a transport which cannot carry them.
	ErrObjectsUnsupported = errors.New("transport cannot carry driver objects")

	// ErrAlreadyActive is returned when activating a transport twice.
	ErrAlreadyActive = errors.New("transport already activated")
)

// Listener receives the messages and errors of an activated Transport.
type Listener interface {
	// OnMessage is called for every message in the order the peer
	// transmitted them. Returning false reports the message as malformed;
	// the transport then fails with OnError.
	OnMessage(data []byte, objects []driver.Object) bool

	// OnError is called once when the transport fails or the peer goes
	// away. No more messages are delivered after it.
	OnError()
}

// Transport carries opaque messages with attached driver objects between two
// nodes. A Transport is itself a driver object and may be attached to
// messages sent over another Transport.
type Transport interface {
	driver.Object

	// Activate starts delivering messages to l.
	Activate(l Listener) error

	// Deactivate stops delivery. The peer observes it as an error.
	Deactivate()

	// Transmit sends one message to the peer.
	Transmit(data []byte, objects []driver.Object) error

	// CanTransmit reports whether a message carrying objects can be sent
	// directly.
	CanTransmit(objects []driver.Object) bool
}

// Factory creates connected pairs of Transports.
type Factory interface {
	NewPair() (Transport, Transport, error)
}
