// Package routing defines the identifiers shared by every layer of a node:
// node names, sublinks, sequence numbers, link sides and fragment descriptors.
package routing

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeName uniquely identifies a node within a network of connected nodes.
type NodeName [16]byte

// NewNodeName generates a random NodeName.
func NewNodeName() NodeName {
	return NodeName(uuid.New())
}

// ParseNodeName parses the textual form produced by NodeName.String.
func ParseNodeName(s string) (NodeName, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeName{}, fmt.Errorf("invalid node name %q: %s", s, err)
	}
	return NodeName(id), nil
}

// IsValid returns false for the zero name.
func (n NodeName) IsValid() bool {
	return n != NodeName{}
}

func (n NodeName) String() string {
	return uuid.UUID(n).String()
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeName) UnmarshalText(text []byte) error {
	name, err := ParseNodeName(string(text))
	if err != nil {
		return err
	}
	*n = name
	return nil
}

// NodeType determines the role of a node.
type NodeType uint8

const (
	// NodeTypeNormal is any node which is not a broker.
	NodeTypeNormal NodeType = iota
	// NodeTypeBroker introduces other nodes to each other and relays
	// messages they cannot transmit directly.
	NodeTypeBroker
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeNormal:
		return "Normal"
	case NodeTypeBroker:
		return "Broker"
	}
	return fmt.Sprintf("Unknown(%d)", t)
}

// SublinkID names one endpoint of one route on a NodeLink.
type SublinkID uint64

// SequenceNumber orders parcels on a route and messages on a link.
type SequenceNumber uint64

// BufferID identifies a shared memory buffer within a NodeLink's memory.
type BufferID uint64

const (
	// PrimaryBufferID is the id of the buffer every NodeLink starts with.
	PrimaryBufferID BufferID = 0

	// InvalidBufferID marks a null FragmentDescriptor.
	InvalidBufferID BufferID = ^BufferID(0)
)

// LinkSide identifies one of the two sides of a link. The assignment is
// arbitrary but both ends always agree on it.
type LinkSide uint8

const (
	// SideA is one side of a link.
	SideA LinkSide = iota
	// SideB is the other side.
	SideB
)

// Opposite returns the other side.
func (s LinkSide) Opposite() LinkSide {
	if s == SideA {
		return SideB
	}
	return SideA
}

func (s LinkSide) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// LinkType describes the position of a RouterLink on a route.
type LinkType uint8

const (
	// LinkCentral joins the two halves of a route. Only central links carry
	// shared link state and only central links may be bypassed.
	LinkCentral LinkType = iota

	// LinkPeripheralInward goes from a proxy toward the router it forwards
	// to.
	LinkPeripheralInward

	// LinkPeripheralOutward goes from a router toward the proxy which
	// forwards to it.
	LinkPeripheralOutward
)

// IsCentral reports whether the link is a central link.
func (t LinkType) IsCentral() bool { return t == LinkCentral }

// IsOutward reports whether parcels received over the link travel inbound,
// i.e. whether the link sits on a router's outward edge.
func (t LinkType) IsOutward() bool { return t == LinkCentral || t == LinkPeripheralOutward }

func (t LinkType) String() string {
	switch t {
	case LinkCentral:
		return "Central"
	case LinkPeripheralInward:
		return "PeripheralInward"
	case LinkPeripheralOutward:
		return "PeripheralOutward"
	}
	return fmt.Sprintf("Unknown(%d)", t)
}

// FragmentDescriptor names a span of a shared buffer. It is stable across
// serialization.
type FragmentDescriptor struct {
	BufferID BufferID
	Offset   uint32
	Size     uint32
}

// NullFragment is the descriptor of no fragment at all.
var NullFragment = FragmentDescriptor{BufferID: InvalidBufferID}

// IsNull reports whether the descriptor names no fragment.
func (d FragmentDescriptor) IsNull() bool {
	return d.BufferID == InvalidBufferID
}

// End returns the offset of the first byte past the fragment.
func (d FragmentDescriptor) End() uint64 {
	return uint64(d.Offset) + uint64(d.Size)
}

func (d FragmentDescriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d:%d+%d", d.BufferID, d.Offset, d.Size)
}
