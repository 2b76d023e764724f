package router

import (
	"errors"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/internal/metrics"
	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

var (
	// ErrInvalidArgument is returned for requests which can never succeed as
	// made.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPortalClosed is returned when using a closed or transferred portal.
	ErrPortalClosed = errors.New("portal closed")

	// ErrRouteClosed is returned when the other end of a route is closed and
	// nothing more can be sent or received.
	ErrRouteClosed = errors.New("route closed")

	// ErrUnavailable is returned by Get when no parcel is available yet.
	ErrUnavailable = errors.New("no parcel available")

	// ErrNodeClosed is returned when using a closed Node.
	ErrNodeClosed = errors.New("node closed")
)

// DefaultInlineDataLimit is the parcel size above which parcel data is placed
// in link memory instead of inside the message.
const DefaultInlineDataLimit = 256

// NodeConfig configures a Node.
type NodeConfig struct {
	Type routing.NodeType

	// Name of a broker. Non-broker nodes are named by their broker, or pick
	// a random name when they have none.
	Name routing.NodeName

	Driver driver.Driver

	// Transports creates the transports a broker introduces nodes with.
	Transports transport.Factory

	Logger  *logging.Logger
	Metrics metrics.Recorder
	LinkLog linklog.Store

	InlineDataLimit int
}

// DefaultNodeConfig returns the configuration of a node of type t backed by
// in-process drivers and transports.
func DefaultNodeConfig(t routing.NodeType) NodeConfig {
	conf := NodeConfig{
		Type:            t,
		Driver:          driver.NewLocal(),
		Transports:      transport.PipeFactory{},
		Metrics:         metrics.NewDummy(),
		LinkLog:         linklog.InMemoryStore(),
		InlineDataLimit: DefaultInlineDataLimit,
	}
	if t == routing.NodeTypeBroker {
		conf.Name = routing.NewNodeName()
	}
	return conf
}

// ConnectFlags modify how ConnectNode establishes a link.
type ConnectFlags uint32

const (
	// ConnectToBroker is set by a non-broker connecting to its broker.
	ConnectToBroker ConnectFlags = 1 << iota

	// ShareBroker asks the broker to introduce this node to a new node over
	// the given transport, which the new node connects with InheritBroker.
	ShareBroker

	// InheritBroker is set by a node connecting to a referrer which shares
	// its broker.
	InheritBroker
)
