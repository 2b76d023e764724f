package router

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

// connector listens on a fresh transport until the handshake with the other
// node completes, then forwards everything to the NodeLink it established.
//
// Four handshakes exist:
//	broker      -> non-broker: ConnectFromBrokerToNonBroker, answered by ConnectFromNonBrokerToBroker
//	non-broker  -> broker:     ConnectFromNonBrokerToBroker, answered by ConnectFromBrokerToNonBroker
//	referred    -> broker:     ConnectToReferredBroker, answered by ConnectToReferredNonBroker
//	broker side of a referral: waits for ConnectToReferredBroker
type connector struct {
	node      *Node
	log       *logging.Logger
	transport transport.Transport

	// greeting is sent on start. It may be nil.
	greeting msg.Params

	// handshake handles the one connector message expected from the other
	// side and returns the established link.
	handshake func(m *msg.Message) (*NodeLink, error)

	// failed is called once if the transport fails before the handshake
	// completes.
	failed func()

	mu     sync.Mutex
	link   *NodeLink
	closed bool
}

// newConnector returns the connector ConnectNode uses for flags.
func newConnector(n *Node, t transport.Transport, flags ConnectFlags, routers []*Router) (*connector, error) {
	c := &connector{
		node:      n,
		log:       n.log,
		transport: t,
		failed:    func() { bindInitialPortals(nil, routers, 0) },
	}
	numPortals := uint32(len(routers))

	switch {
	case n.conf.Type == routing.NodeTypeBroker:
		// The broker names the node it accepts.
		name := routing.NewNodeName()
		memory, buffer, err := n.linkMemory()
		if err != nil {
			return nil, err
		}
		c.greeting = &msg.ConnectFromBrokerToNonBroker{
			BrokerName:        n.Name(),
			ReceiverName:      name,
			ProtocolVersion:   msg.ProtocolVersion,
			NumInitialPortals: numPortals,
			Buffer:            buffer,
		}
		c.handshake = func(m *msg.Message) (*NodeLink, error) {
			return c.acceptNonBroker(m, name, memory, routers)
		}
		c.failed = func() {
			memory.Close()
			bindInitialPortals(nil, routers, 0)
		}
	case flags&InheritBroker != 0:
		c.greeting = &msg.ConnectToReferredBroker{ProtocolVersion: msg.ProtocolVersion, NumInitialPortals: numPortals}
		c.handshake = func(m *msg.Message) (*NodeLink, error) {
			return c.acceptReferral(m, routers)
		}
	default:
		c.greeting = &msg.ConnectFromNonBrokerToBroker{ProtocolVersion: msg.ProtocolVersion, NumInitialPortals: numPortals}
		c.handshake = func(m *msg.Message) (*NodeLink, error) {
			return c.acceptBroker(m, routers)
		}
	}
	return c, nil
}

// newReferralConnector returns the connector a broker uses on a transport
// referrer handed to it.
func newReferralConnector(n *Node, t transport.Transport, referrer *NodeLink, id uint64, numPortals uint32) *connector {
	c := &connector{
		node:      n,
		log:       n.log,
		transport: t,
		failed: func() {
			referrer.Transmit(&msg.NonBrokerReferralRejected{ReferralID: id})
		},
	}
	c.handshake = func(m *msg.Message) (*NodeLink, error) {
		return c.acceptReferredNonBroker(m, referrer, id, numPortals)
	}
	return c
}

// start activates the transport and greets the other side. Failing to start
// counts as a failed handshake.
func (c *connector) start() error {
	if err := c.transport.Activate(c); err != nil {
		c.fail()
		return errors.Wrap(err, "activate transport")
	}
	if c.greeting == nil {
		return nil
	}
	if err := c.send(c.greeting); err != nil {
		c.fail()
		c.transport.Deactivate()
		return err
	}
	return nil
}

func (c *connector) send(p msg.Params) error {
	data, objects := msg.New(p).Serialize()
	return errors.Wrapf(c.transport.Transmit(data, objects), "send %s", p.Kind())
}

// OnMessage implements transport.Listener.
func (c *connector) OnMessage(data []byte, objects []driver.Object) bool {
	c.mu.Lock()
	link, closed := c.link, c.closed
	c.mu.Unlock()
	if link != nil {
		return link.OnMessage(data, objects)
	}
	if closed {
		return false
	}

	m, err := msg.Decode(data, objects)
	if err == nil && !m.Kind().IsConnector() {
		err = errors.Errorf("unexpected %s during handshake", m.Kind())
	}
	if err == nil {
		link, err = c.handshake(m)
	}
	if err != nil {
		c.log.WithError(err).Warn("Handshake failed")
		c.node.metrics.RecordValidationFailure("handshake")
		c.fail()
		return false
	}

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
	return true
}

// OnError implements transport.Listener.
func (c *connector) OnError() {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link != nil {
		link.OnError()
		return
	}
	c.fail()
}

func (c *connector) fail() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.failed()
}

// linkMemory allocates a primary buffer for a new link. It returns the
// mapped local view and a handle for the other side.
func (n *Node) linkMemory() (*linkmemory.NodeLinkMemory, driver.Memory, error) {
	mem, err := n.newPrimaryBuffer()
	if err != nil {
		return nil, nil, err
	}
	remote, err := mem.Clone()
	if err != nil {
		_ = mem.Close() // nolint
		return nil, nil, errors.Wrap(err, "clone primary buffer")
	}
	memory, err := n.mapPrimaryBuffer(mem)
	if err != nil {
		_ = remote.Close() // nolint
		return nil, nil, err
	}
	return memory, remote, nil
}

/*
	<<< BROKER TO NON-BROKER >>>
*/

func (c *connector) acceptNonBroker(m *msg.Message, name routing.NodeName, memory *linkmemory.NodeLinkMemory,
	routers []*Router) (*NodeLink, error) {
	p, ok := m.Params.(*msg.ConnectFromNonBrokerToBroker)
	if !ok {
		return nil, errors.Errorf("expected %s, got %s", msg.KindConnectFromNonBrokerToBroker, m.Kind())
	}
	link := NewNodeLink(c.node, c.transport, routing.SideA, name, routing.NodeTypeNormal, p.ProtocolVersion, memory)
	if !c.node.AddLink(link) {
		return nil, ErrNodeClosed
	}
	link.markActive()
	c.log.Infof("Accepted non-broker %s", name)
	bindInitialPortals(link, routers, p.NumInitialPortals)
	return link, nil
}

/*
	<<< NON-BROKER TO BROKER >>>
*/

func (c *connector) acceptBroker(m *msg.Message, routers []*Router) (*NodeLink, error) {
	p, ok := m.Params.(*msg.ConnectFromBrokerToNonBroker)
	if !ok {
		return nil, errors.Errorf("expected %s, got %s", msg.KindConnectFromBrokerToNonBroker, m.Kind())
	}
	if !p.BrokerName.IsValid() || !p.ReceiverName.IsValid() {
		return nil, errors.Wrap(ErrInvalidArgument, "broker sent invalid names")
	}
	memory, err := c.node.mapPrimaryBuffer(p.Buffer)
	if err != nil {
		return nil, err
	}

	c.node.setName(p.ReceiverName)
	link := NewNodeLink(c.node, c.transport, routing.SideB, p.BrokerName, routing.NodeTypeBroker, p.ProtocolVersion, memory)
	if !c.node.setBrokerLink(link) {
		memory.Close()
		return nil, errors.Wrap(ErrInvalidArgument, "node already has a broker")
	}
	link.markActive()
	c.log.Infof("Connected to broker %s as %s", p.BrokerName, p.ReceiverName)
	bindInitialPortals(link, routers, p.NumInitialPortals)
	return link, nil
}

/*
	<<< REFERRALS >>>
*/

func (c *connector) acceptReferral(m *msg.Message, routers []*Router) (*NodeLink, error) {
	p, ok := m.Params.(*msg.ConnectToReferredNonBroker)
	if !ok {
		return nil, errors.Errorf("expected %s, got %s", msg.KindConnectToReferredNonBroker, m.Kind())
	}
	if !p.Name.IsValid() || !p.BrokerName.IsValid() || !p.ReferrerName.IsValid() {
		return nil, errors.Wrap(ErrInvalidArgument, "broker sent invalid names")
	}
	t, ok := p.ReferrerLinkTransport.(transport.Transport)
	if !ok {
		return nil, errors.Wrap(ErrInvalidArgument, "broker sent no referrer transport")
	}
	brokerMemory, err := c.node.mapPrimaryBuffer(p.BrokerLinkBuffer)
	if err != nil {
		return nil, err
	}
	referrerMemory, err := c.node.mapPrimaryBuffer(p.ReferrerLinkBuffer)
	if err != nil {
		brokerMemory.Close()
		return nil, err
	}

	c.node.setName(p.Name)
	broker := NewNodeLink(c.node, c.transport, routing.SideB, p.BrokerName, routing.NodeTypeBroker, p.BrokerProtocolVersion, brokerMemory)
	if !c.node.setBrokerLink(broker) {
		brokerMemory.Close()
		referrerMemory.Close()
		return nil, errors.Wrap(ErrInvalidArgument, "node already has a broker")
	}
	broker.markActive()
	c.log.Infof("Connected to broker %s as %s, referred by %s", p.BrokerName, p.Name, p.ReferrerName)

	referrer := NewNodeLink(c.node, t, routing.SideB, p.ReferrerName, routing.NodeTypeNormal, p.ReferrerVersion, referrerMemory)
	if !c.node.AddLink(referrer) {
		t.Deactivate()
		referrerMemory.Close()
		bindInitialPortals(nil, routers, 0)
		return broker, nil
	}
	if err := referrer.Activate(); err != nil {
		c.log.WithError(err).Warnf("Failed to activate link to %s", p.ReferrerName)
		bindInitialPortals(nil, routers, 0)
		return broker, nil
	}
	bindInitialPortals(referrer, routers, p.NumInitialPortals)
	return broker, nil
}

func (c *connector) acceptReferredNonBroker(m *msg.Message, referrer *NodeLink, id uint64, numPortals uint32) (*NodeLink, error) {
	p, ok := m.Params.(*msg.ConnectToReferredBroker)
	if !ok {
		return nil, errors.Errorf("expected %s, got %s", msg.KindConnectToReferredBroker, m.Kind())
	}
	n := c.node
	name := routing.NewNodeName()

	brokerMemory, brokerBuffer, err := n.linkMemory()
	if err != nil {
		return nil, err
	}
	ta, tb, err := n.conf.Transports.NewPair()
	if err != nil {
		brokerMemory.Close()
		_ = brokerBuffer.Close() // nolint
		return nil, errors.Wrap(err, "create referrer transports")
	}
	referrerBuffer, err := n.newPrimaryBuffer()
	if err != nil {
		brokerMemory.Close()
		_ = brokerBuffer.Close() // nolint
		return nil, err
	}
	referredBuffer, err := referrerBuffer.Clone()
	if err != nil {
		brokerMemory.Close()
		_ = brokerBuffer.Close()   // nolint
		_ = referrerBuffer.Close() // nolint
		return nil, errors.Wrap(err, "clone primary buffer")
	}

	link := NewNodeLink(n, c.transport, routing.SideA, name, routing.NodeTypeNormal, p.ProtocolVersion, brokerMemory)
	if !n.AddLink(link) {
		brokerMemory.Close()
		return nil, ErrNodeClosed
	}
	err = c.send(&msg.ConnectToReferredNonBroker{
		Name:                  name,
		BrokerName:            n.Name(),
		ReferrerName:          referrer.RemoteName(),
		BrokerProtocolVersion: msg.ProtocolVersion,
		ReferrerVersion:       referrer.remoteVersion,
		NumInitialPortals:     numPortals,
		BrokerLinkBuffer:      brokerBuffer,
		ReferrerLinkTransport: tb,
		ReferrerLinkBuffer:    referredBuffer,
	})
	if err != nil {
		link.Deactivate()
		return nil, err
	}
	link.markActive()
	n.log.Infof("Accepted %s referred by %s", name, referrer.RemoteName())

	referrer.Transmit(&msg.NonBrokerReferralAccepted{
		ReferralID:        id,
		ProtocolVersion:   p.ProtocolVersion,
		NumInitialPortals: p.NumInitialPortals,
		Name:              name,
		Transport:         ta,
		Buffer:            referrerBuffer,
	})
	return link, nil
}
