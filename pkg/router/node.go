package router

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/internal/metrics"
	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

// Node owns the NodeLinks of one process-level participant: its broker link
// if it has a broker, and a link per remote node it talks to.
type Node struct {
	conf            NodeConfig
	log             *logging.Logger
	metrics         metrics.Recorder
	linkLog         linklog.Store
	inlineDataLimit int

	mu           sync.Mutex
	name         routing.NodeName
	links        map[routing.NodeName]*NodeLink
	brokerLink   *NodeLink
	introduction map[routing.NodeName][]func(*NodeLink)
	closed       bool
}

// NewNode constructs a Node.
func NewNode(conf NodeConfig) (*Node, error) {
	if conf.Driver == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "node needs a driver")
	}
	if conf.Type == routing.NodeTypeBroker {
		if !conf.Name.IsValid() {
			return nil, errors.Wrap(ErrInvalidArgument, "broker needs a name")
		}
		if conf.Transports == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "broker needs a transport factory")
		}
	}
	if !conf.Name.IsValid() {
		conf.Name = routing.NewNodeName()
	}
	if conf.Logger == nil {
		conf.Logger = logging.MustGetLogger("node")
	}
	if conf.Metrics == nil {
		conf.Metrics = metrics.NewDummy()
	}
	if conf.InlineDataLimit <= 0 {
		conf.InlineDataLimit = DefaultInlineDataLimit
	}
	return &Node{
		conf:            conf,
		log:             conf.Logger,
		metrics:         conf.Metrics,
		linkLog:         conf.LinkLog,
		inlineDataLimit: conf.InlineDataLimit,
		name:            conf.Name,
		links:           make(map[routing.NodeName]*NodeLink),
		introduction:    make(map[routing.NodeName][]func(*NodeLink)),
	}, nil
}

// Name returns the name of the node.
func (n *Node) Name() routing.NodeName {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// Type returns the type of the node.
func (n *Node) Type() routing.NodeType {
	return n.conf.Type
}

func (n *Node) setName(name routing.NodeName) {
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
}

// GetLink returns the link to the node named name, or nil.
func (n *Node) GetLink(name routing.NodeName) *NodeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[name]
}

// BrokerLink returns the link to the broker, or nil.
func (n *Node) BrokerLink() *NodeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brokerLink
}

// Links returns every link of the node.
func (n *Node) Links() []*NodeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	links := make([]*NodeLink, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	return links
}

// AddLink registers link under its remote name. It fails if the node is
// closed or already has a link to that node.
func (n *Node) AddLink(link *NodeLink) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	if _, ok := n.links[link.RemoteName()]; ok {
		return false
	}
	n.links[link.RemoteName()] = link
	return true
}

func (n *Node) setBrokerLink(link *NodeLink) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.brokerLink != nil {
		return false
	}
	if _, ok := n.links[link.RemoteName()]; ok {
		return false
	}
	n.links[link.RemoteName()] = link
	n.brokerLink = link
	return true
}

// DropLink unregisters link. Losing the broker fails every introduction
// still waiting on it.
func (n *Node) DropLink(link *NodeLink) {
	n.mu.Lock()
	if n.links[link.RemoteName()] == link {
		delete(n.links, link.RemoteName())
	}
	var waiting map[routing.NodeName][]func(*NodeLink)
	if n.brokerLink == link {
		n.brokerLink = nil
		waiting = n.introduction
		n.introduction = make(map[routing.NodeName][]func(*NodeLink))
	}
	n.mu.Unlock()

	for _, callbacks := range waiting {
		for _, cb := range callbacks {
			cb(nil)
		}
	}
}

// EstablishLink invokes callback with a link to the node named name,
// asking the broker for an introduction if there is none yet. callback
// receives nil if no link can be established.
func (n *Node) EstablishLink(name routing.NodeName, callback func(*NodeLink)) {
	n.mu.Lock()
	if link := n.links[name]; link != nil {
		n.mu.Unlock()
		callback(link)
		return
	}
	broker := n.brokerLink
	if n.closed || n.conf.Type == routing.NodeTypeBroker || broker == nil {
		n.mu.Unlock()
		callback(nil)
		return
	}
	waiting, pending := n.introduction[name]
	n.introduction[name] = append(waiting, callback)
	n.mu.Unlock()

	if !pending {
		n.log.Debugf("Requesting introduction to %s", name)
		broker.RequestIntroduction(name)
	}
}

func (n *Node) takeIntroductionCallbacks(name routing.NodeName) []func(*NodeLink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	callbacks := n.introduction[name]
	delete(n.introduction, name)
	return callbacks
}

func (n *Node) onRequestIntroduction(from *NodeLink, p *msg.RequestIntroduction) bool {
	if n.conf.Type != routing.NodeTypeBroker {
		return false
	}
	target := n.GetLink(p.Name)
	if target == nil || target == from {
		n.log.Debugf("Cannot introduce %s to unknown node %s", from.RemoteName(), p.Name)
		from.Transmit(&msg.RejectIntroduction{Name: p.Name})
		return true
	}
	if err := n.introduce(from, target); err != nil {
		n.log.WithError(err).Warnf("Failed to introduce %s to %s", from.RemoteName(), p.Name)
		from.Transmit(&msg.RejectIntroduction{Name: p.Name})
	}
	return true
}

// introduce gives a and b a new transport pair and primary buffer to link
// with each other.
func (n *Node) introduce(a, b *NodeLink) error {
	ta, tb, err := n.conf.Transports.NewPair()
	if err != nil {
		return errors.Wrap(err, "create transports")
	}
	mem, err := n.newPrimaryBuffer()
	if err != nil {
		return err
	}
	clone, err := mem.Clone()
	if err != nil {
		_ = mem.Close() // nolint
		return errors.Wrap(err, "clone primary buffer")
	}
	n.log.Infof("Introducing %s to %s", a.RemoteName(), b.RemoteName())
	a.Transmit(&msg.AcceptIntroduction{
		Name:                  b.RemoteName(),
		LinkSide:              routing.SideA,
		RemoteNodeType:        b.RemoteType(),
		RemoteProtocolVersion: b.remoteVersion,
		Transport:             ta,
		Buffer:                mem,
	})
	b.Transmit(&msg.AcceptIntroduction{
		Name:                  a.RemoteName(),
		LinkSide:              routing.SideB,
		RemoteNodeType:        a.RemoteType(),
		RemoteProtocolVersion: a.remoteVersion,
		Transport:             tb,
		Buffer:                clone,
	})
	return nil
}

func (n *Node) onAcceptIntroduction(from *NodeLink, p *msg.AcceptIntroduction) bool {
	if from.RemoteType() != routing.NodeTypeBroker {
		return false
	}
	t, ok := p.Transport.(transport.Transport)
	if !ok {
		return false
	}
	memory, err := n.mapPrimaryBuffer(p.Buffer)
	if err != nil {
		n.log.WithError(err).Warnf("Broker introduced %s with unusable link memory", p.Name)
		t.Deactivate()
		return false
	}

	link := NewNodeLink(n, t, p.LinkSide, p.Name, p.RemoteNodeType, p.RemoteProtocolVersion, memory)
	if !n.AddLink(link) {
		// Both sides asked at once; the first introduction wins.
		t.Deactivate()
		memory.Close()
		link = n.GetLink(p.Name)
	} else if err := link.Activate(); err != nil {
		n.log.WithError(err).Warnf("Failed to activate link to %s", p.Name)
		link = nil
	}
	for _, cb := range n.takeIntroductionCallbacks(p.Name) {
		cb(link)
	}
	return true
}

func (n *Node) onRejectIntroduction(from *NodeLink, p *msg.RejectIntroduction) bool {
	if from.RemoteType() != routing.NodeTypeBroker {
		return false
	}
	n.log.Infof("Broker rejected introduction to %s", p.Name)
	for _, cb := range n.takeIntroductionCallbacks(p.Name) {
		cb(nil)
	}
	return true
}

func (n *Node) onRelayMessage(from *NodeLink, p *msg.RelayMessage) bool {
	if n.conf.Type != routing.NodeTypeBroker {
		return false
	}
	target := n.GetLink(p.Destination)
	if target == nil {
		n.log.Debugf("Dropping message relayed from %s to unknown node %s", from.RemoteName(), p.Destination)
		return true
	}
	target.Transmit(&msg.AcceptRelayedMessage{Source: from.RemoteName(), Data: p.Data, Objects: p.Objects})
	return true
}

func (n *Node) onReferNonBroker(from *NodeLink, p *msg.ReferNonBroker) bool {
	if n.conf.Type != routing.NodeTypeBroker || from.RemoteType() == routing.NodeTypeBroker {
		return false
	}
	t, ok := p.Transport.(transport.Transport)
	if !ok {
		return false
	}
	c := newReferralConnector(n, t, from, p.ReferralID, p.NumInitialPortals)
	if err := c.start(); err != nil {
		n.log.WithError(err).Warnf("Failed to accept referral %d from %s", p.ReferralID, from.RemoteName())
	}
	return true
}

// AllocateSharedMemory allocates a memory region to share over a link.
// Non-broker nodes ask their broker for it.
func (n *Node) AllocateSharedMemory(size int, callback func(driver.Memory)) {
	broker := n.BrokerLink()
	if n.conf.Type == routing.NodeTypeBroker || broker == nil {
		mem, err := n.conf.Driver.AllocateMemory(size)
		if err != nil {
			n.log.WithError(err).Warnf("Failed to allocate %d bytes", size)
			callback(nil)
			return
		}
		callback(mem)
		return
	}
	broker.RequestMemory(uint32(size), callback)
}

// newPrimaryBuffer allocates and initializes the primary buffer of a new
// link.
func (n *Node) newPrimaryBuffer() (driver.Memory, error) {
	mem, err := n.conf.Driver.AllocateMemory(linkmemory.PrimaryBufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "allocate primary buffer")
	}
	mapping, err := mem.Map()
	if err != nil {
		_ = mem.Close() // nolint
		return nil, errors.Wrap(err, "map primary buffer")
	}
	defer func() { _ = mapping.Close() }() // nolint
	if !linkmemory.InitializePrimaryBuffer(mapping.Bytes()) {
		_ = mem.Close() // nolint
		return nil, linkmemory.ErrBufferTooSmall
	}
	return mem, nil
}

// mapPrimaryBuffer maps a primary buffer received from another node.
func (n *Node) mapPrimaryBuffer(o driver.Object) (*linkmemory.NodeLinkMemory, error) {
	mem, ok := o.(driver.Memory)
	if !ok {
		return nil, errors.Wrap(ErrInvalidArgument, "not a memory object")
	}
	mapping, err := mem.Map()
	if err != nil {
		return nil, errors.Wrap(err, "map primary buffer")
	}
	memory, err := linkmemory.New(mapping, n.log)
	if err != nil {
		_ = mapping.Close() // nolint
		return nil, err
	}
	return memory, nil
}

// OpenPortals opens a route between two new portals on this node.
func (n *Node) OpenPortals() (*Portal, *Portal) {
	a := newRouter(n, 0, 0)
	b := newRouter(n, 0, 0)
	la, lb := newLocalLinkPair(a, b)
	a.outward.primary = la
	b.outward.primary = lb
	return newPortal(a), newPortal(b)
}

// ConnectNode connects to another node over t and opens numPortals routes
// to it. The portals are usable at once; parcels put into them are sent as
// soon as the connection is established. If the other node opens fewer
// portals, the excess ones observe their peer closed.
func (n *Node) ConnectNode(t transport.Transport, numPortals int, flags ConnectFlags) ([]*Portal, error) {
	if numPortals <= 0 || numPortals > linkmemory.NumInitialPortals {
		return nil, errors.Wrapf(ErrInvalidArgument, "cannot open %d initial portals", numPortals)
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, ErrNodeClosed
	}

	isBroker := n.conf.Type == routing.NodeTypeBroker
	switch {
	case isBroker && flags != 0:
		return nil, errors.Wrap(ErrInvalidArgument, "brokers connect to non-brokers only")
	case !isBroker && flags&(ConnectToBroker|ShareBroker|InheritBroker) == 0:
		return nil, errors.Wrap(ErrInvalidArgument, "non-brokers need a broker to connect")
	}

	routers := make([]*Router, numPortals)
	portals := make([]*Portal, numPortals)
	for i := range routers {
		routers[i] = newRouter(n, 0, 0)
		portals[i] = newPortal(routers[i])
	}

	if flags&ShareBroker != 0 {
		broker := n.BrokerLink()
		if broker == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "no broker to share")
		}
		broker.ReferNonBroker(t, uint32(numPortals), func(link *NodeLink, remotePortals uint32) {
			bindInitialPortals(link, routers, remotePortals)
		})
		return portals, nil
	}

	c, err := newConnector(n, t, flags, routers)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return portals, nil
}

// bindInitialPortals binds the routers of the initial portals of a new link
// to its first sublinks. Routers beyond what the other side opened, or all
// of them if the link failed, are disconnected.
func bindInitialPortals(link *NodeLink, routers []*Router, remotePortals uint32) {
	for i, r := range routers {
		if link == nil || uint32(i) >= remotePortals {
			r.disconnectUnlinked()
			continue
		}
		state, _ := link.Memory().InitialRouterLinkState(i)
		rl := link.AddRemoteRouterLink(routing.SublinkID(i), state, routing.LinkCentral, link.Side(), r)
		if rl == nil {
			r.disconnectUnlinked()
			continue
		}
		r.SetOutwardLink(rl)
	}
}

// Close deactivates every link of the node.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.closed = true
	links := make([]*NodeLink, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	for _, l := range links {
		l.Deactivate()
	}
	return nil
}
