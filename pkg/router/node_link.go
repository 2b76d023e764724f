package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

type sublinkBinding struct {
	link   *RemoteRouterLink
	router *Router
}

type partialKey struct {
	sublink routing.SublinkID
	seq     routing.SequenceNumber
}

// partialParcel is one half of a parcel whose driver objects were relayed
// separately from its data.
type partialParcel struct {
	data    *parcel.Parcel
	objects []driver.Object
}

type linkStats struct {
	sent, received           uint64
	bytesSent, bytesReceived uint64
	relayed, invalid         uint64
}

// NodeLink is the connection between two nodes over one Transport. It
// multiplexes the links of any number of routes as sublinks, shares a
// NodeLinkMemory with the other side, and carries the messages nodes use to
// introduce, refer and provide memory to each other.
type NodeLink struct {
	node      *Node
	log       *logging.Logger
	side      routing.LinkSide
	transport transport.Transport
	memory    *linkmemory.NodeLinkMemory

	remoteName    routing.NodeName
	remoteType    routing.NodeType
	remoteVersion uint32

	mu           sync.Mutex
	active       bool
	deactivated  bool
	sublinks     map[routing.SublinkID]sublinkBinding
	partial      map[partialKey]*partialParcel
	referrals    map[uint64]func(*NodeLink, uint32)
	memoryWaits  map[uint32][]func(driver.Memory)
	nextReferral uint64

	txMu         sync.Mutex
	nextOutgoing routing.SequenceNumber
	nextIncoming routing.SequenceNumber

	stats linkStats
}

// NewNodeLink constructs a NodeLink to the node named remoteName over t,
// using memory as the link's shared memory. The link is inactive until
// Activate.
func NewNodeLink(node *Node, t transport.Transport, side routing.LinkSide, remoteName routing.NodeName,
	remoteType routing.NodeType, remoteVersion uint32, memory *linkmemory.NodeLinkMemory) *NodeLink {
	l := &NodeLink{
		node:          node,
		log:           logging.MustGetLogger(fmt.Sprintf("link:%s", remoteName.String()[:8])),
		side:          side,
		transport:     t,
		memory:        memory,
		remoteName:    remoteName,
		remoteType:    remoteType,
		remoteVersion: remoteVersion,
		sublinks:      make(map[routing.SublinkID]sublinkBinding),
		partial:       make(map[partialKey]*partialParcel),
		referrals:     make(map[uint64]func(*NodeLink, uint32)),
		memoryWaits:   make(map[uint32][]func(driver.Memory)),
	}
	memory.SetProvider(l)
	return l
}

// Activate starts receiving messages from the transport. Calls made once the
// link is active or deactivated are ignored.
func (l *NodeLink) Activate() error {
	if !l.markActive() {
		l.log.Debug("Ignoring repeated activation")
		return nil
	}
	if err := l.transport.Activate(l); err != nil {
		l.Deactivate()
		return errors.Wrap(err, "activate transport")
	}
	return nil
}

// markActive activates a link whose transport already delivers to a
// listener forwarding to the link.
// It reports false if the link was already active or deactivated.
func (l *NodeLink) markActive() bool {
	l.mu.Lock()
	if l.active || l.deactivated {
		l.mu.Unlock()
		return false
	}
	l.active = true
	l.mu.Unlock()
	l.node.metrics.RecordLinkOpened()
	return true
}

// RemoteName returns the name of the node on the other side.
func (l *NodeLink) RemoteName() routing.NodeName { return l.remoteName }

// RemoteType returns the type of the node on the other side.
func (l *NodeLink) RemoteType() routing.NodeType { return l.remoteType }

// Side returns the side of the link held by the local node.
func (l *NodeLink) Side() routing.LinkSide { return l.side }

// Memory returns the shared memory of the link.
func (l *NodeLink) Memory() *linkmemory.NodeLinkMemory { return l.memory }

func (l *NodeLink) String() string {
	return fmt.Sprintf("link to %s", l.remoteName)
}

// AddRemoteRouterLink binds router to sublink. It returns nil if the link
// was deactivated or the sublink is bound already.
func (l *NodeLink) AddRemoteRouterLink(sublink routing.SublinkID, state *linkmemory.RouterLinkState,
	linkType routing.LinkType, side routing.LinkSide, router *Router) *RemoteRouterLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deactivated {
		return nil
	}
	if _, ok := l.sublinks[sublink]; ok {
		l.log.Warnf("Sublink %d is bound already", sublink)
		return nil
	}
	link := &RemoteRouterLink{
		nodeLink: l,
		sublink:  sublink,
		linkType: linkType,
		side:     side,
		state:    state,
	}
	l.sublinks[sublink] = sublinkBinding{link: link, router: router}
	return link
}

// RemoveRemoteRouterLink unbinds sublink.
func (l *NodeLink) RemoveRemoteRouterLink(sublink routing.SublinkID) {
	l.mu.Lock()
	delete(l.sublinks, sublink)
	l.mu.Unlock()
}

// GetRouter returns the Router bound to sublink, or nil.
func (l *NodeLink) GetRouter(sublink routing.SublinkID) *Router {
	s, ok := l.getSublink(sublink)
	if !ok {
		return nil
	}
	return s.router
}

func (l *NodeLink) getSublink(sublink routing.SublinkID) (sublinkBinding, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sublinks[sublink]
	return s, ok
}

// NumSublinks returns the number of bound sublinks.
func (l *NodeLink) NumSublinks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sublinks)
}

// Transmit sends a message over the link. Messages carrying driver objects
// the transport cannot carry are relayed through the broker instead.
func (l *NodeLink) Transmit(p msg.Params) {
	m := msg.New(p)
	data, objects := m.Serialize()
	if len(objects) > 0 && !l.transport.CanTransmit(objects) {
		l.relay(m.Kind(), data, objects)
		return
	}

	l.txMu.Lock()
	l.mu.Lock()
	deactivated := l.deactivated
	l.mu.Unlock()
	if deactivated {
		l.txMu.Unlock()
		l.log.Debugf("Dropping %s on deactivated link", m.Kind())
		return
	}
	msg.SetSequenceNumber(data, l.nextOutgoing)
	l.nextOutgoing++
	err := l.transport.Transmit(data, objects)
	l.txMu.Unlock()
	if err != nil {
		l.log.WithError(err).Debugf("Failed to transmit %s", m.Kind())
		return
	}
	atomic.AddUint64(&l.stats.sent, 1)
	atomic.AddUint64(&l.stats.bytesSent, uint64(len(data)))
	l.node.metrics.RecordMessageSent(m.Kind().String(), len(data))
}

func (l *NodeLink) relay(kind msg.Kind, data []byte, objects []driver.Object) {
	broker := l.node.BrokerLink()
	if broker == nil || broker == l {
		l.log.Warnf("Dropping %s: it carries driver objects and there is no broker to relay it", kind)
		return
	}
	l.log.Debugf("Relaying %s through %s", kind, broker)
	atomic.AddUint64(&l.stats.relayed, 1)
	l.node.metrics.RecordRelay()
	broker.Transmit(&msg.RelayMessage{Destination: l.remoteName, Data: data, Objects: objects})
}

// OnMessage implements transport.Listener.
func (l *NodeLink) OnMessage(data []byte, objects []driver.Object) bool {
	h, ok := msg.PeekHeader(data)
	if !ok || h.Kind.IsConnector() {
		l.log.Warn("Received malformed message")
		return l.invalid("unknown")
	}
	if h.SequenceNumber != l.nextIncoming {
		l.log.Warnf("Received %s out of sequence: got %d, want %d", h.Kind, h.SequenceNumber, l.nextIncoming)
		return l.invalid(h.Kind.String())
	}
	l.nextIncoming++

	m, err := msg.Decode(data, objects)
	if errors.Cause(err) == msg.ErrUnknownKind {
		l.log.Debugf("Ignoring message of unknown kind %d", h.Kind)
		closeObjects(objects)
		return true
	}
	if err != nil {
		l.log.WithError(err).Warn("Received malformed message")
		closeObjects(objects)
		return l.invalid(h.Kind.String())
	}
	atomic.AddUint64(&l.stats.received, 1)
	atomic.AddUint64(&l.stats.bytesReceived, uint64(len(data)))
	l.node.metrics.RecordMessageReceived(h.Kind.String(), len(data))

	if !l.dispatch(m) {
		l.log.Warnf("Rejected %s", h.Kind)
		return l.invalid(h.Kind.String())
	}
	return true
}

// OnError implements transport.Listener.
func (l *NodeLink) OnError() {
	l.log.Debug("Transport failed")
	l.Deactivate()
}

func (l *NodeLink) invalid(kind string) bool {
	atomic.AddUint64(&l.stats.invalid, 1)
	l.node.metrics.RecordValidationFailure(kind)
	return false
}

// fail tears the link down after a message failed validation outside of
// OnMessage.
func (l *NodeLink) fail(kind msg.Kind) {
	l.invalid(kind.String())
	l.Deactivate()
}

// Deactivate tears the link down. Every bound Router is told its route is
// disconnected, exactly once.
func (l *NodeLink) Deactivate() {
	l.mu.Lock()
	if l.deactivated {
		l.mu.Unlock()
		return
	}
	l.deactivated = true
	wasActive := l.active
	sublinks := l.sublinks
	partial := l.partial
	referrals := l.referrals
	memoryWaits := l.memoryWaits
	l.sublinks = make(map[routing.SublinkID]sublinkBinding)
	l.partial = make(map[partialKey]*partialParcel)
	l.referrals = make(map[uint64]func(*NodeLink, uint32))
	l.memoryWaits = make(map[uint32][]func(driver.Memory))
	l.mu.Unlock()

	l.log.Debugf("Deactivating with %d sublinks", len(sublinks))
	l.transport.Deactivate()
	for _, s := range sublinks {
		s.router.AcceptRouteDisconnected(s.link)
	}
	for _, p := range partial {
		if p.data != nil {
			_ = p.data.Close() // nolint
		}
		closeObjects(p.objects)
	}
	for _, cb := range referrals {
		cb(nil, 0)
	}
	for _, waits := range memoryWaits {
		for _, cb := range waits {
			cb(nil)
		}
	}
	l.memory.Close()
	l.node.DropLink(l)
	if wasActive {
		l.node.metrics.RecordLinkDropped()
	}
	l.recordStats()
}

func (l *NodeLink) recordStats() {
	if l.node.linkLog == nil {
		return
	}
	entry := &linklog.Entry{
		MessagesSent:       atomic.LoadUint64(&l.stats.sent),
		MessagesReceived:   atomic.LoadUint64(&l.stats.received),
		BytesSent:          atomic.LoadUint64(&l.stats.bytesSent),
		BytesReceived:      atomic.LoadUint64(&l.stats.bytesReceived),
		Relayed:            atomic.LoadUint64(&l.stats.relayed),
		ValidationFailures: atomic.LoadUint64(&l.stats.invalid),
		Links:              1,
	}
	if err := linklog.Accumulate(l.node.linkLog, l.remoteName, entry); err != nil {
		l.log.WithError(err).Warn("Failed to record link statistics")
	}
}

// AllocateSharedMemory implements linkmemory.Provider.
func (l *NodeLink) AllocateSharedMemory(size int, callback func(driver.Memory)) {
	l.node.AllocateSharedMemory(size, callback)
}

// ShareBlockBuffer implements linkmemory.Provider.
func (l *NodeLink) ShareBlockBuffer(id routing.BufferID, blockSize uint32, memory driver.Memory) {
	l.AddBlockBuffer(id, blockSize, memory)
}

// AddBlockBuffer announces a block buffer the local side added to the link
// memory.
func (l *NodeLink) AddBlockBuffer(id routing.BufferID, blockSize uint32, memory driver.Memory) {
	l.Transmit(&msg.AddBlockBuffer{BufferID: id, BlockSize: blockSize, Buffer: memory})
}

// RequestIntroduction asks the broker on the other side for a link to the
// node named name.
func (l *NodeLink) RequestIntroduction(name routing.NodeName) {
	l.Transmit(&msg.RequestIntroduction{Name: name})
}

// RequestMemory asks the other side for a new shared memory region of size
// bytes. Concurrent requests of the same size are answered in order.
func (l *NodeLink) RequestMemory(size uint32, callback func(driver.Memory)) {
	l.mu.Lock()
	if l.deactivated {
		l.mu.Unlock()
		callback(nil)
		return
	}
	l.memoryWaits[size] = append(l.memoryWaits[size], callback)
	l.mu.Unlock()
	l.Transmit(&msg.RequestMemory{Size: size})
}

// ReferNonBroker asks the broker on the other side to link a new node,
// reachable over t, with this one. callback receives the resulting link, or
// nil if the referral failed.
func (l *NodeLink) ReferNonBroker(t transport.Transport, numPortals uint32, callback func(*NodeLink, uint32)) {
	l.mu.Lock()
	if l.deactivated {
		l.mu.Unlock()
		callback(nil, 0)
		return
	}
	id := l.nextReferral
	l.nextReferral++
	l.referrals[id] = callback
	l.mu.Unlock()
	l.Transmit(&msg.ReferNonBroker{ReferralID: id, NumInitialPortals: numPortals, Transport: t})
}

func closeObjects(objects []driver.Object) {
	for _, o := range objects {
		if o != nil {
			_ = o.Close() // nolint
		}
	}
}
