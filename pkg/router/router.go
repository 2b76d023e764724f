// Package router implements nodes, the links between them, and the routers
// which carry parcels between the two portals of a route.
package router

import (
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
)

type bypassState uint8

const (
	bypassNone bypassState = iota
	// The link to a remote outward peer is locked and the inward peer was
	// asked to bypass us.
	bypassRemotePeer
	// The link to a local outward peer is locked and the inward peer is
	// being handed a link to it.
	bypassLocalPeer
)

// Router is one hop of a route. A terminal Router backs a portal; a proxy
// Router forwards parcels between its inward and outward links until the
// route bypasses it.
//
// Parcels travelling outward (away from the portal which sent them) queue in
// outbound. Parcels travelling inward queue in inbound, where a terminal
// Router keeps them for its portal and a proxy forwards them.
//
// Router methods never call into links while holding mu, except to transmit
// over a NodeLink, which never calls back into a Router synchronously.
type Router struct {
	node *Node
	log  *logging.Logger

	mu       sync.Mutex
	outward  routeEdge
	inward   *routeEdge
	proxying bool
	outbound *parcel.SequencedQueue
	inbound  *parcel.SequencedQueue
	nextOut  routing.SequenceNumber

	closed              bool
	disconnected        bool
	retired             bool
	outboundClosureSent bool
	inboundClosureSent  bool

	bypass            bypassState
	hasInboundCutoff  bool
	inboundCutoff     routing.SequenceNumber
	hasOutboundCutoff bool
	outboundCutoff    routing.SequenceNumber

	changed            chan struct{}
	peerClosedNotified bool
	onPeerClosed       []func()
	onPeerConsumed     func()
}

func newRouter(node *Node, nextOut, nextIn routing.SequenceNumber) *Router {
	return &Router{
		node:     node,
		log:      node.log,
		outbound: parcel.NewSequencedQueue(nextOut),
		inbound:  parcel.NewSequencedQueue(nextIn),
		nextOut:  nextOut,
		changed:  make(chan struct{}),
	}
}

// deserializeRouter constructs the Router described by desc, bound to its
// predecessor over nodeLink.
func deserializeRouter(nodeLink *NodeLink, desc msg.RouterDescriptor) *Router {
	r := newRouter(nodeLink.node, desc.NextOutgoingSequenceNumber, desc.NextIncomingSequenceNumber)
	if desc.PeerClosed && !r.inbound.SetFinalSequenceLength(desc.ClosedPeerSequenceLength) {
		return nil
	}
	link := nodeLink.AddRemoteRouterLink(desc.NewSublink, nil, routing.LinkPeripheralOutward, routing.SideB, r)
	if link == nil {
		return nil
	}
	r.mu.Lock()
	r.outward.primary = link
	r.mu.Unlock()
	return r
}

// SetOutwardLink gives a Router created ahead of its link its outward link.
func (r *Router) SetOutwardLink(link RouterLink) {
	r.mu.Lock()
	if r.outward.primary != nil || r.disconnected {
		r.mu.Unlock()
		link.Deactivate()
		return
	}
	r.outward.primary = link
	if r.onPeerConsumed != nil && link.LinkState() != nil {
		link.LinkState().SetNotifyOnConsume(link.Side())
	}
	r.mu.Unlock()
	r.Flush()
}

// disconnectUnlinked disconnects a Router whose outward link never came to
// be. Parcels put into it are dropped.
func (r *Router) disconnectUnlinked() {
	r.mu.Lock()
	if r.disconnected || r.outward.primary != nil {
		r.mu.Unlock()
		return
	}
	r.disconnected = true
	dropped := r.inbound.ForceTerminateSequence()
	for {
		p, ok := r.outbound.Pop()
		if !ok {
			break
		}
		dropped = append(dropped, p)
	}
	r.mu.Unlock()

	for _, p := range dropped {
		_ = p.Close() // nolint
	}
	r.Flush()
}

// serializeNewRouter describes a successor of r on the other side of
// nodeLink and binds the inward link to it. r forwards nothing to its
// successor until beginProxying.
func (r *Router) serializeNewRouter(nodeLink *NodeLink) (msg.RouterDescriptor, bool) {
	sublink := nodeLink.Memory().AllocateSublinkIDs(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inward != nil || r.closed || r.retired {
		return msg.RouterDescriptor{}, false
	}
	desc := msg.RouterDescriptor{
		NewSublink:                 sublink,
		NextOutgoingSequenceNumber: r.nextOut,
		NextIncomingSequenceNumber: r.inbound.CurrentSequenceNumber(),
	}
	if n, ok := r.inbound.FinalSequenceLength(); ok {
		desc.PeerClosed = true
		desc.ClosedPeerSequenceLength = n
	}
	link := nodeLink.AddRemoteRouterLink(sublink, nil, routing.LinkPeripheralInward, routing.SideA, r)
	if link == nil {
		return msg.RouterDescriptor{}, false
	}
	r.inward = &routeEdge{primary: link}
	r.onPeerClosed = nil
	r.onPeerConsumed = nil
	return desc, true
}

func (r *Router) beginProxying() {
	r.mu.Lock()
	r.proxying = true
	r.mu.Unlock()
	r.Flush()
}

// AcceptInboundParcel accepts a parcel travelling inward from one of the
// outward links. It returns false if the parcel could not legitimately have
// come over link.
func (r *Router) AcceptInboundParcel(from RouterLink, p *parcel.Parcel) bool {
	r.mu.Lock()
	if r.retired || r.disconnected || (r.closed && r.inward == nil) ||
		(r.outward.primary == nil && r.outward.decaying == nil) {
		r.mu.Unlock()
		_ = p.Close() // nolint
		return true
	}
	if !r.outward.accepts(from, p.SequenceNumber()) {
		r.mu.Unlock()
		r.log.Warnf("Rejecting parcel %d from unexpected %s", p.SequenceNumber(), from)
		return false
	}
	if !r.inbound.Push(p) {
		r.mu.Unlock()
		r.log.Warnf("Rejecting out of sequence parcel %d from %s", p.SequenceNumber(), from)
		return false
	}
	r.publishQueueStateLocked(false)
	r.mu.Unlock()

	r.Flush()
	return true
}

// AcceptOutboundParcel accepts a parcel travelling outward from the inward
// link of a proxy.
func (r *Router) AcceptOutboundParcel(from RouterLink, p *parcel.Parcel) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		_ = p.Close() // nolint
		return true
	}
	if r.inward == nil || from != r.inward.primary || !r.outbound.Push(p) {
		r.mu.Unlock()
		r.log.Warnf("Rejecting outbound parcel %d from %s", p.SequenceNumber(), from)
		return false
	}
	r.mu.Unlock()

	r.Flush()
	return true
}

// AcceptRouteClosure learns that the side of the route beyond from sends
// exactly length parcels in total.
func (r *Router) AcceptRouteClosure(from RouterLink, length routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	var ok bool
	switch {
	case r.outward.has(from):
		ok = r.inbound.SetFinalSequenceLength(length)
	case r.inward != nil && from == r.inward.primary:
		ok = r.outbound.SetFinalSequenceLength(length)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("Rejecting closure at %d from %s", length, from)
		return false
	}

	r.Flush()
	return true
}

// AcceptRouteDisconnected learns that the route is broken beyond from. Any
// parcels still missing on that side never arrive. Disconnection propagates
// to the other side of a proxy.
func (r *Router) AcceptRouteDisconnected(from RouterLink) {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return
	}
	var (
		dropped   []*parcel.Parcel
		propagate RouterLink
	)
	switch {
	case r.outward.has(from):
		dropped = r.inbound.ForceTerminateSequence()
		if r.inward != nil {
			propagate = r.inward.primary
		}
	case r.inward != nil && from == r.inward.primary:
		dropped = r.outbound.ForceTerminateSequence()
		propagate = r.outward.primary
	default:
		r.mu.Unlock()
		return
	}
	r.disconnected = true
	links := r.outward.release()
	if r.inward != nil {
		links = append(links, r.inward.release()...)
	}
	r.mu.Unlock()

	r.log.Debugf("Route disconnected at %s", from)
	for _, p := range dropped {
		_ = p.Close() // nolint
	}
	if propagate != nil && propagate != from {
		propagate.AcceptRouteDisconnected()
	}
	for _, l := range links {
		l.Deactivate()
	}
	r.Flush()
}

// NotifyPeerConsumedData is called when the other portal consumed parcels
// while r asked to hear about it.
func (r *Router) NotifyPeerConsumedData() {
	r.mu.Lock()
	cb := r.onPeerConsumed
	if cb != nil {
		if l := r.outward.primary; l != nil && l.LinkState() != nil {
			l.LinkState().SetNotifyOnConsume(l.Side())
		}
	}
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// CloseRoute closes the portal side of a terminal Router. Parcels already
// sent still reach the other portal, followed by the closure.
func (r *Router) CloseRoute() {
	r.mu.Lock()
	if r.closed || r.inward != nil {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.outbound.SetFinalSequenceLength(r.nextOut)
	var dropped []*parcel.Parcel
	for {
		p, ok := r.inbound.Pop()
		if !ok {
			break
		}
		dropped = append(dropped, p)
	}
	r.onPeerClosed = nil
	r.onPeerConsumed = nil
	r.mu.Unlock()

	for _, p := range dropped {
		_ = p.Close() // nolint
	}
	r.Flush()
}

type routedParcel struct {
	link   RouterLink
	parcel *parcel.Parcel
}

type routedClosure struct {
	link   RouterLink
	length routing.SequenceNumber
}

// flushOps is the work collected by Flush under the lock and performed
// after releasing it.
type flushOps struct {
	parcels    []routedParcel
	closures   []routedClosure
	flushPeers []RouterLink
	drop       []RouterLink
	bypass     func()
	callbacks  []func()
}

func (ops *flushOps) run() {
	for _, p := range ops.parcels {
		p.link.AcceptParcel(p.parcel)
	}
	for _, c := range ops.closures {
		c.link.AcceptRouteClosure(c.length)
	}
	for _, l := range ops.flushPeers {
		l.FlushPeer()
	}
	for _, l := range ops.drop {
		l.Deactivate()
	}
	if ops.bypass != nil {
		ops.bypass()
	}
	for _, cb := range ops.callbacks {
		cb()
	}
}

// Flush forwards every parcel which can move, propagates closure, drops
// links which are done decaying and advances bypass of proxies.
func (r *Router) Flush() {
	r.mu.Lock()
	ops := r.collectLocked()
	r.mu.Unlock()
	ops.run()
}

func (r *Router) collectLocked() *flushOps {
	ops := &flushOps{}
	if r.retired {
		return ops
	}
	if !r.disconnected {
		r.collectParcelsLocked(ops)
		r.collectClosuresLocked(ops)

		if r.outward.canDropDecaying(r.outbound.CurrentSequenceNumber(), r.inbound.ContiguousLength()) {
			r.log.Debugf("Dropping decaying %s", r.outward.decaying)
			ops.drop = append(ops.drop, r.outward.decaying)
			r.outward.clearDecaying()
		}
		if l := r.outward.primary; l != nil && r.outward.decaying == nil && l.Type().IsCentral() && markSideStable(l) {
			ops.flushPeers = append(ops.flushPeers, l)
		}

		if r.inward != nil {
			r.collectProxyLocked(ops)
		} else {
			r.collectTerminalLocked(ops)
		}
	}

	if r.inward == nil && !r.peerClosedNotified && r.peerClosedLocked() {
		r.peerClosedNotified = true
		ops.callbacks = append(ops.callbacks, r.onPeerClosed...)
		r.onPeerClosed = nil
	}
	close(r.changed)
	r.changed = make(chan struct{})
	return ops
}

func (r *Router) collectParcelsLocked(ops *flushOps) {
	for {
		p, ok := r.outbound.Peek()
		if !ok {
			break
		}
		link := r.outward.linkFor(p.SequenceNumber())
		if link == nil {
			break
		}
		r.outbound.Pop()
		ops.parcels = append(ops.parcels, routedParcel{link: link, parcel: p})
	}
	if r.inward == nil || !r.proxying || r.inward.primary == nil {
		return
	}
	for {
		p, ok := r.inbound.Pop()
		if !ok {
			break
		}
		ops.parcels = append(ops.parcels, routedParcel{link: r.inward.primary, parcel: p})
	}
}

func (r *Router) collectClosuresLocked(ops *flushOps) {
	if n, ok := r.outbound.FinalSequenceLength(); ok && !r.outboundClosureSent &&
		r.outbound.IsSequenceFullyConsumed() && r.outward.primary != nil {
		r.outboundClosureSent = true
		ops.closures = append(ops.closures, routedClosure{link: r.outward.primary, length: n})
	}
	if r.inward == nil || !r.proxying || r.inward.primary == nil || r.inboundClosureSent {
		return
	}
	if n, ok := r.inbound.FinalSequenceLength(); ok && r.inbound.IsSequenceFullyConsumed() {
		r.inboundClosureSent = true
		ops.closures = append(ops.closures, routedClosure{link: r.inward.primary, length: n})
	}
}

// collectTerminalLocked lets go of the links of a terminal Router once
// nothing more can travel over them.
func (r *Router) collectTerminalLocked(ops *flushOps) {
	if r.outward.primary == nil {
		return
	}
	peerDone := false
	if n, ok := r.inbound.FinalSequenceLength(); ok && r.inbound.ContiguousLength() >= n {
		peerDone = true
	}
	if (r.closed && r.outboundClosureSent) || peerDone {
		ops.drop = append(ops.drop, r.outward.release()...)
	}
}

func (r *Router) collectProxyLocked(ops *flushOps) {
	if !r.proxying || r.inward.primary == nil {
		return
	}
	cutoffReached := r.hasInboundCutoff && r.hasOutboundCutoff &&
		r.inbound.CurrentSequenceNumber() >= r.inboundCutoff &&
		r.outbound.CurrentSequenceNumber() >= r.outboundCutoff
	if cutoffReached || (r.outboundClosureSent && r.inboundClosureSent) {
		r.log.Debugf("Proxy retiring after %d inbound and %d outbound parcels",
			r.inbound.CurrentSequenceNumber(), r.outbound.CurrentSequenceNumber())
		r.retired = true
		ops.drop = append(ops.drop, r.outward.release()...)
		ops.drop = append(ops.drop, r.inward.release()...)
		return
	}
	if r.bypass == bypassNone {
		r.tryBypassLocked(ops)
	}
}

// publishQueueStateLocked reports the parcels waiting for the portal of a
// terminal Router to the other side of its central link. If consumed, it
// returns the link to notify if the other side asked for that.
func (r *Router) publishQueueStateLocked(consumed bool) RouterLink {
	l := r.outward.primary
	if r.inward != nil || l == nil || l.LinkState() == nil {
		return nil
	}
	state := l.LinkState()
	state.UpdateQueueState(l.Side(), uint64(r.inbound.NumAvailable()), uint64(r.inbound.TotalAvailableBytes()))
	if consumed && state.ResetNotifyOnConsume(l.Side().Opposite()) {
		return l
	}
	return nil
}

func (r *Router) peerClosedLocked() bool {
	_, ok := r.inbound.FinalSequenceLength()
	return ok || r.disconnected
}

func (r *Router) put(p *parcel.Parcel) error {
	r.mu.Lock()
	if r.closed || r.inward != nil {
		r.mu.Unlock()
		return ErrPortalClosed
	}
	if r.peerClosedLocked() {
		r.mu.Unlock()
		return ErrRouteClosed
	}
	p.SetSequenceNumber(r.nextOut)
	if !r.outbound.Push(p) {
		r.mu.Unlock()
		return ErrInvalidArgument
	}
	r.nextOut++
	r.mu.Unlock()

	r.Flush()
	return nil
}

func (r *Router) get() (*parcel.Parcel, error) {
	r.mu.Lock()
	if r.closed || r.inward != nil {
		r.mu.Unlock()
		return nil, ErrPortalClosed
	}
	p, ok := r.inbound.Pop()
	if !ok {
		dead := r.inbound.IsSequenceFullyConsumed()
		r.mu.Unlock()
		if dead {
			return nil, ErrRouteClosed
		}
		return nil, ErrUnavailable
	}
	notify := r.publishQueueStateLocked(true)
	r.mu.Unlock()

	if notify != nil {
		notify.NotifyDataConsumed()
	}
	return p, nil
}

// changes returns a channel closed on the next change to r.
func (r *Router) changes() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// allowsTransferOf reports whether r may carry other inside a parcel: a
// route cannot carry its own ends.
func (r *Router) allowsTransferOf(other *Router) bool {
	if other == r {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.outward.primary; l != nil && l.LocalPeer() == other {
		return false
	}
	return true
}

// observePeerClosed calls cb once the other side of the route is closed or
// lost. It calls cb at once if that already happened.
func (r *Router) observePeerClosed(cb func()) {
	r.mu.Lock()
	if r.peerClosedNotified {
		r.mu.Unlock()
		cb()
		return
	}
	r.onPeerClosed = append(r.onPeerClosed, cb)
	r.mu.Unlock()
	r.Flush()
}

// observePeerConsumed calls cb whenever the other portal consumes parcels.
func (r *Router) observePeerConsumed(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPeerConsumed = cb
	if l := r.outward.primary; cb != nil && l != nil && l.LinkState() != nil {
		l.LinkState().SetNotifyOnConsume(l.Side())
	}
}

func (r *Router) status() PortalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := PortalStatus{
		PeerClosed:   r.peerClosedLocked(),
		Dead:         r.inbound.IsSequenceFullyConsumed(),
		LocalParcels: r.inbound.NumAvailable(),
		LocalBytes:   r.inbound.TotalAvailableBytes(),
	}
	if l := r.outward.primary; l != nil && l.LinkState() != nil {
		parcels, bytes := l.LinkState().QueueState(l.Side().Opposite())
		s.RemoteParcels, s.RemoteBytes = int(parcels), int(bytes)
	}
	return s
}
