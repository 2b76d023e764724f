package router

import (
	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

// dispatch handles a decoded message. It returns false if the message fails
// validation, which tears the link down.
func (l *NodeLink) dispatch(m *msg.Message) bool {
	switch p := m.Params.(type) {
	case *msg.ReferNonBroker:
		return l.node.onReferNonBroker(l, p)
	case *msg.NonBrokerReferralAccepted:
		return l.onNonBrokerReferralAccepted(p)
	case *msg.NonBrokerReferralRejected:
		return l.onNonBrokerReferralRejected(p)
	case *msg.RequestIntroduction:
		return l.node.onRequestIntroduction(l, p)
	case *msg.AcceptIntroduction:
		return l.node.onAcceptIntroduction(l, p)
	case *msg.RejectIntroduction:
		return l.node.onRejectIntroduction(l, p)
	case *msg.RequestMemory:
		return l.onRequestMemory(p)
	case *msg.ProvideMemory:
		return l.onProvideMemory(p)
	case *msg.RelayMessage:
		return l.node.onRelayMessage(l, p)
	case *msg.AcceptRelayedMessage:
		return l.onAcceptRelayedMessage(p)
	case *msg.AddBlockBuffer:
		return l.onAddBlockBuffer(p)
	case *msg.AcceptParcel:
		return l.onAcceptParcel(p)
	case *msg.AcceptParcelDriverObjects:
		return l.onAcceptParcelDriverObjects(p)
	case *msg.RouteClosed:
		return l.onRouteClosed(p)
	case *msg.RouteDisconnected:
		return l.onRouteDisconnected(p)
	case *msg.BypassPeer:
		return l.onBypassPeer(p)
	case *msg.AcceptBypassLink:
		return l.onAcceptBypassLink(p)
	case *msg.StopProxying:
		return l.onStopProxying(p)
	case *msg.ProxyWillStop:
		return l.onProxyWillStop(p)
	case *msg.BypassPeerWithLink:
		return l.onBypassPeerWithLink(p)
	case *msg.StopProxyingToLocalPeer:
		return l.onStopProxyingToLocalPeer(p)
	case *msg.NotifyDataConsumed:
		return l.onNotifyDataConsumed(p)
	case *msg.FlushRouter:
		return l.onFlushRouter(p)
	}
	l.log.Debugf("Ignoring %s", m.Kind())
	return true
}

// dispatchRelayed handles a message relayed from this link's remote node by
// the broker. Only messages which carry driver objects can legitimately need
// a relay; others are ignored.
func (l *NodeLink) dispatchRelayed(m *msg.Message) bool {
	switch p := m.Params.(type) {
	case *msg.AcceptParcelDriverObjects:
		return l.onAcceptParcelDriverObjects(p)
	case *msg.AddBlockBuffer:
		return l.onAddBlockBuffer(p)
	}
	l.log.Debugf("Ignoring relayed %s", m.Kind())
	return true
}

func (l *NodeLink) onNonBrokerReferralAccepted(p *msg.NonBrokerReferralAccepted) bool {
	l.mu.Lock()
	callback, ok := l.referrals[p.ReferralID]
	delete(l.referrals, p.ReferralID)
	l.mu.Unlock()
	if !ok || l.remoteType != routing.NodeTypeBroker {
		return false
	}
	t, ok := p.Transport.(transport.Transport)
	if !ok {
		callback(nil, 0)
		return false
	}
	memory, err := l.node.mapPrimaryBuffer(p.Buffer)
	if err != nil {
		l.log.WithError(err).Warn("Referred node sent unusable link memory")
		t.Deactivate()
		callback(nil, 0)
		return false
	}
	link := NewNodeLink(l.node, t, routing.SideA, p.Name, routing.NodeTypeNormal, p.ProtocolVersion, memory)
	if !l.node.AddLink(link) {
		t.Deactivate()
		memory.Close()
		callback(nil, 0)
		return true
	}
	if err := link.Activate(); err != nil {
		callback(nil, 0)
		return true
	}
	callback(link, p.NumInitialPortals)
	return true
}

func (l *NodeLink) onNonBrokerReferralRejected(p *msg.NonBrokerReferralRejected) bool {
	l.mu.Lock()
	callback, ok := l.referrals[p.ReferralID]
	delete(l.referrals, p.ReferralID)
	l.mu.Unlock()
	if !ok {
		return false
	}
	l.log.Infof("Referral %d was rejected", p.ReferralID)
	callback(nil, 0)
	return true
}

func (l *NodeLink) onRequestMemory(p *msg.RequestMemory) bool {
	resp := &msg.ProvideMemory{Size: p.Size}
	mem, err := l.node.conf.Driver.AllocateMemory(int(p.Size))
	if err != nil {
		l.log.WithError(err).Warnf("Failed to allocate %d bytes for %s", p.Size, l.remoteName)
	} else {
		resp.Buffer = mem
	}
	l.Transmit(resp)
	return true
}

func (l *NodeLink) onProvideMemory(p *msg.ProvideMemory) bool {
	l.mu.Lock()
	waits := l.memoryWaits[p.Size]
	if len(waits) == 0 {
		l.mu.Unlock()
		return false
	}
	callback := waits[0]
	if len(waits) == 1 {
		delete(l.memoryWaits, p.Size)
	} else {
		l.memoryWaits[p.Size] = waits[1:]
	}
	l.mu.Unlock()

	if p.Buffer == nil {
		callback(nil)
		return true
	}
	mem, ok := p.Buffer.(driver.Memory)
	if !ok {
		callback(nil)
		return false
	}
	callback(mem)
	return true
}

func (l *NodeLink) onAcceptRelayedMessage(p *msg.AcceptRelayedMessage) bool {
	if l.remoteType != routing.NodeTypeBroker {
		return false
	}
	source := l.node.GetLink(p.Source)
	if source == nil {
		l.log.Debugf("Dropping message relayed from unknown node %s", p.Source)
		return true
	}
	m, err := msg.Decode(p.Data, p.Objects)
	if err != nil {
		l.log.WithError(err).Warnf("Malformed message relayed from %s", p.Source)
		source.fail(msg.KindAcceptRelayedMessage)
		return true
	}
	if !source.dispatchRelayed(m) {
		source.fail(m.Kind())
	}
	return true
}

func (l *NodeLink) onAddBlockBuffer(p *msg.AddBlockBuffer) bool {
	mem, ok := p.Buffer.(driver.Memory)
	if !ok {
		return false
	}
	mapping, err := mem.Map()
	if err != nil {
		l.log.WithError(err).Warnf("Failed to map block buffer %d", p.BufferID)
		return false
	}
	if !l.memory.AddBlockBuffer(p.BufferID, int(p.BlockSize), mapping) {
		_ = mapping.Close() // nolint
		return false
	}
	return true
}

func (l *NodeLink) onAcceptParcel(p *msg.AcceptParcel) bool {
	objects := make([]parcel.Object, len(p.HandleTypes))
	routers := p.NewRouters
	boxes := p.DriverObjects
	split := false
	for i, t := range p.HandleTypes {
		switch t {
		case msg.HandlePortal:
			if len(routers) == 0 {
				return false
			}
			r := deserializeRouter(l, routers[0])
			if r == nil {
				return false
			}
			routers = routers[1:]
			objects[i] = newPortal(r)
		case msg.HandleBox:
			if len(boxes) == 0 {
				return false
			}
			objects[i] = parcel.NewBox(boxes[0])
			boxes = boxes[1:]
		case msg.HandleRelayedBox:
			split = true
		default:
			return false
		}
	}
	if len(routers) > 0 || len(boxes) > 0 {
		return false
	}

	pc := parcel.New(p.SequenceNumber)
	pc.SetObjects(objects)
	if p.ParcelFragment.IsNull() {
		pc.SetInlinedData(p.ParcelData)
		return l.acceptCompleteParcel(p.Sublink, pc, split)
	}
	if len(p.ParcelData) > 0 {
		return false
	}
	f := l.memory.GetFragment(p.ParcelFragment)
	if f.IsPending() {
		l.log.Debugf("Parcel %d waits for buffer %d", p.SequenceNumber, p.ParcelFragment.BufferID)
		l.memory.WaitForBufferAsync(p.ParcelFragment.BufferID, func() {
			f := l.memory.GetFragment(p.ParcelFragment)
			if !pc.AdoptDataFragment(l.memory, f) || !l.acceptCompleteParcel(p.Sublink, pc, split) {
				l.fail(msg.KindAcceptParcel)
			}
		})
		return true
	}
	if !pc.AdoptDataFragment(l.memory, f) {
		return false
	}
	return l.acceptCompleteParcel(p.Sublink, pc, split)
}

func (l *NodeLink) onAcceptParcelDriverObjects(p *msg.AcceptParcelDriverObjects) bool {
	key := partialKey{sublink: p.Sublink, seq: p.SequenceNumber}
	l.mu.Lock()
	half, ok := l.partial[key]
	if !ok {
		l.partial[key] = &partialParcel{objects: p.DriverObjects}
		l.mu.Unlock()
		return true
	}
	if half.data == nil {
		l.mu.Unlock()
		l.log.Debugf("Rejecting repeated objects of parcel %d on sublink %d", p.SequenceNumber, p.Sublink)
		closeObjects(p.DriverObjects)
		return false
	}
	delete(l.partial, key)
	l.mu.Unlock()
	return l.joinParcel(p.Sublink, half.data, p.DriverObjects)
}

// acceptCompleteParcel delivers a parcel whose data is available. A parcel
// whose objects were relayed waits for them first.
func (l *NodeLink) acceptCompleteParcel(sublink routing.SublinkID, p *parcel.Parcel, split bool) bool {
	if !split {
		return l.deliverParcel(sublink, p)
	}
	key := partialKey{sublink: sublink, seq: p.SequenceNumber()}
	l.mu.Lock()
	half, ok := l.partial[key]
	if !ok {
		l.partial[key] = &partialParcel{data: p}
		l.mu.Unlock()
		return true
	}
	if half.data != nil {
		l.mu.Unlock()
		l.log.Debugf("Rejecting repeated data of parcel %d on sublink %d", p.SequenceNumber(), sublink)
		_ = p.Close() // nolint
		return false
	}
	delete(l.partial, key)
	l.mu.Unlock()
	return l.joinParcel(sublink, p, half.objects)
}

// joinParcel fills the relayed slots of p with objects, in order. The parcel
// and every object are closed if the counts do not match.
func (l *NodeLink) joinParcel(sublink routing.SublinkID, p *parcel.Parcel, objects []driver.Object) bool {
	slots := p.Objects()
	for i := range slots {
		if slots[i] != nil {
			continue
		}
		if len(objects) == 0 {
			l.log.Warnf("Parcel %d on sublink %d lacks relayed objects", p.SequenceNumber(), sublink)
			_ = p.Close() // nolint
			return false
		}
		slots[i] = parcel.NewBox(objects[0])
		objects = objects[1:]
	}
	if len(objects) > 0 {
		l.log.Warnf("Parcel %d on sublink %d got %d extra relayed objects", p.SequenceNumber(), sublink, len(objects))
		closeObjects(objects)
		_ = p.Close() // nolint
		return false
	}
	return l.deliverParcel(sublink, p)
}

func (l *NodeLink) deliverParcel(sublink routing.SublinkID, p *parcel.Parcel) bool {
	s, ok := l.getSublink(sublink)
	if !ok {
		l.log.Debugf("Dropping parcel %d for unbound sublink %d", p.SequenceNumber(), sublink)
		_ = p.Close() // nolint
		return true
	}
	if s.link.Type().IsOutward() {
		return s.router.AcceptInboundParcel(s.link, p)
	}
	return s.router.AcceptOutboundParcel(s.link, p)
}

func (l *NodeLink) onRouteClosed(p *msg.RouteClosed) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	return s.router.AcceptRouteClosure(s.link, p.SequenceLength)
}

func (l *NodeLink) onRouteDisconnected(p *msg.RouteDisconnected) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	s.router.AcceptRouteDisconnected(s.link)
	return true
}

func (l *NodeLink) onBypassPeer(p *msg.BypassPeer) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	return s.router.BypassPeer(s.link, p.BypassTargetNode, p.BypassTargetSublink)
}

// linkState resolves the state of a new central link, waiting for its
// buffer if needed. retry is invoked again once the buffer arrives.
func (l *NodeLink) linkState(desc routing.FragmentDescriptor, kind msg.Kind, retry func() bool) (*linkmemory.RouterLinkState, bool, bool) {
	f := l.memory.GetFragment(desc)
	if f.IsPending() {
		l.memory.WaitForBufferAsync(desc.BufferID, func() {
			if !retry() {
				l.fail(kind)
			}
		})
		return nil, true, false
	}
	state, ok := linkmemory.NewRouterLinkState(f)
	return state, false, ok
}

func (l *NodeLink) onAcceptBypassLink(p *msg.AcceptBypassLink) bool {
	old := l.node.GetLink(p.CurrentPeerNode)
	if old == nil {
		l.log.Debugf("Ignoring bypass link replacing a link to unknown node %s", p.CurrentPeerNode)
		return true
	}
	s, ok := old.getSublink(p.CurrentPeerSublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.CurrentPeerSublink)
		return true
	}
	state, pending, ok := l.linkState(p.NewLinkState, p.Kind(), func() bool { return l.onAcceptBypassLink(p) })
	if pending {
		return true
	}
	if !ok {
		return false
	}
	return s.router.AcceptBypassLink(l, s.link, p.NewSublink, state, p.InboundSequenceLengthFromBypassedLink)
}

func (l *NodeLink) onStopProxying(p *msg.StopProxying) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	return s.router.StopProxying(s.link, p.InboundSequenceLength, p.OutboundSequenceLength)
}

func (l *NodeLink) onProxyWillStop(p *msg.ProxyWillStop) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	return s.router.NotifyProxyWillStop(s.link, p.InboundSequenceLength)
}

func (l *NodeLink) onBypassPeerWithLink(p *msg.BypassPeerWithLink) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	state, pending, ok := l.linkState(p.NewLinkState, p.Kind(), func() bool { return l.onBypassPeerWithLink(p) })
	if pending {
		return true
	}
	if !ok {
		return false
	}
	return s.router.AcceptBypassPeerWithLink(l, s.link, p.NewSublink, state, p.InboundSequenceLength)
}

func (l *NodeLink) onStopProxyingToLocalPeer(p *msg.StopProxyingToLocalPeer) bool {
	s, ok := l.getSublink(p.Sublink)
	if !ok {
		l.log.Debugf("Ignoring %s for unbound sublink %d", p.Kind(), p.Sublink)
		return true
	}
	return s.router.StopProxyingToLocalPeer(s.link, p.OutboundSequenceLength)
}

func (l *NodeLink) onNotifyDataConsumed(p *msg.NotifyDataConsumed) bool {
	if r := l.GetRouter(p.Sublink); r != nil {
		r.NotifyPeerConsumedData()
	}
	return true
}

func (l *NodeLink) onFlushRouter(p *msg.FlushRouter) bool {
	if r := l.GetRouter(p.Sublink); r != nil {
		r.Flush()
	}
	return true
}
