package router

import (
	"fmt"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
)

// RemoteRouterLink joins a Router to a Router on another node over one
// sublink of a NodeLink.
type RemoteRouterLink struct {
	nodeLink *NodeLink
	sublink  routing.SublinkID
	linkType routing.LinkType
	side     routing.LinkSide
	state    *linkmemory.RouterLinkState
}

// NodeLink returns the NodeLink the link runs over.
func (l *RemoteRouterLink) NodeLink() *NodeLink { return l.nodeLink }

// Sublink returns the sublink of the link.
func (l *RemoteRouterLink) Sublink() routing.SublinkID { return l.sublink }

// Type implements RouterLink.
func (l *RemoteRouterLink) Type() routing.LinkType { return l.linkType }

// Side implements RouterLink.
func (l *RemoteRouterLink) Side() routing.LinkSide { return l.side }

// LinkState implements RouterLink.
func (l *RemoteRouterLink) LinkState() *linkmemory.RouterLinkState { return l.state }

// LocalPeer implements RouterLink.
func (l *RemoteRouterLink) LocalPeer() *Router { return nil }

// AcceptParcel implements RouterLink. Portals attached to p are serialized
// into new routers on the remote node, which turns their local routers into
// proxies once the parcel is on its way.
func (l *RemoteRouterLink) AcceptParcel(p *parcel.Parcel) {
	accept := &msg.AcceptParcel{
		Sublink:        l.sublink,
		SequenceNumber: p.SequenceNumber(),
		ParcelFragment: routing.NullFragment,
	}

	var (
		proxies []*Router
		boxed   []driver.Object
	)
	objects := p.TakeObjects()
	for _, o := range objects {
		switch o := o.(type) {
		case *Portal:
			r := o.takeRouter()
			if r == nil {
				l.nodeLink.log.Warn("Dropping closed portal from parcel")
				continue
			}
			desc, ok := r.serializeNewRouter(l.nodeLink)
			if !ok {
				l.nodeLink.log.Warnf("Failed to move route over %s", l.nodeLink)
				r.CloseRoute()
				continue
			}
			accept.HandleTypes = append(accept.HandleTypes, msg.HandlePortal)
			accept.NewRouters = append(accept.NewRouters, desc)
			proxies = append(proxies, r)
		case *parcel.Box:
			accept.HandleTypes = append(accept.HandleTypes, msg.HandleBox)
			boxed = append(boxed, o.Object())
		default:
			l.nodeLink.log.Warnf("Dropping unsupported parcel object %T", o)
			_ = o.Close() // nolint
		}
	}

	l.setParcelData(accept, p)

	if len(boxed) > 0 && !l.nodeLink.transport.CanTransmit(boxed) {
		// The objects must take a detour through the broker. Send the data
		// half directly and the objects half relayed; the receiver joins
		// them back together in whatever order they arrive.
		for i, t := range accept.HandleTypes {
			if t == msg.HandleBox {
				accept.HandleTypes[i] = msg.HandleRelayedBox
			}
		}
		l.nodeLink.Transmit(accept)
		l.nodeLink.Transmit(&msg.AcceptParcelDriverObjects{
			Sublink:        l.sublink,
			SequenceNumber: p.SequenceNumber(),
			DriverObjects:  boxed,
		})
	} else {
		accept.DriverObjects = boxed
		l.nodeLink.Transmit(accept)
	}

	for _, r := range proxies {
		r.beginProxying()
	}
}

func (l *RemoteRouterLink) setParcelData(accept *msg.AcceptParcel, p *parcel.Parcel) {
	defer p.Release()
	data := p.Data()
	if len(data) <= l.nodeLink.node.inlineDataLimit {
		accept.ParcelData = append([]byte(nil), data...)
		return
	}
	f, ok := l.nodeLink.memory.Allocate(len(data) + linkmemory.DataHeaderSize)
	if !ok || !linkmemory.WriteData(f, data) {
		if ok {
			l.nodeLink.memory.Free(f)
		}
		accept.ParcelData = append([]byte(nil), data...)
		return
	}
	accept.ParcelFragment = f.Descriptor()
}

// AcceptRouteClosure implements RouterLink.
func (l *RemoteRouterLink) AcceptRouteClosure(length routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.RouteClosed{Sublink: l.sublink, SequenceLength: length})
}

// AcceptRouteDisconnected implements RouterLink.
func (l *RemoteRouterLink) AcceptRouteDisconnected() {
	l.nodeLink.Transmit(&msg.RouteDisconnected{Sublink: l.sublink})
}

// NotifyDataConsumed implements RouterLink.
func (l *RemoteRouterLink) NotifyDataConsumed() {
	l.nodeLink.Transmit(&msg.NotifyDataConsumed{Sublink: l.sublink})
}

// FlushPeer implements RouterLink.
func (l *RemoteRouterLink) FlushPeer() {
	l.nodeLink.Transmit(&msg.FlushRouter{Sublink: l.sublink})
}

// Deactivate implements RouterLink.
func (l *RemoteRouterLink) Deactivate() {
	l.nodeLink.RemoveRemoteRouterLink(l.sublink)
}

// BypassPeer asks the Router on the other side, whose outward peer is the
// local Router, to link directly with the Router at sublink on the node
// named target.
func (l *RemoteRouterLink) BypassPeer(target routing.NodeName, sublink routing.SublinkID) {
	l.nodeLink.Transmit(&msg.BypassPeer{
		Sublink:             l.sublink,
		BypassTargetNode:    target,
		BypassTargetSublink: sublink,
	})
}

// AcceptBypassLink offers the other side a new central link at sublink,
// replacing its link to the Router at peerSublink on peerNode.
func (l *RemoteRouterLink) AcceptBypassLink(peerNode routing.NodeName, peerSublink, sublink routing.SublinkID,
	state routing.FragmentDescriptor, inboundLength routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.AcceptBypassLink{
		CurrentPeerNode:                       peerNode,
		CurrentPeerSublink:                    peerSublink,
		InboundSequenceLengthFromBypassedLink: inboundLength,
		NewSublink:                            sublink,
		NewLinkState:                          state,
	})
}

// StopProxying tells a bypassed proxy how many parcels it still has to
// forward in each direction.
func (l *RemoteRouterLink) StopProxying(inboundLength, outboundLength routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.StopProxying{
		Sublink:                l.sublink,
		InboundSequenceLength:  inboundLength,
		OutboundSequenceLength: outboundLength,
	})
}

// ProxyWillStop tells the other side how many parcels a bypassed proxy will
// still forward to it.
func (l *RemoteRouterLink) ProxyWillStop(inboundLength routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.ProxyWillStop{Sublink: l.sublink, InboundSequenceLength: inboundLength})
}

// BypassPeerWithLink hands the other side a new central link at sublink to
// the local Router's local peer.
func (l *RemoteRouterLink) BypassPeerWithLink(sublink routing.SublinkID, state routing.FragmentDescriptor,
	inboundLength routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.BypassPeerWithLink{
		Sublink:               l.sublink,
		NewSublink:            sublink,
		NewLinkState:          state,
		InboundSequenceLength: inboundLength,
	})
}

// StopProxyingToLocalPeer tells a bypassed proxy how many parcels it still
// has to forward to its local peer.
func (l *RemoteRouterLink) StopProxyingToLocalPeer(outboundLength routing.SequenceNumber) {
	l.nodeLink.Transmit(&msg.StopProxyingToLocalPeer{Sublink: l.sublink, OutboundSequenceLength: outboundLength})
}

func (l *RemoteRouterLink) String() string {
	return fmt.Sprintf("%s link %d on %s (side %s)", l.linkType, l.sublink, l.nodeLink, l.side)
}
