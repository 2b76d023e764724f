package router

import (
	"fmt"

	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
)

// RouterLink joins a Router to the next Router along its route, either on
// the same node or over a NodeLink.
type RouterLink interface {
	// Type returns the position of the link on its route.
	Type() routing.LinkType

	// Side returns the side of the link held by the local Router.
	Side() routing.LinkSide

	// LinkState returns the state shared by both sides of a central link,
	// or nil.
	LinkState() *linkmemory.RouterLinkState

	// LocalPeer returns the Router on the other side if it lives on the
	// same node.
	LocalPeer() *Router

	AcceptParcel(p *parcel.Parcel)
	AcceptRouteClosure(length routing.SequenceNumber)
	AcceptRouteDisconnected()
	NotifyDataConsumed()

	// FlushPeer asks the Router on the other side to flush.
	FlushPeer()

	// Deactivate detaches the link from the local Router. Messages which
	// arrive for it later are dropped.
	Deactivate()

	String() string
}

// markSideStable records that the local Router will not replace link until
// further notice. It reports whether the other side waits for that and must
// be flushed.
func markSideStable(link RouterLink) bool {
	state := link.LinkState()
	if state == nil {
		return false
	}
	state.SetSideStable(link.Side())
	return state.ResetWaitingForStability(link.Side().Opposite())
}

// LocalRouterLink joins two Routers on the same node. Each Router holds its
// own side; both share one RouterLinkState.
type LocalRouterLink struct {
	side  routing.LinkSide
	state *linkmemory.RouterLinkState
	peer  *Router
	other *LocalRouterLink
}

// newLocalLinkPair links a and b centrally. The shared state starts stable
// on both sides.
func newLocalLinkPair(a, b *Router) (*LocalRouterLink, *LocalRouterLink) {
	state := linkmemory.NewLocalRouterLinkState()
	state.SetSideStable(routing.SideA)
	state.SetSideStable(routing.SideB)
	la := &LocalRouterLink{side: routing.SideA, state: state, peer: b}
	lb := &LocalRouterLink{side: routing.SideB, state: state, peer: a}
	la.other, lb.other = lb, la
	return la, lb
}

// Type implements RouterLink.
func (l *LocalRouterLink) Type() routing.LinkType { return routing.LinkCentral }

// Side implements RouterLink.
func (l *LocalRouterLink) Side() routing.LinkSide { return l.side }

// LinkState implements RouterLink.
func (l *LocalRouterLink) LinkState() *linkmemory.RouterLinkState { return l.state }

// LocalPeer implements RouterLink.
func (l *LocalRouterLink) LocalPeer() *Router { return l.peer }

// AcceptParcel implements RouterLink.
func (l *LocalRouterLink) AcceptParcel(p *parcel.Parcel) {
	if !l.peer.AcceptInboundParcel(l.other, p) {
		_ = p.Close() // nolint
	}
}

// AcceptRouteClosure implements RouterLink.
func (l *LocalRouterLink) AcceptRouteClosure(length routing.SequenceNumber) {
	l.peer.AcceptRouteClosure(l.other, length)
}

// AcceptRouteDisconnected implements RouterLink.
func (l *LocalRouterLink) AcceptRouteDisconnected() {
	l.peer.AcceptRouteDisconnected(l.other)
}

// NotifyDataConsumed implements RouterLink.
func (l *LocalRouterLink) NotifyDataConsumed() {
	l.peer.NotifyPeerConsumedData()
}

// FlushPeer implements RouterLink.
func (l *LocalRouterLink) FlushPeer() {
	l.peer.Flush()
}

// Deactivate implements RouterLink.
func (l *LocalRouterLink) Deactivate() {}

func (l *LocalRouterLink) String() string {
	return fmt.Sprintf("local link (side %s)", l.side)
}
