package router

import (
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/routing"
)

// A proxy P between an outward peer O and an inward peer I is bypassed in
// one of two ways.
//
// If O is remote, P locks its link to O and asks I to bypass it. I obtains a
// NodeLink to O's node and offers O a new link with AcceptBypassLink. O
// switches over and tells P how much it still has to forward with
// StopProxying, and P passes the inward cutoff on to I with ProxyWillStop.
//
// If O is local to P, P locks their link, switches O over to a new link on
// P's NodeLink to I itself and hands the link to I with BypassPeerWithLink.
// I switches over and tells P how much it still has to forward with
// StopProxyingToLocalPeer.
//
// Either way P retires once it forwarded everything up to both cutoffs, and
// O and I drop their decaying links once everything up to the cutoffs went
// over them.

// tryBypassLocked starts bypassing the proxy r if its outward link is stable
// and idle enough to lock.
func (r *Router) tryBypassLocked(ops *flushOps) {
	outLink := r.outward.primary
	inLink, ok := r.inward.primary.(*RemoteRouterLink)
	if outLink == nil || !ok || r.outward.decaying != nil || !outLink.Type().IsCentral() {
		return
	}
	if _, closing := r.outbound.FinalSequenceLength(); closing {
		return
	}
	if _, closing := r.inbound.FinalSequenceLength(); closing {
		return
	}
	state := outLink.LinkState()
	if state == nil {
		return
	}
	if !state.TryLock(outLink.Side()) {
		// Either side is not stable yet. If the other side is the one
		// missing, it flushes us once it becomes stable.
		state.SetWaitingForStability(outLink.Side())
		return
	}

	switch l := outLink.(type) {
	case *RemoteRouterLink:
		r.bypass = bypassRemotePeer
		state.SetAllowedBypassSource(inLink.NodeLink().RemoteName())
		target, sublink := l.NodeLink().RemoteName(), l.Sublink()
		ops.bypass = func() {
			r.log.Debugf("Asking %s to bypass us towards %s", inLink, l)
			inLink.BypassPeer(target, sublink)
		}
	case *LocalRouterLink:
		r.bypass = bypassLocalPeer
		ops.bypass = func() {
			r.bypassLocalPeer(l, inLink)
		}
	default:
		state.Unlock(outLink.Side())
	}
}

// BypassPeer handles a request from the proxy at the other end of from to
// link directly with the Router at sublink on the node named target.
func (r *Router) BypassPeer(from RouterLink, target routing.NodeName, sublink routing.SublinkID) bool {
	requestor, ok := from.(*RemoteRouterLink)
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	if !ok || from != r.outward.primary || r.outward.decaying != nil {
		r.mu.Unlock()
		r.log.Warnf("Rejecting bypass request from %s", from)
		return false
	}
	r.mu.Unlock()

	if target == r.node.Name() {
		return r.bypassPeerWithLocalTarget(requestor, sublink)
	}
	r.node.EstablishLink(target, func(link *NodeLink) {
		if link == nil {
			r.log.Warnf("Cannot bypass %s: no link to %s", requestor, target)
			return
		}
		r.bypassPeerWithNewRemoteLink(requestor, link, sublink)
	})
	return true
}

func (r *Router) bypassPeerWithNewRemoteLink(requestor *RemoteRouterLink, nodeLink *NodeLink, targetSublink routing.SublinkID) {
	nodeLink.Memory().AllocateRouterLinkStateAsync(func(f linkmemory.Fragment) {
		state, ok := linkmemory.NewRouterLinkState(f)
		if !ok {
			r.log.Warnf("Cannot bypass %s: no link state on %s", requestor, nodeLink)
			return
		}
		sublink := nodeLink.Memory().AllocateSublinkIDs(1)

		r.mu.Lock()
		if r.retired || r.disconnected || r.outward.primary != requestor || r.outward.decaying != nil {
			r.mu.Unlock()
			r.log.Debugf("Dropping bypass of %s: outward link changed", requestor)
			nodeLink.Memory().Free(f)
			return
		}
		newLink := nodeLink.AddRemoteRouterLink(sublink, state, routing.LinkCentral, routing.SideA, r)
		if newLink == nil {
			r.mu.Unlock()
			r.log.Debugf("Dropping bypass of %s: sublink %d unavailable on %s", requestor, sublink, nodeLink)
			nodeLink.Memory().Free(f)
			return
		}
		sent := r.outbound.CurrentSequenceNumber()
		r.outward.replace(newLink, sent)
		newLink.AcceptBypassLink(requestor.NodeLink().RemoteName(), targetSublink, sublink, f.Descriptor(), sent)
		r.resendClosureLocked(newLink)
		r.mu.Unlock()

		r.Flush()
	})
}

// bypassPeerWithLocalTarget bypasses the proxy at the other end of requestor
// when the Router it proxies for lives on this node too.
func (r *Router) bypassPeerWithLocalTarget(requestor *RemoteRouterLink, sublink routing.SublinkID) bool {
	target, ok := requestor.NodeLink().getSublink(sublink)
	if !ok {
		r.log.Debugf("Ignoring bypass of %s towards unbound local sublink %d", requestor, sublink)
		return true
	}
	peer, peerOld := target.router, target.link
	if peer == r || peerOld == nil {
		r.log.Debugf("Rejecting bypass of %s towards local sublink %d: not a peer link", requestor, sublink)
		return false
	}
	ours, theirs := newLocalLinkPair(r, peer)

	r.mu.Lock()
	peer.mu.Lock()
	valid := r.outward.primary == requestor && r.outward.decaying == nil &&
		peer.outward.primary == peerOld && peer.outward.decaying == nil && !peer.retired && !peer.disconnected
	if valid {
		state := peerOld.LinkState()
		valid = state != nil && state.IsLockedBy(peerOld.Side().Opposite()) && state.AllowedBypassSource() == r.node.Name()
	}
	if !valid {
		peer.mu.Unlock()
		r.mu.Unlock()
		r.log.Warnf("Rejecting bypass of %s towards local sublink %d", requestor, sublink)
		return false
	}
	ourSent := r.outbound.CurrentSequenceNumber()
	peerSent := peer.outbound.CurrentSequenceNumber()
	r.outward.replace(ours, ourSent)
	r.outward.setLengthFromDecaying(peerSent)
	peer.outward.replace(theirs, peerSent)
	peer.outward.setLengthFromDecaying(ourSent)
	peerOld.StopProxying(peerSent, ourSent)
	ourClosure, ourClosed := r.outbound.FinalSequenceLength()
	ourClosed = ourClosed && r.outboundClosureSent
	peerClosure, peerClosed := peer.outbound.FinalSequenceLength()
	peerClosed = peerClosed && peer.outboundClosureSent
	peer.mu.Unlock()
	r.mu.Unlock()

	if ourClosed {
		ours.AcceptRouteClosure(ourClosure)
	}
	if peerClosed {
		theirs.AcceptRouteClosure(peerClosure)
	}
	peer.Flush()
	r.Flush()
	return true
}

// AcceptBypassLink switches r from old, whose other side is locked for
// bypass, to a new link at sublink on nodeLink. Only the node named as the
// allowed source in the locked link's state may do that.
func (r *Router) AcceptBypassLink(nodeLink *NodeLink, old RouterLink, sublink routing.SublinkID,
	state *linkmemory.RouterLinkState, inboundLength routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	oldLink, ok := old.(*RemoteRouterLink)
	valid := ok && old == r.outward.primary && r.outward.decaying == nil && oldLink.Type().IsCentral()
	if valid {
		s := oldLink.LinkState()
		valid = s != nil && s.IsLockedBy(oldLink.Side().Opposite()) && s.AllowedBypassSource() == nodeLink.RemoteName()
	}
	if !valid {
		r.mu.Unlock()
		r.log.Warnf("Rejecting bypass link from %s replacing %s", nodeLink, old)
		return false
	}
	newLink := nodeLink.AddRemoteRouterLink(sublink, state, routing.LinkCentral, routing.SideB, r)
	if newLink == nil {
		r.mu.Unlock()
		r.log.Debugf("Rejecting bypass link from %s: sublink %d already bound", nodeLink, sublink)
		return false
	}
	sent := r.outbound.CurrentSequenceNumber()
	r.outward.replace(newLink, sent)
	r.outward.setLengthFromDecaying(inboundLength)
	oldLink.StopProxying(sent, inboundLength)
	r.resendClosureLocked(newLink)
	r.mu.Unlock()

	r.Flush()
	return true
}

// StopProxying fixes how many parcels the bypassed proxy r still forwards
// in each direction.
func (r *Router) StopProxying(from RouterLink, inboundLength, outboundLength routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	var inLink *RemoteRouterLink
	if r.inward != nil {
		inLink, _ = r.inward.primary.(*RemoteRouterLink)
	}
	if inLink == nil || r.bypass != bypassRemotePeer || from != r.outward.primary || r.hasInboundCutoff {
		r.mu.Unlock()
		r.log.Warnf("Rejecting unexpected StopProxying from %s", from)
		return false
	}
	r.hasInboundCutoff, r.inboundCutoff = true, inboundLength
	r.hasOutboundCutoff, r.outboundCutoff = true, outboundLength
	inLink.ProxyWillStop(inboundLength)
	r.mu.Unlock()

	r.Flush()
	return true
}

// NotifyProxyWillStop learns how many parcels the proxy at the other end of
// the decaying link from still forwards.
func (r *Router) NotifyProxyWillStop(from RouterLink, inboundLength routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected || from != r.outward.decaying {
		// The decaying link may be gone already if its length was known
		// from elsewhere.
		r.mu.Unlock()
		return true
	}
	ok := r.outward.setLengthFromDecaying(inboundLength)
	r.mu.Unlock()
	if !ok {
		r.log.Debugf("Rejecting ProxyWillStop from %s: length %d contradicts a known length", from, inboundLength)
		return false
	}

	r.Flush()
	return true
}

func (r *Router) bypassLocalPeer(outLink *LocalRouterLink, inLink *RemoteRouterLink) {
	peer := outLink.LocalPeer()
	nodeLink := inLink.NodeLink()
	nodeLink.Memory().AllocateRouterLinkStateAsync(func(f linkmemory.Fragment) {
		state, ok := linkmemory.NewRouterLinkState(f)
		if !ok {
			r.log.Warnf("Cannot bypass local peer: no link state on %s", nodeLink)
			return
		}
		sublink := nodeLink.Memory().AllocateSublinkIDs(1)
		newLink := nodeLink.AddRemoteRouterLink(sublink, state, routing.LinkCentral, routing.SideA, peer)
		if newLink == nil {
			r.log.Debugf("Dropping bypass of local peer: sublink %d unavailable on %s", sublink, nodeLink)
			nodeLink.Memory().Free(f)
			return
		}
		sent, ok := peer.replaceOutwardLink(outLink.other, newLink, func(sent routing.SequenceNumber) {
			inLink.BypassPeerWithLink(sublink, f.Descriptor(), sent)
		})
		if !ok {
			r.log.Debug("Dropping bypass of local peer: its outward link changed")
			newLink.Deactivate()
			nodeLink.Memory().Free(f)
			return
		}

		r.mu.Lock()
		r.hasInboundCutoff, r.inboundCutoff = true, sent
		r.mu.Unlock()

		peer.Flush()
		r.Flush()
	})
}

// replaceOutwardLink switches r from old to link, calling announce with the
// number of parcels sent over old before anything can be sent over link.
func (r *Router) replaceOutwardLink(old RouterLink, link *RemoteRouterLink, announce func(routing.SequenceNumber)) (routing.SequenceNumber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired || r.disconnected || r.outward.primary != old || r.outward.decaying != nil {
		return 0, false
	}
	sent := r.outbound.CurrentSequenceNumber()
	r.outward.replace(link, sent)
	announce(sent)
	r.resendClosureLocked(link)
	return sent, true
}

// AcceptBypassPeerWithLink switches r from the proxy at the other end of
// from to a new link at sublink on nodeLink, handed over by that proxy.
func (r *Router) AcceptBypassPeerWithLink(nodeLink *NodeLink, from RouterLink, sublink routing.SublinkID,
	state *linkmemory.RouterLinkState, inboundLength routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	requestor, ok := from.(*RemoteRouterLink)
	if !ok || from != r.outward.primary || r.outward.decaying != nil {
		r.mu.Unlock()
		r.log.Warnf("Rejecting bypass link from %s", from)
		return false
	}
	newLink := nodeLink.AddRemoteRouterLink(sublink, state, routing.LinkCentral, routing.SideB, r)
	if newLink == nil {
		r.mu.Unlock()
		r.log.Debugf("Rejecting bypass link from %s: sublink %d already bound", from, sublink)
		return false
	}
	sent := r.outbound.CurrentSequenceNumber()
	r.outward.replace(newLink, sent)
	r.outward.setLengthFromDecaying(inboundLength)
	requestor.StopProxyingToLocalPeer(sent)
	r.resendClosureLocked(newLink)
	r.mu.Unlock()

	r.Flush()
	return true
}

// StopProxyingToLocalPeer fixes how many parcels the bypassed proxy r still
// forwards to its local outward peer.
func (r *Router) StopProxyingToLocalPeer(from RouterLink, outboundLength routing.SequenceNumber) bool {
	r.mu.Lock()
	if r.retired || r.disconnected {
		r.mu.Unlock()
		return true
	}
	outLink, ok := r.outward.primary.(*LocalRouterLink)
	if !ok || r.inward == nil || from != r.inward.primary || r.bypass != bypassLocalPeer || r.hasOutboundCutoff {
		r.mu.Unlock()
		r.log.Warnf("Rejecting unexpected StopProxyingToLocalPeer from %s", from)
		return false
	}
	r.hasOutboundCutoff, r.outboundCutoff = true, outboundLength
	peer, peerLink := outLink.LocalPeer(), outLink.other
	r.mu.Unlock()

	peer.setLengthFromDecaying(peerLink, outboundLength)
	r.Flush()
	return true
}

func (r *Router) setLengthFromDecaying(link RouterLink, length routing.SequenceNumber) {
	r.mu.Lock()
	if r.outward.decaying == link {
		r.outward.setLengthFromDecaying(length)
	}
	r.mu.Unlock()
	r.Flush()
}

// resendClosureLocked repeats an outward closure over a replacement link, as
// the closure sent over the decaying link may not make it past a proxy.
func (r *Router) resendClosureLocked(link *RemoteRouterLink) {
	if !r.outboundClosureSent {
		return
	}
	if n, ok := r.outbound.FinalSequenceLength(); ok {
		link.AcceptRouteClosure(n)
	}
}
