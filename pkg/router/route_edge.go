package router

import (
	"github.com/skycoin/nodelink/pkg/routing"
)

// routeEdge is one side of a Router: the link parcels currently travel over,
// and while a bypass completes, the decaying link it replaced.
//
// Parcels below lengthToDecaying go out over the decaying link and parcels
// below lengthFromDecaying come in over it. Everything else uses the primary
// link.
type routeEdge struct {
	primary  RouterLink
	decaying RouterLink

	hasLengthToDecaying   bool
	lengthToDecaying      routing.SequenceNumber
	hasLengthFromDecaying bool
	lengthFromDecaying    routing.SequenceNumber
}

// replace makes link the primary link and starts decaying the current one.
func (e *routeEdge) replace(link RouterLink, lengthToDecaying routing.SequenceNumber) {
	e.decaying = e.primary
	e.primary = link
	e.hasLengthToDecaying = true
	e.lengthToDecaying = lengthToDecaying
	e.hasLengthFromDecaying = false
	e.lengthFromDecaying = 0
}

func (e *routeEdge) setLengthFromDecaying(n routing.SequenceNumber) bool {
	if e.decaying == nil {
		return false
	}
	if e.hasLengthFromDecaying {
		return e.lengthFromDecaying == n
	}
	e.hasLengthFromDecaying = true
	e.lengthFromDecaying = n
	return true
}

func (e *routeEdge) clearDecaying() {
	e.decaying = nil
	e.hasLengthToDecaying = false
	e.hasLengthFromDecaying = false
	e.lengthToDecaying = 0
	e.lengthFromDecaying = 0
}

// linkFor returns the link an outgoing parcel must take, or nil if there is
// none yet.
func (e *routeEdge) linkFor(seq routing.SequenceNumber) RouterLink {
	if e.decaying != nil && (!e.hasLengthToDecaying || seq < e.lengthToDecaying) {
		return e.decaying
	}
	return e.primary
}

// accepts reports whether a parcel may legitimately arrive over link.
func (e *routeEdge) accepts(link RouterLink, seq routing.SequenceNumber) bool {
	switch {
	case link == nil:
		return false
	case link == e.primary:
		return e.decaying == nil || !e.hasLengthFromDecaying || seq >= e.lengthFromDecaying
	case link == e.decaying:
		return !e.hasLengthFromDecaying || seq < e.lengthFromDecaying
	}
	return false
}

func (e *routeEdge) has(link RouterLink) bool {
	return link != nil && (link == e.primary || link == e.decaying)
}

// canDropDecaying reports whether every parcel meant for the decaying link
// has travelled over it.
func (e *routeEdge) canDropDecaying(sent, received routing.SequenceNumber) bool {
	return e.decaying != nil && e.hasLengthToDecaying && e.hasLengthFromDecaying &&
		sent >= e.lengthToDecaying && received >= e.lengthFromDecaying
}

// release returns the links of the edge and clears it.
func (e *routeEdge) release() []RouterLink {
	var links []RouterLink
	if e.primary != nil {
		links = append(links, e.primary)
	}
	if e.decaying != nil {
		links = append(links, e.decaying)
	}
	*e = routeEdge{}
	return links
}
