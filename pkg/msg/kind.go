package msg

import "fmt"

// Kind identifies the type of a message on the wire.
type Kind uint8

// Messages exchanged by NodeConnectors on a fresh transport, before a
// NodeLink exists.
const (
	KindConnectFromBrokerToNonBroker Kind = iota
	KindConnectFromNonBrokerToBroker
	KindConnectToReferredBroker
	KindConnectToReferredNonBroker
)

// Messages exchanged over an established NodeLink.
const (
	KindReferNonBroker Kind = iota + 10
	KindNonBrokerReferralAccepted
	KindNonBrokerReferralRejected
	KindRequestIntroduction
	KindAcceptIntroduction
	KindRejectIntroduction
	KindRequestMemory
	KindProvideMemory
	KindRelayMessage
	KindAcceptRelayedMessage
	KindAddBlockBuffer
	KindAcceptParcel
	KindAcceptParcelDriverObjects
	KindRouteClosed
	KindRouteDisconnected
	KindBypassPeer
	KindAcceptBypassLink
	KindStopProxying
	KindProxyWillStop
	KindBypassPeerWithLink
	KindStopProxyingToLocalPeer
	KindNotifyDataConsumed
	KindFlushRouter
)

func (k Kind) String() string {
	switch k {
	case KindConnectFromBrokerToNonBroker:
		return "ConnectFromBrokerToNonBroker"
	case KindConnectFromNonBrokerToBroker:
		return "ConnectFromNonBrokerToBroker"
	case KindConnectToReferredBroker:
		return "ConnectToReferredBroker"
	case KindConnectToReferredNonBroker:
		return "ConnectToReferredNonBroker"
	case KindReferNonBroker:
		return "ReferNonBroker"
	case KindNonBrokerReferralAccepted:
		return "NonBrokerReferralAccepted"
	case KindNonBrokerReferralRejected:
		return "NonBrokerReferralRejected"
	case KindRequestIntroduction:
		return "RequestIntroduction"
	case KindAcceptIntroduction:
		return "AcceptIntroduction"
	case KindRejectIntroduction:
		return "RejectIntroduction"
	case KindRequestMemory:
		return "RequestMemory"
	case KindProvideMemory:
		return "ProvideMemory"
	case KindRelayMessage:
		return "RelayMessage"
	case KindAcceptRelayedMessage:
		return "AcceptRelayedMessage"
	case KindAddBlockBuffer:
		return "AddBlockBuffer"
	case KindAcceptParcel:
		return "AcceptParcel"
	case KindAcceptParcelDriverObjects:
		return "AcceptParcelDriverObjects"
	case KindRouteClosed:
		return "RouteClosed"
	case KindRouteDisconnected:
		return "RouteDisconnected"
	case KindBypassPeer:
		return "BypassPeer"
	case KindAcceptBypassLink:
		return "AcceptBypassLink"
	case KindStopProxying:
		return "StopProxying"
	case KindProxyWillStop:
		return "ProxyWillStop"
	case KindBypassPeerWithLink:
		return "BypassPeerWithLink"
	case KindStopProxyingToLocalPeer:
		return "StopProxyingToLocalPeer"
	case KindNotifyDataConsumed:
		return "NotifyDataConsumed"
	case KindFlushRouter:
		return "FlushRouter"
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// IsConnector reports whether k is exchanged before a NodeLink exists.
func (k Kind) IsConnector() bool {
	return k <= KindConnectToReferredNonBroker
}

// HandleType describes how one object attached to a parcel is carried.
type HandleType uint8

const (
	// HandlePortal is a route, carried as a RouterDescriptor.
	HandlePortal HandleType = iota
	// HandleBox is a driver object carried in the same message.
	HandleBox
	// HandleRelayedBox is a driver object carried in a separate
	// AcceptParcelDriverObjects message.
	HandleRelayedBox
)

func (t HandleType) String() string {
	switch t {
	case HandlePortal:
		return "Portal"
	case HandleBox:
		return "Box"
	case HandleRelayedBox:
		return "RelayedBox"
	}
	return fmt.Sprintf("Unknown(%d)", t)
}
