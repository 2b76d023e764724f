package msg

import (
	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/routing"
)

func newParams(k Kind) Params {
	switch k {
	case KindConnectFromBrokerToNonBroker:
		return &ConnectFromBrokerToNonBroker{}
	case KindConnectFromNonBrokerToBroker:
		return &ConnectFromNonBrokerToBroker{}
	case KindConnectToReferredBroker:
		return &ConnectToReferredBroker{}
	case KindConnectToReferredNonBroker:
		return &ConnectToReferredNonBroker{}
	case KindReferNonBroker:
		return &ReferNonBroker{}
	case KindNonBrokerReferralAccepted:
		return &NonBrokerReferralAccepted{}
	case KindNonBrokerReferralRejected:
		return &NonBrokerReferralRejected{}
	case KindRequestIntroduction:
		return &RequestIntroduction{}
	case KindAcceptIntroduction:
		return &AcceptIntroduction{}
	case KindRejectIntroduction:
		return &RejectIntroduction{}
	case KindRequestMemory:
		return &RequestMemory{}
	case KindProvideMemory:
		return &ProvideMemory{}
	case KindRelayMessage:
		return &RelayMessage{}
	case KindAcceptRelayedMessage:
		return &AcceptRelayedMessage{}
	case KindAddBlockBuffer:
		return &AddBlockBuffer{}
	case KindAcceptParcel:
		return &AcceptParcel{}
	case KindAcceptParcelDriverObjects:
		return &AcceptParcelDriverObjects{}
	case KindRouteClosed:
		return &RouteClosed{}
	case KindRouteDisconnected:
		return &RouteDisconnected{}
	case KindBypassPeer:
		return &BypassPeer{}
	case KindAcceptBypassLink:
		return &AcceptBypassLink{}
	case KindStopProxying:
		return &StopProxying{}
	case KindProxyWillStop:
		return &ProxyWillStop{}
	case KindBypassPeerWithLink:
		return &BypassPeerWithLink{}
	case KindStopProxyingToLocalPeer:
		return &StopProxyingToLocalPeer{}
	case KindNotifyDataConsumed:
		return &NotifyDataConsumed{}
	case KindFlushRouter:
		return &FlushRouter{}
	}
	return nil
}

/*
	<<< CONNECTOR MESSAGES >>>
*/

// ConnectFromBrokerToNonBroker is the broker's half of the handshake on a
// fresh transport to a non-broker. It assigns the non-broker its name.
type ConnectFromBrokerToNonBroker struct {
	BrokerName        routing.NodeName
	ReceiverName      routing.NodeName
	ProtocolVersion   uint32
	NumInitialPortals uint32
	Buffer            driver.Object
}

// ConnectFromNonBrokerToBroker is a non-broker's half of the handshake on a
// fresh transport to a broker.
type ConnectFromNonBrokerToBroker struct {
	ProtocolVersion   uint32
	NumInitialPortals uint32
}

// ConnectToReferredBroker is sent by a referred non-broker over the transport
// its referrer handed to the broker.
type ConnectToReferredBroker struct {
	ProtocolVersion   uint32
	NumInitialPortals uint32
}

// ConnectToReferredNonBroker completes a referral. It carries the link to the
// broker and a second transport and buffer for the link to the referrer.
type ConnectToReferredNonBroker struct {
	Name                  routing.NodeName
	BrokerName            routing.NodeName
	ReferrerName          routing.NodeName
	BrokerProtocolVersion uint32
	ReferrerVersion       uint32
	NumInitialPortals     uint32
	BrokerLinkBuffer      driver.Object
	ReferrerLinkTransport driver.Object
	ReferrerLinkBuffer    driver.Object
}

/*
	<<< REFERRALS AND INTRODUCTIONS >>>
*/

// ReferNonBroker asks the broker to accept a new non-broker on Transport,
// which the sender was given to connect to it.
type ReferNonBroker struct {
	ReferralID        uint64
	NumInitialPortals uint32
	Transport         driver.Object
}

// NonBrokerReferralAccepted gives the referrer a link to the node it
// referred.
type NonBrokerReferralAccepted struct {
	ReferralID        uint64
	ProtocolVersion   uint32
	NumInitialPortals uint32
	Name              routing.NodeName
	Transport         driver.Object
	Buffer            driver.Object
}

// NonBrokerReferralRejected tells the referrer its referral failed.
type NonBrokerReferralRejected struct {
	ReferralID uint64
}

// RequestIntroduction asks the broker for a link to Name.
type RequestIntroduction struct {
	Name routing.NodeName
}

// AcceptIntroduction gives each of two introduced nodes one end of a new
// transport and a handle to their new link's primary buffer.
type AcceptIntroduction struct {
	Name                  routing.NodeName
	LinkSide              routing.LinkSide
	RemoteNodeType        routing.NodeType
	RemoteProtocolVersion uint32
	Transport             driver.Object
	Buffer                driver.Object
}

// RejectIntroduction tells a node that Name could not be introduced.
type RejectIntroduction struct {
	Name routing.NodeName
}

/*
	<<< MEMORY >>>
*/

// RequestMemory asks the peer to allocate a shared buffer of Size bytes.
type RequestMemory struct {
	Size uint32
}

// ProvideMemory answers the oldest RequestMemory of the same Size. Buffer is
// nil if the allocation failed.
type ProvideMemory struct {
	Size   uint32
	Buffer driver.Object
}

// AddBlockBuffer shares a new block allocator buffer of a NodeLink's memory.
type AddBlockBuffer struct {
	BufferID  routing.BufferID
	BlockSize uint32
	Buffer    driver.Object
}

/*
	<<< RELAY >>>
*/

// RelayMessage asks the broker to forward an encoded message to
// Destination.
type RelayMessage struct {
	Destination routing.NodeName
	Data        []byte
	Objects     []driver.Object
}

// AcceptRelayedMessage carries a message relayed by the broker from Source.
type AcceptRelayedMessage struct {
	Source  routing.NodeName
	Data    []byte
	Objects []driver.Object
}

/*
	<<< ROUTES >>>
*/

// RouterDescriptor describes a router being transferred inside a parcel.
type RouterDescriptor struct {
	NewSublink                 routing.SublinkID
	NextOutgoingSequenceNumber routing.SequenceNumber
	NextIncomingSequenceNumber routing.SequenceNumber
	PeerClosed                 bool
	ClosedPeerSequenceLength   routing.SequenceNumber
}

const routerDescriptorSize = 8 + 8 + 8 + 1 + 8

func (r *RouterDescriptor) encode(e *encoder) {
	e.u64(uint64(r.NewSublink))
	e.u64(uint64(r.NextOutgoingSequenceNumber))
	e.u64(uint64(r.NextIncomingSequenceNumber))
	e.boolean(r.PeerClosed)
	e.u64(uint64(r.ClosedPeerSequenceLength))
}

func (r *RouterDescriptor) decode(d *decoder) {
	r.NewSublink = routing.SublinkID(d.u64())
	r.NextOutgoingSequenceNumber = routing.SequenceNumber(d.u64())
	r.NextIncomingSequenceNumber = routing.SequenceNumber(d.u64())
	r.PeerClosed = d.boolean()
	r.ClosedPeerSequenceLength = routing.SequenceNumber(d.u64())
}

// AcceptParcel delivers one parcel on Sublink. Its data is either inline in
// ParcelData or in ParcelFragment. HandleTypes lists the attached objects in
// order; portals consume NewRouters and boxes consume DriverObjects.
type AcceptParcel struct {
	Sublink        routing.SublinkID
	SequenceNumber routing.SequenceNumber
	ParcelData     []byte
	ParcelFragment routing.FragmentDescriptor
	HandleTypes    []HandleType
	NewRouters     []RouterDescriptor
	DriverObjects  []driver.Object
}

// AcceptParcelDriverObjects carries the driver objects of a parcel whose
// data was sent separately.
type AcceptParcelDriverObjects struct {
	Sublink        routing.SublinkID
	SequenceNumber routing.SequenceNumber
	DriverObjects  []driver.Object
}

// RouteClosed tells the receiver the sender's side of the route is closed
// after SequenceLength parcels.
type RouteClosed struct {
	Sublink        routing.SublinkID
	SequenceLength routing.SequenceNumber
}

// RouteDisconnected tells the receiver the route was lost beyond the sender.
type RouteDisconnected struct {
	Sublink routing.SublinkID
}

// BypassPeer asks the receiver to link directly to the router bound at
// BypassTargetSublink on the sender's link to BypassTargetNode.
type BypassPeer struct {
	Sublink             routing.SublinkID
	BypassTargetNode    routing.NodeName
	BypassTargetSublink routing.SublinkID
}

// AcceptBypassLink offers the receiver a new central link replacing its link
// to CurrentPeerNode on CurrentPeerSublink.
type AcceptBypassLink struct {
	CurrentPeerNode                       routing.NodeName
	CurrentPeerSublink                    routing.SublinkID
	InboundSequenceLengthFromBypassedLink routing.SequenceNumber
	NewSublink                            routing.SublinkID
	NewLinkState                          routing.FragmentDescriptor
}

// StopProxying tells a proxy how many parcels it still has to forward in
// each direction.
type StopProxying struct {
	Sublink                routing.SublinkID
	InboundSequenceLength  routing.SequenceNumber
	OutboundSequenceLength routing.SequenceNumber
}

// ProxyWillStop tells the receiver how many parcels its outward proxy will
// still forward to it.
type ProxyWillStop struct {
	Sublink               routing.SublinkID
	InboundSequenceLength routing.SequenceNumber
}

// BypassPeerWithLink replaces the receiver's link to the sender with
// NewSublink on the same NodeLink, which is bound to the sender's local
// outward peer.
type BypassPeerWithLink struct {
	Sublink               routing.SublinkID
	NewSublink            routing.SublinkID
	NewLinkState          routing.FragmentDescriptor
	InboundSequenceLength routing.SequenceNumber
}

// StopProxyingToLocalPeer answers BypassPeerWithLink.
type StopProxyingToLocalPeer struct {
	Sublink                routing.SublinkID
	OutboundSequenceLength routing.SequenceNumber
}

// NotifyDataConsumed tells the receiver its peer consumed inbound parcels.
type NotifyDataConsumed struct {
	Sublink routing.SublinkID
}

// FlushRouter asks the receiver to re-evaluate the state of its router.
type FlushRouter struct {
	Sublink routing.SublinkID
}

/*
	<<< KINDS >>>
*/

func (*ConnectFromBrokerToNonBroker) Kind() Kind { return KindConnectFromBrokerToNonBroker }
func (*ConnectFromNonBrokerToBroker) Kind() Kind { return KindConnectFromNonBrokerToBroker }
func (*ConnectToReferredBroker) Kind() Kind { return KindConnectToReferredBroker }
func (*ConnectToReferredNonBroker) Kind() Kind { return KindConnectToReferredNonBroker }
func (*ReferNonBroker) Kind() Kind { return KindReferNonBroker }
func (*NonBrokerReferralAccepted) Kind() Kind { return KindNonBrokerReferralAccepted }
func (*NonBrokerReferralRejected) Kind() Kind { return KindNonBrokerReferralRejected }
func (*RequestIntroduction) Kind() Kind { return KindRequestIntroduction }
func (*AcceptIntroduction) Kind() Kind { return KindAcceptIntroduction }
func (*RejectIntroduction) Kind() Kind { return KindRejectIntroduction }
func (*RequestMemory) Kind() Kind { return KindRequestMemory }
func (*ProvideMemory) Kind() Kind { return KindProvideMemory }
func (*AddBlockBuffer) Kind() Kind { return KindAddBlockBuffer }
func (*RelayMessage) Kind() Kind { return KindRelayMessage }
func (*AcceptRelayedMessage) Kind() Kind { return KindAcceptRelayedMessage }
func (*AcceptParcel) Kind() Kind { return KindAcceptParcel }
func (*AcceptParcelDriverObjects) Kind() Kind { return KindAcceptParcelDriverObjects }
func (*RouteClosed) Kind() Kind { return KindRouteClosed }
func (*RouteDisconnected) Kind() Kind { return KindRouteDisconnected }
func (*BypassPeer) Kind() Kind { return KindBypassPeer }
func (*AcceptBypassLink) Kind() Kind { return KindAcceptBypassLink }
func (*StopProxying) Kind() Kind { return KindStopProxying }
func (*ProxyWillStop) Kind() Kind { return KindProxyWillStop }
func (*BypassPeerWithLink) Kind() Kind { return KindBypassPeerWithLink }
func (*StopProxyingToLocalPeer) Kind() Kind { return KindStopProxyingToLocalPeer }
func (*NotifyDataConsumed) Kind() Kind { return KindNotifyDataConsumed }
func (*FlushRouter) Kind() Kind { return KindFlushRouter }

/*
	<<< ENCODING >>>
*/

func (p *ConnectFromBrokerToNonBroker) encode(e *encoder) {
	e.name(p.BrokerName)
	e.name(p.ReceiverName)
	e.u32(p.ProtocolVersion)
	e.u32(p.NumInitialPortals)
	e.object(p.Buffer)
}

func (p *ConnectFromBrokerToNonBroker) decode(d *decoder) {
	p.BrokerName = d.name()
	p.ReceiverName = d.name()
	p.ProtocolVersion = d.u32()
	p.NumInitialPortals = d.u32()
	p.Buffer = d.object()
}

func (p *ConnectFromNonBrokerToBroker) encode(e *encoder) {
	e.u32(p.ProtocolVersion)
	e.u32(p.NumInitialPortals)
}

func (p *ConnectFromNonBrokerToBroker) decode(d *decoder) {
	p.ProtocolVersion = d.u32()
	p.NumInitialPortals = d.u32()
}

func (p *ConnectToReferredBroker) encode(e *encoder) {
	e.u32(p.ProtocolVersion)
	e.u32(p.NumInitialPortals)
}

func (p *ConnectToReferredBroker) decode(d *decoder) {
	p.ProtocolVersion = d.u32()
	p.NumInitialPortals = d.u32()
}

func (p *ConnectToReferredNonBroker) encode(e *encoder) {
	e.name(p.Name)
	e.name(p.BrokerName)
	e.name(p.ReferrerName)
	e.u32(p.BrokerProtocolVersion)
	e.u32(p.ReferrerVersion)
	e.u32(p.NumInitialPortals)
	e.object(p.BrokerLinkBuffer)
	e.object(p.ReferrerLinkTransport)
	e.object(p.ReferrerLinkBuffer)
}

func (p *ConnectToReferredNonBroker) decode(d *decoder) {
	p.Name = d.name()
	p.BrokerName = d.name()
	p.ReferrerName = d.name()
	p.BrokerProtocolVersion = d.u32()
	p.ReferrerVersion = d.u32()
	p.NumInitialPortals = d.u32()
	p.BrokerLinkBuffer = d.object()
	p.ReferrerLinkTransport = d.object()
	p.ReferrerLinkBuffer = d.object()
}

func (p *ReferNonBroker) encode(e *encoder) {
	e.u64(p.ReferralID)
	e.u32(p.NumInitialPortals)
	e.object(p.Transport)
}

func (p *ReferNonBroker) decode(d *decoder) {
	p.ReferralID = d.u64()
	p.NumInitialPortals = d.u32()
	p.Transport = d.object()
}

func (p *NonBrokerReferralAccepted) encode(e *encoder) {
	e.u64(p.ReferralID)
	e.u32(p.ProtocolVersion)
	e.u32(p.NumInitialPortals)
	e.name(p.Name)
	e.object(p.Transport)
	e.object(p.Buffer)
}

func (p *NonBrokerReferralAccepted) decode(d *decoder) {
	p.ReferralID = d.u64()
	p.ProtocolVersion = d.u32()
	p.NumInitialPortals = d.u32()
	p.Name = d.name()
	p.Transport = d.object()
	p.Buffer = d.object()
}

func (p *NonBrokerReferralRejected) encode(e *encoder) { e.u64(p.ReferralID) }
func (p *NonBrokerReferralRejected) decode(d *decoder) { p.ReferralID = d.u64() }

func (p *RequestIntroduction) encode(e *encoder) { e.name(p.Name) }
func (p *RequestIntroduction) decode(d *decoder) { p.Name = d.name() }

func (p *AcceptIntroduction) encode(e *encoder) {
	e.name(p.Name)
	e.u8(uint8(p.LinkSide))
	e.u8(uint8(p.RemoteNodeType))
	e.u32(p.RemoteProtocolVersion)
	e.object(p.Transport)
	e.object(p.Buffer)
}

func (p *AcceptIntroduction) decode(d *decoder) {
	p.Name = d.name()
	p.LinkSide = routing.LinkSide(d.u8())
	p.RemoteNodeType = routing.NodeType(d.u8())
	p.RemoteProtocolVersion = d.u32()
	p.Transport = d.object()
	p.Buffer = d.object()
	if p.LinkSide > routing.SideB || p.RemoteNodeType > routing.NodeTypeBroker {
		d.fail("bad link side or node type")
	}
}

func (p *RejectIntroduction) encode(e *encoder) { e.name(p.Name) }
func (p *RejectIntroduction) decode(d *decoder) { p.Name = d.name() }

func (p *RequestMemory) encode(e *encoder) { e.u32(p.Size) }
func (p *RequestMemory) decode(d *decoder) { p.Size = d.u32() }

func (p *ProvideMemory) encode(e *encoder) {
	e.u32(p.Size)
	e.object(p.Buffer)
}

func (p *ProvideMemory) decode(d *decoder) {
	p.Size = d.u32()
	p.Buffer = d.object()
}

func (p *AddBlockBuffer) encode(e *encoder) {
	e.u64(uint64(p.BufferID))
	e.u32(p.BlockSize)
	e.object(p.Buffer)
}

func (p *AddBlockBuffer) decode(d *decoder) {
	p.BufferID = routing.BufferID(d.u64())
	p.BlockSize = d.u32()
	p.Buffer = d.object()
}

func (p *RelayMessage) encode(e *encoder) {
	e.name(p.Destination)
	e.bytes(p.Data)
	e.objectRange(p.Objects)
}

func (p *RelayMessage) decode(d *decoder) {
	p.Destination = d.name()
	p.Data = d.bytes()
	p.Objects = d.objectRange()
}

func (p *AcceptRelayedMessage) encode(e *encoder) {
	e.name(p.Source)
	e.bytes(p.Data)
	e.objectRange(p.Objects)
}

func (p *AcceptRelayedMessage) decode(d *decoder) {
	p.Source = d.name()
	p.Data = d.bytes()
	p.Objects = d.objectRange()
}

func (p *AcceptParcel) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.SequenceNumber))
	e.bytes(p.ParcelData)
	e.fragment(p.ParcelFragment)

	types := make([]byte, len(p.HandleTypes))
	for i, t := range p.HandleTypes {
		types[i] = byte(t)
	}
	e.bytes(types)

	var routers encoder
	for i := range p.NewRouters {
		p.NewRouters[i].encode(&routers)
	}
	e.bytes(routers.params)
	e.objectRange(p.DriverObjects)
}

func (p *AcceptParcel) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.SequenceNumber = routing.SequenceNumber(d.u64())
	p.ParcelData = d.bytes()
	p.ParcelFragment = d.fragment()

	types := d.bytes()
	p.HandleTypes = make([]HandleType, len(types))
	for i, t := range types {
		if HandleType(t) > HandleRelayedBox {
			d.fail("bad handle type")
		}
		p.HandleTypes[i] = HandleType(t)
	}

	routers := d.bytes()
	if len(routers)%routerDescriptorSize != 0 {
		d.fail("bad router descriptors size")
		routers = nil
	}
	rd := decoder{params: routers}
	for len(rd.params) > 0 {
		var r RouterDescriptor
		r.decode(&rd)
		p.NewRouters = append(p.NewRouters, r)
	}
	p.DriverObjects = d.objectRange()
}

func (p *AcceptParcelDriverObjects) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.SequenceNumber))
	e.objectRange(p.DriverObjects)
}

func (p *AcceptParcelDriverObjects) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.SequenceNumber = routing.SequenceNumber(d.u64())
	p.DriverObjects = d.objectRange()
}

func (p *RouteClosed) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.SequenceLength))
}

func (p *RouteClosed) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.SequenceLength = routing.SequenceNumber(d.u64())
}

func (p *RouteDisconnected) encode(e *encoder) { e.u64(uint64(p.Sublink)) }
func (p *RouteDisconnected) decode(d *decoder) { p.Sublink = routing.SublinkID(d.u64()) }

func (p *BypassPeer) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.name(p.BypassTargetNode)
	e.u64(uint64(p.BypassTargetSublink))
}

func (p *BypassPeer) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.BypassTargetNode = d.name()
	p.BypassTargetSublink = routing.SublinkID(d.u64())
}

func (p *AcceptBypassLink) encode(e *encoder) {
	e.name(p.CurrentPeerNode)
	e.u64(uint64(p.CurrentPeerSublink))
	e.u64(uint64(p.InboundSequenceLengthFromBypassedLink))
	e.u64(uint64(p.NewSublink))
	e.fragment(p.NewLinkState)
}

func (p *AcceptBypassLink) decode(d *decoder) {
	p.CurrentPeerNode = d.name()
	p.CurrentPeerSublink = routing.SublinkID(d.u64())
	p.InboundSequenceLengthFromBypassedLink = routing.SequenceNumber(d.u64())
	p.NewSublink = routing.SublinkID(d.u64())
	p.NewLinkState = d.fragment()
}

func (p *StopProxying) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.InboundSequenceLength))
	e.u64(uint64(p.OutboundSequenceLength))
}

func (p *StopProxying) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.InboundSequenceLength = routing.SequenceNumber(d.u64())
	p.OutboundSequenceLength = routing.SequenceNumber(d.u64())
}

func (p *ProxyWillStop) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.InboundSequenceLength))
}

func (p *ProxyWillStop) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.InboundSequenceLength = routing.SequenceNumber(d.u64())
}

func (p *BypassPeerWithLink) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.NewSublink))
	e.fragment(p.NewLinkState)
	e.u64(uint64(p.InboundSequenceLength))
}

func (p *BypassPeerWithLink) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.NewSublink = routing.SublinkID(d.u64())
	p.NewLinkState = d.fragment()
	p.InboundSequenceLength = routing.SequenceNumber(d.u64())
}

func (p *StopProxyingToLocalPeer) encode(e *encoder) {
	e.u64(uint64(p.Sublink))
	e.u64(uint64(p.OutboundSequenceLength))
}

func (p *StopProxyingToLocalPeer) decode(d *decoder) {
	p.Sublink = routing.SublinkID(d.u64())
	p.OutboundSequenceLength = routing.SequenceNumber(d.u64())
}

func (p *NotifyDataConsumed) encode(e *encoder) { e.u64(uint64(p.Sublink)) }
func (p *NotifyDataConsumed) decode(d *decoder) { p.Sublink = routing.SublinkID(d.u64()) }

func (p *FlushRouter) encode(e *encoder) { e.u64(uint64(p.Sublink)) }
func (p *FlushRouter) decode(d *decoder) { p.Sublink = routing.SublinkID(d.u64()) }
