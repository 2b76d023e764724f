package router

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/linkmemory"
	"github.com/skycoin/nodelink/pkg/msg"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

// rawPeer stands in for the remote node of a NodeLink and speaks the wire
// format directly.
type rawPeer struct {
	t         *testing.T
	transport transport.Transport

	mu       sync.Mutex
	received []msg.Kind
	messages []rawMessage
	errors   int
}

type rawMessage struct {
	data    []byte
	objects []driver.Object
}

func (p *rawPeer) OnMessage(data []byte, objects []driver.Object) bool {
	k, _ := msg.PeekKind(data)
	p.mu.Lock()
	p.received = append(p.received, k)
	p.messages = append(p.messages, rawMessage{
		data:    append([]byte(nil), data...),
		objects: append([]driver.Object(nil), objects...),
	})
	p.mu.Unlock()
	return true
}

func (p *rawPeer) numMessages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *rawPeer) OnError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func (p *rawPeer) numErrors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

func (p *rawPeer) send(params msg.Params, seq routing.SequenceNumber) {
	data, objects := msg.New(params).Serialize()
	msg.SetSequenceNumber(data, seq)
	require.NoError(p.t, p.transport.Transmit(data, objects))
}

// rawLink returns a NodeLink of n whose remote side is a rawPeer.
func rawLink(t *testing.T, n *Node) (*NodeLink, *rawPeer) {
	return newRawLink(t, n, routing.NodeTypeNormal, n.AddLink)
}

// rawBrokerLink is rawLink for a rawPeer acting as the broker of n.
func rawBrokerLink(t *testing.T, n *Node) (*NodeLink, *rawPeer) {
	return newRawLink(t, n, routing.NodeTypeBroker, n.setBrokerLink)
}

func newRawLink(t *testing.T, n *Node, remoteType routing.NodeType, register func(*NodeLink) bool) (*NodeLink, *rawPeer) {
	mem, err := n.newPrimaryBuffer()
	require.NoError(t, err)
	memory, err := n.mapPrimaryBuffer(mem)
	require.NoError(t, err)

	ta, tb := transport.NewPipePair()
	link := NewNodeLink(n, ta, routing.SideA, routing.NewNodeName(), remoteType, 0, memory)
	require.True(t, register(link))
	require.NoError(t, link.Activate())

	peer := &rawPeer{t: t, transport: tb}
	require.NoError(t, tb.Activate(peer))
	return link, peer
}

// onlySublink returns the sublink of a link bound to a single route.
func onlySublink(l *NodeLink) routing.SublinkID {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.sublinks {
		return id
	}
	return 0
}

func TestNodeLink_Validation(t *testing.T) {
	tests := []struct {
		name string
		send func(p *rawPeer)
	}{
		{"out of sequence", func(p *rawPeer) {
			p.send(&msg.FlushRouter{Sublink: 1}, 0)
			p.send(&msg.FlushRouter{Sublink: 1}, 2)
		}},
		{"connector message", func(p *rawPeer) {
			p.send(&msg.ConnectFromNonBrokerToBroker{}, 0)
		}},
		{"short message", func(p *rawPeer) {
			require.NoError(t, p.transport.Transmit([]byte{1, 2, 3}, nil))
		}},
		{"unsolicited memory", func(p *rawPeer) {
			p.send(&msg.ProvideMemory{Size: 64}, 0)
		}},
		{"unknown referral", func(p *rawPeer) {
			p.send(&msg.NonBrokerReferralRejected{ReferralID: 7}, 0)
		}},
		{"relay from non-broker", func(p *rawPeer) {
			p.send(&msg.AcceptRelayedMessage{Source: routing.NewNodeName()}, 0)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNode(t, routing.NodeTypeNormal)
			link, peer := rawLink(t, n)

			tc.send(peer)

			require.Eventually(t, func() bool { return peer.numErrors() == 1 }, waitFor, tick)
			require.Eventually(t, func() bool {
				e, err := n.linkLog.Entry(link.RemoteName())
				return err == nil && e != nil
			}, waitFor, tick)
			assert.Nil(t, n.GetLink(link.RemoteName()))

			e, err := n.linkLog.Entry(link.RemoteName())
			require.NoError(t, err)
			assert.Equal(t, uint64(1), e.ValidationFailures)
			assert.Equal(t, uint64(1), e.Links)
		})
	}
}

func TestNodeLink_IgnoresUnknownKinds(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	link, peer := rawLink(t, n)

	data, _ := msg.New(&msg.FlushRouter{Sublink: 1}).Serialize()
	data[3] = 250
	require.NoError(t, peer.transport.Transmit(data, nil))

	// The unknown message still used up its sequence number.
	peer.send(&msg.RequestMemory{Size: 64}, 1)

	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.received) == 1 && peer.received[0] == msg.KindProvideMemory
	}, waitFor, tick)
	assert.Zero(t, peer.numErrors())
	assert.Equal(t, link, n.GetLink(link.RemoteName()))
}

func TestNodeLink_Deactivate(t *testing.T) {
	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	l1, l2 := linkNodes(t, n1, n2)

	var counts [4]int32
	var portals []*Portal
	for i := 0; i < 2; i++ {
		a, b := bindRoute(t, l1, l2)
		portals = append(portals, a, b)
	}
	for i, p := range portals {
		i := i
		require.NoError(t, p.OnPeerClosed(func() { atomic.AddInt32(&counts[i], 1) }))
	}
	assert.Equal(t, 2, l1.NumSublinks())

	l1.Deactivate()
	l1.Deactivate()

	require.Eventually(t, func() bool {
		for i := range counts {
			if atomic.LoadInt32(&counts[i]) != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	require.Eventually(t, func() bool { return n2.GetLink(n1.Name()) == nil }, waitFor, tick)
	assert.Nil(t, n1.GetLink(n2.Name()))
	assert.Zero(t, l1.NumSublinks())

	r := newRouter(n1, 0, 0)
	assert.Nil(t, l1.AddRemoteRouterLink(9, nil, routing.LinkCentral, routing.SideA, r))

	for _, p := range portals {
		status, err := p.Status()
		require.NoError(t, err)
		assert.True(t, status.PeerClosed)
	}
	for i := range counts {
		assert.Equal(t, int32(1), atomic.LoadInt32(&counts[i]))
	}
}

func TestNodeLink_FragmentData(t *testing.T) {
	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	l1, l2 := linkNodes(t, n1, n2)
	pa, pb := bindRoute(t, l1, l2)

	big := bytes.Repeat([]byte("0123456789"), 100)
	require.NoError(t, pa.Put(big))
	require.NoError(t, pa.Put([]byte("small")))

	data, _ := next(t, pb)
	assert.Equal(t, big, data)
	data, _ = next(t, pb)
	assert.Equal(t, "small", string(data))
}

func TestNodeLink_PendingBuffer(t *testing.T) {
	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	l1, l2 := linkNodes(t, n1, n2)
	_, pb := bindRoute(t, l1, l2)
	sublink := onlySublink(l2)

	// A block buffer n1 has not announced yet, holding one parcel's data in
	// its first block.
	const blockSize = 256
	mem, err := driver.NewLocal().AllocateMemory(16 * blockSize)
	require.NoError(t, err)
	mapping, err := mem.Map()
	require.NoError(t, err)
	defer func() { _ = mapping.Close() }() // nolint
	linkmemory.NewBlockAllocator(mapping.Bytes(), blockSize).InitializeRegion()
	b := mapping.Bytes()[blockSize:]
	binary.LittleEndian.PutUint32(b, uint32(len("pending")))
	copy(b[linkmemory.DataHeaderSize:], "pending")

	id := l1.Memory().AllocateNewBufferID()
	accept := msg.New(&msg.AcceptParcel{
		Sublink:        sublink,
		SequenceNumber: 0,
		ParcelFragment: routing.FragmentDescriptor{BufferID: id, Offset: blockSize, Size: blockSize},
	})
	require.True(t, l2.dispatch(accept))

	_, _, err = pb.Get()
	assert.Equal(t, ErrUnavailable, err)

	clone, err := mem.Clone()
	require.NoError(t, err)
	require.True(t, l2.dispatch(msg.New(&msg.AddBlockBuffer{BufferID: id, BlockSize: blockSize, Buffer: clone})))

	data, _ := next(t, pb)
	assert.Equal(t, "pending", string(data))
	_, _, err = pb.Get()
	assert.Equal(t, ErrUnavailable, err)
}

func TestNodeLink_SplitParcel(t *testing.T) {
	tests := []struct {
		name         string
		objectsFirst bool
	}{
		{"data first", false},
		{"objects first", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n1 := newTestNode(t, routing.NodeTypeNormal)
			n2 := newTestNode(t, routing.NodeTypeNormal)
			l1, l2 := linkNodes(t, n1, n2)
			_, pb := bindRoute(t, l1, l2)
			sublink := onlySublink(l2)

			h1, h2 := driver.NewHandle("h1"), driver.NewHandle("h2")
			box := driver.NewHandle("inline")
			accept := msg.New(&msg.AcceptParcel{
				Sublink:        sublink,
				SequenceNumber: 0,
				ParcelData:     []byte("split"),
				ParcelFragment: routing.NullFragment,
				HandleTypes:    []msg.HandleType{msg.HandleRelayedBox, msg.HandleBox, msg.HandleRelayedBox},
				DriverObjects:  []driver.Object{box},
			})
			objects := msg.New(&msg.AcceptParcelDriverObjects{
				Sublink:        sublink,
				SequenceNumber: 0,
				DriverObjects:  []driver.Object{h1, h2},
			})

			if tc.objectsFirst {
				require.True(t, l2.dispatch(objects))
				require.True(t, l2.dispatch(accept))
			} else {
				require.True(t, l2.dispatch(accept))
				_, _, err := pb.Get()
				assert.Equal(t, ErrUnavailable, err)
				require.True(t, l2.dispatch(objects))
			}

			data, got := next(t, pb)
			assert.Equal(t, "split", string(data))
			require.Len(t, got, 3)
			for i, want := range []driver.Object{h1, box, h2} {
				b, ok := got[i].(*parcel.Box)
				require.True(t, ok)
				assert.Equal(t, want, b.Object())
			}

			// A second objects half for the same parcel is rejected.
			require.True(t, l2.dispatch(objects))
			assert.False(t, l2.dispatch(objects))
		})
	}
}

func TestNodeLink_RelayThroughBroker(t *testing.T) {
	conf := DefaultNodeConfig(routing.NodeTypeBroker)
	conf.Transports = transport.PipeFactory{Options: []transport.PipeOption{transport.WithoutDriverObjects()}}
	broker, err := NewNode(conf)
	require.NoError(t, err)
	defer func() { _ = broker.Close() }() // nolint

	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	connectToBroker(t, broker, n1, 1)
	connectToBroker(t, broker, n2, 1)

	links := make(chan *NodeLink, 1)
	n1.EstablishLink(n2.Name(), func(l *NodeLink) { links <- l })
	var l1 *NodeLink
	select {
	case l1 = <-links:
	case <-timeout():
		t.Fatal("introduction did not complete")
	}
	require.NotNil(t, l1)
	require.Eventually(t, func() bool { return n2.GetLink(n1.Name()) != nil }, waitFor, tick)
	pa, pb := bindRoute(t, l1, n2.GetLink(n1.Name()))

	h := driver.NewHandle("relayed")
	require.NoError(t, pa.Put([]byte("with object"), parcel.NewBox(h)))
	require.NoError(t, pa.Put([]byte("after")))

	data, objects := next(t, pb)
	assert.Equal(t, "with object", string(data))
	require.Len(t, objects, 1)
	b, ok := objects[0].(*parcel.Box)
	require.True(t, ok)
	assert.Equal(t, h, b.Object())

	data, _ = next(t, pb)
	assert.Equal(t, "after", string(data))
	assert.Equal(t, uint64(1), atomic.LoadUint64(&l1.stats.relayed))
}

func TestNodeLink_StatsLogged(t *testing.T) {
	conf := DefaultNodeConfig(routing.NodeTypeNormal)
	store := linklog.InMemoryStore()
	conf.LinkLog = store
	n1, err := NewNode(conf)
	require.NoError(t, err)
	n2 := newTestNode(t, routing.NodeTypeNormal)

	l1, l2 := linkNodes(t, n1, n2)
	pa, pb := bindRoute(t, l1, l2)
	require.NoError(t, pa.Put([]byte("x")))
	next(t, pb)

	require.NoError(t, n1.Close())
	e, err := store.Entry(n2.Name())
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint64(1), e.MessagesSent)
	assert.Equal(t, uint64(1), e.Links)
	assert.Zero(t, e.ValidationFailures)
}

func TestNodeLink_ActivateOnce(t *testing.T) {
	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	l1, l2 := linkNodes(t, n1, n2)

	// Activating an active link again leaves it running.
	require.NoError(t, l1.Activate())
	pa, pb := bindRoute(t, l1, l2)
	require.NoError(t, pa.Put([]byte("still up")))
	data, _ := next(t, pb)
	assert.Equal(t, "still up", string(data))
	assert.Equal(t, l1, n1.GetLink(n2.Name()))

	// A deactivated link stays down.
	mem, err := n1.newPrimaryBuffer()
	require.NoError(t, err)
	memory, err := n1.mapPrimaryBuffer(mem)
	require.NoError(t, err)
	ta, _ := transport.NewPipePair()
	l := NewNodeLink(n1, ta, routing.SideA, routing.NewNodeName(), routing.NodeTypeNormal, 0, memory)
	l.Deactivate()
	require.NoError(t, l.Activate())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.False(t, l.active)
}

func TestNodeLink_RemoveUnboundSublink(t *testing.T) {
	n1 := newTestNode(t, routing.NodeTypeNormal)
	n2 := newTestNode(t, routing.NodeTypeNormal)
	l1, l2 := linkNodes(t, n1, n2)
	bindRoute(t, l1, l2)
	sublink := onlySublink(l1)

	l1.RemoveRemoteRouterLink(sublink + 99)
	assert.Equal(t, 1, l1.NumSublinks())

	l1.RemoveRemoteRouterLink(sublink)
	l1.RemoveRemoteRouterLink(sublink)
	assert.Zero(t, l1.NumSublinks())
	assert.Nil(t, l1.GetRouter(sublink))

	// Messages for the removed sublink are dropped without failing the link.
	assert.True(t, l1.dispatch(msg.New(&msg.RouteClosed{Sublink: sublink, SequenceLength: 1})))
	h := driver.NewHandle("late")
	assert.True(t, l1.dispatch(msg.New(&msg.AcceptParcel{
		Sublink:        sublink,
		ParcelData:     []byte("late"),
		ParcelFragment: routing.NullFragment,
		HandleTypes:    []msg.HandleType{msg.HandleBox},
		DriverObjects:  []driver.Object{h},
	})))
	assert.False(t, h.IsValid())
	assert.Equal(t, l1, n1.GetLink(n2.Name()))
}

func TestNodeLink_SplitParcelCountMismatch(t *testing.T) {
	tests := []struct {
		name    string
		objects int
	}{
		{"too few objects", 1},
		{"too many objects", 3},
		{"no objects", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n1 := newTestNode(t, routing.NodeTypeNormal)
			n2 := newTestNode(t, routing.NodeTypeNormal)
			l1, l2 := linkNodes(t, n1, n2)
			_, pb := bindRoute(t, l1, l2)
			sublink := onlySublink(l2)

			var handles []driver.Object
			for i := 0; i < tc.objects; i++ {
				handles = append(handles, driver.NewHandle("relayed"))
			}
			require.True(t, l2.dispatch(msg.New(&msg.AcceptParcel{
				Sublink:        sublink,
				ParcelData:     []byte("split"),
				ParcelFragment: routing.NullFragment,
				HandleTypes:    []msg.HandleType{msg.HandleRelayedBox, msg.HandleRelayedBox},
			})))
			assert.False(t, l2.dispatch(msg.New(&msg.AcceptParcelDriverObjects{
				Sublink:       sublink,
				DriverObjects: handles,
			})))

			for _, h := range handles {
				assert.False(t, h.IsValid())
			}
			_, _, err := pb.Get()
			assert.Equal(t, ErrUnavailable, err)
		})
	}
}

func TestNodeLink_DeactivateWithPendingSplit(t *testing.T) {
	tests := []struct {
		name string
		half func(sublink routing.SublinkID, h driver.Object) msg.Params
	}{
		{"data half", func(sublink routing.SublinkID, h driver.Object) msg.Params {
			return &msg.AcceptParcel{
				Sublink:        sublink,
				ParcelData:     []byte("pending"),
				ParcelFragment: routing.NullFragment,
				HandleTypes:    []msg.HandleType{msg.HandleRelayedBox, msg.HandleBox, msg.HandleRelayedBox},
				DriverObjects:  []driver.Object{h},
			}
		}},
		{"objects half", func(sublink routing.SublinkID, h driver.Object) msg.Params {
			return &msg.AcceptParcelDriverObjects{Sublink: sublink, DriverObjects: []driver.Object{h}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n1 := newTestNode(t, routing.NodeTypeNormal)
			n2 := newTestNode(t, routing.NodeTypeNormal)
			l1, l2 := linkNodes(t, n1, n2)
			_, pb := bindRoute(t, l1, l2)

			h := driver.NewHandle("pending")
			require.True(t, l2.dispatch(msg.New(tc.half(onlySublink(l2), h))))

			l2.Deactivate()
			assert.False(t, h.IsValid())
			require.Eventually(t, func() bool {
				status, err := pb.Status()
				return err == nil && status.PeerClosed
			}, waitFor, tick)
		})
	}
}

func TestNodeLink_RelayPreservesMessage(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	_, broker := rawBrokerLink(t, n)

	mem, err := n.newPrimaryBuffer()
	require.NoError(t, err)
	memory, err := n.mapPrimaryBuffer(mem)
	require.NoError(t, err)
	ta, tb := transport.NewPipePair(transport.WithoutDriverObjects())
	link := NewNodeLink(n, ta, routing.SideA, routing.NewNodeName(), routing.NodeTypeNormal, 0, memory)
	require.True(t, n.AddLink(link))
	require.NoError(t, link.Activate())
	direct := &rawPeer{t: t, transport: tb}
	require.NoError(t, tb.Activate(direct))

	h1, h2 := driver.NewHandle("h1"), driver.NewHandle("h2")
	want := func() *msg.AcceptParcelDriverObjects {
		return &msg.AcceptParcelDriverObjects{
			Sublink:        3,
			SequenceNumber: 5,
			DriverObjects:  []driver.Object{h1, h2},
		}
	}
	wantData, wantObjects := msg.New(want()).Serialize()
	link.Transmit(want())

	require.Eventually(t, func() bool { return broker.numMessages() == 1 }, waitFor, tick)
	broker.mu.Lock()
	got := broker.messages[0]
	broker.mu.Unlock()
	assert.Zero(t, direct.numMessages())

	m, err := msg.Decode(got.data, got.objects)
	require.NoError(t, err)
	relay, ok := m.Params.(*msg.RelayMessage)
	require.True(t, ok)
	assert.Equal(t, link.RemoteName(), relay.Destination)

	// The relayed message reproduces the direct one exactly.
	assert.Equal(t, wantData, relay.Data)
	assert.Equal(t, wantObjects, relay.Objects)
	h, ok := msg.PeekHeader(relay.Data)
	require.True(t, ok)
	assert.Equal(t, msg.KindAcceptParcelDriverObjects, h.Kind)
	assert.Zero(t, h.SequenceNumber)

	inner, err := msg.Decode(relay.Data, relay.Objects)
	require.NoError(t, err)
	assert.Equal(t, want(), inner.Params)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&link.stats.relayed))
}
