package router

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func newTestNode(t *testing.T, typ routing.NodeType) *Node {
	n, err := NewNode(DefaultNodeConfig(typ))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() }) // nolint
	return n
}

// connectToBroker connects node to broker over a new pipe pair and waits
// for both sides to register the link.
func connectToBroker(t *testing.T, broker, node *Node, numPortals int) ([]*Portal, []*Portal) {
	tb, tn := transport.NewPipePair()
	bp, err := broker.ConnectNode(tb, numPortals, 0)
	require.NoError(t, err)
	np, err := node.ConnectNode(tn, numPortals, ConnectToBroker)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return node.BrokerLink() != nil && broker.GetLink(node.Name()) != nil
	}, waitFor, tick)
	return bp, np
}

// linkNodes links a and b directly, the way an introduction would.
func linkNodes(t *testing.T, a, b *Node, opts ...transport.PipeOption) (*NodeLink, *NodeLink) {
	mem, err := a.newPrimaryBuffer()
	require.NoError(t, err)
	clone, err := mem.Clone()
	require.NoError(t, err)
	ma, err := a.mapPrimaryBuffer(mem)
	require.NoError(t, err)
	mb, err := b.mapPrimaryBuffer(clone)
	require.NoError(t, err)

	ta, tb := transport.NewPipePair(opts...)
	la := NewNodeLink(a, ta, routing.SideA, b.Name(), b.Type(), 0, ma)
	lb := NewNodeLink(b, tb, routing.SideB, a.Name(), a.Type(), 0, mb)
	require.True(t, a.AddLink(la))
	require.True(t, b.AddLink(lb))
	require.NoError(t, la.Activate())
	require.NoError(t, lb.Activate())
	return la, lb
}

// bindRoute opens a route over the two ends of one NodeLink.
func bindRoute(t *testing.T, a, b *NodeLink) (*Portal, *Portal) {
	sublink := a.Memory().AllocateSublinkIDs(1)
	ra, rb := newRouter(a.node, 0, 0), newRouter(b.node, 0, 0)
	la := a.AddRemoteRouterLink(sublink, nil, routing.LinkCentral, a.Side(), ra)
	require.NotNil(t, la)
	lb := b.AddRemoteRouterLink(sublink, nil, routing.LinkCentral, b.Side(), rb)
	require.NotNil(t, lb)
	ra.SetOutwardLink(la)
	rb.SetOutwardLink(lb)
	return newPortal(ra), newPortal(rb)
}

func timeout() <-chan time.Time {
	return time.After(waitFor)
}

// next waits for the next parcel on p.
func next(t *testing.T, p *Portal) ([]byte, []parcel.Object) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	data, objects, err := p.Next(ctx)
	require.NoError(t, err)
	return data, objects
}

func TestOpenPortals(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()

	_, _, err := b.Get()
	assert.Equal(t, ErrUnavailable, err)

	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, a.Put([]byte(s)))
	}
	require.NoError(t, b.Put([]byte("back")))

	for _, want := range []string{"one", "two", "three"} {
		data, objects, err := b.Get()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
		assert.Empty(t, objects)
	}
	data, _, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, "back", string(data))
}

func TestPortal_Objects(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()
	c, d := n.OpenPortals()

	h := driver.NewHandle("h")
	require.NoError(t, a.Put([]byte("x"), parcel.NewBox(h), c))

	_, objects, err := b.Get()
	require.NoError(t, err)
	require.Len(t, objects, 2)
	box, ok := objects[0].(*parcel.Box)
	require.True(t, ok)
	assert.Equal(t, h, box.Object())
	moved, ok := objects[1].(*Portal)
	require.True(t, ok)

	// The moved portal still reaches d.
	require.NoError(t, moved.Put([]byte("through")))
	data, _ := next(t, d)
	assert.Equal(t, "through", string(data))
}

func TestPortal_PutValidation(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()
	c, _ := n.OpenPortals()
	require.NoError(t, c.Close())

	tests := []struct {
		name    string
		objects []parcel.Object
	}{
		{"itself", []parcel.Object{a}},
		{"its peer", []parcel.Object{b}},
		{"closed portal", []parcel.Object{c}},
		{"nil object", []parcel.Object{nil}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Put([]byte("x"), tc.objects...)
			assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
		})
	}

	_, _, err := b.Get()
	assert.Equal(t, ErrUnavailable, err)
}

func TestPortal_Close(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()

	var closed int32
	require.NoError(t, b.OnPeerClosed(func() { atomic.AddInt32(&closed, 1) }))

	require.NoError(t, a.Put([]byte("last")))
	require.NoError(t, a.Close())
	assert.Equal(t, ErrPortalClosed, a.Close())
	assert.Equal(t, ErrPortalClosed, a.Put([]byte("x")))

	status, err := b.Status()
	require.NoError(t, err)
	assert.True(t, status.PeerClosed)
	assert.False(t, status.Dead)
	assert.Equal(t, 1, status.LocalParcels)
	assert.Equal(t, 4, status.LocalBytes)
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))

	assert.Equal(t, ErrRouteClosed, b.Put([]byte("x")))

	data, _, err := b.Get()
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))
	_, _, err = b.Get()
	assert.Equal(t, ErrRouteClosed, err)

	status, err = b.Status()
	require.NoError(t, err)
	assert.True(t, status.Dead)

	// Late observers are called at once, and only once.
	require.NoError(t, b.OnPeerClosed(func() { atomic.AddInt32(&closed, 1) }))
	assert.Equal(t, int32(2), atomic.LoadInt32(&closed))
}

func TestPortal_NextHonoursContext(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := b.Next(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = a.Put([]byte("late")) // nolint
	}()
	data, _ := next(t, b)
	assert.Equal(t, "late", string(data))

	require.NoError(t, a.Close())
	ctx2, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	_, _, err = b.Next(ctx2)
	assert.Equal(t, ErrRouteClosed, err)
}

func TestPortal_FlowControl(t *testing.T) {
	n := newTestNode(t, routing.NodeTypeNormal)
	a, b := n.OpenPortals()

	var consumed int32
	require.NoError(t, a.OnPeerConsumed(func() { atomic.AddInt32(&consumed, 1) }))

	require.NoError(t, a.Put([]byte("12345")))
	require.NoError(t, a.Put([]byte("678")))

	status, err := a.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, status.RemoteParcels)
	assert.Equal(t, 8, status.RemoteBytes)

	_, _, err = b.Get()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&consumed))

	status, err = a.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.RemoteParcels)
	assert.Equal(t, 3, status.RemoteBytes)

	_, _, err = b.Get()
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&consumed))
}
