// Package sim runs a broker and a set of nodes in one process and drives
// traffic over routes whose portals are moved between the nodes.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/nodelink/internal/metrics"
	"github.com/skycoin/nodelink/pkg/driver"
	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/parcel"
	"github.com/skycoin/nodelink/pkg/router"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/transport"
)

var (
	// ErrMismatch is returned when a parcel arrives out of order or altered.
	ErrMismatch = errors.New("parcel mismatch")

	// ErrUnknownNode is returned for a node with no recorded links.
	ErrUnknownNode = errors.New("no links recorded for node")
)

// LinkInfo describes one live NodeLink.
type LinkInfo struct {
	Node     routing.NodeName `json:"node"`
	Remote   routing.NodeName `json:"remote"`
	Side     string           `json:"side"`
	Sublinks int              `json:"sublinks"`
}

// Report summarizes a run.
type Report struct {
	Routes  int      `json:"routes"`
	Parcels int      `json:"parcels"`
	Direct  int      `json:"direct_links"`
	Elapsed Duration `json:"elapsed"`
}

// member is a non-broker node with the initial portals of its broker link.
type member struct {
	node       *router.Node
	portal     *router.Portal // on the node
	brokerSide *router.Portal // on the broker
}

// Simulation is one broker with its nodes.
type Simulation struct {
	conf  *Config
	log   *logging.Logger
	store linklog.Store

	closeStore func() error

	mu      sync.Mutex
	broker  *router.Node
	members []member
}

// New constructs a Simulation. Nothing is connected before Run.
func New(conf *Config, m metrics.Recorder) (*Simulation, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	store, closeStore, err := conf.LinkLogStore()
	if err != nil {
		return nil, errors.Wrap(err, "open link log")
	}
	if m == nil {
		m = metrics.NewDummy()
	}

	s := &Simulation{
		conf:       conf,
		log:        logging.MustGetLogger("sim"),
		store:      store,
		closeStore: closeStore,
	}

	bc := s.nodeConfig(routing.NodeTypeBroker, m)
	if conf.RelayDriverObjects {
		bc.Transports = transport.PipeFactory{Options: []transport.PipeOption{transport.WithoutDriverObjects()}}
	}
	if s.broker, err = router.NewNode(bc); err != nil {
		return nil, errors.Wrap(err, "create broker")
	}
	for i := 0; i < conf.Nodes; i++ {
		n, err := router.NewNode(s.nodeConfig(routing.NodeTypeNormal, m))
		if err != nil {
			_ = s.Close() // nolint
			return nil, errors.Wrapf(err, "create node %d", i)
		}
		s.members = append(s.members, member{node: n})
	}
	return s, nil
}

func (s *Simulation) nodeConfig(t routing.NodeType, m metrics.Recorder) router.NodeConfig {
	conf := router.DefaultNodeConfig(t)
	conf.Metrics = m
	conf.LinkLog = s.store
	conf.InlineDataLimit = s.conf.InlineDataLimit
	return conf
}

// Broker returns the broker node.
func (s *Simulation) Broker() *router.Node {
	return s.broker
}

// Links returns every live link of every node.
func (s *Simulation) Links() []LinkInfo {
	s.mu.Lock()
	nodes := []*router.Node{s.broker}
	for _, m := range s.members {
		nodes = append(nodes, m.node)
	}
	s.mu.Unlock()

	var out []LinkInfo
	for _, n := range nodes {
		for _, l := range n.Links() {
			out = append(out, LinkInfo{
				Node:     n.Name(),
				Remote:   l.RemoteName(),
				Side:     l.Side().String(),
				Sublinks: l.NumSublinks(),
			})
		}
	}
	return out
}

// LinkLog returns the statistics stored for the links to the named node.
func (s *Simulation) LinkLog(name routing.NodeName) (*linklog.Entry, error) {
	return s.store.Entry(name)
}

// Run connects every node to the broker, then opens a route between each
// pair of neighbouring nodes by moving one end of a local portal pair
// through the broker, and exchanges parcels over it.
func (s *Simulation) Run(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.conf.Timeout))
	defer cancel()
	start := time.Now()

	for i := range s.members {
		if err := s.connect(ctx, &s.members[i]); err != nil {
			return nil, errors.Wrapf(err, "connect node %d", i)
		}
	}
	s.log.Infof("Connected %d nodes to broker %s", len(s.members), s.broker.Name())

	report := &Report{}
	for i := 0; i+1 < len(s.members); i++ {
		from, to := s.members[i], s.members[i+1]
		a, b, err := s.openRoute(ctx, from, to)
		if err != nil {
			return nil, errors.Wrapf(err, "open route %d", i)
		}
		if err := s.exchange(ctx, a, b); err != nil {
			return nil, errors.Wrapf(err, "route %d", i)
		}
		report.Routes++
		report.Parcels += 2 * s.conf.Parcels
		if from.node.GetLink(to.node.Name()) != nil {
			report.Direct++
		}
		_ = a.Close() // nolint
		_ = b.Close() // nolint
	}
	report.Elapsed = Duration(time.Since(start))
	return report, nil
}

// LinkLogs returns the stored statistics of the links to every node. Links
// record their statistics once they are torn down, so this is complete only
// after Stop.
func (s *Simulation) LinkLogs() (map[routing.NodeName]linklog.Entry, error) {
	s.mu.Lock()
	names := []routing.NodeName{s.broker.Name()}
	for _, m := range s.members {
		names = append(names, m.node.Name())
	}
	s.mu.Unlock()

	logs := make(map[routing.NodeName]linklog.Entry)
	for _, name := range names {
		e, err := s.store.Entry(name)
		if err != nil {
			return nil, errors.Wrap(err, "read link log")
		}
		if e != nil {
			logs[name] = *e
		}
	}
	return logs, nil
}

func (s *Simulation) connect(ctx context.Context, m *member) error {
	tb, tn := transport.NewPipePair()
	bp, err := s.broker.ConnectNode(tb, 1, 0)
	if err != nil {
		return err
	}
	np, err := m.node.ConnectNode(tn, 1, router.ConnectToBroker)
	if err != nil {
		return err
	}

	// The broker renames the node during the handshake, so wait for it
	// before the name is used anywhere.
	if err := np[0].Put([]byte("hello")); err != nil {
		return err
	}
	if _, _, err := bp[0].Next(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	m.portal, m.brokerSide = np[0], bp[0]
	s.mu.Unlock()
	return nil
}

// openRoute returns the ends of a route from one node to another, built by
// moving a portal through the broker.
func (s *Simulation) openRoute(ctx context.Context, from, to member) (*router.Portal, *router.Portal, error) {
	a, b := from.node.OpenPortals()
	if err := from.portal.Put([]byte("route"), b); err != nil {
		return nil, nil, err
	}
	moved, err := takePortal(ctx, from.brokerSide)
	if err != nil {
		return nil, nil, err
	}
	if err := to.brokerSide.Put([]byte("route"), moved); err != nil {
		return nil, nil, err
	}
	end, err := takePortal(ctx, to.portal)
	if err != nil {
		return nil, nil, err
	}
	return a, end, nil
}

func takePortal(ctx context.Context, p *router.Portal) (*router.Portal, error) {
	_, objects, err := p.Next(ctx)
	if err != nil {
		return nil, err
	}
	if len(objects) != 1 {
		return nil, errors.Wrapf(ErrMismatch, "expected one portal, got %d objects", len(objects))
	}
	moved, ok := objects[0].(*router.Portal)
	if !ok {
		return nil, errors.Wrap(ErrMismatch, "expected a portal")
	}
	return moved, nil
}

// payload returns the data of the i-th parcel sent in direction dir.
func (s *Simulation) payload(dir string, i int) []byte {
	head := fmt.Sprintf("%s:%d:", dir, i)
	if len(head) >= s.conf.ParcelSize {
		return []byte(head)
	}
	return append([]byte(head), bytes.Repeat([]byte{byte(i)}, s.conf.ParcelSize-len(head))...)
}

// exchange sends parcels both ways over the route between a and b. Every
// eighth parcel carries a box.
func (s *Simulation) exchange(ctx context.Context, a, b *router.Portal) error {
	for i := 0; i < s.conf.Parcels; i++ {
		var objects []parcel.Object
		if i%8 == 0 {
			objects = append(objects, parcel.NewBox(driver.NewHandle(fmt.Sprintf("box-%d", i))))
		}
		if err := a.Put(s.payload("ab", i), objects...); err != nil {
			return err
		}
		if err := b.Put(s.payload("ba", i)); err != nil {
			return err
		}
	}
	for i := 0; i < s.conf.Parcels; i++ {
		if err := s.expect(ctx, b, "ab", i, i%8 == 0); err != nil {
			return err
		}
		if err := s.expect(ctx, a, "ba", i, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulation) expect(ctx context.Context, p *router.Portal, dir string, i int, boxed bool) error {
	data, objects, err := p.Next(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, s.payload(dir, i)) {
		return errors.Wrapf(ErrMismatch, "parcel %s:%d", dir, i)
	}
	if boxed != (len(objects) == 1) {
		return errors.Wrapf(ErrMismatch, "parcel %s:%d carries %d objects", dir, i, len(objects))
	}
	for _, o := range objects {
		_ = o.Close() // nolint
	}
	return nil
}

// Stop closes every node, which tears their links down.
func (s *Simulation) Stop() error {
	s.mu.Lock()
	members := s.members
	s.mu.Unlock()

	var errs []error
	for _, m := range members {
		if err := m.node.Close(); err != nil && err != router.ErrNodeClosed {
			errs = append(errs, err)
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil && err != router.ErrNodeClosed {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "%d errors stopping simulation", len(errs))
	}
	return nil
}

// Close stops the simulation and closes the link log store.
func (s *Simulation) Close() error {
	err := s.Stop()
	if cerr := s.closeStore(); err == nil {
		err = cerr
	}
	return err
}
