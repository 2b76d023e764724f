package router

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/skycoin/nodelink/pkg/parcel"
)

// PortalStatus describes the state of a portal and its route.
type PortalStatus struct {
	// PeerClosed is set once the other portal is closed or unreachable.
	PeerClosed bool

	// Dead is set once PeerClosed is set and every parcel was retrieved.
	Dead bool

	LocalParcels  int
	LocalBytes    int
	RemoteParcels int
	RemoteBytes   int
}

// Portal is one end of a route. Portals may be attached to parcels to move
// them to the node the parcel goes to.
type Portal struct {
	mu     sync.Mutex
	router *Router
}

func newPortal(r *Router) *Portal {
	return &Portal{router: r}
}

// takeRouter detaches the Router from p, which behaves as closed
// afterwards.
func (p *Portal) takeRouter() *Router {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.router
	p.router = nil
	return r
}

func (p *Portal) getRouter() (*Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.router == nil {
		return nil, ErrPortalClosed
	}
	return p.router, nil
}

// Put sends a parcel to the other portal. Attached objects move into the
// parcel; a portal may not be sent through its own route.
func (p *Portal) Put(data []byte, objects ...parcel.Object) error {
	r, err := p.getRouter()
	if err != nil {
		return err
	}
	for _, o := range objects {
		switch o := o.(type) {
		case nil:
			return errors.Wrap(ErrInvalidArgument, "nil object")
		case *Portal:
			other, err := o.getRouter()
			if err != nil {
				return errors.Wrap(ErrInvalidArgument, "cannot send a closed portal")
			}
			if !r.allowsTransferOf(other) {
				return errors.Wrap(ErrInvalidArgument, "cannot send a portal through its own route")
			}
		}
	}

	pcl := parcel.New(0)
	pcl.SetInlinedData(append([]byte(nil), data...))
	pcl.SetObjects(objects)
	return r.put(pcl)
}

// Get retrieves the next parcel sent by the other portal. It returns
// ErrUnavailable if none is ready yet and ErrRouteClosed if none can come
// anymore.
func (p *Portal) Get() ([]byte, []parcel.Object, error) {
	r, err := p.getRouter()
	if err != nil {
		return nil, nil, err
	}
	pcl, err := r.get()
	if err != nil {
		return nil, nil, err
	}
	data := append([]byte(nil), pcl.Data()...)
	objects := pcl.TakeObjects()
	pcl.Release()
	return data, objects, nil
}

// Next waits for the next parcel.
func (p *Portal) Next(ctx context.Context) ([]byte, []parcel.Object, error) {
	for {
		r, err := p.getRouter()
		if err != nil {
			return nil, nil, err
		}
		changed := r.changes()
		data, objects, err := p.Get()
		if err != ErrUnavailable {
			return data, objects, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Close closes the portal. The other portal observes its peer closed once
// every parcel already put has reached it.
func (p *Portal) Close() error {
	r := p.takeRouter()
	if r == nil {
		return ErrPortalClosed
	}
	r.CloseRoute()
	return nil
}

// Status returns the current state of the portal.
func (p *Portal) Status() (PortalStatus, error) {
	r, err := p.getRouter()
	if err != nil {
		return PortalStatus{}, err
	}
	return r.status(), nil
}

// OnPeerClosed registers cb to be called once the other portal is closed or
// lost.
func (p *Portal) OnPeerClosed(cb func()) error {
	r, err := p.getRouter()
	if err != nil {
		return err
	}
	r.observePeerClosed(cb)
	return nil
}

// OnPeerConsumed registers cb to be called whenever the other portal
// retrieves parcels. It replaces any callback registered before.
func (p *Portal) OnPeerConsumed(cb func()) error {
	r, err := p.getRouter()
	if err != nil {
		return err
	}
	r.observePeerConsumed(cb)
	return nil
}
