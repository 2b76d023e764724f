package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skycoin/nodelink/pkg/driver"
)

var pipeCount uint32

type envelope struct {
	data    []byte
	objects []driver.Object
}

// Pipe is one end of an in-process Transport pair. Messages transmitted
// before the receiving end is activated are queued, and messages are always
// delivered in order on a goroutine owned by the receiving end.
type Pipe struct {
	id           uint32
	allowObjects bool

	mu          sync.Mutex
	peer        *Pipe
	listener    Listener
	queue       []envelope
	activated   bool
	deactivated bool
	peerGone    bool

	wake chan struct{}
	done chan struct{}
}

// PipeOption configures a Pipe pair.
type PipeOption func(a, b *Pipe)

// WithoutDriverObjects makes both ends refuse messages carrying driver
// objects, so that they must be relayed.
func WithoutDriverObjects() PipeOption {
	return func(a, b *Pipe) {
		a.allowObjects = false
		b.allowObjects = false
	}
}

// NewPipePair constructs a connected pair of Pipes.
func NewPipePair(opts ...PipeOption) (*Pipe, *Pipe) {
	a, b := newPipe(), newPipe()
	a.peer, b.peer = b, a
	for _, opt := range opts {
		opt(a, b)
	}
	return a, b
}

func newPipe() *Pipe {
	return &Pipe{
		id:           atomic.AddUint32(&pipeCount, 1),
		allowObjects: true,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Activate implements Transport.
func (p *Pipe) Activate(l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deactivated {
		return ErrClosed
	}
	if p.activated {
		return ErrAlreadyActive
	}
	p.activated = true
	p.listener = l
	go p.serve()
	return nil
}

// Deactivate implements Transport.
func (p *Pipe) Deactivate() {
	p.mu.Lock()
	if p.deactivated {
		p.mu.Unlock()
		return
	}
	p.deactivated = true
	p.queue = nil
	close(p.done)
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	peer.peerGone = true
	peer.mu.Unlock()
	peer.signal()
}

// Transmit implements Transport.
func (p *Pipe) Transmit(data []byte, objects []driver.Object) error {
	if !p.CanTransmit(objects) {
		return ErrObjectsUnsupported
	}
	p.mu.Lock()
	closed := p.deactivated || p.peerGone
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	env := envelope{data: append([]byte(nil), data...)}
	if len(objects) > 0 {
		env.objects = append([]driver.Object(nil), objects...)
	}

	peer := p.peer
	peer.mu.Lock()
	if peer.deactivated {
		peer.mu.Unlock()
		return ErrClosed
	}
	peer.queue = append(peer.queue, env)
	peer.mu.Unlock()
	peer.signal()
	return nil
}

// CanTransmit implements Transport.
func (p *Pipe) CanTransmit(objects []driver.Object) bool {
	return p.allowObjects || len(objects) == 0
}

// IsValid implements driver.Object.
func (p *Pipe) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.deactivated
}

// Close implements driver.Object.
func (p *Pipe) Close() error {
	p.Deactivate()
	return nil
}

func (p *Pipe) String() string {
	return fmt.Sprintf("pipe(%d)", p.id)
}

func (p *Pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipe) serve() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if p.deactivated {
				p.mu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				gone := p.peerGone
				p.mu.Unlock()
				if gone {
					p.fail()
					return
				}
				break
			}
			env := p.queue[0]
			p.queue = p.queue[1:]
			l := p.listener
			p.mu.Unlock()

			if !l.OnMessage(env.data, env.objects) {
				p.fail()
				return
			}
		}
	}
}

func (p *Pipe) fail() {
	p.mu.Lock()
	if p.deactivated {
		p.mu.Unlock()
		return
	}
	l := p.listener
	p.mu.Unlock()
	l.OnError()
	p.Deactivate()
}

// PipeFactory implements Factory with Pipe pairs.
type PipeFactory struct {
	Options []PipeOption
}

// NewPair implements Factory.
func (f PipeFactory) NewPair() (Transport, Transport, error) {
	a, b := NewPipePair(f.Options...)
	return a, b, nil
}
