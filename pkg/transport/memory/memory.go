// Package memory is a process-local bus. Every Port attached to a Medium sees
// the frames sent by every other Port (and by itself) on the subjects it
// listens to. It is used by tests and by single-process deployments.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
)

// DefaultBuffer is the per-port receive buffer used when none is configured.
const DefaultBuffer = 256

// Option configures a Medium.
type Option func(*Medium)

// WithClock sets the clock used to timestamp delivered frames.
func WithClock(c clock.Clock) Option {
	return func(m *Medium) { m.clock = c }
}

// WithBuffer sets the receive buffer of ports attached after this call.
func WithBuffer(n int) Option {
	return func(m *Medium) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Medium is a shared broadcast domain.
type Medium struct {
	mu     sync.RWMutex
	ports  map[*Port]struct{}
	clock  clock.Clock
	buffer int
	down   atomic.Bool
}

func NewMedium(opts ...Option) *Medium {
	m := &Medium{
		ports:  make(map[*Port]struct{}),
		clock:  clock.New(),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDown simulates loss of the physical medium. While down, every Send
// fails with bus.ErrMediumDown.
func (m *Medium) SetDown(down bool) {
	m.down.Store(down)
}

// Attach returns a new Port on the medium.
func (m *Medium) Attach() *Port {
	p := &Port{
		medium:   m,
		rx:       make(chan bus.Frame, m.buffer),
		subjects: make(map[bus.SubjectID]struct{}),
		closed:   make(chan struct{}),
	}
	m.mu.Lock()
	m.ports[p] = struct{}{}
	m.mu.Unlock()
	return p
}

func (m *Medium) detach(p *Port) {
	m.mu.Lock()
	delete(m.ports, p)
	m.mu.Unlock()
}

func (m *Medium) broadcast(f bus.Frame) {
	f.Timestamp = m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for p := range m.ports {
		if !p.listening(f.Subject) {
			continue
		}
		select {
		case p.rx <- f.Clone():
		default:
			// Receive buffer full: the medium is lossy.
			p.dropped.Add(1)
		}
	}
}

// Port is one node's attachment to a Medium. It implements bus.Transport.
type Port struct {
	medium *Medium
	rx     chan bus.Frame

	mu       sync.RWMutex
	subjects map[bus.SubjectID]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Uint64
}

var _ bus.Transport = (*Port)(nil)

func (p *Port) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Port) listening(s bus.SubjectID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.subjects[s]
	return ok
}

// Send delivers f to every listening port without blocking.
func (p *Port) Send(ctx context.Context, f bus.Frame) error {
	if p.isClosed() {
		return bus.SendError(f.Subject, bus.ErrTransportClosed)
	}
	if err := ctx.Err(); err != nil {
		return bus.SendError(f.Subject, err)
	}
	if p.medium.down.Load() {
		return bus.SendError(f.Subject, bus.ErrMediumDown)
	}
	p.medium.broadcast(f)
	return nil
}

func (p *Port) Receive(ctx context.Context) (bus.Frame, error) {
	if p.isClosed() {
		return bus.Frame{}, &bus.TransportError{Op: "receive", Err: bus.ErrTransportClosed}
	}
	select {
	case f := <-p.rx:
		return f, nil
	default:
	}
	select {
	case f := <-p.rx:
		return f, nil
	case <-ctx.Done():
		return bus.Frame{}, ctx.Err()
	case <-p.closed:
		return bus.Frame{}, &bus.TransportError{Op: "receive", Err: bus.ErrTransportClosed}
	}
}

func (p *Port) Listen(_ context.Context, s bus.SubjectID) error {
	if p.isClosed() {
		return &bus.TransportError{Op: "listen", Subject: s, Err: bus.ErrTransportClosed}
	}
	p.mu.Lock()
	p.subjects[s] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *Port) Ignore(s bus.SubjectID) error {
	if p.isClosed() {
		return &bus.TransportError{Op: "ignore", Subject: s, Err: bus.ErrTransportClosed}
	}
	p.mu.Lock()
	delete(p.subjects, s)
	p.mu.Unlock()
	return nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.medium.detach(p)
	})
	return nil
}

// Dropped returns the number of frames lost because the receive buffer was
// full.
func (p *Port) Dropped() uint64 {
	return p.dropped.Load()
}
