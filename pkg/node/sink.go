package node

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
)

// Message is one decoded transfer together with its frame metadata.
type Message[T any] struct {
	Value      T
	Subject    bus.SubjectID
	Priority   bus.Priority
	Source     bus.NodeID
	TransferID uint64
	Timestamp  time.Time
}

// Sink receives the decoded messages of a Subscription. The only
// implementations are QueueSink (pull) and HandlerSink (push). A sink can be
// bound to one Subscription only.
type Sink[T any] interface {
	offer(m Message[T]) (evicted bool)
	attach(n *Node) error
	detach(err error)
}

// ring is a bounded FIFO that evicts its oldest entry when full.
type ring[T any] struct {
	mu    sync.Mutex
	items []Message[T]
	depth int
	err   error
	ready chan struct{}
	done  chan struct{}
}

func newRing[T any](depth int) *ring[T] {
	if depth < 1 {
		depth = 1
	}
	return &ring[T]{
		items: make([]Message[T], 0, depth),
		depth: depth,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (r *ring[T]) offer(m Message[T]) bool {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return false
	}
	evicted := false
	if len(r.items) == r.depth {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
		evicted = true
	}
	r.items = append(r.items, m)
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

func (r *ring[T]) pop() (Message[T], bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero Message[T]
	if r.err != nil {
		return zero, false, r.err
	}
	if len(r.items) == 0 {
		return zero, false, nil
	}
	m := r.items[0]
	copy(r.items, r.items[1:])
	r.items[len(r.items)-1] = zero
	r.items = r.items[:len(r.items)-1]
	return m, true, nil
}

func (r *ring[T]) next(ctx context.Context) (Message[T], error) {
	for {
		m, ok, err := r.pop()
		if ok {
			return m, nil
		}
		if err != nil {
			return m, err
		}
		select {
		case <-r.ready:
		case <-r.done:
		case <-ctx.Done():
			return m, ctx.Err()
		}
	}
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// close discards pending messages; later reads fail with err.
func (r *ring[T]) close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.err = err
	r.items = nil
	close(r.done)
}

// QueueSink buffers the most recent messages until the application pulls
// them. When full, the oldest message is evicted.
type QueueSink[T any] struct {
	r     *ring[T]
	bound atomic.Bool
}

// Queue returns a pull sink that retains at most depth messages.
func Queue[T any](depth int) *QueueSink[T] {
	return &QueueSink[T]{r: newRing[T](depth)}
}

// Next blocks until a message is available, ctx ends or the subscription
// is closed.
func (q *QueueSink[T]) Next(ctx context.Context) (Message[T], error) {
	return q.r.next(ctx)
}

// TryNext returns the oldest buffered message without blocking.
func (q *QueueSink[T]) TryNext() (Message[T], bool) {
	m, ok, _ := q.r.pop()
	return m, ok
}

// Len returns the number of buffered messages.
func (q *QueueSink[T]) Len() int {
	return q.r.len()
}

// Messages yields messages as they arrive until ctx ends or the subscription
// is closed. Messages consumed by one iteration are gone; ranging again
// continues from whatever is buffered at that point.
func (q *QueueSink[T]) Messages(ctx context.Context) iter.Seq[Message[T]] {
	return func(yield func(Message[T]) bool) {
		for {
			m, err := q.r.next(ctx)
			if err != nil {
				return
			}
			if !yield(m) {
				return
			}
		}
	}
}

func (q *QueueSink[T]) offer(m Message[T]) bool { return q.r.offer(m) }

func (q *QueueSink[T]) attach(*Node) error {
	if !q.bound.CompareAndSwap(false, true) {
		return ErrWrongSink
	}
	return nil
}

func (q *QueueSink[T]) detach(err error) { q.r.close(err) }

// HandlerFunc processes one message.
type HandlerFunc[T any] func(ctx context.Context, m Message[T])

// HandlerSink calls a function for every message on a dedicated goroutine,
// in arrival order. Messages wait in a bounded queue that evicts the oldest
// when the handler falls behind.
type HandlerSink[T any] struct {
	r     *ring[T]
	fn    HandlerFunc[T]
	bound atomic.Bool
}

// Handler returns a push sink whose worker queue holds at most depth
// messages.
func Handler[T any](depth int, fn HandlerFunc[T]) *HandlerSink[T] {
	return &HandlerSink[T]{r: newRing[T](depth), fn: fn}
}

func (h *HandlerSink[T]) offer(m Message[T]) bool { return h.r.offer(m) }

func (h *HandlerSink[T]) attach(n *Node) error {
	if h.fn == nil || !h.bound.CompareAndSwap(false, true) {
		return ErrWrongSink
	}
	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		for {
			m, err := h.r.next(n.ctx)
			if err != nil {
				return
			}
			h.call(n, m)
		}
	}()
	return nil
}

func (h *HandlerSink[T]) call(n *Node, m Message[T]) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().
				Interface("panic", r).
				Uint16("subject", uint16(m.Subject)).
				Msg("Subscription handler panicked")
		}
	}()
	h.fn(n.ctx, m)
}

func (h *HandlerSink[T]) detach(err error) { h.r.close(err) }
