package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"golang.org/x/sync/semaphore"
)

// DefaultQueueDepth is the number of sends a Publisher allows in flight when
// WithQueueDepth is not given.
const DefaultQueueDepth = 8

type publishOptions struct {
	priority   bus.Priority
	deadline   time.Duration
	queueDepth int
}

// PublishOption configures a Publisher.
type PublishOption func(*publishOptions)

// WithPriority sets the transfer priority. The default is bus.PriorityNominal.
func WithPriority(p bus.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithDeadline bounds how long one Publish call may wait for an in-flight
// slot and for the transport. Zero means the caller's context alone decides.
func WithDeadline(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.deadline = d }
}

// WithQueueDepth bounds the number of concurrent in-flight sends.
func WithQueueDepth(n int) PublishOption {
	return func(o *publishOptions) { o.queueDepth = n }
}

// Publisher sends values of one type on one subject. It is safe for
// concurrent use.
type Publisher[T any] struct {
	node     *Node
	subject  bus.SubjectID
	codec    dsdl.Codec[T]
	opts     publishOptions
	inflight *semaphore.Weighted

	nextTransfer atomic.Uint64
	closed       atomic.Bool

	mu   sync.Mutex
	jobs []*job
}

// Advertise binds a Publisher for subject on n. A node may hold at most one
// Publisher per subject.
func Advertise[T any](n *Node, subject bus.SubjectID, codec dsdl.Codec[T], opts ...PublishOption) (*Publisher[T], error) {
	if n.stopped() {
		return nil, ErrNodeStopped
	}
	if n.id.Anonymous() {
		return nil, ErrAnonymousNode
	}
	if err := checkBinding(subject, codec.Schema()); err != nil {
		return nil, err
	}

	o := publishOptions{priority: bus.PriorityNominal, queueDepth: DefaultQueueDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return nil, fmt.Errorf("node: invalid priority %d", o.priority)
	}
	if o.queueDepth < 1 {
		return nil, fmt.Errorf("node: queue depth must be at least 1, got %d", o.queueDepth)
	}
	if o.deadline < 0 {
		return nil, fmt.Errorf("node: negative publish deadline %s", o.deadline)
	}

	p := &Publisher[T]{
		node:     n,
		subject:  subject,
		codec:    codec,
		opts:     o,
		inflight: semaphore.NewWeighted(int64(o.queueDepth)),
	}
	if err := n.claimSubject(subject, p); err != nil {
		return nil, err
	}
	n.log.Debug().
		Uint16("subject", uint16(subject)).
		Str("schema", codec.Schema().String()).
		Stringer("priority", o.priority).
		Msg("publisher bound")
	return p, nil
}

// Subject returns the subject the Publisher sends on.
func (p *Publisher[T]) Subject() bus.SubjectID {
	return p.subject
}

// Publish encodes v and sends it as one transfer. It fails with a
// *dsdl.EncodeError if v does not fit the schema and with a
// *bus.TransportError if the transport rejects the frame or the deadline
// passes first. Failed sends are not retried.
func (p *Publisher[T]) Publish(ctx context.Context, v T) error {
	if p.node.stopped() {
		return ErrNodeStopped
	}
	if p.closed.Load() {
		return ErrBindingClosed
	}

	payload, err := p.codec.Encode(v)
	if err != nil {
		return err
	}

	if p.opts.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = p.node.clock.WithTimeout(ctx, p.opts.deadline)
		defer cancel()
	}

	label := subjectLabel(p.subject)
	if err := p.inflight.Acquire(ctx, 1); err != nil {
		p.node.metrics.publishFailures.WithLabelValues(label).Inc()
		return bus.SendError(p.subject, fmt.Errorf("%w: %w", bus.ErrQueueFull, err))
	}
	defer p.inflight.Release(1)

	f := bus.Frame{
		Subject:    p.subject,
		Priority:   p.opts.priority,
		Source:     p.node.id,
		TransferID: p.nextTransfer.Add(1) - 1,
		Payload:    payload,
	}
	if err := p.node.transport.Send(ctx, f); err != nil {
		p.node.metrics.publishFailures.WithLabelValues(label).Inc()
		return bus.SendError(p.subject, err)
	}
	p.node.metrics.published.WithLabelValues(label).Inc()
	return nil
}

// Schedule publishes compose(at) every period, where at is the scheduled
// fire time. Failures are logged; the job keeps running until the Publisher
// or the node is closed.
func (p *Publisher[T]) Schedule(period time.Duration, compose func(at time.Time) T) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	if p.node.stopped() {
		return ErrNodeStopped
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return ErrBindingClosed
	}
	j := p.node.every(period, func(ctx context.Context, at time.Time) {
		if err := p.Publish(ctx, compose(at)); err != nil {
			p.node.log.Warn().Err(err).Uint16("subject", uint16(p.subject)).Msg("Scheduled publish failed")
		}
	})
	p.jobs = append(p.jobs, j)
	return nil
}

// Close unbinds the Publisher and cancels its scheduled jobs. The subject
// may then be advertised again.
func (p *Publisher[T]) Close() error {
	if !p.shutdown() {
		return nil
	}
	p.node.releaseSubject(p.subject, p)
	return nil
}

// shutdown stops the Publisher without touching node bookkeeping. It reports
// whether this call did the work.
func (p *Publisher[T]) shutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return false
	}
	for _, j := range p.jobs {
		p.node.sched.cancel(j)
	}
	p.jobs = nil
	return true
}
