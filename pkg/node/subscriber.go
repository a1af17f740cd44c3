package node

import (
	"sync"
	"sync/atomic"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/google/uuid"
)

// Stats are the running counters of one Subscription.
type Stats struct {
	Received       uint64
	Evicted        uint64
	DecodeFailures uint64
}

// dispatcher is the type-erased view of a Subscription the node fans frames
// out to.
type dispatcher interface {
	bindingID() uuid.UUID
	deliver(f bus.Frame)
	shutdown()
}

// Subscription receives values of one type from one subject. Frames that
// fail to decode are dropped and counted, never returned.
type Subscription[T any] struct {
	id    uuid.UUID
	node  *Node
	codec dsdl.Codec[T]
	sink  Sink[T]

	mu      sync.Mutex
	subject bus.SubjectID
	closed  bool

	received       atomic.Uint64
	evicted        atomic.Uint64
	decodeFailures atomic.Uint64
}

// Subscribe binds sink to subject on n. Any number of Subscriptions may share
// a subject; each gets its own copy of every message.
func Subscribe[T any](n *Node, subject bus.SubjectID, codec dsdl.Codec[T], sink Sink[T]) (*Subscription[T], error) {
	if n.stopped() {
		return nil, ErrNodeStopped
	}
	if sink == nil {
		return nil, ErrWrongSink
	}
	if err := checkBinding(subject, codec.Schema()); err != nil {
		return nil, err
	}

	s := &Subscription[T]{
		id:      uuid.New(),
		node:    n,
		codec:   codec,
		sink:    sink,
		subject: subject,
	}
	if err := n.addSubscriber(subject, s, sink.attach); err != nil {
		return nil, err
	}
	n.log.Debug().
		Uint16("subject", uint16(subject)).
		Str("schema", codec.Schema().String()).
		Str("binding", s.id.String()).
		Msg("subscription bound")
	return s, nil
}

// ID identifies the binding in logs.
func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

func (s *Subscription[T]) Subject() bus.SubjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Subscription[T]) Stats() Stats {
	return Stats{
		Received:       s.received.Load(),
		Evicted:        s.evicted.Load(),
		DecodeFailures: s.decodeFailures.Load(),
	}
}

// Rebind moves the Subscription to another subject. The old binding is torn
// down before the new one is established; buffered messages are kept.
func (s *Subscription[T]) Rebind(subject bus.SubjectID) error {
	if s.node.stopped() {
		return ErrNodeStopped
	}
	if err := checkBinding(subject, s.codec.Schema()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBindingClosed
	}
	if subject == s.subject {
		return nil
	}

	old := s.subject
	s.node.removeSubscriber(old, s.id)
	if err := s.node.addSubscriber(subject, s, nil); err != nil {
		if restoreErr := s.node.addSubscriber(old, s, nil); restoreErr != nil {
			s.node.log.Warn().Err(restoreErr).Uint16("subject", uint16(old)).Msg("Failed to restore binding")
		}
		return err
	}
	s.subject = subject
	s.node.log.Debug().
		Uint16("from", uint16(old)).
		Uint16("to", uint16(subject)).
		Str("binding", s.id.String()).
		Msg("subscription rebound")
	return nil
}

// Close unbinds the Subscription. Pending messages are discarded and
// blocked readers return ErrBindingClosed.
func (s *Subscription[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.node.removeSubscriber(s.subject, s.id)
	s.sink.detach(ErrBindingClosed)
	return nil
}

func (s *Subscription[T]) bindingID() uuid.UUID {
	return s.id
}

func (s *Subscription[T]) deliver(f bus.Frame) {
	label := subjectLabel(f.Subject)
	v, err := s.codec.Decode(f.Payload)
	if err != nil {
		s.decodeFailures.Add(1)
		s.node.metrics.decodeFailures.WithLabelValues(label).Inc()
		s.node.log.Debug().
			Err(err).
			Uint16("subject", uint16(f.Subject)).
			Stringer("source", f.Source).
			Msg("Dropped undecodable frame")
		return
	}

	s.received.Add(1)
	evicted := s.sink.offer(Message[T]{
		Value:      v,
		Subject:    f.Subject,
		Priority:   f.Priority,
		Source:     f.Source,
		TransferID: f.TransferID,
		Timestamp:  f.Timestamp,
	})
	if evicted {
		s.evicted.Add(1)
		s.node.metrics.evictions.WithLabelValues(label).Inc()
	}
}

func (s *Subscription[T]) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.sink.detach(ErrNodeStopped)
}
