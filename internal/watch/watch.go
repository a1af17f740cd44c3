// Package watch follows the heartbeats on a bus, prints one line per
// heartbeat and reports peers that come online, restart or go silent.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/node"
)

// DefaultOfflineTimeout is how long a peer may stay silent before it is
// reported offline.
const DefaultOfflineTimeout = 3 * time.Second

// DefaultQueueDepth bounds the heartbeats buffered between polls.
const DefaultQueueDepth = 64

// sweepInterval is how often Run checks for silent peers when no heartbeat
// arrives.
const sweepInterval = 250 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Format         OutputFormat
	Out            io.Writer
	OfflineTimeout time.Duration
	QueueDepth     int

	// Clock drives offline detection. Defaults to the wall clock.
	Clock clock.Clock
}

// Watcher subscribes to heartbeats on a node and renders peer activity.
type Watcher struct {
	sub      *node.Subscription[dsdl.Heartbeat]
	queue    *node.QueueSink[dsdl.Heartbeat]
	registry *Registry
	clock    clock.Clock

	mu        sync.Mutex
	formatter formatter
}

// New subscribes to the heartbeat subject on n.
func New(n *node.Node, opts Options) (*Watcher, error) {
	if opts.Out == nil {
		return nil, fmt.Errorf("output writer cannot be nil")
	}
	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = DefaultOfflineTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	f, err := newFormatter(opts.Format, opts.Out)
	if err != nil {
		return nil, err
	}

	queue := node.Queue[dsdl.Heartbeat](opts.QueueDepth)
	sub, err := node.Subscribe[dsdl.Heartbeat](n, bus.HeartbeatSubject, dsdl.HeartbeatCodec{}, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}

	return &Watcher{
		sub:       sub,
		queue:     queue,
		registry:  NewRegistry(opts.OfflineTimeout),
		clock:     opts.Clock,
		formatter: f,
	}, nil
}

// Registry exposes the peer table.
func (w *Watcher) Registry() *Registry {
	return w.registry
}

// Stats reports what the underlying subscription has seen.
func (w *Watcher) Stats() node.Stats {
	return w.sub.Stats()
}

// Poll renders every buffered heartbeat, then reports peers that have been
// silent for longer than the offline timeout as of now.
func (w *Watcher) Poll(now time.Time) error {
	for {
		m, ok := w.queue.TryNext()
		if !ok {
			break
		}
		if err := w.handle(m); err != nil {
			return err
		}
	}
	return w.sweep(now)
}

// Run renders peer activity until ctx is cancelled or the node stops.
// Cancellation is not reported as an error.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		waitCtx, cancel := w.clock.WithTimeout(ctx, sweepInterval)
		m, err := w.queue.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := w.handle(m); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
		default:
			return err
		}

		if err := w.sweep(w.clock.Now()); err != nil {
			return err
		}
	}
}

// Close removes the heartbeat subscription.
func (w *Watcher) Close() error {
	return w.sub.Close()
}

func (w *Watcher) handle(m node.Message[dsdl.Heartbeat]) error {
	change := w.registry.Observe(m.Source, m.Value, m.Timestamp)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch change {
	case PeerJoined:
		if err := w.formatter.FormatPeer(EventPeerOnline, w.registry.peer(m.Source)); err != nil {
			return err
		}
	case PeerRestarted:
		if err := w.formatter.FormatPeer(EventPeerRestarted, w.registry.peer(m.Source)); err != nil {
			return err
		}
	}
	return w.formatter.FormatHeartbeat(m)
}

func (w *Watcher) sweep(now time.Time) error {
	offline := w.registry.Sweep(now)
	if len(offline) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range offline {
		if err := w.formatter.FormatPeer(EventPeerOffline, p); err != nil {
			return err
		}
	}
	return nil
}
