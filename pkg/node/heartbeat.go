package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
)

const (
	// DefaultHeartbeatPeriod is the heartbeat cadence when none is configured.
	DefaultHeartbeatPeriod = time.Second

	// DegradedThreshold is the number of consecutive failed heartbeats after
	// which the node reports degraded liveness.
	DegradedThreshold = 3
)

// HeartbeatConfig configures the heartbeat task of a Node.
type HeartbeatConfig struct {
	// Period defaults to DefaultHeartbeatPeriod.
	Period time.Duration

	// Disabled suppresses the heartbeat. Anonymous nodes never send one.
	Disabled bool

	// Options are applied to the heartbeat publisher after the defaults
	// (nominal priority, deadline of one period).
	Options []PublishOption

	// OnDegraded is called once each time liveness becomes degraded. It runs
	// on the scheduling goroutine and must not block.
	OnDegraded func(err error)
}

// Heartbeat periodically publishes uavcan.node.Heartbeat.1.0 on the fixed
// heartbeat subject.
type Heartbeat struct {
	node       *Node
	pub        *Publisher[dsdl.Heartbeat]
	period     time.Duration
	status     StatusSource
	onDegraded func(error)

	mu       sync.Mutex
	job      *job
	failures int
	degraded error
	sent     atomic.Uint64
}

func newHeartbeat(n *Node, cfg HeartbeatConfig) (*Heartbeat, error) {
	period := cfg.Period
	if period == 0 {
		period = DefaultHeartbeatPeriod
	}
	if period < 0 {
		return nil, fmt.Errorf("heartbeat: %w", ErrInvalidPeriod)
	}

	opts := append([]PublishOption{WithPriority(bus.PriorityNominal), WithDeadline(period)}, cfg.Options...)
	pub, err := Advertise[dsdl.Heartbeat](n, bus.HeartbeatSubject, dsdl.HeartbeatCodec{}, opts...)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &Heartbeat{
		node:       n,
		pub:        pub,
		period:     period,
		status:     n.status,
		onDegraded: cfg.OnDegraded,
	}, nil
}

// Start schedules the heartbeat. The first one is sent one period from now.
// Starting a running heartbeat is a no-op.
func (h *Heartbeat) Start() error {
	if h.node.stopped() {
		return ErrNodeStopped
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job != nil {
		return nil
	}
	h.job = h.node.every(h.period, h.fire)
	h.node.log.Info().Dur("period", h.period).Msg("Heartbeat started")
	return nil
}

// Stop cancels the heartbeat job. Stopping a stopped heartbeat is a no-op.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job == nil {
		return
	}
	h.node.sched.cancel(h.job)
	h.job = nil
}

func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job != nil
}

// Period returns the heartbeat cadence.
func (h *Heartbeat) Period() time.Duration {
	return h.period
}

// Sent returns the number of heartbeats handed to the transport.
func (h *Heartbeat) Sent() uint64 {
	return h.sent.Load()
}

// Degraded returns an error wrapping ErrLivenessDegraded while the last
// DegradedThreshold or more heartbeats have failed, nil otherwise.
func (h *Heartbeat) Degraded() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *Heartbeat) fire(ctx context.Context, at time.Time) {
	st := h.status.Status()
	msg := dsdl.Heartbeat{
		Uptime:       dsdl.UptimeSeconds(at.Sub(h.node.epoch)),
		Health:       st.Health,
		Mode:         st.Mode,
		VendorStatus: st.VendorStatus,
	}
	h.record(h.pub.Publish(ctx, msg))
}

func (h *Heartbeat) record(err error) {
	h.mu.Lock()
	if err == nil {
		h.sent.Add(1)
		h.failures = 0
		recovered := h.degraded != nil
		h.degraded = nil
		h.mu.Unlock()
		if recovered {
			h.node.metrics.degraded.Set(0)
			h.node.log.Info().Msg("Heartbeat recovered, liveness restored")
		}
		return
	}

	h.failures++
	failures := h.failures
	var fresh error
	if failures >= DegradedThreshold && h.degraded == nil {
		h.degraded = fmt.Errorf("%w: %d consecutive heartbeat failures: %w", ErrLivenessDegraded, failures, err)
		fresh = h.degraded
	}
	h.mu.Unlock()

	h.node.metrics.heartbeatFailures.Inc()
	h.node.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Heartbeat publish failed")
	if fresh == nil {
		return
	}
	h.node.metrics.degraded.Set(1)
	h.node.log.Error().Err(fresh).Msg("Liveness degraded")
	if h.onDegraded != nil {
		h.onDegraded(fresh)
	}
}
