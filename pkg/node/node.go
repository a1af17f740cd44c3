package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultPollBatch is the number of inbound frames one scheduling step
// dispatches at most.
const DefaultPollBatch = 64

// receiveBackoff paces the loop when the transport keeps failing.
const receiveBackoff = 50 * time.Millisecond

// listenTimeout bounds a transport Listen made on behalf of Subscribe or
// Rebind, which have no caller context.
const listenTimeout = 5 * time.Second

// Config configures a Node. Only Transport is required.
type Config struct {
	NodeID    bus.NodeID
	Transport bus.Transport

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Registerer receives the node's collectors. Nil disables registration.
	Registerer prometheus.Registerer

	// Status is sampled by every heartbeat. Defaults to a StatusCell
	// reporting NOMINAL / OPERATIONAL.
	Status StatusSource

	Heartbeat HeartbeatConfig

	// PollBatch defaults to DefaultPollBatch.
	PollBatch int
}

type binding interface {
	shutdown() bool
}

// Node is a participant on the bus.
type Node struct {
	id        bus.NodeID
	transport bus.Transport
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *metrics
	status    StatusSource
	heartbeat *Heartbeat
	pollBatch int
	epoch     time.Time

	// ctx lives until Shutdown; handler workers run under it.
	ctx    context.Context
	cancel context.CancelFunc

	sched  scheduler
	tickMu sync.Mutex

	// listenMu serializes transport Listen/Ignore calls so interest follows
	// the subscriber table. It is never held by the scheduling loop.
	listenMu sync.Mutex

	mu          sync.RWMutex
	publishers  map[bus.SubjectID]binding
	subscribers map[bus.SubjectID]map[uuid.UUID]dispatcher
	loopDone    chan struct{}

	waitMu sync.Mutex
	waiter context.CancelFunc
	woken  bool

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	stopErr  error
	workers  sync.WaitGroup
}

// New validates cfg and returns a Node that is not yet running.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusCell(Status{Health: dsdl.HealthNominal, Mode: dsdl.ModeOperational})
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = DefaultPollBatch
	}

	n := &Node{
		id:          cfg.NodeID,
		transport:   cfg.Transport,
		clock:       cfg.Clock,
		log:         log.With().Str("component", "node").Stringer("node_id", cfg.NodeID).Logger(),
		metrics:     newMetrics(cfg.Registerer, cfg.NodeID),
		status:      cfg.Status,
		pollBatch:   cfg.PollBatch,
		epoch:       cfg.Clock.Now(),
		publishers:  make(map[bus.SubjectID]binding),
		subscribers: make(map[bus.SubjectID]map[uuid.UUID]dispatcher),
		done:        make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if !cfg.Heartbeat.Disabled && !cfg.NodeID.Anonymous() {
		hb, err := newHeartbeat(n, cfg.Heartbeat)
		if err != nil {
			n.cancel()
			return nil, err
		}
		n.heartbeat = hb
	}
	return n, nil
}

func (n *Node) ID() bus.NodeID { return n.id }

// Status returns the source the heartbeat samples.
func (n *Node) Status() StatusSource { return n.status }

// Heartbeat returns the heartbeat task, or nil for anonymous nodes and nodes
// configured without one.
func (n *Node) Heartbeat() *Heartbeat { return n.heartbeat }

// Uptime is the time since the node was created, by the node's clock.
func (n *Node) Uptime() time.Duration { return n.clock.Since(n.epoch) }

// Liveness returns an error wrapping ErrLivenessDegraded while heartbeats
// are failing, nil otherwise.
func (n *Node) Liveness() error {
	if n.stopped() {
		return ErrNodeStopped
	}
	if n.heartbeat == nil {
		return nil
	}
	return n.heartbeat.Degraded()
}

func (n *Node) stopped() bool {
	return n.stopping.Load()
}

// Start starts the heartbeat and runs the scheduling loop on a new
// goroutine. The loop ends when ctx ends or the node is shut down.
func (n *Node) Start(ctx context.Context) error {
	done, err := n.begin()
	if err != nil {
		return err
	}
	go func() {
		defer close(done)
		if err := n.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error().Err(err).Msg("Scheduling loop exited")
		}
	}()
	return nil
}

// Run is Start without the goroutine: it blocks until ctx ends (returning
// ctx.Err()) or the node is shut down (returning nil).
func (n *Node) Run(ctx context.Context) error {
	done, err := n.begin()
	if err != nil {
		return err
	}
	defer close(done)
	return n.loop(ctx)
}

func (n *Node) begin() (chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped() {
		return nil, ErrNodeStopped
	}
	if !n.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	if n.heartbeat != nil {
		if err := n.heartbeat.Start(); err != nil {
			n.running.Store(false)
			return nil, err
		}
	}
	n.loopDone = make(chan struct{})
	n.log.Info().Msg("Node started")
	return n.loopDone, nil
}

func (n *Node) loop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	for {
		if n.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Tick(ctx); err != nil {
			if errors.Is(err, ErrNodeStopped) {
				return nil
			}
			return err
		}
		n.wait(ctx)
	}
}

// Tick performs one scheduling step: every job due at the current clock time
// fires, in order, then up to PollBatch buffered inbound frames are
// dispatched. Tick never blocks on the transport.
func (n *Node) Tick(ctx context.Context) error {
	if n.stopped() {
		return ErrNodeStopped
	}
	n.tickMu.Lock()
	defer n.tickMu.Unlock()
	if n.stopped() {
		return ErrNodeStopped
	}

	for _, f := range n.sched.due(n.clock.Now()) {
		if f.job.cancelled.Load() {
			continue
		}
		f.job.run(ctx, f.at)
	}
	n.poll(ctx)
	return nil
}

func (n *Node) poll(ctx context.Context) {
	drain, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < n.pollBatch; i++ {
		f, err := n.transport.Receive(drain)
		if err != nil {
			if !isContextErr(err) {
				n.log.Debug().Err(err).Msg("Receive failed")
			}
			return
		}
		n.dispatch(f)
	}
}

// wait blocks until the next job is due, the loop is woken, or a frame
// arrives (which is dispatched immediately).
func (n *Node) wait(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if next, ok := n.sched.nextDue(); ok {
		var cancelDeadline context.CancelFunc
		wctx, cancelDeadline = n.clock.WithDeadline(wctx, next)
		defer cancelDeadline()
	}

	n.waitMu.Lock()
	if n.woken {
		n.woken = false
		n.waitMu.Unlock()
		return
	}
	n.waiter = cancel
	n.waitMu.Unlock()
	defer func() {
		n.waitMu.Lock()
		n.waiter = nil
		n.waitMu.Unlock()
	}()

	f, err := n.transport.Receive(wctx)
	if err == nil {
		n.tickMu.Lock()
		if !n.stopped() {
			n.dispatch(f)
		}
		n.tickMu.Unlock()
		return
	}
	if isContextErr(err) || n.stopped() {
		return
	}
	n.log.Warn().Err(err).Msg("Receive failed")
	select {
	case <-wctx.Done():
	case <-n.clock.After(receiveBackoff):
	}
}

// wake interrupts the current or next wait so the loop recomputes its
// deadline.
func (n *Node) wake() {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	if n.waiter != nil {
		n.waiter()
		return
	}
	n.woken = true
}

func (n *Node) dispatch(f bus.Frame) {
	n.mu.RLock()
	subs := n.subscribers[f.Subject]
	targets := make([]dispatcher, 0, len(subs))
	for _, d := range subs {
		targets = append(targets, d)
	}
	n.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	n.metrics.received.WithLabelValues(subjectLabel(f.Subject)).Inc()
	for _, d := range targets {
		d.deliver(f)
	}
}

// every registers a job firing every period, starting one period from now.
func (n *Node) every(period time.Duration, run func(context.Context, time.Time)) *job {
	j := n.sched.add(n.clock.Now().Add(period), period, run)
	n.wake()
	return j
}

func checkBinding(subject bus.SubjectID, schema dsdl.Schema) error {
	if !subject.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSubject, subject)
	}
	if !schema.AllowsSubject(subject) {
		return fmt.Errorf("%w: subject %d cannot carry %s", ErrFixedSubject, subject, schema)
	}
	return nil
}

func (n *Node) claimSubject(subject bus.SubjectID, b binding) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped() {
		return ErrNodeStopped
	}
	if _, ok := n.publishers[subject]; ok {
		return fmt.Errorf("%w: subject %d", ErrDuplicateBinding, subject)
	}
	n.publishers[subject] = b
	return nil
}

func (n *Node) releaseSubject(subject bus.SubjectID, b binding) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.publishers[subject] == b {
		delete(n.publishers, subject)
	}
}

// addSubscriber registers d on subject, declaring interest to the transport
// for the first subscriber. The transport call runs outside the node lock so
// a slow Listen never stalls dispatch. attach, when non-nil, runs only once
// the transport accepted the subject.
func (n *Node) addSubscriber(subject bus.SubjectID, d dispatcher, attach func(*Node) error) error {
	n.listenMu.Lock()
	defer n.listenMu.Unlock()
	if n.stopped() {
		return ErrNodeStopped
	}

	n.mu.RLock()
	_, listening := n.subscribers[subject]
	n.mu.RUnlock()
	if !listening {
		ctx, cancel := context.WithTimeout(n.ctx, listenTimeout)
		err := n.transport.Listen(ctx, subject)
		cancel()
		if err != nil {
			if n.stopped() {
				return ErrNodeStopped
			}
			return err
		}
	}

	n.mu.Lock()
	err := n.register(subject, d, attach)
	n.mu.Unlock()
	if err != nil && !listening && !n.stopped() {
		if ierr := n.transport.Ignore(subject); ierr != nil {
			n.log.Warn().Err(ierr).Uint16("subject", uint16(subject)).Msg("Failed to withdraw subject interest")
		}
	}
	return err
}

// register must be called with n.mu held.
func (n *Node) register(subject bus.SubjectID, d dispatcher, attach func(*Node) error) error {
	if n.stopped() {
		return ErrNodeStopped
	}
	if attach != nil {
		if err := attach(n); err != nil {
			return err
		}
	}
	subs, ok := n.subscribers[subject]
	if !ok {
		subs = make(map[uuid.UUID]dispatcher)
		n.subscribers[subject] = subs
	}
	subs[d.bindingID()] = d
	return nil
}

func (n *Node) removeSubscriber(subject bus.SubjectID, id uuid.UUID) {
	n.listenMu.Lock()
	defer n.listenMu.Unlock()

	n.mu.Lock()
	subs, ok := n.subscribers[subject]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(n.subscribers, subject)
	}
	n.mu.Unlock()

	if !last || n.stopped() {
		return
	}
	if err := n.transport.Ignore(subject); err != nil {
		n.log.Warn().Err(err).Uint16("subject", uint16(subject)).Msg("Failed to withdraw subject interest")
	}
}

// Shutdown stops the loop, cancels every job, closes every binding, waits
// for handler workers and closes the transport. It is idempotent and safe to
// call concurrently with any other method, but must not be called from a
// job or a subscription handler. After it returns every operation fails
// with ErrNodeStopped.
func (n *Node) Shutdown(ctx context.Context) error {
	n.stopOnce.Do(func() {
		n.stopping.Store(true)
		n.wake()
		go n.teardown()
	})
	select {
	case <-n.done:
		return n.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Shutdown has finished.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) teardown() {
	defer close(n.done)
	n.cancel()

	n.mu.RLock()
	loopDone := n.loopDone
	n.mu.RUnlock()
	if loopDone != nil {
		<-loopDone
	}

	n.tickMu.Lock()
	defer n.tickMu.Unlock()

	if n.heartbeat != nil {
		n.heartbeat.Stop()
	}
	n.sched.cancelAll()

	n.mu.Lock()
	pubs := n.publishers
	subs := n.subscribers
	n.publishers = make(map[bus.SubjectID]binding)
	n.subscribers = make(map[bus.SubjectID]map[uuid.UUID]dispatcher)
	n.mu.Unlock()

	for _, p := range pubs {
		p.shutdown()
	}
	for _, bySubject := range subs {
		for _, d := range bySubject {
			d.shutdown()
		}
	}
	n.workers.Wait()

	if err := n.transport.Close(); err != nil {
		n.stopErr = fmt.Errorf("close transport: %w", err)
	}
	n.log.Info().Msg("Node stopped")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
