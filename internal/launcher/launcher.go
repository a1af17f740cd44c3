// Package launcher turns a validated configuration into a running node: it
// opens the transport, establishes the configured bindings and serves the
// health endpoint until the context ends.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/internal/config"
	"github.com/dyluth/beacon/internal/health"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/node"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds node and HTTP server teardown after the run
// context ends.
const shutdownTimeout = 5 * time.Second

// Options configures New. The zero value is usable.
type Options struct {
	TransportOptions

	// Registry collects node metrics and backs /metrics. Nil creates a
	// registry with the Go and process collectors.
	Registry *prometheus.Registry
}

// Runtime is a configured node with its bindings.
type Runtime struct {
	cfg      *config.BeaconConfig
	session  uuid.UUID
	log      zerolog.Logger
	registry *prometheus.Registry

	transport bus.Transport
	node      *node.Node
	status    *node.StatusCell
	health    *health.Server

	publishers    map[string]*node.Publisher[string]
	subscriptions map[string]Subscription
}

// Subscription is the view of a configured subscription exposed for
// inspection.
type Subscription interface {
	Subject() bus.SubjectID
	Stats() node.Stats
}

// New opens the transport, creates the node and establishes every binding
// in cfg. On error everything already opened is released.
func New(ctx context.Context, cfg *config.BeaconConfig, opts Options) (*Runtime, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	session := uuid.New()
	log = log.With().Str("session", session.String()).Logger()
	opts.Logger = &log

	transport, err := BuildTransport(ctx, cfg, opts.TransportOptions)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:           cfg,
		session:       session,
		log:           log,
		registry:      opts.Registry,
		transport:     transport,
		status:        node.NewStatusCell(initialStatus(cfg.Heartbeat)),
		publishers:    make(map[string]*node.Publisher[string]),
		subscriptions: make(map[string]Subscription),
	}

	hb, err := r.heartbeatConfig()
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	n, err := node.New(node.Config{
		NodeID:     cfg.NodeID(),
		Transport:  transport,
		Clock:      opts.Clock,
		Logger:     &log,
		Registerer: opts.Registry,
		Status:     r.status,
		Heartbeat:  hb,
	})
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	r.node = n

	for _, b := range cfg.Bindings {
		if err := r.bind(b); err != nil {
			_ = n.Shutdown(context.Background())
			return nil, fmt.Errorf("binding '%s': %w", b.Name, err)
		}
	}

	if cfg.Metrics != nil {
		checks := []health.Check{{Name: "liveness", Fn: func(context.Context) error { return n.Liveness() }}}
		if p, ok := transport.(Pinger); ok {
			checks = append(checks, health.Check{Name: "transport", Fn: p.Ping})
		}
		r.health = health.NewServer(cfg.Metrics.Addr, opts.Registry, log, checks...)
	}

	return r, nil
}

func initialStatus(hc config.HeartbeatConfig) node.Status {
	s := node.Status{Health: dsdl.HealthNominal, Mode: dsdl.ModeOperational, VendorStatus: hc.VendorStatus}
	if hc.Health != "" {
		s.Health, _ = dsdl.ParseHealth(hc.Health)
	}
	if hc.Mode != "" {
		s.Mode, _ = dsdl.ParseMode(hc.Mode)
	}
	return s
}

func (r *Runtime) heartbeatConfig() (node.HeartbeatConfig, error) {
	hc := r.cfg.Heartbeat
	out := node.HeartbeatConfig{
		Period:   hc.Period,
		Disabled: hc.Disabled,
		OnDegraded: func(err error) {
			r.log.Error().Err(err).Msg("Liveness degraded")
		},
	}
	if hc.Priority != "" {
		p, err := bus.ParsePriority(hc.Priority)
		if err != nil {
			return out, fmt.Errorf("heartbeat: %w", err)
		}
		out.Options = append(out.Options, node.WithPriority(p))
	}
	return out, nil
}

func publishOptions(b config.Binding) ([]node.PublishOption, error) {
	var opts []node.PublishOption
	if b.Priority != "" {
		p, err := bus.ParsePriority(b.Priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithPriority(p))
	}
	if b.Deadline > 0 {
		opts = append(opts, node.WithDeadline(b.Deadline))
	}
	if b.QueueDepth > 0 {
		opts = append(opts, node.WithQueueDepth(b.QueueDepth))
	}
	return opts, nil
}

func (r *Runtime) bind(b config.Binding) error {
	schema, err := dsdl.LookupSchema(b.Schema)
	if err != nil {
		return err
	}
	subject := bus.SubjectID(b.Subject)

	switch b.Role {
	case config.RolePublish:
		opts, err := publishOptions(b)
		if err != nil {
			return err
		}
		// Heartbeats are published by the node's own heartbeat task.
		if schema.String() == dsdl.StringSchema.String() {
			return r.advertiseString(b, subject, opts)
		}

	case config.RoleSubscribe:
		switch schema.String() {
		case dsdl.StringSchema.String():
			return subscribe[string](r, b, subject, dsdl.StringCodec{}, func(e *zerolog.Event, v string) {
				e.Str("value", v)
			})
		case dsdl.HeartbeatSchema.String():
			return subscribe[dsdl.Heartbeat](r, b, subject, dsdl.HeartbeatCodec{}, func(e *zerolog.Event, v dsdl.Heartbeat) {
				e.Uint32("uptime", v.Uptime).
					Stringer("health", v.Health).
					Stringer("mode", v.Mode).
					Uint8("vendor_status", v.VendorStatus)
			})
		}
	}
	return fmt.Errorf("unsupported %s binding for schema %s", b.Role, schema)
}

func (r *Runtime) advertiseString(b config.Binding, subject bus.SubjectID, opts []node.PublishOption) error {
	pub, err := node.Advertise[string](r.node, subject, dsdl.StringCodec{}, opts...)
	if err != nil {
		return err
	}
	r.publishers[b.Name] = pub

	if b.Period > 0 {
		payload := b.Payload
		if payload == "" {
			payload = fmt.Sprintf("%s from node %s", b.Name, r.node.ID())
		}
		if err := pub.Schedule(b.Period, func(time.Time) string { return payload }); err != nil {
			return err
		}
	}
	r.log.Info().
		Str("binding", b.Name).
		Uint16("subject", uint16(subject)).
		Dur("period", b.Period).
		Msg("Publisher advertised")
	return nil
}

// subscribe binds a handler sink that logs every message it receives.
func subscribe[T any](r *Runtime, b config.Binding, subject bus.SubjectID, codec dsdl.Codec[T], fields func(*zerolog.Event, T)) error {
	depth := b.QueueDepth
	if depth == 0 {
		depth = node.DefaultQueueDepth
	}
	log := r.log.With().Str("binding", b.Name).Uint16("subject", uint16(subject)).Logger()
	sink := node.Handler[T](depth, func(_ context.Context, m node.Message[T]) {
		e := log.Info().
			Stringer("source", m.Source).
			Stringer("priority", m.Priority).
			Uint64("transfer_id", m.TransferID)
		fields(e, m.Value)
		e.Msg("Received")
	})
	sub, err := node.Subscribe[T](r.node, subject, codec, sink)
	if err != nil {
		return err
	}
	r.subscriptions[b.Name] = sub
	log.Info().Msg("Subscribed")
	return nil
}

// Session identifies this run in logs.
func (r *Runtime) Session() uuid.UUID { return r.session }

func (r *Runtime) Node() *node.Node { return r.node }

// Status is the mutable status reported in heartbeats.
func (r *Runtime) Status() *node.StatusCell { return r.status }

func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Publisher returns the string publisher established for the named binding.
func (r *Runtime) Publisher(name string) (*node.Publisher[string], bool) {
	p, ok := r.publishers[name]
	return p, ok
}

// Subscription returns the subscription established for the named binding.
func (r *Runtime) Subscription(name string) (Subscription, bool) {
	s, ok := r.subscriptions[name]
	return s, ok
}

// HealthAddr is the bound health server address, or "" without metrics.
func (r *Runtime) HealthAddr() string {
	if r.health == nil {
		return ""
	}
	return r.health.Addr()
}

// Run starts the health server and the node, and blocks until ctx ends or
// the node fails. It then shuts everything down. The end of ctx is a clean
// stop and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	if r.health != nil {
		if err := r.health.Start(); err != nil {
			_ = r.node.Shutdown(context.Background())
			return err
		}
	}

	r.log.Info().
		Stringer("node_id", r.node.ID()).
		Str("transport", r.cfg.Transport.Kind).
		Str("namespace", r.cfg.Transport.Namespace).
		Int("bindings", len(r.cfg.Bindings)).
		Msg("Beacon running")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := r.node.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return r.Close()
	})
	return g.Wait()
}

// Close shuts down the health server, the node and its transport.
func (r *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if r.health != nil {
		if err := r.health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if err := r.node.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("node: %w", err))
	}
	r.log.Info().Msg("Beacon stopped")
	return errors.Join(errs...)
}
