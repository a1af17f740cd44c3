// Package gossip carries bus frames over libp2p gossipsub, one topic per
// subject (/cyphal/{namespace}/subject/{id}). It suits nodes spread across
// hosts without a shared broker.
package gossip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	// DefaultBuffer is the receive buffer size used when Options.Buffer is zero.
	DefaultBuffer = 256

	// DefaultListenAddr is used when no listen address is configured.
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"
)

// Options configures the gossip transport.
type Options struct {
	// Namespace isolates independent buses. Required.
	Namespace string

	ListenAddrs []string

	// Bootstrap peers are full multiaddrs ending in /p2p/<peer-id>.
	Bootstrap []string

	// EnableMDNS turns on local network discovery under Rendezvous.
	EnableMDNS bool
	Rendezvous string

	// IdentityKeyFile persists the host key so the peer ID survives
	// restarts. Empty means a fresh identity every run.
	IdentityKeyFile string

	Buffer int
	Clock  clock.Clock
	Logger *zerolog.Logger
}

type listener struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// Transport implements bus.Transport over gossipsub.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	host      host.Host
	ps        *pubsub.PubSub
	mdns      mdns.Service
	namespace string
	clock     clock.Clock
	log       zerolog.Logger

	rx     chan bus.Frame
	closed chan struct{}
	once   sync.Once
	pumps  sync.WaitGroup

	mu        sync.Mutex
	topics    map[bus.SubjectID]*pubsub.Topic
	listeners map[bus.SubjectID]*listener

	dropped   atomic.Uint64
	malformed atomic.Uint64
}

var _ bus.Transport = (*Transport)(nil)

// New starts a libp2p host, joins gossipsub and connects to the bootstrap
// peers. Unreachable bootstrap peers are logged, not fatal.
func New(parent context.Context, opts Options) (*Transport, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("component", "gossip").Str("namespace", opts.Namespace).Logger()

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr(DefaultListenAddr)
		listenAddrs = append(listenAddrs, a)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	t := &Transport{
		ctx:       ctx,
		cancel:    cancel,
		host:      h,
		ps:        ps,
		namespace: opts.Namespace,
		clock:     opts.Clock,
		log:       log.With().Stringer("peer", h.ID()).Logger(),
		rx:        make(chan bus.Frame, opts.Buffer),
		closed:    make(chan struct{}),
		topics:    make(map[bus.SubjectID]*pubsub.Topic),
		listeners: make(map[bus.SubjectID]*listener),
	}

	if opts.EnableMDNS {
		rendezvous := opts.Rendezvous
		if rendezvous == "" {
			rendezvous = "beacon-" + opts.Namespace
		}
		service := mdns.NewMdnsService(h, rendezvous, &mdnsNotifee{host: h, log: t.log})
		if err := service.Start(); err != nil {
			t.log.Warn().Err(err).Msg("mDNS discovery unavailable")
		} else {
			t.mdns = service
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		if err := t.Connect(ctx, raw); err != nil {
			t.log.Warn().Err(err).Str("addr", raw).Msg("Bootstrap connect failed")
		}
	}

	t.log.Info().Strs("addrs", t.ListenAddrs()).Msg("Gossip transport ready")
	return t, nil
}

// Connect dials a peer given its full multiaddr.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return fmt.Errorf("invalid peer addr %q: %w", addr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	t.log.Debug().Stringer("remote", info.ID).Msg("Connected peer")
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) topic(s bus.SubjectID) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[s]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(bus.GossipTopic(t.namespace, s))
	if err != nil {
		return nil, err
	}
	t.topics[s] = tp
	return tp, nil
}

func (t *Transport) Send(ctx context.Context, f bus.Frame) error {
	if t.isClosed() {
		return bus.SendError(f.Subject, bus.ErrTransportClosed)
	}
	raw, err := bus.MarshalEnvelope(f)
	if err != nil {
		return bus.SendError(f.Subject, err)
	}
	tp, err := t.topic(f.Subject)
	if err != nil {
		return bus.SendError(f.Subject, err)
	}
	if err := tp.Publish(ctx, raw); err != nil {
		return bus.SendError(f.Subject, err)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (bus.Frame, error) {
	if t.isClosed() {
		return bus.Frame{}, &bus.TransportError{Op: "receive", Err: bus.ErrTransportClosed}
	}
	select {
	case f := <-t.rx:
		return f, nil
	default:
	}
	select {
	case f := <-t.rx:
		return f, nil
	case <-ctx.Done():
		return bus.Frame{}, ctx.Err()
	case <-t.closed:
		return bus.Frame{}, &bus.TransportError{Op: "receive", Err: bus.ErrTransportClosed}
	}
}

func (t *Transport) Listen(_ context.Context, s bus.SubjectID) error {
	if t.isClosed() {
		return &bus.TransportError{Op: "listen", Subject: s, Err: bus.ErrTransportClosed}
	}
	tp, err := t.topic(s)
	if err != nil {
		return &bus.TransportError{Op: "listen", Subject: s, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[s]; ok {
		return nil
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return &bus.TransportError{Op: "listen", Subject: s, Err: err}
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.listeners[s] = &listener{sub: sub, cancel: cancel}
	t.pumps.Add(1)
	go t.run(ctx, s, sub)
	return nil
}

func (t *Transport) Ignore(s bus.SubjectID) error {
	if t.isClosed() {
		return &bus.TransportError{Op: "ignore", Subject: s, Err: bus.ErrTransportClosed}
	}
	t.mu.Lock()
	l, ok := t.listeners[s]
	delete(t.listeners, s)
	t.mu.Unlock()
	if ok {
		l.cancel()
		l.sub.Cancel()
	}
	return nil
}

func (t *Transport) run(ctx context.Context, s bus.SubjectID, sub *pubsub.Subscription) {
	defer t.pumps.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		f, err := bus.UnmarshalEnvelope(msg.Data)
		if err != nil || f.Subject != s {
			t.malformed.Add(1)
			t.log.Warn().Err(err).Str("topic", msg.GetTopic()).Msg("Dropped malformed envelope")
			continue
		}
		f.Timestamp = t.clock.Now()

		select {
		case t.rx <- f:
		default:
			t.dropped.Add(1)
		}
	}
}

// Close stops discovery, leaves every topic and shuts the host down.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		t.cancel()
		if t.mdns != nil {
			if cerr := t.mdns.Close(); cerr != nil {
				t.log.Debug().Err(cerr).Msg("mDNS close failed")
			}
		}

		t.mu.Lock()
		for s, l := range t.listeners {
			l.cancel()
			l.sub.Cancel()
			delete(t.listeners, s)
		}
		t.mu.Unlock()
		t.pumps.Wait()

		t.mu.Lock()
		for _, tp := range t.topics {
			_ = tp.Close()
		}
		t.mu.Unlock()
		err = t.host.Close()
	})
	return err
}

// PeerID returns the libp2p identity of this transport.
func (t *Transport) PeerID() string {
	return t.host.ID().String()
}

// ListenAddrs returns full dialable multiaddrs including the peer ID.
func (t *Transport) ListenAddrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), t.host.ID().String()))
	}
	return out
}

// ConnectedPeers returns the IDs of currently connected peers.
func (t *Transport) ConnectedPeers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (t *Transport) Dropped() uint64   { return t.dropped.Load() }
func (t *Transport) Malformed() uint64 { return t.malformed.Load() }

type mdnsNotifee struct {
	host host.Host
	log  zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug().Err(err).Stringer("remote", info.ID).Msg("mDNS connect failed")
	}
}
