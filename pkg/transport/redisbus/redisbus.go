// Package redisbus carries bus frames over Redis Pub/Sub.
//
// Every subject maps to one channel, cyphal:{namespace}:subject:{id}, and
// every message is one envelope-encoded frame. Redis Pub/Sub is
// fire-and-forget: frames published while nobody listens are lost, which
// matches the best-effort contract of bus.Transport.
package redisbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the receive buffer size used when Options.Buffer is zero.
const DefaultBuffer = 256

// unsubscribeTimeout bounds Ignore, which has no caller context.
const unsubscribeTimeout = 2 * time.Second

// Options configures a Transport.
type Options struct {
	// Namespace isolates independent buses sharing one Redis server.
	// Required.
	Namespace string

	// Buffer is the number of received frames held until Receive is called.
	// Frames arriving while it is full are dropped.
	Buffer int

	// Clock stamps received frames. Defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Transport implements bus.Transport on top of a go-redis client.
// It is safe for concurrent use.
type Transport struct {
	rdb        *redis.Client
	ownsClient bool
	namespace  string
	clock      clock.Clock
	log        zerolog.Logger

	rx     chan bus.Frame
	closed chan struct{}
	once   sync.Once
	pump   sync.WaitGroup

	mu        sync.Mutex
	ps        *redis.PubSub
	listening map[bus.SubjectID]struct{}

	dropped   atomic.Uint64
	malformed atomic.Uint64
}

var _ bus.Transport = (*Transport)(nil)

// New wraps an existing client. The caller keeps ownership of rdb; Close
// does not close it.
func New(rdb *redis.Client, opts Options) (*Transport, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
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

	return &Transport{
		rdb:       rdb,
		namespace: opts.Namespace,
		clock:     opts.Clock,
		log:       log.With().Str("component", "redisbus").Str("namespace", opts.Namespace).Logger(),
		rx:        make(chan bus.Frame, opts.Buffer),
		closed:    make(chan struct{}),
		listening: make(map[bus.SubjectID]struct{}),
	}, nil
}

// Dial connects to the server at redisURL (redis://host:port/db) and returns
// a Transport that owns the connection.
func Dial(redisURL string, opts Options) (*Transport, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	t, err := New(redis.NewClient(ro), opts)
	if err != nil {
		return nil, err
	}
	t.ownsClient = true
	return t, nil
}

// Ping verifies Redis connectivity.
func (t *Transport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Send publishes one envelope on the subject's channel.
func (t *Transport) Send(ctx context.Context, f bus.Frame) error {
	if t.isClosed() {
		return bus.SendError(f.Subject, bus.ErrTransportClosed)
	}
	raw, err := bus.MarshalEnvelope(f)
	if err != nil {
		return bus.SendError(f.Subject, err)
	}
	if err := t.rdb.Publish(ctx, bus.RedisChannel(t.namespace, f.Subject), raw).Err(); err != nil {
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

// Listen subscribes to the subject's channel. The first call opens the
// Pub/Sub connection and starts the receive pump.
func (t *Transport) Listen(ctx context.Context, s bus.SubjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return &bus.TransportError{Op: "listen", Subject: s, Err: bus.ErrTransportClosed}
	}
	if _, ok := t.listening[s]; ok {
		return nil
	}

	channel := bus.RedisChannel(t.namespace, s)
	if t.ps == nil {
		ps := t.rdb.Subscribe(ctx, channel)
		// Wait for the confirmation so connection errors surface here.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return &bus.TransportError{Op: "listen", Subject: s, Err: err}
		}
		t.ps = ps
		t.pump.Add(1)
		go t.run(ps.Channel(redis.WithChannelSize(cap(t.rx))))
	} else if err := t.ps.Subscribe(ctx, channel); err != nil {
		return &bus.TransportError{Op: "listen", Subject: s, Err: err}
	}
	t.listening[s] = struct{}{}
	t.log.Debug().Str("channel", channel).Msg("Subscribed")
	return nil
}

func (t *Transport) Ignore(s bus.SubjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return &bus.TransportError{Op: "ignore", Subject: s, Err: bus.ErrTransportClosed}
	}
	if _, ok := t.listening[s]; !ok {
		return nil
	}
	delete(t.listening, s)

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := t.ps.Unsubscribe(ctx, bus.RedisChannel(t.namespace, s)); err != nil {
		return &bus.TransportError{Op: "ignore", Subject: s, Err: err}
	}
	return nil
}

// run decodes Pub/Sub messages into frames until the subscription closes.
func (t *Transport) run(ch <-chan *redis.Message) {
	defer t.pump.Done()
	for msg := range ch {
		subject, ok := bus.SubjectFromName(msg.Channel)
		if !ok {
			continue
		}
		f, err := bus.UnmarshalEnvelope([]byte(msg.Payload))
		if err != nil {
			t.malformed.Add(1)
			t.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropped malformed envelope")
			continue
		}
		if f.Subject != subject {
			t.malformed.Add(1)
			t.log.Warn().
				Str("channel", msg.Channel).
				Uint16("envelope_subject", uint16(f.Subject)).
				Msg("Dropped envelope published on the wrong channel")
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

// Close unsubscribes, stops the pump and, for transports created by Dial,
// closes the Redis connection.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		close(t.closed)
		ps := t.ps
		t.mu.Unlock()

		if ps != nil {
			if cerr := ps.Close(); cerr != nil {
				err = fmt.Errorf("close pubsub: %w", cerr)
			}
			t.pump.Wait()
		}
		if t.ownsClient {
			if cerr := t.rdb.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close redis client: %w", cerr)
			}
		}
	})
	return err
}

// Dropped returns the number of frames lost to a full receive buffer.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

// Malformed returns the number of messages that were not valid envelopes.
func (t *Transport) Malformed() uint64 {
	return t.malformed.Load()
}
