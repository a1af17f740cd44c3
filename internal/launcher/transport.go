package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/internal/config"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/transport/gossip"
	"github.com/dyluth/beacon/pkg/transport/memory"
	"github.com/dyluth/beacon/pkg/transport/redisbus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pingTimeout bounds the connectivity check made when a Redis transport is
// opened.
const pingTimeout = 5 * time.Second

// TransportOptions injects shared resources into BuildTransport.
type TransportOptions struct {
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
	Clock  clock.Clock

	// Medium is attached to for kind "memory". Nil creates a private medium.
	Medium *memory.Medium

	// Redis is used instead of dialling transport.redis.url. The caller
	// keeps ownership.
	Redis *redis.Client
}

// Pinger is implemented by transports that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildTransport opens the transport selected by cfg.Transport.Kind.
// cfg must already be validated.
func BuildTransport(ctx context.Context, cfg *config.BeaconConfig, opts TransportOptions) (bus.Transport, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	tc := cfg.Transport

	switch tc.Kind {
	case config.TransportMemory:
		medium := opts.Medium
		if medium == nil {
			medium = memory.NewMedium(memory.WithClock(opts.Clock))
		}
		return medium.Attach(), nil

	case config.TransportRedis:
		ro := redisbus.Options{Namespace: tc.Namespace, Clock: opts.Clock, Logger: opts.Logger}
		var (
			t   *redisbus.Transport
			err error
		)
		if opts.Redis != nil {
			t, err = redisbus.New(opts.Redis, ro)
		} else {
			t, err = redisbus.Dial(tc.Redis.URL, ro)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to initialise redis transport: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := t.Ping(pingCtx); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return t, nil

	case config.TransportGossip:
		g := tc.Gossip
		if g == nil {
			g = &config.GossipConfig{}
		}
		t, err := gossip.New(ctx, gossip.Options{
			Namespace:       tc.Namespace,
			ListenAddrs:     g.Listen,
			Bootstrap:       g.Bootstrap,
			EnableMDNS:      g.MDNS,
			Rendezvous:      g.Rendezvous,
			IdentityKeyFile: g.IdentityKeyFile,
			Clock:           opts.Clock,
			Logger:          opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise gossip transport: %w", err)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}
