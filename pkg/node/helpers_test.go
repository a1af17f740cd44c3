package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/transport/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testBus is a memory medium driven by a mock clock.
type testBus struct {
	clock  *clock.Mock
	medium *memory.Medium
}

func newTestBus() *testBus {
	mock := clock.NewMock()
	return &testBus{clock: mock, medium: memory.NewMedium(memory.WithClock(mock))}
}

func (b *testBus) node(t *testing.T, id bus.NodeID, mutate ...func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		NodeID:     id,
		Transport:  b.medium.Attach(),
		Clock:      b.clock,
		Registerer: prometheus.NewRegistry(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

// step advances the clock by d and ticks every node once, in order.
func (b *testBus) step(t *testing.T, d time.Duration, nodes ...*Node) {
	t.Helper()
	b.clock.Add(d)
	for _, n := range nodes {
		require.NoError(t, n.Tick(context.Background()))
	}
}

func noHeartbeat(c *Config) {
	c.Heartbeat.Disabled = true
}

func drain[T any](q *QueueSink[T]) []Message[T] {
	var out []Message[T]
	for {
		m, ok := q.TryNext()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}
