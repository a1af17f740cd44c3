package node

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/transport/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watchHeartbeats(t *testing.T, n *Node) *QueueSink[dsdl.Heartbeat] {
	t.Helper()
	q := Queue[dsdl.Heartbeat](16)
	_, err := Subscribe[dsdl.Heartbeat](n, bus.HeartbeatSubject, dsdl.HeartbeatCodec{}, q)
	require.NoError(t, err)
	return q
}

func TestHeartbeatEverySecond(t *testing.T) {
	b := newTestBus()
	sender := b.node(t, 42)
	observer := b.node(t, 7, noHeartbeat)
	q := watchHeartbeats(t, observer)

	require.NoError(t, sender.Heartbeat().Start())
	for i := 0; i < 7; i++ {
		b.step(t, 500*time.Millisecond, sender, observer)
	}

	got := drain(q)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, uint32(i+1), m.Value.Uptime)
		assert.Equal(t, dsdl.HealthNominal, m.Value.Health)
		assert.Equal(t, dsdl.ModeOperational, m.Value.Mode)
		assert.Equal(t, bus.NodeID(42), m.Source)
		assert.Equal(t, bus.HeartbeatSubject, m.Subject)
		assert.Equal(t, bus.PriorityNominal, m.Priority)
		assert.Equal(t, uint64(i), m.TransferID)
	}
	assert.Equal(t, uint64(3), sender.Heartbeat().Sent())
}

func TestHeartbeatCatchesUpAfterLongStep(t *testing.T) {
	b := newTestBus()
	sender := b.node(t, 42)
	observer := b.node(t, 7, noHeartbeat)
	q := watchHeartbeats(t, observer)

	require.NoError(t, sender.Heartbeat().Start())
	b.step(t, 3500*time.Millisecond, sender, observer)

	got := drain(q)
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{got[0].Value.Uptime, got[1].Value.Uptime, got[2].Value.Uptime})
}

func TestHeartbeatReflectsStatusSource(t *testing.T) {
	b := newTestBus()
	cell := NewStatusCell(Status{})
	sender := b.node(t, 42, func(c *Config) { c.Status = cell })
	observer := b.node(t, 7, noHeartbeat)
	q := watchHeartbeats(t, observer)

	require.NoError(t, sender.Heartbeat().Start())
	cell.SetHealth(dsdl.HealthCaution)
	cell.SetMode(dsdl.ModeMaintenance)
	cell.SetVendorStatus(0x42)
	b.step(t, time.Second, sender, observer)

	m, ok := q.TryNext()
	require.True(t, ok)
	assert.Equal(t, dsdl.HealthCaution, m.Value.Health)
	assert.Equal(t, dsdl.ModeMaintenance, m.Value.Mode)
	assert.Equal(t, uint8(0x42), m.Value.VendorStatus)
}

func TestHeartbeatPeriodAndStop(t *testing.T) {
	b := newTestBus()
	sender := b.node(t, 42, func(c *Config) { c.Heartbeat.Period = 250 * time.Millisecond })
	observer := b.node(t, 7, noHeartbeat)
	q := watchHeartbeats(t, observer)

	hb := sender.Heartbeat()
	assert.False(t, hb.Running())
	require.NoError(t, hb.Start())
	require.NoError(t, hb.Start())
	assert.True(t, hb.Running())

	b.step(t, time.Second, sender, observer)
	assert.Equal(t, 4, q.Len())

	hb.Stop()
	hb.Stop()
	assert.False(t, hb.Running())
	b.step(t, time.Second, sender, observer)
	assert.Equal(t, 4, q.Len())
}

func TestLivenessDegradesAfterThreeFailures(t *testing.T) {
	b := newTestBus()
	var signals []error
	sender := b.node(t, 42, func(c *Config) {
		c.Heartbeat.OnDegraded = func(err error) { signals = append(signals, err) }
	})
	hb := sender.Heartbeat()
	require.NoError(t, hb.Start())

	b.medium.SetDown(true)
	b.step(t, time.Second, sender)
	b.step(t, time.Second, sender)
	assert.NoError(t, sender.Liveness())
	assert.Empty(t, signals)

	b.step(t, time.Second, sender)
	err := sender.Liveness()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLivenessDegraded)
	assert.ErrorIs(t, err, bus.ErrMediumDown)
	require.Len(t, signals, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(sender.metrics.degraded))

	// Still failing: the signal is not repeated.
	b.step(t, time.Second, sender)
	assert.Len(t, signals, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(sender.metrics.heartbeatFailures))

	b.medium.SetDown(false)
	b.step(t, time.Second, sender)
	assert.NoError(t, sender.Liveness())
	assert.Equal(t, 0.0, testutil.ToFloat64(sender.metrics.degraded))

	// A new episode signals again.
	b.medium.SetDown(true)
	for i := 0; i < DegradedThreshold; i++ {
		b.step(t, time.Second, sender)
	}
	assert.Len(t, signals, 2)
}

func TestHeartbeatFailureStreakResetsOnSuccess(t *testing.T) {
	b := newTestBus()
	sender := b.node(t, 42)
	require.NoError(t, sender.Heartbeat().Start())

	b.medium.SetDown(true)
	b.step(t, time.Second, sender)
	b.step(t, time.Second, sender)
	b.medium.SetDown(false)
	b.step(t, time.Second, sender)
	b.medium.SetDown(true)
	b.step(t, time.Second, sender)
	b.step(t, time.Second, sender)

	assert.NoError(t, sender.Liveness())
}

func TestHeartbeatUptimeSaturates(t *testing.T) {
	b := newTestBus()
	sender := b.node(t, 42)
	observer := b.node(t, 7, noHeartbeat)
	q := watchHeartbeats(t, observer)

	require.NoError(t, sender.Heartbeat().Start())
	// Jump far beyond the uptime field; the scheduler resynchronizes after
	// a bounded catch-up.
	b.step(t, (math.MaxUint32+10)*time.Second, sender, observer)
	b.step(t, time.Second, sender, observer)

	got := drain(q)
	require.NotEmpty(t, got)
	prev := uint32(0)
	for _, m := range got {
		assert.GreaterOrEqual(t, m.Value.Uptime, prev)
		prev = m.Value.Uptime
	}
	assert.Equal(t, uint32(math.MaxUint32), got[len(got)-1].Value.Uptime)
}

func TestAnonymousNodeHasNoHeartbeat(t *testing.T) {
	b := newTestBus()
	n := b.node(t, bus.AnonymousNode)
	assert.Nil(t, n.Heartbeat())
	assert.NoError(t, n.Liveness())
}

func TestHeartbeatRejectsNegativePeriod(t *testing.T) {
	b := newTestBus()
	_, err := New(Config{
		NodeID:    1,
		Transport: b.medium.Attach(),
		Clock:     b.clock,
		Heartbeat: HeartbeatConfig{Period: -time.Second},
	})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestHeartbeatRunsOnWallClockLoop(t *testing.T) {
	medium := memory.NewMedium()
	sender, err := New(Config{
		NodeID:    42,
		Transport: medium.Attach(),
		Heartbeat: HeartbeatConfig{Period: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	observer, err := New(Config{NodeID: 7, Transport: medium.Attach(), Heartbeat: HeartbeatConfig{Disabled: true}})
	require.NoError(t, err)

	got := make(chan dsdl.Heartbeat, 32)
	_, err = Subscribe[dsdl.Heartbeat](observer, bus.HeartbeatSubject, dsdl.HeartbeatCodec{},
		Handler[dsdl.Heartbeat](32, func(_ context.Context, m Message[dsdl.Heartbeat]) {
			got <- m.Value
		}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sender.Start(ctx))
	require.NoError(t, observer.Start(ctx))
	assert.ErrorIs(t, sender.Start(ctx), ErrAlreadyRunning)

	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d not received", i)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, sender.Shutdown(shutdownCtx))
	require.NoError(t, observer.Shutdown(shutdownCtx))
}
