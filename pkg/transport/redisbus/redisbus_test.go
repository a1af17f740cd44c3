package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestTransport creates a transport connected to a miniredis instance.
func setupTestTransport(t *testing.T, mr *miniredis.Miniredis) *Transport {
	t.Helper()
	tr, err := Dial("redis://"+mr.Addr(), Options{Namespace: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func startRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// waitSubscribed blocks until the server reports n subscribers on channel.
func waitSubscribed(t *testing.T, rdb *redis.Client, channel string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := rdb.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && res[channel] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func receive(t *testing.T, tr *Transport) bus.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := tr.Receive(ctx)
	require.NoError(t, err)
	return f
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Namespace: "x"})
	assert.Error(t, err)

	_, err = New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Options{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "namespace cannot be empty")

	_, err = Dial("not a url", Options{Namespace: "x"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestPing(t *testing.T) {
	mr, _ := startRedis(t)
	tr := setupTestTransport(t, mr)
	assert.NoError(t, tr.Ping(context.Background()))
}

func TestSendReceive(t *testing.T) {
	mr, rdb := startRedis(t)
	tx := setupTestTransport(t, mr)
	rx := setupTestTransport(t, mr)
	ctx := context.Background()

	require.NoError(t, rx.Listen(ctx, 100))
	require.NoError(t, rx.Listen(ctx, 100))
	waitSubscribed(t, rdb, bus.RedisChannel("test", 100), 1)

	sent := bus.Frame{
		Subject:    100,
		Priority:   bus.PriorityHigh,
		Source:     12,
		TransferID: 99,
		Payload:    []byte("hello"),
	}
	require.NoError(t, tx.Send(ctx, sent))

	got := receive(t, rx)
	assert.Equal(t, sent.Subject, got.Subject)
	assert.Equal(t, sent.Priority, got.Priority)
	assert.Equal(t, sent.Source, got.Source)
	assert.Equal(t, sent.TransferID, got.TransferID)
	assert.Equal(t, sent.Payload, got.Payload)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSeveralSubjectsOnOneConnection(t *testing.T) {
	mr, rdb := startRedis(t)
	tr := setupTestTransport(t, mr)
	ctx := context.Background()

	require.NoError(t, tr.Listen(ctx, 1))
	require.NoError(t, tr.Listen(ctx, 2))
	waitSubscribed(t, rdb, bus.RedisChannel("test", 2), 1)

	require.NoError(t, tr.Send(ctx, bus.Frame{Subject: 2, Payload: []byte("b")}))
	assert.Equal(t, bus.SubjectID(2), receive(t, tr).Subject)
	require.NoError(t, tr.Send(ctx, bus.Frame{Subject: 1, Payload: []byte("a")}))
	assert.Equal(t, bus.SubjectID(1), receive(t, tr).Subject)
}

func TestNamespacesAreIsolated(t *testing.T) {
	mr, rdb := startRedis(t)
	a := setupTestTransport(t, mr)
	other, err := Dial("redis://"+mr.Addr(), Options{Namespace: "other"})
	require.NoError(t, err)
	defer other.Close()
	ctx := context.Background()

	require.NoError(t, a.Listen(ctx, 5))
	waitSubscribed(t, rdb, bus.RedisChannel("test", 5), 1)
	require.NoError(t, other.Send(ctx, bus.Frame{Subject: 5}))
	require.NoError(t, a.Send(ctx, bus.Frame{Subject: 5, Source: 1}))

	assert.Equal(t, bus.NodeID(1), receive(t, a).Source)
	drained, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = a.Receive(drained)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	mr, rdb := startRedis(t)
	tr := setupTestTransport(t, mr)
	ctx := context.Background()

	require.NoError(t, tr.Listen(ctx, 100))
	channel := bus.RedisChannel("test", 100)
	waitSubscribed(t, rdb, channel, 1)

	require.NoError(t, rdb.Publish(ctx, channel, "garbage").Err())
	wrong, err := bus.MarshalEnvelope(bus.Frame{Subject: 101})
	require.NoError(t, err)
	require.NoError(t, rdb.Publish(ctx, channel, wrong).Err())
	require.NoError(t, tr.Send(ctx, bus.Frame{Subject: 100, Payload: []byte("ok")}))

	got := receive(t, tr)
	assert.Equal(t, []byte("ok"), got.Payload)
	assert.Equal(t, uint64(2), tr.Malformed())
}

func TestIgnoreUnsubscribes(t *testing.T) {
	mr, rdb := startRedis(t)
	tr := setupTestTransport(t, mr)
	ctx := context.Background()
	channel := bus.RedisChannel("test", 7)

	require.NoError(t, tr.Ignore(7))
	require.NoError(t, tr.Listen(ctx, 7))
	waitSubscribed(t, rdb, channel, 1)
	require.NoError(t, tr.Ignore(7))
	waitSubscribed(t, rdb, channel, 0)
}

func TestSendFailsWhenServerDown(t *testing.T) {
	mr, _ := startRedis(t)
	tr := setupTestTransport(t, mr)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Send(ctx, bus.Frame{Subject: 1})
	require.Error(t, err)
	assert.True(t, bus.IsTransportError(err))
}

func TestOversizedPayloadRejected(t *testing.T) {
	mr, _ := startRedis(t)
	tr := setupTestTransport(t, mr)
	err := tr.Send(context.Background(), bus.Frame{Subject: 1, Payload: make([]byte, bus.MaxPayloadBytes+1)})
	assert.ErrorIs(t, err, bus.ErrPayloadTooLarge)
	assert.True(t, bus.IsTransportError(err))
}

func TestCloseIsFinal(t *testing.T) {
	mr, _ := startRedis(t)
	tr := setupTestTransport(t, mr)
	ctx := context.Background()
	require.NoError(t, tr.Listen(ctx, 1))

	blocked := make(chan error, 1)
	go func() {
		_, err := tr.Receive(ctx)
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, bus.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock on Close")
	}
	assert.ErrorIs(t, tr.Send(ctx, bus.Frame{Subject: 1}), bus.ErrTransportClosed)
	assert.ErrorIs(t, tr.Listen(ctx, 2), bus.ErrTransportClosed)
}
