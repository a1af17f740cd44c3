package launcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/dyluth/beacon/internal/config"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/node"
	"github.com/dyluth/beacon/pkg/transport/memory"
	"github.com/dyluth/beacon/pkg/transport/redisbus"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(v uint16) *uint16 { return &v }

func memoryConfig(t *testing.T, mutate ...func(*config.BeaconConfig)) *config.BeaconConfig {
	t.Helper()
	cfg := &config.BeaconConfig{
		Version:   "1.0",
		Node:      config.NodeConfig{ID: id(10)},
		Transport: config.TransportConfig{Kind: config.TransportMemory},
		Bindings: []config.Binding{
			{Name: "greeting", Subject: 100, Schema: "string", Role: config.RolePublish, Period: time.Second, Payload: "hello"},
			{Name: "peers", Subject: uint16(bus.HeartbeatSubject), Schema: "heartbeat", Role: config.RoleSubscribe},
		},
	}
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newRuntime(t *testing.T, cfg *config.BeaconConfig, opts Options) *Runtime {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	r, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_EstablishesBindings(t *testing.T) {
	mock := clock.NewMock()
	medium := memory.NewMedium(memory.WithClock(mock))
	r := newRuntime(t, memoryConfig(t), Options{TransportOptions: TransportOptions{Medium: medium, Clock: mock}})

	listener, err := node.New(node.Config{
		NodeID:     bus.AnonymousNode,
		Transport:  medium.Attach(),
		Clock:      mock,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer listener.Shutdown(context.Background())
	queue := node.Queue[string](4)
	_, err = node.Subscribe[string](listener, 100, dsdl.StringCodec{}, queue)
	require.NoError(t, err)

	pub, ok := r.Publisher("greeting")
	require.True(t, ok)
	assert.Equal(t, bus.SubjectID(100), pub.Subject())
	_, ok = r.Publisher("peers")
	assert.False(t, ok)

	require.NoError(t, r.Node().Heartbeat().Start())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		mock.Add(time.Second)
		require.NoError(t, r.Node().Tick(ctx))
		require.NoError(t, listener.Tick(ctx))
	}

	m, ok := queue.TryNext()
	require.True(t, ok)
	assert.Equal(t, "hello", m.Value)
	assert.Equal(t, bus.NodeID(10), m.Source)
	assert.Equal(t, 1, queue.Len())

	peers, ok := r.Subscription("peers")
	require.True(t, ok)
	assert.Equal(t, bus.HeartbeatSubject, peers.Subject())
	assert.Equal(t, uint64(2), peers.Stats().Received, "own heartbeats loop back")
}

func TestNew_DefaultPayload(t *testing.T) {
	mock := clock.NewMock()
	medium := memory.NewMedium(memory.WithClock(mock))
	cfg := memoryConfig(t, func(c *config.BeaconConfig) { c.Bindings[0].Payload = "" })
	r := newRuntime(t, cfg, Options{TransportOptions: TransportOptions{Medium: medium, Clock: mock}})

	queue := node.Queue[string](1)
	_, err := node.Subscribe[string](r.Node(), 100, dsdl.StringCodec{}, queue)
	require.NoError(t, err)

	mock.Add(time.Second)
	require.NoError(t, r.Node().Tick(context.Background()))

	m, ok := queue.TryNext()
	require.True(t, ok)
	assert.Equal(t, "greeting from node 10", m.Value)
}

func TestNew_StatusFromConfig(t *testing.T) {
	cfg := memoryConfig(t, func(c *config.BeaconConfig) {
		c.Heartbeat.Health = "caution"
		c.Heartbeat.Mode = "software-update"
		c.Heartbeat.VendorStatus = 9
		c.Heartbeat.Period = 250 * time.Millisecond
	})
	r := newRuntime(t, cfg, Options{})

	s := r.Status().Status()
	assert.Equal(t, dsdl.HealthCaution, s.Health)
	assert.Equal(t, dsdl.ModeSoftwareUpdate, s.Mode)
	assert.Equal(t, uint8(9), s.VendorStatus)
	assert.Equal(t, 250*time.Millisecond, r.Node().Heartbeat().Period())
	assert.NotEqual(t, uuid.Nil, r.Session())
}

func TestNew_HeartbeatDisabled(t *testing.T) {
	cfg := memoryConfig(t, func(c *config.BeaconConfig) { c.Heartbeat.Disabled = true })
	r := newRuntime(t, cfg, Options{})
	assert.Nil(t, r.Node().Heartbeat())
}

func TestNew_BindingFailureReleasesNode(t *testing.T) {
	// Skips Validate so the node itself rejects the binding.
	cfg := &config.BeaconConfig{
		Version:   "1.0",
		Node:      config.NodeConfig{ID: id(10)},
		Transport: config.TransportConfig{Kind: config.TransportMemory, Namespace: "default"},
		Bindings: []config.Binding{
			{Name: "squatter", Subject: 7300, Schema: "string", Role: config.RolePublish},
		},
	}
	medium := memory.NewMedium()

	_, err := New(context.Background(), cfg, Options{
		TransportOptions: TransportOptions{Medium: medium},
		Registry:         prometheus.NewRegistry(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding 'squatter'")
	assert.ErrorIs(t, err, node.ErrFixedSubject)
}

func TestNew_RejectsHeartbeatPublishBinding(t *testing.T) {
	cfg := &config.BeaconConfig{
		Version:   "1.0",
		Node:      config.NodeConfig{ID: id(10)},
		Transport: config.TransportConfig{Kind: config.TransportMemory, Namespace: "default"},
		Bindings: []config.Binding{
			{Name: "echo", Subject: 500, Schema: "heartbeat", Role: config.RolePublish},
		},
	}

	_, err := New(context.Background(), cfg, Options{
		TransportOptions: TransportOptions{Medium: memory.NewMedium()},
		Registry:         prometheus.NewRegistry(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding 'echo': unsupported publish binding for schema uavcan.node.Heartbeat.1.0")
}

func TestRun_ServesHealthAndMetrics(t *testing.T) {
	cfg := memoryConfig(t, func(c *config.BeaconConfig) {
		c.Heartbeat.Period = 50 * time.Millisecond
		c.Metrics = &config.MetricsConfig{Addr: "127.0.0.1:0"}
	})
	r := newRuntime(t, cfg, Options{})
	assert.Equal(t, "127.0.0.1:0", r.HealthAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	fetch := func(path string) (int, string) {
		resp, err := http.Get("http://" + r.HealthAddr() + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	require.Eventually(t, func() bool {
		code, body := fetch("/healthz")
		return code == http.StatusOK && strings.Contains(body, `"liveness":"ok"`)
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, body := fetch("/metrics")
		return strings.Contains(body, `beacon_liveness_degraded{node="10"} 0`) &&
			strings.Contains(body, `beacon_publisher_frames_total{node="10",subject="7509"}`)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ErrorIs(t, r.Node().Liveness(), node.ErrNodeStopped)
}

func TestRun_PortInUse(t *testing.T) {
	first := newRuntime(t, memoryConfig(t, func(c *config.BeaconConfig) {
		c.Metrics = &config.MetricsConfig{Addr: "127.0.0.1:0"}
	}), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Run(ctx) }()
	require.Eventually(t, func() bool { return first.HealthAddr() != "127.0.0.1:0" }, time.Second, 10*time.Millisecond)

	second := newRuntime(t, memoryConfig(t, func(c *config.BeaconConfig) {
		c.Metrics = &config.MetricsConfig{Addr: first.HealthAddr()}
	}), Options{})
	err := second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.ErrorIs(t, second.Node().Liveness(), node.ErrNodeStopped)
}

func TestBuildTransport_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := memoryConfig(t, func(c *config.BeaconConfig) {
		c.Transport = config.TransportConfig{
			Kind:  config.TransportRedis,
			Redis: &config.RedisConfig{URL: "redis://" + mr.Addr() + "/0"},
		}
	})
	transport, err := BuildTransport(context.Background(), cfg, TransportOptions{})
	require.NoError(t, err)
	defer transport.Close()

	rt, ok := transport.(*redisbus.Transport)
	require.True(t, ok)
	require.NoError(t, rt.Ping(context.Background()))
}

func TestBuildTransport_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig(t, func(c *config.BeaconConfig) {
		c.Transport = config.TransportConfig{
			Kind:  config.TransportRedis,
			Redis: &config.RedisConfig{URL: "redis://" + addr},
		}
	})
	_, err := BuildTransport(context.Background(), cfg, TransportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestBuildTransport_RedisBadURL(t *testing.T) {
	cfg := memoryConfig(t, func(c *config.BeaconConfig) {
		c.Transport = config.TransportConfig{
			Kind:  config.TransportRedis,
			Redis: &config.RedisConfig{URL: "http://not-redis"},
		}
	})
	_, err := BuildTransport(context.Background(), cfg, TransportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialise redis transport")
}

func TestRun_RedisEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCfg := func(nodeID uint16, bindings ...config.Binding) *config.BeaconConfig {
		return memoryConfig(t, func(c *config.BeaconConfig) {
			c.Node.ID = id(nodeID)
			c.Transport = config.TransportConfig{
				Kind:      config.TransportRedis,
				Namespace: "e2e",
				Redis:     &config.RedisConfig{URL: "redis://" + mr.Addr()},
			}
			c.Heartbeat.Period = 50 * time.Millisecond
			c.Bindings = bindings
		})
	}

	listener := newRuntime(t, redisCfg(2,
		config.Binding{Name: "peers", Subject: uint16(bus.HeartbeatSubject), Schema: "heartbeat", Role: config.RoleSubscribe},
		config.Binding{Name: "chat", Subject: 100, Schema: "string", Role: config.RoleSubscribe},
	), Options{})
	talker := newRuntime(t, redisCfg(1,
		config.Binding{Name: "chat", Subject: 100, Schema: "string", Role: config.RolePublish, Period: 50 * time.Millisecond, Payload: "ping"},
	), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()
	go func() { _ = talker.Run(ctx) }()

	chat, ok := listener.Subscription("chat")
	require.True(t, ok)
	peers, ok := listener.Subscription("peers")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return chat.Stats().Received > 0 && peers.Stats().Received > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, chat.Stats().DecodeFailures)
}
