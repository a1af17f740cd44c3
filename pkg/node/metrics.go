package node

import (
	"errors"
	"strconv"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	published         *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	received          *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	heartbeatFailures prometheus.Counter
	degraded          prometheus.Gauge
}

// newMetrics builds the node collectors and registers them with reg when it
// is non-nil. Collectors are labelled with the node ID so several nodes can
// share one registry.
func newMetrics(reg prometheus.Registerer, id bus.NodeID) *metrics {
	labels := prometheus.Labels{"node": id.String()}
	counter := func(subsystem, name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "beacon",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{"subject"})
	}

	m := &metrics{
		published:       counter("publisher", "frames_total", "Frames handed to the transport."),
		publishFailures: counter("publisher", "failures_total", "Publish calls that failed at the transport."),
		received:        counter("subscriber", "frames_total", "Inbound frames dispatched to subscriptions."),
		decodeFailures:  counter("subscriber", "decode_failures_total", "Inbound frames dropped because they failed to decode."),
		evictions:       counter("subscriber", "evictions_total", "Messages evicted from full subscription queues."),
	}
	m.heartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "beacon",
		Subsystem:   "heartbeat",
		Name:        "failures_total",
		Help:        "Heartbeat publishes that failed.",
		ConstLabels: labels,
	})
	m.degraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "beacon",
		Name:        "liveness_degraded",
		Help:        "1 while consecutive heartbeat failures have degraded liveness.",
		ConstLabels: labels,
	})
	if reg == nil {
		return m
	}
	m.published = register(reg, m.published)
	m.publishFailures = register(reg, m.publishFailures)
	m.received = register(reg, m.received)
	m.decodeFailures = register(reg, m.decodeFailures)
	m.evictions = register(reg, m.evictions)
	m.heartbeatFailures = register(reg, m.heartbeatFailures)
	m.degraded = register(reg, m.degraded)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func subjectLabel(s bus.SubjectID) string {
	return strconv.Itoa(int(s))
}
