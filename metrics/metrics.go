package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grid"

// Metrics holds the collectors of a single cluster node. Every node owns its
// own set, so several nodes can live in one process when each of them is
// given a separate registry.
type Metrics struct {
	Connections      prometheus.Gauge
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter
	PacketsSent      *prometheus.CounterVec
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   prometheus.Counter
	JoinRequests     prometheus.Counter
	Members          prometheus.Gauge
	Instances        *prometheus.GaugeVec
	Listeners        prometheus.Gauge
	ServiceQueueSize prometheus.GaugeFunc
}

// New creates the collectors and registers them with reg. Passing a nil
// registerer leaves the collectors unregistered, which is what tests and
// embedders without a metrics endpoint want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live bound connections.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Outbound connection attempts.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Outbound connection attempts that failed.",
		}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets queued for sending, by operation.",
		}, []string{"op"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by operation.",
		}, []string{"op"}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped because of a full write queue or a missing connection.",
		}),
		JoinRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_requests_total",
			Help:      "Join requests sent by the local node.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of cluster members known to the local node.",
		}),
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of local distributed object proxies, by type.",
		}, []string{"type"}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Number of locally tracked listener registrations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.ConnectAttempts,
			m.ConnectFailures,
			m.PacketsSent,
			m.PacketsReceived,
			m.PacketsDropped,
			m.JoinRequests,
			m.Members,
			m.Instances,
			m.Listeners,
		)
	}

	return m
}

// WatchQueue exposes the length of the service queue as a gauge.
func (m *Metrics) WatchQueue(reg prometheus.Registerer, size func() int) {
	m.ServiceQueueSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_queue_size",
		Help:      "Tasks waiting for the service goroutine.",
	}, func() float64 {
		return float64(size())
	})

	if reg != nil {
		reg.MustRegister(m.ServiceQueueSize)
	}
}

// Handler exposes the registry over HTTP. Mount it on /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
