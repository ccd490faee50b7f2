package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Relay statistics events per protocol.",
		},
		[]string{"protocol", "event"},
	)
	relayDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Frames dropped without counting as errors.",
		},
		[]string{"protocol", "reason"},
	)
	radioTransmit = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshbridge",
			Subsystem: "radio",
			Name:      "transmit_duration_seconds",
			Help:      "Time from key-up to tx-done or timeout.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		},
		[]string{"protocol", "success"},
	)
	radioOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshbridge",
			Subsystem: "radio",
			Name:      "online",
			Help:      "1 while the transceiver accepts configuration.",
		},
	)
	listenProtocol = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "listen_protocol",
			Help:      "1 for the protocol the radio is receiving on.",
		},
		[]string{"protocol"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, relayEvents, relayDrops, radioTransmit, radioOnline, listenProtocol)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRelayEvent(protocol, event string) {
	RegisterMetrics()
	relayEvents.WithLabelValues(protocol, event).Inc()
}

func RecordDrop(protocol, reason string) {
	RegisterMetrics()
	relayDrops.WithLabelValues(protocol, reason).Inc()
}

func RecordTransmit(protocol string, duration time.Duration, success bool) {
	RegisterMetrics()
	radioTransmit.WithLabelValues(protocol, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func SetRadioOnline(online bool) {
	RegisterMetrics()
	if online {
		radioOnline.Set(1)
		return
	}
	radioOnline.Set(0)
}

// SetListenProtocol marks active as 1 and every other name as 0.
func SetListenProtocol(active string, names ...string) {
	RegisterMetrics()
	for _, name := range names {
		v := 0.0
		if name == active {
			v = 1
		}
		listenProtocol.WithLabelValues(name).Set(v)
	}
}
