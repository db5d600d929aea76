package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "sessions_created_total",
			Help:      "Sessions created from new handshakes.",
		},
	)
	sessionsResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "sessions_resumed_total",
			Help:      "Successful resume attachments.",
		},
	)
	sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "sessions_reaped_total",
			Help:      "Sessions reclaimed by the idle reaper.",
		},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		},
		[]string{"reason"},
	)
	handshakesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "handshakes_rejected_total",
			Help:      "Client connections rejected at handshake, by reason.",
		},
		[]string{"reason"},
	)
	dialFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "upstream_dial_failures_total",
			Help:      "Failed upstream dials.",
		},
	)
	upstreamBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "upstream_bytes_total",
			Help:      "Bytes read from upstream connections.",
		},
	)
	clientBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "client_bytes_total",
			Help:      "Raw bytes read from client connections.",
		},
	)
	evictedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "evicted_bytes_total",
			Help:      "Buffered bytes evicted by the capacity budget.",
		},
	)
	replayDataLoss = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bouncerd",
			Subsystem: "relay",
			Name:      "replay_data_loss_total",
			Help:      "Resume requests for offsets already evicted.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreated, sessionsResumed, sessionsReaped, sessionsClosed,
			handshakesRejected, dialFailures,
			upstreamBytes, clientBytes, evictedBytes, replayDataLoss,
		)
	})
}

func RecordSessionCreated() {
	RegisterMetrics()
	sessionsCreated.Inc()
}

func RecordSessionResumed() {
	RegisterMetrics()
	sessionsResumed.Inc()
}

func RecordSessionReaped() {
	RegisterMetrics()
	sessionsReaped.Inc()
}

func RecordSessionClosed(reason string) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(reason).Inc()
}

func RecordHandshakeRejected(reason string) {
	RegisterMetrics()
	handshakesRejected.WithLabelValues(reason).Inc()
}

func RecordDialFailure() {
	RegisterMetrics()
	dialFailures.Inc()
}

func RecordUpstreamBytes(n int) {
	RegisterMetrics()
	upstreamBytes.Add(float64(n))
}

func RecordClientBytes(n int) {
	RegisterMetrics()
	clientBytes.Add(float64(n))
}

func RecordEvictedBytes(n int64) {
	RegisterMetrics()
	evictedBytes.Add(float64(n))
}

func RecordReplayDataLoss() {
	RegisterMetrics()
	replayDataLoss.Inc()
}
