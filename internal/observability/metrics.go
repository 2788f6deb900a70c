package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	EntityActivations *prometheus.CounterVec
	PlacementLookups  *prometheus.CounterVec
	JournalAppends    *prometheus.CounterVec
	FanoutDeliveries  *prometheus.CounterVec
	OpLatency         *prometheus.HistogramVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active client sessions on this node.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		EntityActivations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_activations_total",
			Help:      "Entity instances spawned on this node by kind.",
		}, []string{"kind"}),
		PlacementLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placement_lookups_total",
			Help:      "Placement resolutions by outcome.",
		}, []string{"result"}),
		JournalAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_appends_total",
			Help:      "Journal appends by outcome.",
		}, []string{"result"}),
		FanoutDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Room fan-out notifications by outcome.",
		}, []string{"result"}),
		OpLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entity_op_latency_ms",
			Help:      "Entity operation latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
		latency: newLatencyWindow(512),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveActivation(kind string) {
	if m == nil {
		return
	}
	m.EntityActivations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePlacementLookup(result string) {
	if m == nil {
		return
	}
	m.PlacementLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveJournalAppend(result string) {
	if m == nil {
		return
	}
	m.JournalAppends.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFanout(result string) {
	if m == nil {
		return
	}
	m.FanoutDeliveries.WithLabelValues(result).Inc()
}

// ObserveOp records the latency of one entity operation in the histogram and
// in the window served by the perf endpoint.
func (m *Metrics) ObserveOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.OpLatency.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
	m.latency.observe(op, d)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
