package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Source names what triggered a change to a canonical list.
type Source string

const (
	SourceBackfill Source = "backfill"
	SourceLive     Source = "live"
	SourceEdit     Source = "edit"
	SourceDelete   Source = "delete"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	publishes     *prometheus.CounterVec
	noopMerges    *prometheus.CounterVec
	liveDropped   prometheus.Counter
	tombstoned    prometheus.Counter
	fetchErrors   *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	conversations prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "publishes_total",
			Help:      "Snapshots published to conversation observers.",
		}, []string{"source"}),
		noopMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "noop_merges_total",
			Help:      "Merges that left the message id sequence unchanged.",
		}, []string{"source"}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "live_dropped_total",
			Help:      "Live messages dropped because their conversation is not a membership.",
		}),
		tombstoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "tombstone_suppressed_total",
			Help:      "Incoming messages suppressed because they were recently deleted.",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetch_errors_total",
			Help:      "Failed backfills and live subscriptions.",
		}, []string{"op"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "write_errors_total",
			Help:      "Failed send, edit and delete writes.",
		}, []string{"op"}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "conversations",
			Help:      "Conversation caches currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns every collector so callers can register them elsewhere.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.publishes, m.noopMerges, m.liveDropped, m.tombstoned,
		m.fetchErrors, m.writeErrors, m.conversations,
	}
}

func (m *Metrics) published(src Source) {
	if m != nil {
		m.publishes.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) noop(src Source) {
	if m != nil {
		m.noopMerges.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil {
		m.liveDropped.Add(float64(n))
	}
}

func (m *Metrics) suppressed(n int) {
	if m != nil {
		m.tombstoned.Add(float64(n))
	}
}

func (m *Metrics) fetchFailed(op string) {
	if m != nil {
		m.fetchErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) writeFailed(op string) {
	if m != nil {
		m.writeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.conversations.Inc()
	}
}
