// Package telemetry exports engine and replication counters to prometheus.
// Every method is safe on a nil *Metrics so components can run unobserved.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	invocations  *prometheus.CounterVec
	burns        *prometheus.CounterVec
	activeBlocks prometheus.Gauge

	syncSent     *prometheus.CounterVec
	syncReceived *prometheus.CounterVec
	syncRejected *prometheus.CounterVec
	peers        prometheus.Gauge
	peerDrops    *prometheus.CounterVec
	inboxDrops   prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockwire_ticks_total",
			Help: "Simulation ticks executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockwire_tick_duration_seconds",
			Help:    "Wall time spent in one simulation tick.",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_node_invocations_total",
			Help: "Logic node bodies run, by block kind.",
		}, []string{"kind"}),
		burns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_node_burns_total",
			Help: "Logic nodes burned, by block kind.",
		}, []string{"kind"}),
		activeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockwire_active_blocks",
			Help: "Placed blocks across all plots.",
		}),
		syncSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_sync_sent_total",
			Help: "Replication payloads sent, by channel.",
		}, []string{"channel"}),
		syncReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_sync_received_total",
			Help: "Replication payloads applied from peers, by channel.",
		}, []string{"channel"}),
		syncRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_sync_rejected_total",
			Help: "Replication payloads rejected, by channel and reason.",
		}, []string{"channel", "reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockwire_replication_peers",
			Help: "Connected replication peers.",
		}),
		peerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwire_replication_drops_total",
			Help: "Messages dropped by the replication transport, by reason.",
		}, []string{"reason"}),
		inboxDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockwire_session_inbox_drops_total",
			Help: "Inbound replication messages dropped because the session inbox was full.",
		}),
	}
	reg.MustRegister(
		m.ticks, m.tickDuration, m.invocations, m.burns, m.activeBlocks,
		m.syncSent, m.syncReceived, m.syncRejected, m.peers, m.peerDrops, m.inboxDrops,
	)
	return m
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Invoked(kind string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Burned(kind string) {
	if m == nil {
		return
	}
	m.burns.WithLabelValues(kind).Inc()
}

func (m *Metrics) ActiveBlocks(n int) {
	if m == nil {
		return
	}
	m.activeBlocks.Set(float64(n))
}

func (m *Metrics) Sent(channel string) {
	if m == nil {
		return
	}
	m.syncSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) Received(channel string) {
	if m == nil {
		return
	}
	m.syncReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) Rejected(channel, reason string) {
	if m == nil {
		return
	}
	m.syncRejected.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) Peers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.peerDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) InboxDropped() {
	if m == nil {
		return
	}
	m.inboxDrops.Inc()
}
