// Package metrics exposes optional Prometheus counters and gauges
// mirroring the call core's own GetStats snapshot. The orchestrator
// never listens on a socket itself; Handler returns an http.Handler an
// external mux can mount.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one call core instance.
type Metrics struct {
	registry *prometheus.Registry

	sendBandwidthBps prometheus.Gauge
	recvBandwidthBps prometheus.Gauge
	pacerDelayMs     prometheus.Gauge
	rttMs            prometheus.Gauge

	fecPacketsReceivedTotal  prometheus.Counter
	fecPacketsRecoveredTotal prometheus.Counter

	streamsCreatedTotal   *prometheus.CounterVec
	streamsDestroyedTotal *prometheus.CounterVec
	packetsDeliveredTotal prometheus.Counter
	packetsDroppedTotal   prometheus.Counter
}

// New creates and registers a fresh set of collectors. Each call core
// instance owns its own Metrics rather than sharing a package-level
// default registry, so more than one orchestrator can coexist in a
// process without a name collision.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sendBandwidthBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_send_bandwidth_bps",
			Help: "Current outgoing bandwidth estimate in bits per second.",
		}),
		recvBandwidthBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_recv_bandwidth_bps",
			Help: "Current incoming bandwidth estimate in bits per second.",
		}),
		pacerDelayMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_pacer_delay_ms",
			Help: "Oldest still-queued packet's pacing delay in milliseconds.",
		}),
		rttMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_rtt_ms",
			Help: "Round-trip time reported by the last video send stream with a positive RTT sample.",
		}),
		fecPacketsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcore_fec_packets_received_total",
			Help: "Total number of FEC packets observed across all receive streams.",
		}),
		fecPacketsRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcore_fec_packets_recovered_total",
			Help: "Total number of packets recovered via FEC across all receive streams.",
		}),
		streamsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_streams_created_total",
			Help: "Total number of streams created, by kind.",
		}, []string{"kind"}),
		streamsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_streams_destroyed_total",
			Help: "Total number of streams destroyed, by kind.",
		}, []string{"kind"}),
		packetsDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcore_packets_delivered_total",
			Help: "Total number of packets DeliverPacket accepted.",
		}),
		packetsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcore_packets_dropped_total",
			Help: "Total number of packets DeliverPacket rejected.",
		}),
	}

	registry.MustRegister(
		m.sendBandwidthBps,
		m.recvBandwidthBps,
		m.pacerDelayMs,
		m.rttMs,
		m.fecPacketsReceivedTotal,
		m.fecPacketsRecoveredTotal,
		m.streamsCreatedTotal,
		m.streamsDestroyedTotal,
		m.packetsDeliveredTotal,
		m.packetsDroppedTotal,
	)

	return m
}

// SetBandwidthGauges refreshes the gauges GetStats reports every scrape.
func (m *Metrics) SetBandwidthGauges(sendBps, recvBps uint32, pacerDelayMs, rttMs int64) {
	m.sendBandwidthBps.Set(float64(sendBps))
	m.recvBandwidthBps.Set(float64(recvBps))
	m.pacerDelayMs.Set(float64(pacerDelayMs))
	m.rttMs.Set(float64(rttMs))
}

// AddFecCounters adds received and recovered FEC packet counts to this
// instance's running totals.
func (m *Metrics) AddFecCounters(received, recovered uint32) {
	m.fecPacketsReceivedTotal.Add(float64(received))
	m.fecPacketsRecoveredTotal.Add(float64(recovered))
}

// IncStreamCreated/IncStreamDestroyed track Create*/Destroy* calls by
// stream kind ("audio_send", "audio_receive", "video_send", "video_receive").
func (m *Metrics) IncStreamCreated(kind string) {
	m.streamsCreatedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncStreamDestroyed(kind string) {
	m.streamsDestroyedTotal.WithLabelValues(kind).Inc()
}

// IncPacketDelivered/IncPacketDropped track DeliverPacket's outcome.
func (m *Metrics) IncPacketDelivered() {
	m.packetsDeliveredTotal.Inc()
}

func (m *Metrics) IncPacketDropped() {
	m.packetsDroppedTotal.Inc()
}

// Handler returns an http.Handler that serves the registered
// collectors in the Prometheus text exposition format. refresh, if
// non-nil, is called before each scrape to pull the latest gauge
// values (e.g. from GetStats) before they're rendered.
func (m *Metrics) Handler(refresh func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
