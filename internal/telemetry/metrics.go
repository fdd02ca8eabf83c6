// Package telemetry exposes Prometheus metrics and a local resource
// sampler for the mesh gateway agent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the agent publishes.
type Metrics struct {
	// PacketLoss, Retransmissions, MessagesForwarded and RouteUpdatesSent
	// mirror monotonic counters already owned by the link/mesh engines,
	// so they are gauges set from a snapshot rather than counters
	// incremented at the call site (that would double-count).
	PacketLoss        prometheus.Gauge
	Retransmissions   prometheus.Gauge
	MessagesForwarded prometheus.Gauge
	RouteUpdatesSent  prometheus.Gauge

	OutboundDepth    prometheus.Gauge
	ReassemblyDepth  prometheus.Gauge
	NeighbourCount   prometheus.Gauge
	RouteCount       prometheus.Gauge

	RSSI prometheus.Histogram
	SNR  prometheus.Histogram

	BatteryLevel prometheus.Gauge
}

// NewMetrics registers every collector against the default Prometheus
// registry and returns the bundle.
func NewMetrics() *Metrics {
	return &Metrics{
		PacketLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_packet_loss_total",
			Help: "Frames dropped to CRC failure, bad index, reassembly mismatch, or retry exhaustion.",
		}),
		Retransmissions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_retransmissions_total",
			Help: "Messages re-enqueued (all fragments) by the retry sweeper.",
		}),
		MessagesForwarded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_messages_forwarded_total",
			Help: "DATA envelopes forwarded toward a next hop rather than delivered locally.",
		}),
		RouteUpdatesSent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_route_updates_sent_total",
			Help: "ROUTE_UPDATE envelopes broadcast due to a routing table change.",
		}),
		OutboundDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_outbound_depth",
			Help: "Current number of in-flight outbound messages awaiting implicit ACK.",
		}),
		ReassemblyDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_reassembly_depth",
			Help: "Current number of in-progress fragment reassemblies.",
		}),
		NeighbourCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_neighbour_count",
			Help: "Current number of known neighbours, active or quiet.",
		}),
		RouteCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_route_count",
			Help: "Current number of destinations with a known next hop.",
		}),
		RSSI: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshd_rssi_dbm",
			Help:    "Mean RSSI over the link engine's recent received fragments, observed once per sampling tick, in dBm.",
			Buckets: []float64{-120, -110, -100, -90, -80, -70, -60, -50},
		}),
		SNR: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshd_snr_db",
			Help:    "Mean SNR over the link engine's recent received fragments, observed once per sampling tick, in dB.",
			Buckets: []float64{-20, -10, -5, 0, 5, 10, 15, 20},
		}),
		BatteryLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_battery_level",
			Help: "Locally sampled battery/charge fraction advertised in DISCOVERY envelopes.",
		}),
	}
}
