// Package metrics exposes the router's Prometheus gauges and counters,
// wired the way client/doublezerod/cmd/doublezerod/main.go wires its
// build-info gauge: promauto constructors registered against the
// default registry, served over promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter the router publishes.
type Metrics struct {
	NATMappings       *prometheus.GaugeVec
	NATAuxInUse       prometheus.Gauge
	NATAuxTotal       prometheus.Gauge
	ARPEntries        prometheus.Gauge
	ARPPending        prometheus.Gauge
	ARPQueueDepth     prometheus.Gauge
	FramesForwarded   *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ICMPEmitted       *prometheus.CounterVec
}

// New registers and returns the router's metrics against the given
// registerer (typically prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NATMappings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "softrouter_nat_mappings",
			Help: "Number of live NAT mappings, by type.",
		}, []string{"type"}),
		NATAuxInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "softrouter_nat_aux_in_use",
			Help: "Number of external aux values currently allocated.",
		}),
		NATAuxTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "softrouter_nat_aux_total",
			Help: "Size of the allocatable external aux range.",
		}),
		ARPEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "softrouter_arp_entries",
			Help: "Number of resolved ARP cache entries.",
		}),
		ARPPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "softrouter_arp_pending",
			Help: "Number of in-flight ARP resolutions.",
		}),
		ARPQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "softrouter_arp_queue_depth",
			Help: "Total packets queued across all pending ARP resolutions.",
		}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "softrouter_frames_forwarded_total",
			Help: "Frames forwarded, by egress interface.",
		}, []string{"iface"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "softrouter_frames_dropped_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		ICMPEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "softrouter_icmp_emitted_total",
			Help: "ICMP messages emitted, by type/code.",
		}, []string{"kind"}),
	}
}
