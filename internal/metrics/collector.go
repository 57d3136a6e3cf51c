// Package metrics exposes per-endpoint VXLAN counters (spec 6.3) as
// Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vxlantun/vxlantund/internal/endpoint"
)

const namespace = "vxlantund"

var endpointLabels = []string{"vni", "namespace", "port"}

// Collector is a pull-style prometheus.Collector that reads endpoint
// counters directly from an endpoint.Manager at scrape time, grounded on
// the truenas-net-exporter NetworkCollector pattern (other_examples):
// counters already live on endpoint.Counters (written by the datapath on
// every frame), so Collector only needs to snapshot and format them, not
// own or increment them itself.
type Collector struct {
	endpoints *endpoint.Manager

	rxPackets       *prometheus.Desc
	rxBytes         *prometheus.Desc
	txPackets       *prometheus.Desc
	txBytes         *prometheus.Desc
	rxFrameErrors   *prometheus.Desc
	rxDropped       *prometheus.Desc
	txDropped       *prometheus.Desc
	txErrors        *prometheus.Desc
	txCarrierErrors *prometheus.Desc
	txAbortedErrors *prometheus.Desc
	collisions      *prometheus.Desc
	endpointsUp     *prometheus.Desc
}

// NewCollector creates a Collector reading from mgr. Callers register it
// against a prometheus.Registerer with reg.MustRegister(c).
func NewCollector(mgr *endpoint.Manager) *Collector {
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, labels, nil)
	}

	return &Collector{
		endpoints:       mgr,
		rxPackets:       desc("rx_packets_total", "Total inner frames received and delivered upstream.", endpointLabels),
		rxBytes:         desc("rx_bytes_total", "Total inner frame bytes received and delivered upstream.", endpointLabels),
		txPackets:       desc("tx_packets_total", "Total inner frames transmitted.", endpointLabels),
		txBytes:         desc("tx_bytes_total", "Total inner frame bytes transmitted.", endpointLabels),
		rxFrameErrors:   desc("rx_frame_errors_total", "Total received frames dropped for malformed ECN combinations (RFC 6040).", endpointLabels),
		rxDropped:       desc("rx_dropped_total", "Total received frames dropped (short frame, refused MAC learning, no receiver).", endpointLabels),
		txDropped:       desc("tx_dropped_total", "Total frames dropped before transmission (short frame, no FDB or default entry).", endpointLabels),
		txErrors:        desc("tx_errors_total", "Total transmit failures at socket send time.", endpointLabels),
		txCarrierErrors: desc("tx_carrier_errors_total", "Total transmit failures from route lookup misses.", endpointLabels),
		txAbortedErrors: desc("tx_aborted_errors_total", "Total aborted transmits; no datapath branch increments it, so it stays 0.", endpointLabels),
		collisions:      desc("collisions_total", "Total circular routes detected during transmit.", endpointLabels),
		endpointsUp:     desc("endpoint_up", "1 if the endpoint FSM is in the UP state, else 0.", endpointLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.rxFrameErrors
	ch <- c.rxDropped
	ch <- c.txDropped
	ch <- c.txErrors
	ch <- c.txCarrierErrors
	ch <- c.txAbortedErrors
	ch <- c.collisions
	ch <- c.endpointsUp
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ep := range c.endpoints.All() {
		labels := []string{
			strconv.FormatUint(uint64(ep.VNI), 10),
			ep.Namespace,
			strconv.FormatUint(uint64(ep.DstPort), 10),
		}

		snap := ep.Counters.Snapshot()

		ch <- prometheus.MustNewConstMetric(c.rxPackets, prometheus.CounterValue, float64(snap.RxPackets), labels...)
		ch <- prometheus.MustNewConstMetric(c.rxBytes, prometheus.CounterValue, float64(snap.RxBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.txPackets, prometheus.CounterValue, float64(snap.TxPackets), labels...)
		ch <- prometheus.MustNewConstMetric(c.txBytes, prometheus.CounterValue, float64(snap.TxBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.rxFrameErrors, prometheus.CounterValue, float64(snap.RxFrameErrors), labels...)
		ch <- prometheus.MustNewConstMetric(c.rxDropped, prometheus.CounterValue, float64(snap.RxDropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.txDropped, prometheus.CounterValue, float64(snap.TxDropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.txErrors, prometheus.CounterValue, float64(snap.TxErrors), labels...)
		ch <- prometheus.MustNewConstMetric(c.txCarrierErrors, prometheus.CounterValue, float64(snap.TxCarrierErrors), labels...)
		ch <- prometheus.MustNewConstMetric(c.txAbortedErrors, prometheus.CounterValue, float64(snap.TxAbortedErrors), labels...)
		ch <- prometheus.MustNewConstMetric(c.collisions, prometheus.CounterValue, float64(snap.Collisions), labels...)

		up := 0.0
		if ep.State() == endpoint.StateUp {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.endpointsUp, prometheus.GaugeValue, up, labels...)
	}
}
