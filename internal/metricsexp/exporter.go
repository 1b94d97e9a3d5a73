// Package metricsexp exposes a Device's Metrics as Prometheus collectors,
// the way a real deployment would scrape this driver alongside the rest of
// a host's fabric counters.
package metricsexp

import (
	"github.com/prometheus/client_golang/prometheus"

	rdma "github.com/myrfy001/open-rdma-driver"
)

const namespace = "rdma_driver"

// Exporter adapts a *rdma.Metrics to prometheus.Collector.
type Exporter struct {
	metrics *rdma.Metrics

	writeOps, readOps, ackOps, nakOps       *prometheus.Desc
	writeBytes, readBytes                   *prometheus.Desc
	writeErrors, readErrors, ctrlErrors     *prometheus.Desc
	icrcErrors                              *prometheus.Desc
	avgLatency, p50Latency, p99Latency      *prometheus.Desc
	p999Latency                             *prometheus.Desc
	uptime                                  *prometheus.Desc
}

// New returns an Exporter for metrics. Register it with a
// prometheus.Registry the way any other Collector is registered.
func New(metrics *rdma.Metrics) *Exporter {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Exporter{
		metrics:     metrics,
		writeOps:    desc("write_ops_total", "Completed RDMA Write operations"),
		readOps:     desc("read_ops_total", "Completed RDMA Read operations"),
		ackOps:      desc("ack_total", "Acknowledge packets received"),
		nakOps:      desc("nak_total", "Negative-acknowledge packets received"),
		writeBytes:  desc("write_bytes_total", "Bytes moved by RDMA Write"),
		readBytes:   desc("read_bytes_total", "Bytes moved by RDMA Read"),
		writeErrors: desc("write_errors_total", "Write operations that failed"),
		readErrors:  desc("read_errors_total", "Read operations that failed"),
		ctrlErrors:  desc("ctrl_errors_total", "Control-plane operations that failed"),
		icrcErrors:  desc("icrc_errors_total", "Packets dropped for ICRC validation failure"),
		avgLatency:  desc("latency_avg_ns", "Mean completed-operation latency"),
		p50Latency:  desc("latency_p50_ns", "p50 completed-operation latency"),
		p99Latency:  desc("latency_p99_ns", "p99 completed-operation latency"),
		p999Latency: desc("latency_p999_ns", "p999 completed-operation latency"),
		uptime:      desc("uptime_seconds", "Seconds since Metrics collection started"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.writeOps
	ch <- e.readOps
	ch <- e.ackOps
	ch <- e.nakOps
	ch <- e.writeBytes
	ch <- e.readBytes
	ch <- e.writeErrors
	ch <- e.readErrors
	ch <- e.ctrlErrors
	ch <- e.icrcErrors
	ch <- e.avgLatency
	ch <- e.p50Latency
	ch <- e.p99Latency
	ch <- e.p999Latency
	ch <- e.uptime
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(e.writeOps, prometheus.CounterValue, float64(s.WriteOps))
	ch <- prometheus.MustNewConstMetric(e.readOps, prometheus.CounterValue, float64(s.ReadOps))
	ch <- prometheus.MustNewConstMetric(e.ackOps, prometheus.CounterValue, float64(s.AckOps))
	ch <- prometheus.MustNewConstMetric(e.nakOps, prometheus.CounterValue, float64(s.NakOps))
	ch <- prometheus.MustNewConstMetric(e.writeBytes, prometheus.CounterValue, float64(s.WriteBytes))
	ch <- prometheus.MustNewConstMetric(e.readBytes, prometheus.CounterValue, float64(s.ReadBytes))
	ch <- prometheus.MustNewConstMetric(e.writeErrors, prometheus.CounterValue, float64(s.WriteErrors))
	ch <- prometheus.MustNewConstMetric(e.readErrors, prometheus.CounterValue, float64(s.ReadErrors))
	ch <- prometheus.MustNewConstMetric(e.ctrlErrors, prometheus.CounterValue, float64(s.CtrlErrors))
	ch <- prometheus.MustNewConstMetric(e.icrcErrors, prometheus.CounterValue, float64(s.IcrcErrors))
	ch <- prometheus.MustNewConstMetric(e.avgLatency, prometheus.GaugeValue, s.AvgLatencyNs)
	ch <- prometheus.MustNewConstMetric(e.p50Latency, prometheus.GaugeValue, float64(s.LatencyP50Ns))
	ch <- prometheus.MustNewConstMetric(e.p99Latency, prometheus.GaugeValue, float64(s.LatencyP99Ns))
	ch <- prometheus.MustNewConstMetric(e.p999Latency, prometheus.GaugeValue, float64(s.LatencyP999Ns))
	ch <- prometheus.MustNewConstMetric(e.uptime, prometheus.GaugeValue, float64(s.UptimeNs)/1e9)
}

var _ prometheus.Collector = (*Exporter)(nil)
