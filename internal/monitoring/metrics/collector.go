// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "segcompact"

// Collector exposes a Metrics snapshot to Prometheus.
type Collector struct {
	m *Metrics

	records     *prometheus.Desc
	passes      *prometheus.Desc
	errors      *prometheus.Desc
	passLatency *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector reading from m on every scrape.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		records: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "compaction", "records_written_total"),
			"Records written by compaction, by kind.",
			[]string{"kind"}, nil),
		passes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "compaction", "passes_total"),
			"Compaction passes, by outcome.",
			[]string{"outcome"}, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "compaction", "errors_total"),
			"Compaction errors.",
			nil, nil),
		passLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "compaction", "pass_duration_seconds"),
			"Duration of recent compaction passes.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.passes
	ch <- c.errors
	ch <- c.passLatency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.GetStats()

	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Records.Nodes), "node")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Records.Properties), "property")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Records.Blobs), "blob")

	ch <- prometheus.MustNewConstMetric(c.passes, prometheus.CounterValue, float64(s.Passes.Completed), string(OutcomeCompleted))
	ch <- prometheus.MustNewConstMetric(c.passes, prometheus.CounterValue, float64(s.Passes.Cancelled), string(OutcomeCancelled))
	ch <- prometheus.MustNewConstMetric(c.passes, prometheus.CounterValue, float64(s.Passes.Failed), string(OutcomeFailed))

	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))

	lat := s.PassLatency
	sum := lat.Mean.Seconds() * float64(lat.Count)
	ch <- prometheus.MustNewConstSummary(c.passLatency, lat.Count, sum, map[float64]float64{
		0.5:  lat.P50.Seconds(),
		0.95: lat.P95.Seconds(),
		0.99: lat.P99.Seconds(),
	})
}
