package adminapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/pbxsim/internal/pbx"
)

// RegistryStats is the subset of *pbx.Registry the collector needs,
// narrowed to an interface so Collector can be tested against a fake.
type RegistryStats interface {
	ActiveCount() int
	MaxExtensions() int
	ConnectedCount() int
	Stats() pbx.DialStats
}

// Collector is a prometheus.Collector that gathers registry metrics at
// scrape time rather than pushing updates, modeled on the teacher's
// internal/metrics.Collector lazy-scrape design.
type Collector struct {
	registry RegistryStats

	activeTUsDesc     *prometheus.Desc
	maxExtensionsDesc *prometheus.Desc
	connectedDesc     *prometheus.Desc
	dialsTotalDesc    *prometheus.Desc
}

// NewCollector creates a Collector reading from registry at scrape time.
func NewCollector(registry RegistryStats) *Collector {
	return &Collector{
		registry: registry,
		activeTUsDesc: prometheus.NewDesc(
			"pbxsim_active_tus",
			"Number of telephone units currently registered.",
			nil, nil,
		),
		maxExtensionsDesc: prometheus.NewDesc(
			"pbxsim_max_extensions",
			"Configured size of the extension table.",
			nil, nil,
		),
		connectedDesc: prometheus.NewDesc(
			"pbxsim_connected_tus",
			"Number of telephone units currently in the CONNECTED state.",
			nil, nil,
		),
		dialsTotalDesc: prometheus.NewDesc(
			"pbxsim_dials_total",
			"Cumulative dial attempts by outcome.",
			[]string{"outcome"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeTUsDesc
	ch <- c.maxExtensionsDesc
	ch <- c.connectedDesc
	ch <- c.dialsTotalDesc
}

// Collect implements prometheus.Collector, reading the registry fresh on
// every scrape rather than maintaining separately-updated gauges.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeTUsDesc, prometheus.GaugeValue, float64(c.registry.ActiveCount()))
	ch <- prometheus.MustNewConstMetric(c.maxExtensionsDesc, prometheus.GaugeValue, float64(c.registry.MaxExtensions()))
	ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, float64(c.registry.ConnectedCount()))

	stats := c.registry.Stats()
	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(stats.RingBack), "ringing")
	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(stats.Busy), "busy")
	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(stats.Error), "error")
}
