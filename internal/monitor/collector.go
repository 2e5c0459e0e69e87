package monitor

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes the monitor's per-tool aggregates to Prometheus. Values
// are read at scrape time so nothing is duplicated in client-side metrics.
type Collector struct {
	m *Monitor

	successRate *prometheus.Desc
	latency     *prometheus.Desc
	status      *prometheus.Desc
	invocations *prometheus.Desc
	failures    *prometheus.Desc
}

func NewCollector(m *Monitor) *Collector {
	labels := []string{"tool"}
	return &Collector{
		m: m,
		successRate: prometheus.NewDesc("orchestra_tool_success_rate",
			"Success rate over the tool's sliding window", labels, nil),
		latency: prometheus.NewDesc("orchestra_tool_average_latency_seconds",
			"Average latency over the tool's sliding window", labels, nil),
		status: prometheus.NewDesc("orchestra_tool_status",
			"Tool health status (0 healthy, 1 degraded, 2 unavailable)", labels, nil),
		invocations: prometheus.NewDesc("orchestra_tool_invocations_total",
			"Invocation attempts recorded for the tool", labels, nil),
		failures: prometheus.NewDesc("orchestra_tool_failures_total",
			"Failed invocation attempts recorded for the tool", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.successRate
	ch <- c.latency
	ch <- c.status
	ch <- c.invocations
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.m.Report().Tools {
		status, _ := ParseStatus(t.Status)
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, t.SuccessRate, t.ToolID)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, t.AverageLatency.Seconds(), t.ToolID)
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, float64(status), t.ToolID)
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(t.Invocations), t.ToolID)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(t.Failures), t.ToolID)
	}
}
