package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/logrun/internal/phase"
)

var allPhases = []phase.Phase{
	phase.Idle, phase.Locking, phase.Parsing, phase.Reporting,
	phase.Terminating, phase.Done, phase.Failed,
}

// runCollector reads run status at scrape time.
type runCollector struct {
	status StatusProvider

	phase        *prometheus.Desc
	phaseSeconds *prometheus.Desc
	active       *prometheus.Desc
	peak         *prometheus.Desc
}

func newRunCollector(status StatusProvider) *runCollector {
	return &runCollector{
		status: status,
		phase: prometheus.NewDesc("logrun_run_phase",
			"1 for the phase the run is in, 0 otherwise.", []string{"phase"}, nil),
		phaseSeconds: prometheus.NewDesc("logrun_run_phase_seconds",
			"Seconds spent in the current phase.", nil, nil),
		active: prometheus.NewDesc("logrun_active_workers",
			"Parse workers currently running.", nil, nil),
		peak: prometheus.NewDesc("logrun_peak_workers",
			"Most parse workers that ran at once.", nil, nil),
	}
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.phase
	ch <- c.phaseSeconds
	ch <- c.active
	ch <- c.peak
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.status.Status()
	for _, p := range allPhases {
		v := 0.0
		if p.String() == st.Phase {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, p.String())
	}
	if !st.PhaseSince.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.phaseSeconds, prometheus.GaugeValue, time.Since(st.PhaseSince).Seconds())
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(st.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(st.PeakWorkers))
}

// metricsHandler serves the run collector from a private registry.
func (s *Server) metricsHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newRunCollector(s.status))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
