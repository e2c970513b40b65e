// Package metrics exports the outcome of the last run in the node exporter
// textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run is the outcome of one reconciliation as seen by metrics.
type Run struct {
	App       string
	Action    string
	ErrorKind string
	Changed   bool
	Success   bool
	Finished  time.Time
	Duration  time.Duration
}

// Metrics holds the last-run gauges on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Timestamp *prometheus.GaugeVec
	Changed   *prometheus.GaugeVec
	Success   *prometheus.GaugeVec
	Duration  *prometheus.GaugeVec
	Info      *prometheus.GaugeVec
}

// New creates the gauges and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Timestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ucs_apps_last_run_timestamp_seconds",
				Help: "Unix time the last reconciliation finished",
			},
			[]string{"app"},
		),
		Changed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ucs_apps_last_run_changed",
				Help: "Whether the last reconciliation changed the host (1) or not (0)",
			},
			[]string{"app"},
		),
		Success: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ucs_apps_last_run_success",
				Help: "Whether the last reconciliation succeeded (1) or failed (0)",
			},
			[]string{"app"},
		),
		Duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ucs_apps_last_run_duration_seconds",
				Help: "Duration of the last reconciliation",
			},
			[]string{"app"},
		),
		Info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ucs_apps_last_run_info",
				Help: "Action and error kind of the last reconciliation",
			},
			[]string{"app", "action", "error_kind"},
		),
	}

	m.registry.MustRegister(m.Timestamp, m.Changed, m.Success, m.Duration, m.Info)
	return m
}

// Observe records run.
func (m *Metrics) Observe(run Run) {
	finished := run.Finished
	if finished.IsZero() {
		finished = time.Now()
	}

	m.Timestamp.WithLabelValues(run.App).Set(float64(finished.UnixNano()) / 1e9)
	m.Changed.WithLabelValues(run.App).Set(boolValue(run.Changed))
	m.Success.WithLabelValues(run.App).Set(boolValue(run.Success))
	m.Duration.WithLabelValues(run.App).Set(run.Duration.Seconds())
	m.Info.WithLabelValues(run.App, run.Action, run.ErrorKind).Set(1)
}

// WriteTextfile atomically replaces path with the current values.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
