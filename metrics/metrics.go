// Package metrics exposes counters about server instances and test outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the harness metrics.
type Registry struct {
	InstancesStarted prometheus.Counter
	SpawnFailures    *prometheus.CounterVec
	Crashes          *prometheus.CounterVec
	Replacements     *prometheus.CounterVec
	ActiveInstances  prometheus.Gauge
	DebuggersWaiting prometheus.Gauge
	TestResults      *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec
}

// New registers the harness metrics with reg. A nil reg creates a private registry, which is
// what tests and callers that don't export metrics want.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	r := &Registry{}

	r.InstancesStarted = f.NewCounter(prometheus.CounterOpts{
		Name: "pftt_webserver_instances_started_total",
		Help: "Server instances that started and accepted connections",
	})
	r.SpawnFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pftt_webserver_spawn_failures_total",
		Help: "Failed attempts to start a server instance",
	}, []string{"reason"})
	r.Crashes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pftt_webserver_crashes_total",
		Help: "Server instances that crashed",
	}, []string{"source"})
	r.Replacements = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pftt_webserver_replacements_total",
		Help: "Single-purpose replacement instances created to retry a test",
	}, []string{"phase"})
	r.ActiveInstances = f.NewGauge(prometheus.GaugeOpts{
		Name: "pftt_webserver_active_instances",
		Help: "Server instances that are not closed",
	})
	r.DebuggersWaiting = f.NewGauge(prometheus.GaugeOpts{
		Name: "pftt_debuggers_inspecting",
		Help: "Crashed instances kept alive while a debugger is attached",
	})
	r.TestResults = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pftt_test_results_total",
		Help: "Test results by status",
	}, []string{"status"})
	r.RequestDurations = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pftt_http_request_duration_seconds",
		Help:    "Duration of test HTTP requests by phase",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"phase"})

	return r
}
