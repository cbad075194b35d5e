package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// PrometheusSink exposes every emitted loadmodel.MetricSnapshot as a
// Prometheus gauge, labeled by run_id (and additionally by status code for
// status_codes). This replaces the teacher's hand-built text-exposition
// Collector (internal/metrics/prometheus.go's Expose/writeRunsTotal/...),
// which predates this repo wiring the real prometheus/client_golang
// registry — see DESIGN.md.
type PrometheusSink struct {
	registry *prometheus.Registry
	gauges   map[loadmodel.MetricName]*prometheus.GaugeVec
}

// NewPrometheusSink builds a sink with one GaugeVec pre-registered per
// entry in loadmodel's closed MetricName enum.
func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()
	s := &PrometheusSink{
		registry: registry,
		gauges:   make(map[loadmodel.MetricName]*prometheus.GaugeVec, len(allMetricNames)),
	}

	for _, name := range allMetricNames {
		labels := []string{"run_id"}
		if name == loadmodel.MetricStatusCodes {
			labels = append(labels, "code")
		}
		s.gauges[name] = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apiforge",
			Name:      string(name),
			Help:      "apiforge load test metric: " + string(name),
		}, labels)
	}
	return s
}

var allMetricNames = []loadmodel.MetricName{
	loadmodel.MetricRPS, loadmodel.MetricLatencyAvg, loadmodel.MetricLatencyP50,
	loadmodel.MetricLatencyP75, loadmodel.MetricLatencyP90, loadmodel.MetricLatencyP95,
	loadmodel.MetricLatencyP99, loadmodel.MetricLatencyP999, loadmodel.MetricErrorRate,
	loadmodel.MetricTotalRequests, loadmodel.MetricCompleted, loadmodel.MetricConnectionsActive,
	loadmodel.MetricRequestsSent, loadmodel.MetricRequestsExpected, loadmodel.MetricSendRate,
	loadmodel.MetricThroughput, loadmodel.MetricBackpressure, loadmodel.MetricTestsValidating,
	loadmodel.MetricTestsPassed, loadmodel.MetricTestsFailed, loadmodel.MetricTestsSampled,
	loadmodel.MetricStatusCodes, loadmodel.MetricTestDuration, loadmodel.MetricSetupOverhead,
}

// Observe updates the gauge for snap.Name. Use as the onSnapshot callback
// passed to NewAggregator, alone or combined with others via Fanout.
func (s *PrometheusSink) Observe(snap loadmodel.MetricSnapshot) {
	gauge, ok := s.gauges[snap.Name]
	if !ok {
		return
	}
	if snap.Name == loadmodel.MetricStatusCodes {
		gauge.WithLabelValues(snap.RunID, snap.Labels["code"]).Set(snap.Value)
		return
	}
	gauge.WithLabelValues(snap.RunID).Set(snap.Value)
}

// Handler returns the /metrics exposition handler for this sink's registry.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Fanout combines multiple snapshot sinks (e.g. Prometheus plus a
// persistence writer plus an SSE broadcaster) into the single callback
// Aggregator.Start expects.
func Fanout(sinks ...func(loadmodel.MetricSnapshot)) func(loadmodel.MetricSnapshot) {
	return func(snap loadmodel.MetricSnapshot) {
		for _, sink := range sinks {
			sink(snap)
		}
	}
}
