package loadmodel

import "encoding/json"

// RunType distinguishes a single-shot design execution from a load test.
type RunType string

const (
	RunTypeDesign RunType = "design"
	RunTypeLoad   RunType = "load"
)

// RunStatus is the run lifecycle state (spec §3). Transitions are monotonic;
// CanTransition in package coordinator enforces no backward transitions.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one execution of either a design request or a load test.
type Run struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id,omitempty"`
	EnvironmentID string          `json:"environment_id,omitempty"`
	Type          RunType         `json:"type"`
	Status        RunStatus       `json:"status"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	StartTimeMs   int64           `json:"start_time_ms"`
	EndTimeMs     *int64          `json:"end_time_ms,omitempty"`
}

// MetricName is the closed enum of snapshot metric names (spec §3).
type MetricName string

const (
	MetricRPS                 MetricName = "rps"
	MetricLatencyAvg          MetricName = "latency_avg"
	MetricLatencyP50          MetricName = "latency_p50"
	MetricLatencyP75          MetricName = "latency_p75"
	MetricLatencyP90          MetricName = "latency_p90"
	MetricLatencyP95          MetricName = "latency_p95"
	MetricLatencyP99          MetricName = "latency_p99"
	MetricLatencyP999         MetricName = "latency_p999"
	MetricErrorRate           MetricName = "error_rate"
	MetricTotalRequests       MetricName = "total_requests"
	MetricCompleted           MetricName = "completed"
	MetricConnectionsActive   MetricName = "connections_active"
	MetricRequestsSent        MetricName = "requests_sent"
	MetricRequestsExpected    MetricName = "requests_expected"
	MetricSendRate            MetricName = "send_rate"
	MetricThroughput          MetricName = "throughput"
	MetricBackpressure        MetricName = "backpressure"
	MetricTestsValidating     MetricName = "tests_validating"
	MetricTestsPassed         MetricName = "tests_passed"
	MetricTestsFailed         MetricName = "tests_failed"
	MetricTestsSampled        MetricName = "tests_sampled"
	MetricStatusCodes         MetricName = "status_codes"
	MetricTestDuration        MetricName = "test_duration"
	MetricSetupOverhead       MetricName = "setup_overhead"
)

// MetricSnapshot is one emitted aggregate data point.
type MetricSnapshot struct {
	RunID       string            `json:"run_id"`
	TimestampMs int64             `json:"timestamp_ms"`
	Name        MetricName        `json:"name"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// SampleTrace carries the full request/response detail for a retained sample.
type SampleTrace struct {
	RequestHeaders  []Header    `json:"request_headers,omitempty"`
	RequestBody     []byte      `json:"request_body,omitempty"`
	ResponseHeaders []Header    `json:"response_headers,omitempty"`
	ResponseBody    []byte      `json:"response_body,omitempty"`
	Timing          PhaseTiming `json:"timing"`
}

// SampleRecord is a retained ResponseRecord, subject to the sampling policy
// in spec §4.7.
type SampleRecord struct {
	RunID       string       `json:"run_id"`
	TimestampMs int64        `json:"timestamp_ms"`
	StatusCode  int          `json:"status_code"`
	LatencyMs   float64      `json:"latency_ms"`
	Error       *ResponseError `json:"error,omitempty"`
	Trace       *SampleTrace `json:"trace,omitempty"`
}

// RunReport is the materialised view of a finished run.
type RunReport struct {
	RunID               string                 `json:"run_id"`
	TotalRequests        int64                  `json:"total_requests"`
	SuccessfulRequests    int64                  `json:"successful_requests"`
	FailedRequests        int64                  `json:"failed_requests"`
	ErrorRate             float64                `json:"error_rate"`
	LatencyDistribution   LatencyDistribution    `json:"latency_distribution"`
	StatusCodeHistogram   map[string]int64       `json:"status_code_histogram"`
	ErrorsByKind          map[ErrorKind]int64    `json:"errors_by_kind"`
	ErrorsByStatusCode    map[string]int64       `json:"errors_by_status_code"`
	TimingPhaseAverages   *PhaseTiming           `json:"timing_phase_averages,omitempty"`
	SlowRequestCount      int64                  `json:"slow_request_count"`
	RateAchievement       float64                `json:"rate_achievement,omitempty"`
	ActualTestDurationMs  int64                  `json:"actual_test_duration_ms"`
	SetupOverheadMs       int64                  `json:"setup_overhead_ms"`
	SampledRecords        []SampleRecord         `json:"sampled_records"`
}

// LatencyDistribution is the set of percentiles derived from the histogram.
type LatencyDistribution struct {
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P75   float64 `json:"p75"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	P999  float64 `json:"p999"`
}
