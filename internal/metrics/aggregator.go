// Package metrics is the aggregator of spec §4.6/§4.7: it exclusively owns
// the per-run latency histogram and sample reservoir, consumes completed
// eventloop.Sample values, runs the per-request test script, and emits
// periodic loadmodel.MetricSnapshot values. No other package may read
// the histogram or reservoir directly — callers receive only snapshots
// and reports, per spec's "aggregator owns the histogram and sample
// reservoir exclusively" invariant.
//
// Grounded on the teacher's internal/telemetry.Collector (Start/Stop
// lifecycle over a context, periodic flush ticker, drain-on-shutdown) and
// internal/telemetry.Emitter (the onSnapshot sink plays the emitter's
// role); the histogram/reservoir themselves are internal/sampling, a
// redesign away from internal/analysis/aggregator.go's sort-and-index
// computePercentile — see DESIGN.md.
package metrics

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/apiforge/internal/eventloop"
	"github.com/bc-dunia/apiforge/internal/events"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/queue"
	"github.com/bc-dunia/apiforge/internal/sampling"
	"github.com/bc-dunia/apiforge/internal/sandbox"
	"github.com/bc-dunia/apiforge/internal/variables"
)

// TestScriptRunner is the subset of *sandbox.Sandbox the aggregator needs,
// isolated as an interface so tests can stub script execution.
type TestScriptRunner interface {
	RunTestScript(ctx context.Context, script string, req loadmodel.ResolvedRequest, resp loadmodel.ResponseRecord, env *variables.Environment) (sandbox.Result, error)
}

// Config governs sampling policy and emission cadence for one run's
// Aggregator. Zero values fall back to internal/config's defaults via
// NewAggregator.
type Config struct {
	SnapshotIntervalMs     int64
	SuccessSampleRate      float64
	SlowThresholdMs        float64
	CaptureTimingBreakdown bool
	ReservoirCapacity      int
	TestScript             string
	RNGSeed                int64
}

// Aggregator consumes one run's completed samples and maintains its
// histogram, reservoir, and counters.
type Aggregator struct {
	runID  string
	cfg    Config
	hist   *sampling.Histogram
	reservoir *sampling.Reservoir
	runner TestScriptRunner
	env    *variables.Environment
	onSnapshot func(loadmodel.MetricSnapshot)
	logger *events.EventLogger

	startedAt time.Time

	mu           sync.Mutex
	statusCounts map[int]int64
	errorsByKind map[loadmodel.ErrorKind]int64

	totalRequests      atomic.Int64
	dispatchedTotal    atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	testsPassed        atomic.Int64
	testsFailed        atomic.Int64
	testsSampled       atomic.Int64
	testsValidating    atomic.Int64
	requestsExpected   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator builds an Aggregator for runID. runner and env may be nil
// if the run's request template carries no test script. onSnapshot is
// invoked once per metric per emission tick; it must not block.
func NewAggregator(runID string, cfg Config, runner TestScriptRunner, env *variables.Environment, onSnapshot func(loadmodel.MetricSnapshot)) *Aggregator {
	if cfg.SnapshotIntervalMs <= 0 {
		cfg.SnapshotIntervalMs = 100
	}
	if cfg.ReservoirCapacity <= 0 {
		cfg.ReservoirCapacity = 10000
	}
	return &Aggregator{
		runID:        runID,
		cfg:          cfg,
		hist:         sampling.NewHistogram(),
		reservoir: sampling.NewReservoir(sampling.Policy{
			SuccessSampleRate:      cfg.SuccessSampleRate,
			SlowThresholdMs:        cfg.SlowThresholdMs,
			CaptureTimingBreakdown: cfg.CaptureTimingBreakdown,
			Capacity:               cfg.ReservoirCapacity,
		}, cfg.RNGSeed),
		runner:     runner,
		env:        env,
		onSnapshot: onSnapshot,
		logger:     events.GetGlobalEventLogger(),
	}
}

// SetExpected records the run's planned total request count (known ahead
// of time for the iterations strategy; estimated by the coordinator for
// rate-based strategies), surfaced as the requests_expected metric.
func (a *Aggregator) SetExpected(n int64) {
	a.requestsExpected.Store(n)
}

// Start launches the consumer loop (draining in) and the periodic
// snapshot-emission loop. Stop must be called to release both goroutines.
func (a *Aggregator) Start(parent context.Context, in *queue.SPSC[eventloop.Sample]) {
	a.startedAt = time.Now()
	a.ctx, a.cancel = context.WithCancel(parent)

	a.mu.Lock()
	a.statusCounts = make(map[int]int64)
	a.errorsByKind = make(map[loadmodel.ErrorKind]int64)
	a.mu.Unlock()

	a.wg.Add(2)
	go a.consumeLoop(in)
	go a.snapshotLoop()
}

// Stop cancels both loops and waits for them to exit, draining any
// remaining queued samples first so the final report reflects every
// completed request.
func (a *Aggregator) Stop(in *queue.SPSC[eventloop.Sample]) {
	a.cancel()
	a.wg.Wait()
	a.drainRemaining(in)
}

func (a *Aggregator) drainRemaining(in *queue.SPSC[eventloop.Sample]) {
	var s eventloop.Sample
	for in.Pop(&s) {
		a.record(s)
	}
}

// consumeLoop pulls completed samples off the SPSC queue. The queue has no
// blocking pop, so an empty read backs off briefly rather than spinning.
func (a *Aggregator) consumeLoop(in *queue.SPSC[eventloop.Sample]) {
	defer a.wg.Done()
	idle := time.NewTimer(time.Millisecond)
	defer idle.Stop()

	var s eventloop.Sample
	for {
		if in.Pop(&s) {
			a.record(s)
			continue
		}
		select {
		case <-a.ctx.Done():
			return
		case <-idle.C:
			idle.Reset(time.Millisecond)
		}
	}
}

func (a *Aggregator) record(s eventloop.Sample) {
	resp := s.Response
	latencyMs := resp.Timing.TotalMs
	if latencyMs == 0 && !s.EndedAt.IsZero() && !s.Job.SubmittedAt.IsZero() {
		latencyMs = float64(s.EndedAt.Sub(s.Job.SubmittedAt).Milliseconds())
	}

	isError := resp.Error.Kind != loadmodel.ErrorNone || resp.Status >= 500

	a.totalRequests.Add(1)
	if isError {
		a.failedRequests.Add(1)
	} else {
		a.successfulRequests.Add(1)
	}
	a.hist.Observe(latencyMs)

	a.mu.Lock()
	if resp.Status != 0 {
		a.statusCounts[resp.Status]++
	}
	if resp.Error.Kind != loadmodel.ErrorNone {
		a.errorsByKind[resp.Error.Kind]++
	}
	a.mu.Unlock()

	record := loadmodel.SampleRecord{
		RunID:       a.runID,
		TimestampMs: s.EndedAt.UnixMilli(),
		StatusCode:  resp.Status,
		LatencyMs:   latencyMs,
	}
	if isError {
		errCopy := resp.Error
		record.Error = &errCopy
	}
	if a.cfg.CaptureTimingBreakdown {
		record.Trace = &loadmodel.SampleTrace{
			RequestHeaders:  s.Job.Request.Headers,
			RequestBody:     s.Job.Request.Body.Content,
			ResponseHeaders: resp.ResponseHeaders,
			ResponseBody:    resp.BodyBytes,
			Timing:          resp.Timing,
		}
	}
	a.reservoir.Offer(record)

	if a.cfg.TestScript != "" && a.runner != nil {
		a.testsSampled.Add(1)
		a.testsValidating.Add(1)
		result, err := a.runner.RunTestScript(a.ctx, a.cfg.TestScript, s.Job.Request, resp, a.env)
		a.testsValidating.Add(-1)
		if err == nil {
			if result.Success {
				a.testsPassed.Add(1)
			} else {
				a.testsFailed.Add(1)
			}
		}
	}
}

func (a *Aggregator) snapshotLoop() {
	defer a.wg.Done()
	interval := time.Duration(a.cfg.SnapshotIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastEmit := time.Now()
	var lastCompleted, lastDispatched int64

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			lastCompleted, lastDispatched = a.emit(now, lastEmit, lastCompleted, lastDispatched)
			lastEmit = now
		}
	}
}

// emit computes and publishes one snapshot tick. send_rate/rps track the
// dispatch rate (departures handed to the event loop, including ones the
// coordinator has reported via RecordLoopStats) and throughput tracks the
// completion rate (samples actually recorded here) — these diverge under
// backpressure, when dispatches are outrunning completions.
func (a *Aggregator) emit(now, lastEmit time.Time, lastCompleted, lastDispatched int64) (int64, int64) {
	if a.onSnapshot == nil {
		return lastCompleted, lastDispatched
	}

	snap := a.hist.Snapshot()
	total := a.totalRequests.Load()
	dispatched := a.dispatchedTotal.Load()
	failed := a.failedRequests.Load()
	ts := now.UnixMilli()

	elapsed := now.Sub(lastEmit).Seconds()
	throughput := 0.0
	sendRate := 0.0
	if elapsed > 0 {
		throughput = float64(total-lastCompleted) / elapsed
		sendRate = float64(dispatched-lastDispatched) / elapsed
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}

	emit := func(name loadmodel.MetricName, value float64, labels map[string]string) {
		a.onSnapshot(loadmodel.MetricSnapshot{RunID: a.runID, TimestampMs: ts, Name: name, Value: value, Labels: labels})
	}

	emit(loadmodel.MetricTotalRequests, float64(total), nil)
	emit(loadmodel.MetricCompleted, float64(total), nil)
	emit(loadmodel.MetricErrorRate, errorRate, nil)
	emit(loadmodel.MetricRequestsSent, float64(dispatched), nil)
	emit(loadmodel.MetricSendRate, sendRate, nil)
	emit(loadmodel.MetricRPS, sendRate, nil)
	emit(loadmodel.MetricThroughput, throughput, nil)
	emit(loadmodel.MetricRequestsExpected, float64(a.requestsExpected.Load()), nil)
	emit(loadmodel.MetricLatencyAvg, snap.Avg, nil)
	emit(loadmodel.MetricLatencyP50, snap.P50, nil)
	emit(loadmodel.MetricLatencyP75, snap.P75, nil)
	emit(loadmodel.MetricLatencyP90, snap.P90, nil)
	emit(loadmodel.MetricLatencyP95, snap.P95, nil)
	emit(loadmodel.MetricLatencyP99, snap.P99, nil)
	emit(loadmodel.MetricLatencyP999, snap.P999, nil)
	emit(loadmodel.MetricTestsValidating, float64(a.testsValidating.Load()), nil)
	emit(loadmodel.MetricTestsPassed, float64(a.testsPassed.Load()), nil)
	emit(loadmodel.MetricTestsFailed, float64(a.testsFailed.Load()), nil)
	emit(loadmodel.MetricTestsSampled, float64(a.testsSampled.Load()), nil)

	a.mu.Lock()
	for code, count := range a.statusCounts {
		emit(loadmodel.MetricStatusCodes, float64(count), map[string]string{"code": strconv.Itoa(code)})
	}
	a.mu.Unlock()

	return total, dispatched
}

// RecordLoopStats folds in the dispatcher's own counters: it records the
// cumulative dispatched count (used by emit to compute send_rate/rps
// independently of the completion-based throughput rate) and publishes the
// backpressure and connections_active metrics. backpressure is a count
// per spec §4.6 — dispatched minus completed, i.e. how many departures are
// outstanding beyond what's already finished — not a percentage of
// capacity. The coordinator calls this once per snapshot tick with the
// eventloop's latest Stats.
func (a *Aggregator) RecordLoopStats(stats eventloop.Stats) {
	a.dispatchedTotal.Store(stats.Submitted)
	if a.onSnapshot == nil {
		return
	}
	backpressure := float64(stats.Submitted - stats.Completed)
	ts := time.Now().UnixMilli()
	a.onSnapshot(loadmodel.MetricSnapshot{RunID: a.runID, TimestampMs: ts, Name: loadmodel.MetricBackpressure, Value: backpressure})
	a.onSnapshot(loadmodel.MetricSnapshot{RunID: a.runID, TimestampMs: ts, Name: loadmodel.MetricConnectionsActive, Value: float64(stats.InFlight)})
}

// Report materialises the final loadmodel.RunReport for the run. Callers
// should invoke this only after Stop has returned.
func (a *Aggregator) Report() loadmodel.RunReport {
	snap := a.hist.Snapshot()
	total := a.totalRequests.Load()
	success := a.successfulRequests.Load()
	failed := a.failedRequests.Load()

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}

	a.mu.Lock()
	statusHist := make(map[string]int64, len(a.statusCounts))
	for code, count := range a.statusCounts {
		statusHist[strconv.Itoa(code)] = count
	}
	errByKind := make(map[loadmodel.ErrorKind]int64, len(a.errorsByKind))
	for kind, count := range a.errorsByKind {
		errByKind[kind] = count
	}
	a.mu.Unlock()

	slowCount := int64(0)
	samples := a.reservoir.Snapshot()
	for _, s := range samples {
		if a.cfg.SlowThresholdMs > 0 && s.LatencyMs >= a.cfg.SlowThresholdMs {
			slowCount++
		}
	}

	rateAchievement := 100.0
	expected := a.requestsExpected.Load()
	if expected > 0 {
		rateAchievement = float64(total) / float64(expected) * 100
	}

	return loadmodel.RunReport{
		RunID:              a.runID,
		TotalRequests:      total,
		SuccessfulRequests: success,
		FailedRequests:     failed,
		ErrorRate:          errorRate,
		LatencyDistribution: loadmodel.LatencyDistribution{
			Min: snap.Min, Avg: snap.Avg, Max: snap.Max,
			P50: snap.P50, P75: snap.P75, P90: snap.P90,
			P95: snap.P95, P99: snap.P99, P999: snap.P999,
		},
		StatusCodeHistogram:  statusHist,
		ErrorsByKind:         errByKind,
		SlowRequestCount:     slowCount,
		RateAchievement:      rateAchievement,
		ActualTestDurationMs: time.Since(a.startedAt).Milliseconds(),
		SampledRecords:       samples,
	}
}
