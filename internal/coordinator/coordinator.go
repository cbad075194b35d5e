// Package coordinator owns a run's full lifecycle: resolving variables,
// instantiating the transport/event-loop/strategy/aggregator quartet,
// driving the state machine of spec.md §3, and handing back the finished
// report.
//
// Adapted from the teacher's internal/controlplane/runmanager.RunManager
// (mutex-guarded map[string]*RunRecord, monotonic CanTransition state
// machine, run-id generation) collapsed from its distributed
// multi-worker/multi-stage shape to the five-state, single-process model —
// see DESIGN.md.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/apiforge/internal/artifacts"
	"github.com/bc-dunia/apiforge/internal/config"
	"github.com/bc-dunia/apiforge/internal/events"
	"github.com/bc-dunia/apiforge/internal/eventloop"
	"github.com/bc-dunia/apiforge/internal/hostmetrics"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/metrics"
	"github.com/bc-dunia/apiforge/internal/otel"
	"github.com/bc-dunia/apiforge/internal/queue"
	"github.com/bc-dunia/apiforge/internal/sandbox"
	"github.com/bc-dunia/apiforge/internal/strategy"
	"github.com/bc-dunia/apiforge/internal/transport"
	"github.com/bc-dunia/apiforge/internal/variables"
)

const defaultGracePeriod = 5 * time.Second

// warmUpWindow bounds how long a run tolerates an all-failure streak before
// it is declared failed outright, per spec.md §3's "every request fails
// during a warm-up window" unrecoverable-error clause.
const warmUpWindow = 1 * time.Second
const warmUpMinSamples = 5

// hostCheckInterval bounds how often an active run polls the daemon's own
// resource usage for the host_saturation warning.
const hostCheckInterval = 5 * time.Second
const hostSaturationCPUPercent = 90.0
const hostSaturationMemPercent = 90.0

// loopStatsInterval is how often driveRun folds the event loop's dispatch
// counters into the aggregator (dispatched-vs-completed backpressure,
// connections_active, and the dispatched total used for send_rate/rps).
const loopStatsInterval = 100 * time.Millisecond

// Store persists run rows, snapshots, and final reports. Implemented by
// internal/persistence.Store; kept as an interface here so the coordinator
// does not import the storage engine directly, mirroring the aggregator's
// TestScriptRunner decoupling.
type Store interface {
	SaveRun(run loadmodel.Run) error
	UpdateRunStatus(runID string, status loadmodel.RunStatus, endTimeMs *int64) error
	SaveReport(report loadmodel.RunReport) error
}

// managedRun is the coordinator's live bookkeeping for one run, analogous
// to the teacher's RunRecord.
type managedRun struct {
	mu     sync.Mutex
	run    loadmodel.Run
	report *loadmodel.RunReport

	client  *transport.Client
	loop    *eventloop.Loop
	agg     *metrics.Aggregator
	tracker *metrics.ConnectionTracker
	out     *queue.SPSC[eventloop.Sample]

	setupOverheadMs int64

	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested atomic.Bool
}

// Coordinator manages every run's lifecycle for one daemon process.
type Coordinator struct {
	mu   sync.RWMutex
	runs map[string]*managedRun

	store      Store
	sandbox    *sandbox.Sandbox
	onSnapshot func(loadmodel.MetricSnapshot)
	logger     *events.EventLogger
	hostSampler *hostmetrics.Sampler
	artifacts   artifacts.Store

	gracePeriod time.Duration
	runSeq      atomic.Int64
}

// New builds a Coordinator. store may be nil to disable persistence;
// onSnapshot is invoked for every metric emitted by any active run's
// aggregator, labeled by RunID — the control surface's SSE handler fans
// these out per-subscriber. A background hostmetrics.Sampler starts
// immediately and runs for the Coordinator's lifetime.
func New(store Store, sb *sandbox.Sandbox, onSnapshot func(loadmodel.MetricSnapshot)) *Coordinator {
	sampler := hostmetrics.NewSampler(hostCheckInterval)
	sampler.Start(context.Background())
	return &Coordinator{
		runs:        make(map[string]*managedRun),
		store:       store,
		sandbox:     sb,
		onSnapshot:  onSnapshot,
		logger:      events.GetGlobalEventLogger(),
		hostSampler: sampler,
		gracePeriod: defaultGracePeriod,
	}
}

// Shutdown stops the background host-resource sampler. Call once when the
// daemon process exits.
func (c *Coordinator) Shutdown() {
	c.hostSampler.Stop()
}

// HostSnapshot returns the daemon's most recently sampled CPU/memory usage.
func (c *Coordinator) HostSnapshot() hostmetrics.Sample {
	return c.hostSampler.Snapshot()
}

// SetArtifactStore wires a filesystem-backed artifacts.Store that receives
// a JSON copy of every finished run's report, independent of (and in
// addition to) the SQLite Store. Optional: nil disables artifact capture.
func (c *Coordinator) SetArtifactStore(store artifacts.Store) {
	c.artifacts = store
}

// SetGracePeriod overrides the default 5s stop() grace period.
func (c *Coordinator) SetGracePeriod(d time.Duration) {
	if d > 0 {
		c.gracePeriod = d
	}
}

func (c *Coordinator) generateRunID() string {
	seq := c.runSeq.Add(1)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)))
	return "run_" + hex.EncodeToString(sum[:])[:20]
}

// StartLoad validates profile, creates the run row in pending state, then
// wires the transport/event-loop/strategy/aggregator quartet and transitions
// to running. Returns the new run's ID.
func (c *Coordinator) StartLoad(parent context.Context, tmpl loadmodel.HTTPRequestTemplate, profile loadmodel.LoadProfile, env *variables.Environment, transportCfg transport.Config, aggCfg metrics.Config) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}

	setupStart := time.Now()
	runID := c.generateRunID()
	nowMs := setupStart.UnixMilli()
	run := loadmodel.Run{
		ID:          runID,
		Type:        loadmodel.RunTypeLoad,
		Status:      loadmodel.RunStatusPending,
		StartTimeMs: nowMs,
	}

	mr := &managedRun{run: run, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[runID] = mr
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveRun(run); err != nil {
			c.logger.LogPersistenceRetry("save_run", 1, 0, err)
		}
	}

	om := otel.GetGlobalMetrics()

	tracker := metrics.NewConnectionTracker(1000)
	transportCfg.OnDial = func(reused bool) {
		tracker.RecordDial(reused, false)
		if reused {
			om.RecordConnectionReuse(parent)
		}
	}
	client := transport.New(transportCfg)

	out := queue.New[eventloop.Sample](4096)
	runCtx, cancel := context.WithCancel(parent)
	loop := eventloop.New(runCtx, runID, client, initialInFlightCap(profile), out)

	var runner metrics.TestScriptRunner
	if tmpl.TestScript != "" && c.sandbox != nil {
		runner = c.sandbox
	}
	agg := metrics.NewAggregator(runID, aggCfg, runner, env, c.onSnapshot)
	if profile.Mode == loadmodel.ModeIterations {
		agg.SetExpected(int64(profile.Iterations))
	}

	mr.mu.Lock()
	mr.client, mr.loop, mr.agg, mr.tracker, mr.out, mr.cancel = client, loop, agg, tracker, out, cancel
	mr.mu.Unlock()

	agg.Start(runCtx, out)
	c.transition(mr, loadmodel.RunStatusRunning, "strategy_started")
	om.IncrementRuns(parent)

	mr.mu.Lock()
	mr.setupOverheadMs = time.Since(setupStart).Milliseconds()
	mr.mu.Unlock()

	nextRequest := c.buildRequestFactory(runCtx, tmpl, env)

	go c.driveRun(runCtx, mr, profile, loop, agg, client, out, nextRequest)

	return runID, nil
}

// buildRequestFactory resolves tmpl against env on every call, running the
// pre-request script first when present. A script failure does not abort
// the request: the request as resolved before the script ran is returned
// and dispatched as usual, and no script_error response is recorded for it.
func (c *Coordinator) buildRequestFactory(ctx context.Context, tmpl loadmodel.HTTPRequestTemplate, env *variables.Environment) strategy.RequestFactory {
	return func(iteration int64) loadmodel.ResolvedRequest {
		resolved := variables.Resolve(tmpl, env)
		if tmpl.PreScript != "" && c.sandbox != nil {
			if _, err := c.sandbox.RunPreRequest(ctx, tmpl.PreScript, resolved, env); err != nil {
				return resolved
			}
			resolved = variables.Resolve(tmpl, env)
		}
		return resolved
	}
}

func (c *Coordinator) driveRun(ctx context.Context, mr *managedRun, profile loadmodel.LoadProfile, loop *eventloop.Loop, agg *metrics.Aggregator, client *transport.Client, out *queue.SPSC[eventloop.Sample], nextRequest strategy.RequestFactory) {
	defer close(mr.done)

	warmUpDeadline := time.Now().Add(warmUpWindow)
	stopWarmUpWatch := make(chan struct{})
	warmUpFailed := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWarmUpWatch:
				return
			case now := <-ticker.C:
				if now.After(warmUpDeadline) {
					return
				}
				stats := loop.Stats()
				if stats.Completed >= warmUpMinSamples {
					report := agg.Report()
					if report.TotalRequests > 0 && report.FailedRequests == report.TotalRequests {
						select {
						case warmUpFailed <- struct{}{}:
						default:
						}
					}
					return
				}
			}
		}
	}()

	stopHostWatch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(hostCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHostWatch:
				return
			case <-ticker.C:
				snap := c.hostSampler.Snapshot()
				if snap.HostCPUPercent >= hostSaturationCPUPercent || snap.HostMemPercent >= hostSaturationMemPercent {
					c.logger.LogHostSaturation(snap.HostCPUPercent, snap.HostMemPercent)
				}
			}
		}
	}()
	defer close(stopHostWatch)

	stopLoopStatsWatch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(loopStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopLoopStatsWatch:
				return
			case <-ticker.C:
				agg.RecordLoopStats(loop.Stats())
			}
		}
	}()
	defer close(stopLoopStatsWatch)

	strategyDone := make(chan error, 1)
	go func() { strategyDone <- strategy.Run(ctx, profile, loop, nextRequest) }()

	var terminal loadmodel.RunStatus
	select {
	case <-warmUpFailed:
		close(stopWarmUpWatch)
		loop.Cancel()
		<-strategyDone
		terminal = loadmodel.RunStatusFailed
	case <-strategyDone:
		close(stopWarmUpWatch)
		loop.Drain(c.gracePeriod)
		if mr.stopRequested.Load() {
			terminal = loadmodel.RunStatusStopped
		} else {
			terminal = loadmodel.RunStatusCompleted
		}
	}

	agg.Stop(out)
	client.Close()
	otel.GetGlobalMetrics().DecrementRuns(ctx)
	report := agg.Report()

	mr.mu.Lock()
	report.SetupOverheadMs = mr.setupOverheadMs
	mr.report = &report
	mr.mu.Unlock()

	c.transition(mr, terminal, string(terminal))

	if c.store != nil {
		if err := c.store.SaveReport(report); err != nil {
			c.logger.LogPersistenceRetry("save_report", 1, 0, err)
		}
	}

	if c.artifacts != nil {
		if data, err := json.Marshal(report); err == nil {
			if _, err := c.artifacts.SaveArtifact(report.RunID, artifacts.ArtifactTypeReport, "report.json", data); err != nil {
				c.logger.LogPersistenceRetry("save_artifact", 1, 0, err)
			}
		}
		if data, err := json.Marshal(profile); err == nil {
			if _, err := c.artifacts.SaveArtifact(report.RunID, artifacts.ArtifactTypeConfig, "load_profile.json", data); err != nil {
				c.logger.LogPersistenceRetry("save_artifact", 1, 0, err)
			}
		}
		if data, err := json.Marshal(report.SampledRecords); err == nil {
			if _, err := c.artifacts.SaveArtifact(report.RunID, artifacts.ArtifactTypeSamples, "samples.json", data); err != nil {
				c.logger.LogPersistenceRetry("save_artifact", 1, 0, err)
			}
		}
	}
}

func (c *Coordinator) transition(mr *managedRun, to loadmodel.RunStatus, reason string) {
	mr.mu.Lock()
	from := mr.run.Status
	if !CanTransition(from, to) {
		mr.mu.Unlock()
		return
	}
	mr.run.Status = to
	if to == loadmodel.RunStatusCompleted || to == loadmodel.RunStatusStopped || to == loadmodel.RunStatusFailed {
		endMs := time.Now().UnixMilli()
		mr.run.EndTimeMs = &endMs
	}
	run := mr.run
	mr.mu.Unlock()

	if c.logger != nil {
		c.logger.LogRunTransition(string(from), string(to), reason)
	}
	if c.store != nil {
		if err := c.store.UpdateRunStatus(run.ID, to, run.EndTimeMs); err != nil {
			c.logger.LogPersistenceRetry("update_run_status", 1, 0, err)
		}
	}
}

// Stop cancels the run's context: the strategy dispatches nothing further
// and every in-flight request is cancelled at once (each completes with a
// timeout error). The configured grace period is not applied on this path.
// The run then transitions to stopped.
func (c *Coordinator) Stop(runID string) error {
	mr, ok := c.get(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	mr.mu.Lock()
	cancel := mr.cancel
	mr.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("run %s has no cancellable context", runID)
	}
	mr.stopRequested.Store(true)
	cancel()
	return nil
}

// Get returns the run record and, if finished, its report.
func (c *Coordinator) Get(runID string) (loadmodel.Run, *loadmodel.RunReport, bool) {
	mr, ok := c.get(runID)
	if !ok {
		return loadmodel.Run{}, nil, false
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.run, mr.report, true
}

// List returns every run known to this process, most recently started
// first.
func (c *Coordinator) List() []loadmodel.Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]loadmodel.Run, 0, len(c.runs))
	for _, mr := range c.runs {
		mr.mu.Lock()
		out = append(out, mr.run)
		mr.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTimeMs > out[j].StartTimeMs })
	return out
}

// Delete removes a finished run from memory. Returns false if the run is
// still active or unknown.
func (c *Coordinator) Delete(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mr, ok := c.runs[runID]
	if !ok {
		return false
	}
	mr.mu.Lock()
	status := mr.run.Status
	mr.mu.Unlock()
	if status == loadmodel.RunStatusPending || status == loadmodel.RunStatusRunning {
		return false
	}
	delete(c.runs, runID)
	return true
}

// ConnectionSnapshot returns the run's transport connection-reuse counters,
// for diagnostics in the run report view.
func (c *Coordinator) ConnectionSnapshot(runID string) (metrics.ConnectionSnapshot, bool) {
	mr, ok := c.get(runID)
	if !ok {
		return metrics.ConnectionSnapshot{}, false
	}
	mr.mu.Lock()
	tracker := mr.tracker
	mr.mu.Unlock()
	if tracker == nil {
		return metrics.ConnectionSnapshot{}, false
	}
	return tracker.Snapshot(), true
}

// DesignResult is returned by ExecuteDesign: the dispatched response plus
// the post-response test script's outcome, if any.
type DesignResult struct {
	Response loadmodel.ResponseRecord
	Script   sandbox.Result
}

// ExecuteDesign dispatches a single resolved request outside of any load
// profile — spec.md §6's "execute one request" operation — and persists the
// outcome as a design-type Run. Pre/test scripts run against env exactly as
// they would for one iteration of a load run.
func (c *Coordinator) ExecuteDesign(ctx context.Context, tmpl loadmodel.HTTPRequestTemplate, env *variables.Environment, transportCfg transport.Config) (string, DesignResult, error) {
	runID := c.generateRunID()
	nowMs := time.Now().UnixMilli()
	run := loadmodel.Run{ID: runID, Type: loadmodel.RunTypeDesign, Status: loadmodel.RunStatusPending, StartTimeMs: nowMs}

	mr := &managedRun{run: run, done: make(chan struct{})}
	close(mr.done)
	c.mu.Lock()
	c.runs[runID] = mr
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveRun(run); err != nil {
			c.logger.LogPersistenceRetry("save_run", 1, 0, err)
		}
	}

	c.transition(mr, loadmodel.RunStatusRunning, "design_dispatch")

	client := transport.New(transportCfg)
	defer client.Close()

	resolved := variables.Resolve(tmpl, env)
	if tmpl.PreScript != "" && c.sandbox != nil {
		if _, err := c.sandbox.RunPreRequest(ctx, tmpl.PreScript, resolved, env); err == nil {
			resolved = variables.Resolve(tmpl, env)
		}
	}

	timeoutMs := tmpl.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	spanCtx, span := otel.GetGlobalTracer().StartOperationSpan(ctx, otel.OperationSpanOptions{
		RunID:     runID,
		Method:    string(resolved.Method),
		URL:       resolved.URL,
		Operation: "dispatch",
	})
	resp := client.Execute(spanCtx, resolved, timeoutMs)
	if !resp.OK() {
		otel.RecordError(span, fmt.Errorf("%s", resp.Error.Message), string(resp.Error.Kind), false)
	}
	span.End()

	var script sandbox.Result
	if tmpl.TestScript != "" && c.sandbox != nil {
		script, _ = c.sandbox.RunTestScript(ctx, tmpl.TestScript, resolved, resp, env)
	}

	c.transition(mr, loadmodel.RunStatusCompleted, "design_dispatch_done")

	endMs := time.Now().UnixMilli()
	mr.mu.Lock()
	mr.run.EndTimeMs = &endMs
	mr.mu.Unlock()

	return runID, DesignResult{Response: resp, Script: script}, nil
}

// initialInFlightCap picks the Loop's starting in-flight ceiling. Open-model
// strategies (target_rps-driven) never call loop.SetConcurrency, so they
// need a generous ceiling from the start; closed-model and iterations
// strategies call SetConcurrency themselves before submitting anything.
func initialInFlightCap(profile loadmodel.LoadProfile) int {
	if profile.TargetRPS != nil {
		return config.DefaultMaxInFlight
	}
	return profile.EffectiveConcurrency()
}

func (c *Coordinator) get(runID string) (*managedRun, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mr, ok := c.runs[runID]
	return mr, ok
}
