// Package events provides structured event logging for the dispatcher,
// coordinator, and sandbox (spec §2, "Structured event names").
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger emits structured, JSON-encoded events tagged with the run and
// worker they originated from.
type EventLogger struct {
	logger   *slog.Logger
	runID    string
	workerID string
}

// NewEventLogger creates an EventLogger with JSON output to stdout, tagged
// with run_id and worker_id.
func NewEventLogger(runID, workerID string) *EventLogger {
	return newEventLogger(runID, workerID, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger with JSON output to an
// arbitrary writer. Useful for tests or redirecting output into the run's
// artifact store.
func NewEventLoggerWithWriter(runID, workerID string, w io.Writer) *EventLogger {
	return newEventLogger(runID, workerID, w)
}

func newEventLogger(runID, workerID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("run_id", runID, "worker_id", workerID)
	return &EventLogger{logger: logger, runID: runID, workerID: workerID}
}

// LogDispatchBacklog logs when the event loop's in-flight queue is backing
// up faster than the dispatcher can drain it.
// event: "dispatch_backlog"
// Attributes: queued, capacity, in_flight
func (el *EventLogger) LogDispatchBacklog(queued, capacity, inFlight int) {
	el.logger.Warn("dispatch_backlog",
		"queued", queued,
		"capacity", capacity,
		"in_flight", inFlight,
	)
}

// LogRunTransition logs a run lifecycle state transition.
// event: "run_transition"
// Attributes: from_state, to_state, reason
func (el *EventLogger) LogRunTransition(fromState, toState, reason string) {
	el.logger.Info("run_transition",
		"from_state", fromState,
		"to_state", toState,
		"reason", reason,
	)
}

// LogSampleDropped logs when the sample reservoir discards a trace because
// it is full and the incoming sample lost the retention contest.
// event: "sample_dropped"
// Attributes: reason, reservoir_size
func (el *EventLogger) LogSampleDropped(reason string, reservoirSize int) {
	el.logger.Warn("sample_dropped",
		"reason", reason,
		"reservoir_size", reservoirSize,
	)
}

// LogScriptTimeout logs when a sandboxed script is interrupted for exceeding
// its wall-clock budget.
// event: "script_timeout"
// Attributes: script_kind, budget_ms
func (el *EventLogger) LogScriptTimeout(scriptKind string, budgetMs int64) {
	el.logger.Warn("script_timeout",
		"script_kind", scriptKind,
		"budget_ms", budgetMs,
	)
}

// LogPersistenceRetry logs a retried write against the embedded store.
// event: "persistence_retry"
// Attributes: operation, attempt, backoff_ms, err
func (el *EventLogger) LogPersistenceRetry(operation string, attempt int, backoffMs int64, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	el.logger.Warn("persistence_retry",
		"operation", operation,
		"attempt", attempt,
		"backoff_ms", backoffMs,
		"err", errStr,
	)
}

// LogGracePeriodExpired logs when a stop() grace period elapsed before all
// in-flight requests drained, forcing the run to complete.
// event: "grace_period_expired"
// Attributes: run_id, in_flight_remaining, grace_period_ms
func (el *EventLogger) LogGracePeriodExpired(runID string, inFlightRemaining int, gracePeriodMs int64) {
	el.logger.Warn("grace_period_expired",
		"run_id", runID,
		"in_flight_remaining", inFlightRemaining,
		"grace_period_ms", gracePeriodMs,
	)
}

// LogHostSaturation logs when the daemon's own host resource usage crosses a
// threshold during a run, flagging that the load generator itself — not the
// target — may be the bottleneck behind observed latency or throughput.
// event: "host_saturation"
// Attributes: cpu_percent, mem_percent
func (el *EventLogger) LogHostSaturation(cpuPercent, memPercent float64) {
	el.logger.Warn("host_saturation",
		"cpu_percent", cpuPercent,
		"mem_percent", memPercent,
	)
}

var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the process-wide event logger. Passing nil
// clears it, reverting GetGlobalEventLogger to the shared no-op instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger, or a shared no-op
// logger if none has been set.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns a shared event logger that discards all events.
// The returned instance is a process-wide singleton: repeated calls return
// the same pointer.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
		noopLogger = &EventLogger{logger: slog.New(handler)}
	})
	return noopLogger
}
