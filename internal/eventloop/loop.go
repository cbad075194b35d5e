package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/apiforge/internal/events"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/otel"
	"github.com/bc-dunia/apiforge/internal/queue"
	"github.com/bc-dunia/apiforge/internal/transport"
)

// Job is one unit of dispatch work: a resolved request plus the bookkeeping
// a strategy needs to attribute the eventual sample back to its iteration.
type Job struct {
	Request        loadmodel.ResolvedRequest
	TimeoutMs      int64
	IterationIndex int64
	SubmittedAt    time.Time
}

// Sample is what the loop pushes onto its output queue: a completed
// response paired with the job that produced it.
type Sample struct {
	Job      Job
	Response loadmodel.ResponseRecord
	EndedAt  time.Time
}

// Stats is a point-in-time snapshot of the loop's internal counters.
type Stats struct {
	Submitted int64
	Completed int64
	Dropped   int64
	InFlight  int
	Capacity  int
}

// Loop is the worker pool described in spec §4.3. Every submitted job
// acquires an in-flight slot, executes synchronously against the shared
// transport.Client in its own goroutine, and pushes the resulting Sample
// onto the SPSC output queue — mirroring the teacher's
// InFlightLimiter.Acquire/Release pairing in internal/vu/executor.go, with
// the VU-session bookkeeping dropped since there is no session concept
// here.
type Loop struct {
	runID    string
	client   *transport.Client
	inFlight *InFlightLimiter
	out      *queue.SPSC[Sample]
	logger   *events.EventLogger
	tracer   *otel.Tracer
	metrics  *otel.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

// New builds a Loop bounded to maxInFlight concurrent requests, writing
// completed samples to out. runID tags every dispatch span and is the
// closest analogue here to the teacher's per-VU-session identity.
func New(parent context.Context, runID string, client *transport.Client, maxInFlight int, out *queue.SPSC[Sample]) *Loop {
	ctx, cancel := context.WithCancel(parent)
	return &Loop{
		runID:    runID,
		client:   client,
		inFlight: NewInFlightLimiter(maxInFlight),
		out:      out,
		logger:   events.GetGlobalEventLogger(),
		tracer:   otel.GetGlobalTracer(),
		metrics:  otel.GetGlobalMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit blocks until an in-flight slot is available (or the loop's context
// is cancelled), then dispatches job asynchronously. It returns immediately
// once the slot is claimed; the caller does not wait for the response.
func (l *Loop) Submit(job Job) error {
	if err := l.inFlight.Acquire(l.ctx); err != nil {
		return err
	}
	l.dispatch(job)
	return nil
}

// TrySubmit is the non-blocking variant used by open-model strategies,
// which must not stall their pacing goroutine waiting for a slot. Returns
// false if the pool is saturated; the job is not dispatched. Callers (see
// internal/strategy's drainBacklog) are responsible for queuing a job that
// TrySubmit rejects rather than discarding it, per spec's open-model
// backpressure accounting.
func (l *Loop) TrySubmit(job Job) bool {
	if !l.inFlight.TryAcquire() {
		return false
	}
	l.dispatch(job)
	return true
}

// dispatch runs job in its own goroutine. The caller must already hold an
// in-flight slot; dispatch releases it on completion.
func (l *Loop) dispatch(job Job) {
	l.submitted.Add(1)
	job.SubmittedAt = time.Now()

	l.metrics.AddInFlight(1)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.inFlight.Release()
		defer l.metrics.AddInFlight(-1)

		spanCtx, span := l.tracer.StartOperationSpan(l.ctx, otel.OperationSpanOptions{
			RunID:          l.runID,
			IterationIndex: job.IterationIndex,
			Method:         string(job.Request.Method),
			URL:            job.Request.URL,
			Operation:      "dispatch",
		})

		start := time.Now()
		resp := l.client.Execute(spanCtx, job.Request, job.TimeoutMs)
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		success := resp.OK()
		l.metrics.RecordRequestLatency(spanCtx, string(job.Request.Method), latencyMs, success)
		if !success {
			otel.RecordError(span, errors.New(resp.Error.Message), string(resp.Error.Kind), false)
			l.metrics.RecordError(spanCtx, string(resp.Error.Kind))
		}
		span.End()

		sample := Sample{Job: job, Response: resp, EndedAt: time.Now()}
		l.completed.Add(1)

		if !l.out.Push(sample) {
			l.dropped.Add(1)
			l.metrics.RecordBackpressure(l.ctx)
			if l.logger != nil {
				l.logger.LogDispatchBacklog(l.out.Size(), l.out.Capacity(), l.inFlight.Current())
			}
		}
	}()
}

// RecordBacklog reports the current depth of an open-model strategy's
// scheduled-departure backlog (see internal/strategy's drainBacklog): a
// non-zero depth means the pool stayed saturated across ticks and
// departures are queuing rather than being dropped. Increments the
// backpressure counter and logs dispatch_backlog once per non-empty depth.
func (l *Loop) RecordBacklog(depth int) {
	if depth <= 0 {
		return
	}
	l.metrics.RecordBackpressure(l.ctx)
	if l.logger != nil {
		l.logger.LogDispatchBacklog(depth, l.inFlight.Max(), l.inFlight.Current())
	}
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Submitted: l.submitted.Load(),
		Completed: l.completed.Load(),
		Dropped:   l.dropped.Load(),
		InFlight:  l.inFlight.Current(),
		Capacity:  l.inFlight.Max(),
	}
}

// SetConcurrency adjusts the in-flight ceiling live (ramp_up strategy).
func (l *Loop) SetConcurrency(max int) {
	l.inFlight.SetMax(max)
}

// Cancel stops the loop from accepting further work and cancels every
// in-flight request's context immediately.
func (l *Loop) Cancel() {
	l.cancel()
}

// Drain waits for all dispatched-but-not-yet-completed requests to finish,
// up to gracePeriod. If the grace period elapses first, it cancels
// in-flight requests and logs grace_period_expired, then returns once they
// unwind.
func (l *Loop) Drain(gracePeriod time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(gracePeriod):
		remaining := l.inFlight.Current()
		if l.logger != nil {
			l.logger.LogGracePeriodExpired("", remaining, gracePeriod.Milliseconds())
		}
		l.cancel()
		<-done
	}
}
