// Package strategy implements the four load strategies of spec §4.4,
// driving an *eventloop.Loop according to a loadmodel.LoadProfile.
//
// Grounded on the teacher's internal/vu/engine.go (Engine.Start/UpdateLoad,
// swarm-mode spawn ticker) and internal/vu/rate_limiter.go, generalised
// from per-VU spawning with a session manager to directly pacing
// eventloop.Loop submissions, since this domain has no session/connection
// concept to keep alive per virtual user.
package strategy

import (
	"context"
	"time"

	"github.com/bc-dunia/apiforge/internal/eventloop"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// RequestFactory produces the resolved request for one dispatch attempt,
// given a monotonically increasing iteration index. The coordinator
// supplies an implementation backed by internal/variables.
type RequestFactory func(iteration int64) loadmodel.ResolvedRequest

// Run drives loop according to profile until either ctx is cancelled or the
// strategy's own stop condition (duration elapsed / iteration count
// reached) is met. It blocks until the strategy is finished submitting; it
// does not wait for in-flight requests to complete — callers should follow
// with loop.Drain.
func Run(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory) error {
	switch profile.Mode {
	case loadmodel.ModeConstant:
		if profile.TargetRPS != nil {
			return runConstantOpen(ctx, profile, loop, nextRequest)
		}
		return runConstantClosed(ctx, profile, loop, nextRequest)
	case loadmodel.ModeRampUp:
		return runRampUp(ctx, profile, loop, nextRequest)
	case loadmodel.ModeIterations:
		return runIterations(ctx, profile, loop, nextRequest)
	default:
		return errUnknownMode(profile.Mode)
	}
}

type unknownModeError string

func (e unknownModeError) Error() string { return "unknown load mode: " + string(e) }

func errUnknownMode(m loadmodel.LoadMode) error { return unknownModeError(m) }

// runConstantOpen schedules departures at a fixed rate regardless of
// completion (open model): a tick that arrives while the pool is saturated
// is queued to an internal backlog rather than dropped, per spec §4.4.1's
// backpressure accounting.
func runConstantOpen(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory) error {
	rl := eventloop.NewRateLimiter(*profile.TargetRPS)
	deadline := time.Now().Add(time.Duration(profile.DurationMs) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var backlog []eventloop.Job
	var iter int64
	for {
		if err := rl.Acquire(ctx); err != nil {
			return nil
		}
		backlog = append(backlog, eventloop.Job{Request: nextRequest(iter), TimeoutMs: profile.PerRequestTimeoutMs})
		iter++
		backlog = drainBacklog(loop, backlog)
	}
}

// drainBacklog dispatches queued departures in FIFO order, stopping at the
// first one the pool can't yet accept so departure order is preserved, and
// returns the undispatched remainder for the next tick to retry. Reports
// the remaining depth to loop so a persistently non-empty backlog shows up
// as backpressure rather than silent drops.
func drainBacklog(loop *eventloop.Loop, backlog []eventloop.Job) []eventloop.Job {
	i := 0
	for i < len(backlog) {
		if !loop.TrySubmit(backlog[i]) {
			break
		}
		i++
	}
	remaining := append([]eventloop.Job(nil), backlog[i:]...)
	loop.RecordBacklog(len(remaining))
	return remaining
}

// runConstantClosed holds a fixed number of concurrent in-flight requests
// (closed model): one dispatcher loop blocks on Submit, which only returns
// once a slot frees, naturally capping concurrency at EffectiveConcurrency.
func runConstantClosed(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory) error {
	loop.SetConcurrency(profile.EffectiveConcurrency())
	deadline := time.Now().Add(time.Duration(profile.DurationMs) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var iter int64
	for {
		job := eventloop.Job{Request: nextRequest(iter), TimeoutMs: profile.PerRequestTimeoutMs}
		if err := loop.Submit(job); err != nil {
			return nil
		}
		iter++
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runRampUp linearly interpolates from StartConcurrency (default 1, or
// zero RPS) up to the end-state target over RampDurationMs, then holds the
// end state for the remainder of DurationMs.
func runRampUp(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory) error {
	start := time.Now()
	deadline := start.Add(time.Duration(profile.DurationMs) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if profile.TargetRPS != nil {
		return runRampUpOpen(ctx, profile, loop, nextRequest, start)
	}
	return runRampUpClosed(ctx, profile, loop, nextRequest, start)
}

func runRampUpOpen(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory, start time.Time) error {
	startRPS := 0.0
	endRPS := *profile.TargetRPS
	rampDuration := time.Duration(profile.RampDurationMs) * time.Millisecond

	rl := eventloop.NewRateLimiter(startRPS)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				rl.UpdateTargetRPS(interpolate(startRPS, endRPS, elapsed, rampDuration))
			}
		}
	}()

	var backlog []eventloop.Job
	var iter int64
	for {
		if err := rl.Acquire(ctx); err != nil {
			return nil
		}
		backlog = append(backlog, eventloop.Job{Request: nextRequest(iter), TimeoutMs: profile.PerRequestTimeoutMs})
		iter++
		backlog = drainBacklog(loop, backlog)
	}
}

func runRampUpClosed(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory, start time.Time) error {
	startConcurrency := 1
	if profile.StartConcurrency != nil {
		startConcurrency = *profile.StartConcurrency
	}
	endConcurrency := profile.EffectiveConcurrency()
	rampDuration := time.Duration(profile.RampDurationMs) * time.Millisecond

	loop.SetConcurrency(startConcurrency)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				target := interpolate(float64(startConcurrency), float64(endConcurrency), elapsed, rampDuration)
				loop.SetConcurrency(int(target))
			}
		}
	}()

	var iter int64
	for {
		job := eventloop.Job{Request: nextRequest(iter), TimeoutMs: profile.PerRequestTimeoutMs}
		if err := loop.Submit(job); err != nil {
			return nil
		}
		iter++
		if ctx.Err() != nil {
			return nil
		}
	}
}

// interpolate returns the linear blend of start/end at elapsed within span,
// clamped to end once elapsed >= span.
func interpolate(start, end float64, elapsed, span time.Duration) float64 {
	if span <= 0 || elapsed >= span {
		return end
	}
	frac := float64(elapsed) / float64(span)
	return start + (end-start)*frac
}

// runIterations submits exactly profile.Iterations requests at
// EffectiveConcurrency, then returns once all have been submitted (the
// caller drains completion separately).
func runIterations(ctx context.Context, profile loadmodel.LoadProfile, loop *eventloop.Loop, nextRequest RequestFactory) error {
	loop.SetConcurrency(profile.EffectiveConcurrency())
	for iter := int64(0); iter < int64(profile.Iterations); iter++ {
		job := eventloop.Job{Request: nextRequest(iter), TimeoutMs: profile.PerRequestTimeoutMs}
		if err := loop.Submit(job); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
