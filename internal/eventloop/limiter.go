// Package eventloop is the cooperative dispatcher of spec §4.3: it owns the
// pool of worker goroutines that pull resolved requests, execute them via
// internal/transport, and push the resulting samples onto the SPSC queue
// feeding the aggregator.
//
// Grounded on the teacher's internal/vu/rate_limiter.go (RateLimiter,
// InFlightLimiter) and internal/vu/executor.go's dispatch loop shape,
// generalised from a per-VU executor paired with a session manager to a
// single shared worker pool paired with internal/strategy.
package eventloop

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces the constant-open-model and ramp-up-open-model
// strategies to a target request rate. It wraps golang.org/x/time/rate the
// way the stress-tool examples in the pack do (burst of 1, live SetLimit
// for ramping), rather than hand-rolling a token bucket.
type RateLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	enabled   bool
	targetRPS float64
}

// NewRateLimiter builds a limiter pacing at targetRPS. A non-positive rate
// disables pacing entirely (Acquire/TryAcquire become no-ops).
func NewRateLimiter(targetRPS float64) *RateLimiter {
	r := &RateLimiter{targetRPS: targetRPS}
	if targetRPS <= 0 {
		return r
	}
	r.limiter = rate.NewLimiter(rate.Limit(clampRPS(targetRPS)), 1)
	r.enabled = true
	return r
}

func clampRPS(rps float64) float64 {
	if rps < 0.001 {
		return 0.001
	}
	if rps > 100000 {
		return 100000
	}
	return rps
}

// Acquire blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	limiter, enabled := r.limiter, r.enabled
	r.mu.Unlock()
	if !enabled {
		return nil
	}
	return limiter.Wait(ctx)
}

// TryAcquire takes a token without blocking; false means "try again later".
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	limiter, enabled := r.limiter, r.enabled
	r.mu.Unlock()
	if !enabled {
		return true
	}
	return limiter.Allow()
}

// UpdateTargetRPS retargets the limiter live, used by the ramp_up strategy's
// interpolation tick.
func (r *RateLimiter) UpdateTargetRPS(targetRPS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetRPS = targetRPS
	if targetRPS <= 0 {
		r.enabled = false
		return
	}
	r.enabled = true
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Limit(clampRPS(targetRPS)), 1)
		return
	}
	r.limiter.SetLimit(rate.Limit(clampRPS(targetRPS)))
}

// TargetRPS returns the currently configured target.
func (r *RateLimiter) TargetRPS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetRPS
}

// InFlightLimiter caps the number of concurrently-executing requests,
// grounding spec §4.3's max_in_flight backpressure knob.
type InFlightLimiter struct {
	max     int
	current int
	mu      sync.Mutex
	cond    *sync.Cond
}

// NewInFlightLimiter builds a limiter admitting at most max concurrent
// requests.
func NewInFlightLimiter(max int) *InFlightLimiter {
	l := &InFlightLimiter{max: max}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (l *InFlightLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.max {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				l.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)

		for l.current >= l.max {
			l.cond.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	l.current++
	return nil
}

// TryAcquire claims a slot without blocking. False means the pool is
// saturated and the caller should skip this tick.
func (l *InFlightLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.max {
		return false
	}
	l.current++
	return true
}

// Release frees one in-flight slot.
func (l *InFlightLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current > 0 {
		l.current--
	}
	l.cond.Signal()
}

// Current returns the number of in-flight requests.
func (l *InFlightLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Max returns the configured concurrency ceiling.
func (l *InFlightLimiter) Max() int { return l.max }

// SetMax adjusts the ceiling live, waking any waiters if it grew.
func (l *InFlightLimiter) SetMax(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
	l.cond.Broadcast()
}
