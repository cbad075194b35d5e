package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterDisabledAtZeroRPSNeverBlocks(t *testing.T) {
	r := NewRateLimiter(0)
	for i := 0; i < 5; i++ {
		if !r.TryAcquire() {
			t.Fatal("expected disabled limiter to always allow")
		}
	}
}

func TestRateLimiterUpdateTargetRPSEnablesPacing(t *testing.T) {
	r := NewRateLimiter(0)
	r.UpdateTargetRPS(1000)
	if r.TargetRPS() != 1000 {
		t.Fatalf("expected target 1000, got %v", r.TargetRPS())
	}
	if !r.TryAcquire() {
		t.Fatal("expected first acquire after enabling to succeed")
	}
}

func TestRateLimiterUpdateTargetRPSToZeroDisables(t *testing.T) {
	r := NewRateLimiter(1000)
	r.UpdateTargetRPS(0)
	for i := 0; i < 5; i++ {
		if !r.TryAcquire() {
			t.Fatal("expected disabled limiter to always allow after retargeting to zero")
		}
	}
}

func TestRateLimiterAcquireRespectsContextCancellation(t *testing.T) {
	r := NewRateLimiter(0.001) // effectively one token per ~1000s
	r.TryAcquire()             // drain the initial burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Acquire(ctx)
	if err == nil {
		t.Fatal("expected context deadline to cancel the wait")
	}
}

func TestInFlightLimiterTryAcquireRespectsCeiling(t *testing.T) {
	l := NewInFlightLimiter(1)
	if !l.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if l.TryAcquire() {
		t.Fatal("expected second acquire to fail at ceiling of 1")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestInFlightLimiterSetMaxWakesWaiters(t *testing.T) {
	l := NewInFlightLimiter(1)
	_ = l.TryAcquire()

	done := make(chan struct{})
	go func() {
		_ = l.Acquire(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	l.SetMax(2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected SetMax to wake a blocked Acquire")
	}
}
