package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bc-dunia/apiforge/internal/eventloop"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/queue"
	"github.com/bc-dunia/apiforge/internal/transport"
)

func newTestLoop(t *testing.T, maxInFlight int) (*eventloop.Loop, *queue.SPSC[eventloop.Sample], func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	client := transport.New(transport.DefaultConfig())
	out := queue.New[eventloop.Sample](4096)
	loop := eventloop.New(context.Background(), "test-run", client, maxInFlight, out)

	cleanup := func() {
		client.Close()
		srv.Close()
	}
	return loop, out, cleanup
}

func drainAll(out *queue.SPSC[eventloop.Sample]) int {
	count := 0
	var s eventloop.Sample
	for out.Pop(&s) {
		count++
	}
	return count
}

func TestConstantClosedRespectsConcurrencyAndStopsAtDuration(t *testing.T) {
	loop, out, cleanup := newTestLoop(t, 10)
	defer cleanup()

	profile := loadmodel.LoadProfile{
		Mode:                loadmodel.ModeConstant,
		DurationMs:          150,
		Concurrency:         intPtr(5),
		PerRequestTimeoutMs: 2000,
	}

	start := time.Now()
	Run(context.Background(), profile, loop, func(i int64) loadmodel.ResolvedRequest {
		return loadmodel.ResolvedRequest{Method: loadmodel.MethodGET, URL: "http://127.0.0.1:1"}
	})
	if time.Since(start) > 2*time.Second {
		t.Fatal("expected constant-closed strategy to stop near duration_ms")
	}
	if got := loop.Stats().Capacity; got != 5 {
		t.Fatalf("expected in-flight ceiling set to concurrency 5, got %d", got)
	}

	loop.Drain(2 * time.Second)
	drainAll(out)
}

func TestIterationsSubmitsExactCount(t *testing.T) {
	loop, out, cleanup := newTestLoop(t, 4)
	defer cleanup()

	profile := loadmodel.LoadProfile{
		Mode:                loadmodel.ModeIterations,
		Iterations:          10,
		Concurrency:         intPtr(2),
		PerRequestTimeoutMs: 2000,
	}

	Run(context.Background(), profile, loop, func(i int64) loadmodel.ResolvedRequest {
		return loadmodel.ResolvedRequest{Method: loadmodel.MethodGET, URL: "http://127.0.0.1:1"}
	})

	loop.Drain(2 * time.Second)
	stats := loop.Stats()
	if stats.Submitted != 10 {
		t.Fatalf("expected 10 submitted, got %d", stats.Submitted)
	}
	drainAll(out)
}

func TestDrainBacklogQueuesRatherThanDropsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := transport.New(transport.DefaultConfig())
	defer client.Close()
	out := queue.New[eventloop.Sample](4096)
	loop := eventloop.New(context.Background(), "test-run", client, 1, out)

	req := loadmodel.ResolvedRequest{Method: loadmodel.MethodGET, URL: srv.URL}
	job := eventloop.Job{Request: req, TimeoutMs: 5000}

	backlog := []eventloop.Job{job}
	backlog = drainBacklog(loop, backlog)
	if len(backlog) != 0 {
		t.Fatalf("expected the first job to dispatch into the empty slot, got backlog of %d", len(backlog))
	}

	backlog = append(backlog, job, job)
	backlog = drainBacklog(loop, backlog)
	if len(backlog) != 2 {
		t.Fatalf("expected both queued jobs to stay backlogged while the slot is occupied, got %d", len(backlog))
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for len(backlog) > 0 && time.Now().Before(deadline) {
		backlog = drainBacklog(loop, backlog)
		time.Sleep(5 * time.Millisecond)
	}
	if len(backlog) != 0 {
		t.Fatalf("expected the queued jobs to dispatch once the slot freed, got backlog of %d", len(backlog))
	}
	loop.Drain(2 * time.Second)
	drainAll(out)
}

func intPtr(v int) *int { return &v }
