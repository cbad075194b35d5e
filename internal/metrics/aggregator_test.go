package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/apiforge/internal/eventloop"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/queue"
)

func TestAggregatorRecordsSuccessAndErrorCounts(t *testing.T) {
	var mu sync.Mutex
	snaps := map[loadmodel.MetricName]float64{}
	onSnapshot := func(s loadmodel.MetricSnapshot) {
		mu.Lock()
		snaps[s.Name] = s.Value
		mu.Unlock()
	}

	agg := NewAggregator("run-1", Config{SnapshotIntervalMs: 20, SuccessSampleRate: 100}, nil, nil, onSnapshot)
	out := queue.New[eventloop.Sample](16)
	agg.Start(context.Background(), out)

	out.Push(eventloop.Sample{
		Response: loadmodel.ResponseRecord{Status: 200, Timing: loadmodel.PhaseTiming{TotalMs: 10}},
		EndedAt:  time.Now(),
	})
	out.Push(eventloop.Sample{
		Response: loadmodel.ResponseRecord{Error: loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout}},
		EndedAt:  time.Now(),
	})

	time.Sleep(80 * time.Millisecond)
	agg.Stop(out)

	report := agg.Report()
	if report.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", report.TotalRequests)
	}
	if report.SuccessfulRequests != 1 || report.FailedRequests != 1 {
		t.Fatalf("expected 1 success/1 failure, got %+v", report)
	}
	if report.ErrorRate != 50 {
		t.Fatalf("expected 50%% error rate, got %v", report.ErrorRate)
	}

	mu.Lock()
	defer mu.Unlock()
	if snaps[loadmodel.MetricTotalRequests] != 2 {
		t.Fatalf("expected emitted total_requests snapshot of 2, got %v", snaps[loadmodel.MetricTotalRequests])
	}
}

func TestAggregatorReportIncludesReservoirSamples(t *testing.T) {
	agg := NewAggregator("run-2", Config{SnapshotIntervalMs: 1000, SuccessSampleRate: 100, ReservoirCapacity: 5}, nil, nil, nil)
	out := queue.New[eventloop.Sample](16)
	agg.Start(context.Background(), out)

	out.Push(eventloop.Sample{Response: loadmodel.ResponseRecord{Status: 200}, EndedAt: time.Now()})
	time.Sleep(20 * time.Millisecond)
	agg.Stop(out)

	report := agg.Report()
	if len(report.SampledRecords) != 1 {
		t.Fatalf("expected 1 sampled record, got %d", len(report.SampledRecords))
	}
}

func TestAggregatorDrainsRemainingQueueOnStop(t *testing.T) {
	agg := NewAggregator("run-3", Config{SnapshotIntervalMs: 1000, SuccessSampleRate: 100}, nil, nil, nil)
	out := queue.New[eventloop.Sample](16)
	agg.Start(context.Background(), out)

	// push after Start but before giving the consume loop time to drain;
	// Stop must still observe it via drainRemaining.
	for i := 0; i < 5; i++ {
		out.Push(eventloop.Sample{Response: loadmodel.ResponseRecord{Status: 200}, EndedAt: time.Now()})
	}
	agg.Stop(out)

	report := agg.Report()
	if report.TotalRequests != 5 {
		t.Fatalf("expected all 5 requests recorded, got %d", report.TotalRequests)
	}
}

func TestRecordLoopStatsBackpressureIsDispatchedMinusCompleted(t *testing.T) {
	var mu sync.Mutex
	snaps := map[loadmodel.MetricName]float64{}
	onSnapshot := func(s loadmodel.MetricSnapshot) {
		mu.Lock()
		snaps[s.Name] = s.Value
		mu.Unlock()
	}

	agg := NewAggregator("run-5", Config{SnapshotIntervalMs: 1000, SuccessSampleRate: 100}, nil, nil, onSnapshot)
	agg.RecordLoopStats(eventloop.Stats{Submitted: 120, Completed: 100, InFlight: 20, Capacity: 50})

	mu.Lock()
	defer mu.Unlock()
	if snaps[loadmodel.MetricBackpressure] != 20 {
		t.Fatalf("expected backpressure count of dispatched-completed=20, got %v", snaps[loadmodel.MetricBackpressure])
	}
	if snaps[loadmodel.MetricConnectionsActive] != 20 {
		t.Fatalf("expected connections_active=in_flight=20, got %v", snaps[loadmodel.MetricConnectionsActive])
	}
}

func TestSendRateAndThroughputDivergeUnderBackpressure(t *testing.T) {
	var sendRate, throughput float64
	onSnapshot := func(s loadmodel.MetricSnapshot) {
		switch s.Name {
		case loadmodel.MetricSendRate:
			sendRate = s.Value
		case loadmodel.MetricThroughput:
			throughput = s.Value
		}
	}

	agg := NewAggregator("run-6", Config{SnapshotIntervalMs: 1000, SuccessSampleRate: 100}, nil, nil, onSnapshot)
	out := queue.New[eventloop.Sample](16)
	agg.Start(context.Background(), out)
	defer agg.Stop(out)

	// Dispatches are outrunning completions: only 1 sample has completed,
	// but the loop reports 10 dispatched.
	out.Push(eventloop.Sample{Response: loadmodel.ResponseRecord{Status: 200}, EndedAt: time.Now()})
	time.Sleep(5 * time.Millisecond)
	agg.RecordLoopStats(eventloop.Stats{Submitted: 10, Completed: 1, InFlight: 9, Capacity: 20})

	lastEmit := time.Now().Add(-time.Second)
	agg.emit(time.Now(), lastEmit, 0, 0)

	if sendRate == throughput {
		t.Fatalf("expected send_rate and throughput to diverge under backpressure, both were %v", sendRate)
	}
	if sendRate <= throughput {
		t.Fatalf("expected send_rate (dispatch-based) to exceed throughput (completion-based) under backpressure: send_rate=%v throughput=%v", sendRate, throughput)
	}
}

func TestAggregatorSetExpectedFeedsRateAchievement(t *testing.T) {
	agg := NewAggregator("run-4", Config{SnapshotIntervalMs: 1000, SuccessSampleRate: 100}, nil, nil, nil)
	agg.SetExpected(10)
	out := queue.New[eventloop.Sample](16)
	agg.Start(context.Background(), out)

	for i := 0; i < 5; i++ {
		out.Push(eventloop.Sample{Response: loadmodel.ResponseRecord{Status: 200}, EndedAt: time.Now()})
	}
	agg.Stop(out)

	report := agg.Report()
	if report.RateAchievement != 50 {
		t.Fatalf("expected 50%% rate achievement, got %v", report.RateAchievement)
	}
}
