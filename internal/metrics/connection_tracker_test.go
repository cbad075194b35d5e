package metrics

import "testing"

func TestConnectionTrackerRecordDialCountsReuseAndNew(t *testing.T) {
	ct := NewConnectionTracker(10)
	ct.RecordDial(false, false)
	ct.RecordDial(true, true)
	ct.RecordDial(true, true)

	snap := ct.Snapshot()
	if snap.TotalDials != 3 {
		t.Fatalf("expected 3 total dials, got %d", snap.TotalDials)
	}
	if snap.Reused != 2 {
		t.Fatalf("expected 2 reused, got %d", snap.Reused)
	}
	if snap.New != 1 {
		t.Fatalf("expected 1 new, got %d", snap.New)
	}
	want := float64(2) / float64(3) * 100
	if snap.ReuseRate != want {
		t.Fatalf("expected reuse rate %v, got %v", want, snap.ReuseRate)
	}
}

func TestConnectionTrackerActiveGaugeTracksStartFinish(t *testing.T) {
	ct := NewConnectionTracker(10)
	ct.RequestStarted()
	ct.RequestStarted()
	if got := ct.Snapshot().Active; got != 2 {
		t.Fatalf("expected active 2, got %d", got)
	}
	ct.RequestFinished()
	if got := ct.Snapshot().Active; got != 1 {
		t.Fatalf("expected active 1, got %d", got)
	}
}

func TestConnectionTrackerRequestFinishedNeverGoesNegative(t *testing.T) {
	ct := NewConnectionTracker(10)
	ct.RequestFinished()
	if got := ct.Snapshot().Active; got != 0 {
		t.Fatalf("expected active to stay at 0, got %d", got)
	}
}

func TestConnectionTrackerRecentEventsCapsAtMaxAndReturnsOldestFirst(t *testing.T) {
	ct := NewConnectionTracker(2)
	ct.RecordDial(false, false)
	ct.RecordDial(true, false)
	ct.RecordDial(true, true)

	events := ct.RecentEvents(10)
	if len(events) != 2 {
		t.Fatalf("expected events capped at maxEvents=2, got %d", len(events))
	}
	if !events[0].Reused || events[0].WasIdle {
		t.Fatalf("expected oldest retained event to be the 2nd dial, got %+v", events[0])
	}
}

func TestConnectionTrackerResetClearsState(t *testing.T) {
	ct := NewConnectionTracker(10)
	ct.RecordDial(true, true)
	ct.RequestStarted()
	ct.Reset()

	snap := ct.Snapshot()
	if snap.TotalDials != 0 || snap.Active != 0 {
		t.Fatalf("expected reset state, got %+v", snap)
	}
}
