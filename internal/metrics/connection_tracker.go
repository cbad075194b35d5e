package metrics

import (
	"sync"
	"time"
)

// ConnectionEvent is a single transport-level connection lifecycle event,
// fed by internal/transport.Client via httptrace's GotConn callback.
type ConnectionEvent struct {
	Reused    bool      `json:"reused"`
	WasIdle   bool      `json:"was_idle"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionSnapshot is a point-in-time view of dial/reuse counters.
type ConnectionSnapshot struct {
	TotalDials int64   `json:"total_dials"`
	Reused     int64   `json:"reused"`
	New        int64   `json:"new"`
	ReuseRate  float64 `json:"reuse_rate"`
	Active     int64   `json:"active"`
}

// ConnectionTracker aggregates how often the transport's underlying
// http.Transport reuses a pooled TCP connection versus dialing a new one,
// plus a simple in-flight gauge. Adapted from the teacher's
// internal/metrics.ConnectionTracker, which tracked long-lived MCP session
// lifecycles (create/drop/reconnect/protocol-error); that model has no
// analogue here since apiforge issues independent HTTP requests with no
// persistent session concept, so this keeps the mutex-guarded
// counter/Record/Snapshot shape and narrows the domain to raw dial/reuse
// accounting — see DESIGN.md.
type ConnectionTracker struct {
	mu sync.Mutex

	totalDials int64
	reused     int64
	active     int64

	recentEvents []ConnectionEvent
	maxEvents    int
}

// NewConnectionTracker builds a tracker retaining up to maxEvents recent
// dial events for diagnostics.
func NewConnectionTracker(maxEvents int) *ConnectionTracker {
	if maxEvents < 1 {
		maxEvents = 1000
	}
	return &ConnectionTracker{maxEvents: maxEvents}
}

// RecordDial registers one connection acquisition for a dispatched
// request: reused reports whether http.Transport served it from the idle
// pool rather than dialing fresh.
func (ct *ConnectionTracker) RecordDial(reused, wasIdle bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.totalDials++
	if reused {
		ct.reused++
	}

	if len(ct.recentEvents) >= ct.maxEvents {
		ct.recentEvents = ct.recentEvents[1:]
	}
	ct.recentEvents = append(ct.recentEvents, ConnectionEvent{Reused: reused, WasIdle: wasIdle, Timestamp: time.Now()})
}

// RequestStarted/RequestFinished track the live in-flight gauge
// independently of RecordDial, since acquiring a connection and finishing
// a request are distinct moments in the request lifecycle.
func (ct *ConnectionTracker) RequestStarted() {
	ct.mu.Lock()
	ct.active++
	ct.mu.Unlock()
}

func (ct *ConnectionTracker) RequestFinished() {
	ct.mu.Lock()
	if ct.active > 0 {
		ct.active--
	}
	ct.mu.Unlock()
}

// Snapshot returns the current dial/reuse counters.
func (ct *ConnectionTracker) Snapshot() ConnectionSnapshot {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	reuseRate := 0.0
	if ct.totalDials > 0 {
		reuseRate = float64(ct.reused) / float64(ct.totalDials) * 100
	}
	return ConnectionSnapshot{
		TotalDials: ct.totalDials,
		Reused:     ct.reused,
		New:        ct.totalDials - ct.reused,
		ReuseRate:  reuseRate,
		Active:     ct.active,
	}
}

// RecentEvents returns the most recent n recorded dial events, oldest
// first.
func (ct *ConnectionTracker) RecentEvents(n int) []ConnectionEvent {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if n <= 0 || len(ct.recentEvents) == 0 {
		return nil
	}
	start := len(ct.recentEvents) - n
	if start < 0 {
		start = 0
	}
	out := make([]ConnectionEvent, len(ct.recentEvents)-start)
	copy(out, ct.recentEvents[start:])
	return out
}

// Reset clears all tracked counters and events.
func (ct *ConnectionTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.totalDials = 0
	ct.reused = 0
	ct.active = 0
	ct.recentEvents = ct.recentEvents[:0]
}
