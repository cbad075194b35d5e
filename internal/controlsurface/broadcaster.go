package controlsurface

import (
	"sync"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// Broadcaster fans one run's metric snapshots out to every live SSE
// subscriber for that run. Publishing never blocks on a slow subscriber: a
// full channel drops the snapshot for that subscriber rather than stalling
// the aggregator's emission goroutine, matching spec.md's "onSnapshot must
// not block" constraint carried from internal/metrics.Aggregator.
//
// Exported so cmd/apiforged can construct it before the Coordinator and
// wire Broadcaster.Publish in as the coordinator's onSnapshot callback.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan loadmodel.MetricSnapshot]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan loadmodel.MetricSnapshot]struct{})}
}

// Publish is suitable as a coordinator onSnapshot callback.
func (b *Broadcaster) Publish(snap loadmodel.MetricSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[snap.RunID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

// subscribe registers a new subscriber channel for runID and returns it
// along with an unsubscribe function the caller must invoke when done.
func (b *Broadcaster) subscribe(runID string) (chan loadmodel.MetricSnapshot, func()) {
	ch := make(chan loadmodel.MetricSnapshot, 64)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan loadmodel.MetricSnapshot]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs[runID], ch)
		if len(b.subs[runID]) == 0 {
			delete(b.subs, runID)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}
