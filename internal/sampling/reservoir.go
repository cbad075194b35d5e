package sampling

import (
	"math/rand"
	"sync"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// Policy controls which responses the Reservoir retains in full, per
// spec §4.7.
type Policy struct {
	// SuccessSampleRate is the percent (0-100) of non-error, non-slow
	// responses retained.
	SuccessSampleRate float64
	// SlowThresholdMs, when > 0, marks any response with LatencyMs at or
	// above it as "slow" and retains it unconditionally. 0 disables the
	// slow-request rule.
	SlowThresholdMs float64
	// CaptureTimingBreakdown, when false, strips the phase timing and
	// headers/body from a retained sample's trace, keeping only the
	// status/latency/error summary.
	CaptureTimingBreakdown bool
	// Capacity bounds the reservoir's total retained sample count.
	Capacity int
}

// entry wraps a retained record with the admission class it was kept
// under, so eviction can prefer dropping the lowest-priority class first.
type entry struct {
	record loadmodel.SampleRecord
	class  admissionClass
	seq    uint64
}

type admissionClass int

const (
	classSuccess admissionClass = iota
	classSlow
	classError
)

// Reservoir retains a bounded, policy-governed slice of full
// request/response samples for a single run. Safe for concurrent Offer
// calls from multiple eventloop workers.
type Reservoir struct {
	mu      sync.Mutex
	policy  Policy
	entries []entry
	nextSeq uint64
	rng     *rand.Rand
	dropped int64
}

// NewReservoir builds a Reservoir bounded to policy.Capacity entries. rngSeed
// seeds the success-sampling coin flip; callers pass a fixed seed in tests
// for determinism and a time-derived seed (via internal/timeutil) in
// production.
func NewReservoir(policy Policy, rngSeed int64) *Reservoir {
	if policy.Capacity < 1 {
		policy.Capacity = 1
	}
	return &Reservoir{
		policy:  policy,
		entries: make([]entry, 0, policy.Capacity),
		rng:     rand.New(rand.NewSource(rngSeed)),
	}
}

// Offer applies the sampling policy to record and, if admitted, inserts it
// into the reservoir, evicting the oldest non-error, non-slow entry if the
// reservoir is at capacity and nothing lower-priority is available to
// drop. Returns whether the record was retained.
func (r *Reservoir) Offer(record loadmodel.SampleRecord) bool {
	class, admit := r.classify(record)
	if !admit {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return false
	}

	if !r.policy.CaptureTimingBreakdown {
		record.Trace = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	e := entry{record: record, class: class, seq: r.nextSeq}

	if len(r.entries) < r.policy.Capacity {
		r.entries = append(r.entries, e)
		return true
	}

	victim := r.evictionCandidateLocked()
	if victim < 0 {
		// reservoir is full of entries at or above this one's priority;
		// drop the incoming record instead.
		r.dropped++
		return false
	}
	r.entries[victim] = e
	r.dropped++
	return true
}

func (r *Reservoir) classify(record loadmodel.SampleRecord) (admissionClass, bool) {
	isError := (record.Error != nil && record.Error.Kind != loadmodel.ErrorNone) || record.StatusCode >= 500
	if isError {
		return classError, true
	}

	isSlow := r.policy.SlowThresholdMs > 0 && record.LatencyMs >= r.policy.SlowThresholdMs
	if isSlow {
		return classSlow, true
	}

	if r.policy.SuccessSampleRate <= 0 {
		return classSuccess, false
	}
	r.mu.Lock()
	coin := r.rng.Float64() * 100
	r.mu.Unlock()
	return classSuccess, coin < r.policy.SuccessSampleRate
}

// evictionCandidateLocked finds the oldest entry whose class is no higher
// priority than classSuccess (i.e. not error, not slow), per spec's
// "overflow drops the oldest non-error, non-slow sample". Returns -1 if no
// such entry exists, meaning the reservoir is saturated with
// higher-priority samples.
func (r *Reservoir) evictionCandidateLocked() int {
	candidate := -1
	for i, e := range r.entries {
		if e.class != classSuccess {
			continue
		}
		if candidate == -1 || r.entries[i].seq < r.entries[candidate].seq {
			candidate = i
		}
	}
	return candidate
}

// Snapshot returns a copy of all currently retained records, in admission
// order (oldest first) to the extent preserved by in-place eviction
// overwrites.
func (r *Reservoir) Snapshot() []loadmodel.SampleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]loadmodel.SampleRecord, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.record
	}
	return out
}

// Dropped returns the count of offered records that were discarded, either
// because they failed the sampling policy or lost the eviction contest.
func (r *Reservoir) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Len returns the number of currently retained records.
func (r *Reservoir) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
