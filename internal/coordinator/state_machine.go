package coordinator

import "github.com/bc-dunia/apiforge/internal/loadmodel"

var allowedTransitions = map[loadmodel.RunStatus]map[loadmodel.RunStatus]struct{}{
	loadmodel.RunStatusPending: {
		loadmodel.RunStatusRunning:   {},
		loadmodel.RunStatusFailed:    {},
		loadmodel.RunStatusStopped:   {},
	},
	loadmodel.RunStatusRunning: {
		loadmodel.RunStatusCompleted: {},
		loadmodel.RunStatusStopped:   {},
		loadmodel.RunStatusFailed:    {},
	},
}

// CanTransition reports whether a run status transition is valid. Every
// terminal state (completed/stopped/failed) is a dead end: the five-state
// machine here collapses the teacher's nine-state
// created/preflight/baseline/ramp/soak/stopping/analyzing machine down to
// spec's pending/running/completed/stopped/failed, keeping the teacher's
// table-driven CanTransition shape.
func CanTransition(from, to loadmodel.RunStatus) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
