package retention

import "github.com/bc-dunia/apiforge/internal/persistence"

// PersistenceStoreAdapter narrows internal/persistence.Store to the
// RunStore interface this package's Manager needs, mirroring the
// teacher's TelemetryStoreAdapter over controlplane/api.TelemetryStore —
// renamed here since this package's retained state is finished run
// records in SQLite, not an in-memory telemetry event log.
type PersistenceStoreAdapter struct {
	store *persistence.Store
}

func NewPersistenceStoreAdapter(store *persistence.Store) *PersistenceStoreAdapter {
	return &PersistenceStoreAdapter{store: store}
}

func (a *PersistenceStoreAdapter) ListRunsForRetention() []RunRetentionInfo {
	runs, err := a.store.ListRuns()
	if err != nil {
		return nil
	}
	result := make([]RunRetentionInfo, 0, len(runs))
	for _, r := range runs {
		if r.EndTimeMs == nil {
			continue
		}
		result = append(result, RunRetentionInfo{RunID: r.ID, EndTimeMs: *r.EndTimeMs})
	}
	return result
}

func (a *PersistenceStoreAdapter) DeleteRun(runID string) {
	_ = a.store.DeleteRun(runID)
}
