package persistence

import (
	"path/filepath"
	"testing"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "apiforge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveAndGetRun(t *testing.T) {
	s := openTestStore(t)
	run := loadmodel.Run{ID: "run_1", Type: loadmodel.RunTypeLoad, Status: loadmodel.RunStatusPending, StartTimeMs: 1000}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, ok, err := s.GetRun("run_1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Status != loadmodel.RunStatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestStoreUpdateRunStatusSetsEndTime(t *testing.T) {
	s := openTestStore(t)
	run := loadmodel.Run{ID: "run_2", Type: loadmodel.RunTypeLoad, Status: loadmodel.RunStatusPending, StartTimeMs: 1000}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	endMs := int64(5000)
	if err := s.UpdateRunStatus("run_2", loadmodel.RunStatusCompleted, &endMs); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	got, ok, err := s.GetRun("run_2")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Status != loadmodel.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.EndTimeMs == nil || *got.EndTimeMs != endMs {
		t.Fatalf("expected end time %d, got %+v", endMs, got.EndTimeMs)
	}
}

func TestStoreListRunsOrdersByStartTimeDescending(t *testing.T) {
	s := openTestStore(t)
	_ = s.SaveRun(loadmodel.Run{ID: "run_a", Type: loadmodel.RunTypeLoad, Status: loadmodel.RunStatusCompleted, StartTimeMs: 1000})
	_ = s.SaveRun(loadmodel.Run{ID: "run_b", Type: loadmodel.RunTypeLoad, Status: loadmodel.RunStatusCompleted, StartTimeMs: 2000})

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run_b" {
		t.Fatalf("expected run_b first, got %+v", runs)
	}
}

func TestStoreDeleteRunRemovesDependentRows(t *testing.T) {
	s := openTestStore(t)
	_ = s.SaveRun(loadmodel.Run{ID: "run_3", Type: loadmodel.RunTypeLoad, Status: loadmodel.RunStatusCompleted, StartTimeMs: 1000})
	_ = s.SaveSnapshot(loadmodel.MetricSnapshot{RunID: "run_3", TimestampMs: 1500, Name: loadmodel.MetricTotalRequests, Value: 1})

	if err := s.DeleteRun("run_3"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, ok, _ := s.GetRun("run_3"); ok {
		t.Fatal("expected run to be gone after delete")
	}
	snaps, err := s.SnapshotsSince("run_3", 0)
	if err != nil {
		t.Fatalf("SnapshotsSince: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshots after delete, got %d", len(snaps))
	}
}

func TestStoreSnapshotsSinceFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	_ = s.SaveSnapshot(loadmodel.MetricSnapshot{RunID: "run_4", TimestampMs: 100, Name: loadmodel.MetricRPS, Value: 1})
	_ = s.SaveSnapshot(loadmodel.MetricSnapshot{RunID: "run_4", TimestampMs: 200, Name: loadmodel.MetricRPS, Value: 2})
	_ = s.SaveSnapshot(loadmodel.MetricSnapshot{RunID: "run_4", TimestampMs: 300, Name: loadmodel.MetricRPS, Value: 3})

	snaps, err := s.SnapshotsSince("run_4", 150)
	if err != nil {
		t.Fatalf("SnapshotsSince: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Value != 2 || snaps[1].Value != 3 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestStoreSaveAndGetReportRoundTripsSampledRecords(t *testing.T) {
	s := openTestStore(t)
	report := loadmodel.RunReport{
		RunID:         "run_5",
		TotalRequests: 3,
		SampledRecords: []loadmodel.SampleRecord{
			{RunID: "run_5", TimestampMs: 1, StatusCode: 200, LatencyMs: 12.5},
		},
	}
	if err := s.SaveReport(report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	got, ok, err := s.GetReport("run_5")
	if err != nil || !ok {
		t.Fatalf("GetReport: ok=%v err=%v", ok, err)
	}
	if got.TotalRequests != 3 || len(got.SampledRecords) != 1 {
		t.Fatalf("unexpected report: %+v", got)
	}
}

func TestStoreEnvironmentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	vars := map[string]string{"base_url": "https://example.com"}
	if err := s.SaveEnvironment("env_1", "staging", vars); err != nil {
		t.Fatalf("SaveEnvironment: %v", err)
	}

	got, ok, err := s.GetEnvironment("env_1")
	if err != nil || !ok {
		t.Fatalf("GetEnvironment: ok=%v err=%v", ok, err)
	}
	if got["base_url"] != "https://example.com" {
		t.Fatalf("unexpected environment: %+v", got)
	}
}

func TestStoreGlobalsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveGlobals(map[string]string{"api_key": "secret"}); err != nil {
		t.Fatalf("SaveGlobals: %v", err)
	}
	got, err := s.GetGlobals()
	if err != nil {
		t.Fatalf("GetGlobals: %v", err)
	}
	if got["api_key"] != "secret" {
		t.Fatalf("unexpected globals: %+v", got)
	}
}

func TestStoreRequestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tmpl := loadmodel.HTTPRequestTemplate{Method: loadmodel.MethodGET, URL: "https://example.com/health"}
	if err := s.SaveRequest("req_1", "coll_1", tmpl); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	got, ok, err := s.GetRequest("req_1")
	if err != nil || !ok {
		t.Fatalf("GetRequest: ok=%v err=%v", ok, err)
	}
	if got.URL != tmpl.URL {
		t.Fatalf("unexpected template: %+v", got)
	}
}
