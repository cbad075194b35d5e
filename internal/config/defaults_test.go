package config

import "testing"

func TestSetUpdatesRecognisedIntKeyWithinRange(t *testing.T) {
	r := NewRegistry()
	if !r.Set("max_redirects", int64(10)) {
		t.Fatalf("expected Set to accept max_redirects=10")
	}
	entry, ok := r.Get("max_redirects")
	if !ok || entry.Value.(int64) != 10 {
		t.Fatalf("expected max_redirects to be updated to 10, got %+v", entry)
	}
}

func TestSetRejectsOutOfRangeIntValue(t *testing.T) {
	r := NewRegistry()
	if r.Set("max_redirects", int64(999)) {
		t.Fatalf("expected Set to reject max_redirects=999 (max is 20)")
	}
}

func TestSetRejectsWrongType(t *testing.T) {
	r := NewRegistry()
	if r.Set("follow_redirects", "yes") {
		t.Fatalf("expected Set to reject a string value for a bool-typed key")
	}
}

func TestSetRejectsUnrecognisedKey(t *testing.T) {
	r := NewRegistry()
	if r.Set("not_a_real_key", int64(1)) {
		t.Fatalf("expected Set to reject an unrecognised key")
	}
}

func TestIntValueAndBoolValueReflectLiveState(t *testing.T) {
	r := NewRegistry()
	if v := r.IntValue("stats_interval_ms", -1); v != DefaultStatsIntervalMs {
		t.Fatalf("expected default stats_interval_ms of %d, got %d", DefaultStatsIntervalMs, v)
	}
	r.Set("stats_interval_ms", int64(250))
	if v := r.IntValue("stats_interval_ms", -1); v != 250 {
		t.Fatalf("expected live stats_interval_ms of 250 after Set, got %d", v)
	}

	if v := r.BoolValue("follow_redirects", false); v != DefaultFollowRedirects {
		t.Fatalf("expected default follow_redirects of %v, got %v", DefaultFollowRedirects, v)
	}
	r.Set("follow_redirects", false)
	if v := r.BoolValue("follow_redirects", true); v != false {
		t.Fatalf("expected live follow_redirects of false after Set, got %v", v)
	}
}

func TestIntValueFallsBackOnNilRegistry(t *testing.T) {
	var r *Registry
	if v := r.IntValue("stats_interval_ms", 42); v != 42 {
		t.Fatalf("expected fallback 42 on nil registry, got %d", v)
	}
}
