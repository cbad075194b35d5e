package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

func TestPrometheusSinkExposesObservedGauge(t *testing.T) {
	s := NewPrometheusSink()
	s.Observe(loadmodel.MetricSnapshot{RunID: "run-1", Name: loadmodel.MetricRPS, Value: 42.5})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("unexpected error reading body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "apiforge_rps") {
		t.Fatalf("expected apiforge_rps metric in exposition, got:\n%s", text)
	}
	if !strings.Contains(text, `run_id="run-1"`) {
		t.Fatalf("expected run_id label in exposition, got:\n%s", text)
	}
	if !strings.Contains(text, "42.5") {
		t.Fatalf("expected observed value 42.5 in exposition, got:\n%s", text)
	}
}

func TestPrometheusSinkStatusCodesCarriesCodeLabel(t *testing.T) {
	s := NewPrometheusSink()
	s.Observe(loadmodel.MetricSnapshot{
		RunID: "run-1", Name: loadmodel.MetricStatusCodes, Value: 3,
		Labels: map[string]string{"code": "200"},
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)
	if !strings.Contains(text, `code="200"`) {
		t.Fatalf("expected code label in exposition, got:\n%s", text)
	}
}

func TestPrometheusSinkIgnoresUnknownMetricName(t *testing.T) {
	s := NewPrometheusSink()
	// must not panic on a name outside the closed enum.
	s.Observe(loadmodel.MetricSnapshot{RunID: "run-1", Name: loadmodel.MetricName("bogus"), Value: 1})
}

func TestFanoutCallsEverySink(t *testing.T) {
	var calls []string
	a := func(loadmodel.MetricSnapshot) { calls = append(calls, "a") }
	b := func(loadmodel.MetricSnapshot) { calls = append(calls, "b") }

	Fanout(a, b)(loadmodel.MetricSnapshot{})

	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("expected both sinks called in order, got %v", calls)
	}
}
