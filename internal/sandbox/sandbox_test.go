package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/variables"
)

func TestRunTestScriptPassingAssertion(t *testing.T) {
	sb := New(2, 2*time.Second)
	env := variables.New(nil, nil, nil)

	req := loadmodel.ResolvedRequest{Method: loadmodel.MethodGET, URL: "http://example.test"}
	resp := loadmodel.ResponseRecord{Status: 200, BodyBytes: []byte(`{"ok":true}`)}

	result, err := sb.RunTestScript(context.Background(), `
		pm.test("status is 200", function() { pm.expect(pm.response.code).to.equal(200); });
		pm.test("json ok field", function() { pm.expect(pm.response.json().ok).to.equal(true); });
	`, req, resp, env)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Tests) != 2 || !result.Tests[0].Passed || !result.Tests[1].Passed {
		t.Fatalf("expected both tests to pass: %+v", result.Tests)
	}
}

func TestRunTestScriptFailingAssertionRecordsFailure(t *testing.T) {
	sb := New(1, 2*time.Second)
	env := variables.New(nil, nil, nil)
	resp := loadmodel.ResponseRecord{Status: 404}

	result, err := sb.RunTestScript(context.Background(), `
		pm.test("status is 200", function() { pm.expect(pm.response.code).to.equal(200); });
	`, loadmodel.ResolvedRequest{}, resp, env)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected overall failure")
	}
	if len(result.Tests) != 1 || result.Tests[0].Passed {
		t.Fatalf("expected failing test recorded, got %+v", result.Tests)
	}
}

func TestRunPreRequestCanSetEnvironmentVariable(t *testing.T) {
	sb := New(1, 2*time.Second)
	env := variables.New(map[string]string{}, nil, nil)

	_, err := sb.RunPreRequest(context.Background(), `pm.environment.set("token", "abc123");`, loadmodel.ResolvedRequest{}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := env.Get("token")
	if !ok || v != "abc123" {
		t.Fatalf("expected env mutation to persist, got %q ok=%v", v, ok)
	}
}

func TestScriptTimeoutIsReportedAsFailure(t *testing.T) {
	sb := New(1, 30*time.Millisecond)
	env := variables.New(nil, nil, nil)

	result, err := sb.RunTestScript(context.Background(), `
		var i = 0;
		while (true) { i++; }
	`, loadmodel.ResolvedRequest{}, loadmodel.ResponseRecord{Status: 200}, env)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout to mark script unsuccessful")
	}
	if result.ErrorMessage == "" {
		t.Fatal("expected a timeout error message")
	}
}

func TestEmptyScriptIsASuccessNoOp(t *testing.T) {
	sb := New(1, time.Second)
	env := variables.New(nil, nil, nil)

	result, err := sb.RunPreRequest(context.Background(), "", loadmodel.ResolvedRequest{}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected empty script to succeed trivially")
	}
}
