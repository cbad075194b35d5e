// Package sandbox runs pre-request and post-response scripts in an
// isolated JavaScript interpreter with the fixed pm.* API surface of spec
// §4.5 (pm.test, pm.expect, pm.response, pm.request, pm.environment,
// console.*).
//
// Grounded on the teacher's internal/plugin (Registry's mutex-guarded
// map as the model for a pooled-resource guard) for the pooling shape, and
// on internal/events for the script_timeout event; the interpreter itself
// (github.com/dop251/goja) has no precedent elsewhere in the retrieved
// pack — see DESIGN.md.
package sandbox

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/bc-dunia/apiforge/internal/events"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/variables"
)

// Kind distinguishes a pre-request hook from a post-response test script,
// purely for event logging (spec's script_timeout event carries it).
type Kind string

const (
	KindPreRequest  Kind = "pre_request"
	KindTestScript  Kind = "test_script"
)

// TestResult is one pm.test(name, fn) invocation's outcome.
type TestResult struct {
	Name         string `json:"name"`
	Passed       bool   `json:"passed"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Result is returned by both RunPreRequest and RunTestScript (spec §4.5's
// ScriptResult). Success is false if any test failed or an exception
// escaped the script.
type Result struct {
	Success       bool         `json:"success"`
	Tests         []TestResult `json:"tests"`
	ConsoleOutput []string     `json:"console_output"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

// Sandbox owns a pool of pre-warmed goja runtimes. Pool access goes
// through one buffered channel that is both the counting semaphore and the
// free list of idle runtimes, mirroring spec §4.7's
// "guarded by a single mutex; acquire/release are short critical
// sections" requirement without serialising unrelated scripts behind one
// global lock.
type Sandbox struct {
	pool   chan *goja.Runtime
	budget time.Duration
	logger *events.EventLogger
}

// New builds a Sandbox with poolSize pre-warmed runtimes, each script
// capped at scriptBudget wall-clock time.
func New(poolSize int, scriptBudget time.Duration) *Sandbox {
	if poolSize < 1 {
		poolSize = 1
	}
	s := &Sandbox{
		pool:   make(chan *goja.Runtime, poolSize),
		budget: scriptBudget,
		logger: events.GetGlobalEventLogger(),
	}
	for i := 0; i < poolSize; i++ {
		s.pool <- newRuntime()
	}
	return s
}

func newRuntime() *goja.Runtime {
	rt := goja.New()
	rt.SetMaxCallStackSize(256)
	return rt
}

func (s *Sandbox) acquire(ctx context.Context) (*goja.Runtime, error) {
	select {
	case rt := <-s.pool:
		return rt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns rt to the pool. A runtime that was interrupted mid-script
// is discarded and replaced, since goja runtimes are not safely reusable
// after Interrupt without clearing interrupt state — recycling via a fresh
// instance matches spec's "recycled after a forced garbage collection"
// more literally than attempting to un-interrupt one.
func (s *Sandbox) release(rt *goja.Runtime, interrupted bool) {
	if interrupted {
		rt = newRuntime()
	} else {
		rt.ClearInterrupt()
	}
	select {
	case s.pool <- rt:
	default:
	}
}

// RunPreRequest executes tmpl.PreScript against a preview request resolved
// from the current environment. A script exception or timeout is reported
// through the returned Result (Success false, ErrorMessage set) with a nil
// error; the error is non-nil only when ctx ends before a pooled runtime is
// free. RunPreRequest itself does not prevent the request from being
// dispatched.
func (s *Sandbox) RunPreRequest(ctx context.Context, script string, preview loadmodel.ResolvedRequest, env *variables.Environment) (Result, error) {
	if script == "" {
		return Result{Success: true}, nil
	}
	return s.run(ctx, KindPreRequest, script, preview, nil, env)
}

// RunTestScript executes tmpl.TestScript against the dispatched request and
// its response. Per spec §7, a script error here does not retroactively
// fail the response but is recorded on the sample trace by the caller.
func (s *Sandbox) RunTestScript(ctx context.Context, script string, req loadmodel.ResolvedRequest, resp loadmodel.ResponseRecord, env *variables.Environment) (Result, error) {
	if script == "" {
		return Result{Success: true}, nil
	}
	return s.run(ctx, KindTestScript, script, req, &resp, env)
}

func (s *Sandbox) run(ctx context.Context, kind Kind, script string, req loadmodel.ResolvedRequest, resp *loadmodel.ResponseRecord, env *variables.Environment) (Result, error) {
	budget := s.budget
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}

	rt, err := s.acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	var consoleOutput []string
	var tests []TestResult

	bindAPI(rt, req, resp, env, &tests, &consoleOutput)

	var timedOut bool
	timer := time.AfterFunc(budget, func() {
		timedOut = true
		rt.Interrupt("script execution exceeded wall-clock budget")
	})

	wrapped := "(function(){\n" + script + "\n})()"
	_, runErr := rt.RunString(wrapped)
	timer.Stop()

	s.release(rt, timedOut)

	if timedOut {
		if s.logger != nil {
			s.logger.LogScriptTimeout(string(kind), budget.Milliseconds())
		}
		return Result{
			Success:       false,
			Tests:         tests,
			ConsoleOutput: consoleOutput,
			ErrorMessage:  "script execution exceeded wall-clock budget",
		}, nil
	}

	if runErr != nil {
		return Result{
			Success:       false,
			Tests:         tests,
			ConsoleOutput: consoleOutput,
			ErrorMessage:  runErr.Error(),
		}, nil
	}

	success := true
	for _, t := range tests {
		if !t.Passed {
			success = false
			break
		}
	}

	return Result{Success: success, Tests: tests, ConsoleOutput: consoleOutput}, nil
}

