package runtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/wire"
)

func newHookTestContext(t *testing.T, operation string) *Context {
	t.Helper()
	req := &wire.Request{JSONRPC: wire.Version, ID: "req-1", Method: wire.MethodToolsCall}
	rc := NewContext(req, time.Now().Add(-15*time.Millisecond))
	rc.bindOperation(nil, operation)
	return rc
}

func TestRequestHooks_OnRequestStart(t *testing.T) {
	var called bool
	var captured HookContext

	hooks := RequestHooks{
		OnRequestStart: func(hc HookContext) {
			called = true
			captured = hc
		},
	}

	rc := newHookTestContext(t, "build.run")
	hooks.fireStart(rc)

	require.True(t, called)
	assert.Equal(t, "build.run", captured.Operation)
	assert.Equal(t, "req-1", captured.RequestID)
	assert.Equal(t, wire.MethodToolsCall, captured.Method)
	assert.NotEmpty(t, captured.CorrelationID)
	assert.False(t, captured.StartedAt.IsZero())
}

func TestRequestHooks_OnRequestDone(t *testing.T) {
	var called bool
	var captured HookContext

	hooks := RequestHooks{
		OnRequestDone: func(hc HookContext) {
			called = true
			captured = hc
		},
	}

	rc := newHookTestContext(t, "doctor")
	hooks.fireFinish(rc)

	require.True(t, called)
	assert.Equal(t, "doctor", captured.Operation)
	assert.True(t, captured.Duration >= 15*time.Millisecond)
	assert.False(t, captured.Detached)
}

func TestRequestHooks_OnRequestError(t *testing.T) {
	var called bool
	var captured HookContext
	var capturedErr error

	hooks := RequestHooks{
		OnRequestError: func(hc HookContext, err error) {
			called = true
			captured = hc
			capturedErr = err
		},
	}

	rc := newHookTestContext(t, "cache.clear")
	rc.Fail(rterrors.ConfirmationRequired("cache.clear"))
	hooks.fireFinish(rc)

	require.True(t, called)
	assert.Equal(t, "cache.clear", captured.Operation)
	assert.True(t, rterrors.IsKind(capturedErr, rterrors.KindConfirmationRequired))
}

func TestRequestHooks_ErrorSkipsDone(t *testing.T) {
	var doneCalled, errorCalled bool

	hooks := RequestHooks{
		OnRequestDone:  func(hc HookContext) { doneCalled = true },
		OnRequestError: func(hc HookContext, err error) { errorCalled = true },
	}

	rc := newHookTestContext(t, "build.run")
	rc.Fail(rterrors.TimedOut("build.run", time.Second))
	hooks.fireFinish(rc)

	assert.False(t, doneCalled)
	assert.True(t, errorCalled)
}

func TestRequestHooks_Merge(t *testing.T) {
	var calls []string
	var mu sync.Mutex

	record := func(name string) func(HookContext) {
		return func(HookContext) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	hooks1 := RequestHooks{
		OnRequestStart: record("start1"),
		OnRequestDone:  record("done1"),
	}
	hooks2 := RequestHooks{
		OnRequestStart: record("start2"),
		OnRequestDone:  record("done2"),
	}

	merged := hooks1.Merge(hooks2)

	rc := newHookTestContext(t, "doctor")
	merged.fireStart(rc)
	merged.fireFinish(rc)

	assert.Equal(t, []string{"start1", "start2", "done1", "done2"}, calls)
}

func TestRequestHooks_MergePartial(t *testing.T) {
	var calls []string

	hooks1 := RequestHooks{
		OnRequestStart: func(HookContext) { calls = append(calls, "start1") },
	}
	hooks2 := RequestHooks{
		OnRequestDone: func(HookContext) { calls = append(calls, "done2") },
	}

	merged := hooks1.Merge(hooks2)

	rc := newHookTestContext(t, "doctor")
	merged.fireStart(rc)
	merged.fireFinish(rc)

	assert.Contains(t, calls, "start1")
	assert.Contains(t, calls, "done2")
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordLogger()
	hooks := LoggingHooks(logger)

	rc := newHookTestContext(t, "build.run")
	hooks.fireStart(rc)
	hooks.fireFinish(rc)

	lines := logger.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "Request started", lines[0].msg)
	assert.Equal(t, "Request settled", lines[1].msg)
	assert.Equal(t, "debug", lines[0].level)
	assert.Equal(t, "build.run", lines[0].fields["operation"])

	rc = newHookTestContext(t, "build.run")
	rc.Fail(rterrors.Internal(errors.New("boom")))
	hooks.fireFinish(rc)

	lines = logger.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "Request settled with error", lines[2].msg)
}

func TestMetricsHooks(t *testing.T) {
	var startOps, doneOps, errorOps []string

	hooks := MetricsHooks(
		func(op string) { startOps = append(startOps, op) },
		func(op string) { doneOps = append(doneOps, op) },
		func(op string) { errorOps = append(errorOps, op) },
	)

	rc := newHookTestContext(t, "app.run")
	hooks.fireStart(rc)
	hooks.fireFinish(rc)

	failing := newHookTestContext(t, "app.run")
	failing.Fail(rterrors.Canceled("app.run"))
	hooks.fireStart(failing)
	hooks.fireFinish(failing)

	assert.Equal(t, []string{"app.run", "app.run"}, startOps)
	assert.Equal(t, []string{"app.run"}, doneOps)
	assert.Equal(t, []string{"app.run"}, errorOps)
}

func TestAlertingHooks(t *testing.T) {
	var alertCalled bool
	var capturedErr error

	hooks := AlertingHooks(func(hc HookContext, err error) {
		alertCalled = true
		capturedErr = err
	})

	rc := newHookTestContext(t, "build.run")
	rc.Fail(rterrors.Internal(errors.New("alert error")))
	hooks.fireFinish(rc)

	require.True(t, alertCalled)
	assert.True(t, rterrors.IsKind(capturedErr, rterrors.KindInternal))
}
