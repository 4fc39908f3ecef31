package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
)

func assertSingleLine(t *testing.T, h *pipelineHarness, level string) recordedLine {
	t.Helper()
	lines := h.logger.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected exactly one outcome line, got %d: %#v", len(lines), lines)
	}
	if lines[0].level != level {
		t.Fatalf("expected %s line, got %s", level, lines[0].level)
	}
	return lines[0]
}

func TestStagesSuccessFlow(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.register(t, &Definition{
		Name:    "version",
		Handler: func(_ context.Context, _ Invocation) (any, error) { return map[string]any{"version": "1.4.0"}, nil },
	})

	rc := h.newCall("version", "req-1", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	if rc.Failed() {
		t.Fatalf("unexpected failure: %v", rc.Err())
	}
	rendered := rc.Rendered()
	if rendered == nil || rendered.StructuredContent == nil {
		t.Fatalf("expected rendered result, got %#v", rendered)
	}
	if len(rendered.Content) != 1 || rendered.Content[0].Type != "text" {
		t.Fatalf("expected text content block, got %#v", rendered.Content)
	}

	line := assertSingleLine(t, h, "info")
	if line.fields["operation"] != "version" {
		t.Fatalf("expected operation field, got %#v", line.fields)
	}
	if correlation, ok := line.fields["correlation_id"].(string); !ok || correlation == "" {
		t.Fatalf("expected correlation id field, got %#v", line.fields)
	}
	if !rc.Logged() {
		t.Fatal("expected context to be marked logged")
	}

	if _, global := h.limiter.InFlight("version"); global != 0 {
		t.Fatalf("expected slot released, got %d in flight", global)
	}
	if h.cancels.Live() != 0 {
		t.Fatalf("expected token removed, got %d live", h.cancels.Live())
	}
}

func TestStagesStringResultStaysPlain(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.register(t, &Definition{
		Name:    "doctor",
		Handler: func(_ context.Context, _ Invocation) (any, error) { return "all checks passed", nil },
	})

	rc := h.newCall("doctor", "req-1", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	rendered := rc.Rendered()
	if rendered == nil {
		t.Fatal("expected rendered result")
	}
	if rendered.StructuredContent != nil {
		t.Fatalf("string results carry no structured content, got %#v", rendered.StructuredContent)
	}
	if rendered.Content[0].Text != "all checks passed" {
		t.Fatalf("unexpected text: %q", rendered.Content[0].Text)
	}
}

func TestStagesValidationFailure(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.register(t, &Definition{
		Name: "screen.add",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"feature": {"type": "string"}},
			"required": ["feature"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, _ Invocation) (any, error) {
			t.Error("handler must not run on invalid arguments")
			return nil, nil
		},
	})

	rc := h.newCall("screen.add", "req-1", map[string]any{"bogus": true}, []byte(`{"bogus":true}`), false)
	h.pipeline.Execute(context.Background(), rc)

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindInvalidParams) {
		t.Fatalf("expected invalid_params, got %v", err)
	}
	if len(err.Violations) == 0 {
		t.Fatalf("expected violations, got %#v", err)
	}
	if rc.Invoked() {
		t.Fatal("handler must not have been invoked")
	}

	line := assertSingleLine(t, h, "error")
	if line.fields["error_kind"] != "invalid_params" {
		t.Fatalf("expected error kind field, got %#v", line.fields)
	}
}

func TestStagesConfirmationGate(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.register(t, &Definition{
		Name:                 "cache.clear",
		Destructive:          true,
		RequiresConfirmation: true,
		Handler: func(_ context.Context, _ Invocation) (any, error) {
			return "cleared", nil
		},
	})

	t.Run("without confirm", func(t *testing.T) {
		rc := h.newCall("cache.clear", "req-1", nil, nil, false)
		h.pipeline.Execute(context.Background(), rc)

		if !rterrors.IsKind(rc.Err(), rterrors.KindConfirmationRequired) {
			t.Fatalf("expected confirmation_required, got %v", rc.Err())
		}
		if rc.Invoked() {
			t.Fatal("handler must not run without confirmation")
		}
	})

	t.Run("with confirm", func(t *testing.T) {
		rc := h.newCall("cache.clear", "req-2", nil, nil, true)
		h.pipeline.Execute(context.Background(), rc)

		if rc.Failed() {
			t.Fatalf("unexpected failure: %v", rc.Err())
		}
		if rc.Rendered() == nil {
			t.Fatal("expected rendered result")
		}
	})
}

func TestStagesAdmissionDenied(t *testing.T) {
	cfg := &configpkg.Config{
		OperationConcurrencyLimits: map[string]int{"build.run": 1},
	}
	h := newPipelineHarness(t, cfg)
	h.register(t, &Definition{
		Name:    "build.run",
		Handler: func(_ context.Context, _ Invocation) (any, error) { return "built", nil },
	})

	if err := h.limiter.Admit("build.run"); err != nil {
		t.Fatalf("pre-occupying slot failed: %v", err)
	}
	defer h.limiter.Release("build.run")

	rc := h.newCall("build.run", "req-1", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindAdmissionDenied) {
		t.Fatalf("expected admission_denied, got %v", err)
	}
	if err.Current != 1 || err.Limit != 1 {
		t.Fatalf("expected current/limit 1/1, got %d/%d", err.Current, err.Limit)
	}
	if rc.Invoked() {
		t.Fatal("handler must not run when admission is refused")
	}
	assertSingleLine(t, h, "error")
}

func TestStagesTimeoutDetachesHandler(t *testing.T) {
	h := newPipelineHarness(t, nil)

	settled := make(chan struct{})
	blocked := make(chan struct{})
	h.register(t, &Definition{
		Name:    "app.run",
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, _ Invocation) (any, error) {
			<-ctx.Done()
			<-blocked
			defer close(settled)
			return "late result", nil
		},
	})

	rc := h.newCall("app.run", "req-1", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindTimedOut) {
		t.Fatalf("expected timed_out, got %v", err)
	}
	if err.Elapsed < 30*time.Millisecond {
		t.Fatalf("expected measured elapsed of at least the timeout, got %s", err.Elapsed)
	}
	if !rc.Detached() {
		t.Fatal("expected request to be detached")
	}

	line := assertSingleLine(t, h, "error")
	if line.fields["detached"] != true {
		t.Fatalf("expected detached field on outcome line, got %#v", line.fields)
	}

	// The handler is still holding its slot while it winds down.
	if _, global := h.limiter.InFlight("app.run"); global != 1 {
		t.Fatalf("expected slot still held by the detached handler, got %d", global)
	}

	close(blocked)
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("handler did not settle")
	}

	waitFor(t, time.Second, func() bool {
		_, global := h.limiter.InFlight("app.run")
		return global == 0
	})

	if rc.Result() != nil {
		t.Fatalf("late result must be dropped, got %v", rc.Result())
	}
	if lines := h.logger.Lines(); len(lines) != 1 {
		t.Fatalf("late settlement must not log again, got %d lines", len(lines))
	}
}

func TestStagesCancellation(t *testing.T) {
	h := newPipelineHarness(t, nil)

	started := make(chan struct{})
	h.register(t, &Definition{
		Name: "build.run",
		Handler: func(ctx context.Context, _ Invocation) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	rc := h.newCall("build.run", "req-9", nil, nil, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.Execute(context.Background(), rc)
	}()

	<-started
	if !h.cancels.Cancel("req-9") {
		t.Fatal("expected a live token for the in-flight request")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not settle after cancellation")
	}

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err.Operation != "build.run" {
		t.Fatalf("expected operation on error, got %q", err.Operation)
	}
	if h.cancels.Live() != 0 {
		t.Fatalf("expected token removed after settlement, got %d", h.cancels.Live())
	}
}

func TestStagesCooperativeCancellationStillSettlesCanceled(t *testing.T) {
	h := newPipelineHarness(t, nil)

	started := make(chan struct{})
	h.register(t, &Definition{
		Name: "app.run",
		Handler: func(_ context.Context, inv Invocation) (any, error) {
			close(started)
			// Wind down promptly on the token, the way well-behaved
			// handlers do, without surfacing an error of their own.
			<-inv.Token.Done()
			return nil, nil
		},
	})

	rc := h.newCall("app.run", "req-5", nil, nil, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.Execute(context.Background(), rc)
	}()

	<-started
	if !h.cancels.Cancel("req-5") {
		t.Fatal("expected a live token for the in-flight request")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not settle after cancellation")
	}

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err.Operation != "app.run" {
		t.Fatalf("expected operation on error, got %q", err.Operation)
	}
}

func TestStagesShutdownCancelsHandler(t *testing.T) {
	h := newPipelineHarness(t, nil)

	started := make(chan struct{})
	h.register(t, &Definition{
		Name: "app.run",
		Handler: func(ctx context.Context, _ Invocation) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	rc := h.newCall("app.run", "req-1", nil, nil, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.Execute(ctx, rc)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not settle after shutdown")
	}

	if !rterrors.IsKind(rc.Err(), rterrors.KindCanceled) {
		t.Fatalf("expected canceled on shutdown, got %v", rc.Err())
	}
}

func TestStagesHandlerErrors(t *testing.T) {
	t.Run("plain errors become internal", func(t *testing.T) {
		h := newPipelineHarness(t, nil)
		h.register(t, &Definition{
			Name:    "doctor",
			Handler: func(_ context.Context, _ Invocation) (any, error) { return nil, errors.New("flutter missing") },
		})

		rc := h.newCall("doctor", "req-1", nil, nil, false)
		h.pipeline.Execute(context.Background(), rc)

		err := rc.Err()
		if !rterrors.IsKind(err, rterrors.KindInternal) {
			t.Fatalf("expected internal, got %v", err)
		}
		if err.Message != "internal error" {
			t.Fatalf("internal causes must stay private, got %q", err.Message)
		}
		assertErrorContains(t, errors.Unwrap(err), "flutter missing")
	})

	t.Run("taxonomy errors pass through", func(t *testing.T) {
		h := newPipelineHarness(t, nil)
		h.register(t, &Definition{
			Name:    "context.export",
			Handler: func(_ context.Context, _ Invocation) (any, error) { return nil, rterrors.NotFound("export target") },
		})

		rc := h.newCall("context.export", "req-1", nil, nil, false)
		h.pipeline.Execute(context.Background(), rc)

		if !rterrors.IsKind(rc.Err(), rterrors.KindNotFound) {
			t.Fatalf("expected not_found to pass through, got %v", rc.Err())
		}
	})

	t.Run("handler panic becomes internal", func(t *testing.T) {
		h := newPipelineHarness(t, nil)
		h.register(t, &Definition{
			Name:    "project.create",
			Handler: func(_ context.Context, _ Invocation) (any, error) { panic("scaffold exploded") },
		})

		rc := h.newCall("project.create", "req-1", nil, nil, false)
		h.pipeline.Execute(context.Background(), rc)

		if !rterrors.IsKind(rc.Err(), rterrors.KindInternal) {
			t.Fatalf("expected internal, got %v", rc.Err())
		}
		assertSingleLine(t, h, "error")
		if _, global := h.limiter.InFlight("project.create"); global != 0 {
			t.Fatalf("expected slot released after panic, got %d", global)
		}
	})
}

func TestStagesUnknownOperation(t *testing.T) {
	h := newPipelineHarness(t, nil)

	rc := h.newCall("no.such.op", "req-1", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	err := rc.Err()
	if !rterrors.IsKind(err, rterrors.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if err.Operation != "no.such.op" {
		t.Fatalf("expected operation stamped by normalization, got %q", err.Operation)
	}
	assertSingleLine(t, h, "error")
}

func TestStagesProgressIsBoundToRequest(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.register(t, &Definition{
		Name: "build.run",
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			return "done", inv.Progress.Emit(ctx, ProgressEvent{
				RequestID: "someone-else",
				Message:   "compiling",
				Step:      1,
			})
		},
	})

	rc := h.newCall("build.run", "req-42", nil, nil, false)
	h.pipeline.Execute(context.Background(), rc)

	if rc.Failed() {
		t.Fatalf("unexpected failure: %v", rc.Err())
	}
	events := h.emitted.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].RequestID != "req-42" {
		t.Fatalf("expected bound request id, got %q", events[0].RequestID)
	}
	if events[0].Operation != "build.run" {
		t.Fatalf("expected bound operation, got %q", events[0].Operation)
	}
	if events[0].Message != "compiling" || events[0].Step != 1 {
		t.Fatalf("expected handler fields to survive, got %#v", events[0])
	}
}

func TestStagesConfigTimeoutOverrideWins(t *testing.T) {
	cfg := &configpkg.Config{
		OperationTimeouts: map[string]time.Duration{"app.run": 20 * time.Millisecond},
	}
	h := newPipelineHarness(t, cfg)
	h.register(t, &Definition{
		Name:    "app.run",
		Timeout: time.Hour,
		Handler: func(ctx context.Context, _ Invocation) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	rc := h.newCall("app.run", "req-1", nil, nil, false)
	start := time.Now()
	h.pipeline.Execute(context.Background(), rc)

	if !rterrors.IsKind(rc.Err(), rterrors.KindTimedOut) {
		t.Fatalf("expected timed_out, got %v", rc.Err())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("configured override was ignored, took %s", elapsed)
	}
	if rc.Err().Elapsed != 20*time.Millisecond {
		t.Fatalf("expected override duration, got %s", rc.Err().Elapsed)
	}
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
