package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	loggingpkg "github.com/fly-cli/flybridge/internal/runtime/logging"
	"github.com/fly-cli/flybridge/wire"
)

// recordLogger captures log calls so tests can count outcome lines.
type recordLogger struct {
	mu     sync.Mutex
	fields loggingpkg.LogFields
	lines  *[]recordedLine
}

type recordedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

func newRecordLogger() *recordLogger {
	return &recordLogger{lines: &[]recordedLine{}}
}

func (l *recordLogger) append(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.lines = append(*l.lines, recordedLine{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordLogger) Lines() []recordedLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := make([]recordedLine, len(*l.lines))
	copy(clone, *l.lines)
	return clone
}

func (l *recordLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordLogger{fields: merged, lines: l.lines}
}

func (l *recordLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.append("debug", msg, nil, fields)
}

func (l *recordLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.append("info", msg, nil, fields)
}

func (l *recordLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.append("error", msg, err, fields)
}

func (l *recordLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.append("trace", msg, nil, fields)
}

// pipelineHarness wires the standard stages with recording collaborators.
type pipelineHarness struct {
	cfg      *configpkg.Config
	logger   *recordLogger
	limiter  *Limiter
	cancels  *CancelRegistry
	registry *Registry
	emitted  *emitRecorder
	pipeline *Pipeline
}

type emitRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *emitRecorder) record(event ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *emitRecorder) Events() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := make([]ProgressEvent, len(r.events))
	copy(clone, r.events)
	return clone
}

func newPipelineHarness(t *testing.T, cfg *configpkg.Config) *pipelineHarness {
	t.Helper()
	if cfg == nil {
		cfg = &configpkg.Config{}
	}

	h := &pipelineHarness{
		cfg:      cfg,
		logger:   newRecordLogger(),
		limiter:  NewLimiter(cfg.GlobalLimit(), cfg.OperationConcurrencyLimits),
		cancels:  NewCancelRegistry(),
		registry: NewRegistry(),
		emitted:  &emitRecorder{},
	}

	emitter := emitterFunc(func(_ context.Context, event ProgressEvent) error {
		h.emitted.record(event)
		return nil
	})

	pipeline, err := NewPipeline(StandardStages(cfg, h.logger, h.limiter, h.cancels, emitter)...)
	if err != nil {
		t.Fatalf("pipeline init failed: %v", err)
	}
	h.pipeline = pipeline
	return h
}

// register compiles and registers def, failing the test on error.
func (h *pipelineHarness) register(t *testing.T, def *Definition) *Definition {
	t.Helper()
	if err := h.registry.Register(def); err != nil {
		t.Fatalf("register %q failed: %v", def.Name, err)
	}
	return def
}

// newCall builds a bound context for a tools/call of the named operation.
func (h *pipelineHarness) newCall(name, requestID string, args map[string]any, raw []byte, confirm bool) *Context {
	req := &wire.Request{JSONRPC: wire.Version, Method: wire.MethodToolsCall}
	if requestID != "" {
		req.ID = requestID
	}
	rc := NewContext(req, time.Now())
	def, _ := h.registry.Resolve(name)
	rc.bindOperation(def, name)
	if args == nil {
		args = map[string]any{}
	}
	rc.bindArguments(args, raw, confirm)
	return rc
}

func assertErrorContains(t *testing.T, err error, fragment string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("expected error containing %q, got %q", fragment, err.Error())
	}
}
