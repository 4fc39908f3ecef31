package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	"github.com/fly-cli/flybridge/transport/pipe"
	"github.com/fly-cli/flybridge/wire"
)

// serverHarness runs a full server over an in-process pipe and exposes the
// client end for driving it.
type serverHarness struct {
	t      *testing.T
	server *Server
	logger *recordLogger
	client *pipe.Client
	cancel context.CancelFunc
	done   chan error

	finished bool
}

func newServerHarness(t *testing.T, cfg *configpkg.Config, defs ...*Definition) *serverHarness {
	t.Helper()
	if cfg == nil {
		cfg = &configpkg.Config{}
	}

	logger := newRecordLogger()
	server, err := NewServer(cfg, logger, Dependencies{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	for _, def := range defs {
		if err := server.Register(def); err != nil {
			t.Fatalf("register %q failed: %v", def.Name, err)
		}
	}

	conn, client := pipe.New(cfg.MessageSizeLimit())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, conn) }()

	h := &serverHarness{
		t:      t,
		server: server,
		logger: logger,
		client: client,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *serverHarness) stop() {
	h.cancel()
	h.client.Close()
	if h.finished {
		return
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Errorf("server did not stop")
	}
}

// wait blocks until Serve returns and reports its error.
func (h *serverHarness) wait() error {
	select {
	case err := <-h.done:
		h.finished = true
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("server did not stop")
		return nil
	}
}

func (h *serverHarness) send(id any, method string, params any) {
	h.t.Helper()
	req := &wire.Request{JSONRPC: wire.Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			h.t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	if err := h.client.Send(req); err != nil {
		h.t.Fatalf("send %s: %v", method, err)
	}
}

func (h *serverHarness) call(id, operation string, args any, confirm bool) {
	h.t.Helper()
	params := wire.CallParams{Name: operation, Confirm: confirm}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			h.t.Fatalf("marshal arguments: %v", err)
		}
		params.Arguments = raw
	}
	h.send(id, wire.MethodToolsCall, params)
}

// nextResponse reads messages until a response arrives, discarding
// notifications.
func (h *serverHarness) nextResponse() *pipe.Inbound {
	h.t.Helper()
	for {
		msg, err := h.client.Next()
		if err != nil {
			h.t.Fatalf("reading response: %v", err)
		}
		if !msg.IsNotification() {
			return msg
		}
	}
}

func (h *serverHarness) toolText(msg *pipe.Inbound) string {
	h.t.Helper()
	if msg.Error != nil {
		h.t.Fatalf("unexpected error response: %+v", msg.Error)
	}
	var result wire.ToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		h.t.Fatalf("decoding tool result: %v", err)
	}
	if len(result.Content) == 0 {
		h.t.Fatalf("tool result has no content")
	}
	return result.Content[0].Text
}

func echoDefinition(name string) *Definition {
	return &Definition{
		Name: name,
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			return "echo:" + inv.Operation, nil
		},
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := &configpkg.Config{GlobalConcurrencyLimit: -1}
	if _, err := NewServer(cfg, nil, Dependencies{}); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestServerAnswersToolCallOverPipe(t *testing.T) {
	h := newServerHarness(t, nil, echoDefinition("greet"))

	h.call("1", "greet", nil, false)
	msg := h.nextResponse()

	if got := h.toolText(msg); got != "echo:greet" {
		t.Fatalf("expected echo result, got %q", got)
	}
	if id, ok := msg.ID.(string); !ok || id != "1" {
		t.Fatalf("expected response id 1, got %v", msg.ID)
	}
}

func TestServerInitializeHandshake(t *testing.T) {
	h := newServerHarness(t, &configpkg.Config{ServerName: "fly-dev", ServerVersion: "1.2.3"})

	h.send("init", wire.MethodInitialize, nil)
	msg := h.nextResponse()

	var result wire.InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decoding initialize result: %v", err)
	}
	if result.ProtocolVersion != wire.ProtocolVersion {
		t.Fatalf("unexpected protocol version %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "fly-dev" || result.ServerInfo.Version != "1.2.3" {
		t.Fatalf("unexpected server info %+v", result.ServerInfo)
	}
}

func TestServerShutdownDrainsAndStops(t *testing.T) {
	h := newServerHarness(t, nil)

	h.send("bye", wire.MethodShutdown, nil)
	msg := h.nextResponse()
	if msg.Error != nil {
		t.Fatalf("shutdown refused: %+v", msg.Error)
	}

	if err := h.wait(); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestServerStopsOnClientEOF(t *testing.T) {
	h := newServerHarness(t, nil)

	h.client.Close()
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean stop on EOF, got %v", err)
	}
}

func TestServerRefusesOversizedLineAndKeepsReading(t *testing.T) {
	h := newServerHarness(t, &configpkg.Config{MaxMessageSize: 512}, echoDefinition("greet"))

	h.call("big", "greet", map[string]any{"payload": strings.Repeat("x", 2048)}, false)
	msg := h.nextResponse()
	if msg.Error == nil || msg.Error.Code != wire.CodeParseError {
		t.Fatalf("expected parse error for oversized line, got %+v", msg.Error)
	}
	if msg.ID != nil {
		t.Fatalf("expected null id on refusal, got %v", msg.ID)
	}

	h.send("ping-1", wire.MethodPing, nil)
	reply := h.nextResponse()
	if reply.Error != nil {
		t.Fatalf("stream unusable after oversized line: %+v", reply.Error)
	}
}

func TestServerForwardsProgressNotifications(t *testing.T) {
	def := &Definition{
		Name: "worker",
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			if err := inv.Progress.Emit(ctx, ProgressEvent{Message: "halfway", Percent: 50}); err != nil {
				return nil, err
			}
			return "done", nil
		},
	}
	h := newServerHarness(t, nil, def)

	h.call("prog-1", "worker", nil, false)

	var sawResponse, sawProgress bool
	var event ProgressEvent
	for !sawResponse || !sawProgress {
		msg, err := h.client.Next()
		if err != nil {
			t.Fatalf("reading message: %v", err)
		}
		if msg.IsNotification() {
			if msg.Method != wire.MethodProgress {
				t.Fatalf("unexpected notification %q", msg.Method)
			}
			if err := json.Unmarshal(msg.Params, &event); err != nil {
				t.Fatalf("decoding progress params: %v", err)
			}
			sawProgress = true
			continue
		}
		if msg.Error != nil {
			t.Fatalf("call failed: %+v", msg.Error)
		}
		sawResponse = true
	}

	if event.RequestID != "prog-1" || event.Operation != "worker" {
		t.Fatalf("progress not stamped with request identity: %+v", event)
	}
	if event.Message != "halfway" || event.Percent != 50 {
		t.Fatalf("unexpected progress payload: %+v", event)
	}
}

func TestServerCancelsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	def := &Definition{
		Name: "slow",
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			close(started)
			select {
			case <-inv.Token.Done():
				return nil, nil
			case <-time.After(5 * time.Second):
				return "finished", nil
			}
		},
	}
	h := newServerHarness(t, nil, def)

	h.call("slow-1", "slow", nil, false)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never started")
	}

	n, err := wire.NewNotification(wire.MethodCancelled, wire.CancelledParams{RequestID: "slow-1", Reason: "user"})
	if err != nil {
		t.Fatalf("building cancellation: %v", err)
	}
	if err := h.client.Notify(n); err != nil {
		t.Fatalf("sending cancellation: %v", err)
	}

	msg := h.nextResponse()
	if msg.Error == nil || msg.Error.Code != wire.CodeRequestCancelled {
		t.Fatalf("expected cancellation error, got %+v", msg.Error)
	}
}

func TestServerAppliesDefinitionConcurrencyLimit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	def := &Definition{
		Name:             "gated",
		ConcurrencyLimit: 1,
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			close(started)
			<-release
			return "first", nil
		},
	}
	h := newServerHarness(t, nil, def)

	h.call("g1", "gated", nil, false)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first call never started")
	}

	h.call("g2", "gated", nil, false)
	denied := h.nextResponse()
	if denied.Error == nil || denied.Error.Code != wire.CodeAdmissionDenied {
		t.Fatalf("expected admission denied, got %+v", denied.Error)
	}
	data, ok := denied.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected structured error data, got %T", denied.Error.Data)
	}
	if limit, _ := data["limit"].(float64); limit != 1 {
		t.Fatalf("expected limit 1 in error data, got %v", data["limit"])
	}

	close(release)
	first := h.nextResponse()
	if got := h.toolText(first); got != "first" {
		t.Fatalf("expected first call to finish, got %q", got)
	}
}

func TestServerHandlersShareLogStore(t *testing.T) {
	var h *serverHarness
	def := &Definition{
		Name: "capture",
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			if _, err := h.server.Logs().Writer("build/1").Write([]byte("compiled 3 targets")); err != nil {
				return nil, err
			}
			return "ok", nil
		},
	}
	h = newServerHarness(t, nil, def)

	h.call("c1", "capture", nil, false)
	if msg := h.nextResponse(); msg.Error != nil {
		t.Fatalf("capture failed: %+v", msg.Error)
	}

	h.send("r1", wire.MethodResourcesRead, wire.ReadResourceParams{URI: "logs://build/1"})
	msg := h.nextResponse()
	if msg.Error != nil {
		t.Fatalf("resource read failed: %+v", msg.Error)
	}
	var result wire.ReadResourceResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decoding read result: %v", err)
	}
	if !strings.Contains(result.Content, "compiled 3 targets") {
		t.Fatalf("log content missing, got %q", result.Content)
	}
}

func TestServerRegistrationClosesOnServe(t *testing.T) {
	h := newServerHarness(t, nil, echoDefinition("greet"))

	h.send("p", wire.MethodPing, nil)
	h.nextResponse()

	if err := h.server.Register(echoDefinition("late")); err == nil {
		t.Fatalf("expected registration to fail after Serve")
	}
}

func TestServerDiagnosticsReportsState(t *testing.T) {
	h := newServerHarness(t, nil, echoDefinition("greet"))

	h.call("d1", "greet", nil, false)
	h.nextResponse()

	report := h.server.Diagnostics()
	if report.Host.GoVersion == "" || report.Host.NumCPU <= 0 {
		t.Fatalf("host info incomplete: %+v", report.Host)
	}
	if report.Stats.Requests == 0 {
		t.Fatalf("expected at least one tracked request")
	}
	found := false
	for _, check := range report.Checks {
		if check.Name == "limiter" && check.Status == HealthStatusOK {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected healthy limiter check, got %+v", report.Checks)
	}
}
