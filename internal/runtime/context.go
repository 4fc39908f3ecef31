package runtime

import (
	"encoding/json"
	"sync"
	"time"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/ids"
	"github.com/fly-cli/flybridge/wire"
)

// Context carries one request through the pipeline. The binding fields are
// written once before the pipeline runs; the outcome fields are guarded by a
// mutex because a timed-out handler keeps running after the pipeline has
// returned and must not corrupt the settled outcome.
type Context struct {
	req           *wire.Request
	receivedAt    time.Time
	correlationID string

	op      *Definition
	opName  string
	args    map[string]any
	raw     json.RawMessage
	confirm bool

	token   *Token
	emitter Emitter
	timeout time.Duration

	mu       sync.Mutex
	release  func()
	result   any
	rendered *wire.ToolResult
	err      *rterrors.Error
	logged   bool
	invoked  bool
	detached bool
}

// NewContext builds the pipeline context for one received request. The
// correlation id is derived from the request id and receipt time so retries
// of the same id map to the same correlation id.
func NewContext(req *wire.Request, receivedAt time.Time) *Context {
	requestID := ""
	if req != nil {
		requestID = req.IDKey()
	}
	return &Context{
		req:           req,
		receivedAt:    receivedAt,
		correlationID: ids.DeriveCorrelationID(requestID, receivedAt),
		emitter:       NopEmitter{},
	}
}

// Request returns the wire request being processed.
func (c *Context) Request() *wire.Request { return c.req }

// Method returns the request method, or "" when there is no request.
func (c *Context) Method() string {
	if c.req == nil {
		return ""
	}
	return c.req.Method
}

// RequestID returns the client-supplied id as a registry key, or "" for
// notifications.
func (c *Context) RequestID() string {
	if c.req == nil {
		return ""
	}
	return c.req.IDKey()
}

// ReceivedAt returns when the request was read off the transport.
func (c *Context) ReceivedAt() time.Time { return c.receivedAt }

// Elapsed returns the time spent on the request so far.
func (c *Context) Elapsed() time.Duration { return time.Since(c.receivedAt) }

// CorrelationID returns the server-side id stamped on logs and progress
// events for this request.
func (c *Context) CorrelationID() string { return c.correlationID }

// Operation returns the resolved operation definition, or nil when
// resolution failed.
func (c *Context) Operation() *Definition { return c.op }

// OperationName returns the requested operation name even when no definition
// was resolved.
func (c *Context) OperationName() string { return c.opName }

// Arguments returns the decoded call arguments.
func (c *Context) Arguments() map[string]any { return c.args }

// RawArguments returns the undecoded argument bytes.
func (c *Context) RawArguments() json.RawMessage { return c.raw }

// Confirmed reports whether the call carried the explicit confirmation flag.
func (c *Context) Confirmed() bool { return c.confirm }

// Token returns the cancellation token, or nil before setup ran.
func (c *Context) Token() *Token { return c.token }

// Emitter returns the progress emitter bound to this request. Never nil.
func (c *Context) Emitter() Emitter { return c.emitter }

// Timeout returns the effective timeout resolved for this request.
func (c *Context) Timeout() time.Duration { return c.timeout }

func (c *Context) bindOperation(op *Definition, name string) {
	c.op = op
	c.opName = name
}

func (c *Context) bindArguments(args map[string]any, raw json.RawMessage, confirm bool) {
	c.args = args
	c.raw = raw
	c.confirm = confirm
}

func (c *Context) bindToken(tok *Token)        { c.token = tok }
func (c *Context) bindEmitter(emitter Emitter) { c.emitter = emitter }
func (c *Context) bindTimeout(d time.Duration) { c.timeout = d }

// setReleaser stores the admission slot release. The closure is wrapped so
// the slot is given back at most once no matter how many paths call
// ReleaseSlot.
func (c *Context) setReleaser(fn func()) {
	var once sync.Once
	c.mu.Lock()
	c.release = func() { once.Do(fn) }
	c.mu.Unlock()
}

// ReleaseSlot returns the admission slot, if one is held. Safe to call any
// number of times from any goroutine.
func (c *Context) ReleaseSlot() {
	c.mu.Lock()
	fn := c.release
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetResult records the handler's successful payload. Results arriving after
// the request detached are dropped.
func (c *Context) SetResult(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	c.result = v
}

// Result returns the recorded handler payload.
func (c *Context) Result() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Context) setRendered(r *wire.ToolResult) {
	c.mu.Lock()
	c.rendered = r
	c.mu.Unlock()
}

// Rendered returns the wire-shaped tool result, or nil when the request
// failed or conversion has not run.
func (c *Context) Rendered() *wire.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendered
}

// Fail records the failure for this request. The first recorded error wins;
// later calls are ignored so a late handler error cannot displace the
// timeout or cancellation that already settled the request.
func (c *Context) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = rterrors.Normalize(err)
	}
}

// Err returns the recorded failure, or nil.
func (c *Context) Err() *rterrors.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Failed reports whether a failure has been recorded.
func (c *Context) Failed() bool {
	return c.Err() != nil
}

func (c *Context) markLogged() {
	c.mu.Lock()
	c.logged = true
	c.mu.Unlock()
}

// Logged reports whether the outcome line for this request was emitted.
func (c *Context) Logged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logged
}

func (c *Context) markInvoked() {
	c.mu.Lock()
	c.invoked = true
	c.mu.Unlock()
}

// Invoked reports whether the handler was started.
func (c *Context) Invoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoked
}

func (c *Context) markDetached() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Detached reports whether the pipeline settled the request while the
// handler was still running.
func (c *Context) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}
