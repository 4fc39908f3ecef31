package runtime

import (
	"context"
	"time"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	"github.com/fly-cli/flybridge/internal/runtime/logging"
	"github.com/fly-cli/flybridge/internal/runtime/resources"
	"github.com/fly-cli/flybridge/wire"
)

// Dispatcher resolves inbound messages to methods and produces exactly one
// terminal outcome per request: a success payload or a structured error. Tool
// calls run through the pipeline; the narrow protocol methods are answered
// inline. Either way one structured log line records the outcome under the
// request's correlation id.
type Dispatcher struct {
	cfg      *configpkg.Config
	logger   logging.ServiceLogger
	registry *Registry
	pipeline *Pipeline
	cancels  *CancelRegistry
	store    *resources.Store
	stats    *Stats
	metrics  *Metrics
	hooks    RequestHooks

	// onShutdown is invoked once when a shutdown request is accepted.
	onShutdown func()
}

// NewDispatcher wires a dispatcher. logger, registry, pipeline, and cancels
// are required; the rest may be nil and the related behavior is skipped.
func NewDispatcher(cfg *configpkg.Config, logger logging.ServiceLogger, registry *Registry, pipeline *Pipeline, cancels *CancelRegistry, store *resources.Store, stats *Stats, metrics *Metrics, hooks RequestHooks, onShutdown func()) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		pipeline:   pipeline,
		cancels:    cancels,
		store:      store,
		stats:      stats,
		metrics:    metrics,
		hooks:      hooks,
		onShutdown: onShutdown,
	}
}

// Dispatch processes one inbound message. The returned response is nil for
// notifications; everything else gets exactly one response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.Request, receivedAt time.Time) *wire.Response {
	if req == nil {
		return nil
	}

	rc := NewContext(req, receivedAt)

	if req.HasInvalidID() {
		err := rterrors.Malformed(nil)
		err.Message = "request id must be a string or a number"
		d.logOutcome(rc, err)
		return wire.NewErrorResponse(nil, WireError(err))
	}

	if req.IsNotification() {
		d.dispatchNotification(rc)
		return nil
	}

	switch req.Method {
	case wire.MethodToolsCall:
		return d.dispatchToolCall(ctx, rc)
	case wire.MethodInitialize:
		return d.respond(rc, d.initializeResult(), nil)
	case wire.MethodPing:
		return d.respond(rc, struct{}{}, nil)
	case wire.MethodShutdown:
		if d.onShutdown != nil {
			d.onShutdown()
		}
		return d.respond(rc, struct{}{}, nil)
	case wire.MethodToolsList:
		return d.respond(rc, d.listTools(), nil)
	case wire.MethodResourcesList:
		result, err := d.listResources(req.Params)
		return d.respond(rc, result, err)
	case wire.MethodResourcesRead:
		result, err := d.readResource(req.Params)
		return d.respond(rc, result, err)
	default:
		return d.respond(rc, nil, rterrors.UnknownMethod(req.Method))
	}
}

// dispatchNotification handles inbound messages that expect no response.
// Unknown notifications are logged and dropped, per JSON-RPC.
func (d *Dispatcher) dispatchNotification(rc *Context) {
	req := rc.Request()
	switch req.Method {
	case wire.MethodCancelled:
		var params wire.CancelledParams
		if len(req.Params) > 0 {
			if err := jsoncodec.Unmarshal(req.Params, &params); err != nil {
				d.logOutcome(rc, rterrors.Malformed(err))
				return
			}
		}
		live := false
		if d.cancels != nil && params.RequestID != "" {
			live = d.cancels.Cancel(params.RequestID)
		}
		d.logger.Debug("cancellation received", logging.LogFields{
			"correlation_id": rc.CorrelationID(),
			"target_request": params.RequestID,
			"reason":         params.Reason,
			"was_live":       live,
		})
	default:
		d.logger.Debug("notification dropped", logging.LogFields{
			"correlation_id": rc.CorrelationID(),
			"method":         req.Method,
		})
	}
}

// dispatchToolCall binds the call onto the context and drives the pipeline.
// Refusals (unknown operation, undecodable arguments) are recorded on the
// context before execution so they unwind through the same conversion and
// logging stages as every other outcome.
func (d *Dispatcher) dispatchToolCall(ctx context.Context, rc *Context) *wire.Response {
	req := rc.Request()

	var call wire.CallParams
	if len(req.Params) > 0 {
		if err := jsoncodec.Unmarshal(req.Params, &call); err != nil {
			rc.Fail(rterrors.InvalidParams("", []rterrors.Violation{
				{Message: "params do not decode: " + err.Error()},
			}))
		}
	}

	var def *Definition
	if !rc.Failed() {
		if d.registry != nil {
			def, _ = d.registry.Resolve(call.Name)
		}
		rc.bindOperation(def, call.Name)

		args := map[string]any{}
		if len(call.Arguments) > 0 {
			if err := jsoncodec.Unmarshal(call.Arguments, &args); err != nil {
				rc.Fail(rterrors.InvalidParams(call.Name, []rterrors.Violation{
					{Field: "arguments", Message: "arguments must be a JSON object"},
				}))
			}
		}
		rc.bindArguments(args, call.Arguments, call.Confirm)
	}

	d.hooks.fireStart(rc)
	d.metrics.RequestStarted(rc.OperationName())
	finish := d.stats.Track(rc.OperationName())

	d.pipeline.Execute(ctx, rc)

	err := rc.Err()
	finish(rc.Elapsed(), err, rc.Detached())
	d.metrics.RequestSettled(rc.OperationName(), rc.Elapsed(), err, rc.Detached())
	d.hooks.fireFinish(rc)

	// A stage panic can unwind past the log stage's post-next work; emit the
	// line here so the request still leaves exactly one.
	if !rc.Logged() {
		d.logOutcome(rc, err)
	}

	if err != nil {
		return wire.NewErrorResponse(req.ID, WireError(err))
	}
	return d.successResponse(rc, rc.Rendered())
}

func (d *Dispatcher) initializeResult() wire.InitializeResult {
	info := wire.ServerInfo{Name: "flybridge", Version: "dev"}
	if d.cfg != nil {
		if d.cfg.ServerName != "" {
			info.Name = d.cfg.ServerName
		}
		if d.cfg.ServerVersion != "" {
			info.Version = d.cfg.ServerVersion
		}
	}

	caps := wire.Capabilities{Tools: &wire.ToolsCapability{}}
	if d.store != nil {
		caps.Resources = &wire.ResourcesCapability{}
	}
	return wire.InitializeResult{
		ProtocolVersion: wire.ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      info,
	}
}

func (d *Dispatcher) listTools() wire.ListToolsResult {
	result := wire.ListToolsResult{Tools: []wire.ToolDescriptor{}}
	if d.registry == nil {
		return result
	}
	for _, def := range d.registry.Definitions() {
		result.Tools = append(result.Tools, def.Descriptor())
	}
	return result
}

func (d *Dispatcher) listResources(raw []byte) (any, error) {
	if d.store == nil {
		return nil, rterrors.NotFound("resource store")
	}
	var params wire.ListResourcesParams
	if len(raw) > 0 {
		if err := jsoncodec.Unmarshal(raw, &params); err != nil {
			return nil, rterrors.InvalidParams("", []rterrors.Violation{
				{Message: "params do not decode: " + err.Error()},
			})
		}
	}
	return d.store.List(params)
}

func (d *Dispatcher) readResource(raw []byte) (any, error) {
	if d.store == nil {
		return nil, rterrors.NotFound("resource store")
	}
	var params wire.ReadResourceParams
	if len(raw) > 0 {
		if err := jsoncodec.Unmarshal(raw, &params); err != nil {
			return nil, rterrors.InvalidParams("", []rterrors.Violation{
				{Message: "params do not decode: " + err.Error()},
			})
		}
	}
	if params.URI == "" {
		return nil, rterrors.InvalidParams("", []rterrors.Violation{
			{Field: "uri", Message: "uri is required"},
		})
	}
	return d.store.Read(params)
}

// respond settles a non-pipeline method: one log line, one response.
func (d *Dispatcher) respond(rc *Context, result any, err error) *wire.Response {
	if err != nil {
		typed := rterrors.Normalize(err)
		d.logOutcome(rc, typed)
		return wire.NewErrorResponse(rc.Request().ID, WireError(typed))
	}
	d.logOutcome(rc, nil)

	resp, marshalErr := wire.NewResponse(rc.Request().ID, result)
	if marshalErr != nil {
		typed := rterrors.Internal(marshalErr)
		return wire.NewErrorResponse(rc.Request().ID, WireError(typed))
	}
	return resp
}

func (d *Dispatcher) successResponse(rc *Context, result *wire.ToolResult) *wire.Response {
	resp, err := wire.NewResponse(rc.Request().ID, result)
	if err != nil {
		typed := rterrors.Internal(err)
		d.logger.Error("encoding response failed", typed, logging.LogFields{
			"correlation_id": rc.CorrelationID(),
		})
		return wire.NewErrorResponse(rc.Request().ID, WireError(typed))
	}
	return resp
}

// logOutcome emits the structured outcome line for requests that did not go
// through the pipeline's log stage.
func (d *Dispatcher) logOutcome(rc *Context, err *rterrors.Error) {
	fields := logging.LogFields{
		"correlation_id": rc.CorrelationID(),
		"method":         rc.Method(),
		"request_id":     rc.RequestID(),
		"duration_ms":    rc.Elapsed().Milliseconds(),
	}
	if op := rc.OperationName(); op != "" {
		fields["operation"] = op
	}
	if err != nil {
		fields["error_kind"] = string(err.Kind)
		d.logger.Error("request failed", err, fields)
		return
	}
	d.logger.Info("request completed", fields)
}

// WireError renders a taxonomy error as the protocol error payload. Advisory
// fields ride in data so clients can retry, wait, or fix input without
// another round-trip.
func WireError(err *rterrors.Error) *wire.Error {
	if err == nil {
		return nil
	}

	data := map[string]any{"kind": string(err.Kind)}
	if err.Operation != "" {
		data["operation"] = err.Operation
	}

	code := wire.CodeInternalError
	switch err.Kind {
	case rterrors.KindMalformedMessage:
		code = wire.CodeParseError
	case rterrors.KindUnknownMethod:
		code = wire.CodeMethodNotFound
	case rterrors.KindInvalidParams:
		code = wire.CodeInvalidParams
		if len(err.Violations) > 0 {
			data["violations"] = err.Violations
		}
	case rterrors.KindCanceled:
		code = wire.CodeRequestCancelled
	case rterrors.KindTimedOut:
		code = wire.CodeTimedOut
		data["elapsedMs"] = err.Elapsed.Milliseconds()
	case rterrors.KindAdmissionDenied:
		code = wire.CodeAdmissionDenied
		data["current"] = err.Current
		data["limit"] = err.Limit
	case rterrors.KindNotFound:
		code = wire.CodeNotFound
	case rterrors.KindConfirmationRequired:
		code = wire.CodeConfirmationRequired
	}

	return &wire.Error{Code: code, Message: err.Error(), Data: data}
}
