package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fly-cli/flybridge/internal/runtime/config"
	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	"github.com/fly-cli/flybridge/internal/runtime/logging"
	"github.com/fly-cli/flybridge/internal/runtime/schema"
	"github.com/fly-cli/flybridge/wire"
)

// normalizeStage is the outermost stage. After the rest of the pipeline has
// unwound it stamps the operation name onto errors that lack one, so every
// failure leaves the pipeline fully classified.
type normalizeStage struct{}

func NewNormalizeStage() Stage { return normalizeStage{} }

func (normalizeStage) ID() StageID   { return StageNormalize }
func (normalizeStage) Priority() int { return PriorityNormalize }

func (normalizeStage) Run(ctx context.Context, rc *Context, next Next) {
	next(ctx, rc)

	err := rc.Err()
	if err == nil {
		return
	}
	if err.Operation == "" {
		err.Operation = rc.OperationName()
	}
}

// logStage emits the outcome line for the request: exactly one line whether
// the request succeeded, was refused early, or timed out.
type logStage struct {
	logger logging.ServiceLogger
}

func NewLogStage(logger logging.ServiceLogger) Stage {
	if logger == nil {
		logger = logging.Nop()
	}
	return logStage{logger: logger}
}

func (logStage) ID() StageID   { return StageLog }
func (logStage) Priority() int { return PriorityLog }

func (s logStage) Run(ctx context.Context, rc *Context, next Next) {
	next(ctx, rc)

	fields := logging.LogFields{
		"correlation_id": rc.CorrelationID(),
		"method":         rc.Method(),
		"operation":      rc.OperationName(),
		"request_id":     rc.RequestID(),
		"duration_ms":    rc.Elapsed().Milliseconds(),
	}
	if rc.Detached() {
		fields["detached"] = true
	}

	if err := rc.Err(); err != nil {
		fields["error_kind"] = string(err.Kind)
		s.logger.Error("request failed", err, fields)
	} else {
		s.logger.Info("request completed", fields)
	}
	rc.markLogged()
}

// traceStage wraps the inner stages in an OpenTelemetry span. The span ends
// before the outcome line is written, so its duration covers conversion
// through invocation.
type traceStage struct{}

func NewTraceStage() Stage { return traceStage{} }

func (traceStage) ID() StageID   { return StageTrace }
func (traceStage) Priority() int { return PriorityTrace }

func (traceStage) Run(ctx context.Context, rc *Context, next Next) {
	tracer := otel.Tracer("flybridge-request-tracer")
	ctx, span := tracer.Start(ctx, "HandleRequest")
	defer span.End()

	span.SetAttributes(
		attribute.String("request.method", rc.Method()),
		attribute.String("request.operation", rc.OperationName()),
		attribute.String("request.correlation_id", rc.CorrelationID()),
	)

	next(ctx, rc)

	if err := rc.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(err.Kind))
	}
}

// convertStage renders the handler result into the wire tool-result shape.
// A run that settled with neither a result nor an error is converted into an
// internal error here, before the outcome is logged.
type convertStage struct{}

func NewConvertStage() Stage { return convertStage{} }

func (convertStage) ID() StageID   { return StageConvert }
func (convertStage) Priority() int { return PriorityConvert }

func (convertStage) Run(ctx context.Context, rc *Context, next Next) {
	next(ctx, rc)

	if rc.Failed() {
		return
	}
	if !rc.Invoked() && rc.Result() == nil {
		rc.Fail(rterrors.Internal(errors.New("pipeline settled without an outcome")))
		return
	}

	rendered, err := RenderResult(rc.Result())
	if err != nil {
		rc.Fail(rterrors.Internal(err))
		return
	}
	rc.setRendered(rendered)
}

// RenderResult shapes a handler result for the wire. Strings become plain
// text content; everything else is serialized and carried both as text and
// as structured content.
func RenderResult(v any) (*wire.ToolResult, error) {
	switch result := v.(type) {
	case nil:
		return &wire.ToolResult{Content: []wire.ContentBlock{wire.TextContent("ok")}}, nil
	case string:
		return &wire.ToolResult{Content: []wire.ContentBlock{wire.TextContent(result)}}, nil
	case *wire.ToolResult:
		return result, nil
	default:
		payload, err := jsoncodec.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling handler result: %w", err)
		}
		return &wire.ToolResult{
			Content:           []wire.ContentBlock{wire.TextContent(string(payload))},
			StructuredContent: result,
		}, nil
	}
}

// validateStage checks the call arguments against the operation's compiled
// input schema. Requests that arrived with a failure already recorded, such
// as an unresolved operation name, stop here so the execution stages never
// see them.
type validateStage struct{}

func NewValidateStage() Stage { return validateStage{} }

func (validateStage) ID() StageID   { return StageValidate }
func (validateStage) Priority() int { return PriorityValidate }

func (validateStage) Run(ctx context.Context, rc *Context, next Next) {
	if rc.Failed() {
		return
	}
	def := rc.Operation()
	if def == nil {
		rc.Fail(rterrors.NotFound(fmt.Sprintf("operation %q", rc.OperationName())))
		return
	}

	if def.compiledInput != nil {
		if violations := schema.Validate(def.compiledInput, rc.argumentsForValidation()); len(violations) > 0 {
			rc.Fail(rterrors.InvalidParams(def.Name, violations))
			return
		}
	}

	next(ctx, rc)
}

func (c *Context) argumentsForValidation() any {
	if c.args == nil {
		return map[string]any{}
	}
	return c.args
}

// confirmStage refuses confirmation-gated operations called without the
// explicit confirm flag.
type confirmStage struct{}

func NewConfirmStage() Stage { return confirmStage{} }

func (confirmStage) ID() StageID   { return StageConfirm }
func (confirmStage) Priority() int { return PriorityConfirm }

func (confirmStage) Run(ctx context.Context, rc *Context, next Next) {
	def := rc.Operation()
	if rc.Failed() || def == nil {
		return
	}
	if def.RequiresConfirmation && !rc.Confirmed() {
		rc.Fail(rterrors.ConfirmationRequired(def.Name))
		return
	}
	next(ctx, rc)
}

// setupStage resolves the effective timeout, registers the cancellation
// token under the request id, and binds the progress emitter to the request.
// The token is deregistered on the way out, so a cancellation arriving after
// settlement finds nothing.
type setupStage struct {
	cfg     *config.Config
	cancels *CancelRegistry
	emitter Emitter
}

func NewSetupStage(cfg *config.Config, cancels *CancelRegistry, emitter Emitter) Stage {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return setupStage{cfg: cfg, cancels: cancels, emitter: emitter}
}

func (setupStage) ID() StageID   { return StageSetup }
func (setupStage) Priority() int { return PrioritySetup }

func (s setupStage) Run(ctx context.Context, rc *Context, next Next) {
	def := rc.Operation()
	if rc.Failed() || def == nil {
		return
	}

	timeout, overridden := s.cfg.TimeoutOverride(def.Name)
	if !overridden {
		if def.Timeout > 0 {
			timeout = def.Timeout
		} else {
			timeout = s.cfg.TimeoutFor(def.Name)
		}
	}
	rc.bindTimeout(timeout)

	requestID := rc.RequestID()
	if requestID != "" && s.cancels != nil {
		rc.bindToken(s.cancels.Register(requestID))
	} else {
		rc.bindToken(newToken())
	}
	rc.bindEmitter(BindEmitter(s.emitter, requestID, def.Name, rc.CorrelationID()))

	next(ctx, rc)

	if requestID != "" && s.cancels != nil {
		s.cancels.Remove(requestID)
	}
}

// admitStage asks the concurrency limiter for a slot and stores the release
// handle on the context. The slot is released on the way out unless the
// request detached, in which case the invoke stage releases it when the
// handler finally settles.
type admitStage struct {
	limiter *Limiter
}

func NewAdmitStage(limiter *Limiter) Stage { return admitStage{limiter: limiter} }

func (admitStage) ID() StageID   { return StageAdmit }
func (admitStage) Priority() int { return PriorityAdmit }

func (s admitStage) Run(ctx context.Context, rc *Context, next Next) {
	def := rc.Operation()
	if rc.Failed() || def == nil {
		return
	}
	if err := s.limiter.Admit(def.Name); err != nil {
		rc.Fail(err)
		return
	}
	rc.setReleaser(func() { s.limiter.Release(def.Name) })

	next(ctx, rc)

	if !rc.Detached() {
		rc.ReleaseSlot()
	}
}

// guardStage races the rest of the pipeline against the effective timeout
// and the cancellation token. Losing the race settles the request without
// terminating the handler: the handler keeps the canceled context and winds
// down on its own, its late result is dropped, and its admission slot is
// released when it settles.
type guardStage struct{}

func NewGuardStage() Stage { return guardStage{} }

func (guardStage) ID() StageID   { return StageGuard }
func (guardStage) Priority() int { return PriorityGuard }

func (guardStage) Run(ctx context.Context, rc *Context, next Next) {
	def := rc.Operation()
	if rc.Failed() || def == nil {
		return
	}
	timeout := rc.Timeout()

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	tctx := hctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		tctx, cancelTimeout = context.WithTimeout(hctx, timeout)
		defer cancelTimeout()
	}

	tok := rc.Token()
	go func() {
		select {
		case <-tok.Done():
			cancel(rterrors.Canceled(def.Name))
		case <-tctx.Done():
		}
	}()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				rc.Fail(rterrors.Internal(fmt.Errorf("pipeline panic: %v", r)))
			}
		}()
		next(tctx, rc)
	}()

	select {
	case <-finished:
		// A cooperative handler can observe the token and return before the
		// monitor's cancellation reaches tctx. The cancellation outcome still
		// wins unless the handler settled with a real result or error.
		if tok.Cancelled() && !rc.Failed() && rc.Result() == nil {
			rc.Fail(rterrors.Canceled(def.Name))
		}
	case <-tctx.Done():
		rc.markDetached()
		cause := context.Cause(tctx)
		switch {
		case rterrors.IsKind(cause, rterrors.KindCanceled):
			rc.Fail(cause)
		case errors.Is(cause, context.DeadlineExceeded):
			rc.Fail(rterrors.TimedOut(def.Name, rc.Elapsed()))
		default:
			rc.Fail(rterrors.Canceled(def.Name))
		}
	}
}

// invokeStage runs the operation handler. It is the innermost standard
// stage; custom stages with a higher priority run under the execution guard
// after the handler settles.
type invokeStage struct {
	logger logging.ServiceLogger
}

func NewInvokeStage(logger logging.ServiceLogger) Stage {
	if logger == nil {
		logger = logging.Nop()
	}
	return invokeStage{logger: logger}
}

func (invokeStage) ID() StageID   { return StageInvoke }
func (invokeStage) Priority() int { return PriorityInvoke }

func (s invokeStage) Run(ctx context.Context, rc *Context, next Next) {
	defer rc.ReleaseSlot()

	def := rc.Operation()
	if rc.Failed() || def == nil {
		return
	}
	rc.markInvoked()

	inv := Invocation{
		Operation:     def.Name,
		RequestID:     rc.RequestID(),
		CorrelationID: rc.CorrelationID(),
		Arguments:     rc.Arguments(),
		Raw:           rc.RawArguments(),
		Token:         rc.Token(),
		Progress:      rc.Emitter(),
		Logger:        s.logger,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				rc.Fail(rterrors.Internal(fmt.Errorf("handler panic: %v", r)))
			}
		}()
		result, err := def.Handler(ctx, inv)
		if err != nil {
			rc.Fail(err)
			return
		}
		rc.SetResult(result)
	}()

	next(ctx, rc)
}

// StandardStages returns the default pipeline stages for a server.
func StandardStages(cfg *config.Config, logger logging.ServiceLogger, limiter *Limiter, cancels *CancelRegistry, emitter Emitter) []Stage {
	return []Stage{
		NewNormalizeStage(),
		NewLogStage(logger),
		NewTraceStage(),
		NewConvertStage(),
		NewValidateStage(),
		NewConfirmStage(),
		NewSetupStage(cfg, cancels, emitter),
		NewAdmitStage(limiter),
		NewGuardStage(),
		NewInvokeStage(logger),
	}
}
