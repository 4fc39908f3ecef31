package runtime

import (
	"time"

	"github.com/fly-cli/flybridge/internal/runtime/logging"
)

// HookContext provides information about a dispatched tool call to hooks.
type HookContext struct {
	// Method is the protocol method that carried the call.
	Method string
	// Operation is the name of the operation being invoked.
	Operation string
	// RequestID is the wire id of the request, empty for notifications.
	RequestID string
	// CorrelationID is the server-derived correlation identifier.
	CorrelationID string
	// StartedAt is when the request was received.
	StartedAt time.Time
	// Duration is how long the request took (only set in OnRequestDone and
	// OnRequestError).
	Duration time.Duration
	// Detached reports that the request settled before its handler finished.
	Detached bool
}

// RequestHooks defines callbacks for tool-call lifecycle events. The
// dispatcher fires them around pipeline execution. All hooks are optional -
// nil hooks are simply not called.
type RequestHooks struct {
	// OnRequestStart is called when a tool call enters the pipeline.
	OnRequestStart func(hc HookContext)

	// OnRequestDone is called when a tool call settles successfully.
	// Duration will be set to how long the request took.
	OnRequestDone func(hc HookContext)

	// OnRequestError is called when a tool call settles with a failure.
	// The error is passed as the second argument.
	OnRequestError func(hc HookContext, err error)
}

// Merge combines two RequestHooks, creating a new RequestHooks that calls
// both. The hooks from 'other' are called after the hooks from 'h'.
func (h RequestHooks) Merge(other RequestHooks) RequestHooks {
	return RequestHooks{
		OnRequestStart: chainStartHooks(h.OnRequestStart, other.OnRequestStart),
		OnRequestDone:  chainDoneHooks(h.OnRequestDone, other.OnRequestDone),
		OnRequestError: chainErrorHooks(h.OnRequestError, other.OnRequestError),
	}
}

func chainStartHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext) {
		a(hc)
		b(hc)
	}
}

func chainDoneHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext) {
		a(hc)
		b(hc)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext, err error) {
		a(hc, err)
		b(hc, err)
	}
}

func hookContext(rc *Context) HookContext {
	return HookContext{
		Method:        rc.Method(),
		Operation:     rc.OperationName(),
		RequestID:     rc.RequestID(),
		CorrelationID: rc.CorrelationID(),
		StartedAt:     rc.ReceivedAt(),
	}
}

// fireStart invokes the start hook for a call entering the pipeline.
func (h RequestHooks) fireStart(rc *Context) {
	if h.OnRequestStart == nil {
		return
	}
	h.OnRequestStart(hookContext(rc))
}

// fireFinish invokes the done or error hook for a settled call.
func (h RequestHooks) fireFinish(rc *Context) {
	hc := hookContext(rc)
	hc.Duration = rc.Elapsed()
	hc.Detached = rc.Detached()

	if err := rc.Err(); err != nil {
		if h.OnRequestError != nil {
			h.OnRequestError(hc, err)
		}
		return
	}
	if h.OnRequestDone != nil {
		h.OnRequestDone(hc)
	}
}

// LoggingHooks returns pre-built hooks that log request lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) RequestHooks {
	return RequestHooks{
		OnRequestStart: func(hc HookContext) {
			logger.Debug("Request started", logging.LogFields{
				"operation":      hc.Operation,
				"request_id":     hc.RequestID,
				"correlation_id": hc.CorrelationID,
			})
		},
		OnRequestDone: func(hc HookContext) {
			logger.Debug("Request settled", logging.LogFields{
				"operation":      hc.Operation,
				"request_id":     hc.RequestID,
				"correlation_id": hc.CorrelationID,
				"duration_ms":    hc.Duration.Milliseconds(),
			})
		},
		OnRequestError: func(hc HookContext, err error) {
			logger.Debug("Request settled with error", logging.LogFields{
				"operation":      hc.Operation,
				"request_id":     hc.RequestID,
				"correlation_id": hc.CorrelationID,
				"duration_ms":    hc.Duration.Milliseconds(),
				"error":          err.Error(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward request counts to the
// given callbacks.
func MetricsHooks(onStart, onDone, onError func(operation string)) RequestHooks {
	return RequestHooks{
		OnRequestStart: func(hc HookContext) {
			if onStart != nil {
				onStart(hc.Operation)
			}
		},
		OnRequestDone: func(hc HookContext) {
			if onDone != nil {
				onDone(hc.Operation)
			}
		},
		OnRequestError: func(hc HookContext, err error) {
			if onError != nil {
				onError(hc.Operation)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on request
// failures.
func AlertingHooks(alertFunc func(hc HookContext, err error)) RequestHooks {
	return RequestHooks{
		OnRequestError: alertFunc,
	}
}
