package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrConfigRequired        = sterrors.New("flybridge: configuration is required")
	ErrLoggerRequired        = sterrors.New("flybridge: logger is required")
	ErrHandlerRequired       = sterrors.New("flybridge: operation handler is required")
	ErrOperationNameRequired = sterrors.New("flybridge: operation name is required")
	ErrOperationRegistered   = sterrors.New("flybridge: operation is already registered")
	ErrRegistrySealed        = sterrors.New("flybridge: operation registry is sealed once the server starts")
	ErrConnRequired          = sterrors.New("flybridge: transport connection is required")
	ErrStageRequired         = sterrors.New("flybridge: pipeline stage is required")
	ErrStageNotFound         = sterrors.New("flybridge: pipeline stage not found")
	ErrProviderRegistered    = sterrors.New("flybridge: resource provider scheme is already registered")
	ErrPublisherRequired     = sterrors.New("flybridge: progress publisher is required")
	ErrTopicRequired         = sterrors.New("flybridge: progress topic is required")
	ErrLogEntryTooLarge      = sterrors.New("flybridge: log entry exceeds the stream byte ceiling")
)

// ConfigValidationError wraps the joined field errors produced by
// Config.Validate so callers can detect configuration problems as a class.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("flybridge: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError. A nil err
// returns nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Kind classifies a request failure. Every error leaving the dispatcher
// carries exactly one kind; clients switch on it rather than on message text.
type Kind string

const (
	KindMalformedMessage     Kind = "malformed_message"
	KindUnknownMethod        Kind = "unknown_method"
	KindInvalidParams        Kind = "invalid_params"
	KindCanceled             Kind = "canceled"
	KindTimedOut             Kind = "timed_out"
	KindAdmissionDenied      Kind = "admission_denied"
	KindNotFound             Kind = "not_found"
	KindConfirmationRequired Kind = "confirmation_required"
	KindInternal             Kind = "internal"
)

// Violation reports a single schema check failure against one input field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the structured failure type produced by the request pipeline.
// Advisory fields are populated per kind: Violations for invalid_params,
// Current/Limit for admission_denied, Elapsed for timed_out.
type Error struct {
	Kind       Kind
	Message    string
	Operation  string
	Violations []Violation
	Current    int
	Limit      int
	Elapsed    time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Malformed reports input that could not be parsed as a protocol message.
func Malformed(cause error) *Error {
	msg := "message could not be parsed"
	if cause != nil {
		msg = fmt.Sprintf("message could not be parsed: %v", cause)
	}
	return &Error{Kind: KindMalformedMessage, Message: msg, cause: cause}
}

// UnknownMethod reports a method name with no dispatcher entry.
func UnknownMethod(method string) *Error {
	return &Error{
		Kind:    KindUnknownMethod,
		Message: fmt.Sprintf("method %q is not supported", method),
	}
}

// InvalidParams reports arguments that failed schema validation.
func InvalidParams(operation string, violations []Violation) *Error {
	return &Error{
		Kind:       KindInvalidParams,
		Message:    fmt.Sprintf("arguments for %q failed validation", operation),
		Operation:  operation,
		Violations: violations,
	}
}

// Canceled reports a request stopped by a client cancellation.
func Canceled(operation string) *Error {
	return &Error{
		Kind:      KindCanceled,
		Message:   fmt.Sprintf("request for %q was canceled", operation),
		Operation: operation,
	}
}

// TimedOut reports a request that exceeded its effective timeout.
func TimedOut(operation string, elapsed time.Duration) *Error {
	return &Error{
		Kind:      KindTimedOut,
		Message:   fmt.Sprintf("request for %q timed out after %s", operation, elapsed),
		Operation: operation,
		Elapsed:   elapsed,
	}
}

// AdmissionDenied reports a request rejected by a concurrency cap.
func AdmissionDenied(operation string, current, limit int) *Error {
	return &Error{
		Kind:      KindAdmissionDenied,
		Message:   fmt.Sprintf("concurrency limit reached for %q (%d of %d in flight)", operation, current, limit),
		Operation: operation,
		Current:   current,
		Limit:     limit,
	}
}

// NotFound reports a missing operation, resource, or request id.
func NotFound(what string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s was not found", what),
	}
}

// ConfirmationRequired reports a gated operation invoked without the
// explicit confirmation flag.
func ConfirmationRequired(operation string) *Error {
	return &Error{
		Kind:      KindConfirmationRequired,
		Message:   fmt.Sprintf("operation %q requires explicit confirmation", operation),
		Operation: operation,
	}
}

// Internal wraps an unexpected failure. The cause is preserved for logs but
// clients only see the generic message.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// Normalize coerces any error into a taxonomy *Error. Taxonomy errors pass
// through untouched, context cancellation and deadline errors map to their
// kinds, everything else becomes internal.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed
	}
	if sterrors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Message: "request was canceled", cause: err}
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimedOut, Message: "request timed out", cause: err}
	}
	return Internal(err)
}

// KindOf returns the taxonomy kind of err, or KindInternal when err carries
// none. A nil err has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
