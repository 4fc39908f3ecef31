package flybridge

import (
	runtimepkg "github.com/fly-cli/flybridge/internal/runtime"
	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	errspkg "github.com/fly-cli/flybridge/internal/runtime/errors"
	idspkg "github.com/fly-cli/flybridge/internal/runtime/ids"
	jsoncodec "github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/fly-cli/flybridge/internal/runtime/logging"
	resourcespkg "github.com/fly-cli/flybridge/internal/runtime/resources"
	transportpkg "github.com/fly-cli/flybridge/transport"
)

type (
	Config       = configpkg.Config
	Server       = runtimepkg.Server
	Dependencies = runtimepkg.Dependencies

	Definition     = runtimepkg.Definition
	Invocation     = runtimepkg.Invocation
	HandlerFunc    = runtimepkg.HandlerFunc
	Registry       = runtimepkg.Registry
	Token          = runtimepkg.Token
	Limiter        = runtimepkg.Limiter
	CancelRegistry = runtimepkg.CancelRegistry

	Emitter       = runtimepkg.Emitter
	NopEmitter    = runtimepkg.NopEmitter
	ProgressEvent = runtimepkg.ProgressEvent

	Pipeline       = runtimepkg.Pipeline
	Stage          = runtimepkg.Stage
	StageID        = runtimepkg.StageID
	Next           = runtimepkg.Next
	RequestContext = runtimepkg.Context

	RequestHooks = runtimepkg.RequestHooks
	HookContext  = runtimepkg.HookContext

	OperationStats    = runtimepkg.OperationStats
	StatsSnapshot     = runtimepkg.StatsSnapshot
	DiagnosticsReport = runtimepkg.DiagnosticsReport
	HealthCheck       = runtimepkg.HealthCheck
	HostInfo          = runtimepkg.HostInfo
	ResourceUsage     = runtimepkg.ResourceUsage

	ResourceProvider = resourcespkg.Provider
	ResourceStore    = resourcespkg.Store
	FileProvider     = resourcespkg.FileProvider
	LogStore         = resourcespkg.LogStore

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Error                 = errspkg.Error
	ErrorKind             = errspkg.Kind
	Violation             = errspkg.Violation
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport wiring
	TransportConn         = transportpkg.Conn
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

// TypedHandler processes invocation arguments decoded into P.
type TypedHandler[P any] = runtimepkg.TypedHandler[P]

var (
	NewServer      = runtimepkg.NewServer
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewPipeline = runtimepkg.NewPipeline
	NewStage    = runtimepkg.NewStage

	NewRegistry       = runtimepkg.NewRegistry
	NewLimiter        = runtimepkg.NewLimiter
	NewCancelRegistry = runtimepkg.NewCancelRegistry

	NewFileProvider = resourcespkg.NewFileProvider
	NewLogStore     = resourcespkg.NewLogStore

	RenderResult = runtimepkg.RenderResult
	WireError    = runtimepkg.WireError

	// Request lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	// Transport registry. Import individual transports via:
	//   _ "github.com/fly-cli/flybridge/transport/stdio"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrOperationNameRequired = errspkg.ErrOperationNameRequired
	ErrOperationRegistered   = errspkg.ErrOperationRegistered
	ErrRegistrySealed        = errspkg.ErrRegistrySealed
	ErrStageNotFound         = errspkg.ErrStageNotFound
	ErrProviderRegistered    = errspkg.ErrProviderRegistered
	ErrLogEntryTooLarge      = errspkg.ErrLogEntryTooLarge
)

// Standard stage ids for pipeline surgery.
const (
	StageNormalize = runtimepkg.StageNormalize
	StageLog       = runtimepkg.StageLog
	StageTrace     = runtimepkg.StageTrace
	StageConvert   = runtimepkg.StageConvert
	StageValidate  = runtimepkg.StageValidate
	StageConfirm   = runtimepkg.StageConfirm
	StageSetup     = runtimepkg.StageSetup
	StageAdmit     = runtimepkg.StageAdmit
	StageGuard     = runtimepkg.StageGuard
	StageInvoke    = runtimepkg.StageInvoke
)

// Error kinds carried by settled requests.
const (
	KindMalformedMessage     = errspkg.KindMalformedMessage
	KindUnknownMethod        = errspkg.KindUnknownMethod
	KindInvalidParams        = errspkg.KindInvalidParams
	KindCanceled             = errspkg.KindCanceled
	KindTimedOut             = errspkg.KindTimedOut
	KindAdmissionDenied      = errspkg.KindAdmissionDenied
	KindNotFound             = errspkg.KindNotFound
	KindConfirmationRequired = errspkg.KindConfirmationRequired
	KindInternal             = errspkg.KindInternal
)

// NewOperation builds a Definition whose input schema is derived from P and
// whose handler decodes arguments into P before delegating.
func NewOperation[P any](name string, handler TypedHandler[P]) (*Definition, error) {
	return runtimepkg.NewOperation[P](name, handler)
}

// MustOperation is NewOperation that panics on error, for static operation
// sets assembled at startup.
func MustOperation[P any](name string, handler TypedHandler[P]) *Definition {
	def, err := NewOperation[P](name, handler)
	if err != nil {
		panic(err)
	}
	return def
}
