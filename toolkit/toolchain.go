package toolkit

import (
	"context"
	"time"

	flybridge "github.com/fly-cli/flybridge"
	"github.com/fly-cli/flybridge/wire"
)

// BuildParams are the arguments of build.run.
type BuildParams struct {
	Target string `json:"target,omitempty" jsonschema:"description=Build target such as apk or web"`
	Mode   string `json:"mode,omitempty" jsonschema:"description=Build mode: debug or release"`
	Flavor string `json:"flavor,omitempty" jsonschema:"description=Product flavor to build"`
}

// RunParams are the arguments of app.run.
type RunParams struct {
	Target string `json:"target,omitempty" jsonschema:"description=Entrypoint to run"`
	Device string `json:"device,omitempty" jsonschema:"description=Device id to run on"`
	Mode   string `json:"mode,omitempty" jsonschema:"description=Run mode: debug or release"`
}

// DoctorParams are the arguments of doctor.
type DoctorParams struct {
	Verbose bool `json:"verbose,omitempty" jsonschema:"description=Include toolchain environment checks"`
}

// VersionParams are the arguments of version.
type VersionParams struct{}

// streamID names a log stream for one invocation. The request id keeps the
// stream discoverable from the client side; anonymous calls get a ULID.
func streamID(inv flybridge.Invocation) string {
	if inv.RequestID != "" {
		return inv.RequestID
	}
	return flybridge.CreateULID()
}

// progressFor adapts the invocation emitter into the Progress callback the
// toolchain interfaces take.
func progressFor(ctx context.Context, inv flybridge.Invocation) Progress {
	return func(message string, percent float64) {
		_ = inv.Progress.Emit(ctx, flybridge.ProgressEvent{Message: message, Percent: percent})
	}
}

func (s *operationSet) buildRun() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("build.run", func(ctx context.Context, inv flybridge.Invocation, params BuildParams) (any, error) {
		stream := "build/" + streamID(inv)
		out := s.server.Logs().Writer(stream)

		result, err := s.opts.Toolchain.Build(ctx, BuildRequest{
			Target: params.Target,
			Mode:   params.Mode,
			Flavor: params.Flavor,
		}, out, progressFor(ctx, inv))
		if err != nil {
			return nil, err
		}
		result.LogURI = "logs://" + stream
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Run a build"
	def.Description = "Build the project, streaming tool output into a readable log stream."
	def.Timeout = 15 * time.Minute
	def.ConcurrencyLimit = 1
	return def, nil
}

func (s *operationSet) appRun() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("app.run", func(ctx context.Context, inv flybridge.Invocation, params RunParams) (any, error) {
		stream := "run/" + streamID(inv)
		out := s.server.Logs().Writer(stream)

		result, err := s.opts.Toolchain.Run(ctx, RunRequest{
			Target: params.Target,
			Device: params.Device,
			Mode:   params.Mode,
		}, out, progressFor(ctx, inv))
		if err != nil {
			return nil, err
		}
		result.LogURI = "logs://" + stream
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Run the app"
	def.Description = "Launch the app on a device, streaming session output into a log stream. Stop it with a cancellation."
	def.Timeout = time.Hour
	def.ConcurrencyLimit = 1
	return def, nil
}

func (s *operationSet) doctor() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("doctor", func(ctx context.Context, inv flybridge.Invocation, params DoctorParams) (any, error) {
		report := DoctorReport{Server: s.server.Diagnostics()}
		if params.Verbose {
			checks, err := s.opts.Toolchain.Doctor(ctx)
			if err != nil {
				return nil, err
			}
			report.Toolchain = checks
		}
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Doctor"
	def.Description = "Report server health and, verbosely, toolchain environment checks."
	def.ReadOnly = true
	return def, nil
}

func (s *operationSet) version() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("version", func(ctx context.Context, inv flybridge.Invocation, params VersionParams) (any, error) {
		return VersionInfo{
			Server:   s.server.Conf.ServerVersion,
			Toolkit:  s.opts.Version,
			Protocol: wire.ProtocolVersion,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Version"
	def.Description = "Report server, toolkit, and protocol versions."
	def.ReadOnly = true
	def.Idempotent = true
	return def, nil
}
