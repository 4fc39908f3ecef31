// Package toolkit registers the standard Fly operation set on a server:
// project scaffolding, schema export, build and run with captured output,
// doctor, and cache maintenance. The engines doing the actual work sit behind
// the Scaffolder and Toolchain interfaces so hosts plug in their own.
package toolkit

import (
	"context"
	"errors"
	"io"

	flybridge "github.com/fly-cli/flybridge"
)

var (
	ErrServerRequired     = errors.New("toolkit: server is required")
	ErrScaffolderRequired = errors.New("toolkit: scaffolder is required")
	ErrToolchainRequired  = errors.New("toolkit: toolchain is required")
)

// Progress reports one beat of a long-running toolchain step. Implementations
// call it between units of work; the toolkit forwards each beat to the
// client.
type Progress func(message string, percent float64)

// Scaffolder generates and edits project trees. Calls may take a while;
// implementations must stop and return ctx.Err() once the context is done,
// including killing any subprocess they spawned.
type Scaffolder interface {
	CreateProject(ctx context.Context, req CreateProjectRequest) (ScaffoldResult, error)
	AddScreen(ctx context.Context, req AddScreenRequest) (ScaffoldResult, error)
	AddService(ctx context.Context, req AddServiceRequest) (ScaffoldResult, error)
	ExportContext(ctx context.Context, req ExportContextRequest) (ExportResult, error)
	ClearCache(ctx context.Context, req ClearCacheRequest) (CacheResult, error)
}

// Toolchain drives the underlying build tooling. Output written to out is
// captured into a log stream the client can read back; the same cancellation
// contract as Scaffolder applies, subprocesses included.
type Toolchain interface {
	Build(ctx context.Context, req BuildRequest, out io.Writer, progress Progress) (BuildResult, error)
	Run(ctx context.Context, req RunRequest, out io.Writer, progress Progress) (RunResult, error)
	Doctor(ctx context.Context) ([]CheckResult, error)
}

// CreateProjectRequest describes a new project.
type CreateProjectRequest struct {
	Name      string
	Org       string
	Template  string
	Platforms []string
	Directory string
}

// AddScreenRequest adds a screen to an existing project.
type AddScreenRequest struct {
	Name     string
	Route    string
	Stateful bool
}

// AddServiceRequest adds a service class to an existing project.
type AddServiceRequest struct {
	Name string
	Kind string
}

// ExportContextRequest exports a machine-readable project summary.
type ExportContextRequest struct {
	Scope      string
	OutputPath string
}

// ClearCacheRequest selects which caches to drop.
type ClearCacheRequest struct {
	Scope string
}

// ScaffoldResult reports what a scaffolding operation touched.
type ScaffoldResult struct {
	Root          string   `json:"root,omitempty"`
	CreatedFiles  []string `json:"createdFiles,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
	NextSteps     []string `json:"nextSteps,omitempty"`
}

// ExportResult reports where an export landed.
type ExportResult struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// CacheResult reports what a cache clear removed.
type CacheResult struct {
	RemovedBytes int64    `json:"removedBytes"`
	Paths        []string `json:"paths,omitempty"`
}

// BuildRequest selects what to build.
type BuildRequest struct {
	Target string
	Mode   string
	Flavor string
}

// BuildResult reports a finished build. LogURI points at the captured output
// stream.
type BuildResult struct {
	Artifact string `json:"artifact,omitempty"`
	LogURI   string `json:"logUri"`
}

// RunRequest selects what to run and where.
type RunRequest struct {
	Target string
	Device string
	Mode   string
}

// RunResult reports a finished (or stopped) run session.
type RunResult struct {
	ExitCode int    `json:"exitCode"`
	LogURI   string `json:"logUri"`
}

// CheckResult is one named probe from the toolchain's doctor.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// DoctorReport combines the server's own diagnostics with the toolchain's
// environment checks.
type DoctorReport struct {
	Server    flybridge.DiagnosticsReport `json:"server"`
	Toolchain []CheckResult               `json:"toolchain,omitempty"`
}

// VersionInfo is the version operation result.
type VersionInfo struct {
	Server   string `json:"server"`
	Toolkit  string `json:"toolkit,omitempty"`
	Protocol string `json:"protocol"`
}

// Options configures Install.
type Options struct {
	Scaffolder Scaffolder
	Toolchain  Toolchain

	// Version is reported by the version operation alongside the server
	// version from Config.
	Version string
}

// Install registers the standard operation set on server. Call before Serve;
// registration closes once the server starts.
func Install(server *flybridge.Server, opts Options) error {
	if server == nil {
		return ErrServerRequired
	}
	if opts.Scaffolder == nil {
		return ErrScaffolderRequired
	}
	if opts.Toolchain == nil {
		return ErrToolchainRequired
	}

	set := &operationSet{server: server, opts: opts}

	defs, err := set.definitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := server.Register(def); err != nil {
			return err
		}
	}
	set.defs = defs
	return nil
}

// operationSet carries the shared collaborators for the registered handlers.
type operationSet struct {
	server *flybridge.Server
	opts   Options

	// defs backs schema.export: the descriptors of this very operation set.
	defs []*flybridge.Definition
}

func (s *operationSet) definitions() ([]*flybridge.Definition, error) {
	builders := []func() (*flybridge.Definition, error){
		s.createProject,
		s.addScreen,
		s.addService,
		s.exportContext,
		s.exportSchema,
		s.buildRun,
		s.appRun,
		s.doctor,
		s.version,
		s.clearCache,
	}

	defs := make([]*flybridge.Definition, 0, len(builders))
	for _, build := range builders {
		def, err := build()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
