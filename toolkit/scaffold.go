package toolkit

import (
	"context"

	flybridge "github.com/fly-cli/flybridge"
	"github.com/fly-cli/flybridge/wire"
)

// CreateProjectParams are the arguments of project.create.
type CreateProjectParams struct {
	Name      string   `json:"name" jsonschema:"required,description=Project name in snake_case"`
	Org       string   `json:"org,omitempty" jsonschema:"description=Reverse-domain organization identifier"`
	Template  string   `json:"template,omitempty" jsonschema:"description=Project template to scaffold from"`
	Platforms []string `json:"platforms,omitempty" jsonschema:"description=Target platforms to enable"`
	Directory string   `json:"directory,omitempty" jsonschema:"description=Parent directory for the new project"`
}

// AddScreenParams are the arguments of screen.add.
type AddScreenParams struct {
	Name     string `json:"name" jsonschema:"required,description=Screen name in UpperCamelCase"`
	Route    string `json:"route,omitempty" jsonschema:"description=Route path to register for the screen"`
	Stateful bool   `json:"stateful,omitempty" jsonschema:"description=Generate a stateful widget"`
}

// AddServiceParams are the arguments of service.add.
type AddServiceParams struct {
	Name string `json:"name" jsonschema:"required,description=Service name in UpperCamelCase"`
	Kind string `json:"kind,omitempty" jsonschema:"description=Service flavor such as http or storage"`
}

// ExportContextParams are the arguments of context.export.
type ExportContextParams struct {
	Scope      string `json:"scope,omitempty" jsonschema:"description=Subset of the project to export"`
	OutputPath string `json:"outputPath,omitempty" jsonschema:"description=Where to write the export"`
}

// ExportSchemaParams are the arguments of schema.export.
type ExportSchemaParams struct {
	Operation string `json:"operation,omitempty" jsonschema:"description=Limit the export to one operation"`
}

// ClearCacheParams are the arguments of cache.clear.
type ClearCacheParams struct {
	Scope string `json:"scope,omitempty" jsonschema:"description=Cache scope to drop; everything when empty"`
}

func (s *operationSet) createProject() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("project.create", func(ctx context.Context, inv flybridge.Invocation, params CreateProjectParams) (any, error) {
		return s.opts.Scaffolder.CreateProject(ctx, CreateProjectRequest{
			Name:      params.Name,
			Org:       params.Org,
			Template:  params.Template,
			Platforms: params.Platforms,
			Directory: params.Directory,
		})
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Create project"
	def.Description = "Scaffold a new project tree from a template."
	return def, nil
}

func (s *operationSet) addScreen() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("screen.add", func(ctx context.Context, inv flybridge.Invocation, params AddScreenParams) (any, error) {
		return s.opts.Scaffolder.AddScreen(ctx, AddScreenRequest{
			Name:     params.Name,
			Route:    params.Route,
			Stateful: params.Stateful,
		})
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Add screen"
	def.Description = "Generate a screen and register its route."
	return def, nil
}

func (s *operationSet) addService() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("service.add", func(ctx context.Context, inv flybridge.Invocation, params AddServiceParams) (any, error) {
		return s.opts.Scaffolder.AddService(ctx, AddServiceRequest{
			Name: params.Name,
			Kind: params.Kind,
		})
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Add service"
	def.Description = "Generate a service class and wire it into the locator."
	return def, nil
}

func (s *operationSet) exportContext() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("context.export", func(ctx context.Context, inv flybridge.Invocation, params ExportContextParams) (any, error) {
		return s.opts.Scaffolder.ExportContext(ctx, ExportContextRequest{
			Scope:      params.Scope,
			OutputPath: params.OutputPath,
		})
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Export project context"
	def.Description = "Write a machine-readable summary of the project for assistants."
	return def, nil
}

// exportSchema serves the descriptors of the installed operation set, so
// clients can cache argument schemas without a tools/list round-trip.
func (s *operationSet) exportSchema() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("schema.export", func(ctx context.Context, inv flybridge.Invocation, params ExportSchemaParams) (any, error) {
		descriptors := make([]wire.ToolDescriptor, 0, len(s.defs))
		for _, candidate := range s.defs {
			if params.Operation != "" && candidate.Name != params.Operation {
				continue
			}
			descriptors = append(descriptors, candidate.Descriptor())
		}
		return map[string]any{"operations": descriptors}, nil
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Export operation schemas"
	def.Description = "Return the JSON Schemas of the registered operations."
	def.ReadOnly = true
	def.Idempotent = true
	return def, nil
}

func (s *operationSet) clearCache() (*flybridge.Definition, error) {
	def, err := flybridge.NewOperation("cache.clear", func(ctx context.Context, inv flybridge.Invocation, params ClearCacheParams) (any, error) {
		return s.opts.Scaffolder.ClearCache(ctx, ClearCacheRequest{Scope: params.Scope})
	})
	if err != nil {
		return nil, err
	}
	def.Title = "Clear caches"
	def.Description = "Delete generated caches. Requires the confirm flag."
	def.Destructive = true
	def.RequiresConfirmation = true
	return def, nil
}
