package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	"github.com/fly-cli/flybridge/internal/runtime/logging"
	"github.com/fly-cli/flybridge/internal/runtime/schema"
	"github.com/fly-cli/flybridge/wire"
)

// Invocation is what an operation handler receives for one call.
type Invocation struct {
	Operation     string
	RequestID     string
	CorrelationID string
	Arguments     map[string]any
	Raw           json.RawMessage
	Token         *Token
	Progress      Emitter
	Logger        logging.ServiceLogger
}

// HandlerFunc executes one operation invocation. The context is canceled
// when the request is canceled or times out; handlers doing slow work must
// watch it, or the invocation token, between units of work.
type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

// Definition describes one registered operation: its schemas, safety
// metadata, execution overrides, and handler.
type Definition struct {
	Name        string
	Title       string
	Description string

	// InputSchema is the JSON Schema served to clients and compiled for
	// argument validation. Empty means any arguments pass.
	InputSchema json.RawMessage

	// OutputSchema is advisory; results are not validated against it.
	OutputSchema json.RawMessage

	ReadOnly             bool
	Destructive          bool
	RequiresConfirmation bool
	Idempotent           bool

	// Timeout overrides the configured default when positive.
	Timeout time.Duration

	// ConcurrencyLimit caps in-flight calls of this operation when positive.
	ConcurrencyLimit int

	Handler HandlerFunc

	compiledInput *jsonschema.Schema
}

// Descriptor renders the definition for tools/list.
func (d *Definition) Descriptor() wire.ToolDescriptor {
	return wire.ToolDescriptor{
		Name:         d.Name,
		Title:        d.Title,
		Description:  d.Description,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
		Annotations: wire.ToolAnnotations{
			ReadOnlyHint:    d.ReadOnly,
			DestructiveHint: d.Destructive,
			IdempotentHint:  d.Idempotent,
			RequiresConfirm: d.RequiresConfirmation,
		},
	}
}

// Registry holds the operations a server exposes. Registration is rejected
// once the registry is sealed, which happens when the server starts serving.
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	ops    map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Definition)}
}

// Register adds def to the registry. The definition must not be mutated
// afterwards; its input schema is compiled here so invalid schemas surface
// at registration rather than on the first call.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Handler == nil {
		return rterrors.ErrHandlerRequired
	}
	if def.Name == "" {
		return rterrors.ErrOperationNameRequired
	}

	if len(def.InputSchema) > 0 {
		compiled, err := schema.Compile(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("flybridge: compiling input schema for %q: %w", def.Name, err)
		}
		def.compiledInput = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return rterrors.ErrRegistrySealed
	}
	if _, exists := r.ops[def.Name]; exists {
		return fmt.Errorf("%w: %q", rterrors.ErrOperationRegistered, def.Name)
	}
	r.ops[def.Name] = def
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve looks up an operation by name.
func (r *Registry) Resolve(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.ops[name]
	return def, ok
}

// Definitions returns the registered operations sorted by name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.ops))
	for _, def := range r.ops {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered operation names sorted ascending.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Len reports the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// TypedHandler processes arguments decoded into P.
type TypedHandler[P any] func(ctx context.Context, inv Invocation, params P) (any, error)

// NewOperation builds a Definition whose input schema is derived from P and
// whose handler decodes the raw arguments into P before delegating. P must
// be a struct type; jsonschema tags on its fields shape the schema.
func NewOperation[P any](name string, handler TypedHandler[P]) (*Definition, error) {
	if handler == nil {
		return nil, rterrors.ErrHandlerRequired
	}
	if name == "" {
		return nil, rterrors.ErrOperationNameRequired
	}

	var prototype P
	inputSchema, err := schema.Generate(prototype)
	if err != nil {
		return nil, fmt.Errorf("flybridge: deriving input schema for %q: %w", name, err)
	}

	return &Definition{
		Name:        name,
		InputSchema: inputSchema,
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			var params P
			if len(inv.Raw) > 0 {
				if err := jsoncodec.Unmarshal(inv.Raw, &params); err != nil {
					return nil, rterrors.InvalidParams(name, []rterrors.Violation{
						{Message: fmt.Sprintf("arguments do not decode: %v", err)},
					})
				}
			}
			return handler(ctx, inv, params)
		},
	}, nil
}
