// Package schema compiles and evaluates JSON Schema documents for operation
// inputs, and derives documents from Go parameter structs so typed
// registrations never hand-write schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
)

var compileCache sync.Map

// Compile parses a schema document and caches the result by content, so
// registries can recompile identical documents for free.
func Compile(name string, doc []byte) (*jsonschema.Schema, error) {
	key := string(doc)
	if cached, ok := compileCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name, key)
	if err != nil {
		return nil, fmt.Errorf("schema: compiling %s: %w", name, err)
	}
	compileCache.Store(key, compiled)
	return compiled, nil
}

// Generate reflects a parameter struct into an inline JSON Schema document.
// Field names come from json tags, constraints from jsonschema tags.
func Generate(prototype any) (json.RawMessage, error) {
	r := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	doc := r.Reflect(prototype)
	raw, err := jsoncodec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: encoding generated schema: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Validate evaluates decoded arguments against a compiled schema and returns
// the flattened field-level violations. A nil slice means the arguments are
// valid. Validation never panics on foreign values; anything the evaluator
// rejects comes back as a violation.
func Validate(s *jsonschema.Schema, args any) []rterrors.Violation {
	err := s.Validate(args)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !asValidationError(err, &ve) {
		return []rterrors.Violation{{Field: "", Message: err.Error()}}
	}

	seen := make(map[string]struct{})
	var violations []rterrors.Violation
	collectLeaves(ve, seen, &violations)
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Message < violations[j].Message
	})
	return violations
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

// collectLeaves walks the cause tree and keeps only leaf messages; the
// intermediate nodes just restate their children.
func collectLeaves(ve *jsonschema.ValidationError, seen map[string]struct{}, out *[]rterrors.Violation) {
	if len(ve.Causes) == 0 {
		field := fieldFromLocation(ve.InstanceLocation)
		key := field + "\x00" + ve.Message
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			*out = append(*out, rterrors.Violation{Field: field, Message: ve.Message})
		}
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, seen, out)
	}
}

// fieldFromLocation turns a JSON pointer like "/steps/0/name" into the
// dotted form "steps.0.name" used in violation payloads.
func fieldFromLocation(location string) string {
	trimmed := strings.TrimPrefix(location, "/")
	if trimmed == "" {
		return ""
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}
