package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

// Built-in gate kinds.
const (
	KindRequiredFields = "required_fields"
	KindSizeBounds     = "size_bounds"
	KindJSONSchema     = "json_schema"
	KindCEL            = "cel"
	KindNonEmpty       = "non_empty"
	KindContentTypeIn  = "content_type_in"
)

var ErrUnknownKind = errors.New("unknown quality gate kind")

// Predicate is a compiled gate check. details explains a failure.
type Predicate interface {
	Check(ctx context.Context, a Artifact) (passed bool, details string, err error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context, a Artifact) (bool, string, error)

func (f PredicateFunc) Check(ctx context.Context, a Artifact) (bool, string, error) {
	return f(ctx, a)
}

// Deps are shared resources available to gate factories.
type Deps struct {
	CEL *celexpr.Evaluator
}

// Factory compiles a GateSpec of one kind.
type Factory func(spec profile.GateSpec, deps Deps) (Predicate, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a gate kind. Registering an existing kind replaces it.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds lists registered gate kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func factoryFor(kind string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

func init() {
	Register(KindRequiredFields, requiredFields)
	Register(KindSizeBounds, sizeBounds)
	Register(KindJSONSchema, jsonSchema)
	Register(KindCEL, celGate)
	Register(KindNonEmpty, nonEmpty)
	Register(KindContentTypeIn, contentTypeIn)
}

func requiredFields(spec profile.GateSpec, _ Deps) (Predicate, error) {
	if len(spec.Fields) == 0 {
		return nil, fmt.Errorf("gate %s: fields are required", spec.Name)
	}
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		fields := a.fields()
		var missing []string
		for _, f := range spec.Fields {
			if v, ok := lookup(fields, f); !ok || v == nil {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return false, "missing fields: " + strings.Join(missing, ", "), nil
		}
		return true, "", nil
	}), nil
}

func sizeBounds(spec profile.GateSpec, _ Deps) (Predicate, error) {
	if spec.MinBytes == nil && spec.MaxBytes == nil {
		return nil, fmt.Errorf("gate %s: min_bytes or max_bytes is required", spec.Name)
	}
	if spec.MinBytes != nil && spec.MaxBytes != nil && *spec.MinBytes > *spec.MaxBytes {
		return nil, fmt.Errorf("gate %s: min_bytes > max_bytes", spec.Name)
	}
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		n := int64(len(a.Body))
		if spec.MinBytes != nil && n < *spec.MinBytes {
			return false, fmt.Sprintf("size %d below minimum %d", n, *spec.MinBytes), nil
		}
		if spec.MaxBytes != nil && n > *spec.MaxBytes {
			return false, fmt.Sprintf("size %d above maximum %d", n, *spec.MaxBytes), nil
		}
		return true, "", nil
	}), nil
}

func jsonSchema(spec profile.GateSpec, _ Deps) (Predicate, error) {
	if strings.TrimSpace(spec.Schema) == "" {
		return nil, fmt.Errorf("gate %s: schema is required", spec.Name)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://governor.local/gates/%s.schema.json", spec.Name)
	if err := c.AddResource(url, strings.NewReader(spec.Schema)); err != nil {
		return nil, fmt.Errorf("gate %s: schema load failed: %w", spec.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("gate %s: schema compile failed: %w", spec.Name, err)
	}
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		dec := json.NewDecoder(bytes.NewReader(a.Body))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return false, "body is not valid JSON: " + err.Error(), nil
		}
		if err := schema.Validate(doc); err != nil {
			return false, err.Error(), nil
		}
		return true, "", nil
	}), nil
}

func celGate(spec profile.GateSpec, deps Deps) (Predicate, error) {
	if deps.CEL == nil {
		return nil, fmt.Errorf("gate %s: no CEL evaluator", spec.Name)
	}
	if err := deps.CEL.Compile(spec.Expr); err != nil {
		return nil, fmt.Errorf("gate %s: %w", spec.Name, err)
	}
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		ok, err := deps.CEL.Eval(spec.Expr, map[string]any{"artifact": a.celValue()})
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "expression is false: " + spec.Expr, nil
		}
		return true, "", nil
	}), nil
}

func nonEmpty(spec profile.GateSpec, _ Deps) (Predicate, error) {
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		if len(spec.Fields) == 0 {
			if len(bytes.TrimSpace(a.Body)) == 0 {
				return false, "artifact body is empty", nil
			}
			return true, "", nil
		}
		fields := a.fields()
		var empty []string
		for _, f := range spec.Fields {
			if v, _ := lookup(fields, f); isEmpty(v) {
				empty = append(empty, f)
			}
		}
		if len(empty) > 0 {
			return false, "empty fields: " + strings.Join(empty, ", "), nil
		}
		return true, "", nil
	}), nil
}

func contentTypeIn(spec profile.GateSpec, _ Deps) (Predicate, error) {
	if len(spec.Allowed) == 0 {
		return nil, fmt.Errorf("gate %s: allowed content types are required", spec.Name)
	}
	return PredicateFunc(func(_ context.Context, a Artifact) (bool, string, error) {
		mt := a.MediaType()
		for _, allowed := range spec.Allowed {
			if strings.EqualFold(mt, allowed) {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("content type %q not in %s", mt, strings.Join(spec.Allowed, ", ")), nil
	}), nil
}
