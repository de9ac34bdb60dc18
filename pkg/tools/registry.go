package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/rafi/astra/pkg/provider"
)

// RiskLevel classifies how dangerous a tool's side effects are. It is fixed
// at registration time and never mutated during a loop run.
type RiskLevel string

const (
	// RiskSafe tools execute without any approval.
	RiskSafe RiskLevel = "safe"
	// RiskGuarded tools need a standing approval for the session.
	RiskGuarded RiskLevel = "guarded"
	// RiskUnsafe tools need an explicit per-call approval token.
	RiskUnsafe RiskLevel = "unsafe"
)

// ErrUnknownTool is returned when dispatching a name with no registration.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes a tool's callable surface.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Risk        RiskLevel
}

// Capability is an executable tool: a declared definition plus an executor.
type Capability interface {
	Definition() Definition
	Execute(ctx context.Context, input map[string]interface{}) (string, error)
}

// Registry is a name-keyed collection of capabilities. It is populated at
// startup and read-only during loop execution, so concurrent reads across
// sessions need no coordination beyond the registration lock.
type Registry struct {
	caps    map[string]Capability
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:    make(map[string]Capability),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a capability. The definition is validated and its input
// schema compiled once here, not on every dispatch.
func (r *Registry) Register(cap Capability) error {
	def := cap.Definition()
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.caps[def.Name] = cap
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Str("risk", string(def.Risk)).Msg("Tool registered")
	return nil
}

// Get returns the capability registered under the given name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.caps[name]
	return cap, ok
}

// Risk returns the risk level of a registered tool.
func (r *Registry) Risk(name string) (RiskLevel, bool) {
	cap, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return cap.Definition().Risk, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-level tool definitions for prompt assembly.
// When subset is non-nil, only the named tools are included; names without a
// registration are silently skipped so a stale agent config cannot widen the
// advertised tool set.
func (r *Registry) Definitions(subset []string) []provider.ToolDefinition {
	names := subset
	if names == nil {
		names = r.Names()
	}

	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		cap, ok := r.Get(name)
		if !ok {
			continue
		}
		def := cap.Definition()
		defs = append(defs, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return defs
}

// Dispatch validates the input against the tool's schema and executes it.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]interface{}) (string, error) {
	r.mu.RLock()
	cap, ok := r.caps[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := validateInput(schema, input); err != nil {
		return "", fmt.Errorf("input validation failed for %s: %w", name, err)
	}

	return cap.Execute(ctx, input)
}

// validateDefinition checks a tool definition for completeness.
func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	switch def.Risk {
	case RiskSafe, RiskGuarded, RiskUnsafe:
	default:
		return fmt.Errorf("invalid risk level %q for %s", def.Risk, def.Name)
	}
	return nil
}

// compileSchema compiles the declared input schema. A nil schema means the
// tool accepts any object.
func compileSchema(inputSchema map[string]interface{}) (*gojsonschema.Schema, error) {
	if inputSchema == nil {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(inputSchema))
}

// validateInput validates dispatch input against a compiled schema.
func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}

// ObjectSchema is a helper for declaring a JSON schema of object type.
func ObjectSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Func wraps a plain function as a Capability.
type Func struct {
	Def     Definition
	Handler func(ctx context.Context, input map[string]interface{}) (string, error)
}

// Definition implements Capability.
func (f *Func) Definition() Definition {
	return f.Def
}

// Execute implements Capability.
func (f *Func) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	return f.Handler(ctx, input)
}
