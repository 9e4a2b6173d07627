// internal/tool/registry.go
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"agentloop/internal/transport"
)

// ErrUnknownTool is returned when dispatch names an unregistered tool
var ErrUnknownTool = errors.New("unknown tool")

// ErrUnknownProfile is returned when a profile name resolves to nothing
var ErrUnknownProfile = errors.New("unknown profile")

// CapToolCalls is the capability a model must offer for any tool at all
const CapToolCalls = "tool_calls"

// InvokeFunc executes a tool. Input is the raw JSON payload the model
// produced. Long-running tools should honor ctx and may emit progress
// lines on the channel when it is non-nil.
type InvokeFunc func(ctx context.Context, input json.RawMessage, progress chan<- string) (string, error)

// Definition registers one invocable capability
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON schema of the input payload, passed to the
	// transport verbatim.
	Schema json.RawMessage
	// Capabilities the model must support for this tool to be offered.
	Capabilities []string
	// Mutates marks edit-performing tools; the engine opens a checkpoint
	// interval before their first mutation in a burst.
	Mutates bool
	// ReadOnly tools are the ones the ask profile enables.
	ReadOnly bool
	Invoke   InvokeFunc
}

// Registry holds the invocable tools and the named profiles that gate
// them per thread.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Definition
	order    []string
	profiles map[string][]string // custom profiles, layered over builtins
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Definition),
		profiles: make(map[string][]string),
	}
}

// Register adds or replaces a tool definition
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition needs a name")
	}
	if def.Invoke == nil {
		return fmt.Errorf("tool %s has no invoke function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return def, nil
}

// Names returns registered tool names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch invokes a named tool. A lookup plus one polymorphic call;
// per-tool behavior lives in the definitions.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage, progress chan<- string) (string, error) {
	def, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return def.Invoke(ctx, input, progress)
}

// SchemaFor builds the tool schemas offered to a model under a profile.
// Tools the model cannot take (missing capability support) are omitted
// from the schema entirely, not refused after the fact.
func (r *Registry) SchemaFor(model transport.ModelInfo, profile string) ([]transport.ToolSchema, error) {
	enabled, err := r.Resolve(profile)
	if err != nil {
		return nil, err
	}
	if !model.SupportsToolCalls {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var schemas []transport.ToolSchema
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		def := r.tools[name]
		if !modelSupports(model, def.Capabilities) {
			continue
		}
		schemas = append(schemas, transport.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema,
		})
	}
	return schemas, nil
}

// modelSupports reports whether the model satisfies every capability a
// tool requires
func modelSupports(model transport.ModelInfo, caps []string) bool {
	for _, c := range caps {
		switch c {
		case CapToolCalls:
			if !model.SupportsToolCalls {
				return false
			}
		default:
			// Unknown requirement: not satisfiable by this model surface.
			return false
		}
	}
	return true
}
