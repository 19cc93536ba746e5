package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrDuplicateTool is returned when registering a name that exists.
	ErrDuplicateTool = errors.New("duplicate_tool")

	// ErrUnknownTool is returned for calls naming an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrArgsTooLarge is returned when serialized args exceed MaxArgsBytes.
	ErrArgsTooLarge = errors.New("tool args too large")
)

// MaxArgsBytes caps serialized call arguments at 10 KiB.
const MaxArgsBytes = 10 * 1024

type registeredTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry holds the tool catalog. Registration happens at startup; after
// that the registry is effectively immutable and safe for concurrent reads.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. The schema is compiled eagerly so malformed schemas
// fail at startup rather than mid-turn.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Risk == "" {
		def.Risk = RiskBenign
	}
	if !def.Risk.Valid() {
		return fmt.Errorf("tool %s: unknown risk class %q", def.Name, def.Risk)
	}

	var schema *jsonschema.Schema
	if len(def.Schema) > 0 {
		compiled, err := jsonschema.CompileString(def.Name+".json", string(def.Schema))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// Definitions returns all tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// ValidateCall checks a call against the registry: the tool must exist, the
// args must be a JSON object no larger than MaxArgsBytes once serialized,
// and they must pass the tool's schema. Returns the normalized args.
func (r *Registry) ValidateCall(name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("tool %s: args not valid JSON: %w", name, err)
	}
	if _, isObject := decoded.(map[string]any); !isObject {
		return nil, fmt.Errorf("tool %s: args must be a JSON object", name)
	}

	serialized, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("tool %s: args not serializable: %w", name, err)
	}
	if len(serialized) > MaxArgsBytes {
		return nil, fmt.Errorf("%w: %s: %d bytes", ErrArgsTooLarge, name, len(serialized))
	}

	if t.schema != nil {
		if err := t.schema.Validate(decoded); err != nil {
			return nil, fmt.Errorf("tool %s: args failed schema: %w", name, err)
		}
	}
	return args, nil
}
