package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/bpowers/mcpd/schema"
)

type entry struct {
	tool       Tool
	validator  *schema.Validator
	definition ToolDefinition
}

// Registry holds the tools exposed by a server. Tools are registered
// explicitly at startup; once frozen, lookups take no locks.
type Registry struct {
	mu     sync.Mutex
	frozen atomic.Bool
	tools  map[string]*entry
	order  []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
	}
}

// Register adds a tool. It fails if the name is taken, reserved by the
// protocol, or the registry is frozen.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", tool.Name)
	}
	if reservedName(tool.Name) {
		return fmt.Errorf("register tool %q: name is reserved", tool.Name)
	}

	validator, err := schema.Compile(tool.Params)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("register tool %q: %w", tool.Name, ErrFrozen)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("register tool %q: %w", tool.Name, ErrDuplicateTool)
	}

	r.tools[tool.Name] = &entry{
		tool:      tool,
		validator: validator,
		definition: ToolDefinition{
			Name:        tool.Name,
			Title:       tool.Title,
			Description: tool.Description,
			InputSchema: validator.Raw(),
		},
	}
	r.order = append(r.order, tool.Name)
	return nil
}

func reservedName(name string) bool {
	switch name {
	case MethodInitialize, MethodPing, MethodToolsList, MethodToolsCall:
		return true
	}
	return strings.HasPrefix(name, "notifications/") || strings.HasPrefix(name, "rpc.")
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	if r.frozen.Load() {
		e, ok := r.tools[name]
		return e, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	return e, ok
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List returns the registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Definitions returns the tool definitions in registration order. This is
// used by tools/list.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].definition)
	}
	return defs
}

// Invoke validates args and runs the named tool, returning its JSON
// encoded result. Failures are a *ToolNotFoundError, *SchemaError,
// *InvocationError or *PanicError.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	if err := e.validator.Validate(args); err != nil {
		return nil, &SchemaError{Tool: name, Err: err}
	}

	var (
		out any
		err error
	)
	if recovered := panics.Try(func() {
		out, err = e.tool.Handler(ctx, schema.Normalize(args))
	}); recovered != nil {
		return nil, &PanicError{Tool: name, Value: recovered.Value, Stack: recovered.Stack}
	}
	if err != nil {
		return nil, &InvocationError{Tool: name, Err: err}
	}

	if raw, ok := out.(json.RawMessage); ok && json.Valid(raw) {
		return raw, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &InvocationError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}
	}
	return raw, nil
}
