package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// OriginBuiltin marks tools implemented in-process.
const OriginBuiltin = "builtin"

// ExternalOrigin returns the origin tag for tools hosted by an external server.
func ExternalOrigin(serverID string) string {
	return "external:" + serverID
}

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum encoded size of tool parameters (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolDescriptor is the advertised shape of a tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Origin      string          `json:"origin"`
}

// Handler executes a tool call. A returned error is a handler fault; the
// orchestrator folds it into a failed result.
type Handler interface {
	Execute(ctx context.Context, params models.Params) (models.ToolResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params models.Params) (models.ToolResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	return f(ctx, params)
}

// Tool is a built-in tool: a handler that describes itself.
type Tool interface {
	Handler
	Name() string
	Description() string
	Schema() json.RawMessage
}

// Resolver is one source of tools. Registries consult resolvers in order.
type Resolver interface {
	// Name identifies the resolver in logs and status output.
	Name() string
	// Resolve returns the handler for a tool name.
	Resolve(name string) (Handler, ToolDescriptor, bool)
	// Descriptors lists every tool the resolver can currently serve.
	Descriptors() []ToolDescriptor
}

// Registry maps tool names to handlers. Built-in tools are consulted first,
// then each additional resolver in registration order. An optional enabled
// list restricts which names resolve at all.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Tool
	resolvers []Resolver
	enabled   map[string]struct{}
	reserved  map[string]struct{}
	schemas   *schemaCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Tool),
		reserved: make(map[string]struct{}),
		schemas:  newSchemaCache(),
	}
}

// Register adds a built-in tool. A tool with the same name is replaced.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("register tool %q: name exceeds %d characters", name[:32], MaxToolNameLength)
	}
	if schema := tool.Schema(); len(schema) > 0 {
		if _, err := r.schemas.compile(OriginBuiltin+"/"+name, schema); err != nil {
			return fmt.Errorf("register tool %q: %w", name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = tool
	return nil
}

// RegisterReserved adds a built-in tool that stays resolvable regardless of
// the enabled list.
func (r *Registry) RegisterReserved(tool Tool) error {
	if err := r.Register(tool); err != nil {
		return err
	}
	r.mu.Lock()
	r.reserved[tool.Name()] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Unregister removes a built-in tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builtins, name)
	delete(r.reserved, name)
}

// AddResolver appends a resolver consulted after built-ins and earlier resolvers.
func (r *Registry) AddResolver(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// SetEnabled restricts resolution to the named tools. An empty list enables
// every tool.
func (r *Registry) SetEnabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		r.enabled = nil
		return
	}
	r.enabled = make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			r.enabled[n] = struct{}{}
		}
	}
}

func (r *Registry) isEnabledLocked(name string) bool {
	if r.enabled == nil {
		return true
	}
	if _, ok := r.reserved[name]; ok {
		return true
	}
	_, ok := r.enabled[name]
	return ok
}

// Resolve finds the handler for name.
func (r *Registry) Resolve(name string) (Handler, ToolDescriptor, bool) {
	r.mu.RLock()
	if !r.isEnabledLocked(name) {
		r.mu.RUnlock()
		return nil, ToolDescriptor{}, false
	}
	if tool, ok := r.builtins[name]; ok {
		r.mu.RUnlock()
		return tool, describe(tool), true
	}
	resolvers := append([]Resolver(nil), r.resolvers...)
	r.mu.RUnlock()

	for _, res := range resolvers {
		if h, desc, ok := res.Resolve(name); ok {
			return h, desc, true
		}
	}
	return nil, ToolDescriptor{}, false
}

// ListEnabled returns the descriptors of all resolvable tools sorted by name.
// A name served by several sources is listed once, for the source that wins
// resolution.
func (r *Registry) ListEnabled() []ToolDescriptor {
	r.mu.RLock()
	seen := make(map[string]struct{})
	var out []ToolDescriptor
	for name, tool := range r.builtins {
		if !r.isEnabledLocked(name) {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, describe(tool))
	}
	resolvers := append([]Resolver(nil), r.resolvers...)
	enabled := r.enabled
	r.mu.RUnlock()

	for _, res := range resolvers {
		for _, desc := range res.Descriptors() {
			if _, dup := seen[desc.Name]; dup {
				continue
			}
			if enabled != nil {
				if _, ok := enabled[desc.Name]; !ok {
					continue
				}
			}
			seen[desc.Name] = struct{}{}
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every resolvable tool name.
func (r *Registry) Names() []string {
	descs := r.ListEnabled()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Validate checks params against the descriptor schema, coercing string
// values to the declared scalar types first. The coerced params are returned.
func (r *Registry) Validate(desc ToolDescriptor, params models.Params) (models.Params, error) {
	if len(desc.Schema) == 0 {
		return params, nil
	}
	schema, err := r.schemas.compile(desc.Origin+"/"+desc.Name, desc.Schema)
	if err != nil {
		// An unusable remote schema should not block the tool.
		return params, nil
	}
	coerced := coerceParams(desc.Schema, params)
	encoded, err := json.Marshal(coerced)
	if err != nil {
		return params, fmt.Errorf("encode params: %w", err)
	}
	if len(encoded) > MaxToolParamsSize {
		return params, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return params, fmt.Errorf("decode params: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return params, err
	}
	return coerced, nil
}

func describe(tool Tool) ToolDescriptor {
	return ToolDescriptor{
		Name:        tool.Name(),
		Description: tool.Description(),
		Schema:      tool.Schema(),
		Origin:      OriginBuiltin,
	}
}
