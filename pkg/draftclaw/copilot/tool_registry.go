// Package copilot – tool_registry.go is the static catalogue of tools the
// model may call, each with a fixed confirmation tier.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tier is the confirmation discipline of a tool.
type Tier int

const (
	// TierNone runs immediately and its result is final.
	TierNone Tier = iota

	// TierPreExec waits for the user to confirm before the handler runs.
	TierPreExec

	// TierPostExec runs immediately; the result stays pending until the
	// user approves, rejects or partially approves it.
	TierPostExec
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierPreExec:
		return "pre_exec"
	case TierPostExec:
		return "post_exec"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ToolHandlerFunc is the signature for tool execution handlers.
// Receives parsed arguments and returns the result or an error.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ApprovalFunc rewrites the pending output of a post-exec tool once the
// user decides. It never re-runs the tool.
type ApprovalFunc func(output json.RawMessage, decision PostExecDecision) (json.RawMessage, error)

// Tool bundles a definition, its handler and its tier.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Tier        Tier
	Handler     ToolHandlerFunc

	// Approve is required for TierPostExec tools.
	Approve ApprovalFunc
}

// Definition returns the function definition sent to the model.
func (t *Tool) Definition() ToolDefinition {
	params := t.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// ToolRegistry is a read-mostly lookup table of tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", tool.Name)
	}
	if tool.Tier == TierPostExec && tool.Approve == nil {
		return fmt.Errorf("register tool %q: post-exec tool needs an approval function", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", tool.Name)
	}
	t := tool
	r.tools[tool.Name] = &t
	r.order = append(r.order, tool.Name)
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tier returns the tier of name; unknown tools are TierNone.
func (r *ToolRegistry) Tier(name string) Tier {
	if t, ok := r.Get(name); ok {
		return t.Tier
	}
	return TierNone
}

// Definitions returns the catalogue in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
