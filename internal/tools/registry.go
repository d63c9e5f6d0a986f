// ABOUTME: Thread-safe in-memory catalog of tools indexed by name and owning agent.
// ABOUTME: Handles registration, lookup, search, and argument validation.

package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/palasangha/pala-platform-sub010/internal/events"
)

// ErrInvalidToolName indicates a tool name that is empty or contains
// characters outside [A-Za-z0-9_-].
var ErrInvalidToolName = errors.New("invalid tool name")

// ErrDuplicateTool indicates a tool with the same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrInvalidSchema indicates a tool whose property descriptors cannot be resolved.
var ErrInvalidSchema = errors.New("invalid input schema")

// ErrMissingRequiredArgument indicates a required argument was not supplied.
var ErrMissingRequiredArgument = errors.New("missing required argument")

// ErrUnexpectedArgument indicates an argument outside the declared properties
// of a schema that forbids additional properties.
var ErrUnexpectedArgument = errors.New("unexpected argument")

// ErrInvalidArgument indicates an argument value that does not match its
// property schema.
var ErrInvalidArgument = errors.New("invalid argument")

type entry struct {
	def    ToolDefinition
	values *jsonschema.Resolved
}

// Registry is the catalog of tools currently offered by connected agents.
// Tool names are unique across the whole registry.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry              // tool name -> entry
	agents map[string]map[string]struct{} // agent ID -> tool names
	events *events.Broadcaster
	logger *slog.Logger
}

// NewRegistry creates an empty Registry. A nil broadcaster disables events.
func NewRegistry(logger *slog.Logger, broadcaster *events.Broadcaster) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		agents: make(map[string]map[string]struct{}),
		events: broadcaster,
		logger: logger,
	}
}

// Register validates and stores a tool.
// Returns ErrInvalidToolName, ErrDuplicateTool or ErrInvalidSchema without
// changing the catalog.
func (r *Registry) Register(def ToolDefinition) error {
	if !ValidToolName(def.Name) {
		return fmt.Errorf("%w: '%s' (must match %s)", ErrInvalidToolName, def.Name, toolNamePattern)
	}

	def = def.clone()
	values, err := compileValueSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tool '%s': %w", def.Name, err)
	}

	r.mu.Lock()
	if existing, exists := r.tools[def.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: '%s' is owned by agent '%s'", ErrDuplicateTool, def.Name, existing.def.AgentID)
	}

	r.tools[def.Name] = &entry{def: def, values: values}
	owned, ok := r.agents[def.AgentID]
	if !ok {
		owned = make(map[string]struct{})
		r.agents[def.AgentID] = owned
	}
	owned[def.Name] = struct{}{}
	total := len(r.tools)
	r.mu.Unlock()

	r.logger.Info("tool registered",
		"tool_name", def.Name,
		"agent_id", def.AgentID,
		"total_tools", total,
	)
	r.events.Publish(&events.Event{
		Type:       events.ToolRegistered,
		ToolName:   def.Name,
		AgentID:    def.AgentID,
		Definition: def.clone(),
	})
	return nil
}

// RegisterAll registers each definition independently. It returns the number
// registered and the error of every definition that was rejected.
func (r *Registry) RegisterAll(defs []ToolDefinition) (int, []error) {
	var errs []error
	registered := 0
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errs
}

// Unregister removes a tool. Returns ErrToolNotFound if no such tool exists.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, exists := r.tools[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: '%s'", ErrToolNotFound, name)
	}
	r.removeLocked(e.def)
	r.mu.Unlock()

	r.logger.Info("tool unregistered", "tool_name", name, "agent_id", e.def.AgentID)
	r.publishUnregistered(e.def)
	return nil
}

// UnregisterAgent removes every tool owned by agentID and returns how many
// were removed. Unknown agents are a no-op.
func (r *Registry) UnregisterAgent(agentID string) int {
	r.mu.Lock()
	owned := r.agents[agentID]
	removed := make([]ToolDefinition, 0, len(owned))
	for name := range owned {
		e := r.tools[name]
		removed = append(removed, e.def)
		r.removeLocked(e.def)
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	r.logger.Info("agent tools unregistered", "agent_id", agentID, "tool_count", len(removed))
	for _, def := range removed {
		r.publishUnregistered(def)
	}
	return len(removed)
}

// removeLocked deletes def from both indexes. Must be called with mu held.
func (r *Registry) removeLocked(def ToolDefinition) {
	delete(r.tools, def.Name)
	if owned, ok := r.agents[def.AgentID]; ok {
		delete(owned, def.Name)
		if len(owned) == 0 {
			delete(r.agents, def.AgentID)
		}
	}
}

func (r *Registry) publishUnregistered(def ToolDefinition) {
	r.events.Publish(&events.Event{
		Type:     events.ToolUnregistered,
		ToolName: def.Name,
		AgentID:  def.AgentID,
	})
}

// GetTool returns a copy of the named tool.
func (r *Registry) GetTool(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return e.def.clone(), true
}

// GetToolAgent returns the ID of the agent owning the named tool.
func (r *Registry) GetToolAgent(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return e.def.AgentID, true
}

// ListTools returns all tools sorted by name.
func (r *Registry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def.clone())
	}
	sortByName(out)
	return out
}

// ListAgentTools returns the tools owned by agentID sorted by name. Unknown
// agents yield an empty slice.
func (r *Registry) ListAgentTools(agentID string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := r.agents[agentID]
	out := make([]ToolDefinition, 0, len(owned))
	for name := range owned {
		out = append(out, r.tools[name].def.clone())
	}
	sortByName(out)
	return out
}

// ListAgents returns the IDs of agents owning at least one tool, sorted.
func (r *Registry) ListAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for agentID := range r.agents {
		out = append(out, agentID)
	}
	slices.Sort(out)
	return out
}

// SearchTools returns tools whose name or description contains keyword,
// ignoring case, sorted by name.
func (r *Registry) SearchTools(keyword string) []ToolDefinition {
	needle := strings.ToLower(keyword)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0)
	for _, e := range r.tools {
		if strings.Contains(strings.ToLower(e.def.Name), needle) ||
			strings.Contains(strings.ToLower(e.def.Description), needle) {
			out = append(out, e.def.clone())
		}
	}
	sortByName(out)
	return out
}

// ValidateArguments checks args against the named tool's input schema.
// Returns ErrToolNotFound, ErrMissingRequiredArgument, ErrUnexpectedArgument
// or ErrInvalidArgument.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrToolNotFound, name)
	}
	return checkArguments(name, e.def.InputSchema, e.values, args)
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// AgentCount returns the number of agents owning at least one tool.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Clear empties the catalog without emitting per-tool events.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.tools)
	r.tools = make(map[string]*entry)
	r.agents = make(map[string]map[string]struct{})

	r.logger.Info("registry cleared", "tools_cleared", count)
}

func sortByName(defs []ToolDefinition) {
	slices.SortFunc(defs, func(a, b ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
}
