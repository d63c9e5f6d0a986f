// ABOUTME: Tool definitions, invocation requests/results and the agent connection contract
// ABOUTME: Shared by the registry, the invoker and the dispatch layer

package tools

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/palasangha/pala-platform-sub010/internal/protocol"
)

// ToolDefinition describes a callable tool owned by one agent.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	AgentID     string      `json:"agentId"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON-schema-like input contract of a tool. Property
// descriptors are full JSON schemas; the registry checks argument presence
// itself and delegates value checks to them.
type InputSchema struct {
	Type                 string                        `json:"type,omitempty"`
	Properties           map[string]*jsonschema.Schema `json:"properties,omitempty"`
	Required             []string                      `json:"required,omitempty"`
	AdditionalProperties *bool                         `json:"additionalProperties,omitempty"`
}

// rejectsAdditional reports whether keys outside Properties are forbidden.
func (s InputSchema) rejectsAdditional() bool {
	return s.AdditionalProperties != nil && !*s.AdditionalProperties
}

// clone returns a copy that shares no mutable state with s, property
// schemas included.
func (s InputSchema) clone() InputSchema {
	out := s
	if s.Properties != nil {
		out.Properties = make(map[string]*jsonschema.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = cloneSchema(prop)
		}
	}
	out.Required = slices.Clone(s.Required)
	if s.AdditionalProperties != nil {
		v := *s.AdditionalProperties
		out.AdditionalProperties = &v
	}
	return out
}

// cloneSchema deep-copies a property schema through its JSON form. A schema
// that does not round-trip falls back to CloneSchemas, which copies nested
// schemas but shares leaf slices.
func cloneSchema(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err == nil {
		var out jsonschema.Schema
		if err = json.Unmarshal(data, &out); err == nil {
			return &out
		}
	}
	return s.CloneSchemas()
}

func (d ToolDefinition) clone() ToolDefinition {
	d.InputSchema = d.InputSchema.clone()
	return d
}

// AgentConnection is a live, sendable connection to an agent. Any transport
// can satisfy it.
type AgentConnection interface {
	SendMessage(ctx context.Context, req *protocol.Request) error
}

// ConnectionResolver maps an agent ID to its live connection, or nil when the
// agent is not connected.
type ConnectionResolver func(agentID string) AgentConnection

// InvocationRequest asks the invoker to run a tool. RequestID and TraceID are
// generated when empty.
type InvocationRequest struct {
	ToolName  string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
}

// InvocationResult is the outcome of an invocation. Result is set only on
// success and Error only on failure.
type InvocationResult struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	ToolName  string `json:"toolName"`
	TraceID   string `json:"traceId"`
	RequestID string `json:"requestId,omitempty"`
}

// ResponsePayload is what an agent reports back for an invocation: Data on
// success or Error on failure.
type ResponsePayload struct {
	Data  json.RawMessage
	Error *string
}

// DataPayload builds a success payload from any JSON-encodable value.
func DataPayload(v any) ResponsePayload {
	data, err := json.Marshal(v)
	if err != nil {
		msg := "encoding response data: " + err.Error()
		return ResponsePayload{Error: &msg}
	}
	return ResponsePayload{Data: data}
}

// ErrorPayload builds a failure payload.
func ErrorPayload(msg string) ResponsePayload {
	return ResponsePayload{Error: &msg}
}
