// ABOUTME: Store interface and data types for invocation history
// ABOUTME: Defines InvocationRecord, InvocationFilter and the Store interface

package store

import (
	"context"
	"time"
)

// InvocationRecord is the terminal outcome of one invocation.
type InvocationRecord struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"requestId,omitempty"`
	TraceID    string         `json:"traceId"`
	ToolName   string         `json:"toolName"`
	AgentID    string         `json:"agentId,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	Duration   time.Duration  `json:"durationNs"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// InvocationFilter specifies filtering options for listing invocations.
type InvocationFilter struct {
	ToolName string     `json:"toolName,omitempty"`
	AgentID  string     `json:"agentId,omitempty"`
	TraceID  string     `json:"traceId,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"` // default 50, max 1000
}

// Store persists invocation history.
type Store interface {
	// AppendInvocation stores a record. ID and FinishedAt are generated when
	// unset. Request IDs are not unique: a caller may reuse one once its
	// earlier invocation has finished.
	AppendInvocation(ctx context.Context, r *InvocationRecord) error

	// ListInvocations returns matching records, newest first.
	ListInvocations(ctx context.Context, f InvocationFilter) ([]InvocationRecord, error)

	// CountInvocations returns the number of stored records.
	CountInvocations(ctx context.Context) (int, error)

	Close() error
}
