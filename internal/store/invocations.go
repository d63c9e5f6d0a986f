// ABOUTME: Invocation history store methods for the invocations table
// ABOUTME: Appends terminal outcomes and lists them with filtering, newest first

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// AppendInvocation stores a terminal invocation outcome.
// Generates ID and FinishedAt if not set.
func (s *SQLiteStore) AppendInvocation(ctx context.Context, r *InvocationRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}

	argsJSON, err := marshalOptional(r.Arguments, r.Arguments == nil)
	if err != nil {
		return fmt.Errorf("marshaling arguments: %w", err)
	}
	resultJSON, err := marshalOptional(r.Result, r.Result == nil)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	query := `
		INSERT INTO invocations (id, request_id, trace_id, tool_name, agent_id, success, error, arguments, result, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.RequestID,
		r.TraceID,
		r.ToolName,
		r.AgentID,
		r.Success,
		r.Error,
		argsJSON,
		resultJSON,
		r.Duration.Milliseconds(),
		r.FinishedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}

	s.logger.Debug("appended invocation",
		"id", r.ID,
		"tool_name", r.ToolName,
		"request_id", r.RequestID,
		"success", r.Success,
	)
	return nil
}

func marshalOptional(v any, isNil bool) (*string, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

// normalizeLimit applies default (50) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listInvocationsQuery = `
	SELECT id, request_id, trace_id, tool_name, agent_id, success, error, arguments, result, duration_ms, finished_at
	FROM invocations
	WHERE (? = '' OR tool_name = ?)
	  AND (? = '' OR agent_id = ?)
	  AND (? = '' OR trace_id = ?)
	  AND (? IS NULL OR success = ?)
	  AND (? IS NULL OR finished_at >= ?)
	ORDER BY finished_at DESC, rowid DESC
	LIMIT ?
`

// ListInvocations returns records matching f, newest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, f InvocationFilter) ([]InvocationRecord, error) {
	var success *bool
	if f.Success != nil {
		v := *f.Success
		success = &v
	}
	var since *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timeFormat)
		since = &v
	}

	rows, err := s.db.QueryContext(ctx, listInvocationsQuery,
		f.ToolName, f.ToolName,
		f.AgentID, f.AgentID,
		f.TraceID, f.TraceID,
		success, success,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	records := make([]InvocationRecord, 0)
	for rows.Next() {
		r, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocations: %w", err)
	}
	return records, nil
}

// CountInvocations returns the number of stored records.
func (s *SQLiteStore) CountInvocations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}
	return n, nil
}

// scanInvocation scans a row into an InvocationRecord.
func scanInvocation(scanner interface{ Scan(dest ...any) error }) (InvocationRecord, error) {
	var r InvocationRecord
	var argsJSON, resultJSON sql.NullString
	var durationMS int64
	var finishedAt string

	if err := scanner.Scan(
		&r.ID,
		&r.RequestID,
		&r.TraceID,
		&r.ToolName,
		&r.AgentID,
		&r.Success,
		&r.Error,
		&argsJSON,
		&resultJSON,
		&durationMS,
		&finishedAt,
	); err != nil {
		return r, fmt.Errorf("scanning invocation: %w", err)
	}

	r.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	r.FinishedAt, err = time.Parse(timeFormat, finishedAt)
	if err != nil {
		return r, fmt.Errorf("parsing finished_at: %w", err)
	}

	if argsJSON.Valid {
		if err := json.Unmarshal([]byte(argsJSON.String), &r.Arguments); err != nil {
			return r, fmt.Errorf("unmarshaling arguments: %w", err)
		}
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
			return r, fmt.Errorf("unmarshaling result: %w", err)
		}
	}
	return r, nil
}
