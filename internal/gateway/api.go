// ABOUTME: Read-only HTTP JSON API over the tool catalog, connections and history
// ABOUTME: Serves /api/tools, /api/agents and /api/invocations

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// AgentInfoResponse is one entry of GET /api/agents.
type AgentInfoResponse struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Tools       []string  `json:"tools"`
}

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Tools []tools.ToolDefinition `json:"tools"`
	Count int                    `json:"count"`
}

// InvocationsResponse is the JSON response for GET /api/invocations.
type InvocationsResponse struct {
	Invocations []store.InvocationRecord `json:"invocations"`
	Total       int                      `json:"total"`
}

func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tools", g.handleListTools)
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/invocations", g.handleListInvocations)
}

// handleListTools handles GET /api/tools. An optional ?q= filters by keyword.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var defs []tools.ToolDefinition
	if q := r.URL.Query().Get("q"); q != "" {
		defs = g.registry.SearchTools(q)
	} else {
		defs = g.registry.ListTools()
	}
	if defs == nil {
		defs = []tools.ToolDefinition{}
	}

	g.writeJSON(w, http.StatusOK, ToolsResponse{Tools: defs, Count: len(defs)})
}

// handleListAgents handles GET /api/agents: every live connection with the
// names of the tools it owns.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	infos := g.agentManager.ListAgents()
	response := make([]AgentInfoResponse, 0, len(infos))
	for _, a := range infos {
		owned := g.registry.ListAgentTools(a.ID)
		names := make([]string, 0, len(owned))
		for _, def := range owned {
			names = append(names, def.Name)
		}
		response = append(response, AgentInfoResponse{
			ID:          a.ID,
			RemoteAddr:  a.RemoteAddr,
			ConnectedAt: a.ConnectedAt,
			Tools:       names,
		})
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleListInvocations handles GET /api/invocations. Supports ?tool=,
// ?agent=, ?trace=, ?success=true|false, ?since=<RFC3339> and ?limit=.
func (g *Gateway) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "invocation history is disabled")
		return
	}

	filter, err := parseInvocationFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := g.store.ListInvocations(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list invocations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	total, err := g.store.CountInvocations(r.Context())
	if err != nil {
		g.logger.Error("failed to count invocations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to count invocations")
		return
	}
	if records == nil {
		records = []store.InvocationRecord{}
	}

	g.writeJSON(w, http.StatusOK, InvocationsResponse{Invocations: records, Total: total})
}

func parseInvocationFilter(r *http.Request) (store.InvocationFilter, error) {
	q := r.URL.Query()
	filter := store.InvocationFilter{
		ToolName: q.Get("tool"),
		AgentID:  q.Get("agent"),
		TraceID:  q.Get("trace"),
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("success must be true or false")
		}
		filter.Success = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC3339 timestamp")
		}
		filter.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
