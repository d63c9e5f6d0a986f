// ABOUTME: Manages live agent connections keyed by agent ID.
// ABOUTME: Resolves agent IDs to sendable connections for the invoker.

package agent

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already connected.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// Manager tracks every live connection.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a connection to the manager.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[conn.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[conn.ID] = conn
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes conn if it is still the registered connection for its ID.
// A stale connection never evicts a newer one.
func (m *Manager) Unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.agents[conn.ID]; exists && current == conn {
		delete(m.agents, conn.ID)
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"agent_id", conn.ID,
			"connected_for", time.Since(conn.ConnectedAt).Round(time.Millisecond),
			"total_agents", len(m.agents),
		)
	}
}

// GetAgent retrieves a specific connection by agent ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// Resolve implements tools.ConnectionResolver.
func (m *Manager) Resolve(agentID string) tools.AgentConnection {
	conn, ok := m.GetAgent(agentID)
	if !ok {
		return nil
	}
	return conn
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// AgentIDs returns the IDs of all live connections, sorted.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ListAgents returns information about all live connections, sorted by ID.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(m.agents))
	for _, conn := range m.agents {
		agents = append(agents, &AgentInfo{
			ID:          conn.ID,
			RemoteAddr:  conn.RemoteAddr,
			ConnectedAt: conn.ConnectedAt,
		})
	}
	slices.SortFunc(agents, func(a, b *AgentInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return agents
}

// CloseAll closes every live connection and returns how many were closed.
// Connections unregister themselves as their read loops exit.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Debug("error closing connection", "agent_id", conn.ID, "error", err)
		}
	}
	return len(conns)
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}
