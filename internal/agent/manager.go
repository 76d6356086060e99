// ABOUTME: Manages connected fleet agents and the agent-to-channel binding table.
// ABOUTME: A newly authenticated channel silently supersedes a stale binding.

package agent

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fleetops/fleetgate/internal/wire"
)

// ErrAgentOffline indicates the agent has no live connection.
var ErrAgentOffline = errors.New("agent is offline")

// Manager coordinates all connected agents and routes envelopes to them.
// An agent id maps to at most one live connection at a time.
type Manager struct {
	conns  map[int64]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		conns:  make(map[int64]*Conn),
		logger: logger,
	}
}

// Bind stores the agent-to-channel binding. An existing binding for the same
// agent id is silently replaced: the superseded channel is expected to fail
// on its own once the agent's real process has reconnected.
func (m *Manager) Bind(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[conn.AgentID]; exists {
		m.logger.Info("superseding stale connection", "agent_id", conn.AgentID)
	}
	m.conns[conn.AgentID] = conn

	m.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"name", conn.Name,
		"total_agents", len(m.conns),
	)
}

// Unbind removes the binding, but only if it still points at the given
// connection. A stale read loop exiting after its agent reconnected must
// not clobber the fresh binding. Returns whether a binding was removed.
func (m *Manager) Unbind(agentID int64, conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.conns[agentID]
	if !exists || current != conn {
		return false
	}
	delete(m.conns, agentID)

	m.logger.Info("agent disconnected",
		"agent_id", agentID,
		"total_agents", len(m.conns),
	)
	return true
}

// Get retrieves the live connection for an agent.
func (m *Manager) Get(agentID int64) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[agentID]
	return conn, ok
}

// IsOnline reports whether the agent currently has a live connection.
func (m *Manager) IsOnline(agentID int64) bool {
	_, ok := m.Get(agentID)
	return ok
}

// Send routes an envelope to the agent's live connection.
// Returns ErrAgentOffline if no binding exists.
func (m *Manager) Send(agentID int64, env *wire.Envelope) error {
	conn, ok := m.Get(agentID)
	if !ok {
		return ErrAgentOffline
	}
	return conn.Send(env)
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ConnectedIDs returns the ids of all currently connected agents.
func (m *Manager) ConnectedIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}
