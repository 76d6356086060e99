// ABOUTME: Store interface and data types for fleetgate persistence
// ABOUTME: Defines Agent, Alert, JobResult structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent with a taken name
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent represents a remote monitored host. The connection core reads
// identity and token hash, and writes online/last-seen/system info.
type Agent struct {
	ID        int64
	Name      string
	TokenHash string
	Online    bool
	LastSeen  *time.Time
	Hostname  string
	OS        string
	Arch      string
	Version   string
	CreatedAt time.Time
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityInfo     = "info"
)

// Alert kinds raised by the watchlist controller.
const (
	AlertServiceFailed    = "service_failed"
	AlertServiceRecovered = "service_recovered"
	AlertProcessOffline   = "process_offline"
	AlertProcessRecovered = "process_recovered"
)

// Alert is a persisted notification about a watched entity.
type Alert struct {
	ID        string
	AgentID   int64
	Severity  string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// Job kinds recorded from agent completion events.
const (
	JobBackup    = "backup"
	JobIntegrity = "integrity"
)

// JobResult records the outcome of a backup or integrity-check job on an agent.
type JobResult struct {
	ID        string
	AgentID   int64
	Kind      string
	Success   bool
	Detail    string
	CreatedAt time.Time
}

// Store defines the interface for fleetgate persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentOnline(ctx context.Context, id int64, online bool, lastSeen time.Time) error
	TouchAgent(ctx context.Context, id int64, lastSeen time.Time) error
	UpdateAgentSystemInfo(ctx context.Context, id int64, hostname, os, arch, version string) error

	// Alerts
	CreateAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)

	// Job results
	SaveJobResult(ctx context.Context, result *JobResult) error
	ListJobResults(ctx context.Context, agentID int64, limit int) ([]*JobResult, error)

	Close() error
}
