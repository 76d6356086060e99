// ABOUTME: JSON message envelope shared between the server and fleet agents.
// ABOUTME: Defines envelope types, well-known actions, and auth payloads.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the single message frame moved over an agent connection.
// Requests and responses share the same ID; events carry one but it is
// not used for correlation. Payload is opaque to the transport.
type Envelope struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Well-known actions.
const (
	ActionAuthenticate       = "authenticate"
	ActionAgentInfo          = "agent.info"
	ActionServiceRestart     = "service.restart"
	ActionFilesystemList     = "fs.list"
	ActionBackupRun          = "backup.run"
	ActionIntegrityCheck     = "integrity.check"
	ActionMetricsReport      = "metrics.report"
	ActionWatchlistStatus    = "watchlist.status"
	ActionBackupCompleted    = "backup.completed"
	ActionIntegrityCompleted = "integrity.completed"
)

// ErrMalformedEnvelope indicates a frame that could not be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Decode parses a raw frame into an Envelope. Field names are matched
// case-insensitively, which encoding/json does by default.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch env.Type {
	case TypeRequest, TypeResponse, TypeEvent:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// AuthRequest is the payload of the first frame an agent must send.
type AuthRequest struct {
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
}

// AuthResponse is the payload of the server's reply to an AuthRequest.
type AuthResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ServerID   string `json:"serverId,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}

// Auth response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// AgentInfo is the payload an agent returns for an agent.info request.
type AgentInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// ServiceStatus describes one supervised service in a watchlist snapshot.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
}

// ProcessStatus describes one supervised process in a watchlist snapshot.
type ProcessStatus struct {
	Name        string `json:"name"`
	CommandLine string `json:"commandLine,omitempty"`
	Running     bool   `json:"running"`
	Status      string `json:"status,omitempty"`
}

// WatchlistSnapshot is the payload of a watchlist.status event.
type WatchlistSnapshot struct {
	Services  []ServiceStatus `json:"services"`
	Processes []ProcessStatus `json:"processes"`
}

// JobResult is the payload of backup.completed and integrity.completed events.
type JobResult struct {
	JobID   string `json:"jobId,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
