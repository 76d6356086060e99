// ABOUTME: HTTP API handlers for the operational surface: command issuance,
// ABOUTME: agent listing, alert history and a live SSE event stream.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetops/fleetgate/internal/broadcast"
	"github.com/fleetops/fleetgate/internal/command"
	"github.com/fleetops/fleetgate/internal/pending"
)

// CommandRequest is the JSON request body for POST /api/agents/{id}/command.
type CommandRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// CommandResponse is the JSON response for a completed command.
type CommandResponse struct {
	AgentID int64           `json:"agent_id"`
	Action  string          `json:"action"`
	Result  json.RawMessage `json:"result"`
}

// AgentResponse is the JSON shape of one agent in GET /api/agents.
type AgentResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
}

// AlertResponse is the JSON shape of one alert in GET /api/alerts.
type AlertResponse struct {
	ID        string `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Severity  string `json:"severity"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// JobResultResponse is the JSON shape of one entry in GET /api/agents/{id}/jobs.
type JobResultResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// handleCommand handles POST /api/agents/{id}/command: synchronous dispatch
// through the correlation engine. Offline agent maps to 503, command
// timeout or retry exhaustion to 504, malformed input to 400.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	agentID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}

	timeout := g.config.Commands.DefaultTimeout
	if req.Timeout != "" {
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
	}

	result, err := g.dispatcher.Send(r.Context(), agentID, req.Action, req.Payload, timeout)
	if err != nil {
		g.writeCommandError(w, agentID, req.Action, err)
		return
	}

	g.writeJSON(w, http.StatusOK, CommandResponse{
		AgentID: agentID,
		Action:  req.Action,
		Result:  result,
	})
}

func (g *Gateway) writeCommandError(w http.ResponseWriter, agentID int64, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, command.ErrAgentOffline):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pending.ErrTimeout), errors.Is(err, pending.ErrExhausted):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pending.ErrCancelled):
		status = http.StatusRequestTimeout
	}

	g.logger.Warn("command failed",
		"agent_id", agentID, "action", action, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

// handleListAgents handles GET /api/agents: all known agents with their
// live connectivity state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		http.Error(w, "listing agents failed", http.StatusInternalServerError)
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		item := AgentResponse{
			ID:       a.ID,
			Name:     a.Name,
			Online:   g.agents.IsOnline(a.ID),
			Hostname: a.Hostname,
			OS:       a.OS,
			Arch:     a.Arch,
			Version:  a.Version,
		}
		if a.LastSeen != nil {
			item.LastSeen = a.LastSeen.UTC().Format(time.RFC3339)
		}
		resp = append(resp, item)
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleAgentJobs handles GET /api/agents/{id}/jobs: recent backup and
// integrity-check results for one agent.
func (g *Gateway) handleAgentJobs(w http.ResponseWriter, r *http.Request) {
	agentID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	results, err := g.store.ListJobResults(r.Context(), agentID, 50)
	if err != nil {
		http.Error(w, "listing job results failed", http.StatusInternalServerError)
		return
	}

	resp := make([]JobResultResponse, 0, len(results))
	for _, jr := range results {
		resp = append(resp, JobResultResponse{
			ID:        jr.ID,
			Kind:      jr.Kind,
			Success:   jr.Success,
			Detail:    jr.Detail,
			CreatedAt: jr.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleListAlerts handles GET /api/alerts: most recent alerts first.
func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := g.store.ListAlerts(r.Context(), 100)
	if err != nil {
		http.Error(w, "listing alerts failed", http.StatusInternalServerError)
		return
	}

	resp := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		resp = append(resp, AlertResponse{
			ID:        a.ID,
			AgentID:   a.AgentID,
			Severity:  a.Severity,
			Kind:      a.Kind,
			Message:   a.Message,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleEventStream handles GET /api/events: a Server-Sent Events stream of
// fleet notifications. An optional ?agent_id=N narrows to one agent's group.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	group := broadcast.GroupAll
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		agentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid agent_id", http.StatusBadRequest)
			return
		}
		group = broadcast.AgentGroup(agentID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, _ := g.broadcaster.Subscribe(r.Context(), group)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}
