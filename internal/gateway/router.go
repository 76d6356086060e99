// ABOUTME: Message router dispatching inbound agent envelopes by type and
// ABOUTME: action: responses to the correlation engine, events to processors.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetops/fleetgate/internal/broadcast"
	"github.com/fleetops/fleetgate/internal/dedupe"
	"github.com/fleetops/fleetgate/internal/pending"
	"github.com/fleetops/fleetgate/internal/store"
	"github.com/fleetops/fleetgate/internal/watchlist"
	"github.com/fleetops/fleetgate/internal/wire"
)

// Router dispatches envelopes read off agent connections. The protocol is
// server-initiated-request / agent-initiated-response: agents send
// responses and events, never requests.
type Router struct {
	engine      *pending.Engine
	watchlist   *watchlist.Controller
	store       store.Store
	broadcaster *broadcast.Broadcaster
	seenJobs    *dedupe.Cache
	logger      *slog.Logger
}

// NewRouter creates a router. Pass nil logger for default.
func NewRouter(engine *pending.Engine, watchCtrl *watchlist.Controller, s store.Store, broadcaster *broadcast.Broadcaster, seenJobs *dedupe.Cache, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:      engine,
		watchlist:   watchCtrl,
		store:       s,
		broadcaster: broadcaster,
		seenJobs:    seenJobs,
		logger:      logger.With("component", "router"),
	}
}

// Route dispatches one envelope from an agent. Never returns an error:
// malformed payloads are contained per-message and logged.
func (r *Router) Route(ctx context.Context, agentID int64, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeResponse:
		r.routeResponse(agentID, env)
	case wire.TypeEvent:
		r.routeEvent(ctx, agentID, env)
	case wire.TypeRequest:
		r.logger.Warn("unexpected request from agent, ignoring",
			"agent_id", agentID, "action", env.Action, "id", env.ID)
	}
}

// routeResponse completes the matching pending request. If the id matches
// nothing, fall back to the single-candidate (agent, action) heuristic for
// agents that echo a wrong id.
func (r *Router) routeResponse(agentID int64, env *wire.Envelope) {
	if r.engine.Complete(env.ID, env.Payload) {
		return
	}

	candidates, ok := r.engine.CompleteByAction(agentID, env.Action, env.Payload)
	if ok {
		r.logger.Warn("response id matched nothing, recovered by action",
			"agent_id", agentID, "action", env.Action, "id", env.ID)
		return
	}
	r.logger.Warn("dropping uncorrelatable response",
		"agent_id", agentID, "action", env.Action, "id", env.ID, "candidates", candidates)
}

func (r *Router) routeEvent(ctx context.Context, agentID int64, env *wire.Envelope) {
	switch env.Action {
	case wire.ActionMetricsReport:
		r.handleMetrics(ctx, agentID)
	case wire.ActionWatchlistStatus:
		r.handleWatchlistStatus(ctx, agentID, env.Payload)
	case wire.ActionBackupCompleted:
		r.handleJobCompleted(ctx, agentID, store.JobBackup, env.Payload)
	case wire.ActionIntegrityCompleted:
		r.handleJobCompleted(ctx, agentID, store.JobIntegrity, env.Payload)
	default:
		r.logger.Warn("dropping event with unknown action",
			"agent_id", agentID, "action", env.Action)
	}
}

// handleMetrics treats a metrics report as proof of life. Full metrics
// ingestion lives outside this core.
func (r *Router) handleMetrics(ctx context.Context, agentID int64) {
	if err := r.store.TouchAgent(ctx, agentID, time.Now().UTC()); err != nil {
		r.logger.Error("touching agent", "agent_id", agentID, "error", err)
	}
	r.logger.Debug("metrics report received", "agent_id", agentID)
}

func (r *Router) handleWatchlistStatus(ctx context.Context, agentID int64, payload json.RawMessage) {
	var snap wire.WatchlistSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		r.logger.Warn("dropping malformed watchlist snapshot",
			"agent_id", agentID, "error", err)
		return
	}
	r.watchlist.ProcessSnapshot(ctx, agentID, &snap)
}

func (r *Router) handleJobCompleted(ctx context.Context, agentID int64, kind string, payload json.RawMessage) {
	var result wire.JobResult
	if err := json.Unmarshal(payload, &result); err != nil {
		r.logger.Warn("dropping malformed job result",
			"agent_id", agentID, "kind", kind, "error", err)
		return
	}

	// Agents re-deliver completion events after reconnects; record each job once.
	if result.JobID != "" {
		key := fmt.Sprintf("job:%d:%s:%s", agentID, kind, result.JobID)
		if r.seenJobs.CheckAndMark(key) {
			r.logger.Debug("dropping duplicate job result",
				"agent_id", agentID, "kind", kind, "job_id", result.JobID)
			return
		}
	}

	if err := r.store.SaveJobResult(ctx, &store.JobResult{
		AgentID: agentID,
		Kind:    kind,
		Success: result.Success,
		Detail:  result.Detail,
	}); err != nil {
		r.logger.Error("saving job result",
			"agent_id", agentID, "kind", kind, "error", err)
	}

	r.broadcaster.NotifyAgent(agentID, "job.completed", map[string]any{
		"kind":    kind,
		"success": result.Success,
	})
	r.logger.Info("job completed", "agent_id", agentID, "kind", kind, "success", result.Success)
}
