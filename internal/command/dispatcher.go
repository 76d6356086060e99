// ABOUTME: Command dispatcher that frames requests, puts them on the wire,
// ABOUTME: and blocks callers on the correlation engine for the response.

package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetops/fleetgate/internal/pending"
	"github.com/fleetops/fleetgate/internal/wire"
)

// ErrAgentOffline indicates the target agent has no live connection.
var ErrAgentOffline = errors.New("agent is offline")

// Sender routes a framed envelope to an agent's live connection.
// Implemented by agent.Manager.
type Sender interface {
	Send(agentID int64, env *wire.Envelope) error
	IsOnline(agentID int64) bool
}

// Notifier publishes command lifecycle diagnostics. Implemented by
// broadcast.Broadcaster.
type Notifier interface {
	NotifyAgent(agentID int64, name string, data any)
}

// Dispatcher sends commands to agents and correlates their responses.
// It also subscribes to the engine's reconciliation loop so automatic
// retries are re-sent over the same path as the original request.
type Dispatcher struct {
	engine   *pending.Engine
	sender   Sender
	notifier Notifier
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher to the correlation engine and transport.
// The dispatcher registers itself as an engine subscriber.
func NewDispatcher(engine *pending.Engine, sender Sender, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engine:   engine,
		sender:   sender,
		notifier: notifier,
		logger:   logger.With("component", "dispatcher"),
	}
	engine.Subscribe(d)
	return d
}

// Send issues a command to an agent and blocks until a response arrives,
// the timeout elapses, retries are exhausted, or ctx is cancelled.
// Returns ErrAgentOffline without registering anything if the agent has
// no live connection.
func (d *Dispatcher) Send(ctx context.Context, agentID int64, action string, payload json.RawMessage, timeout time.Duration) ([]byte, error) {
	req, err := d.start(agentID, action, payload, timeout)
	if err != nil {
		return nil, err
	}
	return d.engine.Await(ctx, req)
}

// SendAsync issues a command without waiting for the response. The
// returned request can be awaited later, or left to the reconciliation
// loop to retry and eventually expire.
func (d *Dispatcher) SendAsync(agentID int64, action string, payload json.RawMessage, timeout time.Duration) (*pending.Request, error) {
	return d.start(agentID, action, payload, timeout)
}

func (d *Dispatcher) start(agentID int64, action string, payload json.RawMessage, timeout time.Duration) (*pending.Request, error) {
	if !d.sender.IsOnline(agentID) {
		return nil, ErrAgentOffline
	}

	req := d.engine.Register(agentID, action, payload, timeout)

	env := &wire.Envelope{
		ID:      req.ID,
		Type:    wire.TypeRequest,
		Action:  action,
		Payload: payload,
	}
	if err := d.sender.Send(agentID, env); err != nil {
		// The entry must not linger for the retry loop to resurrect.
		d.engine.Cancel(req.ID, "initial send failed")
		return nil, err
	}

	d.logger.Debug("command sent",
		"id", req.ID, "agent_id", agentID, "action", action, "timeout", timeout)
	return req, nil
}

// Retry implements pending.Subscriber. It re-sends the original envelope
// with the original correlation id, so a late response to any attempt
// still settles the request.
func (d *Dispatcher) Retry(req *pending.Request) {
	defer d.engine.FinishRetry(req.ID)

	env := &wire.Envelope{
		ID:      req.ID,
		Type:    wire.TypeRequest,
		Action:  req.Action,
		Payload: req.Payload,
	}
	if err := d.sender.Send(req.AgentID, env); err != nil {
		d.logger.Warn("retry send failed",
			"id", req.ID, "agent_id", req.AgentID, "action", req.Action, "error", err)
	}

	if d.notifier != nil {
		d.notifier.NotifyAgent(req.AgentID, "command.retrying", map[string]any{
			"id":      req.ID,
			"action":  req.Action,
			"attempt": req.Attempt(),
		})
	}
}

// Failed implements pending.Subscriber. Terminal failures are surfaced as
// diagnostics; the caller blocked in Await gets the error directly.
func (d *Dispatcher) Failed(req *pending.Request, err error) {
	if d.notifier != nil {
		d.notifier.NotifyAgent(req.AgentID, "command.failed", map[string]any{
			"id":     req.ID,
			"action": req.Action,
			"error":  err.Error(),
		})
	}
}
