// ABOUTME: Watchlist health controller: evaluates agent snapshots of watched
// ABOUTME: services and processes, drives restarts, cooldowns and alerting.

package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/fleetgate/internal/pending"
	"github.com/fleetops/fleetgate/internal/store"
	"github.com/fleetops/fleetgate/internal/wire"
)

const (
	// maxRestartAttempts is how many restarts are tried before alerting.
	maxRestartAttempts = 3

	// unknownIdentity is the last-resort key for a process whose identity
	// could not be determined from the snapshot.
	unknownIdentity = "unknown"
)

// CommandIssuer issues fire-and-forget remediation commands.
// Implemented by command.Dispatcher.
type CommandIssuer interface {
	SendAsync(agentID int64, action string, payload json.RawMessage, timeout time.Duration) (*pending.Request, error)
}

// AlertSink persists alerts. Implemented by store.Store.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert *store.Alert) error
}

// Notifier publishes watchlist events to observers. Implemented by
// broadcast.Broadcaster.
type Notifier interface {
	NotifyAgent(agentID int64, name string, data any)
	NotifyAll(name string, data any)
}

type itemKind string

const (
	kindService itemKind = "service"
	kindProcess itemKind = "process"
)

// itemKey identifies one watched entity on one agent.
type itemKey struct {
	agentID int64
	kind    itemKind
	name    string
}

// tracker is the remediation state for one watched entity. Trackers are
// only ever touched under the controller's mutex.
type tracker struct {
	attempts         int
	cooldownUntil    time.Time
	failureAlertSent bool
	offlineAlertSent bool
}

// Controller evaluates watchlist snapshots and drives remediation.
// One instance serves the whole fleet; trackers are keyed per agent and item.
type Controller struct {
	issuer   CommandIssuer
	alerts   AlertSink
	notifier Notifier
	logger   *slog.Logger

	restartTimeout time.Duration
	cooldown       time.Duration

	mu       sync.Mutex
	trackers map[itemKey]*tracker

	now func() time.Time
}

// NewController creates a controller. Pass nil logger for default.
func NewController(issuer CommandIssuer, alerts AlertSink, notifier Notifier, restartTimeout, cooldown time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		issuer:         issuer,
		alerts:         alerts,
		notifier:       notifier,
		logger:         logger.With("component", "watchlist"),
		restartTimeout: restartTimeout,
		cooldown:       cooldown,
		trackers:       make(map[itemKey]*tracker),
		now:            time.Now,
	}
}

// ProcessSnapshot evaluates one watchlist.status snapshot from an agent.
// Safe for concurrent calls; snapshots for the same agent serialize on the
// controller's mutex.
func (c *Controller) ProcessSnapshot(ctx context.Context, agentID int64, snap *wire.WatchlistSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, svc := range snap.Services {
		c.evaluateService(ctx, agentID, svc)
	}
	for _, proc := range snap.Processes {
		c.evaluateProcess(ctx, agentID, proc)
	}
}

func (c *Controller) evaluateService(ctx context.Context, agentID int64, svc wire.ServiceStatus) {
	key := itemKey{agentID: agentID, kind: kindService, name: svc.Name}
	tr := c.tracker(key)
	now := c.now()

	if svc.Running {
		if tr.attempts == 0 && !tr.failureAlertSent {
			return
		}
		hadAlert := tr.failureAlertSent
		tr.attempts = 0
		tr.cooldownUntil = time.Time{}
		tr.failureAlertSent = false

		if hadAlert {
			c.emitAlert(ctx, agentID, store.SeverityInfo, store.AlertServiceRecovered,
				fmt.Sprintf("service %q recovered", svc.Name))
		}
		c.notifier.NotifyAgent(agentID, "watchlist.service.recovered", map[string]any{
			"service": svc.Name,
		})
		c.logger.Info("service recovered", "agent_id", agentID, "service", svc.Name)
		return
	}

	// Service is down.
	if tr.attempts >= maxRestartAttempts {
		if tr.failureAlertSent {
			return
		}
		tr.failureAlertSent = true
		c.emitAlert(ctx, agentID, store.SeverityCritical, store.AlertServiceFailed,
			fmt.Sprintf("service %q still down after %d restart attempts", svc.Name, tr.attempts))
		c.notifier.NotifyAll("watchlist.service.failed", map[string]any{
			"agentId": agentID,
			"service": svc.Name,
		})
		c.logger.Warn("service restart attempts exhausted",
			"agent_id", agentID, "service", svc.Name, "attempts", tr.attempts)
		return
	}

	if now.Before(tr.cooldownUntil) {
		return
	}

	tr.attempts++
	tr.cooldownUntil = now.Add(c.cooldown)

	payload, _ := json.Marshal(map[string]string{"name": svc.Name})
	if _, err := c.issuer.SendAsync(agentID, wire.ActionServiceRestart, payload, c.restartTimeout); err != nil {
		c.logger.Warn("restart command not issued",
			"agent_id", agentID, "service", svc.Name, "error", err)
	}

	c.notifier.NotifyAgent(agentID, "watchlist.restart.attempted", map[string]any{
		"service": svc.Name,
		"attempt": tr.attempts,
	})
	c.logger.Info("restart attempted",
		"agent_id", agentID, "service", svc.Name, "attempt", tr.attempts)
}

func (c *Controller) evaluateProcess(ctx context.Context, agentID int64, proc wire.ProcessStatus) {
	key := itemKey{agentID: agentID, kind: kindProcess, name: processIdentity(proc)}
	tr := c.tracker(key)

	if proc.Running {
		if !tr.offlineAlertSent {
			return
		}
		tr.offlineAlertSent = false
		c.emitAlert(ctx, agentID, store.SeverityInfo, store.AlertProcessRecovered,
			fmt.Sprintf("process %q is running again", key.name))
		c.notifier.NotifyAgent(agentID, "watchlist.process.recovered", map[string]any{
			"process": key.name,
		})
		return
	}

	if tr.offlineAlertSent {
		return
	}
	tr.offlineAlertSent = true
	c.emitAlert(ctx, agentID, store.SeverityWarning, store.AlertProcessOffline,
		fmt.Sprintf("process %q is not running", key.name))
	c.notifier.NotifyAgent(agentID, "watchlist.process.offline", map[string]any{
		"process": key.name,
	})
	c.logger.Warn("watched process offline", "agent_id", agentID, "process", key.name)
}

func (c *Controller) tracker(key itemKey) *tracker {
	tr, ok := c.trackers[key]
	if !ok {
		tr = &tracker{}
		c.trackers[key] = tr
	}
	return tr
}

func (c *Controller) emitAlert(ctx context.Context, agentID int64, severity, kind, message string) {
	alert := &store.Alert{
		AgentID:  agentID,
		Severity: severity,
		Kind:     kind,
		Message:  message,
	}
	if err := c.alerts.CreateAlert(ctx, alert); err != nil {
		c.logger.Error("persisting alert failed",
			"agent_id", agentID, "kind", kind, "error", err)
	}
}

// processIdentity derives a stable key for a watched process. The command
// line survives restarts better than a bare name, so it is preferred;
// failing that, the name, then a fragment parsed out of the status string.
func processIdentity(proc wire.ProcessStatus) string {
	if cl := strings.TrimSpace(proc.CommandLine); cl != "" {
		return cl
	}
	if name := strings.TrimSpace(proc.Name); name != "" {
		return name
	}
	if frag := statusFragment(proc.Status); frag != "" {
		return frag
	}
	return unknownIdentity
}

// statusFragment pulls the first token out of a status message like
// "stopped: /usr/bin/syncd exited" as a best-effort identity.
func statusFragment(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	if _, rest, ok := strings.Cut(status, ":"); ok {
		status = strings.TrimSpace(rest)
	}
	fields := strings.Fields(status)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
