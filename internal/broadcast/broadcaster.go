// ABOUTME: In-memory fan-out broadcaster for fleet lifecycle events
// ABOUTME: Publishes agent, command and watchlist notifications to UI subscribers

package broadcast

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// GroupAll receives every published event regardless of agent.
	GroupAll = "all"
)

// Event is a fleet notification fanned out to subscribers: agent
// connectivity changes, command retry diagnostics, watchlist alerts.
type Event struct {
	Name    string    `json:"name"`
	AgentID int64     `json:"agentId,omitempty"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// Broadcaster provides in-memory pub/sub for fleet events. Subscribers
// register for a group (a per-agent group or GroupAll) and receive events
// as they happen. This enables live dashboards without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // group -> subID -> ch
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcast"),
		now:         time.Now,
	}
}

// AgentGroup returns the subscription group name for a single agent.
func AgentGroup(agentID int64) string {
	return "agent:" + strconv.FormatInt(agentID, 10)
}

// Subscribe registers a subscriber for events on the given group.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, group string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[group]; !ok {
		b.subscribers[group] = make(map[string]chan *Event)
	}
	b.subscribers[group][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "group", group, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(group, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(group, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[group]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, group)
	}

	b.logger.Debug("subscriber removed", "group", group, "sub_id", subID)
}

// NotifyAgent publishes an event to the agent's group and to GroupAll.
func (b *Broadcaster) NotifyAgent(agentID int64, name string, data any) {
	event := &Event{Name: name, AgentID: agentID, At: b.now(), Data: data}
	b.publish(AgentGroup(agentID), event)
	b.publish(GroupAll, event)
}

// NotifyAll publishes a fleet-wide event to GroupAll only.
func (b *Broadcaster) NotifyAll(name string, data any) {
	b.publish(GroupAll, &Event{Name: name, At: b.now(), Data: data})
}

// publish sends an event to all subscribers of a group.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) publish(group string, event *Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[group]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"group", group, "event", event.Name)
		}
	}
}

// SubscriberCount returns the number of active subscriptions for a group.
func (b *Broadcaster) SubscriberCount(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[group])
}
