// ABOUTME: Correlation table and retry engine for outstanding agent commands.
// ABOUTME: Matches responses to requests by id and drives retry/expiry from a background loop.

package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Failure taxonomy for settled requests.
var (
	// ErrTimeout means Await exceeded the per-request deadline with no response.
	ErrTimeout = errors.New("command timed out")

	// ErrExhausted means the reconciliation loop gave up after the retry limit.
	ErrExhausted = errors.New("command retries exhausted")

	// ErrCancelled means the request was cancelled before a response arrived.
	ErrCancelled = errors.New("command cancelled")
)

const (
	// maxRetries is the number of automatic retries before a request fails.
	maxRetries = 3

	// minRetryInterval is the floor for the computed retry interval.
	minRetryInterval = 20 * time.Second

	// reconcileTick is the period of the background reconciliation loop.
	reconcileTick = time.Second
)

// RetryInterval computes how long the engine waits before re-sending a
// request: a third of its timeout, but never less than the floor.
func RetryInterval(timeout time.Duration) time.Duration {
	interval := timeout / 3
	if interval < minRetryInterval {
		return minRetryInterval
	}
	return interval
}

// Request is the server-side record of an outstanding command.
// ID, AgentID, Action, Payload, Timeout and CreatedAt are immutable after
// registration; the retry fields are guarded by the engine's mutex.
type Request struct {
	ID        int64
	AgentID   int64
	Action    string
	Payload   json.RawMessage
	Timeout   time.Duration
	CreatedAt time.Time

	retryCount  int
	lastRetryAt time.Time
	retrying    bool

	// Settlement slot: set exactly once, then done is closed.
	settled bool
	result  []byte
	err     error
	done    chan struct{}
}

// Attempt returns the number of automatic retries performed so far.
func (r *Request) Attempt() int {
	return r.retryCount
}

// Subscriber receives retry and terminal-failure notifications from the
// reconciliation loop. Retry implementations must re-send the original
// payload and call FinishRetry when done, success or not.
type Subscriber interface {
	Retry(req *Request)
	Failed(req *Request, err error)
}

// Engine owns the table of outstanding requests. It supports concurrent
// registration, completion and cancellation, and runs a background loop
// that retries or expires stale entries.
type Engine struct {
	mu     sync.Mutex
	table  map[int64]*Request
	subs   []Subscriber
	nextID atomic.Int64
	logger *slog.Logger

	now func() time.Time
}

// NewEngine creates an engine with an empty table. Pass nil logger for default.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		table:  make(map[int64]*Request),
		logger: logger.With("component", "pending"),
		now:    time.Now,
	}
}

// Subscribe registers a subscriber for retry and failure notifications.
func (e *Engine) Subscribe(s Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, s)
}

// Register allocates the next correlation id and stores a new outstanding
// request. Putting the envelope on the wire is the caller's responsibility,
// using the returned request's ID.
func (e *Engine) Register(agentID int64, action string, payload json.RawMessage, timeout time.Duration) *Request {
	req := &Request{
		ID:        e.nextID.Add(1),
		AgentID:   agentID,
		Action:    action,
		Payload:   payload,
		Timeout:   timeout,
		CreatedAt: e.now(),
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.table[req.ID] = req
	e.mu.Unlock()

	return req
}

// Complete settles the request with the given id as a success and removes it
// from the table. Returns false if no outstanding request has that id.
func (e *Engine) Complete(id int64, response []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.table[id]
	if !ok {
		return false
	}
	delete(e.table, id)
	e.settleLocked(req, response, nil)
	return true
}

// CompleteByAction is the fallback for responses whose id matches nothing:
// if exactly one outstanding request exists for (agentID, action), it is
// settled with the response. Returns the number of candidates found and
// whether one was settled.
func (e *Engine) CompleteByAction(agentID int64, action string, response []byte) (candidates int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var match *Request
	for _, req := range e.table {
		if req.AgentID == agentID && req.Action == action {
			candidates++
			match = req
		}
	}
	if candidates != 1 {
		return candidates, false
	}

	delete(e.table, match.ID)
	e.settleLocked(match, response, nil)
	return 1, true
}

// Cancel force-settles the request as a failure with the given reason.
// It is an idempotent no-op if the id is unknown or already settled.
func (e *Engine) Cancel(id int64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.table[id]
	if !ok {
		return
	}
	delete(e.table, id)
	e.settleLocked(req, nil, fmt.Errorf("%w: %s", ErrCancelled, reason))
}

// Await blocks until the request is settled, its timeout elapses, or the
// external context is cancelled, whichever is first. Timeout and
// cancellation settle the slot from the waiting goroutine itself, so no
// timer callback ever runs while the table lock is held elsewhere.
func (e *Engine) Await(ctx context.Context, req *Request) ([]byte, error) {
	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		e.expire(req, ErrTimeout)
		<-req.done
	case <-ctx.Done():
		e.expire(req, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		<-req.done
	}
	return req.result, req.err
}

// expire removes and settles a request as failed, unless a racing
// completion already settled it. First resolution wins.
func (e *Engine) expire(req *Request, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.settled {
		return
	}
	delete(e.table, req.ID)
	e.settleLocked(req, nil, cause)
}

// settleLocked sets the completion slot exactly once. Must be called with
// the engine mutex held and the request already removed from the table.
func (e *Engine) settleLocked(req *Request, result []byte, err error) {
	if req.settled {
		return
	}
	req.settled = true
	req.result = result
	req.err = err
	close(req.done)
}

// Has reports whether a request with the given id is still outstanding.
func (e *Engine) Has(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.table[id]
	return ok
}

// Len returns the number of outstanding requests.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

// FinishRetry clears the in-flight retry flag, making the request eligible
// for the reconciliation loop again. Subscribers must call this when their
// Retry handling is done, success or not.
func (e *Engine) FinishRetry(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req, ok := e.table[id]; ok {
		req.retrying = false
	}
}

// Run drives the reconciliation loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("reconciliation loop started", "tick", reconcileTick)

	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			e.reconcile()
		}
	}
}

// reconcile scans the table once, marking stale entries for retry and
// failing entries whose retries are exhausted. Notifications are dispatched
// sequentially in a separate goroutine so a slow subscriber never stalls
// the tick.
func (e *Engine) reconcile() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reconcile tick panicked", "panic", r)
		}
	}()

	now := e.now()
	var retries, failures []*Request

	e.mu.Lock()
	for id, req := range e.table {
		if req.retrying {
			continue
		}
		base := req.lastRetryAt
		if base.IsZero() {
			base = req.CreatedAt
		}
		if now.Sub(base) < RetryInterval(req.Timeout) {
			continue
		}
		if req.retryCount < maxRetries {
			req.retrying = true
			req.retryCount++
			req.lastRetryAt = now
			retries = append(retries, req)
		} else {
			delete(e.table, id)
			e.settleLocked(req, nil, ErrExhausted)
			failures = append(failures, req)
		}
	}
	subs := make([]Subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	if len(retries) == 0 && len(failures) == 0 {
		return
	}

	go func() {
		for _, req := range retries {
			e.logger.Debug("retrying command",
				"id", req.ID, "agent_id", req.AgentID, "action", req.Action, "attempt", req.retryCount)
			for _, s := range subs {
				s.Retry(req)
			}
		}
		for _, req := range failures {
			e.logger.Warn("command exhausted retries",
				"id", req.ID, "agent_id", req.AgentID, "action", req.Action)
			for _, s := range subs {
				s.Failed(req, ErrExhausted)
			}
		}
	}()
}
