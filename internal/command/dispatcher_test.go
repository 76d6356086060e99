// ABOUTME: Tests for the command dispatcher.
// ABOUTME: Covers offline rejection, send failure cleanup, and retry re-sends.

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetgate/internal/pending"
	"github.com/fleetops/fleetgate/internal/wire"
)

// fakeSender records envelopes and simulates per-agent connectivity.
type fakeSender struct {
	mu      sync.Mutex
	online  map[int64]bool
	sent    []*wire.Envelope
	sendErr error
}

func newFakeSender(onlineIDs ...int64) *fakeSender {
	online := make(map[int64]bool)
	for _, id := range onlineIDs {
		online[id] = true
	}
	return &fakeSender{online: online}
}

func (f *fakeSender) Send(agentID int64, env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) IsOnline(agentID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[agentID]
}

func (f *fakeSender) envelopes() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeNotifier records broadcast notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) NotifyAgent(agentID int64, name string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
}

func (f *fakeNotifier) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func TestSendOfflineAgent(t *testing.T) {
	engine := pending.NewEngine(nil)
	d := NewDispatcher(engine, newFakeSender(), nil, nil)

	_, err := d.Send(context.Background(), 1, wire.ActionFilesystemList, nil, time.Minute)
	assert.ErrorIs(t, err, ErrAgentOffline)
	assert.Zero(t, engine.Len(), "nothing may be registered for an offline agent")
}

func TestSendFramesRequestEnvelope(t *testing.T) {
	engine := pending.NewEngine(nil)
	sender := newFakeSender(1)
	d := NewDispatcher(engine, sender, nil, nil)

	payload := json.RawMessage(`{"path":"/etc"}`)
	req, err := d.SendAsync(1, wire.ActionFilesystemList, payload, time.Minute)
	require.NoError(t, err)

	envs := sender.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, req.ID, envs[0].ID)
	assert.Equal(t, wire.TypeRequest, envs[0].Type)
	assert.Equal(t, wire.ActionFilesystemList, envs[0].Action)
	assert.JSONEq(t, `{"path":"/etc"}`, string(envs[0].Payload))
}

func TestSendAwaitsCompletion(t *testing.T) {
	engine := pending.NewEngine(nil)
	sender := newFakeSender(1)
	d := NewDispatcher(engine, sender, nil, nil)

	done := make(chan struct{})
	var result []byte
	var sendErr error
	go func() {
		defer close(done)
		result, sendErr = d.Send(context.Background(), 1, wire.ActionBackupRun, nil, time.Minute)
	}()

	// Complete the request once it shows up on the wire.
	require.Eventually(t, func() bool {
		return len(sender.envelopes()) == 1
	}, time.Second, 5*time.Millisecond)
	engine.Complete(sender.envelopes()[0].ID, []byte(`{"started":true}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after completion")
	}
	require.NoError(t, sendErr)
	assert.JSONEq(t, `{"started":true}`, string(result))
}

func TestSendFailureCancelsRegistration(t *testing.T) {
	engine := pending.NewEngine(nil)
	sender := newFakeSender(1)
	sender.sendErr = fmt.Errorf("broken pipe")
	d := NewDispatcher(engine, sender, nil, nil)

	_, err := d.Send(context.Background(), 1, wire.ActionBackupRun, nil, time.Minute)
	require.Error(t, err)
	assert.Zero(t, engine.Len(), "a failed initial send must not leave a pending entry")
}

func TestRetryResendsOriginalEnvelope(t *testing.T) {
	engine := pending.NewEngine(nil)
	sender := newFakeSender(1)
	notifier := &fakeNotifier{}
	d := NewDispatcher(engine, sender, notifier, nil)

	payload := json.RawMessage(`{"name":"nginx"}`)
	req, err := d.SendAsync(1, wire.ActionServiceRestart, payload, time.Minute)
	require.NoError(t, err)

	d.Retry(req)

	envs := sender.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, req.ID, envs[1].ID, "retry must reuse the original correlation id")
	assert.JSONEq(t, `{"name":"nginx"}`, string(envs[1].Payload))
	assert.Contains(t, notifier.names(), "command.retrying")

	// The busy flag was cleared, so the entry is eligible again.
	assert.True(t, engine.Has(req.ID))
}

func TestFailedPublishesDiagnostic(t *testing.T) {
	engine := pending.NewEngine(nil)
	notifier := &fakeNotifier{}
	d := NewDispatcher(engine, newFakeSender(1), notifier, nil)

	req, err := d.SendAsync(1, wire.ActionServiceRestart, nil, time.Minute)
	require.NoError(t, err)

	d.Failed(req, pending.ErrExhausted)
	assert.Contains(t, notifier.names(), "command.failed")
}
