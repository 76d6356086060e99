// ABOUTME: Represents a single connected agent and wraps its WebSocket channel.
// ABOUTME: Serializes writes and frames envelopes for the wire.

package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetops/fleetgate/internal/wire"
)

// Socket is the subset of *websocket.Conn the gateway uses.
// Abstracted so tests can substitute an in-memory double.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Conn represents a connected agent bound to its WebSocket channel.
type Conn struct {
	AgentID int64
	Name    string

	sock    Socket
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewConn creates a Conn for an authenticated agent channel.
func NewConn(agentID int64, name string, sock Socket, logger *slog.Logger) *Conn {
	return &Conn{
		AgentID: agentID,
		Name:    name,
		sock:    sock,
		logger:  logger,
	}
}

// Send encodes an envelope and writes it as a single text frame.
// Writes are serialized; the websocket package forbids concurrent writers.
func (c *Conn) Send(env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Read blocks for the next complete envelope. The websocket layer
// reassembles fragmented messages, so one Read is one envelope.
func (c *Conn) Read() (*wire.Envelope, error) {
	_, data, err := c.sock.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

// Close closes the underlying channel.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// CloseWithPolicyViolation sends a policy-violation close frame and closes
// the channel. Used when authentication fails.
func (c *Conn) CloseWithPolicyViolation(reason string) {
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := c.sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("writing close frame", "error", err)
	}
	_ = c.sock.Close()
}
