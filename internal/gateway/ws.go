// ABOUTME: WebSocket endpoint where fleet agents connect, authenticate and
// ABOUTME: stay for the lifetime of their session; runs the per-agent read loop.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/fleetops/fleetgate/internal/agent"
	"github.com/fleetops/fleetgate/internal/store"
	"github.com/fleetops/fleetgate/internal/wire"
)

const (
	// authDeadline bounds how long a fresh connection may take to send
	// its authenticate frame.
	authDeadline = 10 * time.Second

	// agentInfoTimeout bounds the post-handshake agent.info exchange.
	agentInfoTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are headless clients, not browsers; origin checks don't apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authLimiter throttles authentication failures per remote host. Successful
// handshakes are never limited.
type authLimiter struct {
	mu      sync.Mutex
	perHost map[string]*rate.Limiter
}

func newAuthLimiter() *authLimiter {
	return &authLimiter{perHost: make(map[string]*rate.Limiter)}
}

// blocked reports whether the host has burned through its failure budget.
func (l *authLimiter) blocked(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perHost[host]
	if !ok {
		return false
	}
	return lim.Tokens() < 1
}

// recordFailure consumes one token from the host's failure budget.
// 5 failures in a burst, refilling one every 30 seconds.
func (l *authLimiter) recordFailure(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perHost[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(30*time.Second), 5)
		l.perHost[host] = lim
	}
	lim.Allow()
}

// handleAgentSocket upgrades the connection and runs the agent session:
// authenticate, bind, read loop, unbind.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if g.authLimiter.blocked(host) {
		g.logger.Warn("connection refused, too many failed auth attempts", "remote", host)
		http.Error(w, "too many failed authentication attempts", http.StatusTooManyRequests)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", host, "error", err)
		return
	}

	row, authEnvID, err := g.authenticate(r.Context(), sock)
	if err != nil {
		g.authLimiter.recordFailure(host)
		g.rejectSocket(sock, authEnvID, err)
		return
	}

	conn := agent.NewConn(row.ID, row.Name, sock, g.logger.With("agent", row.Name))
	g.runSession(conn, row, authEnvID)
}

// authenticate reads and verifies the mandatory first frame. Returns the
// agent row on success. The envelope id is returned either way so the
// response can echo it.
func (g *Gateway) authenticate(ctx context.Context, sock *websocket.Conn) (*store.Agent, int64, error) {
	_ = sock.SetReadDeadline(time.Now().Add(authDeadline))

	_, data, err := sock.ReadMessage()
	if err != nil {
		return nil, 0, errors.New("no authentication frame received")
	}

	env, err := wire.Decode(data)
	if err != nil {
		return nil, 0, errors.New("malformed authentication frame")
	}
	if env.Type != wire.TypeRequest || env.Action != wire.ActionAuthenticate {
		return nil, env.ID, errors.New("first frame must be an authenticate request")
	}

	var req wire.AuthRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AgentID == "" || req.Token == "" {
		return nil, env.ID, errors.New("invalid authentication payload")
	}

	row, err := g.lookupAgent(ctx, req.AgentID)
	if err != nil {
		// Same failure message as a bad token, no account probing.
		return nil, env.ID, errors.New("authentication failed")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(req.Token)); err != nil {
		return nil, env.ID, errors.New("authentication failed")
	}

	_ = sock.SetReadDeadline(time.Time{})
	return row, env.ID, nil
}

// lookupAgent resolves the wire-level agent identifier, which may be the
// numeric id or the agent name.
func (g *Gateway) lookupAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	if id, err := strconv.ParseInt(agentID, 10, 64); err == nil {
		return g.store.GetAgent(ctx, id)
	}
	return g.store.GetAgentByName(ctx, agentID)
}

// rejectSocket sends an error auth response and closes with a policy
// violation close code. Authentication failures always tear down the
// connection; there is no in-band retry.
func (g *Gateway) rejectSocket(sock *websocket.Conn, envID int64, cause error) {
	g.logger.Warn("agent authentication failed", "error", cause)

	payload, _ := json.Marshal(wire.AuthResponse{
		Status:  wire.StatusError,
		Message: cause.Error(),
	})
	reply, _ := wire.Encode(&wire.Envelope{
		ID:      envID,
		Type:    wire.TypeResponse,
		Action:  wire.ActionAuthenticate,
		Payload: payload,
	})
	_ = sock.WriteMessage(websocket.TextMessage, reply)

	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
	_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = sock.Close()
}

// runSession binds the authenticated connection and pumps envelopes into
// the router until the channel dies.
func (g *Gateway) runSession(conn *agent.Conn, row *store.Agent, authEnvID int64) {
	ctx := context.Background()

	if err := g.store.SetAgentOnline(ctx, row.ID, true, time.Now().UTC()); err != nil {
		g.logger.Error("marking agent online", "agent_id", row.ID, "error", err)
	}
	g.agents.Bind(conn)

	defer func() {
		if g.agents.Unbind(row.ID, conn) {
			if err := g.store.SetAgentOnline(ctx, row.ID, false, time.Now().UTC()); err != nil {
				g.logger.Error("marking agent offline", "agent_id", row.ID, "error", err)
			}
			g.broadcaster.NotifyAgent(row.ID, "agent.disconnected", nil)
		}
		_ = conn.Close()
	}()

	payload, _ := json.Marshal(wire.AuthResponse{
		Status:     wire.StatusOK,
		Message:    "authenticated",
		ServerID:   g.serverID,
		ServerName: g.config.Server.Name,
	})
	if err := conn.Send(&wire.Envelope{
		ID:      authEnvID,
		Type:    wire.TypeResponse,
		Action:  wire.ActionAuthenticate,
		Payload: payload,
	}); err != nil {
		g.logger.Warn("sending auth response", "agent_id", row.ID, "error", err)
		return
	}

	g.broadcaster.NotifyAgent(row.ID, "agent.connected", nil)
	go g.refreshAgentInfo(row.ID)

	for {
		env, err := conn.Read()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedEnvelope) {
				// One bad message never aborts the connection.
				g.logger.Warn("dropping malformed message", "agent_id", row.ID, "error", err)
				continue
			}
			g.logger.Info("agent connection closed", "agent_id", row.ID, "error", err)
			return
		}
		g.router.Route(ctx, row.ID, env)
	}
}

// refreshAgentInfo asks the agent for its system info and records it.
// Best-effort: a failure only logs.
func (g *Gateway) refreshAgentInfo(agentID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), agentInfoTimeout)
	defer cancel()

	resp, err := g.dispatcher.Send(ctx, agentID, wire.ActionAgentInfo, nil, agentInfoTimeout)
	if err != nil {
		g.logger.Debug("agent.info request failed", "agent_id", agentID, "error", err)
		return
	}

	var info wire.AgentInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		g.logger.Warn("invalid agent.info payload", "agent_id", agentID, "error", err)
		return
	}

	if err := g.store.UpdateAgentSystemInfo(ctx, agentID, info.Hostname, info.OS, info.Arch, info.Version); err != nil {
		g.logger.Error("recording agent system info", "agent_id", agentID, "error", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
