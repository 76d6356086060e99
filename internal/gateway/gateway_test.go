// ABOUTME: End-to-end tests for the gateway: WebSocket authentication and
// ABOUTME: session lifecycle, plus the operational HTTP API surface.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetops/fleetgate/internal/auth"
	"github.com/fleetops/fleetgate/internal/config"
	"github.com/fleetops/fleetgate/internal/store"
	"github.com/fleetops/fleetgate/internal/wire"
)

const testAgentToken = "agent-secret-token"

func testConfig(jwtSecret string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.Name = "fleetgate-test"
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Commands.DefaultTimeout = time.Minute
	cfg.Watchlist.RestartTimeout = 15 * time.Second
	cfg.Watchlist.Cooldown = 20 * time.Second
	return cfg
}

func newTestGateway(t *testing.T, jwtSecret string) (*Gateway, *httptest.Server, *store.Agent) {
	t.Helper()

	g, err := New(testConfig(jwtSecret), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testAgentToken), bcrypt.MinCost)
	require.NoError(t, err)
	row := &store.Agent{Name: "edge-01", TokenHash: string(hash)}
	require.NoError(t, g.store.CreateAgent(context.Background(), row))

	ts := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(ts.Close)
	return g, ts, row
}

func dialAgent(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agents/connect"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendAuth(t *testing.T, ws *websocket.Conn, agentID, token string) wire.AuthResponse {
	t.Helper()

	payload, _ := json.Marshal(wire.AuthRequest{AgentID: agentID, Token: token})
	frame, _ := wire.Encode(&wire.Envelope{
		ID:      1,
		Type:    wire.TypeRequest,
		Action:  wire.ActionAuthenticate,
		Payload: payload,
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, env.Type)
	require.Equal(t, wire.ActionAuthenticate, env.Action)

	var resp wire.AuthResponse
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	return resp
}

func TestAgentHandshake(t *testing.T) {
	t.Run("valid token binds the agent", func(t *testing.T) {
		g, ts, row := newTestGateway(t, "")
		ws := dialAgent(t, ts)

		resp := sendAuth(t, ws, row.Name, testAgentToken)
		assert.Equal(t, wire.StatusOK, resp.Status)
		assert.Equal(t, "fleetgate-test", resp.ServerName)
		assert.NotEmpty(t, resp.ServerID)
		assert.True(t, g.agents.IsOnline(row.ID))

		stored, err := g.store.GetAgent(context.Background(), row.ID)
		require.NoError(t, err)
		assert.True(t, stored.Online)

		// Disconnect unbinds and marks the agent offline.
		_ = ws.Close()
		require.Eventually(t, func() bool {
			return !g.agents.IsOnline(row.ID)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("numeric agent id also authenticates", func(t *testing.T) {
		g, ts, row := newTestGateway(t, "")
		ws := dialAgent(t, ts)

		resp := sendAuth(t, ws, "1", testAgentToken)
		assert.Equal(t, wire.StatusOK, resp.Status)
		assert.True(t, g.agents.IsOnline(row.ID))
	})

	t.Run("wrong token never binds or marks online", func(t *testing.T) {
		g, ts, row := newTestGateway(t, "")
		ws := dialAgent(t, ts)

		resp := sendAuth(t, ws, row.Name, "wrong-token")
		assert.Equal(t, wire.StatusError, resp.Status)
		assert.False(t, g.agents.IsOnline(row.ID))

		stored, err := g.store.GetAgent(context.Background(), row.ID)
		require.NoError(t, err)
		assert.False(t, stored.Online)

		// The server closes the connection; the next read fails.
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = ws.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("unknown agent is rejected the same way", func(t *testing.T) {
		g, ts, _ := newTestGateway(t, "")
		ws := dialAgent(t, ts)

		resp := sendAuth(t, ws, "ghost", testAgentToken)
		assert.Equal(t, wire.StatusError, resp.Status)
		assert.Equal(t, "authentication failed", resp.Message)
		assert.Zero(t, g.agents.Count())
	})

	t.Run("first frame must be an authenticate request", func(t *testing.T) {
		g, ts, _ := newTestGateway(t, "")
		ws := dialAgent(t, ts)

		frame, _ := wire.Encode(&wire.Envelope{ID: 1, Type: wire.TypeEvent, Action: wire.ActionMetricsReport})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := wire.Decode(data)
		require.NoError(t, err)

		var resp wire.AuthResponse
		require.NoError(t, json.Unmarshal(env.Payload, &resp))
		assert.Equal(t, wire.StatusError, resp.Status)
		assert.Zero(t, g.agents.Count())
	})
}

func TestSessionSurvivesMalformedMessage(t *testing.T) {
	g, ts, row := newTestGateway(t, "")
	ws := dialAgent(t, ts)
	require.Equal(t, wire.StatusOK, sendAuth(t, ws, row.Name, testAgentToken).Status)

	// Garbage frame: dropped, connection stays up.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	// A valid event after the garbage still gets processed.
	frame, _ := wire.Encode(&wire.Envelope{Type: wire.TypeEvent, Action: wire.ActionMetricsReport})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	require.Eventually(t, func() bool {
		stored, err := g.store.GetAgent(context.Background(), row.ID)
		return err == nil && stored.LastSeen != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, g.agents.IsOnline(row.ID))
}

func TestHealthEndpoints(t *testing.T) {
	_, ts, row := newTestGateway(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Not ready without agents.
	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Ready once an agent connects.
	ws := dialAgent(t, ts)
	require.Equal(t, wire.StatusOK, sendAuth(t, ws, row.Name, testAgentToken).Status)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommandEndpoint(t *testing.T) {
	t.Run("offline agent maps to 503", func(t *testing.T) {
		_, ts, _ := newTestGateway(t, "")

		body, _ := json.Marshal(CommandRequest{Action: wire.ActionFilesystemList})
		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("missing action maps to 400", func(t *testing.T) {
		_, ts, _ := newTestGateway(t, "")

		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid body maps to 400", func(t *testing.T) {
		_, ts, _ := newTestGateway(t, "")

		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", strings.NewReader(`{`))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid timeout maps to 400", func(t *testing.T) {
		_, ts, _ := newTestGateway(t, "")

		body, _ := json.Marshal(CommandRequest{Action: wire.ActionFilesystemList, Timeout: "soon"})
		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("silent agent maps to 504", func(t *testing.T) {
		_, ts, row := newTestGateway(t, "")
		ws := dialAgent(t, ts)
		require.Equal(t, wire.StatusOK, sendAuth(t, ws, row.Name, testAgentToken).Status)

		body, _ := json.Marshal(CommandRequest{Action: wire.ActionFilesystemList, Timeout: "100ms"})
		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})

	t.Run("responding agent returns the payload", func(t *testing.T) {
		_, ts, row := newTestGateway(t, "")
		ws := dialAgent(t, ts)
		require.Equal(t, wire.StatusOK, sendAuth(t, ws, row.Name, testAgentToken).Status)

		// Echo agent: answer every request with a canned payload.
		go func() {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				env, err := wire.Decode(data)
				if err != nil || env.Type != wire.TypeRequest {
					continue
				}
				reply, _ := wire.Encode(&wire.Envelope{
					ID:      env.ID,
					Type:    wire.TypeResponse,
					Action:  env.Action,
					Payload: json.RawMessage(`{"entries":["etc","usr"]}`),
				})
				if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
			}
		}()

		body, _ := json.Marshal(CommandRequest{Action: wire.ActionFilesystemList, Timeout: "5s"})
		resp, err := http.Post(ts.URL+"/api/agents/1/command", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out CommandResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.JSONEq(t, `{"entries":["etc","usr"]}`, string(out.Result))
	})
}

func TestListEndpoints(t *testing.T) {
	g, ts, row := newTestGateway(t, "")

	require.NoError(t, g.store.CreateAlert(context.Background(), &store.Alert{
		AgentID:  row.ID,
		Severity: store.SeverityWarning,
		Kind:     store.AlertProcessOffline,
		Message:  "process \"syncd\" is not running",
	}))

	resp, err := http.Get(ts.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []AgentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "edge-01", agents[0].Name)
	assert.False(t, agents[0].Online)

	resp, err = http.Get(ts.URL + "/api/alerts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var alerts []AlertResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, store.AlertProcessOffline, alerts[0].Kind)
}

func TestAPIAuthGate(t *testing.T) {
	secret := "api-signing-secret-32-bytes-long!!!!"
	_, ts, _ := newTestGateway(t, secret)

	// No token: rejected.
	resp, err := http.Get(ts.URL + "/api/agents")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open.
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Valid bearer token passes.
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate("operator", time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
