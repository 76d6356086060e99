// ABOUTME: Gateway orchestrator that coordinates the agent WebSocket endpoint,
// ABOUTME: HTTP API, correlation engine and watchlist controller lifecycle.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fleetops/fleetgate/internal/agent"
	"github.com/fleetops/fleetgate/internal/auth"
	"github.com/fleetops/fleetgate/internal/broadcast"
	"github.com/fleetops/fleetgate/internal/command"
	"github.com/fleetops/fleetgate/internal/config"
	"github.com/fleetops/fleetgate/internal/dedupe"
	"github.com/fleetops/fleetgate/internal/pending"
	"github.com/fleetops/fleetgate/internal/store"
	"github.com/fleetops/fleetgate/internal/watchlist"
)

// Gateway orchestrates the fleetgate server components. It owns the HTTP
// server (agent WebSocket endpoint plus operational API), the correlation
// engine's reconciliation loop, and the watchlist controller.
type Gateway struct {
	config      *config.Config
	store       store.Store
	agents      *agent.Manager
	engine      *pending.Engine
	dispatcher  *command.Dispatcher
	watchlist   *watchlist.Controller
	broadcaster *broadcast.Broadcaster
	router      *Router
	httpServer  *http.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// seenJobs suppresses re-delivered completion events
	seenJobs *dedupe.Cache

	authLimiter *authLimiter
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEETGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))
	broadcaster := broadcast.New(logger)
	engine := pending.NewEngine(logger)
	dispatcher := command.NewDispatcher(engine, agentMgr, broadcaster, logger)
	watchCtrl := watchlist.NewController(dispatcher, s, broadcaster,
		cfg.Watchlist.RestartTimeout, cfg.Watchlist.Cooldown, logger)

	g := &Gateway{
		config:      cfg,
		store:       s,
		agents:      agentMgr,
		engine:      engine,
		dispatcher:  dispatcher,
		watchlist:   watchCtrl,
		broadcaster: broadcaster,
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
		seenJobs:    dedupe.New(5*time.Minute, 100_000),
		authLimiter: newAuthLimiter(),
	}
	g.router = NewRouter(engine, watchCtrl, s, broadcaster, g.seenJobs, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent WebSocket endpoint - agents authenticate in-band with their token
	mux.HandleFunc("/agents/connect", g.handleAgentSocket)

	// API endpoints - auth required if JWT secret is configured
	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var verifier auth.TokenVerifier
	if g.config.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	protect := auth.Middleware(verifier, g.logger)

	mux.Handle("POST /api/agents/{id}/command", protect(http.HandlerFunc(g.handleCommand)))
	mux.Handle("GET /api/agents", protect(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/agents/{id}/jobs", protect(http.HandlerFunc(g.handleAgentJobs)))
	mux.Handle("GET /api/alerts", protect(http.HandlerFunc(g.handleListAlerts)))
	mux.Handle("GET /api/events", protect(http.HandlerFunc(g.handleEventStream)))
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go g.engine.Run(reconcileCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.seenJobs.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.agents.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("fleetgate-%d", time.Now().UnixNano()%1000000)
}
