// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/alert/job persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			token_hash TEXT NOT NULL,
			online     INTEGER NOT NULL DEFAULT 0,
			last_seen  DATETIME,
			hostname   TEXT NOT NULL DEFAULT '',
			os         TEXT NOT NULL DEFAULT '',
			arch       TEXT NOT NULL DEFAULT '',
			version    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id         TEXT PRIMARY KEY,
			agent_id   INTEGER NOT NULL,
			severity   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_agent_created
			ON alerts(agent_id, created_at);

		CREATE TABLE IF NOT EXISTS job_results (
			id         TEXT PRIMARY KEY,
			agent_id   INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			success    INTEGER NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_job_results_agent_created
			ON job_results(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateAgent inserts a new agent row and fills in its assigned ID.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, token_hash, online, hostname, os, arch, version, created_at)
		 VALUES (?, ?, 0, ?, ?, ?, ?, ?)`,
		agent.Name, agent.TokenHash, agent.Hostname, agent.OS, agent.Arch, agent.Version, agent.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}
	agent.ID = id
	return nil
}

// GetAgent retrieves an agent by its numeric id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, online, last_seen, hostname, os, arch, version, created_at
		 FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByName retrieves an agent by its display name.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, online, last_seen, hostname, os, arch, version, created_at
		 FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var online int
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.TokenHash, &online, &lastSeen,
		&a.Hostname, &a.OS, &a.Arch, &a.Version, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.Online = online != 0
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeen = &t
	}
	return &a, nil
}

// ListAgents returns all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_hash, online, last_seen, hostname, os, arch, version, created_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var online int
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.TokenHash, &online, &lastSeen,
			&a.Hostname, &a.OS, &a.Arch, &a.Version, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Online = online != 0
		if lastSeen.Valid {
			t := lastSeen.Time
			a.LastSeen = &t
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SetAgentOnline updates the online flag and last-seen timestamp.
func (s *SQLiteStore) SetAgentOnline(ctx context.Context, id int64, online bool, lastSeen time.Time) error {
	flag := 0
	if online {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = ?, last_seen = ? WHERE id = ?`, flag, lastSeen, id)
	if err != nil {
		return fmt.Errorf("updating agent online flag: %w", err)
	}
	return requireRow(res)
}

// TouchAgent refreshes the last-seen timestamp without changing the online flag.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id int64, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE id = ?`, lastSeen, id)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return requireRow(res)
}

// UpdateAgentSystemInfo records metadata reported by the agent after connect.
func (s *SQLiteStore) UpdateAgentSystemInfo(ctx context.Context, id int64, hostname, osName, arch, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET hostname = ?, os = ?, arch = ?, version = ? WHERE id = ?`,
		hostname, osName, arch, version, id)
	if err != nil {
		return fmt.Errorf("updating agent system info: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAlert persists a new alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, agent_id, severity, kind, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.AgentID, alert.Severity, alert.Kind, alert.Message, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recent alerts, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, severity, kind, message, created_at
		 FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Severity, &a.Kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// SaveJobResult records the outcome of a backup or integrity-check job.
func (s *SQLiteStore) SaveJobResult(ctx context.Context, result *JobResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	success := 0
	if result.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results (id, agent_id, kind, success, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.ID, result.AgentID, result.Kind, success, result.Detail, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting job result: %w", err)
	}
	return nil
}

// ListJobResults returns the most recent job results for an agent, newest first.
func (s *SQLiteStore) ListJobResults(ctx context.Context, agentID int64, limit int) ([]*JobResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, kind, success, detail, created_at
		 FROM job_results WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job results: %w", err)
	}
	defer rows.Close()

	var results []*JobResult
	for rows.Next() {
		var r JobResult
		var success int
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Kind, &success, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning job result: %w", err)
		}
		r.Success = success != 0
		results = append(results, &r)
	}
	return results, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
