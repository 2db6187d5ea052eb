package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		target_url TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		max_connections INTEGER NOT NULL DEFAULT 0,
		max_message_size INTEGER NOT NULL DEFAULT 0,
		connection_timeout_ms INTEGER NOT NULL DEFAULT 0,
		idle_timeout_ms INTEGER NOT NULL DEFAULT 0,
		rate_limit_rpm INTEGER NOT NULL DEFAULT 0,
		sampling_enabled INTEGER NOT NULL DEFAULT 0,
		sample_rate REAL NOT NULL DEFAULT 0,
		store_content INTEGER NOT NULL DEFAULT 0,
		max_sample_size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL,
		state TEXT NOT NULL,
		client_ip TEXT,
		user_agent TEXT,
		msgs_in INTEGER NOT NULL DEFAULT 0,
		msgs_out INTEGER NOT NULL DEFAULT 0,
		bytes_in INTEGER NOT NULL DEFAULT 0,
		bytes_out INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_endpoint_state ON sessions(endpoint_id, state);

	CREATE TABLE IF NOT EXISTS traffic_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		endpoint_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		content TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_session ON traffic_samples(session_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		details TEXT,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetEndpoint retrieves an endpoint by id.
func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	query := `
		SELECT id, name, target_url, enabled,
		       max_connections, max_message_size, connection_timeout_ms,
		       idle_timeout_ms, rate_limit_rpm,
		       sampling_enabled, sample_rate, store_content, max_sample_size,
		       created_at, updated_at
		FROM endpoints WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var ep domain.Endpoint
	var enabled, samplingEnabled, storeContent int
	var createdAt, updatedAt int64

	err := row.Scan(
		&ep.ID, &ep.Name, &ep.TargetURL, &enabled,
		&ep.Limits.MaxConnections, &ep.Limits.MaxMessageSize, &ep.Limits.ConnectionTimeout,
		&ep.Limits.IdleTimeout, &ep.Limits.RateLimitRPM,
		&samplingEnabled, &ep.Sampling.SampleRate, &storeContent, &ep.Sampling.MaxSampleSize,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan endpoint row: %w", err)
	}

	ep.Enabled = enabled != 0
	ep.Sampling.Enabled = samplingEnabled != 0
	ep.Sampling.StoreContent = storeContent != 0
	ep.CreatedAt = time.Unix(createdAt, 0)
	ep.UpdatedAt = time.Unix(updatedAt, 0)

	return &ep, nil
}

// UpsertEndpoint creates or replaces an endpoint row. The proxy core never
// calls this; it exists for seeding and tests (endpoint CRUD lives in the
// admin surface).
func (s *SQLiteStore) UpsertEndpoint(ctx context.Context, ep *domain.Endpoint) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO endpoints (
			id, name, target_url, enabled,
			max_connections, max_message_size, connection_timeout_ms,
			idle_timeout_ms, rate_limit_rpm,
			sampling_enabled, sample_rate, store_content, max_sample_size,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target_url = excluded.target_url,
			enabled = excluded.enabled,
			max_connections = excluded.max_connections,
			max_message_size = excluded.max_message_size,
			connection_timeout_ms = excluded.connection_timeout_ms,
			idle_timeout_ms = excluded.idle_timeout_ms,
			rate_limit_rpm = excluded.rate_limit_rpm,
			sampling_enabled = excluded.sampling_enabled,
			sample_rate = excluded.sample_rate,
			store_content = excluded.store_content,
			max_sample_size = excluded.max_sample_size,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		ep.ID, ep.Name, ep.TargetURL, boolToInt(ep.Enabled),
		ep.Limits.MaxConnections, ep.Limits.MaxMessageSize, ep.Limits.ConnectionTimeout,
		ep.Limits.IdleTimeout, ep.Limits.RateLimitRPM,
		boolToInt(ep.Sampling.Enabled), ep.Sampling.SampleRate,
		boolToInt(ep.Sampling.StoreContent), ep.Sampling.MaxSampleSize,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

// CreateSession mints a new session row in the connecting state.
func (s *SQLiteStore) CreateSession(ctx context.Context, endpointID, clientIP, userAgent string) (string, error) {
	id := uuid.NewString()
	now := time.Now().Unix()

	query := `
		INSERT INTO sessions (id, endpoint_id, state, client_ip, user_agent, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		id, endpointID, string(domain.StateConnecting), clientIP, userAgent, now, now)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// UpdateSession flushes a counter snapshot onto an existing session row.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	query := `
		UPDATE sessions
		SET msgs_in = ?, msgs_out = ?, bytes_in = ?, bytes_out = ?,
		    last_activity_at = ?,
		    state = COALESCE(NULLIF(?, ''), state)
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		int64(upd.Stats.MsgsIn), int64(upd.Stats.MsgsOut),
		int64(upd.Stats.BytesIn), int64(upd.Stats.BytesOut),
		upd.LastSeen.Unix(), string(upd.State), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update session %s: no such row", id)
	}
	return nil
}

// CloseSession marks a session row terminal.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, final domain.SessionState) error {
	query := `
		UPDATE sessions
		SET state = ?, ended_at = COALESCE(ended_at, ?)
		WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, string(final), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// CountActiveSessions counts non-terminal sessions for an endpoint.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, endpointID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE endpoint_id = ? AND state NOT IN (?, ?)`

	var n int
	err := s.db.QueryRowContext(ctx, query,
		endpointID, string(domain.StateClosed), string(domain.StateFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// GetSession retrieves a session row.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, endpoint_id, state, client_ip, user_agent,
		       msgs_in, msgs_out, bytes_in, bytes_out,
		       started_at, last_activity_at, ended_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var state string
	var clientIP, userAgent sql.NullString
	var msgsIn, msgsOut, bytesIn, bytesOut int64
	var startedAt, lastActivity int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.EndpointID, &state, &clientIP, &userAgent,
		&msgsIn, &msgsOut, &bytesIn, &bytesOut,
		&startedAt, &lastActivity, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.State = domain.SessionState(state)
	sess.ClientIP = clientIP.String
	sess.UserAgent = userAgent.String
	sess.Stats = domain.SessionStats{
		MsgsIn:   uint64(msgsIn),
		MsgsOut:  uint64(msgsOut),
		BytesIn:  uint64(bytesIn),
		BytesOut: uint64(bytesOut),
	}
	sess.StartedAt = time.Unix(startedAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	if endedAt.Valid {
		sess.EndedAt = time.Unix(endedAt.Int64, 0)
	}

	return &sess, nil
}

// AppendSample appends a traffic sample record.
func (s *SQLiteStore) AppendSample(ctx context.Context, sample *domain.TrafficSample) error {
	query := `
		INSERT INTO traffic_samples (session_id, endpoint_id, direction, size_bytes, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sample.SessionID, sample.EndpointID, string(sample.Direction),
		sample.SizeBytes, sample.Content, sample.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("insert traffic sample: %w", err)
	}
	return nil
}

// AppendAudit appends an audit record.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event *domain.AuditEvent) error {
	query := `
		INSERT INTO audit_log (action, entity, details, created_at)
		VALUES (?, ?, ?, ?)`

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query, event.Action, event.Entity, event.Details, ts.Unix()); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
