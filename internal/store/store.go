// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/fransiscuss/wsproxy/internal/domain"
)

// EndpointStore reads endpoint configuration. The proxy never writes
// endpoint rows.
type EndpointStore interface {
	// GetEndpoint retrieves an endpoint by id. Returns (nil, nil) when the
	// endpoint does not exist.
	GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error)
}

// SessionUpdate carries a counter snapshot flushed to a session row.
// State is applied only when non-empty.
type SessionUpdate struct {
	LastSeen time.Time
	Stats    domain.SessionStats
	State    domain.SessionState
}

// SessionStore persists session rows and their cumulative counters.
type SessionStore interface {
	// CreateSession mints a new session row in the connecting state and
	// returns its id.
	CreateSession(ctx context.Context, endpointID, clientIP, userAgent string) (string, error)

	// UpdateSession flushes a counter snapshot onto an existing row.
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) error

	// CloseSession marks a row terminal with the given final state.
	CloseSession(ctx context.Context, id string, final domain.SessionState) error

	// CountActiveSessions counts non-terminal sessions for an endpoint.
	CountActiveSessions(ctx context.Context, endpointID string) (int, error)

	// GetSession retrieves a session row. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)
}

// TrafficSampleStore appends sampled payload records. Appends are
// best-effort: callers log failures and continue.
type TrafficSampleStore interface {
	AppendSample(ctx context.Context, sample *domain.TrafficSample) error
}

// AuditSink appends audit records for executed administrative actions.
type AuditSink interface {
	AppendAudit(ctx context.Context, event *domain.AuditEvent) error
}

// Repository bundles every persistence role the proxy depends on.
type Repository interface {
	EndpointStore
	SessionStore
	TrafficSampleStore
	AuditSink

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}
