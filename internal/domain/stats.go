package domain

import (
	"time"
)

// EndpointStats aggregates live counters for one endpoint.
type EndpointStats struct {
	Sessions      int    `json:"sessions"`
	TotalMessages uint64 `json:"total_messages"`
	TotalBytes    uint64 `json:"total_bytes"`
}

// ProxyStats is a point-in-time snapshot of the session registry.
type ProxyStats struct {
	ActiveConnections int                      `json:"active_connections"`
	TotalSessions     uint64                   `json:"total_sessions"`
	PerEndpoint       map[string]EndpointStats `json:"per_endpoint"`
}

// SessionSummary is a compact view of one live session, used by the
// telemetry snapshot and the operational API.
type SessionSummary struct {
	ID         string       `json:"id"`
	EndpointID string       `json:"endpoint_id"`
	State      SessionState `json:"state"`
	ClientIP   string       `json:"client_ip,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	Stats      SessionStats `json:"stats"`
}
