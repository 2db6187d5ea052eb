package domain

import (
	"time"
)

// TrafficSample is one probabilistically captured message record.
// Content is already truncated to the endpoint's max sample size and,
// for binary payloads, base64-encoded. Empty content means the endpoint
// stores metadata only.
type TrafficSample struct {
	SessionID  string    `json:"session_id"`
	EndpointID string    `json:"endpoint_id"`
	Direction  Direction `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBytes  int64     `json:"size_bytes"`
	Content    string    `json:"content,omitempty"`
}

// AuditEvent records an executed administrative action.
type AuditEvent struct {
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
