package domain

import (
	"time"
)

// SessionState is the lifecycle state of a relay session.
type SessionState string

// Session lifecycle states. Transitions:
// CONNECTING -> CONNECTED -> (CLOSING -> CLOSED | FAILED).
// CONNECTING -> FAILED is permitted (upstream dial failure).
const (
	StateConnecting SessionState = "connecting"
	StateConnected  SessionState = "connected"
	StateClosing    SessionState = "closing"
	StateClosed     SessionState = "closed"
	StateFailed     SessionState = "failed"
)

// Terminal reports whether the state is a terminal state.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateConnected:
		return s == StateConnecting
	case StateClosing:
		return true
	case StateClosed:
		return s == StateClosing
	case StateFailed:
		return true
	default:
		return false
	}
}

// Direction of a relayed message. Inbound is client to target,
// outbound is target to client.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SessionStats holds the cumulative per-session relay counters.
type SessionStats struct {
	MsgsIn   uint64 `json:"msgs_in"`
	MsgsOut  uint64 `json:"msgs_out"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// Session is a persisted session row. The live counters are owned by the
// session manager while the session is in a non-terminal state; the row
// is brought up to date at each flush (see config.FlushConfig) and at close.
type Session struct {
	ID             string       `json:"id"`
	EndpointID     string       `json:"endpoint_id"`
	State          SessionState `json:"state"`
	ClientIP       string       `json:"client_ip,omitempty"`
	UserAgent      string       `json:"user_agent,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	EndedAt        time.Time    `json:"ended_at,omitzero"`
	Stats          SessionStats `json:"stats"`
}

// Duration returns how long the session has been (or was) alive.
func (s *Session) Duration() time.Duration {
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
