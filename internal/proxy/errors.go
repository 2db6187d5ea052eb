// Package proxy implements the data plane: connection admission, the
// upstream dial, and the bidirectional relay loops.
package proxy

import (
	"errors"

	"github.com/coder/websocket"
)

// Error kinds the data plane distinguishes. Admission kinds surface to
// the client as a close code + reason; the rest drive session teardown.
var (
	ErrEndpointNotFound        = errors.New("endpoint not found")
	ErrEndpointDisabled        = errors.New("endpoint disabled")
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrMessageTooLarge         = errors.New("message too large")
	ErrTargetConnection        = errors.New("upstream unreachable")
	ErrStore                   = errors.New("store error")
	ErrInternal                = errors.New("internal error")
)

// rejectStatus maps an admission error to the close code and reason sent
// to the client.
func rejectStatus(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, ErrEndpointNotFound):
		return websocket.StatusPolicyViolation, "endpoint not found"
	case errors.Is(err, ErrEndpointDisabled):
		return websocket.StatusPolicyViolation, "endpoint disabled"
	case errors.Is(err, ErrConnectionLimitExceeded):
		return websocket.StatusInternalError, "connection limit exceeded"
	case errors.Is(err, ErrRateLimitExceeded):
		return websocket.StatusInternalError, "rate limit exceeded"
	case errors.Is(err, ErrTargetConnection):
		return websocket.StatusInternalError, "upstream unreachable"
	default:
		return websocket.StatusInternalError, "internal error"
	}
}
