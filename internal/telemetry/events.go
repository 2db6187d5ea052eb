// Package telemetry fans live proxy events out to operator subscribers
// and routes their control commands back into the session manager.
package telemetry

import (
	"time"

	"github.com/fransiscuss/wsproxy/internal/domain"
)

// Event kinds published on the bus.
const (
	EventSessionStarted = "sessionStarted"
	EventSessionUpdated = "sessionUpdated"
	EventSessionEnded   = "sessionEnded"
	EventMessageMeta    = "messageMeta"
	EventSampledPayload = "sampledPayload"
	EventCommandResult  = "commandResult"
	EventCommandError   = "commandError"
	EventCurrentStats   = "currentStats"
)

// Event is one telemetry message. Data holds the kind-specific payload;
// the wire form is {"type": ..., "timestamp": ..., "data": {...}}.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func newEvent(kind string, data any) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC(), Data: data}
}

// SessionStartedData announces a newly connected session.
type SessionStartedData struct {
	SessionID  string `json:"sessionId"`
	EndpointID string `json:"endpointId"`
	ClientIP   string `json:"clientIP,omitempty"`
}

// SessionUpdatedData carries a periodic counter snapshot.
type SessionUpdatedData struct {
	SessionID  string `json:"sessionId"`
	EndpointID string `json:"endpointId"`
	MsgsIn     uint64 `json:"msgsIn"`
	MsgsOut    uint64 `json:"msgsOut"`
	BytesIn    uint64 `json:"bytesIn"`
	BytesOut   uint64 `json:"bytesOut"`
	LatencyMs  *int64 `json:"latencyMs,omitempty"`
}

// SessionEndedData announces a terminated session with its final stats.
type SessionEndedData struct {
	SessionID  string              `json:"sessionId"`
	EndpointID string              `json:"endpointId"`
	Reason     string              `json:"reason"`
	DurationMs int64               `json:"durationMs"`
	FinalStats domain.SessionStats `json:"finalStats"`
}

// MessageMetaData describes one forwarded message.
type MessageMetaData struct {
	SessionID  string           `json:"sessionId"`
	EndpointID string           `json:"endpointId"`
	Direction  domain.Direction `json:"direction"`
	Size       int64            `json:"size"`
	LatencyMs  *int64           `json:"latencyMs,omitempty"`
}

// SampledPayloadData carries one captured message sample.
type SampledPayloadData struct {
	SessionID  string           `json:"sessionId"`
	EndpointID string           `json:"endpointId"`
	Direction  domain.Direction `json:"direction"`
	Size       int64            `json:"size"`
	Content    string           `json:"content,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// CommandResultData acknowledges a successfully executed control command.
type CommandResultData struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId,omitempty"`
	Success   bool   `json:"success"`
}

// CommandErrorData reports a failed or unknown control command.
type CommandErrorData struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// CurrentStatsData is the snapshot delivered to a subscriber on attach.
type CurrentStatsData struct {
	Stats    domain.ProxyStats       `json:"stats"`
	Sessions []domain.SessionSummary `json:"sessions"`
}

// SessionStarted builds a sessionStarted event.
func SessionStarted(sessionID, endpointID, clientIP string) Event {
	return newEvent(EventSessionStarted, SessionStartedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		ClientIP:   clientIP,
	})
}

// SessionUpdated builds a sessionUpdated event from a counter snapshot.
func SessionUpdated(sessionID, endpointID string, stats domain.SessionStats) Event {
	return newEvent(EventSessionUpdated, SessionUpdatedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		MsgsIn:     stats.MsgsIn,
		MsgsOut:    stats.MsgsOut,
		BytesIn:    stats.BytesIn,
		BytesOut:   stats.BytesOut,
	})
}

// SessionEnded builds a sessionEnded event.
func SessionEnded(sessionID, endpointID, reason string, duration time.Duration, final domain.SessionStats) Event {
	return newEvent(EventSessionEnded, SessionEndedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		Reason:     reason,
		DurationMs: duration.Milliseconds(),
		FinalStats: final,
	})
}

// MessageMeta builds a messageMeta event.
func MessageMeta(sessionID, endpointID string, dir domain.Direction, size int64) Event {
	return newEvent(EventMessageMeta, MessageMetaData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		Direction:  dir,
		Size:       size,
	})
}

// SampledPayload builds a sampledPayload event from a stored sample.
func SampledPayload(sample *domain.TrafficSample) Event {
	return newEvent(EventSampledPayload, SampledPayloadData{
		SessionID:  sample.SessionID,
		EndpointID: sample.EndpointID,
		Direction:  sample.Direction,
		Size:       sample.SizeBytes,
		Content:    sample.Content,
		Timestamp:  sample.Timestamp,
	})
}

// CommandResult builds a commandResult event.
func CommandResult(command, sessionID string, success bool) Event {
	return newEvent(EventCommandResult, CommandResultData{
		Command:   command,
		SessionID: sessionID,
		Success:   success,
	})
}

// CommandError builds a commandError event.
func CommandError(command, sessionID, msg string) Event {
	return newEvent(EventCommandError, CommandErrorData{
		Command:   command,
		SessionID: sessionID,
		Error:     msg,
	})
}

// CurrentStats builds the attach-time snapshot event.
func CurrentStats(stats domain.ProxyStats, sessions []domain.SessionSummary) Event {
	return newEvent(EventCurrentStats, CurrentStatsData{Stats: stats, Sessions: sessions})
}
