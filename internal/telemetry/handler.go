package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/fransiscuss/wsproxy/internal/store"
)

// Controller is the slice of the session manager the ops channel drives.
type Controller interface {
	KillSession(ctx context.Context, sessionID string) bool
	Statistics() domain.ProxyStats
	ActiveSessions() []domain.SessionSummary
}

// command is the inbound control frame from a subscriber.
type command struct {
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"sessionId"`
	} `json:"data"`
}

// Handler serves the /ops telemetry subscriber channel.
type Handler struct {
	bus        *Bus
	controller Controller
	audit      store.AuditSink
}

// NewHandler creates the ops channel handler.
func NewHandler(bus *Bus, controller Controller, audit store.AuditSink) *Handler {
	return &Handler{bus: bus, controller: controller, audit: audit}
}

// ServeHTTP upgrades the connection, delivers the currentStats snapshot,
// and pumps control commands until the subscriber detaches.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept ops WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, ""); closeErr != nil {
			slog.Debug("Failed to close ops websocket", "error", closeErr)
		}
	}()

	snapshot := CurrentStats(h.controller.Statistics(), h.controller.ActiveSessions())
	sub, err := h.bus.Subscribe(conn, snapshot)
	if err != nil {
		slog.Warn("Ops subscribe rejected", "error", err)
		return
	}
	defer h.bus.Unsubscribe(sub)

	h.readCommands(r.Context(), conn, sub)
}

func (h *Handler) readCommands(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Ops subscriber closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("Ops subscriber read ended", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.bus.Send(sub, CommandError("", "", "malformed command"))
			continue
		}
		h.dispatch(ctx, sub, cmd)
	}
}

func (h *Handler) dispatch(ctx context.Context, sub *Subscriber, cmd command) {
	switch cmd.Type {
	case "session.kill":
		if cmd.Data.SessionID == "" {
			h.bus.Send(sub, CommandError(cmd.Type, "", "sessionId required"))
			return
		}
		killed := h.controller.KillSession(ctx, cmd.Data.SessionID)
		if !killed {
			h.bus.Send(sub, CommandError(cmd.Type, cmd.Data.SessionID, "session not found"))
			return
		}
		h.appendAudit(ctx, cmd)
		h.bus.Send(sub, CommandResult(cmd.Type, cmd.Data.SessionID, true))
	default:
		h.bus.Send(sub, CommandError(cmd.Type, cmd.Data.SessionID, fmt.Sprintf("unknown command %q", cmd.Type)))
	}
}

func (h *Handler) appendAudit(ctx context.Context, cmd command) {
	if h.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	event := &domain.AuditEvent{
		Action:    cmd.Type,
		Entity:    "session:" + cmd.Data.SessionID,
		Details:   "forced termination via ops channel",
		Timestamp: time.Now(),
	}
	if err := h.audit.AppendAudit(auditCtx, event); err != nil {
		slog.Warn("Failed to append audit event", "action", cmd.Type, "error", err)
	}
}
