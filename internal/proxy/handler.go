package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/fransiscuss/wsproxy/internal/config"
	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/fransiscuss/wsproxy/internal/session"
	"github.com/fransiscuss/wsproxy/internal/store"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// Handler is the data-plane front door: it accepts client connections on
// /ws/{endpointID}, runs the admission sequence, and hands admitted
// connections to a relay.
type Handler struct {
	endpoints store.EndpointStore
	mgr       *session.Manager
	cfg       *config.Config
}

// NewHandler creates the data-plane handler.
func NewHandler(endpoints store.EndpointStore, mgr *session.Manager, cfg *config.Config) *Handler {
	return &Handler{endpoints: endpoints, mgr: mgr, cfg: cfg}
}

// ServeHTTP upgrades the client connection and runs a relay to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpointID")
	clientIP := clientIP(r)
	userAgent := r.UserAgent()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", clientIP)
		return
	}

	if endpointID == "" {
		_ = conn.Close(websocket.StatusProtocolError, "invalid path")
		return
	}

	slog.Info("Data-plane connection",
		"endpoint_id", endpointID, "ip", clientIP, "user_agent", userAgent)
	h.admitAndRun(r.Context(), conn, endpointID, clientIP, userAgent)
}

// ServeInvalidPath handles /ws and /ws/ with no endpoint id: the
// handshake completes so the client receives the protocol-error close.
func (h *Handler) ServeInvalidPath(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	_ = conn.Close(websocket.StatusProtocolError, "invalid path")
}

// admitAndRun applies the ordered admission sequence, aborting on the
// first failure, then runs the relay loops.
func (h *Handler) admitAndRun(ctx context.Context, conn *websocket.Conn, endpointID, clientIP, userAgent string) {
	ep, err := h.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		slog.Error("Endpoint lookup failed", "endpoint_id", endpointID, "error", err)
		h.reject(conn, endpointID, ErrInternal)
		return
	}
	if ep == nil {
		h.reject(conn, endpointID, ErrEndpointNotFound)
		return
	}
	if !ep.Enabled {
		h.reject(conn, endpointID, ErrEndpointDisabled)
		return
	}
	if !h.mgr.CheckConnectionLimit(ep.ID, ep.Limits.MaxConnections) {
		h.reject(conn, endpointID, ErrConnectionLimitExceeded)
		return
	}
	if !h.mgr.CheckRateLimit(ep.ID, ep.Limits.RateLimitRPM) {
		h.reject(conn, endpointID, ErrRateLimitExceeded)
		return
	}

	rl := &relay{
		mgr:         h.mgr,
		cfg:         h.cfg,
		endpoint:    ep,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	rl.maxMessageSize = ep.Limits.MaxMessageSize
	if rl.maxMessageSize <= 0 {
		rl.maxMessageSize = h.cfg.Proxy.MaxMessageSize
	}

	rl.client = newSocket("client", conn, outQueueDepth, rl.fatal)
	sessionID, err := h.mgr.CreateSession(ctx, ep.ID, clientIP, userAgent, rl.client)
	if err != nil {
		slog.Error("Failed to create session", "endpoint_id", ep.ID, "error", err)
		h.reject(conn, endpointID, ErrInternal)
		return
	}
	rl.sessionID = sessionID
	conn.SetReadLimit(rl.maxMessageSize)

	dialCtx, cancel := context.WithTimeout(ctx, ep.Limits.DialTimeout(h.cfg.Proxy.DialTimeout))
	target, _, err := websocket.Dial(dialCtx, ep.TargetURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	cancel()
	if err != nil {
		slog.Warn("Upstream dial failed",
			"endpoint_id", ep.ID, "target", ep.TargetURL, "error", err)
		// The session row exists: connecting -> failed, sessionEnded emitted,
		// and the bound client socket closes with the rejection reason.
		h.mgr.CloseSession(context.WithoutCancel(ctx), sessionID, domain.StateFailed, "upstream-unreachable")
		return
	}
	target.SetReadLimit(rl.maxMessageSize)
	rl.target = newSocket("target", target, outQueueDepth, rl.fatal)

	h.mgr.BindTarget(sessionID, rl.target)
	rl.run(ctx)
}

func (h *Handler) reject(conn *websocket.Conn, endpointID string, cause error) {
	code, reason := rejectStatus(cause)
	slog.Warn("Admission rejected", "endpoint_id", endpointID, "reason", reason)
	if err := conn.Close(code, reason); err != nil {
		slog.Debug("Failed to close rejected connection", "error", err)
	}
}

// clientIP returns the requester's address, honoring the first
// X-Forwarded-For entry when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
