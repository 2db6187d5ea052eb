package proxy

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/fransiscuss/wsproxy/internal/config"
	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/fransiscuss/wsproxy/internal/session"
	"golang.org/x/time/rate"
)

// outQueueDepth bounds each socket's outbound queue in frames; the byte
// thresholds in config bound it in bytes.
const outQueueDepth = 256

// relay drives one admitted client connection: upstream dial, the two
// directional copy loops, keepalive, and teardown.
type relay struct {
	mgr *session.Manager
	cfg *config.Config

	endpoint  *domain.Endpoint
	sessionID string

	client *socket
	target *socket

	maxMessageSize int64
	warnLimiter    *rate.Limiter
	cancel         context.CancelFunc

	once    sync.Once
	state   domain.SessionState
	reason  string
	dropped atomic.Int64
}

// finish records the first termination cause; later causes are ignored.
func (r *relay) finish(state domain.SessionState, reason string) {
	r.once.Do(func() {
		r.state = state
		r.reason = reason
	})
}

// fatal is wired into both write pumps.
func (r *relay) fatal(err error) {
	r.finish(domain.StateFailed, "connection error")
	if r.cancel != nil {
		r.cancel()
	}
}

// guard confines a panic to this session: the relay fails, other
// sessions are untouched.
func (r *relay) guard(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Relay panic recovered",
				"session_id", r.sessionID, "panic", rec,
				"stack", string(debug.Stack()))
			r.finish(domain.StateFailed, "internal error")
			if r.cancel != nil {
				r.cancel()
			}
		}
	}()
	fn()
}

// run relays until a termination condition, then closes the session.
// The client handshake has already been accepted; admission has passed
// and both sockets are bound.
func (r *relay) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	r.client.start(ctx)
	r.target.start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		r.guard(func() {
			r.readLoop(ctx, r.client, r.target, domain.DirectionInbound, r.endpoint.Limits.IdleDeadline(r.cfg.Proxy.IdleTimeout))
		})
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.guard(func() {
			r.readLoop(ctx, r.target, r.client, domain.DirectionOutbound, 0)
		})
	}()
	go func() {
		defer wg.Done()
		r.guard(func() { r.keepalive(ctx) })
	}()

	wg.Wait()

	r.finish(domain.StateClosed, "normal")
	r.mgr.CloseSession(context.WithoutCancel(ctx), r.sessionID, r.state, r.reason)
	if n := r.dropped.Load(); n > 0 {
		slog.Warn("Relay dropped messages under backpressure",
			"session_id", r.sessionID, "dropped", n)
	}
}

// readLoop copies messages from src to dst until a termination condition.
// Ordering within the direction is preserved: one reader feeds one queue
// drained by one pump. idle > 0 bounds the wait for the next message.
func (r *relay) readLoop(ctx context.Context, src, dst *socket, dir domain.Direction, idle time.Duration) {
	for {
		readCtx := ctx
		var cancelRead context.CancelFunc
		if idle > 0 {
			readCtx, cancelRead = context.WithTimeout(ctx, idle)
		}
		typ, data, err := src.conn.Read(readCtx)
		idleExpired := cancelRead != nil && readCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			r.classifyReadError(src, err, idleExpired)
			return
		}

		size := int64(len(data))
		if size > r.maxMessageSize {
			// Normally the read limit catches this first; kept as a guard
			// for payloads exactly at the boundary.
			r.finish(domain.StateFailed, "message-too-large")
			src.Kill(websocket.StatusMessageTooBig, "message too large")
			return
		}

		// The manager consults both bound sockets: a session saturated in
		// either direction sheds load.
		if r.mgr.CheckBackpressure(r.sessionID, r.cfg.Backpressure.DropBytes) {
			r.dropped.Add(1)
			if r.warnLimiter.Allow() {
				slog.Warn("Severe backpressure, dropping message",
					"session_id", r.sessionID, "direction", string(dir),
					"queued_bytes", dst.QueuedBytes(), "size", size)
			}
			continue
		}
		if r.mgr.CheckBackpressure(r.sessionID, r.cfg.Backpressure.WarnBytes) && r.warnLimiter.Allow() {
			slog.Warn("Backpressure building",
				"session_id", r.sessionID, "direction", string(dir),
				"queued_bytes", dst.QueuedBytes())
		}

		if !dst.enqueue(typ, data) {
			// Queue full on frame count; same policy as the byte bound.
			r.dropped.Add(1)
			continue
		}

		r.mgr.TrackMessage(ctx, r.sessionID, dir, size,
			typ == websocket.MessageBinary, data, r.endpoint.Sampling)
	}
}

func (r *relay) classifyReadError(src *socket, err error, idleExpired bool) {
	switch {
	case idleExpired:
		r.finish(domain.StateClosed, "idle-timeout")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		r.finish(domain.StateClosed, "normal")
	case websocket.CloseStatus(err) == websocket.StatusMessageTooBig,
		strings.Contains(err.Error(), "read limited"):
		r.finish(domain.StateFailed, "message-too-large")
	default:
		// Covers abrupt disconnects, admin kill, and shutdown; if a cause
		// was already recorded this is a no-op.
		r.finish(domain.StateFailed, "connection error")
		slog.Debug("Relay read ended", "session_id", r.sessionID,
			"peer", src.label, "error", err)
	}
}

// keepalive pings the client while the session is connected; a pong
// refreshes the activity timestamp the reaper consults.
func (r *relay) keepalive(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Proxy.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := r.client.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Keepalive ping failed", "session_id", r.sessionID, "error", err)
				return
			}
			r.mgr.RecordActivity(r.sessionID)
		}
	}
}
