package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/fransiscuss/wsproxy/internal/config"
	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/fransiscuss/wsproxy/internal/shared"
	"github.com/fransiscuss/wsproxy/internal/store"
	"github.com/fransiscuss/wsproxy/internal/telemetry"
)

// Peer is one bound socket of a session, as seen by the manager. The
// relay implements it; the manager uses it for forced termination and
// backpressure queries.
type Peer interface {
	// Kill force-closes the socket. Must be safe to call more than once
	// and concurrently with in-flight reads and writes.
	Kill(code websocket.StatusCode, reason string)

	// QueuedBytes reports the bytes currently buffered for outbound
	// delivery on this socket.
	QueuedBytes() int64
}

// Publisher is the telemetry surface the manager emits on.
type Publisher interface {
	Publish(ev telemetry.Event)
}

// entry is the manager's weak handle on a live session. The relay owns
// the session; the entry exists for lookup, metrics, reaping, and kill.
type entry struct {
	id         string
	endpointID string
	clientIP   string
	startedAt  time.Time

	msgsIn   atomic.Uint64
	msgsOut  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	lastActivity  atomic.Int64 // unix nanos
	sinceFlush    atomic.Int64 // messages tracked since last flush
	lastFlush     atomic.Int64 // unix nanos
	flushInFlight atomic.Bool

	mu     sync.Mutex
	state  domain.SessionState
	client Peer
	target Peer
}

func (e *entry) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

func (e *entry) snapshot() domain.SessionStats {
	return domain.SessionStats{
		MsgsIn:   e.msgsIn.Load(),
		MsgsOut:  e.msgsOut.Load(),
		BytesIn:  e.bytesIn.Load(),
		BytesOut: e.bytesOut.Load(),
	}
}

// Manager is the process-wide session registry. Safe for concurrent use.
type Manager struct {
	sessions store.SessionStore
	samples  store.TrafficSampleStore
	bus      Publisher
	cfg      *config.Config
	limiter  *RateLimiter

	mu             sync.RWMutex
	registry       map[string]*entry
	endpointCounts map[string]int

	totalSessions atomic.Uint64
	wg            sync.WaitGroup
}

// NewManager creates a session manager. bus may be nil in tests.
func NewManager(sessions store.SessionStore, samples store.TrafficSampleStore, bus Publisher, cfg *config.Config) *Manager {
	return &Manager{
		sessions:       sessions,
		samples:        samples,
		bus:            bus,
		cfg:            cfg,
		limiter:        NewRateLimiter(time.Minute),
		registry:       make(map[string]*entry),
		endpointCounts: make(map[string]int),
	}
}

func (m *Manager) publish(ev telemetry.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// CreateSession mints a session row in the connecting state and registers
// the in-memory entry with zero metrics.
func (m *Manager) CreateSession(ctx context.Context, endpointID, clientIP, userAgent string, client Peer) (string, error) {
	id, err := m.sessions.CreateSession(ctx, endpointID, clientIP, userAgent)
	if err != nil {
		return "", err
	}

	now := time.Now()
	e := &entry{
		id:         id,
		endpointID: endpointID,
		clientIP:   clientIP,
		startedAt:  now,
		state:      domain.StateConnecting,
		client:     client,
	}
	e.lastActivity.Store(now.UnixNano())
	e.lastFlush.Store(now.UnixNano())

	m.mu.Lock()
	m.registry[id] = e
	m.endpointCounts[endpointID]++
	m.mu.Unlock()

	m.totalSessions.Add(1)
	slog.Info("Session created", "session_id", id, "endpoint_id", endpointID, "client_ip", clientIP)
	return id, nil
}

// BindTarget attaches the upstream socket, transitions the session to
// connected, and announces it on the telemetry bus.
func (m *Manager) BindTarget(sessionID string, target Peer) {
	e := m.lookup(sessionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.target = target
	if e.state == domain.StateConnecting {
		e.state = domain.StateConnected
	}
	clientIP := e.clientIP
	e.mu.Unlock()
	e.touch()

	m.publish(telemetry.SessionStarted(sessionID, e.endpointID, clientIP))
}

// CloseSession flushes final metrics, marks the store row terminal,
// removes the registry entry, force-closes any still-open socket, and
// emits sessionEnded. Idempotent: the second and later calls are no-ops.
func (m *Manager) CloseSession(ctx context.Context, sessionID string, final domain.SessionState, reason string) {
	m.mu.Lock()
	e, ok := m.registry[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.registry, sessionID)
	if n := m.endpointCounts[e.endpointID] - 1; n > 0 {
		m.endpointCounts[e.endpointID] = n
	} else {
		delete(m.endpointCounts, e.endpointID)
	}
	m.mu.Unlock()

	e.mu.Lock()
	if !final.Terminal() {
		final = domain.StateFailed
	}
	e.state = final
	client, target := e.client, e.target
	e.mu.Unlock()

	code := websocket.StatusInternalError
	if final == domain.StateClosed {
		code = websocket.StatusNormalClosure
	}
	if client != nil {
		client.Kill(code, reason)
	}
	if target != nil {
		target.Kill(code, reason)
	}

	stats := e.snapshot()
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	upd := store.SessionUpdate{LastSeen: time.Now(), Stats: stats, State: final}
	if err := m.updateWithRetry(storeCtx, sessionID, upd); err != nil {
		slog.Error("Failed to flush final session metrics", "session_id", sessionID, "error", err)
	}
	// Memory is the source of truth while live; the entry is gone even if
	// the store write fails.
	if err := m.sessions.CloseSession(storeCtx, sessionID, final); err != nil {
		slog.Error("Failed to close session row", "session_id", sessionID, "error", err)
	}

	m.publish(telemetry.SessionEnded(sessionID, e.endpointID, reason, time.Since(e.startedAt), stats))
	slog.Info("Session closed",
		"session_id", sessionID, "endpoint_id", e.endpointID,
		"state", string(final), "reason", reason,
		"msgs_in", stats.MsgsIn, "msgs_out", stats.MsgsOut,
		"bytes_in", stats.BytesIn, "bytes_out", stats.BytesOut)
}

// TrackMessage records one forwarded message: counter increments are
// immediately visible to lookups; sampling and store flushes are
// best-effort. A no-op once the session has been closed.
func (m *Manager) TrackMessage(ctx context.Context, sessionID string, dir domain.Direction, size int64, binary bool, payload []byte, sampling domain.Sampling) {
	e := m.lookup(sessionID)
	if e == nil {
		return
	}

	if dir == domain.DirectionInbound {
		e.msgsIn.Add(1)
		e.bytesIn.Add(uint64(size))
	} else {
		e.msgsOut.Add(1)
		e.bytesOut.Add(uint64(size))
	}
	e.touch()

	m.publish(telemetry.MessageMeta(sessionID, e.endpointID, dir, size))

	if sampling.Enabled && rand.Float64() < sampling.SampleRate {
		m.recordSample(ctx, e, dir, size, binary, payload, sampling)
	}

	n := e.sinceFlush.Add(1)
	due := n >= int64(m.cfg.Flush.Messages) ||
		time.Since(time.Unix(0, e.lastFlush.Load())) >= m.cfg.Flush.Interval
	if due && e.flushInFlight.CompareAndSwap(false, true) {
		e.sinceFlush.Store(0)
		e.lastFlush.Store(time.Now().UnixNano())
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.flush(e)
		}()
	}
}

// RecordActivity refreshes the session's activity timestamp (pongs,
// control frames).
func (m *Manager) RecordActivity(sessionID string) {
	if e := m.lookup(sessionID); e != nil {
		e.touch()
	}
}

func (m *Manager) recordSample(ctx context.Context, e *entry, dir domain.Direction, size int64, binary bool, payload []byte, sampling domain.Sampling) {
	sample := &domain.TrafficSample{
		SessionID:  e.id,
		EndpointID: e.endpointID,
		Direction:  dir,
		Timestamp:  time.Now(),
		SizeBytes:  size,
	}
	if sampling.StoreContent {
		content := payload
		if sampling.MaxSampleSize > 0 && len(content) > sampling.MaxSampleSize {
			content = content[:sampling.MaxSampleSize]
		}
		if binary {
			sample.Content = base64.StdEncoding.EncodeToString(content)
		} else {
			sample.Content = string(content)
		}
	}

	m.publish(telemetry.SampledPayload(sample))

	// Fire-and-forget: a failed append must never fail the relay.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.samples.AppendSample(appendCtx, sample); err != nil {
			slog.Warn("Failed to append traffic sample",
				"session_id", e.id, "endpoint_id", e.endpointID, "error", err)
		}
	}()
}

// flush writes a counter snapshot to the session store and emits
// sessionUpdated. Errors are logged; the next tick retries naturally.
func (m *Manager) flush(e *entry) {
	defer e.flushInFlight.Store(false)

	stats := e.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upd := store.SessionUpdate{
		LastSeen: time.Unix(0, e.lastActivity.Load()),
		Stats:    stats,
	}
	if err := m.updateWithRetry(ctx, e.id, upd); err != nil {
		slog.Warn("Failed to flush session metrics", "session_id", e.id, "error", err)
		return
	}

	m.publish(telemetry.SessionUpdated(e.id, e.endpointID, stats))
}

func (m *Manager) updateWithRetry(ctx context.Context, id string, upd store.SessionUpdate) error {
	return shared.RetryOnConflict(ctx, m.cfg.Retry.DatabaseMaxRetries, m.cfg.Retry.DatabaseRetryBaseDelay, func() error {
		return m.sessions.UpdateSession(ctx, id, upd)
	})
}

// CheckRateLimit records an admission attempt and reports whether it is
// within the endpoint's fixed-window budget.
func (m *Manager) CheckRateLimit(endpointID string, limitRPM int) bool {
	return m.limiter.Allow(endpointID, limitRPM)
}

// CheckConnectionLimit reports whether the endpoint is below its
// concurrent-session cap. The live registry is authoritative.
func (m *Manager) CheckConnectionLimit(endpointID string, maxConns int) bool {
	if maxConns <= 0 {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpointCounts[endpointID] < maxConns
}

// CheckBackpressure reports whether either socket of the session has more
// than threshold bytes queued outbound.
func (m *Manager) CheckBackpressure(sessionID string, threshold int64) bool {
	e := m.lookup(sessionID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	client, target := e.client, e.target
	e.mu.Unlock()

	if client != nil && client.QueuedBytes() > threshold {
		return true
	}
	if target != nil && target.QueuedBytes() > threshold {
		return true
	}
	return false
}

// KillSession force-closes both sockets and ends the session failed.
// Returns false when no live session has that id.
func (m *Manager) KillSession(ctx context.Context, sessionID string) bool {
	if m.lookup(sessionID) == nil {
		return false
	}
	slog.Warn("Session killed by administrator", "session_id", sessionID)
	m.CloseSession(ctx, sessionID, domain.StateFailed, "killed")
	return true
}

// Statistics returns a point-in-time snapshot of the registry. Per-entry
// reads are consistent; the snapshot as a whole is not atomic.
func (m *Manager) Statistics() domain.ProxyStats {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.registry))
	for _, e := range m.registry {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	stats := domain.ProxyStats{
		ActiveConnections: len(entries),
		TotalSessions:     m.totalSessions.Load(),
		PerEndpoint:       make(map[string]domain.EndpointStats),
	}
	for _, e := range entries {
		s := e.snapshot()
		ep := stats.PerEndpoint[e.endpointID]
		ep.Sessions++
		ep.TotalMessages += s.MsgsIn + s.MsgsOut
		ep.TotalBytes += s.BytesIn + s.BytesOut
		stats.PerEndpoint[e.endpointID] = ep
	}
	return stats
}

// ActiveSessions summarizes every live session.
func (m *Manager) ActiveSessions() []domain.SessionSummary {
	return m.summarize(func(*entry) bool { return true })
}

// ActiveSessionsFor summarizes live sessions for one endpoint.
func (m *Manager) ActiveSessionsFor(endpointID string) []domain.SessionSummary {
	return m.summarize(func(e *entry) bool { return e.endpointID == endpointID })
}

func (m *Manager) summarize(keep func(*entry) bool) []domain.SessionSummary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.registry))
	for _, e := range m.registry {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		out = append(out, domain.SessionSummary{
			ID:         e.id,
			EndpointID: e.endpointID,
			State:      state,
			ClientIP:   e.clientIP,
			StartedAt:  e.startedAt,
			Stats:      e.snapshot(),
		})
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

func (m *Manager) lookup(sessionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry[sessionID]
}

// StartReaper runs the stale-session sweeper until ctx is cancelled. Each
// tick it fails sessions idle past the stale threshold and evicts expired
// rate-limit buckets.
func (m *Manager) StartReaper(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Reaper.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reap(ctx)
			}
		}
	}()
	slog.Info("Session reaper started",
		"interval", m.cfg.Reaper.Interval, "stale_threshold", m.cfg.Reaper.StaleThreshold)
}

func (m *Manager) reap(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.Reaper.StaleThreshold).UnixNano()

	m.mu.RLock()
	var stale []string
	for id, e := range m.registry {
		if e.lastActivity.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		slog.Warn("Reaping stale session", "session_id", id)
		m.CloseSession(ctx, id, domain.StateFailed, "stale")
	}

	if evicted := m.limiter.EvictExpired(); evicted > 0 {
		slog.Debug("Evicted expired rate-limit buckets", "count", evicted)
	}
}

// Shutdown waits up to the configured grace window for live relays to
// drain, then force-closes survivors with a normal close, and waits for
// in-flight background writes.
func (m *Manager) Shutdown(ctx context.Context) {
	grace := time.NewTimer(m.cfg.Proxy.ShutdownGrace)
	defer grace.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

drain:
	for m.ActiveCount() > 0 {
		select {
		case <-grace.C:
			break drain
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	m.mu.RLock()
	survivors := make([]string, 0, len(m.registry))
	for id := range m.registry {
		survivors = append(survivors, id)
	}
	m.mu.RUnlock()

	for _, id := range survivors {
		m.CloseSession(ctx, id, domain.StateClosed, "shutdown")
	}
	if len(survivors) > 0 {
		slog.Info("Force-closed sessions on shutdown", "count", len(survivors))
	}

	m.wg.Wait()
}
