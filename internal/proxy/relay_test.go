package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fransiscuss/wsproxy/internal/config"
	"github.com/fransiscuss/wsproxy/internal/domain"
	"github.com/fransiscuss/wsproxy/internal/session"
	"github.com/fransiscuss/wsproxy/internal/store"
	"github.com/fransiscuss/wsproxy/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

type fakeEndpointStore struct {
	mu        sync.Mutex
	endpoints map[string]*domain.Endpoint
	fail      bool
}

func (f *fakeEndpointStore) GetEndpoint(_ context.Context, id string) (*domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.endpoints[id], nil
}

type fakeSessionStore struct {
	mu      sync.Mutex
	nextID  int
	created int
	updates map[string][]store.SessionUpdate
	closed  map[string]domain.SessionState
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		updates: make(map[string][]store.SessionUpdate),
		closed:  make(map[string]domain.SessionState),
	}
}

func (f *fakeSessionStore) CreateSession(context.Context, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created++
	return fmt.Sprintf("sess-%d", f.nextID), nil
}

func (f *fakeSessionStore) UpdateSession(_ context.Context, id string, upd store.SessionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], upd)
	return nil
}

func (f *fakeSessionStore) CloseSession(_ context.Context, id string, final domain.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = final
	return nil
}

func (f *fakeSessionStore) CountActiveSessions(context.Context, string) (int, error) {
	return 0, nil
}

func (f *fakeSessionStore) GetSession(context.Context, string) (*domain.Session, error) {
	return nil, nil
}

func (f *fakeSessionStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeSessionStore) closedState(id string) (domain.SessionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.closed[id]
	return s, ok
}

type fakeSampleStore struct {
	mu      sync.Mutex
	samples []*domain.TrafficSample
}

func (f *fakeSampleStore) AppendSample(_ context.Context, s *domain.TrafficSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *eventCollector) Publish(ev telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

// waitEvent blocks until an event of the given type is collected and
// returns its decoded data.
func waitEvent[T any](t *testing.T, c *eventCollector, typ string) T {
	t.Helper()
	var out T
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Type == typ {
				payload, _ := json.Marshal(ev.Data)
				c.mu.Unlock()
				if err := json.Unmarshal(payload, &out); err != nil {
					t.Fatalf("decode %s: %v", typ, err)
				}
				return out
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never published; saw %v", typ, c.types())
	return out
}

// waitEventCount blocks until at least n events of the given type have
// been collected.
func waitEventCount(t *testing.T, c *eventCollector, typ string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		seen := 0
		for _, got := range c.types() {
			if got == typ {
				seen++
			}
		}
		if seen >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d %s events; saw %v", n, typ, c.types())
}

// startEcho runs a WebSocket echo upstream and returns its ws:// URL.
func startEcho(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

type testProxy struct {
	url       string
	cfg       *config.Config
	mgr       *session.Manager
	sessions  *fakeSessionStore
	samples   *fakeSampleStore
	events    *eventCollector
	endpoints *fakeEndpointStore
}

func newTestProxy(t *testing.T, endpoints ...*domain.Endpoint) *testProxy {
	t.Helper()

	eps := &fakeEndpointStore{endpoints: make(map[string]*domain.Endpoint)}
	for _, ep := range endpoints {
		eps.endpoints[ep.ID] = ep
	}

	cfg := &config.Config{
		Port:   "0",
		DBPath: "unused",
		Proxy: config.ProxyConfig{
			DialTimeout:       2 * time.Second,
			IdleTimeout:       time.Minute,
			KeepaliveInterval: time.Minute,
			MaxMessageSize:    1 << 20,
			ShutdownGrace:     50 * time.Millisecond,
		},
		Backpressure: config.BackpressureConfig{WarnBytes: 16 * 1024, DropBytes: 64 * 1024},
		Flush:        config.FlushConfig{Messages: 100, Interval: time.Hour},
		Reaper:       config.ReaperConfig{Interval: time.Hour, StaleThreshold: time.Hour},
		Telemetry:    config.TelemetryConfig{QueueSize: 16, WriteTimeout: time.Second},
		Retry:        config.RetryConfig{DatabaseMaxRetries: 1, DatabaseRetryBaseDelay: time.Millisecond},
	}

	tp := &testProxy{
		cfg:       cfg,
		sessions:  newFakeSessionStore(),
		samples:   &fakeSampleStore{},
		events:    &eventCollector{},
		endpoints: eps,
	}
	tp.mgr = session.NewManager(tp.sessions, tp.samples, tp.events, cfg)
	t.Cleanup(func() { tp.mgr.Shutdown(context.Background()) })

	h := NewHandler(eps, tp.mgr, cfg)
	r := chi.NewRouter()
	r.Get("/ws", h.ServeInvalidPath)
	r.Get("/ws/", h.ServeInvalidPath)
	r.Get("/ws/{endpointID}", h.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	tp.url = "ws://" + strings.TrimPrefix(srv.URL, "http://")
	return tp
}

func (tp *testProxy) dial(t *testing.T, endpointID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, tp.url+"/ws/"+endpointID, nil)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// expectClose reads until the connection closes and returns the status
// code and reason.
func expectClose(t *testing.T, conn *websocket.Conn) (websocket.StatusCode, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the proxy to close the connection")
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	return ce.Code, ce.Reason
}

func echoEndpoint(id, target string) *domain.Endpoint {
	return &domain.Endpoint{
		ID:        id,
		Name:      id,
		TargetURL: target,
		Enabled:   true,
		Limits:    domain.Limits{MaxMessageSize: 1024},
	}
}

func TestRelay_HappyEcho(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Limits.MaxConnections = 2
	tp := newTestProxy(t, ep)

	conn := tp.dial(t, "e1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if typ != websocket.MessageText || string(data) != "hello" {
		t.Fatalf("echo = (%v, %q), want (text, hello)", typ, data)
	}

	started := waitEvent[telemetry.SessionStartedData](t, tp.events, telemetry.EventSessionStarted)
	if started.EndpointID != "e1" {
		t.Errorf("sessionStarted endpoint = %q", started.EndpointID)
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}

	ended := waitEvent[telemetry.SessionEndedData](t, tp.events, telemetry.EventSessionEnded)
	if ended.Reason != "normal" {
		t.Errorf("reason = %q, want normal", ended.Reason)
	}
	want := domain.SessionStats{MsgsIn: 1, BytesIn: 5, MsgsOut: 1, BytesOut: 5}
	if ended.FinalStats != want {
		t.Errorf("final stats = %+v, want %+v", ended.FinalStats, want)
	}

	if state, ok := tp.sessions.closedState(ended.SessionID); !ok || state != domain.StateClosed {
		t.Errorf("session row state = %v, want closed", state)
	}

	types := tp.events.types()
	metaSeen := 0
	for _, typ := range types {
		if typ == telemetry.EventMessageMeta {
			metaSeen++
		}
	}
	if metaSeen != 2 {
		t.Errorf("messageMeta events = %d, want 2 (in and out): %v", metaSeen, types)
	}
	if types[0] != telemetry.EventSessionStarted {
		t.Errorf("sessionStarted must come first: %v", types)
	}
	if types[len(types)-1] != telemetry.EventSessionEnded {
		t.Errorf("sessionEnded must come last: %v", types)
	}
}

func TestRelay_BinaryFramingPreserved(t *testing.T) {
	target := startEcho(t)
	tp := newTestProxy(t, echoEndpoint("e1", target))

	conn := tp.dial(t, "e1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if typ != websocket.MessageBinary || len(data) != 4 {
		t.Errorf("echo = (%v, %d bytes), want (binary, 4)", typ, len(data))
	}
}

func TestRelay_OversizeMessageFailsSession(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Limits.MaxMessageSize = 10
	tp := newTestProxy(t, ep)

	conn := tp.dial(t, "e1")
	waitEvent[telemetry.SessionStartedData](t, tp.events, telemetry.EventSessionStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 11)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ended := waitEvent[telemetry.SessionEndedData](t, tp.events, telemetry.EventSessionEnded)
	if ended.Reason != "message-too-large" {
		t.Errorf("reason = %q, want message-too-large", ended.Reason)
	}
	if ended.FinalStats != (domain.SessionStats{}) {
		t.Errorf("oversize message must not be counted: %+v", ended.FinalStats)
	}
	if state, _ := tp.sessions.closedState(ended.SessionID); state != domain.StateFailed {
		t.Errorf("session state = %v, want failed", state)
	}
}

func TestRelay_ConnectionCap(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Limits.MaxConnections = 1
	tp := newTestProxy(t, ep)

	first := tp.dial(t, "e1")
	waitEvent[telemetry.SessionStartedData](t, tp.events, telemetry.EventSessionStarted)

	second := tp.dial(t, "e1")
	code, reason := expectClose(t, second)
	if code != websocket.StatusInternalError || reason != "connection limit exceeded" {
		t.Errorf("close = (%v, %q), want (1011, connection limit exceeded)", code, reason)
	}
	if tp.sessions.createdCount() != 1 {
		t.Errorf("session rows created = %d, want 1 (reject before create)", tp.sessions.createdCount())
	}
	_ = first
}

func TestRelay_RateLimit(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Limits.RateLimitRPM = 2
	tp := newTestProxy(t, ep)

	// Admission runs after the handshake, so wait for each session to be
	// admitted before dialing the next; the third attempt is then
	// deterministically the one over budget.
	tp.dial(t, "e1")
	waitEventCount(t, tp.events, telemetry.EventSessionStarted, 1)
	tp.dial(t, "e1")
	waitEventCount(t, tp.events, telemetry.EventSessionStarted, 2)

	third := tp.dial(t, "e1")
	code, reason := expectClose(t, third)
	if code != websocket.StatusInternalError || reason != "rate limit exceeded" {
		t.Errorf("close = (%v, %q), want (1011, rate limit exceeded)", code, reason)
	}
	if tp.sessions.createdCount() != 2 {
		t.Errorf("session rows created = %d, want 2", tp.sessions.createdCount())
	}
}

func TestRelay_EndpointNotFound(t *testing.T) {
	tp := newTestProxy(t)

	conn := tp.dial(t, "ghost")
	code, reason := expectClose(t, conn)
	if code != websocket.StatusPolicyViolation || reason != "endpoint not found" {
		t.Errorf("close = (%v, %q), want (1008, endpoint not found)", code, reason)
	}
}

func TestRelay_EndpointDisabled(t *testing.T) {
	ep := echoEndpoint("e1", "ws://127.0.0.1:1/unused")
	ep.Enabled = false
	tp := newTestProxy(t, ep)

	conn := tp.dial(t, "e1")
	code, reason := expectClose(t, conn)
	if code != websocket.StatusPolicyViolation || reason != "endpoint disabled" {
		t.Errorf("close = (%v, %q), want (1008, endpoint disabled)", code, reason)
	}
}

func TestRelay_InvalidPath(t *testing.T) {
	tp := newTestProxy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, tp.url+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	code, _ := expectClose(t, conn)
	if code != websocket.StatusProtocolError {
		t.Errorf("close code = %v, want 1002 protocol error", code)
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	// Nothing listens on the target.
	ep := echoEndpoint("e1", "ws://127.0.0.1:1")
	tp := newTestProxy(t, ep)

	conn := tp.dial(t, "e1")
	code, reason := expectClose(t, conn)
	if code != websocket.StatusInternalError || reason != "upstream-unreachable" {
		t.Errorf("close = (%v, %q), want (1011, upstream-unreachable)", code, reason)
	}

	ended := waitEvent[telemetry.SessionEndedData](t, tp.events, telemetry.EventSessionEnded)
	if ended.Reason != "upstream-unreachable" {
		t.Errorf("reason = %q, want upstream-unreachable", ended.Reason)
	}
	if state, _ := tp.sessions.closedState(ended.SessionID); state != domain.StateFailed {
		t.Errorf("session state = %v, want failed", state)
	}
}

func TestRelay_AdminKillClosesBothSides(t *testing.T) {
	target := startEcho(t)
	tp := newTestProxy(t, echoEndpoint("e1", target))

	conn := tp.dial(t, "e1")
	started := waitEvent[telemetry.SessionStartedData](t, tp.events, telemetry.EventSessionStarted)

	if !tp.mgr.KillSession(context.Background(), started.SessionID) {
		t.Fatal("kill should find the live session")
	}

	code, _ := expectClose(t, conn)
	if code != websocket.StatusInternalError {
		t.Errorf("client close code = %v, want 1011", code)
	}

	ended := waitEvent[telemetry.SessionEndedData](t, tp.events, telemetry.EventSessionEnded)
	if ended.Reason != "killed" {
		t.Errorf("reason = %q, want killed", ended.Reason)
	}
}

func TestRelay_SamplingCapturesTruncatedContent(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Sampling = domain.Sampling{Enabled: true, SampleRate: 1.0, StoreContent: true, MaxSampleSize: 4}
	tp := newTestProxy(t, ep)

	conn := tp.dial(t, "e1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read echo: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tp.samples.mu.Lock()
		n := len(tp.samples.samples)
		tp.samples.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tp.samples.mu.Lock()
	defer tp.samples.mu.Unlock()
	if len(tp.samples.samples) == 0 {
		t.Fatal("no sample captured at rate 1.0")
	}
	var inbound *domain.TrafficSample
	for _, s := range tp.samples.samples {
		if s.Direction == domain.DirectionInbound {
			inbound = s
			break
		}
	}
	if inbound == nil {
		t.Fatal("no inbound sample captured")
	}
	if inbound.Content != "abcd" || inbound.SizeBytes != 6 {
		t.Errorf("sample = {content: %q, size: %d}, want {abcd, 6}", inbound.Content, inbound.SizeBytes)
	}
}

// wsPair returns the server and client halves of a live WebSocket
// connection backed by an httptest server.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseNow() })

	return <-serverConns, client
}

func TestRelay_BackpressureDropIsNotForwardedOrCounted(t *testing.T) {
	srcServer, srcClient := wsPair(t)
	dstServer, dstClient := wsPair(t)
	tp := newTestProxy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newSocket("client", srcServer, outQueueDepth, func(error) {})
	dst := newSocket("target", dstServer, outQueueDepth, func(error) {})
	dst.start(ctx)

	id, err := tp.mgr.CreateSession(ctx, "e1", "", "", src)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	tp.mgr.BindTarget(id, dst)

	rl := &relay{
		mgr:            tp.mgr,
		cfg:            tp.cfg,
		endpoint:       echoEndpoint("e1", "unused"),
		sessionID:      id,
		client:         src,
		target:         dst,
		maxMessageSize: tp.cfg.Proxy.MaxMessageSize,
		warnLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		cancel:         cancel,
	}
	go rl.readLoop(ctx, src, dst, domain.DirectionInbound, 0)

	// Saturate the destination queue: the next message must be dropped.
	dst.queued.Store(tp.cfg.Backpressure.DropBytes + 1)

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := srcClient.Write(wctx, websocket.MessageText, []byte("dropme")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rl.dropped.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rl.dropped.Load() != 1 {
		t.Fatalf("dropped = %d, want 1", rl.dropped.Load())
	}

	// Dropped messages are not counted.
	if stats := tp.mgr.ActiveSessions()[0].Stats; stats != (domain.SessionStats{}) {
		t.Errorf("dropped message must not touch counters: %+v", stats)
	}

	// Once the queue drains, traffic flows again; receiving this as the
	// FIRST message proves the dropped one was never forwarded.
	dst.queued.Store(0)
	if err := srcClient.Write(wctx, websocket.MessageText, []byte("resumed")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := dstClient.Read(wctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "resumed" {
		t.Fatalf("first delivered message = %q, want %q", data, "resumed")
	}

	// The counter update trails the forward by a hair; poll briefly.
	want := domain.SessionStats{MsgsIn: 1, BytesIn: 7}
	deadline = time.Now().Add(3 * time.Second)
	for tp.mgr.ActiveSessions()[0].Stats != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stats := tp.mgr.ActiveSessions()[0].Stats; stats != want {
		t.Errorf("stats = %+v, want %+v (forwarded message only)", stats, want)
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	target := startEcho(t)
	ep := echoEndpoint("e1", target)
	ep.Limits.IdleTimeout = 100 // ms
	tp := newTestProxy(t, ep)

	tp.dial(t, "e1")
	waitEvent[telemetry.SessionStartedData](t, tp.events, telemetry.EventSessionStarted)

	ended := waitEvent[telemetry.SessionEndedData](t, tp.events, telemetry.EventSessionEnded)
	if ended.Reason != "idle-timeout" {
		t.Errorf("reason = %q, want idle-timeout", ended.Reason)
	}
	if state, _ := tp.sessions.closedState(ended.SessionID); state != domain.StateClosed {
		t.Errorf("idle session state = %v, want closed (normal close)", state)
	}
}
