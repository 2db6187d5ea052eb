package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrBusClosed is returned by Subscribe after Shutdown.
var ErrBusClosed = errors.New("telemetry bus closed")

// Bus fans telemetry events out to the current set of subscribers.
//
// Delivery is best-effort and unretained: each subscriber owns a bounded
// queue drained by its own write pump, so a slow or dead subscriber never
// blocks a publisher. When a subscriber's queue fills or a write fails, the
// subscriber is evicted. Each subscriber observes events in publish order.
type Bus struct {
	queueSize    int
	writeTimeout time.Duration

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber is one attached operator connection.
type Subscriber struct {
	bus  *Bus
	conn *websocket.Conn
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewBus creates a telemetry bus. queueSize bounds each subscriber's
// pending-event queue; writeTimeout bounds a single subscriber write.
func NewBus(queueSize int, writeTimeout time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Bus{
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		subs:         make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers conn and queues snapshot as its first event. The
// snapshot is enqueued under the registration lock so no broadcast can be
// observed ahead of it.
func (b *Bus) Subscribe(conn *websocket.Conn, snapshot Event) (*Subscriber, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		bus:  b,
		conn: conn,
		ch:   make(chan []byte, b.queueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sub.ch <- payload
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.writePump()

	slog.Info("Telemetry subscriber attached", "subscribers", b.Count())
	return sub, nil
}

// Unsubscribe removes sub without closing its connection. Safe to call
// after eviction.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.remove(sub)
	sub.stop()
}

// Publish broadcasts an event to every subscriber. Publishers iterate a
// snapshot of the subscriber set and never hold the lock across a network
// write; queue-full subscribers are evicted after the iteration.
func (b *Bus) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal telemetry event", "type", ev.Type, "error", err)
		return
	}

	b.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	var evicted []*Subscriber
	for _, sub := range snapshot {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		default:
			evicted = append(evicted, sub)
		}
	}

	for _, sub := range evicted {
		slog.Warn("Evicting slow telemetry subscriber", "queue_size", b.queueSize)
		b.remove(sub)
		sub.evict(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// Send queues an event for a single subscriber, used for command replies.
// A full queue evicts the subscriber, same as a broadcast would.
func (b *Bus) Send(sub *Subscriber, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal telemetry event", "type", ev.Type, "error", err)
		return
	}
	select {
	case sub.ch <- payload:
	case <-sub.done:
	default:
		b.remove(sub)
		sub.evict(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// Count returns the number of attached subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown evicts every subscriber with 1001 going-away and stops
// accepting new ones.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.evict(websocket.StatusGoingAway, "going away")
	}
	slog.Info("Telemetry bus shut down", "subscribers_closed", len(snapshot))
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Done is closed when the subscriber has been evicted or the bus shut
// down. The ops handler selects on it to end its read loop.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) writePump() {
	for {
		select {
		case payload := <-s.ch:
			ctx, cancel := context.WithTimeout(context.Background(), s.bus.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				slog.Debug("Telemetry subscriber write failed", "error", err)
				s.bus.remove(s)
				s.stop()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) evict(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.done)
		if err := s.conn.Close(code, reason); err != nil {
			slog.Debug("Failed to close telemetry subscriber", "error", err)
		}
	})
}

func (s *Subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
