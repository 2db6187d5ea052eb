package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// frame is one queued outbound message, framing preserved.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// socket wraps one peer connection with a bounded outbound queue drained
// by a dedicated write pump, so the two relay directions never block each
// other and queued-byte depth is observable for backpressure decisions.
// It implements session.Peer.
type socket struct {
	label  string // "client" or "target", for logs
	conn   *websocket.Conn
	out    chan frame
	queued atomic.Int64

	done chan struct{}
	once sync.Once

	// onFatal is invoked once when the write pump dies; the relay uses it
	// to cancel the whole session.
	onFatal func(error)
}

func newSocket(label string, conn *websocket.Conn, queueDepth int, onFatal func(error)) *socket {
	return &socket{
		label:   label,
		conn:    conn,
		out:     make(chan frame, queueDepth),
		done:    make(chan struct{}),
		onFatal: onFatal,
	}
}

// start runs the write pump until ctx is cancelled, the socket is killed,
// or a write fails.
func (s *socket) start(ctx context.Context) {
	go func() {
		for {
			select {
			case f := <-s.out:
				err := s.conn.Write(ctx, f.typ, f.data)
				s.queued.Add(-int64(len(f.data)))
				if err != nil {
					slog.Debug("Socket write failed", "peer", s.label, "error", err)
					s.onFatal(err)
					return
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// enqueue queues a message for delivery, preserving framing. Returns
// false when the queue is full or the socket is no longer writable; the
// caller decides whether that is a drop or a session failure.
func (s *socket) enqueue(typ websocket.MessageType, data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame{typ: typ, data: data}:
		s.queued.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// QueuedBytes reports bytes awaiting delivery on this socket.
func (s *socket) QueuedBytes() int64 {
	return s.queued.Load()
}

// Kill force-closes the connection. Idempotent and safe concurrent with
// reads and writes; in-flight operations fail and are swallowed upstream.
func (s *socket) Kill(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.done)
		if err := s.conn.Close(code, reason); err != nil {
			slog.Debug("Socket close", "peer", s.label, "error", err)
		}
	})
}
