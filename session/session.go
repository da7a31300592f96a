// Package session tracks live websocket sessions and their room
// memberships. A session belongs to at most one channel room and one
// document room at a time; the registry keeps reverse indexes so
// broadcasts never scan the full session table.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SendBuffer bounds the per-session outbound queue. A session that cannot
// drain this many frames is considered dead and is disconnected rather
// than allowed to stall the broadcaster.
const SendBuffer = 256

// Session is one authenticated websocket connection. The outbound path is
// a bounded queue drained by the connection's single writer goroutine;
// everything else writes frames only through Enqueue.
type Session struct {
	ID       string
	UserID   string
	UserName string

	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	overflow bool
}

// NewSession wraps an upgraded connection for the given user.
func NewSession(conn *websocket.Conn, userID, userName string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		conn:     conn,
		send:     make(chan []byte, SendBuffer),
	}
}

// Conn exposes the underlying connection to the read/write pumps.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// Outbound is the queue drained by the writer pump. The channel is closed
// when the session shuts down.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Enqueue queues a frame without blocking. A full queue closes the
// session: the slow consumer is cut off instead of backing up the room.
func (s *Session) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.overflow = true
		s.closed = true
		close(s.send)
		return false
	}
}

// Close shuts the outbound queue. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Overflowed reports whether the session was closed for falling behind,
// which the writer pump translates into an internal-error close code.
func (s *Session) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}
