package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmdchat/cmdchat-go/crypto/seal"
	"github.com/cmdchat/cmdchat-go/observability"
)

// Session is the server-side state of one authenticated client. The
// reader task owns all mutable fields except the send queue; broadcasts
// from other sessions only ever touch the queue.
type Session struct {
	ID     uint64
	Remote string

	conn   net.Conn
	cipher *seal.Cipher
	queue  *sendQueue

	// Guarded by mu: read by the registry and log lines, written only by
	// the session's own reader task.
	mu   sync.Mutex
	name string
	room string

	lastPong  atomic.Int64 // unix nanoseconds
	rate      *slidingWindow
	transfers *transferTable

	closeOnce   sync.Once
	closeReason observability.CloseReason
	closeErr    error
}

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Room returns the current room.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// touchPong records heartbeat liveness.
func (s *Session) touchPong(now time.Time) {
	s.lastPong.Store(now.UnixNano())
}

// sincePong reports the time since the last pong.
func (s *Session) sincePong(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastPong.Load()))
}

// fail records the first close reason; later calls are ignored.
func (s *Session) fail(reason observability.CloseReason, err error) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		s.closeErr = err
	})
}
