package observability

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the counting observer's state,
// suitable for periodic structured log lines.
type Snapshot struct {
	Sessions      int64
	Rooms         int64
	HandshakesOK  uint64
	HandshakesBad uint64
	Messages      uint64
	Broadcasts    uint64
	RateLimited   uint64
	QueueDropped  uint64
	TransfersOK   uint64
	TransfersBad  uint64
	RelayedBytes  uint64
	Closes        uint64
}

// CountingChatObserver accumulates events into atomic counters. It backs
// the server's periodic metrics log when no Prometheus endpoint is wired.
type CountingChatObserver struct {
	sessions      atomic.Int64
	rooms         atomic.Int64
	handshakesOK  atomic.Uint64
	handshakesBad atomic.Uint64
	messages      atomic.Uint64
	broadcasts    atomic.Uint64
	rateLimited   atomic.Uint64
	queueDropped  atomic.Uint64
	transfersOK   atomic.Uint64
	transfersBad  atomic.Uint64
	relayedBytes  atomic.Uint64
	closes        atomic.Uint64
}

// NewCountingChatObserver returns a zeroed counting observer.
func NewCountingChatObserver() *CountingChatObserver {
	return &CountingChatObserver{}
}

func (c *CountingChatObserver) SessionCount(n int64) { c.sessions.Store(n) }
func (c *CountingChatObserver) RoomCount(n int)      { c.rooms.Store(int64(n)) }

func (c *CountingChatObserver) Handshake(result HandshakeResult, _ HandshakeReason) {
	if result == HandshakeResultOK {
		c.handshakesOK.Add(1)
	} else {
		c.handshakesBad.Add(1)
	}
}

func (c *CountingChatObserver) HandshakeLatency(time.Duration) {}

func (c *CountingChatObserver) Close(CloseReason) { c.closes.Add(1) }

func (c *CountingChatObserver) Message(MessageKind) { c.messages.Add(1) }

func (c *CountingChatObserver) Broadcast(fanout int) { c.broadcasts.Add(uint64(fanout)) }

func (c *CountingChatObserver) RateLimited() { c.rateLimited.Add(1) }

func (c *CountingChatObserver) QueueDropped() { c.queueDropped.Add(1) }

func (c *CountingChatObserver) Transfer(result TransferResult) {
	if result == TransferResultOK {
		c.transfersOK.Add(1)
	} else {
		c.transfersBad.Add(1)
	}
}

func (c *CountingChatObserver) RelayedBytes(n int) { c.relayedBytes.Add(uint64(n)) }

// Snapshot copies the current counters.
func (c *CountingChatObserver) Snapshot() Snapshot {
	return Snapshot{
		Sessions:      c.sessions.Load(),
		Rooms:         c.rooms.Load(),
		HandshakesOK:  c.handshakesOK.Load(),
		HandshakesBad: c.handshakesBad.Load(),
		Messages:      c.messages.Load(),
		Broadcasts:    c.broadcasts.Load(),
		RateLimited:   c.rateLimited.Load(),
		QueueDropped:  c.queueDropped.Load(),
		TransfersOK:   c.transfersOK.Load(),
		TransfersBad:  c.transfersBad.Load(),
		RelayedBytes:  c.relayedBytes.Load(),
		Closes:        c.closes.Load(),
	}
}
