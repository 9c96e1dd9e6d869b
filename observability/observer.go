// Package observability defines the metric event surface of the chat
// server. Hot paths report through a ChatObserver; the binary decides
// whether events land in Prometheus, periodic log snapshots, or nowhere.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type HandshakeResult string

const (
	HandshakeResultOK   HandshakeResult = "ok"
	HandshakeResultFail HandshakeResult = "fail"
)

type HandshakeReason string

const (
	HandshakeReasonOK           HandshakeReason = "ok"
	HandshakeReasonTimeout      HandshakeReason = "timeout"
	HandshakeReasonBadToken     HandshakeReason = "bad_token"
	HandshakeReasonBadPublicKey HandshakeReason = "bad_public_key"
	HandshakeReasonBadEnvelope  HandshakeReason = "bad_envelope"
	HandshakeReasonReadError    HandshakeReason = "read_error"
	HandshakeReasonWriteError   HandshakeReason = "write_error"
)

type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonClientQuit       CloseReason = "client_quit"
	CloseReasonReadError        CloseReason = "read_error"
	CloseReasonWriteError       CloseReason = "write_error"
	CloseReasonFrameOversize    CloseReason = "frame_oversize"
	CloseReasonDecryptFailed    CloseReason = "decrypt_failed"
	CloseReasonProtocolError    CloseReason = "protocol_error"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonQueueOverflow    CloseReason = "queue_overflow"
	CloseReasonServerShutdown   CloseReason = "server_shutdown"
)

type MessageKind string

const (
	MessageChat      MessageKind = "chat"
	MessageSystem    MessageKind = "system"
	MessageNick      MessageKind = "nick"
	MessageJoin      MessageKind = "join"
	MessagePing      MessageKind = "ping"
	MessagePong      MessageKind = "pong"
	MessageFileStart MessageKind = "file_start"
	MessageFileChunk MessageKind = "file_chunk"
	MessageFileEnd   MessageKind = "file_end"
)

type TransferResult string

const (
	TransferResultOK         TransferResult = "ok"
	TransferResultOversize   TransferResult = "oversize"
	TransferResultOutOfOrder TransferResult = "out_of_order"
	TransferResultAborted    TransferResult = "aborted"
)

// ChatObserver receives server-level metric events.
type ChatObserver interface {
	SessionCount(n int64)
	RoomCount(n int)
	Handshake(result HandshakeResult, reason HandshakeReason)
	HandshakeLatency(d time.Duration)
	Close(reason CloseReason)
	Message(kind MessageKind)
	Broadcast(fanout int)
	RateLimited()
	QueueDropped()
	Transfer(result TransferResult)
	RelayedBytes(n int)
}

type noopChatObserver struct{}

func (noopChatObserver) SessionCount(int64)                         {}
func (noopChatObserver) RoomCount(int)                              {}
func (noopChatObserver) Handshake(HandshakeResult, HandshakeReason) {}
func (noopChatObserver) HandshakeLatency(time.Duration)             {}
func (noopChatObserver) Close(CloseReason)                          {}
func (noopChatObserver) Message(MessageKind)                        {}
func (noopChatObserver) Broadcast(int)                              {}
func (noopChatObserver) RateLimited()                               {}
func (noopChatObserver) QueueDropped()                              {}
func (noopChatObserver) Transfer(TransferResult)                    {}
func (noopChatObserver) RelayedBytes(int)                           {}

// NoopChatObserver is a zero-cost observer used when metrics are disabled.
var NoopChatObserver ChatObserver = noopChatObserver{}

// AtomicChatObserver swaps its delegate at runtime.
type AtomicChatObserver struct {
	once sync.Once
	v    atomic.Value
}

type chatObserverHolder struct {
	obs ChatObserver
}

// NewAtomicChatObserver returns an initialized atomic observer.
func NewAtomicChatObserver() *AtomicChatObserver {
	a := &AtomicChatObserver{}
	a.once.Do(func() { a.v.Store(&chatObserverHolder{obs: NoopChatObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicChatObserver) Set(obs ChatObserver) {
	if obs == nil {
		obs = NoopChatObserver
	}
	a.once.Do(func() { a.v.Store(&chatObserverHolder{obs: NoopChatObserver}) })
	a.v.Store(&chatObserverHolder{obs: obs})
}

func (a *AtomicChatObserver) load() ChatObserver {
	a.once.Do(func() { a.v.Store(&chatObserverHolder{obs: NoopChatObserver}) })
	return a.v.Load().(*chatObserverHolder).obs
}

func (a *AtomicChatObserver) SessionCount(n int64) { a.load().SessionCount(n) }
func (a *AtomicChatObserver) RoomCount(n int)      { a.load().RoomCount(n) }
func (a *AtomicChatObserver) Handshake(result HandshakeResult, reason HandshakeReason) {
	a.load().Handshake(result, reason)
}
func (a *AtomicChatObserver) HandshakeLatency(d time.Duration) { a.load().HandshakeLatency(d) }
func (a *AtomicChatObserver) Close(reason CloseReason)         { a.load().Close(reason) }
func (a *AtomicChatObserver) Message(kind MessageKind)         { a.load().Message(kind) }
func (a *AtomicChatObserver) Broadcast(fanout int)             { a.load().Broadcast(fanout) }
func (a *AtomicChatObserver) RateLimited()                     { a.load().RateLimited() }
func (a *AtomicChatObserver) QueueDropped()                    { a.load().QueueDropped() }
func (a *AtomicChatObserver) Transfer(result TransferResult)   { a.load().Transfer(result) }
func (a *AtomicChatObserver) RelayedBytes(n int)               { a.load().RelayedBytes(n) }
