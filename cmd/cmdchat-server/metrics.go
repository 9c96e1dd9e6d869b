package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/observability/prom"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController toggles the Prometheus exporter at runtime.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicChatObserver
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicChatObserver) *metricsController {
	return &metricsController{handler: handler, observer: observer}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	chatObs := prom.NewChatObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(chatObs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopChatObserver)
	c.enabled = false
}

// teeObserver fans every event out to two observers, so the periodic
// log snapshot and the Prometheus exporter see the same stream.
type teeObserver struct {
	a, b observability.ChatObserver
}

func (t teeObserver) SessionCount(n int64) { t.a.SessionCount(n); t.b.SessionCount(n) }
func (t teeObserver) RoomCount(n int)      { t.a.RoomCount(n); t.b.RoomCount(n) }
func (t teeObserver) Handshake(result observability.HandshakeResult, reason observability.HandshakeReason) {
	t.a.Handshake(result, reason)
	t.b.Handshake(result, reason)
}
func (t teeObserver) HandshakeLatency(d time.Duration) {
	t.a.HandshakeLatency(d)
	t.b.HandshakeLatency(d)
}
func (t teeObserver) Close(reason observability.CloseReason) { t.a.Close(reason); t.b.Close(reason) }
func (t teeObserver) Message(kind observability.MessageKind) { t.a.Message(kind); t.b.Message(kind) }
func (t teeObserver) Broadcast(fanout int)                   { t.a.Broadcast(fanout); t.b.Broadcast(fanout) }
func (t teeObserver) RateLimited()                           { t.a.RateLimited(); t.b.RateLimited() }
func (t teeObserver) QueueDropped()                          { t.a.QueueDropped(); t.b.QueueDropped() }
func (t teeObserver) Transfer(result observability.TransferResult) {
	t.a.Transfer(result)
	t.b.Transfer(result)
}
func (t teeObserver) RelayedBytes(n int) { t.a.RelayedBytes(n); t.b.RelayedBytes(n) }
