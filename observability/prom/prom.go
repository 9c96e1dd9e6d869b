// Package prom exports chat server metrics through Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmdchat/cmdchat-go/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ChatObserver exports chat metrics to Prometheus.
type ChatObserver struct {
	sessionGauge     prometheus.Gauge
	roomGauge        prometheus.Gauge
	handshakeTotal   *prometheus.CounterVec
	handshakeLatency prometheus.Histogram
	closeTotal       *prometheus.CounterVec
	messageTotal     *prometheus.CounterVec
	broadcastFanout  prometheus.Histogram
	rateLimitedTotal prometheus.Counter
	droppedTotal     prometheus.Counter
	transferTotal    *prometheus.CounterVec
	relayedBytes     prometheus.Counter
}

// NewChatObserver registers chat metrics on the registry.
func NewChatObserver(reg *prometheus.Registry) *ChatObserver {
	o := &ChatObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdchat_sessions",
			Help: "Current live session count.",
		}),
		roomGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdchat_rooms",
			Help: "Current non-empty room count.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdchat_handshake_total",
			Help: "Handshake attempts by result and reason.",
		}, []string{"result", "reason"}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmdchat_handshake_latency_seconds",
			Help:    "Latency from accept to session-init delivery.",
			Buckets: prometheus.DefBuckets,
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdchat_session_close_total",
			Help: "Session close reasons.",
		}, []string{"reason"}),
		messageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdchat_messages_total",
			Help: "Decrypted envelopes handled by kind.",
		}, []string{"kind"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmdchat_broadcast_fanout",
			Help:    "Recipients per room broadcast.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdchat_rate_limited_total",
			Help: "Messages rejected by the per-session rate limiter.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdchat_queue_dropped_total",
			Help: "Envelopes dropped on full per-session send queues.",
		}),
		transferTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdchat_transfers_total",
			Help: "File transfer outcomes.",
		}, []string{"result"}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdchat_relayed_bytes_total",
			Help: "File payload bytes relayed between sessions.",
		}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.roomGauge,
		o.handshakeTotal,
		o.handshakeLatency,
		o.closeTotal,
		o.messageTotal,
		o.broadcastFanout,
		o.rateLimitedTotal,
		o.droppedTotal,
		o.transferTotal,
		o.relayedBytes,
	)
	return o
}

func (o *ChatObserver) SessionCount(n int64) {
	o.sessionGauge.Set(float64(n))
}

func (o *ChatObserver) RoomCount(n int) {
	o.roomGauge.Set(float64(n))
}

func (o *ChatObserver) Handshake(result observability.HandshakeResult, reason observability.HandshakeReason) {
	o.handshakeTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *ChatObserver) HandshakeLatency(d time.Duration) {
	o.handshakeLatency.Observe(d.Seconds())
}

func (o *ChatObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *ChatObserver) Message(kind observability.MessageKind) {
	o.messageTotal.WithLabelValues(string(kind)).Inc()
}

func (o *ChatObserver) Broadcast(fanout int) {
	o.broadcastFanout.Observe(float64(fanout))
}

func (o *ChatObserver) RateLimited() {
	o.rateLimitedTotal.Inc()
}

func (o *ChatObserver) QueueDropped() {
	o.droppedTotal.Inc()
}

func (o *ChatObserver) Transfer(result observability.TransferResult) {
	o.transferTotal.WithLabelValues(string(result)).Inc()
}

func (o *ChatObserver) RelayedBytes(n int) {
	o.relayedBytes.Add(float64(n))
}
