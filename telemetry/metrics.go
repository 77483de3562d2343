// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Chat
	ChatLines      *prometheus.CounterVec // direction=in|out
	ChatState      prometheus.Gauge       // 0 disconnected, 1 connecting, 2 authenticating, 3 joined
	ChatReconnect  prometheus.Counter
	ChatLogErrors  prometheus.Counter
	ChatLogDropped prometheus.Counter

	// Sender
	SenderDropped    prometheus.Counter
	SenderQueueDepth prometheus.Gauge

	// Events
	EventsAppended     *prometheus.CounterVec // kind
	EventStoreFailures prometheus.Counter
	SSESubscribers     prometheus.Gauge
	SSEDropped         prometheus.Counter

	// EventSub
	EventSubReconnects    prometheus.Counter
	EventSubNotifications *prometheus.CounterVec // subscription type

	// Pipeline loop
	LoopDropped  prometheus.Counter
	PendingGifts prometheus.Gauge
	ControlCalls *prometheus.CounterVec // command, result=ok|error

	// Commands
	CommandsDispatched *prometheus.CounterVec // result=ok|throttled|denied|error|spam
	HandlerDuration    prometheus.Observer

	// Helix
	HelixRequests    *prometheus.CounterVec // endpoint, code
	HelixDuration    prometheus.Observer
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatLines = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_chat_lines_total", Help: "Chat lines seen, by direction"}, []string{"direction"})
		ChatState = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_chat_state", Help: "Chat connection state (0 disconnected .. 3 joined)"})
		ChatReconnect = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_chat_reconnects_total", Help: "Chat reconnect attempts"})
		ChatLogErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_chat_log_errors_total", Help: "Chat log writes that failed"})
		ChatLogDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_chat_log_dropped_total", Help: "Chat log rows dropped because the writer queue was full"})
		SenderDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_sender_dropped_total", Help: "Outbound messages dropped because the queue was full"})
		SenderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_sender_queue_depth", Help: "Outbound messages waiting for quota"})
		EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_events_total", Help: "Logical events published, by kind"}, []string{"kind"})
		EventStoreFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_event_store_failures_total", Help: "Events published without a durable id"})
		SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_sse_subscribers", Help: "Connected event stream clients"})
		SSEDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_sse_dropped_total", Help: "Stream clients dropped for falling behind"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_eventsub_reconnects_total", Help: "EventSub socket reconnects"})
		EventSubNotifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_eventsub_notifications_total", Help: "EventSub notifications, by subscription type"}, []string{"type"})
		LoopDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_loop_dropped_total", Help: "Work items dropped because the pipeline loop was saturated"})
		PendingGifts = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_pending_gifts", Help: "Open mass gifts waiting for recipients"})
		ControlCalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_control_requests_total", Help: "Control socket requests by command and result"}, []string{"command", "result"})
		CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_commands_total", Help: "Command dispatch outcomes"}, []string{"result"})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatrelay_command_duration_seconds", Help: "Command handler duration seconds", Buckets: prometheus.DefBuckets})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_helix_requests_total", Help: "Helix requests by endpoint and status code"}, []string{"endpoint", "code"})
		HelixDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatrelay_helix_duration_seconds", Help: "Helix request duration seconds", Buckets: prometheus.DefBuckets})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_helix_circuit_open", Help: "Helix circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// Inc increments a counter when metrics are initialised.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments a labelled counter when metrics are initialised.
func IncVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// SetGauge sets g when metrics are initialised.
func SetGauge(g prometheus.Gauge, n float64) {
	if g != nil {
		g.Set(n)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
