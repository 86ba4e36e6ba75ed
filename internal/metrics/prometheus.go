package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus instruments for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions       prometheus.Gauge
	SessionsStarted      prometheus.Counter
	SessionFailures      prometheus.Counter
	SessionDuration      prometheus.Histogram
	ConversationFailures prometheus.Counter

	// Audio metrics
	InboundFrames  prometheus.Counter
	OutboundFrames prometheus.Counter
	EvictedFrames  prometheus.Counter
	StaleFrames    prometheus.Counter
	Interrupts     prometheus.Counter
	DecodeErrors   prometheus.Counter

	// HTTP metrics
	WebhookRequests *prometheus.CounterVec
}

// NewMetrics creates all instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of live call legs being relayed",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of media stream connections accepted",
		}),
		SessionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_session_failures_total",
			Help: "Total number of sessions that ended with an error",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Wall time from accept to close for each session",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ConversationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_conversation_failures_total",
			Help: "Total number of conversation sessions that could not be established",
		}),
		InboundFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_inbound_frames_total",
			Help: "Total caller audio frames delivered to the agent",
		}),
		OutboundFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbound_frames_total",
			Help: "Total agent audio frames written to the telephony leg",
		}),
		EvictedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_evicted_frames_total",
			Help: "Total agent frames dropped because the outbound queue was full",
		}),
		StaleFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_stale_frames_total",
			Help: "Total agent frames discarded by an interrupt, queued or in hand",
		}),
		Interrupts: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_interrupts_total",
			Help: "Total barge-in interrupts handled",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Total inbound telephony messages that could not be decoded",
		}),
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhook_requests_total",
			Help: "Total Twilio webhook requests by route and outcome",
		}, []string{"route", "outcome"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(seconds)
	if failed {
		m.SessionFailures.Inc()
	}
}

func (m *Metrics) ConversationFailed() {
	if m == nil {
		return
	}
	m.ConversationFailures.Inc()
}

func (m *Metrics) FrameIn() {
	if m == nil {
		return
	}
	m.InboundFrames.Inc()
}

func (m *Metrics) FrameOut() {
	if m == nil {
		return
	}
	m.OutboundFrames.Inc()
}

func (m *Metrics) FramesEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedFrames.Add(float64(n))
}

func (m *Metrics) FramesStale(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleFrames.Add(float64(n))
}

func (m *Metrics) Interrupted() {
	if m == nil {
		return
	}
	m.Interrupts.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) Webhook(route, outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(route, outcome).Inc()
}
