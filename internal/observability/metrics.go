package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listen_gateway_active_sessions",
		Help: "Number of connected listen sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listen_gateway_sessions_total",
		Help: "Total number of listen sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "listen_gateway_session_duration_seconds",
		Help:    "Duration of listen sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 420, 600},
	})

	sessionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_session_closes_total",
		Help: "Session closes by close code",
	}, []string{"code"})

	// STT metrics
	sttConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_stt_connect_attempts_total",
		Help: "STT provider connect attempts",
	}, []string{"provider", "model", "outcome"}) // outcome: ok, error, rate_limited

	sttConnectLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listen_gateway_stt_connect_latency_seconds",
		Help:    "Time to open an STT provider session",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
	}, []string{"provider"})

	premiumSlotHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listen_gateway_premium_slot_held",
		Help: "1 while the premium multi-language model slot is held",
	})

	// Transcript metrics
	segmentsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listen_gateway_segments_merged_total",
		Help: "Fragments merged into drafts",
	})

	segmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_segments_dropped_total",
		Help: "Fragments dropped by the merge engine",
	}, []string{"reason"}) // reason: out_of_order, duplicate, priming

	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_finalizations_total",
		Help: "Conversation finalizations by outcome",
	}, []string{"outcome"}) // outcome: completed, failed, discarded

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "listen_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listen_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in", "stt", "relay"
)

// SessionMetrics tracks metrics for a single listen session
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	connectStart time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records an accepted session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session and its close code
func (m *SessionMetrics) RecordSessionEnd(code string) {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	sessionCloses.WithLabelValues(code).Inc()
}

// RecordConnectStart marks the beginning of provider setup
func (m *SessionMetrics) RecordConnectStart() {
	m.mu.Lock()
	m.connectStart = time.Now()
	m.mu.Unlock()
}

// RecordConnectEnd observes provider setup latency
func (m *SessionMetrics) RecordConnectEnd(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connectStart.IsZero() {
		sttConnectLatency.WithLabelValues(provider).Observe(time.Since(m.connectStart).Seconds())
	}
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	RecordAudioBytes(direction, bytes)
}

// RecordAudioBytes records audio bytes outside a session tracker.
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside a session.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordSTTConnectAttempt counts one provider connect attempt
func RecordSTTConnectAttempt(provider, model, outcome string) {
	sttConnectAttempts.WithLabelValues(provider, model, outcome).Inc()
}

// SetPremiumSlotHeld reflects the premium slot state
func SetPremiumSlotHeld(held bool) {
	if held {
		premiumSlotHeld.Set(1)
		return
	}
	premiumSlotHeld.Set(0)
}

// RecordSegmentsMerged counts fragments accepted by the merge engine
func RecordSegmentsMerged(n int) {
	segmentsMerged.Add(float64(n))
}

// RecordSegmentDropped counts a fragment the merge engine refused
func RecordSegmentDropped(reason string) {
	segmentsDropped.WithLabelValues(reason).Inc()
}

// RecordFinalization counts a draft reaching a terminal status
func RecordFinalization(outcome string) {
	finalizations.WithLabelValues(outcome).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
