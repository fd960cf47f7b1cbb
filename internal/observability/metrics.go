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
		Name: "voice_session_active_sessions",
		Help: "Number of active conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of conversation sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
	})

	sessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_reaped_total",
		Help: "Sessions closed by the inactivity sweep",
	})

	// Upstream metrics
	upstreamRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_upstream_restarts_total",
		Help: "Upstream stream restarts by outcome",
	}, []string{"outcome"}) // outcome: "attempt", "succeeded", "failed", "exhausted"

	upstreamReadyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_upstream_ready_seconds",
		Help:    "Time from opening an upstream stream to readiness",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 15.0},
	})

	forcedReadiness = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_forced_readiness_total",
		Help: "Readiness forced by a watchdog instead of acknowledged",
	}, []string{"side"}) // side: "client" or "server"

	// Turn-taking metrics
	bargeIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_barge_ins_total",
		Help: "Assistant turns cancelled by the user",
	}, []string{"source"}) // source: "client" or "upstream"

	cancelsDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_cancels_debounced_total",
		Help: "Cancellation requests suppressed by the debounce window",
	})

	turnsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_turns_total",
		Help: "Conversation turns sealed into history",
	}, []string{"role", "interrupted"})

	// Audio metrics
	audioBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_audio_batches_total",
		Help: "Outbound audio batches sent to clients",
	})

	audioBatchFragments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_audio_batch_fragments",
		Help:    "Upstream audio fragments coalesced per batch",
		Buckets: []float64{1, 2, 4, 8, 12, 15},
	})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	playbackUnderflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_playback_underflow_samples_total",
		Help: "Silence samples padded into playback because the buffer ran dry",
	})

	// Token usage
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_tokens_total",
		Help: "Model tokens by direction and modality",
	}, []string{"direction", "modality"})

	// Persistence
	sinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_sink_dropped_total",
		Help: "Persistence records dropped because the queue was full or the write failed",
	}, []string{"kind"})

	// Client connection
	clientDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_client_dropped_total",
		Help: "Outbound messages dropped because the client fell behind",
	}, []string{"type"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID     string
	startTime     time.Time
	upstreamStart time.Time
	ended         bool
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Later calls are ignored.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordUpstreamOpen marks the start of an upstream stream for readiness latency
func (m *Metrics) RecordUpstreamOpen() {
	m.mu.Lock()
	m.upstreamStart = time.Now()
	m.mu.Unlock()
}

// RecordUpstreamReady records readiness of the current upstream stream
func (m *Metrics) RecordUpstreamReady(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if forced {
		forcedReadiness.WithLabelValues("server").Inc()
	}
	if !m.upstreamStart.IsZero() {
		upstreamReadyLatency.Observe(time.Since(m.upstreamStart).Seconds())
		m.upstreamStart = time.Time{}
	}
}

// RecordRestart records an upstream restart outcome
func (m *Metrics) RecordRestart(outcome string) {
	upstreamRestarts.WithLabelValues(outcome).Inc()
}

// RecordBargeIn records a cancelled assistant turn
func (m *Metrics) RecordBargeIn(source string) {
	bargeIns.WithLabelValues(source).Inc()
}

// RecordCancelDebounced records a suppressed duplicate cancellation
func (m *Metrics) RecordCancelDebounced() {
	cancelsDebounced.Inc()
}

// RecordTurn records a sealed turn
func (m *Metrics) RecordTurn(role string, interrupted bool) {
	flag := "false"
	if interrupted {
		flag = "true"
	}
	turnsSealed.WithLabelValues(role, flag).Inc()
}

// RecordAudioBatch records one coalesced outbound audio message
func (m *Metrics) RecordAudioBatch(fragments int, bytes int) {
	audioBatches.Inc()
	audioBatchFragments.Observe(float64(fragments))
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTokens adds a token usage delta
func (m *Metrics) RecordTokens(direction, modality string, n int64) {
	if n <= 0 {
		return
	}
	tokensTotal.WithLabelValues(direction, modality).Add(float64(n))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordForcedReadiness records readiness forced by a watchdog on one side
func RecordForcedReadiness(side string) {
	forcedReadiness.WithLabelValues(side).Inc()
}

// RecordPlaybackUnderflow adds padded silence samples
func RecordPlaybackUnderflow(samples int64) {
	if samples > 0 {
		playbackUnderflow.Add(float64(samples))
	}
}

// RecordSessionReaped records a session closed for inactivity
func RecordSessionReaped() {
	sessionsReaped.Inc()
}

// RecordSinkDropped records a persistence record that was not stored
func RecordSinkDropped(kind string) {
	sinkDropped.WithLabelValues(kind).Inc()
}

// RecordClientDropped records an outbound message the client never received
func RecordClientDropped(msgType string) {
	clientDropped.WithLabelValues(msgType).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
