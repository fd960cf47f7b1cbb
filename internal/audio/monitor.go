package audio

import (
	"sync"
	"time"
)

// MonitorConfig holds the tuning of the barge-in voice monitor. Energies are
// RMS values of float samples in [-1, 1].
type MonitorConfig struct {
	StaticThreshold    float64
	NoiseMultiplier    float64
	InitialNoise       float64
	NoiseAdaptRate     float64       // weight of the newest quiet window in the noise estimate
	EchoCeiling        float64       // windows louder than this are treated as speaker leakage
	ConsecutiveWindows int           // qualifying windows in a row needed to confirm voice
	Hangover           time.Duration // no detection fires this long after the previous one
	InitialGrace       time.Duration // ignore this long after assistant audio starts
	Window             time.Duration
}

// DefaultMonitorConfig returns the monitor tuning used by the client.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaticThreshold:    0.25,
		NoiseMultiplier:    4.0,
		InitialNoise:       0.01,
		NoiseAdaptRate:     0.05,
		EchoCeiling:        0.5,
		ConsecutiveWindows: 3,
		Hangover:           250 * time.Millisecond,
		InitialGrace:       200 * time.Millisecond,
		Window:             10 * time.Millisecond,
	}
}

// VoiceMonitor watches the local microphone for the user talking over
// assistant playback. It runs on the raw capture path so it keeps working
// while outbound audio is gated.
type VoiceMonitor struct {
	mu  sync.Mutex
	cfg MonitorConfig

	noise         float64
	run           int
	lastDetection time.Time

	assistantActive  bool
	assistantStarted time.Time
	muted            bool
	inConversation   bool

	onDetect func(at time.Time)
}

// NewVoiceMonitor creates a monitor that calls onDetect once per confirmed
// detection.
func NewVoiceMonitor(cfg MonitorConfig, onDetect func(at time.Time)) *VoiceMonitor {
	def := DefaultMonitorConfig()
	if cfg.ConsecutiveWindows <= 0 {
		cfg.ConsecutiveWindows = def.ConsecutiveWindows
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.NoiseAdaptRate <= 0 || cfg.NoiseAdaptRate >= 1 {
		cfg.NoiseAdaptRate = def.NoiseAdaptRate
	}
	return &VoiceMonitor{
		cfg:      cfg,
		noise:    cfg.InitialNoise,
		onDetect: onDetect,
	}
}

// SetAssistantAudio marks whether assistant audio is playing and when it
// started.
func (m *VoiceMonitor) SetAssistantAudio(active bool, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active && !m.assistantActive {
		m.assistantStarted = startedAt
		m.run = 0
	}
	m.assistantActive = active
	if !active {
		m.run = 0
	}
}

// SetMuted pauses monitoring while the user has muted input.
func (m *VoiceMonitor) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.run = 0
	m.mu.Unlock()
}

// SetInConversation enables monitoring for a live conversation.
func (m *VoiceMonitor) SetInConversation(active bool) {
	m.mu.Lock()
	m.inConversation = active
	m.run = 0
	m.mu.Unlock()
}

// NoiseFloor returns the current background noise estimate.
func (m *VoiceMonitor) NoiseFloor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noise
}

// Threshold returns the current detection threshold.
func (m *VoiceMonitor) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold()
}

func (m *VoiceMonitor) threshold() float64 {
	return max(m.cfg.StaticThreshold, m.noise*m.cfg.NoiseMultiplier)
}

// Feed splits a capture frame into analysis windows starting at at and
// analyzes each. Returns true if any window confirmed voice.
func (m *VoiceMonitor) Feed(frame []float32, sampleRate int, at time.Time) bool {
	size := SamplesFor(sampleRate, m.cfg.Window)
	if size <= 0 {
		return false
	}
	detected := false
	for i := 0; i*size < len(frame); i++ {
		end := min((i+1)*size, len(frame))
		ts := at.Add(time.Duration(i) * m.cfg.Window)
		if m.Analyze(frame[i*size:end], ts) {
			detected = true
		}
	}
	return detected
}

// Analyze processes one analysis window observed at now.
func (m *VoiceMonitor) Analyze(window []float32, now time.Time) bool {
	rms := RMS(window)

	m.mu.Lock()
	if rms < 0.5*m.cfg.StaticThreshold {
		m.noise = (1-m.cfg.NoiseAdaptRate)*m.noise + m.cfg.NoiseAdaptRate*rms
	}

	if m.muted || !m.inConversation || !m.assistantActive {
		m.run = 0
		m.mu.Unlock()
		return false
	}
	if now.Sub(m.assistantStarted) < m.cfg.InitialGrace {
		m.run = 0
		m.mu.Unlock()
		return false
	}
	if !m.lastDetection.IsZero() && now.Sub(m.lastDetection) < m.cfg.Hangover {
		m.mu.Unlock()
		return false
	}

	if rms > m.cfg.EchoCeiling || rms < m.threshold() {
		m.run = 0
		m.mu.Unlock()
		return false
	}

	m.run++
	if m.run < m.cfg.ConsecutiveWindows {
		m.mu.Unlock()
		return false
	}
	m.run = 0
	m.lastDetection = now
	fn := m.onDetect
	m.mu.Unlock()

	if fn != nil {
		fn(now)
	}
	return true
}

// Reset clears the detection run and hangover but keeps the noise estimate.
func (m *VoiceMonitor) Reset() {
	m.mu.Lock()
	m.run = 0
	m.lastDetection = time.Time{}
	m.mu.Unlock()
}
