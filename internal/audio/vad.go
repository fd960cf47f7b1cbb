package audio

// VADConfig holds configuration for the capture-side speech detector
type VADConfig struct {
	EnergyThreshold float64 // RMS of float samples that counts as speech
	SilenceFrames   int     // Consecutive silent frames that end an utterance
	FrameSize       int     // Samples per frame (320 = 20ms at 16kHz)
}

// DefaultVADConfig returns a default configuration for 16kHz capture
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 0.02,
		SilenceFrames:   40,  // 800ms of silence at 20ms frames
		FrameSize:       320, // 20ms at 16kHz
	}
}

// SpeechDetector tracks whether the user is talking on the capture path.
// It drives audioStart and the end of post barge-in speech; it is not the
// barge-in trigger (see VoiceMonitor).
type SpeechDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewSpeechDetector creates a new speech detector
func NewSpeechDetector(config *VADConfig) *SpeechDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &SpeechDetector{config: config}
}

// ProcessFrame processes a capture frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (d *SpeechDetector) ProcessFrame(samples []float32) (bool, bool, bool) {
	frameHasSpeech := RMS(samples) > d.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		d.silenceCounter = 0
		if !d.isSpeaking {
			speechStarted = true
			d.isSpeaking = true
		}
	} else {
		d.silenceCounter++
		if d.isSpeaking && d.silenceCounter >= d.config.SilenceFrames {
			speechEnded = true
			d.isSpeaking = false
			d.silenceCounter = 0
		}
	}

	return d.isSpeaking, speechStarted, speechEnded
}

// Reset resets the detector state
func (d *SpeechDetector) Reset() {
	d.silenceCounter = 0
	d.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (d *SpeechDetector) IsSpeaking() bool {
	return d.isSpeaking
}
