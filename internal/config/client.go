package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ClientConfig holds configuration for the headless conversation client
type ClientConfig struct {
	ServerURL    string `envconfig:"SERVER_URL" default:"ws://localhost:8081/ws"`
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" default:""`

	// Audio
	CaptureSampleRate  int           `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	PlaybackSampleRate int           `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"`
	FrameDuration      time.Duration `envconfig:"FRAME_DURATION" default:"20ms"`
	AudioInput         string        `envconfig:"AUDIO_INPUT" default:""`  // raw PCM16LE file, "-" for stdin
	AudioOutput        string        `envconfig:"AUDIO_OUTPUT" default:""` // raw PCM16LE file, empty to discard
	BargeInCooldown    time.Duration `envconfig:"BARGE_IN_COOLDOWN" default:"250ms"`

	// Session protocol
	StartTimeout      time.Duration `envconfig:"START_TIMEOUT" default:"10s"`
	ReadinessTimeout  time.Duration `envconfig:"CLIENT_READINESS_TIMEOUT" default:"5s"`
	ReadinessMax      time.Duration `envconfig:"CLIENT_READINESS_MAX_TIMEOUT" default:"15s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	CancelDebounce    time.Duration `envconfig:"CLIENT_CANCEL_DEBOUNCE" default:"200ms"`
	StopGrace         time.Duration `envconfig:"STOP_GRACE" default:"100ms"`

	// Reconnection
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     time.Duration `envconfig:"CLIENT_RECONNECT_BACKOFF" default:"1s"`
	ReconnectMaxBackoff  time.Duration `envconfig:"CLIENT_RECONNECT_MAX_BACKOFF" default:"30s"`

	// Observability configuration
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// LoadClient reads client configuration from .env and the environment
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("SERVER_URL must use ws or wss, got %q", u.Scheme)
	}
	if cfg.CaptureSampleRate <= 0 || cfg.PlaybackSampleRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive")
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("FRAME_DURATION must be positive")
	}
	return &cfg, nil
}
