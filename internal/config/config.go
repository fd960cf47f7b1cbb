package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Upstream providers
const (
	ProviderGRPC   = "grpc"
	ProviderGemini = "gemini"
)

// Config holds all configuration for the session orchestrator service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8081"`

	// Public base URL for this service, used only for logging the client endpoint.
	// Optional; if unset, logs ws://localhost:PORT/ws.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Speech session upstream
	UpstreamProvider   string `envconfig:"UPSTREAM_PROVIDER" default:"grpc"` // grpc or gemini
	UpstreamGRPCURL    string `envconfig:"UPSTREAM_GRPC_URL" default:"localhost:50051"`
	UpstreamTLSEnabled bool   `envconfig:"UPSTREAM_TLS_ENABLED" default:"false"`
	UpstreamTimeout    int    `envconfig:"UPSTREAM_TIMEOUT" default:"30"` // seconds, stream open timeout

	// Gemini Live upstream
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash-live-001"`
	GeminiVoice  string `envconfig:"GEMINI_VOICE" default:"Puck"` // prebuilt voice name

	// Deepgram user transcription sidecar (optional)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Persistence (optional)
	DatabaseURL     string `envconfig:"DATABASE_URL" default:""`
	SinkQueueSize   int    `envconfig:"SINK_QUEUE_SIZE" default:"256"`
	DatabaseMaxConn int32  `envconfig:"DATABASE_MAX_CONNS" default:"4"`

	// Conversation
	SystemPrompt       string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful assistant."`
	VoiceID            string `envconfig:"VOICE_ID" default:"tiffany"`
	InputSampleRate    int    `envconfig:"INPUT_SAMPLE_RATE" default:"16000"`
	OutputSampleRate   int    `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"`
	HistoryReplayTurns int    `envconfig:"HISTORY_REPLAY_TURNS" default:"10"`

	// Stream restart and readiness
	MaxRestartAttempts  int           `envconfig:"MAX_RESTART_ATTEMPTS" default:"3"`
	RestartDelay        time.Duration `envconfig:"RESTART_DELAY" default:"2s"`
	RestartResetAfter   time.Duration `envconfig:"RESTART_RESET_AFTER" default:"30s"` // stream lifetime that resets the restart counter
	ReadinessTimeout    time.Duration `envconfig:"READINESS_TIMEOUT" default:"5s"`
	ReadinessMaxTimeout time.Duration `envconfig:"READINESS_MAX_TIMEOUT" default:"15s"`

	// Turn-taking
	AudioBatchWindow       time.Duration `envconfig:"AUDIO_BATCH_WINDOW" default:"50ms"`
	AudioBatchMaxFragments int           `envconfig:"AUDIO_BATCH_MAX_FRAGMENTS" default:"15"`
	CancelDebounce         time.Duration `envconfig:"CANCEL_DEBOUNCE" default:"200ms"`

	// Session registry
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5m"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	c.UpstreamProvider = strings.ToLower(strings.TrimSpace(c.UpstreamProvider))
	if c.UpstreamProvider == "" {
		c.UpstreamProvider = ProviderGRPC
	}
	switch c.UpstreamProvider {
	case ProviderGRPC:
		if c.UpstreamGRPCURL == "" {
			return fmt.Errorf("UPSTREAM_GRPC_URL is required for the grpc provider")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown UPSTREAM_PROVIDER %q", c.UpstreamProvider)
	}

	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("MAX_RESTART_ATTEMPTS must not be negative")
	}
	if c.ReadinessTimeout <= 0 || c.ReadinessMaxTimeout < c.ReadinessTimeout {
		return fmt.Errorf("READINESS_MAX_TIMEOUT must be at least READINESS_TIMEOUT")
	}
	if c.AudioBatchMaxFragments <= 0 {
		return fmt.Errorf("AUDIO_BATCH_MAX_FRAGMENTS must be positive")
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}

// TranscriptionEnabled reports whether the Deepgram sidecar is configured
func (c *Config) TranscriptionEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// PersistenceEnabled reports whether a database sink is configured
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
