package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("UPSTREAM_PROVIDER", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8081" {
		t.Errorf("Expected default Port '8081', got '%s'", cfg.Port)
	}
	if cfg.UpstreamProvider != ProviderGRPC {
		t.Errorf("Expected default provider grpc, got '%s'", cfg.UpstreamProvider)
	}
	if cfg.MaxRestartAttempts != 3 {
		t.Errorf("Expected MaxRestartAttempts 3, got %d", cfg.MaxRestartAttempts)
	}
	if cfg.RestartDelay != 2*time.Second {
		t.Errorf("Expected RestartDelay 2s, got %v", cfg.RestartDelay)
	}
	if cfg.AudioBatchWindow != 50*time.Millisecond || cfg.AudioBatchMaxFragments != 15 {
		t.Errorf("Unexpected batching defaults: %v / %d", cfg.AudioBatchWindow, cfg.AudioBatchMaxFragments)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute || cfg.SessionSweepInterval != 5*time.Minute {
		t.Errorf("Unexpected session defaults: %v / %v", cfg.SessionIdleTimeout, cfg.SessionSweepInterval)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.TranscriptionEnabled() || cfg.PersistenceEnabled() {
		t.Error("Expected optional integrations to be disabled by default")
	}
}

func TestLoadFromEnv_GeminiRequiresKey(t *testing.T) {
	t.Setenv("UPSTREAM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when GEMINI_API_KEY is missing")
	}

	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.UpstreamProvider != ProviderGemini {
		t.Errorf("Expected gemini provider, got %s", cfg.UpstreamProvider)
	}
}

func TestLoadFromEnv_UnknownProvider(t *testing.T) {
	t.Setenv("UPSTREAM_PROVIDER", "carrier-pigeon")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("UPSTREAM_PROVIDER", "GRPC")
	t.Setenv("PORT", "9000")
	t.Setenv("RESTART_DELAY", "500ms")
	t.Setenv("DATABASE_URL", "postgres://localhost/voice")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.Port != "9000" || cfg.RestartDelay != 500*time.Millisecond {
		t.Errorf("Overrides not applied: port=%s delay=%v", cfg.Port, cfg.RestartDelay)
	}
	if cfg.UpstreamProvider != ProviderGRPC {
		t.Errorf("Expected provider to be normalised, got %s", cfg.UpstreamProvider)
	}
	if !cfg.PersistenceEnabled() || !cfg.TranscriptionEnabled() {
		t.Error("Expected optional integrations to be enabled")
	}
}

func TestValidate_Readiness(t *testing.T) {
	t.Setenv("UPSTREAM_PROVIDER", "")
	t.Setenv("READINESS_TIMEOUT", "20s")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when readiness timeout exceeds its cap")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("SERVER_URL", "wss://voice.example.com/ws")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient() failed: %v", err)
	}
	if cfg.StartTimeout != 10*time.Second || cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.ReconnectMaxAttempts != 5 || cfg.ReconnectMaxBackoff != 30*time.Second {
		t.Errorf("Unexpected reconnect defaults: %+v", cfg)
	}

	t.Setenv("SERVER_URL", "http://voice.example.com/ws")
	if _, err := LoadClient(); err == nil {
		t.Error("Expected error for non-websocket URL")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("VOICE_SESSION_TEST", "value")
	if GetEnv("VOICE_SESSION_TEST", "default") != "value" {
		t.Error("Expected environment value")
	}
	if GetEnv("VOICE_SESSION_MISSING", "default") != "default" {
		t.Error("Expected default value")
	}
}
