package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/gateway"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/sessions"
	"github.com/lexiqai/voice-session/internal/store"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/upstream"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("upstream_provider", cfg.UpstreamProvider).
		Str("log_level", cfg.LogLevel).
		Bool("transcription_enabled", cfg.TranscriptionEnabled()).
		Bool("persistence_enabled", cfg.PersistenceEnabled()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice session service starting")

	// Sessions outlive individual requests; this context ends them on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer, err := newDialer(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create upstream dialer")
	}
	defer dialer.Close()

	checks := map[string]observability.HealthCheckFunc{
		"upstream": dialer.Check,
	}

	var recorder orchestrator.Recorder
	var sink *store.AsyncSink
	if cfg.PersistenceEnabled() {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		checks["database"] = pg.Check
		sink = store.NewAsyncSink(pg, cfg.SinkQueueSize, logger)
		recorder = sink
	}

	var transcribers gateway.TranscriberFactory
	if cfg.TranscriptionEnabled() {
		transcribers = func() stt.Transcriber {
			return stt.NewDeepgramClient(cfg, logger)
		}
	}

	manager := sessions.NewManager(cfg.SessionIdleTimeout, cfg.SessionSweepInterval, logger)
	go manager.Run(ctx)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewHandler(ctx, cfg, dialer, manager, recorder, transcribers, logger))
	mux.HandleFunc("/health", observability.HealthCheckHandler(manager.Count))
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Websocket sessions are long lived, so no read or write timeout here.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	endpoint := cfg.PublicURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+"/ws").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", manager.Count()).Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := manager.CloseAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Some sessions did not stop in time")
	}
	cancel()

	if sink != nil {
		closeSink(shutdownCtx, sink, logger)
	}

	logger.Info().Msg("Server exited gracefully")
}

func newDialer(ctx context.Context, cfg *config.Config) (upstream.Dialer, error) {
	switch cfg.UpstreamProvider {
	case config.ProviderGemini:
		return upstream.NewGeminiDialer(ctx, cfg)
	default:
		return upstream.NewGRPCDialer(cfg)
	}
}

func closeSink(ctx context.Context, sink *store.AsyncSink, logger zerolog.Logger) {
	if err := sink.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Persistence sink did not drain before shutdown")
	}
}
