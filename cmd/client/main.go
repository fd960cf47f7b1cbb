package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/client"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithCorrelationID("")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Client exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	input, err := client.OpenInput(cfg.AudioInput)
	if err != nil {
		return err
	}
	defer input.Close()

	var output io.Writer = io.Discard
	if cfg.AudioOutput != "" {
		f, err := os.Create(cfg.AudioOutput)
		if err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		defer f.Close()
		output = f
	}

	playback := audio.NewPlaybackBuffer(audio.DefaultPlaybackConfig(cfg.PlaybackSampleRate))
	failed := make(chan error, 1)
	session := client.NewSession(
		client.SettingsFromConfig(cfg),
		&client.WebSocketTransport{URL: cfg.ServerURL, Logger: logger},
		playback,
		client.Events{
			OnFinal: func(t client.Transcript) {
				logger.Info().
					Str("role", string(t.Role)).
					Bool("interrupted", t.Interrupted).
					Str("text", t.Text).
					Msg("Transcript")
			},
			OnState: func(c client.StateChange) {
				if c.Err != nil {
					select {
					case failed <- c.Err:
					default:
					}
				}
			},
			OnUsage: func(u client.Usage) {
				logger.Debug().
					Int64("input_tokens", u.Total.TotalInputTokens).
					Int64("output_tokens", u.Total.TotalOutputTokens).
					Msg("Token usage")
			},
			OnBargeIn: func(source string) {
				logger.Info().Str("source", source).Msg("Assistant interrupted")
			},
		},
		logger,
	)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go session.Run(runCtx)

	logger.Info().Str("server_url", cfg.ServerURL).Msg("Starting conversation")
	if err := session.Start(ctx, cfg.SystemPrompt, nil); err != nil {
		return err
	}

	go func() {
		if err := client.StreamPlayback(ctx, playback, output, cfg.PlaybackSampleRate, cfg.FrameDuration); err != nil {
			logger.Error().Err(err).Msg("Playback output failed")
		}
	}()

	captured := make(chan error, 1)
	go func() {
		captured <- client.StreamCapture(ctx, input, session, cfg.CaptureSampleRate, cfg.FrameDuration)
	}()

	var result error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupted, stopping conversation")
	case err := <-captured:
		if err != nil {
			result = err
		} else {
			logger.Info().Msg("Capture input finished")
		}
	case err := <-failed:
		result = err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	session.Stop(stopCtx)
	return result
}
