package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration before the second attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (zero-based).
func (c *ReconnectConfig) Delay(n int) time.Duration {
	return CalculateBackoff(n, c.Backoff, c.MaxBackoff, c.Multiplier)
}

// ReconnectFunc attempts one reconnection
type ReconnectFunc func(ctx context.Context, attempt int) error

// ErrReconnectExhausted is returned when every attempt failed.
var ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")

// Reconnect calls fn until it succeeds, waiting with exponential backoff
// between attempts. The logger is taken from ctx when present.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			logger.Info().Int("attempt", attempt+1).Msg("Reconnection successful")
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		wait := config.Delay(attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("retry_in", wait).
			Msg("Reconnection attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, config.MaxAttempts, lastErr)
}
