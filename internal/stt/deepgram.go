package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const serviceName = "deepgram"

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message overrides the default handler to deliver transcriptions
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to trigger a supervised restart
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close is called when the websocket closes
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// wsConn is the part of the Deepgram websocket client we use
type wsConn interface {
	Write(p []byte) (int, error)
	Finish()
}

// DeepgramClient transcribes user audio with Deepgram's streaming API. A
// dropped stream is restarted through resilience.Reconnect behind a circuit
// breaker; once the attempts run out the client stays inactive.
type DeepgramClient struct {
	config         *config.Config
	circuitBreaker *resilience.CircuitBreaker
	reconnect      *resilience.ReconnectConfig
	logger         zerolog.Logger
	results        chan TranscriptionResult

	// dial opens one websocket; replaced in tests
	dial func(ctx context.Context, cb *messageCallbackHandler) (wsConn, error)

	mu          sync.RWMutex
	conn        wsConn
	isActive    bool
	ctx         context.Context
	cancel      context.CancelFunc
	supervising atomic.Bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	cb := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	d := &DeepgramClient{
		config:         cfg,
		circuitBreaker: cb,
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
		logger:  observability.WithComponent(logger, "stt"),
		results: make(chan TranscriptionResult, 100),
	}
	d.dial = d.dialDeepgram
	return d
}

// Start opens the first transcription stream. The context bounds the
// client's lifetime, including restarts.
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx != nil {
		d.mu.Unlock()
		return fmt.Errorf("deepgram client already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	return d.connect()
}

func (d *DeepgramClient) connect() error {
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			d.logger.Warn().
				Str("err_code", errorResponse.ErrCode).
				Str("err_msg", errorResponse.ErrMsg).
				Msg("Deepgram stream error")
			d.streamLost()
		},
		closeHandler: d.streamLost,
	}

	return d.circuitBreaker.Call(func() error {
		conn, err := d.dial(d.ctx, callback)
		if err != nil {
			observability.IncrementCircuitBreakerFailures(serviceName)
			return fmt.Errorf("failed to connect to Deepgram: %w", err)
		}

		d.mu.Lock()
		if err := d.ctx.Err(); err != nil {
			d.mu.Unlock()
			conn.Finish()
			return err
		}
		d.conn = conn
		d.isActive = true
		d.mu.Unlock()

		d.logger.Info().
			Str("model", d.config.DeepgramModel).
			Str("language", d.config.DeepgramLanguage).
			Msg("Deepgram streaming client started")
		return nil
	})
}

func (d *DeepgramClient) dialDeepgram(ctx context.Context, callback *messageCallbackHandler) (wsConn, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000", // string in v3
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.config.InputSampleRate,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, &interfaces.ClientOptions{}, tOptions, callback)
	if err != nil {
		return nil, err
	}
	if !client.Connect() {
		return nil, fmt.Errorf("deepgram websocket connect failed")
	}
	return client, nil
}

// streamLost marks the stream inactive and starts one supervisor.
func (d *DeepgramClient) streamLost() {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.isActive = false
	d.conn = nil
	d.mu.Unlock()

	d.circuitBreaker.RecordResult(false)
	if !d.supervising.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.supervise()
}

func (d *DeepgramClient) supervise() {
	defer d.wg.Done()
	defer d.supervising.Store(false)

	ctx := d.logger.WithContext(d.ctx)
	err := resilience.Reconnect(ctx, func(ctx context.Context, attempt int) error {
		return d.connect()
	}, d.reconnect)
	if err != nil && d.ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("Deepgram transcription disabled for this session")
	}
}

// handleMessage processes messages from Deepgram
func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	// Get the best alternative (first one)
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	result := TranscriptionResult{
		Text:        alt.Transcript,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Confidence:  alt.Confidence,
		StartTime:   startTime,
		Duration:    duration,
	}

	// Non-blocking; the session loop drains this channel
	select {
	case d.results <- result:
	default:
		d.logger.Warn().Msg("Transcript channel full, dropping transcription")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.RLock()
	active := d.isActive
	conn := d.conn
	d.mu.RUnlock()

	if !active || conn == nil {
		return fmt.Errorf("deepgram client is not active")
	}
	if _, err := conn.Write(audioData); err != nil {
		d.streamLost()
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Results returns the transcription channel
func (d *DeepgramClient) Results() <-chan TranscriptionResult {
	return d.results
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}

// Close stops the stream and waits for any restart in progress
func (d *DeepgramClient) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		conn := d.conn
		d.conn = nil
		d.isActive = false
		d.mu.Unlock()

		if conn != nil {
			conn.Finish()
		}
		d.wg.Wait()
		d.logger.Debug().Msg("Deepgram streaming client stopped")
	})
	return nil
}
