package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// GeminiDialer opens speech sessions against the Gemini Live API.
type GeminiDialer struct {
	client         *genai.Client
	model          string
	voice          string
	timeout        time.Duration
	circuitBreaker *resilience.CircuitBreaker
}

// NewGeminiDialer creates a Gemini API client
func NewGeminiDialer(ctx context.Context, cfg *config.Config) (*GeminiDialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	cb := resilience.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &GeminiDialer{
		client:         client,
		model:          cfg.GeminiModel,
		voice:          cfg.GeminiVoice,
		timeout:        time.Duration(cfg.UpstreamTimeout) * time.Second,
		circuitBreaker: cb,
	}, nil
}

// Open connects a live session. The system prompt already carries any
// replayed history.
func (d *GeminiDialer) Open(ctx context.Context, setup Setup) (Stream, error) {
	connectCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	liveCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: setup.SystemPrompt}},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if d.voice != "" {
		liveCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.voice},
			},
		}
	}

	var session *genai.Session
	err := d.circuitBreaker.Call(func() error {
		var err error
		session, err = d.client.Live.Connect(connectCtx, d.model, liveCfg)
		return err
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		if resilience.IsRetryableNetworkError(err) {
			return nil, Transient(err)
		}
		return nil, fmt.Errorf("failed to connect gemini live session: %w", err)
	}

	streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &geminiStream{
		ctx:       streamCtx,
		cancel:    streamCancel,
		session:   session,
		inputRate: setup.InputSampleRate,
		events:    make(chan Event, eventBuffer),
		logger:    observability.WithComponent(*zerolog.Ctx(ctx), "upstream_gemini"),
	}
	go s.recvLoop()
	return s, nil
}

// Check fetches the configured model's metadata.
func (d *GeminiDialer) Check(ctx context.Context) (bool, error) {
	if _, err := d.client.Models.Get(ctx, d.model, nil); err != nil {
		return false, fmt.Errorf("gemini model lookup failed: %w", err)
	}
	return true, nil
}

func (d *GeminiDialer) Close() error {
	return nil
}

type geminiStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	session   *genai.Session
	inputRate int
	events    chan Event
	logger    zerolog.Logger

	sendMu    sync.Mutex
	closed    bool
	closeOnce sync.Once

	// owned by recvLoop
	userOpen      bool
	assistantOpen bool
}

func (s *geminiStream) Events() <-chan Event {
	return s.events
}

// StartAudio is a no-op; the Live API detects activity itself.
func (s *geminiStream) StartAudio(ctx context.Context) error {
	return nil
}

func (s *geminiStream) SendAudio(ctx context.Context, pcm []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     pcm,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", s.inputRate),
		},
	})
	if err != nil {
		return Transient(err)
	}
	return nil
}

// EndTurn is a no-op. The Live API interrupts generation as soon as it
// hears the user, and reports it through ServerContent.Interrupted.
func (s *geminiStream) EndTurn(ctx context.Context, reason string) error {
	return nil
}

func (s *geminiStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		s.cancel()
		err = s.session.Close()
	})
	return err
}

func (s *geminiStream) recvLoop() {
	defer close(s.events)

	for {
		msg, err := s.session.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Live sessions end on GoAway and on their duration limit; a
			// fresh stream with replayed context continues the conversation.
			s.emit(Event{Kind: EventError, Err: Transient(err)})
			return
		}
		for _, ev := range s.translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *geminiStream) translate(msg *genai.LiveServerMessage) []Event {
	var out []Event

	if msg.SetupComplete != nil {
		out = append(out, Event{Kind: EventReady})
	}

	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			if !s.userOpen {
				s.userOpen = true
				out = append(out, Event{Kind: EventContentStart, Role: protocol.RoleUser, ContentType: ContentText})
			}
			out = append(out, Event{Kind: EventText, Role: protocol.RoleUser, Text: t.Text})
		}

		if sc.ModelTurn != nil {
			out = s.openAssistant(out)
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				out = append(out, Event{
					Kind:  EventAudio,
					Role:  protocol.RoleAssistant,
					Audio: base64.StdEncoding.EncodeToString(p.InlineData.Data),
				})
			}
		}

		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			out = s.openAssistant(out)
			out = append(out, Event{Kind: EventText, Role: protocol.RoleAssistant, Text: t.Text})
		}

		if sc.Interrupted {
			out = s.closeAssistant(out, protocol.StopInterrupted)
		} else if sc.TurnComplete {
			out = s.closeAssistant(out, protocol.StopEndTurn)
		}
	}

	if u := msg.UsageMetadata; u != nil {
		out = append(out, Event{Kind: EventUsage, Usage: usageFromGemini(u)})
	}

	if msg.GoAway != nil {
		s.logger.Warn().Msg("Gemini live session going away")
	}
	return out
}

// openAssistant seals the user's turn and opens the assistant's.
func (s *geminiStream) openAssistant(out []Event) []Event {
	if s.userOpen {
		s.userOpen = false
		out = append(out, Event{Kind: EventContentEnd, Role: protocol.RoleUser, ContentType: ContentText, StopReason: protocol.StopEndTurn})
	}
	if !s.assistantOpen {
		s.assistantOpen = true
		out = append(out, Event{Kind: EventContentStart, Role: protocol.RoleAssistant, ContentType: ContentAudio})
	}
	return out
}

func (s *geminiStream) closeAssistant(out []Event, reason string) []Event {
	if !s.assistantOpen {
		return out
	}
	s.assistantOpen = false
	return append(out, Event{Kind: EventContentEnd, Role: protocol.RoleAssistant, ContentType: ContentAudio, StopReason: reason})
}

func (s *geminiStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func usageFromGemini(u *genai.UsageMetadata) *protocol.TokenUsage {
	total := &protocol.UsageBreakdown{
		Input:  modalityTokens(u.PromptTokensDetails),
		Output: modalityTokens(u.ResponseTokensDetails),
	}
	return &protocol.TokenUsage{
		TotalInputTokens:  int64(u.PromptTokenCount),
		TotalOutputTokens: int64(u.ResponseTokenCount),
		TotalTokens:       int64(u.TotalTokenCount),
		Details:           &protocol.UsageDetails{Total: total},
	}
}

func modalityTokens(details []*genai.ModalityTokenCount) protocol.ModalityTokens {
	var mt protocol.ModalityTokens
	for _, d := range details {
		if d == nil {
			continue
		}
		switch d.Modality {
		case genai.MediaModalityAudio:
			mt.SpeechTokens += int64(d.TokenCount)
		case genai.MediaModalityText:
			mt.TextTokens += int64(d.TokenCount)
		}
	}
	return mt
}
