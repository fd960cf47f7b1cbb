package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const (
	grpcServiceName = "speechsession.v1.SpeechSession"
	converseMethod  = "/" + grpcServiceName + "/Converse"
	breakerName     = "upstream"
	eventBuffer     = 256
)

var converseDesc = &grpc.StreamDesc{
	StreamName:    "Converse",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCDialer opens speech sessions over a bidirectional gRPC stream. Every
// message in both directions is a google.protobuf.Struct with an "event" key.
type GRPCDialer struct {
	config         *config.Config
	conn           *grpc.ClientConn
	health         grpc_health_v1.HealthClient
	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
}

// NewGRPCDialer creates the client connection. The connection is lazy; the
// first stream or health check dials.
func NewGRPCDialer(cfg *config.Config) (*GRPCDialer, error) {
	var opts []grpc.DialOption

	if cfg.UpstreamTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.UpstreamGRPCURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client for %s: %w", cfg.UpstreamGRPCURL, err)
	}

	cb := resilience.NewCircuitBreaker(breakerName, cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		log.Warn().Str("service", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
	})

	return &GRPCDialer{
		config:         cfg,
		conn:           conn,
		health:         grpc_health_v1.NewHealthClient(conn),
		circuitBreaker: cb,
		retry: &resilience.RetryConfig{
			MaxAttempts:       max(cfg.RetryMaxAttempts, 1),
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}, nil
}

// Open starts a Converse stream and sends the session setup.
func (d *GRPCDialer) Open(ctx context.Context, setup Setup) (Stream, error) {
	openCtx, cancel := context.WithTimeout(ctx, time.Duration(d.config.UpstreamTimeout)*time.Second)
	defer cancel()

	var stream *grpcStream
	err := d.circuitBreaker.Call(func() error {
		return resilience.Retry(openCtx, func(ctx context.Context) error {
			// The stream outlives the open deadline but keeps the caller's values.
			streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))
			cs, err := d.conn.NewStream(streamCtx, converseDesc, converseMethod)
			if err != nil {
				streamCancel()
				return err
			}
			s := newGRPCStream(streamCtx, streamCancel, cs)
			if err := s.sendSetup(setup); err != nil {
				s.Close()
				return err
			}
			stream = s
			return nil
		}, d.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(breakerName)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, Transient(err)
		}
		return nil, fmt.Errorf("failed to open upstream stream: %w", classifyStatus(err))
	}

	go stream.recvLoop()
	return stream, nil
}

// Check runs the standard gRPC health check against the speech service.
// An open breaker fails the check without calling out.
func (d *GRPCDialer) Check(ctx context.Context) (bool, error) {
	if state, requests, failures, rate := d.circuitBreaker.GetStats(); state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d opens failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
	}
	resp, err := d.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: grpcServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (d *GRPCDialer) Close() error {
	return d.conn.Close()
}

// grpcStream adapts a raw gRPC client stream to Stream.
type grpcStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	cs     grpc.ClientStream
	events chan Event
	logger zerolog.Logger

	sendMu      sync.Mutex
	promptName  string
	contentName string
	audioOpen   bool
	closed      bool
	closeOnce   sync.Once
}

func newGRPCStream(ctx context.Context, cancel context.CancelFunc, cs grpc.ClientStream) *grpcStream {
	return &grpcStream{
		ctx:    ctx,
		cancel: cancel,
		cs:     cs,
		events: make(chan Event, eventBuffer),
		logger: observability.WithComponent(*zerolog.Ctx(ctx), "upstream_grpc"),
	}
}

func (s *grpcStream) Events() <-chan Event {
	return s.events
}

func (s *grpcStream) sendSetup(setup Setup) error {
	s.promptName = setup.PromptName
	s.contentName = setup.ContentName

	history := make([]any, 0, len(setup.History))
	for _, h := range setup.History {
		history = append(history, map[string]any{"role": string(h.Role), "content": h.Content})
	}

	if err := s.send(map[string]any{
		"event":            "sessionStart",
		"sessionId":        setup.SessionID,
		"promptName":       setup.PromptName,
		"voiceId":          setup.VoiceID,
		"inputSampleRate":  setup.InputSampleRate,
		"outputSampleRate": setup.OutputSampleRate,
	}); err != nil {
		return err
	}
	if err := s.send(map[string]any{
		"event":      "textInput",
		"promptName": setup.PromptName,
		"role":       string(protocol.RoleSystem),
		"content":    setup.SystemPrompt,
	}); err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	return s.send(map[string]any{
		"event":      "history",
		"promptName": setup.PromptName,
		"turns":      history,
	})
}

func (s *grpcStream) StartAudio(ctx context.Context) error {
	s.sendMu.Lock()
	open := s.audioOpen
	s.audioOpen = true
	s.sendMu.Unlock()
	if open {
		return nil
	}
	return s.send(map[string]any{
		"event":       "audioStart",
		"promptName":  s.promptName,
		"contentName": s.contentName,
	})
}

func (s *grpcStream) SendAudio(ctx context.Context, pcm []byte) error {
	return s.send(map[string]any{
		"event":       "audioInput",
		"promptName":  s.promptName,
		"contentName": s.contentName,
		"content":     base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *grpcStream) EndTurn(ctx context.Context, reason string) error {
	s.sendMu.Lock()
	s.audioOpen = false
	s.sendMu.Unlock()
	return s.send(map[string]any{
		"event":       "contentEnd",
		"promptName":  s.promptName,
		"contentName": s.contentName,
		"stopReason":  reason,
	})
}

// Close ends the session politely and releases the stream.
func (s *grpcStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.send(map[string]any{"event": "promptEnd", "promptName": s.promptName})
		_ = s.send(map[string]any{"event": "sessionEnd", "promptName": s.promptName})
		s.sendMu.Lock()
		s.closed = true
		err = s.cs.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
	})
	return err
}

func (s *grpcStream) send(fields map[string]any) error {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode %v event: %w", fields["event"], err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if err := s.cs.SendMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			// The real error surfaces on the receive side.
			return Transient(ErrStreamClosed)
		}
		return classifyStatus(err)
	}
	return nil
}

func (s *grpcStream) recvLoop() {
	defer close(s.events)

	for {
		msg := new(structpb.Struct)
		err := s.cs.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			s.emit(Event{Kind: EventComplete})
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(Event{Kind: EventError, Err: classifyStatus(err)})
			return
		}

		ev, ok := decodeEvent(msg)
		if !ok {
			s.logger.Debug().Str("event", msg.GetFields()["event"].GetStringValue()).Msg("Ignoring unknown upstream event")
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *grpcStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// decodeEvent maps one received Struct onto an Event.
func decodeEvent(msg *structpb.Struct) (Event, bool) {
	f := msg.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	switch str("event") {
	case "ready", "promptReady":
		return Event{Kind: EventReady}, true
	case "contentStart":
		return Event{Kind: EventContentStart, Role: protocol.Role(str("role")), ContentType: str("type")}, true
	case "textOutput":
		return Event{Kind: EventText, Role: protocol.Role(str("role")), Text: str("content")}, true
	case "audioOutput":
		return Event{Kind: EventAudio, Role: protocol.RoleAssistant, Audio: str("content")}, true
	case "contentEnd":
		return Event{Kind: EventContentEnd, Role: protocol.Role(str("role")), ContentType: str("type"), StopReason: str("stopReason")}, true
	case "usageEvent":
		// Struct numbers are doubles; encoding/json renders whole values
		// without an exponent so they decode into the integer counters.
		raw, err := json.Marshal(msg.AsMap())
		if err != nil {
			return Event{}, false
		}
		var usage protocol.TokenUsage
		if err := json.Unmarshal(raw, &usage); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventUsage, Usage: &usage}, true
	case "error":
		err := errors.New(str("message"))
		if f["fatal"].GetBoolValue() {
			err = Fatal(err)
		}
		return Event{Kind: EventError, Err: err}, true
	case "completionEnd", "streamComplete":
		return Event{Kind: EventComplete}, true
	}
	return Event{}, false
}

// classifyStatus marks gRPC status codes that a restart can recover.
func classifyStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return Transient(err)
	case codes.Canceled:
		return err
	}
	return Fatal(err)
}
