package orchestrator

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/store"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/transcript"
	"github.com/lexiqai/voice-session/internal/upstream"
)

// End reasons reported when a session stops on its own
const (
	ReasonStopped = "stopped"
	ReasonFailed  = "failed"
)

// Sender delivers messages to the client connection
type Sender interface {
	Send(msg protocol.ServerMessage) error
}

// Recorder receives finalized turns and token usage. It must not block.
type Recorder interface {
	RecordTurn(turn store.TurnRecord)
	RecordUsage(usage store.UsageRecord)
}

type nopRecorder struct{}

func (nopRecorder) RecordTurn(store.TurnRecord)   {}
func (nopRecorder) RecordUsage(store.UsageRecord) {}

// Options wires a session to its collaborators
type Options struct {
	ID          string
	Config      *config.Config
	Dialer      upstream.Dialer
	Sender      Sender
	Recorder    Recorder
	Transcriber stt.Transcriber // optional
	Logger      zerolog.Logger
	// OnClose runs once after the session has fully stopped.
	OnClose func(id string)
}

type timerKind int

const (
	timerRestart timerKind = iota
	timerWatchdog
	timerBatch
)

type timerFired struct {
	kind timerKind
	gen  uint64
}

type upstreamEvent struct {
	gen    uint64
	ev     upstream.Event
	closed bool
}

type streamOpened struct {
	gen     uint64
	stream  upstream.Stream
	err     error
	restart bool
}

// Session multiplexes one client connection onto one upstream speech
// stream. All state below the channels is owned by the Run loop.
type Session struct {
	id       string
	cfg      *config.Config
	dialer   upstream.Dialer
	sender   Sender
	recorder Recorder
	stt      stt.Transcriber
	logger   zerolog.Logger
	metrics  *observability.Metrics
	onClose  func(string)
	now      func() time.Time

	inbox        chan protocol.ClientMessage
	events       chan upstreamEvent
	opened       chan streamOpened
	timers       chan timerFired
	closeReq     chan string
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	endReason string

	started     bool
	acked       bool
	paused      bool
	audioActive bool // client announced user audio
	streamAudio bool // audio content open on the current stream

	stream     upstream.Stream
	gen        uint64
	openedAt   time.Time
	ready      bool
	restarting bool
	restarts   int
	basePrompt string
	watchdog   *time.Timer

	reconciler *transcript.Reconciler
	batch      *AudioBatcher
	batchGen   uint64
	batchTimer *time.Timer
	suppress   bool
	// cancelledEnded is set once the suppressed turn has finished upstream.
	// Until then further content blocks belong to the cancelled turn.
	cancelledEnded bool
	lastCancel     time.Time
	usage          usageTracker
}

// NewSession creates a session. Run must be called to start it.
func NewSession(opts Options) *Session {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	s := &Session{
		id:       opts.ID,
		cfg:      opts.Config,
		dialer:   opts.Dialer,
		sender:   opts.Sender,
		recorder: recorder,
		stt:      opts.Transcriber,
		logger: observability.WithComponent(opts.Logger, "orchestrator").
			With().
			Str("session_id", opts.ID).
			Logger(),
		metrics:    observability.NewSessionMetrics(opts.ID),
		onClose:    opts.OnClose,
		now:        time.Now,
		inbox:      make(chan protocol.ClientMessage, 64),
		events:     make(chan upstreamEvent, 64),
		opened:     make(chan streamOpened),
		timers:     make(chan timerFired, 8),
		closeReq:   make(chan string, 1),
		done:       make(chan struct{}),
		reconciler: transcript.NewReconciler(),
		batch:      NewAudioBatcher(opts.Config.AudioBatchMaxFragments),
	}
	s.touch()
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// LastActivity returns when the client or upstream last produced a message
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close asks the session to stop. Safe to call repeatedly from any goroutine.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReq <- reason
	})
}

// HandleMessage queues one client message for the run loop
func (s *Session) HandleMessage(msg protocol.ClientMessage) {
	s.touch()
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Run processes client messages, upstream events and timers until the
// session ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Session started")
	defer s.shutdown()

	var results <-chan stt.TranscriptionResult
	if s.stt != nil {
		results = s.stt.Results()
	}

	for s.endReason == "" {
		select {
		case <-s.ctx.Done():
			s.end("context_cancelled")

		case reason := <-s.closeReq:
			s.end(reason)

		case msg := <-s.inbox:
			s.handleClient(msg)

		case ue := <-s.events:
			if ue.gen != s.gen {
				continue
			}
			s.touch()
			if ue.closed {
				s.restart("upstream stream ended")
				continue
			}
			s.handleUpstream(ue.ev)

		case o := <-s.opened:
			s.handleOpened(o)

		case t := <-s.timers:
			s.handleTimer(t)

		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.handleTranscription(r)
		}
	}
}

func (s *Session) end(reason string) {
	if s.endReason == "" {
		s.endReason = reason
	}
}

func (s *Session) shutdown() {
	s.dropStream()
	for _, t := range s.reconciler.SealAll(true) {
		s.persistTurn(t)
	}
	if s.stt != nil {
		if err := s.stt.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing transcriber")
		}
	}
	s.cancel()
	s.metrics.RecordSessionEnd()
	s.logger.Info().
		Str("reason", s.endReason).
		Int("turns", len(s.reconciler.History())).
		Int("restarts", s.restarts).
		Msg("Session closed")
	close(s.done)
	if s.onClose != nil {
		s.onClose(s.id)
	}
}

func (s *Session) send(msg protocol.ServerMessage) {
	if err := s.sender.Send(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Failed to send message to client")
	}
}

func (s *Session) message(t protocol.ServerMessageType) protocol.ServerMessage {
	return protocol.NewServerMessage(t, s.now())
}

func (s *Session) sendError(text string) {
	msg := s.message(protocol.TypeError)
	msg.Message = text
	s.send(msg)
}

// fail reports a terminal error and ends the session
func (s *Session) fail(text string) {
	s.metrics.RecordError("terminal", "orchestrator")
	s.sendError(text)
	s.end(ReasonFailed)
}

func (s *Session) handleClient(msg protocol.ClientMessage) {
	if !msg.Known() {
		s.logger.Warn().Str("type", string(msg.Type)).Msg("Ignoring unknown client message")
		return
	}
	if !s.started {
		switch msg.Type {
		case protocol.TypeStart, protocol.TypePing:
		case protocol.TypeStop:
			s.send(s.message(protocol.TypeStopped))
			s.end(ReasonStopped)
			return
		default:
			s.logger.Debug().Str("type", string(msg.Type)).Msg("Dropping message before start")
			return
		}
	}

	switch msg.Type {
	case protocol.TypeStart:
		s.handleStart(msg)
	case protocol.TypeAudioStart:
		s.audioActive = true
		if s.stream != nil {
			s.startUpstreamAudio()
		}
	case protocol.TypeAudio:
		s.handleAudio(msg)
	case protocol.TypeStop:
		s.handleStop()
	case protocol.TypePause:
		s.paused = true
		s.logger.Info().Msg("Session paused")
		s.send(s.message(protocol.TypePaused))
	case protocol.TypeResume:
		s.handleResume(msg)
	case protocol.TypeCancelTurn:
		s.cancelTurn()
	case protocol.TypeForceRestart:
		s.logger.Info().Str("reason", msg.Reason).Msg("Client requested upstream restart")
		s.restart("client requested restart")
	case protocol.TypePing:
		pong := s.message(protocol.TypePong)
		pong.SequenceID = msg.SequenceID
		if msg.Timestamp > 0 {
			pong.Latency = max(protocol.NowMillis(s.now())-msg.Timestamp, 0)
		}
		s.send(pong)
	}
}

func (s *Session) handleStart(msg protocol.ClientMessage) {
	if s.started {
		s.logger.Debug().Msg("Session already started")
		if s.acked {
			s.send(s.message(protocol.TypeStarted))
		}
		return
	}
	s.started = true

	s.basePrompt = strings.TrimSpace(msg.SystemPrompt)
	if s.basePrompt == "" {
		s.basePrompt = s.cfg.SystemPrompt
	}
	s.reconciler.Seed(msg.ConversationHistory)

	if s.stt != nil {
		if err := s.stt.Start(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Transcriber unavailable, using upstream user transcripts")
		}
	}

	history := s.reconciler.Entries(s.cfg.HistoryReplayTurns)
	s.logger.Info().
		Int("history_turns", len(history)).
		Bool("custom_prompt", msg.SystemPrompt != "").
		Msg("Starting session")
	s.openStream(contextPrompt(s.basePrompt, history, s.cfg.HistoryReplayTurns), history, false)
}

// contextPrompt appends history to base unless base already carries it, as
// the resume prompt a reconnecting client sends does.
func contextPrompt(base string, history []protocol.HistoryEntry, limit int) string {
	if len(history) == 0 || strings.Contains(base, transcript.FormatHistory(history)) {
		return base
	}
	return transcript.ReplayPrompt(base, history, limit)
}

func (s *Session) handleAudio(msg protocol.ClientMessage) {
	if s.paused {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode client audio")
		return
	}
	if len(pcm) == 0 {
		return
	}
	if msg.SampleRate > 0 && msg.SampleRate != s.cfg.InputSampleRate {
		samples, err := audio.PCM16ToInt16(pcm)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Malformed client audio")
			return
		}
		pcm = audio.Int16ToPCM16(audio.Resample(samples, msg.SampleRate, s.cfg.InputSampleRate))
	}
	s.metrics.RecordAudioBytes("in", int64(len(pcm)))

	if s.stt != nil && s.stt.IsActive() {
		if err := s.stt.SendAudio(pcm); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send audio to transcriber")
		}
	}

	if s.stream == nil || !s.ready {
		return
	}
	if !s.streamAudio && !s.startUpstreamAudio() {
		return
	}
	if err := s.stream.SendAudio(s.ctx, pcm); err != nil {
		s.upstreamFailed(err)
	}
}

func (s *Session) handleStop() {
	s.logger.Info().Msg("Client stopped session")
	for _, t := range s.reconciler.SealAll(true) {
		s.persistTurn(t)
	}
	s.discardBatch()
	if s.stream != nil {
		if s.streamAudio {
			if err := s.stream.EndTurn(s.ctx, protocol.StopEndTurn); err != nil {
				s.logger.Debug().Err(err).Msg("Error ending upstream turn")
			}
			s.streamAudio = false
		}
		if err := s.stream.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing upstream stream")
		}
		s.stream = nil
	}
	s.send(s.message(protocol.TypeStopped))
	s.end(ReasonStopped)
}

func (s *Session) handleResume(msg protocol.ClientMessage) {
	s.paused = false
	if len(msg.ConversationHistory) > 0 {
		s.reconciler.Seed(msg.ConversationHistory)
	} else {
		for _, t := range s.reconciler.SealAll(true) {
			s.persistTurn(t)
		}
	}
	s.send(s.message(protocol.TypeResumed))

	history := s.reconciler.Entries(s.cfg.HistoryReplayTurns)
	s.logger.Info().Int("history_turns", len(history)).Msg("Resuming session with fresh upstream stream")
	s.dropStream()
	s.restarting = false
	s.openStream(transcript.ResumePrompt(history), history, false)
}

// cancelTurn handles a client barge-in. Repeats within the debounce window
// are ignored.
func (s *Session) cancelTurn() {
	now := s.now()
	if !s.lastCancel.IsZero() && now.Sub(s.lastCancel) < s.cfg.CancelDebounce {
		s.metrics.RecordCancelDebounced()
		s.logger.Debug().Msg("Debounced duplicate cancel")
		return
	}
	s.lastCancel = now
	s.metrics.RecordBargeIn("client")
	s.logger.Info().Msg("Cancelling assistant turn")
	s.interruptAssistant(false)

	if s.stream == nil {
		return
	}
	if err := s.stream.EndTurn(s.ctx, protocol.StopInterrupted); err != nil {
		s.upstreamFailed(err)
		return
	}
	s.streamAudio = false
}

// interruptAssistant seals the assistant turn as interrupted and drops the
// rest of its output. ended reports that upstream has already closed the
// turn; otherwise suppression holds until it does.
func (s *Session) interruptAssistant(ended bool) {
	_, open := s.reconciler.Current(protocol.RoleAssistant)
	discarded := s.discardBatch()
	s.suppress = true
	s.cancelledEnded = ended || !open

	if t, ok := s.reconciler.Seal(protocol.RoleAssistant, true); ok {
		s.persistTurn(t)
	}
	if open || discarded > 0 {
		s.sendContentEnd(protocol.RoleAssistant, protocol.StopInterrupted)
	}
}

func (s *Session) handleTranscription(r stt.TranscriptionResult) {
	if !r.IsFinal {
		return
	}
	if _, changed := s.reconciler.Append(protocol.RoleUser, r.Text); changed {
		msg := s.message(protocol.TypePartial)
		msg.Role = protocol.RoleUser
		msg.Text = strings.TrimSpace(r.Text)
		msg.Confidence = r.Confidence
		s.send(msg)
	}
	if r.SpeechFinal {
		s.sealTurn(protocol.RoleUser, r.Confidence)
	}
}

// transcriberAuthoritative reports whether user text comes from the
// transcription sidecar rather than the upstream.
func (s *Session) transcriberAuthoritative() bool {
	return s.stt != nil && s.stt.IsActive()
}

// sealTurn closes the open turn of role and emits its final transcript
func (s *Session) sealTurn(role protocol.Role, confidence float64) {
	t, ok := s.reconciler.Seal(role, false)
	if !ok {
		return
	}
	msg := s.message(protocol.TypeFinal)
	msg.Role = role
	msg.Text = t.Text
	msg.Confidence = confidence
	s.send(msg)
	s.persistTurn(t)
}

func (s *Session) sendContentEnd(role protocol.Role, reason string) {
	msg := s.message(protocol.TypeContentEnd)
	msg.Role = role
	msg.StopReason = reason
	s.send(msg)
}

func (s *Session) persistTurn(t transcript.Turn) {
	s.metrics.RecordTurn(string(t.Role), t.Interrupted)
	s.recorder.RecordTurn(store.TurnRecord{
		ID:          t.ID,
		SessionID:   s.id,
		Role:        t.Role,
		Text:        t.Text,
		Interrupted: t.Interrupted,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
	})
}

// after posts a timer event to the run loop
func (s *Session) after(d time.Duration, kind timerKind, gen uint64) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case s.timers <- timerFired{kind: kind, gen: gen}:
		case <-s.done:
		}
	})
}

func (s *Session) handleTimer(t timerFired) {
	switch t.kind {
	case timerRestart:
		if t.gen != s.gen || !s.restarting {
			return
		}
		history := s.reconciler.Entries(s.cfg.HistoryReplayTurns)
		s.openStream(transcript.ReplayPrompt(s.basePrompt, history, s.cfg.HistoryReplayTurns), history, true)
	case timerWatchdog:
		if t.gen != s.gen || s.ready || s.stream == nil {
			return
		}
		s.logger.Warn().
			Int("restart_attempt", s.restarts).
			Dur("timeout", ReadinessTimeout(s.cfg.ReadinessTimeout, s.cfg.ReadinessMaxTimeout, s.restarts)).
			Msg("Upstream readiness not acknowledged, forcing readiness")
		s.markReady(true)
	case timerBatch:
		if t.gen == s.batchGen {
			s.flushBatch()
		}
	}
}
