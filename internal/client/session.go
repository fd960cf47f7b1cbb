package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/transcript"
)

const (
	inboxSize       = 256
	slowPongLatency = time.Second
)

// Transcript is one transcript notification.
type Transcript struct {
	TurnID      string
	Role        protocol.Role
	Text        string
	Confidence  float64
	Interrupted bool
}

// StateChange is delivered whenever the session state changes. Err is set
// at most once per session, on the transition that ends it.
type StateChange struct {
	From State
	To   State
	Err  error
}

// Usage is one token usage update. Total never decreases within a session.
type Usage struct {
	Delta protocol.UsageBreakdown
	Total protocol.TokenUsage
}

// Events holds the optional subscriber callbacks. They run on the session
// loop and must not block.
type Events struct {
	OnPartial func(Transcript)
	OnFinal   func(Transcript)
	OnState   func(StateChange)
	OnUsage   func(Usage)
	OnBargeIn func(source string)
}

type (
	startCmd struct {
		prompt  string
		history []protocol.HistoryEntry
		reply   chan error
	}
	stopCmd    struct{ reply chan struct{} }
	pauseCmd   struct{}
	resumeCmd  struct{ history []protocol.HistoryEntry }
	syncCmd    struct{ reply chan struct{} }
	dialResult struct {
		gen  uint64
		conn Conn
		err  error
	}
	serverMsg struct {
		gen uint64
		msg protocol.ServerMessage
	}
	connClosed struct {
		gen uint64
		err error
	}
	timerFired struct {
		kind TimerKind
		gen  uint64
	}
	captureFrame struct {
		samples []float32
		at      time.Time
	}
	playbackIdle struct{}
)

// Session is the outer shell around Machine. It owns the connection,
// timers, transcript, playback buffer and voice monitor, and feeds every
// input through Transition on a single goroutine.
type Session struct {
	machine   Machine
	cfg       Settings
	transport Transport
	events    Events
	logger    zerolog.Logger
	now       func() time.Time

	inbox chan any
	done  chan struct{}

	playback *audio.PlaybackBuffer
	monitor  *audio.VoiceMonitor
	speech   *audio.SpeechDetector

	// loop owned
	state        State
	prompt       string
	reconciler   *transcript.Reconciler
	conn         Conn
	connGen      uint64
	timers       map[TimerKind]*time.Timer
	timerGen     map[TimerKind]uint64
	startWaiters []chan error
	stopWaiters  []chan struct{}
	lastUsage    protocol.TokenUsage
	detectedAt   time.Time
	detected     bool

	mu       sync.Mutex
	snapshot State
	turns    []transcript.Turn
}

// NewSession creates an idle session. Run must be started before Start.
func NewSession(cfg Settings, transport Transport, playback *audio.PlaybackBuffer, events Events, logger zerolog.Logger) *Session {
	if playback == nil {
		playback = audio.NewPlaybackBuffer(audio.DefaultPlaybackConfig(0))
	}
	s := &Session{
		machine:    NewMachine(cfg),
		cfg:        cfg,
		transport:  transport,
		events:     events,
		logger:     observability.WithComponent(logger, "client"),
		now:        time.Now,
		inbox:      make(chan any, inboxSize),
		done:       make(chan struct{}),
		playback:   playback,
		speech:     audio.NewSpeechDetector(nil),
		reconciler: transcript.NewReconciler(),
		timers:     make(map[TimerKind]*time.Timer),
		timerGen:   make(map[TimerKind]uint64),
	}
	s.monitor = audio.NewVoiceMonitor(audio.DefaultMonitorConfig(), func(at time.Time) {
		s.detected = true
		s.detectedAt = at
	})
	playback.SetNotifier(func(n audio.PlaybackNotice) {
		if n.Kind == audio.NoticePaused {
			s.tryPost(playbackIdle{})
		}
	})
	return s
}

// Start opens the session and blocks until the server acknowledges it.
// Calling Start on a started session returns nil without effect.
func (s *Session) Start(ctx context.Context, prompt string, history []protocol.HistoryEntry) error {
	reply := make(chan error, 1)
	if !s.post(startCmd{prompt: prompt, history: history, reply: reply}) {
		return ErrSessionStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionStopped
	}
}

// Stop ends the session. It is safe to call at any time and more than once.
func (s *Session) Stop(ctx context.Context) {
	reply := make(chan struct{})
	if !s.post(stopCmd{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	case <-s.done:
	}
}

// Pause mutes capture without closing the connection.
func (s *Session) Pause() {
	s.post(pauseCmd{})
}

// Resume unmutes capture. history, when given, replaces the local history
// that is replayed if the connection has to be re-established.
func (s *Session) Resume(history []protocol.HistoryEntry) {
	s.post(resumeCmd{history: history})
}

// PushCapture hands one microphone frame captured at at to the session. It
// never blocks; frames are dropped when the loop falls behind.
func (s *Session) PushCapture(samples []float32, at time.Time) {
	s.tryPost(captureFrame{samples: samples, at: at})
}

// Playback returns the buffer the audio output reads from.
func (s *Session) Playback() *audio.PlaybackBuffer {
	return s.playback
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// History returns the sealed turns of the current session.
func (s *Session) History() []transcript.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) post(m any) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) tryPost(m any) {
	select {
	case s.inbox <- m:
	default:
	}
}

// Run processes session input until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			s.handle(ctx, m)
		}
	}
}

func (s *Session) shutdown() {
	s.dispatch(context.Background(), EvStop{})
	s.stopTimers()
	s.closeConn()
	for _, w := range s.startWaiters {
		w <- ErrSessionStopped
	}
	s.startWaiters = nil
	s.releaseStopWaiters()
}

func (s *Session) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case startCmd:
		if s.state.Phase == PhaseListening {
			m.reply <- nil
			return
		}
		if s.state.Phase == PhaseIdle {
			s.prompt = m.prompt
			s.reconciler.Seed(m.history)
			s.lastUsage = protocol.TokenUsage{}
			s.playback.Reset()
			s.speech.Reset()
			s.monitor.Reset()
			s.publishTurns()
		}
		if s.state.Phase == PhaseStopping {
			m.reply <- ErrSessionStopped
			return
		}
		s.startWaiters = append(s.startWaiters, m.reply)
		s.dispatch(ctx, EvStart{})

	case stopCmd:
		if s.state.Phase == PhaseIdle {
			close(m.reply)
			return
		}
		s.stopWaiters = append(s.stopWaiters, m.reply)
		s.dispatch(ctx, EvStop{})

	case pauseCmd:
		s.dispatch(ctx, EvPause{})

	case resumeCmd:
		if len(m.history) > 0 && s.state.Phase == PhaseListening && s.state.Paused {
			s.reconciler.Seed(m.history)
			s.publishTurns()
		}
		s.dispatch(ctx, EvResume{})

	case syncCmd:
		close(m.reply)

	case dialResult:
		if m.gen != s.connGen {
			if m.conn != nil {
				m.conn.Close()
			}
			return
		}
		if m.err != nil {
			s.dispatch(ctx, EvConnectFailed{Err: m.err})
			return
		}
		s.conn = m.conn
		go s.readLoop(m.gen, m.conn)
		s.dispatch(ctx, EvConnected{})

	case serverMsg:
		if m.gen == s.connGen && s.conn != nil {
			s.dispatch(ctx, EvServer{Msg: m.msg, At: s.now()})
		}

	case connClosed:
		if m.gen == s.connGen && s.conn != nil {
			s.dispatch(ctx, EvDisconnected{Err: m.err})
		}

	case timerFired:
		if m.gen == s.timerGen[m.kind] {
			delete(s.timers, m.kind)
			s.dispatch(ctx, EvTimer{Kind: m.kind, At: s.now()})
		}

	case captureFrame:
		s.handleCapture(ctx, m)

	case playbackIdle:
		s.dispatch(ctx, EvPlaybackIdle{})
	}
}

// handleCapture runs the voice monitor on every frame, even while outbound
// audio is gated, then offers the frame upstream.
func (s *Session) handleCapture(ctx context.Context, f captureFrame) {
	if s.state.Phase != PhaseListening {
		return
	}

	s.detected = false
	s.monitor.Feed(f.samples, s.cfg.SampleRate, f.at)
	_, started, ended := s.speech.ProcessFrame(f.samples)

	if s.detected {
		s.dispatch(ctx, EvBargeIn{At: s.detectedAt})
	}
	if started {
		s.dispatch(ctx, EvSpeech{Speaking: true})
	}
	if ended {
		s.dispatch(ctx, EvSpeech{Speaking: false})
	}
	if s.state.CanSendAudio() {
		s.dispatch(ctx, EvCapture{
			Audio:      audio.EncodePCM16Base64(f.samples),
			SampleRate: s.cfg.SampleRate,
		})
	}
}

func (s *Session) dispatch(ctx context.Context, ev Event) {
	prev := s.state
	next, effects := s.machine.Transition(prev, ev)
	s.state = next

	var failure error
	for _, eff := range effects {
		if err := s.apply(ctx, eff); err != nil {
			failure = err
		}
	}

	s.syncMonitor(prev, next)
	s.mu.Lock()
	s.snapshot = next
	s.mu.Unlock()

	if next.Phase == PhaseIdle {
		s.releaseStopWaiters()
	}
	if s.events.OnState != nil && (failure != nil || !sameFlags(prev, next)) {
		s.events.OnState(StateChange{From: prev, To: next, Err: failure})
	}
}

// apply carries out one effect. It returns the error an effect surfaces to
// subscribers.
func (s *Session) apply(ctx context.Context, eff Effect) error {
	switch e := eff.(type) {
	case Dial:
		s.dial(ctx, e.Attempt)

	case Send:
		s.send(e.Msg)

	case SendHandshake:
		entries := s.reconciler.Entries(0)
		msg := protocol.ClientMessage{
			Type:                protocol.TypeStart,
			SystemPrompt:        s.prompt,
			ConversationHistory: entries,
		}
		if e.Resume && len(entries) > 0 {
			msg.SystemPrompt = transcript.ResumePrompt(entries)
		}
		s.send(msg)

	case SendResume:
		entries := s.reconciler.Entries(0)
		s.send(protocol.ClientMessage{
			Type:                protocol.TypeResume,
			SystemPrompt:        transcript.ResumePrompt(entries),
			ConversationHistory: entries,
		})

	case StartTimer:
		s.arm(e.Kind, e.After)

	case StopTimer:
		s.disarm(e.Kind)

	case StopTimers:
		s.stopTimers()

	case CloseConn:
		s.closeConn()

	case ClearPlayback:
		s.playback.Clear(e.Cooldown)

	case DrainPlayback:
		s.playback.Drain()

	case ResetPlayback:
		s.playback.Reset()

	case PlayAudio:
		samples, err := audio.DecodePCM16Base64(e.Audio)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed server audio")
			return nil
		}
		s.playback.Write(samples)

	case ApplyTranscript:
		s.applyTranscript(e)

	case SealTurn:
		if turn, ok := s.reconciler.Seal(e.Role, e.Interrupted); ok {
			s.publishTurns()
			s.emitFinal(turn, 0)
		}

	case SealAll:
		sealed := s.reconciler.SealAll(true)
		if len(sealed) > 0 {
			s.publishTurns()
		}
		for _, turn := range sealed {
			s.emitFinal(turn, 0)
		}

	case ReportUsage:
		s.reportUsage(e.Usage)

	case ReportBargeIn:
		s.logger.Info().Str("source", e.Source).Msg("Barge-in")
		if s.events.OnBargeIn != nil {
			s.events.OnBargeIn(e.Source)
		}

	case ReportForcedReady:
		observability.RecordForcedReadiness("client")
		s.logger.Warn().
			Int("attempt", e.Attempt).
			Dur("timeout", e.After).
			Msg("Server did not signal readiness, forcing ready state")

	case ReportLatency:
		level := zerolog.DebugLevel
		if e.RTT > slowPongLatency {
			level = zerolog.WarnLevel
		}
		s.logger.WithLevel(level).Dur("rtt", e.RTT).Dur("server_latency", e.Server).Msg("Heartbeat")

	case StartResult:
		for _, w := range s.startWaiters {
			w <- e.Err
		}
		s.startWaiters = nil
		if e.Err != nil {
			s.logger.Error().Err(e.Err).Msg("Session start failed")
		}
		return e.Err

	case Fail:
		s.logger.Error().Err(e.Err).Msg("Session failed")
		return e.Err

	case Stopped:
		s.logger.Info().Msg("Session stopped")

	case Log:
		event := s.logger.WithLevel(e.Level)
		if e.Err != nil {
			event = event.Err(e.Err)
		}
		event.Msg(e.Msg)
	}
	return nil
}

func (s *Session) applyTranscript(e ApplyTranscript) {
	if e.Final {
		if turn, ok := s.reconciler.Finalize(e.Role, e.Text); ok {
			s.publishTurns()
			s.emitFinal(turn, e.Confidence)
		}
		return
	}
	turn, changed := s.reconciler.Append(e.Role, e.Text)
	if changed && s.events.OnPartial != nil {
		s.events.OnPartial(Transcript{
			TurnID:     turn.ID,
			Role:       turn.Role,
			Text:       turn.Text,
			Confidence: e.Confidence,
		})
	}
}

func (s *Session) emitFinal(turn transcript.Turn, confidence float64) {
	if s.events.OnFinal == nil {
		return
	}
	s.events.OnFinal(Transcript{
		TurnID:      turn.ID,
		Role:        turn.Role,
		Text:        turn.Text,
		Confidence:  confidence,
		Interrupted: turn.Interrupted,
	})
}

func (s *Session) reportUsage(u protocol.TokenUsage) {
	if u.TotalTokens < s.lastUsage.TotalTokens {
		s.logger.Debug().
			Int64("total", u.TotalTokens).
			Int64("previous", s.lastUsage.TotalTokens).
			Msg("Ignoring stale token usage")
		return
	}
	var delta protocol.UsageBreakdown
	if u.Details != nil && u.Details.Delta != nil {
		delta = *u.Details.Delta
	}
	s.lastUsage = u
	if s.events.OnUsage != nil {
		s.events.OnUsage(Usage{Delta: delta, Total: u})
	}
}

func (s *Session) publishTurns() {
	turns := s.reconciler.History()
	s.mu.Lock()
	s.turns = turns
	s.mu.Unlock()
}

// syncMonitor pushes conversation state edges into the voice monitor.
func (s *Session) syncMonitor(prev, next State) {
	inConversation := next.Phase == PhaseListening
	if inConversation != (prev.Phase == PhaseListening) {
		s.monitor.SetInConversation(inConversation)
	}
	if next.Paused != prev.Paused {
		s.monitor.SetMuted(next.Paused)
	}
	// The grace period runs from the first audio chunk of the turn, so the
	// monitor is armed only once audio has arrived.
	s.monitor.SetAssistantAudio(next.MonitorActive() && !next.AudioSince.IsZero(), next.AudioSince)
}

func (s *Session) dial(ctx context.Context, attempt int) {
	s.closeConn()
	gen := s.connGen
	s.logger.Debug().Int("attempt", attempt).Msg("Dialing server")
	go func() {
		conn, err := s.transport.Dial(ctx)
		s.post(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			s.post(connClosed{gen: gen, err: err})
			return
		}
		if !s.post(serverMsg{gen: gen, msg: msg}) {
			return
		}
	}
}

func (s *Session) send(msg protocol.ClientMessage) {
	if s.conn == nil {
		s.logger.Debug().Str("type", string(msg.Type)).Msg("Not connected, dropping message")
		return
	}
	msg.Version = protocol.Version
	msg.Timestamp = protocol.NowMillis(s.now())
	if err := s.conn.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to send message")
	}
}

// closeConn closes the current connection and invalidates every in-flight
// dial and read tied to it.
func (s *Session) closeConn() {
	s.connGen++
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing connection")
	}
	s.conn = nil
}

func (s *Session) arm(kind TimerKind, d time.Duration) {
	s.disarm(kind)
	gen := s.timerGen[kind]
	s.timers[kind] = time.AfterFunc(d, func() {
		s.post(timerFired{kind: kind, gen: gen})
	})
}

func (s *Session) disarm(kind TimerKind) {
	s.timerGen[kind]++
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Session) stopTimers() {
	for _, kind := range timerKinds {
		s.disarm(kind)
	}
}

func (s *Session) releaseStopWaiters() {
	for _, w := range s.stopWaiters {
		close(w)
	}
	s.stopWaiters = nil
}

// sync waits until every input queued before it has been handled.
func (s *Session) sync() {
	reply := make(chan struct{})
	if s.post(syncCmd{reply: reply}) {
		select {
		case <-reply:
		case <-s.done:
		}
	}
}
