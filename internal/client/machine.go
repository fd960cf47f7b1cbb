package client

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// Phase is the lifecycle position of a client session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseListening
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseListening:
		return "listening"
	case PhaseStopping:
		return "stopping"
	}
	return "unknown"
}

// State is the complete state of one client session. The flags below Phase
// only carry meaning while listening.
type State struct {
	Phase Phase

	Connected    bool
	Reconnecting bool
	Attempt      int // reconnect attempts since the upstream was last ready
	Ready        bool
	ForcedReady  bool
	Paused       bool

	UserSpeaking        bool
	WaitingForAssistant bool
	AssistantResponding bool
	AssistantAudible    bool // assistant audio is buffered or playing
	PostBargeIn         bool
	Suppressing         bool // output of a cancelled assistant turn is dropped
	CancelledTurnOver   bool // the cancelled turn has ended; the next assistant turn plays

	AudioStartSent bool
	LastCancel     time.Time
	AudioSince     time.Time // first audio of the current assistant turn
	LastPing       time.Time
}

// CanSendAudio reports whether capture frames may go upstream.
func (s State) CanSendAudio() bool {
	return s.Phase == PhaseListening && s.Connected && s.Ready && !s.Paused
}

// MonitorActive reports whether barge-in detection should run.
func (s State) MonitorActive() bool {
	return s.Phase == PhaseListening && !s.Paused && !s.Suppressing &&
		(s.AssistantResponding || s.AssistantAudible)
}

// sameFlags compares two states ignoring timestamps and counters.
func sameFlags(a, b State) bool {
	a.LastCancel, a.AudioSince, a.LastPing, a.Attempt = time.Time{}, time.Time{}, time.Time{}, 0
	b.LastCancel, b.AudioSince, b.LastPing, b.Attempt = time.Time{}, time.Time{}, time.Time{}, 0
	return a == b
}

// TimerKind names the timers the session shell runs on behalf of the machine.
type TimerKind int

const (
	TimerStart TimerKind = iota
	TimerReadiness
	TimerHeartbeat
	TimerReconnect
	TimerStopGrace
)

var timerKinds = []TimerKind{TimerStart, TimerReadiness, TimerHeartbeat, TimerReconnect, TimerStopGrace}

func (k TimerKind) String() string {
	switch k {
	case TimerStart:
		return "start"
	case TimerReadiness:
		return "readiness"
	case TimerHeartbeat:
		return "heartbeat"
	case TimerReconnect:
		return "reconnect"
	case TimerStopGrace:
		return "stop_grace"
	}
	return "unknown"
}

// Event is an input to Transition.
type Event interface{ event() }

type (
	EvStart         struct{}
	EvConnected     struct{}
	EvConnectFailed struct{ Err error }
	EvDisconnected  struct{ Err error }
	EvServer        struct {
		Msg protocol.ServerMessage
		At  time.Time
	}
	EvTimer struct {
		Kind TimerKind
		At   time.Time
	}
	// EvCapture carries one encoded microphone frame.
	EvCapture struct {
		Audio      string
		SampleRate int
	}
	// EvSpeech reports the capture-side speech detector changing state.
	EvSpeech struct{ Speaking bool }
	// EvBargeIn is a confirmed voice monitor detection.
	EvBargeIn struct{ At time.Time }
	// EvPlaybackIdle reports that the playback buffer ran dry.
	EvPlaybackIdle struct{}
	EvPause        struct{}
	EvResume       struct{}
	EvStop         struct{}
)

func (EvStart) event()         {}
func (EvConnected) event()     {}
func (EvConnectFailed) event() {}
func (EvDisconnected) event()  {}
func (EvServer) event()        {}
func (EvTimer) event()         {}
func (EvCapture) event()       {}
func (EvSpeech) event()        {}
func (EvBargeIn) event()       {}
func (EvPlaybackIdle) event()  {}
func (EvPause) event()         {}
func (EvResume) event()        {}
func (EvStop) event()          {}

// Effect is an instruction returned by Transition for the shell to carry out.
type Effect interface{ effect() }

type (
	// Dial opens a new connection.
	Dial struct{ Attempt int }
	// Send writes a message. The shell stamps version and timestamp.
	Send struct{ Msg protocol.ClientMessage }
	// SendHandshake sends start with the session prompt and history. Resume
	// swaps the prompt for a summary of the conversation so far.
	SendHandshake struct{ Resume bool }
	// SendResume sends resume carrying the conversation history.
	SendResume struct{}
	StartTimer struct {
		Kind  TimerKind
		After time.Duration
	}
	StopTimer     struct{ Kind TimerKind }
	StopTimers    struct{}
	CloseConn     struct{}
	ClearPlayback struct{ Cooldown time.Duration }
	DrainPlayback struct{}
	ResetPlayback struct{}
	PlayAudio     struct{ Audio string }
	// ApplyTranscript feeds a server transcript fragment to the reconciler.
	ApplyTranscript struct {
		Role       protocol.Role
		Text       string
		Final      bool
		Confidence float64
	}
	SealTurn struct {
		Role        protocol.Role
		Interrupted bool
	}
	SealAll           struct{}
	ReportUsage       struct{ Usage protocol.TokenUsage }
	ReportBargeIn     struct{ Source string }
	ReportForcedReady struct {
		Attempt int
		After   time.Duration
	}
	ReportLatency struct {
		RTT    time.Duration
		Server time.Duration
	}
	// StartResult completes a pending Start call.
	StartResult struct{ Err error }
	// Fail surfaces a terminal error once.
	Fail    struct{ Err error }
	Stopped struct{}
	Log     struct {
		Level zerolog.Level
		Msg   string
		Err   error
	}
)

func (Dial) effect()              {}
func (Send) effect()              {}
func (SendHandshake) effect()     {}
func (SendResume) effect()        {}
func (StartTimer) effect()        {}
func (StopTimer) effect()         {}
func (StopTimers) effect()        {}
func (CloseConn) effect()         {}
func (ClearPlayback) effect()     {}
func (DrainPlayback) effect()     {}
func (ResetPlayback) effect()     {}
func (PlayAudio) effect()         {}
func (ApplyTranscript) effect()   {}
func (SealTurn) effect()          {}
func (SealAll) effect()           {}
func (ReportUsage) effect()       {}
func (ReportBargeIn) effect()     {}
func (ReportForcedReady) effect() {}
func (ReportLatency) effect()     {}
func (StartResult) effect()       {}
func (Fail) effect()              {}
func (Stopped) effect()           {}
func (Log) effect()               {}

// Settings holds the timing of the client protocol.
type Settings struct {
	SampleRate       int
	StartTimeout     time.Duration
	ReadinessTimeout time.Duration
	ReadinessMax     time.Duration
	Heartbeat        time.Duration
	CancelDebounce   time.Duration
	StopGrace        time.Duration
	BargeInCooldown  time.Duration
	Reconnect        resilience.ReconnectConfig
}

// DefaultSettings returns the client protocol defaults.
func DefaultSettings() Settings {
	return Settings{
		SampleRate:       16000,
		StartTimeout:     10 * time.Second,
		ReadinessTimeout: 5 * time.Second,
		ReadinessMax:     15 * time.Second,
		Heartbeat:        30 * time.Second,
		CancelDebounce:   200 * time.Millisecond,
		StopGrace:        100 * time.Millisecond,
		BargeInCooldown:  250 * time.Millisecond,
		Reconnect:        *resilience.DefaultReconnectConfig(),
	}
}

// SettingsFromConfig derives Settings from client configuration.
func SettingsFromConfig(cfg *config.ClientConfig) Settings {
	return Settings{
		SampleRate:       cfg.CaptureSampleRate,
		StartTimeout:     cfg.StartTimeout,
		ReadinessTimeout: cfg.ReadinessTimeout,
		ReadinessMax:     cfg.ReadinessMax,
		Heartbeat:        cfg.HeartbeatInterval,
		CancelDebounce:   cfg.CancelDebounce,
		StopGrace:        cfg.StopGrace,
		BargeInCooldown:  cfg.BargeInCooldown,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.ReconnectBackoff,
			Multiplier:  2.0,
			MaxBackoff:  cfg.ReconnectMaxBackoff,
		},
	}
}

// readinessTimeout escalates the watchdog by 1.5x per reconnect attempt.
func (c Settings) readinessTimeout(attempt int) time.Duration {
	return resilience.CalculateBackoff(attempt, c.ReadinessTimeout, c.ReadinessMax, 1.5)
}

// Machine is the client session protocol. Transition is pure: all I/O,
// timers and transcript bookkeeping are returned as effects.
type Machine struct {
	cfg Settings
}

// NewMachine creates a machine with the given timing.
func NewMachine(cfg Settings) Machine {
	return Machine{cfg: cfg}
}

// Transition applies ev to s.
func (m Machine) Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case EvStart:
		return m.start(s)
	case EvConnected:
		return m.connected(s)
	case EvConnectFailed:
		return m.connectFailed(s, ev.Err)
	case EvDisconnected:
		return m.disconnected(s, ev.Err)
	case EvServer:
		return m.server(s, ev)
	case EvTimer:
		return m.timer(s, ev)
	case EvCapture:
		return m.capture(s, ev)
	case EvSpeech:
		return m.speech(s, ev.Speaking)
	case EvBargeIn:
		return m.bargeIn(s, ev.At)
	case EvPlaybackIdle:
		if !s.AssistantResponding {
			s.AssistantAudible = false
		}
		return s, nil
	case EvPause:
		return m.pause(s)
	case EvResume:
		return m.resume(s)
	case EvStop:
		return m.stop(s)
	}
	return s, nil
}

func send(t protocol.ClientMessageType) Send {
	return Send{Msg: protocol.ClientMessage{Type: t}}
}

func (m Machine) start(s State) (State, []Effect) {
	if s.Phase != PhaseIdle {
		return s, nil
	}
	return State{Phase: PhaseStarting}, []Effect{
		StartTimer{Kind: TimerStart, After: m.cfg.StartTimeout},
		Dial{Attempt: 0},
	}
}

func (m Machine) connected(s State) (State, []Effect) {
	if s.Phase == PhaseIdle || s.Phase == PhaseStopping {
		return s, []Effect{CloseConn{}}
	}
	resume := s.Phase == PhaseListening
	s.Connected = true
	s.Reconnecting = false
	s.Ready, s.ForcedReady = false, false
	s.AudioStartSent = false
	s.Suppressing, s.CancelledTurnOver = false, false
	return s, []Effect{
		SendHandshake{Resume: resume},
		StartTimer{Kind: TimerReadiness, After: m.cfg.readinessTimeout(s.Attempt)},
		StartTimer{Kind: TimerHeartbeat, After: m.cfg.Heartbeat},
	}
}

func (m Machine) connectFailed(s State, err error) (State, []Effect) {
	switch s.Phase {
	case PhaseStarting:
		return m.startFailed(&ConnectionError{Err: err})
	case PhaseListening:
		if !s.Reconnecting {
			return s, nil
		}
		return m.scheduleReconnect(s, err)
	}
	return s, nil
}

func (m Machine) disconnected(s State, err error) (State, []Effect) {
	switch s.Phase {
	case PhaseStarting:
		if !s.Connected {
			return s, nil
		}
		return m.startFailed(&ConnectionError{Err: err})
	case PhaseListening:
		if !s.Connected {
			return s, nil
		}
		return m.scheduleReconnect(s, err)
	case PhaseStopping:
		return m.finishStop()
	}
	return s, nil
}

// scheduleReconnect drops per-connection state and arms the next attempt.
// A paused session waits for resume instead.
func (m Machine) scheduleReconnect(s State, err error) (State, []Effect) {
	effects := []Effect{
		CloseConn{},
		StopTimer{Kind: TimerReadiness},
		StopTimer{Kind: TimerHeartbeat},
	}
	if s.AssistantResponding {
		effects = append(effects, SealTurn{Role: protocol.RoleAssistant, Interrupted: true})
	}
	s.Connected, s.Ready, s.ForcedReady = false, false, false
	s.AssistantResponding, s.UserSpeaking, s.PostBargeIn = false, false, false
	s.AudioStartSent = false

	if s.Paused {
		s.Reconnecting = false
		return s, append(effects, Log{Level: zerolog.InfoLevel, Msg: "Connection lost while paused", Err: err})
	}
	if s.Attempt >= m.cfg.Reconnect.MaxAttempts {
		return m.fail(s, &SessionError{Message: "connection lost and could not be restored", Err: err})
	}
	delay := m.cfg.Reconnect.Delay(s.Attempt)
	s.Reconnecting = true
	s.Attempt++
	return s, append(effects,
		Log{Level: zerolog.WarnLevel, Msg: "Connection lost, reconnecting", Err: err},
		StartTimer{Kind: TimerReconnect, After: delay},
	)
}

func (m Machine) startFailed(err error) (State, []Effect) {
	return State{}, []Effect{StopTimers{}, CloseConn{}, StartResult{Err: err}}
}

// fail tears the session down and surfaces err exactly once.
func (m Machine) fail(s State, err error) (State, []Effect) {
	effects := []Effect{StopTimers{}, SealAll{}, ResetPlayback{}, CloseConn{}}
	if s.Phase == PhaseStarting {
		effects = append(effects, StartResult{Err: err})
	} else {
		effects = append(effects, Fail{Err: err})
	}
	return State{}, effects
}

func (m Machine) finishStop() (State, []Effect) {
	return State{}, []Effect{StopTimers{}, CloseConn{}, Stopped{}}
}

func (m Machine) stop(s State) (State, []Effect) {
	switch s.Phase {
	case PhaseIdle, PhaseStopping:
		return s, nil
	case PhaseStarting:
		return State{}, []Effect{StopTimers{}, CloseConn{}, StartResult{Err: ErrSessionStopped}, Stopped{}}
	}

	effects := []Effect{StopTimers{}, SealAll{}, ResetPlayback{}}
	if !s.Connected {
		return State{}, append(effects, CloseConn{}, Stopped{})
	}
	return State{Phase: PhaseStopping, Connected: true}, append(effects,
		send(protocol.TypeStop),
		StartTimer{Kind: TimerStopGrace, After: m.cfg.StopGrace},
	)
}

func (m Machine) pause(s State) (State, []Effect) {
	if s.Phase != PhaseListening || s.Paused {
		return s, nil
	}
	s.Paused = true
	s.UserSpeaking, s.PostBargeIn = false, false
	s.AudioStartSent = false
	if !s.Connected {
		return s, nil
	}
	return s, []Effect{send(protocol.TypePause)}
}

func (m Machine) resume(s State) (State, []Effect) {
	if s.Phase != PhaseListening || !s.Paused {
		return s, nil
	}
	s.Paused = false
	if s.Connected {
		return s, []Effect{SendResume{}}
	}
	if s.Reconnecting {
		return s, nil
	}
	s.Reconnecting = true
	s.Attempt = 0
	return s, []Effect{Dial{Attempt: 0}}
}

func (m Machine) capture(s State, ev EvCapture) (State, []Effect) {
	if !s.CanSendAudio() {
		return s, nil
	}
	var effects []Effect
	if !s.AudioStartSent {
		s.AudioStartSent = true
		effects = append(effects, send(protocol.TypeAudioStart))
	}
	return s, append(effects, Send{Msg: protocol.ClientMessage{
		Type:       protocol.TypeAudio,
		Data:       ev.Audio,
		SampleRate: ev.SampleRate,
	}})
}

func (m Machine) speech(s State, speaking bool) (State, []Effect) {
	if s.Phase != PhaseListening || s.Paused {
		return s, nil
	}
	if speaking {
		s.UserSpeaking = true
		s.WaitingForAssistant = false
		return s, nil
	}
	if !s.UserSpeaking {
		return s, nil
	}
	s.UserSpeaking = false
	s.PostBargeIn = false
	s.WaitingForAssistant = true
	if s.Suppressing {
		s.CancelledTurnOver = true
	}
	return s, nil
}

// bargeIn cancels the assistant turn locally before the server hears about
// it: playback is cleared, the partial turn is kept as interrupted and the
// user is treated as speaking.
func (m Machine) bargeIn(s State, at time.Time) (State, []Effect) {
	if s.Phase != PhaseListening || s.Paused || s.Suppressing {
		return s, nil
	}
	if !s.AssistantResponding && !s.AssistantAudible {
		return s, nil
	}
	if !s.LastCancel.IsZero() && at.Sub(s.LastCancel) < m.cfg.CancelDebounce {
		return s, nil
	}

	s.LastCancel = at
	s.Suppressing = true
	s.CancelledTurnOver = !s.AssistantResponding
	s.AssistantResponding, s.AssistantAudible = false, false
	s.UserSpeaking, s.PostBargeIn = true, true
	s.WaitingForAssistant = false
	s.AudioStartSent = false

	effects := []Effect{
		ClearPlayback{Cooldown: m.cfg.BargeInCooldown},
		SealTurn{Role: protocol.RoleAssistant, Interrupted: true},
	}
	if s.Connected {
		effects = append(effects, send(protocol.TypeCancelTurn))
	}
	return s, append(effects, ReportBargeIn{Source: "local"})
}

// remoteInterrupt treats an upstream INTERRUPTED as a barge-in the client
// has not seen yet. A turn that is already cancelled is left alone.
func (m Machine) remoteInterrupt(s State) (State, []Effect) {
	if s.Suppressing || (!s.AssistantResponding && !s.AssistantAudible) {
		return s, nil
	}
	s.AssistantResponding, s.AssistantAudible = false, false
	s.Suppressing, s.CancelledTurnOver = true, true
	return s, []Effect{
		ClearPlayback{Cooldown: m.cfg.BargeInCooldown},
		SealTurn{Role: protocol.RoleAssistant, Interrupted: true},
		ReportBargeIn{Source: "upstream"},
	}
}

func (m Machine) timer(s State, ev EvTimer) (State, []Effect) {
	switch ev.Kind {
	case TimerStart:
		if s.Phase == PhaseStarting {
			return m.startFailed(ErrReadinessTimeout)
		}
	case TimerReadiness:
		if s.Phase == PhaseIdle || !s.Connected || s.Ready {
			return s, nil
		}
		s.Ready, s.ForcedReady = true, true
		return s, []Effect{ReportForcedReady{
			Attempt: s.Attempt,
			After:   m.cfg.readinessTimeout(s.Attempt),
		}}
	case TimerHeartbeat:
		if !s.Connected || s.Phase == PhaseIdle || s.Phase == PhaseStopping {
			return s, nil
		}
		s.LastPing = ev.At
		return s, []Effect{
			send(protocol.TypePing),
			StartTimer{Kind: TimerHeartbeat, After: m.cfg.Heartbeat},
		}
	case TimerReconnect:
		if s.Phase == PhaseListening && s.Reconnecting && !s.Connected {
			return s, []Effect{Dial{Attempt: s.Attempt}}
		}
	case TimerStopGrace:
		if s.Phase == PhaseStopping {
			return m.finishStop()
		}
	}
	return s, nil
}

func (m Machine) server(s State, ev EvServer) (State, []Effect) {
	if s.Phase == PhaseIdle {
		return s, nil
	}
	msg := ev.Msg

	switch msg.Type {
	case protocol.TypeStarted:
		if s.Phase != PhaseStarting {
			return s, nil
		}
		s.Phase = PhaseListening
		return s, []Effect{StopTimer{Kind: TimerStart}, StartResult{}}

	case protocol.TypePromptReady:
		if s.Ready && !s.ForcedReady {
			return s, nil
		}
		s.Ready, s.ForcedReady = true, false
		s.Attempt = 0
		return s, []Effect{StopTimer{Kind: TimerReadiness}}

	case protocol.TypeContentStart:
		if msg.ContentStart().Role != protocol.RoleAssistant {
			if s.Suppressing {
				s.CancelledTurnOver = true
			}
			return s, nil
		}
		// Further blocks of a cancelled turn that has not ended stay muted.
		if s.Suppressing && !s.CancelledTurnOver {
			return s, nil
		}
		s.Suppressing, s.CancelledTurnOver = false, false
		s.AssistantResponding = true
		s.WaitingForAssistant = false
		s.AudioStartSent = false
		s.AudioSince = time.Time{}
		return s, nil

	case protocol.TypePartial, protocol.TypeFinal:
		role := msg.Role
		if role == "" {
			role = protocol.RoleAssistant
		}
		if role == protocol.RoleAssistant {
			if s.Suppressing {
				return s, nil
			}
			if msg.Type == protocol.TypePartial {
				s.AssistantResponding = true
			}
		}
		return s, []Effect{ApplyTranscript{
			Role:       role,
			Text:       msg.Text,
			Final:      msg.Type == protocol.TypeFinal,
			Confidence: msg.Confidence,
		}}

	case protocol.TypeServerAudio:
		if s.Phase != PhaseListening || s.Suppressing || msg.Audio == "" {
			return s, nil
		}
		s.AssistantResponding = true
		s.AssistantAudible = true
		if s.AudioSince.IsZero() {
			s.AudioSince = ev.At
		}
		return s, []Effect{PlayAudio{Audio: msg.Audio}}

	case protocol.TypeContentEnd:
		if msg.Role == protocol.RoleUser {
			return s, nil
		}
		switch msg.StopReason {
		case protocol.StopInterrupted:
			return m.remoteInterrupt(s)
		case protocol.StopPartialTurn:
			return s, nil
		}
		if s.Suppressing {
			s.CancelledTurnOver = true
			return s, nil
		}
		s.AssistantResponding = false
		return s, []Effect{
			SealTurn{Role: protocol.RoleAssistant},
			DrainPlayback{},
		}

	case protocol.TypeTokenUsage:
		u, err := msg.TokenUsage()
		if err != nil {
			return s, []Effect{Log{Level: zerolog.WarnLevel, Msg: "Dropping malformed token usage", Err: err}}
		}
		return s, []Effect{ReportUsage{Usage: u}}

	case protocol.TypeError:
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		switch protocol.ClassifyError(text) {
		case protocol.Recoverable:
			return s, []Effect{Log{Level: zerolog.WarnLevel, Msg: "Server recovered from error", Err: errors.New(text)}}
		case protocol.RestartRequired:
			effects := []Effect{Log{Level: zerolog.WarnLevel, Msg: "Server requires a stream restart", Err: errors.New(text)}}
			if s.Connected {
				effects = append(effects, send(protocol.TypeForceRestart))
			}
			return s, effects
		}
		return m.fail(s, &SessionError{Message: text})

	case protocol.TypePong:
		if s.LastPing.IsZero() {
			return s, nil
		}
		return s, []Effect{ReportLatency{
			RTT:    ev.At.Sub(s.LastPing),
			Server: time.Duration(msg.Latency) * time.Millisecond,
		}}

	case protocol.TypeStopped:
		if s.Phase == PhaseStopping {
			return m.finishStop()
		}
		return State{}, []Effect{StopTimers{}, SealAll{}, ResetPlayback{}, CloseConn{}, Stopped{}}

	case protocol.TypeInfo:
		return s, []Effect{Log{Level: zerolog.InfoLevel, Msg: msg.Message}}

	case protocol.TypePaused, protocol.TypeResumed, protocol.TypeStreamComplete:
		return s, nil
	}

	return s, []Effect{Log{Level: zerolog.WarnLevel, Msg: "Ignoring unknown server message type " + string(msg.Type)}}
}
