package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	sent   chan protocol.ClientMessage
	recv   chan protocol.ServerMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan protocol.ClientMessage, 1024),
		recv:   make(chan protocol.ServerMessage, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg protocol.ClientMessage) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.sent <- msg
	return nil
}

func (c *fakeConn) Receive() (protocol.ServerMessage, error) {
	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.closed:
		return protocol.ServerMessage{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(typ protocol.ServerMessageType, edit func(*protocol.ServerMessage)) {
	msg := protocol.NewServerMessage(typ, time.Now())
	if edit != nil {
		edit(&msg)
	}
	c.recv <- msg
}

// expect reads sent messages until one of type typ arrives.
func (c *fakeConn) expect(t *testing.T, typ protocol.ClientMessageType) protocol.ClientMessage {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-c.sent:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", typ)
		}
	}
}

// drain returns every message sent so far.
func (c *fakeConn) drain() []protocol.ClientMessage {
	var out []protocol.ClientMessage
	for {
		select {
		case msg := <-c.sent:
			out = append(out, msg)
		default:
			return out
		}
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (tr *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	tr.mu.Lock()
	if tr.failures > 0 {
		tr.failures--
		tr.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	tr.mu.Unlock()
	c := newFakeConn()
	tr.conns <- c
	return c, nil
}

func (tr *fakeTransport) failNext(n int) {
	tr.mu.Lock()
	tr.failures = n
	tr.mu.Unlock()
}

func (tr *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-tr.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for a dial")
		return nil
	}
}

type recorder struct {
	mu       sync.Mutex
	partials []Transcript
	finals   []Transcript
	states   []StateChange
	usage    []Usage
	bargeIns []string
}

func (r *recorder) events() Events {
	return Events{
		OnPartial: func(tr Transcript) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.partials = append(r.partials, tr)
		},
		OnFinal: func(tr Transcript) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finals = append(r.finals, tr)
		},
		OnState: func(c StateChange) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, c)
		},
		OnUsage: func(u Usage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.usage = append(r.usage, u)
		},
		OnBargeIn: func(source string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.bargeIns = append(r.bargeIns, source)
		},
	}
}

func (r *recorder) finalTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.finals {
		out = append(out, f.Text)
	}
	return out
}

func (r *recorder) usageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.usage)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sessionSettings() Settings {
	return Settings{
		SampleRate:       16000,
		StartTimeout:     2 * time.Second,
		ReadinessTimeout: time.Second,
		ReadinessMax:     2 * time.Second,
		Heartbeat:        time.Hour,
		CancelDebounce:   200 * time.Millisecond,
		StopGrace:        20 * time.Millisecond,
		BargeInCooldown:  250 * time.Millisecond,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: 5,
			Backoff:     5 * time.Millisecond,
			Multiplier:  2,
			MaxBackoff:  50 * time.Millisecond,
		},
	}
}

type harness struct {
	s      *Session
	tr     *fakeTransport
	rec    *recorder
	conn   *fakeConn
	tokens int64
}

func newHarness(t *testing.T, cfg Settings, now func() time.Time) *harness {
	t.Helper()
	h := &harness{tr: newFakeTransport(), rec: &recorder{}}
	h.s = NewSession(cfg, h.tr, nil, h.rec.events(), zerolog.Nop())
	if now != nil {
		h.s.now = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})
	return h
}

// start runs the handshake through to a ready upstream.
func (h *harness) start(t *testing.T, history []protocol.HistoryEntry) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Start(context.Background(), "You are an interview coach.", history) }()

	h.conn = h.tr.next(t)
	h.conn.expect(t, protocol.TypeStart)
	h.conn.push(protocol.TypeStarted, nil)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Start did not return")
	}
	h.conn.push(protocol.TypePromptReady, nil)
	waitFor(t, "readiness", func() bool { return h.s.State().Ready })
}

// barrier waits until every server message pushed so far has been handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	h.tokens += 10
	want := h.rec.usageCount() + 1
	total := h.tokens
	h.conn.push(protocol.TypeTokenUsage, func(m *protocol.ServerMessage) {
		*m = m.WithData(protocol.TokenUsage{TotalInputTokens: total, TotalTokens: total})
	})
	waitFor(t, "token usage barrier", func() bool { return h.rec.usageCount() >= want })
}

func assistant(text string) func(*protocol.ServerMessage) {
	return func(m *protocol.ServerMessage) {
		m.Role = protocol.RoleAssistant
		m.Text = text
	}
}

func user(text string) func(*protocol.ServerMessage) {
	return func(m *protocol.ServerMessage) {
		m.Role = protocol.RoleUser
		m.Text = text
	}
}

func contentStart(role protocol.Role, kind string) func(*protocol.ServerMessage) {
	return func(m *protocol.ServerMessage) {
		*m = m.WithData(protocol.ContentStart{Type: kind, Role: role})
		m.Role = role
	}
}

func contentEnd(role protocol.Role, reason string) func(*protocol.ServerMessage) {
	return func(m *protocol.ServerMessage) {
		m.Role = role
		m.StopReason = reason
	}
}

func TestSession_AssistantTurnProducesOneFinal(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	h.conn.push(protocol.TypeContentStart, contentStart(protocol.RoleAssistant, "TEXT"))
	for _, fragment := range []string{"Hello", "there", "!"} {
		h.conn.push(protocol.TypePartial, assistant(fragment))
	}
	h.conn.push(protocol.TypeFinal, assistant("Hello there !"))
	h.conn.push(protocol.TypeContentEnd, contentEnd(protocol.RoleAssistant, protocol.StopEndTurn))
	h.barrier(t)

	finals := h.rec.finalTexts()
	if len(finals) != 1 || finals[0] != "Hello there !" {
		t.Fatalf("Expected exactly one final %q, got %q", "Hello there !", finals)
	}
	if h.rec.finals[0].Role != protocol.RoleAssistant || h.rec.finals[0].Interrupted {
		t.Errorf("Unexpected final %+v", h.rec.finals[0])
	}
	history := h.s.History()
	if len(history) != 1 || history[0].Text != "Hello there !" || history[0].Role != protocol.RoleAssistant {
		t.Errorf("Expected one sealed assistant turn, got %+v", history)
	}
	if last := h.rec.partials[len(h.rec.partials)-1]; last.Text != "Hello there !" {
		t.Errorf("Partials should accumulate, last was %q", last.Text)
	}
}

func TestSession_TurnSealedOnContentEnd(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	h.conn.push(protocol.TypeContentStart, contentStart(protocol.RoleAssistant, "TEXT"))
	for _, fragment := range []string{"Hello", "there", "!"} {
		h.conn.push(protocol.TypePartial, assistant(fragment))
	}
	h.conn.push(protocol.TypeContentEnd, contentEnd(protocol.RoleAssistant, protocol.StopEndTurn))
	h.conn.push(protocol.TypeContentEnd, contentEnd(protocol.RoleAssistant, protocol.StopEndTurn))
	h.barrier(t)

	if finals := h.rec.finalTexts(); len(finals) != 1 || finals[0] != "Hello there !" {
		t.Errorf("Expected one sealed final, got %q", finals)
	}
	if n := len(h.s.History()); n != 1 {
		t.Errorf("Duplicate end of turn must not duplicate history, got %d turns", n)
	}
}

func TestSession_BargeInDuringPlayback(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	h := newHarness(t, sessionSettings(), func() time.Time { return t0 })
	h.start(t, nil)
	pb := h.s.Playback()

	tone := make([]float32, 4800) // 200ms at 24kHz
	for i := range tone {
		tone[i] = 0.1
	}
	h.conn.push(protocol.TypeContentStart, contentStart(protocol.RoleAssistant, "AUDIO"))
	h.conn.push(protocol.TypePartial, assistant("Let me explain"))
	h.conn.push(protocol.TypeServerAudio, func(m *protocol.ServerMessage) { m.Audio = audio.EncodePCM16Base64(tone) })
	h.barrier(t)
	if pb.Available() == 0 {
		t.Fatal("Assistant audio should be buffered for playback")
	}

	voice := make([]float32, 160) // one 10ms window at 16kHz
	for i := range voice {
		voice[i] = 0.3
	}
	push := func(ms ...int) {
		for _, at := range ms {
			h.s.PushCapture(voice, t0.Add(time.Duration(at)*time.Millisecond))
		}
		h.s.sync()
	}

	// Inside the initial grace period nothing fires.
	push(100)
	if len(h.rec.bargeIns) != 0 {
		t.Fatal("Voice during the grace period must not barge in")
	}

	push(210, 220, 230)
	if len(h.rec.bargeIns) != 1 || h.rec.bargeIns[0] != "local" {
		t.Fatalf("Expected one local barge-in, got %v", h.rec.bargeIns)
	}
	if pb.Available() != 0 || !pb.InCooldown() {
		t.Error("Playback should be cleared with a cooldown")
	}

	cancels := func() int {
		n := 0
		for _, msg := range h.conn.drain() {
			if msg.Type == protocol.TypeCancelTurn {
				n++
			}
		}
		return n
	}
	if n := cancels(); n != 1 {
		t.Errorf("Expected exactly one cancel_current_turn, got %d", n)
	}

	history := h.s.History()
	if len(history) != 1 || !history[0].Interrupted || history[0].Text != "Let me explain" {
		t.Errorf("Cancelled turn should be kept as interrupted, got %+v", history)
	}

	// Continued speech and late audio of the cancelled turn change nothing.
	push(240, 250, 260)
	h.conn.push(protocol.TypeServerAudio, func(m *protocol.ServerMessage) { m.Audio = audio.EncodePCM16Base64(tone) })
	h.barrier(t)
	if n := cancels(); n != 0 {
		t.Errorf("Repeated detection sent %d more cancels", n)
	}
	if len(h.rec.bargeIns) != 1 {
		t.Errorf("Expected a single barge-in callback, got %d", len(h.rec.bargeIns))
	}
	if pb.Available() != 0 {
		t.Error("Audio of the cancelled turn must not be played")
	}

	// A further content block of the same turn is still the cancelled turn.
	h.conn.push(protocol.TypeContentEnd, contentEnd(protocol.RoleAssistant, protocol.StopPartialTurn))
	h.conn.push(protocol.TypeContentStart, contentStart(protocol.RoleAssistant, "AUDIO"))
	h.conn.push(protocol.TypeServerAudio, func(m *protocol.ServerMessage) { m.Audio = audio.EncodePCM16Base64(tone) })
	h.barrier(t)
	if pb.Available() != 0 {
		t.Error("A later block of the cancelled turn must not be played")
	}
}

func TestSession_ReconnectReplaysHistory(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, []protocol.HistoryEntry{{Role: protocol.RoleUser, Content: "I have an interview on Monday"}})

	h.conn.push(protocol.TypeFinal, user("Hi there"))
	h.conn.push(protocol.TypeContentStart, contentStart(protocol.RoleAssistant, "TEXT"))
	h.conn.push(protocol.TypeFinal, assistant("Hello, how can I help?"))
	h.conn.push(protocol.TypeContentEnd, contentEnd(protocol.RoleAssistant, protocol.StopEndTurn))
	h.conn.push(protocol.TypeFinal, user("Practice questions please"))
	h.barrier(t)

	want := []protocol.HistoryEntry{
		{Role: protocol.RoleUser, Content: "I have an interview on Monday"},
		{Role: protocol.RoleUser, Content: "Hi there"},
		{Role: protocol.RoleAssistant, Content: "Hello, how can I help?"},
		{Role: protocol.RoleUser, Content: "Practice questions please"},
	}

	// Drop the connection and fail the first redial.
	h.tr.failNext(1)
	h.conn.Close()

	c2 := h.tr.next(t)
	start := c2.expect(t, protocol.TypeStart)
	if len(start.ConversationHistory) != len(want) {
		t.Fatalf("Expected %d replayed turns, got %+v", len(want), start.ConversationHistory)
	}
	for i, e := range want {
		if start.ConversationHistory[i] != e {
			t.Errorf("Turn %d: got %+v, want %+v", i, start.ConversationHistory[i], e)
		}
	}
	summary := "USER: I have an interview on Monday\nUSER: Hi there\nASSISTANT: Hello, how can I help?\nUSER: Practice questions please"
	if !strings.Contains(start.SystemPrompt, summary) {
		t.Errorf("Replay prompt should summarize history in order, got %q", start.SystemPrompt)
	}

	c2.push(protocol.TypeStarted, nil)
	c2.push(protocol.TypePromptReady, nil)
	waitFor(t, "ready after reconnect", func() bool {
		st := h.s.State()
		return st.Ready && st.Connected && st.Attempt == 0
	})
	if st := h.s.State(); st.Phase != PhaseListening {
		t.Errorf("Session should survive reconnection, got %s", st.Phase)
	}
}

func TestSession_ForcedReadiness(t *testing.T) {
	cfg := sessionSettings()
	cfg.ReadinessTimeout = 30 * time.Millisecond
	cfg.ReadinessMax = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Start(context.Background(), "", nil) }()
	c := h.tr.next(t)
	c.expect(t, protocol.TypeStart)
	c.push(protocol.TypeStarted, nil)
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "forced readiness", func() bool {
		st := h.s.State()
		return st.Ready && st.ForcedReady
	})

	h.s.PushCapture(make([]float32, 320), time.Now())
	c.expect(t, protocol.TypeAudioStart)
	if msg := c.expect(t, protocol.TypeAudio); msg.SampleRate != 16000 || msg.Data == "" {
		t.Errorf("Unexpected audio message %+v", msg)
	}
}

func TestSession_StartFailures(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		h := newHarness(t, sessionSettings(), nil)
		h.tr.failNext(1)
		err := h.s.Start(context.Background(), "", nil)
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("Expected ConnectionError, got %v", err)
		}
		if st := h.s.State(); st.Phase != PhaseIdle {
			t.Errorf("Expected idle after failed start, got %s", st.Phase)
		}
	})

	t.Run("no acknowledgement", func(t *testing.T) {
		cfg := sessionSettings()
		cfg.StartTimeout = 30 * time.Millisecond
		h := newHarness(t, cfg, nil)

		errCh := make(chan error, 1)
		go func() { errCh <- h.s.Start(context.Background(), "", nil) }()
		c := h.tr.next(t)
		if err := <-errCh; !errors.Is(err, ErrReadinessTimeout) {
			t.Fatalf("Expected ErrReadinessTimeout, got %v", err)
		}
		waitFor(t, "connection close", c.isClosed)

		var failures int
		h.rec.mu.Lock()
		for _, change := range h.rec.states {
			if change.Err != nil {
				failures++
			}
		}
		h.rec.mu.Unlock()
		if failures != 1 {
			t.Errorf("Expected exactly one error state, got %d", failures)
		}
	})
}

func TestSession_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	if err := h.s.Start(context.Background(), "", nil); err != nil {
		t.Fatalf("Second Start: %v", err)
	}
	select {
	case <-h.tr.conns:
		t.Error("Second Start must not dial again")
	default:
	}
}

func TestSession_StopClosesConnection(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	h.s.Stop(ctx)

	h.conn.expect(t, protocol.TypeStop)
	if !h.conn.isClosed() {
		t.Error("Stop should close the connection")
	}
	if st := h.s.State(); st.Phase != PhaseIdle {
		t.Errorf("Expected idle after stop, got %s", st.Phase)
	}
	h.s.Stop(ctx)
}

func TestSession_PauseAndResume(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	h.s.Pause()
	h.conn.expect(t, protocol.TypePause)
	h.s.PushCapture(make([]float32, 320), time.Now())
	h.s.sync()
	for _, msg := range h.conn.drain() {
		if msg.Type == protocol.TypeAudio {
			t.Error("Audio must not be sent while paused")
		}
	}

	h.s.Resume([]protocol.HistoryEntry{{Role: protocol.RoleUser, Content: "Where were we?"}})
	msg := h.conn.expect(t, protocol.TypeResume)
	if len(msg.ConversationHistory) != 1 || !strings.Contains(msg.SystemPrompt, "USER: Where were we?") {
		t.Errorf("Resume should carry history, got %+v", msg)
	}
}

func TestSession_TokenUsageNeverDecreases(t *testing.T) {
	h := newHarness(t, sessionSettings(), nil)
	h.start(t, nil)

	push := func(total int64) {
		h.conn.push(protocol.TypeTokenUsage, func(m *protocol.ServerMessage) {
			*m = m.WithData(protocol.TokenUsage{
				TotalInputTokens: total,
				TotalTokens:      total,
				Details: &protocol.UsageDetails{
					Delta: &protocol.UsageBreakdown{Input: protocol.ModalityTokens{SpeechTokens: 5}},
				},
			})
		})
	}
	push(100)
	push(80)
	push(120)
	waitFor(t, "usage", func() bool { return h.rec.usageCount() >= 2 })
	h.barrier(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.usage[0].Total.TotalTokens != 100 || h.rec.usage[1].Total.TotalTokens != 120 {
		t.Errorf("Stale usage should be skipped, got %+v", h.rec.usage)
	}
	if h.rec.usage[0].Delta.Input.SpeechTokens != 5 {
		t.Errorf("Delta should be forwarded, got %+v", h.rec.usage[0].Delta)
	}
}
