package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/sessions"
	"github.com/lexiqai/voice-session/internal/upstream"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

func TestClientConn_PreservesOrderAndCloses(t *testing.T) {
	ws := &fakeWSWriter{}
	c := newClientConn(ws, 8, time.Hour, time.Second, zerolog.Nop())

	now := time.Now()
	for _, typ := range []protocol.ServerMessageType{protocol.TypeServerAudio, protocol.TypeContentEnd, protocol.TypeFinal} {
		if err := c.Send(protocol.NewServerMessage(typ, now)); err != nil {
			t.Fatalf("Send(%s): %v", typ, err)
		}
	}
	go c.Run()
	c.Close()

	writes := ws.snapshot()
	if len(writes) != 4 {
		t.Fatalf("Expected 3 messages and a close frame, got %d", len(writes))
	}
	for i, want := range []string{`"type":"audio"`, `"type":"contentEnd"`, `"type":"final"`} {
		if !strings.Contains(writes[i].data, want) {
			t.Errorf("Write %d = %s, want %s", i, writes[i].data, want)
		}
	}
	if writes[3].messageType != websocket.CloseMessage {
		t.Errorf("Expected a close frame last, got type %d", writes[3].messageType)
	}
	if !ws.closed {
		t.Error("Expected socket to be closed")
	}
	if err := c.Send(protocol.NewServerMessage(protocol.TypePong, now)); err != errConnClosed {
		t.Errorf("Expected errConnClosed after Close, got %v", err)
	}
}

func TestClientConn_FullQueue(t *testing.T) {
	c := newClientConn(&fakeWSWriter{}, 1, time.Hour, time.Second, zerolog.Nop())
	now := time.Now()

	c.Send(protocol.NewServerMessage(protocol.TypePartial, now))
	if err := c.Send(protocol.NewServerMessage(protocol.TypeServerAudio, now)); err != nil {
		t.Errorf("Audio should be dropped silently, got %v", err)
	}
	if err := c.Send(protocol.NewServerMessage(protocol.TypeFinal, now)); err != errQueueFull {
		t.Errorf("Expected errQueueFull, got %v", err)
	}
}

type stubStream struct {
	events chan upstream.Event
	once   sync.Once
}

func (s *stubStream) Events() <-chan upstream.Event           { return s.events }
func (s *stubStream) StartAudio(context.Context) error        { return nil }
func (s *stubStream) SendAudio(context.Context, []byte) error { return nil }
func (s *stubStream) EndTurn(context.Context, string) error   { return nil }

func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type stubDialer struct{}

func (stubDialer) Open(ctx context.Context, setup upstream.Setup) (upstream.Stream, error) {
	st := &stubStream{events: make(chan upstream.Event, 1)}
	st.events <- upstream.Event{Kind: upstream.EventReady}
	return st, nil
}
func (stubDialer) Check(context.Context) (bool, error) { return true, nil }
func (stubDialer) Close() error                        { return nil }

func testConfig() *config.Config {
	return &config.Config{
		SystemPrompt:           "You are a test assistant.",
		InputSampleRate:        16000,
		OutputSampleRate:       24000,
		HistoryReplayTurns:     10,
		MaxRestartAttempts:     3,
		RestartDelay:           10 * time.Millisecond,
		RestartResetAfter:      30 * time.Second,
		ReadinessTimeout:       time.Second,
		ReadinessMaxTimeout:    2 * time.Second,
		AudioBatchWindow:       50 * time.Millisecond,
		AudioBatchMaxFragments: 15,
		CancelDebounce:         200 * time.Millisecond,
	}
}

func readUntil(t *testing.T, ws *websocket.Conn, want protocol.ServerMessageType) protocol.ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Reading for %s: %v", want, err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	manager := sessions.NewManager(time.Minute, time.Minute, zerolog.Nop())
	h := NewHandler(context.Background(), testConfig(), stubDialer{}, manager, nil, nil, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	send := func(typ protocol.ClientMessageType, edit func(*protocol.ClientMessage)) {
		msg := protocol.NewClientMessage(typ, time.Now())
		if edit != nil {
			edit(&msg)
		}
		if err := ws.WriteJSON(msg); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	send(protocol.TypeStart, nil)
	readUntil(t, ws, protocol.TypeStarted)
	readUntil(t, ws, protocol.TypePromptReady)
	if manager.Count() != 1 {
		t.Errorf("Expected one registered session, got %d", manager.Count())
	}

	// Malformed input is dropped without ending the session.
	ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	send(protocol.TypePing, func(m *protocol.ClientMessage) { m.SequenceID = 3 })
	if pong := readUntil(t, ws, protocol.TypePong); pong.SequenceID != 3 {
		t.Errorf("Expected pong for sequence 3, got %d", pong.SequenceID)
	}

	send(protocol.TypeStop, nil)
	readUntil(t, ws, protocol.TypeStopped)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected a normal close after stop, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for manager.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if manager.Count() != 0 {
		t.Error("Expected session to be unregistered after stop")
	}
}

func TestHandler_ClientDisconnectEndsSession(t *testing.T) {
	manager := sessions.NewManager(time.Minute, time.Minute, zerolog.Nop())
	h := NewHandler(context.Background(), testConfig(), stubDialer{}, manager, nil, nil, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ws.WriteJSON(protocol.NewClientMessage(protocol.TypeStart, time.Now()))
	readUntil(t, ws, protocol.TypeStarted)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for manager.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if manager.Count() != 0 {
		t.Error("Expected session to end when the client disconnects")
	}
}
