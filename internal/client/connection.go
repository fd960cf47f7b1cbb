package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// Conn is one physical connection to the server.
type Conn interface {
	// Send stamps the next sequence number on msg and writes it.
	Send(msg protocol.ClientMessage) error
	// Receive returns the next server message. Malformed frames are skipped.
	Receive() (protocol.ServerMessage, error)
	Close() error
}

// Transport opens connections. A Session dials again on every reconnect.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketTransport dials the server endpoint over gorilla/websocket.
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Dial opens a connection. A ctx without deadline gets a 10s dial timeout.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, t.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return newWSConn(ws, t.Logger), nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	seq       atomic.Uint64
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, logger zerolog.Logger) *wsConn {
	c := &wsConn{ws: ws, logger: logger}
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c
}

func (c *wsConn) Send(msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg.SequenceID = c.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() (protocol.ServerMessage, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.ServerMessage{}, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed server message")
			continue
		}
		return msg, nil
	}
}

// Close sends a normal closure frame and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}
