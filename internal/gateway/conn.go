package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
)

var (
	errConnClosed = errors.New("client connection closed")
	errQueueFull  = errors.New("client send queue full")
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// clientConn serializes every write to one client websocket through a
// single writer goroutine. Messages keep their send order.
type clientConn struct {
	ws           wsWriter
	queue        chan protocol.ServerMessage
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(ws wsWriter, queueSize int, pingInterval, writeTimeout time.Duration, logger zerolog.Logger) *clientConn {
	return &clientConn{
		ws:           ws,
		queue:        make(chan protocol.ServerMessage, queueSize),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Send queues a message for the writer. Audio is dropped when the client
// falls behind; other messages fail with errQueueFull.
func (c *clientConn) Send(msg protocol.ServerMessage) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	default:
	}

	observability.RecordClientDropped(string(msg.Type))
	if msg.Type == protocol.TypeServerAudio {
		c.logger.Warn().Msg("Client send queue full, dropping audio")
		return nil
	}
	c.logger.Warn().Str("type", string(msg.Type)).Msg("Client send queue full")
	return errQueueFull
}

// Close flushes queued messages, sends a normal close frame and closes the
// socket. It returns once the writer has stopped.
func (c *clientConn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
}

// Run writes queued messages and keepalive pings until Close or a write error
func (c *clientConn) Run() {
	defer close(c.done)
	defer c.ws.Close()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("Client write failed")
				c.closeOnce.Do(func() { close(c.closing) })
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("Client ping failed")
				c.closeOnce.Do(func() { close(c.closing) })
				return
			}

		case <-c.closing:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *clientConn) flush() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) write(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode server message")
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
