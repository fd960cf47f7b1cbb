package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/sessions"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/upstream"
)

const (
	maxMessageSize  = 1 << 20
	pongWait        = 60 * time.Second
	pingInterval    = 25 * time.Second
	writeTimeout    = 10 * time.Second
	sendQueueSize   = 512
	sessionStopWait = 5 * time.Second

	reasonDisconnected = "client_disconnected"
)

var upgrader = websocket.Upgrader{
	// Browser clients connect from the application origin; the endpoint
	// carries no credentials.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TranscriberFactory creates the optional user transcriber for one session
type TranscriberFactory func() stt.Transcriber

// Handler binds each client websocket to one orchestrator session
type Handler struct {
	ctx          context.Context
	cfg          *config.Config
	dialer       upstream.Dialer
	manager      *sessions.Manager
	recorder     orchestrator.Recorder
	transcribers TranscriberFactory
	logger       zerolog.Logger
}

// NewHandler creates the client endpoint. Sessions live until their client
// leaves, they stop on their own, or ctx is cancelled.
func NewHandler(
	ctx context.Context,
	cfg *config.Config,
	dialer upstream.Dialer,
	manager *sessions.Manager,
	recorder orchestrator.Recorder,
	transcribers TranscriberFactory,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		ctx:          ctx,
		cfg:          cfg,
		dialer:       dialer,
		manager:      manager,
		recorder:     recorder,
		transcribers: transcribers,
		logger:       observability.WithComponent(logger, "gateway"),
	}
}

// ServeHTTP upgrades the connection and runs the session until either side
// ends it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	id := uuid.NewString()
	logger := h.logger.With().
		Str("session_id", id).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	conn := newClientConn(ws, sendQueueSize, pingInterval, writeTimeout, logger)
	go conn.Run()

	var transcriber stt.Transcriber
	if h.transcribers != nil {
		transcriber = h.transcribers()
	}

	session := orchestrator.NewSession(orchestrator.Options{
		ID:          id,
		Config:      h.cfg,
		Dialer:      h.dialer,
		Sender:      conn,
		Recorder:    h.recorder,
		Transcriber: transcriber,
		Logger:      h.logger,
		OnClose:     h.manager.Unregister,
	})
	if err := h.manager.Register(session); err != nil {
		logger.Error().Err(err).Msg("Failed to register session")
		conn.Close()
		return
	}
	go session.Run(h.ctx)
	logger.Info().Int("active_sessions", h.manager.Count()).Msg("Client connected")

	// A session that ends on its own flushes its last messages and hangs up.
	go func() {
		<-session.Done()
		conn.Close()
	}()

	h.readLoop(ws, session, logger)

	session.Close(reasonDisconnected)
	select {
	case <-session.Done():
	case <-time.After(sessionStopWait):
		logger.Warn().Msg("Session did not stop after client disconnect")
	}
	conn.Close()
	logger.Info().Msg("Client disconnected")
}

func (h *Handler) readLoop(ws *websocket.Conn, session *orchestrator.Session, logger zerolog.Logger) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	warnedVersion := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed client message")
			continue
		}
		if !warnedVersion && !protocol.CompatibleVersion(msg.Version) {
			warnedVersion = true
			logger.Warn().Str("version", msg.Version).Msg("Client protocol version differs")
		}
		session.HandleMessage(msg)
	}
}
