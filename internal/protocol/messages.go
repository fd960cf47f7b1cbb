package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is stamped on every message in both directions.
const Version = "1.0.0"

// Role identifies the speaker of a turn or transcript fragment.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// ClientMessageType enumerates client -> server message types.
type ClientMessageType string

const (
	TypeStart        ClientMessageType = "start"
	TypeAudioStart   ClientMessageType = "audioStart"
	TypeAudio        ClientMessageType = "audio"
	TypeStop         ClientMessageType = "stop"
	TypePause        ClientMessageType = "pause"
	TypeResume       ClientMessageType = "resume"
	TypeCancelTurn   ClientMessageType = "cancel_current_turn"
	TypeForceRestart ClientMessageType = "force_restart"
	TypePing         ClientMessageType = "ping"
)

// ServerMessageType enumerates server -> client message types.
type ServerMessageType string

const (
	TypeStarted        ServerMessageType = "started"
	TypePromptReady    ServerMessageType = "promptReady"
	TypePartial        ServerMessageType = "partial"
	TypeFinal          ServerMessageType = "final"
	TypeServerAudio    ServerMessageType = "audio"
	TypeContentStart   ServerMessageType = "contentStart"
	TypeContentEnd     ServerMessageType = "contentEnd"
	TypeTokenUsage     ServerMessageType = "tokenUsage"
	TypeError          ServerMessageType = "error"
	TypePong           ServerMessageType = "pong"
	TypeStopped        ServerMessageType = "stopped"
	TypePaused         ServerMessageType = "paused"
	TypeResumed        ServerMessageType = "resumed"
	TypeStreamComplete ServerMessageType = "streamComplete"
	TypeInfo           ServerMessageType = "info"
)

// Stop reasons carried by contentEnd.
const (
	StopEndTurn     = "END_TURN"
	StopInterrupted = "INTERRUPTED"
	StopPartialTurn = "PARTIAL_TURN"
)

// HistoryEntry is one turn of conversation history as carried on the wire.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ClientMessage is the envelope for every client -> server message.
type ClientMessage struct {
	Version             string            `json:"version"`
	Type                ClientMessageType `json:"type"`
	Timestamp           int64             `json:"timestamp"`
	SequenceID          uint64            `json:"sequenceId,omitempty"`
	SystemPrompt        string            `json:"systemPrompt,omitempty"`
	ConversationHistory []HistoryEntry    `json:"conversationHistory,omitempty"`
	Data                string            `json:"data,omitempty"`
	SampleRate          int               `json:"sampleRate,omitempty"`
	Reason              string            `json:"reason,omitempty"`
}

// Known reports whether the type is one this build understands.
func (m ClientMessage) Known() bool {
	switch m.Type {
	case TypeStart, TypeAudioStart, TypeAudio, TypeStop, TypePause, TypeResume,
		TypeCancelTurn, TypeForceRestart, TypePing:
		return true
	}
	return false
}

// ServerMessage is the envelope for every server -> client message.
type ServerMessage struct {
	Version    string            `json:"version"`
	Type       ServerMessageType `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Message    string            `json:"message,omitempty"`
	Text       string            `json:"text,omitempty"`
	Audio      string            `json:"audio,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Role       Role              `json:"role,omitempty"`
	StopReason string            `json:"stopReason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Latency    int64             `json:"latency,omitempty"`
	SequenceID uint64            `json:"sequenceId,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

// Known reports whether the type is one this build understands.
func (m ServerMessage) Known() bool {
	switch m.Type {
	case TypeStarted, TypePromptReady, TypePartial, TypeFinal, TypeServerAudio,
		TypeContentStart, TypeContentEnd, TypeTokenUsage, TypeError, TypePong,
		TypeStopped, TypePaused, TypeResumed, TypeStreamComplete, TypeInfo:
		return true
	}
	return false
}

// ContentStart is the data payload of a contentStart message.
type ContentStart struct {
	Type string `json:"type,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// ModalityTokens splits a token count by modality.
type ModalityTokens struct {
	SpeechTokens int64 `json:"speechTokens"`
	TextTokens   int64 `json:"textTokens"`
}

// UsageBreakdown splits token counts by direction.
type UsageBreakdown struct {
	Input  ModalityTokens `json:"input"`
	Output ModalityTokens `json:"output"`
}

// UsageDetails carries the per-event delta and the running total.
type UsageDetails struct {
	Delta *UsageBreakdown `json:"delta,omitempty"`
	Total *UsageBreakdown `json:"total,omitempty"`
}

// TokenUsage is the data payload of a tokenUsage message. Totals are
// cumulative for the upstream stream that produced them.
type TokenUsage struct {
	TotalInputTokens  int64         `json:"totalInputTokens"`
	TotalOutputTokens int64         `json:"totalOutputTokens"`
	TotalTokens       int64         `json:"totalTokens"`
	Details           *UsageDetails `json:"details,omitempty"`
}

// ContentStart decodes the data payload of a contentStart message. The
// top-level role wins when both are present.
func (m ServerMessage) ContentStart() ContentStart {
	var cs ContentStart
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &cs)
	}
	if m.Role != "" {
		cs.Role = m.Role
	}
	return cs
}

// TokenUsage decodes the data payload of a tokenUsage message.
func (m ServerMessage) TokenUsage() (TokenUsage, error) {
	var u TokenUsage
	if len(m.Data) == 0 {
		return u, fmt.Errorf("tokenUsage message without data")
	}
	if err := json.Unmarshal(m.Data, &u); err != nil {
		return u, fmt.Errorf("decode token usage: %w", err)
	}
	return u, nil
}

// NowMillis returns t as Unix milliseconds, the wire timestamp unit.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewClientMessage returns a versioned, timestamped client message.
func NewClientMessage(t ClientMessageType, now time.Time) ClientMessage {
	return ClientMessage{Version: Version, Type: t, Timestamp: NowMillis(now)}
}

// NewServerMessage returns a versioned, timestamped server message.
func NewServerMessage(t ServerMessageType, now time.Time) ServerMessage {
	return ServerMessage{Version: Version, Type: t, Timestamp: NowMillis(now)}
}

// WithData marshals v into the message's data field.
func (m ServerMessage) WithData(v any) ServerMessage {
	raw, err := json.Marshal(v)
	if err == nil {
		m.Data = raw
	}
	return m
}
