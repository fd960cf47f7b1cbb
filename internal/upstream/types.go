package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// EventKind identifies an upstream response event
type EventKind int

const (
	// EventReady means the upstream accepted the session configuration and
	// is ready for audio.
	EventReady EventKind = iota
	EventContentStart
	EventText
	EventAudio
	EventContentEnd
	EventUsage
	EventError
	// EventComplete is sent once when the upstream ends the stream cleanly.
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventContentStart:
		return "content_start"
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventContentEnd:
		return "content_end"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	case EventComplete:
		return "complete"
	}
	return "unknown"
}

// Content types carried by content boundaries
const (
	ContentText  = "TEXT"
	ContentAudio = "AUDIO"
	ContentTool  = "TOOL"
)

// Event is one response event read from an upstream stream
type Event struct {
	Kind        EventKind
	Role        protocol.Role
	ContentType string
	Text        string
	Audio       string // base64 PCM16LE at the output sample rate
	StopReason  string
	Usage       *protocol.TokenUsage
	Err         error
}

// Setup configures a freshly opened stream. Identifiers must be unique per
// stream.
type Setup struct {
	SessionID        string
	PromptName       string
	ContentName      string
	SystemPrompt     string
	History          []protocol.HistoryEntry
	VoiceID          string
	InputSampleRate  int
	OutputSampleRate int
}

// Stream is one bidirectional speech session with the model. Events is
// closed when the stream ends for any reason.
type Stream interface {
	Events() <-chan Event
	// StartAudio opens the user audio content block.
	StartAudio(ctx context.Context) error
	// SendAudio forwards raw PCM16LE at the input sample rate.
	SendAudio(ctx context.Context, pcm []byte) error
	// EndTurn closes the current content with the given stop reason.
	EndTurn(ctx context.Context, reason string) error
	Close() error
}

// Dialer opens upstream streams
type Dialer interface {
	Open(ctx context.Context, setup Setup) (Stream, error)
	// Check reports whether the upstream is reachable.
	Check(ctx context.Context) (bool, error)
	Close() error
}

var (
	// ErrTransient marks upstream faults that a stream restart can recover.
	ErrTransient = errors.New("transient upstream error")
	// ErrFatal marks upstream faults that end the session.
	ErrFatal = errors.New("fatal upstream error")
	// ErrStreamClosed is returned when sending on a closed stream.
	ErrStreamClosed = errors.New("upstream stream closed")
)

// Transient wraps err as a transient upstream fault.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err as a fatal upstream fault.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsTransient reports whether err should trigger a restart with context
// replay rather than end the session.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrStreamClosed) {
		return true
	}
	if resilience.ContainsAny(err.Error(), protocol.TransientMarkers()) {
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}

// NeedsFreshStream reports whether err is a validation-class fault that
// only a restart clears.
func NeedsFreshStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ValidationException")
}
