package transcript

import (
	"strings"

	"github.com/lexiqai/voice-session/internal/protocol"
)

const (
	// DefaultSystemPrompt is used when a session starts without one.
	DefaultSystemPrompt = "You are a helpful assistant."

	resumeBase = "You are a helpful and friendly assistant."

	// DefaultReplayTurns bounds the history replayed into a restarted stream.
	DefaultReplayTurns = 10
)

// FormatHistory renders entries one per line as "ROLE: content".
func FormatHistory(entries []protocol.HistoryEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	return b.String()
}

// ResumePrompt builds the system prompt sent when a paused or dropped
// session is resumed with prior history.
func ResumePrompt(history []protocol.HistoryEntry) string {
	if len(history) == 0 {
		return resumeBase
	}
	return resumeBase + " Here is our previous conversation context:\n\n" +
		FormatHistory(history) +
		"\n\nPlease continue our conversation naturally, remembering the context above."
}

// ReplayPrompt appends the most recent limit turns of history to base so a
// restarted upstream stream picks the conversation up where it stopped.
func ReplayPrompt(base string, history []protocol.HistoryEntry, limit int) string {
	if base == "" {
		base = DefaultSystemPrompt
	}
	if len(history) == 0 {
		return base
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return base +
		"\n\nIMPORTANT: Here is our recent conversation history that you should remember and continue naturally:\n\n" +
		FormatHistory(history) +
		"\n\nPlease continue our conversation naturally, remembering everything we discussed above. " +
		"Do not mention that this is a \"restart\" or \"reconnection\" - just continue as if the conversation never stopped."
}
