package orchestrator

import "github.com/lexiqai/voice-session/internal/protocol"

// usageTracker turns per-stream cumulative usage reports into deltas and
// keeps session totals that never decrease across stream restarts.
type usageTracker struct {
	prev  protocol.TokenUsage
	total protocol.UsageBreakdown
}

// newStream forgets the previous stream's running totals
func (u *usageTracker) newStream() {
	u.prev = protocol.TokenUsage{}
}

// observe records one report and returns the delta it represents
func (u *usageTracker) observe(cur protocol.TokenUsage) protocol.UsageBreakdown {
	var delta protocol.UsageBreakdown

	switch {
	case cur.Details != nil && cur.Details.Total != nil:
		var prev protocol.UsageBreakdown
		if u.prev.Details != nil && u.prev.Details.Total != nil {
			prev = *u.prev.Details.Total
		}
		t := cur.Details.Total
		delta.Input.SpeechTokens = nonNegative(t.Input.SpeechTokens - prev.Input.SpeechTokens)
		delta.Input.TextTokens = nonNegative(t.Input.TextTokens - prev.Input.TextTokens)
		delta.Output.SpeechTokens = nonNegative(t.Output.SpeechTokens - prev.Output.SpeechTokens)
		delta.Output.TextTokens = nonNegative(t.Output.TextTokens - prev.Output.TextTokens)
	case cur.Details != nil && cur.Details.Delta != nil:
		d := cur.Details.Delta
		delta.Input.SpeechTokens = nonNegative(d.Input.SpeechTokens)
		delta.Input.TextTokens = nonNegative(d.Input.TextTokens)
		delta.Output.SpeechTokens = nonNegative(d.Output.SpeechTokens)
		delta.Output.TextTokens = nonNegative(d.Output.TextTokens)
	default:
		// No modality split; the model speaks, so attribute it to speech.
		delta.Input.SpeechTokens = nonNegative(cur.TotalInputTokens - u.prev.TotalInputTokens)
		delta.Output.SpeechTokens = nonNegative(cur.TotalOutputTokens - u.prev.TotalOutputTokens)
	}

	u.prev = cur
	u.total.Input.SpeechTokens += delta.Input.SpeechTokens
	u.total.Input.TextTokens += delta.Input.TextTokens
	u.total.Output.SpeechTokens += delta.Output.SpeechTokens
	u.total.Output.TextTokens += delta.Output.TextTokens
	return delta
}

// report builds the session-cumulative tokenUsage payload
func (u *usageTracker) report(delta protocol.UsageBreakdown) protocol.TokenUsage {
	total := u.total
	in := total.Input.SpeechTokens + total.Input.TextTokens
	out := total.Output.SpeechTokens + total.Output.TextTokens
	return protocol.TokenUsage{
		TotalInputTokens:  in,
		TotalOutputTokens: out,
		TotalTokens:       in + out,
		Details:           &protocol.UsageDetails{Delta: &delta, Total: &total},
	}
}

func isZero(b protocol.UsageBreakdown) bool {
	return b == protocol.UsageBreakdown{}
}

func nonNegative(n int64) int64 {
	return max(n, 0)
}
