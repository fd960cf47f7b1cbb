package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/store"
	"github.com/lexiqai/voice-session/internal/upstream"
)

// RestartsExhaustedMessage is the error sent when the upstream could not be
// restored within the restart budget.
const RestartsExhaustedMessage = "Stream connection lost and could not be restored. Please refresh the page."

// ReadinessTimeout returns the readiness watchdog timeout for a stream
// opened after the given number of restarts: base escalated by 1.5 per
// restart beyond the first, capped at ceiling.
func ReadinessTimeout(base, ceiling time.Duration, restarts int) time.Duration {
	if restarts <= 1 {
		return min(base, ceiling)
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(restarts-1)))
	return min(d, ceiling)
}

// openStream dials a fresh upstream stream in the background. The result
// is delivered to the run loop tagged with a new generation.
func (s *Session) openStream(prompt string, history []protocol.HistoryEntry, restart bool) {
	s.gen++
	gen := s.gen
	setup := upstream.Setup{
		SessionID:        uuid.NewString(),
		PromptName:       uuid.NewString(),
		ContentName:      uuid.NewString(),
		SystemPrompt:     prompt,
		History:          history,
		VoiceID:          s.cfg.VoiceID,
		InputSampleRate:  s.cfg.InputSampleRate,
		OutputSampleRate: s.cfg.OutputSampleRate,
	}
	s.metrics.RecordUpstreamOpen()
	s.logger.Info().
		Uint64("generation", gen).
		Bool("restart", restart).
		Int("history_turns", len(history)).
		Str("prompt_name", setup.PromptName).
		Msg("Opening upstream stream")

	ctx := s.ctx
	go func() {
		st, err := s.dialer.Open(ctx, setup)
		select {
		case s.opened <- streamOpened{gen: gen, stream: st, err: err, restart: restart}:
		case <-s.done:
			if st != nil {
				st.Close()
			}
		}
	}()
}

func (s *Session) handleOpened(o streamOpened) {
	if o.gen != s.gen {
		if o.stream != nil {
			o.stream.Close()
		}
		return
	}

	if o.err != nil {
		s.metrics.RecordError("upstream_open_failed", "upstream")
		s.logger.Error().Err(o.err).Bool("restart", o.restart).Msg("Failed to open upstream stream")
		if upstream.IsTransient(o.err) {
			s.restarting = false
			s.restart(o.err.Error())
			return
		}
		s.fail(fmt.Sprintf("Failed to connect to speech service: %v", o.err))
		return
	}

	s.stream = o.stream
	s.openedAt = s.now()
	s.ready = false
	s.streamAudio = false
	s.suppress, s.cancelledEnded = false, false
	s.usage.newStream()
	go s.forward(o.gen, o.stream)

	timeout := ReadinessTimeout(s.cfg.ReadinessTimeout, s.cfg.ReadinessMaxTimeout, s.restarts)
	s.watchdog = s.after(timeout, timerWatchdog, o.gen)

	if o.restart {
		s.restarting = false
		s.metrics.RecordRestart("succeeded")
		s.logger.Info().Int("attempt", s.restarts).Msg("Upstream stream restored")
	}
	if !s.acked {
		s.acked = true
		s.send(s.message(protocol.TypeStarted))
	}
	if s.audioActive {
		s.startUpstreamAudio()
	}
}

// forward relays one stream's events to the run loop until the stream ends
func (s *Session) forward(gen uint64, st upstream.Stream) {
	for ev := range st.Events() {
		select {
		case s.events <- upstreamEvent{gen: gen, ev: ev}:
		case <-s.done:
			return
		}
	}
	select {
	case s.events <- upstreamEvent{gen: gen, closed: true}:
	case <-s.done:
	}
}

// dropStream closes the current stream and invalidates everything tagged
// with its generation.
func (s *Session) dropStream() {
	s.gen++
	s.ready = false
	s.streamAudio = false
	s.openedAt = time.Time{}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.discardBatch()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing upstream stream")
		}
		s.stream = nil
	}
}

// restart replaces a failed stream with a fresh one that replays recent
// history. Restarts already in progress absorb further failures.
func (s *Session) restart(reason string) {
	if s.restarting {
		s.logger.Debug().Str("reason", reason).Msg("Restart already in progress")
		return
	}
	if s.endReason != "" {
		return
	}
	s.restarting = true

	if !s.openedAt.IsZero() && s.now().Sub(s.openedAt) > s.cfg.RestartResetAfter {
		s.restarts = 0
	}
	s.restarts++
	s.dropStream()

	for _, t := range s.reconciler.SealAll(true) {
		s.persistTurn(t)
		s.sendContentEnd(t.Role, protocol.StopInterrupted)
	}

	if s.restarts > s.cfg.MaxRestartAttempts {
		s.metrics.RecordRestart("exhausted")
		s.logger.Error().
			Str("reason", reason).
			Int("attempts", s.restarts-1).
			Msg("Upstream restart attempts exhausted")
		s.fail(RestartsExhaustedMessage)
		return
	}

	s.metrics.RecordRestart("attempt")
	s.logger.Warn().
		Str("reason", reason).
		Int("attempt", s.restarts).
		Int("max_attempts", s.cfg.MaxRestartAttempts).
		Dur("delay", s.cfg.RestartDelay).
		Msg("Restarting upstream stream")

	info := s.message(protocol.TypeInfo)
	info.Message = "Reconnecting to speech service"
	s.send(info)
	s.after(s.cfg.RestartDelay, timerRestart, s.gen)
}

// upstreamFailed restarts on transient errors and ends the session otherwise
func (s *Session) upstreamFailed(err error) {
	switch {
	case upstream.NeedsFreshStream(err):
		s.metrics.RecordError("upstream_validation", "upstream")
		s.restart(err.Error())
		return
	case upstream.IsTransient(err):
		s.metrics.RecordError("upstream_transient", "upstream")
		s.restart(err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("Fatal upstream error")
	s.dropStream()
	s.fail(fmt.Sprintf("Speech service error: %v", err))
}

func (s *Session) markReady(forced bool) {
	if s.ready || s.stream == nil {
		return
	}
	s.ready = true
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.metrics.RecordUpstreamReady(forced)
	s.logger.Info().Bool("forced", forced).Msg("Upstream ready for audio")
	s.send(s.message(protocol.TypePromptReady))
}

// startUpstreamAudio opens the user audio content on the current stream
func (s *Session) startUpstreamAudio() bool {
	if s.stream == nil {
		return false
	}
	if s.streamAudio {
		return true
	}
	if err := s.stream.StartAudio(s.ctx); err != nil {
		s.upstreamFailed(err)
		return false
	}
	s.streamAudio = true
	return true
}

func (s *Session) handleUpstream(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventReady:
		s.markReady(false)

	case upstream.EventContentStart:
		s.handleContentStart(ev)

	case upstream.EventText:
		role := roleOf(ev)
		if role == protocol.RoleAssistant && s.suppress {
			return
		}
		if role == protocol.RoleUser && s.transcriberAuthoritative() {
			return
		}
		if _, changed := s.reconciler.Append(role, ev.Text); changed {
			msg := s.message(protocol.TypePartial)
			msg.Role = role
			msg.Text = strings.TrimSpace(ev.Text)
			s.send(msg)
		}

	case upstream.EventAudio:
		if s.suppress {
			return
		}
		s.queueAudio(ev.Audio)

	case upstream.EventContentEnd:
		s.handleContentEnd(ev)

	case upstream.EventUsage:
		if ev.Usage != nil {
			s.handleUsage(*ev.Usage)
		}

	case upstream.EventError:
		err := ev.Err
		if err == nil {
			err = upstream.Transient(errors.New("unspecified upstream error"))
		}
		s.logger.Warn().Err(err).Msg("Upstream reported error")
		s.upstreamFailed(err)

	case upstream.EventComplete:
		s.logger.Info().Msg("Upstream stream completed")
		s.send(s.message(protocol.TypeStreamComplete))
		s.restart("upstream stream completed")
	}
}

func roleOf(ev upstream.Event) protocol.Role {
	if ev.Role == "" {
		return protocol.RoleAssistant
	}
	return ev.Role
}

func (s *Session) handleContentStart(ev upstream.Event) {
	role := roleOf(ev)
	switch role {
	case protocol.RoleAssistant:
		if s.suppress {
			if !s.cancelledEnded {
				s.logger.Debug().Str("content_type", ev.ContentType).Msg("Dropping content block of cancelled assistant turn")
				return
			}
			s.logger.Debug().Msg("New assistant content, lifting suppression")
			s.suppress, s.cancelledEnded = false, false
		}
		// The user has finished once the assistant answers.
		s.sealTurn(protocol.RoleUser, 0)
		s.reconciler.Open(protocol.RoleAssistant)
	case protocol.RoleUser:
		if s.suppress {
			s.cancelledEnded = true
		}
		if !s.transcriberAuthoritative() {
			s.reconciler.Open(protocol.RoleUser)
		}
		if ev.ContentType == upstream.ContentAudio {
			s.markReady(false)
		}
	}

	msg := s.message(protocol.TypeContentStart).
		WithData(protocol.ContentStart{Type: ev.ContentType, Role: role})
	msg.Role = role
	s.send(msg)
}

func (s *Session) handleContentEnd(ev upstream.Event) {
	role := roleOf(ev)
	if role == protocol.RoleAssistant && s.suppress {
		s.discardBatch()
		if ev.StopReason == protocol.StopInterrupted || ev.StopReason == protocol.StopEndTurn {
			s.cancelledEnded = true
		}
		return
	}

	switch ev.StopReason {
	case protocol.StopInterrupted:
		if role == protocol.RoleAssistant {
			s.metrics.RecordBargeIn("upstream")
			s.logger.Info().Msg("Upstream interrupted assistant turn")
			s.interruptAssistant(true)
			return
		}
		if t, ok := s.reconciler.Seal(role, true); ok {
			s.persistTurn(t)
		}
	case protocol.StopEndTurn:
		s.flushBatch()
		if role == protocol.RoleUser && s.transcriberAuthoritative() {
			break
		}
		s.sealTurn(role, 0)
	default:
		s.flushBatch()
	}
	s.sendContentEnd(role, ev.StopReason)
}

func (s *Session) handleUsage(u protocol.TokenUsage) {
	delta := s.usage.observe(u)
	if u.TotalInputTokens > 0 || delta.Input.SpeechTokens+delta.Input.TextTokens > 0 {
		s.markReady(false)
	}
	if isZero(delta) {
		return
	}

	report := s.usage.report(delta)
	s.metrics.RecordTokens("input", "speech", delta.Input.SpeechTokens)
	s.metrics.RecordTokens("input", "text", delta.Input.TextTokens)
	s.metrics.RecordTokens("output", "speech", delta.Output.SpeechTokens)
	s.metrics.RecordTokens("output", "text", delta.Output.TextTokens)
	s.recorder.RecordUsage(store.UsageRecord{
		SessionID:  s.id,
		Delta:      delta,
		Total:      report.TotalTokens,
		RecordedAt: s.now(),
	})
	s.send(s.message(protocol.TypeTokenUsage).WithData(report))
}

// queueAudio batches one upstream fragment, flushing on the fragment limit
// and arming the window timer on the first fragment of a batch.
func (s *Session) queueAudio(fragment string) {
	first := s.batch.Len() == 0
	full, err := s.batch.Add(fragment)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed upstream audio")
		return
	}
	if full {
		s.flushBatch()
		return
	}
	if first && s.batch.Len() > 0 {
		s.batchTimer = s.after(s.cfg.AudioBatchWindow, timerBatch, s.batchGen)
	}
}

func (s *Session) flushBatch() {
	audioB64, fragments, bytes := s.batch.Flush()
	s.resetBatchTimer()
	if fragments == 0 {
		return
	}
	s.metrics.RecordAudioBatch(fragments, bytes)
	s.metrics.RecordAudioBytes("out", int64(bytes))
	msg := s.message(protocol.TypeServerAudio)
	msg.Audio = audioB64
	s.send(msg)
}

func (s *Session) discardBatch() int {
	n := s.batch.Discard()
	s.resetBatchTimer()
	if n > 0 {
		s.logger.Debug().Int("fragments", n).Msg("Discarded pending audio")
	}
	return n
}

func (s *Session) resetBatchTimer() {
	s.batchGen++
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
}
