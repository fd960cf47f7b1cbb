package stt

import "context"

// TranscriptionResult represents a transcription result from Deepgram
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates the segment text will not change any more
	IsFinal bool

	// SpeechFinal marks the end of the speaker's utterance
	SpeechFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the segment in seconds
	StartTime float64

	// Duration is the duration of the segment in seconds
	Duration float64
}

// Transcriber transcribes the user's microphone audio alongside the
// speech session upstream.
type Transcriber interface {
	// Start opens the transcription stream
	Start(ctx context.Context) error

	// SendAudio sends raw PCM16LE at the configured input rate
	SendAudio(audioData []byte) error

	// Results delivers transcription results until Close
	Results() <-chan TranscriptionResult

	// IsActive reports whether the stream is currently connected
	IsActive() bool

	// Close stops the stream and any pending restart
	Close() error
}
