package client

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
)

// OpenInput opens a raw PCM16LE capture source. "-" is stdin.
func OpenInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, &InputError{Device: path, Err: errors.New("no input configured")}
	}
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Device: path, Err: err}
	}
	return f, nil
}

// StreamCapture reads r in frame sized chunks at real-time pace and pushes
// each chunk into the session. It returns nil at end of input.
func StreamCapture(ctx context.Context, r io.Reader, s *Session, rate int, frame time.Duration) error {
	buf := make([]byte, 2*audio.SamplesFor(rate, frame))
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			samples, convErr := audio.PCM16ToInt16(buf[:n&^1])
			if convErr != nil {
				return &InputError{Device: "capture", Err: convErr}
			}
			s.PushCapture(audio.Int16ToFloat32(samples), time.Now())
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return &InputError{Device: "capture", Err: err}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// StreamPlayback drains pb at real-time pace and writes PCM16LE to w until
// ctx is cancelled.
func StreamPlayback(ctx context.Context, pb *audio.PlaybackBuffer, w io.Writer, rate int, frame time.Duration) error {
	block := make([]float32, audio.SamplesFor(rate, frame))
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var underflow int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pb.Read(block)
		if stats := pb.Stats(); stats.Underflow > underflow {
			observability.RecordPlaybackUnderflow(stats.Underflow - underflow)
			underflow = stats.Underflow
		}
		if _, err := w.Write(audio.Int16ToPCM16(audio.Float32ToInt16(block))); err != nil {
			return err
		}
	}
}
