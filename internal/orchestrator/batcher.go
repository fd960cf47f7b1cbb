package orchestrator

import (
	"encoding/base64"
	"fmt"
)

// AudioBatcher coalesces upstream audio fragments into one downstream
// message. The caller flushes when Add reports the batch full or when the
// batch window expires.
type AudioBatcher struct {
	maxFragments int
	pcm          []byte
	fragments    int
}

// NewAudioBatcher creates a batcher holding at most maxFragments fragments
func NewAudioBatcher(maxFragments int) *AudioBatcher {
	return &AudioBatcher{maxFragments: max(maxFragments, 1)}
}

// Add appends one base64 PCM fragment. It reports whether the batch is now
// full.
func (b *AudioBatcher) Add(fragment string) (bool, error) {
	pcm, err := base64.StdEncoding.DecodeString(fragment)
	if err != nil {
		return false, fmt.Errorf("decode audio fragment: %w", err)
	}
	if len(pcm) == 0 {
		return b.fragments >= b.maxFragments, nil
	}
	b.pcm = append(b.pcm, pcm...)
	b.fragments++
	return b.fragments >= b.maxFragments, nil
}

// Len returns the number of fragments pending
func (b *AudioBatcher) Len() int {
	return b.fragments
}

// Flush returns the pending audio re-encoded as one base64 payload along
// with the fragment and byte counts, and empties the batch.
func (b *AudioBatcher) Flush() (audio string, fragments, bytes int) {
	if b.fragments == 0 {
		return "", 0, 0
	}
	audio = base64.StdEncoding.EncodeToString(b.pcm)
	fragments, bytes = b.fragments, len(b.pcm)
	b.pcm = b.pcm[:0]
	b.fragments = 0
	return audio, fragments, bytes
}

// Discard drops pending audio
func (b *AudioBatcher) Discard() int {
	n := b.fragments
	b.pcm = b.pcm[:0]
	b.fragments = 0
	return n
}
