package audio

import (
	"testing"
	"time"
)

// 1kHz keeps the sample arithmetic readable: 1 sample per millisecond.
func testPlayback() *PlaybackBuffer {
	return NewPlaybackBuffer(PlaybackConfig{
		SampleRate:      1000,
		InitialCapacity: 64,
		StartThreshold:  150 * time.Millisecond,
		StopThreshold:   20 * time.Millisecond,
	})
}

func ones(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func TestPlaybackBuffer_WriteGrowsGeometrically(t *testing.T) {
	pb := testPlayback()

	if n := pb.Write(ones(100)); n != 100 {
		t.Errorf("Expected to store 100 samples, got %d", n)
	}
	stats := pb.Stats()
	if stats.Capacity != 128 {
		t.Errorf("Expected capacity 128 after growth, got %d", stats.Capacity)
	}
	if stats.Buffered != 100 {
		t.Errorf("Expected 100 buffered, got %d", stats.Buffered)
	}
}

func TestPlaybackBuffer_CompactsBeforeGrowing(t *testing.T) {
	pb := testPlayback()
	pb.Write(ones(160)) // capacity 256, playing
	out := make([]float32, 100)
	pb.Read(out)

	pb.Write(ones(150)) // 60 unread + 150 fits in 256 after compaction
	stats := pb.Stats()
	if stats.Capacity != 256 {
		t.Errorf("Expected capacity to stay 256, got %d", stats.Capacity)
	}
	if stats.Buffered != 210 {
		t.Errorf("Expected 210 buffered, got %d", stats.Buffered)
	}
}

func TestPlaybackBuffer_Hysteresis(t *testing.T) {
	pb := testPlayback()

	if pb.State() != PlaybackIdle {
		t.Fatalf("Expected idle, got %s", pb.State())
	}

	pb.Write(ones(149))
	if pb.State() != PlaybackBuffering {
		t.Errorf("Expected buffering below start threshold, got %s", pb.State())
	}

	out := make([]float32, 10)
	if n := pb.Read(out); n != 0 {
		t.Errorf("Expected no samples while buffering, got %d", n)
	}
	if pb.Stats().Underflow != 0 {
		t.Error("Expected no underflow while buffering")
	}

	pb.Write(ones(1))
	if pb.State() != PlaybackPlaying {
		t.Fatalf("Expected playing at start threshold, got %s", pb.State())
	}

	// Drain to just above the stop threshold: stays playing.
	big := make([]float32, 129)
	pb.Read(big)
	if pb.Available() != 21 || pb.State() != PlaybackPlaying {
		t.Errorf("Expected playing with 21 buffered, got %s with %d", pb.State(), pb.Available())
	}

	// One more sample reaches the stop threshold.
	pb.Read(out[:1])
	if pb.State() != PlaybackBuffering {
		t.Errorf("Expected buffering at stop threshold, got %s", pb.State())
	}

	// Writing a little must not restart playback until start threshold again.
	pb.Write(ones(50))
	if pb.State() != PlaybackBuffering {
		t.Errorf("Expected still buffering with %d buffered, got %s", pb.Available(), pb.State())
	}
	pb.Write(ones(80))
	if pb.State() != PlaybackPlaying {
		t.Errorf("Expected playing with %d buffered, got %s", pb.Available(), pb.State())
	}
}

func TestPlaybackBuffer_UnderflowPadsSilence(t *testing.T) {
	pb := NewPlaybackBuffer(PlaybackConfig{
		SampleRate:     1000,
		StartThreshold: 10 * time.Millisecond,
		StopThreshold:  1 * time.Millisecond,
	})
	pb.Write(ones(10))

	out := make([]float32, 16)
	n := pb.Read(out)
	if n != 10 {
		t.Errorf("Expected 10 real samples, got %d", n)
	}
	for i := 10; i < 16; i++ {
		if out[i] != 0 {
			t.Errorf("Expected silence at %d, got %f", i, out[i])
		}
	}
	if u := pb.Stats().Underflow; u != 6 {
		t.Errorf("Expected underflow 6, got %d", u)
	}
}

func TestPlaybackBuffer_ClearCooldownExact(t *testing.T) {
	pb := testPlayback()
	pb.Write(ones(200))

	if !pb.Clear(100 * time.Millisecond) {
		t.Error("Expected Clear to report discarded data")
	}
	if pb.Available() != 0 || pb.State() != PlaybackIdle {
		t.Errorf("Expected empty idle buffer, got %d in %s", pb.Available(), pb.State())
	}

	// 100 samples must be discarded: 60 + 30 dropped, then 10 of the next 25.
	if n := pb.Write(ones(60)); n != 0 {
		t.Errorf("Expected write during cooldown to be dropped, stored %d", n)
	}
	if n := pb.Write(ones(30)); n != 0 {
		t.Errorf("Expected write during cooldown to be dropped, stored %d", n)
	}
	if n := pb.Write(ones(25)); n != 15 {
		t.Errorf("Expected 15 samples stored after cooldown, got %d", n)
	}
	if pb.InCooldown() {
		t.Error("Expected write cooldown to be over")
	}
}

func TestPlaybackBuffer_ClearFloorAndReadCooldown(t *testing.T) {
	pb := testPlayback()
	pb.Clear(10 * time.Millisecond)

	stats := pb.Stats()
	if stats.WriteCooldown != 50 || stats.ReadCooldown != 50 {
		t.Fatalf("Expected 50 sample floor, got write=%d read=%d", stats.WriteCooldown, stats.ReadCooldown)
	}

	pb.Write(ones(50))  // consumed by cooldown
	pb.Write(ones(200)) // stored, playing

	out := make([]float32, 40)
	if n := pb.Read(out); n != 0 {
		t.Errorf("Expected pure silence during read cooldown, got %d samples", n)
	}
	n := pb.Read(out)
	if n != 30 {
		t.Errorf("Expected 30 samples after the remaining 10 of cooldown, got %d", n)
	}
	for i := 0; i < 10; i++ {
		if out[i] != 0 {
			t.Errorf("Expected silence at %d", i)
		}
	}
	if out[10] != 1 {
		t.Errorf("Expected audio at 10, got %f", out[10])
	}
}

func TestCooldownSamples(t *testing.T) {
	cases := []struct {
		rate int
		d    time.Duration
		want int
	}{
		{24000, 250 * time.Millisecond, 6000},
		{24000, 10 * time.Millisecond, 1200},
		{44100, 125 * time.Millisecond, 5513},
	}
	for _, c := range cases {
		if got := CooldownSamples(c.rate, c.d); got != c.want {
			t.Errorf("CooldownSamples(%d, %s) = %d, want %d", c.rate, c.d, got, c.want)
		}
	}
}

func TestPlaybackBuffer_Notices(t *testing.T) {
	pb := testPlayback()
	var kinds []PlaybackNoticeKind
	var cleared PlaybackNotice
	pb.SetNotifier(func(n PlaybackNotice) {
		kinds = append(kinds, n.Kind)
		if n.Kind == NoticeCleared {
			cleared = n
		}
	})

	pb.Write(ones(150))
	pb.Read(make([]float32, 140))
	pb.Write(ones(10))
	pb.Clear(DefaultBargeInCooldown)

	want := []PlaybackNoticeKind{NoticePlaying, NoticePaused, NoticeCleared}
	if len(kinds) != len(want) {
		t.Fatalf("Expected notices %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Notice %d: expected %d, got %d", i, want[i], kinds[i])
		}
	}
	if !cleared.HadData {
		t.Error("Expected cleared notice to report data")
	}
}

func TestPlaybackBuffer_DrainPlaysTail(t *testing.T) {
	pb := testPlayback()
	pb.Write(ones(40))
	pb.Drain()

	if pb.State() != PlaybackPlaying {
		t.Fatalf("Expected drain to start playback, got %s", pb.State())
	}
	out := make([]float32, 40)
	if n := pb.Read(out); n != 40 || out[39] != 1 {
		t.Errorf("Expected the 40 tail samples, got %d", n)
	}
}

func TestPlaybackBuffer_ReadNeverPassesWrite(t *testing.T) {
	pb := testPlayback()
	out := make([]float32, 7)
	for i := 0; i < 200; i++ {
		pb.Write(ones(i % 13))
		pb.Read(out)
		s := pb.Stats()
		if s.Buffered < 0 || s.Buffered > s.Capacity {
			t.Fatalf("Cursor invariant broken at step %d: %+v", i, s)
		}
	}
}
