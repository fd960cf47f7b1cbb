package audio

import (
	"sync"
	"time"
)

// PlaybackState is the hysteresis state of the playback buffer.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackBuffering
	PlaybackPlaying
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackBuffering:
		return "buffering"
	case PlaybackPlaying:
		return "playing"
	}
	return "unknown"
}

const (
	DefaultPlaybackCapacity = 32768
	DefaultStartThreshold   = 150 * time.Millisecond
	DefaultStopThreshold    = 20 * time.Millisecond
	DefaultBargeInCooldown  = 250 * time.Millisecond
	MinClearCooldown        = 50 * time.Millisecond
)

// PlaybackNoticeKind identifies a playback notification.
type PlaybackNoticeKind int

const (
	NoticeCleared PlaybackNoticeKind = iota
	NoticePaused
	NoticePlaying
)

// PlaybackNotice is delivered to the optional notifier after the buffer
// lock has been released.
type PlaybackNotice struct {
	Kind     PlaybackNoticeKind
	HadData  bool // set on NoticeCleared
	Buffered int
}

// PlaybackConfig holds the sizing and hysteresis settings of a PlaybackBuffer.
type PlaybackConfig struct {
	SampleRate      int
	InitialCapacity int
	StartThreshold  time.Duration // buffered audio required to begin playing
	StopThreshold   time.Duration // playing stops once buffered audio drops to this
}

// DefaultPlaybackConfig returns the playback settings for the given rate.
func DefaultPlaybackConfig(sampleRate int) PlaybackConfig {
	return PlaybackConfig{
		SampleRate:      sampleRate,
		InitialCapacity: DefaultPlaybackCapacity,
		StartThreshold:  DefaultStartThreshold,
		StopThreshold:   DefaultStopThreshold,
	}
}

// PlaybackStats is a snapshot of buffer counters.
type PlaybackStats struct {
	State         PlaybackState
	Buffered      int
	Capacity      int
	Underflow     int64
	Dropped       int64
	WriteCooldown int
	ReadCooldown  int
}

// PlaybackBuffer is an expandable sample buffer feeding an audio output
// callback. Writers append decoded samples, the output callback reads fixed
// sized blocks. Invariant: read <= write <= len(buf).
type PlaybackBuffer struct {
	mu sync.Mutex

	buf   []float32
	read  int
	write int

	state      PlaybackState
	startLevel int
	stopLevel  int
	sampleRate int

	writeCooldown int
	readCooldown  int

	underflow int64
	dropped   int64

	notify func(PlaybackNotice)
}

// NewPlaybackBuffer creates a playback buffer. A zero SampleRate falls back
// to 24kHz.
func NewPlaybackBuffer(cfg PlaybackConfig) *PlaybackBuffer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = DefaultPlaybackCapacity
	}
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = DefaultStartThreshold
	}
	if cfg.StopThreshold <= 0 || cfg.StopThreshold >= cfg.StartThreshold {
		cfg.StopThreshold = DefaultStopThreshold
	}
	return &PlaybackBuffer{
		buf:        make([]float32, cfg.InitialCapacity),
		sampleRate: cfg.SampleRate,
		startLevel: SamplesFor(cfg.SampleRate, cfg.StartThreshold),
		stopLevel:  SamplesFor(cfg.SampleRate, cfg.StopThreshold),
	}
}

// SetNotifier registers a callback for cleared/paused/playing notices.
func (pb *PlaybackBuffer) SetNotifier(fn func(PlaybackNotice)) {
	pb.mu.Lock()
	pb.notify = fn
	pb.mu.Unlock()
}

// SamplesFor converts a duration into a sample count at rate, rounding up.
func SamplesFor(rate int, d time.Duration) int {
	n := int64(rate) * d.Nanoseconds()
	return int((n + int64(time.Second) - 1) / int64(time.Second))
}

// CooldownSamples is the number of samples a clear with duration d discards,
// with the 50ms floor applied.
func CooldownSamples(rate int, d time.Duration) int {
	if d < MinClearCooldown {
		d = MinClearCooldown
	}
	n := int64(rate) * d.Milliseconds()
	return int((n + 999) / 1000)
}

// Write appends samples. While a clear cooldown is active, incoming samples
// count the cooldown down and are discarded. Returns the number stored.
func (pb *PlaybackBuffer) Write(samples []float32) int {
	pb.mu.Lock()

	if pb.writeCooldown > 0 {
		drop := min(len(samples), pb.writeCooldown)
		pb.writeCooldown -= drop
		pb.dropped += int64(drop)
		samples = samples[drop:]
	}
	if len(samples) == 0 {
		pb.mu.Unlock()
		return 0
	}

	pb.ensureSpace(len(samples))
	copy(pb.buf[pb.write:], samples)
	pb.write += len(samples)

	var notice *PlaybackNotice
	if pb.state == PlaybackIdle {
		pb.state = PlaybackBuffering
	}
	if pb.state == PlaybackBuffering && pb.write-pb.read >= pb.startLevel {
		pb.state = PlaybackPlaying
		notice = &PlaybackNotice{Kind: NoticePlaying, Buffered: pb.write - pb.read}
	}
	fn := pb.notify
	pb.mu.Unlock()

	if notice != nil && fn != nil {
		fn(*notice)
	}
	return len(samples)
}

// ensureSpace compacts unread samples to the front before growing the
// backing array geometrically. Caller holds mu.
func (pb *PlaybackBuffer) ensureSpace(n int) {
	if pb.write+n <= len(pb.buf) {
		return
	}
	if pb.read > 0 {
		copy(pb.buf, pb.buf[pb.read:pb.write])
		pb.write -= pb.read
		pb.read = 0
		if pb.write+n <= len(pb.buf) {
			return
		}
	}
	size := len(pb.buf) * 2
	for size < pb.write+n {
		size *= 2
	}
	grown := make([]float32, size)
	copy(grown, pb.buf[:pb.write])
	pb.buf = grown
}

// Read fills out with the next samples for the output device and returns
// how many came from buffered audio. The rest of out is silence. During a
// clear cooldown the first cooldown samples of out are silence. Shortfall
// while playing is counted as underflow.
func (pb *PlaybackBuffer) Read(out []float32) int {
	clear(out)

	pb.mu.Lock()

	if pb.readCooldown > 0 {
		c := min(len(out), pb.readCooldown)
		pb.readCooldown -= c
		out = out[c:]
	}
	if len(out) == 0 || pb.state != PlaybackPlaying {
		pb.mu.Unlock()
		return 0
	}

	n := copy(out, pb.buf[pb.read:pb.write])
	pb.read += n
	if n < len(out) {
		pb.underflow += int64(len(out) - n)
	}
	if pb.read == pb.write {
		pb.read, pb.write = 0, 0
	}

	var notice *PlaybackNotice
	if buffered := pb.write - pb.read; buffered <= pb.stopLevel {
		pb.state = PlaybackBuffering
		notice = &PlaybackNotice{Kind: NoticePaused, Buffered: buffered}
	}
	fn := pb.notify
	pb.mu.Unlock()

	if notice != nil && fn != nil {
		fn(*notice)
	}
	return n
}

// Clear zeroes the buffer, resets the cursors and starts a cooldown of d
// (floored at 50ms) measured in samples. Both writes and reads are counted
// against the cooldown separately. Returns whether unplayed audio was
// discarded.
func (pb *PlaybackBuffer) Clear(d time.Duration) bool {
	pb.mu.Lock()
	hadData := pb.write > pb.read
	clear(pb.buf)
	pb.read, pb.write = 0, 0
	n := CooldownSamples(pb.sampleRate, d)
	pb.writeCooldown = n
	pb.readCooldown = n
	pb.state = PlaybackIdle
	fn := pb.notify
	pb.mu.Unlock()

	if fn != nil {
		fn(PlaybackNotice{Kind: NoticeCleared, HadData: hadData})
	}
	return hadData
}

// Drain pads a buffering tail with silence up to the start threshold so the
// last audio of a turn is played instead of waiting for more data.
func (pb *PlaybackBuffer) Drain() {
	pb.mu.Lock()
	if pb.state != PlaybackBuffering || pb.writeCooldown > 0 {
		pb.mu.Unlock()
		return
	}
	missing := pb.startLevel - (pb.write - pb.read)
	pb.mu.Unlock()

	if missing > 0 {
		pb.Write(make([]float32, missing))
	}
}

// Reset discards all audio and cooldowns and returns to idle.
func (pb *PlaybackBuffer) Reset() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	clear(pb.buf)
	pb.read, pb.write = 0, 0
	pb.writeCooldown, pb.readCooldown = 0, 0
	pb.state = PlaybackIdle
}

// Available returns the number of buffered samples.
func (pb *PlaybackBuffer) Available() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.write - pb.read
}

// State returns the current hysteresis state.
func (pb *PlaybackBuffer) State() PlaybackState {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// InCooldown reports whether a clear cooldown is still discarding writes.
func (pb *PlaybackBuffer) InCooldown() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.writeCooldown > 0
}

// Stats returns a snapshot of the buffer counters.
func (pb *PlaybackBuffer) Stats() PlaybackStats {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return PlaybackStats{
		State:         pb.state,
		Buffered:      pb.write - pb.read,
		Capacity:      len(pb.buf),
		Underflow:     pb.underflow,
		Dropped:       pb.dropped,
		WriteCooldown: pb.writeCooldown,
		ReadCooldown:  pb.readCooldown,
	}
}
