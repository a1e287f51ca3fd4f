package processor

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/auricle-dev/auricle/pkg/audio"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// speech generates phase-continuous 600 Hz frames at amplitude 8000, which
// the enhanced detector classifies as voice.
type speech struct {
	phase float64
}

func (s *speech) frame(n, rate int) []int16 {
	out := make([]int16, n)
	step := 2 * math.Pi * 600 / float64(rate)
	for i := range out {
		out[i] = int16(8000 * math.Sin(s.phase))
		s.phase += step
	}
	return out
}

func silentFrame(n int) []int16 { return make([]int16, n) }

// tracker records transitions and chunks in arrival order.
type tracker struct {
	mu     sync.Mutex
	trans  []Mode
	chunks []audio.Chunk
}

func (tr *tracker) onState(old, new Mode, last vad.Result) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.trans = append(tr.trans, new)
}

func (tr *tracker) onChunk(c audio.Chunk) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	c.Data = data
	tr.chunks = append(tr.chunks, c)
}

func (tr *tracker) modes() []Mode {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Mode(nil), tr.trans...)
}

func (tr *tracker) chunkCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.chunks)
}

// testConfig shrinks every duration so state changes happen within a few
// 16 ms frames.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VAD.MinVoiceDurationMs = 32  // 2 frames
	cfg.VAD.SilenceThresholdMs = 48  // 3 frames
	cfg.VAD.AdaptationWindowMs = 64  // 4 frames
	cfg.WakeThreshold = 3000
	cfg.WakeDurationMs = 48          // 3 qualifying frames
	cfg.MaxRecordingDurationMs = 160 // 10 frames
	cfg.SilenceTimeoutMs = 160       // 10 quiet frames
	cfg.StreamIntervalMs = 32        // flush every 2 frames
	return cfg
}

func feedSpeech(t *testing.T, p *Processor, sp *speech, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := p.ProcessFrame(sp.frame(256, 16000)); err != nil {
			t.Fatal(err)
		}
	}
}

func feedSilence(t *testing.T, p *Processor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := p.ProcessFrame(silentFrame(256)); err != nil {
			t.Fatal(err)
		}
	}
}

// driveToListening seeds the noise floor on silence, then wakes the
// processor with a sustained voice burst.
func driveToListening(t *testing.T, p *Processor, sp *speech) {
	t.Helper()
	feedSilence(t, p, 6)
	feedSpeech(t, p, sp, 10)
	if got := p.Mode(); got != ModeListening {
		t.Fatalf("after wake burst mode = %q, want listening", got)
	}
}

// driveToRecording continues from LISTENING: a pause lets the voice latch
// release, then a second burst starts the utterance.
func driveToRecording(t *testing.T, p *Processor, sp *speech) {
	t.Helper()
	driveToListening(t, p, sp)
	feedSilence(t, p, 6)
	feedSpeech(t, p, sp, 10)
	if got := p.Mode(); got != ModeRecording {
		t.Fatalf("after utterance burst mode = %q, want recording", got)
	}
}

func TestProcessor_SilenceStaysWaiting(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	feedSilence(t, p, 60)

	if got := p.Mode(); got != ModeWaiting {
		t.Errorf("mode = %q, want waiting", got)
	}
	stats := p.Stats()
	if stats.WakeEvents != 0 {
		t.Errorf("wake events = %d, want 0", stats.WakeEvents)
	}
	if stats.FramesProcessed != 60 {
		t.Errorf("frames processed = %d, want 60", stats.FramesProcessed)
	}
	if len(tr.modes()) != 0 {
		t.Errorf("transitions = %v, want none", tr.modes())
	}
	if tr.chunkCount() != 0 {
		t.Errorf("chunks streamed in waiting = %d, want 0", tr.chunkCount())
	}
}

func TestProcessor_WakeThenUtterance(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	driveToRecording(t, p, &speech{})
	feedSilence(t, p, 6)

	if got := p.Mode(); got != ModeProcessing {
		t.Errorf("after utterance ends mode = %q, want processing", got)
	}
	want := []Mode{ModeListening, ModeRecording, ModeProcessing}
	got := tr.modes()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}

	stats := p.Stats()
	if stats.WakeEvents != 1 {
		t.Errorf("wake events = %d, want 1", stats.WakeEvents)
	}
	if stats.RecordingSessions != 1 {
		t.Errorf("recording sessions = %d, want 1", stats.RecordingSessions)
	}

	if tr.chunkCount() == 0 {
		t.Fatal("expected streamed chunks during listening and recording")
	}
	var lastTS int64 = -1
	for _, c := range tr.chunks {
		if len(c.Data) == 0 || len(c.Data)%512 != 0 {
			t.Errorf("chunk of %d bytes, want positive multiple of one frame", len(c.Data))
		}
		if c.TimestampMs < lastTS {
			t.Errorf("chunk timestamps not monotonic: %d after %d", c.TimestampMs, lastTS)
		}
		lastTS = c.TimestampMs
	}
}

func TestProcessor_MaxRecordingCap(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	sp := &speech{}
	driveToRecording(t, p, sp)

	// The speaker never pauses; the cap forces the cut.
	feedSpeech(t, p, sp, 15)

	if got := p.Mode(); got != ModeProcessing {
		t.Errorf("mode after cap = %q, want processing", got)
	}
	if tr.chunkCount() == 0 {
		t.Error("expected the recording to have been streamed")
	}
}

func TestProcessor_ListeningSilenceTimeout(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	driveToListening(t, p, &speech{})
	feedSilence(t, p, 30)

	if got := p.Mode(); got != ModeWaiting {
		t.Errorf("mode after quiet listening = %q, want waiting", got)
	}
	if got := p.Stats().RecordingSessions; got != 0 {
		t.Errorf("recording sessions = %d, want 0", got)
	}
}

func TestProcessor_SetModeFlushesRecording(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	cfg := testConfig()
	// Disable the cadence flush so every streamed byte stays pending until
	// the mode change forces it out.
	cfg.StreamIntervalMs = 10000
	p, err := New(cfg, tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	sp := &speech{}
	driveToRecording(t, p, sp)
	feedSpeech(t, p, sp, 2)

	if got := tr.chunkCount(); got != 0 {
		t.Fatalf("chunks before barge-in = %d, want 0", got)
	}
	if err := p.SetMode(ModeSpeaking); err != nil {
		t.Fatal(err)
	}

	if got := p.Mode(); got != ModeSpeaking {
		t.Errorf("mode = %q, want speaking", got)
	}
	if got := tr.chunkCount(); got != 1 {
		t.Fatalf("chunks after barge-in = %d, want exactly the partial flush", got)
	}
	if n := len(tr.chunks[0].Data); n == 0 || n%512 != 0 {
		t.Errorf("flushed chunk of %d bytes, want positive multiple of one frame", n)
	}

	// Frames in SPEAKING are consumed but never streamed.
	before := p.Stats().FramesProcessed
	feedSpeech(t, p, sp, 5)
	if got := p.Stats().FramesProcessed; got != before+5 {
		t.Errorf("frames processed = %d, want %d", got, before+5)
	}
	if got := tr.chunkCount(); got != 1 {
		t.Errorf("chunks while speaking = %d, want still 1", got)
	}
}

func TestProcessor_SetModeSameIsNoop(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetMode(ModeWaiting); err != nil {
		t.Fatal(err)
	}
	if len(tr.modes()) != 0 {
		t.Errorf("transitions for same-mode set = %v, want none", tr.modes())
	}
}

func TestProcessor_SetModeInvalid(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetMode(Mode("pondering")); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestProcessor_EndingDrainsToWaiting(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	p, err := New(testConfig(), tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.SetMode(ModeEnding); err != nil {
		t.Fatal(err)
	}
	if got := p.Mode(); got != ModeEnding {
		t.Fatalf("mode = %q, want ending", got)
	}
	feedSilence(t, p, 1)
	if got := p.Mode(); got != ModeWaiting {
		t.Errorf("mode after one frame in ending = %q, want waiting", got)
	}
}

func TestProcessor_CallbackReentryBusy(t *testing.T) {
	t.Parallel()

	var p *Processor
	var reentry error
	onState := func(old, new Mode, last vad.Result) {
		if new == ModeListening {
			reentry = p.SetMode(ModeWaiting)
		}
	}

	var err error
	p, err = New(testConfig(), onState, nil)
	if err != nil {
		t.Fatal(err)
	}
	driveToListening(t, p, &speech{})

	if !errors.Is(reentry, audio.ErrBusy) {
		t.Errorf("re-entrant SetMode: got %v, want ErrBusy", reentry)
	}
	// The rejected re-entry must not have corrupted the machine.
	if got := p.Mode(); got != ModeListening {
		t.Errorf("mode = %q, want listening", got)
	}
}

func TestProcessor_ResetKeepsStats(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	driveToListening(t, p, &speech{})

	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := p.Mode(); got != ModeWaiting {
		t.Errorf("mode after reset = %q, want waiting", got)
	}
	if got := p.Stats().WakeEvents; got != 1 {
		t.Errorf("wake events after reset = %d, want preserved 1", got)
	}
	if got := p.LastResult(); got != (vad.Result{}) {
		t.Errorf("last result after reset = %+v, want zero", got)
	}
}

func TestProcessor_StreamingDisabled(t *testing.T) {
	t.Parallel()

	tr := &tracker{}
	cfg := testConfig()
	cfg.EnableStreaming = false
	p, err := New(cfg, tr.onState, tr.onChunk)
	if err != nil {
		t.Fatal(err)
	}

	driveToRecording(t, p, &speech{})
	feedSilence(t, p, 6)

	if got := p.Mode(); got != ModeProcessing {
		t.Errorf("mode = %q, want processing", got)
	}
	if got := tr.chunkCount(); got != 0 {
		t.Errorf("chunks with streaming disabled = %d, want 0", got)
	}
}

func TestProcessor_WrongFrameLength(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(make([]int16, 128)); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rate mismatch", func(c *Config) { c.SampleRate = 48000 }},
		{"frame mismatch", func(c *Config) { c.FrameSize = 512 }},
		{"zero wake threshold", func(c *Config) { c.WakeThreshold = 0 }},
		{"wake threshold too high", func(c *Config) { c.WakeThreshold = 40000 }},
		{"zero wake duration", func(c *Config) { c.WakeDurationMs = 0 }},
		{"zero max recording", func(c *Config) { c.MaxRecordingDurationMs = 0 }},
		{"zero silence timeout", func(c *Config) { c.SilenceTimeoutMs = 0 }},
		{"zero stream interval", func(c *Config) { c.StreamIntervalMs = 0 }},
		{"bad vad", func(c *Config) { c.VAD.FrameSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, audio.ErrConfigInvalid) {
				t.Errorf("got %v, want ErrConfigInvalid", err)
			}
		})
	}
}
