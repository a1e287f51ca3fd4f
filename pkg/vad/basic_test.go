package vad

import (
	"errors"
	"testing"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// testConfig shrinks the debounce durations so edges arrive within a few
// 16 ms frames instead of seconds.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinVoiceDurationMs = 32  // 2 frames
	cfg.SilenceThresholdMs = 48  // 3 frames
	cfg.AdaptationWindowMs = 64  // 4 frames of cold start
	return cfg
}

func loudFrame(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = 8000
		} else {
			s[i] = -8000
		}
	}
	return s
}

func TestBasic_SpeechStartAfterMinDuration(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	frame := loudFrame(256)

	res, err := b.Process(frame)
	if err != nil {
		t.Fatal(err)
	}
	if res.SpeechStarted || res.VoiceDetected {
		t.Fatal("one loud frame must not start speech yet")
	}

	res, err = b.Process(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SpeechStarted {
		t.Error("expected SpeechStarted once voice_ms reached the minimum")
	}
	if !res.VoiceDetected {
		t.Error("expected the latch to be set on the start edge")
	}
}

func TestBasic_ShortBurstIgnored(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	// One loud frame, then silence: the voice counter resets before it
	// reaches the minimum, so no start edge ever fires.
	if res, _ := b.Process(loudFrame(256)); res.SpeechStarted {
		t.Fatal("unexpected start edge")
	}
	for i := 0; i < 10; i++ {
		res, err := b.Process(make([]int16, 256))
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechStarted || res.SpeechEnded || res.VoiceDetected {
			t.Fatalf("frame %d: burst below min duration produced an event", i)
		}
	}
}

func TestBasic_SpeechEndAfterSilenceThreshold(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	frame := loudFrame(256)
	b.Process(frame)
	b.Process(frame)
	if !b.VoiceDetected() {
		t.Fatal("latch should be set after sustained voice")
	}

	silence := make([]int16, 256)
	var ended bool
	for i := 0; i < 3; i++ {
		res, err := b.Process(silence)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechEnded {
			ended = true
			if i < 2 {
				t.Errorf("speech ended after only %d silent frames", i+1)
			}
		}
	}
	if !ended {
		t.Error("expected SpeechEnded once silence_ms reached the threshold")
	}
	if b.VoiceDetected() {
		t.Error("latch should be clear after the end edge")
	}
}

func TestBasic_DurationsComplementary(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	frames := [][]int16{
		loudFrame(256), loudFrame(256), make([]int16, 256),
		loudFrame(256), make([]int16, 256), make([]int16, 256),
	}
	for i, f := range frames {
		res, err := b.Process(f)
		if err != nil {
			t.Fatal(err)
		}
		if res.VoiceMs != 0 && res.SilenceMs != 0 {
			t.Fatalf("frame %d: voice_ms=%d and silence_ms=%d are both nonzero",
				i, res.VoiceMs, res.SilenceMs)
		}
	}
}

func TestBasic_WrongFrameLength(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Process(make([]int16, 100)); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestBasic_InvalidConfigRejected(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AmplitudeThreshold = 0
	if _, err := NewBasic(cfg); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestBasic_UpdateConfigInvalidKeepsOld(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	bad := testConfig()
	bad.FrameSize = 100
	if err := b.UpdateConfig(bad); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Fatalf("got %v, want ErrConfigInvalid", err)
	}
	// The old frame size must still be in effect.
	if _, err := b.Process(make([]int16, 256)); err != nil {
		t.Errorf("old config no longer accepted: %v", err)
	}
}

func TestBasic_Stats(t *testing.T) {
	t.Parallel()

	b, err := NewBasic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	frame := loudFrame(256)
	for i := 0; i < 4; i++ {
		b.Process(frame)
	}
	totalMs, count := b.Stats()
	if count != 1 {
		t.Errorf("detection count = %d, want 1", count)
	}
	if totalMs != 64 {
		t.Errorf("total voice time = %d ms, want 64", totalMs)
	}
}
