package vad

import (
	"errors"
	"math"
	"testing"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// speechStream produces phase-continuous frames of a 600 Hz sine, which
// passes all three spectral tests (ZCR ~19/frame, energy concentrated in
// the low band, early rolloff).
func speechStream(frames, frameSize int, amp float64) [][]int16 {
	out := make([][]int16, frames)
	sample := 0
	for f := range out {
		frame := make([]int16, frameSize)
		for i := range frame {
			frame[i] = int16(amp * math.Sin(2*math.Pi*600*float64(sample)/16000))
			sample++
		}
		out[f] = frame
	}
	return out
}

// noiseStream produces deterministic wideband noise. Its flat spectrum
// fails the low-band ratio test, so it never votes speech-like.
func noiseStream(frames, frameSize int, amp int16) [][]int16 {
	out := make([][]int16, frames)
	state := uint32(0x2545f491)
	for f := range out {
		frame := make([]int16, frameSize)
		for i := range frame {
			state = state*1664525 + 1013904223
			frame[i] = int16(int32(state>>16)%int32(2*amp+1)) - amp
		}
		out[f] = frame
	}
	return out
}

func silenceStream(frames, frameSize int) [][]int16 {
	out := make([][]int16, frames)
	for f := range out {
		out[f] = make([]int16, frameSize)
	}
	return out
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDetector_SilenceProducesNoEvents(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	for i, frame := range silenceStream(60, 256) {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechStarted || res.SpeechEnded || res.VoiceDetected {
			t.Fatalf("frame %d: silence produced a speech event", i)
		}
	}
	if nf := d.Stats().CurrentNoiseFloor; nf != 0 {
		t.Errorf("noise floor after pure silence = %v, want 0", nf)
	}
}

func TestDetector_SpeechStartAndEnd(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	for _, frame := range silenceStream(10, 256) {
		d.Process(frame)
	}

	started := false
	for i, frame := range speechStream(20, 256, 8000) {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechStarted {
			started = true
		}
		if started && !res.VoiceDetected {
			t.Fatalf("frame %d: latch dropped without an end edge", i)
		}
	}
	if !started {
		t.Fatal("sustained speech never produced a start edge")
	}

	ended := false
	for _, frame := range silenceStream(20, 256) {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechEnded {
			ended = true
		}
	}
	if !ended {
		t.Error("sustained silence never produced an end edge")
	}
	if d.VoiceDetected() {
		t.Error("latch still set after the end edge")
	}
	if got := d.Stats().DetectionCount; got != 1 {
		t.Errorf("detection count = %d, want 1", got)
	}
}

func TestDetector_EdgesAlternate(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	var stream [][]int16
	stream = append(stream, silenceStream(10, 256)...)
	stream = append(stream, speechStream(15, 256, 8000)...)
	stream = append(stream, silenceStream(15, 256)...)
	stream = append(stream, speechStream(15, 256, 8000)...)
	stream = append(stream, silenceStream(15, 256)...)

	latched := false
	for i, frame := range stream {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechStarted && res.SpeechEnded {
			t.Fatalf("frame %d: start and end on the same frame", i)
		}
		if res.SpeechStarted {
			if latched {
				t.Fatalf("frame %d: second start edge without an end edge", i)
			}
			latched = true
		}
		if res.SpeechEnded {
			if !latched {
				t.Fatalf("frame %d: end edge without a preceding start edge", i)
			}
			latched = false
		}
		if res.VoiceDetected != latched {
			t.Fatalf("frame %d: latch %v disagrees with edge history %v", i, res.VoiceDetected, latched)
		}
	}
	if got := d.Stats().DetectionCount; got != 2 {
		t.Errorf("detection count = %d, want 2", got)
	}
}

func TestDetector_DurationsComplementary(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	var stream [][]int16
	stream = append(stream, noiseStream(10, 256, 300)...)
	stream = append(stream, speechStream(10, 256, 8000)...)
	stream = append(stream, silenceStream(10, 256)...)

	for i, frame := range stream {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.VoiceMs != 0 && res.SilenceMs != 0 {
			t.Fatalf("frame %d: voice_ms=%d and silence_ms=%d are both nonzero",
				i, res.VoiceMs, res.SilenceMs)
		}
	}
}

func TestDetector_ConfidenceBounds(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	var stream [][]int16
	stream = append(stream, noiseStream(20, 256, 300)...)
	stream = append(stream, speechStream(20, 256, 8000)...)

	for i, frame := range stream {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Fatalf("frame %d: confidence %v outside [0,1]", i, res.Confidence)
		}
		if res.HighConfidence != (res.Confidence >= 0.6) {
			t.Fatalf("frame %d: high_confidence disagrees with confidence %v", i, res.Confidence)
		}
		if res.Quality != uint8(res.Confidence*255) {
			t.Fatalf("frame %d: quality %d does not map confidence %v", i, res.Quality, res.Confidence)
		}
	}
}

func TestDetector_NoiseFloorSafety(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)

	// Settle the floor on wideband background noise.
	var prefixMax float64
	for _, frame := range noiseStream(30, 256, 300) {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.NoiseFloor > prefixMax {
			prefixMax = res.NoiseFloor
		}
	}

	// Sustained speech must never drag the floor above what the noise
	// prefix established.
	for i, frame := range speechStream(100, 256, 8000) {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.NoiseFloor > prefixMax {
			t.Fatalf("frame %d: noise floor %v rose above prefix max %v during speech",
				i, res.NoiseFloor, prefixMax)
		}
	}
}

func TestDetector_ResetReplayDeterminism(t *testing.T) {
	t.Parallel()

	var stream [][]int16
	stream = append(stream, noiseStream(15, 256, 300)...)
	stream = append(stream, speechStream(20, 256, 8000)...)
	stream = append(stream, silenceStream(20, 256)...)

	d := newTestDetector(t)
	run := func() []Result {
		results := make([]Result, 0, len(stream))
		for _, frame := range stream {
			res, err := d.Process(frame)
			if err != nil {
				t.Fatal(err)
			}
			results = append(results, res)
		}
		return results
	}

	first := run()
	d.Reset()
	second := run()

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("frame %d: replay diverged after Reset:\n first=%+v\nsecond=%+v",
				i, first[i], second[i])
		}
	}
}

func TestDetector_ModeSwitchPreservesNoiseFloor(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	for _, frame := range noiseStream(30, 256, 300) {
		d.Process(frame)
	}
	before := d.Stats().CurrentNoiseFloor
	if before == 0 {
		t.Fatal("noise floor never settled")
	}

	for _, mode := range []ProcessingMode{ModeOptimized, ModeMinimal, ModeFull} {
		if err := d.SetMode(mode); err != nil {
			t.Fatalf("SetMode(%q): %v", mode, err)
		}
		if got := d.Stats().CurrentNoiseFloor; got != before {
			t.Errorf("SetMode(%q) changed noise floor from %v to %v", mode, before, got)
		}
	}
}

func TestDetector_SetModeInvalid(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	if err := d.SetMode("turbo"); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestDetector_MinimalModeSkipsSpectral(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mode = ModeMinimal
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := d.Process(speechStream(1, 256, 8000)[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.ZCR != 0 || res.LowBandRatio != 0 || res.RolloffHz != 0 {
		t.Errorf("minimal mode computed spectral features: %+v", res)
	}
}

func TestDetector_ShortBurstIgnored(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinVoiceDurationMs = 96 // 6 frames
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var stream [][]int16
	stream = append(stream, silenceStream(10, 256)...)
	stream = append(stream, speechStream(4, 256, 8000)...)
	stream = append(stream, silenceStream(20, 256)...)

	for i, frame := range stream {
		res, err := d.Process(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.SpeechStarted || res.VoiceDetected {
			t.Fatalf("frame %d: burst below min voice duration started speech", i)
		}
	}
}

func TestDetector_UpdateConfigInvalidKeepsOld(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	bad := testConfig()
	bad.ConfidenceThreshold = 1.5
	if err := d.UpdateConfig(bad); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Fatalf("got %v, want ErrConfigInvalid", err)
	}
	if got := d.Config().ConfidenceThreshold; got != 0.6 {
		t.Errorf("config changed despite validation failure: %v", got)
	}
}

func TestDetector_WrongFrameLength(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	if _, err := d.Process(make([]int16, 512)); !errors.Is(err, audio.ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}
