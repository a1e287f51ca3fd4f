package vad

import (
	"fmt"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// Basic is the amplitude-threshold detector. A frame is classified voiced
// when its peak amplitude reaches AmplitudeThreshold; the VoiceDetected
// latch flips only after the classification has persisted for
// MinVoiceDurationMs (start) or SilenceThresholdMs (end).
//
// Not safe for concurrent use; each audio stream owns one instance.
type Basic struct {
	cfg     Config
	frameMs int

	voiceDetected bool
	voiceMs       int
	silenceMs     int

	totalVoiceMs   uint64
	detectionCount uint64
}

// NewBasic creates a basic detector. Only the energy and duration fields of
// cfg are consulted, but the whole config is validated so a config that
// works here also works for [NewDetector].
func NewBasic(cfg Config) (*Basic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Basic{cfg: cfg, frameMs: cfg.frameMs()}, nil
}

// Process classifies one frame and advances the debounce counters. The
// frame must hold exactly FrameSize samples.
func (b *Basic) Process(samples []int16) (BasicResult, error) {
	if len(samples) != b.cfg.FrameSize {
		return BasicResult{}, fmt.Errorf("%w: frame of %d samples, detector expects %d",
			audio.ErrConfigInvalid, len(samples), b.cfg.FrameSize)
	}

	peak := audio.Peak(samples)
	voiced := peak >= b.cfg.AmplitudeThreshold

	if voiced {
		b.voiceMs += b.frameMs
		b.silenceMs = 0
		b.totalVoiceMs += uint64(b.frameMs)
	} else {
		b.silenceMs += b.frameMs
		b.voiceMs = 0
	}

	res := BasicResult{
		MaxAmplitude: peak,
		VoiceMs:      b.voiceMs,
		SilenceMs:    b.silenceMs,
	}

	if !b.voiceDetected && b.voiceMs >= b.cfg.MinVoiceDurationMs {
		b.voiceDetected = true
		res.SpeechStarted = true
		b.detectionCount++
	} else if b.voiceDetected && b.silenceMs >= b.cfg.SilenceThresholdMs {
		b.voiceDetected = false
		res.SpeechEnded = true
	}

	res.VoiceDetected = b.voiceDetected
	return res, nil
}

// VoiceDetected returns the current state of the speech latch.
func (b *Basic) VoiceDetected() bool { return b.voiceDetected }

// Stats returns total latched voice time and the number of speech-start
// events since creation or the last Reset.
func (b *Basic) Stats() (totalVoiceMs, detectionCount uint64) {
	return b.totalVoiceMs, b.detectionCount
}

// Reset zeroes the duration counters and clears the latch.
func (b *Basic) Reset() {
	b.voiceDetected = false
	b.voiceMs = 0
	b.silenceMs = 0
}

// UpdateConfig swaps the configuration. On validation failure the previous
// config stays in effect and detection state is untouched.
func (b *Basic) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.cfg = cfg
	b.frameMs = cfg.frameMs()
	return nil
}
