package vad

import (
	"errors"
	"fmt"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// Feature flags select which detection layers a [Detector] runs.
type Feature uint32

const (
	// FeatureAdaptiveThreshold enables the adaptive noise-floor estimate
	// that drives the energy layer.
	FeatureAdaptiveThreshold Feature = 1 << iota

	// FeatureSpectral enables the spectral layer (ZCR, low-band energy
	// ratio, rolloff).
	FeatureSpectral

	// FeatureConsistency enables the N-of-M multi-frame consistency layer.
	FeatureConsistency

	// FeatureSNR enables SNR computation on top of the adaptive threshold.
	FeatureSNR
)

// FeatureAll enables every layer.
const FeatureAll = FeatureAdaptiveThreshold | FeatureSpectral | FeatureConsistency | FeatureSNR

// Has reports whether all bits of want are set.
func (f Feature) Has(want Feature) bool { return f&want == want }

// ProcessingMode trades detection quality against per-frame cost.
type ProcessingMode string

const (
	// ModeFull runs every enabled layer on every frame.
	ModeFull ProcessingMode = "full"

	// ModeOptimized runs the spectral layer on every second frame and
	// reuses the previous value in between.
	ModeOptimized ProcessingMode = "optimized"

	// ModeMinimal disables the spectral and consistency layers, leaving
	// energy/SNR only.
	ModeMinimal ProcessingMode = "minimal"
)

// IsValid reports whether m is a recognised processing mode.
func (m ProcessingMode) IsValid() bool {
	switch m {
	case ModeFull, ModeOptimized, ModeMinimal:
		return true
	}
	return false
}

// Config holds the parameters for a [Detector] (a subset applies to
// [Basic]). All durations are in milliseconds; amplitude values are raw
// int16 units.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The core supports 16000
	// only.
	SampleRate int

	// FrameSize is the fixed per-frame sample count (power of two,
	// 128–1024). Every Process call must supply exactly this many samples.
	FrameSize int

	// AmplitudeThreshold is the base peak-amplitude threshold for voice.
	AmplitudeThreshold int

	// SilenceThresholdMs is how long silence must persist before a speech
	// segment is considered ended.
	SilenceThresholdMs int

	// MinVoiceDurationMs is how long voice must persist before a speech
	// segment is considered started.
	MinVoiceDurationMs int

	// NoiseFloorAlpha is the EMA adaptation rate of the noise floor,
	// in [0.01, 0.1].
	NoiseFloorAlpha float64

	// SNRThresholdDB is the energy-layer vote threshold in dB over the
	// noise floor.
	SNRThresholdDB float64

	// AdaptationWindowMs is the cold-start window during which the noise
	// floor is seeded as the minimum frame RMS seen so far.
	AdaptationWindowMs int

	// ZCRMin and ZCRMax bound the speech-like zero-crossing count per
	// frame. Must satisfy ZCRMin < ZCRMax.
	ZCRMin int
	ZCRMax int

	// LowBandRatioThreshold is the minimum 300–1000 Hz energy share for a
	// speech-like spectral vote.
	LowBandRatioThreshold float64

	// RolloffThreshold is the maximum spectral rolloff as a fraction of the
	// Nyquist frequency.
	RolloffThreshold float64

	// RolloffFraction is the energy fraction defining the rolloff point.
	RolloffFraction float64

	// ConsistencyFrames is the sliding-window length of the consistency
	// layer, in [3,7].
	ConsistencyFrames int

	// ConfidenceThreshold gates the fused confidence in (0,1].
	ConfidenceThreshold float64

	// Features selects the enabled layers.
	Features Feature

	// Mode is the processing mode.
	Mode ProcessingMode
}

// DefaultConfig returns the detector configuration the appliance ships
// with: all layers enabled, tuned for conversational latency at 16 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate:            audio.DefaultSampleRate,
		FrameSize:             256,
		AmplitudeThreshold:    2000,
		SilenceThresholdMs:    1500,
		MinVoiceDurationMs:    200,
		NoiseFloorAlpha:       0.05,
		SNRThresholdDB:        8.0,
		AdaptationWindowMs:    500,
		ZCRMin:                5,
		ZCRMax:                200,
		LowBandRatioThreshold: 0.4,
		RolloffThreshold:      0.85,
		RolloffFraction:       0.85,
		ConsistencyFrames:     5,
		ConfidenceThreshold:   0.6,
		Features:              FeatureAll,
		Mode:                  ModeFull,
	}
}

// Validate checks cfg for coherence. It returns a joined error listing all
// failures, each wrapping [audio.ErrConfigInvalid]; a non-nil return means
// the config must not be applied.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{audio.ErrConfigInvalid}, args...)...))
	}

	if c.SampleRate != audio.DefaultSampleRate {
		fail("sample_rate %d is unsupported; only %d Hz", c.SampleRate, audio.DefaultSampleRate)
	}
	if !audio.ValidFrameSize(c.FrameSize) {
		fail("frame_size %d must be a power of two in [%d, %d]", c.FrameSize, audio.MinFrameSize, audio.MaxFrameSize)
	}
	if c.AmplitudeThreshold <= 0 || c.AmplitudeThreshold > 32767 {
		fail("amplitude_threshold %d is out of range (0, 32767]", c.AmplitudeThreshold)
	}
	if c.SilenceThresholdMs <= 0 {
		fail("silence_threshold_ms %d must be positive", c.SilenceThresholdMs)
	}
	if c.MinVoiceDurationMs <= 0 {
		fail("min_voice_duration_ms %d must be positive", c.MinVoiceDurationMs)
	}
	if c.NoiseFloorAlpha < 0.01 || c.NoiseFloorAlpha > 0.1 {
		fail("noise_floor_alpha %.3f is out of range [0.01, 0.1]", c.NoiseFloorAlpha)
	}
	if c.SNRThresholdDB <= 0 {
		fail("snr_threshold_db %.1f must be positive", c.SNRThresholdDB)
	}
	if c.AdaptationWindowMs < 0 {
		fail("adaptation_window_ms %d must not be negative", c.AdaptationWindowMs)
	}
	if c.ZCRMin >= c.ZCRMax {
		fail("zcr_min %d must be below zcr_max %d", c.ZCRMin, c.ZCRMax)
	}
	if c.LowBandRatioThreshold < 0 || c.LowBandRatioThreshold > 1 {
		fail("low_freq_ratio_threshold %.2f is out of range [0, 1]", c.LowBandRatioThreshold)
	}
	if c.RolloffThreshold <= 0 || c.RolloffThreshold > 1 {
		fail("rolloff_threshold %.2f is out of range (0, 1]", c.RolloffThreshold)
	}
	if c.RolloffFraction <= 0 || c.RolloffFraction > 1 {
		fail("rolloff_fraction %.2f is out of range (0, 1]", c.RolloffFraction)
	}
	if c.ConsistencyFrames < 3 || c.ConsistencyFrames > 7 {
		fail("consistency_frames %d is out of range [3, 7]", c.ConsistencyFrames)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		fail("confidence_threshold %.2f is out of range (0, 1]", c.ConfidenceThreshold)
	}
	if !c.Mode.IsValid() {
		fail("processing_mode %q is invalid; valid values: full, optimized, minimal", c.Mode)
	}

	return errors.Join(errs...)
}

// frameMs returns the duration of one frame in milliseconds.
func (c Config) frameMs() int {
	return audio.FrameDurationMs(c.FrameSize, c.SampleRate)
}
