// Package vad implements voice activity detection for the audio front-end.
//
// Two detectors are provided. [Basic] is a plain amplitude-threshold
// detector with debounced speech start/end edges, cheap enough for the
// capture path's per-frame quality metrics. [Detector] is the multi-layer
// detector the conversational state machine runs on: an adaptive-energy/SNR
// layer, a spectral layer (zero-crossing rate, low-band energy ratio,
// rolloff), and an N-of-M consistency layer, fused into a confidence score.
//
// Both detectors are stateful, per-stream, and synchronous: Process returns
// immediately with a result for the given frame and must be called from a
// single goroutine. Durations advance by frame time (frame length over
// sample rate), never wall-clock, so a replayed stream produces identical
// events.
package vad

// Result is the full per-frame detection result produced by [Detector].
// It is a pure value; retaining it is always safe.
type Result struct {
	// VoiceDetected is the debounced speech latch: true from a SpeechStarted
	// edge until the matching SpeechEnded edge, not the raw per-frame
	// classification.
	VoiceDetected bool

	// SpeechStarted is true on exactly the frame where sustained voice
	// crossed the minimum duration.
	SpeechStarted bool

	// SpeechEnded is true on exactly the frame where sustained silence
	// crossed the silence threshold.
	SpeechEnded bool

	// MaxAmplitude is the peak absolute sample value of the frame.
	MaxAmplitude int

	// VoiceMs and SilenceMs are the running durations of the current run of
	// voice or silence classifications. At most one is nonzero.
	VoiceMs   int
	SilenceMs int

	// Confidence is the fused detection confidence in [0,1].
	Confidence float64

	// HighConfidence is true when Confidence reached the configured
	// threshold.
	HighConfidence bool

	// SNRdB is the frame RMS over the adaptive noise floor, in dB.
	SNRdB float64

	// NoiseFloor is the current adaptive noise floor estimate (raw int16
	// RMS units).
	NoiseFloor float64

	// ZCR is the zero-crossing count for the frame, including the boundary
	// with the previous frame's last sample.
	ZCR int

	// LowBandRatio is the 300–1000 Hz energy share of total frame energy.
	LowBandRatio float64

	// RolloffHz is the frequency below which the configured fraction of
	// spectral energy lies.
	RolloffHz float64

	// Quality is Confidence mapped onto 0–255 for compact telemetry.
	Quality uint8
}

// BasicResult is the reduced result surface shared with [Basic] consumers.
type BasicResult struct {
	VoiceDetected bool
	SpeechStarted bool
	SpeechEnded   bool
	MaxAmplitude  int
	VoiceMs       int
	SilenceMs     int
}

// Basic projects a full Result down to the basic surface.
func (r Result) Basic() BasicResult {
	return BasicResult{
		VoiceDetected: r.VoiceDetected,
		SpeechStarted: r.SpeechStarted,
		SpeechEnded:   r.SpeechEnded,
		MaxAmplitude:  r.MaxAmplitude,
		VoiceMs:       r.VoiceMs,
		SilenceMs:     r.SilenceMs,
	}
}

// Stats is the cumulative telemetry of a [Detector]. Counters are written
// by the owning processing task and read by others with eventually
// consistent semantics.
type Stats struct {
	TotalVoiceTimeMs uint64
	DetectionCount   uint64

	AverageProcessingTimeUs uint64
	MaxProcessingTimeUs     uint64
	AverageConfidence       float64

	CurrentNoiseFloor float64
	MinNoiseFloor     float64
	MaxNoiseFloor     float64
	Adaptations       uint64
}
