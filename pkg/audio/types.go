// Package audio provides the PCM primitives shared by every stage of the
// voice front-end: frame and chunk types, a single-producer single-consumer
// ring buffer, level measurement, gain/volume application, and format
// conversion helpers for host audio devices.
//
// The core pipeline operates on 16 kHz mono signed 16-bit little-endian PCM.
// Frame length is fixed at init (a power of two between 128 and 1024
// samples); everything downstream of the capture device assumes it.
package audio

// Frame is a fixed-length block of mono int16 samples: the atomic unit the
// VAD and the conversational state machine operate on. The slice is owned by
// the producer; consumers that retain it past the call must copy.
type Frame struct {
	// Samples holds raw signed 16-bit PCM.
	Samples []int16

	// SampleRate in Hz. The core only produces and accepts 16000.
	SampleRate int
}

// Chunk is an immutable byte window of captured or synthesized PCM handed to
// an external sink or source in one callback. Ownership transfers to the
// callback for the duration of the call only; retaining requires a copy.
type Chunk struct {
	// Data is s16le mono PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// TimestampMs is the capture timestamp in stream time (milliseconds
	// since the owning path started), derived from frame count rather than
	// wall-clock so replays are deterministic.
	TimestampMs int64
}

// MinFrameSize and MaxFrameSize bound the per-frame sample count agreed at
// init. Frame sizes must be powers of two.
const (
	MinFrameSize = 128
	MaxFrameSize = 1024
)

// DefaultSampleRate is the nominal core sample rate in Hz.
const DefaultSampleRate = 16000

// ValidFrameSize reports whether n is a power of two within
// [MinFrameSize, MaxFrameSize].
func ValidFrameSize(n int) bool {
	return n >= MinFrameSize && n <= MaxFrameSize && n&(n-1) == 0
}

// FrameDurationMs returns the duration of one frame of n samples at the
// given rate, in milliseconds. VAD and processor clocks advance by this
// amount per frame instead of reading wall time, keeping detection
// deterministic under scheduler jitter.
func FrameDurationMs(n, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return n * 1000 / sampleRate
}
