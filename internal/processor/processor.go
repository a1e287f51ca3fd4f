// Package processor implements the continuous conversational state machine.
// It consumes VAD results frame by frame, drives the WAITING through ENDING
// mode cycle, and gates streaming of captured audio to the external sink.
package processor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/auricle-dev/auricle/pkg/audio"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// Mode is a conversational state. Exactly one is active.
type Mode string

const (
	// ModeWaiting idles until sustained high-confidence voice wakes the
	// appliance.
	ModeWaiting Mode = "waiting"

	// ModeListening streams audio while waiting for an utterance to begin.
	ModeListening Mode = "listening"

	// ModeRecording streams an in-progress utterance.
	ModeRecording Mode = "recording"

	// ModeProcessing waits for the remote service to respond; no streaming.
	ModeProcessing Mode = "processing"

	// ModeSpeaking plays the response; captured frames are discarded.
	ModeSpeaking Mode = "speaking"

	// ModeEnding drains and returns to waiting on the next frame.
	ModeEnding Mode = "ending"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeWaiting, ModeListening, ModeRecording, ModeProcessing, ModeSpeaking, ModeEnding:
		return true
	}
	return false
}

// StateCallback observes mode transitions. Callbacks are serialized: the
// subscriber sees a total order consistent with the transitions. They must
// not re-enter mutating processor operations; re-entry fails with
// [audio.ErrBusy].
type StateCallback func(old, new Mode, last vad.Result)

// ChunkFunc receives streamed capture chunks. The payload is valid only for
// the duration of the call.
type ChunkFunc func(chunk audio.Chunk)

// Config holds the processor parameters.
type Config struct {
	// SampleRate in Hz; must match the VAD config.
	SampleRate int

	// FrameSize is the per-frame sample count; must match the VAD config.
	FrameSize int

	// WakeThreshold is the peak amplitude a frame must reach to count
	// toward the simulated wake trigger.
	WakeThreshold int

	// WakeDurationMs is how long wake-qualifying voice must persist in
	// WAITING before the processor transitions to LISTENING.
	WakeDurationMs int

	// MaxRecordingDurationMs caps a recording session.
	MaxRecordingDurationMs int

	// SilenceTimeoutMs returns LISTENING to WAITING when nothing is heard.
	SilenceTimeoutMs int

	// StreamIntervalMs is the minimum spacing between streamed chunks.
	StreamIntervalMs int

	// EnableStreaming gates chunk emission entirely.
	EnableStreaming bool

	// VAD configures the enhanced detector the processor runs on.
	VAD vad.Config
}

// DefaultConfig returns the processor parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		SampleRate:             audio.DefaultSampleRate,
		FrameSize:              256,
		WakeThreshold:          3000,
		WakeDurationMs:         300,
		MaxRecordingDurationMs: 30000,
		SilenceTimeoutMs:       5000,
		StreamIntervalMs:       100,
		EnableStreaming:        true,
		VAD:                    vad.DefaultConfig(),
	}
}

// Validate checks cfg; every failure wraps [audio.ErrConfigInvalid].
func (c Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return err
	}
	if c.SampleRate != c.VAD.SampleRate {
		return fmt.Errorf("%w: sample_rate %d does not match vad sample_rate %d",
			audio.ErrConfigInvalid, c.SampleRate, c.VAD.SampleRate)
	}
	if c.FrameSize != c.VAD.FrameSize {
		return fmt.Errorf("%w: frame_size %d does not match vad frame_size %d",
			audio.ErrConfigInvalid, c.FrameSize, c.VAD.FrameSize)
	}
	if c.WakeThreshold <= 0 || c.WakeThreshold > 32767 {
		return fmt.Errorf("%w: wake_threshold %d is out of range (0, 32767]", audio.ErrConfigInvalid, c.WakeThreshold)
	}
	if c.WakeDurationMs <= 0 {
		return fmt.Errorf("%w: wake_duration_ms %d must be positive", audio.ErrConfigInvalid, c.WakeDurationMs)
	}
	if c.MaxRecordingDurationMs <= 0 {
		return fmt.Errorf("%w: max_recording_duration_ms %d must be positive", audio.ErrConfigInvalid, c.MaxRecordingDurationMs)
	}
	if c.SilenceTimeoutMs <= 0 {
		return fmt.Errorf("%w: silence_timeout_ms %d must be positive", audio.ErrConfigInvalid, c.SilenceTimeoutMs)
	}
	if c.StreamIntervalMs <= 0 {
		return fmt.Errorf("%w: stream_interval_ms %d must be positive", audio.ErrConfigInvalid, c.StreamIntervalMs)
	}
	return nil
}

// Stats is the cumulative processor telemetry.
type Stats struct {
	FramesProcessed   uint64
	WakeEvents        uint64
	RecordingSessions uint64

	// WakeCandidateMs is the length of the current run of wake-qualifying
	// frames in WAITING; resets when voice drops.
	WakeCandidateMs int
}

// Processor drives the conversational state machine. All mutation happens
// on the processing task via [Processor.ProcessFrame] and the external
// command surface; reads of mode and stats are safe from any goroutine.
type Processor struct {
	cfg     Config
	frameMs int
	onState StateCallback
	onChunk ChunkFunc

	// inCallback rejects callbacks re-entering mutating operations.
	inCallback atomic.Bool

	// emitMu serializes state mutation together with callback delivery so
	// subscribers observe transitions in order. mu alone guards the fields
	// for cheap reads.
	emitMu sync.Mutex
	mu     sync.Mutex

	det           *vad.Detector
	mode          Mode
	clockMs       int64
	wakeMs        int
	listenQuietMs int
	recordingMs   int
	lastStreamMs  int64
	streamBuf     []byte
	lastResult    vad.Result
	stats         Stats
}

// New creates a processor in WAITING. onState and onChunk may be nil.
func New(cfg Config, onState StateCallback, onChunk ChunkFunc) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	det, err := vad.NewDetector(cfg.VAD)
	if err != nil {
		return nil, err
	}
	if onState == nil {
		onState = func(Mode, Mode, vad.Result) {}
	}
	if onChunk == nil {
		onChunk = func(audio.Chunk) {}
	}
	return &Processor{
		cfg:     cfg,
		frameMs: audio.FrameDurationMs(cfg.FrameSize, cfg.SampleRate),
		onState: onState,
		onChunk: onChunk,
		det:     det,
		mode:    ModeWaiting,
	}, nil
}

// transition captures a pending state change for delivery after the state
// mutex is released.
type transition struct {
	old, new Mode
	result   vad.Result
}

// ProcessFrame advances the state machine by one captured frame. Runtime
// errors are limited to contract violations; audio conditions never fail
// the pipeline.
func (p *Processor) ProcessFrame(samples []int16) error {
	if p.inCallback.Load() {
		return fmt.Errorf("processor: process from callback: %w", audio.ErrBusy)
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if len(samples) != p.cfg.FrameSize {
		p.mu.Unlock()
		return fmt.Errorf("%w: frame of %d samples, processor expects %d",
			audio.ErrConfigInvalid, len(samples), p.cfg.FrameSize)
	}

	res, err := p.det.Process(samples)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.lastResult = res
	p.stats.FramesProcessed++

	var chunks []audio.Chunk
	var tr *transition

	switch p.mode {
	case ModeWaiting:
		if res.MaxAmplitude >= p.cfg.WakeThreshold && res.HighConfidence {
			p.wakeMs += p.frameMs
		} else {
			p.wakeMs = 0
		}
		p.stats.WakeCandidateMs = p.wakeMs
		if p.wakeMs >= p.cfg.WakeDurationMs {
			p.stats.WakeEvents++
			tr = p.enterLocked(ModeListening, res)
		}

	case ModeListening:
		chunks = p.streamLocked(samples, chunks)
		if res.SpeechStarted {
			p.stats.RecordingSessions++
			tr = p.enterLocked(ModeRecording, res)
		} else if res.VoiceDetected {
			p.listenQuietMs = 0
		} else {
			p.listenQuietMs += p.frameMs
			if p.listenQuietMs >= p.cfg.SilenceTimeoutMs {
				chunks = p.flushStreamLocked(chunks)
				tr = p.enterLocked(ModeWaiting, res)
			}
		}

	case ModeRecording:
		chunks = p.streamLocked(samples, chunks)
		p.recordingMs += p.frameMs
		if res.SpeechEnded || p.recordingMs >= p.cfg.MaxRecordingDurationMs {
			chunks = p.flushStreamLocked(chunks)
			tr = p.enterLocked(ModeProcessing, res)
		}

	case ModeProcessing, ModeSpeaking:
		// Frames are consumed to keep VAD state current, never forwarded.

	case ModeEnding:
		tr = p.enterLocked(ModeWaiting, res)
	}

	p.clockMs += int64(p.frameMs)
	p.mu.Unlock()

	p.deliver(chunks, tr)
	return nil
}

// SetMode applies an external mode command. Setting the current mode is a
// no-op that fires no callback. Direct jumps are accepted; leaving
// RECORDING flushes the partial streamed chunk first.
func (p *Processor) SetMode(target Mode) error {
	if p.inCallback.Load() {
		return fmt.Errorf("processor: set mode from callback: %w", audio.ErrBusy)
	}
	if !target.IsValid() {
		return fmt.Errorf("%w: mode %q", audio.ErrConfigInvalid, target)
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.mode == target {
		p.mu.Unlock()
		return nil
	}
	var chunks []audio.Chunk
	if p.mode == ModeRecording {
		chunks = p.flushStreamLocked(chunks)
	}
	tr := p.enterLocked(target, p.lastResult)
	p.mu.Unlock()

	p.deliver(chunks, tr)
	return nil
}

// Mode returns the current conversational mode. Side-effect-free and safe
// from callbacks and other goroutines.
func (p *Processor) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Stats returns the cumulative processor telemetry.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LastResult returns the most recent VAD result.
func (p *Processor) LastResult() vad.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastResult
}

// VADStats returns the embedded detector's telemetry.
func (p *Processor) VADStats() vad.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.det.Stats()
}

// SetVADMode switches the detector's processing mode in place.
func (p *Processor) SetVADMode(mode vad.ProcessingMode) error {
	if p.inCallback.Load() {
		return fmt.Errorf("processor: set vad mode from callback: %w", audio.ErrBusy)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.det.SetMode(mode)
}

// Reset returns the machine to WAITING and clears detector and timer state.
// Cumulative stats are preserved.
func (p *Processor) Reset() error {
	if p.inCallback.Load() {
		return fmt.Errorf("processor: reset from callback: %w", audio.ErrBusy)
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.det.Reset()
	p.mode = ModeWaiting
	p.clockMs = 0
	p.wakeMs = 0
	p.listenQuietMs = 0
	p.recordingMs = 0
	p.lastStreamMs = 0
	p.streamBuf = nil
	p.lastResult = vad.Result{}
	p.stats.WakeCandidateMs = 0
	p.mu.Unlock()
	return nil
}

// enterLocked switches modes and resets the counters the new mode owns.
// Caller holds mu; the returned transition is delivered after unlock.
func (p *Processor) enterLocked(to Mode, res vad.Result) *transition {
	old := p.mode
	p.mode = to
	switch to {
	case ModeWaiting:
		p.wakeMs = 0
		p.stats.WakeCandidateMs = 0
	case ModeListening:
		p.listenQuietMs = 0
		p.lastStreamMs = p.clockMs
	case ModeRecording:
		p.recordingMs = 0
	}
	return &transition{old: old, new: to, result: res}
}

// streamLocked appends the frame to the stream buffer and flushes it when
// the stream interval has elapsed. Caller holds mu.
func (p *Processor) streamLocked(samples []int16, chunks []audio.Chunk) []audio.Chunk {
	if !p.cfg.EnableStreaming {
		return chunks
	}
	p.streamBuf = append(p.streamBuf, audio.SamplesToBytes(samples)...)
	if p.clockMs-p.lastStreamMs >= int64(p.cfg.StreamIntervalMs) {
		chunks = p.flushStreamLocked(chunks)
	}
	return chunks
}

// flushStreamLocked emits the pending stream buffer as one chunk. Caller
// holds mu.
func (p *Processor) flushStreamLocked(chunks []audio.Chunk) []audio.Chunk {
	p.lastStreamMs = p.clockMs
	if len(p.streamBuf) == 0 {
		return chunks
	}
	c := audio.Chunk{
		Data:        p.streamBuf,
		SampleRate:  p.cfg.SampleRate,
		TimestampMs: p.clockMs,
	}
	p.streamBuf = nil
	return append(chunks, c)
}

// deliver fires pending chunk and state callbacks outside the state mutex,
// in order, with the re-entry guard set.
func (p *Processor) deliver(chunks []audio.Chunk, tr *transition) {
	if len(chunks) == 0 && tr == nil {
		return
	}
	p.inCallback.Store(true)
	defer p.inCallback.Store(false)
	for _, c := range chunks {
		p.onChunk(c)
	}
	if tr != nil {
		p.onState(tr.old, tr.new, tr.result)
	}
}
