// Package capture implements the STT capture path: frame-aligned intake of
// microphone PCM, gain and optional noise suppression, chunk assembly for the
// speech service, per-window quality metrics, and an internal basic VAD that
// drives voice start/end events.
package capture

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auricle-dev/auricle/pkg/audio"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// EventType enumerates the events a capture [Path] emits.
type EventType string

const (
	// EventStarted fires once when the path starts.
	EventStarted EventType = "started"

	// EventStopped fires once when the path stops, after any flushed chunks
	// have been delivered.
	EventStopped EventType = "stopped"

	// EventChunkReady carries an assembled chunk of captured PCM. The chunk
	// payload is valid only for the duration of the callback.
	EventChunkReady EventType = "chunk_ready"

	// EventVoiceStart fires on a debounced speech start (or a forced one via
	// [Path.TriggerVoice]).
	EventVoiceStart EventType = "voice_start"

	// EventVoiceEnd fires on a debounced speech end; the partial chunk is
	// flushed right after.
	EventVoiceEnd EventType = "voice_end"

	// EventSilence fires once per silence run, when silence has persisted
	// past the VAD silence threshold without a preceding voice segment.
	EventSilence EventType = "silence"

	// EventError reports a degraded-quality condition such as backpressure.
	// The pipeline keeps running.
	EventError EventType = "error"
)

// Event is the payload delivered to the path's [Handler].
type Event struct {
	Type EventType

	// Chunk is set for EventChunkReady only.
	Chunk *audio.Chunk

	// Err is set for EventError only.
	Err error
}

// Handler receives capture events. Started, Stopped, VoiceStart, VoiceEnd,
// Silence and Error fire synchronously on the task that called into the
// path, after its locks are released; ChunkReady fires on the delivery
// worker. Handlers may poll the read accessors ([Path.Metrics],
// [Path.Stats], [Path.Gain], [Path.VoiceDetected]); mutating operations
// re-entered from a handler fail with [audio.ErrBusy].
type Handler func(Event)

// Config holds the capture path parameters.
type Config struct {
	// SampleRate in Hz; must match the VAD config.
	SampleRate int

	// FrameSize is the per-frame sample count; must match the VAD config.
	FrameSize int

	// Gain is the microphone gain, clamped to [0.5, 2.0] on use.
	Gain float64

	// ChunkSize is the assembled chunk size in bytes.
	ChunkSize int

	// CaptureTimeoutMs bounds how long a full pending queue may stall a
	// chunk before the oldest queued chunk is dropped.
	CaptureTimeoutMs int

	// QueueDepth is the pending-chunk queue length.
	QueueDepth int

	// NoiseSuppression enables the single-pole high-pass noise gate.
	NoiseSuppression bool

	// VAD configures the internal basic detector.
	VAD vad.Config
}

// DefaultConfig returns the capture parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		SampleRate:       audio.DefaultSampleRate,
		FrameSize:        256,
		Gain:             1.0,
		ChunkSize:        1024,
		CaptureTimeoutMs: 100,
		QueueDepth:       8,
		NoiseSuppression: false,
		VAD:              vad.DefaultConfig(),
	}
}

// Validate checks cfg for coherence; every failure wraps
// [audio.ErrConfigInvalid].
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
	if c.ChunkSize <= 0 || c.ChunkSize%2 != 0 {
		return fmt.Errorf("%w: chunk_size %d must be a positive even byte count", audio.ErrConfigInvalid, c.ChunkSize)
	}
	if c.CaptureTimeoutMs <= 0 {
		return fmt.Errorf("%w: capture_timeout_ms %d must be positive", audio.ErrConfigInvalid, c.CaptureTimeoutMs)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue_depth %d must be positive", audio.ErrConfigInvalid, c.QueueDepth)
	}
	return nil
}

// Metrics is the per-window quality snapshot.
type Metrics struct {
	RMS           float64
	Peak          int
	SNRdB         float64
	VoiceMs       int
	SilenceMs     int
	VoiceDetected bool
}

// Stats is the cumulative capture telemetry.
type Stats struct {
	ChunksCaptured uint64
	BytesCaptured  uint64
	VoiceSegments  uint64
	ChunksDropped  uint64
	AvgLevel       float64
}

// hpAlpha is the single-pole high-pass coefficient; at 16 kHz it puts the
// corner near 50 Hz, below the voice band.
const hpAlpha = 0.98

// Path is the STT capture path. Frames enter through [Path.ProcessFrame] on
// the processing task; assembled chunks leave through the delivery worker.
type Path struct {
	cfg     Config
	frameMs int
	handler Handler

	// inHandler guards against callbacks re-entering path operations on the
	// task that emitted them.
	inHandler atomic.Bool

	mu              sync.Mutex
	running         bool
	forced          bool
	silenceNotified bool
	gain            float64
	clockMs         int64
	chunk           []byte
	scratch         []int16
	noise           float64
	hpPrevIn        float64
	hpPrevOut       float64
	det             *vad.Basic
	metrics         Metrics
	stats           Stats
	frames          uint64
	queued          []Event

	pending chan audio.Chunk
	wg      sync.WaitGroup
}

// New creates a capture path. handler may be nil for a pure-pull consumer
// that polls [Path.Metrics] and [Path.Stats] only.
func New(cfg Config, handler Handler) (*Path, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	det, err := vad.NewBasic(cfg.VAD)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = func(Event) {}
	}
	return &Path{
		cfg:     cfg,
		frameMs: audio.FrameDurationMs(cfg.FrameSize, cfg.SampleRate),
		handler: handler,
		gain:    audio.ClampGain(cfg.Gain),
		chunk:   make([]byte, 0, cfg.ChunkSize),
		scratch: make([]int16, cfg.FrameSize),
		det:     det,
	}, nil
}

// Start launches the delivery worker and emits Started.
func (p *Path) Start() error {
	if p.inHandler.Load() {
		return fmt.Errorf("capture: start from event handler: %w", audio.ErrBusy)
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture: %w", audio.ErrAlreadyInitialized)
	}
	p.running = true
	p.pending = make(chan audio.Chunk, p.cfg.QueueDepth)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.deliver(p.pending)

	p.emit(Event{Type: EventStarted})
	return nil
}

// Stop flushes the partial chunk, waits for queued chunks to be delivered
// and emits Stopped. A second Stop is a no-op: stop is idempotent and the
// Stopped event fires exactly once per session.
func (p *Path) Stop() error {
	if p.inHandler.Load() {
		return fmt.Errorf("capture: stop from event handler: %w", audio.ErrBusy)
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.flushChunkLocked()
	close(p.pending)
	p.mu.Unlock()

	p.deliverQueued()
	p.wg.Wait()
	p.emit(Event{Type: EventStopped})
	return nil
}

// ProcessFrame runs one frame through gain, the optional noise gate, quality
// metrics, the internal VAD and chunk assembly. The caller's slice is not
// modified. Returns [audio.ErrNotInitialized] when the path is stopped.
func (p *Path) ProcessFrame(samples []int16) error {
	if p.inHandler.Load() {
		return fmt.Errorf("capture: process from event handler: %w", audio.ErrBusy)
	}
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture: %w", audio.ErrNotInitialized)
	}
	if len(samples) != p.cfg.FrameSize {
		p.mu.Unlock()
		return fmt.Errorf("%w: frame of %d samples, capture expects %d",
			audio.ErrConfigInvalid, len(samples), p.cfg.FrameSize)
	}

	copy(p.scratch, samples)
	audio.ApplyGain(p.scratch, p.gain)
	if p.cfg.NoiseSuppression {
		p.highpassLocked(p.scratch)
	}

	rms := audio.RMS(p.scratch)
	peak := audio.Peak(p.scratch)

	res, err := p.det.Process(p.scratch)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	// Rolling noise estimate for the SNR metric; tracks silence only.
	if !res.VoiceDetected && !p.forced {
		p.noise = 0.95*p.noise + 0.05*rms
	}
	p.metrics = Metrics{
		RMS:           rms,
		Peak:          peak,
		SNRdB:         20 * logRatio(rms, p.noise),
		VoiceMs:       res.VoiceMs,
		SilenceMs:     res.SilenceMs,
		VoiceDetected: res.VoiceDetected || p.forced,
	}

	p.frames++
	p.stats.AvgLevel += (audio.NormLevel(rms) - p.stats.AvgLevel) / float64(p.frames)

	if res.SpeechStarted {
		p.silenceNotified = false
		if !p.forced {
			p.stats.VoiceSegments++
			p.queueLocked(Event{Type: EventVoiceStart})
		}
	}
	if res.SpeechEnded && !p.forced {
		p.queueLocked(Event{Type: EventVoiceEnd})
		p.flushChunkLocked()
	}
	if !res.VoiceDetected && !p.forced &&
		res.SilenceMs >= p.cfg.VAD.SilenceThresholdMs && !p.silenceNotified {
		p.silenceNotified = true
		p.queueLocked(Event{Type: EventSilence})
	}

	p.chunk = append(p.chunk, audio.SamplesToBytes(p.scratch)...)
	if len(p.chunk) >= p.cfg.ChunkSize {
		p.flushChunkLocked()
	}

	p.clockMs += int64(p.frameMs)
	p.mu.Unlock()

	p.deliverQueued()
	return nil
}

// TriggerVoice injects a synthetic voice edge for push-to-talk. forceStart
// true emits VoiceStart and pins the path voiced; false emits VoiceEnd and
// flushes the partial chunk.
func (p *Path) TriggerVoice(forceStart bool) error {
	if p.inHandler.Load() {
		return fmt.Errorf("capture: trigger from event handler: %w", audio.ErrBusy)
	}
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture: %w", audio.ErrNotInitialized)
	}
	if forceStart {
		if p.forced {
			p.mu.Unlock()
			return nil
		}
		p.forced = true
		p.silenceNotified = false
		p.stats.VoiceSegments++
		p.queueLocked(Event{Type: EventVoiceStart})
	} else {
		if !p.forced {
			p.mu.Unlock()
			return nil
		}
		p.forced = false
		p.queueLocked(Event{Type: EventVoiceEnd})
		p.flushChunkLocked()
	}
	p.mu.Unlock()

	p.deliverQueued()
	return nil
}

// SetGain updates the microphone gain, clamped to [0.5, 2.0]. Takes effect
// on the next frame.
func (p *Path) SetGain(gain float64) {
	p.mu.Lock()
	p.gain = audio.ClampGain(gain)
	p.mu.Unlock()
}

// Gain returns the active (clamped) gain.
func (p *Path) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// Metrics returns the quality snapshot of the most recent frame.
func (p *Path) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Stats returns the cumulative capture telemetry.
func (p *Path) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// VoiceDetected reports whether the path currently considers voice active,
// either via the VAD latch or a forced push-to-talk session.
func (p *Path) VoiceDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.det.VoiceDetected() || p.forced
}

// flushChunkLocked hands the assembled chunk to the delivery queue. Caller
// holds mu.
func (p *Path) flushChunkLocked() {
	if len(p.chunk) == 0 {
		return
	}
	c := audio.Chunk{
		Data:        p.chunk,
		SampleRate:  p.cfg.SampleRate,
		TimestampMs: p.clockMs,
	}
	p.chunk = make([]byte, 0, p.cfg.ChunkSize)

	select {
	case p.pending <- c:
		return
	default:
	}

	// Queue full: wait out the capture timeout, then shed the oldest chunk
	// so the newest audio survives a stalled consumer.
	timer := time.NewTimer(time.Duration(p.cfg.CaptureTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case p.pending <- c:
		return
	case <-timer.C:
	}

	select {
	case <-p.pending:
		p.stats.ChunksDropped++
	default:
	}
	p.queueLocked(Event{Type: EventError, Err: fmt.Errorf("capture: pending queue stalled: %w", audio.ErrBackpressure)})
	select {
	case p.pending <- c:
	default:
		p.stats.ChunksDropped++
	}
}

// deliver drains the pending queue to the handler until the queue closes.
func (p *Path) deliver(pending <-chan audio.Chunk) {
	defer p.wg.Done()
	for c := range pending {
		p.mu.Lock()
		p.stats.ChunksCaptured++
		p.stats.BytesCaptured += uint64(len(c.Data))
		p.mu.Unlock()
		p.handler(Event{Type: EventChunkReady, Chunk: &c})
	}
}

// highpassLocked applies the single-pole high-pass gate in place.
func (p *Path) highpassLocked(samples []int16) {
	for i, s := range samples {
		in := float64(s)
		out := hpAlpha * (p.hpPrevOut + in - p.hpPrevIn)
		p.hpPrevIn = in
		p.hpPrevOut = out
		if out > 32767 {
			out = 32767
		} else if out < -32768 {
			out = -32768
		}
		samples[i] = int16(out)
	}
}

// queueLocked defers ev for delivery once mu is released, so handlers can
// poll the read accessors without deadlocking. Caller holds mu.
func (p *Path) queueLocked(ev Event) {
	p.queued = append(p.queued, ev)
}

// deliverQueued emits the events collected under the lock, in order. Caller
// must not hold mu.
func (p *Path) deliverQueued() {
	p.mu.Lock()
	evs := p.queued
	p.queued = nil
	p.mu.Unlock()
	for _, ev := range evs {
		p.emit(ev)
	}
}

// emit invokes the handler with the re-entry guard set so a handler that
// calls a mutating operation gets [audio.ErrBusy] instead of a deadlock.
func (p *Path) emit(ev Event) {
	p.inHandler.Store(true)
	defer p.inHandler.Store(false)
	p.handler(ev)
}

func logRatio(num, den float64) float64 {
	return math.Log10((num + 1) / (den + 1))
}
