// Package playback implements the TTS playback path: a bounded queue of
// synthesized PCM chunks drained by a worker to a speaker sink, with volume
// scaling, underrun accounting and session events.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// EventType enumerates the events a playback [Path] emits.
type EventType string

const (
	// EventStarted fires when the first chunk of a session reaches the sink.
	EventStarted EventType = "started"

	// EventChunkPlayed fires after each chunk is written to the sink.
	EventChunkPlayed EventType = "chunk_played"

	// EventBufferEmpty fires when the queue drains after having been
	// non-empty. While the session is still open this is an underrun.
	EventBufferEmpty EventType = "buffer_empty"

	// EventFinished fires once per session, after the session is closed and
	// the queue has fully drained.
	EventFinished EventType = "finished"

	// EventError reports a sink write failure or queue backpressure. The
	// worker keeps draining.
	EventError EventType = "error"
)

// Event is the payload delivered to the path's [Handler]. Events fire on the
// playback worker except the backpressure Error, which fires on the caller
// of [Path.Play].
type Event struct {
	Type EventType

	// Bytes is the chunk length for EventChunkPlayed.
	Bytes int

	// Err is set for EventError only.
	Err error
}

// Handler receives playback events.
type Handler func(Event)

// Sink consumes played PCM. Write blocks until the sink has accepted the
// chunk; pacing to real time is the sink's concern.
type Sink interface {
	Write(ctx context.Context, pcm []byte) error
}

// Config holds the playback path parameters.
type Config struct {
	// SampleRate in Hz.
	SampleRate int

	// Volume in [0,1], clamped on use.
	Volume float64

	// BufferSize is the maximum aggregate queued bytes.
	BufferSize int

	// BufferTimeoutMs bounds how long Play waits for queue space before
	// failing with backpressure.
	BufferTimeoutMs int
}

// DefaultConfig returns the playback parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		SampleRate:      audio.DefaultSampleRate,
		Volume:          0.7,
		BufferSize:      4096,
		BufferTimeoutMs: 1000,
	}
}

// Validate checks cfg; every failure wraps [audio.ErrConfigInvalid].
func (c Config) Validate() error {
	if c.SampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("%w: sample_rate %d is unsupported; only %d Hz",
			audio.ErrConfigInvalid, c.SampleRate, audio.DefaultSampleRate)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer_size %d must be positive", audio.ErrConfigInvalid, c.BufferSize)
	}
	if c.BufferTimeoutMs <= 0 {
		return fmt.Errorf("%w: buffer_timeout_ms %d must be positive", audio.ErrConfigInvalid, c.BufferTimeoutMs)
	}
	return nil
}

// Stats is the cumulative playback telemetry.
type Stats struct {
	ChunksPlayed    uint64
	BytesPlayed     uint64
	BufferUnderruns uint64
}

// Path is the TTS playback path. One worker per session drains the queue to
// the sink; [Path.Play] is safe to call from any goroutine.
type Path struct {
	cfg     Config
	sink    Sink
	handler Handler

	mu          sync.Mutex
	cond        *sync.Cond
	queue       [][]byte
	queuedBytes int
	running     bool
	started     bool
	volume      float64
	lastRMS     float64
	stats       Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a playback path over sink. handler may be nil.
func New(cfg Config, sink Sink, handler Handler) (*Path, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: playback sink is required", audio.ErrConfigInvalid)
	}
	if handler == nil {
		handler = func(Event) {}
	}
	p := &Path{
		cfg:     cfg,
		sink:    sink,
		handler: handler,
		volume:  audio.ClampVolume(cfg.Volume),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start opens a playback session and launches the drain worker.
func (p *Path) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("playback: %w", audio.ErrAlreadyInitialized)
	}
	p.running = true
	p.started = false
	p.queue = nil
	p.queuedBytes = 0

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.drain(ctx)
	return nil
}

// Play copies pcm into the queue and returns immediately when space allows.
// When the queue is full it waits up to buffer_timeout_ms, then fails with
// [audio.ErrBackpressure] and emits an Error event. Oversized chunks that
// can never fit fail immediately with [audio.ErrConfigInvalid].
func (p *Path) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm) > p.cfg.BufferSize {
		return fmt.Errorf("%w: chunk of %d bytes exceeds buffer_size %d",
			audio.ErrConfigInvalid, len(pcm), p.cfg.BufferSize)
	}

	deadline := time.Now().Add(time.Duration(p.cfg.BufferTimeoutMs) * time.Millisecond)
	wake := time.AfterFunc(time.Duration(p.cfg.BufferTimeoutMs)*time.Millisecond, p.cond.Broadcast)
	defer wake.Stop()

	p.mu.Lock()
	for {
		if !p.running {
			p.mu.Unlock()
			return fmt.Errorf("playback: %w", audio.ErrNotInitialized)
		}
		if p.queuedBytes+len(pcm) <= p.cfg.BufferSize {
			break
		}
		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			err := fmt.Errorf("playback: buffer full past %d ms: %w", p.cfg.BufferTimeoutMs, audio.ErrBackpressure)
			p.handler(Event{Type: EventError, Err: err})
			return err
		}
		p.cond.Wait()
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.queue = append(p.queue, buf)
	p.queuedBytes += len(buf)
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// Stop closes the session. The worker drains everything still queued, emits
// Finished, and Stop returns once it has exited. Idempotent; a second Stop
// fires no further events.
func (p *Path) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Interrupt discards everything still queued, aborts the in-flight sink
// write and closes the session. Unlike [Path.Stop] it does not wait for
// queued audio to play.
func (p *Path) Interrupt() error {
	p.mu.Lock()
	p.queue = nil
	p.queuedBytes = 0
	cancel := p.cancel
	p.cond.Broadcast()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return p.Stop()
}

// SetVolume updates the playback volume, clamped to [0,1]. Takes effect on
// the next chunk.
func (p *Path) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = audio.ClampVolume(v)
	p.mu.Unlock()
}

// Volume returns the active (clamped) volume.
func (p *Path) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// LastRMS returns the post-volume RMS of the most recently played chunk, in
// raw int16 units. The coordinator's echo suppressor compares captured
// frames against it.
func (p *Path) LastRMS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRMS
}

// Stats returns the cumulative playback telemetry.
func (p *Path) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Active reports whether a session is open.
func (p *Path) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// drain is the playback worker. It exits after the session is closed and
// the queue is empty, emitting Finished exactly once.
func (p *Path) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			p.handler(Event{Type: EventFinished})
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.queuedBytes -= len(chunk)
		vol := p.volume
		first := !p.started
		p.started = true
		p.cond.Broadcast()
		p.mu.Unlock()

		audio.ApplyVolume(chunk, vol)
		if err := p.sink.Write(ctx, chunk); err != nil {
			if !errors.Is(err, context.Canceled) {
				p.handler(Event{Type: EventError, Err: fmt.Errorf("playback: sink write: %w", err)})
			}
			continue
		}
		if first {
			p.handler(Event{Type: EventStarted})
		}

		p.mu.Lock()
		p.lastRMS = audio.RMSBytes(chunk)
		p.stats.ChunksPlayed++
		p.stats.BytesPlayed += uint64(len(chunk))
		drained := len(p.queue) == 0
		underrun := drained && p.running
		if underrun {
			p.stats.BufferUnderruns++
		}
		p.mu.Unlock()

		p.handler(Event{Type: EventChunkPlayed, Bytes: len(chunk)})
		if drained {
			p.handler(Event{Type: EventBufferEmpty})
		}
	}
}
