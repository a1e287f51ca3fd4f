// Package coordinator arbitrates the microphone and speaker sides of the
// appliance. It routes captured frames into the STT capture path, mutes or
// echo-suppresses them while TTS plays, and exposes the push-to-talk and
// barge-in surface the rest of the system drives.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/auricle-dev/auricle/internal/capture"
	"github.com/auricle-dev/auricle/internal/playback"
	"github.com/auricle-dev/auricle/pkg/audio"
)

// Mode is the coordinator's audio focus.
type Mode string

const (
	// ModeIdle has neither path active.
	ModeIdle Mode = "idle"

	// ModeListening routes microphone frames into the capture path.
	ModeListening Mode = "listening"

	// ModeSpeaking plays TTS; microphone frames are muted or suppressed.
	ModeSpeaking Mode = "speaking"

	// ModeProcessing waits on the remote service between an utterance and
	// its response.
	ModeProcessing Mode = "processing"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeIdle, ModeListening, ModeSpeaking, ModeProcessing:
		return true
	}
	return false
}

// ModeCallback observes coordinator mode changes, serialized in transition
// order. It must not re-enter coordinator operations; re-entry fails with
// [audio.ErrBusy].
type ModeCallback func(old, new Mode)

// Config holds the coordinator parameters.
type Config struct {
	// EchoCancellation zeroes captured frames that look like speaker echo
	// while TTS plays. Frames louder than the echo estimate pass through,
	// so the user can still barge in.
	EchoCancellation bool

	// AutoMuteMicrophone zeroes all captured frames while TTS plays,
	// enforcing half-duplex operation. Takes precedence over echo
	// cancellation.
	AutoMuteMicrophone bool

	// EchoThreshold is the fraction of the last played chunk's RMS below
	// which a captured frame counts as echo.
	EchoThreshold float64

	// VoiceTimeoutMs caps continuous voice while listening; 0 disables.
	VoiceTimeoutMs int

	// SilenceTimeoutMs ends a listening session that hears nothing.
	SilenceTimeoutMs int

	// PushToTalk disables the listening timeouts; the button governs the
	// session instead.
	PushToTalk bool

	// FrameSize and SampleRate must match the capture path.
	FrameSize  int
	SampleRate int
}

// DefaultConfig returns the coordinator parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		EchoCancellation:   true,
		AutoMuteMicrophone: true,
		EchoThreshold:      0.25,
		VoiceTimeoutMs:     10000,
		SilenceTimeoutMs:   5000,
		PushToTalk:         false,
		FrameSize:          256,
		SampleRate:         audio.DefaultSampleRate,
	}
}

// Validate checks cfg; every failure wraps [audio.ErrConfigInvalid].
func (c Config) Validate() error {
	if c.EchoThreshold <= 0 || c.EchoThreshold > 1 {
		return fmt.Errorf("%w: echo_threshold %v is out of range (0, 1]", audio.ErrConfigInvalid, c.EchoThreshold)
	}
	if c.VoiceTimeoutMs < 0 {
		return fmt.Errorf("%w: voice_timeout_ms %d must not be negative", audio.ErrConfigInvalid, c.VoiceTimeoutMs)
	}
	if c.SilenceTimeoutMs <= 0 {
		return fmt.Errorf("%w: silence_timeout_ms %d must be positive", audio.ErrConfigInvalid, c.SilenceTimeoutMs)
	}
	if !audio.ValidFrameSize(c.FrameSize) {
		return fmt.Errorf("%w: frame_size %d is out of range [%d, %d]",
			audio.ErrConfigInvalid, c.FrameSize, audio.MinFrameSize, audio.MaxFrameSize)
	}
	if c.SampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("%w: sample_rate %d is unsupported; only %d Hz",
			audio.ErrConfigInvalid, c.SampleRate, audio.DefaultSampleRate)
	}
	return nil
}

// Stats is the cumulative routing telemetry.
type Stats struct {
	FramesRouted     uint64
	FramesMuted      uint64
	FramesSuppressed uint64
	Interruptions    uint64
}

// Coordinator owns one capture path and one playback path and keeps the two
// from talking over each other.
type Coordinator struct {
	cfg     Config
	cap     *capture.Path
	play    *playback.Path
	onMode  ModeCallback
	frameMs int

	// inCallback rejects callbacks re-entering mutating operations.
	inCallback atomic.Bool

	// emitMu serializes mutating operations together with callback
	// delivery; mu alone guards the fields for cheap reads.
	emitMu sync.Mutex
	mu     sync.Mutex

	mode      Mode
	micActive bool
	voiceMs   int
	quietMs   int
	scratch   []int16
	stats     Stats
}

// New creates an idle coordinator over the two paths. onMode may be nil.
func New(cfg Config, cap *capture.Path, play *playback.Path, onMode ModeCallback) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cap == nil || play == nil {
		return nil, fmt.Errorf("%w: coordinator needs both a capture and a playback path", audio.ErrConfigInvalid)
	}
	if onMode == nil {
		onMode = func(Mode, Mode) {}
	}
	return &Coordinator{
		cfg:     cfg,
		cap:     cap,
		play:    play,
		onMode:  onMode,
		frameMs: audio.FrameDurationMs(cfg.FrameSize, cfg.SampleRate),
		mode:    ModeIdle,
		scratch: make([]int16, cfg.FrameSize),
	}, nil
}

// StartListening opens a capture session. Starting while TTS plays is a
// barge-in: playback is interrupted first, regardless of AutoMuteMicrophone.
// The auto-mute flag only governs frame routing while both directions are
// open; an explicit listen request always wins the speaker.
func (c *Coordinator) StartListening() error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: start listening from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	speaking := c.mode == ModeSpeaking
	c.mu.Unlock()

	if speaking {
		if err := c.interruptLocked(); err != nil {
			return err
		}
	}
	if err := c.cap.Start(); err != nil && !errors.Is(err, audio.ErrAlreadyInitialized) {
		return err
	}

	c.mu.Lock()
	c.micActive = true
	c.voiceMs = 0
	c.quietMs = 0
	tr := c.setModeLocked(ModeListening)
	c.mu.Unlock()

	c.deliver(tr)
	return nil
}

// StopListening closes the capture session and returns to idle.
func (c *Coordinator) StopListening() error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: stop listening from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	return c.stopListening()
}

func (c *Coordinator) stopListening() error {
	c.mu.Lock()
	wasActive := c.micActive
	c.micActive = false
	var tr *transition
	if c.mode == ModeListening {
		tr = c.setModeLocked(ModeIdle)
	}
	c.mu.Unlock()

	var err error
	if wasActive {
		err = c.cap.Stop()
	}
	c.deliver(tr)
	return err
}

// StartSpeaking opens a playback session for a TTS response. A listening
// microphone stays open; its frames are muted or echo-suppressed per the
// configuration until speaking ends.
func (c *Coordinator) StartSpeaking(ctx context.Context) error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: start speaking from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if err := c.play.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	tr := c.setModeLocked(ModeSpeaking)
	c.mu.Unlock()

	c.deliver(tr)
	return nil
}

// StopSpeaking waits for queued TTS to finish playing, then returns the
// focus to the microphone if it is still open.
func (c *Coordinator) StopSpeaking() error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: stop speaking from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	err := c.play.Stop()

	c.mu.Lock()
	var tr *transition
	if c.mode == ModeSpeaking {
		if c.micActive {
			tr = c.setModeLocked(ModeListening)
		} else {
			tr = c.setModeLocked(ModeIdle)
		}
	}
	c.mu.Unlock()

	c.deliver(tr)
	return err
}

// InterruptPlayback discards queued TTS immediately; the user talked over
// the appliance.
func (c *Coordinator) InterruptPlayback() error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: interrupt from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	return c.interruptLocked()
}

func (c *Coordinator) interruptLocked() error {
	err := c.play.Interrupt()

	c.mu.Lock()
	c.stats.Interruptions++
	var tr *transition
	if c.mode == ModeSpeaking {
		if c.micActive {
			tr = c.setModeLocked(ModeListening)
		} else {
			tr = c.setModeLocked(ModeIdle)
		}
	}
	c.mu.Unlock()

	c.deliver(tr)
	return err
}

// PlayTTSChunk queues one chunk of synthesized PCM. Only legal while
// speaking; anything else fails with [audio.ErrWrongMode].
func (c *Coordinator) PlayTTSChunk(pcm []byte) error {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != ModeSpeaking {
		return fmt.Errorf("%w: play tts in mode %q", audio.ErrWrongMode, mode)
	}
	return c.play.Play(pcm)
}

// PushToTalk handles the button. Press opens a forced-voice capture
// session; release ends it and flushes the partial chunk.
func (c *Coordinator) PushToTalk(pressed bool) error {
	if pressed {
		if err := c.StartListening(); err != nil {
			return err
		}
		return c.cap.TriggerVoice(true)
	}
	if err := c.cap.TriggerVoice(false); err != nil {
		return err
	}
	return c.StopListening()
}

// SetProcessing marks the gap between an utterance and its response. on
// true enters PROCESSING from listening; false returns to listening or
// idle depending on the microphone.
func (c *Coordinator) SetProcessing(on bool) error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: set processing from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	var tr *transition
	if on && c.mode != ModeSpeaking {
		tr = c.setModeLocked(ModeProcessing)
	} else if !on && c.mode == ModeProcessing {
		if c.micActive {
			tr = c.setModeLocked(ModeListening)
		} else {
			tr = c.setModeLocked(ModeIdle)
		}
	}
	c.mu.Unlock()

	c.deliver(tr)
	return nil
}

// ProcessCapturedFrame routes one microphone frame. While TTS plays the
// frame is zeroed under auto-mute, or under echo cancellation when its RMS
// falls below the echo estimate; either way the capture path still sees a
// frame so its clocks stay aligned. Frames arriving with no session open
// are dropped without error.
func (c *Coordinator) ProcessCapturedFrame(samples []int16) error {
	if c.inCallback.Load() {
		return fmt.Errorf("coordinator: process from callback: %w", audio.ErrBusy)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if len(samples) != c.cfg.FrameSize {
		c.mu.Unlock()
		return fmt.Errorf("%w: frame of %d samples, coordinator expects %d",
			audio.ErrConfigInvalid, len(samples), c.cfg.FrameSize)
	}
	if !c.micActive {
		c.mu.Unlock()
		return nil
	}

	copy(c.scratch, samples)
	if c.mode == ModeSpeaking {
		if c.cfg.AutoMuteMicrophone {
			audio.Zero(c.scratch)
			c.stats.FramesMuted++
		} else if c.cfg.EchoCancellation {
			if audio.RMS(c.scratch) < c.cfg.EchoThreshold*c.play.LastRMS() {
				audio.Zero(c.scratch)
				c.stats.FramesSuppressed++
			}
		}
	}
	c.stats.FramesRouted++
	frame := c.scratch
	listening := c.mode == ModeListening
	c.mu.Unlock()

	if err := c.cap.ProcessFrame(frame); err != nil {
		return err
	}

	if !listening || c.cfg.PushToTalk {
		return nil
	}

	// Frame-time listening timeouts.
	voiced := c.cap.VoiceDetected()
	c.mu.Lock()
	if voiced {
		c.voiceMs += c.frameMs
		c.quietMs = 0
	} else {
		c.quietMs += c.frameMs
		c.voiceMs = 0
	}
	timedOut := c.quietMs >= c.cfg.SilenceTimeoutMs ||
		(c.cfg.VoiceTimeoutMs > 0 && c.voiceMs >= c.cfg.VoiceTimeoutMs)
	c.mu.Unlock()

	if timedOut {
		return c.stopListening()
	}
	return nil
}

// Mode returns the current focus. Safe from callbacks and other goroutines.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Stats returns the cumulative routing telemetry.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// MicrophoneActive reports whether a capture session is open.
func (c *Coordinator) MicrophoneActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micActive
}

type transition struct {
	old, new Mode
}

// setModeLocked switches modes; caller holds mu. Returns nil for a
// same-mode set so no callback fires.
func (c *Coordinator) setModeLocked(to Mode) *transition {
	if c.mode == to {
		return nil
	}
	old := c.mode
	c.mode = to
	return &transition{old: old, new: to}
}

// deliver fires the mode callback outside the state mutex with the
// re-entry guard set.
func (c *Coordinator) deliver(tr *transition) {
	if tr == nil {
		return
	}
	c.inCallback.Store(true)
	defer c.inCallback.Store(false)
	c.onMode(tr.old, tr.new)
}
