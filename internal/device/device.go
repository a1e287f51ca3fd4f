// Package device adapts real audio hardware to the pipeline through malgo
// (miniaudio). The microphone side downmixes and resamples the device format
// to the internal 16 kHz mono stream and re-frames it; the speaker side
// implements the playback sink over a lock-free ring the device callback
// drains.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// Config holds the hardware-facing parameters.
type Config struct {
	// SampleRate is the internal pipeline rate in Hz.
	SampleRate int

	// FrameSize is the pipeline frame length in samples.
	FrameSize int

	// DeviceSampleRate is the rate the hardware runs at. 0 means the
	// pipeline rate.
	DeviceSampleRate int

	// DeviceChannels is the hardware channel count (1 or 2).
	DeviceChannels int

	// RingMs sizes the staging ring between the device callback and the
	// pipeline, in milliseconds of audio.
	RingMs int
}

// DefaultConfig returns the device parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		SampleRate:       audio.DefaultSampleRate,
		FrameSize:        256,
		DeviceSampleRate: 48000,
		DeviceChannels:   1,
		RingMs:           500,
	}
}

// Validate checks cfg; every failure wraps [audio.ErrConfigInvalid].
func (c Config) Validate() error {
	if c.SampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("%w: sample_rate %d is unsupported; only %d Hz",
			audio.ErrConfigInvalid, c.SampleRate, audio.DefaultSampleRate)
	}
	if !audio.ValidFrameSize(c.FrameSize) {
		return fmt.Errorf("%w: frame_size %d is out of range [%d, %d]",
			audio.ErrConfigInvalid, c.FrameSize, audio.MinFrameSize, audio.MaxFrameSize)
	}
	if c.DeviceSampleRate < 0 {
		return fmt.Errorf("%w: device_sample_rate %d must not be negative", audio.ErrConfigInvalid, c.DeviceSampleRate)
	}
	if c.DeviceChannels != 1 && c.DeviceChannels != 2 {
		return fmt.Errorf("%w: device_channels %d is invalid; valid values: 1, 2", audio.ErrConfigInvalid, c.DeviceChannels)
	}
	if c.RingMs <= 0 {
		return fmt.Errorf("%w: ring_ms %d must be positive", audio.ErrConfigInvalid, c.RingMs)
	}
	return nil
}

func (c Config) deviceRate() int {
	if c.DeviceSampleRate == 0 {
		return c.SampleRate
	}
	return c.DeviceSampleRate
}

func (c Config) ringSamples() int {
	return c.SampleRate * c.RingMs / 1000
}

// reframer slices an irregular sample stream into fixed pipeline frames.
type reframer struct {
	size int
	buf  []int16
}

func newReframer(size int) *reframer {
	return &reframer{size: size, buf: make([]int16, 0, 2*size)}
}

// push appends samples and returns the complete frames now available. The
// returned frames are freshly allocated; the receiver may keep them.
func (r *reframer) push(samples []int16) [][]int16 {
	r.buf = append(r.buf, samples...)
	var frames [][]int16
	for len(r.buf) >= r.size {
		f := make([]int16, r.size)
		copy(f, r.buf[:r.size])
		r.buf = r.buf[:copy(r.buf, r.buf[r.size:])]
		frames = append(frames, f)
	}
	return frames
}

// Mic captures microphone audio and emits pipeline frames.
type Mic struct {
	cfg Config

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	ring   *audio.Ring
	frames chan []int16

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMic creates a microphone adapter. Frames are delivered on
// [Mic.Frames]; when the consumer lags the staging ring sheds the newest
// audio and counts it.
func NewMic(cfg Config) (*Mic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mic{
		cfg:    cfg,
		ring:   audio.NewRing(cfg.ringSamples()),
		frames: make(chan []int16, 8),
	}, nil
}

// Frames returns the pipeline frame channel.
func (m *Mic) Frames() <-chan []int16 { return m.frames }

// Dropped returns the number of samples shed because the pipeline lagged.
func (m *Mic) Dropped() uint64 { return m.ring.Dropped() }

// Start opens the capture device and begins delivering frames.
func (m *Mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("device: mic: %w", audio.ErrAlreadyInitialized)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.cfg.DeviceChannels)
	deviceConfig.SampleRate = uint32(m.cfg.deviceRate())
	deviceConfig.PeriodSizeInFrames = uint32(m.cfg.FrameSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			pcm := input
			if m.cfg.DeviceChannels == 2 {
				pcm = audio.StereoToMono(pcm)
			}
			pcm = audio.ResampleMono16(pcm, m.cfg.deviceRate(), m.cfg.SampleRate)
			m.ring.Write(audio.BytesToSamples(pcm))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: start capture device: %w", err)
	}

	m.mctx = mctx
	m.dev = dev
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.pump(m.stop)
	return nil
}

// pump pulls samples out of the staging ring, re-frames them and feeds the
// frame channel. A full channel sheds the frame; the pipeline must never be
// stalled by a slow consumer.
func (m *Mic) pump(stop <-chan struct{}) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.FrameSize) * time.Second / time.Duration(2*m.cfg.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rf := newReframer(m.cfg.FrameSize)
	buf := make([]int16, m.cfg.FrameSize)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for {
			n := m.ring.Read(buf)
			if n == 0 {
				break
			}
			for _, frame := range rf.push(buf[:n]) {
				select {
				case m.frames <- frame:
				default:
				}
			}
		}
	}
}

// Stop closes the capture device. The frame channel stays open for reuse by
// a later Start.
func (m *Mic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	close(m.stop)
	m.wg.Wait()

	m.dev.Uninit()
	m.mctx.Uninit()
	m.mctx.Free()
	m.dev = nil
	m.mctx = nil
	m.ring.Reset()
	return nil
}

// Active reports whether the capture device is running.
func (m *Mic) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Check probes the device for readiness.
func (m *Mic) Check(_ context.Context) error {
	if !m.Active() {
		return fmt.Errorf("device: mic: %w", audio.ErrNotInitialized)
	}
	return nil
}

// Speaker plays pipeline PCM on the output device. It implements the
// playback sink: Write blocks while the staging ring is full, which paces
// the playback path to real time.
type Speaker struct {
	cfg Config

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	ring *audio.Ring

	mu      sync.Mutex
	running bool
}

// NewSpeaker creates a speaker adapter.
func NewSpeaker(cfg Config) (*Speaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ringSamples := cfg.deviceRate() * cfg.RingMs / 1000
	return &Speaker{
		cfg:  cfg,
		ring: audio.NewRing(ringSamples),
	}, nil
}

// Start opens the playback device. The device callback drains the staging
// ring and pads underruns with silence.
func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("device: speaker: %w", audio.ErrAlreadyInitialized)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(s.cfg.deviceRate())
	deviceConfig.PeriodSizeInFrames = uint32(s.cfg.FrameSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			samples := audio.BytesToSamples(output)
			n := s.ring.Read(samples)
			for i := n; i < len(samples); i++ {
				samples[i] = 0
			}
			copy(output, audio.SamplesToBytes(samples))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: start playback device: %w", err)
	}

	s.mctx = mctx
	s.dev = dev
	s.running = true
	return nil
}

// Write resamples pcm to the device rate and feeds it into the staging
// ring, waiting for space when the ring is full. Implements the playback
// sink contract.
func (s *Speaker) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("device: speaker: %w", audio.ErrNotInitialized)
	}

	samples := audio.BytesToSamples(audio.ResampleMono16(pcm, s.cfg.SampleRate, s.cfg.deviceRate()))
	for len(samples) > 0 {
		free := s.ring.Free()
		if free == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		n := free
		if n > len(samples) {
			n = len(samples)
		}
		s.ring.Write(samples[:n])
		samples = samples[n:]
	}
	return nil
}

// Stop closes the playback device, discarding anything still staged.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.dev.Uninit()
	s.mctx.Uninit()
	s.mctx.Free()
	s.dev = nil
	s.mctx = nil
	s.ring.Reset()
	return nil
}

// Check probes the device for readiness.
func (s *Speaker) Check(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("device: speaker: %w", audio.ErrNotInitialized)
	}
	return nil
}
