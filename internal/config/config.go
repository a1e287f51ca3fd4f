// Package config provides the configuration schema and loader for the
// auricle audio front-end.
package config

import (
	"fmt"
	"log/slog"

	"github.com/auricle-dev/auricle/internal/capture"
	"github.com/auricle-dev/auricle/internal/coordinator"
	"github.com/auricle-dev/auricle/internal/playback"
	"github.com/auricle-dev/auricle/internal/processor"
	"github.com/auricle-dev/auricle/pkg/audio"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// LogLevel controls log verbosity for the auricle daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	VAD         VADConfig         `yaml:"vad"`
	Wake        WakeConfig        `yaml:"wake"`
	Capture     CaptureConfig     `yaml:"capture"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sink        SinkConfig        `yaml:"sink"`
}

// ServerConfig holds the status endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the status server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// AudioConfig holds the device-facing PCM format.
type AudioConfig struct {
	// SampleRate in Hz for the internal pipeline.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the per-frame sample count.
	FrameSize int `yaml:"frame_size"`

	// DeviceSampleRate is the rate the hardware runs at; resampled to
	// SampleRate on the way in and out. 0 means same as SampleRate.
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// DeviceChannels is the hardware channel count; stereo input is
	// downmixed to mono.
	DeviceChannels int `yaml:"device_channels"`
}

// VADConfig tunes the enhanced detector.
type VADConfig struct {
	AmplitudeThreshold    int      `yaml:"amplitude_threshold"`
	SilenceThresholdMs    int      `yaml:"silence_threshold_ms"`
	MinVoiceDurationMs    int      `yaml:"min_voice_duration_ms"`
	NoiseFloorAlpha       float64  `yaml:"noise_floor_alpha"`
	SNRThresholdDB        float64  `yaml:"snr_threshold_db"`
	AdaptationWindowMs    int      `yaml:"adaptation_window_ms"`
	ZCRMin                int      `yaml:"zcr_min"`
	ZCRMax                int      `yaml:"zcr_max"`
	LowBandRatioThreshold float64  `yaml:"low_band_ratio_threshold"`
	RolloffThreshold      float64  `yaml:"rolloff_threshold"`
	RolloffFraction       float64  `yaml:"rolloff_fraction"`
	ConsistencyFrames     int      `yaml:"consistency_frames"`
	ConfidenceThreshold   float64  `yaml:"confidence_threshold"`

	// Features lists the enabled detector layers. Empty enables all.
	// Valid names: adaptive_threshold, spectral, consistency, snr.
	Features []string `yaml:"features"`

	// Mode is the processing mode: full, optimized or minimal.
	Mode string `yaml:"mode"`
}

// WakeConfig tunes the conversational state machine.
type WakeConfig struct {
	Threshold              int  `yaml:"threshold"`
	DurationMs             int  `yaml:"duration_ms"`
	MaxRecordingDurationMs int  `yaml:"max_recording_duration_ms"`
	SilenceTimeoutMs       int  `yaml:"silence_timeout_ms"`
	StreamIntervalMs       int  `yaml:"stream_interval_ms"`
	EnableStreaming        bool `yaml:"enable_streaming"`
}

// CaptureConfig tunes the STT capture path.
type CaptureConfig struct {
	Gain             float64 `yaml:"gain"`
	ChunkSize        int     `yaml:"chunk_size"`
	CaptureTimeoutMs int     `yaml:"capture_timeout_ms"`
	QueueDepth       int     `yaml:"queue_depth"`
	NoiseSuppression bool    `yaml:"noise_suppression"`
}

// PlaybackConfig tunes the TTS playback path.
type PlaybackConfig struct {
	Volume          float64 `yaml:"volume"`
	BufferSize      int     `yaml:"buffer_size"`
	BufferTimeoutMs int     `yaml:"buffer_timeout_ms"`
}

// CoordinatorConfig tunes the microphone/speaker arbitration.
type CoordinatorConfig struct {
	EchoCancellation   bool    `yaml:"echo_cancellation"`
	AutoMuteMicrophone bool    `yaml:"auto_mute_microphone"`
	EchoThreshold      float64 `yaml:"echo_threshold"`
	VoiceTimeoutMs     int     `yaml:"voice_timeout_ms"`
	SilenceTimeoutMs   int     `yaml:"silence_timeout_ms"`
	PushToTalk         bool    `yaml:"push_to_talk"`
}

// SinkConfig points the chunk stream at the remote speech service.
type SinkConfig struct {
	// Enabled turns the websocket sink on.
	Enabled bool `yaml:"enabled"`

	// URL is the ws:// or wss:// endpoint chunks stream to.
	URL string `yaml:"url"`

	// DialTimeoutMs bounds the websocket dial.
	DialTimeoutMs int `yaml:"dial_timeout_ms"`
}

// Default returns the configuration the appliance ships with. File values
// are decoded over it, so omitted keys keep their defaults.
func Default() *Config {
	v := vad.DefaultConfig()
	w := processor.DefaultConfig()
	cp := capture.DefaultConfig()
	pb := playback.DefaultConfig()
	co := coordinator.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:         ":8978",
			LogLevel:           LogInfo,
			ShutdownTimeoutSec: 10,
		},
		Audio: AudioConfig{
			SampleRate:       audio.DefaultSampleRate,
			FrameSize:        v.FrameSize,
			DeviceSampleRate: 48000,
			DeviceChannels:   1,
		},
		VAD: VADConfig{
			AmplitudeThreshold:    v.AmplitudeThreshold,
			SilenceThresholdMs:    v.SilenceThresholdMs,
			MinVoiceDurationMs:    v.MinVoiceDurationMs,
			NoiseFloorAlpha:       v.NoiseFloorAlpha,
			SNRThresholdDB:        v.SNRThresholdDB,
			AdaptationWindowMs:    v.AdaptationWindowMs,
			ZCRMin:                v.ZCRMin,
			ZCRMax:                v.ZCRMax,
			LowBandRatioThreshold: v.LowBandRatioThreshold,
			RolloffThreshold:      v.RolloffThreshold,
			RolloffFraction:       v.RolloffFraction,
			ConsistencyFrames:     v.ConsistencyFrames,
			ConfidenceThreshold:   v.ConfidenceThreshold,
			Mode:                  string(v.Mode),
		},
		Wake: WakeConfig{
			Threshold:              w.WakeThreshold,
			DurationMs:             w.WakeDurationMs,
			MaxRecordingDurationMs: w.MaxRecordingDurationMs,
			SilenceTimeoutMs:       w.SilenceTimeoutMs,
			StreamIntervalMs:       w.StreamIntervalMs,
			EnableStreaming:        w.EnableStreaming,
		},
		Capture: CaptureConfig{
			Gain:             cp.Gain,
			ChunkSize:        cp.ChunkSize,
			CaptureTimeoutMs: cp.CaptureTimeoutMs,
			QueueDepth:       cp.QueueDepth,
			NoiseSuppression: cp.NoiseSuppression,
		},
		Playback: PlaybackConfig{
			Volume:          pb.Volume,
			BufferSize:      pb.BufferSize,
			BufferTimeoutMs: pb.BufferTimeoutMs,
		},
		Coordinator: CoordinatorConfig{
			EchoCancellation:   co.EchoCancellation,
			AutoMuteMicrophone: co.AutoMuteMicrophone,
			EchoThreshold:      co.EchoThreshold,
			VoiceTimeoutMs:     co.VoiceTimeoutMs,
			SilenceTimeoutMs:   co.SilenceTimeoutMs,
			PushToTalk:         co.PushToTalk,
		},
		Sink: SinkConfig{
			Enabled:       false,
			URL:           "",
			DialTimeoutMs: 5000,
		},
	}
}

// featureNames maps YAML feature names onto detector feature bits.
var featureNames = map[string]vad.Feature{
	"adaptive_threshold": vad.FeatureAdaptiveThreshold,
	"spectral":           vad.FeatureSpectral,
	"consistency":        vad.FeatureConsistency,
	"snr":                vad.FeatureSNR,
}

// parseFeatures converts the YAML feature list to the detector bitmask. An
// empty list enables everything.
func parseFeatures(names []string) (vad.Feature, error) {
	if len(names) == 0 {
		return vad.FeatureAll, nil
	}
	var f vad.Feature
	for _, name := range names {
		bit, ok := featureNames[name]
		if !ok {
			return 0, fmt.Errorf("%w: vad.features entry %q is unknown", audio.ErrConfigInvalid, name)
		}
		f |= bit
	}
	return f, nil
}

// DetectorConfig builds the enhanced detector configuration.
func (c *Config) DetectorConfig() (vad.Config, error) {
	features, err := parseFeatures(c.VAD.Features)
	if err != nil {
		return vad.Config{}, err
	}
	return vad.Config{
		SampleRate:            c.Audio.SampleRate,
		FrameSize:             c.Audio.FrameSize,
		AmplitudeThreshold:    c.VAD.AmplitudeThreshold,
		SilenceThresholdMs:    c.VAD.SilenceThresholdMs,
		MinVoiceDurationMs:    c.VAD.MinVoiceDurationMs,
		NoiseFloorAlpha:       c.VAD.NoiseFloorAlpha,
		SNRThresholdDB:        c.VAD.SNRThresholdDB,
		AdaptationWindowMs:    c.VAD.AdaptationWindowMs,
		ZCRMin:                c.VAD.ZCRMin,
		ZCRMax:                c.VAD.ZCRMax,
		LowBandRatioThreshold: c.VAD.LowBandRatioThreshold,
		RolloffThreshold:      c.VAD.RolloffThreshold,
		RolloffFraction:       c.VAD.RolloffFraction,
		ConsistencyFrames:     c.VAD.ConsistencyFrames,
		ConfidenceThreshold:   c.VAD.ConfidenceThreshold,
		Features:              features,
		Mode:                  vad.ProcessingMode(c.VAD.Mode),
	}, nil
}

// CapturePathConfig builds the capture path configuration.
func (c *Config) CapturePathConfig() (capture.Config, error) {
	det, err := c.DetectorConfig()
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		SampleRate:       c.Audio.SampleRate,
		FrameSize:        c.Audio.FrameSize,
		Gain:             c.Capture.Gain,
		ChunkSize:        c.Capture.ChunkSize,
		CaptureTimeoutMs: c.Capture.CaptureTimeoutMs,
		QueueDepth:       c.Capture.QueueDepth,
		NoiseSuppression: c.Capture.NoiseSuppression,
		VAD:              det,
	}, nil
}

// PlaybackPathConfig builds the playback path configuration.
func (c *Config) PlaybackPathConfig() playback.Config {
	return playback.Config{
		SampleRate:      c.Audio.SampleRate,
		Volume:          c.Playback.Volume,
		BufferSize:      c.Playback.BufferSize,
		BufferTimeoutMs: c.Playback.BufferTimeoutMs,
	}
}

// ProcessorConfig builds the state machine configuration.
func (c *Config) ProcessorConfig() (processor.Config, error) {
	det, err := c.DetectorConfig()
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		SampleRate:             c.Audio.SampleRate,
		FrameSize:              c.Audio.FrameSize,
		WakeThreshold:          c.Wake.Threshold,
		WakeDurationMs:         c.Wake.DurationMs,
		MaxRecordingDurationMs: c.Wake.MaxRecordingDurationMs,
		SilenceTimeoutMs:       c.Wake.SilenceTimeoutMs,
		StreamIntervalMs:       c.Wake.StreamIntervalMs,
		EnableStreaming:        c.Wake.EnableStreaming,
		VAD:                    det,
	}, nil
}

// CoordinatorPathConfig builds the coordinator configuration.
func (c *Config) CoordinatorPathConfig() coordinator.Config {
	return coordinator.Config{
		EchoCancellation:   c.Coordinator.EchoCancellation,
		AutoMuteMicrophone: c.Coordinator.AutoMuteMicrophone,
		EchoThreshold:      c.Coordinator.EchoThreshold,
		VoiceTimeoutMs:     c.Coordinator.VoiceTimeoutMs,
		SilenceTimeoutMs:   c.Coordinator.SilenceTimeoutMs,
		PushToTalk:         c.Coordinator.PushToTalk,
		FrameSize:          c.Audio.FrameSize,
		SampleRate:         c.Audio.SampleRate,
	}
}
