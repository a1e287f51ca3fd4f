package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Omitted keys keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.ListenAddr == "" {
		fail("server.listen_addr is required")
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		fail("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		fail("server.shutdown_timeout_sec %d must be positive", cfg.Server.ShutdownTimeoutSec)
	}

	if cfg.Audio.DeviceSampleRate < 0 {
		fail("audio.device_sample_rate %d must not be negative", cfg.Audio.DeviceSampleRate)
	}
	if cfg.Audio.DeviceChannels != 1 && cfg.Audio.DeviceChannels != 2 {
		fail("audio.device_channels %d is invalid; valid values: 1, 2", cfg.Audio.DeviceChannels)
	}

	if det, err := cfg.DetectorConfig(); err != nil {
		fail("vad: %v", err)
	} else if err := det.Validate(); err != nil {
		fail("vad: %v", err)
	}
	if cc, err := cfg.CapturePathConfig(); err == nil {
		if err := cc.Validate(); err != nil {
			fail("capture: %v", err)
		}
	}
	if err := cfg.PlaybackPathConfig().Validate(); err != nil {
		fail("playback: %v", err)
	}
	if pc, err := cfg.ProcessorConfig(); err == nil {
		if err := pc.Validate(); err != nil {
			fail("wake: %v", err)
		}
	}
	if err := cfg.CoordinatorPathConfig().Validate(); err != nil {
		fail("coordinator: %v", err)
	}

	if cfg.Sink.Enabled {
		if !strings.HasPrefix(cfg.Sink.URL, "ws://") && !strings.HasPrefix(cfg.Sink.URL, "wss://") {
			fail("sink.url %q must be a ws:// or wss:// endpoint", cfg.Sink.URL)
		}
		if cfg.Sink.DialTimeoutMs <= 0 {
			fail("sink.dial_timeout_ms %d must be positive", cfg.Sink.DialTimeoutMs)
		}
	}

	return errors.Join(errs...)
}
