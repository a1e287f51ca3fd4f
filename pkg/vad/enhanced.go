package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// Detector is the multi-layer voice activity detector. Per frame it runs up
// to three layers (adaptive energy/SNR, spectral shape, and multi-frame
// consistency) and fuses their votes into a confidence score. Speech
// start/end edges follow the same debounce rules as [Basic], applied to the
// confidence-gated classification instead of the raw energy test.
//
// Not safe for concurrent use; the processing task owns the instance and
// all mutation goes through it.
type Detector struct {
	cfg     Config
	frameMs int

	// Debounced latch and duration counters.
	voiceDetected bool
	voiceMs       int
	silenceMs     int

	// Adaptive noise floor. During the cold-start window the floor tracks
	// the minimum frame RMS seen; afterwards it follows an EMA that only
	// moves while the previous frame's classification was "no voice", so
	// speech is never learned as noise.
	noiseFloor   float64
	seedMsSeen   int
	prevRawVoice bool

	// Spectral layer state.
	lastSample int16
	frameIndex uint64
	spec       spectralCache

	// Consistency layer sliding window of combined per-frame votes.
	window       []bool
	windowIdx    int
	windowFilled int

	stats       Stats
	totalProcUs uint64
	procCount   uint64
}

type spectralCache struct {
	valid    bool
	vote     bool
	subscore float64
	zcr      int
	lowRatio float64
	rolloff  float64
}

// NewDetector creates a multi-layer detector from cfg.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		frameMs: cfg.frameMs(),
		window:  make([]bool, cfg.ConsistencyFrames),
	}, nil
}

// Process runs all enabled layers on one frame and returns the fused
// result. The frame must hold exactly FrameSize samples. Runtime never
// fails beyond that contract: starved input, silence, and clipping all
// produce ordinary results.
func (d *Detector) Process(samples []int16) (Result, error) {
	if len(samples) != d.cfg.FrameSize {
		return Result{}, fmt.Errorf("%w: frame of %d samples, detector expects %d",
			audio.ErrConfigInvalid, len(samples), d.cfg.FrameSize)
	}
	start := time.Now()

	peak := audio.Peak(samples)
	rms := audio.RMS(samples)

	d.updateNoiseFloor(rms, peak)
	snr := snrDB(rms, d.noiseFloor)

	res := Result{
		MaxAmplitude: peak,
		SNRdB:        snr,
		NoiseFloor:   d.noiseFloor,
	}

	// Layer 1, energy. With the adaptive threshold the vote is SNR-based;
	// without it, the plain amplitude threshold applies.
	var energyVote bool
	var energySub float64
	if d.cfg.Features.Has(FeatureAdaptiveThreshold) {
		energyVote = snr >= d.cfg.SNRThresholdDB
		energySub = clamp01((snr - d.cfg.SNRThresholdDB) / d.cfg.SNRThresholdDB)
	} else {
		energyVote = peak >= d.cfg.AmplitudeThreshold
		if energyVote {
			energySub = 1
		}
	}

	subs := []float64{energySub}
	frameVote := energyVote

	// Layer 2, spectral. Optimized mode computes on even frames and
	// replays the cached value on odd ones; minimal mode skips entirely.
	if d.spectralActive() {
		if d.cfg.Mode == ModeFull || d.frameIndex%2 == 0 || !d.spec.valid {
			d.computeSpectral(samples)
		}
		res.ZCR = d.spec.zcr
		res.LowBandRatio = d.spec.lowRatio
		res.RolloffHz = d.spec.rolloff
		subs = append(subs, d.spec.subscore)
		frameVote = frameVote || d.spec.vote
	}
	d.lastSample = samples[len(samples)-1]
	d.frameIndex++

	// Layer 3, consistency: strict majority over the last N combined
	// votes.
	raw := frameVote
	if d.consistencyActive() {
		d.window[d.windowIdx] = frameVote
		d.windowIdx = (d.windowIdx + 1) % len(d.window)
		if d.windowFilled < len(d.window) {
			d.windowFilled++
		}
		positives := 0
		for i := 0; i < d.windowFilled; i++ {
			if d.window[i] {
				positives++
			}
		}
		raw = positives*2 > d.windowFilled
		subs = append(subs, float64(positives)/float64(d.windowFilled))
	}

	var confidence float64
	for _, s := range subs {
		confidence += s
	}
	confidence = clamp01(confidence / float64(len(subs)))

	res.Confidence = confidence
	res.HighConfidence = confidence >= d.cfg.ConfidenceThreshold
	res.Quality = uint8(confidence * 255)

	voiced := raw && res.HighConfidence
	d.prevRawVoice = voiced

	// Debounced edges, identical to the basic detector's rules.
	if voiced {
		d.voiceMs += d.frameMs
		d.silenceMs = 0
	} else {
		d.silenceMs += d.frameMs
		d.voiceMs = 0
	}
	res.VoiceMs = d.voiceMs
	res.SilenceMs = d.silenceMs

	if !d.voiceDetected && d.voiceMs >= d.cfg.MinVoiceDurationMs {
		d.voiceDetected = true
		res.SpeechStarted = true
		d.stats.DetectionCount++
	} else if d.voiceDetected && d.silenceMs >= d.cfg.SilenceThresholdMs {
		d.voiceDetected = false
		res.SpeechEnded = true
	}
	res.VoiceDetected = d.voiceDetected

	d.updateStats(confidence, start)
	return res, nil
}

func (d *Detector) spectralActive() bool {
	return d.cfg.Features.Has(FeatureSpectral) && d.cfg.Mode != ModeMinimal
}

func (d *Detector) consistencyActive() bool {
	return d.cfg.Features.Has(FeatureConsistency) && d.cfg.Mode != ModeMinimal
}

func (d *Detector) computeSpectral(samples []int16) {
	zcr := zeroCrossings(samples, d.lastSample)
	ratio := lowBandRatio(samples, d.cfg.SampleRate)
	rolloff := spectralRolloff(samples, d.cfg.SampleRate, d.cfg.RolloffFraction)

	passed := 0
	zcrOK := zcr >= d.cfg.ZCRMin && zcr <= d.cfg.ZCRMax
	ratioOK := ratio >= d.cfg.LowBandRatioThreshold
	rolloffOK := rolloff <= d.cfg.RolloffThreshold*float64(d.cfg.SampleRate)/2
	for _, ok := range [...]bool{zcrOK, ratioOK, rolloffOK} {
		if ok {
			passed++
		}
	}

	d.spec = spectralCache{
		valid:    true,
		vote:     zcrOK && ratioOK && rolloffOK,
		subscore: float64(passed) / 3,
		zcr:      zcr,
		lowRatio: ratio,
		rolloff:  rolloff,
	}
}

func (d *Detector) updateNoiseFloor(rms float64, peak int) {
	if d.seedMsSeen < d.cfg.AdaptationWindowMs {
		// Cold start: seed with the minimum RMS observed so far.
		if d.procCount == 0 || rms < d.noiseFloor {
			d.noiseFloor = rms
		}
		d.seedMsSeen += d.frameMs
	} else if d.cfg.Features.Has(FeatureAdaptiveThreshold) && !d.prevRawVoice && !d.energetic(rms, peak) {
		// The previous-frame gate alone would let the first frames of an
		// utterance leak into the EMA before the consistency window catches
		// up, so frames that already look energetic are excluded too.
		alpha := clampF(d.cfg.NoiseFloorAlpha, 0.01, 0.1)
		d.noiseFloor = (1-alpha)*d.noiseFloor + alpha*rms
		d.stats.Adaptations++
	}

	d.stats.CurrentNoiseFloor = d.noiseFloor
	if d.noiseFloor < d.stats.MinNoiseFloor || d.stats.MinNoiseFloor == 0 {
		d.stats.MinNoiseFloor = d.noiseFloor
	}
	if d.noiseFloor > d.stats.MaxNoiseFloor {
		d.stats.MaxNoiseFloor = d.noiseFloor
	}
}

func (d *Detector) updateStats(confidence float64, start time.Time) {
	if d.voiceDetected {
		d.stats.TotalVoiceTimeMs += uint64(d.frameMs)
	}

	elapsed := uint64(time.Since(start).Microseconds())
	d.totalProcUs += elapsed
	d.procCount++
	if elapsed > d.stats.MaxProcessingTimeUs {
		d.stats.MaxProcessingTimeUs = elapsed
	}
	d.stats.AverageProcessingTimeUs = d.totalProcUs / d.procCount
	d.stats.AverageConfidence += (confidence - d.stats.AverageConfidence) / float64(d.procCount)
}

// energetic reports whether a frame is loud enough, relative to both the
// current noise floor and the absolute amplitude threshold, that it should
// never be learned as background noise.
func (d *Detector) energetic(rms float64, peak int) bool {
	return snrDB(rms, d.noiseFloor) >= d.cfg.SNRThresholdDB && peak >= d.cfg.AmplitudeThreshold
}

// VoiceDetected returns the current state of the speech latch.
func (d *Detector) VoiceDetected() bool { return d.voiceDetected }

// Stats returns a snapshot of the cumulative detector telemetry.
func (d *Detector) Stats() Stats { return d.stats }

// Config returns the active configuration.
func (d *Detector) Config() Config { return d.cfg }

// SetMode switches the processing mode without touching the energy
// baseline: the noise floor, cold-start progress, and duration counters
// all survive the switch. The spectral cache is invalidated so optimized
// mode recomputes on its next frame.
func (d *Detector) SetMode(mode ProcessingMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: processing_mode %q", audio.ErrConfigInvalid, mode)
	}
	d.cfg.Mode = mode
	d.spec.valid = false
	return nil
}

// UpdateConfig swaps the configuration atomically: on validation failure
// the previous config stays in effect and no state changes. The noise
// floor is preserved; the consistency window is resized (and cleared) if
// its length changed.
func (d *Detector) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ConsistencyFrames != d.cfg.ConsistencyFrames {
		d.window = make([]bool, cfg.ConsistencyFrames)
		d.windowIdx = 0
		d.windowFilled = 0
	}
	d.cfg = cfg
	d.frameMs = cfg.frameMs()
	return nil
}

// Reset returns the detector to its initial state: latch cleared, counters
// zeroed, consistency window emptied, and the noise floor back in its
// cold-start window. A reset instance replaying a stream emits the same
// events as a fresh one.
func (d *Detector) Reset() {
	d.voiceDetected = false
	d.voiceMs = 0
	d.silenceMs = 0
	d.noiseFloor = 0
	d.seedMsSeen = 0
	d.prevRawVoice = false
	d.lastSample = 0
	d.frameIndex = 0
	d.spec = spectralCache{}
	for i := range d.window {
		d.window[i] = false
	}
	d.windowIdx = 0
	d.windowFilled = 0
	d.procCount = 0
	d.totalProcUs = 0
	d.stats = Stats{}
}

// snrDB computes signal-to-noise in dB with +1 guards so silent frames
// yield a finite value instead of -Inf.
func snrDB(rms, noiseFloor float64) float64 {
	return 20 * math.Log10((rms+1)/(noiseFloor+1))
}

func clamp01(v float64) float64 {
	return clampF(v, 0, 1)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
