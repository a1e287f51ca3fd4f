// Package app wires the audio front-end together: microphone frames fan out
// to the coordinator (capture path) and the conversational state machine,
// streamed chunks go up the websocket sink, and response audio comes back
// down through the coordinator into the playback path and the speaker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auricle-dev/auricle/internal/capture"
	"github.com/auricle-dev/auricle/internal/config"
	"github.com/auricle-dev/auricle/internal/coordinator"
	"github.com/auricle-dev/auricle/internal/device"
	"github.com/auricle-dev/auricle/internal/observe"
	"github.com/auricle-dev/auricle/internal/playback"
	"github.com/auricle-dev/auricle/internal/processor"
	"github.com/auricle-dev/auricle/internal/sink"
	"github.com/auricle-dev/auricle/internal/status"
	"github.com/auricle-dev/auricle/pkg/audio"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// ttsIdleTimeout is how long the response loop waits without new audio from
// the service before it considers the reply finished.
const ttsIdleTimeout = 500 * time.Millisecond

// App owns every pipeline component and their lifecycles.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	cap   *capture.Path
	play  *playback.Path
	proc  *processor.Processor
	coord *coordinator.Coordinator

	mic *device.Mic
	spk *device.Speaker
	snk *sink.Client

	srv *http.Server

	// interruptions mirrors the coordinator's barge-in count so deltas can
	// feed the otel counter. Touched only from coordinator callbacks, which
	// are serialized.
	interruptions uint64
}

// New builds the pipeline from cfg. Hardware devices and the sink are not
// opened until [App.Run].
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}

	devCfg := device.Config{
		SampleRate:       cfg.Audio.SampleRate,
		FrameSize:        cfg.Audio.FrameSize,
		DeviceSampleRate: cfg.Audio.DeviceSampleRate,
		DeviceChannels:   cfg.Audio.DeviceChannels,
		RingMs:           device.DefaultConfig().RingMs,
	}
	var err error
	if a.mic, err = device.NewMic(devCfg); err != nil {
		return nil, fmt.Errorf("app: mic: %w", err)
	}
	if a.spk, err = device.NewSpeaker(devCfg); err != nil {
		return nil, fmt.Errorf("app: speaker: %w", err)
	}

	capCfg, err := cfg.CapturePathConfig()
	if err != nil {
		return nil, err
	}
	if a.cap, err = capture.New(capCfg, a.onCaptureEvent); err != nil {
		return nil, fmt.Errorf("app: capture: %w", err)
	}
	if a.play, err = playback.New(cfg.PlaybackPathConfig(), a.spk, a.onPlaybackEvent); err != nil {
		return nil, fmt.Errorf("app: playback: %w", err)
	}

	procCfg, err := cfg.ProcessorConfig()
	if err != nil {
		return nil, err
	}
	if a.proc, err = processor.New(procCfg, a.onModeChange, a.onStreamChunk); err != nil {
		return nil, fmt.Errorf("app: processor: %w", err)
	}
	if a.coord, err = coordinator.New(cfg.CoordinatorPathConfig(), a.cap, a.play, a.onCoordinatorMode); err != nil {
		return nil, fmt.Errorf("app: coordinator: %w", err)
	}

	mux := http.NewServeMux()
	handler := status.New(a.Snapshot,
		status.Checker{Name: "mic", Check: a.mic.Check},
		status.Checker{Name: "speaker", Check: a.spk.Check},
		status.Checker{Name: "sink", Check: a.checkSink},
	)
	handler.Register(mux)
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Snapshot assembles the /status response.
func (a *App) Snapshot() status.Snapshot {
	return status.Snapshot{
		Mode:            string(a.proc.Mode()),
		CoordinatorMode: string(a.coord.Mode()),
		Capture:         a.cap.Stats(),
		CaptureMetrics:  a.cap.Metrics(),
		Playback:        a.play.Stats(),
		Processor:       a.proc.Stats(),
		Coordinator:     a.coord.Stats(),
		VAD:             a.proc.VADStats(),
	}
}

// Run opens the devices and the sink and drives the pipeline until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.mic.Start(); err != nil {
		return err
	}
	defer a.mic.Stop()
	if err := a.spk.Start(); err != nil {
		return err
	}
	defer a.spk.Stop()

	if a.cfg.Sink.Enabled {
		snk, err := sink.Dial(ctx, sink.Config{
			URL:           a.cfg.Sink.URL,
			DialTimeoutMs: a.cfg.Sink.DialTimeoutMs,
			QueueLen:      sink.DefaultConfig().QueueLen,
		})
		if err != nil {
			return err
		}
		a.snk = snk
		defer snk.Close()
		slog.Info("speech service connected", "url", a.cfg.Sink.URL)
	} else {
		slog.Warn("sink disabled; streamed chunks will be discarded")
	}

	if err := a.coord.StartListening(); err != nil {
		return err
	}
	defer a.coord.StopListening()
	a.metrics.SessionOpened(ctx, "capture")
	defer a.metrics.SessionClosed(ctx, "capture")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.frameLoop(gctx) })
	if a.snk != nil {
		g.Go(func() error { return a.responseLoop(gctx) })
	}
	g.Go(func() error {
		slog.Info("status server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(a.cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// frameLoop fans microphone frames out to the coordinator and the state
// machine. Per-frame errors are quality events, not fatal.
func (a *App) frameLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-a.mic.Frames():
			start := time.Now()
			if err := a.coord.ProcessCapturedFrame(frame); err != nil {
				slog.Warn("coordinator frame error", "err", err)
			}
			if err := a.proc.ProcessFrame(frame); err != nil {
				slog.Warn("processor frame error", "err", err)
				continue
			}
			res := a.proc.LastResult()
			a.metrics.RecordFrame(ctx, string(a.proc.Mode()), time.Since(start).Seconds(), res.Confidence)
		}
	}
}

// responseLoop plays synthesized audio arriving from the service and closes
// the speaking session when the reply goes quiet.
func (a *App) responseLoop(ctx context.Context) error {
	idle := time.NewTimer(ttsIdleTimeout)
	defer idle.Stop()
	speaking := false

	stopSpeaking := func() {
		if !speaking {
			return
		}
		speaking = false
		if err := a.coord.StopSpeaking(); err != nil {
			slog.Warn("stop speaking", "err", err)
		}
		a.metrics.SessionClosed(ctx, "playback")
		if err := a.proc.SetMode(processor.ModeEnding); err != nil {
			slog.Warn("processor mode", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopSpeaking()
			return ctx.Err()

		case pcm, ok := <-a.snk.Audio():
			if !ok {
				stopSpeaking()
				return errors.New("app: speech service closed the session")
			}
			if !speaking {
				if err := a.coord.StartSpeaking(ctx); err != nil {
					slog.Warn("start speaking", "err", err)
					continue
				}
				speaking = true
				a.metrics.SessionOpened(ctx, "playback")
				if err := a.proc.SetMode(processor.ModeSpeaking); err != nil {
					slog.Warn("processor mode", "err", err)
				}
			}
			if err := a.coord.PlayTTSChunk(pcm); err != nil {
				slog.Warn("play tts chunk", "err", err)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(ttsIdleTimeout)

		case <-idle.C:
			stopSpeaking()
			idle.Reset(ttsIdleTimeout)
		}
	}
}

// onStreamChunk forwards state-machine stream chunks to the speech service.
func (a *App) onStreamChunk(chunk audio.Chunk) {
	if a.snk == nil {
		return
	}
	if err := a.snk.Send(chunk); err != nil {
		slog.Warn("stream chunk dropped", "err", err, "bytes", len(chunk.Data))
		a.metrics.ChunksDropped.Add(context.Background(), 1)
	}
}

// onCaptureEvent translates capture path events into logs and metrics.
func (a *App) onCaptureEvent(ev capture.Event) {
	ctx := context.Background()
	switch ev.Type {
	case capture.EventVoiceStart:
		slog.Debug("voice start")
		a.metrics.VoiceSegments.Add(ctx, 1)
	case capture.EventVoiceEnd:
		slog.Debug("voice end")
	case capture.EventChunkReady:
		a.metrics.RecordCapturedChunk(ctx, len(ev.Chunk.Data))
	case capture.EventError:
		slog.Warn("capture degraded", "err", ev.Err)
		a.metrics.ChunksDropped.Add(ctx, 1)
	}
}

// onPlaybackEvent translates playback path events into logs and metrics.
func (a *App) onPlaybackEvent(ev playback.Event) {
	ctx := context.Background()
	switch ev.Type {
	case playback.EventChunkPlayed:
		a.metrics.RecordPlayedChunk(ctx, ev.Bytes)
	case playback.EventBufferEmpty:
		a.metrics.BufferUnderruns.Add(ctx, 1)
	case playback.EventError:
		slog.Warn("playback degraded", "err", ev.Err)
	}
}

// onModeChange reacts to conversational transitions. Entering processing
// pauses listening timers on the coordinator; returning to an attentive mode
// resumes them.
func (a *App) onModeChange(old, new processor.Mode, last vad.Result) {
	slog.Info("mode change", "from", string(old), "to", string(new), "confidence", last.Confidence)
	ctx := context.Background()
	var err error
	switch new {
	case processor.ModeListening:
		if old == processor.ModeWaiting {
			a.metrics.WakeEvents.Add(ctx, 1)
		}
		err = a.coord.SetProcessing(false)
	case processor.ModeRecording:
		a.metrics.RecordingSessions.Add(ctx, 1)
	case processor.ModeProcessing:
		err = a.coord.SetProcessing(true)
	case processor.ModeWaiting:
		err = a.coord.SetProcessing(false)
	}
	if err != nil {
		slog.Warn("coordinator processing toggle", "err", err)
	}
}

// onCoordinatorMode logs coordinator focus changes and forwards barge-in
// counts to the metrics pipeline.
func (a *App) onCoordinatorMode(old, new coordinator.Mode) {
	slog.Debug("coordinator mode", "from", string(old), "to", string(new))
	if n := a.coord.Stats().Interruptions; n > a.interruptions {
		a.metrics.Interruptions.Add(context.Background(), int64(n-a.interruptions))
		a.interruptions = n
	}
}

// checkSink reports sink readiness for /readyz.
func (a *App) checkSink(ctx context.Context) error {
	if !a.cfg.Sink.Enabled {
		return nil
	}
	if a.snk == nil {
		return errors.New("not connected")
	}
	return a.snk.Ping(ctx)
}
