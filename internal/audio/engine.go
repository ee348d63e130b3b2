package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/level"
	"github.com/mooretm/yes-no/internal/routing"
)

const instrumentation = "github.com/mooretm/yes-no/internal/audio"

// State is the playback engine lifecycle.
type State int

const (
	Idle State = iota
	Loaded
	Scaled
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Scaled:
		return "scaled"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Level returns a presentation level for Play. A nil level normalizes.
func Level(db float64) *float64 { return &db }

// Engine presents one waveform at a time on a backend device. Scaling works
// on a private copy so the caller's waveform is never modified.
type Engine struct {
	backend Backend
	logger  *slog.Logger
	tracer  trace.Tracer

	presented metric.Int64Counter
	refusals  metric.Int64Counter

	mu          sync.Mutex
	state       State
	device      Device
	lastRefused *Waveform
}

func NewEngine(backend Backend, log *slog.Logger) *Engine {
	meter := otel.Meter(instrumentation)
	presented, err := meter.Int64Counter("yesno.audio.presentations",
		metric.WithDescription("Waveforms handed to an output device"))
	if err != nil {
		presented = noop.Int64Counter{}
	}
	refusals, err := meter.Int64Counter("yesno.audio.clipping_refusals",
		metric.WithDescription("Presentations refused because the scaled signal exceeded full scale"))
	if err != nil {
		refusals = noop.Int64Counter{}
	}
	return &Engine{
		backend:   backend,
		logger:    log.With(slog.String("component", "audio-engine")),
		tracer:    otel.Tracer(instrumentation),
		presented: presented,
		refusals:  refusals,
	}
}

// Load decodes a WAV file and logs its properties.
func (e *Engine) Load(path string) (*Waveform, error) {
	wf, err := LoadWAV(path)
	if err != nil {
		return nil, err
	}
	e.logger.Info("audio loaded",
		slog.String("file", wf.Name),
		slog.Int("sample_rate", wf.SampleRate),
		slog.Int("frames", wf.Frames()),
		slog.Int("channels", wf.ChannelCount()),
		slog.Duration("duration", wf.Duration()),
		slog.String("sample_type", wf.SampleType()))

	e.mu.Lock()
	if e.state == Idle {
		e.state = Loaded
	}
	e.mu.Unlock()
	return wf, nil
}

// Play resamples wf when the device is fixed to another rate, scales it to
// lvl dB FS (or normalizes it when lvl is nil), refuses anything that
// would clip, fits the channels to the device and starts
// playback. It returns once the device has accepted the buffer. Any
// previous presentation is stopped first.
func (e *Engine) Play(ctx context.Context, wf *Waveform, lvl *float64, deviceID int, r routing.Routing) (err error) {
	ctx, span := e.tracer.Start(ctx, "audio.play", trace.WithAttributes(
		attribute.String("audio.file", wf.Name),
		attribute.Int("audio.device", deviceID),
		attribute.String("audio.routing", r.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
		}
		span.End()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.stopLocked(); err != nil {
		e.logger.Warn("failed to stop previous playback", slogError(err))
	}
	e.state = Loaded
	defer func() {
		if err != nil {
			e.state = Idle
		}
	}()

	work := wf.copyChannels()

	dev, err := e.backend.Open(deviceID)
	if err != nil {
		return err
	}
	info := dev.Info()
	rate := wf.SampleRate
	if info.FixedSampleRate > 0 && info.FixedSampleRate != rate {
		if work, err = resample(work, rate, info.FixedSampleRate); err != nil {
			return err
		}
		e.logger.Info("resampled audio to device rate",
			slog.String("file", wf.Name),
			slog.Int("audio_rate", rate),
			slog.Int("device_rate", info.FixedSampleRate))
		rate = info.FixedSampleRate
	} else if info.DefaultSampleRate > 0 && int(info.DefaultSampleRate) != rate {
		e.logger.Debug("audio sample rate differs from device default",
			slog.Int("audio_rate", rate),
			slog.Float64("device_rate", info.DefaultSampleRate))
	}

	if err := routing.Validate(r, len(work)); err != nil {
		return err
	}

	if lvl == nil {
		normalize(work)
		e.logger.Debug("normalized audio", slog.Int("channels", len(work)))
	} else {
		factor := level.DBToMagnitude(*lvl)
		for _, ch := range work {
			floats.Scale(factor, ch)
		}
		e.logger.Debug("scaled audio", slog.Float64("level_db", *lvl), slog.Float64("factor", factor))
	}
	e.state = Scaled

	if p, ch := peak(work); p > 1.0 {
		e.lastRefused = &Waveform{
			Name:       wf.Name,
			Path:       wf.Path,
			SampleRate: rate,
			BitDepth:   wf.BitDepth,
			Float:      wf.Float,
			Channels:   work,
		}
		e.refusals.Add(ctx, 1)
		e.logger.Warn("refusing to play clipped audio",
			slog.String("file", wf.Name),
			slog.Float64("peak", p),
			slog.Int("channel", ch+1))
		return fault.Errorf(fault.Clipping, "audio.play",
			"%s: scaled peak %.4f on channel %d exceeds full scale", wf.Name, p, ch+1)
	}

	work, r, _ = routing.Reconcile(work, r, info.Outputs, e.logger)

	out := make([][]float32, len(work))
	for ch, data := range work {
		out[ch] = make([]float32, len(data))
		for i, s := range data {
			out[ch][i] = float32(s)
		}
	}
	if err := dev.Start(out, rate, r); err != nil {
		return err
	}

	e.device = dev
	e.state = Playing
	e.presented.Add(ctx, 1, metric.WithAttributes(attribute.Int("audio.device", info.ID)))
	e.logger.Info("playback started",
		slog.String("file", wf.Name),
		slog.String("device", info.Name),
		slog.String("routing", r.String()))
	return nil
}

// Stop halts any in-flight playback. It is a no-op when nothing is playing.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if e.device == nil {
		return nil
	}
	dev := e.device
	e.device = nil
	e.state = Idle
	if err := dev.Stop(); err != nil {
		return fmt.Errorf("stop playback: %w", err)
	}
	return nil
}

// IsPlaying reports whether the device is still sounding the last buffer.
func (e *Engine) IsPlaying() bool {
	return e.State() == Playing
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Playing && (e.device == nil || !e.device.Playing()) {
		e.device = nil
		e.state = Idle
	}
	return e.state
}

// LastRefused returns the scaled buffer of the most recent presentation
// refused for clipping, or nil.
func (e *Engine) LastRefused() *Waveform {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRefused
}

// normalize removes each channel's DC offset, divides it by its own peak and
// then by the channel count. Silent channels stay silent.
func normalize(channels [][]float64) {
	n := float64(len(channels))
	for _, ch := range channels {
		if len(ch) == 0 {
			continue
		}
		floats.AddConst(-stat.Mean(ch, nil), ch)
		p := floats.Norm(ch, math.Inf(1))
		if p == 0 {
			continue
		}
		floats.Scale(1/(p*n), ch)
	}
}

// peak returns the largest absolute sample and the index of its channel.
func peak(channels [][]float64) (float64, int) {
	maxAbs, at := 0.0, 0
	for ch, data := range channels {
		if len(data) == 0 {
			continue
		}
		if p := floats.Norm(data, math.Inf(1)); p > maxAbs {
			maxAbs, at = p, ch
		}
	}
	return maxAbs, at
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
