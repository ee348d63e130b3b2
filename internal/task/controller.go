// Package task drives one yes/no run: level update, presentation, response
// capture, persistence and advancement, plus the calibration cycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/mooretm/yes-no/internal/audio"
	"github.com/mooretm/yes-no/internal/calibration"
	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/level"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/results"
	"github.com/mooretm/yes-no/internal/routing"
	"github.com/mooretm/yes-no/internal/session"
	"github.com/mooretm/yes-no/internal/trial"
)

const instrumentation = "github.com/mooretm/yes-no/internal/task"

const noResponse = -1

// Engine is the playback surface the controller drives.
type Engine interface {
	Load(path string) (*audio.Waveform, error)
	Play(ctx context.Context, wf *audio.Waveform, lvl *float64, deviceID int, r routing.Routing) error
	Stop() error
	IsPlaying() bool
}

type Options struct {
	SessionID string // generated when empty
	Params    *session.Params
	// SessionPath is where Params are saved after every level change.
	// Empty skips saving.
	SessionPath string
	Engine      Engine
	Sink        results.Sink
	Rand        *rand.Rand
	Logger      *slog.Logger
}

// Progress is a point-in-time view of the run.
type Progress struct {
	SessionID string `json:"session_id"`
	Started   bool   `json:"started"`
	Done      bool   `json:"done"`
	Trial     int    `json:"trial"` // 1-based, 0 before Start
	Total     int    `json:"total"`
	Label     string `json:"label"`
	Stimulus  string `json:"stimulus,omitempty"`
	Response  *int   `json:"response,omitempty"`
	Playing   bool   `json:"playing"`
}

// Controller is driven from a single goroutine. Progress may be read from
// any goroutine.
type Controller struct {
	id          string
	params      *session.Params
	sessionPath string
	engine      Engine
	sink        results.Sink
	rng         *rand.Rand
	logger      *slog.Logger
	tracer      trace.Tracer
	submitted   metric.Int64Counter
	calibrator  *calibration.Calibrator

	mu       sync.Mutex
	seq      *trial.Sequencer
	response int
	done     bool
	failed   error
}

func New(opts Options) (*Controller, error) {
	if opts.Params == nil || opts.Engine == nil || opts.Sink == nil || opts.Logger == nil {
		return nil, errors.New("task: params, engine, sink and logger are required")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger.With(slog.String("component", "task"), slog.String("session_id", id))

	submitted, err := otel.Meter(instrumentation).Int64Counter("yesno.task.trials_submitted",
		metric.WithDescription("Trials recorded, by classification"))
	if err != nil {
		submitted = noop.Int64Counter{}
	}

	return &Controller{
		id:          id,
		params:      opts.Params,
		sessionPath: opts.SessionPath,
		engine:      opts.Engine,
		sink:        opts.Sink,
		rng:         opts.Rand,
		logger:      log,
		tracer:      otel.Tracer(instrumentation),
		submitted:   submitted,
		calibrator:  calibration.New(opts.Params, opts.SessionPath, opts.Engine, opts.Logger),
		response:    noResponse,
	}, nil
}

func (c *Controller) SessionID() string { return c.id }

// Start loads the stimulus matrix, fixes the trial order and presents the
// first trial. A bad routing string or matrix leaves the task unstarted. If
// presentation fails the run is still started and the trial can be retried
// with Replay.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.seq != nil {
		c.mu.Unlock()
		return fault.Errorf(fault.Config, "task.start", "task already started")
	}
	c.mu.Unlock()

	if _, err := routing.Parse(c.params.ChannelRouting); err != nil {
		return err
	}
	rows, err := trial.LoadMatrix(c.params.MatrixFilePath, c.params.AudioFilesDir)
	if err != nil {
		return err
	}
	trials, err := trial.Build(rows, c.params.Repetitions, c.params.Shuffle(), c.rng)
	if err != nil {
		return err
	}
	c.logger.Info("task started",
		slog.String("matrix", c.params.MatrixFilePath),
		slog.Int("rows", len(rows)),
		slog.Int("trials", len(trials)),
		slog.Bool("randomized", c.params.Shuffle()))

	c.mu.Lock()
	c.seq = trial.NewSequencer(trials)
	c.mu.Unlock()
	return c.present(ctx)
}

// Replay presents the current trial again.
func (c *Controller) Replay(ctx context.Context) error {
	if err := c.active("task.replay"); err != nil {
		return err
	}
	return c.present(ctx)
}

// Respond records the listener's pending answer for the current trial.
// It may be changed until Submit.
func (c *Controller) Respond(observed int) error {
	if err := c.active("task.respond"); err != nil {
		return err
	}
	if observed != response.Yes && observed != response.No {
		return fault.Errorf(fault.InvalidResponse, "task.respond", "response was %d, expected 0 or 1", observed)
	}
	c.mu.Lock()
	c.response = observed
	c.mu.Unlock()
	return nil
}

// Submit records the current trial and presents the next one. It reports
// whether the run is complete. A persistence failure ends the run.
func (c *Controller) Submit(ctx context.Context) (done bool, err error) {
	ctx, span := c.tracer.Start(ctx, "task.submit", trace.WithAttributes(attribute.String("session.id", c.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
		}
		span.End()
	}()

	if err := c.active("task.submit"); err != nil {
		return false, err
	}

	c.mu.Lock()
	observed := c.response
	idx := c.seq.Index()
	spec, err := c.seq.Current()
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	if observed == noResponse {
		return false, fault.Errorf(fault.InvalidResponse, "task.submit", "no response selected for trial %d", idx+1)
	}

	res, err := response.BuildResult(idx, spec.StimulusName(), observed, spec.Expected, c.params.Snapshot())
	if err != nil {
		return false, err
	}
	if err := c.sink.Write(ctx, res); err != nil {
		c.mu.Lock()
		c.failed = err
		c.mu.Unlock()
		c.logger.Error("trial result not saved; ending task", slogError(err))
		_ = c.engine.Stop()
		return false, err
	}
	cls := res.Classification.String()
	if cls == "" {
		cls = "unclassified"
	}
	c.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", cls)))
	c.logger.Info("trial recorded",
		slog.Int("trial", idx+1),
		slog.String("stimulus", res.Stimulus),
		slog.Int("response", observed),
		slog.String("classification", cls))

	c.mu.Lock()
	c.response = noResponse
	more := c.seq.Advance()
	if !more {
		c.done = true
	}
	c.mu.Unlock()

	if !more {
		c.logger.Info("task complete", slog.Int("trials", idx+1))
		return true, nil
	}
	return false, c.present(ctx)
}

// Stop halts playback. It is safe to call at any time.
func (c *Controller) Stop() error {
	return c.engine.Stop()
}

func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Progress{
		SessionID: c.id,
		Started:   c.seq != nil,
		Done:      c.done,
		Playing:   c.engine.IsPlaying(),
	}
	if c.seq == nil {
		return p
	}
	p.Total = c.seq.Len()
	p.Label = c.seq.Label()
	if spec, err := c.seq.Current(); err == nil {
		p.Trial = c.seq.Index() + 1
		p.Stimulus = spec.StimulusName()
	} else {
		p.Trial = c.seq.Len()
	}
	if c.response != noResponse {
		r := c.response
		p.Response = &r
	}
	return p
}

// CalibratePlay presents the calibration signal.
func (c *Controller) CalibratePlay(ctx context.Context) error {
	return c.calibrator.Play(ctx)
}

// CalibrateStop stops the calibration signal.
func (c *Controller) CalibrateStop() error {
	return c.calibrator.Stop()
}

// CalibrateSubmit stores the meter reading and derives a new offset.
func (c *Controller) CalibrateSubmit(slmReading float64) (level.Calibration, error) {
	return c.calibrator.Submit(slmReading)
}

// active fails unless a trial is in progress and the run has not failed.
func (c *Controller) active(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failed != nil:
		return fmt.Errorf("%s: task ended after an earlier failure: %w", op, c.failed)
	case c.seq == nil:
		return fault.Errorf(fault.Config, op, "task has not been started")
	case c.done:
		return fault.Errorf(fault.OutOfRange, op, "task is complete")
	}
	return nil
}

// present applies the calibration offset to the current trial's level,
// saves the updated parameters, then loads and plays the stimulus.
func (c *Controller) present(ctx context.Context) (err error) {
	c.mu.Lock()
	spec, err := c.seq.Current()
	idx := c.seq.Index()
	label := c.seq.Label()
	c.response = noResponse
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "task.present", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.Int("trial", idx+1),
		attribute.String("stimulus", spec.StimulusName()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
		}
		span.End()
	}()

	pres := level.Present(spec.Level, c.params.SLMOffset)
	c.params.DesiredLevelDB = pres.DesiredLevel
	c.params.AdjustedLevelDB = pres.AdjustedLevel
	c.logger.Info(label,
		slog.String("stimulus", spec.StimulusName()),
		slog.Float64("desired_level_db", pres.DesiredLevel),
		slog.Float64("slm_offset", c.params.SLMOffset),
		slog.Float64("adjusted_level_db", pres.AdjustedLevel))
	if c.sessionPath != "" {
		if err := c.params.Save(c.sessionPath); err != nil {
			return err
		}
	}

	r, err := routing.Parse(c.params.ChannelRouting)
	if err != nil {
		return err
	}
	wf, err := c.engine.Load(spec.StimulusPath)
	if err != nil {
		return err
	}
	return c.engine.Play(ctx, wf, audio.Level(pres.AdjustedLevel), c.params.AudioDevice, r)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
