// Package calibration runs the sound-level-meter calibration cycle: present
// a reference signal at cal_level_dB, take the meter reading, derive the
// offset and persist it with the session parameters.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mooretm/yes-no/internal/audio"
	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/level"
	"github.com/mooretm/yes-no/internal/routing"
	"github.com/mooretm/yes-no/internal/session"
)

// Built-in reference signal.
const (
	ToneFrequency  = 1000.0
	ToneSampleRate = 48000
	ToneDuration   = 5 * time.Second
)

// Player is the part of the playback engine calibration needs.
type Player interface {
	Play(ctx context.Context, wf *audio.Waveform, lvl *float64, deviceID int, r routing.Routing) error
	Stop() error
}

type Calibrator struct {
	params      *session.Params
	sessionPath string
	player      Player
	logger      *slog.Logger

	mu     sync.Mutex
	played bool
}

// New returns a calibrator that edits params in place and saves them to
// sessionPath after every offset change. An empty sessionPath skips saving.
func New(params *session.Params, sessionPath string, player Player, log *slog.Logger) *Calibrator {
	return &Calibrator{
		params:      params,
		sessionPath: sessionPath,
		player:      player,
		logger:      log.With(slog.String("component", "calibration")),
	}
}

// Signal returns the configured calibration waveform. The built-in tone is
// generated at 0 dBFS peak with one channel per routed output.
func (c *Calibrator) Signal(channels int) (*audio.Waveform, error) {
	if c.params.CalFile == session.BuiltinCalFile || c.params.CalFile == "" {
		if channels < 1 {
			channels = 1
		}
		wf := audio.Tone(ToneFrequency, ToneDuration, ToneSampleRate, channels, 1.0)
		wf.Name = session.BuiltinCalFile
		return wf, nil
	}
	return audio.LoadWAV(c.params.CalFile)
}

// Play presents the calibration signal at cal_level_dB on the session's
// device and routing.
func (c *Calibrator) Play(ctx context.Context) error {
	r, err := routing.Parse(c.params.ChannelRouting)
	if err != nil {
		return err
	}
	wf, err := c.Signal(len(r))
	if err != nil {
		return err
	}
	c.logger.Info("presenting calibration signal",
		slog.String("file", wf.Name),
		slog.Float64("cal_level_db", c.params.CalLevelDB))
	if err := c.player.Play(ctx, wf, audio.Level(c.params.CalLevelDB), c.params.AudioDevice, r); err != nil {
		return err
	}
	c.mu.Lock()
	c.played = true
	c.mu.Unlock()
	return nil
}

func (c *Calibrator) Stop() error {
	return c.player.Stop()
}

// Submit records the meter reading taken during the last calibration
// playback, derives slm_offset and saves the session parameters.
func (c *Calibrator) Submit(slmReading float64) (level.Calibration, error) {
	c.mu.Lock()
	played := c.played
	c.mu.Unlock()
	if !played {
		return level.Calibration{}, fault.Errorf(fault.Config, "calibration.submit",
			"no calibration signal has been played")
	}

	cal, err := level.Calibrate(slmReading, c.params.CalLevelDB)
	if err != nil {
		return level.Calibration{}, err
	}
	c.params.SLMReading = cal.SLMReading
	c.params.SLMOffset = cal.Offset
	c.logger.Info("calibration offset updated",
		slog.Float64("cal_level_db", cal.CalReferenceLevel),
		slog.Float64("slm_reading", cal.SLMReading),
		slog.Float64("slm_offset", cal.Offset))

	if c.sessionPath != "" {
		if err := c.params.Save(c.sessionPath); err != nil {
			return cal, fmt.Errorf("save calibration: %w", err)
		}
	}
	return cal, nil
}
