package level

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mooretm/yes-no/internal/fault"
)

// RMS returns the root mean square of sig. An empty signal has RMS 0.
func RMS(sig []float64) float64 {
	if len(sig) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(sig, sig) / float64(len(sig)))
}

// SetRMS returns a copy of sig scaled so its RMS equals targetDB (dB re 1.0).
func SetRMS(sig []float64, targetDB float64) ([]float64, error) {
	current, err := MagnitudeToDB(RMS(sig))
	if err != nil {
		return nil, fault.Errorf(fault.Arithmetic, "level.set_rms", "silent signal: %w", err)
	}
	out := append([]float64(nil), sig...)
	floats.Scale(DBToMagnitude(targetDB-current), out)
	return out, nil
}

// SetRMSChannels scales each channel toward targetDB. With equalize set,
// every channel ends at targetDB. Otherwise the level differences between
// channels are kept and the mean channel level lands on targetDB, so a
// two-channel signal with an interaural level difference keeps it.
func SetRMSChannels(channels [][]float64, targetDB float64, equalize bool) ([][]float64, error) {
	levels := make([]float64, len(channels))
	for ch, sig := range channels {
		db, err := MagnitudeToDB(RMS(sig))
		if err != nil {
			return nil, fault.Errorf(fault.Arithmetic, "level.set_rms", "channel %d is silent: %w", ch, err)
		}
		levels[ch] = db
	}
	mean := stat.Mean(levels, nil)

	out := make([][]float64, len(channels))
	for ch, sig := range channels {
		goal := targetDB
		if !equalize {
			goal += levels[ch] - mean
		}
		scaled := append([]float64(nil), sig...)
		floats.Scale(DBToMagnitude(goal-levels[ch]), scaled)
		out[ch] = scaled
	}
	return out, nil
}
