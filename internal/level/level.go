// Package level converts between decibels and linear amplitude and derives
// device presentation levels from a sound-level-meter calibration.
package level

import (
	"math"

	"github.com/mooretm/yes-no/internal/fault"
)

// Calibration is the outcome of one calibration playback + measurement
// cycle. Offset is derived and never edited directly.
type Calibration struct {
	SLMReading        float64 // measured dB SPL
	CalReferenceLevel float64 // dB FS used for the calibration playback
	Offset            float64
}

// Presentation is the level pair computed once per trial.
type Presentation struct {
	DesiredLevel  float64 // target dB SPL
	AdjustedLevel float64 // dB FS handed to playback
}

// Calibrate derives the SLM offset from a completed calibration cycle.
func Calibrate(slmReading, calReferenceLevel float64) (Calibration, error) {
	offset, err := ComputeOffset(slmReading, calReferenceLevel)
	if err != nil {
		return Calibration{}, err
	}
	return Calibration{
		SLMReading:        slmReading,
		CalReferenceLevel: calReferenceLevel,
		Offset:            offset,
	}, nil
}

// ComputeOffset returns slmReading - calReferenceLevel. Negative offsets are
// valid.
func ComputeOffset(slmReading, calReferenceLevel float64) (float64, error) {
	if !finite(slmReading) || !finite(calReferenceLevel) {
		return 0, fault.Errorf(fault.Arithmetic, "level.offset",
			"non-finite input (slm reading %v, reference %v)", slmReading, calReferenceLevel)
	}
	return slmReading - calReferenceLevel, nil
}

// ComputeAdjustedLevel returns desired - offset: the dB FS level that yields
// the desired dB SPL on the calibrated chain.
func ComputeAdjustedLevel(desired, offset float64) float64 {
	return desired - offset
}

// Present computes the presentation level for a trial.
func Present(desired, offset float64) Presentation {
	return Presentation{DesiredLevel: desired, AdjustedLevel: ComputeAdjustedLevel(desired, offset)}
}

// DBToMagnitude returns 10^(db/20).
func DBToMagnitude(db float64) float64 {
	return math.Pow(10, db/20)
}

// DBToMagnitudes converts each element of dbs.
func DBToMagnitudes(dbs []float64) []float64 {
	out := make([]float64, len(dbs))
	for i, db := range dbs {
		out[i] = DBToMagnitude(db)
	}
	return out
}

// MagnitudeToDB returns 20*log10(mag). mag must be positive.
func MagnitudeToDB(mag float64) (float64, error) {
	if !(mag > 0) {
		return 0, fault.Errorf(fault.Arithmetic, "level.magnitude_to_db", "magnitude %v must be positive", mag)
	}
	return 20 * math.Log10(mag), nil
}

// MagnitudesToDB converts each element of mags, failing on the first
// non-positive value.
func MagnitudesToDB(mags []float64) ([]float64, error) {
	out := make([]float64, len(mags))
	for i, mag := range mags {
		db, err := MagnitudeToDB(mag)
		if err != nil {
			return nil, err
		}
		out[i] = db
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
