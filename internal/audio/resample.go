package audio

import (
	resampler "github.com/tphakala/go-audio-resampler"

	"github.com/mooretm/yes-no/internal/fault"
)

// resample converts every channel from one sample rate to another. All
// channels come back the same length.
func resample(channels [][]float64, from, to int) ([][]float64, error) {
	out := make([][]float64, len(channels))
	frames := -1
	for ch, data := range channels {
		res, err := resampler.ResampleMono(data, float64(from), float64(to), resampler.QualityHigh)
		if err != nil {
			return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.resample",
				"resample channel %d from %d Hz to %d Hz: %w", ch+1, from, to, err)
		}
		out[ch] = res
		if frames < 0 || len(res) < frames {
			frames = len(res)
		}
	}
	for ch := range out {
		out[ch] = out[ch][:frames]
	}
	return out, nil
}
