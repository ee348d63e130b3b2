package audio

import (
	"fmt"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/routing"
)

// DeviceInfo describes one output device of a backend.
type DeviceInfo struct {
	ID                int
	Name              string
	Outputs           int
	DefaultSampleRate float64
	// FixedSampleRate, when non-zero, is the only rate Start accepts.
	FixedSampleRate int
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%d: %s (out:%d)", d.ID, d.Name, d.Outputs)
}

// Backend is a platform audio output facility.
type Backend interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	// Open resolves id to an output device. An unknown id, or a device
	// without outputs, is fault.InvalidAudioDevice.
	Open(id int) (Device, error)
	Close() error
}

// Device plays one finalized buffer at a time. Start must not block for the
// duration of playback. Stop is safe to call when nothing is playing.
type Device interface {
	Info() DeviceInfo
	Start(channels [][]float32, sampleRate int, r routing.Routing) error
	Stop() error
	Playing() bool
}

// mapOutputs interleaves planar channels into frames width samples wide,
// placing source channel i in column r[i]-1. Unrouted columns stay silent.
func mapOutputs(channels [][]float32, r routing.Routing, width int) ([]float32, error) {
	if len(r) != len(channels) {
		return nil, fault.Errorf(fault.InvalidRouting, "audio.map",
			"%d channel(s) but routing is [%s]", len(channels), r)
	}
	used := make(map[int]bool, len(r))
	for _, out := range r {
		if out < 1 || out > width {
			return nil, fault.Errorf(fault.InvalidRouting, "audio.map",
				"output %d is outside device range 1..%d", out, width)
		}
		if used[out] {
			return nil, fault.Errorf(fault.InvalidRouting, "audio.map", "output %d is routed twice", out)
		}
		used[out] = true
	}
	if len(channels) == 0 {
		return nil, nil
	}
	frames := len(channels[0])
	buf := make([]float32, frames*width)
	for ch, data := range channels {
		col := r[ch] - 1
		for i, s := range data {
			buf[i*width+col] = s
		}
	}
	return buf, nil
}
