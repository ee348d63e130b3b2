package audio

import (
	"sync"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/routing"
)

// Write is one buffer handed to a NullBackend device.
type Write struct {
	DeviceID   int
	SampleRate int
	Frames     []float32 // interleaved, width = Width
	Width      int
	Routing    routing.Routing
}

// NullBackend accepts playback without producing sound and records every
// device write. It backs dry runs and tests.
type NullBackend struct {
	mu      sync.Mutex
	devices []DeviceInfo
	writes  []Write
	playing map[int]bool
}

// NewNullBackend returns a backend exposing devices. With no devices given
// it exposes a single stereo device with id 0.
func NewNullBackend(devices ...DeviceInfo) *NullBackend {
	if len(devices) == 0 {
		devices = []DeviceInfo{{ID: 0, Name: "null", Outputs: 2, DefaultSampleRate: 48000}}
	}
	return &NullBackend{devices: devices, playing: make(map[int]bool)}
}

func (b *NullBackend) Name() string { return "null" }

func (b *NullBackend) Devices() ([]DeviceInfo, error) {
	return append([]DeviceInfo(nil), b.devices...), nil
}

func (b *NullBackend) Open(id int) (Device, error) {
	for _, d := range b.devices {
		if d.ID == id {
			if d.Outputs < 1 {
				return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open", "device %d has no outputs", id)
			}
			return &nullDevice{backend: b, info: d}, nil
		}
	}
	return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open", "%d is not a valid audio device ID", id)
}

func (b *NullBackend) Close() error { return nil }

// Writes returns every buffer started so far.
func (b *NullBackend) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Write(nil), b.writes...)
}

// Finish marks playback on device id as complete.
func (b *NullBackend) Finish(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.playing, id)
}

type nullDevice struct {
	backend *NullBackend
	info    DeviceInfo
}

func (d *nullDevice) Info() DeviceInfo { return d.info }

func (d *nullDevice) Start(channels [][]float32, sampleRate int, r routing.Routing) error {
	if fixed := d.info.FixedSampleRate; fixed > 0 && fixed != sampleRate {
		return fault.Errorf(fault.InvalidAudioDevice, "audio.start",
			"device %d is fixed at %d Hz, audio is %d Hz", d.info.ID, fixed, sampleRate)
	}
	width := r.Max()
	if width > d.info.Outputs {
		return fault.Errorf(fault.InvalidRouting, "audio.start",
			"routing uses output %d but device has %d", width, d.info.Outputs)
	}
	frames, err := mapOutputs(channels, r, width)
	if err != nil {
		return err
	}
	b := d.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, Write{
		DeviceID:   d.info.ID,
		SampleRate: sampleRate,
		Frames:     frames,
		Width:      width,
		Routing:    append(routing.Routing(nil), r...),
	})
	b.playing[d.info.ID] = true
	return nil
}

func (d *nullDevice) Stop() error {
	d.backend.Finish(d.info.ID)
	return nil
}

func (d *nullDevice) Playing() bool {
	b := d.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing[d.info.ID]
}
