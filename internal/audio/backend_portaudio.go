//go:build !headless

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/routing"
)

// PortAudioBackend addresses host devices by their PortAudio index and
// supports routing to any of a device's outputs.
type PortAudioBackend struct{}

// NewPortAudioBackend initializes PortAudio. Close terminates it.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioBackend{}, nil
}

func (b *PortAudioBackend) Name() string { return "portaudio" }

func (b *PortAudioBackend) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list portaudio devices: %w", err)
	}
	var list []DeviceInfo
	for _, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		list = append(list, paInfo(d))
	}
	return list, nil
}

func (b *PortAudioBackend) Open(id int) (Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open", "list devices: %w", err)
	}
	for _, d := range devices {
		if d.Index != id {
			continue
		}
		if d.MaxOutputChannels == 0 {
			return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open", "device %d (%s) has no outputs", id, d.Name)
		}
		return &paDevice{info: d}, nil
	}
	return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open", "%d is not a valid audio device ID", id)
}

func (b *PortAudioBackend) Close() error {
	return portaudio.Terminate()
}

func paInfo(d *portaudio.DeviceInfo) DeviceInfo {
	return DeviceInfo{
		ID:                d.Index,
		Name:              d.Name,
		Outputs:           d.MaxOutputChannels,
		DefaultSampleRate: d.DefaultSampleRate,
	}
}

type paDevice struct {
	info *portaudio.DeviceInfo

	mu       sync.Mutex
	stream   *portaudio.Stream
	finished atomic.Bool
}

func (d *paDevice) Info() DeviceInfo { return paInfo(d.info) }

func (d *paDevice) Start(channels [][]float32, sampleRate int, r routing.Routing) error {
	width := r.Max()
	if width > d.info.MaxOutputChannels {
		return fault.Errorf(fault.InvalidRouting, "audio.start",
			"routing uses output %d but %s has %d", width, d.info.Name, d.info.MaxOutputChannels)
	}
	frames, err := mapOutputs(channels, r, width)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()

	p := portaudio.HighLatencyParameters(nil, d.info)
	p.Input.Channels = 0
	p.Output.Channels = width
	p.SampleRate = float64(sampleRate)

	d.finished.Store(false)
	pos := 0
	stream, err := portaudio.OpenStream(p, func(out []float32) {
		n := copy(out, frames[pos:])
		pos += n
		clear(out[n:])
		if pos >= len(frames) {
			d.finished.Store(true)
		}
	})
	if err != nil {
		return fault.Errorf(fault.InvalidAudioDevice, "audio.start", "open stream on %s: %w", d.info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fault.Errorf(fault.InvalidAudioDevice, "audio.start", "start stream on %s: %w", d.info.Name, err)
	}
	d.stream = stream
	return nil
}

func (d *paDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *paDevice) closeLocked() error {
	if d.stream == nil {
		return nil
	}
	s := d.stream
	d.stream = nil
	d.finished.Store(true)
	if err := s.Abort(); err != nil {
		_ = s.Close()
		return err
	}
	return s.Close()
}

func (d *paDevice) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil && !d.finished.Load()
}
