//go:build !headless

package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/routing"
)

const (
	otoDeviceID = 0
	otoOutputs  = 2
)

// OtoBackend plays through the system default output as a stereo device
// with id 0. Its context is created on first playback and keeps that
// sample rate for the life of the process; the device reports it as
// FixedSampleRate so the engine resamples later audio to match.
type OtoBackend struct {
	mu   sync.Mutex
	ctx  *oto.Context
	rate int
}

func NewOtoBackend() *OtoBackend { return &OtoBackend{} }

func (b *OtoBackend) Name() string { return "oto" }

func (b *OtoBackend) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{b.info()}, nil
}

func (b *OtoBackend) info() DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DeviceInfo{
		ID:                otoDeviceID,
		Name:              "system default",
		Outputs:           otoOutputs,
		DefaultSampleRate: float64(b.rate),
		FixedSampleRate:   b.rate,
	}
}

func (b *OtoBackend) Open(id int) (Device, error) {
	if id != otoDeviceID {
		return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.open",
			"%d is not a valid audio device ID (oto only exposes device 0)", id)
	}
	return &otoDevice{backend: b}, nil
}

func (b *OtoBackend) Close() error { return nil }

func (b *OtoBackend) context(sampleRate int) (*oto.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx != nil {
		if b.rate != sampleRate {
			return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.start",
				"oto output is fixed at %d Hz, audio is %d Hz", b.rate, sampleRate)
		}
		return b.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: otoOutputs,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fault.Errorf(fault.InvalidAudioDevice, "audio.start", "create oto context: %w", err)
	}
	<-ready
	b.ctx = ctx
	b.rate = sampleRate
	return ctx, nil
}

type otoDevice struct {
	backend *OtoBackend

	mu     sync.Mutex
	player *oto.Player
}

func (d *otoDevice) Info() DeviceInfo { return d.backend.info() }

func (d *otoDevice) Start(channels [][]float32, sampleRate int, r routing.Routing) error {
	if r.Max() > otoOutputs {
		return fault.Errorf(fault.InvalidRouting, "audio.start",
			"routing uses output %d but the default device has %d", r.Max(), otoOutputs)
	}
	frames, err := mapOutputs(channels, r, otoOutputs)
	if err != nil {
		return err
	}
	ctx, err := d.backend.context(sampleRate)
	if err != nil {
		return err
	}

	pcm := make([]byte, len(frames)*4)
	for i, s := range frames {
		binary.LittleEndian.PutUint32(pcm[i*4:], math.Float32bits(s))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		d.player.Pause()
	}
	d.player = ctx.NewPlayer(bytes.NewReader(pcm))
	d.player.Play()
	return nil
}

func (d *otoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return nil
	}
	d.player.Pause()
	err := d.player.Close()
	d.player = nil
	return err
}

func (d *otoDevice) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player != nil && d.player.IsPlaying()
}
