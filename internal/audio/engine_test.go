package audio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/level"
	"github.com/mooretm/yes-no/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ramp(channels, frames int, scale float64) *Waveform {
	wf := &Waveform{Name: "ramp.wav", SampleRate: 48000, BitDepth: 16, Channels: make([][]float64, channels)}
	for ch := range wf.Channels {
		wf.Channels[ch] = make([]float64, frames)
		for i := range frames {
			wf.Channels[ch][i] = scale * float64(i+1) / float64(frames) * float64(ch+1) / float64(channels)
		}
	}
	return wf
}

func TestPlayScalesByLevel(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())
	wf := ramp(1, 10, 0.5)

	require.NoError(t, engine.Play(context.Background(), wf, Level(-20), 0, routing.Routing{2}))

	writes := backend.Writes()
	require.Len(t, writes, 1)
	w := writes[0]
	assert.Equal(t, 2, w.Width)
	assert.Equal(t, 48000, w.SampleRate)
	for i, s := range wf.Channels[0] {
		assert.Zero(t, w.Frames[i*2], "output 1 is unrouted")
		assert.InDelta(t, s*0.1, float64(w.Frames[i*2+1]), 1e-6)
	}
	assert.Equal(t, Playing, engine.State())
}

func TestPlayRefusesClippedAudio(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())
	wf := ramp(2, 8, 0.5)
	orig := wf.copyChannels()

	err := engine.Play(context.Background(), wf, Level(12), 0, routing.Routing{1, 2})
	require.ErrorIs(t, err, fault.Clipping)

	assert.Empty(t, backend.Writes(), "no device write may happen for clipped audio")
	assert.Equal(t, Idle, engine.State())
	assert.Equal(t, orig, wf.Channels, "source waveform must not be modified")

	refused := engine.LastRefused()
	require.NotNil(t, refused)
	p, ch := refused.Peak()
	assert.Greater(t, p, 1.0)
	assert.Equal(t, 1, ch)
}

func TestPlayNormalizesWithoutLevel(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())
	wf := &Waveform{Name: "n.wav", SampleRate: 48000, Channels: [][]float64{
		{0.2, 0.4, 0.6},
		{0, 0, 0},
	}}

	require.NoError(t, engine.Play(context.Background(), wf, nil, 0, routing.Routing{1, 2}))

	w := backend.Writes()[0]
	// mean 0.4 removed, peak 0.2, two channels
	assert.InDelta(t, -0.5, float64(w.Frames[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(w.Frames[2]), 1e-6)
	assert.InDelta(t, 0.5, float64(w.Frames[4]), 1e-6)
	for i := 0; i < 3; i++ {
		assert.Zero(t, w.Frames[i*2+1], "silent channel stays silent")
	}
}

func TestPlayTruncatesToDeviceOutputs(t *testing.T) {
	backend := NewNullBackend(DeviceInfo{ID: 3, Name: "stereo", Outputs: 2})
	engine := NewEngine(backend, testLogger())
	wf := ramp(4, 16, 0.8)

	require.NoError(t, engine.Play(context.Background(), wf, Level(0), 3, routing.Routing{1, 2, 3, 4}))

	w := backend.Writes()[0]
	assert.Equal(t, routing.Routing{1, 2}, w.Routing)
	assert.Equal(t, 2, w.Width)
	require.Len(t, w.Frames, 16*2)
	for i := range 16 {
		assert.Equal(t, float32(wf.Channels[0][i]), w.Frames[i*2])
		assert.Equal(t, float32(wf.Channels[1][i]), w.Frames[i*2+1])
	}
}

func TestPlayResamplesToFixedDeviceRate(t *testing.T) {
	backend := NewNullBackend(DeviceInfo{ID: 0, Name: "fixed", Outputs: 2, FixedSampleRate: 48000})
	engine := NewEngine(backend, testLogger())

	at48k := Tone(1000, 250*time.Millisecond, 48000, 1, 0.5)
	at44k := Tone(1000, 250*time.Millisecond, 44100, 2, 0.5)
	orig := at44k.copyChannels()

	require.NoError(t, engine.Play(context.Background(), at48k, Level(0), 0, routing.Routing{1}))
	require.NoError(t, engine.Play(context.Background(), at44k, Level(-6), 0, routing.Routing{1, 2}))

	writes := backend.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 48000, writes[0].SampleRate)
	assert.Len(t, writes[0].Frames, at48k.Frames())

	w := writes[1]
	assert.Equal(t, 48000, w.SampleRate)
	n := len(w.Frames) / w.Width
	assert.InEpsilon(t, 12000, n, 0.1)
	var p float64
	for i := n / 4; i < 3*n/4; i++ {
		p = max(p, math.Abs(float64(w.Frames[i*w.Width])))
	}
	assert.InDelta(t, 0.5*level.DBToMagnitude(-6), p, 0.02)
	assert.Equal(t, orig, at44k.Channels, "source waveform must not be modified")
	assert.Equal(t, 44100, at44k.SampleRate)
}

func TestPlayResampledClipIsRefused(t *testing.T) {
	backend := NewNullBackend(DeviceInfo{ID: 0, Name: "fixed", Outputs: 2, FixedSampleRate: 48000})
	engine := NewEngine(backend, testLogger())

	err := engine.Play(context.Background(), Tone(1000, 100*time.Millisecond, 44100, 1, 0.9), Level(6), 0, routing.Routing{1})
	require.ErrorIs(t, err, fault.Clipping)
	assert.Empty(t, backend.Writes())
	require.NotNil(t, engine.LastRefused())
	assert.Equal(t, 48000, engine.LastRefused().SampleRate)
}

func TestPlayInvalidDevice(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())

	err := engine.Play(context.Background(), ramp(1, 4, 0.1), Level(0), 999, routing.Routing{1})
	require.ErrorIs(t, err, fault.InvalidAudioDevice)
	assert.Empty(t, backend.Writes())
	assert.Equal(t, Idle, engine.State())
}

func TestPlayRoutingMismatch(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())

	err := engine.Play(context.Background(), ramp(2, 4, 0.1), Level(0), 0, routing.Routing{1})
	require.ErrorIs(t, err, fault.InvalidRouting)

	err = engine.Play(context.Background(), ramp(1, 4, 0.1), Level(0), 0, nil)
	require.ErrorIs(t, err, fault.InvalidRouting)

	err = engine.Play(context.Background(), ramp(2, 4, 0.1), Level(0), 0, routing.Routing{1, 1})
	require.ErrorIs(t, err, fault.InvalidRouting)
	assert.Empty(t, backend.Writes())
}

func TestStopAndIsPlaying(t *testing.T) {
	backend := NewNullBackend()
	engine := NewEngine(backend, testLogger())

	require.NoError(t, engine.Stop(), "stop while idle is a no-op")
	assert.False(t, engine.IsPlaying())

	require.NoError(t, engine.Play(context.Background(), ramp(1, 4, 0.1), Level(0), 0, routing.Routing{1}))
	assert.True(t, engine.IsPlaying())
	require.NoError(t, engine.Stop())
	assert.False(t, engine.IsPlaying())
	require.NoError(t, engine.Stop())

	require.NoError(t, engine.Play(context.Background(), ramp(1, 4, 0.1), Level(0), 0, routing.Routing{1}))
	backend.Finish(0)
	assert.False(t, engine.IsPlaying(), "finished playback returns to idle")
	assert.Equal(t, Idle, engine.State())
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("null", 6)
	require.NoError(t, err)
	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 6, devices[0].Outputs)

	_, err = NewBackend("alsa", 2)
	require.Error(t, err)
}
