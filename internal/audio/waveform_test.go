package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/routing"
)

// writeWords encodes raw sample words into a mono WAV file.
func writeWords(t *testing.T, format, bitDepth int, words []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "words.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 48000, bitDepth, 1, format)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 48000},
		Data:           words,
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func floatWords(samples ...float32) []int {
	words := make([]int, len(samples))
	for i, s := range samples {
		words[i] = int(int32(math.Float32bits(s)))
	}
	return words
}

func TestWAVRoundTrip(t *testing.T) {
	for _, depth := range []int{8, 16, 24, 32} {
		path := filepath.Join(t.TempDir(), "tone.wav")
		src := Tone(440, 50*time.Millisecond, 8000, 2, 0.5)
		require.NoError(t, WriteWAV(path, src, depth))

		got, err := LoadWAV(path)
		require.NoError(t, err)
		assert.Equal(t, "tone.wav", got.Name)
		assert.Equal(t, 8000, got.SampleRate)
		assert.Equal(t, depth, got.BitDepth)
		require.Equal(t, 2, got.ChannelCount())
		require.Equal(t, src.Frames(), got.Frames())
		assert.InDelta(t, 0.05, got.Duration().Seconds(), 1e-6)

		tol := 1.5 / fullScale(depth)
		for ch := range src.Channels {
			assert.InDeltaSlice(t, src.Channels[ch], got.Channels[ch], tol, "depth %d channel %d", depth, ch)
		}
	}
}

func TestLoadWAVMissingFile(t *testing.T) {
	_, err := LoadWAV(filepath.Join(t.TempDir(), "nope.wav"))
	require.ErrorIs(t, err, fault.NotFound)

	_, err = LoadWAV(t.TempDir())
	require.ErrorIs(t, err, fault.NotFound)
}

func TestLoadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a wav file at all"), 0o644))

	_, err := LoadWAV(path)
	require.ErrorIs(t, err, fault.FormatError)
}

func TestPeak(t *testing.T) {
	wf := &Waveform{Channels: [][]float64{{0.1, -0.2}, {0.3, -0.9}, {}}}
	p, ch := wf.Peak()
	assert.InDelta(t, 0.9, p, 1e-12)
	assert.Equal(t, 1, ch)
}

func TestLoadWAVNegativeFullScale(t *testing.T) {
	path := writeWords(t, wavFormatPCM, 16, []int{0, 16384, -32768, 32767, 0})

	wf, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, -1, 32767.0 / 32768, 0}, wf.Channels[0])
	p, _ := wf.Peak()
	assert.Equal(t, 1.0, p)

	engine := NewEngine(NewNullBackend(), testLogger())
	require.NoError(t, engine.Play(context.Background(), wf, Level(0), 0, routing.Routing{1}),
		"a full-scale file plays at 0 dB")
}

func TestInterleaveClampsToWordRange(t *testing.T) {
	got := interleave([][]float64{{-1.5, -1, 0.5, 1, 1.5}}, 16)
	assert.Equal(t, []int{-32768, -32768, 16384, 32767, 32767}, got)

	got = interleave([][]float64{{-1, 0, 1}}, 8)
	assert.Equal(t, []int{0, 128, 255}, got)
}

func TestLoadWAVFloat32(t *testing.T) {
	path := writeWords(t, wavFormatFloat, 32, floatWords(0, 0.25, -0.5, 1))

	wf, err := LoadWAV(path)
	require.NoError(t, err)
	assert.True(t, wf.Float)
	assert.Equal(t, "float32", wf.SampleType())
	assert.Equal(t, 48000, wf.SampleRate)
	assert.Equal(t, []float64{0, 0.25, -0.5, 1}, wf.Channels[0])
}

func TestLoadWAVUnsigned8Bit(t *testing.T) {
	path := writeWords(t, wavFormatPCM, 8, []int{128, 192, 0, 255})

	wf, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, "int8", wf.SampleType())
	assert.Equal(t, []float64{0, 0.5, -1, 127.0 / 128}, wf.Channels[0])
}

func TestLoadWAVExtensibleFloat(t *testing.T) {
	data := new(bytes.Buffer)
	for _, s := range []float32{0.5, -0.25, 0} {
		require.NoError(t, binary.Write(data, binary.LittleEndian, s))
	}
	floatGUID := []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

	fmtChunk := new(bytes.Buffer)
	for _, v := range []any{
		uint16(wavFormatExtensible), uint16(1), uint32(48000), uint32(48000 * 4), uint16(4), uint16(32),
		uint16(22), uint16(32), uint32(4), floatGUID,
	} {
		require.NoError(t, binary.Write(fmtChunk, binary.LittleEndian, v))
	}
	require.Equal(t, 40, fmtChunk.Len())

	file := new(bytes.Buffer)
	file.WriteString("RIFF")
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint32(4+8+fmtChunk.Len()+8+data.Len())))
	file.WriteString("WAVEfmt ")
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint32(fmtChunk.Len())))
	file.Write(fmtChunk.Bytes())
	file.WriteString("data")
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint32(data.Len())))
	file.Write(data.Bytes())

	path := filepath.Join(t.TempDir(), "ext.wav")
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))

	wf, err := LoadWAV(path)
	require.NoError(t, err)
	assert.True(t, wf.Float)
	assert.Equal(t, []float64{0.5, -0.25, 0}, wf.Channels[0])
}

func TestLoadWAVRejectsFloat16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f16.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 48000, 16, 1, wavFormatFloat)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: 48000},
		Data:   []int{1, 2, 3, 4},
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	_, err = LoadWAV(path)
	require.ErrorIs(t, err, fault.FormatError)
}
