// Package audio loads stimulus waveforms and presents them on an output
// device at a calibrated level.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/mooretm/yes-no/internal/fault"
)

const (
	bitsPerSample8  = 8
	bitsPerSample16 = 16
	bitsPerSample24 = 24
	bitsPerSample32 = 32

	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// Waveform is a decoded signal. Channels is planar: one slice per channel,
// each holding every frame of that channel in [-1, 1].
type Waveform struct {
	Name       string
	Path       string
	SampleRate int
	BitDepth   int
	Float      bool
	Channels   [][]float64
}

// ChannelCount returns the number of channels.
func (w *Waveform) ChannelCount() int { return len(w.Channels) }

// Frames returns the number of samples per channel.
func (w *Waveform) Frames() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// Duration returns the playback length.
func (w *Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(w.Frames()) / float64(w.SampleRate) * float64(time.Second))
}

// SampleType names the on-disk sample encoding, e.g. int16 or float32.
func (w *Waveform) SampleType() string {
	if w.Float {
		return fmt.Sprintf("float%d", w.BitDepth)
	}
	return fmt.Sprintf("int%d", w.BitDepth)
}

// Peak returns the largest absolute sample value and the channel holding it.
func (w *Waveform) Peak() (float64, int) {
	return peak(w.Channels)
}

// copyChannels returns a deep copy of the samples.
func (w *Waveform) copyChannels() [][]float64 {
	out := make([][]float64, len(w.Channels))
	for ch, data := range w.Channels {
		out[ch] = append([]float64(nil), data...)
	}
	return out
}

// LoadWAV decodes a WAV file holding 8, 16, 24 or 32-bit integer PCM or
// 32-bit IEEE float samples.
func LoadWAV(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Errorf(fault.NotFound, "audio.load", "audio file %s: %w", path, err)
		}
		return nil, fault.Errorf(fault.NotFound, "audio.load", "open %s: %w", path, err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		return nil, fault.Errorf(fault.NotFound, "audio.load", "%s is not a readable file", path)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fault.Errorf(fault.FormatError, "audio.load", "invalid WAV file: %s", path)
	}
	format := int(decoder.WavAudioFormat)
	if format == wavFormatExtensible {
		if format, err = extensibleSubFormat(f); err != nil {
			return nil, fault.Errorf(fault.FormatError, "audio.load", "%s: %w", path, err)
		}
	}
	bitDepth := int(decoder.BitDepth)
	switch {
	case format == wavFormatPCM && slices.Contains([]int{bitsPerSample8, bitsPerSample16, bitsPerSample24, bitsPerSample32}, bitDepth):
	case format == wavFormatFloat && bitDepth == bitsPerSample32:
	case format == wavFormatPCM || format == wavFormatFloat:
		return nil, fault.Errorf(fault.FormatError, "audio.load", "%s: unsupported bit depth %d", path, bitDepth)
	default:
		return nil, fault.Errorf(fault.FormatError, "audio.load", "%s: unsupported WAV format %d", path, format)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fault.Errorf(fault.FormatError, "audio.load", "decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fault.Errorf(fault.FormatError, "audio.load", "%s has no channels", path)
	}

	return &Waveform{
		Name:       filepath.Base(path),
		Path:       path,
		SampleRate: buf.Format.SampleRate,
		BitDepth:   bitDepth,
		Float:      format == wavFormatFloat,
		Channels:   deinterleave(buf.Data, buf.Format.NumChannels, sampleDecoder(format, bitDepth)),
	}, nil
}

// extensibleSubFormat reads the format tag out of the GUID that a
// WAVE_FORMAT_EXTENSIBLE fmt chunk carries at byte 24.
func extensibleSubFormat(r io.ReaderAt) (int, error) {
	var hdr [8]byte
	for off := int64(12); ; {
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return 0, fmt.Errorf("fmt chunk not found: %w", err)
		}
		size := int64(binary.LittleEndian.Uint32(hdr[4:]))
		if string(hdr[:4]) != "fmt " {
			off += 8 + size + size%2
			continue
		}
		if size < 40 {
			return 0, fmt.Errorf("extensible fmt chunk is %d bytes", size)
		}
		var tag [2]byte
		if _, err := r.ReadAt(tag[:], off+8+24); err != nil {
			return 0, fmt.Errorf("read sub format: %w", err)
		}
		return int(binary.LittleEndian.Uint16(tag[:])), nil
	}
}

// WriteWAV encodes w as integer PCM at the given bit depth. Samples outside
// [-1, 1] are clamped.
func WriteWAV(path string, w *Waveform, bitDepth int) (err error) {
	if w.ChannelCount() == 0 {
		return fmt.Errorf("write %s: waveform has no channels", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	enc := wav.NewEncoder(f, w.SampleRate, bitDepth, w.ChannelCount(), wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.ChannelCount(), SampleRate: w.SampleRate},
		Data:           interleave(w.Channels, bitDepth),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return enc.Close()
}

// Tone builds a sine waveform of the given peak amplitude on every channel.
func Tone(freqHz float64, dur time.Duration, sampleRate, channels int, amplitude float64) *Waveform {
	frames := int(dur.Seconds() * float64(sampleRate))
	data := make([]float64, frames)
	for i := range data {
		data[i] = amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}
	chans := make([][]float64, channels)
	for ch := range chans {
		chans[ch] = append([]float64(nil), data...)
	}
	return &Waveform{
		Name:       fmt.Sprintf("tone_%gHz", freqHz),
		SampleRate: sampleRate,
		BitDepth:   bitsPerSample16,
		Channels:   chans,
	}
}

// fullScale is the integer magnitude of 1.0 at a PCM bit depth.
func fullScale(bitDepth int) float64 {
	return float64(int64(1) << (bitDepth - 1))
}

// sampleDecoder maps one decoded word to a float in [-1, 1). Float words
// arrive as the raw IEEE bits and 8-bit PCM is unsigned.
func sampleDecoder(format, bitDepth int) func(int) float64 {
	if format == wavFormatFloat {
		return func(v int) float64 { return float64(math.Float32frombits(uint32(v))) }
	}
	inv := 1.0 / fullScale(bitDepth)
	if bitDepth == bitsPerSample8 {
		return func(v int) float64 { return float64(v-128) * inv }
	}
	return func(v int) float64 { return float64(v) * inv }
}

// deinterleave converts interleaved samples to planar floats.
func deinterleave(data []int, channels int, decode func(int) float64) [][]float64 {
	frames := len(data) / channels
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}
	for i := range frames {
		base := i * channels
		for ch := range channels {
			out[ch][i] = decode(data[base+ch])
		}
	}
	return out
}

// interleave converts planar floats to interleaved PCM words, clamping to
// the representable range. 8-bit output is offset to unsigned.
func interleave(channels [][]float64, bitDepth int) []int {
	if len(channels) == 0 {
		return nil
	}
	scale := fullScale(bitDepth)
	lo, hi := -scale, scale-1
	offset := 0
	if bitDepth == bitsPerSample8 {
		offset = 128
	}
	n := len(channels)
	frames := len(channels[0])
	out := make([]int, frames*n)
	for i := range frames {
		for ch := range n {
			v := math.Round(channels[ch][i] * scale)
			out[i*n+ch] = int(max(lo, min(hi, v))) + offset
		}
	}
	return out
}
