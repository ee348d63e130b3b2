package audio

import "fmt"

// NewBackend builds the named output backend. nullOutputs sizes the single
// device of the null backend.
func NewBackend(name string, nullOutputs int) (Backend, error) {
	switch name {
	case "", "portaudio":
		b, err := NewPortAudioBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	case "oto":
		return NewOtoBackend(), nil
	case "null":
		return NewNullBackend(DeviceInfo{ID: 0, Name: "null", Outputs: nullOutputs, DefaultSampleRate: 48000}), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}
