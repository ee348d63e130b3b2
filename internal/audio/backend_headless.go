//go:build headless

package audio

import "errors"

var errHeadless = errors.New("audio output is not available in headless builds")

// NewPortAudioBackend is unavailable in headless builds.
func NewPortAudioBackend() (Backend, error) { return nil, errHeadless }

// NewOtoBackend returns a null backend in headless builds.
func NewOtoBackend() Backend { return NewNullBackend() }
