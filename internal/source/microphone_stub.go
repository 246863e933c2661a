//go:build !portaudio

package source

import (
	"errors"
	"log/slog"
)

// Available reports whether this build can open the local microphone
const Available = false

// ErrMicrophoneUnavailable is returned when the binary was built without portaudio
var ErrMicrophoneUnavailable = errors.New("microphone support not compiled in (build with -tags portaudio)")

// Microphone is unavailable in this build
type Microphone struct{}

// NewMicrophone always fails in builds without the portaudio tag
func NewMicrophone(sampleRate, chunkSize int, logger *slog.Logger) (*Microphone, error) {
	return nil, ErrMicrophoneUnavailable
}

func (m *Microphone) Start() (<-chan []float32, error) { return nil, ErrMicrophoneUnavailable }

func (m *Microphone) Stop() error { return nil }

func (m *Microphone) Err() error { return nil }

func (m *Microphone) SampleRate() int { return 0 }
