//go:build portaudio

package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/aha-capture-service/internal/capture"
)

var _ capture.Source = (*Microphone)(nil)

// Available reports whether this build can open the local microphone
const Available = true

// Microphone captures mono float32 audio from the default input device
type Microphone struct {
	sampleRate int
	chunkSize  int
	logger     *slog.Logger

	stream *portaudio.Stream
	chunks chan []float32

	mu       sync.Mutex
	err      error
	dropped  int
	stopOnce sync.Once
}

// NewMicrophone creates a microphone source; the device is opened by Start
func NewMicrophone(sampleRate, chunkSize int, logger *slog.Logger) (*Microphone, error) {
	if sampleRate <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("invalid microphone format: %d Hz, %d frames per buffer", sampleRate, chunkSize)
	}

	return &Microphone{
		sampleRate: sampleRate,
		chunkSize:  chunkSize,
		logger:     logger.With("component", "microphone"),
		chunks:     make(chan []float32, 64),
	}, nil
}

// Start opens and starts the default input stream
func (m *Microphone) Start() (<-chan []float32, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.chunkSize, m.callback)
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return nil, fmt.Errorf("portaudio open stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()        //nolint:errcheck
		portaudio.Terminate() //nolint:errcheck
		return nil, fmt.Errorf("portaudio start stream: %w", err)
	}
	m.stream = stream

	m.logger.Info("Microphone started",
		slog.Int("sample_rate", m.sampleRate),
		slog.Int("frames_per_buffer", m.chunkSize),
	)

	return m.chunks, nil
}

// callback runs on the audio thread: copy and hand off, never block
func (m *Microphone) callback(in []float32) {
	frame := make([]float32, len(in))
	copy(frame, in)

	select {
	case m.chunks <- frame:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// Stop stops the stream, releases the device and closes the chunk channel
func (m *Microphone) Stop() error {
	var stopErr error
	m.stopOnce.Do(func() {
		if m.stream != nil {
			if err := m.stream.Stop(); err != nil {
				stopErr = fmt.Errorf("portaudio stop stream: %w", err)
				m.mu.Lock()
				m.err = stopErr
				m.mu.Unlock()
			}
			if err := m.stream.Close(); err != nil {
				m.logger.Warn("Failed to close stream", slog.String("error", err.Error()))
			}
			portaudio.Terminate() //nolint:errcheck
		}
		close(m.chunks)

		m.mu.Lock()
		dropped := m.dropped
		m.mu.Unlock()
		m.logger.Info("Microphone stopped", slog.Int("dropped_buffers", dropped))
	})
	return stopErr
}

// Err returns the stream failure, if any
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// SampleRate returns the capture sample rate
func (m *Microphone) SampleRate() int {
	return m.sampleRate
}
