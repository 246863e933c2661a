package source

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/capture"
)

var _ capture.Source = (*Synthetic)(nil)

// SyntheticConfig configures the tone generator
type SyntheticConfig struct {
	SampleRate int
	ChunkSize  int           // samples per chunk
	Frequency  float64       // Hz
	Amplitude  float64       // peak, 0 selects 0.5
	Duration   time.Duration // end cleanly after this much audio, 0 runs until Stop
	Realtime   bool          // pace chunks at the audio rate
}

// Synthetic generates a continuous sine tone. It stands in for a microphone
// on development machines and in tests.
type Synthetic struct {
	config SyntheticConfig
	chunks chan []float32

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	emitted int
	dropped int
}

// NewSynthetic creates a tone generator
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.5
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Synthetic{
		config: cfg,
		chunks: make(chan []float32, 16),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins generating chunks
func (s *Synthetic) Start() (<-chan []float32, error) {
	s.wg.Add(1)
	go s.generate()
	return s.chunks, nil
}

// Stop halts generation and waits for the generator to exit
func (s *Synthetic) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// Err always returns nil; the generator cannot fail
func (s *Synthetic) Err() error {
	return nil
}

// SampleRate returns the generated sample rate
func (s *Synthetic) SampleRate() int {
	return s.config.SampleRate
}

// Emitted returns how many samples were handed off and how many were dropped
func (s *Synthetic) Emitted() (samples, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted, s.dropped
}

func (s *Synthetic) generate() {
	defer s.wg.Done()
	defer close(s.chunks)

	total := -1
	if s.config.Duration > 0 {
		total = int(s.config.Duration.Seconds() * float64(s.config.SampleRate))
	}

	var tick <-chan time.Time
	if s.config.Realtime {
		interval := time.Duration(s.config.ChunkSize) * time.Second / time.Duration(s.config.SampleRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	position := 0
	for total < 0 || position < total {
		if tick != nil {
			select {
			case <-s.ctx.Done():
				return
			case <-tick:
			}
		}

		n := s.config.ChunkSize
		if total >= 0 && position+n > total {
			n = total - position
		}
		chunk := s.tone(position, n)
		position += n

		if tick != nil {
			// Paced like a device callback: never wait on the consumer
			select {
			case s.chunks <- chunk:
				s.record(n, 0)
			default:
				s.record(0, n)
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case s.chunks <- chunk:
			s.record(n, 0)
		}
	}
}

func (s *Synthetic) tone(start, n int) []float32 {
	chunk := make([]float32, n)
	step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)
	for i := range chunk {
		chunk[i] = float32(s.config.Amplitude * math.Sin(step*float64(start+i)))
	}
	return chunk
}

func (s *Synthetic) record(emitted, dropped int) {
	s.mu.Lock()
	s.emitted += emitted
	s.dropped += dropped
	s.mu.Unlock()
}
