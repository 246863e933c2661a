package vad

import (
	"fmt"
	"math"
	"time"
)

// Config contains voice activity estimation parameters
type Config struct {
	WindowSize         time.Duration // energy window length
	Threshold          float64       // smoothed RMS (full scale 1.0) counted as voice
	Smoothing          float64       // weight of the newest window, 0..1
	MinSpeechDuration  time.Duration // shorter voiced spans are ignored
	MinSilenceDuration time.Duration // shorter gaps do not split a span
}

// DefaultConfig returns settings tuned for speech at normal distance
func DefaultConfig() Config {
	return Config{
		WindowSize:         32 * time.Millisecond,
		Threshold:          0.02,
		Smoothing:          0.3,
		MinSpeechDuration:  250 * time.Millisecond,
		MinSilenceDuration: 300 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %s", c.WindowSize)
	}

	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}

	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", c.Smoothing)
	}

	if c.MinSpeechDuration < 0 || c.MinSilenceDuration < 0 {
		return fmt.Errorf("minimum durations cannot be negative")
	}

	return nil
}

// Segment is a span of likely speech, as offsets from the capture start
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Duration returns the segment length
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Summary describes the voice activity of one capture
type Summary struct {
	Peak          float64       `json:"peak"`
	RMS           float64       `json:"rms"`
	TotalWindows  int           `json:"total_windows"`
	VoiceWindows  int           `json:"voice_windows"`
	VoiceRatio    float64       `json:"voice_ratio"`
	VoiceDuration time.Duration `json:"voice_duration"`
	Segments      []Segment     `json:"segments,omitempty"`
}

// Silent reports whether no speech span was found
func (s *Summary) Silent() bool {
	return len(s.Segments) == 0
}

// Analyzer estimates voice activity with an energy detector
type Analyzer struct {
	config Config
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{config: cfg}, nil
}

// Analyze scans samples in consecutive windows. A trailing partial window
// is classified when it holds at least half a window of samples. Peak and
// RMS always cover every sample.
func (a *Analyzer) Analyze(samples []float32, sampleRate int) (*Summary, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	windowSamples := int(a.config.WindowSize.Seconds() * float64(sampleRate))
	if windowSamples < 1 {
		windowSamples = 1
	}
	windowDur := time.Duration(float64(windowSamples) / float64(sampleRate) * float64(time.Second))

	summary := &Summary{}

	var (
		sumSquares float64
		smoothed   float64
		voiced     []bool
	)

	for start := 0; start < len(samples); start += windowSamples {
		end := min(start+windowSamples, len(samples))

		var energy float64
		for _, s := range samples[start:end] {
			v := float64(s)
			energy += v * v
			if abs := math.Abs(v); abs > summary.Peak {
				summary.Peak = abs
			}
		}
		sumSquares += energy

		// A short tail still counts toward the levels but is not classified
		if end-start < windowSamples/2 && start > 0 {
			break
		}

		rms := math.Sqrt(energy / float64(end-start))
		if len(voiced) == 0 {
			smoothed = rms
		} else {
			smoothed = a.config.Smoothing*rms + (1-a.config.Smoothing)*smoothed
		}

		hasVoice := smoothed >= a.config.Threshold
		voiced = append(voiced, hasVoice)
		if hasVoice {
			summary.VoiceWindows++
		}
	}

	summary.TotalWindows = len(voiced)
	if len(samples) > 0 {
		summary.RMS = math.Sqrt(sumSquares / float64(len(samples)))
	}
	if summary.TotalWindows > 0 {
		summary.VoiceRatio = float64(summary.VoiceWindows) / float64(summary.TotalWindows)
	}

	summary.Segments = a.segments(voiced, windowDur)
	for _, seg := range summary.Segments {
		summary.VoiceDuration += seg.Duration()
	}

	return summary, nil
}

// segments merges voiced windows into spans, bridging short gaps and
// dropping short bursts
func (a *Analyzer) segments(voiced []bool, windowDur time.Duration) []Segment {
	var (
		out     []Segment
		current *Segment
		gap     time.Duration
	)

	closeSpan := func() {
		if current != nil && current.Duration() >= a.config.MinSpeechDuration {
			out = append(out, *current)
		}
		current = nil
		gap = 0
	}

	for i, v := range voiced {
		at := time.Duration(i) * windowDur

		switch {
		case v && current == nil:
			current = &Segment{Start: at, End: at + windowDur}
		case v:
			current.End = at + windowDur
			gap = 0
		case current != nil:
			gap += windowDur
			if gap >= a.config.MinSilenceDuration {
				closeSpan()
			}
		}
	}
	closeSpan()

	return out
}
