package delivery

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/aha-capture-service/internal/audio"
)

// Payload is an encoded capture ready for upload. It is immutable: accessors
// hand out copies or read-only views of the container bytes.
type Payload struct {
	id         string
	data       []byte
	sampleRate int
	duration   time.Duration
	createdAt  time.Time
}

// NewPayload wraps a WAV container produced by audio.EncodeWAV
func NewPayload(wav []byte, createdAt time.Time) (*Payload, error) {
	return RestorePayload(uuid.NewString(), wav, createdAt)
}

// RestorePayload rebuilds a payload with a known ID, for example after it was
// read back from persistent storage or received over a relay link. The
// container must be mono 16-bit PCM.
func RestorePayload(id string, wav []byte, createdAt time.Time) (*Payload, error) {
	if id == "" {
		return nil, fmt.Errorf("payload id cannot be empty")
	}

	// Channels and BitDepth report a fixed layout, so nothing else gets in
	if err := audio.ValidateWAV(wav); err != nil {
		return nil, fmt.Errorf("invalid payload container: %w", err)
	}

	info, err := audio.GetWAVInfo(wav)
	if err != nil {
		return nil, fmt.Errorf("invalid payload container: %w", err)
	}

	data := make([]byte, len(wav))
	copy(data, wav)

	return &Payload{
		id:         id,
		data:       data,
		sampleRate: int(info.SampleRate),
		duration:   time.Duration(info.Duration * float64(time.Second)),
		createdAt:  createdAt,
	}, nil
}

// ID returns the payload identifier
func (p *Payload) ID() string { return p.id }

// Bytes returns a copy of the WAV container
func (p *Payload) Bytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Reader returns a fresh reader over the WAV container
func (p *Payload) Reader() *bytes.Reader { return bytes.NewReader(p.data) }

// Size returns the container length in bytes
func (p *Payload) Size() int { return len(p.data) }

// SampleRate returns the sample rate declared in the container
func (p *Payload) SampleRate() int { return p.sampleRate }

// Channels is always 1
func (p *Payload) Channels() int { return audio.WAVChannels }

// BitDepth is always 16
func (p *Payload) BitDepth() int { return audio.WAVBitsPerSample }

// Duration returns the audio length
func (p *Payload) Duration() time.Duration { return p.duration }

// CreatedAt returns when the capture was encoded
func (p *Payload) CreatedAt() time.Time { return p.createdAt }

// Metadata describes the payload for transports that carry side information
func (p *Payload) Metadata() map[string]string {
	return map[string]string{
		"payload_id":  p.id,
		"type":        "audio_capture",
		"timestamp":   p.createdAt.UTC().Format(time.RFC3339),
		"sample_rate": strconv.Itoa(p.sampleRate),
		"channels":    strconv.Itoa(p.Channels()),
		"bit_depth":   strconv.Itoa(p.BitDepth()),
		"duration":    strconv.FormatFloat(p.duration.Seconds(), 'f', 3, 64),
	}
}
