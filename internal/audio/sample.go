package audio

import "fmt"

// Clamp limits a sample to the closed range [-1, 1]. NaN maps to silence.
func Clamp(s float32) float32 {
	switch {
	case s != s:
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// ToPCM16 converts a normalized sample to signed 16-bit PCM.
// The scaled value is truncated toward zero.
func ToPCM16(s float32) int16 {
	return int16(Clamp(s) * 32767)
}

// FromPCM16 converts a signed 16-bit PCM sample back to [-1, 1]
func FromPCM16(v int16) float32 {
	return Clamp(float32(v) / 32767)
}

// PCM16ToFloat converts little-endian PCM-16 bytes to normalized samples
func PCM16ToFloat(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = FromPCM16(int16(data[2*i]) | int16(data[2*i+1])<<8)
	}
	return samples, nil
}
