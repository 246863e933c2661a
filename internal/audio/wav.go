package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header
	WAVHeaderSize = 44

	// WAVChannels and WAVBitsPerSample describe the only layout produced here
	WAVChannels      = 1
	WAVBitsPerSample = 16
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// newWAVHeader builds the mono 16-bit PCM header for numSamples samples
func newWAVHeader(numSamples int, sampleRate int) WAVHeader {
	dataSize := uint32(numSamples * 2)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   WAVChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * WAVChannels * WAVBitsPerSample / 8,
		BlockAlign:    WAVChannels * WAVBitsPerSample / 8,
		BitsPerSample: WAVBitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV encodes normalized samples into a mono 16-bit PCM WAV container.
// Each sample is clamped to [-1, 1], scaled by 32767 and truncated toward zero.
// An empty sample slice yields a valid 44-byte container with no data.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = ToPCM16(s)
	}
	return EncodePCM16(pcm, sampleRate)
}

// EncodePCM16 encodes already quantized PCM-16 samples into WAV format
func EncodePCM16(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(len(samples), sampleRate)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// readHeader parses the fixed header and checks the chunk markers
func readHeader(data []byte) (*WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if err := validateHeader(&header); err != nil {
		return nil, err
	}
	return &header, nil
}

// DecodeWAV decodes a mono 16-bit PCM container back to samples and its sample rate
func DecodeWAV(data []byte) ([]int16, int, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if err := checkLayout(header, len(data)); err != nil {
		return nil, 0, err
	}

	body := data[WAVHeaderSize:]
	samples := make([]int16, header.Subchunk2Size/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(body[2*i:]))
	}

	return samples, int(header.SampleRate), nil
}

// checkLayout accepts only mono 16-bit PCM with a complete data chunk
func checkLayout(header *WAVHeader, size int) error {
	switch {
	case header.AudioFormat != 1:
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	case header.BitsPerSample != WAVBitsPerSample:
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	case header.NumChannels != WAVChannels:
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	case header.SampleRate == 0:
		return fmt.Errorf("invalid sample rate: 0")
	}

	if int64(header.Subchunk2Size) > int64(size-WAVHeaderSize) {
		return fmt.Errorf("truncated WAV data: header declares %d bytes, have %d",
			header.Subchunk2Size, size-WAVHeaderSize)
	}
	return nil
}

func validateHeader(header *WAVHeader) error {
	if string(header.ChunkID[:]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(header.Format[:]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(header.Subchunk1ID[:]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(header.Subchunk2ID[:]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// ValidateWAV checks that data is a complete mono 16-bit PCM container,
// the only layout a payload may carry, without decoding the samples
func ValidateWAV(data []byte) error {
	header, err := readHeader(data)
	if err != nil {
		return err
	}
	return checkLayout(header, len(data))
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file of any PCM layout
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if header.BitsPerSample == 0 || header.BitsPerSample%8 != 0 || header.NumChannels == 0 {
		return nil, fmt.Errorf("invalid sample layout: %d channels, %d bits", header.NumChannels, header.BitsPerSample)
	}

	frameSize := uint32(header.NumChannels) * uint32(header.BitsPerSample) / 8
	numSamples := header.Subchunk2Size / frameSize

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
