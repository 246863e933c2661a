package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame format constants
const (
	// Packet types
	PacketTypeHello = 0x01
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Sample formats
	FormatPCM16LE = 0x01 // Mono, signed 16-bit little-endian

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	HelloPayloadSize       = 40 // 32 + 4 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	// Field sizes in hello payload
	DeviceNameSize = 32
	SampleRateSize = 4
	TimestampSize  = 4

	// MaxPacketSize is the largest frame the 16-bit length field can describe
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte frame header
// Layout: [PacketType:1][PacketLen:2][DeviceID:4][Format:1]
type Header struct {
	PacketType uint8  // 0x01=Hello, 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	DeviceID   uint32 // Sending device identifier
	Format     uint8  // 0x01=PCM16LE
}

// HelloPayload announces a stream before audio frames arrive
// Layout: [DeviceName:32][SampleRate:4][Timestamp:4]
type HelloPayload struct {
	DeviceName [DeviceNameSize]byte // Null-terminated string (32 bytes)
	SampleRate uint32               // Samples per second
	Timestamp  uint32               // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // PCM audio data (variable length)
}

// ParsedPacket represents a fully parsed frame
type ParsedPacket struct {
	Header *Header
	Hello  *HelloPayload // Only set for hello packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		DeviceID:   binary.BigEndian.Uint32(data[3:7]),
		Format:     data[7],
	}, nil
}

// ParseHelloPayload parses the 40-byte stream announcement
func ParseHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) < HelloPayloadSize {
		return nil, fmt.Errorf("hello payload too short: expected %d bytes, got %d",
			HelloPayloadSize, len(data))
	}

	payload := &HelloPayload{}
	copy(payload.DeviceName[:], data[0:DeviceNameSize])
	payload.SampleRate = binary.BigEndian.Uint32(data[DeviceNameSize : DeviceNameSize+SampleRateSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[DeviceNameSize+SampleRateSize : HelloPayloadSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete frame (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeHello:
		payload, err := ParseHelloPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hello payload: %w", err)
		}
		packet.Hello = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeEnd:
		// No payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidFormat(header.Format) {
		return fmt.Errorf("invalid format: 0x%02x", header.Format)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeHello:
		if payloadSize != HelloPayloadSize {
			return fmt.Errorf("hello packet payload size mismatch: expected %d, got %d",
				HelloPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio packet carries a partial sample: %d data bytes",
				payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return fmt.Errorf("end packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeHello || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// IsValidFormat checks if the sample format is supported
func IsValidFormat(format uint8) bool {
	return format == FormatPCM16LE
}

// EncodeHelloPacket builds a stream announcement frame
func EncodeHelloPacket(deviceID uint32, deviceName string, sampleRate, timestamp uint32) []byte {
	data := make([]byte, HeaderSize+HelloPayloadSize)
	putHeader(data, PacketTypeHello, deviceID)

	payload := data[HeaderSize:]
	copy(payload[:DeviceNameSize-1], deviceName)
	binary.BigEndian.PutUint32(payload[DeviceNameSize:], sampleRate)
	binary.BigEndian.PutUint32(payload[DeviceNameSize+SampleRateSize:], timestamp)

	return data
}

// EncodeAudioPacket builds an audio frame carrying PCM16LE bytes
func EncodeAudioPacket(deviceID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio frame too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	data := make([]byte, size)
	putHeader(data, PacketTypeAudio, deviceID)
	binary.BigEndian.PutUint32(data[HeaderSize:], sequence)
	copy(data[HeaderSize+AudioPayloadHeaderSize:], pcm)

	return data, nil
}

// EncodeEndPacket builds the frame that marks a clean end of stream
func EncodeEndPacket(deviceID uint32) []byte {
	data := make([]byte, HeaderSize)
	putHeader(data, PacketTypeEnd, deviceID)
	return data
}

func putHeader(data []byte, packetType uint8, deviceID uint32) {
	data[0] = packetType
	binary.BigEndian.PutUint16(data[1:3], uint16(len(data)))
	binary.BigEndian.PutUint32(data[3:7], deviceID)
	data[7] = FormatPCM16LE
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetDeviceName extracts the device name as a string
func (h *HelloPayload) GetDeviceName() string {
	return ExtractString(h.DeviceName[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeHello:
		packetType = "Hello"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, DeviceID:%d, Format:0x%02x}",
		packetType, h.PacketLen, h.DeviceID, h.Format)
}

// String returns a human-readable representation of the hello payload
func (h *HelloPayload) String() string {
	return fmt.Sprintf("HelloPayload{DeviceName:%q, SampleRate:%d, Timestamp:%d}",
		h.GetDeviceName(), h.SampleRate, h.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
