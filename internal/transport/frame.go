package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
)

// Relay topic suffixes under the configured prefix
const (
	TopicMessage = "message"
	TopicFile    = "file"
)

// frameMetaLenSize is the length prefix of a file frame
const frameMetaLenSize = 4

// InlineMessage is the small-payload relay form: metadata plus the WAV bytes,
// which encoding/json carries as base64
type InlineMessage struct {
	Metadata  map[string]string `json:"metadata"`
	AudioData []byte            `json:"audio_data"`
}

// EncodeInline builds the inline relay message for p
func EncodeInline(p *delivery.Payload) ([]byte, error) {
	data, err := json.Marshal(InlineMessage{Metadata: p.Metadata(), AudioData: p.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inline message: %w", err)
	}
	return data, nil
}

// DecodeInline parses an inline relay message
func DecodeInline(data []byte) (map[string]string, []byte, error) {
	var msg InlineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse inline message: %w", err)
	}
	if len(msg.AudioData) == 0 {
		return nil, nil, fmt.Errorf("inline message has no audio_data")
	}
	return msg.Metadata, msg.AudioData, nil
}

// EncodeFileFrame builds the file transfer form:
// [MetaLen:4 BE][Meta JSON][WAV bytes]
func EncodeFileFrame(p *delivery.Payload) ([]byte, error) {
	meta, err := json.Marshal(p.Metadata())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file metadata: %w", err)
	}

	frame := make([]byte, frameMetaLenSize+len(meta)+p.Size())
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(meta)))
	copy(frame[frameMetaLenSize:], meta)
	copy(frame[frameMetaLenSize+len(meta):], p.Bytes())

	return frame, nil
}

// DecodeFileFrame splits a file transfer frame into metadata and WAV bytes
func DecodeFileFrame(data []byte) (map[string]string, []byte, error) {
	if len(data) < frameMetaLenSize {
		return nil, nil, fmt.Errorf("file frame too short: %d bytes", len(data))
	}

	metaLen := int(binary.BigEndian.Uint32(data[0:4]))
	if metaLen > len(data)-frameMetaLenSize {
		return nil, nil, fmt.Errorf("file frame metadata length %d exceeds frame size %d", metaLen, len(data))
	}

	var meta map[string]string
	if err := json.Unmarshal(data[frameMetaLenSize:frameMetaLenSize+metaLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to parse file metadata: %w", err)
	}

	wav := data[frameMetaLenSize+metaLen:]
	if len(wav) == 0 {
		return nil, nil, fmt.Errorf("file frame has no audio data")
	}

	return meta, wav, nil
}

// payloadFromRelay rebuilds a payload, keeping the sender's ID and timestamp
// so retries stay idempotent end to end
func payloadFromRelay(meta map[string]string, wav []byte) (*delivery.Payload, error) {
	createdAt := time.Now()
	if ts, ok := meta["timestamp"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			createdAt = parsed
		}
	}

	id := meta["payload_id"]
	if id == "" {
		return delivery.NewPayload(wav, createdAt)
	}
	return delivery.RestorePayload(id, wav, createdAt)
}
