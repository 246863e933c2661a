package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
)

// ChannelNameRelay is the route name of the companion relay channel
const ChannelNameRelay = "relay"

var _ delivery.Channel = (*RelayChannel)(nil)

// Publisher is the part of mqtt.Client the relay channel needs
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// RelayConfig contains relay publishing parameters
type RelayConfig struct {
	TopicPrefix    string
	QoS            byte
	InlineMaxBytes int // payloads up to this size travel as inline messages
	AckTimeout     time.Duration
}

// RelayStats represents relay publishing statistics
type RelayStats struct {
	Published uint64 `json:"published"`
	Inline    uint64 `json:"inline"`
	Files     uint64 `json:"files"`
	Failures  uint64 `json:"failures"`
	Connected bool   `json:"connected"`
}

// relayAck is the response body reported for a relayed payload
type relayAck struct {
	Status    string `json:"status"`
	PayloadID string `json:"payload_id"`
	Topic     string `json:"topic"`
}

// RelayChannel hands payloads to the companion device through an MQTT broker.
// Broker acknowledgement of the publish counts as success.
type RelayChannel struct {
	client Publisher
	config RelayConfig
	logger *slog.Logger

	mu    sync.Mutex
	stats RelayStats
}

// NewRelayChannel creates a relay channel publishing through client
func NewRelayChannel(client Publisher, config RelayConfig, logger *slog.Logger) *RelayChannel {
	if config.AckTimeout <= 0 {
		config.AckTimeout = 10 * time.Second
	}

	return &RelayChannel{
		client: client,
		config: config,
		logger: logger.With("component", "relay_channel"),
	}
}

// Name returns the route name
func (r *RelayChannel) Name() string {
	return ChannelNameRelay
}

// Available reports whether the broker connection is up
func (r *RelayChannel) Available() bool {
	return r.client.IsConnected()
}

// Send publishes the payload and waits for the broker acknowledgement
func (r *RelayChannel) Send(ctx context.Context, p *delivery.Payload) ([]byte, error) {
	topic, data, inline, err := r.encode(p)
	if err != nil {
		r.recordFailure()
		return nil, delivery.Fatal(err)
	}

	token := r.client.Publish(topic, r.config.QoS, false, data)

	timer := time.NewTimer(r.config.AckTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			r.recordFailure()
			return nil, delivery.Retriable(fmt.Errorf("publish to %s failed: %w", topic, err))
		}
	case <-timer.C:
		r.recordFailure()
		return nil, delivery.Retriable(errors.New("timed out waiting for broker acknowledgement"))
	case <-ctx.Done():
		r.recordFailure()
		return nil, delivery.Retriable(ctx.Err())
	}

	r.mu.Lock()
	r.stats.Published++
	if inline {
		r.stats.Inline++
	} else {
		r.stats.Files++
	}
	r.mu.Unlock()

	r.logger.Debug("Payload relayed",
		slog.String("payload_id", p.ID()),
		slog.String("topic", topic),
		slog.Int("size", len(data)),
	)

	ack, _ := json.Marshal(relayAck{Status: "relayed", PayloadID: p.ID(), Topic: topic})
	return ack, nil
}

// GetStats returns relay statistics
func (r *RelayChannel) GetStats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.Connected = r.client.IsConnected()
	return stats
}

// encode picks the inline or file form by payload size
func (r *RelayChannel) encode(p *delivery.Payload) (string, []byte, bool, error) {
	if p.Size() <= r.config.InlineMaxBytes {
		data, err := EncodeInline(p)
		return r.topic(TopicMessage), data, true, err
	}

	data, err := EncodeFileFrame(p)
	return r.topic(TopicFile), data, false, err
}

func (r *RelayChannel) topic(suffix string) string {
	return r.config.TopicPrefix + "/" + suffix
}

func (r *RelayChannel) recordFailure() {
	r.mu.Lock()
	r.stats.Failures++
	r.mu.Unlock()
}
