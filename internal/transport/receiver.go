package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
)

// Subscriber is the part of mqtt.Client the relay receiver needs
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Deliverer forwards a received payload onward
type Deliverer interface {
	Deliver(ctx context.Context, p *delivery.Payload) (*delivery.Report, error)
}

// ReceiverStats represents companion relay statistics
type ReceiverStats struct {
	Received     uint64 `json:"received"`
	Delivered    uint64 `json:"delivered"`
	Queued       uint64 `json:"queued"`
	Failed       uint64 `json:"failed"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// RelayReceiver runs on the companion device. It accepts both relay forms
// and hands each payload to its own delivery router.
type RelayReceiver struct {
	config    RelayConfig
	deliverer Deliverer
	timeout   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats ReceiverStats
}

// NewRelayReceiver creates a receiver; deliverTimeout bounds each forward, 0 for none
func NewRelayReceiver(config RelayConfig, deliverer Deliverer, deliverTimeout time.Duration, logger *slog.Logger) *RelayReceiver {
	if config.AckTimeout <= 0 {
		config.AckTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RelayReceiver{
		config:    config,
		deliverer: deliverer,
		timeout:   deliverTimeout,
		logger:    logger.With("component", "relay_receiver"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers the receiver on both relay topics
func (r *RelayReceiver) Subscribe(client Subscriber) error {
	for _, suffix := range []string{TopicMessage, TopicFile} {
		topic := r.config.TopicPrefix + "/" + suffix

		token := client.Subscribe(topic, r.config.QoS, r.HandleMessage)
		if !token.WaitTimeout(r.config.AckTimeout) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		r.logger.Info("Subscribed to relay topic", slog.String("topic", topic))
	}

	return nil
}

// HandleMessage decodes one relayed payload and forwards it asynchronously
func (r *RelayReceiver) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	r.mu.Lock()
	r.stats.Received++
	r.mu.Unlock()

	var (
		meta map[string]string
		wav  []byte
		err  error
	)

	switch {
	case strings.HasSuffix(msg.Topic(), "/"+TopicMessage):
		meta, wav, err = DecodeInline(msg.Payload())
	case strings.HasSuffix(msg.Topic(), "/"+TopicFile):
		meta, wav, err = DecodeFileFrame(msg.Payload())
	default:
		err = fmt.Errorf("unexpected relay topic %s", msg.Topic())
	}

	var payload *delivery.Payload
	if err == nil {
		payload, err = payloadFromRelay(meta, wav)
	}

	if err != nil {
		r.mu.Lock()
		r.stats.DecodeErrors++
		r.mu.Unlock()

		r.logger.Error("Failed to decode relayed payload",
			slog.String("topic", msg.Topic()),
			slog.Int("size", len(msg.Payload())),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("Relayed payload received",
		slog.String("payload_id", payload.ID()),
		slog.String("topic", msg.Topic()),
		slog.Float64("duration", payload.Duration().Seconds()),
	)

	// Keep the MQTT dispatch goroutine free while uploading
	r.wg.Add(1)
	go r.forward(payload)
}

// Close cancels in-flight forwards and waits for them to finish
func (r *RelayReceiver) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every forward started so far has finished
func (r *RelayReceiver) Wait() {
	r.wg.Wait()
}

// GetStats returns receiver statistics
func (r *RelayReceiver) GetStats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *RelayReceiver) forward(p *delivery.Payload) {
	defer r.wg.Done()

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	report, err := r.deliverer.Deliver(ctx, p)

	r.mu.Lock()
	switch {
	case err != nil:
		r.stats.Failed++
	case report != nil && report.Status == delivery.StatusQueued:
		r.stats.Queued++
	default:
		r.stats.Delivered++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to forward relayed payload",
			slog.String("payload_id", p.ID()),
			slog.String("error", err.Error()),
		)
	}
}
