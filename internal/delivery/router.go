package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/metrics"
)

// statusPending is the Route result when every channel was skipped or failed
// retriably. Deliver turns it into StatusQueued.
const statusPending Status = "pending"

// Enqueuer persists payloads that could not be delivered. Enqueue must be
// idempotent by payload ID and report whether the payload was newly added.
type Enqueuer interface {
	Enqueue(p *Payload, cause error) (bool, error)
}

// RouterConfig contains router parameters
type RouterConfig struct {
	SendTimeout time.Duration // per-channel send bound
	HistorySize int           // payloads whose attempts are retained
}

// ChannelStatus describes a configured channel for monitoring
type ChannelStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// RouterStats represents cumulative routing statistics
type RouterStats struct {
	Routed    uint64 `json:"routed"`
	Delivered uint64 `json:"delivered"`
	Queued    uint64 `json:"queued"`
	Failed    uint64 `json:"failed"`
}

// Router tries channels in configured order until one accepts the payload
type Router struct {
	channels []Channel
	queue    Enqueuer
	config   RouterConfig
	history  *History
	logger   *slog.Logger
	metrics  *metrics.Metrics

	stats   RouterStats
	statsMu sync.Mutex
}

// NewRouter creates a router over channels, most preferred first. q may be
// nil, in which case undeliverable payloads fail instead of being queued.
func NewRouter(cfg RouterConfig, channels []Channel, q Enqueuer, logger *slog.Logger, m *metrics.Metrics) *Router {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	r := &Router{
		channels: append([]Channel(nil), channels...),
		queue:    q,
		config:   cfg,
		history:  NewHistory(cfg.HistorySize),
		logger:   logger.With("component", "router"),
		metrics:  m,
	}
	return r
}

// Route tries each available channel once, in order. It stops at the first
// success or fatal failure. Unavailable channels are skipped without an
// attempt record. Route never queues.
func (r *Router) Route(ctx context.Context, p *Payload) *Report {
	report := &Report{
		PayloadID: p.ID(),
		Status:    statusPending,
	}

	var lastErr error

	for _, ch := range r.channels {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		if !ch.Available() {
			r.logger.Debug("Skipping unavailable channel",
				slog.String("payload_id", p.ID()),
				slog.String("channel", ch.Name()),
			)
			continue
		}

		body, attempt, err := r.send(ctx, ch, p)
		report.Attempts = append(report.Attempts, attempt)

		switch attempt.Outcome {
		case OutcomeSuccess:
			report.Status = StatusDelivered
			report.Channel = ch.Name()
			report.Response = body
			report.Err = nil

			r.logger.Info("Payload delivered",
				slog.String("payload_id", p.ID()),
				slog.String("channel", ch.Name()),
				slog.Int("attempts", len(report.Attempts)),
				slog.Duration("duration", attempt.Duration),
			)
			return report

		case OutcomeFatal:
			report.Status = StatusFailed
			report.Err = err

			r.logger.Error("Fatal delivery failure",
				slog.String("payload_id", p.ID()),
				slog.String("channel", ch.Name()),
				slog.String("error", err.Error()),
			)
			return report
		}

		lastErr = err
		r.logger.Warn("Channel send failed, trying next channel",
			slog.String("payload_id", p.ID()),
			slog.String("channel", ch.Name()),
			slog.String("error", err.Error()),
		)
	}

	switch {
	case len(report.Attempts) == 0 && lastErr == nil:
		report.Err = ErrTransportUnavailable
	case lastErr != nil && !errors.Is(lastErr, ErrRetriableDelivery):
		report.Err = Retriable(lastErr)
	default:
		report.Err = lastErr
	}

	return report
}

// Deliver routes the payload and queues it when no channel accepted it.
// A fatal failure is returned as an error wrapping ErrFatalDelivery.
func (r *Router) Deliver(ctx context.Context, p *Payload) (*Report, error) {
	report := r.Route(ctx, p)
	r.recordRouted()

	switch report.Status {
	case StatusDelivered:
		r.recordOutcome(StatusDelivered)
		return report, nil

	case StatusFailed:
		r.recordOutcome(StatusFailed)
		return report, fmt.Errorf("payload %s rejected: %w", p.ID(), report.Err)
	}

	if r.queue == nil {
		report.Status = StatusFailed
		r.recordOutcome(StatusFailed)
		return report, fmt.Errorf("payload %s undeliverable and no queue configured: %w", p.ID(), report.Err)
	}

	added, err := r.queue.Enqueue(p, report.Err)
	if err != nil {
		report.Status = StatusFailed
		report.Err = err
		r.recordOutcome(StatusFailed)

		r.logger.Error("Failed to queue undeliverable payload",
			slog.String("payload_id", p.ID()),
			slog.String("error", err.Error()),
		)
		return report, fmt.Errorf("failed to queue payload %s: %w", p.ID(), err)
	}

	report.Status = StatusQueued
	r.recordOutcome(StatusQueued)

	if added {
		r.logger.Info("Payload queued for retry",
			slog.String("payload_id", p.ID()),
			slog.Int("attempts", len(report.Attempts)),
			slog.String("reason", report.Err.Error()),
		)
	} else {
		r.logger.Debug("Payload already queued",
			slog.String("payload_id", p.ID()),
		)
	}

	return report, nil
}

// Attempts returns the recorded attempts for a payload, oldest first
func (r *Router) Attempts(payloadID string) []Attempt {
	return r.history.Get(payloadID)
}

// Channels reports the configured channels and their current availability
func (r *Router) Channels() []ChannelStatus {
	out := make([]ChannelStatus, len(r.channels))
	for i, ch := range r.channels {
		out[i] = ChannelStatus{Name: ch.Name(), Available: ch.Available()}
	}
	return out
}

// GetStats returns cumulative routing statistics
func (r *Router) GetStats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Router) send(ctx context.Context, ch Channel, p *Payload) ([]byte, Attempt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.config.SendTimeout)
	defer cancel()

	start := time.Now()
	body, err := ch.Send(sendCtx, p)

	attempt := Attempt{
		Channel:   ch.Name(),
		StartedAt: start,
		Duration:  time.Since(start),
		Outcome:   Classify(err),
	}
	if err != nil {
		attempt.Error = err.Error()
	}

	r.history.Add(p.ID(), attempt)
	r.metrics.RecordDeliveryAttempt(ch.Name(), string(attempt.Outcome), attempt.Duration.Seconds())

	return body, attempt, err
}

func (r *Router) recordRouted() {
	r.statsMu.Lock()
	r.stats.Routed++
	r.statsMu.Unlock()
}

func (r *Router) recordOutcome(status Status) {
	r.statsMu.Lock()
	switch status {
	case StatusDelivered:
		r.stats.Delivered++
	case StatusQueued:
		r.stats.Queued++
	case StatusFailed:
		r.stats.Failed++
	}
	r.statsMu.Unlock()

	r.metrics.RecordDeliveryOutcome(string(status))
}
