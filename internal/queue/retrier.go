package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
)

// Router is the part of delivery.Router the retrier needs
type Router interface {
	Route(ctx context.Context, p *delivery.Payload) *delivery.Report
}

// RetryPolicy bounds how long a payload may stay queued
type RetryPolicy struct {
	Interval    time.Duration // time between passes
	MaxAttempts int           // 0 means unlimited
	MaxAge      time.Duration // 0 means unlimited
}

// PassResult summarizes one retry pass
type PassResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Expired   int `json:"expired"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}

// RetrierStats represents cumulative retry statistics
type RetrierStats struct {
	Passes     uint64     `json:"passes"`
	Delivered  uint64     `json:"delivered"`
	Expired    uint64     `json:"expired"`
	Rejected   uint64     `json:"rejected"`
	LastPass   time.Time  `json:"last_pass,omitempty"`
	LastResult PassResult `json:"last_result"`
}

// Retrier periodically re-routes queued payloads. It runs a pass on start,
// every Interval, and whenever Trigger is called.
type Retrier struct {
	queue   *Queue
	router  Router
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// OnPermanentFailure is called for every payload dropped from the queue,
	// with an error wrapping delivery.ErrQueueExpired or delivery.ErrFatalDelivery.
	OnPermanentFailure func(e Entry, err error)

	trigger chan struct{}
	passMu  sync.Mutex

	statsMu sync.Mutex
	stats   RetrierStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetrier creates a retrier for q using router
func NewRetrier(q *Queue, router Router, policy RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *Retrier {
	if policy.Interval <= 0 {
		policy.Interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Retrier{
		queue:   q,
		router:  router,
		policy:  policy,
		logger:  logger.With("component", "retrier"),
		metrics: m,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the retry loop
func (r *Retrier) Start() {
	r.wg.Add(1)
	go r.loop()

	r.logger.Info("Queue retrier started",
		slog.Duration("interval", r.policy.Interval),
		slog.Int("max_attempts", r.policy.MaxAttempts),
		slog.Duration("max_age", r.policy.MaxAge),
	)
}

// Stop ends the retry loop and waits for an in-flight pass to finish
func (r *Retrier) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Queue retrier stopped")
}

// Trigger requests a pass as soon as possible without blocking
func (r *Retrier) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
		// A pass is already pending
	}
}

func (r *Retrier) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()

	r.RunOnce(r.ctx)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		r.RunOnce(r.ctx)
	}
}

// RunOnce performs a single pass over the queue, oldest entry first.
// A pass stops early when no channel is available or ctx is done.
func (r *Retrier) RunOnce(ctx context.Context) PassResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var result PassResult

	for _, entry := range r.queue.Pending() {
		if ctx.Err() != nil {
			break
		}

		id := entry.Payload.ID()

		if err := r.expired(entry); err != nil {
			r.drop(entry, err)
			result.Expired++
			continue
		}

		report := r.router.Route(ctx, entry.Payload)

		switch {
		case report.Delivered():
			if err := r.queue.Remove(id); err != nil {
				r.logger.Error("Failed to remove delivered payload",
					slog.String("payload_id", id),
					slog.String("error", err.Error()),
				)
			}
			result.Delivered++
			continue

		case report.Fatal():
			r.drop(entry, fmt.Errorf("payload %s rejected on retry: %w", id, report.Err))
			result.Rejected++
			continue
		}

		if len(report.Attempts) == 0 {
			// Nothing reachable; later entries would fare no better
			r.logger.Debug("No channel available, ending retry pass",
				slog.String("payload_id", id),
			)
			break
		}

		if err := r.queue.RecordAttempt(id, report.Err); err != nil {
			r.logger.Error("Failed to record retry attempt",
				slog.String("payload_id", id),
				slog.String("error", err.Error()),
			)
		}
		result.Retried++
	}

	result.Remaining = r.queue.Len()
	r.metrics.RecordRetryPass(result.Delivered)

	r.statsMu.Lock()
	r.stats.Passes++
	r.stats.Delivered += uint64(result.Delivered)
	r.stats.Expired += uint64(result.Expired)
	r.stats.Rejected += uint64(result.Rejected)
	r.stats.LastPass = r.now()
	r.stats.LastResult = result
	r.statsMu.Unlock()

	if result.Delivered+result.Retried+result.Expired+result.Rejected > 0 {
		r.logger.Info("Retry pass finished",
			slog.Int("delivered", result.Delivered),
			slog.Int("retried", result.Retried),
			slog.Int("expired", result.Expired),
			slog.Int("rejected", result.Rejected),
			slog.Int("remaining", result.Remaining),
		)
	}

	return result
}

// GetStats returns retry statistics
func (r *Retrier) GetStats() RetrierStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// expired returns a non-nil error when the entry has exhausted its budget
func (r *Retrier) expired(e Entry) error {
	if r.policy.MaxAttempts > 0 && e.Attempts >= r.policy.MaxAttempts {
		return fmt.Errorf("payload %s after %d attempts: %w", e.Payload.ID(), e.Attempts, delivery.ErrQueueExpired)
	}

	if r.policy.MaxAge > 0 {
		if age := r.now().Sub(e.QueuedAt); age > r.policy.MaxAge {
			return fmt.Errorf("payload %s queued for %s: %w", e.Payload.ID(), age.Round(time.Second), delivery.ErrQueueExpired)
		}
	}

	return nil
}

func (r *Retrier) drop(e Entry, cause error) {
	if err := r.queue.Remove(e.Payload.ID()); err != nil {
		r.logger.Error("Failed to remove payload from queue",
			slog.String("payload_id", e.Payload.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.RecordExpired()
	r.metrics.RecordDeliveryOutcome(string(delivery.StatusFailed))

	r.logger.Error("Payload permanently failed",
		slog.String("payload_id", e.Payload.ID()),
		slog.Int("attempts", e.Attempts),
		slog.String("last_error", e.LastError),
		slog.String("error", cause.Error()),
	)

	if r.OnPermanentFailure != nil {
		r.OnPermanentFailure(e, cause)
	}
}
