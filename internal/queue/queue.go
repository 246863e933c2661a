package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
)

// Entry is a queued payload and its retry bookkeeping
type Entry struct {
	Payload     *delivery.Payload
	QueuedAt    time.Time
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// EntryInfo describes an entry for monitoring
type EntryInfo struct {
	PayloadID   string    `json:"payload_id"`
	SizeBytes   int       `json:"size_bytes"`
	Duration    float64   `json:"duration_seconds"`
	CreatedAt   time.Time `json:"created_at"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Queue is the durable pending upload queue. Every mutation is written
// through to the Store before the in-memory view changes.
type Queue struct {
	store   Store
	entries []*Entry
	index   map[string]*Entry
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Open restores the queue from store. Records whose container no longer
// decodes are logged and discarded.
func Open(store Store, logger *slog.Logger, m *metrics.Metrics) (*Queue, error) {
	records, err := store.Load()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		store:   store,
		index:   make(map[string]*Entry),
		logger:  logger.With("component", "queue"),
		metrics: m,
		now:     time.Now,
	}

	for _, r := range records {
		p, err := delivery.RestorePayload(r.ID, r.Data, r.CreatedAt)
		if err != nil {
			q.logger.Error("Discarding unreadable queued payload",
				slog.String("payload_id", r.ID),
				slog.String("error", err.Error()),
			)
			m.RecordExpired()
			if err := store.Delete(r.ID); err != nil {
				return nil, err
			}
			continue
		}

		entry := &Entry{
			Payload:     p,
			QueuedAt:    r.QueuedAt,
			Attempts:    r.Attempts,
			LastAttempt: r.LastAttempt,
			LastError:   r.LastError,
		}
		q.entries = append(q.entries, entry)
		q.index[r.ID] = entry
	}

	m.SetQueueDepth(len(q.entries))

	if len(q.entries) > 0 {
		q.logger.Info("Restored pending uploads", slog.Int("count", len(q.entries)))
	}

	return q, nil
}

// Enqueue adds a payload. Adding a payload that is already queued is a no-op
// and reports false.
func (q *Queue) Enqueue(p *delivery.Payload, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[p.ID()]; ok {
		return false, nil
	}

	entry := &Entry{
		Payload:  p,
		QueuedAt: q.now(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}

	if err := q.store.Put(toRecord(entry)); err != nil {
		return false, err
	}

	q.entries = append(q.entries, entry)
	q.index[p.ID()] = entry

	q.metrics.RecordEnqueued()
	q.metrics.SetQueueDepth(len(q.entries))

	return true, nil
}

// RecordAttempt notes a failed retry of the payload
func (q *Queue) RecordAttempt(payloadID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.index[payloadID]
	if !ok {
		return fmt.Errorf("payload %s is not queued", payloadID)
	}

	updated := *entry
	updated.Attempts++
	updated.LastAttempt = q.now()
	if cause != nil {
		updated.LastError = cause.Error()
	}

	if err := q.store.Put(toRecord(&updated)); err != nil {
		return err
	}

	*entry = updated
	return nil
}

// Remove deletes the payload from the queue. Unknown IDs are ignored.
func (q *Queue) Remove(payloadID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[payloadID]; !ok {
		return nil
	}

	if err := q.store.Delete(payloadID); err != nil {
		return err
	}

	delete(q.index, payloadID)
	for i, e := range q.entries {
		if e.Payload.ID() == payloadID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}

	q.metrics.SetQueueDepth(len(q.entries))
	return nil
}

// Pending returns a snapshot of the queued entries, oldest first
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Contains reports whether the payload is queued
func (q *Queue) Contains(payloadID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[payloadID]
	return ok
}

// Len returns the number of queued payloads
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// List describes the queued entries for monitoring
func (q *Queue) List() []EntryInfo {
	pending := q.Pending()

	out := make([]EntryInfo, len(pending))
	for i, e := range pending {
		out[i] = EntryInfo{
			PayloadID:   e.Payload.ID(),
			SizeBytes:   e.Payload.Size(),
			Duration:    e.Payload.Duration().Seconds(),
			CreatedAt:   e.Payload.CreatedAt(),
			QueuedAt:    e.QueuedAt,
			Attempts:    e.Attempts,
			LastAttempt: e.LastAttempt,
			LastError:   e.LastError,
		}
	}
	return out
}

// Close closes the underlying store
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Close()
}

func toRecord(e *Entry) Record {
	return Record{
		ID:          e.Payload.ID(),
		CreatedAt:   e.Payload.CreatedAt(),
		QueuedAt:    e.QueuedAt,
		Attempts:    e.Attempts,
		LastAttempt: e.LastAttempt,
		LastError:   e.LastError,
		Data:        e.Payload.Bytes(),
	}
}
