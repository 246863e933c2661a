package delivery

import "time"

// Outcome classifies a single send attempt
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetriable Outcome = "retriable"
	OutcomeFatal     Outcome = "fatal"
)

// Status is the final state of a payload after routing
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

// Attempt records one channel send
type Attempt struct {
	Channel   string        `json:"channel"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Report summarizes routing of one payload
type Report struct {
	PayloadID string    `json:"payload_id"`
	Status    Status    `json:"status"`
	Channel   string    `json:"channel,omitempty"` // channel that delivered the payload
	Attempts  []Attempt `json:"attempts"`
	Response  []byte    `json:"-"`
	Err       error     `json:"-"` // last failure, nil when delivered
}

// Delivered reports whether a channel accepted the payload
func (r *Report) Delivered() bool {
	return r.Status == StatusDelivered
}

// Fatal reports whether routing stopped on a fatal failure
func (r *Report) Fatal() bool {
	return r.Status == StatusFailed
}
