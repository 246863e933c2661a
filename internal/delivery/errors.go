package delivery

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable means no channel could be tried for a payload
	ErrTransportUnavailable = errors.New("no transport channel available")

	// ErrRetriableDelivery marks a send failure that may succeed later
	ErrRetriableDelivery = errors.New("retriable delivery failure")

	// ErrFatalDelivery marks a send failure that no retry can fix
	ErrFatalDelivery = errors.New("fatal delivery failure")

	// ErrQueueExpired means a queued payload exhausted its retry budget
	ErrQueueExpired = errors.New("queued payload expired")
)

// StatusError carries the upstream status code and body unchanged
type StatusError struct {
	Code int
	Body []byte
	kind error
}

// NewStatusError classifies an HTTP status: 408, 425, 429 and 5xx are
// retriable, every other non-2xx status is fatal.
func NewStatusError(code int, body []byte) *StatusError {
	kind := ErrFatalDelivery
	if IsRetriableStatus(code) {
		kind = ErrRetriableDelivery
	}
	return &StatusError{Code: code, Body: body, kind: kind}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, string(e.Body))
}

// Unwrap exposes the retriable or fatal classification to errors.Is
func (e *StatusError) Unwrap() error {
	return e.kind
}

// IsRetriableStatus reports whether a non-2xx status is worth retrying
func IsRetriableStatus(code int) bool {
	switch {
	case code == 408, code == 425, code == 429:
		return true
	case code >= 500 && code <= 599:
		return true
	}
	return false
}

// Retriable wraps err so that it classifies as a retriable failure
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetriableDelivery, err)
}

// Fatal wraps err so that it classifies as a fatal failure
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalDelivery, err)
}

// Classify maps a send error to an attempt outcome. Unclassified errors,
// including timeouts and cancellations, are treated as retriable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrFatalDelivery):
		return OutcomeFatal
	case errors.Is(err, ErrRetriableDelivery), errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetriable
	}
	return OutcomeRetriable
}
