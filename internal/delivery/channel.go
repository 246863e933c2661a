package delivery

import "context"

// Channel is one way of getting a payload to the ingestion service.
//
// Available must not block: it reports a cached view of reachability.
// Send returns the upstream response body on success. Failures should wrap
// ErrRetriableDelivery or ErrFatalDelivery; unclassified errors are treated
// as retriable.
type Channel interface {
	Name() string
	Available() bool
	Send(ctx context.Context, p *Payload) ([]byte, error)
}
