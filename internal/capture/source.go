package capture

import "context"

// Source produces mono float32 sample chunks in [-1, 1].
//
// Start begins capture and returns a channel of chunks. The channel is closed
// when the source ends: after Stop, on a clean end of input, or on failure.
// After the channel closes, Err reports the failure, or nil for a clean end.
type Source interface {
	Start() (<-chan []float32, error)
	Stop() error
	Err() error
	SampleRate() int
}

// Authorizer decides whether the microphone may be used
type Authorizer interface {
	Authorize(ctx context.Context) (bool, error)
}

// StaticAuthorizer grants or denies permission unconditionally
type StaticAuthorizer bool

// Authorize returns the configured decision
func (a StaticAuthorizer) Authorize(ctx context.Context) (bool, error) {
	return bool(a), nil
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context) (bool, error)

// Authorize calls f(ctx)
func (f AuthorizerFunc) Authorize(ctx context.Context) (bool, error) {
	return f(ctx)
}
