package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/aha-capture-service/internal/audio"
)

// State is the lifecycle state of a Session
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDraining
	StateCompleted
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SessionConfig configures a capture session
type SessionConfig struct {
	ID     string        // generated when empty
	Window time.Duration // length of the fixed capture window
}

// StateChange describes one session transition
type StateChange struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	Err       error
}

// Result is the drained output of a completed session
type Result struct {
	SessionID  string
	Samples    []float32
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
	Evicted    uint64
	Stopped    bool // ended by Stop before the window elapsed
	EndedEarly bool // the source ended cleanly before the window elapsed
}

// Duration returns the length of captured audio
func (r *Result) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Session records one fixed window of audio from a Source.
// A session is single use: once Completed or Failed it cannot be restarted.
type Session struct {
	id     string
	window time.Duration
	source Source
	auth   Authorizer
	ring   *audio.RingBuffer
	logger *slog.Logger

	// OnStateChange is called after every transition, outside internal locks.
	// Set it before Start.
	OnStateChange func(StateChange)

	mu        sync.Mutex
	state     State
	starting  bool
	startedAt time.Time
	result    *Result
	err       error

	stopCh   chan struct{}
	stopOnce sync.Once
	pumpDone chan error
	done     chan struct{}
}

// NewSession creates an idle session sized for cfg.Window at the source's sample rate
func NewSession(cfg SessionConfig, src Source, auth Authorizer, logger *slog.Logger) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("capture window must be positive, got %v", cfg.Window)
	}
	if auth == nil {
		auth = StaticAuthorizer(true)
	}

	ring, err := audio.NewRingBuffer(audio.CapacityFor(cfg.Window.Seconds(), src.SampleRate()))
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Session{
		id:       id,
		window:   cfg.Window,
		source:   src,
		auth:     auth,
		ring:     ring,
		logger:   logger.With(slog.String("session_id", id)),
		state:    StateIdle,
		stopCh:   make(chan struct{}),
		pumpDone: make(chan error, 1),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RingStats returns the ring buffer statistics
func (s *Session) RingStats() audio.RingStats {
	return s.ring.GetStats()
}

// Start asks for microphone permission, starts the source and begins the window.
// On denial the session stays Idle and may be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle || s.starting {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.starting = true
	s.mu.Unlock()

	granted, err := s.auth.Authorize(ctx)
	if err != nil || !granted {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()

		s.logger.Warn("Microphone permission not granted")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return ErrPermissionDenied
	}

	chunks, err := s.source.Start()
	if err != nil {
		failure := fmt.Errorf("%w: %w", ErrInputStream, err)
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		s.finish(StateIdle, StateFailed, nil, failure)
		return failure
	}

	s.mu.Lock()
	s.starting = false
	s.startedAt = time.Now()
	s.mu.Unlock()

	if !s.transition(StateIdle, StateCapturing, nil) {
		s.source.Stop()
		return ErrSessionBusy
	}

	s.logger.Info("Capture started",
		slog.Duration("window", s.window),
		slog.Int("sample_rate", s.source.SampleRate()),
		slog.Int("capacity_samples", s.ring.Cap()),
	)

	go s.pump(chunks)
	go s.run()

	return nil
}

// Stop ends the window early. It is a no-op outside Capturing and safe to call repeatedly.
func (s *Session) Stop() {
	if s.State() != StateCapturing {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Wait blocks until the session is terminal or ctx is done
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump is the only writer to the ring buffer
func (s *Session) pump(chunks <-chan []float32) {
	for chunk := range chunks {
		s.ring.Push(chunk)
	}
	s.pumpDone <- s.source.Err()
}

func (s *Session) run() {
	timer := time.NewTimer(s.window)
	defer timer.Stop()

	var stopped, endedEarly, pumpExited bool

	select {
	case <-timer.C:
	case <-s.stopCh:
		stopped = true
	case err := <-s.pumpDone:
		pumpExited = true
		if err != nil {
			s.source.Stop()
			s.finish(StateCapturing, StateFailed, nil, fmt.Errorf("%w: %w", ErrInputStream, err))
			return
		}
		endedEarly = true
	}

	s.transition(StateCapturing, StateDraining, nil)

	if err := s.source.Stop(); err != nil {
		s.logger.Warn("Failed to stop audio source", slog.String("error", err.Error()))
	}

	if !pumpExited {
		if err := <-s.pumpDone; err != nil {
			s.finish(StateDraining, StateFailed, nil, fmt.Errorf("%w: %w", ErrInputStream, err))
			return
		}
	}

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	result := &Result{
		SessionID:  s.id,
		Samples:    s.ring.Snapshot(),
		SampleRate: s.source.SampleRate(),
		StartedAt:  startedAt,
		EndedAt:    time.Now(),
		Evicted:    s.ring.Evicted(),
		Stopped:    stopped,
		EndedEarly: endedEarly,
	}

	s.logger.Info("Capture drained",
		slog.Int("samples", len(result.Samples)),
		slog.Float64("audio_seconds", result.Duration().Seconds()),
		slog.Uint64("evicted_samples", result.Evicted),
		slog.Bool("stopped", stopped),
		slog.Bool("ended_early", endedEarly),
	)

	s.finish(StateDraining, StateCompleted, result, nil)
}

// transition moves from -> to and notifies the observer. It reports false
// when the session was not in state from.
func (s *Session) transition(from, to State, err error) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	observer := s.OnStateChange
	s.mu.Unlock()

	s.notify(observer, StateChange{SessionID: s.id, From: from, To: to, At: time.Now(), Err: err})
	return true
}

// finish performs the single terminal transition and releases waiters
func (s *Session) finish(from, to State, result *Result, err error) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.result = result
	s.err = err
	observer := s.OnStateChange
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Capture failed", slog.String("error", err.Error()))
	}

	close(s.done)
	s.notify(observer, StateChange{SessionID: s.id, From: from, To: to, At: time.Now(), Err: err})
}

func (s *Session) notify(observer func(StateChange), change StateChange) {
	s.logger.Debug("Session state changed",
		slog.String("from", change.From.String()),
		slog.String("to", change.To.String()),
	)
	if observer != nil {
		observer(change)
	}
}
