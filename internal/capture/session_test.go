package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSource is a Source driven by the test
type fakeSource struct {
	rate     int
	chunks   chan []float32
	startErr error

	mu         sync.Mutex
	err        error
	startCalls int
	stopCalls  int
	closeOnce  sync.Once
}

func newFakeSource(rate int) *fakeSource {
	return &fakeSource{rate: rate, chunks: make(chan []float32, 64)}
}

func (f *fakeSource) Start() (<-chan []float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.chunks, nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.chunks) })
	return nil
}

func (f *fakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) SampleRate() int { return f.rate }

// end closes the stream as the device would, with err describing the failure
func (f *fakeSource) end(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.chunks) })
}

func (f *fakeSource) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplesFrom(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 1000
	}
	return out
}

func waitResult(t *testing.T, s *Session) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Timed out waiting for session to finish")
	}
	return result, err
}

// transitionLog records state changes from OnStateChange
type transitionLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *transitionLog) record(c StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *transitionLog) count(to State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.To == to {
			n++
		}
	}
	return n
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionConfig{Window: 0}, newFakeSource(1000), nil, testLogger()); err == nil {
		t.Error("Expected error for zero window")
	}

	if _, err := NewSession(SessionConfig{Window: time.Second}, nil, nil, testLogger()); err == nil {
		t.Error("Expected error for missing source")
	}

	s, err := NewSession(SessionConfig{Window: 2 * time.Second}, newFakeSource(8000), nil, testLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if s.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", s.State())
	}

	if s.ID() == "" {
		t.Error("Expected generated session ID")
	}

	if capacity := s.RingStats().Capacity; capacity != 16000 {
		t.Errorf("Expected ring capacity 16000, got %d", capacity)
	}
}

func TestSessionWindowElapses(t *testing.T) {
	src := newFakeSource(1000)
	s, err := NewSession(SessionConfig{ID: "window", Window: 50 * time.Millisecond}, src, StaticAuthorizer(true), testLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	// 80 samples into a 50-sample window
	src.chunks <- samplesFrom(0, 30)
	src.chunks <- samplesFrom(30, 50)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result, err := waitResult(t, s)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	if s.State() != StateCompleted {
		t.Errorf("Expected completed state, got %s", s.State())
	}

	want := samplesFrom(30, 50)
	if len(result.Samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(result.Samples))
	}
	for i := range want {
		if result.Samples[i] != want[i] {
			t.Fatalf("Sample %d: expected %f, got %f", i, want[i], result.Samples[i])
		}
	}

	if result.Evicted != 30 {
		t.Errorf("Expected 30 evicted samples, got %d", result.Evicted)
	}

	if result.Stopped || result.EndedEarly {
		t.Errorf("Expected timer-driven end, got stopped=%v ended_early=%v", result.Stopped, result.EndedEarly)
	}

	if result.SessionID != "window" || result.SampleRate != 1000 {
		t.Errorf("Unexpected result identity: %s at %d Hz", result.SessionID, result.SampleRate)
	}

	if _, stops := src.calls(); stops == 0 {
		t.Error("Expected source to be stopped")
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	src := newFakeSource(1000)
	s, err := NewSession(SessionConfig{Window: time.Minute}, src, nil, testLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	var log transitionLog
	s.OnStateChange = log.record

	// Stop before Start does nothing
	s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.chunks <- samplesFrom(0, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	result, err := waitResult(t, s)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	s.Stop()

	if !result.Stopped {
		t.Error("Expected result to be marked as stopped")
	}

	if len(result.Samples) != 10 {
		t.Errorf("Expected 10 samples, got %d", len(result.Samples))
	}

	if n := log.count(StateDraining); n != 1 {
		t.Errorf("Expected 1 draining transition, got %d", n)
	}

	if n := log.count(StateCompleted); n != 1 {
		t.Errorf("Expected 1 completed transition, got %d", n)
	}

	if s.State() != StateCompleted {
		t.Errorf("Expected completed state, got %s", s.State())
	}
}

func TestSessionPermissionDenied(t *testing.T) {
	src := newFakeSource(1000)

	var mu sync.Mutex
	grant := false
	auth := AuthorizerFunc(func(ctx context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return grant, nil
	})

	s, err := NewSession(SessionConfig{Window: 20 * time.Millisecond}, src, auth, testLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	err = s.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	if s.State() != StateIdle {
		t.Errorf("Expected idle state after denial, got %s", s.State())
	}

	if starts, _ := src.calls(); starts != 0 {
		t.Errorf("Expected source not to be started, got %d starts", starts)
	}

	// Granting later allows the same session to start
	mu.Lock()
	grant = true
	mu.Unlock()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after grant failed: %v", err)
	}

	if _, err := waitResult(t, s); err != nil {
		t.Fatalf("Session failed: %v", err)
	}
}

func TestSessionAuthorizerError(t *testing.T) {
	auth := AuthorizerFunc(func(ctx context.Context) (bool, error) {
		return false, errors.New("prompt dismissed")
	})

	s, _ := NewSession(SessionConfig{Window: time.Second}, newFakeSource(1000), auth, testLogger())

	err := s.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	if s.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", s.State())
	}
}

func TestSessionBusy(t *testing.T) {
	src := newFakeSource(1000)
	s, _ := NewSession(SessionConfig{Window: time.Minute}, src, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy, got %v", err)
	}

	s.Stop()
	if _, err := waitResult(t, s); err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	// A finished session cannot be reused
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy after completion, got %v", err)
	}
}

func TestSessionSourceStartFailure(t *testing.T) {
	src := newFakeSource(1000)
	src.startErr = errors.New("no input device")

	s, _ := NewSession(SessionConfig{Window: time.Second}, src, nil, testLogger())

	var log transitionLog
	s.OnStateChange = log.record

	err := s.Start(context.Background())
	if !errors.Is(err, ErrInputStream) {
		t.Fatalf("Expected ErrInputStream, got %v", err)
	}

	if s.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", s.State())
	}

	if _, err := waitResult(t, s); !errors.Is(err, ErrInputStream) {
		t.Errorf("Expected Wait to report ErrInputStream, got %v", err)
	}

	if n := log.count(StateFailed); n != 1 {
		t.Errorf("Expected 1 failed transition, got %d", n)
	}
}

func TestSessionInputStreamError(t *testing.T) {
	src := newFakeSource(1000)
	s, _ := NewSession(SessionConfig{Window: time.Minute}, src, nil, testLogger())

	var log transitionLog
	s.OnStateChange = log.record

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.chunks <- samplesFrom(0, 10)
	src.end(errors.New("device unplugged"))

	result, err := waitResult(t, s)
	if !errors.Is(err, ErrInputStream) {
		t.Fatalf("Expected ErrInputStream, got %v", err)
	}

	if result != nil {
		t.Error("Expected no result from a failed session")
	}

	if s.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", s.State())
	}

	if n := log.count(StateFailed) + log.count(StateCompleted); n != 1 {
		t.Errorf("Expected exactly 1 terminal transition, got %d", n)
	}

	if n := log.count(StateDraining); n != 0 {
		t.Errorf("Expected no draining transition, got %d", n)
	}

	if _, stops := src.calls(); stops == 0 {
		t.Error("Expected source to be released")
	}
}

func TestSessionSourceEndsEarly(t *testing.T) {
	src := newFakeSource(1000)
	s, _ := NewSession(SessionConfig{Window: time.Minute}, src, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.chunks <- samplesFrom(0, 30)
	src.end(nil)

	result, err := waitResult(t, s)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	if !result.EndedEarly {
		t.Error("Expected result to be marked as ended early")
	}

	if len(result.Samples) != 30 {
		t.Errorf("Expected 30 samples, got %d", len(result.Samples))
	}

	if d := result.Duration(); d != 30*time.Millisecond {
		t.Errorf("Expected 30ms of audio, got %v", d)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateCapturing, "capturing", false},
		{StateDraining, "draining", false},
		{StateCompleted, "completed", true},
		{StateFailed, "failed", true},
		{State(42), "unknown(42)", false},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tt.expected, tt.terminal, got)
		}
	}
}
