package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/audio"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
	"github.com/skypro1111/aha-capture-service/internal/vad"
)

// Status is the externally visible capture status
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCapturing  Status = "capturing"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StatusEvent is published to subscribers on every status change
type StatusEvent struct {
	SessionID string          `json:"session_id,omitempty"`
	Status    Status          `json:"status"`
	At        time.Time       `json:"at"`
	Error     string          `json:"error,omitempty"`
	PayloadID string          `json:"payload_id,omitempty"`
	Delivery  delivery.Status `json:"delivery,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Samples   int             `json:"samples,omitempty"`
	Duration  float64         `json:"duration_seconds,omitempty"`
	Activity  *vad.Summary    `json:"activity,omitempty"`
}

// Deliverer hands an encoded capture to the delivery layer
type Deliverer interface {
	Deliver(ctx context.Context, p *delivery.Payload) (*delivery.Report, error)
}

// SourceFactory creates a fresh audio source for each session
type SourceFactory func() (Source, error)

// ManagerConfig configures the capture manager
type ManagerConfig struct {
	Window           time.Duration
	DeliveryTimeout  time.Duration // bound on a whole Deliver call, 0 for none
	SubscriberBuffer int
	Activity         *vad.Config // voice activity estimation, nil selects vad.DefaultConfig
}

// ManagerStats contains capture statistics
type ManagerStats struct {
	SessionsStarted   uint64           `json:"sessions_started"`
	SessionsCompleted uint64           `json:"sessions_completed"`
	SessionsFailed    uint64           `json:"sessions_failed"`
	PermissionDenied  uint64           `json:"permission_denied"`
	BusyRejections    uint64           `json:"busy_rejections"`
	CurrentSession    string           `json:"current_session,omitempty"`
	CurrentState      string           `json:"current_state,omitempty"`
	Ring              *audio.RingStats `json:"ring,omitempty"`
}

// Manager runs one capture at a time and pushes finished captures through
// encoding and delivery
type Manager struct {
	config    ManagerConfig
	newSource SourceFactory
	auth      Authorizer
	deliverer Deliverer
	activity  *vad.Analyzer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current *Session
	status  StatusEvent
	subs    map[int]chan StatusEvent
	nextSub int
	closed  bool
	stats   ManagerStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a capture manager
func NewManager(cfg ManagerConfig, newSource SourceFactory, auth Authorizer, deliverer Deliverer, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("capture window must be positive, got %s", cfg.Window)
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if auth == nil {
		auth = StaticAuthorizer(true)
	}

	activityConfig := vad.DefaultConfig()
	if cfg.Activity != nil {
		activityConfig = *cfg.Activity
	}
	activity, err := vad.NewAnalyzer(activityConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid voice activity config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:    cfg,
		newSource: newSource,
		auth:      auth,
		deliverer: deliverer,
		activity:  activity,
		logger:    logger.With("component", "capture"),
		metrics:   m,
		status:    StatusEvent{Status: StatusIdle, At: time.Now()},
		subs:      make(map[int]chan StatusEvent),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// StartCapture begins a new capture window and returns its session ID.
// It fails with ErrSessionBusy while another session is capturing or draining.
func (m *Manager) StartCapture(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("capture manager is shut down")
	}
	if m.current != nil && !m.current.State().Terminal() {
		m.stats.BusyRejections++
		m.mu.Unlock()
		return "", ErrSessionBusy
	}

	src, err := m.newSource()
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrInputStream, err)
	}

	session, err := NewSession(SessionConfig{Window: m.config.Window}, src, m.auth, m.logger)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	session.OnStateChange = m.onSessionChange
	m.current = session
	m.wg.Add(1)
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.wg.Done()
		if session.State() == StateIdle {
			m.mu.Lock()
			if m.current == session {
				m.current = nil
			}
			if errors.Is(err, ErrPermissionDenied) {
				m.stats.PermissionDenied++
			}
			m.mu.Unlock()

			m.publish(StatusEvent{SessionID: session.ID(), Status: StatusIdle, Error: err.Error()})
		}
		return "", err
	}

	m.mu.Lock()
	m.stats.SessionsStarted++
	m.mu.Unlock()
	m.metrics.RecordSessionStarted()

	go m.process(session)

	return session.ID(), nil
}

// StopCapture ends the current window early. It reports whether a capture was signalled.
func (m *Manager) StopCapture() bool {
	m.mu.Lock()
	session := m.current
	m.mu.Unlock()

	if session == nil || session.State() != StateCapturing {
		return false
	}

	session.Stop()
	return true
}

// Status returns the most recent status event
func (m *Manager) Status() StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel of status events and a function that cancels
// the subscription. Slow subscribers miss events rather than block capture.
func (m *Manager) Subscribe() (<-chan StatusEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan StatusEvent, m.config.SubscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// GetStats returns capture statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if m.current != nil {
		ring := m.current.RingStats()
		stats.CurrentSession = m.current.ID()
		stats.CurrentState = m.current.State().String()
		stats.Ring = &ring
	}
	return stats
}

// Shutdown stops any running capture and waits for pending deliveries. When
// ctx expires first, in-flight sends are cancelled, which queues their payloads.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Stopping capture manager...")

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.StopCapture()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.cancel()
		<-done
	}
	m.cancel()

	m.mu.Lock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub)
	}
	stats := m.stats
	m.mu.Unlock()

	m.logger.Info("Capture manager stopped",
		slog.Uint64("sessions_started", stats.SessionsStarted),
		slog.Uint64("sessions_completed", stats.SessionsCompleted),
		slog.Uint64("sessions_failed", stats.SessionsFailed),
	)

	return err
}

// onSessionChange maps session transitions onto external status
func (m *Manager) onSessionChange(change StateChange) {
	switch change.To {
	case StateCapturing:
		m.publish(StatusEvent{SessionID: change.SessionID, Status: StatusCapturing})
	case StateDraining:
		m.publish(StatusEvent{SessionID: change.SessionID, Status: StatusProcessing})
	case StateFailed:
		m.mu.Lock()
		m.stats.SessionsFailed++
		m.mu.Unlock()

		m.metrics.RecordSessionFinished(StateFailed.String(), 0, 0, 0)
		event := StatusEvent{SessionID: change.SessionID, Status: StatusFailed}
		if change.Err != nil {
			event.Error = change.Err.Error()
		}
		m.publish(event)
	}
}

// process encodes a drained capture and delivers it
func (m *Manager) process(session *Session) {
	defer m.wg.Done()

	result, err := session.Wait(context.Background())
	if err != nil {
		// Failure was already published by onSessionChange
		return
	}

	m.metrics.RecordSessionFinished(StateCompleted.String(),
		result.EndedAt.Sub(result.StartedAt).Seconds(), len(result.Samples), result.Evicted)

	event := StatusEvent{
		SessionID: result.SessionID,
		Samples:   len(result.Samples),
		Duration:  result.Duration().Seconds(),
	}

	if summary, err := m.activity.Analyze(result.Samples, result.SampleRate); err == nil {
		event.Activity = summary
		if summary.Silent() {
			// Still delivered; a muted or covered microphone is for the user to judge
			m.logger.Warn("Capture contains no detectable speech",
				slog.String("session_id", result.SessionID),
				slog.Float64("peak", summary.Peak),
				slog.Float64("rms", summary.RMS),
			)
		}
	}

	payload, err := m.encode(result)
	if err != nil {
		m.fail(event, err)
		return
	}
	event.PayloadID = payload.ID()

	ctx := m.ctx
	if m.config.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.DeliveryTimeout)
		defer cancel()
	}

	report, err := m.deliverer.Deliver(ctx, payload)
	if report != nil {
		event.Delivery = report.Status
		event.Channel = report.Channel
	}
	if err != nil {
		m.fail(event, err)
		return
	}

	m.mu.Lock()
	m.stats.SessionsCompleted++
	m.mu.Unlock()

	m.logger.Info("Capture processed",
		slog.String("session_id", event.SessionID),
		slog.String("payload_id", event.PayloadID),
		slog.String("delivery", string(event.Delivery)),
		slog.String("channel", event.Channel),
	)

	event.Status = StatusCompleted
	m.publish(event)
}

func (m *Manager) encode(result *Result) (*delivery.Payload, error) {
	wavData, err := audio.EncodeWAV(result.Samples, result.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	m.metrics.RecordPayloadEncoded(len(wavData))

	payload, err := delivery.NewPayload(wavData, result.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload: %w", err)
	}
	return payload, nil
}

func (m *Manager) fail(event StatusEvent, err error) {
	m.mu.Lock()
	m.stats.SessionsFailed++
	m.mu.Unlock()

	m.logger.Error("Capture processing failed",
		slog.String("session_id", event.SessionID),
		slog.String("payload_id", event.PayloadID),
		slog.String("error", err.Error()),
	)

	event.Status = StatusFailed
	event.Error = err.Error()
	m.publish(event)
}

// publish records the event as current status and fans it out without blocking
func (m *Manager) publish(event StatusEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = event
	for id, sub := range m.subs {
		select {
		case sub <- event:
		default:
			m.logger.Debug("Status subscriber lagging, event dropped", slog.Int("subscriber", id))
		}
	}
}
