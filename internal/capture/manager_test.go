package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/audio"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/vad"
)

// fakeDeliverer records payloads and answers with a fixed status
type fakeDeliverer struct {
	mu       sync.Mutex
	status   delivery.Status
	err      error
	payloads []*delivery.Payload
}

func (d *fakeDeliverer) Deliver(ctx context.Context, p *delivery.Payload) (*delivery.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)

	report := &delivery.Report{PayloadID: p.ID(), Status: d.status, Err: d.err}
	if d.status == delivery.StatusDelivered {
		report.Channel = "http"
	}
	return report, d.err
}

func (d *fakeDeliverer) received() []*delivery.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*delivery.Payload(nil), d.payloads...)
}

// prefedSources hands out fake sources that already hold n samples each
type prefedSources struct {
	mu      sync.Mutex
	rate    int
	samples int
	sources []*fakeSource
}

func (p *prefedSources) factory() (Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := newFakeSource(p.rate)
	if p.samples > 0 {
		src.chunks <- samplesFrom(0, p.samples)
	}
	p.sources = append(p.sources, src)
	return src, nil
}

func newTestManager(t *testing.T, window time.Duration, sources *prefedSources, auth Authorizer, d Deliverer) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{Window: window, DeliveryTimeout: time.Second},
		sources.factory, auth, d, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

// waitForStatus reads events until one with the given status arrives
func waitForStatus(t *testing.T, events <-chan StatusEvent, status Status) ([]StatusEvent, StatusEvent) {
	t.Helper()
	timeout := time.After(2 * time.Second)

	var seen []StatusEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Event stream closed before %s", status)
			}
			seen = append(seen, ev)
			if ev.Status == status {
				return seen, ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s, saw %v", status, seen)
		}
	}
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestManagerCapturePipeline(t *testing.T) {
	sources := &prefedSources{rate: 8000, samples: 400}
	deliverer := &fakeDeliverer{status: delivery.StatusDelivered}
	m := newTestManager(t, 100*time.Millisecond, sources, nil, deliverer)
	defer shutdown(t, m)

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	id, err := m.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	seen, final := waitForStatus(t, events, StatusCompleted)

	expected := []Status{StatusCapturing, StatusProcessing, StatusCompleted}
	if len(seen) != len(expected) {
		t.Fatalf("Expected %d events, got %v", len(expected), seen)
	}
	for i, status := range expected {
		if seen[i].Status != status {
			t.Errorf("Event %d: expected %s, got %s", i, status, seen[i].Status)
		}
		if seen[i].SessionID != id {
			t.Errorf("Event %d: expected session %s, got %s", i, id, seen[i].SessionID)
		}
	}

	if final.Delivery != delivery.StatusDelivered || final.Channel != "http" {
		t.Errorf("Expected delivered via http, got %s via %q", final.Delivery, final.Channel)
	}

	if final.Samples != 400 {
		t.Errorf("Expected 400 samples, got %d", final.Samples)
	}

	if final.Activity == nil || final.Activity.Peak < 0.39 || final.Activity.Peak > 0.4 {
		t.Errorf("Expected activity summary with peak near 0.4, got %+v", final.Activity)
	}

	payloads := deliverer.received()
	if len(payloads) != 1 {
		t.Fatalf("Expected 1 delivered payload, got %d", len(payloads))
	}

	if final.PayloadID != payloads[0].ID() {
		t.Errorf("Expected payload %s in status, got %s", payloads[0].ID(), final.PayloadID)
	}

	samples, rate, err := audio.DecodeWAV(payloads[0].Bytes())
	if err != nil {
		t.Fatalf("Delivered payload is not a valid container: %v", err)
	}
	if rate != 8000 || len(samples) != 400 {
		t.Errorf("Expected 400 samples at 8000Hz, got %d at %d", len(samples), rate)
	}

	if status := m.Status(); status.Status != StatusCompleted {
		t.Errorf("Expected current status completed, got %s", status.Status)
	}

	stats := m.GetStats()
	if stats.SessionsStarted != 1 || stats.SessionsCompleted != 1 {
		t.Errorf("Expected 1 started and 1 completed, got %d and %d", stats.SessionsStarted, stats.SessionsCompleted)
	}
}

func TestManagerRejectsConcurrentCapture(t *testing.T) {
	sources := &prefedSources{rate: 1000}
	m := newTestManager(t, time.Minute, sources, nil, &fakeDeliverer{status: delivery.StatusDelivered})
	defer shutdown(t, m)

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if _, err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	if _, err := m.StartCapture(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Expected ErrSessionBusy, got %v", err)
	}

	if !m.StopCapture() {
		t.Fatal("Expected StopCapture to signal the running session")
	}
	waitForStatus(t, events, StatusCompleted)

	if m.StopCapture() {
		t.Error("Expected StopCapture to be a no-op with nothing capturing")
	}

	// The gate reopens once the session has drained
	if _, err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture after completion failed: %v", err)
	}
	m.StopCapture()
	waitForStatus(t, events, StatusCompleted)

	if stats := m.GetStats(); stats.BusyRejections != 1 {
		t.Errorf("Expected 1 busy rejection, got %d", stats.BusyRejections)
	}
}

func TestManagerQueuedCountsAsCompleted(t *testing.T) {
	sources := &prefedSources{rate: 1000, samples: 20}
	deliverer := &fakeDeliverer{status: delivery.StatusQueued}
	m := newTestManager(t, 20*time.Millisecond, sources, nil, deliverer)
	defer shutdown(t, m)

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if _, err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	_, final := waitForStatus(t, events, StatusCompleted)
	if final.Delivery != delivery.StatusQueued {
		t.Errorf("Expected queued delivery, got %s", final.Delivery)
	}

	if final.Error != "" {
		t.Errorf("Expected no error for queued payload, got %q", final.Error)
	}
}

func TestManagerFatalDeliveryFails(t *testing.T) {
	sources := &prefedSources{rate: 1000, samples: 20}
	deliverer := &fakeDeliverer{
		status: delivery.StatusFailed,
		err:    delivery.Fatal(errors.New("401 unauthorized")),
	}
	m := newTestManager(t, 20*time.Millisecond, sources, nil, deliverer)
	defer shutdown(t, m)

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if _, err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	_, final := waitForStatus(t, events, StatusFailed)
	if final.Delivery != delivery.StatusFailed {
		t.Errorf("Expected failed delivery, got %s", final.Delivery)
	}

	if final.Error == "" {
		t.Error("Expected error text on failed status")
	}

	if stats := m.GetStats(); stats.SessionsFailed != 1 {
		t.Errorf("Expected 1 failed session, got %d", stats.SessionsFailed)
	}
}

func TestManagerPermissionDenied(t *testing.T) {
	sources := &prefedSources{rate: 1000}
	deliverer := &fakeDeliverer{status: delivery.StatusDelivered}
	m := newTestManager(t, time.Second, sources, StaticAuthorizer(false), deliverer)
	defer shutdown(t, m)

	_, err := m.StartCapture(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	status := m.Status()
	if status.Status != StatusIdle || status.Error == "" {
		t.Errorf("Expected idle status with error, got %+v", status)
	}

	// Denial must not hold the capture gate
	if _, err := m.StartCapture(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied again, got %v", err)
	}

	stats := m.GetStats()
	if stats.PermissionDenied != 2 || stats.BusyRejections != 0 {
		t.Errorf("Expected 2 denials and no busy rejections, got %d and %d", stats.PermissionDenied, stats.BusyRejections)
	}

	if len(deliverer.received()) != 0 {
		t.Error("Expected nothing delivered")
	}
}

func TestManagerInputFailure(t *testing.T) {
	failing := func() (Source, error) {
		src := newFakeSource(1000)
		src.startErr = errors.New("device busy")
		return src, nil
	}
	m, err := NewManager(ManagerConfig{Window: time.Second}, failing, nil, &fakeDeliverer{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer shutdown(t, m)

	_, err = m.StartCapture(context.Background())
	if !errors.Is(err, ErrInputStream) {
		t.Fatalf("Expected ErrInputStream, got %v", err)
	}

	if status := m.Status(); status.Status != StatusFailed {
		t.Errorf("Expected failed status, got %s", status.Status)
	}
}

func TestNewManagerValidation(t *testing.T) {
	sources := &prefedSources{rate: 1000}

	if _, err := NewManager(ManagerConfig{}, sources.factory, nil, &fakeDeliverer{}, testLogger(), nil); err == nil {
		t.Error("Expected error for zero window")
	}

	bad := vad.DefaultConfig()
	bad.Threshold = 2
	if _, err := NewManager(ManagerConfig{Window: time.Second, Activity: &bad}, sources.factory, nil, &fakeDeliverer{}, testLogger(), nil); err == nil {
		t.Error("Expected error for invalid activity config")
	}
}

func TestManagerShutdownClosesSubscribers(t *testing.T) {
	sources := &prefedSources{rate: 1000}
	m := newTestManager(t, time.Minute, sources, nil, &fakeDeliverer{status: delivery.StatusDelivered})

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if _, err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	shutdown(t, m)

	for range events {
	}

	if _, err := m.StartCapture(context.Background()); err == nil {
		t.Error("Expected StartCapture to fail after shutdown")
	}
}
