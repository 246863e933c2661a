package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to read metric: %v", err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordSessionStarted()
	m.RecordSessionFinished("completed", 30, 1000, 10)
	m.RecordDeliveryAttempt("http", "success", 0.1)
	m.RecordDeliveryOutcome("delivered")
	m.SetQueueDepth(3)
	m.RecordRetryPass(1)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDeliveryAttempt("http", "retriable", 0.2)
	m.RecordDeliveryAttempt("http", "retriable", 0.3)
	m.RecordDeliveryAttempt("relay", "success", 0.1)

	if got := counterValue(t, m.DeliveryAttempts.WithLabelValues("http", "retriable")); got != 2 {
		t.Errorf("Expected 2 retriable http attempts, got %v", got)
	}

	m.SetQueueDepth(4)
	if got := counterValue(t, m.QueueDepth); got != 4 {
		t.Errorf("Expected queue depth 4, got %v", got)
	}

	m.RecordPacketsDropped("sequence_gap", 0)
	m.RecordPacketsDropped("sequence_gap", 3)
	if got := counterValue(t, m.PacketsDropped.WithLabelValues("sequence_gap")); got != 3 {
		t.Errorf("Expected 3 dropped packets, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Each registry accepts its own full metric set
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
