package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/audio"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWAV(t *testing.T, n int, amplitude float32) []byte {
	t.Helper()

	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}

	data, err := audio.EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

func post(h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, DefaultUploadPath, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadAccepted(t *testing.T) {
	h := NewHandler(Config{APIToken: "token"}, testLogger())
	routes := h.Routes("")

	rec := post(routes, testWAV(t, 8000, 0.5), map[string]string{
		"Authorization": "Bearer token",
		"Content-Type":  "audio/wav",
		"X-Payload-ID":  "p-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.PayloadID != "p-1" || resp.Status != "accepted" {
		t.Errorf("Unexpected response: %+v", resp)
	}

	if resp.SampleRate != 16000 || resp.Channels != 1 || resp.Samples != 8000 {
		t.Errorf("Unexpected format: %+v", resp)
	}

	if resp.Duration != 0.5 {
		t.Errorf("Expected duration 0.5, got %f", resp.Duration)
	}

	if resp.Peak < 0.49 || resp.Peak > 0.51 {
		t.Errorf("Expected peak near 0.5, got %f", resp.Peak)
	}
}

func TestUploadRejected(t *testing.T) {
	valid := testWAV(t, 100, 0.1)

	tests := []struct {
		name    string
		body    []byte
		headers map[string]string
		status  int
	}{
		{"no token", valid, map[string]string{"Content-Type": "audio/wav"}, http.StatusUnauthorized},
		{"wrong token", valid, map[string]string{"Authorization": "Bearer nope", "Content-Type": "audio/wav"}, http.StatusUnauthorized},
		{"wrong content type", valid, map[string]string{"Authorization": "Bearer token", "Content-Type": "text/plain"}, http.StatusUnsupportedMediaType},
		{"not wav", []byte("hello world, definitely not riff"), map[string]string{"Authorization": "Bearer token", "Content-Type": "audio/wav"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		h := NewHandler(Config{APIToken: "token"}, testLogger())

		rec := post(h.Routes(""), tt.body, tt.headers)
		if rec.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.status, rec.Code)
		}

		if stats := h.GetStats(); stats.Rejected != 1 || stats.Accepted != 0 {
			t.Errorf("%s: unexpected stats %+v", tt.name, stats)
		}
	}
}

func TestUploadBodyLimit(t *testing.T) {
	h := NewHandler(Config{MaxBodyBytes: 64}, testLogger())

	rec := post(h.Routes(""), testWAV(t, 1000, 0.1), map[string]string{"Content-Type": "audio/wav"})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestUploadDuplicate(t *testing.T) {
	h := NewHandler(Config{}, testLogger())
	routes := h.Routes("")
	body := testWAV(t, 400, 0.2)
	headers := map[string]string{"Content-Type": "audio/wav", "X-Payload-ID": "same"}

	post(routes, body, headers)
	rec := post(routes, body, headers)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate, got %d", rec.Code)
	}

	var resp Response
	json.Unmarshal(rec.Body.Bytes(), &resp) //nolint:errcheck
	if !resp.Duplicate {
		t.Error("Expected duplicate flag on second upload")
	}

	if stats := h.GetStats(); stats.Accepted != 1 || stats.Duplicates != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHTTPChannelAgainstStub(t *testing.T) {
	h := NewHandler(Config{APIToken: "token", FailEvery: 2}, testLogger())
	server := httptest.NewServer(h.Routes(""))
	defer server.Close()

	channel, err := transport.NewHTTPChannel(transport.HTTPConfig{
		Endpoint: server.URL + DefaultUploadPath,
		APIToken: "token",
		Timeout:  5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPChannel failed: %v", err)
	}

	payload, err := delivery.NewPayload(testWAV(t, 1600, 0.3), time.Now())
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}

	body, err := channel.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("First send failed: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode stub response: %v", err)
	}
	if resp.PayloadID != payload.ID() {
		t.Errorf("Expected payload ID %s echoed, got %s", payload.ID(), resp.PayloadID)
	}

	// Second request hits the injected failure
	_, err = channel.Send(context.Background(), payload)
	if delivery.Classify(err) != delivery.OutcomeRetriable {
		t.Errorf("Expected retriable injected failure, got %v", err)
	}

	// Third is the retry and is recognised as a duplicate
	body, err = channel.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	json.Unmarshal(body, &resp) //nolint:errcheck
	if !resp.Duplicate {
		t.Error("Expected retry to be acknowledged as duplicate")
	}
}
