package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultMaxBodyBytes caps an upload at ten minutes of 48 kHz mono PCM16
const DefaultMaxBodyBytes = 10 * 60 * 48000 * 2

// Config contains stub behaviour settings
type Config struct {
	APIToken     string // empty accepts any caller
	MaxBodyBytes int64
	FailEvery    int // answer every Nth upload with 503, 0 never
}

// Response is returned for an accepted upload
type Response struct {
	PayloadID  string    `json:"payload_id,omitempty"`
	Status     string    `json:"status"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Samples    int       `json:"samples"`
	Duration   float64   `json:"duration"`
	Peak       float64   `json:"peak"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stats represents stub counters
type Stats struct {
	Requests   uint64 `json:"requests"`
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Injected   uint64 `json:"injected_failures"`
}

// Handler is a local stand-in for the ingestion endpoint. It checks the
// bearer token, decodes the WAV body and answers with JSON.
type Handler struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	seen  map[string]Response
	stats Stats
}

// NewHandler creates an ingest handler
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return &Handler{
		config: cfg,
		logger: logger.With("component", "ingest"),
		seen:   make(map[string]Response),
	}
}

// Upload handles POST of a WAV body
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.stats.Requests++
	n := h.stats.Requests
	h.mu.Unlock()

	if !h.authorized(r) {
		h.reject(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "audio/wav") && !strings.HasPrefix(ct, "audio/x-wav") {
		h.reject(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported content type %q", ct))
		return
	}

	if h.config.FailEvery > 0 && n%uint64(h.config.FailEvery) == 0 {
		h.mu.Lock()
		h.stats.Injected++
		h.mu.Unlock()

		h.logger.Info("Injecting failure", slog.Uint64("request", n))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		h.reject(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	payloadID := r.Header.Get("X-Payload-ID")
	if payloadID != "" {
		h.mu.Lock()
		prev, ok := h.seen[payloadID]
		if ok {
			h.stats.Duplicates++
		}
		h.mu.Unlock()

		if ok {
			prev.Duplicate = true
			h.logger.Info("Duplicate upload acknowledged", slog.String("payload_id", payloadID))
			writeJSON(w, http.StatusOK, prev)
			return
		}
	}

	resp, err := inspect(body)
	if err != nil {
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}
	resp.PayloadID = payloadID
	resp.Status = "accepted"
	resp.ReceivedAt = time.Now().UTC()

	h.mu.Lock()
	h.stats.Accepted++
	if payloadID != "" {
		h.seen[payloadID] = resp
	}
	h.mu.Unlock()

	h.logger.Info("Upload accepted",
		slog.String("payload_id", payloadID),
		slog.Int("size", len(body)),
		slog.Int("sample_rate", resp.SampleRate),
		slog.Float64("duration", resp.Duration),
		slog.Float64("peak", resp.Peak),
	)

	writeJSON(w, http.StatusOK, resp)
}

// GetStats returns stub counters
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.config.APIToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.config.APIToken
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason string) {
	h.mu.Lock()
	h.stats.Rejected++
	h.mu.Unlock()

	h.logger.Warn("Upload rejected",
		slog.Int("status", status),
		slog.String("reason", reason),
	)
	writeJSON(w, status, map[string]string{"error": reason})
}

// inspect decodes a WAV body with an independent decoder
func inspect(body []byte) (Response, error) {
	decoder := wav.NewDecoder(bytes.NewReader(body))
	if !decoder.IsValidFile() {
		return Response{}, fmt.Errorf("body is not a valid WAV container")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return Response{}, fmt.Errorf("failed to decode PCM data: %w", err)
	}

	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return Response{}, fmt.Errorf("WAV container has no usable format")
	}

	samples := len(buf.Data) / buf.Format.NumChannels
	if samples == 0 {
		return Response{}, fmt.Errorf("WAV container has no audio")
	}

	return Response{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Samples:    samples,
		Duration:   float64(samples) / float64(buf.Format.SampleRate),
		Peak:       peak(buf),
	}, nil
}

// peak returns the largest absolute sample as a fraction of full scale
func peak(buf *goaudio.IntBuffer) float64 {
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	fullScale := float64(int(1) << (depth - 1))

	var loudest int
	for _, v := range buf.Data {
		if v < 0 {
			v = -v
		}
		if v > loudest {
			loudest = v
		}
	}

	return math.Min(float64(loudest)/fullScale, 1)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
