package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/aha-capture-service/internal/capture"
	"github.com/skypro1111/aha-capture-service/internal/config"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
	"github.com/skypro1111/aha-capture-service/internal/queue"
)

const (
	serviceName    = "aha-capture-service"
	serviceVersion = "1.0.0"
)

// CaptureController is the capture surface exposed over HTTP
type CaptureController interface {
	StartCapture(ctx context.Context) (string, error)
	StopCapture() bool
	Status() capture.StatusEvent
	Subscribe() (<-chan capture.StatusEvent, func())
	GetStats() capture.ManagerStats
}

// QueueInspector lists pending uploads
type QueueInspector interface {
	List() []queue.EntryInfo
	Len() int
}

// Flusher schedules an immediate retry pass
type Flusher interface {
	Trigger()
}

// RouteInspector exposes delivery routing state
type RouteInspector interface {
	Channels() []delivery.ChannelStatus
	Attempts(payloadID string) []delivery.Attempt
	GetStats() delivery.RouterStats
}

// Deps are the components served by the control API. Queue, Retrier and
// Gatherer are optional.
type Deps struct {
	Capture  CaptureController
	Router   RouteInspector
	Queue    QueueInspector
	Retrier  Flusher
	Config   *config.Config
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// ComponentStats adds named sections to /stats, e.g. source or channel counters
	ComponentStats map[string]func() any
}

// HTTPServer provides the local control API
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger *slog.Logger
	deps   Deps

	startTime time.Time

	// cancelled on shutdown so long-lived event streams let go of their connections
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTPServer creates a new control API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps Deps) *HTTPServer {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HTTPServer{
		logger:    logger.With("component", "http_api"),
		deps:      deps,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	h.router = h.routes()

	h.server = &http.Server{
		Addr:        net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:     h.router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	h.server.RegisterOnShutdown(cancel)

	return h
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/capture", func(r chi.Router) {
		r.Post("/start", h.withMetrics("/capture/start", h.handleStart))
		r.Post("/stop", h.withMetrics("/capture/stop", h.handleStop))
		r.Get("/status", h.withMetrics("/capture/status", h.handleStatus))
		r.Get("/events", h.handleEvents)
	})

	r.Get("/queue", h.withMetrics("/queue", h.handleQueue))
	r.Post("/queue/flush", h.withMetrics("/queue/flush", h.handleFlush))
	r.Get("/deliveries/{payload_id}", h.withMetrics("/deliveries/{payload_id}", h.handleDelivery))

	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))

	// No metrics for the metrics endpoint
	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/", h.withMetrics("/", h.handleRoot))

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)
	h.cancel()
	return err
}

// handleStart implements POST /capture/start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.deps.Capture.StartCapture(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, capture.ErrSessionBusy):
			status = http.StatusConflict
		case errors.Is(err, capture.ErrPermissionDenied):
			status = http.StatusForbidden
		case errors.Is(err, capture.ErrInputStream):
			status = http.StatusServiceUnavailable
		}

		h.logger.Warn("Capture start rejected",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sessionID,
		"status":     h.deps.Capture.Status().Status,
	})
}

// handleStop implements POST /capture/stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := h.deps.Capture.StopCapture()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": stopped,
		"status":  h.deps.Capture.Status(),
	})
}

// handleStatus implements GET /capture/status
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Capture.Status())
}

// handleEvents implements GET /capture/events as newline-delimited JSON. The
// current status is written first, then every change until the client leaves.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := h.deps.Capture.Subscribe()
	defer unsubscribe()

	rc := http.NewResponseController(w)
	// The stream outlives any server-wide write timeout
	rc.SetWriteDeadline(time.Time{}) //nolint:errcheck

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if err := enc.Encode(h.deps.Capture.Status()); err != nil {
		return
	}
	rc.Flush() //nolint:errcheck

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				h.logger.Debug("Event stream closed", slog.String("error", err.Error()))
				return
			}
			rc.Flush() //nolint:errcheck
		case <-r.Context().Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// handleQueue implements GET /queue
func (h *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"depth": 0, "entries": []queue.EntryInfo{}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depth":   h.deps.Queue.Len(),
		"entries": h.deps.Queue.List(),
	})
}

// handleFlush implements POST /queue/flush
func (h *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if h.deps.Retrier == nil {
		writeError(w, http.StatusNotFound, errors.New("pending upload queue is not enabled"))
		return
	}

	h.deps.Retrier.Trigger()
	h.logger.Info("Retry pass requested")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "scheduled"})
}

// handleDelivery implements GET /deliveries/{payload_id}
func (h *HTTPServer) handleDelivery(w http.ResponseWriter, r *http.Request) {
	payloadID := chi.URLParam(r, "payload_id")

	attempts := h.deps.Router.Attempts(payloadID)
	if len(attempts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no delivery attempts recorded for %s", payloadID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payload_id": payloadID,
		"attempts":   attempts,
	})
}

// handleStats implements GET /stats
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"capture":   h.deps.Capture.GetStats(),
		"delivery": map[string]interface{}{
			"routing":  h.deps.Router.GetStats(),
			"channels": h.deps.Router.Channels(),
		},
	}

	if h.deps.Queue != nil {
		stats["queue"] = map[string]interface{}{"depth": h.deps.Queue.Len()}
	}

	for name, fn := range h.deps.ComponentStats {
		stats[name] = fn()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements GET /config with secrets redacted
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Config == nil {
		writeError(w, http.StatusNotFound, errors.New("configuration not available"))
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Config.Redacted())
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	channels := h.deps.Router.Channels()

	available := 0
	for _, c := range channels {
		if c.Available {
			available++
		}
	}

	// Degraded still captures and queues, it just cannot upload right now
	status := "healthy"
	if available == 0 {
		status = "degraded"
	}

	components := map[string]interface{}{
		"capture": map[string]interface{}{
			"status": h.deps.Capture.Status().Status,
		},
		"delivery": map[string]interface{}{
			"channels":           channels,
			"available_channels": available,
		},
	}
	if h.deps.Queue != nil {
		components["queue"] = map[string]interface{}{"depth": h.deps.Queue.Len()}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "AHA Capture Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"POST /capture/start":          "Start a capture window",
			"POST /capture/stop":           "End the current window early",
			"GET /capture/status":          "Current capture status",
			"GET /capture/events":          "Status changes as newline-delimited JSON",
			"GET /queue":                   "Pending uploads",
			"POST /queue/flush":            "Retry pending uploads now",
			"GET /deliveries/{payload_id}": "Delivery attempts for a payload",
			"GET /stats":                   "Service statistics",
			"GET /config":                  "Service configuration (secrets redacted)",
			"GET /health":                  "Service health check",
			"GET /metrics":                 "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
