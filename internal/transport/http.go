package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/delivery"
)

// ChannelNameHTTP is the route name of the direct upload channel
const ChannelNameHTTP = "http"

// maxResponseBytes bounds how much of an upstream response is kept
const maxResponseBytes = 1 << 20

var _ delivery.Channel = (*HTTPChannel)(nil)

// HTTPConfig contains direct upload configuration
type HTTPConfig struct {
	Endpoint      string
	APIToken      string
	Timeout       time.Duration
	UserAgent     string
	ProbeInterval time.Duration // 0 disables reachability probing
	ProbeTimeout  time.Duration
	MaxConcurrent int
}

// HTTPStats represents upload statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	Available       bool          `json:"available"`
	LastStatus      int           `json:"last_status,omitempty"`
}

// HTTPChannel posts payloads to the ingestion endpoint
type HTTPChannel struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{}
	probeAddr  string
	logger     *slog.Logger

	available atomic.Bool

	// Probe lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
	lastStatus      int

	mu sync.RWMutex
}

// NewHTTPChannel creates a direct upload channel. It starts out available;
// call StartProbe to track reachability in the background.
func NewHTTPChannel(config HTTPConfig, logger *slog.Logger) (*HTTPChannel, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	endpoint, err := url.Parse(config.Endpoint)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, fmt.Errorf("endpoint must be an absolute http(s) URL, got %q", config.Endpoint)
	}

	if config.APIToken == "" {
		return nil, fmt.Errorf("API token cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 2 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.UserAgent == "" {
		config.UserAgent = "aha-capture/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &HTTPChannel{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		probeAddr:  hostPort(endpoint),
		logger:     logger.With("component", "http_channel"),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.available.Store(true)

	return c, nil
}

// Name returns the route name
func (c *HTTPChannel) Name() string {
	return ChannelNameHTTP
}

// Available returns the last known reachability without blocking
func (c *HTTPChannel) Available() bool {
	return c.available.Load()
}

// Send uploads the payload. 2xx returns the response body; other statuses
// return a *delivery.StatusError carrying the upstream status and body.
func (c *HTTPChannel) Send(ctx context.Context, p *delivery.Payload) ([]byte, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, delivery.Retriable(ctx.Err())
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	body, status, err := c.doRequest(ctx, p)
	c.recordResult(status, err == nil, time.Since(startTime))

	if err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		c.logger.Warn("Ingestion endpoint returned a non-JSON success body",
			slog.String("payload_id", p.ID()),
			slog.Int("status", status),
			slog.Int("body_size", len(body)),
		)
	}

	return body, nil
}

// doRequest performs a single upload
func (c *HTTPChannel) doRequest(ctx context.Context, p *delivery.Payload) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, p.Reader())
	if err != nil {
		return nil, 0, delivery.Fatal(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "audio/wav")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Payload-ID", p.ID())
	httpReq.Header.Set("X-Sample-Rate", strconv.Itoa(p.SampleRate()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, delivery.Retriable(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, delivery.Retriable(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, delivery.NewStatusError(resp.StatusCode, respBody)
	}

	return respBody, resp.StatusCode, nil
}

// StartProbe periodically dials the endpoint host and updates Available
func (c *HTTPChannel) StartProbe() {
	if c.config.ProbeInterval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.probeLoop()
}

// Close stops the probe and waits for in-flight uploads
func (c *HTTPChannel) Close() error {
	c.cancel()
	c.wg.Wait()

	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()

	return nil
}

// Probe dials the endpoint once and records the result
func (c *HTTPChannel) Probe(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: c.config.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.probeAddr)
	reachable := err == nil
	if conn != nil {
		conn.Close()
	}

	if previous := c.available.Swap(reachable); previous != reachable {
		attrs := []any{slog.String("address", c.probeAddr), slog.Bool("available", reachable)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.logger.Info("Ingestion endpoint reachability changed", attrs...)
	}

	return reachable
}

func (c *HTTPChannel) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ProbeInterval)
	defer ticker.Stop()

	c.Probe(c.ctx)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Probe(c.ctx)
		}
	}
}

// GetStats returns current upload statistics
func (c *HTTPChannel) GetStats() HTTPStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
		Available:       c.available.Load(),
		LastStatus:      c.lastStatus,
	}
}

func (c *HTTPChannel) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *HTTPChannel) recordResult(status int, success bool, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.successRequests++
	} else {
		c.failedRequests++
	}
	if status != 0 {
		c.lastStatus = status
	}

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// hostPort returns host:port for u, filling in the scheme's default port
func hostPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
