package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/aha-capture-service/internal/capture"
	"github.com/skypro1111/aha-capture-service/internal/config"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
	"github.com/skypro1111/aha-capture-service/internal/queue"
	"github.com/skypro1111/aha-capture-service/internal/server"
	"github.com/skypro1111/aha-capture-service/internal/source"
	"github.com/skypro1111/aha-capture-service/internal/transport"
	"github.com/skypro1111/aha-capture-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "aha-capture-service"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
	mqttConnectWait   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single capture window, deliver it and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Float64("window_seconds", cfg.Capture.WindowSeconds),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.String("source", cfg.Capture.Source),
		slog.Any("channels", cfg.Delivery.Channels),
		slog.String("queue_path", cfg.Delivery.QueuePath),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Pending upload queue
	store, err := queue.OpenBoltStore(cfg.Delivery.QueuePath)
	if err != nil {
		logger.Error("Failed to open queue store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pending, err := queue.Open(store, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to load pending uploads", slog.String("error", err.Error()))
		store.Close()
		os.Exit(1)
	}
	logger.Info("Pending upload queue opened", slog.Int("depth", pending.Len()))

	// Transport channels in preference order
	var (
		channels    []delivery.Channel
		httpChannel *transport.HTTPChannel
		relay       *transport.RelayChannel
		mqttClient  mqtt.Client
	)

	for _, name := range cfg.Delivery.Channels {
		switch name {
		case config.ChannelHTTP:
			httpChannel, err = transport.NewHTTPChannel(transport.HTTPConfig{
				Endpoint:      cfg.HTTPChannel.Endpoint,
				APIToken:      cfg.HTTPChannel.APIToken,
				Timeout:       cfg.HTTPChannel.GetTimeoutDuration(),
				UserAgent:     cfg.HTTPChannel.UserAgent,
				ProbeInterval: cfg.HTTPChannel.GetProbeIntervalDuration(),
			}, logger)
			if err != nil {
				logger.Error("Failed to create HTTP channel", slog.String("error", err.Error()))
				os.Exit(1)
			}
			httpChannel.StartProbe()
			channels = append(channels, httpChannel)

		case config.ChannelRelay:
			mqttClient = transport.NewMQTTClient(transport.MQTTConfig{
				Broker:   cfg.Relay.Broker,
				ClientID: cfg.Relay.ClientID,
				Username: cfg.Relay.Username,
				Password: cfg.Relay.Password,
			}, logger, nil)

			if err := transport.ConnectMQTT(mqttClient, mqttConnectWait, logger); err != nil {
				logger.Error("Failed to connect relay broker", slog.String("error", err.Error()))
				os.Exit(1)
			}

			relay = transport.NewRelayChannel(mqttClient, relayConfig(cfg.Relay), logger)
			channels = append(channels, relay)
		}
	}

	router := delivery.NewRouter(delivery.RouterConfig{
		SendTimeout: cfg.Delivery.GetSendTimeoutDuration(),
		HistorySize: cfg.Delivery.HistorySize,
	}, channels, pending, logger, appMetrics)
	logger.Info("Delivery router initialized", slog.Int("channels", len(channels)))

	retrier := queue.NewRetrier(pending, router, queue.RetryPolicy{
		Interval:    cfg.Delivery.GetRetryIntervalDuration(),
		MaxAttempts: cfg.Delivery.MaxAttempts,
		MaxAge:      cfg.Delivery.GetMaxAgeDuration(),
	}, logger, appMetrics)
	retrier.Start()

	// Audio source and capture manager
	sources := newSourceFactory(cfg, logger, appMetrics)

	activity := vad.DefaultConfig()
	if cfg.Capture.SpeechThreshold > 0 {
		activity.Threshold = cfg.Capture.SpeechThreshold
	}

	manager, err := capture.NewManager(capture.ManagerConfig{
		Window:   cfg.Capture.GetWindowDuration(),
		Activity: &activity,
	}, sources.create, capture.StaticAuthorizer(cfg.Capture.MicrophonePermission), router, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create capture manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Capture manager initialized",
		slog.Duration("window", cfg.Capture.GetWindowDuration()),
		slog.String("source", cfg.Capture.Source),
	)

	// Control API (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		componentStats := map[string]func() any{
			"source": sources.stats,
			"retry":  func() any { return retrier.GetStats() },
		}
		if httpChannel != nil {
			componentStats["http_channel"] = func() any { return httpChannel.GetStats() }
		}
		if relay != nil {
			componentStats["relay"] = func() any { return relay.GetStats() }
		}

		httpServer = server.NewHTTPServer(cfg.HTTP, logger, server.Deps{
			Capture:        manager,
			Router:         router,
			Queue:          pending,
			Retrier:        retrier,
			Config:         cfg,
			Metrics:        appMetrics,
			Gatherer:       registry,
			ComponentStats: componentStats,
		})

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		go func() {
			runOnce(ctx, manager, logger)
			cancel()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// A capture in progress is cut short; its payload is still routed or queued
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping capture manager", slog.String("error", err.Error()))
	}

	retrier.Stop()

	if httpChannel != nil {
		httpChannel.Close()
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	if err := pending.Close(); err != nil {
		logger.Error("Error closing queue", slog.String("error", err.Error()))
	}

	stats := router.GetStats()
	logger.Info("Final delivery statistics",
		slog.Uint64("routed", stats.Routed),
		slog.Uint64("delivered", stats.Delivered),
		slog.Uint64("queued", stats.Queued),
		slog.Uint64("failed", stats.Failed),
	)

	logger.Info("Service stopped")
}

// runOnce starts one capture and waits for it to reach a final status
func runOnce(ctx context.Context, manager *capture.Manager, logger *slog.Logger) {
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	sessionID, err := manager.StartCapture(ctx)
	if err != nil {
		logger.Error("Failed to start capture", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.SessionID != sessionID {
				continue
			}
			if event.Status == capture.StatusCompleted || event.Status == capture.StatusFailed {
				logger.Info("Capture finished",
					slog.String("session_id", sessionID),
					slog.String("status", string(event.Status)),
					slog.String("delivery", string(event.Delivery)),
					slog.String("payload_id", event.PayloadID),
				)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func relayConfig(cfg config.RelayConfig) transport.RelayConfig {
	return transport.RelayConfig{
		TopicPrefix:    cfg.TopicPrefix,
		QoS:            byte(cfg.QoS),
		InlineMaxBytes: cfg.InlineMaxBytes,
		AckTimeout:     cfg.GetAckTimeoutDuration(),
	}
}

// sourceFactory builds a fresh audio source per capture and remembers the
// latest one for statistics
type sourceFactory struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	lastUDP atomic.Pointer[source.UDP]
}

func newSourceFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *sourceFactory {
	return &sourceFactory{cfg: cfg, logger: logger, metrics: m}
}

func (f *sourceFactory) create() (capture.Source, error) {
	c := f.cfg.Capture

	switch c.Source {
	case config.SourceUDP:
		u := source.NewUDP(f.cfg.UDPSource, c.SampleRate, f.logger, f.metrics)
		f.lastUDP.Store(u)
		return u, nil
	case config.SourceMicrophone:
		return source.NewMicrophone(c.SampleRate, c.ChunkSize, f.logger)
	default:
		return source.NewSynthetic(source.SyntheticConfig{
			SampleRate: c.SampleRate,
			ChunkSize:  c.ChunkSize,
			Frequency:  c.ToneFrequency,
			Realtime:   true,
		})
	}
}

func (f *sourceFactory) stats() any {
	if u := f.lastUDP.Load(); u != nil {
		return u.GetStats()
	}
	return map[string]string{"kind": f.cfg.Capture.Source}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
