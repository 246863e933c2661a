// Command companion runs on the paired device. It receives relayed captures
// from the MQTT broker and uploads them to the ingestion endpoint, queueing
// whatever cannot be delivered yet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/aha-capture-service/internal/config"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
	"github.com/skypro1111/aha-capture-service/internal/queue"
	"github.com/skypro1111/aha-capture-service/internal/transport"
)

const (
	defaultConfigPath = "configs/companion.yaml"
	shutdownTimeout   = 10 * time.Second
	mqttConnectWait   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The companion always receives over the relay and uploads directly
	if err := cfg.Relay.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid relay configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.HTTPChannel.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid http_channel configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging).With("service", "companion")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	appMetrics := metrics.NewMetrics(registry)

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

	upload, err := transport.NewHTTPChannel(transport.HTTPConfig{
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
	upload.StartProbe()

	router := delivery.NewRouter(delivery.RouterConfig{
		SendTimeout: cfg.Delivery.GetSendTimeoutDuration(),
		HistorySize: cfg.Delivery.HistorySize,
	}, []delivery.Channel{upload}, pending, logger, appMetrics)

	retrier := queue.NewRetrier(pending, router, queue.RetryPolicy{
		Interval:    cfg.Delivery.GetRetryIntervalDuration(),
		MaxAttempts: cfg.Delivery.MaxAttempts,
		MaxAge:      cfg.Delivery.GetMaxAgeDuration(),
	}, logger, appMetrics)
	retrier.Start()

	receiver := transport.NewRelayReceiver(transport.RelayConfig{
		TopicPrefix: cfg.Relay.TopicPrefix,
		QoS:         byte(cfg.Relay.QoS),
		AckTimeout:  cfg.Relay.GetAckTimeoutDuration(),
	}, router, cfg.Delivery.GetSendTimeoutDuration()+cfg.HTTPChannel.GetTimeoutDuration(), logger)

	// Subscriptions are not kept across reconnects without a persistent
	// session, so subscribe on every connect
	client := transport.NewMQTTClient(transport.MQTTConfig{
		Broker:   cfg.Relay.Broker,
		ClientID: cfg.Relay.ClientID,
		Username: cfg.Relay.Username,
		Password: cfg.Relay.Password,
	}, logger, func(c mqtt.Client) {
		if err := receiver.Subscribe(c); err != nil {
			logger.Error("Failed to subscribe to relay topics", slog.String("error", err.Error()))
			return
		}
		// Back online, so flush whatever queued while the link was down
		retrier.Trigger()
	})

	if err := transport.ConnectMQTT(client, mqttConnectWait, logger); err != nil {
		logger.Error("Failed to connect relay broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = startMonitoring(cfg.HTTP, registry, logger, map[string]func() any{
			"receiver": func() any { return receiver.GetStats() },
			"upload":   func() any { return upload.GetStats() },
			"routing":  func() any { return router.GetStats() },
			"retry":    func() any { return retrier.GetStats() },
			"queue":    func() any { return pending.List() },
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Companion started",
		slog.String("broker", cfg.Relay.Broker),
		slog.String("topic_prefix", cfg.Relay.TopicPrefix),
		slog.String("endpoint", cfg.HTTPChannel.Endpoint),
		slog.Int("queued", pending.Len()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop taking new messages before cancelling the forwards in flight
	client.Disconnect(250)
	receiver.Close()
	retrier.Stop()
	upload.Close()

	if err := pending.Close(); err != nil {
		logger.Error("Error closing queue", slog.String("error", err.Error()))
	}

	stats := receiver.GetStats()
	logger.Info("Companion stopped",
		slog.Uint64("received", stats.Received),
		slog.Uint64("delivered", stats.Delivered),
		slog.Uint64("queued", stats.Queued),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("decode_errors", stats.DecodeErrors),
	)
}

// startMonitoring serves /health, /stats and /metrics
func startMonitoring(cfg config.HTTPConfig, gatherer prometheus.Gatherer, logger *slog.Logger, sections map[string]func() any) *http.Server {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"status": "healthy", "timestamp": time.Now().UTC()})
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any, len(sections))
		for name, fn := range sections {
			out[name] = fn()
		}
		writeJSON(w, out)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting monitoring server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return srv
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// initLogger creates the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	output := os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(output, opts))
	}
	return slog.New(slog.NewJSONHandler(output, opts))
}
