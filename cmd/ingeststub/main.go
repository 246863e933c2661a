// Command ingeststub serves a local ingestion endpoint for development. It
// validates uploaded WAV bodies and answers with JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/config"
	"github.com/skypro1111/aha-capture-service/internal/ingest"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	path := flag.String("path", ingest.DefaultUploadPath, "Upload path")
	failEvery := flag.Int("fail-every", 0, "Answer every Nth upload with 503 (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Same token source as the capture service, so a shared .env works for both
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn("Failed to load .env", slog.String("error", err.Error()))
	}
	token := os.Getenv(config.EnvAPIToken)

	handler := ingest.NewHandler(ingest.Config{
		APIToken:  token,
		FailEvery: *failEvery,
	}, logger)

	srv := &http.Server{
		Addr:        *addr,
		Handler:     handler.Routes(*path),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Ingest stub starting",
			slog.String("address", *addr),
			slog.String("path", *path),
			slog.Bool("auth", token != ""),
			slog.Int("fail_every", *failEvery),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
	}

	stats := handler.GetStats()
	logger.Info("Ingest stub stopped",
		slog.Uint64("accepted", stats.Accepted),
		slog.Uint64("duplicates", stats.Duplicates),
		slog.Uint64("rejected", stats.Rejected),
	)
}
