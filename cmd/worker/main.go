// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-photo-ingest/internal/app"
	"github.com/tendant/simple-photo-ingest/internal/config"
	"github.com/tendant/simple-photo-ingest/internal/consumer"
	"github.com/tendant/simple-photo-ingest/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.RequireQueue(); err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"queue_url", cfg.QueueURL,
		"object_store", cfg.ObjectStore,
		"bucket", cfg.Bucket,
		"max_concurrent", cfg.MaxConcurrent,
		"visibility_timeout", cfg.VisibilityTimeout,
		"thumbnail_sizes", cfg.ThumbnailSizes,
		"notify_backend", cfg.NotifyBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build worker", err)
	}
	defer a.Close()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = serveMetrics(cfg.MetricsAddr, a, logger)
	}

	c := consumer.New(a.Queue, a.Pipeline, consumer.Config{
		MaxConcurrent:     cfg.MaxConcurrent,
		VisibilityTimeout: cfg.VisibilityTimeout,
		WaitTime:          cfg.WaitTime,
		DrainTimeout:      cfg.DrainTimeout,
	}, logger, consumer.WithRecorder(a.Metrics))

	if err := c.Run(ctx); err != nil {
		logger.Warn("worker stopped with jobs outstanding", "err", err, "in_flight", c.InFlight())
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	logger.Info("worker stopped")
}

func serveMetrics(addr string, a *app.App, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.Registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
