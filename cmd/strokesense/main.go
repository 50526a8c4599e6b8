package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"strokesense/internal/api"
	"strokesense/internal/cfg"
	"strokesense/internal/dl"
	"strokesense/internal/metrics"
	"strokesense/internal/ml"
	"strokesense/internal/notify"
	"strokesense/internal/predict"
	"strokesense/internal/storage"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage initialization failed")
	}
	defer store.Close()

	// Both models are required; the service does not start degraded.
	tabular, err := ml.New(c.MLModelPath, c.MLMetadataPath, m)
	if err != nil {
		log.Fatal().Err(err).Msg("tabular model load failed")
	}
	defer tabular.Close()

	image, err := dl.New(c.DLModelPath, c.DLMetadataPath, m)
	if err != nil {
		log.Fatal().Err(err).Msg("image model load failed")
	}
	defer image.Close()

	notifier := notify.New(c.AlertWebhookURL, c.AlertTimeout, m)
	if notifier.Enabled() {
		log.Info().Str("webhook_url", c.AlertWebhookURL).Msg("high-risk alerts enabled")
	}

	hub := api.NewHub(m)
	pipeline := predict.New(tabular, image, store, notifier, hub, m)

	server := api.NewServer(api.Config{
		ListenPort:     c.ListenPort,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		RequestTimeout: c.RequestTimeout,
	}, pipeline, store, api.ModelInfo{
		ML: tabular.Metadata(),
		DL: image.Metadata(),
	}, hub)

	startMetricsServer(ctx, c.MetricsPort)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging() {
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

// startMetricsServer serves Prometheus metrics and a liveness endpoint
// on a separate port.
func startMetricsServer(ctx context.Context, port int) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		log.Info().Str("address", server.Addr).Msg("starting metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// waitForShutdown blocks until a termination signal arrives or the
// context is cancelled.
func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
}
