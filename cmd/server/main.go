package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"speech-to-video/internal/app"
	"speech-to-video/internal/orchestrator"
	"speech-to-video/internal/platform/config"
	"speech-to-video/internal/platform/logger"
	"speech-to-video/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	settings := config.FromEnv()

	log := logger.New(settings.LogLevel, settings.LogFormat)
	met := metrics.New()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.Build(ctx, settings, log, met)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	go a.Sweep(ctx, settings.RateWindow)

	h := orchestrator.NewHandler(a.Service, log, met, settings.ProgressTick)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(a.UpdateGauges).ServeHTTP(w, r)
	})
	h.Mount(r)

	addr := ":" + settings.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	setup := a.Service.Setup()
	log.Info("server starting",
		"port", settings.Port,
		"clip_ceiling_seconds", settings.ClipCeilingSeconds,
		"rate_limit", settings.RateLimit,
		"playlist_backend", setup.PlaylistBackend,
		"stitching", setup.StitchingAvailable,
		"log_level", settings.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := a.Service.Shutdown(shutdownCtx); err != nil {
		log.Warn("background generations cancelled", "error", err)
	}
	stop()

	log.Info("server stopped")
}
