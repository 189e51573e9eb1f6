package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chainvault/internal/config"
	httpinfra "chainvault/internal/infra/http"
	"chainvault/internal/logging"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise")
	}
	defer app.close()

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Vaults:      app.coordinator,
		Metrics:     app.metrics.Handler(),
		RateLimiter: app.rateLimiter,
		Logger:      log,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
		app.close()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
