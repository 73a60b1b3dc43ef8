package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/app"
	"github.com/ent0n29/tracerail/internal/config"
	"github.com/ent0n29/tracerail/internal/logging"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("TRACERAIL_ENV_FILE")); err != nil {
		log.Fatalf("dotenv error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build failed", zap.Error(err))
	}
	built.Sweeper.Start()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("routing_engine", built.Engine.Health().Engine),
			zap.Int("recovered_tasks", built.Recovered),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
