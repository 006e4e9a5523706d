package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"product-analysis-queue/internal/api"
	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/history"
	"product-analysis-queue/internal/logging"
	"product-analysis-queue/internal/queue"
	"product-analysis-queue/internal/ratelimit"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := queue.NewClient(cfg.Redis)
	if err != nil {
		logger.Fatal("redis client", zap.Error(err))
	}
	defer rdb.Close()
	manager := queue.NewManager(rdb, cfg.Queue, logger)

	opts := []api.Option{
		api.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.Queue.KeyPrefix, cfg.RateLimit)),
	}
	if cfg.Postgres.DSN != "" {
		archive, err := history.Open(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("open history archive", zap.Error(err))
		}
		defer archive.Close()
		opts = append(opts, api.WithHistory(archive))
	}

	server := api.New(manager, logger, opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.Server.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
