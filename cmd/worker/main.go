package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"product-analysis-queue/internal/analysis"
	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/export"
	"product-analysis-queue/internal/history"
	"product-analysis-queue/internal/logging"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/notify"
	"product-analysis-queue/internal/queue"
	"product-analysis-queue/internal/scoring"
	"product-analysis-queue/internal/scraper"
	"product-analysis-queue/internal/sheets"
	"product-analysis-queue/internal/telemetry"
	workerproc "product-analysis-queue/internal/worker"
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

	scorer, err := scoring.New(ctx, cfg.AI, logger)
	if err != nil {
		logger.Fatal("init scorer", zap.Error(err))
	}

	var sink analysis.Appender
	switch s, err := sheets.New(ctx, cfg.Sheets, logger); {
	case errors.Is(err, sheets.ErrNotConfigured):
		logger.Info("spreadsheet sink disabled")
	case err != nil:
		logger.Fatal("init sheets", zap.Error(err))
	default:
		sink = s
	}

	analyzer := analysis.New(scorer, scraper.New(cfg.Scraper, logger), sink, logger)

	processor := workerproc.NewProcessor(cfg.Worker, manager, logger)
	processor.RegisterHandler(models.TypeProductAnalysis, analyzer.AnalyzeProducts)
	processor.RegisterHandler(models.TypeKeywordAnalysis, analyzer.AnalyzeKeyword)

	if cfg.Postgres.DSN != "" {
		archive, err := history.Open(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("open history archive", zap.Error(err))
		}
		defer archive.Close()
		processor.AddObserver(archive)
	}

	exporter, err := export.New(ctx, cfg.Export, logger)
	if err != nil {
		logger.Fatal("init export", zap.Error(err))
	}
	if exporter != nil {
		defer exporter.Close()
		processor.AddObserver(exporter)
	}

	if wh := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout, logger); wh != nil {
		processor.AddObserver(wh)
	}
	if cfg.Notify.PubSubTopic != "" {
		pub, err := notify.NewPublisher(ctx, cfg.Notify.PubSubProject, cfg.Notify.PubSubTopic, logger)
		if err != nil {
			logger.Fatal("init pubsub", zap.Error(err))
		}
		defer pub.Close()
		processor.AddObserver(pub)
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		hb := processor.Health()
		code := http.StatusOK
		if hb.State == string(workerproc.StateHalted) {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(hb)
	})
	r.Mount("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.Duration("handler_timeout", cfg.Worker.HandlerTimeout),
		zap.Duration("backoff_initial", cfg.Worker.BackoffInitial))

	err = processor.Run(ctx)
	switch {
	case errors.Is(err, workerproc.ErrHalted):
		logger.Error("worker loop halted, manual intervention required; health endpoint stays up")
		<-ctx.Done()
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("worker exited")
}
