package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/ai"
	"github.com/arc-self/incident-service/internal/breaker"
	"github.com/arc-self/incident-service/internal/config"
	"github.com/arc-self/incident-service/internal/handler"
	"github.com/arc-self/incident-service/internal/hub"
	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/natsclient"
	"github.com/arc-self/incident-service/internal/queue"
	"github.com/arc-self/incident-service/internal/ratelimit"
	"github.com/arc-self/incident-service/internal/relay"
	"github.com/arc-self/incident-service/internal/scoring"
	"github.com/arc-self/incident-service/internal/spike"
	"github.com/arc-self/incident-service/internal/store"
	"github.com/arc-self/incident-service/internal/telemetry"
	"github.com/arc-self/incident-service/internal/worker"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- Configuration (env + Vault overlay) ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}
	if err := cfg.ApplySecrets(); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	// --- OpenTelemetry Tracer ---
	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "incident-service", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	// --- Store (Postgres, or in-memory for local dev) ---
	var st store.Store
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to parse DATABASE_URL", zap.Error(err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		logger.Info("connected to database (OTel-instrumented)")
	} else {
		st = store.NewMemory()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// --- NATS JetStream (optional) ---
	var natsClient *natsclient.Client
	var incidentRelay hub.Relay
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS initialization failed", zap.Error(err))
		}
		defer natsClient.Close()

		if err := natsClient.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		incidentRelay = relay.NewIncidentRelay(natsClient, logger)
	} else {
		logger.Warn("NATS_URL not set, event ingest runs HTTP-only")
	}

	// --- Broadcast Hub ---
	h := hub.New(hub.Config{}, incidentRelay, logger)

	// --- Ingest Queue ---
	q := queue.New(st.Events(), func(events []model.Event) {
		for _, e := range events {
			h.PublishEvent(e)
		}
	}, queue.Config{
		MaxSize:            cfg.QueueMaxSize,
		InsertBatchSize:    cfg.QueueBatchSize,
		InsertInterval:     cfg.QueueBatchInterval,
		BroadcastBatchSize: cfg.BroadcastBatchSize,
		BroadcastInterval:  cfg.BroadcastBatchInterval,
	}, logger)

	// --- Spike Detection & Scoring ---
	detector := spike.NewDetector(st.Stats(), spike.Config{
		WindowSize:      cfg.SpikeWindow,
		HistoryWindows:  cfg.SpikeHistoryWindows,
		StdDevThreshold: cfg.SpikeStdDevThreshold,
		MinDataPoints:   cfg.SpikeMinDataPoints,
	}, logger)
	scorer := scoring.NewScorer(cfg.CriticalServices)

	// --- AI Client (circuit-broken, provider optional) ---
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	})
	var provider ai.Provider
	switch {
	case cfg.AIProvider == "openai" && cfg.OpenAIAPIKey != "":
		provider = ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.AIModel)
	case cfg.AnthropicAPIKey != "":
		provider = ai.NewClaudeProvider(cfg.AnthropicAPIKey, cfg.AIModel)
	default:
		logger.Warn("no AI API key configured, incidents get fallback summaries only")
	}
	aiClient := ai.NewClient(provider, br, ai.ClientConfig{
		MaxRetries: cfg.SummarizationMaxRetries,
	}, logger)

	// --- Workers ---
	summarizer := ai.NewSummarizer(st, aiClient, h,
		func() bool { return q.UnderPressure(0.8) },
		ai.SummarizerConfig{
			Interval:  cfg.SummarizationInterval,
			BatchSize: cfg.SummarizationBatchSize,
		}, logger)

	aggregator := worker.NewAggregator(st, detector, scorer, h, worker.AggregatorConfig{
		Interval: cfg.AggregationInterval,
		Window:   cfg.AggregationWindow,
	}, logger)

	limiter := ratelimit.New(ratelimit.Config{
		Window: cfg.RateLimitWindow,
		Limit:  cfg.RateLimitMaxRequests,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){q.Run, h.Run, aggregator.Run, summarizer.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(workerCtx)
		}(run)
	}

	// --- Maintenance Cron ---
	maintenance := worker.NewMaintenance(detector, limiter, logger)
	if err := maintenance.Start(workerCtx); err != nil {
		logger.Fatal("maintenance scheduler start failed", zap.Error(err))
	}

	// --- NATS Ingest Consumer ---
	if natsClient != nil {
		ingest := relay.NewIngestConsumer(natsClient, q, logger)
		if err := ingest.Start(workerCtx); err != nil {
			logger.Fatal("ingest consumer start failed", zap.Error(err))
		}
	}

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	if cfg.OTELEndpoint != "" {
		e.Use(otelecho.Middleware("incident-service"))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	api := handler.New(st, q, limiter, h, summarizer, aiClient, logger)
	api.Register(e)

	go func() {
		logger.Info("incident-service HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Drain HTTP connections first so no new events arrive.
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}

	// Stop workers; the queue flushes its remaining batch on cancel.
	workerCancel()
	wg.Wait()

	h.CloseAll()
	maintenance.Stop()

	logger.Info("incident-service shut down cleanly")
}
