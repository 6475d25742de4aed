package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/dlq"
	"platform-order-pipeline/ingest/internal/platform"
	"platform-order-pipeline/ingest/internal/processor"
	"platform-order-pipeline/ingest/internal/repos"
	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/dbx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/httpx"
	"platform-order-pipeline/shared/idemx"
	"platform-order-pipeline/shared/influxx"
	"platform-order-pipeline/shared/lockx"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
	"platform-order-pipeline/shared/observability"
	"platform-order-pipeline/shared/redisx"
)

func main() {
	cfg, problems := config.Load("webhook-consumer", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if !cfg.KafkaEnabled {
		problems = append(problems, config.Problem{Field: "KAFKA_ENABLED", Message: "consumer requires an enabled transport"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	redisClient, err := redisx.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	producer, err := mqx.NewProducer(cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	telemetry, err := influxx.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "influx_init_failed", "telemetry disabled",
			slog.String("error", err.Error()),
		)
	}
	defer telemetry.Close()

	ordersRepo := repos.NewPlatformOrdersRepo(dbPool, platform.MapStatus)
	deadLetters := repos.NewDeadLettersRepo(dbPool)
	dispatcher := dispatch.New(ordersRepo, logger)
	parker := dlq.NewProducer(producer, deadLetters, cfg.DLQMaxRetries, logger)
	idemStore := idemx.NewStore(redisClient, logger, cfg.IdempotencyTTL())
	locks := lockx.NewManager(redisClient.Redis())

	proc := processor.New(dispatcher, idemStore, locks, producer, parker, telemetry, logger, processor.Options{
		LockTTL:        cfg.LockTTL(),
		LockRetryCount: cfg.LockRetryCount,
		LockRetryDelay: cfg.LockRetryDelay(),
		MaxLockRetries: cfg.MaxLockRetries,
		RequeueDelay:   cfg.RequeueDelay(),
		IdempotencyTTL: cfg.IdempotencyTTL(),
	})

	runner, err := mqx.NewRunner(cfg, events.GroupWebhookProcessors,
		[]string{events.TopicPlatformWebhooks, events.TopicOrderStatusSync}, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = runner.Close() }()

	// Health probes only; the real work happens on the consumer loop.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable", nil)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: redis unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "consumer_start", "webhook consumer started",
			slog.String("group", events.GroupWebhookProcessors),
			slog.Any("topics", []string{events.TopicPlatformWebhooks, events.TopicOrderStatusSync}),
		)
		errCh <- runner.Run(ctx, proc.Handle)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "consumer_failed", "consumer failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "consumer_stop", "webhook consumer stopped")
}
