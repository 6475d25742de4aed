package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/platform"
	"platform-order-pipeline/ingest/internal/repos"
	"platform-order-pipeline/ingest/internal/syncer"
	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/dbx"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
	"platform-order-pipeline/shared/observability"
)

func main() {
	cfg, problems := config.Load("sync-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	producer, err := mqx.NewProducer(cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	ordersRepo := repos.NewPlatformOrdersRepo(dbPool, platform.MapStatus)
	stateRepo := repos.NewSyncStateRepo(dbPool)
	dispatcher := dispatch.New(ordersRepo, logger)
	clients := platform.NewFactory(cfg.RequestTimeout)

	sync := syncer.New(ordersRepo, stateRepo, clients, producer, dispatcher,
		time.Duration(cfg.SyncLookbackHours)*time.Hour, 24*time.Hour, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(syncer.TaskPollSweep, func(ctx context.Context, t *asynq.Task) error {
		return sync.PollSweep(ctx)
	})
	mux.HandleFunc(syncer.TaskDriftSweep, func(ctx context.Context, t *asynq.Task) error {
		return sync.DriftSweep(ctx)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.SyncPollSec)+"s",
		asynq.NewTask(syncer.TaskPollSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.SyncDriftSec)+"s",
		asynq.NewTask(syncer.TaskDriftSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "sync worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("poll_sec", cfg.SyncPollSec),
			slog.Int("drift_sec", cfg.SyncDriftSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "sync worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "sync worker stopped")
}
