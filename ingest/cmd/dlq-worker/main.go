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
	"platform-order-pipeline/ingest/internal/dlq"
	"platform-order-pipeline/ingest/internal/platform"
	"platform-order-pipeline/ingest/internal/repos"
	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/dbx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
	"platform-order-pipeline/shared/observability"
)

const purgeSchedule = "0 3 * * *"

func main() {
	cfg, problems := config.Load("dlq-worker", 8082)
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
	deadLetters := repos.NewDeadLettersRepo(dbPool)
	dispatcher := dispatch.New(ordersRepo, logger)
	sweeper := dlq.NewSweeper(deadLetters, dispatcher, 50,
		time.Duration(cfg.DLQRetentionDays)*24*time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker-based reprocessor; runs only when the transport is enabled.
	consumerDone := make(chan error, 1)
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) > 0 {
		reprocessor := dlq.NewReprocessor(producer, deadLetters, cfg.DLQMaxRetries, logger)
		runner, err := mqx.NewRunner(cfg, events.GroupDLQReprocessors,
			[]string{events.TopicPlatformWebhooksDLQ, events.TopicOrderStatusSyncDLQ}, logger)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "kafka reader init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer func() { _ = runner.Close() }()
		go func() {
			logger.Info(ctx, "reprocessor_start", "dlq reprocessor started",
				slog.String("group", events.GroupDLQReprocessors),
			)
			consumerDone <- runner.Run(ctx, reprocessor.Handle)
		}()
	} else {
		logger.Info(ctx, "reprocessor_disabled", "transport disabled, durable sweep only")
	}

	// Scheduler-based durable sweep, for parked records and disabled-transport
	// deployments.
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
	mux.HandleFunc(dlq.TaskSweep, func(ctx context.Context, t *asynq.Task) error {
		return sweeper.Sweep(ctx)
	})
	mux.HandleFunc(dlq.TaskPurge, func(ctx context.Context, t *asynq.Task) error {
		return sweeper.Purge(ctx)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.DLQSweepSec)+"s",
		asynq.NewTask(dlq.TaskSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(ctx, "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register(purgeSchedule,
		asynq.NewTask(dlq.TaskPurge, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(ctx, "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(ctx, "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker_start", "dlq worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("sweep_sec", cfg.DLQSweepSec),
			slog.Int("retention_days", cfg.DLQRetentionDays),
		)
		serverDone <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	case err := <-serverDone:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(ctx, "worker_failed", "dlq worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	case err := <-consumerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "reprocessor_failed", "dlq reprocessor failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "dlq worker stopped")
}
