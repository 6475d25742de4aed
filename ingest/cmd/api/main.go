package main

import (
	"context"
	"encoding/json"
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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/dlq"
	"platform-order-pipeline/ingest/internal/health"
	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/ingest/internal/platform"
	"platform-order-pipeline/ingest/internal/repos"
	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/dbx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/httpx"
	"platform-order-pipeline/shared/idemx"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
	"platform-order-pipeline/shared/observability"
	"platform-order-pipeline/shared/redisx"
	"platform-order-pipeline/shared/tenantx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type webhookRequest struct {
	EventType string          `json:"eventType"`
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Order     json.RawMessage `json:"order,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("ingest-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	defer func() {
		if dbPool != nil {
			dbPool.Close()
		}
	}()

	var redisClient *redisx.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = redisx.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

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
	parker := dlq.NewProducer(producer, deadLetters, cfg.DLQMaxRetries, logger)
	idemStore := idemx.NewStore(redisClient, logger, cfg.IdempotencyTTL())

	monitor := health.NewMonitor(
		health.NewKafkaLagReader(cfg.KafkaBrokers),
		[]health.GroupSpec{
			{GroupID: events.GroupWebhookProcessors, Topics: []string{events.TopicPlatformWebhooks, events.TopicOrderStatusSync}},
			{GroupID: events.GroupDLQReprocessors, Topics: []string{events.TopicPlatformWebhooksDLQ, events.TopicOrderStatusSyncDLQ}},
		},
		cfg.LagAlertThreshold,
		logger,
	)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Watch(monitorCtx, 30*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems})
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"})
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: redis unavailable",
				map[string]any{"problem": "redis_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/pipeline/health", func(w http.ResponseWriter, r *http.Request) {
		status := monitor.Status()
		code := http.StatusOK
		if status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		body := map[string]any{
			"status":      status,
			"connected":   monitor.Connected(),
			"threshold":   cfg.LagAlertThreshold,
			"consumerLag": monitor.Metrics(),
		}
		if msg := monitor.LastError(); msg != "" {
			body["error"] = msg
		}
		httpx.WriteJSON(w, code, body)
	})
	mux.HandleFunc("GET /api/v1/pipeline/metrics", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"enabled":     monitor.Enabled(),
			"connected":   monitor.Connected(),
			"consumerLag": monitor.Metrics(),
		})
	})

	mux.HandleFunc("POST /webhooks/{platform}", func(w http.ResponseWriter, r *http.Request) {
		platformType, err := models.ParsePlatform(r.PathValue("platform"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown platform", nil)
			return
		}
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing X-Tenant-ID header", nil)
			return
		}
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
			return
		}
		if req.OrderID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "orderId is required", nil)
			return
		}
		payload, err := webhookPayload(req, tenantID, platformType)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		env, err := events.New("webhook:"+string(platformType), payload, events.NewOptions{
			TenantID:      tenantID,
			CorrelationID: strings.TrimSpace(r.Header.Get("X-Correlation-ID")),
		})
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "could not build event", nil)
			return
		}

		// The platform is ACKed only once the event is broker-accepted or
		// safely parked; our own retry machinery owns everything after that.
		// When neither happened the platform must keep retrying.
		if producer.Enabled() {
			_, err := producer.SendEnvelope(r.Context(), events.TopicPlatformWebhooks, env, mqx.SendOptions{
				Key:           events.PartitionKey(tenantID, string(platformType), req.OrderID),
				TenantID:      tenantID,
				CorrelationID: env.CorrelationID,
			})
			if err != nil {
				logger.Error(r.Context(), "webhook_publish_failed", "webhook publish failed, parking event",
					slog.String("eventId", env.EventID),
					slog.String("error", err.Error()),
				)
				if parkErr := parker.ParkDurable(r.Context(), env, events.TopicPlatformWebhooks, err); parkErr != nil {
					httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE",
						"event could not be queued, retry later", nil)
					return
				}
			}
		} else {
			if _, err := dispatcher.Dispatch(r.Context(), env); err != nil {
				logger.Error(r.Context(), "webhook_dispatch_failed", "direct dispatch failed, parking event",
					slog.String("eventId", env.EventID),
					slog.String("error", err.Error()),
				)
				if parkErr := parker.ParkDurable(r.Context(), env, events.TopicPlatformWebhooks, err); parkErr != nil {
					httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE",
						"event could not be queued, retry later", nil)
					return
				}
			}
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
			"status":        "accepted",
			"eventId":       env.EventID,
			"correlationId": env.CorrelationID,
		})
	})

	mux.HandleFunc("DELETE /api/v1/idempotency/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if key == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing key", nil)
			return
		}
		if err := idemStore.RemoveRecord(r.Context(), key); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove record", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/v1/dlq", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		records, err := deadLetters.List(r.Context(),
			strings.TrimSpace(r.URL.Query().Get("tenantId")),
			strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
			limit,
		)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list dead letters", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http")
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{
		"/healthz": true,
		"/metrics": true,
	}}, handler)
	handler = withTenantContext(handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Bool("kafka_enabled", producer.Enabled()),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func withTenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); id != "" {
			r = r.WithContext(tenantx.WithTenant(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func webhookPayload(req webhookRequest, tenantID string, platformType models.PlatformType) (events.Payload, error) {
	switch events.Kind(req.EventType) {
	case events.KindOrderCreated, "":
		return events.OrderCreated{
			TenantID:        tenantID,
			Platform:        string(platformType),
			PlatformOrderID: req.OrderID,
			Order:           req.Order,
		}, nil
	case events.KindOrderCancelled:
		return events.OrderCancelled{
			TenantID:        tenantID,
			Platform:        string(platformType),
			PlatformOrderID: req.OrderID,
			Reason:          req.Reason,
		}, nil
	case events.KindOrderStatusUpdated:
		if req.Status == "" {
			return nil, errors.New("status is required for status updates")
		}
		return events.OrderStatusUpdated{
			TenantID:        tenantID,
			Platform:        string(platformType),
			PlatformOrderID: req.OrderID,
			PlatformStatus:  req.Status,
		}, nil
	default:
		return nil, errors.New("unknown eventType")
	}
}
