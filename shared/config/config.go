package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaEnabled  bool
	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	IdempotencyTTLHours int

	LockTTLMS        int
	LockRetryCount   int
	LockRetryDelayMS int

	MaxLockRetries int
	RequeueDelayMS int

	DLQMaxRetries    int
	DLQSweepSec      int
	DLQRetentionDays int

	SyncPollSec       int
	SyncDriftSec      int
	SyncLookbackHours int

	LagAlertThreshold int64

	InfluxEnabled   bool
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	problems := make([]Problem, 0, 4)

	cfg := Config{
		Env:              strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaEnabled:  true,
		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID: strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:  strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		AsynqRedisAddr:   strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:   os.Getenv("ASYNQ_REDIS_PASS"),
		AsynqQueue:       "pipeline",
		AsynqConcurrency: 10,

		IdempotencyTTLHours: 24,

		LockTTLMS:        30000,
		LockRetryCount:   3,
		LockRetryDelayMS: 150,

		MaxLockRetries: 3,
		RequeueDelayMS: 1000,

		DLQMaxRetries:    5,
		DLQSweepSec:      60,
		DLQRetentionDays: 30,

		SyncPollSec:       60,
		SyncDriftSec:      300,
		SyncLookbackHours: 24,

		LagAlertThreshold: 1000,

		InfluxURL:       strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:     strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:       strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:    strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS: 5000,

		OtelEndpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}

	readInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	readInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)
	readInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	readInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	readInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SEC", &problems)
	readInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFE_SEC", &problems)
	readBool(&cfg.KafkaEnabled, "KAFKA_ENABLED", &problems)
	readInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	readInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_MS", &problems)
	readInt(&cfg.RedisDB, "REDIS_DB", &problems)
	readInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	readInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)
	readInt(&cfg.IdempotencyTTLHours, "IDEMPOTENCY_TTL_HOURS", &problems)
	readInt(&cfg.LockTTLMS, "LOCK_TTL_MS", &problems)
	readInt(&cfg.LockRetryCount, "LOCK_RETRY_COUNT", &problems)
	readInt(&cfg.LockRetryDelayMS, "LOCK_RETRY_DELAY_MS", &problems)
	readInt(&cfg.MaxLockRetries, "PIPELINE_MAX_LOCK_RETRIES", &problems)
	readInt(&cfg.RequeueDelayMS, "PIPELINE_REQUEUE_DELAY_MS", &problems)
	readInt(&cfg.DLQMaxRetries, "DLQ_MAX_RETRIES", &problems)
	readInt(&cfg.DLQSweepSec, "DLQ_SWEEP_SEC", &problems)
	readInt(&cfg.DLQRetentionDays, "DLQ_RETENTION_DAYS", &problems)
	readInt(&cfg.SyncPollSec, "SYNC_POLL_SEC", &problems)
	readInt(&cfg.SyncDriftSec, "SYNC_DRIFT_SEC", &problems)
	readInt(&cfg.SyncLookbackHours, "SYNC_LOOKBACK_HOURS", &problems)
	readInt64(&cfg.LagAlertThreshold, "LAG_ALERT_THRESHOLD", &problems)
	readBool(&cfg.InfluxEnabled, "INFLUX_ENABLED", &problems)
	readInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)
	readBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	readBool(&cfg.OtelInsecure, "OTEL_EXPORTER_OTLP_INSECURE", &problems)
	readFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if cfg.Env == "" {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}

func (c Config) LockRetryDelay() time.Duration {
	return time.Duration(c.LockRetryDelayMS) * time.Millisecond
}

func (c Config) RequeueDelay() time.Duration {
	return time.Duration(c.RequeueDelayMS) * time.Millisecond
}

func readInt(dst *int, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = v
}

func readInt64(dst *int64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = v
}

func readBool(dst *bool, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, ok := asBool(raw)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dst = v
}

func readFloat(dst *float64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = v
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
