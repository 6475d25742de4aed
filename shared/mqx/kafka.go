package mqx

import (
	"context"
	"errors"
	"strconv"
	"time"

	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
)

var ErrDisabled = errors.New("kafka transport is disabled")

// Header names mirrored from envelope fields so consumers can filter
// without deserializing the body.
const (
	HeaderTenantID          = "tenantId"
	HeaderCorrelationID     = "correlationId"
	HeaderRetryCount        = "retryCount"
	HeaderOriginalTimestamp = "originalTimestamp"
	HeaderReprocessedAt     = "reprocessedAt"
	HeaderSourceTopic       = "sourceTopic"
	HeaderErrorMessage      = "errorMessage"
)

type PublishResult struct {
	Topic   string
	EventID string
}

type Producer struct {
	writer  *kafka.Writer
	source  string
	enabled bool
	logger  logx.Logger
}

// NewProducer builds the envelope-wrapping publisher. With the transport
// administratively disabled it still returns a working Producer whose sends
// are documented no-ops.
func NewProducer(cfg config.Config, logger logx.Logger) (*Producer, error) {
	p := &Producer{source: cfg.ServiceName, enabled: cfg.KafkaEnabled, logger: logger}
	if !cfg.KafkaEnabled {
		return p, nil
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	p.writer = &kafka.Writer{
		Addr: kafka.TCP(cfg.KafkaBrokers...),
		// Hash keeps all events for one partition key on one partition,
		// preserving per-order ordering.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return p, nil
}

func (p *Producer) Enabled() bool {
	return p != nil && p.enabled
}

type SendOptions struct {
	Key           string
	TenantID      string
	CorrelationID string
	Headers       map[string]string
}

// Send wraps payload in a fresh envelope and publishes it. A disabled
// transport returns (nil, nil); a publish failure returns the error and the
// caller decides whether to swallow.
func (p *Producer) Send(ctx context.Context, topic string, payload events.Payload, opts SendOptions) (*PublishResult, error) {
	if !p.Enabled() {
		return nil, nil
	}
	env, err := events.New(p.source, payload, events.NewOptions{
		TenantID:      opts.TenantID,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	return p.SendEnvelope(ctx, topic, env, opts)
}

// SendEnvelope publishes an already-built envelope, used for requeues and
// DLQ hops where event id and correlation id must be preserved.
func (p *Producer) SendEnvelope(ctx context.Context, topic string, env events.Envelope, opts SendOptions) (*PublishResult, error) {
	if !p.Enabled() {
		return nil, nil
	}
	value, err := env.Encode()
	if err != nil {
		return nil, err
	}
	res, err := p.PublishRaw(ctx, topic, opts.Key, value, headerMap(env, opts.Headers))
	if err != nil || res == nil {
		return nil, err
	}
	res.EventID = env.EventID
	return res, nil
}

// PublishRaw publishes pre-serialized bytes, used for dead-letter payloads
// that are not envelopes themselves.
func (p *Producer) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) (*PublishResult, error) {
	if !p.Enabled() {
		return nil, nil
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: toKafkaHeaders(headers),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return nil, err
	}
	metricsx.IncEventsPublished(topic)
	return &PublishResult{Topic: topic}, nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func headerMap(env events.Envelope, extra map[string]string) map[string]string {
	headers := map[string]string{
		HeaderTenantID:      env.Metadata.TenantID,
		HeaderCorrelationID: env.CorrelationID,
		HeaderRetryCount:    strconv.Itoa(env.Metadata.RetryCount),
	}
	if env.Metadata.OriginalTimestamp != nil {
		headers[HeaderOriginalTimestamp] = env.Metadata.OriginalTimestamp.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// TruncateError caps error text for transport headers.
func TruncateError(msg string) string {
	const limit = 200
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}

type Handler func(ctx context.Context, msg kafka.Message) error

type Runner struct {
	reader  *kafka.Reader
	groupID string
	logger  logx.Logger

	handlerAttempts uint
	handlerDelay    time.Duration
}

// NewRunner subscribes a consumer group to one or more topics. Consumer
// binaries cannot run without the broker, so a disabled transport is an
// error here rather than a no-op.
func NewRunner(cfg config.Config, groupID string, topics []string, logger logx.Logger) (*Runner, error) {
	if !cfg.KafkaEnabled {
		return nil, ErrDisabled
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		return nil, errors.New("consumer group id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
	return &Runner{
		reader:          reader,
		groupID:         groupID,
		logger:          logger,
		handlerAttempts: 5,
		handlerDelay:    500 * time.Millisecond,
	}, nil
}

// Run fetches messages in per-partition arrival order and invokes handler
// for each. The offset is committed only after handler success. A failing
// handler is retried in place; when the budget is spent Run returns the
// error instead of fetching further, because committing any later message
// on the partition would silently pass the group offset over this one.
func (r *Runner) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("group", r.groupID),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := r.handleWithRetry(ctx, handler, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.logger.Error(ctx, "message_handle_failed", "handler kept failing, stopping before the offset is passed over",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return err
		}

		commitErr := retry.Do(
			func() error { return r.reader.CommitMessages(ctx, msg) },
			retry.Attempts(5),
			retry.Delay(500*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
		)
		if commitErr != nil {
			r.logger.Error(ctx, "kafka_commit_failed", "failed to commit message after retries",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", commitErr.Error()),
			)
		}

		stats := r.reader.Stats()
		metricsx.SetKafkaLag(msg.Topic, r.groupID, stats.Lag)
	}
}

func (r *Runner) handleWithRetry(ctx context.Context, handler Handler, msg kafka.Message) error {
	return retry.Do(
		func() error {
			spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
			span.SetAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			)
			defer span.End()
			return handler(spanCtx, msg)
		},
		retry.Attempts(r.handlerAttempts),
		retry.Delay(r.handlerDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (r *Runner) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
