package dlq

import (
	"context"
	"time"

	"log/slog"

	"github.com/segmentio/kafka-go"

	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/dlqx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
)

// How long the consumer is willing to sit on one dead letter waiting for
// its backoff to elapse before cycling it back to the tail of the topic.
const defaultMaxHold = 20 * time.Second

// Transport is the broker surface the reprocessor needs: envelopes back to
// their source topic, raw dead-letter bytes back to the tail of a -dlq
// topic.
type Transport interface {
	SendEnvelope(ctx context.Context, topic string, env events.Envelope, opts mqx.SendOptions) (*mqx.PublishResult, error)
	PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) (*mqx.PublishResult, error)
}

// Reprocessor consumes the dead-letter topics. A due dead letter is
// republished to its source topic with the retry count bumped; one whose
// backoff is still open is requeued to the tail of its own topic so the
// offset can be committed. The group offset never passes an event that has
// not been either republished, requeued, or persisted as a durable failure.
type Reprocessor struct {
	transport  Transport
	store      DurableStore
	logger     logx.Logger
	maxRetries int
	maxHold    time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewReprocessor(transport Transport, store DurableStore, maxRetries int, logger logx.Logger) *Reprocessor {
	return &Reprocessor{
		transport:  transport,
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		maxHold:    defaultMaxHold,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func (r *Reprocessor) Handle(ctx context.Context, msg kafka.Message) error {
	dead, ok := dlqx.Parse(msg.Value)
	if !ok {
		r.logger.Warn(ctx, "dlq.malformed", "dropping undecodable dead letter",
			slog.String("topic", msg.Topic),
			slog.Int("bytes", len(msg.Value)))
		return nil
	}
	env := dead.OriginalEvent
	retryCount := env.Metadata.RetryCount

	if retryCount >= r.maxRetries {
		if err := r.persistFailed(ctx, dead); err != nil {
			return err
		}
		metricsx.IncEventsProcessed(msg.Topic, "failed_durable")
		r.logger.Warn(ctx, "dlq.exhausted", "retry budget spent, recorded as durable failure",
			slog.String("eventId", env.EventID),
			slog.Int("retryCount", retryCount))
		return nil
	}

	if remaining := dead.FailedAt.Add(dlqx.Delay(retryCount)).Sub(r.now()); remaining > 0 {
		// Short waits are absorbed in place. Longer ones cycle the dead
		// letter to the tail of its topic: the broker cannot redeliver an
		// uncommitted offset within a session, so holding the offset back
		// would let a later commit on the partition pass over this event.
		if remaining > r.maxHold {
			if err := r.sleep(ctx, r.maxHold); err != nil {
				return err
			}
			return r.requeue(ctx, msg, env, remaining-r.maxHold)
		}
		if err := r.sleep(ctx, remaining); err != nil {
			return err
		}
	}

	retried := env.WithRetry()
	_, err := r.transport.SendEnvelope(ctx, dead.SourceTopic, retried, mqx.SendOptions{
		Key:           partitionKey(env),
		TenantID:      env.Metadata.TenantID,
		CorrelationID: env.CorrelationID,
		Headers: map[string]string{
			mqx.HeaderSourceTopic:   dead.SourceTopic,
			mqx.HeaderReprocessedAt: r.now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		r.logger.Error(ctx, "dlq.republish_failed", "could not return dead letter to source topic",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		return err
	}
	metricsx.IncEventsProcessed(msg.Topic, "reprocessed")
	r.logger.Info(ctx, "dlq.reprocessed", "dead letter returned to source topic",
		slog.String("eventId", env.EventID),
		slog.String("sourceTopic", dead.SourceTopic),
		slog.Int("retryCount", retried.Metadata.RetryCount))
	return nil
}

// requeue puts the dead letter, bytes unchanged, back at the tail of its
// own topic and lets the caller commit the original offset.
func (r *Reprocessor) requeue(ctx context.Context, msg kafka.Message, env events.Envelope, remaining time.Duration) error {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if _, err := r.transport.PublishRaw(ctx, msg.Topic, string(msg.Key), msg.Value, headers); err != nil {
		r.logger.Error(ctx, "dlq.requeue_failed", "could not cycle waiting dead letter",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		return err
	}
	r.logger.Debug(ctx, "dlq.requeued", "dead letter cycled to topic tail until due",
		slog.String("eventId", env.EventID),
		slog.String("topic", msg.Topic),
		slog.Int64("remainingMs", remaining.Milliseconds()))
	return nil
}

func (r *Reprocessor) persistFailed(ctx context.Context, dead dlqx.DeadLetterEvent) error {
	env := dead.OriginalEvent
	raw, err := env.Encode()
	if err != nil {
		r.logger.Error(ctx, "dlq.dropped", "exhausted dead letter not serializable, dropping",
			slog.String("eventId", env.EventID))
		return nil
	}
	rec := models.DeadLetterRecord{
		TenantID:      env.Metadata.TenantID,
		SourceTopic:   dead.SourceTopic,
		EventID:       env.EventID,
		CorrelationID: env.CorrelationID,
		Envelope:      raw,
		ErrorMessage:  dead.Error.Message,
		Status:        models.DeadLetterFailed,
		RetryCount:    env.Metadata.RetryCount,
		MaxRetries:    r.maxRetries,
		FailedAt:      dead.FailedAt,
	}
	if _, err := r.store.Insert(ctx, rec); err != nil {
		return err
	}
	metricsx.IncDLQDurable()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
