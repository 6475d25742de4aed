// Package dlq moves events that exhausted their processing chances onto the
// dead-letter path and brings them back once their backoff window elapses.
package dlq

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/dlqx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
)

// Publisher is the broker-side surface the dead-letter producer needs.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) (*mqx.PublishResult, error)
	Enabled() bool
}

// DurableStore persists dead letters that cannot reach the broker.
type DurableStore interface {
	Insert(ctx context.Context, rec models.DeadLetterRecord) (models.DeadLetterRecord, error)
}

// Producer parks failed envelopes on the dead-letter topic matching their
// source topic. It never returns an error: parking is the last stop before
// losing an event, so broker trouble falls back to a durable database record
// and anything beyond that is logged and swallowed.
type Producer struct {
	publisher  Publisher
	store      DurableStore
	logger     logx.Logger
	maxRetries int
	now        func() time.Time
}

func NewProducer(publisher Publisher, store DurableStore, maxRetries int, logger logx.Logger) *Producer {
	return &Producer{
		publisher:  publisher,
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (p *Producer) Park(ctx context.Context, env events.Envelope, sourceTopic string, cause error) {
	failedAt := p.now().UTC()
	dead := dlqx.DeadLetterEvent{
		OriginalEvent: env,
		Error:         dlqx.ErrorInfo{Message: mqx.TruncateError(cause.Error())},
		FailedAt:      failedAt,
		SourceTopic:   sourceTopic,
	}

	if p.publisher != nil && p.publisher.Enabled() {
		if value, err := dead.Encode(); err == nil {
			topic := events.DLQTopicFor(sourceTopic)
			headers := map[string]string{
				mqx.HeaderTenantID:      env.Metadata.TenantID,
				mqx.HeaderCorrelationID: env.CorrelationID,
				mqx.HeaderSourceTopic:   sourceTopic,
				mqx.HeaderErrorMessage:  dead.Error.Message,
			}
			if _, err := p.publisher.PublishRaw(ctx, topic, partitionKey(env), value, headers); err == nil {
				metricsx.IncDLQPublished(topic)
				p.logger.Warn(ctx, "dlq.parked", "event parked on dead-letter topic",
					slog.String("eventId", env.EventID),
					slog.String("topic", topic),
					slog.String("error", dead.Error.Message))
				return
			} else {
				p.logger.Error(ctx, "dlq.publish_failed", "dead-letter publish failed, falling back to durable record",
					slog.String("eventId", env.EventID),
					slog.String("error", err.Error()))
			}
		}
	}
	_ = p.parkDurable(ctx, env, sourceTopic, dead.Error.Message, failedAt)
}

// ParkDurable skips the broker entirely. Callers outside a consumer use it
// where there is no offset to protect; the returned error tells them the
// event ended up nowhere, so they can refuse the upstream acknowledgement.
func (p *Producer) ParkDurable(ctx context.Context, env events.Envelope, sourceTopic string, cause error) error {
	return p.parkDurable(ctx, env, sourceTopic, mqx.TruncateError(cause.Error()), p.now().UTC())
}

func (p *Producer) parkDurable(ctx context.Context, env events.Envelope, sourceTopic string, errMsg string, failedAt time.Time) error {
	if p.store == nil {
		p.logger.Error(ctx, "dlq.dropped", "no durable store configured, dead letter lost",
			slog.String("eventId", env.EventID))
		return errors.New("no durable dead-letter store configured")
	}
	raw, err := env.Encode()
	if err != nil {
		p.logger.Error(ctx, "dlq.dropped", "envelope not serializable, dead letter lost",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		return err
	}
	next := failedAt.Add(dlqx.Delay(0))
	rec := models.DeadLetterRecord{
		TenantID:      env.Metadata.TenantID,
		SourceTopic:   sourceTopic,
		EventID:       env.EventID,
		CorrelationID: env.CorrelationID,
		Envelope:      raw,
		ErrorMessage:  errMsg,
		Status:        models.DeadLetterPending,
		MaxRetries:    p.maxRetries,
		NextRetryAt:   &next,
		FailedAt:      failedAt,
	}
	if _, err := p.store.Insert(ctx, rec); err != nil {
		p.logger.Error(ctx, "dlq.durable_failed", "durable dead-letter insert failed, event lost",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		return err
	}
	metricsx.IncDLQDurable()
	p.logger.Warn(ctx, "dlq.parked_durable", "event parked as durable dead letter",
		slog.String("eventId", env.EventID),
		slog.String("sourceTopic", sourceTopic))
	return nil
}

func partitionKey(env events.Envelope) string {
	payload, err := events.DecodePayload(env)
	if err != nil {
		return env.EventID
	}
	tenantID, platform, orderID := events.Identity(payload)
	return events.PartitionKey(tenantID, platform, orderID)
}
