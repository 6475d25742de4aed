// Package processor is the consumer-side pipeline: every fetched message
// passes parse, dedup, lock, dispatch and record in that order, and every
// path ends with a committed offset so poison messages never wedge a
// partition.
package processor

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/segmentio/kafka-go"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/idemx"
	"platform-order-pipeline/shared/influxx"
	"platform-order-pipeline/shared/lockx"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
)

var errLockContention = errors.New("lock acquisition failed after retries")

// Deduper answers whether an event was already applied and records the
// outcome of a fresh apply.
type Deduper interface {
	IsDuplicate(ctx context.Context, key string) bool
	MarkProcessed(ctx context.Context, key string, record idemx.Record, ttl time.Duration)
}

type Locker interface {
	WithLock(ctx context.Context, key string, opts lockx.Options, fn func(ctx context.Context) (any, error)) (lockx.Result, error)
}

type Requeuer interface {
	SendEnvelope(ctx context.Context, topic string, env events.Envelope, opts mqx.SendOptions) (*mqx.PublishResult, error)
}

type Parker interface {
	Park(ctx context.Context, env events.Envelope, sourceTopic string, cause error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) (dispatch.Result, error)
}

type Options struct {
	LockTTL        time.Duration
	LockRetryCount int
	LockRetryDelay time.Duration
	MaxLockRetries int
	RequeueDelay   time.Duration
	IdempotencyTTL time.Duration
}

type Processor struct {
	dispatcher Dispatcher
	dedup      Deduper
	locks      Locker
	requeuer   Requeuer
	parker     Parker
	telemetry  *influxx.Telemetry
	logger     logx.Logger
	opts       Options
	sleep      func(ctx context.Context, d time.Duration)
	now        func() time.Time
}

func New(dispatcher Dispatcher, dedup Deduper, locks Locker, requeuer Requeuer, parker Parker, telemetry *influxx.Telemetry, logger logx.Logger, opts Options) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		dedup:      dedup,
		locks:      locks,
		requeuer:   requeuer,
		parker:     parker,
		telemetry:  telemetry,
		logger:     logger,
		opts:       opts,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// skippedInLock marks the double-check branch: the lock was won but another
// worker finished the same event between our first check and the acquire.
type skippedInLock struct{}

// Handle consumes one fetched message. It always returns nil so the runner
// commits the offset: unrecoverable events are dropped or parked, never
// redelivered in place.
func (p *Processor) Handle(ctx context.Context, msg kafka.Message) error {
	start := p.now()

	env, ok := events.Parse(msg.Value)
	if !ok {
		p.logger.Warn(ctx, "pipeline.malformed", "dropping undecodable message",
			slog.String("topic", msg.Topic),
			slog.Int("bytes", len(msg.Value)))
		metricsx.IncEventsProcessed(msg.Topic, "malformed")
		return nil
	}

	payload, err := events.DecodePayload(env)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, events.ErrUnknownKind) {
			outcome = "unknown_kind"
		}
		p.logger.Warn(ctx, "pipeline.dropped", "dropping event with unusable payload",
			slog.String("eventId", env.EventID),
			slog.String("eventType", string(env.EventType)),
			slog.String("error", err.Error()))
		metricsx.IncEventsProcessed(msg.Topic, outcome)
		return nil
	}
	tenantID, platform, orderID := events.Identity(payload)
	idemKey := idemx.Key(tenantID, platform, orderID, string(env.EventType))

	if p.dedup.IsDuplicate(ctx, idemKey) {
		p.logger.Info(ctx, "pipeline.duplicate", "skipping already-processed event",
			slog.String("eventId", env.EventID),
			slog.String("key", idemKey))
		metricsx.IncDuplicateSkipped(msg.Topic)
		p.record(ctx, tenantID, platform, env, "skipped_duplicate", start)
		return nil
	}

	lockKey := "order:" + events.PartitionKey(tenantID, platform, orderID)
	res, err := p.locks.WithLock(ctx, lockKey, lockx.Options{
		TTL:        p.opts.LockTTL,
		RetryCount: p.opts.LockRetryCount,
		RetryDelay: p.opts.LockRetryDelay,
	}, func(ctx context.Context) (any, error) {
		if p.dedup.IsDuplicate(ctx, idemKey) {
			return skippedInLock{}, nil
		}
		out, err := p.dispatcher.Dispatch(ctx, env)
		if err != nil {
			return nil, err
		}
		p.dedup.MarkProcessed(ctx, idemKey, idemx.Record{
			ProcessedAt:   p.now().UTC(),
			CorrelationID: env.CorrelationID,
			Result:        idemx.ResultSuccess,
		}, p.opts.IdempotencyTTL)
		return out, nil
	})

	if !res.Acquired {
		if err != nil {
			p.logger.Warn(ctx, "pipeline.lock_error", "lock store unavailable, treating as contention",
				slog.String("key", lockKey),
				slog.String("error", err.Error()))
		}
		return p.handleContention(ctx, msg.Topic, env, tenantID, platform, orderID, start)
	}
	if err != nil {
		if errors.Is(err, dispatch.ErrBadPayload) {
			p.logger.Warn(ctx, "pipeline.dropped", "dropping unprocessable event",
				slog.String("eventId", env.EventID),
				slog.String("error", err.Error()))
			metricsx.IncEventsProcessed(msg.Topic, "unprocessable")
			return nil
		}
		p.logger.Error(ctx, "pipeline.dispatch_failed", "business apply failed, parking event",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		p.parker.Park(ctx, env, msg.Topic, err)
		p.record(ctx, tenantID, platform, env, "dead_lettered", start)
		metricsx.IncEventsProcessed(msg.Topic, "dead_lettered")
		return nil
	}

	if _, skipped := res.Value.(skippedInLock); skipped {
		metricsx.IncDuplicateSkipped(msg.Topic)
		p.record(ctx, tenantID, platform, env, "skipped_duplicate", start)
		return nil
	}

	metricsx.IncEventsProcessed(msg.Topic, "processed")
	metricsx.ObserveProcessingLatency(msg.Topic, p.now().Sub(start))
	p.record(ctx, tenantID, platform, env, "processed", start)
	p.logger.Info(ctx, "pipeline.processed", "event applied",
		slog.String("eventId", env.EventID),
		slog.String("eventType", string(env.EventType)),
		slog.String("tenantId", tenantID))
	return nil
}

// handleContention requeues to the tail of the same topic with the retry
// count bumped, or parks once the event already burned its requeue budget.
func (p *Processor) handleContention(ctx context.Context, topic string, env events.Envelope, tenantID, platform, orderID string, start time.Time) error {
	metricsx.IncLockContention(topic)

	if env.Metadata.RetryCount >= p.opts.MaxLockRetries {
		p.logger.Warn(ctx, "pipeline.contention_exhausted", "requeue budget spent, parking event",
			slog.String("eventId", env.EventID),
			slog.Int("retryCount", env.Metadata.RetryCount))
		p.parker.Park(ctx, env, topic, errLockContention)
		p.record(ctx, tenantID, platform, env, "dead_lettered", start)
		metricsx.IncEventsProcessed(topic, "dead_lettered")
		return nil
	}

	p.sleep(ctx, p.opts.RequeueDelay)
	retried := env.WithRetry()
	_, err := p.requeuer.SendEnvelope(ctx, topic, retried, mqx.SendOptions{
		Key:           events.PartitionKey(tenantID, platform, orderID),
		TenantID:      tenantID,
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		p.logger.Error(ctx, "pipeline.requeue_failed", "requeue publish failed, parking event",
			slog.String("eventId", env.EventID),
			slog.String("error", err.Error()))
		p.parker.Park(ctx, retried, topic, err)
		metricsx.IncEventsProcessed(topic, "dead_lettered")
		return nil
	}
	p.logger.Info(ctx, "pipeline.requeued", "lock held elsewhere, event requeued",
		slog.String("eventId", env.EventID),
		slog.Int("retryCount", retried.Metadata.RetryCount))
	metricsx.IncEventsProcessed(topic, "requeued")
	return nil
}

func (p *Processor) record(ctx context.Context, tenantID, platform string, env events.Envelope, outcome string, start time.Time) {
	p.telemetry.RecordEvent(ctx, tenantID, platform, string(env.EventType), outcome, p.now().Sub(start))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
