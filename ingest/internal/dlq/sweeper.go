package dlq

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/dlqx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
)

// Task names registered with the scheduler.
const (
	TaskSweep = "dlq:sweep"
	TaskPurge = "dlq:purge"
)

// A claim older than this is assumed orphaned by a crashed worker and goes
// back to PENDING on the next sweep.
const staleClaimAge = 10 * time.Minute

// SweepStore is the database surface the sweeper drives records through.
type SweepStore interface {
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	ClaimDue(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
	MarkResolved(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, errMsg string, failed bool) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Redispatcher re-applies a recovered envelope through the normal business
// path.
type Redispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) (dispatch.Result, error)
}

// Sweeper drains durable dead letters: records parked in the database when
// the broker was unreachable, or persisted directly by scheduler-side
// failures. Records move PENDING -> PROCESSING on claim and end in RESOLVED
// or, once the budget is spent, FAILED.
type Sweeper struct {
	store      SweepStore
	dispatcher Redispatcher
	logger     logx.Logger
	batchSize  int
	retention  time.Duration
	now        func() time.Time
}

func NewSweeper(store SweepStore, dispatcher Redispatcher, batchSize int, retention time.Duration, logger logx.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		batchSize:  batchSize,
		retention:  retention,
		now:        time.Now,
	}
}

// Sweep claims one batch of due records and re-applies each. Per-record
// failures only advance that record's retry state, never abort the batch.
// Claims orphaned by a crashed worker are requeued first.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if n, err := s.store.RequeueStale(ctx, s.now().UTC().Add(-staleClaimAge)); err != nil {
		s.logger.Warn(ctx, "dlq.requeue_stale_failed", "could not requeue orphaned claims",
			slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Warn(ctx, "dlq.requeued_stale", "requeued orphaned dead-letter claims",
			slog.Int64("count", n))
	}

	records, err := s.store.ClaimDue(ctx, s.batchSize)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.sweepOne(ctx, rec)
	}
	if len(records) > 0 {
		s.logger.Info(ctx, "dlq.sweep", "durable dead-letter sweep finished",
			slog.Int("claimed", len(records)))
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, rec models.DeadLetterRecord) {
	env, ok := events.Parse(rec.Envelope)
	if !ok {
		_ = s.store.MarkRetry(ctx, rec.ID, rec.RetryCount, nil, "stored envelope is not decodable", true)
		s.logger.Error(ctx, "dlq.sweep_malformed", "durable dead letter has undecodable envelope",
			slog.String("id", rec.ID.String()))
		return
	}

	_, err := s.dispatcher.Dispatch(ctx, env)
	if err == nil {
		if err := s.store.MarkResolved(ctx, rec.ID); err != nil {
			s.logger.Error(ctx, "dlq.resolve_failed", "could not mark dead letter resolved",
				slog.String("id", rec.ID.String()),
				slog.String("error", err.Error()))
			return
		}
		metricsx.IncEventsProcessed(rec.SourceTopic, "recovered")
		s.logger.Info(ctx, "dlq.recovered", "durable dead letter re-applied",
			slog.String("id", rec.ID.String()),
			slog.String("eventId", rec.EventID))
		return
	}

	retryCount := rec.RetryCount + 1
	failed := retryCount >= rec.MaxRetries
	var next *time.Time
	if !failed {
		due := s.now().UTC().Add(dlqx.Delay(retryCount))
		next = &due
	}
	if err := s.store.MarkRetry(ctx, rec.ID, retryCount, next, err.Error(), failed); err != nil {
		s.logger.Error(ctx, "dlq.retry_update_failed", "could not record dead-letter retry",
			slog.String("id", rec.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if failed {
		s.logger.Warn(ctx, "dlq.exhausted", "durable dead letter moved to failed",
			slog.String("id", rec.ID.String()),
			slog.Int("retryCount", retryCount))
	}
}

// Purge drops terminal records older than the retention window.
func (s *Sweeper) Purge(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info(ctx, "dlq.purge", "purged aged dead letters",
			slog.Int64("removed", n),
			slog.String("olderThan", cutoff.Format(time.RFC3339)))
	}
	return nil
}
