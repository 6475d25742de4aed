package idemx

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/redisx"
)

// Prefix namespaces idempotency markers in the shared store.
const Prefix = "idempotency:"

const ResultSuccess = "SUCCESS"

// Key builds the deterministic dedup key. The kind is optional; leaving it
// empty gives order-level dedup. Pure function so every pipeline stage
// computes identical keys without coordination.
func Key(tenantID, platform, platformOrderID, kind string) string {
	parts := []string{tenantID, platform, platformOrderID}
	if kind != "" {
		parts = append(parts, kind)
	}
	return Prefix + strings.Join(parts, ":")
}

type Record struct {
	ProcessedAt   time.Time `json:"processedAt"`
	CorrelationID string    `json:"correlationId"`
	Result        string    `json:"result"`
}

type Store struct {
	client *redisx.Client
	logger logx.Logger
	ttl    time.Duration
}

func NewStore(client *redisx.Client, logger logx.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, logger: logger, ttl: ttl}
}

// IsDuplicate fails open: a store error is logged and reported as "not a
// duplicate". One duplicate application is recoverable; halting all
// processing on a store outage is not.
func (s *Store) IsDuplicate(ctx context.Context, key string) bool {
	exists, err := s.client.Exists(ctx, key)
	if err != nil {
		s.logger.Warn(ctx, "idempotency_check_failed", "idempotency check failed, allowing processing",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return exists
}

// MarkProcessed records a completed application. Best-effort: a write
// failure degrades to duplicate-processing risk, never to a lost event,
// so it is logged and swallowed.
func (s *Store) MarkProcessed(ctx context.Context, key string, record Record, ttl time.Duration) {
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	if record.Result == "" {
		record.Result = ResultSuccess
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.client.SetJSON(ctx, key, record, ttl); err != nil {
		s.logger.Warn(ctx, "idempotency_mark_failed", "failed to write idempotency marker",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) GetRecord(ctx context.Context, key string) (Record, bool, error) {
	var record Record
	found, err := s.client.GetJSON(ctx, key, &record)
	if err != nil {
		return Record{}, false, err
	}
	return record, found, nil
}

// RemoveRecord deletes a marker, the administrative retry-reset path.
func (s *Store) RemoveRecord(ctx context.Context, key string) error {
	return s.client.Delete(ctx, key)
}
