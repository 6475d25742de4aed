package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"platform-order-pipeline/ingest/internal/models"
)

// SyncStateRepo stores per tenant+platform poll watermarks and the tenant
// platform registry the poller iterates.
type SyncStateRepo struct {
	pool *pgxpool.Pool
}

func NewSyncStateRepo(pool *pgxpool.Pool) *SyncStateRepo {
	return &SyncStateRepo{pool: pool}
}

func (r *SyncStateRepo) GetLastSyncedAt(ctx context.Context, tenantID string, platform models.PlatformType) (time.Time, bool, error) {
	var ts time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT last_synced_at
		FROM sync_state
		WHERE tenant_id = $1 AND platform = $2
	`, tenantID, platform).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// Advance moves the watermark forward, never backward. Concurrent sweeps
// racing on the same pair resolve to the later timestamp.
func (r *SyncStateRepo) Advance(ctx context.Context, tenantID string, platform models.PlatformType, ts time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_state (tenant_id, platform, last_synced_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, platform) DO UPDATE
		SET last_synced_at = GREATEST(sync_state.last_synced_at, EXCLUDED.last_synced_at),
		    updated_at = now()
	`, tenantID, platform, ts)
	return err
}

// ListPollingEnabled returns every tenant+platform pair the reconciliation
// poller should sweep.
func (r *SyncStateRepo) ListPollingEnabled(ctx context.Context) ([]models.TenantPlatform, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, platform, enabled, polling_enabled, api_base_url, api_key
		FROM tenant_platforms
		WHERE enabled = true AND polling_enabled = true
		ORDER BY tenant_id, platform
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := make([]models.TenantPlatform, 0, 16)
	for rows.Next() {
		var tp models.TenantPlatform
		if err := rows.Scan(&tp.TenantID, &tp.Platform, &tp.Enabled, &tp.PollingEnabled, &tp.APIBaseURL, &tp.APIKey); err != nil {
			return nil, err
		}
		pairs = append(pairs, tp)
	}
	return pairs, rows.Err()
}
