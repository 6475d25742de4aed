package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"platform-order-pipeline/ingest/internal/models"
)

// StatusMapper translates a platform's raw status string into the internal
// order status.
type StatusMapper func(platform models.PlatformType, rawStatus string) (models.OrderStatus, error)

// PlatformOrdersRepo is the default order applier: it persists incoming
// platform orders and their status changes.
type PlatformOrdersRepo struct {
	pool      *pgxpool.Pool
	mapStatus StatusMapper
}

func NewPlatformOrdersRepo(pool *pgxpool.Pool, mapStatus StatusMapper) *PlatformOrdersRepo {
	return &PlatformOrdersRepo{pool: pool, mapStatus: mapStatus}
}

const orderColumns = `id, tenant_id, platform, platform_order_id, status, platform_status, payload, cancel_reason, placed_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (models.PlatformOrder, error) {
	var o models.PlatformOrder
	err := row.Scan(
		&o.ID, &o.TenantID, &o.Platform, &o.PlatformOrderID, &o.Status,
		&o.PlatformStatus, &o.Payload, &o.CancelReason, &o.PlacedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// ApplyNewOrder upserts an incoming order. Replays of the same order are
// absorbed by the conflict clause, so the operation is idempotent.
func (r *PlatformOrdersRepo) ApplyNewOrder(ctx context.Context, tenantID string, platform models.PlatformType, order models.OrderData) error {
	status := models.OrderStatusNew
	if order.Status != "" {
		mapped, err := r.mapStatus(platform, order.Status)
		if err == nil {
			status = mapped
		}
	}
	payload := order.Raw
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	placedAt := order.PlacedAt
	if placedAt.IsZero() {
		placedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO platform_orders (
			id, tenant_id, platform, platform_order_id, status, platform_status, payload, placed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, now(), now()
		)
		ON CONFLICT (tenant_id, platform, platform_order_id) DO UPDATE
		SET platform_status = EXCLUDED.platform_status,
		    payload = EXCLUDED.payload,
		    updated_at = now()
	`, uuid.New(), tenantID, platform, order.PlatformOrderID, status, order.Status, payload, placedAt)
	if err != nil {
		return fmt.Errorf("apply new order: %w", err)
	}
	return nil
}

func (r *PlatformOrdersRepo) ApplyCancellation(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE platform_orders
		SET status = $4, cancel_reason = NULLIF($5, ''), updated_at = now()
		WHERE tenant_id = $1 AND platform = $2 AND platform_order_id = $3
	`, tenantID, platform, platformOrderID, models.OrderStatusCancelled, reason)
	if err != nil {
		return fmt.Errorf("apply cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s/%s/%s not found", tenantID, platform, platformOrderID)
	}
	return nil
}

// ApplyStatusUpdate maps the platform's raw status and advances the order
// when the transition is legal. Illegal transitions are treated as stale
// platform data and skipped without error.
func (r *PlatformOrdersRepo) ApplyStatusUpdate(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string, platformStatus string) error {
	mapped, err := r.mapStatus(platform, platformStatus)
	if err != nil {
		return fmt.Errorf("apply status update: %w", err)
	}

	current, found, err := r.Get(ctx, tenantID, platform, platformOrderID)
	if err != nil {
		return fmt.Errorf("apply status update: %w", err)
	}
	if !found {
		return fmt.Errorf("order %s/%s/%s not found", tenantID, platform, platformOrderID)
	}
	if current.Status == mapped && current.PlatformStatus == platformStatus {
		return nil
	}
	if !models.CanTransition(current.Status, mapped) {
		return nil
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE platform_orders
		SET status = $4, platform_status = $5, updated_at = now()
		WHERE tenant_id = $1 AND platform = $2 AND platform_order_id = $3
	`, tenantID, platform, platformOrderID, mapped, platformStatus)
	if err != nil {
		return fmt.Errorf("apply status update: %w", err)
	}
	return nil
}

func (r *PlatformOrdersRepo) Get(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string) (models.PlatformOrder, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM platform_orders
		WHERE tenant_id = $1 AND platform = $2 AND platform_order_id = $3
	`, tenantID, platform, platformOrderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PlatformOrder{}, false, nil
		}
		return models.PlatformOrder{}, false, err
	}
	return order, true, nil
}

// ListActive returns non-terminal orders placed within the lookback window,
// the drift sweep's working set.
func (r *PlatformOrdersRepo) ListActive(ctx context.Context, tenantID string, platform models.PlatformType, since time.Time) ([]models.PlatformOrder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM platform_orders
		WHERE tenant_id = $1 AND platform = $2
		  AND placed_at >= $3
		  AND status NOT IN ($4, $5)
		ORDER BY placed_at ASC
	`, tenantID, platform, since, models.OrderStatusDelivered, models.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]models.PlatformOrder, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
