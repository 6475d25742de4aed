package dispatch

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
)

// ErrBadPayload marks events whose body can never be applied. Retrying
// cannot fix them, so the pipeline drops instead of parking them.
var ErrBadPayload = errors.New("unprocessable event payload")

// OrderApplier is the business side of the pipeline, implemented outside
// the core (default: the platform-orders repo).
type OrderApplier interface {
	ApplyNewOrder(ctx context.Context, tenantID string, platform models.PlatformType, order models.OrderData) error
	ApplyCancellation(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string, reason string) error
	ApplyStatusUpdate(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string, platformStatus string) error
}

type Result struct {
	Kind    events.Kind
	Applied bool
}

type Dispatcher struct {
	applier OrderApplier
	logger  logx.Logger
}

func New(applier OrderApplier, logger logx.Logger) *Dispatcher {
	return &Dispatcher{applier: applier, logger: logger}
}

// Dispatch routes an envelope to exactly one business-apply call based on
// its kind. Unknown kinds log and no-op; business errors propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) (Result, error) {
	payload, err := events.DecodePayload(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownKind) {
			d.logger.Warn(ctx, "unknown_event_kind", "skipping event of unknown kind",
				slog.String("event_id", env.EventID),
				slog.String("event_type", string(env.EventType)),
			)
			return Result{Kind: env.EventType, Applied: false}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch p := payload.(type) {
	case events.OrderCreated:
		platform, err := models.ParsePlatform(p.Platform)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		err = d.applier.ApplyNewOrder(ctx, p.TenantID, platform, models.OrderData{
			PlatformOrderID: p.PlatformOrderID,
			Raw:             p.Order,
			PlacedAt:        env.Timestamp,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: events.KindOrderCreated, Applied: true}, nil

	case events.OrderCancelled:
		platform, err := models.ParsePlatform(p.Platform)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if err := d.applier.ApplyCancellation(ctx, p.TenantID, platform, p.PlatformOrderID, p.Reason); err != nil {
			return Result{}, err
		}
		return Result{Kind: events.KindOrderCancelled, Applied: true}, nil

	case events.OrderStatusUpdated:
		platform, err := models.ParsePlatform(p.Platform)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if err := d.applier.ApplyStatusUpdate(ctx, p.TenantID, platform, p.PlatformOrderID, p.PlatformStatus); err != nil {
			return Result{}, err
		}
		return Result{Kind: events.KindOrderStatusUpdated, Applied: true}, nil

	default:
		// Unreachable while DecodePayload stays in sync with the kind set.
		return Result{}, fmt.Errorf("%w: unmapped payload %T", ErrBadPayload, payload)
	}
}
