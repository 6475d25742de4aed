// Package syncer is the polling safety net for webhooks that never arrived.
// A poll sweep pulls orders placed since the per-tenant watermark, a drift
// sweep re-checks the platform's view of orders that look active locally.
package syncer

import (
	"context"
	"time"

	"log/slog"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/ingest/internal/platform"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
	"platform-order-pipeline/shared/mqx"
)

// Task names registered with the scheduler.
const (
	TaskPollSweep  = "sync:poll"
	TaskDriftSweep = "sync:drift"
)

const eventSource = "poller"

// defaultLookback seeds the watermark for a pair that has never synced.
const defaultLookback = time.Hour

// OrdersStore is the read surface over locally known orders.
type OrdersStore interface {
	Get(ctx context.Context, tenantID string, platform models.PlatformType, platformOrderID string) (models.PlatformOrder, bool, error)
	ListActive(ctx context.Context, tenantID string, platform models.PlatformType, since time.Time) ([]models.PlatformOrder, error)
}

// StateStore holds the per tenant+platform poll watermarks.
type StateStore interface {
	ListPollingEnabled(ctx context.Context) ([]models.TenantPlatform, error)
	GetLastSyncedAt(ctx context.Context, tenantID string, platform models.PlatformType) (time.Time, bool, error)
	Advance(ctx context.Context, tenantID string, platform models.PlatformType, ts time.Time) error
}

// Clients builds a platform client for a tenant registration.
type Clients interface {
	For(tp models.TenantPlatform) (platform.Client, error)
}

// Publisher is the broker path for recovered events. A disabled transport
// makes the syncer apply events in-process instead.
type Publisher interface {
	Enabled() bool
	Send(ctx context.Context, topic string, payload events.Payload, opts mqx.SendOptions) (*mqx.PublishResult, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) (dispatch.Result, error)
}

type Syncer struct {
	orders      OrdersStore
	state       StateStore
	clients     Clients
	publisher   Publisher
	dispatcher  Dispatcher
	logger      logx.Logger
	lookback    time.Duration
	driftWindow time.Duration
	now         func() time.Time
}

func New(orders OrdersStore, state StateStore, clients Clients, publisher Publisher, dispatcher Dispatcher, lookback time.Duration, driftWindow time.Duration, logger logx.Logger) *Syncer {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if driftWindow <= 0 {
		driftWindow = 24 * time.Hour
	}
	return &Syncer{
		orders:      orders,
		state:       state,
		clients:     clients,
		publisher:   publisher,
		dispatcher:  dispatcher,
		logger:      logger,
		lookback:    lookback,
		driftWindow: driftWindow,
		now:         time.Now,
	}
}

// PollSweep walks every polling-enabled tenant+platform pair and ingests the
// orders placed since that pair's watermark. A pair's failure never stops the
// sweep; its watermark only moves once at least one order went through.
func (s *Syncer) PollSweep(ctx context.Context) error {
	pairs, err := s.state.ListPollingEnabled(ctx)
	if err != nil {
		return err
	}
	for _, tp := range pairs {
		if err := s.pollPair(ctx, tp); err != nil {
			metricsx.IncSyncSweep("poll", "error")
			s.logger.Error(ctx, "sync.poll_failed", "poll sweep failed for pair",
				slog.String("tenantId", tp.TenantID),
				slog.String("platform", string(tp.Platform)),
				slog.String("error", err.Error()))
			continue
		}
		metricsx.IncSyncSweep("poll", "ok")
	}
	return nil
}

func (s *Syncer) pollPair(ctx context.Context, tp models.TenantPlatform) error {
	client, err := s.clients.For(tp)
	if err != nil {
		return err
	}
	watermark, found, err := s.state.GetLastSyncedAt(ctx, tp.TenantID, tp.Platform)
	if err != nil {
		return err
	}
	if !found {
		watermark = s.now().UTC().Add(-s.lookback)
	}

	orders, err := client.FetchOrdersSince(ctx, tp.TenantID, watermark)
	if err != nil {
		return err
	}

	var processed int
	var maxPlaced time.Time
	for _, order := range orders {
		if err := s.ingestOrder(ctx, tp, order); err != nil {
			s.logger.Warn(ctx, "sync.order_skipped", "polled order not ingested",
				slog.String("tenantId", tp.TenantID),
				slog.String("platform", string(tp.Platform)),
				slog.String("platformOrderId", order.PlatformOrderID),
				slog.String("error", err.Error()))
			continue
		}
		processed++
		if order.PlacedAt.After(maxPlaced) {
			maxPlaced = order.PlacedAt
		}
	}
	if processed == 0 {
		return nil
	}
	return s.state.Advance(ctx, tp.TenantID, tp.Platform, maxPlaced)
}

// ingestOrder turns one polled order into the event the webhook path would
// have produced: a creation for orders we have never seen, a status update
// for orders we already track.
func (s *Syncer) ingestOrder(ctx context.Context, tp models.TenantPlatform, order models.OrderData) error {
	_, known, err := s.orders.Get(ctx, tp.TenantID, tp.Platform, order.PlatformOrderID)
	if err != nil {
		return err
	}
	var payload events.Payload
	if known {
		payload = events.OrderStatusUpdated{
			TenantID:        tp.TenantID,
			Platform:        string(tp.Platform),
			PlatformOrderID: order.PlatformOrderID,
			PlatformStatus:  order.Status,
		}
	} else {
		payload = events.OrderCreated{
			TenantID:        tp.TenantID,
			Platform:        string(tp.Platform),
			PlatformOrderID: order.PlatformOrderID,
			Order:           order.Raw,
		}
	}
	return s.emit(ctx, tp, order.PlatformOrderID, payload)
}

// DriftSweep re-checks the platform's status for every locally active order
// and pushes a status update where the two views disagree.
func (s *Syncer) DriftSweep(ctx context.Context) error {
	pairs, err := s.state.ListPollingEnabled(ctx)
	if err != nil {
		return err
	}
	for _, tp := range pairs {
		if err := s.driftPair(ctx, tp); err != nil {
			metricsx.IncSyncSweep("drift", "error")
			s.logger.Error(ctx, "sync.drift_failed", "drift sweep failed for pair",
				slog.String("tenantId", tp.TenantID),
				slog.String("platform", string(tp.Platform)),
				slog.String("error", err.Error()))
			continue
		}
		metricsx.IncSyncSweep("drift", "ok")
	}
	return nil
}

func (s *Syncer) driftPair(ctx context.Context, tp models.TenantPlatform) error {
	client, err := s.clients.For(tp)
	if err != nil {
		return err
	}
	active, err := s.orders.ListActive(ctx, tp.TenantID, tp.Platform, s.now().UTC().Add(-s.driftWindow))
	if err != nil {
		return err
	}
	for _, order := range active {
		rawStatus, err := client.FetchCurrentStatus(ctx, tp.TenantID, order.PlatformOrderID)
		if err != nil {
			s.logger.Warn(ctx, "sync.status_check_failed", "platform status fetch failed",
				slog.String("tenantId", tp.TenantID),
				slog.String("platformOrderId", order.PlatformOrderID),
				slog.String("error", err.Error()))
			continue
		}
		mapped, err := platform.MapStatus(tp.Platform, rawStatus)
		if err != nil {
			s.logger.Warn(ctx, "sync.status_unknown", "platform returned unmapped status",
				slog.String("platformOrderId", order.PlatformOrderID),
				slog.String("rawStatus", rawStatus))
			continue
		}
		if mapped == order.Status || !models.CanTransition(order.Status, mapped) {
			continue
		}
		payload := events.OrderStatusUpdated{
			TenantID:        tp.TenantID,
			Platform:        string(tp.Platform),
			PlatformOrderID: order.PlatformOrderID,
			PlatformStatus:  rawStatus,
		}
		if err := s.emit(ctx, tp, order.PlatformOrderID, payload); err != nil {
			s.logger.Warn(ctx, "sync.order_skipped", "drift update not ingested",
				slog.String("platformOrderId", order.PlatformOrderID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// emit routes a recovered event through the transport when it is enabled, so
// it passes the same dedup and locking as a webhook, and applies it directly
// otherwise.
func (s *Syncer) emit(ctx context.Context, tp models.TenantPlatform, platformOrderID string, payload events.Payload) error {
	if s.publisher != nil && s.publisher.Enabled() {
		_, err := s.publisher.Send(ctx, events.TopicOrderStatusSync, payload, mqx.SendOptions{
			Key:      events.PartitionKey(tp.TenantID, string(tp.Platform), platformOrderID),
			TenantID: tp.TenantID,
		})
		return err
	}
	env, err := events.New(eventSource, payload, events.NewOptions{TenantID: tp.TenantID})
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Dispatch(ctx, env)
	return err
}
