package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"platform-order-pipeline/ingest/internal/models"
)

// Client is the narrow surface the pipeline needs from a delivery platform.
// One implementation per platform; the core never sees a concrete one.
type Client interface {
	Platform() models.PlatformType
	FetchOrdersSince(ctx context.Context, tenantID string, since time.Time) ([]models.OrderData, error)
	FetchCurrentStatus(ctx context.Context, tenantID string, platformOrderID string) (string, error)
}

// statusMaps translates each platform's raw status vocabulary into the
// internal order status.
var statusMaps = map[models.PlatformType]map[string]models.OrderStatus{
	models.PlatformGetir: {
		"RECEIVED":  models.OrderStatusNew,
		"VERIFIED":  models.OrderStatusConfirmed,
		"PREPARING": models.OrderStatusPreparing,
		"ONWAY":     models.OrderStatusOnTheWay,
		"DELIVERED": models.OrderStatusDelivered,
		"CANCELED":  models.OrderStatusCancelled,
	},
	models.PlatformYemeksepeti: {
		"NEW":         models.OrderStatusNew,
		"ACCEPTED":    models.OrderStatusConfirmed,
		"PREPARING":   models.OrderStatusPreparing,
		"ON_DELIVERY": models.OrderStatusOnTheWay,
		"DELIVERED":   models.OrderStatusDelivered,
		"CANCELLED":   models.OrderStatusCancelled,
	},
	models.PlatformTrendyol: {
		"CREATED":   models.OrderStatusNew,
		"ACCEPTED":  models.OrderStatusConfirmed,
		"PREPARING": models.OrderStatusPreparing,
		"SHIPPED":   models.OrderStatusOnTheWay,
		"DELIVERED": models.OrderStatusDelivered,
		"CANCELLED": models.OrderStatusCancelled,
	},
	models.PlatformMigros: {
		"NEW":        models.OrderStatusNew,
		"APPROVED":   models.OrderStatusConfirmed,
		"PREPARING":  models.OrderStatusPreparing,
		"ON_THE_WAY": models.OrderStatusOnTheWay,
		"DELIVERED":  models.OrderStatusDelivered,
		"CANCELLED":  models.OrderStatusCancelled,
	},
}

// MapStatus resolves a platform's raw status to the internal one.
func MapStatus(platform models.PlatformType, rawStatus string) (models.OrderStatus, error) {
	m, ok := statusMaps[platform]
	if !ok {
		return "", fmt.Errorf("no status map for platform %s", platform)
	}
	status, ok := m[strings.ToUpper(strings.TrimSpace(rawStatus))]
	if !ok {
		return "", fmt.Errorf("platform %s: unknown status %q", platform, rawStatus)
	}
	return status, nil
}

// Factory hands out one client per tenant registration. Caching is keyed on
// tenant+platform: clients carry tenant credentials, so they must never be
// shared across tenants. Keeping them cached lets circuit breaker state
// survive across sweeps.
type Factory struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*HTTPClient
}

func NewFactory(timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Factory{
		timeout: timeout,
		clients: make(map[string]*HTTPClient),
	}
}

// For returns the client for a tenant's platform registration.
func (f *Factory) For(tp models.TenantPlatform) (Client, error) {
	if !tp.Platform.Valid() {
		return nil, fmt.Errorf("unknown platform: %q", tp.Platform)
	}
	key := tp.TenantID + "|" + string(tp.Platform)

	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[key]; ok {
		return client, nil
	}
	client, err := NewHTTPClient(tp.Platform, tp.APIBaseURL, tp.APIKey, f.timeout)
	if err != nil {
		return nil, err
	}
	f.clients[key] = client
	return client, nil
}
