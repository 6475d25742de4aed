package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PlatformType string

const (
	PlatformGetir       PlatformType = "GETIR"
	PlatformYemeksepeti PlatformType = "YEMEKSEPETI"
	PlatformTrendyol    PlatformType = "TRENDYOL"
	PlatformMigros      PlatformType = "MIGROS"
)

var platforms = map[PlatformType]bool{
	PlatformGetir:       true,
	PlatformYemeksepeti: true,
	PlatformTrendyol:    true,
	PlatformMigros:      true,
}

func ParsePlatform(raw string) (PlatformType, error) {
	p := PlatformType(strings.ToUpper(strings.TrimSpace(raw)))
	if !platforms[p] {
		return "", fmt.Errorf("unknown platform: %q", raw)
	}
	return p, nil
}

func (p PlatformType) Valid() bool {
	return platforms[p]
}

type PlatformOrder struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Platform        PlatformType    `json:"platform"`
	PlatformOrderID string          `json:"platform_order_id"`
	Status          OrderStatus     `json:"status"`
	PlatformStatus  string          `json:"platform_status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	PlacedAt        time.Time       `json:"placed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderData is the platform-agnostic shape a platform client returns for a
// fetched order.
type OrderData struct {
	PlatformOrderID string          `json:"platformOrderId"`
	Status          string          `json:"status"`
	PlacedAt        time.Time       `json:"placedAt"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

const (
	DeadLetterPending    = "PENDING"
	DeadLetterProcessing = "PROCESSING"
	DeadLetterResolved   = "RESOLVED"
	DeadLetterFailed     = "FAILED"
	DeadLetterAbandoned  = "ABANDONED"
)

type DeadLetterRecord struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      string          `json:"tenant_id"`
	SourceTopic   string          `json:"source_topic"`
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	Envelope      json.RawMessage `json:"envelope"`
	ErrorMessage  string          `json:"error_message"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TenantPlatform is one tenant's registration for one delivery platform.
type TenantPlatform struct {
	TenantID       string       `json:"tenant_id"`
	Platform       PlatformType `json:"platform"`
	Enabled        bool         `json:"enabled"`
	PollingEnabled bool         `json:"polling_enabled"`
	APIBaseURL     string       `json:"api_base_url"`
	APIKey         string       `json:"-"`
}

// SyncState is the per tenant+platform poll watermark.
type SyncState struct {
	TenantID     string       `json:"tenant_id"`
	Platform     PlatformType `json:"platform"`
	LastSyncedAt time.Time    `json:"last_synced_at"`
}
