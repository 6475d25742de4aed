package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TopicPlatformWebhooks    = "platform-webhooks"
	TopicPlatformWebhooksDLQ = "platform-webhooks-dlq"
	TopicOrderStatusSync     = "order-status-sync"
	TopicOrderStatusSyncDLQ  = "order-status-sync-dlq"

	GroupWebhookProcessors = "webhook-processors"
	GroupStatusSyncWorkers = "status-sync-workers"
	GroupDLQReprocessors   = "dlq-reprocessors"
)

const SchemaVersion = 1

// dlqTopics maps known source topics to their dead-letter counterparts.
// Topics not listed here fall back to the "-dlq" suffix.
var dlqTopics = map[string]string{
	TopicPlatformWebhooks: TopicPlatformWebhooksDLQ,
	TopicOrderStatusSync:  TopicOrderStatusSyncDLQ,
}

func DLQTopicFor(topic string) string {
	if dlq, ok := dlqTopics[topic]; ok {
		return dlq
	}
	return topic + "-dlq"
}

type Kind string

const (
	KindOrderCreated       Kind = "order.created"
	KindOrderCancelled     Kind = "order.cancelled"
	KindOrderStatusUpdated Kind = "order.status_updated"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Payload is the closed set of event bodies the pipeline moves. Adding a
// kind means adding a struct here and a dispatch arm in the processor.
type Payload interface {
	Kind() Kind
}

type OrderCreated struct {
	TenantID        string          `json:"tenantId"`
	Platform        string          `json:"platform"`
	PlatformOrderID string          `json:"platformOrderId"`
	Order           json.RawMessage `json:"order"`
}

func (OrderCreated) Kind() Kind { return KindOrderCreated }

type OrderCancelled struct {
	TenantID        string `json:"tenantId"`
	Platform        string `json:"platform"`
	PlatformOrderID string `json:"platformOrderId"`
	Reason          string `json:"reason,omitempty"`
}

func (OrderCancelled) Kind() Kind { return KindOrderCancelled }

type OrderStatusUpdated struct {
	TenantID        string `json:"tenantId"`
	Platform        string `json:"platform"`
	PlatformOrderID string `json:"platformOrderId"`
	PlatformStatus  string `json:"platformStatus"`
}

func (OrderStatusUpdated) Kind() Kind { return KindOrderStatusUpdated }

type Metadata struct {
	TenantID          string     `json:"tenantId"`
	RetryCount        int        `json:"retryCount"`
	OriginalTimestamp *time.Time `json:"originalTimestamp,omitempty"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
}

type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     Kind            `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

type NewOptions struct {
	TenantID      string
	CorrelationID string
}

// New wraps a payload in a fresh envelope. The event id is generated here and
// never changes afterwards; the correlation id is generated only if the caller
// did not propagate one.
func New(source string, payload Payload, opts NewOptions) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     payload.Kind(),
		Timestamp:     time.Now().UTC(),
		Version:       SchemaVersion,
		Source:        source,
		CorrelationID: correlationID,
		Payload:       body,
		Metadata: Metadata{
			TenantID:   opts.TenantID,
			RetryCount: 0,
		},
	}, nil
}

// WithRetry returns a copy prepared for requeueing: retry count bumped,
// original timestamp preserved from the first send.
func (e Envelope) WithRetry() Envelope {
	if e.Metadata.OriginalTimestamp == nil {
		ts := e.Timestamp
		e.Metadata.OriginalTimestamp = &ts
	}
	e.Metadata.RetryCount++
	return e
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes an envelope. The second return is false for anything
// that cannot be a valid envelope so callers can drop instead of retrying.
func Parse(raw []byte) (Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, false
	}
	if e.EventID == "" || e.EventType == "" || e.Metadata.TenantID == "" {
		return Envelope{}, false
	}
	return e, true
}

// Identity extracts the (tenant, platform, platformOrderId) triple shared by
// every payload kind, used for partition keys and idempotency keys.
func Identity(p Payload) (tenantID string, platform string, platformOrderID string) {
	switch v := p.(type) {
	case OrderCreated:
		return v.TenantID, v.Platform, v.PlatformOrderID
	case OrderCancelled:
		return v.TenantID, v.Platform, v.PlatformOrderID
	case OrderStatusUpdated:
		return v.TenantID, v.Platform, v.PlatformOrderID
	default:
		return "", "", ""
	}
}

// PartitionKey keeps all events for one order on one partition.
func PartitionKey(tenantID string, platform string, platformOrderID string) string {
	return tenantID + ":" + platform + ":" + platformOrderID
}

// DecodePayload unmarshals the envelope body into its concrete kind.
func DecodePayload(e Envelope) (Payload, error) {
	switch e.EventType {
	case KindOrderCreated:
		var p OrderCreated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindOrderCancelled:
		var p OrderCancelled
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindOrderStatusUpdated:
		var p OrderStatusUpdated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, ErrUnknownKind
	}
}
