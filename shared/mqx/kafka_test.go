package mqx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("mqx-test", "test", "", "error")
}

func TestDisabledProducerIsNoOp(t *testing.T) {
	cfg := config.Config{ServiceName: "test", KafkaEnabled: false}
	p, err := NewProducer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected disabled producer")
	}
	res, err := p.Send(context.Background(), events.TopicPlatformWebhooks, events.OrderCreated{
		TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1",
	}, SendOptions{Key: "t1:GETIR:o1", TenantID: "t1"})
	if err != nil {
		t.Fatalf("disabled send must not error: %v", err)
	}
	if res != nil {
		t.Fatalf("disabled send must return nil result")
	}
}

func TestNewRunnerDisabled(t *testing.T) {
	cfg := config.Config{KafkaEnabled: false}
	if _, err := NewRunner(cfg, events.GroupWebhookProcessors, []string{events.TopicPlatformWebhooks}, testLogger()); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestHeaderMap(t *testing.T) {
	env, _ := events.New("test", events.OrderCancelled{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1"}, events.NewOptions{
		TenantID:      "t1",
		CorrelationID: "corr-1",
	})
	env = env.WithRetry()

	headers := toKafkaHeaders(headerMap(env, map[string]string{HeaderSourceTopic: events.TopicPlatformWebhooks}))
	byKey := make(map[string]string, len(headers))
	for _, h := range headers {
		byKey[h.Key] = string(h.Value)
	}

	if byKey[HeaderTenantID] != "t1" {
		t.Fatalf("tenant header = %q", byKey[HeaderTenantID])
	}
	if byKey[HeaderCorrelationID] != "corr-1" {
		t.Fatalf("correlation header = %q", byKey[HeaderCorrelationID])
	}
	if byKey[HeaderRetryCount] != "1" {
		t.Fatalf("retry header = %q", byKey[HeaderRetryCount])
	}
	if byKey[HeaderSourceTopic] != events.TopicPlatformWebhooks {
		t.Fatalf("source topic header = %q", byKey[HeaderSourceTopic])
	}
	if _, err := time.Parse(time.RFC3339Nano, byKey[HeaderOriginalTimestamp]); err != nil {
		t.Fatalf("original timestamp header not RFC3339: %q", byKey[HeaderOriginalTimestamp])
	}
}

func TestHandleWithRetryRecoversTransientFailure(t *testing.T) {
	r := &Runner{groupID: "g", logger: testLogger(), handlerAttempts: 5, handlerDelay: time.Millisecond}
	calls := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("broker hiccup")
		}
		return nil
	}

	if err := r.handleWithRetry(context.Background(), handler, kafka.Message{Topic: events.TopicPlatformWebhooks}); err != nil {
		t.Fatalf("handleWithRetry = %v", err)
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestHandleWithRetrySurfacesPersistentFailure(t *testing.T) {
	r := &Runner{groupID: "g", logger: testLogger(), handlerAttempts: 3, handlerDelay: time.Millisecond}
	calls := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		calls++
		return errors.New("still broken")
	}

	err := r.handleWithRetry(context.Background(), handler, kafka.Message{Topic: events.TopicPlatformWebhooks})
	if err == nil {
		t.Fatalf("expected the exhausted handler error to surface")
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	if TruncateError(short) != short {
		t.Fatalf("short message must pass through")
	}
	long := strings.Repeat("x", 500)
	got := TruncateError(long)
	if len(got) != 200 {
		t.Fatalf("expected 200 chars, got %d", len(got))
	}
}
