package health

import (
	"context"
	"errors"
	"testing"

	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
)

type fakeLagReader struct {
	lags map[string]map[string]int64
	errs map[string]error
}

func (f *fakeLagReader) TopicLags(ctx context.Context, groupID string, topics []string) (map[string]int64, error) {
	if err := f.errs[groupID]; err != nil {
		return nil, err
	}
	return f.lags[groupID], nil
}

func testLogger() logx.Logger {
	return logx.New("health-test", "test", "dev", "error")
}

func specs() []GroupSpec {
	return []GroupSpec{
		{GroupID: events.GroupWebhookProcessors, Topics: []string{events.TopicPlatformWebhooks}},
		{GroupID: events.GroupDLQReprocessors, Topics: []string{events.TopicPlatformWebhooksDLQ}},
	}
}

func TestStatusHealthyBelowThreshold(t *testing.T) {
	reader := &fakeLagReader{lags: map[string]map[string]int64{
		events.GroupWebhookProcessors: {events.TopicPlatformWebhooks: 999},
		events.GroupDLQReprocessors:   {events.TopicPlatformWebhooksDLQ: 0},
	}}
	m := NewMonitor(reader, specs(), 1000, testLogger())
	m.Refresh(context.Background())

	if got := m.Status(); got != StatusHealthy {
		t.Fatalf("status = %q, want healthy", got)
	}
}

func TestStatusUnhealthyAboveThreshold(t *testing.T) {
	reader := &fakeLagReader{lags: map[string]map[string]int64{
		events.GroupWebhookProcessors: {events.TopicPlatformWebhooks: 1001},
		events.GroupDLQReprocessors:   {events.TopicPlatformWebhooksDLQ: 0},
	}}
	m := NewMonitor(reader, specs(), 1000, testLogger())
	m.Refresh(context.Background())

	if got := m.Status(); got != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", got)
	}
}

func TestStatusUnhealthyAtThreshold(t *testing.T) {
	reader := &fakeLagReader{lags: map[string]map[string]int64{
		events.GroupWebhookProcessors: {events.TopicPlatformWebhooks: 1000},
		events.GroupDLQReprocessors:   {events.TopicPlatformWebhooksDLQ: 0},
	}}
	m := NewMonitor(reader, specs(), 1000, testLogger())
	m.Refresh(context.Background())

	if got := m.Status(); got != StatusUnhealthy {
		t.Fatalf("status = %q, lag equal to the threshold must be unhealthy", got)
	}
}

func TestStatusDisabledWithoutReader(t *testing.T) {
	m := NewMonitor(nil, specs(), 1000, testLogger())
	m.Refresh(context.Background())

	if got := m.Status(); got != StatusDisabled {
		t.Fatalf("status = %q, want disabled", got)
	}
}

func TestRefreshIsolatesGroupFailures(t *testing.T) {
	reader := &fakeLagReader{
		lags: map[string]map[string]int64{
			events.GroupDLQReprocessors: {events.TopicPlatformWebhooksDLQ: 7},
		},
		errs: map[string]error{
			events.GroupWebhookProcessors: errors.New("broker timeout"),
		},
	}
	m := NewMonitor(reader, specs(), 1000, testLogger())
	m.Refresh(context.Background())

	metrics := m.Metrics()
	if got := metrics[events.GroupWebhookProcessors]["_total"]; got != -1 {
		t.Fatalf("failed group lag = %d, want -1", got)
	}
	if got := metrics[events.GroupDLQReprocessors][events.TopicPlatformWebhooksDLQ]; got != 7 {
		t.Fatalf("working group lag = %d, want 7", got)
	}
	if got := m.Status(); got != StatusHealthy {
		t.Fatalf("status = %q, unreadable lag should not trip the threshold", got)
	}
	if m.Connected() {
		t.Fatalf("monitor reports connected after a group read failure")
	}
	if m.LastError() == "" {
		t.Fatalf("last error missing after a failed refresh")
	}
}

func TestConnectedAfterCleanRefresh(t *testing.T) {
	reader := &fakeLagReader{lags: map[string]map[string]int64{
		events.GroupWebhookProcessors: {events.TopicPlatformWebhooks: 1},
		events.GroupDLQReprocessors:   {events.TopicPlatformWebhooksDLQ: 0},
	}}
	m := NewMonitor(reader, specs(), 1000, testLogger())
	if m.Connected() {
		t.Fatalf("monitor connected before any refresh")
	}
	m.Refresh(context.Background())

	if !m.Enabled() || !m.Connected() {
		t.Fatalf("enabled=%v connected=%v after clean refresh", m.Enabled(), m.Connected())
	}
	if m.LastError() != "" {
		t.Fatalf("unexpected last error %q", m.LastError())
	}
}

func TestMetricsReturnsCopy(t *testing.T) {
	reader := &fakeLagReader{lags: map[string]map[string]int64{
		events.GroupWebhookProcessors: {events.TopicPlatformWebhooks: 5},
	}}
	m := NewMonitor(reader, specs()[:1], 1000, testLogger())
	m.Refresh(context.Background())

	first := m.Metrics()
	first[events.GroupWebhookProcessors][events.TopicPlatformWebhooks] = 99

	second := m.Metrics()
	if got := second[events.GroupWebhookProcessors][events.TopicPlatformWebhooks]; got != 5 {
		t.Fatalf("snapshot was mutated through the copy, lag = %d", got)
	}
}
