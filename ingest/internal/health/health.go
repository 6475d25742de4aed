// Package health reports whether the pipeline's consumers keep up with
// their topics. Lag is measured broker-side so a wedged consumer cannot
// report itself healthy.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/segmentio/kafka-go"

	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/metricsx"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
)

// LagReader returns the committed-vs-end lag per topic for one group.
type LagReader interface {
	TopicLags(ctx context.Context, groupID string, topics []string) (map[string]int64, error)
}

// GroupSpec names one consumer group and the topics it is responsible for.
type GroupSpec struct {
	GroupID string
	Topics  []string
}

// Monitor keeps the latest lag snapshot for a fixed set of groups. A group
// whose lag cannot be read is reported as -1 and does not fail the whole
// refresh.
type Monitor struct {
	reader    LagReader
	logger    logx.Logger
	threshold int64
	groups    []GroupSpec

	mu        sync.RWMutex
	totals    map[string]int64
	topics    map[string]map[string]int64
	connected bool
	lastErr   string
}

func NewMonitor(reader LagReader, groups []GroupSpec, threshold int64, logger logx.Logger) *Monitor {
	return &Monitor{
		reader:    reader,
		logger:    logger,
		threshold: threshold,
		groups:    groups,
		totals:    make(map[string]int64),
		topics:    make(map[string]map[string]int64),
	}
}

// Refresh reads every group's lag once. Call it from a ticker; Status and
// Metrics serve the last snapshot without touching the broker.
func (m *Monitor) Refresh(ctx context.Context) {
	if m.reader == nil {
		return
	}
	var refreshErr string
	for _, group := range m.groups {
		lags, err := m.reader.TopicLags(ctx, group.GroupID, group.Topics)
		if err != nil {
			m.logger.Warn(ctx, "health.lag_unavailable", "could not read consumer lag",
				slog.String("group", group.GroupID),
				slog.String("error", err.Error()))
			refreshErr = err.Error()
			m.store(group.GroupID, -1, nil)
			continue
		}
		var total int64
		for topic, lag := range lags {
			total += lag
			metricsx.SetKafkaLag(topic, group.GroupID, lag)
		}
		m.store(group.GroupID, total, lags)
	}
	m.mu.Lock()
	m.connected = refreshErr == ""
	m.lastErr = refreshErr
	m.mu.Unlock()
}

func (m *Monitor) store(groupID string, total int64, topics map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[groupID] = total
	m.topics[groupID] = topics
}

// Enabled reports whether lag monitoring is configured at all.
func (m *Monitor) Enabled() bool {
	return m.reader != nil
}

// Connected reports whether the last refresh could read every group.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastError returns the failure from the last refresh, or "".
func (m *Monitor) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Status collapses the last snapshot into one word for readiness probes.
// Groups with unreadable lag do not count against the threshold; they are
// visible in Metrics as -1.
func (m *Monitor) Status() string {
	if m.reader == nil {
		return StatusDisabled
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, total := range m.totals {
		if total >= m.threshold {
			return StatusUnhealthy
		}
	}
	return StatusHealthy
}

// Metrics returns a copy of the per-group, per-topic lag snapshot.
func (m *Monitor) Metrics() map[string]map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]int64, len(m.totals))
	for groupID, total := range m.totals {
		byTopic := map[string]int64{}
		for topic, lag := range m.topics[groupID] {
			byTopic[topic] = lag
		}
		if len(byTopic) == 0 {
			byTopic["_total"] = total
		}
		out[groupID] = byTopic
	}
	return out
}

// Watch refreshes on an interval until ctx ends.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	if m.reader == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// KafkaLagReader measures lag with the broker admin API: end offsets from
// ListOffsets against the group's committed offsets from OffsetFetch.
type KafkaLagReader struct {
	client *kafka.Client
}

func NewKafkaLagReader(brokers []string) *KafkaLagReader {
	if len(brokers) == 0 {
		return nil
	}
	return &KafkaLagReader{client: &kafka.Client{
		Addr:    kafka.TCP(brokers...),
		Timeout: 10 * time.Second,
	}}
}

func (r *KafkaLagReader) TopicLags(ctx context.Context, groupID string, topics []string) (map[string]int64, error) {
	meta, err := r.client.Metadata(ctx, &kafka.MetadataRequest{Topics: topics})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	partitions := make(map[string][]int, len(topics))
	offsetRequests := make(map[string][]kafka.OffsetRequest, len(topics))
	for _, topic := range meta.Topics {
		if topic.Error != nil {
			return nil, fmt.Errorf("topic %s: %w", topic.Name, topic.Error)
		}
		for _, p := range topic.Partitions {
			partitions[topic.Name] = append(partitions[topic.Name], p.ID)
			offsetRequests[topic.Name] = append(offsetRequests[topic.Name], kafka.LastOffsetOf(p.ID))
		}
	}

	ends, err := r.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{Topics: offsetRequests})
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	committed, err := r.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: groupID,
		Topics:  partitions,
	})
	if err != nil {
		return nil, fmt.Errorf("offset fetch: %w", err)
	}

	committedByPartition := make(map[string]map[int]int64)
	for topic, parts := range committed.Topics {
		committedByPartition[topic] = make(map[int]int64, len(parts))
		for _, p := range parts {
			if p.Error != nil {
				return nil, fmt.Errorf("committed offset %s/%d: %w", topic, p.Partition, p.Error)
			}
			committedByPartition[topic][p.Partition] = p.CommittedOffset
		}
	}

	lags := make(map[string]int64, len(topics))
	for topic, parts := range ends.Topics {
		var lag int64
		for _, p := range parts {
			if p.Error != nil {
				return nil, fmt.Errorf("end offset %s/%d: %w", topic, p.Partition, p.Error)
			}
			offset, ok := committedByPartition[topic][p.Partition]
			if !ok || offset < 0 {
				// group never committed here; everything retained is lag
				offset = p.FirstOffset
			}
			if d := p.LastOffset - offset; d > 0 {
				lag += d
			}
		}
		lags[topic] = lag
	}
	return lags, nil
}
