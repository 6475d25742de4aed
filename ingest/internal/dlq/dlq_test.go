package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"platform-order-pipeline/ingest/internal/dispatch"
	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/dlqx"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
	"platform-order-pipeline/shared/mqx"
)

func testLogger() logx.Logger {
	return logx.New("dlq-test", "test", "dev", "error")
}

func kafkaMessage(topic string, value []byte) kafka.Message {
	return kafka.Message{Topic: topic, Value: value}
}

func testEnvelope(t *testing.T, retryCount int) events.Envelope {
	t.Helper()
	env, err := events.New("webhook", events.OrderCreated{
		TenantID:        "t1",
		Platform:        "GETIR",
		PlatformOrderID: "o1",
	}, events.NewOptions{TenantID: "t1", CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.Metadata.RetryCount = retryCount
	return env
}

type rawPublish struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	enabled   bool
	err       error
	published []rawPublish
}

func (f *fakePublisher) Enabled() bool { return f.enabled }

func (f *fakePublisher) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) (*mqx.PublishResult, error) {
	f.published = append(f.published, rawPublish{topic: topic, key: key, value: value, headers: headers})
	if f.err != nil {
		return nil, f.err
	}
	return &mqx.PublishResult{Topic: topic}, nil
}

type fakeDurableStore struct {
	err      error
	inserted []models.DeadLetterRecord
}

func (f *fakeDurableStore) Insert(ctx context.Context, rec models.DeadLetterRecord) (models.DeadLetterRecord, error) {
	f.inserted = append(f.inserted, rec)
	if f.err != nil {
		return models.DeadLetterRecord{}, f.err
	}
	rec.ID = uuid.New()
	return rec, nil
}

func TestProducerParksOnTopic(t *testing.T) {
	publisher := &fakePublisher{enabled: true}
	store := &fakeDurableStore{}
	producer := NewProducer(publisher, store, 5, testLogger())
	env := testEnvelope(t, 0)

	producer.Park(context.Background(), env, events.TopicPlatformWebhooks, errors.New("orders table unavailable"))

	if len(publisher.published) != 1 {
		t.Fatalf("published = %d, want 1", len(publisher.published))
	}
	pub := publisher.published[0]
	if pub.topic != events.TopicPlatformWebhooksDLQ {
		t.Fatalf("topic = %q", pub.topic)
	}
	if pub.key != "t1:GETIR:o1" {
		t.Fatalf("key = %q", pub.key)
	}
	dead, ok := dlqx.Parse(pub.value)
	if !ok {
		t.Fatalf("published value is not a dead-letter event")
	}
	if dead.OriginalEvent.EventID != env.EventID {
		t.Fatalf("wrapped wrong envelope")
	}
	if dead.SourceTopic != events.TopicPlatformWebhooks {
		t.Fatalf("source topic = %q", dead.SourceTopic)
	}
	if dead.Error.Message != "orders table unavailable" {
		t.Fatalf("error message = %q", dead.Error.Message)
	}
	if pub.headers[mqx.HeaderSourceTopic] != events.TopicPlatformWebhooks {
		t.Fatalf("missing source topic header")
	}
	if len(store.inserted) != 0 {
		t.Fatalf("broker path also wrote a durable record")
	}
}

func TestProducerFallsBackToDurableStore(t *testing.T) {
	publisher := &fakePublisher{enabled: true, err: errors.New("broker unreachable")}
	store := &fakeDurableStore{}
	producer := NewProducer(publisher, store, 5, testLogger())
	env := testEnvelope(t, 2)

	producer.Park(context.Background(), env, events.TopicOrderStatusSync, errors.New("apply failed"))

	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(store.inserted))
	}
	rec := store.inserted[0]
	if rec.Status != models.DeadLetterPending {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.SourceTopic != events.TopicOrderStatusSync {
		t.Fatalf("source topic = %q", rec.SourceTopic)
	}
	if rec.EventID != env.EventID || rec.TenantID != "t1" {
		t.Fatalf("record identity = %q/%q", rec.EventID, rec.TenantID)
	}
	if rec.MaxRetries != 5 {
		t.Fatalf("max retries = %d", rec.MaxRetries)
	}
	if rec.NextRetryAt == nil {
		t.Fatalf("durable record has no next retry")
	}
	if got := rec.NextRetryAt.Sub(rec.FailedAt); got != dlqx.Delay(0) {
		t.Fatalf("first backoff = %v, want %v", got, dlqx.Delay(0))
	}
}

func TestProducerDisabledTransportGoesDurable(t *testing.T) {
	store := &fakeDurableStore{}
	producer := NewProducer(&fakePublisher{enabled: false}, store, 5, testLogger())

	producer.Park(context.Background(), testEnvelope(t, 0), events.TopicPlatformWebhooks, errors.New("apply failed"))

	if len(store.inserted) != 1 {
		t.Fatalf("disabled transport did not fall back to durable store")
	}
}

func TestProducerSurvivesStoreFailure(t *testing.T) {
	store := &fakeDurableStore{err: errors.New("db down")}
	producer := NewProducer(&fakePublisher{enabled: false}, store, 5, testLogger())

	// must not panic or propagate anything
	producer.Park(context.Background(), testEnvelope(t, 0), events.TopicPlatformWebhooks, errors.New("apply failed"))
}

func TestParkDurableReportsStoreFailure(t *testing.T) {
	store := &fakeDurableStore{err: errors.New("db down")}
	producer := NewProducer(&fakePublisher{enabled: false}, store, 5, testLogger())

	err := producer.ParkDurable(context.Background(), testEnvelope(t, 0), events.TopicPlatformWebhooks, errors.New("publish failed"))
	if err == nil {
		t.Fatalf("a lost event must be reported so the caller can refuse the ack")
	}
}

func TestParkDurableInsertsPending(t *testing.T) {
	store := &fakeDurableStore{}
	producer := NewProducer(&fakePublisher{enabled: false}, store, 5, testLogger())

	if err := producer.ParkDurable(context.Background(), testEnvelope(t, 0), events.TopicPlatformWebhooks, errors.New("publish failed")); err != nil {
		t.Fatalf("park durable: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(store.inserted))
	}
	if store.inserted[0].Status != models.DeadLetterPending {
		t.Fatalf("status = %q", store.inserted[0].Status)
	}
}

type republished struct {
	topic string
	env   events.Envelope
	opts  mqx.SendOptions
}

type fakeTransport struct {
	err      error
	sent     []republished
	requeued []rawPublish
}

func (f *fakeTransport) SendEnvelope(ctx context.Context, topic string, env events.Envelope, opts mqx.SendOptions) (*mqx.PublishResult, error) {
	f.sent = append(f.sent, republished{topic: topic, env: env, opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	return &mqx.PublishResult{Topic: topic, EventID: env.EventID}, nil
}

func (f *fakeTransport) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) (*mqx.PublishResult, error) {
	f.requeued = append(f.requeued, rawPublish{topic: topic, key: key, value: value, headers: headers})
	if f.err != nil {
		return nil, f.err
	}
	return &mqx.PublishResult{Topic: topic}, nil
}

func deadLetterMessage(t *testing.T, env events.Envelope, failedAt time.Time) []byte {
	t.Helper()
	raw, err := dlqx.DeadLetterEvent{
		OriginalEvent: env,
		Error:         dlqx.ErrorInfo{Message: "apply failed"},
		FailedAt:      failedAt,
		SourceTopic:   events.TopicPlatformWebhooks,
	}.Encode()
	if err != nil {
		t.Fatalf("encode dead letter: %v", err)
	}
	return raw
}

func TestReprocessorRepublishesOnceDue(t *testing.T) {
	transport := &fakeTransport{}
	store := &fakeDurableStore{}
	r := NewReprocessor(transport, store, 5, testLogger())
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return failedAt.Add(5 * time.Minute) }
	env := testEnvelope(t, 1)

	err := r.Handle(context.Background(), kafkaMessage(events.TopicPlatformWebhooksDLQ, deadLetterMessage(t, env, failedAt)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("republished = %d, want 1", len(transport.sent))
	}
	sent := transport.sent[0]
	if sent.topic != events.TopicPlatformWebhooks {
		t.Fatalf("republished to %q", sent.topic)
	}
	if sent.env.Metadata.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", sent.env.Metadata.RetryCount)
	}
	if sent.env.EventID != env.EventID {
		t.Fatalf("republish changed event id")
	}
	if sent.opts.Headers[mqx.HeaderReprocessedAt] == "" {
		t.Fatalf("missing reprocessedAt header")
	}
	if len(store.inserted) != 0 {
		t.Fatalf("due dead letter hit the durable store")
	}
}

func TestReprocessorCyclesEarlyDeliveryToTopicTail(t *testing.T) {
	transport := &fakeTransport{}
	r := NewReprocessor(transport, &fakeDurableStore{}, 5, testLogger())
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return failedAt.Add(time.Minute) }
	r.maxHold = 0
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	raw := deadLetterMessage(t, testEnvelope(t, 1), failedAt)
	msg := kafkaMessage(events.TopicPlatformWebhooksDLQ, raw)
	msg.Key = []byte("t1:GETIR:o1")

	// Backoff has 4 minutes left. The offset must be committable, so the
	// dead letter goes back to the tail of its own topic, bytes unchanged.
	if err := r.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("early dead letter was republished to its source topic")
	}
	if len(transport.requeued) != 1 {
		t.Fatalf("requeued = %d, want 1", len(transport.requeued))
	}
	req := transport.requeued[0]
	if req.topic != events.TopicPlatformWebhooksDLQ {
		t.Fatalf("requeued to %q", req.topic)
	}
	if req.key != "t1:GETIR:o1" {
		t.Fatalf("requeue key = %q", req.key)
	}
	if string(req.value) != string(raw) {
		t.Fatalf("requeue changed the dead-letter bytes")
	}
}

func TestReprocessorHoldsThroughShortBackoff(t *testing.T) {
	transport := &fakeTransport{}
	r := NewReprocessor(transport, &fakeDurableStore{}, 5, testLogger())
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return failedAt.Add(5*time.Minute - 10*time.Second) }
	r.maxHold = time.Minute
	var slept time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	err := r.Handle(context.Background(), kafkaMessage(events.TopicPlatformWebhooksDLQ, deadLetterMessage(t, testEnvelope(t, 1), failedAt)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if slept != 10*time.Second {
		t.Fatalf("slept %v, want the 10s left on the backoff", slept)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("republished = %d, want 1", len(transport.sent))
	}
	if len(transport.requeued) != 0 {
		t.Fatalf("short backoff cycled the dead letter instead of holding")
	}
}

func TestReprocessorReturnsRequeueFailureUncommitted(t *testing.T) {
	transport := &fakeTransport{err: errors.New("broker unreachable")}
	r := NewReprocessor(transport, &fakeDurableStore{}, 5, testLogger())
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return failedAt.Add(time.Minute) }
	r.maxHold = 0
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := r.Handle(context.Background(), kafkaMessage(events.TopicPlatformWebhooksDLQ, deadLetterMessage(t, testEnvelope(t, 1), failedAt)))
	if err == nil {
		t.Fatalf("failed requeue must surface so the offset stays uncommitted")
	}
}

func TestReprocessorRecordsExhaustedAsFailed(t *testing.T) {
	transport := &fakeTransport{}
	store := &fakeDurableStore{}
	r := NewReprocessor(transport, store, 5, testLogger())
	env := testEnvelope(t, 5)

	err := r.Handle(context.Background(), kafkaMessage(events.TopicPlatformWebhooksDLQ, deadLetterMessage(t, env, time.Now().Add(-time.Hour))))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("exhausted dead letter was republished")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(store.inserted))
	}
	rec := store.inserted[0]
	if rec.Status != models.DeadLetterFailed {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.RetryCount != 5 {
		t.Fatalf("retry count = %d", rec.RetryCount)
	}
}

func TestReprocessorDropsMalformed(t *testing.T) {
	transport := &fakeTransport{}
	r := NewReprocessor(transport, &fakeDurableStore{}, 5, testLogger())

	if err := r.Handle(context.Background(), kafkaMessage(events.TopicPlatformWebhooksDLQ, []byte("nope"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("malformed dead letter was republished")
	}
}

type sweepStoreCall struct {
	id         uuid.UUID
	retryCount int
	next       *time.Time
	errMsg     string
	failed     bool
}

type fakeSweepStore struct {
	due        []models.DeadLetterRecord
	claimErr   error
	resolved   []uuid.UUID
	retried    []sweepStoreCall
	purgedCut  time.Time
	purged     int64
	staleCut   time.Time
	staleCount int64
}

func (f *fakeSweepStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	f.staleCut = olderThan
	return f.staleCount, nil
}

func (f *fakeSweepStore) ClaimDue(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.due, nil
}

func (f *fakeSweepStore) MarkResolved(ctx context.Context, id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeSweepStore) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, errMsg string, failed bool) error {
	f.retried = append(f.retried, sweepStoreCall{id: id, retryCount: retryCount, next: nextRetryAt, errMsg: errMsg, failed: failed})
	return nil
}

func (f *fakeSweepStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	f.purgedCut = olderThan
	return f.purged, nil
}

type fakeRedispatcher struct {
	err   error
	calls int
}

func (f *fakeRedispatcher) Dispatch(ctx context.Context, env events.Envelope) (dispatch.Result, error) {
	f.calls++
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return dispatch.Result{Kind: env.EventType, Applied: true}, nil
}

func durableRecord(t *testing.T, retryCount int) models.DeadLetterRecord {
	t.Helper()
	env := testEnvelope(t, retryCount)
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return models.DeadLetterRecord{
		ID:          uuid.New(),
		TenantID:    "t1",
		SourceTopic: events.TopicPlatformWebhooks,
		EventID:     env.EventID,
		Envelope:    raw,
		Status:      models.DeadLetterProcessing,
		RetryCount:  retryCount,
		MaxRetries:  5,
		FailedAt:    time.Now().Add(-time.Hour),
	}
}

func TestSweeperResolvesRecovered(t *testing.T) {
	rec := durableRecord(t, 1)
	store := &fakeSweepStore{due: []models.DeadLetterRecord{rec}}
	dispatcher := &fakeRedispatcher{}
	s := NewSweeper(store, dispatcher, 50, 30*24*time.Hour, testLogger())

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("dispatch calls = %d", dispatcher.calls)
	}
	if len(store.resolved) != 1 || store.resolved[0] != rec.ID {
		t.Fatalf("resolved = %v", store.resolved)
	}
	if len(store.retried) != 0 {
		t.Fatalf("recovered record was retried")
	}
}

func TestSweeperSchedulesNextRetry(t *testing.T) {
	rec := durableRecord(t, 1)
	store := &fakeSweepStore{due: []models.DeadLetterRecord{rec}}
	dispatcher := &fakeRedispatcher{err: errors.New("still failing")}
	s := NewSweeper(store, dispatcher, 50, 30*24*time.Hour, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.retried) != 1 {
		t.Fatalf("retried = %d, want 1", len(store.retried))
	}
	call := store.retried[0]
	if call.retryCount != 2 || call.failed {
		t.Fatalf("retry call = %+v", call)
	}
	if call.next == nil || !call.next.Equal(fixed.Add(dlqx.Delay(2))) {
		t.Fatalf("next retry = %v", call.next)
	}
}

func TestSweeperFailsExhaustedRecord(t *testing.T) {
	rec := durableRecord(t, 4)
	store := &fakeSweepStore{due: []models.DeadLetterRecord{rec}}
	s := NewSweeper(store, &fakeRedispatcher{err: errors.New("still failing")}, 50, 30*24*time.Hour, testLogger())

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.retried) != 1 {
		t.Fatalf("retried = %d, want 1", len(store.retried))
	}
	call := store.retried[0]
	if !call.failed || call.retryCount != 5 {
		t.Fatalf("retry call = %+v", call)
	}
	if call.next != nil {
		t.Fatalf("failed record still has a next retry")
	}
}

func TestSweeperRequeuesStaleClaims(t *testing.T) {
	store := &fakeSweepStore{staleCount: 2}
	s := NewSweeper(store, &fakeRedispatcher{}, 50, 30*24*time.Hour, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if want := fixed.Add(-staleClaimAge); !store.staleCut.Equal(want) {
		t.Fatalf("stale cutoff = %v, want %v", store.staleCut, want)
	}
}

func TestSweeperPurgeUsesRetention(t *testing.T) {
	store := &fakeSweepStore{purged: 3}
	s := NewSweeper(store, &fakeRedispatcher{}, 50, 30*24*time.Hour, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	want := fixed.Add(-30 * 24 * time.Hour)
	if !store.purgedCut.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.purgedCut, want)
	}
}
