package dispatch

import (
	"context"
	"errors"
	"testing"

	"platform-order-pipeline/ingest/internal/models"
	"platform-order-pipeline/shared/events"
	"platform-order-pipeline/shared/logx"
)

type fakeApplier struct {
	created   int
	cancelled int
	updated   int
	lastCall  string
	err       error
}

func (f *fakeApplier) ApplyNewOrder(_ context.Context, tenantID string, platform models.PlatformType, order models.OrderData) error {
	f.created++
	f.lastCall = "create:" + tenantID + ":" + string(platform) + ":" + order.PlatformOrderID
	return f.err
}

func (f *fakeApplier) ApplyCancellation(_ context.Context, tenantID string, platform models.PlatformType, platformOrderID string, reason string) error {
	f.cancelled++
	f.lastCall = "cancel:" + platformOrderID + ":" + reason
	return f.err
}

func (f *fakeApplier) ApplyStatusUpdate(_ context.Context, tenantID string, platform models.PlatformType, platformOrderID string, platformStatus string) error {
	f.updated++
	f.lastCall = "status:" + platformOrderID + ":" + platformStatus
	return f.err
}

func newTestDispatcher(applier *fakeApplier) *Dispatcher {
	return New(applier, logx.New("dispatch-test", "test", "", "error"))
}

func TestDispatchByKind(t *testing.T) {
	applier := &fakeApplier{}
	d := newTestDispatcher(applier)
	ctx := context.Background()

	created, _ := events.New("test", events.OrderCreated{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1"}, events.NewOptions{TenantID: "t1"})
	res, err := d.Dispatch(ctx, created)
	if err != nil || !res.Applied {
		t.Fatalf("create dispatch failed: %v", err)
	}

	cancelled, _ := events.New("test", events.OrderCancelled{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1", Reason: "customer"}, events.NewOptions{TenantID: "t1"})
	if _, err := d.Dispatch(ctx, cancelled); err != nil {
		t.Fatalf("cancel dispatch failed: %v", err)
	}

	updated, _ := events.New("test", events.OrderStatusUpdated{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1", PlatformStatus: "DELIVERED"}, events.NewOptions{TenantID: "t1"})
	if _, err := d.Dispatch(ctx, updated); err != nil {
		t.Fatalf("status dispatch failed: %v", err)
	}

	if applier.created != 1 || applier.cancelled != 1 || applier.updated != 1 {
		t.Fatalf("expected one call per kind, got %+v", applier)
	}
}

func TestUnknownKindIsNoOp(t *testing.T) {
	applier := &fakeApplier{}
	d := newTestDispatcher(applier)

	env, _ := events.New("test", events.OrderCreated{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1"}, events.NewOptions{TenantID: "t1"})
	env.EventType = "order.teleported"

	res, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("unknown kind must not error: %v", err)
	}
	if res.Applied {
		t.Fatalf("unknown kind must not apply")
	}
	if applier.created+applier.cancelled+applier.updated != 0 {
		t.Fatalf("unknown kind must not reach the applier")
	}
}

func TestBadPlatformIsBadPayload(t *testing.T) {
	d := newTestDispatcher(&fakeApplier{})
	env, _ := events.New("test", events.OrderCreated{TenantID: "t1", Platform: "DOORDASH", PlatformOrderID: "o1"}, events.NewOptions{TenantID: "t1"})

	_, err := d.Dispatch(context.Background(), env)
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestBusinessErrorPropagates(t *testing.T) {
	wantErr := errors.New("db down")
	d := newTestDispatcher(&fakeApplier{err: wantErr})
	env, _ := events.New("test", events.OrderCreated{TenantID: "t1", Platform: "GETIR", PlatformOrderID: "o1"}, events.NewOptions{TenantID: "t1"})

	_, err := d.Dispatch(context.Background(), env)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected business error to propagate, got %v", err)
	}
}
