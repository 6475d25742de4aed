package models

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(OrderStatusNew, OrderStatusConfirmed) {
		t.Fatalf("expected NEW -> CONFIRMED to be allowed")
	}
	if !CanTransition(OrderStatusOnTheWay, OrderStatusDelivered) {
		t.Fatalf("expected ON_THE_WAY -> DELIVERED to be allowed")
	}
	if CanTransition(OrderStatusDelivered, OrderStatusPreparing) {
		t.Fatalf("expected DELIVERED -> PREPARING to be blocked")
	}
	if !CanTransition(OrderStatusPreparing, OrderStatusPreparing) {
		t.Fatalf("expected same-status transition to be a no-op allow")
	}
}

func TestTerminal(t *testing.T) {
	if !OrderStatusDelivered.Terminal() || !OrderStatusCancelled.Terminal() {
		t.Fatalf("expected delivered/cancelled to be terminal")
	}
	for _, s := range ActiveStatuses() {
		if s.Terminal() {
			t.Fatalf("active status %s must not be terminal", s)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform(" getir ")
	if err != nil || p != PlatformGetir {
		t.Fatalf("ParsePlatform failed: %v %v", p, err)
	}
	if _, err := ParsePlatform("doordash"); err == nil {
		t.Fatalf("expected unknown platform error")
	}
}
