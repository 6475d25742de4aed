package tenantx

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "t1")
	if got := TenantID(ctx); got != "t1" {
		t.Fatalf("TenantID = %q, want t1", got)
	}
}

func TestEmptyTenantLeavesContextUnscoped(t *testing.T) {
	ctx := WithTenant(context.Background(), "")
	if got := TenantID(ctx); got != "" {
		t.Fatalf("TenantID = %q, want empty", got)
	}
}
