package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"platform-order-pipeline/ingest/internal/models"
)

func TestMapStatus(t *testing.T) {
	cases := []struct {
		platform models.PlatformType
		raw      string
		want     models.OrderStatus
	}{
		{models.PlatformGetir, "ONWAY", models.OrderStatusOnTheWay},
		{models.PlatformGetir, "canceled", models.OrderStatusCancelled},
		{models.PlatformYemeksepeti, "on_delivery", models.OrderStatusOnTheWay},
		{models.PlatformTrendyol, "Shipped", models.OrderStatusOnTheWay},
		{models.PlatformMigros, "APPROVED", models.OrderStatusConfirmed},
	}
	for _, tc := range cases {
		got, err := MapStatus(tc.platform, tc.raw)
		if err != nil {
			t.Fatalf("MapStatus(%s, %s) errored: %v", tc.platform, tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("MapStatus(%s, %s) = %s, want %s", tc.platform, tc.raw, got, tc.want)
		}
	}

	if _, err := MapStatus(models.PlatformGetir, "TELEPORTED"); err == nil {
		t.Fatalf("expected error for unknown raw status")
	}
	if _, err := MapStatus("DOORDASH", "NEW"); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory(time.Second)

	tp := models.TenantPlatform{TenantID: "t1", Platform: models.PlatformGetir, APIBaseURL: "http://getir.local"}
	first, err := f.For(tp)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	second, err := f.For(tp)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached client per platform")
	}

	if _, err := f.For(models.TenantPlatform{Platform: "DOORDASH"}); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func TestFactoryIsolatesTenantCredentials(t *testing.T) {
	f := NewFactory(time.Second)

	a, err := f.For(models.TenantPlatform{TenantID: "tenant-a", Platform: models.PlatformGetir, APIBaseURL: "https://a.example", APIKey: "key-a"})
	if err != nil {
		t.Fatalf("For tenant-a failed: %v", err)
	}
	b, err := f.For(models.TenantPlatform{TenantID: "tenant-b", Platform: models.PlatformGetir, APIBaseURL: "https://b.example", APIKey: "key-b"})
	if err != nil {
		t.Fatalf("For tenant-b failed: %v", err)
	}

	if a == b {
		t.Fatalf("tenants on the same platform share a client")
	}
	bc := b.(*HTTPClient)
	if bc.baseURL != "https://b.example" || bc.apiKey != "key-b" {
		t.Fatalf("tenant-b client carries wrong credentials: baseURL=%q apiKey=%q", bc.baseURL, bc.apiKey)
	}

	again, err := f.For(models.TenantPlatform{TenantID: "tenant-a", Platform: models.PlatformGetir, APIBaseURL: "https://a.example", APIKey: "key-a"})
	if err != nil {
		t.Fatalf("For tenant-a again failed: %v", err)
	}
	if again != a {
		t.Fatalf("same registration did not reuse its cached client")
	}
}

func TestFetchOrdersSince(t *testing.T) {
	placedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("since") == "" {
			t.Errorf("missing since parameter")
		}
		if r.Header.Get("X-Tenant-ID") != "t1" {
			t.Errorf("missing tenant header")
		}
		_ = json.NewEncoder(w).Encode([]orderResponse{
			{OrderID: "getir-12345", Status: "PREPARING", PlacedAt: placedAt, Order: []byte(`{"total":150}`)},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(models.PlatformGetir, srv.URL, "secret", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	orders, err := client.FetchOrdersSince(context.Background(), "t1", placedAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FetchOrdersSince failed: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].PlatformOrderID != "getir-12345" || orders[0].Status != "PREPARING" {
		t.Fatalf("unexpected order: %+v", orders[0])
	}
}

func TestFetchCurrentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/getir-12345/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "DELIVERED"})
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(models.PlatformGetir, srv.URL, "", time.Second)
	status, err := client.FetchCurrentStatus(context.Background(), "t1", "getir-12345")
	if err != nil {
		t.Fatalf("FetchCurrentStatus failed: %v", err)
	}
	if status != "DELIVERED" {
		t.Fatalf("unexpected status %s", status)
	}
}
