package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"platform-order-pipeline/ingest/internal/models"
)

// HTTPClient talks to one platform's order API. Calls run through a circuit
// breaker so a dead platform fails fast instead of stalling every sweep.
type HTTPClient struct {
	platform models.PlatformType
	baseURL  string
	apiKey   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPClient(platform models.PlatformType, baseURL string, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("platform api base url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform-" + string(platform),
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPClient{
		platform: platform,
		baseURL:  baseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
	}, nil
}

func (c *HTTPClient) Platform() models.PlatformType {
	return c.platform
}

type orderResponse struct {
	OrderID  string          `json:"orderId"`
	Status   string          `json:"status"`
	PlacedAt time.Time       `json:"placedAt"`
	Order    json.RawMessage `json:"order"`
}

func (c *HTTPClient) FetchOrdersSince(ctx context.Context, tenantID string, since time.Time) ([]models.OrderData, error) {
	path := "/orders?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var out []orderResponse
	if err := c.getJSON(ctx, tenantID, path, &out); err != nil {
		return nil, err
	}
	orders := make([]models.OrderData, 0, len(out))
	for _, o := range out {
		orders = append(orders, models.OrderData{
			PlatformOrderID: o.OrderID,
			Status:          o.Status,
			PlacedAt:        o.PlacedAt,
			Raw:             o.Order,
		})
	}
	return orders, nil
}

func (c *HTTPClient) FetchCurrentStatus(ctx context.Context, tenantID string, platformOrderID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/orders/" + url.PathEscape(platformOrderID) + "/status"
	if err := c.getJSON(ctx, tenantID, path, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, tenantID string, path string, dest any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		if tenantID != "" {
			req.Header.Set("X-Tenant-ID", tenantID)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("platform %s request failed: %s", c.platform, resp.Status)
		}
		return nil, json.NewDecoder(resp.Body).Decode(dest)
	})
	return err
}
