// Package remote is the HTTP client of the order service consumed by the
// sync engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nnamdi/cafepos/internal/models"
)

// each send attempt is bounded so the best-effort path can never leave the
// till waiting on a hung request
const defaultSendTimeout = 15 * time.Second

// Client represents the HTTP client for order-service requests
type Client struct {
	client  *http.Client
	baseURL string
}

// New creates new Client instance
func New(baseURL string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: defaultSendTimeout,
		},
		baseURL: baseURL,
	}
}

// CreateOrderResult is the order-service response to a create request
type CreateOrderResult struct {
	ID          string `json:"id"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// CreateOrder submits one order.
// 200 — order accepted or recognized as an already stored duplicate;
// 400/422 — malformed or invalid payload;
// 500 — internal server error.
// Safe to retry: the service deduplicates by clientOrderId.
func (c *Client) CreateOrder(ctx context.Context, payload models.OrderPayload) (*CreateOrderResult, error) {
	// POST /api/orders
	u, err := url.JoinPath(c.baseURL, "api", "orders")
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSendFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		result := CreateOrderResult{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", models.ErrSendFailed, err)
		}
		return &result, nil
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", models.ErrSendFailed, resp.StatusCode)
	}
}

// Ping checks order-service reachability over the same network path the
// sends use. The connection monitor uses it as its probe.
func (c *Client) Ping(ctx context.Context) error {
	// HEAD /api/ping
	u, err := url.JoinPath(c.baseURL, "api", "ping")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}
