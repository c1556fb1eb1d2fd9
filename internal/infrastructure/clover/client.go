package clover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/infrastructure/metrics"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorBody     = 512
)

// Client is the REST adapter for the Clover v3 merchant API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
	retryConfig RetryConfig
	logger      zerolog.Logger
}

var _ ports.POSClient = (*Client)(nil)

// NewClient creates a client with default timeout and retry settings and no rate limiting
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return NewClientWithOptions(baseURL, nil, nil, DefaultRetryConfig(), logger)
}

// NewClientWithOptions creates a client with rate limiting and retry options
func NewClientWithOptions(
	baseURL string,
	httpClient *http.Client,
	rateLimiter *RateLimiter,
	retryConfig RetryConfig,
	logger zerolog.Logger,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		rateLimiter: rateLimiter,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// Catalog API

func (c *Client) ListCategories(ctx context.Context, merchantID, accessToken string) ([]ports.POSCategory, error) {
	body, err := c.get(ctx, "categories", merchantID, accessToken, "categories", url.Values{"limit": {"1000"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return ports.DecodeElements[ports.POSCategory](body, "categories")
}

func (c *Client) ListCategoryItems(ctx context.Context, merchantID, accessToken, categoryID string) ([]ports.POSItem, error) {
	resource := "categories/" + url.PathEscape(categoryID) + "/items"
	body, err := c.get(ctx, "category_items", merchantID, accessToken, resource, url.Values{"limit": {"1000"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list items of category %s: %w", categoryID, err)
	}
	return ports.DecodeElements[ports.POSItem](body, "items")
}

func (c *Client) GetItem(ctx context.Context, merchantID, accessToken, itemID string) (*ports.POSItem, error) {
	body, err := c.get(ctx, "item", merchantID, accessToken, "items/"+url.PathEscape(itemID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}
	var item ports.POSItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return &item, nil
}

func (c *Client) ListItemsWithModifierGroups(ctx context.Context, merchantID, accessToken string) ([]ports.POSItem, error) {
	query := url.Values{"limit": {"1000"}, "expand": {"modifierGroups,categories"}}
	body, err := c.get(ctx, "items", merchantID, accessToken, "items", query)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return ports.DecodeElements[ports.POSItem](body, "items")
}

func (c *Client) ListModifierGroups(ctx context.Context, merchantID, accessToken string) ([]ports.POSModifierGroup, error) {
	body, err := c.get(ctx, "modifier_groups", merchantID, accessToken, "modifier_groups", url.Values{"limit": {"500"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list modifier groups: %w", err)
	}
	return ports.DecodeElements[ports.POSModifierGroup](body, "modifierGroups")
}

func (c *Client) ListModifiers(ctx context.Context, merchantID, accessToken, groupID string) ([]ports.POSModifier, error) {
	resource := "modifier_groups/" + url.PathEscape(groupID) + "/modifiers"
	body, err := c.get(ctx, "modifiers", merchantID, accessToken, resource, url.Values{"limit": {"500"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list modifiers of group %s: %w", groupID, err)
	}
	return ports.DecodeElements[ports.POSModifier](body, "modifiers")
}

// Tax API

func (c *Client) ListTaxRates(ctx context.Context, merchantID, accessToken string) ([]ports.POSTaxRate, error) {
	body, err := c.get(ctx, "tax_rates", merchantID, accessToken, "tax_rates", url.Values{"limit": {"1000"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list tax rates: %w", err)
	}
	return ports.DecodeElements[ports.POSTaxRate](body, "taxRates")
}

func (c *Client) ListTaxRateItems(ctx context.Context, merchantID, accessToken, taxRateID string) ([]ports.POSItem, error) {
	resource := "tax_rates/" + url.PathEscape(taxRateID) + "/items"
	body, err := c.get(ctx, "tax_rate_items", merchantID, accessToken, resource, url.Values{"limit": {"1000"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list items of tax rate %s: %w", taxRateID, err)
	}
	return ports.DecodeElements[ports.POSItem](body, "items")
}

// Order type API

func (c *Client) ListOrderTypes(ctx context.Context, merchantID, accessToken string) ([]ports.POSOrderType, error) {
	body, err := c.get(ctx, "order_types", merchantID, accessToken, "order_types", url.Values{"limit": {"500"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list order types: %w", err)
	}
	return ports.DecodeElements[ports.POSOrderType](body, "orderTypes")
}

func (c *Client) ListSystemOrderTypes(ctx context.Context, merchantID, accessToken string) ([]ports.POSOrderType, error) {
	body, err := c.get(ctx, "system_order_types", merchantID, accessToken, "system_order_types", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list system order types: %w", err)
	}
	return ports.DecodeElements[ports.POSOrderType](body, "systemOrderTypes")
}

func (c *Client) CreateOrderType(ctx context.Context, merchantID, accessToken string, payload map[string]any) (ports.POSOrderType, error) {
	body, err := c.do(ctx, http.MethodPost, "create_order_type", merchantID, accessToken, "order_types", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create order type: %w", err)
	}
	var created ports.POSOrderType
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to decode created order type: %w", err)
	}
	return created, nil
}

// Payment and order API

func (c *Client) GetPayment(ctx context.Context, merchantID, accessToken, paymentID string) (*ports.POSPayment, error) {
	resource := "payments/" + url.PathEscape(paymentID)
	body, err := c.get(ctx, "payment", merchantID, accessToken, resource, url.Values{"expand": {"order"}})
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", paymentID, err)
	}
	var payment ports.POSPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode payment: %w", err)
	}
	return &payment, nil
}

func (c *Client) GetOrder(ctx context.Context, merchantID, accessToken, orderID string) (*ports.POSOrder, error) {
	resource := "orders/" + url.PathEscape(orderID)
	body, err := c.get(ctx, "order", merchantID, accessToken, resource, url.Values{"expand": {"payments"}})
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	var order ports.POSOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &order, nil
}

func (c *Client) SetOrderType(ctx context.Context, merchantID, accessToken, orderID, orderTypeID string) error {
	payload := map[string]any{"orderType": map[string]string{"id": orderTypeID}}
	if _, err := c.do(ctx, http.MethodPost, "set_order_type", merchantID, accessToken, "orders/"+url.PathEscape(orderID), nil, payload); err != nil {
		return fmt.Errorf("failed to assign order type to order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, merchantID, accessToken, resource string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, merchantID, accessToken, resource, query, nil)
}

// do performs one logical request, retrying throttled answers per the retry config.
// Non-2xx answers are returned as *domain.UpstreamError.
func (c *Client) do(
	ctx context.Context,
	method, endpoint, merchantID, accessToken, resource string,
	query url.Values,
	payload any,
) ([]byte, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("merchant id is required")
	}

	path := "/v3/merchants/" + url.PathEscape(merchantID) + "/" + resource
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx, merchantID); err != nil {
				return nil, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.ObserveUpstream(endpoint, 0, time.Since(start))
			return nil, fmt.Errorf("failed to call %s: %w", endpoint, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		metrics.ObserveUpstream(endpoint, resp.StatusCode, time.Since(start))

		if readErr != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", endpoint, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		if delay, ok := c.retryConfig.delay(attempt, resp); ok {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Str("merchantId", merchantID).
				Int("status", resp.StatusCode).
				Dur("delay", delay).
				Msg("Throttled by POS platform, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return nil, &domain.UpstreamError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   truncate(string(body), maxErrorBody),
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
